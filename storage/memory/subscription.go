// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"strings"
	"sync"

	"github.com/dborovcanin/courier/storage"
)

var _ storage.SubscriptionStore = (*SubscriptionStore)(nil)

// SubscriptionStore is an in-memory implementation of
// storage.SubscriptionStore backed by a topic trie.
type SubscriptionStore struct {
	mu    sync.RWMutex
	root  *trieNode
	count int
	// byClient provides O(1) lookup of a client's subscriptions.
	byClient map[string]map[string]*storage.Subscription // clientID -> filter -> subscription
}

type trieNode struct {
	children map[string]*trieNode
	subs     map[string]*storage.Subscription // clientID -> subscription at this level
}

func newTrieNode() *trieNode {
	return &trieNode{
		children: make(map[string]*trieNode),
		subs:     make(map[string]*storage.Subscription),
	}
}

// NewSubscriptionStore creates a new in-memory subscription index.
func NewSubscriptionStore() *SubscriptionStore {
	return &SubscriptionStore{
		root:     newTrieNode(),
		byClient: make(map[string]map[string]*storage.Subscription),
	}
}

// Add adds or updates a subscription. It reports whether a new entry
// was created.
func (s *SubscriptionStore) Add(sub *storage.Subscription) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	isNew := true
	if clientSubs, ok := s.byClient[sub.ClientID]; ok {
		if _, exists := clientSubs[sub.Filter]; exists {
			isNew = false
		}
	}

	levels := strings.Split(sub.Filter, "/")
	node := s.root
	for _, level := range levels {
		child, ok := node.children[level]
		if !ok {
			child = newTrieNode()
			node.children[level] = child
		}
		node = child
	}

	subCopy := storage.CopySubscription(sub)
	node.subs[sub.ClientID] = subCopy

	if s.byClient[sub.ClientID] == nil {
		s.byClient[sub.ClientID] = make(map[string]*storage.Subscription)
	}
	s.byClient[sub.ClientID][sub.Filter] = subCopy

	if isNew {
		s.count++
	}

	return isNew, nil
}

// Remove removes a subscription and reports whether one existed.
// Removing a non-existent one is a no-op.
func (s *SubscriptionStore) Remove(clientID, filter string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clientSubs, ok := s.byClient[clientID]
	if !ok {
		return false, nil
	}
	if _, exists := clientSubs[filter]; !exists {
		return false, nil
	}

	levels := strings.Split(filter, "/")
	node := s.root
	for _, level := range levels {
		child, ok := node.children[level]
		if !ok {
			break
		}
		node = child
	}
	delete(node.subs, clientID)

	delete(clientSubs, filter)
	if len(clientSubs) == 0 {
		delete(s.byClient, clientID)
	}

	s.count--
	return true, nil
}

// RemoveAll removes all subscriptions for a client.
func (s *SubscriptionStore) RemoveAll(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clientSubs, ok := s.byClient[clientID]
	if !ok {
		return nil
	}

	for filter := range clientSubs {
		levels := strings.Split(filter, "/")
		node := s.root
		for _, level := range levels {
			child, ok := node.children[level]
			if !ok {
				break
			}
			node = child
		}
		delete(node.subs, clientID)
		s.count--
	}

	delete(s.byClient, clientID)
	return nil
}

// GetForClient returns all subscriptions for a client.
func (s *SubscriptionStore) GetForClient(clientID string) ([]*storage.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clientSubs, ok := s.byClient[clientID]
	if !ok {
		return nil, nil
	}

	result := make([]*storage.Subscription, 0, len(clientSubs))
	for _, sub := range clientSubs {
		result = append(result, storage.CopySubscription(sub))
	}
	return result, nil
}

// Match returns all subscriptions matching a topic, deduplicated per
// client at the strongest QoS.
func (s *SubscriptionStore) Match(topic string) ([]*storage.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	levels := strings.Split(topic, "/")
	var matched []*storage.Subscription
	s.matchLevel(s.root, levels, 0, &matched)

	return sharpen(matched), nil
}

func (s *SubscriptionStore) matchLevel(node *trieNode, levels []string, index int, matched *[]*storage.Subscription) {
	if index == len(levels) {
		for _, sub := range node.subs {
			*matched = append(*matched, storage.CopySubscription(sub))
		}
		if wild, ok := node.children["#"]; ok {
			for _, sub := range wild.subs {
				*matched = append(*matched, storage.CopySubscription(sub))
			}
		}
		return
	}

	level := levels[index]

	if child, ok := node.children[level]; ok {
		s.matchLevel(child, levels, index+1, matched)
	}

	// Wildcards at the root level never match $-prefixed topics.
	if index == 0 && strings.HasPrefix(level, "$") {
		return
	}

	// Single level wildcard '+'.
	if child, ok := node.children["+"]; ok {
		s.matchLevel(child, levels, index+1, matched)
	}

	// Multi-level wildcard '#'.
	if child, ok := node.children["#"]; ok {
		for _, sub := range child.subs {
			*matched = append(*matched, storage.CopySubscription(sub))
		}
	}
}

// sharpen reduces multiple matches for the same client to the single
// strongest requested QoS.
func sharpen(subs []*storage.Subscription) []*storage.Subscription {
	seen := make(map[string]*storage.Subscription)
	for _, sub := range subs {
		if existing, ok := seen[sub.ClientID]; ok {
			if sub.QoS > existing.QoS {
				seen[sub.ClientID] = sub
			}
		} else {
			seen[sub.ClientID] = sub
		}
	}

	result := make([]*storage.Subscription, 0, len(seen))
	for _, sub := range seen {
		result = append(result, sub)
	}
	return result
}

// Count returns total subscription count.
func (s *SubscriptionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}
