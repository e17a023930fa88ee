// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
)

const numShards = 64

type registryShard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Registry is the in-memory directory of live sessions. Sessions are
// split across shards so concurrent operations on different clients
// don't block each other.
type Registry struct {
	shards [numShards]registryShard
	count  atomic.Int64
}

// NewRegistry creates a new session registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].sessions = make(map[string]*Session)
	}
	return r
}

func (r *Registry) shard(key string) *registryShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &r.shards[h.Sum32()%numShards]
}

// Get retrieves a session by client ID. Returns nil if absent.
func (r *Registry) Get(clientID string) *Session {
	s := r.shard(clientID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[clientID]
}

// Set stores a session.
func (r *Registry) Set(clientID string, session *Session) {
	s := r.shard(clientID)
	s.mu.Lock()
	if _, exists := s.sessions[clientID]; !exists {
		r.count.Add(1)
	}
	s.sessions[clientID] = session
	s.mu.Unlock()
}

// Delete removes a session. Returns true if it was present.
func (r *Registry) Delete(clientID string) bool {
	s := r.shard(clientID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[clientID]; exists {
		delete(s.sessions, clientID)
		r.count.Add(-1)
		return true
	}
	return false
}

// ForEach iterates over all sessions. The iteration order is not
// guaranteed.
func (r *Registry) ForEach(fn func(*Session)) {
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, sess := range s.sessions {
			fn(sess)
		}
		s.mu.RUnlock()
	}
}

// Count returns the total number of sessions.
func (r *Registry) Count() int {
	return int(r.count.Load())
}

// ConnectedCount returns the number of connected sessions.
func (r *Registry) ConnectedCount() int {
	n := 0
	r.ForEach(func(s *Session) {
		if s.Connected() {
			n++
		}
	})
	return n
}

// GenerateClientID produces a random ID for clients that connect with
// an empty one.
func GenerateClientID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random client ID: %w", err)
	}
	return "auto-" + hex.EncodeToString(b), nil
}
