// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/dborovcanin/courier/storage"
	"github.com/dborovcanin/courier/topics"
)

var _ storage.SubscriptionStore = (*SubscriptionStore)(nil)

// SubscriptionStore implements storage.SubscriptionStore using BadgerDB.
//
// Key format: sub:{clientID}:{filter}.
type SubscriptionStore struct {
	db    *badger.DB
	count atomic.Int64 // Cached subscription count
}

// NewSubscriptionStore creates a new BadgerDB subscription store.
func NewSubscriptionStore(db *badger.DB) *SubscriptionStore {
	s := &SubscriptionStore{db: db}
	s.refreshCount()
	return s
}

// Add adds or updates a subscription. It reports whether a new entry
// was created.
func (s *SubscriptionStore) Add(sub *storage.Subscription) (bool, error) {
	key := fmt.Sprintf("sub:%s:%s", sub.ClientID, sub.Filter)
	data, err := json.Marshal(sub)
	if err != nil {
		return false, fmt.Errorf("failed to marshal subscription: %w", err)
	}

	var isNew bool
	err = s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		isNew = err == badger.ErrKeyNotFound

		if err := txn.Set([]byte(key), data); err != nil {
			return err
		}

		if isNew {
			s.count.Add(1)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return isNew, nil
}

// Remove removes a subscription and reports whether one existed.
// Removing a subscription that does not exist is a no-op.
func (s *SubscriptionStore) Remove(clientID, filter string) (bool, error) {
	key := fmt.Sprintf("sub:%s:%s", clientID, filter)

	var removed bool
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}

		if err := txn.Delete([]byte(key)); err != nil {
			return err
		}

		removed = true
		s.count.Add(-1)
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// RemoveAll removes all subscriptions for a client.
func (s *SubscriptionStore) RemoveAll(clientID string) error {
	prefix := fmt.Sprintf("sub:%s:", clientID)

	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}

		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
			s.count.Add(-1)
		}

		return nil
	})
}

// GetForClient returns all subscriptions for a client.
func (s *SubscriptionStore) GetForClient(clientID string) ([]*storage.Subscription, error) {
	prefix := fmt.Sprintf("sub:%s:", clientID)
	var subs []*storage.Subscription

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var sub storage.Subscription
				if err := json.Unmarshal(val, &sub); err != nil {
					return err
				}
				subs = append(subs, &sub)
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal subscription: %w", err)
			}
		}

		return nil
	})

	return subs, err
}

// Match returns all subscriptions matching a topic, deduplicated per
// client at the strongest matching QoS. This scans all subscriptions
// and performs MQTT topic matching.
func (s *SubscriptionStore) Match(topic string) ([]*storage.Subscription, error) {
	// clientID -> strongest matching subscription
	best := make(map[string]*storage.Subscription)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("sub:")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var sub storage.Subscription
				if err := json.Unmarshal(val, &sub); err != nil {
					return err
				}
				if !topics.Match(sub.Filter, topic) {
					return nil
				}
				if cur, ok := best[sub.ClientID]; !ok || sub.QoS > cur.QoS {
					best[sub.ClientID] = &sub
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal subscription: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	matched := make([]*storage.Subscription, 0, len(best))
	for _, sub := range best {
		matched = append(matched, sub)
	}
	return matched, nil
}

// Count returns total subscription count.
func (s *SubscriptionStore) Count() int {
	return int(s.count.Load())
}

// refreshCount rebuilds the cached count from the database.
func (s *SubscriptionStore) refreshCount() {
	var n int64

	_ = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("sub:")
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})

	s.count.Store(n)
}
