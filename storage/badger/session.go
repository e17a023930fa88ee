// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/dborovcanin/courier/storage"
)

var _ storage.SessionStore = (*SessionStore)(nil)

// SessionStore implements storage.SessionStore using BadgerDB.
//
// Key format: session:{clientID}
type SessionStore struct {
	db *badger.DB
}

// NewSessionStore creates a new BadgerDB session store.
func NewSessionStore(db *badger.DB) *SessionStore {
	return &SessionStore{db: db}
}

// Get retrieves a session by client ID.
func (s *SessionStore) Get(clientID string) (*storage.Session, error) {
	key := []byte("session:" + clientID)
	var session *storage.Session

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return storage.ErrNotFound
			}
			return err
		}

		return item.Value(func(val []byte) error {
			session = &storage.Session{}
			return json.Unmarshal(val, session)
		})
	})
	if err != nil {
		return nil, err
	}

	return session, nil
}

// Save persists a session.
func (s *SessionStore) Save(session *storage.Session) error {
	key := []byte("session:" + session.ClientID)
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// Delete removes a session.
func (s *SessionStore) Delete(clientID string) error {
	key := []byte("session:" + clientID)

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// List returns all sessions.
func (s *SessionStore) List() ([]*storage.Session, error) {
	var sessions []*storage.Session

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("session:")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var session storage.Session
				if err := json.Unmarshal(val, &session); err != nil {
					return err
				}
				sessions = append(sessions, &session)
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal session: %w", err)
			}
		}

		return nil
	})

	return sessions, err
}
