// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker implements the message-routing core: subscription
// handling, publish fan-out across QoS levels, retained messages,
// last-will delivery, and offline queues for non-clean sessions.
package broker

import (
	"log/slog"
	"sync"

	"github.com/dborovcanin/courier/broker/events"
	"github.com/dborovcanin/courier/session"
	"github.com/dborovcanin/courier/storage"
	"github.com/dborovcanin/courier/storage/memory"
)

// DefaultMaxQueued caps each offline queue when no limit is configured.
const DefaultMaxQueued = 1000

// PostOffice routes publishes between sessions. All operations are safe
// for concurrent use; there is no global routing lock.
type PostOffice struct {
	store    storage.Store
	sessions *session.Registry
	auth     *AuthorizationGate
	notifier Notifier
	stats    *Stats
	logger   *slog.Logger

	// Offline queues, owned by the router rather than the sessions so
	// enqueue works even when no live session object exists.
	qmu       sync.Mutex
	queues    map[string]*offlineQueue
	maxQueued int
}

// New creates a PostOffice. A nil store falls back to the in-memory
// backend, a nil authorizer allows everything, and a nil notifier
// drops events.
func New(store storage.Store, sessions *session.Registry, authorizer Authorizer, notifier Notifier, logger *slog.Logger, maxQueued int) *PostOffice {
	if store == nil {
		store = memory.New()
	}
	if sessions == nil {
		sessions = session.NewRegistry()
	}
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if maxQueued <= 0 {
		maxQueued = DefaultMaxQueued
	}

	return &PostOffice{
		store:     store,
		sessions:  sessions,
		auth:      NewAuthorizationGate(authorizer),
		notifier:  notifier,
		stats:     NewStats(),
		logger:    logger,
		queues:    make(map[string]*offlineQueue),
		maxQueued: maxQueued,
	}
}

// Sessions returns the session registry.
func (po *PostOffice) Sessions() *session.Registry {
	return po.sessions
}

// Store returns the storage backend.
func (po *PostOffice) Store() storage.Store {
	return po.store
}

// Stats returns the router counters.
func (po *PostOffice) Stats() *Stats {
	return po.stats
}

func (po *PostOffice) logOp(op string, attrs ...any) {
	po.logger.Debug(op, attrs...)
}

func (po *PostOffice) logError(op string, err error, attrs ...any) {
	if err != nil {
		allAttrs := append([]any{slog.String("error", err.Error())}, attrs...)
		po.logger.Error(op, allAttrs...)
	}
}

func (po *PostOffice) notify(e events.Event) {
	po.notifier.Notify(e)
}
