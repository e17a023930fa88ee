// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dborovcanin/courier/broker/events"
	"github.com/dborovcanin/courier/session"
	"github.com/dborovcanin/courier/storage"
	"github.com/dborovcanin/courier/topics"
)

// offlineQueue buffers publishes for one disconnected non-clean
// session, in arrival order.
type offlineQueue struct {
	mu      sync.Mutex
	entries []*storage.Message
}

func (q *offlineQueue) append(msg *storage.Message, limit int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= limit {
		return false
	}
	q.entries = append(q.entries, msg)
	return true
}

// snapshot returns the entries without consuming them.
func (q *offlineQueue) snapshot() []*storage.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := make([]*storage.Message, len(q.entries))
	copy(entries, q.entries)
	return entries
}

// getOrCreateQueue returns the queue for a client, creating it
// atomically on first use so concurrent publishers share one queue.
func (po *PostOffice) getOrCreateQueue(clientID string) *offlineQueue {
	po.qmu.Lock()
	defer po.qmu.Unlock()

	q, ok := po.queues[clientID]
	if !ok {
		q = &offlineQueue{}
		po.queues[clientID] = q
	}
	return q
}

func (po *PostOffice) queue(clientID string) *offlineQueue {
	po.qmu.Lock()
	defer po.qmu.Unlock()
	return po.queues[clientID]
}

// enqueue stores a copy of the message on the client's offline queue.
// The copy shares the payload buffer with an extra reference and keeps
// the publishing QoS; the subscription downgrade happens at replay.
func (po *PostOffice) enqueue(clientID string, msg *storage.Message) {
	cp := storage.CopyMessage(msg)

	if !po.getOrCreateQueue(clientID).append(cp, po.maxQueued) {
		po.logOp("queue_full",
			slog.String("client_id", clientID),
			slog.String("topic", msg.Topic))
		cp.ReleasePayload()
		po.stats.IncrementMessagesDropped()
		return
	}

	po.stats.IncrementMessagesQueued()
	po.notify(events.MessageQueued{ClientID: clientID, Topic: msg.Topic, QoS: msg.QoS})
}

// ReplayQueued delivers the client's queued messages in order to its
// live session. Each delivery recomputes the effective QoS against the
// current subscription set and skips entries whose subscription has
// since been removed. The queue itself is not consumed; it is discarded
// only when the session is torn down via DropQueue.
func (po *PostOffice) ReplayQueued(clientID string) {
	sess := po.sessions.Get(clientID)
	if sess == nil || !sess.Connected() {
		return
	}

	q := po.queue(clientID)
	if q == nil {
		return
	}

	for _, msg := range q.snapshot() {
		subQoS, ok := bestSubscription(sess, msg.Topic)
		if !ok {
			continue
		}

		qos := min(msg.QoS, subQoS)
		if err := sess.SendPublish(msg.Topic, msg.GetPayload(), qos); err != nil {
			po.logError("replay", err,
				slog.String("client_id", clientID),
				slog.String("topic", msg.Topic))
			continue
		}
		po.stats.IncrementPublishSent()
	}
}

// bestSubscription returns the strongest granted QoS among the
// session's cached subscriptions matching the topic.
func bestSubscription(sess *session.Session, topic string) (byte, bool) {
	var best byte
	found := false

	for filter, qos := range sess.Subscriptions() {
		if !topics.Match(filter, topic) {
			continue
		}
		if !found || qos > best {
			best = qos
		}
		found = true
	}

	return best, found
}

// DropQueue discards the client's offline queue and releases every
// buffered payload.
func (po *PostOffice) DropQueue(clientID string) {
	po.qmu.Lock()
	q := po.queues[clientID]
	delete(po.queues, clientID)
	po.qmu.Unlock()

	if q == nil {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, msg := range q.entries {
		msg.ReleasePayload()
	}
	q.entries = nil
}

// DestroySession removes every trace of a client: the live session,
// its subscriptions, the persisted session state, the will, and the
// offline queue.
func (po *PostOffice) DestroySession(ctx context.Context, clientID string) {
	po.sessions.Delete(clientID)

	if err := po.store.Subscriptions().RemoveAll(clientID); err != nil {
		po.logError("destroy_subscriptions", err, slog.String("client_id", clientID))
	}

	if err := po.store.Sessions().Delete(clientID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		po.logError("destroy_session_state", err, slog.String("client_id", clientID))
	}

	if err := po.store.Wills().Delete(ctx, clientID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		po.logError("destroy_will", err, slog.String("client_id", clientID))
	}

	po.DropQueue(clientID)

	po.logOp("session_destroyed", slog.String("client_id", clientID))
}

// PersistQueues snapshots every offline queue into the message store
// under {clientID}/queue/{seq} keys, replacing any previous snapshot.
// Zero-padded sequence numbers keep the restore order.
func (po *PostOffice) PersistQueues() error {
	po.qmu.Lock()
	queues := make(map[string]*offlineQueue, len(po.queues))
	for clientID, q := range po.queues {
		queues[clientID] = q
	}
	po.qmu.Unlock()

	for clientID, q := range queues {
		prefix := clientID + "/queue/"
		if err := po.store.Messages().DeleteByPrefix(prefix); err != nil {
			return fmt.Errorf("failed to clear queue snapshot for %s: %w", clientID, err)
		}

		for i, msg := range q.snapshot() {
			key := fmt.Sprintf("%s%010d", prefix, i)
			if err := po.store.Messages().Store(key, msg); err != nil {
				return fmt.Errorf("failed to persist queued message for %s: %w", clientID, err)
			}
		}
	}

	return nil
}

// RestoreQueues rebuilds offline queues from persisted snapshots for
// every known non-clean session. Called once at startup, before any
// client connects.
func (po *PostOffice) RestoreQueues() error {
	sessions, err := po.store.Sessions().List()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	for _, s := range sessions {
		if s.Clean {
			continue
		}

		msgs, err := po.store.Messages().List(s.ClientID + "/queue/")
		if err != nil {
			return fmt.Errorf("failed to list queued messages for %s: %w", s.ClientID, err)
		}
		if len(msgs) == 0 {
			continue
		}

		q := po.getOrCreateQueue(s.ClientID)
		q.mu.Lock()
		q.entries = msgs
		q.mu.Unlock()

		po.logOp("queue_restored",
			slog.String("client_id", s.ClientID),
			slog.Int("messages", len(msgs)))
	}

	return nil
}
