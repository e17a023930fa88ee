// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/dborovcanin/courier/storage"
)

// Stats tracks router counters.
type Stats struct {
	startTime time.Time

	publishReceived atomic.Uint64
	publishSent     atomic.Uint64

	messagesQueued  atomic.Uint64
	messagesDropped atomic.Uint64

	subscriptions   atomic.Uint64
	unsubscriptions atomic.Uint64

	retainedSet atomic.Uint64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// Publish tracking.
func (s *Stats) IncrementPublishReceived() {
	s.publishReceived.Add(1)
}

func (s *Stats) IncrementPublishSent() {
	s.publishSent.Add(1)
}

func (s *Stats) GetPublishReceived() uint64 {
	return s.publishReceived.Load()
}

func (s *Stats) GetPublishSent() uint64 {
	return s.publishSent.Load()
}

// Queue tracking.
func (s *Stats) IncrementMessagesQueued() {
	s.messagesQueued.Add(1)
}

func (s *Stats) IncrementMessagesDropped() {
	s.messagesDropped.Add(1)
}

func (s *Stats) GetMessagesQueued() uint64 {
	return s.messagesQueued.Load()
}

func (s *Stats) GetMessagesDropped() uint64 {
	return s.messagesDropped.Load()
}

// Subscription tracking.
func (s *Stats) IncrementSubscriptions() {
	s.subscriptions.Add(1)
}

func (s *Stats) DecrementSubscriptions() {
	s.subscriptions.Add(^uint64(0))
	s.unsubscriptions.Add(1)
}

func (s *Stats) GetSubscriptions() uint64 {
	return s.subscriptions.Load()
}

// Retained message tracking.
func (s *Stats) IncrementRetained() {
	s.retainedSet.Add(1)
}

func (s *Stats) GetRetained() uint64 {
	return s.retainedSet.Load()
}

// Uptime returns the time since the router started.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// PublishStats emits the current counters on $SYS topics through the
// internal publish path, so any subscriber can observe them.
func (po *PostOffice) PublishStats(ctx context.Context) {
	stats := map[string]string{
		"$SYS/broker/uptime":              strconv.FormatInt(int64(po.stats.Uptime().Seconds()), 10),
		"$SYS/broker/messages/received":   strconv.FormatUint(po.stats.GetPublishReceived(), 10),
		"$SYS/broker/messages/sent":       strconv.FormatUint(po.stats.GetPublishSent(), 10),
		"$SYS/broker/messages/queued":     strconv.FormatUint(po.stats.GetMessagesQueued(), 10),
		"$SYS/broker/messages/dropped":    strconv.FormatUint(po.stats.GetMessagesDropped(), 10),
		"$SYS/broker/subscriptions/count": strconv.Itoa(po.store.Subscriptions().Count()),
		"$SYS/broker/clients/connected":   strconv.Itoa(po.sessions.ConnectedCount()),
		"$SYS/broker/clients/total":       strconv.Itoa(po.sessions.Count()),
	}

	for topic, value := range stats {
		msg := &storage.Message{Topic: topic, QoS: 0}
		msg.SetPayloadFromBytes([]byte(value))
		po.InternalPublish(ctx, msg)
		msg.ReleasePayload()
	}
}
