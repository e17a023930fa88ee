// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"time"

	"github.com/dborovcanin/courier/core"
)

// Common errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Store is the composite storage interface providing access to all backends.
type Store interface {
	// Messages returns the message store used for offline-queue snapshots.
	Messages() MessageStore

	// Sessions returns the session metadata store.
	Sessions() SessionStore

	// Subscriptions returns the subscription index.
	Subscriptions() SubscriptionStore

	// Retained returns the retained message store.
	Retained() RetainedStore

	// Wills returns the will message store.
	Wills() WillStore

	// Close closes all storage backends.
	Close() error
}

// Message is a stored publish.
type Message struct {
	Topic      string                 `json:"topic"`
	Payload    []byte                 `json:"payload"`
	PayloadBuf *core.RefCountedBuffer `json:"-"`
	PacketID   uint16                 `json:"packet_id,omitempty"`
	QoS        byte                   `json:"qos"`
	Retain     bool                   `json:"retain"`
}

// GetPayload returns the payload, preferring the shared buffer when set.
func (m *Message) GetPayload() []byte {
	if m.PayloadBuf != nil {
		return m.PayloadBuf.Bytes()
	}
	return m.Payload
}

// SetPayloadFromBuffer attaches a shared buffer; the message takes
// ownership of one reference and releases any buffer it held before.
func (m *Message) SetPayloadFromBuffer(buf *core.RefCountedBuffer) {
	if m.PayloadBuf != nil {
		m.PayloadBuf.Release()
	}
	m.PayloadBuf = buf
	m.Payload = nil
}

// SetPayloadFromBytes copies data into a fresh pooled buffer.
func (m *Message) SetPayloadFromBytes(data []byte) {
	if m.PayloadBuf != nil {
		m.PayloadBuf.Release()
	}
	if len(data) > 0 {
		m.PayloadBuf = core.GetBufferWithData(data)
	} else {
		m.PayloadBuf = nil
	}
	m.Payload = nil
}

// RetainPayload takes an extra reference on the shared buffer. Call it
// before handing the message to another holder.
func (m *Message) RetainPayload() {
	if m.PayloadBuf != nil {
		m.PayloadBuf.Retain()
	}
}

// ReleasePayload drops this holder's reference on the shared buffer.
func (m *Message) ReleasePayload() {
	if m.PayloadBuf != nil {
		m.PayloadBuf.Release()
		m.PayloadBuf = nil
	}
}

// CopyMessage creates a copy of a message. The payload buffer, if any,
// is shared with an extra reference rather than duplicated.
func CopyMessage(msg *Message) *Message {
	if msg == nil {
		return nil
	}

	cp := &Message{
		Topic:    msg.Topic,
		PacketID: msg.PacketID,
		QoS:      msg.QoS,
		Retain:   msg.Retain,
	}

	if msg.PayloadBuf != nil {
		msg.PayloadBuf.Retain()
		cp.PayloadBuf = msg.PayloadBuf
	} else if len(msg.Payload) > 0 {
		cp.Payload = make([]byte, len(msg.Payload))
		copy(cp.Payload, msg.Payload)
	}

	return cp
}

// Session is persisted session metadata.
type Session struct {
	ClientID       string    `json:"client_id"`
	Clean          bool      `json:"clean"`
	Connected      bool      `json:"connected"`
	ConnectedAt    time.Time `json:"connected_at"`
	DisconnectedAt time.Time `json:"disconnected_at"`
}

// Subscription is a stored subscription.
type Subscription struct {
	ClientID string `json:"client_id"`
	Filter   string `json:"filter"`
	QoS      byte   `json:"qos"`
}

// CopySubscription creates a copy of a subscription.
func CopySubscription(sub *Subscription) *Subscription {
	if sub == nil {
		return nil
	}
	cp := *sub
	return &cp
}

// WillMessage is a stored last-will publish.
type WillMessage struct {
	ClientID string `json:"client_id"`
	Topic    string `json:"topic"`
	Payload  []byte `json:"payload"`
	QoS      byte   `json:"qos"`
	Retain   bool   `json:"retain"`
}

// MessageStore is a keyed blob store for queued messages.
// Key format: "{clientID}/queue/{seq}" for offline-queue snapshots.
type MessageStore interface {
	// Store stores a message under key.
	Store(key string, msg *Message) error

	// Get retrieves a message by key.
	Get(key string) (*Message, error)

	// Delete removes a message.
	Delete(key string) error

	// List returns all messages matching a key prefix, ordered by key.
	List(prefix string) ([]*Message, error)

	// DeleteByPrefix removes all messages matching a prefix.
	DeleteByPrefix(prefix string) error
}

// SessionStore handles session metadata persistence.
type SessionStore interface {
	// Get retrieves a session by client ID.
	Get(clientID string) (*Session, error)

	// Save persists a session.
	Save(session *Session) error

	// Delete removes a session.
	Delete(clientID string) error

	// List returns all sessions.
	List() ([]*Session, error)
}

// SubscriptionStore is the subscription index used for routing.
type SubscriptionStore interface {
	// Add adds or updates a subscription. It reports whether a new
	// (clientID, filter) entry was created; updating an existing
	// subscription's QoS returns false.
	Add(sub *Subscription) (bool, error)

	// Remove removes a subscription and reports whether one existed.
	// Removing a subscription that does not exist is a no-op.
	Remove(clientID, filter string) (bool, error)

	// RemoveAll removes all subscriptions for a client.
	RemoveAll(clientID string) error

	// GetForClient returns all subscriptions for a client.
	GetForClient(clientID string) ([]*Subscription, error)

	// Match returns all subscriptions matching a topic, deduplicated per
	// client at the strongest matching QoS. Callers must not re-sharpen.
	Match(topic string) ([]*Subscription, error)

	// Count returns total subscription count.
	Count() int
}

// RetainedStore handles retained message persistence. At most one
// retained message exists per exact topic.
type RetainedStore interface {
	// Set stores or replaces a retained message.
	// Empty payload deletes the retained message.
	Set(ctx context.Context, topic string, msg *Message) error

	// Get retrieves a retained message by exact topic.
	Get(ctx context.Context, topic string) (*Message, error)

	// Delete removes a retained message.
	Delete(ctx context.Context, topic string) error

	// Match returns all retained messages matching a filter (supports wildcards).
	Match(ctx context.Context, filter string) ([]*Message, error)
}

// WillStore handles will message persistence.
type WillStore interface {
	// Set stores a will message for a client.
	Set(ctx context.Context, clientID string, will *WillMessage) error

	// Get retrieves the will message for a client.
	Get(ctx context.Context, clientID string) (*WillMessage, error)

	// Delete removes the will message for a client.
	Delete(ctx context.Context, clientID string) error
}
