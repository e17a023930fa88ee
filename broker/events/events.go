// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeClientDisconnected  = "client.disconnected"
	TypeMessagePublished    = "message.published"
	TypeMessageQueued       = "message.queued"
	TypeRetainedMessageSet  = "message.retained"
	TypeSubscriptionCreated = "subscription.created"
	TypeSubscriptionRemoved = "subscription.removed"
	TypeWillFired           = "client.will_fired"
)

// Event is the common interface for all router events.
type Event interface {
	// Type returns the event type identifier (e.g., "message.published")
	Type() string

	// Wrap wraps the event in a common envelope with metadata
	Wrap(brokerID string) *Envelope
}

// Envelope is the common wrapper for all events.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	BrokerID  string `json:"broker_id"`
	Data      any    `json:"data"`
}

// MarshalJSON serializes the envelope to JSON.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(*e)
}

func envelope(e Event, brokerID string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		BrokerID:  brokerID,
		Data:      e,
	}
}

// MessagePublished is emitted when a publish is accepted for routing.
type MessagePublished struct {
	ClientID    string `json:"client_id"`
	Topic       string `json:"topic"`
	QoS         byte   `json:"qos"`
	Retained    bool   `json:"retained"`
	PayloadSize int    `json:"payload_size"`
}

func (e MessagePublished) Type() string { return TypeMessagePublished }
func (e MessagePublished) Wrap(brokerID string) *Envelope {
	return envelope(e, brokerID)
}

// MessageQueued is emitted when a message is stored on an offline
// session's queue.
type MessageQueued struct {
	ClientID string `json:"client_id"`
	Topic    string `json:"topic"`
	QoS      byte   `json:"qos"`
}

func (e MessageQueued) Type() string { return TypeMessageQueued }
func (e MessageQueued) Wrap(brokerID string) *Envelope {
	return envelope(e, brokerID)
}

// RetainedMessageSet is emitted when the retained message for a topic
// is stored, replaced, or cleared.
type RetainedMessageSet struct {
	Topic       string `json:"topic"`
	QoS         byte   `json:"qos"`
	PayloadSize int    `json:"payload_size"`
	Cleared     bool   `json:"cleared"`
}

func (e RetainedMessageSet) Type() string { return TypeRetainedMessageSet }
func (e RetainedMessageSet) Wrap(brokerID string) *Envelope {
	return envelope(e, brokerID)
}

// SubscriptionCreated is emitted when a subscription is granted.
type SubscriptionCreated struct {
	ClientID string `json:"client_id"`
	Filter   string `json:"filter"`
	QoS      byte   `json:"qos"`
}

func (e SubscriptionCreated) Type() string { return TypeSubscriptionCreated }
func (e SubscriptionCreated) Wrap(brokerID string) *Envelope {
	return envelope(e, brokerID)
}

// SubscriptionRemoved is emitted when a subscription is removed.
type SubscriptionRemoved struct {
	ClientID string `json:"client_id"`
	Filter   string `json:"filter"`
}

func (e SubscriptionRemoved) Type() string { return TypeSubscriptionRemoved }
func (e SubscriptionRemoved) Wrap(brokerID string) *Envelope {
	return envelope(e, brokerID)
}

// ClientDisconnected is emitted when a connection is lost or dropped.
type ClientDisconnected struct {
	ClientID string `json:"client_id"`
	Reason   string `json:"reason"` // "normal", "error", "protocol_violation"
}

func (e ClientDisconnected) Type() string { return TypeClientDisconnected }
func (e ClientDisconnected) Wrap(brokerID string) *Envelope {
	return envelope(e, brokerID)
}

// WillFired is emitted when a last-will message is routed.
type WillFired struct {
	ClientID string `json:"client_id"`
	Topic    string `json:"topic"`
	QoS      byte   `json:"qos"`
}

func (e WillFired) Type() string { return TypeWillFired }
func (e WillFired) Wrap(brokerID string) *Envelope {
	return envelope(e, brokerID)
}
