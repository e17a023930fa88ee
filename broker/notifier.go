// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dborovcanin/courier/broker/events"
)

// Notifier receives router events. Implementations must not block;
// slow consumers should buffer internally.
type Notifier interface {
	Notify(e events.Event)
}

// NoopNotifier discards all events.
type NoopNotifier struct{}

// Notify implements Notifier.
func (NoopNotifier) Notify(events.Event) {}

// LogNotifier wraps each event in an envelope and emits it as JSON on
// the router log, so external consumers can tail a structured event
// stream without a delivery pipeline.
type LogNotifier struct {
	brokerID string
	logger   *slog.Logger
}

// NewLogNotifier creates a log-backed notifier. An empty brokerID gets
// a generated one.
func NewLogNotifier(brokerID string, logger *slog.Logger) *LogNotifier {
	if brokerID == "" {
		brokerID = uuid.New().String()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{brokerID: brokerID, logger: logger}
}

// BrokerID returns the identifier stamped on every envelope.
func (n *LogNotifier) BrokerID() string {
	return n.brokerID
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(e events.Event) {
	payload, err := json.Marshal(e.Wrap(n.brokerID))
	if err != nil {
		n.logger.Error("failed to marshal event envelope",
			slog.String("event_type", e.Type()),
			slog.String("error", err.Error()))
		return
	}

	n.logger.Info("event",
		slog.String("event_type", e.Type()),
		slog.String("envelope", string(payload)))
}
