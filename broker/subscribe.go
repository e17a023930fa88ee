// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"log/slog"

	"github.com/dborovcanin/courier/broker/events"
	"github.com/dborovcanin/courier/storage"
	"github.com/dborovcanin/courier/topics"
)

// SubscribeRequest is one filter/QoS pair from a SUBSCRIBE packet.
type SubscribeRequest struct {
	Filter string
	QoS    byte
}

// Subscribe processes a SUBSCRIBE batch. Each filter is validated and
// authorized independently: rejected filters get the failure return
// code, granted ones are registered in the index at the requested QoS
// (capped at 2, never upgraded). Exactly one SUBACK is sent, with
// return codes in request order, and retained messages matching the
// granted filters are replayed to the live session afterwards. Granted
// subscriptions never queue for the subscriber while it is offline;
// routing starts with the next publish.
func (po *PostOffice) Subscribe(ctx context.Context, conn Connection, clientID, username string, packetID uint16, requests []SubscribeRequest) error {
	codes := make([]byte, len(requests))
	granted := make([]SubscribeRequest, 0, len(requests))

	sess := po.sessions.Get(clientID)

	for i, req := range requests {
		if !topics.NewTopic(req.Filter).Valid() {
			po.logOp("subscribe_rejected",
				slog.String("client_id", clientID),
				slog.String("filter", req.Filter),
				slog.String("reason", "invalid_filter"))
			codes[i] = SubscribeFailure
			continue
		}

		if !po.auth.CanRead(clientID, username, req.Filter) {
			po.logOp("subscribe_rejected",
				slog.String("client_id", clientID),
				slog.String("filter", req.Filter),
				slog.String("reason", "not_authorized"))
			codes[i] = SubscribeFailure
			continue
		}

		qos := req.QoS
		if qos > 2 {
			qos = 2
		}

		created, err := po.store.Subscriptions().Add(&storage.Subscription{
			ClientID: clientID,
			Filter:   req.Filter,
			QoS:      qos,
		})
		if err != nil {
			po.logError("subscribe_store", err,
				slog.String("client_id", clientID),
				slog.String("filter", req.Filter))
			codes[i] = SubscribeFailure
			continue
		}

		if sess != nil {
			sess.AddSubscription(req.Filter, qos)
		}

		codes[i] = qos
		granted = append(granted, SubscribeRequest{Filter: req.Filter, QoS: qos})

		// A resubscription only updates the granted QoS.
		if created {
			po.stats.IncrementSubscriptions()
		}
		po.notify(events.SubscriptionCreated{ClientID: clientID, Filter: req.Filter, QoS: qos})
	}

	if err := conn.SendSubAck(packetID, codes); err != nil {
		po.logError("send_suback", err, slog.String("client_id", clientID))
		return err
	}

	po.replayRetained(ctx, clientID, granted)

	return nil
}

// replayRetained delivers retained messages matching freshly granted
// filters. Each message goes out at min(subscription QoS, retained
// QoS) with the retain flag set.
func (po *PostOffice) replayRetained(ctx context.Context, clientID string, granted []SubscribeRequest) {
	sess := po.sessions.Get(clientID)
	if sess == nil || !sess.Connected() {
		return
	}

	for _, sub := range granted {
		msgs, err := po.store.Retained().Match(ctx, sub.Filter)
		if err != nil {
			po.logError("retained_match", err,
				slog.String("client_id", clientID),
				slog.String("filter", sub.Filter))
			continue
		}

		for _, msg := range msgs {
			qos := min(sub.QoS, msg.QoS)
			if err := sess.SendRetained(msg.Topic, msg.GetPayload(), qos); err != nil {
				po.logError("retained_replay", err,
					slog.String("client_id", clientID),
					slog.String("topic", msg.Topic))
				continue
			}
			po.stats.IncrementPublishSent()
		}
	}
}

// Unsubscribe processes an UNSUBSCRIBE batch. A malformed filter is a
// protocol violation: the connection is dropped mid-batch and no
// UNSUBACK is sent. Valid filters are removed from the index whether or
// not a subscription existed, and the batch is acknowledged once.
func (po *PostOffice) Unsubscribe(conn Connection, clientID string, packetID uint16, filters []string) error {
	sess := po.sessions.Get(clientID)

	for _, filter := range filters {
		if !topics.NewTopic(filter).Valid() {
			po.logger.Error("dropping connection on malformed unsubscribe filter",
				slog.String("client_id", clientID),
				slog.String("filter", filter))
			conn.Drop()
			po.notify(events.ClientDisconnected{ClientID: clientID, Reason: "protocol_violation"})
			return ErrProtocolViolation
		}

		removed, err := po.store.Subscriptions().Remove(clientID, filter)
		if err != nil {
			po.logError("unsubscribe_store", err,
				slog.String("client_id", clientID),
				slog.String("filter", filter))
		}

		if sess != nil {
			sess.RemoveSubscription(filter)
		}

		// Unsubscribing a never-subscribed filter is acknowledged but
		// does not move the counter.
		if removed {
			po.stats.DecrementSubscriptions()
		}
		po.notify(events.SubscriptionRemoved{ClientID: clientID, Filter: filter})
	}

	if err := conn.SendUnsubAck(packetID); err != nil {
		po.logError("send_unsuback", err, slog.String("client_id", clientID))
		return err
	}

	return nil
}
