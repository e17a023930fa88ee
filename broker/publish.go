// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dborovcanin/courier/broker/events"
	"github.com/dborovcanin/courier/storage"
	"github.com/dborovcanin/courier/topics"
)

// PublishQoS0 routes a fire-and-forget publish. Nothing is acknowledged
// and failures are silent: an invalid topic or a denied authorization
// drops the message with a diagnostic log. With the retain flag set a
// QoS 0 publish clears the retained message for the topic rather than
// storing one.
func (po *PostOffice) PublishQoS0(ctx context.Context, clientID, username, topic string, payload []byte, retain bool) {
	po.stats.IncrementPublishReceived()

	if !topics.NewTopic(topic).IsConcrete() {
		po.logOp("publish_dropped",
			slog.String("client_id", clientID),
			slog.String("topic", topic),
			slog.String("reason", "invalid_topic"))
		return
	}

	if !po.auth.CanWrite(clientID, username, topic) {
		po.logOp("publish_dropped",
			slog.String("client_id", clientID),
			slog.String("topic", topic),
			slog.String("reason", "not_authorized"))
		return
	}

	msg := &storage.Message{Topic: topic, QoS: 0}
	msg.SetPayloadFromBytes(payload)

	po.fanOut(msg)

	if retain {
		// A retained QoS 0 publish only clears previous state.
		if err := po.store.Retained().Delete(ctx, topic); err != nil && !errors.Is(err, storage.ErrNotFound) {
			po.logError("retained_clear", err, slog.String("topic", topic))
		}
		po.notify(events.RetainedMessageSet{Topic: topic, Cleared: true})
	}

	msg.ReleasePayload()

	po.notify(events.MessagePublished{
		ClientID:    clientID,
		Topic:       topic,
		QoS:         0,
		Retained:    retain,
		PayloadSize: len(payload),
	})
}

// PublishQoS1 routes an at-least-once publish and completes it with
// exactly one PUBACK. Publishing to an invalid or wildcard topic is a
// protocol violation and drops the connection without an ack. A denied
// authorization drops the message silently, also without an ack. With
// the retain flag set, a non-empty payload replaces the retained
// message and an empty one deletes it.
func (po *PostOffice) PublishQoS1(ctx context.Context, conn Connection, clientID, username, topic string, payload []byte, packetID uint16, retain bool) error {
	po.stats.IncrementPublishReceived()

	if !topics.NewTopic(topic).IsConcrete() {
		po.logger.Error("dropping connection on invalid publish topic",
			slog.String("client_id", clientID),
			slog.String("topic", topic))
		conn.Drop()
		po.notify(events.ClientDisconnected{ClientID: clientID, Reason: "protocol_violation"})
		return ErrInvalidTopic
	}

	if !po.auth.CanWrite(clientID, username, topic) {
		po.logOp("publish_dropped",
			slog.String("client_id", clientID),
			slog.String("topic", topic),
			slog.String("reason", "not_authorized"))
		return nil
	}

	msg := &storage.Message{Topic: topic, QoS: 1, Retain: retain}
	msg.SetPayloadFromBytes(payload)

	po.fanOut(msg)

	if retain {
		po.storeRetained(ctx, msg)
	}

	msg.ReleasePayload()

	po.notify(events.MessagePublished{
		ClientID:    clientID,
		Topic:       topic,
		QoS:         1,
		Retained:    retain,
		PayloadSize: len(payload),
	})

	if err := conn.SendPubAck(packetID); err != nil {
		po.logError("send_puback", err, slog.String("client_id", clientID))
		return err
	}

	return nil
}

// PublishRelease finishes the QoS 2 exchange: on PUBREL the held
// publish fans out once and exactly one PUBCOMP is sent. Authorization
// was already checked when the publish arrived, so the release phase
// does not repeat it. Retained handling matches QoS 1.
func (po *PostOffice) PublishRelease(ctx context.Context, conn Connection, clientID, topic string, payload []byte, packetID uint16, retain bool) error {
	po.stats.IncrementPublishReceived()

	msg := &storage.Message{Topic: topic, QoS: 2, Retain: retain}
	msg.SetPayloadFromBytes(payload)

	po.fanOut(msg)

	if retain {
		po.storeRetained(ctx, msg)
	}

	msg.ReleasePayload()

	po.notify(events.MessagePublished{
		ClientID:    clientID,
		Topic:       topic,
		QoS:         2,
		Retained:    retain,
		PayloadSize: len(payload),
	})

	if err := conn.SendPubComp(packetID); err != nil {
		po.logError("send_pubcomp", err, slog.String("client_id", clientID))
		return err
	}

	return nil
}

// InternalPublish routes a message originating inside the broker, e.g.
// $SYS stats or bridged traffic. The privileged path skips
// authorization and sends no acknowledgements. A retained message at
// QoS 0 or with an empty payload clears the topic, anything else is
// stored.
func (po *PostOffice) InternalPublish(ctx context.Context, msg *storage.Message) {
	po.logOp("internal_publish",
		slog.String("topic", msg.Topic),
		slog.Int("qos", int(msg.QoS)),
		slog.Bool("retain", msg.Retain))

	po.fanOut(msg)

	if msg.Retain {
		if msg.QoS == 0 || len(msg.GetPayload()) == 0 {
			if err := po.store.Retained().Delete(ctx, msg.Topic); err != nil && !errors.Is(err, storage.ErrNotFound) {
				po.logError("retained_clear", err, slog.String("topic", msg.Topic))
			}
			po.notify(events.RetainedMessageSet{Topic: msg.Topic, Cleared: true})
		} else {
			po.storeRetained(ctx, msg)
		}
	}
}

// FireWill routes a last-will message at its declared topic and QoS.
func (po *PostOffice) FireWill(will *storage.WillMessage) {
	msg := &storage.Message{Topic: will.Topic, QoS: will.QoS, Retain: will.Retain}
	msg.SetPayloadFromBytes(will.Payload)

	po.fanOut(msg)
	msg.ReleasePayload()

	po.notify(events.WillFired{ClientID: will.ClientID, Topic: will.Topic, QoS: will.QoS})
}

// ConnectionLost handles an ungraceful disconnect: if the client
// registered a will it fires exactly once and is removed from the
// store.
func (po *PostOffice) ConnectionLost(ctx context.Context, clientID string) {
	will, err := po.store.Wills().Get(ctx, clientID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			po.logError("will_lookup", err, slog.String("client_id", clientID))
		}
		return
	}

	// Delete before firing so a racing second call cannot fire twice.
	if err := po.store.Wills().Delete(ctx, clientID); err != nil {
		po.logError("will_delete", err, slog.String("client_id", clientID))
	}

	po.FireWill(will)
	po.notify(events.ClientDisconnected{ClientID: clientID, Reason: "error"})
}

// fanOut routes one message to every matching subscriber. The index
// returns at most one subscription per client, already at the
// strongest matching QoS; each delivery is downgraded to
// min(publish QoS, subscription QoS). Live sessions get the message
// immediately, offline non-clean sessions queue it at the publishing
// QoS, offline clean sessions drop it. A subscription without any
// session is a lifecycle fault and is logged and dropped.
func (po *PostOffice) fanOut(msg *storage.Message) {
	matched, err := po.store.Subscriptions().Match(msg.Topic)
	if err != nil {
		po.logError("subscription_match", err, slog.String("topic", msg.Topic))
		return
	}

	for _, sub := range matched {
		qos := min(msg.QoS, sub.QoS)

		sess := po.sessions.Get(sub.ClientID)
		if sess == nil {
			po.logger.Error("subscription references missing session",
				slog.String("client_id", sub.ClientID),
				slog.String("filter", sub.Filter),
				slog.String("topic", msg.Topic))
			po.stats.IncrementMessagesDropped()
			continue
		}

		switch {
		case sess.Connected():
			// Each live recipient gets its own payload reference so the
			// buffer stays valid for the duration of the send even if
			// the publisher releases its reference concurrently.
			cp := storage.CopyMessage(msg)
			err := sess.SendPublish(cp.Topic, cp.GetPayload(), qos)
			cp.ReleasePayload()
			if err != nil {
				po.logError("deliver", err,
					slog.String("client_id", sub.ClientID),
					slog.String("topic", msg.Topic))
				continue
			}
			po.stats.IncrementPublishSent()

		case !sess.Clean:
			// Queue at the publishing QoS; the subscription QoS is
			// applied again at replay against the then-current grant.
			po.enqueue(sub.ClientID, msg)

		default:
			// Clean session with no connection: nothing to deliver to.
			po.stats.IncrementMessagesDropped()
		}
	}
}

// storeRetained replaces or clears the retained message for a topic
// per the retain rules: empty payload deletes, non-empty stores.
func (po *PostOffice) storeRetained(ctx context.Context, msg *storage.Message) {
	payload := msg.GetPayload()

	if len(payload) == 0 {
		if err := po.store.Retained().Delete(ctx, msg.Topic); err != nil && !errors.Is(err, storage.ErrNotFound) {
			po.logError("retained_clear", err, slog.String("topic", msg.Topic))
			return
		}
		po.notify(events.RetainedMessageSet{Topic: msg.Topic, Cleared: true})
		return
	}

	if err := po.store.Retained().Set(ctx, msg.Topic, msg); err != nil {
		po.logError("retained_set", err, slog.String("topic", msg.Topic))
		return
	}

	po.stats.IncrementRetained()
	po.notify(events.RetainedMessageSet{
		Topic:       msg.Topic,
		QoS:         msg.QoS,
		PayloadSize: len(payload),
	})
}
