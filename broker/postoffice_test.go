// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dborovcanin/courier/broker/events"
	"github.com/dborovcanin/courier/core"
	"github.com/dborovcanin/courier/session"
	"github.com/dborovcanin/courier/storage"
	"github.com/dborovcanin/courier/storage/memory"
)

var ctx = context.Background()

type subAck struct {
	packetID uint16
	codes    []byte
}

// ackRecorder is a Connection double recording every ack and drop.
type ackRecorder struct {
	mu       sync.Mutex
	subAcks  []subAck
	unsubAck []uint16
	pubAcks  []uint16
	pubComps []uint16
	dropped  bool
}

func (r *ackRecorder) SendSubAck(packetID uint16, codes []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(codes))
	copy(cp, codes)
	r.subAcks = append(r.subAcks, subAck{packetID, cp})
	return nil
}

func (r *ackRecorder) SendUnsubAck(packetID uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubAck = append(r.unsubAck, packetID)
	return nil
}

func (r *ackRecorder) SendPubAck(packetID uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pubAcks = append(r.pubAcks, packetID)
	return nil
}

func (r *ackRecorder) SendPubComp(packetID uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pubComps = append(r.pubComps, packetID)
	return nil
}

func (r *ackRecorder) Drop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped = true
}

type outbound struct {
	topic    string
	payload  []byte
	qos      byte
	retain   bool
	packetID uint16
}

// wireConn is a session.Conn double recording outbound publishes.
type wireConn struct {
	mu   sync.Mutex
	sent []outbound
}

func (c *wireConn) Publish(topic string, payload []byte, qos byte, retain bool, packetID uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	c.sent = append(c.sent, outbound{topic, cp, qos, retain, packetID})
	return nil
}

func (c *wireConn) Close() error { return nil }

func (c *wireConn) messages() []outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]outbound, len(c.sent))
	copy(out, c.sent)
	return out
}

// denyAuthorizer rejects listed filters and topics.
type denyAuthorizer struct {
	denyRead  map[string]bool
	denyWrite map[string]bool
}

func (a *denyAuthorizer) CanRead(_, _, filter string) bool { return !a.denyRead[filter] }
func (a *denyAuthorizer) CanWrite(_, _, topic string) bool { return !a.denyWrite[topic] }

// eventSink records notifications.
type eventSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *eventSink) Notify(e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *eventSink) typeCount(eventType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type() == eventType {
			n++
		}
	}
	return n
}

func newTestOffice(t *testing.T, authorizer Authorizer) *PostOffice {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(memory.New(), session.NewRegistry(), authorizer, nil, logger, 0)
}

// connect registers a live session and returns its recorded wire.
func connect(po *PostOffice, clientID string, clean bool) (*session.Session, *wireConn) {
	sess := session.New(clientID, clean)
	conn := &wireConn{}
	sess.Connect(conn)
	po.Sessions().Set(clientID, sess)
	return sess, conn
}

// subscribe grants filters through the full Subscribe path.
func subscribe(t *testing.T, po *PostOffice, clientID string, reqs ...SubscribeRequest) {
	t.Helper()
	ack := &ackRecorder{}
	err := po.Subscribe(ctx, ack, clientID, "", 1, reqs)
	require.NoError(t, err)
	require.Len(t, ack.subAcks, 1)
	for _, code := range ack.subAcks[0].codes {
		require.NotEqual(t, SubscribeFailure, code)
	}
}

func TestSubscribeGrantsInRequestOrder(t *testing.T) {
	po := newTestOffice(t, &denyAuthorizer{denyRead: map[string]bool{"secret/#": true}})
	connect(po, "c1", true)

	ack := &ackRecorder{}
	err := po.Subscribe(ctx, ack, "c1", "", 7, []SubscribeRequest{
		{Filter: "a/b", QoS: 1},
		{Filter: "a/+/bad#", QoS: 0},
		{Filter: "secret/#", QoS: 2},
		{Filter: "x/#", QoS: 2},
	})
	require.NoError(t, err)

	require.Len(t, ack.subAcks, 1)
	assert.Equal(t, uint16(7), ack.subAcks[0].packetID)
	assert.Equal(t, []byte{1, SubscribeFailure, SubscribeFailure, 2}, ack.subAcks[0].codes)
	assert.Equal(t, 2, po.Store().Subscriptions().Count())
}

func TestSubscribeNeverUpgradesQoS(t *testing.T) {
	po := newTestOffice(t, nil)
	connect(po, "c1", true)

	ack := &ackRecorder{}
	err := po.Subscribe(ctx, ack, "c1", "", 1, []SubscribeRequest{{Filter: "a/b", QoS: 0}})
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, ack.subAcks[0].codes)
}

func TestSubscribeReplaysRetained(t *testing.T) {
	po := newTestOffice(t, nil)

	err := po.Store().Retained().Set(ctx, "a/b", &storage.Message{
		Topic: "a/b", Payload: []byte("state"), QoS: 2, Retain: true,
	})
	require.NoError(t, err)

	_, wire := connect(po, "c1", true)
	subscribe(t, po, "c1", SubscribeRequest{Filter: "a/+", QoS: 1})

	msgs := wire.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "a/b", msgs[0].topic)
	assert.Equal(t, []byte("state"), msgs[0].payload)
	assert.Equal(t, byte(1), msgs[0].qos, "replay QoS is min(sub, retained)")
	assert.True(t, msgs[0].retain, "replay carries the retain flag")
}

func TestSubscribeOfflineDoesNotQueueRetained(t *testing.T) {
	po := newTestOffice(t, nil)

	err := po.Store().Retained().Set(ctx, "a/b", &storage.Message{
		Topic: "a/b", Payload: []byte("state"), QoS: 1, Retain: true,
	})
	require.NoError(t, err)

	// Non-clean session known to the registry but not connected.
	sess := session.New("c1", false)
	po.Sessions().Set("c1", sess)

	ack := &ackRecorder{}
	err = po.Subscribe(ctx, ack, "c1", "", 1, []SubscribeRequest{{Filter: "a/b", QoS: 1}})
	require.NoError(t, err)

	assert.Nil(t, po.queue("c1"), "retained replay must not reach the offline queue")
}

func TestUnsubscribe(t *testing.T) {
	po := newTestOffice(t, nil)
	connect(po, "c1", true)
	subscribe(t, po, "c1", SubscribeRequest{Filter: "a/b", QoS: 1}, SubscribeRequest{Filter: "x/#", QoS: 0})

	ack := &ackRecorder{}
	err := po.Unsubscribe(ack, "c1", 9, []string{"a/b", "never/subscribed"})
	require.NoError(t, err)

	require.Len(t, ack.unsubAck, 1)
	assert.Equal(t, uint16(9), ack.unsubAck[0])
	assert.Equal(t, 1, po.Store().Subscriptions().Count())
}

func TestSubscriptionCounterStaysConsistent(t *testing.T) {
	po := newTestOffice(t, nil)
	connect(po, "c1", true)

	// Unsubscribing a filter that was never granted must not move the
	// counter below zero.
	ack := &ackRecorder{}
	err := po.Unsubscribe(ack, "c1", 1, []string{"never/subscribed"})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), po.Stats().GetSubscriptions())

	// Resubscribing the same filter only updates the QoS in place.
	subscribe(t, po, "c1", SubscribeRequest{Filter: "a/b", QoS: 1})
	subscribe(t, po, "c1", SubscribeRequest{Filter: "a/b", QoS: 2})
	assert.Equal(t, uint64(1), po.Stats().GetSubscriptions())
	assert.Equal(t, 1, po.Store().Subscriptions().Count())

	err = po.Unsubscribe(ack, "c1", 2, []string{"a/b", "a/b"})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), po.Stats().GetSubscriptions())
	assert.Equal(t, 0, po.Store().Subscriptions().Count())
}

func TestUnsubscribeMalformedFilterDropsConnection(t *testing.T) {
	po := newTestOffice(t, nil)
	connect(po, "c1", true)
	subscribe(t, po, "c1", SubscribeRequest{Filter: "a/b", QoS: 1}, SubscribeRequest{Filter: "x/y", QoS: 1})

	ack := &ackRecorder{}
	err := po.Unsubscribe(ack, "c1", 9, []string{"a/b", "bad/#/filter", "x/y"})
	assert.ErrorIs(t, err, ErrProtocolViolation)

	assert.True(t, ack.dropped)
	assert.Empty(t, ack.unsubAck, "violation must not be acknowledged")

	// The batch aborts mid-way: filters before the malformed one are
	// already removed, later ones are untouched.
	subs, err2 := po.Store().Subscriptions().GetForClient("c1")
	require.NoError(t, err2)
	require.Len(t, subs, 1)
	assert.Equal(t, "x/y", subs[0].Filter)
}

func TestPublishQoS0Delivery(t *testing.T) {
	po := newTestOffice(t, nil)
	_, wire := connect(po, "sub", true)
	subscribe(t, po, "sub", SubscribeRequest{Filter: "a/b", QoS: 2})

	po.PublishQoS0(ctx, "pub", "", "a/b", []byte("hello"), false)

	msgs := wire.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, byte(0), msgs[0].qos, "QoS 0 publish never upgrades")
	assert.False(t, msgs[0].retain)
	assert.Equal(t, uint16(0), msgs[0].packetID)
}

func TestPublishQoS0RetainClears(t *testing.T) {
	po := newTestOffice(t, nil)

	err := po.Store().Retained().Set(ctx, "a/b", &storage.Message{
		Topic: "a/b", Payload: []byte("old"), QoS: 1,
	})
	require.NoError(t, err)

	po.PublishQoS0(ctx, "pub", "", "a/b", []byte("new"), true)

	_, err = po.Store().Retained().Get(ctx, "a/b")
	assert.ErrorIs(t, err, storage.ErrNotFound, "retained QoS 0 clears instead of storing")
}

func TestPublishQoS0InvalidTopicDropsSilently(t *testing.T) {
	po := newTestOffice(t, nil)
	_, wire := connect(po, "sub", true)
	subscribe(t, po, "sub", SubscribeRequest{Filter: "#", QoS: 0})

	po.PublishQoS0(ctx, "pub", "", "a/+/b", []byte("x"), false)
	po.PublishQoS0(ctx, "pub", "", "", []byte("x"), false)

	assert.Empty(t, wire.messages(), "wildcard or empty destinations never route")
}

func TestPublishQoS0Unauthorized(t *testing.T) {
	po := newTestOffice(t, &denyAuthorizer{denyWrite: map[string]bool{"a/b": true}})
	_, wire := connect(po, "sub", true)
	subscribe(t, po, "sub", SubscribeRequest{Filter: "a/b", QoS: 0})

	po.PublishQoS0(ctx, "pub", "", "a/b", []byte("x"), false)

	assert.Empty(t, wire.messages(), "denied publish is dropped silently")
}

func TestPublishQoS1DeliveryAndAck(t *testing.T) {
	po := newTestOffice(t, nil)
	_, subWire := connect(po, "sub2", true)
	subscribe(t, po, "sub2", SubscribeRequest{Filter: "a/#", QoS: 2})
	_, sub0Wire := connect(po, "sub0", true)
	subscribe(t, po, "sub0", SubscribeRequest{Filter: "a/b", QoS: 0})

	ack := &ackRecorder{}
	err := po.PublishQoS1(ctx, ack, "pub", "", "a/b", []byte("hello"), 42, false)
	require.NoError(t, err)

	require.Len(t, ack.pubAcks, 1)
	assert.Equal(t, uint16(42), ack.pubAcks[0])

	msgs := subWire.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, byte(1), msgs[0].qos, "downgraded to publish QoS")
	assert.NotZero(t, msgs[0].packetID)

	msgs = sub0Wire.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, byte(0), msgs[0].qos, "downgraded to subscription QoS")
}

func TestPublishQoS1WildcardTopicDropsConnection(t *testing.T) {
	po := newTestOffice(t, nil)

	ack := &ackRecorder{}
	err := po.PublishQoS1(ctx, ack, "pub", "", "a/+/b", []byte("x"), 1, false)
	assert.ErrorIs(t, err, ErrInvalidTopic)
	assert.True(t, ack.dropped)
	assert.Empty(t, ack.pubAcks)
}

func TestPublishQoS1UnauthorizedNoAck(t *testing.T) {
	po := newTestOffice(t, &denyAuthorizer{denyWrite: map[string]bool{"a/b": true}})

	ack := &ackRecorder{}
	err := po.PublishQoS1(ctx, ack, "pub", "", "a/b", []byte("x"), 1, false)
	require.NoError(t, err)
	assert.False(t, ack.dropped)
	assert.Empty(t, ack.pubAcks, "denied publish completes silently")
}

func TestPublishQoS1RetainRules(t *testing.T) {
	po := newTestOffice(t, nil)
	ack := &ackRecorder{}

	err := po.PublishQoS1(ctx, ack, "pub", "", "a/b", []byte("v1"), 1, true)
	require.NoError(t, err)

	got, err := po.Store().Retained().Get(ctx, "a/b")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got.GetPayload())
	assert.Equal(t, byte(1), got.QoS)

	// Empty retained payload deletes.
	err = po.PublishQoS1(ctx, ack, "pub", "", "a/b", nil, 2, true)
	require.NoError(t, err)
	_, err = po.Store().Retained().Get(ctx, "a/b")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// retain=false never touches the store.
	err = po.PublishQoS1(ctx, ack, "pub", "", "a/b", []byte("v2"), 3, false)
	require.NoError(t, err)
	_, err = po.Store().Retained().Get(ctx, "a/b")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPublishReleaseFanOutAndComp(t *testing.T) {
	// A writer denied by policy still completes the release phase:
	// authorization was settled when the publish arrived.
	po := newTestOffice(t, &denyAuthorizer{denyWrite: map[string]bool{"a/b": true}})
	_, wire := connect(po, "sub", true)
	subscribe(t, po, "sub", SubscribeRequest{Filter: "a/b", QoS: 2})

	ack := &ackRecorder{}
	err := po.PublishRelease(ctx, ack, "pub", "a/b", []byte("exactly-once"), 77, false)
	require.NoError(t, err)

	require.Len(t, ack.pubComps, 1)
	assert.Equal(t, uint16(77), ack.pubComps[0])

	msgs := wire.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, byte(2), msgs[0].qos)
}

func TestInternalPublishRetain(t *testing.T) {
	po := newTestOffice(t, nil)

	msg := &storage.Message{Topic: "a/b", QoS: 1, Retain: true}
	msg.SetPayloadFromBytes([]byte("stored"))
	po.InternalPublish(ctx, msg)
	msg.ReleasePayload()

	got, err := po.Store().Retained().Get(ctx, "a/b")
	require.NoError(t, err)
	assert.Equal(t, []byte("stored"), got.GetPayload())

	// Retained internal publish at QoS 0 clears.
	msg = &storage.Message{Topic: "a/b", QoS: 0, Retain: true}
	msg.SetPayloadFromBytes([]byte("ignored"))
	po.InternalPublish(ctx, msg)
	msg.ReleasePayload()

	_, err = po.Store().Retained().Get(ctx, "a/b")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFanOutOfflineNonCleanQueues(t *testing.T) {
	po := newTestOffice(t, nil)

	_, _ = connect(po, "c1", false)
	subscribe(t, po, "c1", SubscribeRequest{Filter: "a/b", QoS: 0})
	po.Sessions().Get("c1").Disconnect()

	po.PublishQoS0(ctx, "pub", "", "a/b", []byte("queued"), false)

	q := po.queue("c1")
	require.NotNil(t, q)
	entries := q.snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, byte(0), entries[0].QoS, "queued at the publishing QoS")
	assert.Equal(t, []byte("queued"), entries[0].GetPayload())
}

func TestFanOutQueuesAtPublishingQoS(t *testing.T) {
	po := newTestOffice(t, nil)

	_, _ = connect(po, "c1", false)
	subscribe(t, po, "c1", SubscribeRequest{Filter: "a/b", QoS: 0})
	po.Sessions().Get("c1").Disconnect()

	ack := &ackRecorder{}
	err := po.PublishRelease(ctx, ack, "pub", "a/b", []byte("x"), 1, false)
	require.NoError(t, err)

	entries := po.queue("c1").snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, byte(2), entries[0].QoS,
		"the queue keeps the publishing QoS; downgrade happens at replay")
}

func TestFanOutOfflineCleanDrops(t *testing.T) {
	po := newTestOffice(t, nil)

	_, _ = connect(po, "c1", true)
	subscribe(t, po, "c1", SubscribeRequest{Filter: "a/b", QoS: 1})
	po.Sessions().Get("c1").Disconnect()

	po.PublishQoS0(ctx, "pub", "", "a/b", []byte("x"), false)

	assert.Nil(t, po.queue("c1"))
	assert.Equal(t, uint64(1), po.Stats().GetMessagesDropped())
}

func TestFanOutMissingSessionDrops(t *testing.T) {
	po := newTestOffice(t, nil)

	// Subscription in the index with no session anywhere: a lifecycle
	// fault that must not take the router down.
	_, err := po.Store().Subscriptions().Add(&storage.Subscription{
		ClientID: "ghost", Filter: "a/b", QoS: 1,
	})
	require.NoError(t, err)

	po.PublishQoS0(ctx, "pub", "", "a/b", []byte("x"), false)

	assert.Nil(t, po.queue("ghost"))
	assert.Equal(t, uint64(1), po.Stats().GetMessagesDropped())
}

// refCheckConn records the shared buffer's reference count at the
// moment each publish is written.
type refCheckConn struct {
	mu       sync.Mutex
	buf      *core.RefCountedBuffer
	counts   []int32
	payloads [][]byte
}

func (c *refCheckConn) Publish(topic string, payload []byte, qos byte, retain bool, packetID uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts = append(c.counts, c.buf.RefCount())
	c.payloads = append(c.payloads, append([]byte(nil), payload...))
	return nil
}

func (c *refCheckConn) Close() error { return nil }

func TestFanOutRetainsPayloadPerRecipient(t *testing.T) {
	po := newTestOffice(t, nil)

	conns := make([]*refCheckConn, 2)
	for i, id := range []string{"c1", "c2"} {
		conns[i] = &refCheckConn{}
		sess := session.New(id, true)
		sess.Connect(conns[i])
		po.Sessions().Set(id, sess)
		subscribe(t, po, id, SubscribeRequest{Filter: "a/b", QoS: 0})
	}

	msg := &storage.Message{Topic: "a/b", QoS: 0}
	msg.SetPayloadFromBytes([]byte("shared"))
	buf := msg.PayloadBuf
	conns[0].buf, conns[1].buf = buf, buf

	po.fanOut(msg)

	for _, c := range conns {
		require.Len(t, c.counts, 1)
		assert.GreaterOrEqual(t, c.counts[0], int32(2),
			"each recipient holds its own reference during the send")
		assert.Equal(t, []byte("shared"), c.payloads[0])
	}

	// The publisher's reference is the last one standing.
	msg.ReleasePayload()
	assert.Equal(t, int32(0), buf.RefCount())
}

func TestReplayQueuedInOrderAndNonDraining(t *testing.T) {
	po := newTestOffice(t, nil)

	_, _ = connect(po, "c1", false)
	subscribe(t, po, "c1", SubscribeRequest{Filter: "a/b", QoS: 1})
	po.Sessions().Get("c1").Disconnect()

	ack := &ackRecorder{}
	for _, payload := range []string{"m1", "m2", "m3"} {
		err := po.PublishQoS1(ctx, ack, "pub", "", "a/b", []byte(payload), 1, false)
		require.NoError(t, err)
	}

	sess := po.Sessions().Get("c1")
	wire := &wireConn{}
	sess.Connect(wire)

	po.ReplayQueued("c1")

	msgs := wire.messages()
	require.Len(t, msgs, 3)
	for i, want := range []string{"m1", "m2", "m3"} {
		assert.Equal(t, []byte(want), msgs[i].payload, "FIFO order")
		assert.Equal(t, byte(1), msgs[i].qos)
	}

	// The queue is not consumed by replay; it lives until DropQueue.
	po.ReplayQueued("c1")
	assert.Len(t, wire.messages(), 6)

	po.DropQueue("c1")
	assert.Nil(t, po.queue("c1"))
}

func TestReplayRecomputesQoSAndSkipsUnsubscribed(t *testing.T) {
	po := newTestOffice(t, nil)

	_, _ = connect(po, "c1", false)
	subscribe(t, po, "c1",
		SubscribeRequest{Filter: "a/b", QoS: 2},
		SubscribeRequest{Filter: "x/y", QoS: 1})
	po.Sessions().Get("c1").Disconnect()

	ack := &ackRecorder{}
	err := po.PublishRelease(ctx, ack, "pub", "a/b", []byte("keep"), 1, false)
	require.NoError(t, err)
	err = po.PublishRelease(ctx, ack, "pub", "x/y", []byte("gone"), 2, false)
	require.NoError(t, err)

	// Before reconnecting, the client resubscribes a/b weaker and
	// drops x/y entirely.
	sess := po.Sessions().Get("c1")
	wire := &wireConn{}
	sess.Connect(wire)
	subscribe(t, po, "c1", SubscribeRequest{Filter: "a/b", QoS: 0})
	unsubAck := &ackRecorder{}
	err = po.Unsubscribe(unsubAck, "c1", 3, []string{"x/y"})
	require.NoError(t, err)

	wire.mu.Lock()
	wire.sent = nil // discard retained replay noise
	wire.mu.Unlock()

	po.ReplayQueued("c1")

	msgs := wire.messages()
	require.Len(t, msgs, 1, "entry without a current subscription is skipped")
	assert.Equal(t, []byte("keep"), msgs[0].payload)
	assert.Equal(t, byte(0), msgs[0].qos, "replay uses the current grant")
}

func TestQueueCapDropsOverflow(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	po := New(memory.New(), session.NewRegistry(), nil, nil, logger, 2)

	_, _ = connect(po, "c1", false)
	subscribe(t, po, "c1", SubscribeRequest{Filter: "a/b", QoS: 1})
	po.Sessions().Get("c1").Disconnect()

	for i := 0; i < 5; i++ {
		po.PublishQoS0(ctx, "pub", "", "a/b", []byte{byte(i)}, false)
	}

	assert.Len(t, po.queue("c1").snapshot(), 2)
	assert.Equal(t, uint64(3), po.Stats().GetMessagesDropped())
}

func TestConcurrentEnqueueSharesOneQueueInOrder(t *testing.T) {
	po := newTestOffice(t, nil)

	_, _ = connect(po, "c1", false)
	subscribe(t, po, "c1", SubscribeRequest{Filter: "load/#", QoS: 1})
	po.Sessions().Get("c1").Disconnect()

	const publishers = 8
	const perPublisher = 50

	var wg sync.WaitGroup
	for g := 0; g < publishers; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			topic := fmt.Sprintf("load/%d", g)
			for i := 0; i < perPublisher; i++ {
				po.PublishQoS0(ctx, "pub", "", topic, []byte(strconv.Itoa(i)), false)
			}
		}(g)
	}
	wg.Wait()

	// Racing first enqueues must not create more than one queue.
	po.qmu.Lock()
	assert.Len(t, po.queues, 1)
	po.qmu.Unlock()

	entries := po.queue("c1").snapshot()
	require.Len(t, entries, publishers*perPublisher)

	// Each publisher's messages appear in its own publish order.
	next := make(map[string]int)
	for _, msg := range entries {
		assert.Equal(t, strconv.Itoa(next[msg.Topic]), string(msg.GetPayload()),
			"per-publisher FIFO for %s", msg.Topic)
		next[msg.Topic]++
	}
	for g := 0; g < publishers; g++ {
		assert.Equal(t, perPublisher, next[fmt.Sprintf("load/%d", g)])
	}
}

func TestConnectionLostFiresWillOnce(t *testing.T) {
	po := newTestOffice(t, nil)

	_, wire := connect(po, "watcher", true)
	subscribe(t, po, "watcher", SubscribeRequest{Filter: "status/+", QoS: 1})

	err := po.Store().Wills().Set(ctx, "dying", &storage.WillMessage{
		ClientID: "dying",
		Topic:    "status/dying",
		Payload:  []byte("offline"),
		QoS:      1,
	})
	require.NoError(t, err)

	po.ConnectionLost(ctx, "dying")
	po.ConnectionLost(ctx, "dying")

	msgs := wire.messages()
	require.Len(t, msgs, 1, "the will fires exactly once")
	assert.Equal(t, "status/dying", msgs[0].topic)
	assert.Equal(t, []byte("offline"), msgs[0].payload)
	assert.Equal(t, byte(1), msgs[0].qos)
}

func TestDestroySession(t *testing.T) {
	po := newTestOffice(t, nil)

	_, _ = connect(po, "c1", false)
	subscribe(t, po, "c1", SubscribeRequest{Filter: "a/b", QoS: 1})
	po.Sessions().Get("c1").Disconnect()

	require.NoError(t, po.Store().Sessions().Save(&storage.Session{ClientID: "c1"}))
	require.NoError(t, po.Store().Wills().Set(ctx, "c1", &storage.WillMessage{
		ClientID: "c1", Topic: "status/c1", Payload: []byte("x"),
	}))
	po.PublishQoS0(ctx, "pub", "", "a/b", []byte("queued"), false)
	require.NotNil(t, po.queue("c1"))

	po.DestroySession(ctx, "c1")

	assert.Nil(t, po.Sessions().Get("c1"))
	assert.Equal(t, 0, po.Store().Subscriptions().Count())
	_, err := po.Store().Sessions().Get("c1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = po.Store().Wills().Get(ctx, "c1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Nil(t, po.queue("c1"))
}

func TestPersistAndRestoreQueues(t *testing.T) {
	store := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	po := New(store, session.NewRegistry(), nil, nil, logger, 0)

	_, _ = connect(po, "c1", false)
	subscribe(t, po, "c1", SubscribeRequest{Filter: "a/b", QoS: 1})
	po.Sessions().Get("c1").Disconnect()
	require.NoError(t, store.Sessions().Save(&storage.Session{ClientID: "c1", Clean: false}))

	for _, payload := range []string{"m1", "m2"} {
		po.PublishQoS0(ctx, "pub", "", "a/b", []byte(payload), false)
	}

	require.NoError(t, po.PersistQueues())

	// A fresh router over the same store, as after a restart.
	po2 := New(store, session.NewRegistry(), nil, nil, logger, 0)
	require.NoError(t, po2.RestoreQueues())

	q := po2.queue("c1")
	require.NotNil(t, q)
	entries := q.snapshot()
	require.Len(t, entries, 2)
	assert.Equal(t, []byte("m1"), entries[0].GetPayload())
	assert.Equal(t, []byte("m2"), entries[1].GetPayload())
}

func TestPublishStatsEmitsSysTopics(t *testing.T) {
	po := newTestOffice(t, nil)

	_, wire := connect(po, "ops", true)
	subscribe(t, po, "ops", SubscribeRequest{Filter: "$SYS/broker/messages/received", QoS: 0})

	po.PublishStats(ctx)

	msgs := wire.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "$SYS/broker/messages/received", msgs[0].topic)
	assert.NotEmpty(t, msgs[0].payload)
}

func TestNotifierReceivesEvents(t *testing.T) {
	sink := &eventSink{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	po := New(memory.New(), session.NewRegistry(), nil, sink, logger, 0)

	connect(po, "c1", true)
	subscribe(t, po, "c1", SubscribeRequest{Filter: "a/b", QoS: 1})

	ack := &ackRecorder{}
	err := po.PublishQoS1(ctx, ack, "pub", "", "a/b", []byte("x"), 1, true)
	require.NoError(t, err)

	assert.Equal(t, 1, sink.typeCount(events.TypeSubscriptionCreated))
	assert.Equal(t, 1, sink.typeCount(events.TypeMessagePublished))
	assert.Equal(t, 1, sink.typeCount(events.TypeRetainedMessageSet))
}

// End-to-end flow through retained state and QoS downgrades: a QoS 1
// subscriber sees a retained QoS 2 publish live at QoS 1, the store
// keeps it at QoS 2, and a later QoS 0 subscriber replays it at QoS 0.
func TestRetainedEndToEnd(t *testing.T) {
	po := newTestOffice(t, nil)

	_, liveWire := connect(po, "early", true)
	subscribe(t, po, "early", SubscribeRequest{Filter: "a/b", QoS: 1})

	ack := &ackRecorder{}
	err := po.PublishRelease(ctx, ack, "pub", "a/b", []byte("state"), 5, true)
	require.NoError(t, err)
	require.Len(t, ack.pubComps, 1)

	live := liveWire.messages()
	require.Len(t, live, 1)
	assert.Equal(t, byte(1), live[0].qos, "live delivery downgraded to the subscription QoS")
	assert.False(t, live[0].retain, "live routed delivery clears the retain flag")

	stored, err := po.Store().Retained().Get(ctx, "a/b")
	require.NoError(t, err)
	assert.Equal(t, byte(2), stored.QoS, "the store keeps the publishing QoS")

	_, lateWire := connect(po, "late", true)
	subscribe(t, po, "late", SubscribeRequest{Filter: "a/b", QoS: 0})

	replay := lateWire.messages()
	require.Len(t, replay, 1)
	assert.Equal(t, byte(0), replay[0].qos, "replay downgraded to the new subscription QoS")
	assert.True(t, replay[0].retain, "replayed delivery keeps the retain flag")
	assert.Equal(t, []byte("state"), replay[0].payload)
}
