// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dborovcanin/courier/storage"
)

// ErrNotConnected is returned when sending to a session with no
// attached connection.
var ErrNotConnected = errors.New("session not connected")

// Conn is the outbound surface of the wire layer for one client.
// Implementations write packets to the network; the session only
// decides what to send.
type Conn interface {
	// Publish writes a PUBLISH packet to the client. The payload slice
	// is backed by a pooled buffer and is only valid for the duration
	// of the call; implementations that hand it off asynchronously
	// must copy it first.
	Publish(topic string, payload []byte, qos byte, retain bool, packetID uint16) error

	// Close terminates the connection.
	Close() error
}

// Session holds the per-client state the router needs: identity, the
// clean flag, connectivity, the will, and a subscription cache.
type Session struct {
	mu sync.RWMutex

	// Identity
	ID    string
	Clean bool

	// Will message (set on CONNECT, cleared on graceful disconnect)
	Will *storage.WillMessage

	// Connection (nil when disconnected)
	conn           Conn
	connected      bool
	connectedAt    time.Time
	disconnectedAt time.Time

	// Packet ID generator
	nextPacketID uint32

	// Subscriptions cached from the index for fast lookup:
	// filter -> granted QoS.
	subscriptions map[string]byte
}

// New creates a new session.
func New(clientID string, clean bool) *Session {
	return &Session{
		ID:            clientID,
		Clean:         clean,
		subscriptions: make(map[string]byte),
	}
}

// Connect attaches a connection and marks the session connected.
func (s *Session) Connect(conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn = conn
	s.connected = true
	s.connectedAt = time.Now()
}

// Disconnect detaches the connection and marks the session disconnected.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn = nil
	s.connected = false
	s.disconnectedAt = time.Now()
}

// Connected reports whether the session has an attached connection.
func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// ConnectedAt returns the time of the last connect.
func (s *Session) ConnectedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connectedAt
}

// DisconnectedAt returns the time of the last disconnect.
func (s *Session) DisconnectedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.disconnectedAt
}

// AddSubscription caches a granted subscription on the session.
func (s *Session) AddSubscription(filter string, qos byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[filter] = qos
}

// RemoveSubscription drops a cached subscription.
func (s *Session) RemoveSubscription(filter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, filter)
}

// Subscription returns the granted QoS for a filter, if subscribed.
func (s *Session) Subscription(filter string) (byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	qos, ok := s.subscriptions[filter]
	return qos, ok
}

// Subscriptions returns a copy of the cached subscriptions.
func (s *Session) Subscriptions() map[string]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subs := make(map[string]byte, len(s.subscriptions))
	for filter, qos := range s.subscriptions {
		subs[filter] = qos
	}
	return subs
}

// ClearSubscriptions drops the whole subscription cache.
func (s *Session) ClearSubscriptions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions = make(map[string]byte)
}

// NextPacketID generates the next outbound packet ID. Packet ID 0 is
// reserved by the protocol.
func (s *Session) NextPacketID() uint16 {
	for {
		id := uint16(atomic.AddUint32(&s.nextPacketID, 1) & 0xFFFF)
		if id != 0 {
			return id
		}
	}
}

// SendPublish delivers a message to the client at the given QoS,
// assigning a packet ID for QoS > 0. The retain flag is zero on live
// routed messages.
func (s *Session) SendPublish(topic string, payload []byte, qos byte) error {
	return s.send(topic, payload, qos, false)
}

// SendRetained delivers a retained message to the client. The outbound
// retain flag is set so the client can tell replay from live traffic.
func (s *Session) SendRetained(topic string, payload []byte, qos byte) error {
	return s.send(topic, payload, qos, true)
}

func (s *Session) send(topic string, payload []byte, qos byte, retain bool) error {
	s.mu.RLock()
	conn := s.conn
	connected := s.connected
	s.mu.RUnlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	var packetID uint16
	if qos > 0 {
		packetID = s.NextPacketID()
	}

	return conn.Publish(topic, payload, qos, retain, packetID)
}

// CloseConn closes the attached connection, if any. Used when the
// server drops a client for a protocol violation.
func (s *Session) CloseConn() error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}
