// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

// SubscribeFailure is the SUBACK return code for a rejected filter.
const SubscribeFailure byte = 0x80

// Connection is the reply surface the wire layer hands to the router
// for acknowledgements and forced disconnects. Outbound publishes go
// through session.Conn instead.
type Connection interface {
	// SendSubAck acknowledges a SUBSCRIBE with one return code per
	// requested filter, in request order.
	SendSubAck(packetID uint16, returnCodes []byte) error

	// SendUnsubAck acknowledges an UNSUBSCRIBE batch.
	SendUnsubAck(packetID uint16) error

	// SendPubAck completes a QoS 1 publish.
	SendPubAck(packetID uint16) error

	// SendPubComp completes the QoS 2 exchange after PUBREL.
	SendPubComp(packetID uint16) error

	// Drop terminates the connection without further protocol traffic.
	Drop()
}
