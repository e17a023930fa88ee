// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import "errors"

var (
	// ErrProtocolViolation is returned when a client sends a packet
	// the protocol forbids, e.g. an UNSUBSCRIBE with a malformed
	// filter. The connection is dropped before this is returned.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrInvalidTopic is returned for publishes to empty or wildcard
	// topic names.
	ErrInvalidTopic = errors.New("invalid topic name")

	// ErrNotAuthorized is returned when the authorization policy
	// rejects an operation that cannot fail silently.
	ErrNotAuthorized = errors.New("not authorized")
)
