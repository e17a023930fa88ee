// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

// Authorizer decides whether a client may read from or write to a
// topic. Implementations must be safe for concurrent use.
type Authorizer interface {
	// CanRead reports whether the client may subscribe to the filter.
	CanRead(clientID, username, filter string) bool

	// CanWrite reports whether the client may publish to the topic.
	CanWrite(clientID, username, topic string) bool
}

// AuthorizationGate wraps an Authorizer with a permissive default: a
// nil policy allows everything.
type AuthorizationGate struct {
	policy Authorizer
}

// NewAuthorizationGate creates a gate around a policy. Pass nil to
// disable authorization checks.
func NewAuthorizationGate(policy Authorizer) *AuthorizationGate {
	return &AuthorizationGate{policy: policy}
}

// CanRead reports whether the client may subscribe to the filter.
func (g *AuthorizationGate) CanRead(clientID, username, filter string) bool {
	if g.policy == nil {
		return true
	}
	return g.policy.CanRead(clientID, username, filter)
}

// CanWrite reports whether the client may publish to the topic.
func (g *AuthorizationGate) CanWrite(clientID, username, topic string) bool {
	if g.policy == nil {
		return true
	}
	return g.policy.CanWrite(clientID, username, topic)
}
