// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"strings"
)

// Topic is an immutable slash-delimited topic or topic filter. Validity
// is computed once at parse time so routing code can branch on it
// without re-scanning the string.
type Topic struct {
	raw    string
	tokens []string
	valid  bool
}

// NewTopic parses raw into a Topic. The result may be invalid; check
// Valid before using it as a filter and IsConcrete before using it as a
// publish destination.
func NewTopic(raw string) Topic {
	return Topic{
		raw:    raw,
		tokens: strings.Split(raw, "/"),
		valid:  ValidateFilter(raw) == nil,
	}
}

// String returns the original topic string.
func (t Topic) String() string {
	return t.raw
}

// Tokens returns the topic levels.
func (t Topic) Tokens() []string {
	return t.tokens
}

// Valid reports whether the topic is a well-formed filter.
func (t Topic) Valid() bool {
	return t.valid
}

// IsConcrete reports whether the topic is well formed and free of
// wildcards, i.e. usable as a publish destination.
func (t Topic) IsConcrete() bool {
	return ValidateTopicName(t.raw) == nil
}
