// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Common validation errors.
var (
	ErrInvalidTopicName = errors.New("invalid topic name: contains wildcards or illegal characters")
	ErrInvalidFilter    = errors.New("invalid topic filter: misplaced wildcard or illegal characters")
)

// ValidateTopicName checks if the topic name is valid for PUBLISH (no wildcards).
func ValidateTopicName(topic string) error {
	if topic == "" {
		return ErrInvalidTopicName
	}
	// "The Topic Name ... MUST NOT contain wildcard characters"
	if strings.ContainsAny(topic, "+#") {
		return ErrInvalidTopicName
	}
	if !utf8.ValidString(topic) {
		return ErrInvalidTopicName
	}
	if strings.Contains(topic, "\u0000") {
		return ErrInvalidTopicName
	}
	return nil
}

// ValidateFilter checks if the filter is valid for SUBSCRIBE/UNSUBSCRIBE.
// '+' must occupy an entire level; '#' must occupy the entire last level.
func ValidateFilter(filter string) error {
	if filter == "" {
		return ErrInvalidFilter
	}
	if !utf8.ValidString(filter) || strings.Contains(filter, "\u0000") {
		return ErrInvalidFilter
	}

	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if strings.Contains(level, "#") {
			if level != "#" {
				return ErrInvalidFilter
			}
			if i != len(levels)-1 {
				return ErrInvalidFilter
			}
		}
		if strings.Contains(level, "+") && level != "+" {
			return ErrInvalidFilter
		}
	}
	return nil
}
