// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import "strings"

// Match checks if the topic matches the given filter according to MQTT
// wildcard rules:
//   - filter can contain '+' (single level) and '#' (multi-level, at end).
//   - topic must not contain wildcards.
//   - '$' prefix topics only match filters that also start with '$'.
func Match(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if filter == topic {
		return true
	}

	filterLevels := strings.Split(filter, "/")
	topicLevels := strings.Split(topic, "/")

	// "The Server MUST NOT match a subscription filter to a Topic Name
	// starting with a $ character unless the filter starts with it too."
	if strings.HasPrefix(topic, "$") {
		if filterLevels[0] == "+" || filterLevels[0] == "#" {
			return false
		}
	}

	for i, fLevel := range filterLevels {
		if fLevel == "#" {
			// Matches the parent and all children.
			return true
		}

		if i >= len(topicLevels) {
			return false
		}

		if fLevel == "+" {
			continue
		}

		if fLevel != topicLevels[i] {
			return false
		}
	}

	return len(filterLevels) == len(topicLevels)
}
