// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapStampsEnvelopeMetadata(t *testing.T) {
	e := MessagePublished{
		ClientID:    "c1",
		Topic:       "a/b",
		QoS:         1,
		PayloadSize: 3,
	}

	env := e.Wrap("broker-1")

	assert.Equal(t, TypeMessagePublished, env.EventType)
	assert.Equal(t, "broker-1", env.BrokerID)
	assert.Equal(t, e, env.Data)

	_, err := uuid.Parse(env.EventID)
	assert.NoError(t, err, "event ID is a UUID")

	ts, err := time.Parse(time.RFC3339Nano, env.Timestamp)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), ts, time.Minute)
}

func TestWrapGeneratesUniqueEventIDs(t *testing.T) {
	e := SubscriptionCreated{ClientID: "c1", Filter: "a/b", QoS: 1}

	first := e.Wrap("broker-1")
	second := e.Wrap("broker-1")
	assert.NotEqual(t, first.EventID, second.EventID)
}

func TestEnvelopeMarshalJSON(t *testing.T) {
	e := WillFired{ClientID: "c1", Topic: "last/word", QoS: 2}
	env := e.Wrap("broker-1")

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded struct {
		EventType string `json:"event_type"`
		EventID   string `json:"event_id"`
		BrokerID  string `json:"broker_id"`
		Data      struct {
			ClientID string `json:"client_id"`
			Topic    string `json:"topic"`
			QoS      byte   `json:"qos"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, TypeWillFired, decoded.EventType)
	assert.Equal(t, env.EventID, decoded.EventID)
	assert.Equal(t, "broker-1", decoded.BrokerID)
	assert.Equal(t, "c1", decoded.Data.ClientID)
	assert.Equal(t, "last/word", decoded.Data.Topic)
	assert.Equal(t, byte(2), decoded.Data.QoS)
}

func TestEventTypes(t *testing.T) {
	cases := []struct {
		event Event
		want  string
	}{
		{MessagePublished{}, TypeMessagePublished},
		{MessageQueued{}, TypeMessageQueued},
		{RetainedMessageSet{}, TypeRetainedMessageSet},
		{SubscriptionCreated{}, TypeSubscriptionCreated},
		{SubscriptionRemoved{}, TypeSubscriptionRemoved},
		{ClientDisconnected{}, TypeClientDisconnected},
		{WillFired{}, TypeWillFired},
	}

	for _, tc := range cases {
		t.Run(tc.want, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.event.Type())
			assert.Equal(t, tc.want, tc.event.Wrap("b").EventType)
		})
	}
}
