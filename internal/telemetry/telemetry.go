// Package telemetry defines the data that flows through the bridge: raw broker
// deliveries and the normalized events pushed to downstream clients.
package telemetry

import (
	"bytes"
	"time"

	"github.com/agentstation/utc"
	"golang.org/x/text/encoding/unicode"
)

// EventName is the downstream event name carried by every reading.
// Existing dashboard clients listen for it literally.
const EventName = "mqttData"

// Topic identifies a logical data stream on the broker, e.g. "esp32/temperature".
type Topic string

// String returns the topic name.
func (t Topic) String() string { return string(t) }

// RawMessage is a single broker delivery. It is not retained after normalization.
type RawMessage struct {
	Topic      Topic
	Payload    []byte
	ReceivedAt utc.Time
	Duplicate  bool
	Retained   bool
}

// Event is the normalized, client-facing unit.
type Event struct {
	Topic Topic  `json:"topic"`
	Value string `json:"value"`

	// Synthetic marks the diagnostic test event. It never reaches the wire.
	Synthetic bool `json:"-"`
}

// Normalize converts a raw delivery into an Event. The payload is decoded as
// UTF-8, invalid sequences become U+FFFD, and surrounding whitespace is trimmed.
// It never fails.
func Normalize(msg RawMessage) Event {
	return Event{
		Topic: msg.Topic,
		Value: string(bytes.TrimSpace(decodeUTF8(msg.Payload))),
	}
}

// NewTestEvent builds the labeled diagnostic event sent to fresh connections
// when the debug flag is on.
func NewTestEvent(topic Topic, value string) Event {
	return Event{Topic: topic, Value: value, Synthetic: true}
}

// TestEventConfig controls the diagnostic event a fresh subscriber receives
// after Delay. It is off unless Enabled is set.
type TestEventConfig struct {
	Enabled bool
	Delay   time.Duration
	Topic   Topic
	Value   string
}

// DefaultTestEventConfig returns the disabled diagnostic event settings.
func DefaultTestEventConfig() TestEventConfig {
	return TestEventConfig{
		Delay: 2 * time.Second,
		Topic: "esp32/temperature",
		Value: "26.3",
	}
}

// Event builds the labeled diagnostic event.
func (c TestEventConfig) Event() Event {
	return NewTestEvent(c.Topic, c.Value)
}

func decodeUTF8(b []byte) []byte {
	out, err := unicode.UTF8.NewDecoder().Bytes(b)
	if err != nil {
		return bytes.ToValidUTF8(b, []byte("�"))
	}
	return out
}
