package hub

import (
	"strings"

	"github.com/agentstation/sensorbridge/pkg/errors"
)

// OverflowPolicy decides what happens when a subscriber's queue is full.
type OverflowPolicy string

// Overflow policies.
const (
	// DropNewest discards the event that did not fit.
	DropNewest OverflowPolicy = "drop-newest"
	// DropOldest discards the oldest queued event to make room.
	DropOldest OverflowPolicy = "drop-oldest"
	// Disconnect unregisters the subscriber.
	Disconnect OverflowPolicy = "disconnect"
)

// ParseOverflowPolicy parses a policy name. An empty name yields DropNewest.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch p := OverflowPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return DropNewest, nil
	case DropNewest, DropOldest, Disconnect:
		return p, nil
	default:
		return "", errors.NewValidationError("hub.overflow", s, "must be drop-newest, drop-oldest or disconnect")
	}
}

// String returns the policy name.
func (p OverflowPolicy) String() string { return string(p) }

// Config holds the hub settings.
type Config struct {
	// QueueSize is the per-subscriber outbound queue capacity
	QueueSize int

	// Overflow is applied when a subscriber's queue is full
	Overflow OverflowPolicy
}

// DefaultConfig returns the default hub settings.
func DefaultConfig() Config {
	return Config{
		QueueSize: 64,
		Overflow:  DropNewest,
	}
}

// Validate checks the hub settings.
func (c Config) Validate() error {
	if c.QueueSize < 1 {
		return errors.NewValidationError("hub.queue_size", c.QueueSize, "must be at least 1")
	}
	if _, err := ParseOverflowPolicy(string(c.Overflow)); err != nil {
		return err
	}
	return nil
}
