// Package handlers provides the HTTP handlers for the bridge's health and
// status endpoints. Streaming endpoints are served by the websocket and sse
// connection managers directly.
package handlers

import (
	"github.com/agentstation/utc"
	"github.com/rs/zerolog"

	"github.com/agentstation/sensorbridge/internal/telemetry"
	"github.com/agentstation/sensorbridge/internal/upstream"
)

// Upstream is the view of the broker link the handlers report on.
type Upstream interface {
	State() upstream.State
	Broker() string
	Topics() []telemetry.Topic
	LastMessageAt() (utc.Time, bool)
}

// Subscribers reports the hub's membership.
type Subscribers interface {
	Count() int
}

// Counters are the bridge's running totals.
type Counters struct {
	MessagesReceived uint64 `json:"messages_received"`
	EventsBroadcast  uint64 `json:"events_broadcast"`
}

// Handlers provides access to all HTTP handlers.
type Handlers struct {
	upstream    Upstream
	subscribers Subscribers
	counters    func() Counters
	version     string
	startTime   utc.Time
	logger      *zerolog.Logger
}

// New creates a new Handlers instance.
func New(
	up Upstream,
	subscribers Subscribers,
	counters func() Counters,
	version string,
	startTime utc.Time,
	logger *zerolog.Logger,
) *Handlers {
	if counters == nil {
		counters = func() Counters { return Counters{} }
	}
	return &Handlers{
		upstream:    up,
		subscribers: subscribers,
		counters:    counters,
		version:     version,
		startTime:   startTime,
		logger:      logger,
	}
}
