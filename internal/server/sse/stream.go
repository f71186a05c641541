// Package sse provides Server-Sent Events support for real-time updates.
package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/agentstation/sensorbridge/internal/metrics"
	"github.com/agentstation/sensorbridge/internal/server/hub"
	"github.com/agentstation/sensorbridge/internal/server/response"
	"github.com/agentstation/sensorbridge/internal/telemetry"
	"github.com/agentstation/sensorbridge/pkg/errors"
	"github.com/agentstation/sensorbridge/pkg/logging"
)

const (
	// keepaliveInterval is how often a comment line is written to idle streams.
	keepaliveInterval = 30 * time.Second

	// writeWait is how long a single write may block on a stalled peer.
	writeWait = 10 * time.Second
)

// Registry is the part of the hub a stream needs.
type Registry interface {
	Register(sub hub.Subscriber) error
	Unregister(id string)
	Deliver(id string, ev telemetry.Event) error
}

// Event represents an SSE event.
type Event struct {
	Event string `json:"event,omitempty"` // Event type (optional)
	ID    string `json:"id,omitempty"`    // Event ID (optional)
	Data  any    `json:"data"`            // Event data
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the clock used for keepalives and the diagnostic event.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// WithTestEvent configures the diagnostic event.
func WithTestEvent(te telemetry.TestEventConfig) Option {
	return func(m *Manager) {
		m.testEvent = te
	}
}

// Manager serves SSE streams, one hub subscriber per request.
type Manager struct {
	registry  Registry
	clock     clockwork.Clock
	testEvent telemetry.TestEventConfig
	logger    *zerolog.Logger
}

// NewManager creates an SSE stream manager.
func NewManager(registry Registry, logger *zerolog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	m := &Manager{
		registry: registry,
		clock:    clockwork.NewRealClock(),
		logger:   logging.Component(logger, "sse"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// subscriber hands events from the hub to the request goroutine, which owns
// the ResponseWriter.
type subscriber struct {
	id        string
	events    chan telemetry.Event
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *subscriber) ID() string { return s.id }

func (s *subscriber) Send(ev telemetry.Event) error {
	select {
	case s.events <- ev:
		return nil
	case <-s.closed:
		return errors.ErrClosed
	}
}

func (s *subscriber) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// ServeHTTP streams events until the client goes away or the hub drops the
// subscriber.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}
	rc := http.NewResponseController(w)

	sub := &subscriber{
		id:     uuid.NewString(),
		events: make(chan telemetry.Event),
		closed: make(chan struct{}),
	}
	ctx := logging.WithSubscriber(logging.WithLogger(r.Context(), m.logger), sub.id)
	logger := logging.FromContext(ctx)

	if err := m.registry.Register(sub); err != nil {
		logger.Warn().Err(err).Msg("SSE client not registered")
		response.ErrorFromType(w, err)
		return
	}
	defer func() {
		m.registry.Unregister(sub.id)
		_ = sub.Close()
		logger.Info().Msg("SSE client disconnected")
	}()

	metrics.ConnectionsTotal.WithLabelValues("sse").Inc()
	logger.Info().Str("remote_addr", r.RemoteAddr).Msg("SSE client connected")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := m.writeEvent(w, rc, Event{
		Event: "connected",
		Data:  map[string]string{"subscriber_id": sub.id},
	}); err != nil {
		logger.Debug().Err(err).Msg("SSE write failed")
		return
	}

	if m.testEvent.Enabled {
		ev := m.testEvent.Event()
		timer := m.clock.AfterFunc(m.testEvent.Delay, func() {
			if err := m.registry.Deliver(sub.id, ev); err != nil {
				logger.Debug().Err(err).Msg("Test event not delivered")
			}
		})
		defer timer.Stop()
	}

	keepalive := m.clock.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case ev := <-sub.events:
			if err := m.writeEvent(w, rc, Event{Event: telemetry.EventName, Data: ev}); err != nil {
				logger.Debug().Err(err).Msg("SSE write failed")
				return
			}

		case <-keepalive.Chan():
			if err := write(w, rc, func(w io.Writer) error {
				_, err := io.WriteString(w, ": keepalive\n\n")
				return err
			}); err != nil {
				logger.Debug().Err(err).Msg("SSE keepalive failed")
				return
			}

		case <-sub.closed:
			return

		case <-r.Context().Done():
			return
		}
	}
}

// writeEvent writes an SSE event to the response writer.
func (m *Manager) writeEvent(w http.ResponseWriter, rc *http.ResponseController, event Event) error {
	// Write data as JSON
	data, err := json.Marshal(event.Data)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to marshal SSE event data")
		return nil
	}

	return write(w, rc, func(w io.Writer) error {
		// Write event type if specified
		if event.Event != "" {
			if _, err := fmt.Fprintf(w, "event: %s\n", event.Event); err != nil {
				return err
			}
		}

		// Write event ID if specified
		if event.ID != "" {
			if _, err := fmt.Fprintf(w, "id: %s\n", event.ID); err != nil {
				return err
			}
		}

		_, err := fmt.Fprintf(w, "data: %s\n\n", data)
		return err
	})
}

// write runs fn and flushes under a write deadline, so a stalled peer ends
// the stream instead of pinning the handler.
func write(w http.ResponseWriter, rc *http.ResponseController, fn func(io.Writer) error) error {
	if err := rc.SetWriteDeadline(time.Now().Add(writeWait)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	if err := fn(w); err != nil {
		return err
	}
	return rc.Flush()
}
