package websocket

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/agentstation/sensorbridge/internal/metrics"
	"github.com/agentstation/sensorbridge/internal/server/hub"
	"github.com/agentstation/sensorbridge/internal/telemetry"
	"github.com/agentstation/sensorbridge/pkg/logging"
)

// Registry is the part of the hub a connection manager needs.
type Registry interface {
	Register(sub hub.Subscriber) error
	Unregister(id string)
	Deliver(id string, ev telemetry.Event) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the clock used for the diagnostic event.
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

// WithOrigins restricts which browser origins may connect. "*" allows all.
func WithOrigins(origins []string) Option {
	return func(m *Manager) {
		m.upgrader.CheckOrigin = CheckOrigin(origins)
	}
}

// Manager upgrades HTTP requests and runs the resulting connections as hub
// subscribers. Every connection is unregistered exactly once, however it ends.
type Manager struct {
	registry  Registry
	framer    Framer
	upgrader  websocket.Upgrader
	clock     clockwork.Clock
	testEvent telemetry.TestEventConfig
	logger    *zerolog.Logger
}

// NewManager creates a connection manager speaking the given framing.
func NewManager(registry Registry, framer Framer, logger *zerolog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	m := &Manager{
		registry: registry,
		framer:   framer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     CheckOrigin([]string{"*"}),
		},
		clock:  clockwork.NewRealClock(),
		logger: logging.Component(logger, framer.Name()),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ServeHTTP upgrades the request and starts the connection's pumps.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied.
		metrics.UpgradeFailuresTotal.Inc()
		m.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	id := uuid.NewString()
	ctx := logging.WithTransport(logging.WithSubscriber(logging.WithLogger(r.Context(), m.logger), id), m.framer.Name())
	logger := logging.FromContext(ctx)

	client := NewClient(id, conn, m.framer, logger)
	metrics.ConnectionsTotal.WithLabelValues(m.framer.Name()).Inc()
	logger.Info().Str("remote_addr", r.RemoteAddr).Msg("Client connected")

	ms := m.newMembership(client, client.Done(), logger)
	join := func() {
		if err := ms.join(); err != nil {
			logger.Warn().Err(err).Msg("Client not registered")
			_ = client.Close()
		}
	}

	client.onDone = func() {
		ms.leave()
		_ = client.Close()
		logger.Info().Msg("Client disconnected")
	}

	go client.WritePump(m.framer.Open(id))
	if m.framer.JoinOnOpen() {
		join()
	}
	go client.ReadPump(join)
}

// membership tracks one connection's place in the hub. Once a connection has
// left it can never join again, whatever order join and leave race in.
type membership struct {
	registry Registry
	sub      hub.Subscriber
	done     <-chan struct{}
	schedule func(id string) clockwork.Timer

	mu     sync.Mutex
	joined bool
	left   bool
	timer  clockwork.Timer
}

func (m *Manager) newMembership(sub hub.Subscriber, done <-chan struct{}, logger *zerolog.Logger) *membership {
	return &membership{
		registry: m.registry,
		sub:      sub,
		done:     done,
		schedule: func(id string) clockwork.Timer { return m.scheduleTestEvent(id, logger) },
	}
}

// join registers the subscriber once. Joining after leave, or after the
// subscriber was closed, does nothing.
func (ms *membership) join() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.joined || ms.left {
		return nil
	}
	select {
	case <-ms.done:
		return nil
	default:
	}
	if err := ms.registry.Register(ms.sub); err != nil {
		return err
	}
	ms.joined = true
	if ms.schedule != nil {
		ms.timer = ms.schedule(ms.sub.ID())
	}
	return nil
}

// leave unregisters the subscriber if it joined. Only the first call has an
// effect.
func (ms *membership) leave() {
	ms.mu.Lock()
	if ms.left {
		ms.mu.Unlock()
		return
	}
	ms.left = true
	wasJoined := ms.joined
	if ms.timer != nil {
		ms.timer.Stop()
	}
	ms.mu.Unlock()

	if wasJoined {
		ms.registry.Unregister(ms.sub.ID())
	}
}

// scheduleTestEvent queues the diagnostic event for one subscriber.
func (m *Manager) scheduleTestEvent(id string, logger *zerolog.Logger) clockwork.Timer {
	if !m.testEvent.Enabled {
		return nil
	}
	ev := m.testEvent.Event()
	return m.clock.AfterFunc(m.testEvent.Delay, func() {
		if err := m.registry.Deliver(id, ev); err != nil {
			logger.Debug().Err(err).Msg("Test event not delivered")
			return
		}
		logger.Debug().
			Str("topic", ev.Topic.String()).
			Str("value", ev.Value).
			Msg("Test event sent")
	})
}

// CheckOrigin returns an origin check for the upgrader. Requests without an
// Origin header are not from browsers and are always allowed.
func CheckOrigin(origins []string) func(*http.Request) bool {
	allowAll := len(origins) == 0
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		if allowAll {
			return true
		}
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
}
