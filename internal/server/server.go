// Package server wires the bridge together: the upstream link feeds a single
// pump goroutine that normalizes each message and broadcasts it through the
// hub to every WebSocket, Socket.IO and SSE subscriber.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/agentstation/utc"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/agentstation/sensorbridge/internal/server/handlers"
	"github.com/agentstation/sensorbridge/internal/server/hub"
	"github.com/agentstation/sensorbridge/internal/server/middleware"
	"github.com/agentstation/sensorbridge/internal/server/sse"
	ws "github.com/agentstation/sensorbridge/internal/server/websocket"
	"github.com/agentstation/sensorbridge/internal/telemetry"
	"github.com/agentstation/sensorbridge/pkg/errors"
	"github.com/agentstation/sensorbridge/pkg/logging"
)

// Link is the upstream broker connection the server reads from.
type Link interface {
	handlers.Upstream
	Connect(ctx context.Context) (<-chan telemetry.RawMessage, error)
	Close()
}

// Option configures a Server.
type Option func(*Server)

// WithVersion sets the version reported by the status endpoint.
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// WithClock replaces the clock used for timers in the connection managers.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Server) {
		s.clock = clock
	}
}

// Server holds the HTTP server state and dependencies.
type Server struct {
	config    Config
	link      Link
	hub       *hub.Hub
	ws        *ws.Manager
	socketio  *ws.SocketIOHandler
	sse       *sse.Manager
	limiter   *middleware.RateLimiter
	handlers  *handlers.Handlers
	clock     clockwork.Clock
	logger    *zerolog.Logger
	version   string
	startTime utc.Time

	received  atomic.Uint64
	broadcast atomic.Uint64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	started   atomic.Bool
	stopOnce  sync.Once
}

// New creates a new server instance around the given upstream link.
func New(cfg Config, link Link, logger *zerolog.Logger, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if link == nil {
		return nil, errors.NewValidationError("link", nil, "is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:    cfg,
		link:      link,
		clock:     clockwork.NewRealClock(),
		logger:    logger,
		version:   "dev",
		startTime: utc.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}

	logger.Debug().Msg("Creating hub")
	s.hub = hub.New(cfg.Hub, logger)

	testEvent := cfg.TestEvent
	s.ws = ws.NewManager(s.hub, ws.JSONFramer{}, logger,
		ws.WithClock(s.clock),
		ws.WithTestEvent(testEvent),
		ws.WithOrigins(cfg.CORSOrigins),
	)
	s.socketio = ws.NewSocketIOHandler(s.hub, ws.NewSocketIOFramer(), logger,
		ws.WithClock(s.clock),
		ws.WithTestEvent(testEvent),
		ws.WithOrigins(cfg.CORSOrigins),
	)
	s.sse = sse.NewManager(s.hub, logger,
		sse.WithClock(s.clock),
		sse.WithTestEvent(testEvent),
	)

	if cfg.RateLimit > 0 {
		trusted, _ := middleware.ParseTrustedProxies(cfg.TrustedProxies)
		s.limiter = middleware.NewRateLimiter(cfg.RateLimit, logger, middleware.WithTrustedProxies(trusted))
	}

	s.handlers = handlers.New(link, s.hub, s.Counters, s.version, s.startTime, logger)

	logger.Debug().
		Int("queue_size", cfg.Hub.QueueSize).
		Str("overflow", string(cfg.Hub.Overflow)).
		Bool("test_event", testEvent.Enabled).
		Msg("Server instance created")
	return s, nil
}

// Start runs the hub and connects the upstream link in the background. The
// HTTP handler is usable before the broker is reachable; readiness reports
// the link state.
func (s *Server) Start() {
	s.startOnce.Do(func() {
		s.started.Store(true)
		s.logger.Debug().Msg("Starting hub")
		go s.hub.Run(s.ctx)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			msgs, err := s.link.Connect(s.ctx)
			if err != nil {
				if !errors.IsConnectionError(err) {
					// Shut down before the broker answered.
					s.logger.Debug().Err(err).Msg("Upstream connect canceled")
					return
				}
				s.logger.Error().Err(err).Msg("Upstream link not started")
				return
			}
			s.pump(msgs)
		}()
	})
}

// pump is the single consumer of the link's stream. Events leave in the
// order the broker delivered them.
func (s *Server) pump(msgs <-chan telemetry.RawMessage) {
	for raw := range msgs {
		s.received.Add(1)
		ev := telemetry.Normalize(raw)
		if err := s.hub.Broadcast(ev); err != nil {
			if errors.Is(err, errors.ErrHubStopped) {
				s.logger.Debug().Msg("Hub stopped, pump exiting")
				return
			}
			s.logger.Warn().Err(err).Str("topic", ev.Topic.String()).Msg("Broadcast failed")
			continue
		}
		s.broadcast.Add(1)
		s.logger.Debug().
			Str("topic", ev.Topic.String()).
			Str("value", ev.Value).
			Int("total_subscribers", s.hub.Count()).
			Msg("Event broadcast")
	}
}

// Counters returns the running message totals.
func (s *Server) Counters() handlers.Counters {
	return handlers.Counters{
		MessagesReceived: s.received.Load(),
		EventsBroadcast:  s.broadcast.Load(),
	}
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.setupRouter()
}

// Hub returns the subscriber hub.
func (s *Server) Hub() *hub.Hub {
	return s.hub
}

// Shutdown closes the upstream link, stops the hub (which closes every
// subscriber connection), ends socket.io polling sessions and waits for the
// pump and hub to finish or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.logger.Info().Msg("Shutting down bridge")
		s.link.Close()
		s.cancel()
		s.socketio.Close()
		if s.limiter != nil {
			s.limiter.Close()
		}
	})
	if !s.started.Load() {
		return nil
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		<-s.hub.Done()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for bridge shutdown: %w", ctx.Err())
	}
}
