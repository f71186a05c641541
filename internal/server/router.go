package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentstation/sensorbridge/internal/server/middleware"
	"github.com/agentstation/sensorbridge/internal/server/response"
)

// setupRouter creates the HTTP handler with routes and middleware.
func (s *Server) setupRouter() http.Handler {
	r := chi.NewRouter()

	// Recovery wraps everything, then logging, then CORS.
	r.Use(
		middleware.Recovery(s.logger),
		middleware.Logger(s.logger),
		middleware.CORS(middleware.CORSFromOrigins(s.config.CORSOrigins)),
	)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.NotFound(w, "Route not found", r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		response.MethodNotAllowed(w, r.Method)
	})

	s.registerRoutes(r)
	return r
}

// registerRoutes registers all HTTP routes.
func (s *Server) registerRoutes(r chi.Router) {
	h := s.handlers
	prefix := s.config.PathPrefix

	// Favicon handler (return 204 No Content to avoid 404 logs)
	r.Get("/favicon.ico", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/health", h.HandleHealth)

	// Streaming endpoints, optionally rate limited per client IP.
	stream := chi.Chain()
	if s.limiter != nil {
		stream = chi.Chain(middleware.RateLimit(s.limiter))
	}
	// Socket.IO polls and posts carry a session id; only opening a session
	// counts against the limit.
	socketio := chi.Chain()
	if s.limiter != nil {
		socketio = chi.Chain(middleware.RateLimitIf(s.limiter, opensSession))
	}
	r.With(socketio...).Handle("/socket.io", s.socketio)
	r.With(socketio...).Handle("/socket.io/", s.socketio)

	r.Route(prefix, func(r chi.Router) {
		r.Get("/health", h.HandleHealth)
		r.Get("/ready", h.HandleReady)
		r.Get("/status", h.HandleStatus)
		r.With(stream...).Get("/ws", s.ws.ServeHTTP)
		r.With(stream...).Get("/stream", s.sse.ServeHTTP)
	})

	if s.config.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
}

func opensSession(r *http.Request) bool {
	return r.URL.Query().Get("sid") == ""
}
