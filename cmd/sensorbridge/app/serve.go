package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentstation/sensorbridge/internal/server"
	"github.com/agentstation/sensorbridge/internal/upstream"
	"github.com/agentstation/sensorbridge/pkg/logging"
)

// shutdownTimeout bounds the graceful shutdown after a signal.
const shutdownTimeout = 30 * time.Second

// runServe validates the configuration, listens on the configured address
// and runs the bridge until ctx is cancelled.
func (a *App) runServe(ctx context.Context) error {
	if err := a.config.Validate(); err != nil {
		return err
	}

	addr := net.JoinHostPort(a.config.Server.Host, strconv.Itoa(a.config.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return a.serve(ctx, ln)
}

// serve runs the bridge on an open listener until ctx is cancelled or the
// listener fails.
func (a *App) serve(ctx context.Context, ln net.Listener) error {
	cfg := a.config
	logger := a.logger

	logger.Info().
		Str("broker", cfg.MQTT.Broker).
		Strs("topics", topicStrings(cfg.MQTT.Topics)).
		Str("addr", ln.Addr().String()).
		Str("prefix", cfg.Server.PathPrefix).
		Int("rate_limit", cfg.Server.RateLimit).
		Str("overflow", string(cfg.Server.Hub.Overflow)).
		Bool("test_event", cfg.Server.TestEvent.Enabled).
		Msg("Starting bridge")

	link := upstream.New(cfg.MQTT, logging.Component(logger, "upstream"), a.linkOptions...)
	srv, err := server.New(cfg.Server, link, logger, server.WithVersion(a.version))
	if err != nil {
		link.Close()
		_ = ln.Close()
		return fmt.Errorf("creating server: %w", err)
	}

	a.mu.Lock()
	a.server = srv
	a.mu.Unlock()

	srv.Start()

	// Streams stay open indefinitely, so there is no write timeout and the
	// read timeout only covers request headers.
	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	return startWithGracefulShutdown(ctx, httpServer, ln, srv, logger)
}

// startWithGracefulShutdown serves until ctx is cancelled, then stops the
// bridge before the HTTP server: stopping the hub closes every WebSocket and
// ends every SSE stream, which lets the HTTP shutdown drain.
func startWithGracefulShutdown(ctx context.Context, httpServer *http.Server, ln net.Listener, srv *server.Server, logger *zerolog.Logger) error {
	serverErr := make(chan error, 1)

	go func() {
		logger.Info().Str("addr", ln.Addr().String()).Msg("HTTP server listening")
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- fmt.Errorf("server failed: %w", err)
		}
	}()

	select {
	case err := <-serverErr:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn().Err(shutdownErr).Msg("Bridge shutdown had issues")
		}
		return err

	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")

		// The parent context is already cancelled
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Bridge shutdown had issues")
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}

		logger.Info().Msg("Server stopped gracefully")
		return nil
	}
}
