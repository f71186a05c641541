package server

import (
	"time"

	"github.com/agentstation/sensorbridge/internal/server/hub"
	"github.com/agentstation/sensorbridge/internal/server/middleware"
	"github.com/agentstation/sensorbridge/internal/telemetry"
	"github.com/agentstation/sensorbridge/pkg/errors"
)

// Config holds server configuration.
type Config struct {
	// Server settings
	Host string
	Port int

	// API settings
	PathPrefix string

	// CORS settings; also used as the WebSocket origin allow list
	CORSOrigins []string

	// Connection upgrades per minute per IP on the streaming endpoints (0 to disable)
	RateLimit int

	// Proxies (IPs or CIDRs) whose X-Forwarded-For header is believed when
	// identifying the client for rate limiting
	TrustedProxies []string

	// HTTP timeouts. There is no write timeout: streams stay open.
	ReadTimeout time.Duration
	IdleTimeout time.Duration

	// Features
	MetricsEnabled bool

	// Fan-out settings
	Hub hub.Config

	// Diagnostic event for new subscribers
	TestEvent telemetry.TestEventConfig
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           4000,
		PathPrefix:     "/api/v1",
		CORSOrigins:    []string{"*"},
		RateLimit:      0,
		ReadTimeout:    10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MetricsEnabled: true,
		Hub:            hub.DefaultConfig(),
		TestEvent:      telemetry.DefaultTestEventConfig(),
	}
}

// Validate checks the server settings.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return errors.NewValidationError("http.port", c.Port, "must be between 1 and 65535")
	}
	if c.RateLimit < 0 {
		return errors.NewValidationError("http.rate_limit", c.RateLimit, "must not be negative")
	}
	if _, err := middleware.ParseTrustedProxies(c.TrustedProxies); err != nil {
		return errors.NewValidationError("http.trusted_proxies", c.TrustedProxies, err.Error())
	}
	if c.TestEvent.Enabled && c.TestEvent.Topic == "" {
		return errors.NewValidationError("debug.test_event.topic", c.TestEvent.Topic, "required when the test event is enabled")
	}
	if c.TestEvent.Delay < 0 {
		return errors.NewValidationError("debug.test_event.delay", c.TestEvent.Delay, "must not be negative")
	}
	return c.Hub.Validate()
}
