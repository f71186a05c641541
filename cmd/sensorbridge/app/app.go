// Package app provides the application context and dependency management
// for the sensorbridge CLI: configuration, logging, and the lifecycle of the
// running bridge.
package app

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/agentstation/sensorbridge/internal/server"
	"github.com/agentstation/sensorbridge/internal/upstream"
	"github.com/agentstation/sensorbridge/pkg/errors"
)

// App represents the sensorbridge application with all its dependencies.
type App struct {
	// Version information
	version string
	commit  string
	date    string
	builtBy string

	// Configuration sources and the resolved configuration
	viper  *viper.Viper
	config *Config

	logger *zerolog.Logger
	out    io.Writer

	// linkOptions are passed to every upstream link the app creates
	linkOptions []upstream.Option

	// The running bridge, if serve has started one
	mu     sync.Mutex
	server *server.Server
}

// New creates a new App instance with the given version information.
// Configuration is loaded from defaults, .env files and the environment;
// flags and the config file are applied when a command runs.
func New(version, commit, date, builtBy string, opts ...Option) (*App, error) {
	app := &App{
		version: version,
		commit:  commit,
		date:    date,
		builtBy: builtBy,
		out:     os.Stdout,
	}

	loadEnvFiles()
	app.viper = newViper()

	config, err := LoadConfig(app.viper)
	if err != nil {
		return nil, errors.WrapConfig("app", err)
	}
	app.config = config

	logger := NewLogger(config)
	app.logger = &logger

	for _, opt := range opts {
		if err := opt(app); err != nil {
			return nil, err
		}
	}

	return app, nil
}

// Version returns the version information.
func (a *App) Version() string {
	return a.version
}

// Commit returns the git commit hash.
func (a *App) Commit() string {
	return a.commit
}

// Date returns the build date.
func (a *App) Date() string {
	return a.date
}

// BuiltBy returns the build system identifier.
func (a *App) BuiltBy() string {
	return a.builtBy
}

// Config returns the application configuration.
func (a *App) Config() *Config {
	return a.config
}

// Logger returns the application logger.
func (a *App) Logger() *zerolog.Logger {
	return a.logger
}

// Shutdown stops the bridge if one is running.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	srv := a.server
	a.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Option is a functional option for configuring the App.
type Option func(*App) error

// WithLogger sets a custom logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(a *App) error {
		a.logger = logger
		return nil
	}
}

// WithOutput sets where command output is written.
func WithOutput(w io.Writer) Option {
	return func(a *App) error {
		a.out = w
		return nil
	}
}

// WithLinkOptions passes options to the upstream broker link.
func WithLinkOptions(opts ...upstream.Option) Option {
	return func(a *App) error {
		a.linkOptions = append(a.linkOptions, opts...)
		return nil
	}
}
