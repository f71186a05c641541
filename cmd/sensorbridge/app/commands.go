package app

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/agentstation/sensorbridge/internal/server"
	"github.com/agentstation/sensorbridge/internal/upstream"
)

// addBridgeFlags defines the flags shared by serve and config. Defaults
// mirror the configuration defaults; values are bound in setupCommand.
func addBridgeFlags(cmd *cobra.Command) {
	mqtt := upstream.DefaultConfig()
	srv := server.DefaultConfig()

	// Broker flags
	cmd.Flags().String("broker", mqtt.Broker, "MQTT broker URL")
	cmd.Flags().String("client-id-prefix", mqtt.ClientIDPrefix, "MQTT client id prefix")
	cmd.Flags().StringSlice("topics", topicStrings(mqtt.Topics), "Topics to subscribe to (comma-separated)")
	cmd.Flags().Int("qos", int(mqtt.QoS), "Subscription QoS (0, 1 or 2)")
	cmd.Flags().String("username", "", "MQTT username")
	cmd.Flags().String("password", "", "MQTT password")

	// Server configuration flags
	cmd.Flags().String("host", srv.Host, "Bind address")
	cmd.Flags().Int("port", srv.Port, "Server port")
	cmd.Flags().String("prefix", srv.PathPrefix, "API path prefix")
	cmd.Flags().StringSlice("cors-origins", srv.CORSOrigins, "Allowed CORS and WebSocket origins (comma-separated, * for all)")
	cmd.Flags().Int("rate-limit", srv.RateLimit, "Streaming connections per minute per IP (0 to disable)")
	cmd.Flags().StringSlice("trusted-proxies", srv.TrustedProxies, "Proxy IPs or CIDRs whose X-Forwarded-For is trusted (comma-separated)")

	// Fan-out flags
	cmd.Flags().Int("queue-size", srv.Hub.QueueSize, "Per-subscriber event queue size")
	cmd.Flags().String("overflow", string(srv.Hub.Overflow), "Queue overflow policy: drop-newest, drop-oldest, disconnect")

	// Features flags
	cmd.Flags().Bool("metrics", srv.MetricsEnabled, "Enable metrics endpoint")
	cmd.Flags().Bool("test-event", srv.TestEvent.Enabled, "Send a synthetic reading to each new subscriber")
	cmd.Flags().Duration("test-event-delay", srv.TestEvent.Delay, "Delay before the synthetic reading")
}

// NewServeCommand creates the serve command.
func (a *App) NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"server"},
		Short:   "Run the bridge",
		Long: `Connect to the MQTT broker and serve telemetry to browsers.

Endpoints:
  - Socket.IO (Engine.IO v4, websocket transport)  /socket.io/
  - Plain WebSocket                                /api/v1/ws
  - Server-Sent Events                             /api/v1/stream
  - Health, readiness and status                   /health, /api/v1/ready, /api/v1/status
  - Prometheus metrics                             /metrics`,
		Example: `  # Bridge the public HiveMQ broker on port 4000
  sensorbridge serve

  # Use a private broker with credentials
  sensorbridge serve --broker tcp://10.0.0.5:1883 --username esp --password secret

  # Subscribe to other topics and limit connection churn
  sensorbridge serve --topics esp32/temperature,esp32/pressure --rate-limit 60`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runServe(cmd.Context())
		},
	}
	addBridgeFlags(cmd)
	return cmd
}

// NewConfigCommand creates the config command.
func (a *App) NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Long: `Print the configuration serve would run with, after defaults, the config
file, .env files, SENSORBRIDGE_* environment variables and flags are applied.
The password is redacted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.config.Validate(); err != nil {
				return err
			}
			out, err := a.config.YAML()
			if err != nil {
				return fmt.Errorf("rendering config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	addBridgeFlags(cmd)
	return cmd
}

// NewVersionCommand creates the version command.
func (a *App) NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("sensorbridge %s\n", a.version)
			if a.config.Verbose {
				cmd.Printf("  commit:     %s\n", a.commit)
				cmd.Printf("  built:      %s\n", a.date)
				cmd.Printf("  built by:   %s\n", a.builtBy)
				cmd.Printf("  go version: %s\n", runtime.Version())
				cmd.Printf("  platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
			}
		},
	}
}
