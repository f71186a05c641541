package app

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/agentstation/sensorbridge/internal/server"
	"github.com/agentstation/sensorbridge/internal/server/hub"
	"github.com/agentstation/sensorbridge/internal/telemetry"
	"github.com/agentstation/sensorbridge/internal/upstream"
	"github.com/agentstation/sensorbridge/pkg/errors"
)

// envPrefix namespaces the environment variables viper reads.
const envPrefix = "SENSORBRIDGE"

// Config holds the application configuration loaded from flags, environment
// variables, .env files and the optional config file.
type Config struct {
	// Global flags
	Verbose bool
	Quiet   bool

	// Config file actually read, if any
	ConfigFile string

	// Logging configuration. LogLevel comes from --log-level only; the
	// LOG_LEVEL environment variable is kept apart so -v and -q can beat it.
	LogLevel    string
	EnvLogLevel string
	LogFormat   string
	LogOutput   string

	// Bridge configuration
	MQTT   upstream.Config
	Server server.Config
}

// Validate checks the bridge configuration.
func (c *Config) Validate() error {
	if err := c.MQTT.Validate(); err != nil {
		return err
	}
	return c.Server.Validate()
}

// newViper creates a viper instance with defaults and environment binding.
// Keys map to SENSORBRIDGE_<KEY> with dots and dashes replaced by
// underscores; the bare PORT variable is honored for the HTTP port.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("http.port", envPrefix+"_HTTP_PORT", "PORT")
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	mqtt := upstream.DefaultConfig()
	v.SetDefault("mqtt.broker", mqtt.Broker)
	v.SetDefault("mqtt.client_id_prefix", mqtt.ClientIDPrefix)
	v.SetDefault("mqtt.topics", topicStrings(mqtt.Topics))
	v.SetDefault("mqtt.qos", mqtt.QoS)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.keepalive", mqtt.KeepAlive)
	v.SetDefault("mqtt.connect_timeout", mqtt.ConnectTimeout)
	v.SetDefault("mqtt.connect_retry_interval", mqtt.ConnectRetryInterval)
	v.SetDefault("mqtt.max_reconnect_interval", mqtt.MaxReconnectInterval)
	v.SetDefault("mqtt.buffer_size", mqtt.BufferSize)

	srv := server.DefaultConfig()
	v.SetDefault("http.host", srv.Host)
	v.SetDefault("http.port", srv.Port)
	v.SetDefault("http.path_prefix", srv.PathPrefix)
	v.SetDefault("http.cors_origins", srv.CORSOrigins)
	v.SetDefault("http.rate_limit", srv.RateLimit)
	v.SetDefault("http.trusted_proxies", srv.TrustedProxies)
	v.SetDefault("http.read_timeout", srv.ReadTimeout)
	v.SetDefault("http.idle_timeout", srv.IdleTimeout)

	v.SetDefault("hub.queue_size", srv.Hub.QueueSize)
	v.SetDefault("hub.overflow", string(srv.Hub.Overflow))

	v.SetDefault("metrics.enabled", srv.MetricsEnabled)

	v.SetDefault("debug.test_event.enabled", srv.TestEvent.Enabled)
	v.SetDefault("debug.test_event.delay", srv.TestEvent.Delay)
	v.SetDefault("debug.test_event.topic", srv.TestEvent.Topic.String())
	v.SetDefault("debug.test_event.value", srv.TestEvent.Value)
}

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"broker":           "mqtt.broker",
	"client-id-prefix": "mqtt.client_id_prefix",
	"topics":           "mqtt.topics",
	"qos":              "mqtt.qos",
	"username":         "mqtt.username",
	"password":         "mqtt.password",
	"host":             "http.host",
	"port":             "http.port",
	"prefix":           "http.path_prefix",
	"cors-origins":     "http.cors_origins",
	"rate-limit":       "http.rate_limit",
	"trusted-proxies":  "http.trusted_proxies",
	"queue-size":       "hub.queue_size",
	"overflow":         "hub.overflow",
	"metrics":          "metrics.enabled",
	"test-event":       "debug.test_event.enabled",
	"test-event-delay": "debug.test_event.delay",
}

// bindFlags binds the bridge flags a command defines to their keys.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return errors.NewConfigError("flags", "binding --"+name, err)
		}
	}
	return nil
}

// readConfigFile reads an explicit config file, or the first of
// ./sensorbridge.yaml and $HOME/.sensorbridge.yaml that exists. A missing
// explicit file is an error; missing default files are not.
func readConfigFile(v *viper.Viper, file string) error {
	if file == "" {
		file = findConfigFile()
		if file == "" {
			return nil
		}
	}

	v.SetConfigFile(file)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return errors.NewConfigError("config file", "reading "+file, err)
	}
	return nil
}

func findConfigFile() string {
	candidates := []string{"sensorbridge.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".sensorbridge.yaml"))
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c
		}
	}
	return ""
}

// LoadConfig builds the configuration from everything viper has been given.
func LoadConfig(v *viper.Viper) (*Config, error) {
	qos := v.GetInt("mqtt.qos")
	if qos < 0 || qos > 2 {
		return nil, errors.NewValidationError("mqtt.qos", qos, "must be 0, 1 or 2")
	}

	overflow, err := hub.ParseOverflowPolicy(v.GetString("hub.overflow"))
	if err != nil {
		return nil, err
	}

	topics := stringList(v.GetStringSlice("mqtt.topics"))
	mqttCfg := upstream.Config{
		Broker:               v.GetString("mqtt.broker"),
		ClientIDPrefix:       v.GetString("mqtt.client_id_prefix"),
		Topics:               make([]telemetry.Topic, len(topics)),
		QoS:                  byte(qos),
		Username:             v.GetString("mqtt.username"),
		Password:             v.GetString("mqtt.password"),
		KeepAlive:            v.GetDuration("mqtt.keepalive"),
		ConnectTimeout:       v.GetDuration("mqtt.connect_timeout"),
		ConnectRetryInterval: v.GetDuration("mqtt.connect_retry_interval"),
		MaxReconnectInterval: v.GetDuration("mqtt.max_reconnect_interval"),
		BufferSize:           v.GetInt("mqtt.buffer_size"),
	}
	for i, t := range topics {
		mqttCfg.Topics[i] = telemetry.Topic(t)
	}

	srvCfg := server.Config{
		Host:           v.GetString("http.host"),
		Port:           v.GetInt("http.port"),
		PathPrefix:     v.GetString("http.path_prefix"),
		CORSOrigins:    stringList(v.GetStringSlice("http.cors_origins")),
		RateLimit:      v.GetInt("http.rate_limit"),
		TrustedProxies: stringList(v.GetStringSlice("http.trusted_proxies")),
		ReadTimeout:    v.GetDuration("http.read_timeout"),
		IdleTimeout:    v.GetDuration("http.idle_timeout"),
		MetricsEnabled: v.GetBool("metrics.enabled"),
		Hub: hub.Config{
			QueueSize: v.GetInt("hub.queue_size"),
			Overflow:  overflow,
		},
		TestEvent: telemetry.TestEventConfig{
			Enabled: v.GetBool("debug.test_event.enabled"),
			Delay:   v.GetDuration("debug.test_event.delay"),
			Topic:   telemetry.Topic(v.GetString("debug.test_event.topic")),
			Value:   v.GetString("debug.test_event.value"),
		},
	}

	return &Config{
		ConfigFile:  v.ConfigFileUsed(),
		EnvLogLevel: os.Getenv("LOG_LEVEL"),
		LogFormat:   getEnvOrDefault("LOG_FORMAT", "auto"),
		LogOutput:   getEnvOrDefault("LOG_OUTPUT", "stderr"),
		MQTT:        mqttCfg,
		Server:      srvCfg,
	}, nil
}

// UpdateFromFlags updates config values from parsed global flags.
func (c *Config) UpdateFromFlags(verbose, quiet bool, logLevel string) {
	c.Verbose = verbose
	c.Quiet = quiet
	c.LogLevel = logLevel
}

// stringList flattens comma separated entries, as environment variables
// arrive as a single "a,b" string.
func stringList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func topicStrings(topics []telemetry.Topic) []string {
	out := make([]string, len(topics))
	for i, t := range topics {
		out[i] = t.String()
	}
	return out
}

// loadEnvFiles loads environment variables from .env files.
// .env.local is loaded after .env; neither overrides the real environment.
func loadEnvFiles() {
	for _, envFile := range []string{".env", ".env.local"} {
		_ = godotenv.Load(envFile)
	}
}

// getEnvOrDefault returns the environment variable value or the default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// durationString renders a duration for config output.
func durationString(d time.Duration) string {
	return d.String()
}
