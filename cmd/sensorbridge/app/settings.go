package app

import (
	"github.com/goccy/go-yaml"
)

// redacted replaces secrets in rendered configuration.
const redacted = "********"

// settings is the YAML shape of the configuration file. It is what the
// config command prints, so its output can be saved as sensorbridge.yaml.
type settings struct {
	MQTT    mqttSettings    `yaml:"mqtt"`
	HTTP    httpSettings    `yaml:"http"`
	Hub     hubSettings     `yaml:"hub"`
	Metrics metricsSettings `yaml:"metrics"`
	Debug   debugSettings   `yaml:"debug"`
}

type mqttSettings struct {
	Broker               string   `yaml:"broker"`
	ClientIDPrefix       string   `yaml:"client_id_prefix"`
	Topics               []string `yaml:"topics"`
	QoS                  byte     `yaml:"qos"`
	Username             string   `yaml:"username,omitempty"`
	Password             string   `yaml:"password,omitempty"`
	KeepAlive            string   `yaml:"keepalive"`
	ConnectTimeout       string   `yaml:"connect_timeout"`
	ConnectRetryInterval string   `yaml:"connect_retry_interval"`
	MaxReconnectInterval string   `yaml:"max_reconnect_interval"`
	BufferSize           int      `yaml:"buffer_size"`
}

type httpSettings struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	PathPrefix     string   `yaml:"path_prefix"`
	CORSOrigins    []string `yaml:"cors_origins"`
	RateLimit      int      `yaml:"rate_limit"`
	TrustedProxies []string `yaml:"trusted_proxies"`
	ReadTimeout    string   `yaml:"read_timeout"`
	IdleTimeout    string   `yaml:"idle_timeout"`
}

type hubSettings struct {
	QueueSize int    `yaml:"queue_size"`
	Overflow  string `yaml:"overflow"`
}

type metricsSettings struct {
	Enabled bool `yaml:"enabled"`
}

type debugSettings struct {
	TestEvent testEventSettings `yaml:"test_event"`
}

type testEventSettings struct {
	Enabled bool   `yaml:"enabled"`
	Delay   string `yaml:"delay"`
	Topic   string `yaml:"topic"`
	Value   string `yaml:"value"`
}

// settingsFrom converts the resolved configuration, hiding the password.
func settingsFrom(c *Config) settings {
	password := ""
	if c.MQTT.Password != "" {
		password = redacted
	}
	te := c.Server.TestEvent

	return settings{
		MQTT: mqttSettings{
			Broker:               c.MQTT.Broker,
			ClientIDPrefix:       c.MQTT.ClientIDPrefix,
			Topics:               topicStrings(c.MQTT.Topics),
			QoS:                  c.MQTT.QoS,
			Username:             c.MQTT.Username,
			Password:             password,
			KeepAlive:            durationString(c.MQTT.KeepAlive),
			ConnectTimeout:       durationString(c.MQTT.ConnectTimeout),
			ConnectRetryInterval: durationString(c.MQTT.ConnectRetryInterval),
			MaxReconnectInterval: durationString(c.MQTT.MaxReconnectInterval),
			BufferSize:           c.MQTT.BufferSize,
		},
		HTTP: httpSettings{
			Host:           c.Server.Host,
			Port:           c.Server.Port,
			PathPrefix:     c.Server.PathPrefix,
			CORSOrigins:    c.Server.CORSOrigins,
			RateLimit:      c.Server.RateLimit,
			TrustedProxies: c.Server.TrustedProxies,
			ReadTimeout:    durationString(c.Server.ReadTimeout),
			IdleTimeout:    durationString(c.Server.IdleTimeout),
		},
		Hub: hubSettings{
			QueueSize: c.Server.Hub.QueueSize,
			Overflow:  string(c.Server.Hub.Overflow),
		},
		Metrics: metricsSettings{Enabled: c.Server.MetricsEnabled},
		Debug: debugSettings{TestEvent: testEventSettings{
			Enabled: te.Enabled,
			Delay:   durationString(te.Delay),
			Topic:   te.Topic.String(),
			Value:   te.Value,
		}},
	}
}

// YAML renders the configuration as it would appear in a config file.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(settingsFrom(c))
}
