package upstream

import (
	"time"

	"github.com/agentstation/sensorbridge/internal/matcher"
	"github.com/agentstation/sensorbridge/internal/telemetry"
	"github.com/agentstation/sensorbridge/pkg/errors"
)

// Config holds the broker connection settings.
type Config struct {
	// Broker is the broker URL, e.g. tcp://broker.hivemq.com:1883
	Broker string

	// ClientIDPrefix is combined with a random suffix to form the client id
	ClientIDPrefix string

	// Topics is the fixed subscription set, issued on every connect
	Topics []telemetry.Topic

	// QoS applied to every subscription (0 = at most once)
	QoS byte

	Username string
	Password string

	KeepAlive            time.Duration
	ConnectTimeout       time.Duration
	ConnectRetryInterval time.Duration
	MaxReconnectInterval time.Duration

	// BufferSize is the capacity of the outbound RawMessage channel
	BufferSize int
}

// DefaultConfig returns a Config pointed at the public HiveMQ broker with the
// ESP32 sensor topics.
func DefaultConfig() Config {
	return Config{
		Broker:               "tcp://broker.hivemq.com:1883",
		ClientIDPrefix:       "mqtt-web",
		Topics:               []telemetry.Topic{"esp32/temperature", "esp32/humidity"},
		QoS:                  0,
		KeepAlive:            30 * time.Second,
		ConnectTimeout:       10 * time.Second,
		ConnectRetryInterval: 5 * time.Second,
		MaxReconnectInterval: time.Minute,
		BufferSize:           256,
	}
}

// Validate checks the settings that would make the link unusable.
func (c Config) Validate() error {
	if c.Broker == "" {
		return errors.NewValidationError("mqtt.broker", c.Broker, "broker address is required")
	}
	if len(c.Topics) == 0 {
		return errors.NewValidationError("mqtt.topics", c.Topics, "at least one topic is required")
	}
	for _, t := range c.Topics {
		if t == "" {
			return errors.NewValidationError("mqtt.topics", c.Topics, "topics must not be empty")
		}
		if err := matcher.Validate(string(t)); err != nil {
			return errors.NewValidationError("mqtt.topics", t, err.Error())
		}
	}
	if c.QoS > 2 {
		return errors.NewValidationError("mqtt.qos", c.QoS, "must be 0, 1 or 2")
	}
	if c.BufferSize < 0 {
		return errors.NewValidationError("mqtt.buffer_size", c.BufferSize, "must not be negative")
	}
	return nil
}

func (c Config) topicFilters() map[string]byte {
	filters := make(map[string]byte, len(c.Topics))
	for _, t := range c.Topics {
		filters[string(t)] = c.QoS
	}
	return filters
}

func (c Config) topicNames() []string {
	names := make([]string, len(c.Topics))
	for i, t := range c.Topics {
		names[i] = string(t)
	}
	return names
}
