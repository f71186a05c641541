// Package upstream maintains the single broker connection the bridge reads
// from. It owns the subscription state and re-issues the subscription on every
// fresh connection, since a clean MQTT session does not keep it.
package upstream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentstation/utc"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentstation/sensorbridge/internal/matcher"
	"github.com/agentstation/sensorbridge/internal/metrics"
	"github.com/agentstation/sensorbridge/internal/telemetry"
	"github.com/agentstation/sensorbridge/pkg/errors"
)

// ClientFactory builds the MQTT client from prepared options.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// Option configures a Link.
type Option func(*Link)

// WithClientFactory replaces the paho client constructor.
func WithClientFactory(f ClientFactory) Option {
	return func(l *Link) {
		l.newClient = f
	}
}

// WithStateHook registers a hook called on every state transition.
func WithStateHook(h StateHook) Option {
	return func(l *Link) {
		l.hooks = append(l.hooks, h)
	}
}

// Link is the upstream broker connection. A Link is connected at most once;
// after Close a new Link is required.
type Link struct {
	cfg       Config
	logger    *zerolog.Logger
	newClient ClientFactory
	hooks     []StateHook

	mu      sync.Mutex
	client  mqtt.Client
	filters *matcher.MultiMatcher
	started bool

	state     atomic.Int32
	accepting atomic.Bool
	lastMsgAt atomic.Pointer[utc.Time]

	// sendMu guards out against close while a delivery is in flight.
	sendMu    sync.RWMutex
	out       chan telemetry.RawMessage
	outClosed bool
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a disconnected link.
func New(cfg Config, logger *zerolog.Logger, opts ...Option) *Link {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := &Link{
		cfg:       cfg,
		logger:    logger,
		newClient: mqtt.NewClient,
		out:       make(chan telemetry.RawMessage, cfg.BufferSize),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	metrics.UpstreamState.Set(float64(Disconnected))
	return l
}

// Connect dials the broker and returns the stream of raw messages for the
// configured topics. It blocks until the first connection is established or
// ctx ends; later connection loss is handled by the transport's own retry.
// The returned channel is closed by Close.
func (l *Link) Connect(ctx context.Context) (<-chan telemetry.RawMessage, error) {
	if err := l.cfg.Validate(); err != nil {
		return nil, err
	}
	filters, err := matcher.NewMultiMatcher(l.cfg.topicNames()...)
	if err != nil {
		return nil, errors.NewValidationError("mqtt.topics", l.cfg.Topics, err.Error())
	}

	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return nil, errors.ErrAlreadyConnected
	}
	l.started = true
	l.filters = filters
	l.client = l.newClient(l.clientOptions())
	client := l.client
	l.mu.Unlock()

	l.transition(Connecting)
	l.logger.Info().
		Str("broker", l.cfg.Broker).
		Strs("topics", l.cfg.topicNames()).
		Msg("Connecting to broker")

	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			connErr := errors.NewConnectionError(l.cfg.Broker, "connect", err)
			l.logger.Error().Err(connErr).Msg("Broker connection failed")
			l.Close()
			return nil, connErr
		}
	case <-ctx.Done():
		l.logger.Warn().Err(ctx.Err()).Msg("Broker connect abandoned")
		l.Close()
		return nil, fmt.Errorf("connecting to %s: %w", l.cfg.Broker, ctx.Err())
	}

	return l.out, nil
}

// Close disconnects from the broker, moves the link to Disconnected and
// closes the message stream. It is safe to call more than once.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.accepting.Store(false)

		l.mu.Lock()
		client := l.client
		l.mu.Unlock()
		if client != nil {
			client.Disconnect(250)
		}

		l.sendMu.Lock()
		l.outClosed = true
		close(l.out)
		l.sendMu.Unlock()

		l.transition(Disconnected)
		l.logger.Info().Str("broker", l.cfg.Broker).Msg("Broker link closed")
	})
}

// State returns the current link state.
func (l *Link) State() State {
	return State(l.state.Load())
}

// Broker returns the configured broker address.
func (l *Link) Broker() string {
	return l.cfg.Broker
}

// Topics returns the configured subscription set.
func (l *Link) Topics() []telemetry.Topic {
	return append([]telemetry.Topic(nil), l.cfg.Topics...)
}

// LastMessageAt returns when the last message was accepted, if any.
func (l *Link) LastMessageAt() (utc.Time, bool) {
	t := l.lastMsgAt.Load()
	if t == nil {
		return utc.Time{}, false
	}
	return *t, true
}

func (l *Link) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(l.cfg.Broker).
		SetClientID(clientID(l.cfg.ClientIDPrefix)).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(true).
		SetOnConnectHandler(l.onConnect).
		SetConnectionLostHandler(l.onConnectionLost).
		SetReconnectingHandler(l.onReconnecting)

	if l.cfg.KeepAlive > 0 {
		opts.SetKeepAlive(l.cfg.KeepAlive)
	}
	if l.cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(l.cfg.ConnectTimeout)
	}
	if l.cfg.ConnectRetryInterval > 0 {
		opts.SetConnectRetryInterval(l.cfg.ConnectRetryInterval)
	}
	if l.cfg.MaxReconnectInterval > 0 {
		opts.SetMaxReconnectInterval(l.cfg.MaxReconnectInterval)
	}
	if l.cfg.Username != "" {
		opts.SetUsername(l.cfg.Username)
		opts.SetPassword(l.cfg.Password)
	}
	return opts
}

func (l *Link) onConnect(c mqtt.Client) {
	if l.isClosed() {
		return
	}
	l.transition(Connected)
	l.subscribe(c)
}

func (l *Link) onConnectionLost(_ mqtt.Client, err error) {
	l.accepting.Store(false)
	l.logger.Warn().
		Err(errors.NewConnectionError(l.cfg.Broker, "receive", err)).
		Msg("Broker connection lost")
	if !l.isClosed() {
		l.transition(Reconnecting)
	}
}

func (l *Link) onReconnecting(_ mqtt.Client, _ *mqtt.ClientOptions) {
	if !l.isClosed() {
		l.transition(Reconnecting)
	}
}

// subscribe issues the subscription for the current connection. Failure is
// reported and left for the next connect; it is never retried here.
func (l *Link) subscribe(c mqtt.Client) {
	topics := l.cfg.topicNames()

	// Accept from here on: anything the broker routes to this handler now
	// belongs to the subscription issued below.
	l.accepting.Store(true)
	token := c.SubscribeMultiple(l.cfg.topicFilters(), l.handleMessage)

	timeout := l.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var err error
	switch {
	case !token.WaitTimeout(timeout):
		err = errors.ErrTimeout
	case token.Error() != nil:
		err = token.Error()
	default:
		err = rejectedTopics(token)
	}

	if err != nil {
		metrics.UpstreamSubscribeFailuresTotal.Inc()
		l.logger.Error().
			Err(errors.NewSubscribeError(topics, err)).
			Msg("Subscribe failed")
		return
	}

	l.logger.Info().
		Strs("topics", topics).
		Uint8("qos", l.cfg.QoS).
		Msg("Subscribed")
}

// rejectedTopics reports topics the broker refused in its SUBACK.
func rejectedTopics(token mqtt.Token) error {
	st, ok := token.(*mqtt.SubscribeToken)
	if !ok {
		return nil
	}
	for topic, code := range st.Result() {
		if code == 0x80 {
			return fmt.Errorf("broker rejected topic %q", topic)
		}
	}
	return nil
}

func (l *Link) handleMessage(_ mqtt.Client, m mqtt.Message) {
	if !l.accepting.Load() {
		metrics.UpstreamMessagesDroppedTotal.WithLabelValues("not_subscribed").Inc()
		l.logger.Debug().Str("topic", m.Topic()).Msg("Message dropped before resubscribe")
		return
	}
	filter, ok := l.subscribedTo(m.Topic())
	if !ok {
		metrics.UpstreamMessagesDroppedTotal.WithLabelValues("unexpected_topic").Inc()
		l.logger.Debug().Str("topic", m.Topic()).Msg("Message outside the subscription dropped")
		return
	}

	now := utc.Now()
	raw := telemetry.RawMessage{
		Topic:      telemetry.Topic(m.Topic()),
		Payload:    append([]byte(nil), m.Payload()...),
		ReceivedAt: now,
		Duplicate:  m.Duplicate(),
		Retained:   m.Retained(),
	}

	l.sendMu.RLock()
	defer l.sendMu.RUnlock()
	if l.outClosed {
		metrics.UpstreamMessagesDroppedTotal.WithLabelValues("closed").Inc()
		return
	}

	select {
	case l.out <- raw:
		l.lastMsgAt.Store(&now)
		metrics.UpstreamMessagesTotal.WithLabelValues(filter).Inc()
		l.logger.Debug().
			Str("topic", m.Topic()).
			Int("bytes", len(raw.Payload)).
			Msg("Message received")
	case <-l.done:
		metrics.UpstreamMessagesDroppedTotal.WithLabelValues("closed").Inc()
	}
}

// subscribedTo returns the configured filter topic falls under.
func (l *Link) subscribedTo(topic string) (string, bool) {
	l.mu.Lock()
	filters := l.filters
	l.mu.Unlock()
	if filters == nil {
		return "", false
	}
	return filters.Matching(topic)
}

func (l *Link) transition(to State) {
	from := State(l.state.Swap(int32(to)))
	if from == to {
		return
	}

	metrics.UpstreamState.Set(float64(to))
	metrics.UpstreamStateTransitionsTotal.WithLabelValues(to.String()).Inc()
	l.logger.Info().
		Str("from", from.String()).
		Str("state", to.String()).
		Msg("Upstream state changed")

	for _, hook := range l.hooks {
		l.runHook(hook, from, to)
	}
}

func (l *Link) runHook(hook StateHook, from, to State) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Interface("panic", r).Msg("State hook panicked")
		}
	}()
	hook(from, to)
}

func (l *Link) isClosed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// clientID mirrors the "<prefix>-<8 hex>" ids used by the dashboard backends.
func clientID(prefix string) string {
	suffix := uuid.NewString()[:8]
	if prefix == "" {
		return suffix
	}
	return prefix + "-" + suffix
}
