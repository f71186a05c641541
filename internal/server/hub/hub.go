// Package hub fans normalized events out to the current set of downstream
// subscribers.
//
// The hub is an actor: a single goroutine started by Run owns the subscriber
// set and processes register, unregister and broadcast commands in the order
// they were submitted. Every subscriber gets a bounded queue and its own writer
// goroutine, so a slow or stuck subscriber never delays the others.
package hub

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/agentstation/sensorbridge/internal/metrics"
	"github.com/agentstation/sensorbridge/internal/telemetry"
	"github.com/agentstation/sensorbridge/pkg/errors"
)

// Subscriber is a downstream consumer of events.
// Implementations adapt events to a specific transport (WebSocket, SSE).
type Subscriber interface {
	// ID returns a stable identifier, unique within the hub.
	ID() string

	// Send delivers one event. It is only ever called from the subscriber's
	// writer goroutine, so calls are sequential. An error unregisters the
	// subscriber.
	Send(telemetry.Event) error

	// Close releases the subscriber's connection. The hub calls it once.
	Close() error
}

// commandBuffer bounds how many commands can be queued ahead of Run.
const commandBuffer = 256

type commandKind int

const (
	cmdRegister commandKind = iota
	cmdUnregister
	cmdBroadcast
	cmdDeliver
	cmdEvict
)

type command struct {
	kind   commandKind
	sub    Subscriber
	id     string
	event  telemetry.Event
	member *member
	err    error
}

// Hub distributes events to registered subscribers.
type Hub struct {
	cfg    Config
	logger *zerolog.Logger

	commands chan command
	stopping chan struct{}
	done     chan struct{}
	runOnce  sync.Once

	// mu orders senders against shutdown; stopped is set once Run has
	// stopped reading commands.
	mu      sync.RWMutex
	stopped bool

	count atomic.Int64

	// claimed maps each ID taken by Register to its subscriber until the
	// member is removed.
	claimMu sync.Mutex
	claimed map[string]Subscriber

	// members is owned by the Run goroutine.
	members map[string]*member
}

// New creates a hub. Call Run to start processing.
func New(cfg Config, logger *zerolog.Logger) *Hub {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.Overflow == "" {
		cfg.Overflow = DropNewest
	}
	return &Hub{
		cfg:      cfg,
		logger:   logger,
		commands: make(chan command, commandBuffer),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
		claimed:  make(map[string]Subscriber),
		members:  make(map[string]*member),
	}
}

// Run processes commands until ctx is cancelled. On return every member has
// been closed and further calls fail with ErrHubStopped. Run must be called
// once.
func (h *Hub) Run(ctx context.Context) {
	started := false
	h.runOnce.Do(func() { started = true })
	if !started {
		h.logger.Warn().Msg("Hub already running")
		return
	}
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case cmd := <-h.commands:
			h.handle(cmd)
		}
	}
}

// Done is closed once the hub has shut down.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Register adds a subscriber. Registering the same subscriber again is a
// no-op; registering a different subscriber under an ID that is in use fails
// with ErrDuplicateSubscriber. Events broadcast after Register returns reach
// the subscriber; events broadcast earlier never do.
func (h *Hub) Register(sub Subscriber) error {
	id := sub.ID()
	h.claimMu.Lock()
	if existing, ok := h.claimed[id]; ok && existing != sub {
		h.claimMu.Unlock()
		h.logger.Warn().Str("subscriber_id", id).Msg("Duplicate subscriber id rejected")
		return errors.ErrDuplicateSubscriber
	}
	h.claimed[id] = sub
	h.claimMu.Unlock()

	if err := h.submit(command{kind: cmdRegister, sub: sub, id: id}); err != nil {
		h.claimMu.Lock()
		if h.claimed[id] == sub {
			delete(h.claimed, id)
		}
		h.claimMu.Unlock()
		return err
	}
	return nil
}

// Unregister removes a subscriber and closes it. Unknown or already removed
// IDs are ignored.
func (h *Hub) Unregister(id string) {
	_ = h.submit(command{kind: cmdUnregister, id: id})
}

// Broadcast queues ev for every current member. It never waits on a
// subscriber.
func (h *Hub) Broadcast(ev telemetry.Event) error {
	return h.submit(command{kind: cmdBroadcast, event: ev})
}

// Deliver queues ev for a single member, if it is still registered.
func (h *Hub) Deliver(id string, ev telemetry.Event) error {
	return h.submit(command{kind: cmdDeliver, id: id, event: ev})
}

// Count returns the number of registered subscribers.
func (h *Hub) Count() int {
	return int(h.count.Load())
}

func (h *Hub) submit(cmd command) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return errors.ErrHubStopped
	}
	select {
	case h.commands <- cmd:
		return nil
	case <-h.stopping:
		return errors.ErrHubStopped
	}
}

func (h *Hub) handle(cmd command) {
	switch cmd.kind {
	case cmdRegister:
		h.register(cmd.sub)
	case cmdUnregister:
		if m, ok := h.members[cmd.id]; ok {
			h.remove(m)
			h.logger.Info().
				Str("subscriber_id", cmd.id).
				Int("total_subscribers", len(h.members)).
				Msg("Subscriber unregistered")
		}
	case cmdBroadcast:
		metrics.HubEventsBroadcastTotal.Inc()
		for _, m := range h.members {
			h.enqueue(m, cmd.event)
		}
		h.logger.Debug().
			Str("topic", cmd.event.Topic.String()).
			Int("subscribers", len(h.members)).
			Msg("Event broadcasted")
	case cmdDeliver:
		if m, ok := h.members[cmd.id]; ok {
			h.enqueue(m, cmd.event)
		}
	case cmdEvict:
		// The writer may belong to a member that was already replaced or removed.
		if m, ok := h.members[cmd.id]; ok && m == cmd.member {
			metrics.HubDeliveryFailuresTotal.Inc()
			h.remove(m)
			// A subscriber that closed on its own is an ordinary departure.
			level := zerolog.WarnLevel
			if errors.IsClosed(cmd.err) {
				level = zerolog.DebugLevel
			}
			h.logger.WithLevel(level).
				Err(errors.NewDeliveryError(cmd.id, cmd.err)).
				Int("total_subscribers", len(h.members)).
				Msg("Subscriber evicted")
		}
	}
}

func (h *Hub) register(sub Subscriber) {
	id := sub.ID()
	if _, ok := h.members[id]; ok {
		return
	}

	// An earlier Unregister of the same subscriber may have released the claim.
	h.claimMu.Lock()
	h.claimed[id] = sub
	h.claimMu.Unlock()

	m := newMember(sub, h.cfg.QueueSize)
	h.members[id] = m
	h.count.Store(int64(len(h.members)))
	metrics.HubSubscribers.Set(float64(len(h.members)))
	go h.write(m)

	h.logger.Info().
		Str("subscriber_id", id).
		Int("total_subscribers", len(h.members)).
		Msg("Subscriber registered")
}

func (h *Hub) remove(m *member) {
	id := m.sub.ID()
	h.claimMu.Lock()
	if h.claimed[id] == m.sub {
		delete(h.claimed, id)
	}
	h.claimMu.Unlock()

	delete(h.members, id)
	h.count.Store(int64(len(h.members)))
	metrics.HubSubscribers.Set(float64(len(h.members)))
	m.close(h.logger)
}

// enqueue applies the overflow policy when m's queue is full.
func (h *Hub) enqueue(m *member, ev telemetry.Event) {
	if m.offer(ev) {
		return
	}

	metrics.HubEventsDroppedTotal.WithLabelValues(h.cfg.Overflow.String()).Inc()
	switch h.cfg.Overflow {
	case DropOldest:
		m.replaceOldest(ev)
		h.logger.Debug().Str("subscriber_id", m.sub.ID()).Msg("Queue full, oldest event dropped")
	case Disconnect:
		h.remove(m)
		h.logger.Warn().
			Err(errors.NewDeliveryError(m.sub.ID(), errors.ErrQueueFull)).
			Int("total_subscribers", len(h.members)).
			Msg("Subscriber evicted")
	default:
		h.logger.Debug().Str("subscriber_id", m.sub.ID()).Msg("Queue full, event dropped")
	}
}

// write drains m's queue into the subscriber until m is removed or a send
// fails.
func (h *Hub) write(m *member) {
	for {
		select {
		case <-m.stop:
			return
		case ev := <-m.queue:
			if err := m.sub.Send(ev); err != nil {
				select {
				case <-m.stop:
				default:
					_ = h.submit(command{kind: cmdEvict, id: m.sub.ID(), member: m, err: err})
				}
				return
			}
		}
	}
}

func (h *Hub) shutdown() {
	close(h.stopping)

	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()

	// Nothing can be submitted from here on; close what was left queued.
drain:
	for {
		select {
		case cmd := <-h.commands:
			if cmd.kind == cmdRegister {
				if _, ok := h.members[cmd.id]; !ok {
					_ = cmd.sub.Close()
				}
			}
		default:
			break drain
		}
	}

	n := len(h.members)
	for _, m := range h.members {
		h.remove(m)
	}
	h.logger.Info().Int("closed_subscribers", n).Msg("Hub shut down")
}
