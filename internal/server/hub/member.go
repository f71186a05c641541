package hub

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/agentstation/sensorbridge/internal/telemetry"
)

// member is a registered subscriber with its outbound queue. The queue is
// written only by the hub goroutine and read only by the member's writer.
type member struct {
	sub       Subscriber
	queue     chan telemetry.Event
	stop      chan struct{}
	closeOnce sync.Once
}

func newMember(sub Subscriber, size int) *member {
	return &member{
		sub:   sub,
		queue: make(chan telemetry.Event, size),
		stop:  make(chan struct{}),
	}
}

// offer queues ev if there is room.
func (m *member) offer(ev telemetry.Event) bool {
	select {
	case m.queue <- ev:
		return true
	default:
		return false
	}
}

// replaceOldest discards the head of the queue and appends ev. The writer may
// take the head first, in which case nothing is discarded.
func (m *member) replaceOldest(ev telemetry.Event) {
	select {
	case <-m.queue:
	default:
	}
	m.offer(ev)
}

// close stops the writer and closes the subscriber off the hub goroutine.
func (m *member) close(logger *zerolog.Logger) {
	m.closeOnce.Do(func() {
		close(m.stop)
		go func() {
			if err := m.sub.Close(); err != nil {
				logger.Debug().Err(err).Str("subscriber_id", m.sub.ID()).Msg("Subscriber close failed")
			}
		}()
	})
}
