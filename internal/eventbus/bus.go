// Package eventbus routes engine lifecycle events (applies, publishes,
// connection changes, override edits) to subscribers such as the telemetry
// ledger, metrics and the status endpoint, decoupled from the engines' run
// loops through a bounded worker pool.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/roomsyncd/internal/contracts"
)

// EventType identifies what happened.
type EventType string

const (
	// EventApplied fires when the actuator drives a new desired state to
	// its output.
	EventApplied EventType = "applied"
	// EventPublished fires when the publisher writes a new desired state
	// to the shared store.
	EventPublished EventType = "published"
	// EventStaleDropped fires when a delivered entry loses the version
	// comparison and is discarded.
	EventStaleDropped EventType = "stale_dropped"
	// EventConnection fires on session connect/disconnect transitions.
	EventConnection EventType = "connection"
	// EventOverride fires when the manual override input changes.
	EventOverride EventType = "override"
	// EventDecodeError fires when a stream payload fails to decode and is
	// skipped.
	EventDecodeError EventType = "decode_error"
)

const (
	DefaultWorkerCount = 2
	DefaultQueueSize   = 64
)

// Event carries one engine occurrence. Fields beyond Type and Time are
// populated per event type.
type Event struct {
	Type   EventType
	Time   time.Time
	Role   string            // "actuator" or "publisher"
	RoomID string
	State  contracts.Desired // for applied/published/stale_dropped
	Up     bool              // for connection events
	Detail string            // free-form: error text, cursor id, source
}

// Handler consumes events. Handlers run on the bus worker pool and must not
// block for long.
type Handler func(Event)

type work struct {
	event   Event
	handler Handler
}

// Bus fans events out to subscribers through a bounded queue. Publishing
// never blocks an engine: when the queue is full the event is dropped with
// a warning.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler

	workQueue chan work
	wg        sync.WaitGroup

	closing   chan struct{}
	closeOnce sync.Once
}

// New creates a bus with default worker and queue sizing.
func New() *Bus {
	return NewWithConfig(DefaultWorkerCount, DefaultQueueSize)
}

// NewWithConfig creates a bus with explicit worker count and queue size.
func NewWithConfig(workerCount, queueSize int) *Bus {
	b := &Bus{
		handlers:  make(map[EventType][]Handler),
		workQueue: make(chan work, queueSize),
		closing:   make(chan struct{}),
	}
	for i := 0; i < workerCount; i++ {
		b.wg.Add(1)
		go b.worker(i)
	}
	return b
}

func (b *Bus) worker(id int) {
	defer b.wg.Done()
	for w := range b.workQueue {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Str("event_type", string(w.event.Type)).
						Int("worker", id).
						Msg("Event handler panicked")
				}
			}()
			w.handler(w.event)
		}()
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll registers a handler for every currently known event type.
func (b *Bus) SubscribeAll(handler Handler) {
	for _, t := range []EventType{
		EventApplied, EventPublished, EventStaleDropped,
		EventConnection, EventOverride, EventDecodeError,
	} {
		b.Subscribe(t, handler)
	}
}

// Publish fans the event out to its subscribers. Non-blocking; stamps the
// event time when unset.
func (b *Bus) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.RLock()
	handlers := b.handlers[event.Type]
	b.mu.RUnlock()

	for _, handler := range handlers {
		select {
		case <-b.closing:
			log.Warn().Str("event_type", string(event.Type)).Msg("Event bus closing, dropping event")
			return
		case b.workQueue <- work{event: event, handler: handler}:
		default:
			log.Warn().Str("event_type", string(event.Type)).Msg("Event bus queue full, dropping event")
		}
	}
}

// Close drains the worker pool, waiting up to the context deadline.
func (b *Bus) Close(ctx context.Context) {
	b.closeOnce.Do(func() {
		close(b.closing)
	})
	close(b.workQueue)

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("Event bus shutdown timed out, some events may be lost")
	}
}
