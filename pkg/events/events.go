package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/hangar/pkg/log"
	"github.com/cuemby/hangar/pkg/metrics"
)

// Event is one emitted payload with its identity
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Payload   Payload
}

// Handler reacts to one event type
type Handler func(ctx context.Context, event *Event) error

// Subscriber is a channel that receives a copy of every event
type Subscriber chan *Event

// Dispatch tracks the first handler run for an emitted event
type Dispatch struct {
	Event *Event
	done  chan struct{}
	err   error
}

func completedDispatch(event *Event) *Dispatch {
	d := &Dispatch{Event: event, done: make(chan struct{})}
	close(d.done)
	return d
}

// Done is closed once the first handler returns
func (d *Dispatch) Done() <-chan struct{} {
	return d.done
}

// Wait blocks until the first handler returns or ctx ends
func (d *Dispatch) Wait(ctx context.Context) error {
	select {
	case <-d.done:
		return d.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Bus routes typed payloads to their handlers. Each handler runs on its
// own goroutine; Emit never blocks on handler work.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	watchers map[Subscriber]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewBus creates an event bus. Handler contexts are cancelled by Close.
func NewBus() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		handlers: make(map[EventType][]Handler),
		watchers: make(map[Subscriber]bool),
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.WithComponent("events"),
	}
}

// Subscribe registers a handler for an event type
func (b *Bus) Subscribe(eventType EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// HandlerCount returns the number of handlers for an event type
func (b *Bus) HandlerCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}

// Emit schedules every handler registered for the payload's type and
// returns the dispatch of the first one. With no handler the returned
// dispatch is already complete.
func (b *Bus) Emit(p Payload) *Dispatch {
	event := &Event{
		ID:        uuid.New().String(),
		Type:      p.EventType(),
		Timestamp: time.Now(),
		Payload:   p,
	}
	metrics.EventsEmitted.WithLabelValues(string(event.Type)).Inc()

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[event.Type]...)
	b.broadcast(event)
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.logger.Debug().Str("event", string(event.Type)).Msg("No handler registered")
		return completedDispatch(event)
	}

	first := &Dispatch{Event: event, done: make(chan struct{})}
	for i, h := range handlers {
		var d *Dispatch
		if i == 0 {
			d = first
		}
		b.wg.Add(1)
		go b.run(event, h, d)
	}
	return first
}

func (b *Bus) run(event *Event, h Handler, d *Dispatch) {
	defer b.wg.Done()

	timer := metrics.NewTimer()
	err := b.invoke(event, h)
	timer.ObserveDurationVec(metrics.EventHandlerDuration, string(event.Type))

	if err != nil {
		metrics.EventHandlerErrors.WithLabelValues(string(event.Type)).Inc()
		b.logger.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Event handler failed")
	}
	if d != nil {
		d.err = err
		close(d.done)
	}
}

func (b *Bus) invoke(event *Event, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(b.ctx, event)
}

// Wait blocks until every scheduled handler has returned
func (b *Bus) Wait() {
	b.wg.Wait()
}

// Close cancels the context handed to running handlers and waits for them
func (b *Bus) Close() {
	b.cancel()
	b.wg.Wait()
}

// Watch returns a channel that receives every emitted event
func (b *Bus) Watch() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.watchers[sub] = true
	return sub
}

// Unwatch removes a watcher and closes its channel
func (b *Bus) Unwatch(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.watchers[sub] {
		delete(b.watchers, sub)
		close(sub)
	}
}

// WatcherCount returns the number of active watchers
func (b *Bus) WatcherCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.watchers)
}

// broadcast must be called with b.mu held
func (b *Bus) broadcast(event *Event) {
	for sub := range b.watchers {
		select {
		case sub <- event:
		default:
			// Watcher buffer full, skip
		}
	}
}
