package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultQueueSize is the number of events buffered per subscriber.
const DefaultQueueSize = 256

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, event Event) error

// EventBus fans events out to named subscribers. Each subscriber name owns
// one queue and one goroutine, so a subscriber sees events in the order
// they were emitted, across every type it subscribed to. Emit never
// blocks: events for a full queue are dropped and counted.
type EventBus struct {
	mu        sync.RWMutex
	workers   map[string]*worker
	byType    map[EventType][]*worker
	queueSize int
	stopCh    chan struct{}
	stopped   bool
	wg        sync.WaitGroup
	dropped   atomic.Uint64
}

type worker struct {
	name     string
	queue    chan delivery
	handlers map[EventType]HandlerFunc
}

type delivery struct {
	ctx     context.Context
	event   Event
	handler HandlerFunc
	// result is nil for asynchronous deliveries.
	result chan error
}

// NewEventBus creates a bus with DefaultQueueSize per subscriber.
func NewEventBus() *EventBus {
	return NewEventBusWithQueue(DefaultQueueSize)
}

// NewEventBusWithQueue creates a bus buffering size events per subscriber.
func NewEventBusWithQueue(size int) *EventBus {
	if size < 1 {
		size = 1
	}
	return &EventBus{
		workers:   make(map[string]*worker),
		byType:    make(map[EventType][]*worker),
		queueSize: size,
		stopCh:    make(chan struct{}),
	}
}

// Subscribe registers handler as name's handler for eventType, replacing
// any previous one.
func (eb *EventBus) Subscribe(eventType EventType, name string, handler HandlerFunc) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.stopped {
		return
	}

	w, ok := eb.workers[name]
	if !ok {
		w = &worker{
			name:     name,
			queue:    make(chan delivery, eb.queueSize),
			handlers: make(map[EventType]HandlerFunc),
		}
		eb.workers[name] = w
		eb.wg.Add(1)
		go eb.run(w)
	}
	if _, exists := w.handlers[eventType]; !exists {
		eb.byType[eventType] = append(eb.byType[eventType], w)
	}
	w.handlers[eventType] = handler

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("subscribed to event")
}

// Unsubscribe removes name's handler for eventType.
func (eb *EventBus) Unsubscribe(eventType EventType, name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	w, ok := eb.workers[name]
	if !ok {
		return
	}
	delete(w.handlers, eventType)

	list := eb.byType[eventType]
	filtered := make([]*worker, 0, len(list))
	for _, other := range list {
		if other != w {
			filtered = append(filtered, other)
		}
	}
	eb.byType[eventType] = filtered

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("unsubscribed from event")
}

// Emit queues event for every subscriber of its type without waiting.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.stopped {
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	for _, w := range eb.byType[event.Type] {
		select {
		case w.queue <- delivery{ctx: ctx, event: event, handler: w.handlers[event.Type]}:
		default:
			eb.dropped.Add(1)
			log.Warn().
				Str("event", string(event.Type)).
				Str("handler", w.name).
				Msg("subscriber queue full, event dropped")
		}
	}
}

// EmitSync queues event behind anything already queued for each subscriber
// and waits until every handler ran. It returns the first handler error in
// subscription order.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	eb.mu.RLock()
	if eb.stopped {
		eb.mu.RUnlock()
		return nil
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	results := make([]chan error, 0, len(eb.byType[event.Type]))
	for _, w := range eb.byType[event.Type] {
		res := make(chan error, 1)
		select {
		case w.queue <- delivery{ctx: ctx, event: event, handler: w.handlers[event.Type], result: res}:
			results = append(results, res)
		case <-ctx.Done():
			eb.mu.RUnlock()
			return ctx.Err()
		}
	}
	eb.mu.RUnlock()

	var firstErr error
	for _, res := range results {
		select {
		case err := <-res:
			if err != nil && firstErr == nil {
				firstErr = err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return firstErr
}

func (eb *EventBus) run(w *worker) {
	defer eb.wg.Done()
	for d := range w.queue {
		err := deliver(w.name, d)
		if d.result != nil {
			d.result <- err
		}
	}
}

func deliver(name string, d delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(d.event.Type)).
				Str("handler", name).
				Interface("panic", r).
				Msg("handler panicked")
			err = fmt.Errorf("handler %s panicked: %v", name, r)
		}
	}()

	if err = d.handler(d.ctx, d.event); err != nil {
		log.Error().
			Err(err).
			Str("event", string(d.event.Type)).
			Str("handler", name).
			Msg("handler returned error")
	}
	return err
}

// Stop rejects new events, lets every subscriber drain its queue and waits
// for them to finish.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		return
	}
	eb.stopped = true
	close(eb.stopCh)
	for _, w := range eb.workers {
		close(w.queue)
	}
	eb.mu.Unlock()

	eb.wg.Wait()
	log.Info().Uint64("dropped", eb.dropped.Load()).Msg("event bus stopped")
}

// StopCh returns a channel that is closed when the EventBus is stopped.
func (eb *EventBus) StopCh() <-chan struct{} {
	return eb.stopCh
}

// HandlerCount returns the number of handlers registered for a specific event type.
func (eb *EventBus) HandlerCount(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.byType[eventType])
}

// Dropped returns the number of events dropped on full queues.
func (eb *EventBus) Dropped() uint64 {
	return eb.dropped.Load()
}
