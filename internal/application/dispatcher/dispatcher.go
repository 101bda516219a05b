// Package dispatcher fans committed approval events out to subscribers.
// Delivery is fire-and-forget: the engine never waits on a subscriber.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/garyjia/doc-approval/internal/domain/event"
)

// DefaultQueueSize bounds undelivered events per subscriber
const DefaultQueueSize = 256

// ErrClosed is returned by Close on an already closed dispatcher
var ErrClosed = errors.New("dispatcher is closed")

// Dispatcher routes events to subscribers
type Dispatcher interface {
	// Subscribe registers handler for the given event types, or for every
	// type when none are given
	Subscribe(name string, handler Handler, types ...event.Type)

	// DispatchAsync queues evt for every interested subscriber and returns.
	// A subscriber whose queue is full misses the event.
	DispatchAsync(ctx context.Context, evt *event.Event)

	// Stats reports delivery counters
	Stats() Stats

	// Close stops accepting events and waits for queued ones to be handled
	Close() error
}

// Logger interface for minimal logging dependency
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

type eventDispatcher struct {
	mu        sync.RWMutex
	subs      []*subscription
	closed    bool
	queueSize int
	logger    Logger

	wg        sync.WaitGroup
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// Option configures the dispatcher
type Option func(*eventDispatcher)

// WithLogger sets a logger for the dispatcher
func WithLogger(logger Logger) Option {
	return func(d *eventDispatcher) {
		d.logger = logger
	}
}

// WithQueueSize sets the per-subscriber queue bound. Non-positive keeps the default.
func WithQueueSize(n int) Option {
	return func(d *eventDispatcher) {
		if n > 0 {
			d.queueSize = n
		}
	}
}

// NewDispatcher creates a new event dispatcher
func NewDispatcher(opts ...Option) Dispatcher {
	d := &eventDispatcher{queueSize: DefaultQueueSize}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Subscribe implements Dispatcher
func (d *eventDispatcher) Subscribe(name string, handler Handler, types ...event.Type) {
	sub := &subscription{
		name:    name,
		handler: handler,
		queue:   make(chan delivery, d.queueSize),
	}
	if len(types) > 0 {
		sub.types = make(map[event.Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.logError("Subscribe after close ignored", "subscriber", name)
		return
	}
	d.subs = append(d.subs, sub)
	d.wg.Add(1)
	go d.drain(sub)

	d.logInfo("Subscriber registered", "subscriber", name, "types", len(types))
}

// DispatchAsync implements Dispatcher. The caller's cancellation does not
// reach handlers: a notification outlives the request that caused it.
func (d *eventDispatcher) DispatchAsync(ctx context.Context, evt *event.Event) {
	ctx = context.WithoutCancel(ctx)

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.dropped.Add(1)
		d.logError("Event dropped, dispatcher is closed",
			"event_type", evt.Type,
			"event_id", evt.ID,
			"request_id", evt.RequestID)
		return
	}

	for _, sub := range d.subs {
		if !sub.wants(evt.Type) {
			continue
		}
		select {
		case sub.queue <- delivery{ctx: ctx, evt: evt}:
		default:
			d.dropped.Add(1)
			d.logError("Event dropped, subscriber queue full",
				"subscriber", sub.name,
				"event_type", evt.Type,
				"event_id", evt.ID,
				"request_id", evt.RequestID)
		}
	}
}

func (d *eventDispatcher) drain(sub *subscription) {
	defer d.wg.Done()
	for item := range sub.queue {
		if err := d.handle(sub, item); err != nil {
			d.failed.Add(1)
			d.logError("Subscriber failed",
				"subscriber", sub.name,
				"event_type", item.evt.Type,
				"event_id", item.evt.ID,
				"request_id", item.evt.RequestID,
				"error", err)
			continue
		}
		d.delivered.Add(1)
	}
}

// handle runs the subscriber, turning a panic into an error
func (d *eventDispatcher) handle(sub *subscription, item delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(item.ctx, item.evt)
}

// Stats implements Dispatcher
func (d *eventDispatcher) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	st := Stats{
		Subscribers: len(d.subs),
		Delivered:   d.delivered.Load(),
		Failed:      d.failed.Load(),
		Dropped:     d.dropped.Load(),
		Closed:      d.closed,
	}
	for _, sub := range d.subs {
		st.Queued += len(sub.queue)
	}
	return st
}

// Close implements Dispatcher
func (d *eventDispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.closed = true
	for _, sub := range d.subs {
		close(sub.queue)
	}
	d.mu.Unlock()

	d.logInfo("Closing dispatcher, draining queued events")
	d.wg.Wait()
	d.logInfo("Dispatcher closed",
		"delivered", d.delivered.Load(),
		"failed", d.failed.Load(),
		"dropped", d.dropped.Load())
	return nil
}

func (d *eventDispatcher) logInfo(msg string, kv ...interface{}) {
	if d.logger != nil {
		d.logger.Info(msg, kv...)
	}
}

func (d *eventDispatcher) logError(msg string, kv ...interface{}) {
	if d.logger != nil {
		d.logger.Error(msg, kv...)
	}
}
