package event

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/victornm/livequiz/internal/telemetry"
)

const (
	defaultPoolSize  = 1000
	defaultQueueSize = 10000
	defaultTimeout   = 30 * time.Second
)

type Event interface {
	Name() string
}

type Handler func(ctx context.Context, e Event) error

type subscription struct {
	handler Handler
	pool    chan struct{}
	queue   chan queued
}

type queued struct {
	ctx context.Context
	e   Event
}

// Bus is an in-memory event bus. Handlers run asynchronously, each subscription with its own queue and
// concurrency limit so a slow handler cannot starve the others or hold up publishers.
type Bus struct {
	poolSize  int
	queueSize int
	timeout   time.Duration

	wg       *sync.WaitGroup
	mu       sync.RWMutex
	handlers map[string][]*subscription

	stopped  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
}

type Option func(*Bus)

// WithPoolSize limits how many invocations of one handler may run at once.
func WithPoolSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.poolSize = n
		}
	}
}

// WithQueueSize bounds how many events may wait for one handler. Events beyond it are dropped.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// NewBus create a new event bus. Caller should call Stop for graceful shutdown the bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		poolSize:  defaultPoolSize,
		queueSize: defaultQueueSize,
		timeout:   defaultTimeout,
		wg:        new(sync.WaitGroup),
		handlers:  make(map[string][]*subscription),
		done:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Subscribe to an event
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &subscription{
		handler: h,
		pool:    make(chan struct{}, b.poolSize),
		queue:   make(chan queued, b.queueSize),
	}
	b.handlers[name] = append(b.handlers[name], s)

	go b.forward(s)
}

// Publish an event. Publish never blocks: an event that does not fit in a subscriber's queue is dropped
// for that subscriber.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if b.stopped.Load() {
		slog.DebugContext(ctx, "event: bus stopped, event ignored", "event", e.Name())
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.handlers[e.Name()] {
		b.wg.Add(1)
		select {
		case s.queue <- queued{ctx: ctx, e: e}:
		default:
			b.wg.Done()
			telemetry.EventDropped(e.Name())
			slog.WarnContext(ctx, "event: subscriber queue full, event dropped", "event", e.Name())
		}
	}
}

// forward hands queued events to the subscription's handler, at most poolSize at a time.
func (b *Bus) forward(s *subscription) {
	for {
		select {
		case <-b.done:
			return
		case q := <-s.queue:
			s.pool <- struct{}{}
			go b.run(s, q)
		}
	}
}

func (b *Bus) run(s *subscription, q queued) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(q.ctx), b.timeout)
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "event: handler panic",
				"event", q.e.Name(),
				"error", fmt.Errorf("%v, stack: %s", r, debug.Stack()),
			)
		}

		cancel()
		<-s.pool
		b.wg.Done()
	}()

	if err := s.handler(ctx, q.e); err != nil {
		slog.ErrorContext(ctx, "event: handle event failed",
			"event", q.e.Name(),
			"error", err,
		)
	}
}

// Stop waits for queued events to be handled, then releases the bus. Later events are ignored.
func (b *Bus) Stop() {
	b.stopped.Store(true)
	b.wg.Wait()
	b.stopOnce.Do(func() { close(b.done) })
}
