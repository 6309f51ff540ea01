package event

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/taskd/internal/logging"
	"github.com/dshills/taskd/internal/task"
)

// DefaultQueueSize is the per-subscription queue capacity.
const DefaultQueueSize = 1024

// Envelope carries a published payload.
type Envelope struct {
	// Topic is the topic the payload was published on.
	Topic Topic

	// Payload is the published value.
	Payload any

	// Time is when the payload was published.
	Time time.Time

	ctx context.Context
}

// Handler handles delivered events.
type Handler func(ctx context.Context, env Envelope)

// Stats contains bus statistics.
type Stats struct {
	Subscriptions int
	Published     uint64
	Delivered     uint64
	Dropped       uint64
	Panics        uint64
}

// Bus is a topic-based publish/subscribe bus.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	next   uint64
	closed bool
	wg     sync.WaitGroup

	queueSize int
	logger    *logging.Logger

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	panics    atomic.Uint64
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize sets the per-subscription queue capacity.
func WithQueueSize(size int) Option {
	return func(b *Bus) {
		if size > 0 {
			b.queueSize = size
		}
	}
}

// WithLogger sets the logger used for handler panics.
func WithLogger(l *logging.Logger) Option {
	return func(b *Bus) {
		b.logger = l
	}
}

// NewBus creates a running bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:      make(map[uint64]*Subscription),
		queueSize: DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = logging.Null()
	}
	return b
}

// Subscription is an active subscription.
type Subscription struct {
	id      uint64
	pattern Topic
	handler Handler
	queue   chan Envelope
	bus     *Bus
	once    sync.Once
}

// Pattern returns the subscribed topic pattern.
func (s *Subscription) Pattern() Topic {
	return s.pattern
}

// Unsubscribe stops delivery. Queued events are still delivered.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	s.once.Do(func() {
		delete(s.bus.subs, s.id)
		close(s.queue)
	})
}

// Subscribe delivers events whose topic matches pattern to h, one at a
// time and in publish order.
func (b *Bus) Subscribe(pattern Topic, h Handler) (*Subscription, error) {
	if h == nil {
		return nil, ErrNilHandler
	}
	if !pattern.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTopic, pattern)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	b.next++
	s := &Subscription{
		id:      b.next,
		pattern: pattern,
		handler: h,
		queue:   make(chan Envelope, b.queueSize),
		bus:     b,
	}
	b.subs[s.id] = s

	b.wg.Add(1)
	go b.drain(s)
	return s, nil
}

func (b *Bus) drain(s *Subscription) {
	defer b.wg.Done()
	for env := range s.queue {
		b.deliver(s, env)
	}
}

func (b *Bus) deliver(s *Subscription, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			b.logger.Error("event handler for %s panicked on %s: %v\n%s", s.pattern, env.Topic, r, debug.Stack())
		}
	}()
	s.handler(env.ctx, env)
	b.delivered.Add(1)
}

// Publish delivers payload to every subscription matching topic. It blocks
// while a matching queue is full, until ctx is done.
func (b *Bus) Publish(ctx context.Context, topic Topic, payload any) error {
	if !topic.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	env := Envelope{
		Topic:   topic,
		Payload: payload,
		Time:    time.Now(),
		ctx:     context.WithoutCancel(ctx),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	b.published.Add(1)

	var errs []error
	for _, s := range b.subs {
		if !topic.Matches(s.pattern) {
			continue
		}
		select {
		case s.queue <- env:
		case <-ctx.Done():
			b.dropped.Add(1)
			errs = append(errs, fmt.Errorf("%w: %s", ErrQueueFull, s.pattern))
		}
	}
	return errors.Join(errs...)
}

// PublishRun publishes a run lifecycle event on its run topic.
func (b *Bus) PublishRun(ctx context.Context, ev task.Event) error {
	return b.Publish(ctx, RunTopic(ev.Kind), ev)
}

// Close stops accepting events and waits until queued events are
// delivered or ctx is done.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, s := range b.subs {
		s.closeLocked()
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns bus statistics.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Stats{
		Subscriptions: n,
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		Dropped:       b.dropped.Load(),
		Panics:        b.panics.Load(),
	}
}
