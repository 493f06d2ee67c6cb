// Package bus implements the topic-based publish/subscribe fabric used
// to fan out domain events (peer messages, task assignments, decision
// graph changes, escalations) to every interested agent and manager
// component.
//
// Unlike a request/response call, Publish never blocks on a slow or
// wedged subscriber: delivery is best-effort and a subscriber that
// falls behind has events dropped for it rather than stalling the
// publisher. Events from a single Publish call to a single subscriber
// are always delivered in the order they were published; no ordering
// guarantee holds across different publishers or different
// subscribers.
package bus

import (
	"context"
	"sync"

	"github.com/treetopdevs/loom/internal/telemetry"
)

// Event is one message flowing through the bus.
type Event struct {
	Topic   string
	Payload any
}

// Handler processes one delivered event. Handlers run on the bus's own
// per-subscriber goroutine, never on the publisher's goroutine; a
// handler that blocks only delays delivery to that one subscriber.
type Handler func(ctx context.Context, evt Event)

// Subscription represents one registration on the Bus. Close stops
// delivery and releases the subscriber's goroutine; it is idempotent.
type Subscription interface {
	Close()
}

// Bus is the topic-based async pub/sub fabric (spec.md §4.1).
type Bus interface {
	// Publish fans evt out to every subscriber currently registered on
	// topic. Publish never blocks on subscriber processing and never
	// returns an error: a full subscriber queue means that subscriber
	// misses the event, not that publishing failed.
	Publish(ctx context.Context, topic string, payload any)

	// Subscribe registers handler to receive every event published on
	// topic from this point forward.
	Subscribe(topic string, handler Handler) Subscription

	// Close stops every subscriber goroutine. The Bus is unusable
	// after Close.
	Close()
}

const defaultQueueDepth = 64

type bus struct {
	mu       sync.RWMutex
	subs     map[string]map[*subscription]struct{}
	log      telemetry.Logger
	metrics  telemetry.Metrics
	queueCap int
	closed   bool
}

// Option configures a Bus constructed by New.
type Option func(*bus)

// WithQueueDepth overrides the default per-subscriber buffer depth.
func WithQueueDepth(n int) Option {
	return func(b *bus) {
		if n > 0 {
			b.queueCap = n
		}
	}
}

// WithTelemetry attaches a logger and metrics sink used to report
// dropped events.
func WithTelemetry(log telemetry.Logger, metrics telemetry.Metrics) Option {
	return func(b *bus) {
		if log != nil {
			b.log = log
		}
		if metrics != nil {
			b.metrics = metrics
		}
	}
}

// New constructs a ready-to-use Bus.
func New(opts ...Option) Bus {
	b := &bus{
		subs:     make(map[string]map[*subscription]struct{}),
		log:      telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		queueCap: defaultQueueDepth,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type subscription struct {
	bus     *bus
	topic   string
	queue   chan Event
	handler Handler
	done    chan struct{}
	once    sync.Once
}

func (b *bus) Subscribe(topic string, handler Handler) Subscription {
	s := &subscription{
		bus:     b,
		topic:   topic,
		queue:   make(chan Event, b.queueCap),
		handler: handler,
		done:    make(chan struct{}),
	}
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*subscription]struct{})
	}
	b.subs[topic][s] = struct{}{}
	b.mu.Unlock()

	go s.run()
	return s
}

func (s *subscription) run() {
	for {
		select {
		case evt, ok := <-s.queue:
			if !ok {
				return
			}
			s.handler(context.Background(), evt)
		case <-s.done:
			// Drain whatever is already queued before exiting so a
			// Close racing with Publish never silently eats events
			// that were already accepted.
			for {
				select {
				case evt, ok := <-s.queue:
					if !ok {
						return
					}
					s.handler(context.Background(), evt)
				default:
					return
				}
			}
		}
	}
}

func (s *subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		if set := s.bus.subs[s.topic]; set != nil {
			delete(set, s)
			if len(set) == 0 {
				delete(s.bus.subs, s.topic)
			}
		}
		s.bus.mu.Unlock()
		close(s.done)
	})
}

func (b *bus) Publish(ctx context.Context, topic string, payload any) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	set := b.subs[topic]
	subs := make([]*subscription, 0, len(set))
	for s := range set {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	evt := Event{Topic: topic, Payload: payload}
	for _, s := range subs {
		select {
		case s.queue <- evt:
		default:
			b.log.Warn(ctx, "bus: dropping event for slow subscriber", "topic", topic)
			b.metrics.IncCounter("bus_events_dropped_total", 1, "topic", topic)
		}
	}
}

func (b *bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	all := make([]*subscription, 0)
	for _, set := range b.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	b.subs = make(map[string]map[*subscription]struct{})
	b.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
}
