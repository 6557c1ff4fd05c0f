// Package broker fans decoded messages out to subscribers.
//
// Lossy subscribers get a fixed-size ring that evicts the oldest unread message, so real-time
// views always see fresh data. Lossless subscribers (the recorder, the command tracker) get a
// bounded queue; when it is full Publish waits, and if the wait outlasts the subscriber's stall
// timeout a SubscriberStalled event is raised while the wait continues. Lossy subscribers are
// served before lossless ones so a stalled recorder does not freeze live views.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skobkin/groundlink/internal/bus"
	"github.com/skobkin/groundlink/internal/domain"
	"github.com/skobkin/groundlink/internal/events"
	"github.com/skobkin/groundlink/internal/metrics"
	"github.com/skobkin/groundlink/internal/queue"
)

var (
	ErrClosed            = errors.New("bus closed")
	ErrUnknownSubscriber = errors.New("unknown subscriber")
	ErrSubscriberStalled = errors.New("subscriber stalled")
)

// StallReport describes a lossless subscriber stuck at its ceiling.
type StallReport struct {
	SubscriberID string
	Name         string
	Depth        int
	Waited       time.Duration
}

type Options struct {
	Logger  *slog.Logger
	Events  bus.EventBus
	Metrics *metrics.Metrics

	// OnStall is called from the publishing goroutine.
	OnStall func(StallReport)
}

type SubscribeOption func(*Subscription)

// WithName labels the subscriber in logs, metrics and events.
func WithName(name string) SubscribeOption {
	return func(s *Subscription) { s.name = name }
}

type Bus struct {
	logger  *slog.Logger
	events  bus.EventBus
	metrics *metrics.Metrics
	onStall func(StallReport)

	mu     sync.RWMutex
	subs   map[string]*Subscription
	order  []*Subscription
	closed bool
}

func New(opts Options) *Bus {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "broker")
	}

	return &Bus{
		logger:  logger,
		events:  opts.Events,
		metrics: opts.Metrics,
		onStall: opts.OnStall,
		subs:    make(map[string]*Subscription),
	}
}

// Subscribe attaches a subscriber. Messages published before the call are not delivered to it.
func (b *Bus) Subscribe(policy Policy, filter Filter, opts ...SubscribeOption) (*Subscription, error) {
	policy = policy.withDefaults()
	ringPolicy := queue.DropOldest
	if policy.Mode == Lossless {
		ringPolicy = queue.Block
	}

	sub := &Subscription{
		id:     newSubscriberID(),
		policy: policy,
		filter: filter,
		ring:   queue.New[domain.Message](policy.Capacity, ringPolicy),
	}
	for _, opt := range opts {
		opt(sub)
	}
	if sub.name == "" {
		sub.name = sub.id
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.subs[sub.id] = sub
	b.order = append(b.order, sub)
	b.logger.Info("subscribed", "subscriber", sub.name, "id", sub.id, "policy", policy.String())

	return sub, nil
}

// Unsubscribe detaches a subscriber, waking a publisher waiting on it and its receiver.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	sub, ok := b.subs[id]
	shared := false
	if ok {
		delete(b.subs, id)
		for i, s := range b.order {
			if s == sub {
				b.order = append(b.order[:i:i], b.order[i+1:]...)
				break
			}
		}
		for _, s := range b.order {
			if s.name == sub.name {
				shared = true
				break
			}
		}
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubscriber, id)
	}

	sub.ring.Close()
	// Series are keyed by name; keep them while another subscriber still reports under it.
	if !shared {
		b.metrics.ForgetSubscriber(sub.name)
	}
	b.logger.Info("unsubscribed", "subscriber", sub.name, "id", id)

	return nil
}

// Subscribers returns the number of attached subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.order)
}

// Publish delivers msg to every matching subscriber. It returns once every lossless subscriber
// has the message queued, or with ctx's error if ctx ends first.
func (b *Bus) Publish(ctx context.Context, msg domain.Message) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*Subscription, 0, len(b.order))
	for _, s := range b.order {
		if s.filter.Accepts(msg) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	b.metrics.BusPublished()

	for _, s := range targets {
		if s.policy.Mode != Lossy {
			continue
		}
		dropped, err := s.ring.Push(msg)
		if err != nil {
			continue
		}
		if dropped {
			b.metrics.LossyEviction(s.name)
		}
	}

	for _, s := range targets {
		if s.policy.Mode != Lossless {
			continue
		}
		err := s.ring.PushWait(ctx, msg, s.policy.StallTimeout, func(waited time.Duration) {
			b.reportStall(s, waited)
		})
		switch {
		case err == nil:
			b.metrics.QueueDepth(s.name, s.ring.Len())
		case errors.Is(err, queue.ErrClosed):
			// Unsubscribed while waiting.
		default:
			return err
		}
	}

	return nil
}

func (b *Bus) reportStall(s *Subscription, waited time.Duration) {
	report := StallReport{
		SubscriberID: s.id,
		Name:         s.name,
		Depth:        s.ring.Len(),
		Waited:       waited,
	}
	b.logger.Warn("lossless subscriber stalled",
		"subscriber", s.name, "id", s.id, "depth", report.Depth, "waited", waited,
		"error", ErrSubscriberStalled)
	b.metrics.SubscriberStalled(s.name)
	if b.events != nil {
		b.events.TryPublish(events.TopicSubscriberStalled, events.SubscriberStalled{
			SubscriberID: s.id,
			Name:         s.name,
			Depth:        report.Depth,
			Waited:       waited,
			At:           time.Now(),
		})
	}
	if b.onStall != nil {
		b.onStall(report)
	}
}

// Run publishes everything from in until in is closed or ctx ends.
func (b *Bus) Run(ctx context.Context, in <-chan domain.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			if err := b.Publish(ctx, msg); err != nil {
				if errors.Is(err, ErrClosed) {
					return nil
				}
				return err
			}
		}
	}
}

// Close detaches every subscriber. Receivers drain what is queued and then see ErrUnsubscribed.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.order
	b.order = nil
	b.subs = map[string]*Subscription{}
	b.mu.Unlock()

	for _, s := range subs {
		s.ring.Close()
	}
}

func newSubscriberID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}

	return id.String()
}
