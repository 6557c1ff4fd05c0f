package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/skobkin/groundlink/internal/domain"
	"github.com/skobkin/groundlink/internal/queue"
)

// DeliveryMode selects how a subscriber copes with falling behind.
type DeliveryMode int

const (
	// Lossy subscribers keep the most recent Capacity messages and lose older unread ones.
	Lossy DeliveryMode = iota
	// Lossless subscribers never lose a message; the publisher waits instead.
	Lossless
)

func (m DeliveryMode) String() string {
	if m == Lossless {
		return "lossless"
	}

	return "lossy"
}

const (
	DefaultLossyCapacity   = 256
	DefaultLosslessCeiling = 4096
	DefaultStallTimeout    = 2 * time.Second
)

// Policy is a subscriber's delivery policy. For Lossless, Capacity is the queue-depth ceiling.
type Policy struct {
	Mode         DeliveryMode
	Capacity     int
	StallTimeout time.Duration
}

func LossyPolicy(capacity int) Policy {
	return Policy{Mode: Lossy, Capacity: capacity}
}

func LosslessPolicy(ceiling int, stallTimeout time.Duration) Policy {
	return Policy{Mode: Lossless, Capacity: ceiling, StallTimeout: stallTimeout}
}

func (p Policy) withDefaults() Policy {
	if p.Capacity <= 0 {
		if p.Mode == Lossless {
			p.Capacity = DefaultLosslessCeiling
		} else {
			p.Capacity = DefaultLossyCapacity
		}
	}
	if p.Mode == Lossless && p.StallTimeout <= 0 {
		p.StallTimeout = DefaultStallTimeout
	}

	return p
}

func (p Policy) String() string {
	if p.Mode == Lossless {
		return fmt.Sprintf("lossless(ceiling=%d, stall=%s)", p.Capacity, p.StallTimeout)
	}

	return fmt.Sprintf("lossy(capacity=%d)", p.Capacity)
}

// Filter narrows a subscription by address and kind. Empty sets match everything.
type Filter struct {
	Systems    []uint8
	Components []uint8
	Kinds      []uint8

	// Match, when set, must also accept the message.
	Match func(domain.Message) bool
}

func (f Filter) Accepts(msg domain.Message) bool {
	if !contains(f.Systems, msg.SystemID()) ||
		!contains(f.Components, msg.ComponentID()) ||
		!contains(f.Kinds, msg.Kind()) {
		return false
	}
	if f.Match != nil {
		return f.Match(msg)
	}

	return true
}

func contains(set []uint8, v uint8) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == v {
			return true
		}
	}

	return false
}

// ErrUnsubscribed is returned by Recv once the subscription is removed and drained.
var ErrUnsubscribed = errors.New("subscription closed")

// Subscription is the receive handle of one subscriber.
type Subscription struct {
	id     string
	name   string
	policy Policy
	filter Filter
	ring   *queue.Ring[domain.Message]
}

func (s *Subscription) ID() string { return s.id }
func (s *Subscription) Name() string { return s.name }
func (s *Subscription) Policy() Policy { return s.policy }
func (s *Subscription) Stats() queue.Stats { return s.ring.Stats() }

// Done is closed when the subscription is removed or the bus is closed.
func (s *Subscription) Done() <-chan struct{} { return s.ring.Done() }

// Recv waits for the next message. Messages queued before removal are still returned.
func (s *Subscription) Recv(ctx context.Context) (domain.Message, error) {
	msg, err := s.ring.PopWait(ctx)
	if errors.Is(err, queue.ErrClosed) {
		return domain.Message{}, ErrUnsubscribed
	}

	return msg, err
}

func (s *Subscription) TryRecv() (domain.Message, bool) {
	return s.ring.Pop()
}
