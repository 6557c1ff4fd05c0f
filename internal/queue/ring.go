// Package queue provides the bounded per-subscriber queues behind the message bus.
//
// A Ring either evicts its oldest item when full (DropOldest) or makes the producer wait for
// space (Block). Both policies are safe for concurrent producers and consumers and always
// collect statistics.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// OverflowPolicy defines what Push does when the ring is full.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest unread item to admit the new one.
	DropOldest OverflowPolicy = iota
	// Block makes the producer wait until the consumer frees a slot.
	Block
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

var (
	ErrClosed = errors.New("queue closed")
	ErrFull   = errors.New("queue full")
)

// Stats is a point-in-time copy of ring counters.
type Stats struct {
	Pushed    uint64
	Popped    uint64
	Dropped   uint64
	Stalls    uint64
	Len       int
	HighWater int
	Capacity  int
}

type Option[T any] func(*Ring[T])

// WithDropCallback is called, outside the lock, with every evicted item.
func WithDropCallback[T any](fn func(T)) Option[T] {
	return func(r *Ring[T]) { r.onDrop = fn }
}

// Ring is a fixed-capacity FIFO.
type Ring[T any] struct {
	policy   OverflowPolicy
	capacity int
	onDrop   func(T)

	mu        sync.Mutex
	items     []T
	head      int
	tail      int
	size      int
	highWater int
	closed    bool

	// changed is closed and replaced on every mutation to wake all waiters.
	changed chan struct{}
	done    chan struct{}

	pushed  atomic.Uint64
	popped  atomic.Uint64
	dropped atomic.Uint64
	stalls  atomic.Uint64
}

func New[T any](capacity int, policy OverflowPolicy, opts ...Option[T]) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	r := &Ring[T]{
		policy:   policy,
		capacity: capacity,
		items:    make([]T, capacity),
		changed:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	return r
}

func (r *Ring[T]) Policy() OverflowPolicy { return r.policy }
func (r *Ring[T]) Cap() int { return r.capacity }

func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.size
}

// Done is closed when the ring is closed.
func (r *Ring[T]) Done() <-chan struct{} { return r.done }

// Push never waits. With DropOldest a full ring evicts its oldest item and reports dropped;
// with Block a full ring returns ErrFull.
func (r *Ring[T]) Push(item T) (dropped bool, err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false, ErrClosed
	}

	var evicted T
	if r.size == r.capacity {
		if r.policy == Block {
			r.mu.Unlock()
			return false, ErrFull
		}
		evicted = r.items[r.tail]
		var zero T
		r.items[r.tail] = zero
		r.tail = (r.tail + 1) % r.capacity
		r.size--
		dropped = true
		r.dropped.Add(1)
	}
	r.appendLocked(item)
	r.mu.Unlock()

	if dropped && r.onDrop != nil {
		r.onDrop(evicted)
	}

	return dropped, nil
}

// PushWait waits for a free slot. If waiting lasts longer than stallAfter, onStall is called
// once and the wait continues. It returns when the item is enqueued, the ring is closed or
// ctx is done; it never drops.
func (r *Ring[T]) PushWait(ctx context.Context, item T, stallAfter time.Duration, onStall func(waited time.Duration)) error {
	var (
		started time.Time
		stallC  <-chan time.Time
	)

	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return ErrClosed
		}
		if r.size < r.capacity {
			r.appendLocked(item)
			r.mu.Unlock()
			return nil
		}
		wait := r.changed
		r.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return err
		}
		if started.IsZero() {
			started = time.Now()
			if stallAfter > 0 && onStall != nil {
				timer := time.NewTimer(stallAfter)
				defer timer.Stop()
				stallC = timer.C
			}
		}

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		case <-stallC:
			stallC = nil
			r.stalls.Add(1)
			onStall(time.Since(started))
		}
	}
}

// Pop removes the oldest item without waiting.
func (r *Ring[T]) Pop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.popLocked()
}

// PopWait waits for an item. Items still queued when the ring is closed are drained first.
func (r *Ring[T]) PopWait(ctx context.Context) (T, error) {
	var zero T
	for {
		r.mu.Lock()
		if item, ok := r.popLocked(); ok {
			r.mu.Unlock()
			return item, nil
		}
		if r.closed {
			r.mu.Unlock()
			return zero, ErrClosed
		}
		wait := r.changed
		r.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Snapshot copies the queued items, oldest first, without removing them.
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, r.size)
	for i := range out {
		out[i] = r.items[(r.tail+i)%r.capacity]
	}

	return out
}

// Close wakes every waiter. Further pushes fail; pops drain what is left.
func (r *Ring[T]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.done)
	r.notifyLocked()
}

func (r *Ring[T]) Stats() Stats {
	r.mu.Lock()
	size, high := r.size, r.highWater
	r.mu.Unlock()

	return Stats{
		Pushed:    r.pushed.Load(),
		Popped:    r.popped.Load(),
		Dropped:   r.dropped.Load(),
		Stalls:    r.stalls.Load(),
		Len:       size,
		HighWater: high,
		Capacity:  r.capacity,
	}
}

func (r *Ring[T]) appendLocked(item T) {
	r.items[r.head] = item
	r.head = (r.head + 1) % r.capacity
	r.size++
	if r.size > r.highWater {
		r.highWater = r.size
	}
	r.pushed.Add(1)
	r.notifyLocked()
}

func (r *Ring[T]) popLocked() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	item := r.items[r.tail]
	r.items[r.tail] = zero
	r.tail = (r.tail + 1) % r.capacity
	r.size--
	r.popped.Add(1)
	r.notifyLocked()

	return item, true
}

func (r *Ring[T]) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}
