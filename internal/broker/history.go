package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/skobkin/groundlink/internal/domain"
	"github.com/skobkin/groundlink/internal/queue"
)

const (
	DefaultHistoryDepth = 512

	historyBuffer = 1024
)

// History keeps the most recent messages of every kind so a consumer attached late can still
// read past telemetry. Each kind has its own bounded ring, so a chatty kind never evicts a
// rare one.
type History struct {
	depth int

	mu    sync.RWMutex
	seq   uint64
	kinds map[uint8]*queue.Ring[stamped]
}

type stamped struct {
	seq uint64
	msg domain.Message
}

func NewHistory(depth int) *History {
	if depth <= 0 {
		depth = DefaultHistoryDepth
	}

	return &History{depth: depth, kinds: make(map[uint8]*queue.Ring[stamped])}
}

// Record stores msg, evicting the oldest message of the same kind when the kind is full.
func (h *History) Record(msg domain.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ring, ok := h.kinds[msg.Kind()]
	if !ok {
		ring = queue.New[stamped](h.depth, queue.DropOldest)
		h.kinds[msg.Kind()] = ring
	}
	h.seq++
	_, _ = ring.Push(stamped{seq: h.seq, msg: msg})
}

// Latest returns stored messages of the given kinds, or of every kind when kinds is empty,
// in receipt order. A positive limit keeps only the newest limit messages.
func (h *History) Latest(kinds []uint8, limit int) []domain.Message {
	h.mu.RLock()
	var all []stamped
	if len(kinds) == 0 {
		for _, ring := range h.kinds {
			all = append(all, ring.Snapshot()...)
		}
	} else {
		seen := make(map[uint8]bool, len(kinds))
		for _, k := range kinds {
			ring, ok := h.kinds[k]
			if !ok || seen[k] {
				continue
			}
			seen[k] = true
			all = append(all, ring.Snapshot()...)
		}
	}
	h.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}

	out := make([]domain.Message, len(all))
	for i, s := range all {
		out[i] = s.msg
	}

	return out
}

// Kinds lists the kinds with stored messages in ascending order.
func (h *History) Kinds() []uint8 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]uint8, 0, len(h.kinds))
	for k := range h.kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}

// Run feeds the history from a lossy subscription until ctx ends or the bus closes. Under
// overload the history loses messages; the bus never waits for it.
func (h *History) Run(ctx context.Context, b *Bus) error {
	sub, err := b.Subscribe(LossyPolicy(historyBuffer), Filter{}, WithName("history"))
	if err != nil {
		return fmt.Errorf("subscribe message history: %w", err)
	}
	defer func() { _ = b.Unsubscribe(sub.ID()) }()

	for {
		msg, err := sub.Recv(ctx)
		switch {
		case err == nil:
			h.Record(msg)
		case errors.Is(err, ErrUnsubscribed), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		default:
			return err
		}
	}
}
