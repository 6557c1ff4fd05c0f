package persistence

import (
	"context"
	"log/slog"
	"time"

	"github.com/skobkin/groundlink/internal/retry"
)

type writeCmd struct {
	name string
	fn   func(context.Context) error
	done chan struct{}
}

// WriterQueue runs database writes on one goroutine so hot paths (the recorder, the command
// tracker) never wait on sqlite. Failed writes are retried a few times and then logged.
type WriterQueue struct {
	logger *slog.Logger
	queue  chan writeCmd
	retry  retry.Config
}

func NewWriterQueue(logger *slog.Logger, capacity int) *WriterQueue {
	if logger == nil {
		logger = slog.Default().With("component", "persistence")
	}
	if capacity <= 0 {
		capacity = 256
	}
	return &WriterQueue{
		logger: logger,
		queue:  make(chan writeCmd, capacity),
		retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 300 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2,
		},
	}
}

// Enqueue never blocks. A nil queue drops the write, which lets callers run without a database.
func (w *WriterQueue) Enqueue(name string, fn func(context.Context) error) {
	if w == nil {
		return
	}
	cmd := writeCmd{name: name, fn: fn}
	select {
	case w.queue <- cmd:
	default:
		go func() { w.queue <- cmd }()
	}
}

// Flush waits until every write enqueued before the call has been attempted.
func (w *WriterQueue) Flush(ctx context.Context) error {
	if w == nil {
		return nil
	}
	done := make(chan struct{})
	select {
	case w.queue <- writeCmd{name: "flush", done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *WriterQueue) Start(ctx context.Context) {
	go func() { _ = w.Run(ctx) }()
}

// Run processes writes until ctx ends, then attempts what is already queued once more
// under a short grace period.
func (w *WriterQueue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return nil
		case cmd := <-w.queue:
			w.run(ctx, cmd)
		}
	}
}

func (w *WriterQueue) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case cmd := <-w.queue:
			w.run(ctx, cmd)
		default:
			return
		}
	}
}

func (w *WriterQueue) run(ctx context.Context, cmd writeCmd) {
	if cmd.done != nil {
		close(cmd.done)
		return
	}
	err := retry.Do(ctx, w.retry, func(attempt int) error {
		err := cmd.fn(ctx)
		if err != nil {
			w.logger.Warn("db write failed", "cmd", cmd.name, "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		w.logger.Error("db write dropped", "cmd", cmd.name, "error", err)
	}
}
