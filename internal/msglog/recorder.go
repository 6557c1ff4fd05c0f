package msglog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skobkin/groundlink/internal/broker"
	"github.com/skobkin/groundlink/internal/bus"
	"github.com/skobkin/groundlink/internal/domain"
	"github.com/skobkin/groundlink/internal/events"
	"github.com/skobkin/groundlink/internal/metrics"
	"github.com/skobkin/groundlink/internal/persistence"
	"github.com/skobkin/groundlink/internal/platform"
	"github.com/skobkin/groundlink/internal/retry"
)

const (
	DefaultFlushInterval = time.Second
	DefaultFlushEvery    = 256
)

// ErrWriteFailure is returned once the recorder could not open any segment after a failed
// write. The recorder stays failed; the rest of the pipeline is unaffected.
var ErrWriteFailure = errors.New("logger write failure")

type Options struct {
	Dir           string
	FlushInterval time.Duration
	FlushEvery    int
	// Session groups the segments of one process run in the catalog.
	Session string
	// LockDir takes an exclusive lock on Dir for the recorder's lifetime.
	LockDir bool

	Logger  *slog.Logger
	Events  bus.EventBus
	Metrics *metrics.Metrics
	Catalog domain.SegmentRepository
	Writer  *persistence.WriterQueue
	Retry   retry.Config
	Policy  broker.Policy
}

// Recorder is the lossless bus subscriber that appends every message to the active segment.
// Flushes happen every FlushEvery entries or FlushInterval, whichever comes first.
type Recorder struct {
	dir           string
	flushInterval time.Duration
	flushEvery    int
	session       string
	logger        *slog.Logger
	events        bus.EventBus
	metrics       *metrics.Metrics
	catalog       domain.SegmentRepository
	writer        *persistence.WriterQueue
	retry         retry.Config
	policy        broker.Policy
	lock          platform.DirLock
	create        func(string) (segmentFile, error)

	mu        sync.Mutex
	seg       *segment
	lastFlush time.Time
	failed    bool
}

func NewRecorder(opts Options) (*Recorder, error) {
	if opts.Dir == "" {
		return nil, errors.New("recording directory is empty")
	}
	if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create recording directory: %w", err)
	}

	r := &Recorder{
		dir:           opts.Dir,
		flushInterval: opts.FlushInterval,
		flushEvery:    opts.FlushEvery,
		session:       opts.Session,
		logger:        opts.Logger,
		events:        opts.Events,
		metrics:       opts.Metrics,
		catalog:       opts.Catalog,
		writer:        opts.Writer,
		retry:         opts.Retry,
		policy:        opts.Policy,
		create:        createFile,
	}
	if r.flushInterval <= 0 {
		r.flushInterval = DefaultFlushInterval
	}
	if r.flushEvery <= 0 {
		r.flushEvery = DefaultFlushEvery
	}
	if r.session == "" {
		r.session = uuid.NewString()
	}
	if r.logger == nil {
		r.logger = slog.Default().With("component", "recorder")
	}
	if r.retry.MaxAttempts == 0 && r.retry.InitialDelay == 0 {
		r.retry = retry.Segment()
	}
	if r.policy.Mode != broker.Lossless {
		r.policy = broker.LosslessPolicy(0, 0)
	}
	if opts.LockDir {
		lock, err := platform.AcquireDirLock(opts.Dir)
		if err != nil {
			return nil, err
		}
		r.lock = lock
	}

	return r, nil
}

// Run subscribes to b and records until ctx ends or the recorder fails. Messages already
// queued for the recorder when ctx ends are still written.
func (r *Recorder) Run(ctx context.Context, b *broker.Bus) error {
	sub, err := b.Subscribe(r.policy, broker.Filter{}, broker.WithName("recorder"))
	if err != nil {
		return fmt.Errorf("subscribe recorder: %w", err)
	}
	defer func() { _ = b.Unsubscribe(sub.ID()) }()

	for {
		msg, ok := sub.TryRecv()
		if !ok {
			msg, err = r.wait(ctx, sub)
			switch {
			case err == nil:
			case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
				if err := r.Flush(ctx); err != nil {
					return err
				}
				continue
			case ctx.Err() != nil:
				return r.drain(b, sub)
			case errors.Is(err, broker.ErrUnsubscribed):
				return nil
			default:
				return err
			}
		}

		if err := r.Append(ctx, msg); err != nil && r.Failed() {
			return err
		}
	}
}

// wait blocks for the next message, bounded by the flush deadline while data is buffered.
func (r *Recorder) wait(ctx context.Context, sub *broker.Subscription) (domain.Message, error) {
	r.mu.Lock()
	dirty := r.seg != nil && r.seg.pending() > 0
	deadline := r.lastFlush.Add(r.flushInterval)
	r.mu.Unlock()
	if !dirty {
		return sub.Recv(ctx)
	}

	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	return sub.Recv(waitCtx)
}

func (r *Recorder) drain(b *broker.Bus, sub *broker.Subscription) error {
	_ = b.Unsubscribe(sub.ID())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		msg, ok := sub.TryRecv()
		if !ok {
			return nil
		}
		if err := r.Append(ctx, msg); err != nil && r.Failed() {
			return err
		}
	}
}

// Append records msg. On a write failure the entries that were not yet durable, msg
// included, are rewritten to a fresh segment.
func (r *Recorder) Append(ctx context.Context, msg domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failed {
		return ErrWriteFailure
	}
	if r.seg == nil {
		if err := r.reopenLocked(ctx, nil); err != nil {
			return err
		}
	}

	_, err := r.seg.append(EntryFromMessage(msg))
	if errors.Is(err, errEncode) {
		r.logger.Error("message not recorded", "kind", msg.Kind(), "error", err)
		return err
	}
	if err == nil && (r.seg.pending() >= r.flushEvery || time.Since(r.lastFlush) >= r.flushInterval) {
		err = r.flushLocked()
	}
	if err != nil {
		if err := r.recoverLocked(ctx, err); err != nil {
			return err
		}
	}
	r.metrics.LoggerEntry()

	return nil
}

// Flush makes every appended entry durable.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failed || r.seg == nil {
		return nil
	}
	if err := r.flushLocked(); err != nil {
		return r.recoverLocked(ctx, err)
	}

	return nil
}

func (r *Recorder) flushLocked() error {
	if r.seg.pending() == 0 {
		r.lastFlush = time.Now()
		return nil
	}
	if err := r.seg.flush(); err != nil {
		return err
	}
	r.lastFlush = time.Now()
	r.metrics.LoggerFlush()

	return nil
}

func (r *Recorder) recoverLocked(ctx context.Context, cause error) error {
	failed := r.seg
	r.seg = nil
	durable := failed.entries()
	lost, truncErr := failed.abandon()
	if truncErr != nil {
		r.logger.Error("truncate failed segment", "segment", failed.path, "error", truncErr)
	}

	r.metrics.LoggerFailure()
	r.logger.Error("log write failed", "segment", failed.path, "error", cause, "rewriting", len(lost))
	r.publishFailure(failed.path, cause, false)
	r.saveSegment(domain.SegmentRecord{
		Path: failed.path, Session: r.session, StartedAt: failed.startedAt, ClosedAt: time.Now(),
		Entries: durable, Status: domain.SegmentStatusFailed, Error: cause.Error(),
	})

	return r.reopenLocked(ctx, lost)
}

// reopenLocked opens a fresh segment, retrying with backoff, and writes carry into it.
func (r *Recorder) reopenLocked(ctx context.Context, carry []LogEntry) error {
	seg, err := retry.DoWithResult(ctx, r.retry, func(attempt int) (*segment, error) {
		seg, err := openSegment(r.dir, time.Now(), r.create)
		if err != nil {
			return nil, err
		}
		for _, entry := range carry {
			if _, err = seg.append(entry); err != nil {
				break
			}
		}
		if err == nil {
			err = seg.flush()
		}
		if err != nil {
			_, _ = seg.abandon()
			_ = os.Remove(seg.path)
			return nil, err
		}
		return seg, nil
	})
	if err != nil {
		r.failed = true
		r.logger.Error("recorder stopped: no segment could be opened", "dir", r.dir, "error", err)
		r.publishFailure("", err, true)
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}

	r.seg = seg
	r.lastFlush = time.Now()
	r.logger.Info("segment opened", "segment", seg.path, "carried", len(carry))
	r.saveSegment(domain.SegmentRecord{
		Path: seg.path, Session: r.session, StartedAt: seg.startedAt, Entries: seg.entries(),
		Status: domain.SegmentStatusOpen,
	})
	if r.events != nil {
		r.events.TryPublish(events.TopicLoggerSegment, events.LoggerSegment{Path: seg.path, Opened: true, At: time.Now()})
	}

	return nil
}

// Close flushes and closes the active segment and releases the directory lock.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	if r.seg != nil {
		seg := r.seg
		r.seg = nil
		if err = seg.close(); err != nil {
			r.metrics.LoggerFailure()
			r.publishFailure(seg.path, err, false)
			_, _ = seg.abandon()
			r.saveSegment(domain.SegmentRecord{
				Path: seg.path, Session: r.session, StartedAt: seg.startedAt, ClosedAt: time.Now(),
				Entries: seg.entries(), Status: domain.SegmentStatusFailed, Error: err.Error(),
			})
		} else {
			r.saveSegment(domain.SegmentRecord{
				Path: seg.path, Session: r.session, StartedAt: seg.startedAt, ClosedAt: time.Now(),
				Entries: seg.entries(), Status: domain.SegmentStatusClosed,
			})
			if r.events != nil {
				r.events.TryPublish(events.TopicLoggerSegment, events.LoggerSegment{Path: seg.path, Entries: seg.entries(), At: time.Now()})
			}
		}
	}
	if r.lock != nil {
		if lockErr := r.lock.Release(); lockErr != nil && err == nil {
			err = lockErr
		}
		r.lock = nil
	}

	return err
}

func (r *Recorder) Failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.failed
}

// Segment returns the path of the active segment, or "" when none is open.
func (r *Recorder) Segment() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seg == nil {
		return ""
	}

	return r.seg.path
}

func (r *Recorder) Session() string { return r.session }

func (r *Recorder) publishFailure(path string, err error, fatal bool) {
	if r.events == nil {
		return
	}
	r.events.TryPublish(events.TopicLoggerFailure, events.LoggerFailure{
		Segment: path,
		Err:     err.Error(),
		Fatal:   fatal,
		At:      time.Now(),
	})
}

func (r *Recorder) saveSegment(rec domain.SegmentRecord) {
	if r.catalog == nil {
		return
	}
	save := func(ctx context.Context) error { return r.catalog.Upsert(ctx, rec) }
	if r.writer != nil {
		r.writer.Enqueue("segment "+rec.Path, save)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := save(ctx); err != nil {
		r.logger.Warn("catalog update failed", "segment", rec.Path, "error", err)
	}
}
