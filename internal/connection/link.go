package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/skobkin/groundlink/internal/bus"
	"github.com/skobkin/groundlink/internal/domain"
	"github.com/skobkin/groundlink/internal/events"
	"github.com/skobkin/groundlink/internal/mavlink"
	"github.com/skobkin/groundlink/internal/metrics"
	"github.com/skobkin/groundlink/internal/retry"
	"github.com/skobkin/groundlink/internal/transport"
)

const (
	decodeReportsPerSecond = 2
	decodeReportBurst      = 5
)

// Link runs one live transport: open, read and decode until the link fails, then back off
// and reopen. Only the Run goroutine reads; Send may be called concurrently.
type Link struct {
	id        domain.ConnectionID
	transport transport.Transport
	profile   *mavlink.Profile
	logger    *slog.Logger
	events    bus.EventBus
	metrics   *metrics.Metrics
	backoff   retry.Config

	limiter    *rate.Limiter
	suppressed int

	mu        sync.RWMutex
	connected bool
}

func NewLink(id domain.ConnectionID, tr transport.Transport, env Env) *Link {
	logger := env.Logger
	if logger == nil {
		logger = slog.Default().With("component", "connection")
	}
	profile := env.Profile
	if profile == nil {
		profile = mavlink.DefaultProfile()
	}
	backoff := env.Backoff
	if backoff.InitialDelay == 0 && backoff.MaxDelay == 0 {
		backoff = retry.Reconnect()
	}

	return &Link{
		id:        id,
		transport: tr,
		profile:   profile,
		logger:    logger.With("connection", uint64(id), "transport", tr.Name(), "target", tr.Target()),
		events:    env.Events,
		metrics:   env.Metrics,
		backoff:   backoff,
		limiter:   rate.NewLimiter(rate.Limit(decodeReportsPerSecond), decodeReportBurst),
	}
}

func (l *Link) Connected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.connected
}

func (l *Link) setConnected(v bool) {
	l.mu.Lock()
	l.connected = v
	l.mu.Unlock()
}

func (l *Link) Run(ctx context.Context, sink Sink) error {
	backoff := retry.NewBackoff(l.backoff)
	for {
		if ctx.Err() != nil {
			return nil
		}

		sink.SetStatus(domain.ConnectionStateConnecting, nil)
		if err := l.transport.Open(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.fail(ctx, sink, backoff, err)
			continue
		}

		backoff.Reset()
		l.setConnected(true)
		sink.SetStatus(domain.ConnectionStateConnected, nil)
		l.logger.Info("link connected")

		err := l.readLoop(ctx, sink)
		l.setConnected(false)
		if closeErr := l.transport.Close(); closeErr != nil {
			l.logger.Debug("transport close failed", "error", closeErr)
		}
		if ctx.Err() != nil {
			return nil
		}
		l.fail(ctx, sink, backoff, err)
	}
}

func (l *Link) fail(ctx context.Context, sink Sink, backoff *retry.Backoff, err error) {
	delay := backoff.Next()
	sink.SetStatus(domain.ConnectionStateFailed, err)
	l.logger.Warn("link failed", "error", err, "retry_in", delay)
	if retry.Sleep(ctx, delay) {
		l.metrics.ReconnectAttempt(l.id)
	}
}

func (l *Link) readLoop(ctx context.Context, sink Sink) error {
	decoder := mavlink.NewDecoder(l.profile, l.id, mavlink.WithErrorHandler(l.reportDecodeError))
	for {
		chunk, err := l.transport.ReadChunk(ctx)
		if err != nil {
			return err
		}
		for _, msg := range decoder.Feed(chunk, time.Now()) {
			if err := sink.Emit(ctx, msg); err != nil {
				return err
			}
		}
	}
}

// reportDecodeError runs on the read goroutine. Every error is counted; logs and events are
// rate limited and carry the number of reports suppressed since the last one.
func (l *Link) reportDecodeError(derr *mavlink.DecodeError) {
	l.metrics.DecodeError(l.id, string(derr.Reason))
	if !l.limiter.Allow() {
		l.suppressed++
		return
	}

	suppressed := l.suppressed
	l.suppressed = 0
	l.logger.Debug("skipped input", "reason", derr.Reason, "kind", derr.Kind,
		"skipped", derr.Skipped, "suppressed", suppressed)
	if l.events != nil {
		l.events.TryPublish(events.TopicDecodeError, events.DecodeError{
			ConnectionID: l.id,
			Reason:       string(derr.Reason),
			Kind:         derr.Kind,
			Skipped:      derr.Skipped,
			Suppressed:   suppressed,
			At:           time.Now(),
		})
	}
}

func (l *Link) Send(ctx context.Context, frame []byte) error {
	if !l.Connected() {
		return ErrNotConnected
	}
	if err := l.transport.Write(ctx, frame); err != nil {
		if errors.Is(err, transport.ErrNotOpen) {
			return ErrNotConnected
		}
		return err
	}

	return nil
}
