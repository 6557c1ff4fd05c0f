// Package replay plays a recorded segment back through the connection manager as if it were a
// live link.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/skobkin/groundlink/internal/connection"
	"github.com/skobkin/groundlink/internal/domain"
	"github.com/skobkin/groundlink/internal/mavlink"
	"github.com/skobkin/groundlink/internal/msglog"
	"github.com/skobkin/groundlink/internal/retry"
)

// Stats counts what a replay produced so far.
type Stats struct {
	Emitted uint64
	Skipped uint64
}

// Player is a read-only Source over one segment file. It never loops: at the end of the log
// Run returns and the connection becomes Disconnected.
type Player struct {
	id      domain.ConnectionID
	path    string
	pacing  bool
	speed   float64
	profile *mavlink.Profile
	logger  *slog.Logger

	emitted atomic.Uint64
	skipped atomic.Uint64
}

func New(id domain.ConnectionID, kind domain.ReplayKind, env connection.Env) *Player {
	logger := env.Logger
	if logger == nil {
		logger = slog.Default().With("component", "replay")
	}
	profile := env.Profile
	if profile == nil {
		profile = mavlink.DefaultProfile()
	}
	speed := kind.Speed
	if speed <= 0 {
		speed = 1
	}

	return &Player{
		id:      id,
		path:    kind.Path,
		pacing:  kind.Pacing,
		speed:   speed,
		profile: profile,
		logger:  logger.With("connection", uint64(id), "replay", kind.Path),
	}
}

// Factory registers replay sources with a connection.Manager.
func Factory(id domain.ConnectionID, kind domain.ConnectionKind, env connection.Env) (connection.Source, error) {
	k, ok := kind.(domain.ReplayKind)
	if !ok {
		return nil, fmt.Errorf("%w: replay source for %T", connection.ErrInvalidConfig, kind)
	}

	return New(id, k, env), nil
}

func (p *Player) Stats() Stats {
	return Stats{Emitted: p.emitted.Load(), Skipped: p.skipped.Load()}
}

// Run emits every entry in stored order. With pacing on it sleeps the recorded gap between
// entries divided by the speed; otherwise entries are emitted back to back.
func (p *Player) Run(ctx context.Context, sink connection.Sink) error {
	sink.SetStatus(domain.ConnectionStateConnecting, nil)
	r, err := msglog.OpenReader(p.path)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()
	sink.SetStatus(domain.ConnectionStateConnected, nil)
	p.logger.Info("replay started", "pacing", p.pacing, "speed", p.speed)

	var prev time.Time
	for {
		entry, err := r.Next()
		switch {
		case errors.Is(err, io.EOF):
			p.logger.Info("replay finished", "emitted", p.emitted.Load(), "skipped", p.skipped.Load())
			return nil
		case errors.Is(err, msglog.ErrTruncated):
			p.logger.Warn("replay ended at a torn record", "emitted", p.emitted.Load())
			return nil
		case err != nil:
			return fmt.Errorf("read %s: %w", p.path, err)
		}

		if p.pacing && !prev.IsZero() {
			if gap := entry.RecordedAt.Sub(prev); gap > 0 {
				if !retry.Sleep(ctx, time.Duration(float64(gap)/p.speed)) {
					return nil
				}
			}
		}
		prev = entry.RecordedAt

		msg, err := mavlink.DecodeFrame(p.profile, entry.Raw, p.id, entry.RecordedAt)
		if err != nil {
			p.skipped.Add(1)
			p.logger.Debug("skip undecodable entry", "sequence", entry.Sequence, "error", err)
			continue
		}
		if err := sink.Emit(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		p.emitted.Add(1)
	}
}

func (p *Player) Send(context.Context, []byte) error {
	return fmt.Errorf("%w: replay connections are read-only", connection.ErrNotConnected)
}
