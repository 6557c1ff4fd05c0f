package connection

import (
	"context"
	"log/slog"

	"github.com/skobkin/groundlink/internal/bus"
	"github.com/skobkin/groundlink/internal/domain"
	"github.com/skobkin/groundlink/internal/mavlink"
	"github.com/skobkin/groundlink/internal/metrics"
	"github.com/skobkin/groundlink/internal/retry"
)

// Source is one message producer run by the Manager: a live link or a log replay.
type Source interface {
	// Run produces messages into sink until ctx ends or the source is exhausted. Returning nil
	// leaves the connection Disconnected; an error leaves it Failed.
	Run(ctx context.Context, sink Sink) error
	// Send writes an encoded frame. Sources that cannot send return ErrNotConnected.
	Send(ctx context.Context, frame []byte) error
}

// Sink is handed to a running Source by the Manager.
type Sink interface {
	SetStatus(state domain.ConnectionState, reason error)
	// Emit blocks until the message is accepted or ctx ends.
	Emit(ctx context.Context, msg domain.Message) error
}

// Env carries shared collaborators into a Factory.
type Env struct {
	Logger  *slog.Logger
	Events  bus.EventBus
	Metrics *metrics.Metrics
	Profile *mavlink.Profile
	Backoff retry.Config
}

// Factory builds a Source for a validated kind under a freshly assigned id.
type Factory func(id domain.ConnectionID, kind domain.ConnectionKind, env Env) (Source, error)

// LinkFactory builds live serial and UDP links.
func LinkFactory(id domain.ConnectionID, kind domain.ConnectionKind, env Env) (Source, error) {
	tr, err := NewTransport(kind)
	if err != nil {
		return nil, err
	}

	return NewLink(id, tr, env), nil
}
