package transport

import (
	"context"
	"errors"
	"fmt"
)

// Transport is a single link yielding a byte stream. Implementations are safe for one reader
// and concurrent writers.
type Transport interface {
	Name() string
	Target() string
	Open(ctx context.Context) error
	// ReadChunk blocks until bytes arrive, the link fails or ctx is done.
	ReadChunk(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, payload []byte) error
	Close() error
}

var (
	ErrNotOpen = errors.New("transport is not open")
	ErrNoPeer  = errors.New("no peer address known")
)

// Error is a link-level failure. The connection loop recovers from it by reopening.
type Error struct {
	Transport string
	Op        string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Transport, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrapErr(transport, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return &Error{Transport: transport, Op: op, Err: err}
}
