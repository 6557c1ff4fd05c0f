// Package retry holds exponential backoff helpers used for reconnecting transports and for
// reopening log segments after a write failure.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var (
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Config describes a backoff schedule. MaxAttempts <= 0 retries until ctx ends.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// Reconnect is the transport reconnect schedule: 1s doubling up to 30s, forever, no jitter.
func Reconnect() Config {
	return Config{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
	}
}

// Segment is used when the recorder has to open a fresh log segment.
func Segment() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2,
		Jitter:       true,
	}
}

func (c Config) normalize() (Config, error) {
	if c.InitialDelay < 0 || c.MaxDelay < 0 || c.Multiplier < 0 {
		return c, errors.New("retry: negative backoff parameter")
	}
	if c.InitialDelay == 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2
	}
	if c.Multiplier > 1000 {
		c.Multiplier = 1000
	}
	if c.MaxDelay < c.InitialDelay {
		return c, errors.New("retry: MaxDelay must be >= InitialDelay")
	}

	return c, nil
}

// Backoff yields successive delays for a schedule. It is not safe for concurrent use.
type Backoff struct {
	cfg  Config
	next time.Duration
}

func NewBackoff(cfg Config) *Backoff {
	cfg, err := cfg.normalize()
	if err != nil {
		cfg = Reconnect()
	}

	return &Backoff{cfg: cfg, next: cfg.InitialDelay}
}

// Next returns the delay to wait now and advances the schedule.
func (b *Backoff) Next() time.Duration {
	d := b.next
	grown := float64(b.next) * b.cfg.Multiplier
	if grown > float64(b.cfg.MaxDelay) {
		b.next = b.cfg.MaxDelay
	} else {
		b.next = time.Duration(grown)
	}
	if b.cfg.Jitter && d >= 4 {
		randMu.Lock()
		d += time.Duration(randSource.Int63n(int64(d / 4)))
		randMu.Unlock()
	}

	return d
}

// Reset restarts the schedule at InitialDelay, typically after a successful attempt.
func (b *Backoff) Reset() {
	b.next = b.cfg.InitialDelay
}

// Sleep waits for d or until ctx ends. It reports whether the full delay elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Do runs fn until it succeeds, returns a permanent error, the attempts run out or ctx ends.
func Do(ctx context.Context, cfg Config, fn func(attempt int) error) error {
	cfg, err := cfg.normalize()
	if err != nil {
		return err
	}
	backoff := &Backoff{cfg: cfg, next: cfg.InitialDelay}

	var lastErr error
	for attempt := 1; cfg.MaxAttempts <= 0 || attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if IsPermanent(err) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		if !Sleep(ctx, backoff.Next()) {
			return fmt.Errorf("retry cancelled during backoff: %w", ctx.Err())
		}
	}

	return fmt.Errorf("retry failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// DoWithResult is Do for functions that produce a value.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func(attempt int) (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func(attempt int) error {
		var innerErr error
		result, innerErr = fn(attempt)
		return innerErr
	})

	return result, err
}
