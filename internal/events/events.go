// Package events defines the payloads published on the status event bus.
package events

import (
	"time"

	"github.com/skobkin/groundlink/internal/domain"
)

// ConnectionStatus is published on every connection state change.
type ConnectionStatus struct {
	ConnectionID domain.ConnectionID
	Kind         string
	Target       string
	Status       domain.ConnectionStatus
}

// ConnectionRemoved is published once a removed connection's loop has stopped.
type ConnectionRemoved struct {
	ConnectionID domain.ConnectionID
	At           time.Time
}

// DecodeError reports skipped input. Publication is rate limited per connection.
type DecodeError struct {
	ConnectionID domain.ConnectionID
	Reason       string
	Kind         uint8
	Skipped      int
	Suppressed   int
	At           time.Time
}

// CommandUpdate carries a snapshot after each telecommand transition.
type CommandUpdate struct {
	Command domain.PendingCommand
}

// SubscriberStalled is raised when a lossless subscriber's queue stayed at its ceiling for
// longer than the stall timeout. Delivery keeps waiting; nothing is dropped.
type SubscriberStalled struct {
	SubscriberID string
	Name         string
	Depth        int
	Waited       time.Duration
	At           time.Time
}

// LoggerFailure reports a failed log write. Fatal means no fresh segment could be opened and
// the logger stopped.
type LoggerFailure struct {
	Segment string
	Err     string
	Fatal   bool
	At      time.Time
}

// LoggerSegment is published when a segment is opened or closed.
type LoggerSegment struct {
	Path    string
	Opened  bool
	Entries uint64
	At      time.Time
}
