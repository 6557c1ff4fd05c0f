package domain

import "time"

type CommandID uint64

type CommandStatus string

const (
	CommandStatusPending  CommandStatus = "pending"
	CommandStatusAcked    CommandStatus = "acked"
	CommandStatusTimedOut CommandStatus = "timed_out"
)

// CommandOutcome classifies the reply that acked a command.
type CommandOutcome string

const (
	CommandOutcomeNone CommandOutcome = ""
	CommandOutcomeAck  CommandOutcome = "ack"
	CommandOutcomeNack CommandOutcome = "nack"
	CommandOutcomeWack CommandOutcome = "wack"
)

// CommandKey is the correlation key; at most one command per key is pending.
type CommandKey struct {
	TargetSystem    uint8
	TargetComponent uint8
	Kind            uint8
}

// PendingCommand is a snapshot of a tracked telecommand.
type PendingCommand struct {
	ID              CommandID
	TargetSystem    uint8
	TargetComponent uint8
	Kind            uint8
	KindName        string
	Payload         map[string]any
	ConnectionID    ConnectionID
	SentAt          time.Time
	Timeout         time.Duration
	Status          CommandStatus
	Outcome         CommandOutcome
	Superseded      bool
	Error           string
	Reply           *Message
	ResolvedAt      time.Time
}

func (c PendingCommand) Key() CommandKey {
	return CommandKey{TargetSystem: c.TargetSystem, TargetComponent: c.TargetComponent, Kind: c.Kind}
}

// Deadline is the instant after which a pending command times out.
func (c PendingCommand) Deadline() time.Time {
	return c.SentAt.Add(c.Timeout)
}

// IsTerminal reports whether the command left the pending state.
func (c PendingCommand) IsTerminal() bool {
	return c.Status == CommandStatusAcked || c.Status == CommandStatusTimedOut
}
