package domain

import "time"

type SegmentStatus string

const (
	SegmentStatusOpen   SegmentStatus = "open"
	SegmentStatusClosed SegmentStatus = "closed"
	SegmentStatusFailed SegmentStatus = "failed"
)

// SegmentRecord is the catalog row of one recorded log file.
type SegmentRecord struct {
	Path      string        `json:"path"`
	Session   string        `json:"session"`
	StartedAt time.Time     `json:"started_at"`
	ClosedAt  time.Time     `json:"closed_at,omitempty"`
	Entries   uint64        `json:"entries"`
	Status    SegmentStatus `json:"status"`
	Error     string        `json:"error,omitempty"`
}

// CommandRecord is a persisted command. The reply is kept as raw frame bytes; decoding it
// needs the protocol profile.
type CommandRecord struct {
	Command  PendingCommand
	ReplyRaw []byte
}
