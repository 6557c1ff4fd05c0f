package domain

import "context"

type SegmentRepository interface {
	Upsert(ctx context.Context, s SegmentRecord) error
	List(ctx context.Context) ([]SegmentRecord, error)
}

type CommandRepository interface {
	Upsert(ctx context.Context, session string, c PendingCommand) error
	ListSession(ctx context.Context, session string) ([]CommandRecord, error)
}
