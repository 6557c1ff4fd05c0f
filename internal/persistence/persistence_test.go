package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skobkin/groundlink/internal/domain"
)

func openTestDB(t *testing.T) (context.Context, *SegmentRepo, *CommandRepo) {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "groundlink.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return ctx, NewSegmentRepo(db), NewCommandRepo(db)
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "groundlink.db")
	for i := 0; i < 2; i++ {
		db, err := Open(ctx, path)
		if err != nil {
			t.Fatalf("open #%d: %v", i+1, err)
		}
		var version int
		if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&version); err != nil {
			t.Fatalf("read version: %v", err)
		}
		if version != len(migrations) {
			t.Fatalf("unexpected schema version %d", version)
		}
		_ = db.Close()
	}
}

func TestSegmentRepo_UpsertUpdatesStatus(t *testing.T) {
	ctx, segments, _ := openTestDB(t)
	started := time.Now().UTC().Truncate(time.Millisecond)

	rec := domain.SegmentRecord{Path: "/rec/a.glog", Session: "s1", StartedAt: started, Status: domain.SegmentStatusOpen}
	if err := segments.Upsert(ctx, rec); err != nil {
		t.Fatalf("upsert open segment: %v", err)
	}
	rec.Status = domain.SegmentStatusFailed
	rec.Entries = 41
	rec.ClosedAt = started.Add(time.Minute)
	rec.Error = "disk full"
	if err := segments.Upsert(ctx, rec); err != nil {
		t.Fatalf("upsert failed segment: %v", err)
	}
	if err := segments.Upsert(ctx, domain.SegmentRecord{Path: "/rec/b.glog", Session: "s1", StartedAt: started.Add(time.Second), Status: domain.SegmentStatusOpen}); err != nil {
		t.Fatalf("upsert second segment: %v", err)
	}

	list, err := segments.List(ctx)
	if err != nil {
		t.Fatalf("list segments: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(list))
	}
	got := list[0]
	if got.Path != "/rec/a.glog" || got.Status != domain.SegmentStatusFailed || got.Entries != 41 || got.Error != "disk full" {
		t.Fatalf("unexpected first segment: %+v", got)
	}
	if !got.StartedAt.Equal(started) || !got.ClosedAt.Equal(rec.ClosedAt) {
		t.Fatalf("unexpected timestamps: %+v", got)
	}
	if !list[1].ClosedAt.IsZero() {
		t.Fatalf("open segment must have no close time")
	}
}

func TestCommandRepo_RoundTripsBySession(t *testing.T) {
	ctx, _, commands := openTestDB(t)
	sent := time.Now().UTC().Truncate(time.Millisecond)

	cmd := domain.PendingCommand{
		ID: 1, TargetSystem: 5, TargetComponent: 1, Kind: 10, KindName: "SET_SERVO_ANGLE_TC",
		Payload: map[string]any{"servo_id": 2, "angle": 12.5}, ConnectionID: 3,
		SentAt: sent, Timeout: 3 * time.Second, Status: domain.CommandStatusPending,
	}
	if err := commands.Upsert(ctx, "s1", cmd); err != nil {
		t.Fatalf("upsert pending: %v", err)
	}

	reply := domain.NewMessage(3, domain.Header{SystemID: 5, ComponentID: 1, Kind: 100}, "ACK_TM", nil, []byte{0xFE, 2}, sent)
	cmd.Status = domain.CommandStatusAcked
	cmd.Outcome = domain.CommandOutcomeAck
	cmd.Reply = &reply
	cmd.ResolvedAt = sent.Add(40 * time.Millisecond)
	if err := commands.Upsert(ctx, "s1", cmd); err != nil {
		t.Fatalf("upsert acked: %v", err)
	}
	if err := commands.Upsert(ctx, "s2", domain.PendingCommand{ID: 1, KindName: "PING_TC", SentAt: sent, Status: domain.CommandStatusTimedOut, Superseded: true}); err != nil {
		t.Fatalf("upsert other session: %v", err)
	}

	list, err := commands.ListSession(ctx, "s1")
	if err != nil {
		t.Fatalf("list session: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 command, got %d", len(list))
	}
	got := list[0].Command
	if got.Status != domain.CommandStatusAcked || got.Outcome != domain.CommandOutcomeAck || got.Kind != 10 || got.ConnectionID != 3 {
		t.Fatalf("unexpected command: %+v", got)
	}
	if got.Timeout != 3*time.Second || !got.ResolvedAt.Equal(cmd.ResolvedAt) {
		t.Fatalf("unexpected timing: %+v", got)
	}
	if got.Payload["angle"] != 12.5 {
		t.Fatalf("unexpected payload: %+v", got.Payload)
	}
	if string(list[0].ReplyRaw) != string([]byte{0xFE, 2}) {
		t.Fatalf("unexpected reply bytes: %v", list[0].ReplyRaw)
	}

	other, err := commands.ListSession(ctx, "s2")
	if err != nil {
		t.Fatalf("list other session: %v", err)
	}
	if len(other) != 1 || !other[0].Command.Superseded || other[0].ReplyRaw != nil {
		t.Fatalf("unexpected other session: %+v", other)
	}
}

func TestWriterQueue_RetriesAndFlushes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWriterQueue(nil, 4)
	w.retry.InitialDelay = time.Millisecond
	w.retry.MaxDelay = time.Millisecond
	w.Start(ctx)

	var attempts, done atomic.Int32
	w.Enqueue("flaky", func(context.Context) error {
		if attempts.Add(1) < 3 {
			return errors.New("locked")
		}
		done.Add(1)
		return nil
	})
	w.Enqueue("broken", func(context.Context) error { return errors.New("always") })

	flushCtx, flushCancel := context.WithTimeout(ctx, 2*time.Second)
	defer flushCancel()
	if err := w.Flush(flushCtx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if attempts.Load() != 3 || done.Load() != 1 {
		t.Fatalf("unexpected attempts=%d done=%d", attempts.Load(), done.Load())
	}
}

func TestClearDatabase(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "groundlink.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := NewSegmentRepo(db).Upsert(ctx, domain.SegmentRecord{Path: "x", Session: "s", StartedAt: time.Now(), Status: domain.SegmentStatusClosed}); err != nil {
		t.Fatalf("seed segment: %v", err)
	}
	if err := ClearDatabase(ctx, db); err != nil {
		t.Fatalf("clear: %v", err)
	}
	list, err := NewSegmentRepo(db).List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty catalog, got %d rows", len(list))
	}
	if err := ClearDatabase(ctx, nil); err == nil {
		t.Fatalf("expected error for nil db")
	}
}
