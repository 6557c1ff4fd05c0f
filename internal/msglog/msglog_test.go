package msglog

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/groundlink/internal/broker"
	"github.com/skobkin/groundlink/internal/bus"
	"github.com/skobkin/groundlink/internal/domain"
	"github.com/skobkin/groundlink/internal/events"
	"github.com/skobkin/groundlink/internal/retry"
)

func testMessage(n int) domain.Message {
	return domain.NewMessage(domain.ConnectionID(3),
		domain.Header{Sequence: uint8(n), SystemID: 1, ComponentID: 1, Kind: 30},
		"ATTITUDE", nil, []byte{0xFE, byte(n), byte(n >> 8)}, time.Unix(1700000000, int64(n)*int64(time.Millisecond)))
}

func rawIndex(e LogEntry) int {
	return int(e.Raw[1]) | int(e.Raw[2])<<8
}

func segments(t *testing.T, dir string) []string {
	t.Helper()
	items, err := os.ReadDir(dir)
	require.NoError(t, err)
	var out []string
	for _, it := range items {
		if IsSegmentName(it.Name()) {
			out = append(out, filepath.Join(dir, it.Name()))
		}
	}
	sort.Strings(out)

	return out
}

type catalogSpy struct {
	mu   sync.Mutex
	rows map[string]domain.SegmentRecord
}

func (c *catalogSpy) Upsert(_ context.Context, s domain.SegmentRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rows == nil {
		c.rows = map[string]domain.SegmentRecord{}
	}
	c.rows[s.Path] = s

	return nil
}

func (c *catalogSpy) List(context.Context) ([]domain.SegmentRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.SegmentRecord, 0, len(c.rows))
	for _, r := range c.rows {
		out = append(out, r)
	}

	return out, nil
}

func (c *catalogSpy) get(path string) domain.SegmentRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.rows[path]
}

// brokenFile writes half of each write through to the real file and then fails, once broken.
type brokenFile struct {
	*os.File
	broken atomic.Bool
}

func (f *brokenFile) Write(p []byte) (int, error) {
	if !f.broken.Load() {
		return f.File.Write(p)
	}
	n, _ := f.File.Write(p[:len(p)/2])

	return n, errors.New("disk unplugged")
}

func TestRecorderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	rec, err := NewRecorder(Options{Dir: dir, FlushEvery: 4, FlushInterval: time.Hour})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, rec.Append(context.Background(), testMessage(i)))
	}
	require.NoError(t, rec.Close())

	files := segments(t, dir)
	require.Len(t, files, 1)
	entries, err := ReadAll(files[0])
	require.NoError(t, err)
	require.Len(t, entries, 10)
	for i, e := range entries {
		assert.Equal(t, uint64(i), e.Sequence)
		assert.Equal(t, i, rawIndex(e))
		assert.Equal(t, uint64(3), e.ConnectionID)
		assert.Equal(t, uint8(30), e.Kind)
		assert.True(t, testMessage(i).ReceivedAt().Equal(e.RecordedAt))
	}
}

func TestRecorderFlushesByCount(t *testing.T) {
	dir := t.TempDir()
	rec, err := NewRecorder(Options{Dir: dir, FlushEvery: 3, FlushInterval: time.Hour})
	require.NoError(t, err)
	defer func() { _ = rec.Close() }()

	for i := 0; i < 2; i++ {
		require.NoError(t, rec.Append(context.Background(), testMessage(i)))
	}
	entries, err := ReadAll(rec.Segment())
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, rec.Append(context.Background(), testMessage(2)))
	entries, err = ReadAll(rec.Segment())
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestRecorderRunFlushesByInterval(t *testing.T) {
	dir := t.TempDir()
	b := broker.New(broker.Options{})
	defer b.Close()

	rec, err := NewRecorder(Options{Dir: dir, FlushEvery: 1000, FlushInterval: 50 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx, b) }()

	require.Eventually(t, func() bool { return b.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(context.Background(), testMessage(i)))
	}

	require.Eventually(t, func() bool {
		path := rec.Segment()
		if path == "" {
			return false
		}
		entries, err := ReadAll(path)
		return err == nil && len(entries) == 5
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, rec.Close())
}

func TestRecorderDrainsQueuedMessagesOnShutdown(t *testing.T) {
	dir := t.TempDir()
	b := broker.New(broker.Options{})
	defer b.Close()

	rec, err := NewRecorder(Options{Dir: dir, FlushEvery: 1000, FlushInterval: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx, b) }()
	require.Eventually(t, func() bool { return b.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	for i := 0; i < 100; i++ {
		require.NoError(t, b.Publish(context.Background(), testMessage(i)))
	}
	cancel()
	require.NoError(t, <-done)
	require.NoError(t, rec.Close())

	files := segments(t, dir)
	require.Len(t, files, 1)
	entries, err := ReadAll(files[0])
	require.NoError(t, err)
	require.Len(t, entries, 100)
	for i, e := range entries {
		assert.Equal(t, i, rawIndex(e))
	}
}

func TestReaderTornTail(t *testing.T) {
	dir := t.TempDir()
	rec, err := NewRecorder(Options{Dir: dir, FlushEvery: 1})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, rec.Append(context.Background(), testMessage(i)))
	}
	path := rec.Segment()
	require.NoError(t, rec.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	for i := 0; i < 2; i++ {
		e, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, uint64(i), e.Sequence)
	}
	_, err = r.Next()
	require.ErrorIs(t, err, ErrTruncated)

	entries, err := ReadAll(path)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestReaderCleanEOF(t *testing.T) {
	dir := t.TempDir()
	rec, err := NewRecorder(Options{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, rec.Append(context.Background(), testMessage(1)))
	path := rec.Segment()
	require.NoError(t, rec.Close())

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	_, err = r.Next()
	require.NoError(t, err)
	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderRejectsForeignFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x"+SegmentExt)
	require.NoError(t, os.WriteFile(path, []byte("PK\x03\x04whatever"), 0o600))
	_, err := OpenReader(path)
	require.ErrorIs(t, err, ErrBadHeader)

	short := filepath.Join(t.TempDir(), "short"+SegmentExt)
	require.NoError(t, os.WriteFile(short, []byte("GL"), 0o600))
	_, err = OpenReader(short)
	require.ErrorIs(t, err, ErrBadHeader)

	future := filepath.Join(t.TempDir(), "future"+SegmentExt)
	require.NoError(t, os.WriteFile(future, []byte{'G', 'L', 'O', 'G', 9, 0, 0, 0}, 0o600))
	_, err = OpenReader(future)
	require.ErrorIs(t, err, ErrBadHeader)
}

func TestReaderDetectsChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	rec, err := NewRecorder(Options{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, rec.Append(context.Background(), testMessage(1)))
	path := rec.Segment()
	require.NoError(t, rec.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	_, err = r.Next()
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestRecorderRewritesUnflushedEntriesAfterWriteFailure(t *testing.T) {
	dir := t.TempDir()
	eventBus := bus.New(nil)
	defer eventBus.Close()
	failures := eventBus.Subscribe(events.TopicLoggerFailure)
	catalog := &catalogSpy{}

	rec, err := NewRecorder(Options{
		Dir: dir, FlushEvery: 3, FlushInterval: time.Hour,
		Events: eventBus, Catalog: catalog,
		Retry: retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	require.NoError(t, err)

	var first *brokenFile
	rec.create = func(path string) (segmentFile, error) {
		f, err := createFile(path)
		if err != nil || first != nil {
			return f, err
		}
		first = &brokenFile{File: f.(*os.File)}
		return first, nil
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, rec.Append(ctx, testMessage(i)))
	}
	failedPath := rec.Segment()
	first.broken.Store(true)
	for i := 3; i < 6; i++ {
		require.NoError(t, rec.Append(ctx, testMessage(i)))
	}
	freshPath := rec.Segment()
	require.NotEqual(t, failedPath, freshPath)
	require.NoError(t, rec.Close())

	old, err := ReadAll(failedPath)
	require.NoError(t, err)
	require.Len(t, old, 3)
	r, err := OpenReader(failedPath)
	require.NoError(t, err)
	for range old {
		_, err := r.Next()
		require.NoError(t, err)
	}
	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF, "no torn record may remain")
	_ = r.Close()

	fresh, err := ReadAll(freshPath)
	require.NoError(t, err)
	require.Len(t, fresh, 3)
	for i, e := range fresh {
		assert.Equal(t, uint64(i), e.Sequence)
		assert.Equal(t, i+3, rawIndex(e))
	}

	select {
	case ev := <-failures:
		failure := ev.(events.LoggerFailure)
		assert.Equal(t, failedPath, failure.Segment)
		assert.False(t, failure.Fatal)
	case <-time.After(time.Second):
		t.Fatal("no logger failure event")
	}

	assert.Equal(t, domain.SegmentStatusFailed, catalog.get(failedPath).Status)
	assert.Equal(t, uint64(3), catalog.get(failedPath).Entries)
	assert.Equal(t, domain.SegmentStatusClosed, catalog.get(freshPath).Status)
	assert.Equal(t, uint64(3), catalog.get(freshPath).Entries)
}

func TestRecorderFailsWhenNoSegmentCanBeOpened(t *testing.T) {
	eventBus := bus.New(nil)
	defer eventBus.Close()
	failures := eventBus.Subscribe(events.TopicLoggerFailure)

	rec, err := NewRecorder(Options{
		Dir:    t.TempDir(),
		Events: eventBus,
		Retry:  retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	require.NoError(t, err)
	var attempts atomic.Int32
	rec.create = func(string) (segmentFile, error) {
		attempts.Add(1)
		return nil, errors.New("read-only file system")
	}

	err = rec.Append(context.Background(), testMessage(1))
	require.ErrorIs(t, err, ErrWriteFailure)
	assert.True(t, rec.Failed())
	assert.Equal(t, int32(2), attempts.Load())

	require.ErrorIs(t, rec.Append(context.Background(), testMessage(2)), ErrWriteFailure)
	assert.Equal(t, int32(2), attempts.Load())

	select {
	case ev := <-failures:
		assert.True(t, ev.(events.LoggerFailure).Fatal)
	case <-time.After(time.Second):
		t.Fatal("no fatal logger failure event")
	}
	require.NoError(t, rec.Close())
}

func TestRecorderRunStopsOnFatalFailureWithoutBlockingOthers(t *testing.T) {
	b := broker.New(broker.Options{})
	defer b.Close()

	rec, err := NewRecorder(Options{
		Dir:   t.TempDir(),
		Retry: retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	require.NoError(t, err)
	rec.create = func(string) (segmentFile, error) { return nil, errors.New("no space left on device") }

	other, err := b.Subscribe(broker.LossyPolicy(64), broker.Filter{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- rec.Run(context.Background(), b) }()
	require.Eventually(t, func() bool { return b.Subscribers() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Publish(context.Background(), testMessage(1)))
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrWriteFailure)
	case <-time.After(2 * time.Second):
		t.Fatal("recorder did not stop")
	}
	require.Eventually(t, func() bool { return b.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	for i := 2; i < 20; i++ {
		require.NoError(t, b.Publish(context.Background(), testMessage(i)))
	}
	msg, ok := other.TryRecv()
	require.True(t, ok)
	assert.Equal(t, uint8(1), msg.Sequence())
}

func TestRecorderLocksDirectory(t *testing.T) {
	dir := t.TempDir()
	rec, err := NewRecorder(Options{Dir: dir, LockDir: true})
	require.NoError(t, err)

	_, err = NewRecorder(Options{Dir: dir, LockDir: true})
	require.Error(t, err)

	require.NoError(t, rec.Close())
	again, err := NewRecorder(Options{Dir: dir, LockDir: true})
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestSegmentNames(t *testing.T) {
	assert.True(t, IsSegmentName("20240101T000000.000Z-abc.glog"))
	assert.False(t, IsSegmentName(".groundlink.lock"))
	assert.False(t, IsSegmentName("notes.txt"))
}
