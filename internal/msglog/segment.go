package msglog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const segmentBufSize = 64 * 1024

// segmentFile is the part of *os.File a segment uses.
type segmentFile interface {
	io.Writer
	Truncate(size int64) error
	Sync() error
	Close() error
}

func createFile(path string) (segmentFile, error) {
	// #nosec G304 -- path is built from the recording directory and a generated name.
	return os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
}

// SegmentName returns the file name for a segment opened at t.
func SegmentName(t time.Time, id uuid.UUID) string {
	return t.UTC().Format("20060102T150405.000Z") + "-" + id.String() + SegmentExt
}

// IsSegmentName reports whether name looks like a segment file.
func IsSegmentName(name string) bool {
	return strings.HasSuffix(name, SegmentExt) && !strings.HasPrefix(name, ".")
}

// segment is an open segment file. Entries appended since the last successful flush are kept
// in memory so they can be rewritten elsewhere if the flush fails.
type segment struct {
	path      string
	f         segmentFile
	w         *bufio.Writer
	startedAt time.Time

	durable   int64
	buffered  int64
	nextSeq   uint64
	unflushed []LogEntry
}

func openSegment(dir string, now time.Time, create func(string) (segmentFile, error)) (*segment, error) {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	path := filepath.Join(dir, SegmentName(now, id))
	f, err := create(path)
	if err != nil {
		return nil, fmt.Errorf("create segment: %w", err)
	}

	s := &segment{
		path:      path,
		f:         f,
		w:         bufio.NewWriterSize(f, segmentBufSize),
		startedAt: now,
	}
	_, err = s.w.Write(segmentHeader())
	if err == nil {
		s.buffered = headerLen
		err = s.flush()
	}
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("write segment header: %w", err)
	}

	return s, nil
}

// append writes entry under the next sequence number and returns it as written.
func (s *segment) append(entry LogEntry) (LogEntry, error) {
	entry.Sequence = s.nextSeq
	rec, err := encodeRecord(entry)
	if err != nil {
		return entry, err
	}
	s.unflushed = append(s.unflushed, entry)
	if _, err := s.w.Write(rec); err != nil {
		return entry, fmt.Errorf("write record %d: %w", entry.Sequence, err)
	}
	s.buffered += int64(len(rec))
	s.nextSeq++

	return entry, nil
}

// flush makes everything appended so far durable.
func (s *segment) flush() error {
	if s.buffered == 0 {
		return nil
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flush segment: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("sync segment: %w", err)
	}
	s.durable += s.buffered
	s.buffered = 0
	s.unflushed = s.unflushed[:0]

	return nil
}

func (s *segment) pending() int { return len(s.unflushed) }

// entries is the number of durable records.
func (s *segment) entries() uint64 { return s.nextSeq - uint64(len(s.unflushed)) }

// abandon cuts the file back to its last durable offset, closes it and returns the entries
// that never became durable, in order.
func (s *segment) abandon() ([]LogEntry, error) {
	lost := append([]LogEntry(nil), s.unflushed...)
	truncErr := s.f.Truncate(s.durable)
	_ = s.f.Close()
	if truncErr != nil {
		return lost, fmt.Errorf("truncate segment to %d: %w", s.durable, truncErr)
	}

	return lost, nil
}

func (s *segment) close() error {
	if err := s.flush(); err != nil {
		return err
	}

	return s.f.Close()
}
