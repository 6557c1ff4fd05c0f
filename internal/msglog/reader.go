package msglog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// Reader iterates the records of one segment in stored order.
type Reader struct {
	f    *os.File
	r    *bufio.Reader
	path string
	hdr  [recordHeaderLen]byte
	body []byte
}

func OpenReader(path string) (*Reader, error) {
	// #nosec G304 -- the operator chooses which recording to read.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}
	r := bufio.NewReaderSize(f, 64*1024)

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("read segment header of %s: %w", path, ErrBadHeader)
	}
	if err := checkHeader(header); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &Reader{f: f, r: r, path: path}, nil
}

func (r *Reader) Path() string { return r.path }

// Next returns the next entry, io.EOF at a clean end, or ErrTruncated when the file ends
// inside a record.
func (r *Reader) Next() (LogEntry, error) {
	n, err := io.ReadFull(r.r, r.hdr[:])
	switch {
	case errors.Is(err, io.EOF):
		return LogEntry{}, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		return LogEntry{}, fmt.Errorf("%w: %d of %d header bytes", ErrTruncated, n, recordHeaderLen)
	case err != nil:
		return LogEntry{}, fmt.Errorf("read record header: %w", err)
	}

	size := binary.LittleEndian.Uint32(r.hdr[0:4])
	sum := binary.LittleEndian.Uint32(r.hdr[4:8])
	if size > MaxRecordLen {
		return LogEntry{}, fmt.Errorf("%w: record length %d", ErrCorrupt, size)
	}
	if cap(r.body) < int(size) {
		r.body = make([]byte, size)
	}
	body := r.body[:size]
	if n, err := io.ReadFull(r.r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return LogEntry{}, fmt.Errorf("%w: %d of %d body bytes", ErrTruncated, n, size)
		}
		return LogEntry{}, fmt.Errorf("read record body: %w", err)
	}

	return decodeBody(body, sum)
}

func (r *Reader) Close() error {
	return r.f.Close()
}

// ReadAll reads every complete entry of a segment. A torn tail is not an error.
func ReadAll(path string) ([]LogEntry, error) {
	r, err := OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()

	var out []LogEntry
	for {
		entry, err := r.Next()
		if errors.Is(err, io.EOF) || errors.Is(err, ErrTruncated) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, entry)
	}
}
