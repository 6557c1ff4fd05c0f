// Package msglog records every decoded message to append-only segment files and reads them back.
//
// A segment starts with an 8-byte header: the magic "GLOG", a format version byte and three
// reserved bytes. Records follow back to back:
//
//	[u32 LE body length][u32 LE CRC-32C of body][body]
//
// where body is a msgpack-encoded LogEntry. A record is either entirely present or truncated
// away, so a reader only ever sees a torn record at the very end of a file after a crash.
package msglog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/skobkin/groundlink/internal/domain"
)

const (
	Magic         = "GLOG"
	FormatVersion = 1
	// SegmentExt is the file extension of segment files.
	SegmentExt = ".glog"

	headerLen       = 8
	recordHeaderLen = 8
	// MaxRecordLen bounds a record body; real entries hold one frame of at most 263 bytes.
	MaxRecordLen = 64 * 1024
)

var (
	ErrBadHeader = errors.New("not a message log segment")
	// ErrTruncated marks an incomplete trailing record. Readers treat it as the end of the log.
	ErrTruncated = errors.New("truncated record")
	ErrCorrupt   = errors.New("corrupt record")

	errEncode = errors.New("encode log entry")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// LogEntry is one recorded message. Sequence is gapless and restarts at 0 in every segment.
type LogEntry struct {
	Sequence     uint64    `msgpack:"seq"`
	ConnectionID uint64    `msgpack:"conn"`
	RecordedAt   time.Time `msgpack:"at"`
	SystemID     uint8     `msgpack:"sys"`
	ComponentID  uint8     `msgpack:"comp"`
	Kind         uint8     `msgpack:"kind"`
	Raw          []byte    `msgpack:"raw"`
}

// EntryFromMessage captures msg for recording; the sequence is assigned by the segment.
func EntryFromMessage(msg domain.Message) LogEntry {
	return LogEntry{
		ConnectionID: uint64(msg.Source()),
		RecordedAt:   msg.ReceivedAt(),
		SystemID:     msg.SystemID(),
		ComponentID:  msg.ComponentID(),
		Kind:         msg.Kind(),
		Raw:          msg.Raw(),
	}
}

func segmentHeader() []byte {
	h := make([]byte, headerLen)
	copy(h, Magic)
	h[4] = FormatVersion

	return h
}

func checkHeader(h []byte) error {
	if len(h) < headerLen || string(h[:4]) != Magic {
		return ErrBadHeader
	}
	if h[4] != FormatVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrBadHeader, h[4])
	}

	return nil
}

func encodeRecord(entry LogEntry) ([]byte, error) {
	body, err := msgpack.Marshal(&entry)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errEncode, err)
	}
	if len(body) > MaxRecordLen {
		return nil, fmt.Errorf("%w: body of %d bytes exceeds %d", errEncode, len(body), MaxRecordLen)
	}

	rec := make([]byte, recordHeaderLen+len(body))
	// #nosec G115 -- bounded by MaxRecordLen above.
	binary.LittleEndian.PutUint32(rec[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(rec[4:8], crc32.Checksum(body, castagnoli))
	copy(rec[recordHeaderLen:], body)

	return rec, nil
}

func decodeBody(body []byte, sum uint32) (LogEntry, error) {
	if crc32.Checksum(body, castagnoli) != sum {
		return LogEntry{}, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	var entry LogEntry
	if err := msgpack.Unmarshal(body, &entry); err != nil {
		return LogEntry{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	// body is a reused read buffer.
	entry.Raw = append([]byte(nil), entry.Raw...)

	return entry, nil
}
