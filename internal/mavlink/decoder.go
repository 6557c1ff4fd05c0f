package mavlink

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/skobkin/groundlink/internal/domain"
)

// DecodeReason classifies a discarded span of input.
type DecodeReason string

const (
	ReasonNoise          DecodeReason = "noise"
	ReasonUnknownKind    DecodeReason = "unknown_kind"
	ReasonLengthMismatch DecodeReason = "length_mismatch"
	ReasonBadChecksum    DecodeReason = "bad_checksum"
)

// DecodeError describes input the decoder skipped. It is never fatal.
type DecodeError struct {
	Reason  DecodeReason
	Kind    uint8
	Skipped int
}

func (e *DecodeError) Error() string {
	switch e.Reason {
	case ReasonNoise:
		return fmt.Sprintf("decode: skipped %d bytes of noise", e.Skipped)
	case ReasonUnknownKind:
		return fmt.Sprintf("decode: unknown message kind %d", e.Kind)
	default:
		return fmt.Sprintf("decode: %s for message kind %d", e.Reason, e.Kind)
	}
}

// DecoderStats counts decoder activity since creation.
type DecoderStats struct {
	Frames       uint64
	Errors       uint64
	SkippedBytes uint64
}

type DecoderOption func(*Decoder)

// WithErrorHandler receives a diagnostic for every skipped span.
func WithErrorHandler(fn func(*DecodeError)) DecoderOption {
	return func(d *Decoder) { d.onError = fn }
}

// Decoder extracts messages from a byte stream split into arbitrary chunks. Between calls it
// keeps at most one incomplete frame. A Decoder is not safe for concurrent use.
type Decoder struct {
	profile *Profile
	source  domain.ConnectionID
	onError func(*DecodeError)
	buf     []byte
	stats   DecoderStats
}

func NewDecoder(profile *Profile, source domain.ConnectionID, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		profile: profile,
		source:  source,
		buf:     make([]byte, 0, 2*MaxFrameLen),
	}
	for _, opt := range opts {
		opt(d)
	}

	return d
}

func (d *Decoder) Stats() DecoderStats { return d.stats }

// Buffered reports how many bytes of a partial frame are held.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Reset drops any partial frame, e.g. after the link was reopened.
func (d *Decoder) Reset() { d.buf = d.buf[:0] }

// Feed consumes chunk and returns every message completed by it, in stream order.
func (d *Decoder) Feed(chunk []byte, receivedAt time.Time) []domain.Message {
	d.buf = append(d.buf, chunk...)

	var out []domain.Message
	pos := 0
	for pos < len(d.buf) {
		idx := bytes.IndexByte(d.buf[pos:], Magic)
		if idx < 0 {
			d.skip(&DecodeError{Reason: ReasonNoise, Skipped: len(d.buf) - pos})
			pos = len(d.buf)
			break
		}
		if idx > 0 {
			d.skip(&DecodeError{Reason: ReasonNoise, Skipped: idx})
			pos += idx
		}

		rest := d.buf[pos:]
		if len(rest) < headerLen {
			break
		}
		payloadLen := int(rest[1])
		kind := rest[5]
		def, ok := d.profile.Message(kind)
		if !ok {
			d.skip(&DecodeError{Reason: ReasonUnknownKind, Kind: kind, Skipped: 1})
			pos++
			continue
		}
		if def.Length != payloadLen {
			d.skip(&DecodeError{Reason: ReasonLengthMismatch, Kind: kind, Skipped: 1})
			pos++
			continue
		}

		total := headerLen + payloadLen + checksumLen
		if len(rest) < total {
			break
		}
		frame := rest[:total]
		want := binary.LittleEndian.Uint16(frame[headerLen+payloadLen:])
		if got := frameChecksum(frame[1:headerLen+payloadLen], def.CRCExtra); got != want {
			d.skip(&DecodeError{Reason: ReasonBadChecksum, Kind: kind, Skipped: 1})
			pos++
			continue
		}

		out = append(out, decodeMessage(def, frame, d.source, receivedAt))
		d.stats.Frames++
		pos += total
	}

	n := copy(d.buf, d.buf[pos:])
	d.buf = d.buf[:n]
	if cap(d.buf) > 8*MaxFrameLen {
		d.buf = append(make([]byte, 0, 2*MaxFrameLen), d.buf...)
	}

	return out
}

func (d *Decoder) skip(err *DecodeError) {
	d.stats.Errors++
	d.stats.SkippedBytes += uint64(err.Skipped)
	if d.onError != nil {
		d.onError(err)
	}
}

// DecodeFrame decodes exactly one complete frame, e.g. a recorded one.
func DecodeFrame(profile *Profile, frame []byte, source domain.ConnectionID, receivedAt time.Time) (domain.Message, error) {
	if len(frame) < headerLen+checksumLen || frame[0] != Magic {
		return domain.Message{}, &DecodeError{Reason: ReasonNoise, Skipped: len(frame)}
	}
	kind := frame[5]
	def, ok := profile.Message(kind)
	if !ok {
		return domain.Message{}, &DecodeError{Reason: ReasonUnknownKind, Kind: kind, Skipped: len(frame)}
	}
	payloadLen := int(frame[1])
	if def.Length != payloadLen || len(frame) != headerLen+payloadLen+checksumLen {
		return domain.Message{}, &DecodeError{Reason: ReasonLengthMismatch, Kind: kind, Skipped: len(frame)}
	}
	want := binary.LittleEndian.Uint16(frame[headerLen+payloadLen:])
	if frameChecksum(frame[1:headerLen+payloadLen], def.CRCExtra) != want {
		return domain.Message{}, &DecodeError{Reason: ReasonBadChecksum, Kind: kind, Skipped: len(frame)}
	}

	return decodeMessage(def, frame, source, receivedAt), nil
}

func decodeMessage(def *MessageDef, frame []byte, source domain.ConnectionID, receivedAt time.Time) domain.Message {
	payload := frame[headerLen : headerLen+def.Length]
	fields := make([]domain.Field, 0, len(def.Fields))
	for _, f := range def.Fields {
		fields = append(fields, domain.Field{
			Name:  f.Name,
			Value: decodeField(f, payload[f.Offset:f.Offset+f.Width]),
		})
	}

	return domain.NewMessage(source, domain.Header{
		Sequence:    frame[2],
		SystemID:    frame[3],
		ComponentID: frame[4],
		Kind:        frame[5],
	}, def.Name, fields, frame, receivedAt)
}

func decodeField(f FieldDef, b []byte) any {
	if !f.IsArray() {
		return f.Type.decode(b)
	}

	switch f.Type {
	case TypeChar:
		if i := bytes.IndexByte(b, 0); i >= 0 {
			b = b[:i]
		}
		return string(b)
	case TypeUint8:
		return append([]uint8(nil), b...)
	case TypeInt8:
		return decodeArray[int8](f, b)
	case TypeUint16:
		return decodeArray[uint16](f, b)
	case TypeInt16:
		return decodeArray[int16](f, b)
	case TypeUint32:
		return decodeArray[uint32](f, b)
	case TypeInt32:
		return decodeArray[int32](f, b)
	case TypeFloat:
		return decodeArray[float32](f, b)
	case TypeUint64:
		return decodeArray[uint64](f, b)
	case TypeInt64:
		return decodeArray[int64](f, b)
	case TypeDouble:
		return decodeArray[float64](f, b)
	default:
		return nil
	}
}

func decodeArray[T any](f FieldDef, b []byte) []T {
	size := f.Type.Size()
	out := make([]T, f.ArrayLen)
	for i := range out {
		out[i] = f.Type.decode(b[i*size : (i+1)*size]).(T)
	}

	return out
}
