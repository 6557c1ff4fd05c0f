package mavlink

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/skobkin/groundlink/internal/domain"
)

const (
	// Magic marks the start of a MAVLink v1 frame.
	Magic byte = 0xFE

	headerLen     = 6
	checksumLen   = 2
	maxPayloadLen = 255

	// MaxFrameLen is the largest possible frame on the wire.
	MaxFrameLen = headerLen + maxPayloadLen + checksumLen
)

// EncodeFrame serializes values for the message kind in header.Kind. Missing fields are zero.
func EncodeFrame(profile *Profile, header domain.Header, values map[string]any) ([]byte, error) {
	def, ok := profile.Message(header.Kind)
	if !ok {
		return nil, fmt.Errorf("unknown message kind %d", header.Kind)
	}
	for name := range values {
		if _, ok := def.Field(name); !ok {
			return nil, fmt.Errorf("%s has no field %q", def.Name, name)
		}
	}

	frame := make([]byte, headerLen+def.Length+checksumLen)
	frame[0] = Magic
	// #nosec G115 -- payload length is bounded by maxPayloadLen when the profile is parsed.
	frame[1] = byte(def.Length)
	frame[2] = header.Sequence
	frame[3] = header.SystemID
	frame[4] = header.ComponentID
	frame[5] = def.ID

	payload := frame[headerLen : headerLen+def.Length]
	for _, f := range def.Fields {
		v, ok := values[f.Name]
		if !ok {
			continue
		}
		if err := encodeField(f, payload[f.Offset:f.Offset+f.Width], v); err != nil {
			return nil, fmt.Errorf("%s.%s: %w", def.Name, f.Name, err)
		}
	}

	crc := frameChecksum(frame[1:headerLen+def.Length], def.CRCExtra)
	binary.LittleEndian.PutUint16(frame[headerLen+def.Length:], crc)

	return frame, nil
}

func encodeField(f FieldDef, dst []byte, v any) error {
	if !f.IsArray() {
		return f.Type.encode(dst, v)
	}

	size := f.Type.Size()
	if f.Type == TypeChar {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		if len(s) > f.ArrayLen {
			return fmt.Errorf("string longer than %d bytes", f.ArrayLen)
		}
		copy(dst, s)
		return nil
	}

	items, ok := v.([]any)
	if !ok {
		return fmt.Errorf("expected list, got %T", v)
	}
	if len(items) > f.ArrayLen {
		return fmt.Errorf("list longer than %d items", f.ArrayLen)
	}
	for i, item := range items {
		if err := f.Type.encode(dst[i*size:(i+1)*size], item); err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
	}

	return nil
}

// Encoder builds outbound frames from a fixed ground-station identity with a rolling sequence.
type Encoder struct {
	profile     *Profile
	systemID    uint8
	componentID uint8

	mu  sync.Mutex
	seq uint8
}

func NewEncoder(profile *Profile, systemID, componentID uint8) *Encoder {
	return &Encoder{profile: profile, systemID: systemID, componentID: componentID}
}

func (e *Encoder) Encode(kind uint8, values map[string]any) ([]byte, error) {
	e.mu.Lock()
	seq := e.seq
	e.seq++
	e.mu.Unlock()

	return EncodeFrame(e.profile, domain.Header{
		Sequence:    seq,
		SystemID:    e.systemID,
		ComponentID: e.componentID,
		Kind:        kind,
	}, values)
}
