package domain

import "time"

// ConnectionID identifies a data source for the lifetime of the process. Ids are never reused.
type ConnectionID uint64

// Header carries the link-layer addressing of a frame.
type Header struct {
	Sequence    uint8
	SystemID    uint8
	ComponentID uint8
	Kind        uint8
}

// Field is one decoded payload value. Value holds the Go type matching the wire type
// (uint8..uint64, int8..int64, float32, float64, string for char arrays) or a slice of it
// for arrays.
type Field struct {
	Name  string
	Value any
}

// Message is a decoded protocol unit. It is immutable after construction and safe to share
// between goroutines.
type Message struct {
	source     ConnectionID
	header     Header
	name       string
	fields     []Field
	raw        []byte
	receivedAt time.Time
}

// NewMessage builds a Message, copying fields and raw bytes.
func NewMessage(source ConnectionID, header Header, name string, fields []Field, raw []byte, receivedAt time.Time) Message {
	return Message{
		source:     source,
		header:     header,
		name:       name,
		fields:     append([]Field(nil), fields...),
		raw:        append([]byte(nil), raw...),
		receivedAt: receivedAt,
	}
}

func (m Message) Source() ConnectionID { return m.source }
func (m Message) Header() Header { return m.header }
func (m Message) SystemID() uint8 { return m.header.SystemID }
func (m Message) ComponentID() uint8 { return m.header.ComponentID }
func (m Message) Kind() uint8 { return m.header.Kind }
func (m Message) Sequence() uint8 { return m.header.Sequence }
func (m Message) Name() string { return m.name }
func (m Message) ReceivedAt() time.Time { return m.receivedAt }
func (m Message) IsZero() bool { return m.name == "" && m.receivedAt.IsZero() }
func (m Message) RawLen() int { return len(m.raw) }
func (m Message) FieldCount() int { return len(m.fields) }
func (m Message) FieldAt(i int) Field { return m.fields[i] }
func (m Message) Raw() []byte { return append([]byte(nil), m.raw...) }
func (m Message) Fields() []Field { return append([]Field(nil), m.fields...) }

// Field returns the decoded value of the named field.
func (m Message) Field(name string) (any, bool) {
	for _, f := range m.fields {
		if f.Name == name {
			return f.Value, true
		}
	}

	return nil, false
}

// Float returns a numeric field converted to float64.
func (m Message) Float(name string) (float64, bool) {
	v, ok := m.Field(name)
	if !ok {
		return 0, false
	}

	return NumericValue(v)
}

// Uint returns a non-negative integer field widened to uint64.
func (m Message) Uint(name string) (uint64, bool) {
	v, ok := m.Field(name)
	if !ok {
		return 0, false
	}

	switch n := v.(type) {
	case uint8:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case uint64:
		return n, true
	case int8, int16, int32, int64:
		i, _ := NumericValue(n)
		if i < 0 {
			return 0, false
		}
		return uint64(i), true
	default:
		return 0, false
	}
}

// NumericValue converts any scalar numeric field value to float64.
func NumericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
