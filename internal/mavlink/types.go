package mavlink

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// FieldType is a MAVLink primitive wire type.
type FieldType int

const (
	TypeUint8 FieldType = iota + 1
	TypeInt8
	TypeChar
	TypeUint16
	TypeInt16
	TypeUint32
	TypeInt32
	TypeFloat
	TypeUint64
	TypeInt64
	TypeDouble
)

var fieldTypeNames = map[FieldType]string{
	TypeUint8:  "uint8_t",
	TypeInt8:   "int8_t",
	TypeChar:   "char",
	TypeUint16: "uint16_t",
	TypeInt16:  "int16_t",
	TypeUint32: "uint32_t",
	TypeInt32:  "int32_t",
	TypeFloat:  "float",
	TypeUint64: "uint64_t",
	TypeInt64:  "int64_t",
	TypeDouble: "double",
}

// ParseFieldType accepts MAVLink XML type names with or without the _t suffix.
func ParseFieldType(raw string) (FieldType, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if name != "char" && name != "float" && name != "double" && !strings.HasSuffix(name, "_t") {
		name += "_t"
	}
	for t, n := range fieldTypeNames {
		if n == name {
			return t, nil
		}
	}

	return 0, fmt.Errorf("unknown field type %q", raw)
}

func (t FieldType) String() string {
	if n, ok := fieldTypeNames[t]; ok {
		return n
	}

	return fmt.Sprintf("FieldType(%d)", int(t))
}

// Size is the width of one element in bytes.
func (t FieldType) Size() int {
	switch t {
	case TypeUint8, TypeInt8, TypeChar:
		return 1
	case TypeUint16, TypeInt16:
		return 2
	case TypeUint32, TypeInt32, TypeFloat:
		return 4
	case TypeUint64, TypeInt64, TypeDouble:
		return 8
	default:
		return 0
	}
}

// Numeric reports whether values of this type can be plotted.
func (t FieldType) Numeric() bool {
	return t != TypeChar && t.Size() > 0
}

func (t FieldType) decode(b []byte) any {
	switch t {
	case TypeUint8:
		return b[0]
	case TypeInt8:
		return int8(b[0])
	case TypeChar:
		return b[0]
	case TypeUint16:
		return binary.LittleEndian.Uint16(b)
	case TypeInt16:
		return int16(binary.LittleEndian.Uint16(b))
	case TypeUint32:
		return binary.LittleEndian.Uint32(b)
	case TypeInt32:
		return int32(binary.LittleEndian.Uint32(b))
	case TypeFloat:
		return math.Float32frombits(binary.LittleEndian.Uint32(b))
	case TypeUint64:
		return binary.LittleEndian.Uint64(b)
	case TypeInt64:
		return int64(binary.LittleEndian.Uint64(b))
	case TypeDouble:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	default:
		return nil
	}
}

// encode writes v into b. Numeric values of any Go type are converted to the wire type.
func (t FieldType) encode(b []byte, v any) error {
	switch t {
	case TypeFloat:
		f, err := toFloat(v)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(f)))
		return nil
	case TypeDouble:
		f, err := toFloat(v)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(b, math.Float64bits(f))
		return nil
	case TypeUint64:
		u, err := toUint(v)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(b, u)
		return nil
	}

	n, err := toInt(v)
	if err != nil {
		return err
	}
	if !t.fits(n) {
		return fmt.Errorf("value %d out of range for %s", n, t)
	}

	switch t.Size() {
	case 1:
		b[0] = byte(n)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(n))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(n))
	case 8:
		binary.LittleEndian.PutUint64(b, uint64(n))
	}

	return nil
}

func (t FieldType) fits(n int64) bool {
	switch t {
	case TypeUint8, TypeChar:
		return n >= 0 && n <= math.MaxUint8
	case TypeInt8:
		return n >= math.MinInt8 && n <= math.MaxInt8
	case TypeUint16:
		return n >= 0 && n <= math.MaxUint16
	case TypeInt16:
		return n >= math.MinInt16 && n <= math.MaxInt16
	case TypeUint32:
		return n >= 0 && n <= math.MaxUint32
	case TypeInt32:
		return n >= math.MinInt32 && n <= math.MaxInt32
	default:
		return true
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

func toInt(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", n)
		}
		return int64(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	case float32:
		return floatToInt(float64(n))
	case float64:
		return floatToInt(n)
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

// toUint covers the full uint64 range, which toInt cannot.
func toUint(v any) (uint64, error) {
	switch n := v.(type) {
	case uint:
		return uint64(n), nil
	case uint8:
		return uint64(n), nil
	case uint16:
		return uint64(n), nil
	case uint32:
		return uint64(n), nil
	case uint64:
		return n, nil
	case float32:
		return floatToUint(float64(n))
	case float64:
		return floatToUint(n)
	}

	n, err := toInt(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("value %d out of range for %s", n, TypeUint64)
	}

	return uint64(n), nil
}

func floatToUint(f float64) (uint64, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, fmt.Errorf("expected integer, got %v", f)
	}
	if f < 0 || f >= 1<<64 {
		return 0, fmt.Errorf("value %v out of range for %s", f, TypeUint64)
	}

	return uint64(f), nil
}

// floatToInt accepts whole numbers only; JSON decoding produces float64 for every number.
func floatToInt(f float64) (int64, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, fmt.Errorf("expected integer, got %v", f)
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("value %v overflows int64", f)
	}

	return int64(f), nil
}
