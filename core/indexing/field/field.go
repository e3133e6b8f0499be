// Package field defines the key and value field types of an index and the
// byte comparators both the B-link tree and the external sort order by.
// Every type has an order-preserving binary encoding, so most comparisons
// reduce to bytes.Compare on the encoded form.
package field

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Type identifies the encoding of a key or value field.
type Type uint8

const (
	TypeBytes   Type = iota + 1 // raw bytes
	TypeString                  // UTF-8 text
	TypeInt64                   // signed integer, 8 bytes big-endian with the sign bit flipped
	TypeUint64                  // unsigned integer, 8 bytes big-endian
	TypeFloat64                 // IEEE 754, order-preserving transform
	TypeDeweyID                 // hierarchical node id, order-preserving divisions
)

var typeNames = map[Type]string{
	TypeBytes:   "bytes",
	TypeString:  "string",
	TypeInt64:   "int64",
	TypeUint64:  "uint64",
	TypeFloat64: "float64",
	TypeDeweyID: "dewey",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// ParseType resolves a type name as printed by String.
func ParseType(name string) (Type, error) {
	for t, n := range typeNames {
		if n == strings.ToLower(name) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown field type %q", name)
}

// Compare orders two encoded values of type t. All encodings are
// order-preserving, so this is the byte order; a value that is a prefix of
// another sorts first.
func Compare(_ Type, a, b []byte) int {
	return bytes.Compare(a, b)
}

// Comparator returns Compare bound to t.
func Comparator(t Type) func(a, b []byte) int {
	return func(a, b []byte) int { return Compare(t, a, b) }
}

// Validate checks that b is a well-formed encoding of type t.
func Validate(t Type, b []byte) error {
	switch t {
	case TypeInt64, TypeUint64, TypeFloat64:
		if len(b) != 8 {
			return fmt.Errorf("%s field needs 8 bytes, got %d", t, len(b))
		}
	case TypeDeweyID:
		_, err := DecodeDewey(b)
		return err
	case TypeBytes, TypeString:
	default:
		return fmt.Errorf("unknown field type %d", uint8(t))
	}
	return nil
}

// EncodeInt64 encodes v so that byte order equals numeric order.
func EncodeInt64(v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v)^(1<<63))
	return b[:]
}

// DecodeInt64 reverses EncodeInt64.
func DecodeInt64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63))
}

// EncodeUint64 encodes v big-endian.
func EncodeUint64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// EncodeFloat64 encodes v so that byte order equals numeric order.
func EncodeFloat64(v float64) []byte {
	bits := math.Float64bits(v)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	return EncodeUint64(bits)
}

// DecodeFloat64 reverses EncodeFloat64.
func DecodeFloat64(b []byte) float64 {
	bits := binary.BigEndian.Uint64(b)
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}

// Parse encodes the textual form of a value, as accepted by the shell.
func Parse(t Type, s string) ([]byte, error) {
	switch t {
	case TypeBytes:
		if strings.HasPrefix(s, "0x") {
			return hex.DecodeString(s[2:])
		}
		return []byte(s), nil
	case TypeString:
		return []byte(s), nil
	case TypeInt64:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, err
		}
		return EncodeInt64(v), nil
	case TypeUint64:
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, err
		}
		return EncodeUint64(v), nil
	case TypeFloat64:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, err
		}
		return EncodeFloat64(v), nil
	case TypeDeweyID:
		return ParseDewey(s)
	}
	return nil, fmt.Errorf("unknown field type %d", uint8(t))
}

// Format renders an encoded value as text.
func Format(t Type, b []byte) string {
	switch t {
	case TypeString:
		return string(b)
	case TypeInt64:
		if len(b) == 8 {
			return strconv.FormatInt(DecodeInt64(b), 10)
		}
	case TypeUint64:
		if len(b) == 8 {
			return strconv.FormatUint(binary.BigEndian.Uint64(b), 10)
		}
	case TypeFloat64:
		if len(b) == 8 {
			return strconv.FormatFloat(DecodeFloat64(b), 'g', -1, 64)
		}
	case TypeDeweyID:
		if d, err := DecodeDewey(b); err == nil {
			return d.String()
		}
	}
	if isPrintable(b) {
		return string(b)
	}
	return "0x" + hex.EncodeToString(b)
}

func isPrintable(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}
