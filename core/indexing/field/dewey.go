package field

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DeweyID identifies a node of a document tree by the path of sibling
// positions from the root, e.g. 1.3.5. The encoding of an ancestor is a
// byte prefix of the encoding of each of its descendants, and the byte
// order of encodings is document order.
type DeweyID []uint32

var errBadDewey = errors.New("malformed dewey id")

// ParseDewey encodes the dotted form of an id.
func ParseDewey(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty", errBadDewey)
	}
	parts := strings.Split(s, ".")
	id := make(DeweyID, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil || v == 0 {
			return nil, fmt.Errorf("%w: division %q", errBadDewey, p)
		}
		id = append(id, uint32(v))
	}
	return id.Encode(), nil
}

// Encode returns the order-preserving encoding of d. Each division takes 1,
// 2, 3 or 5 bytes; the leading bits tell the length.
func (d DeweyID) Encode() []byte {
	out := make([]byte, 0, len(d)*2)
	for _, v := range d {
		switch {
		case v < 0x80:
			out = append(out, byte(v))
		case v < 0x4000:
			out = append(out, 0x80|byte(v>>8), byte(v))
		case v < 0x200000:
			out = append(out, 0xC0|byte(v>>16), byte(v>>8), byte(v))
		default:
			out = append(out, 0xE0, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
		}
	}
	return out
}

// DecodeDewey parses an encoded id.
func DecodeDewey(b []byte) (DeweyID, error) {
	var d DeweyID
	for i := 0; i < len(b); {
		c := b[i]
		var n int
		switch {
		case c < 0x80:
			n = 1
		case c < 0xC0:
			n = 2
		case c < 0xE0:
			n = 3
		case c == 0xE0:
			n = 5
		default:
			return nil, fmt.Errorf("%w: lead byte %#x", errBadDewey, c)
		}
		if i+n > len(b) {
			return nil, fmt.Errorf("%w: truncated", errBadDewey)
		}
		var v uint32
		switch n {
		case 1:
			v = uint32(c)
		case 2:
			v = uint32(c&0x3F)<<8 | uint32(b[i+1])
		case 3:
			v = uint32(c&0x1F)<<16 | uint32(b[i+1])<<8 | uint32(b[i+2])
		case 5:
			v = uint32(b[i+1])<<24 | uint32(b[i+2])<<16 | uint32(b[i+3])<<8 | uint32(b[i+4])
		}
		if v == 0 {
			return nil, fmt.Errorf("%w: zero division", errBadDewey)
		}
		d = append(d, v)
		i += n
	}
	if len(d) == 0 {
		return nil, fmt.Errorf("%w: empty", errBadDewey)
	}
	return d, nil
}

// Parent returns the id of the parent node, or nil for a root.
func (d DeweyID) Parent() DeweyID {
	if len(d) <= 1 {
		return nil
	}
	return d[:len(d)-1]
}

// Level returns the depth of the node, 1 for a root.
func (d DeweyID) Level() int { return len(d) }

func (d DeweyID) String() string {
	parts := make([]string, len(d))
	for i, v := range d {
		parts[i] = strconv.FormatUint(uint64(v), 10)
	}
	return strings.Join(parts, ".")
}

// DeweyParent returns the encoded parent of an encoded id, or nil when b is
// a root or malformed.
func DeweyParent(b []byte) []byte {
	d, err := DecodeDewey(b)
	if err != nil {
		return nil
	}
	p := d.Parent()
	if p == nil {
		return nil
	}
	return p.Encode()
}
