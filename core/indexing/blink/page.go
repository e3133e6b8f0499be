package blink

import (
	"encoding/binary"
	"fmt"

	"github.com/sushant-115/xtcdb/core/dberror"
	"github.com/sushant-115/xtcdb/core/indexing/field"
	"github.com/sushant-115/xtcdb/core/write_engine/logop"
)

// PageType distinguishes leaf and branch pages. Zero marks a page that was
// never formatted.
type PageType uint8

const (
	PageTypeLeaf   PageType = 1
	PageTypeBranch PageType = 2
)

func (t PageType) String() string {
	switch t {
	case PageTypeLeaf:
		return "LEAF"
	case PageTypeBranch:
		return "BRANCH"
	}
	return fmt.Sprintf("PageType(%d)", uint8(t))
}

// Page flags.
const (
	FlagUnique     uint8 = 1 << 0
	FlagCompressed uint8 = 1 << 1 // front-coded keys, prefix-aware maintenance
	FlagDeleted    uint8 = 1 << 2 // unlinked from the tree
)

// body layout:
// [type:u8][keyType:u8][valueType:u8][flags:u8][height:u16][count:u16]
// [root:u32][prev:u32][next:u32][low:u32][highLen:u16][highKey][entries...]
const (
	headerSize = 26
	noHighKey  = 0xFFFF

	// entry: [keyLen:u16][key][valueLen:u16][value], plus [child:u32] on
	// branches. Compressed pages store [shared:u16][suffixLen:u16][suffix]
	// instead of the key.
	leafEntryOverhead   = 4
	branchEntryOverhead = 8
	compressedOverhead  = 2
)

type entry struct {
	key   []byte
	value []byte
	child uint32
}

// node is the decoded form of a B-link page body.
type node struct {
	typ      PageType
	keyType  field.Type
	valType  field.Type
	flags    uint8
	height   uint16
	root     uint32
	prev     uint32
	next     uint32
	low      uint32
	high     []byte // encoded separator bounding the page; nil is +inf
	entries  []entry
	capacity int
}

func (n *node) isLeaf() bool         { return n.typ == PageTypeLeaf }
func (n *node) isDeleted() bool      { return n.flags&FlagDeleted != 0 }
func (n *node) compressed() bool     { return n.flags&FlagCompressed != 0 }
func (n *node) formatted() bool      { return n.typ == PageTypeLeaf || n.typ == PageTypeBranch }
func (n *node) count() int           { return len(n.entries) }
func (n *node) entryAt(i int) *entry { return &n.entries[i] }

func decodeNode(body []byte) (*node, error) {
	n := &node{capacity: len(body)}
	if len(body) < headerSize {
		return nil, errCorrupt("header")
	}
	n.typ = PageType(body[0])
	n.keyType = field.Type(body[1])
	n.valType = field.Type(body[2])
	n.flags = body[3]
	n.height = binary.BigEndian.Uint16(body[4:6])
	count := int(binary.BigEndian.Uint16(body[6:8]))
	n.root = binary.BigEndian.Uint32(body[8:12])
	n.prev = binary.BigEndian.Uint32(body[12:16])
	n.next = binary.BigEndian.Uint32(body[16:20])
	n.low = binary.BigEndian.Uint32(body[20:24])
	off := headerSize
	hl := int(binary.BigEndian.Uint16(body[24:26]))
	if n.typ == 0 {
		return n, nil
	}
	if hl != noHighKey {
		if off+hl > len(body) {
			return nil, errCorrupt("high key")
		}
		n.high = append([]byte{}, body[off:off+hl]...)
		off += hl
	}
	n.entries = make([]entry, 0, count)
	var prevKey []byte
	for i := 0; i < count; i++ {
		var e entry
		if n.compressed() {
			if off+4 > len(body) {
				return nil, errCorrupt("entry header")
			}
			shared := int(binary.BigEndian.Uint16(body[off:]))
			sl := int(binary.BigEndian.Uint16(body[off+2:]))
			off += 4
			if shared > len(prevKey) || off+sl > len(body) {
				return nil, errCorrupt("front-coded key")
			}
			e.key = make([]byte, 0, shared+sl)
			e.key = append(append(e.key, prevKey[:shared]...), body[off:off+sl]...)
			off += sl
		} else {
			if off+2 > len(body) {
				return nil, errCorrupt("entry header")
			}
			kl := int(binary.BigEndian.Uint16(body[off:]))
			off += 2
			if off+kl > len(body) {
				return nil, errCorrupt("key")
			}
			e.key = append([]byte{}, body[off:off+kl]...)
			off += kl
		}
		if off+2 > len(body) {
			return nil, errCorrupt("value header")
		}
		vl := int(binary.BigEndian.Uint16(body[off:]))
		off += 2
		if off+vl > len(body) {
			return nil, errCorrupt("value")
		}
		if vl > 0 {
			e.value = append([]byte{}, body[off:off+vl]...)
		}
		off += vl
		if n.typ == PageTypeBranch {
			if off+4 > len(body) {
				return nil, errCorrupt("child")
			}
			e.child = binary.BigEndian.Uint32(body[off:])
			off += 4
		}
		n.entries = append(n.entries, e)
		prevKey = e.key
	}
	return n, nil
}

func errCorrupt(what string) error {
	return fmt.Errorf("%w: b-link page %s out of bounds", dberror.ErrPageCorrupt, what)
}

// size returns the encoded size of the node.
func (n *node) size() int {
	s := headerSize + len(n.high)
	var prevKey []byte
	for i := range n.entries {
		s += n.entrySize(prevKey, &n.entries[i])
		prevKey = n.entries[i].key
	}
	return s
}

func (n *node) entrySize(prevKey []byte, e *entry) int {
	s := leafEntryOverhead + len(e.value)
	if n.typ == PageTypeBranch {
		s = branchEntryOverhead + len(e.value)
	}
	if n.compressed() {
		return s + compressedOverhead + len(e.key) - sharedPrefix(prevKey, e.key)
	}
	return s + len(e.key)
}

func (n *node) fits() bool { return n.size() <= n.capacity }

// encode writes the node into body, which must be the page body it was
// decoded from.
func (n *node) encode(body []byte) error {
	if n.size() > len(body) {
		return fmt.Errorf("%w: node needs %d bytes, page has %d", dberror.ErrEntryTooLarge, n.size(), len(body))
	}
	clear(body)
	if n.typ == 0 {
		return nil
	}
	body[0] = byte(n.typ)
	body[1] = byte(n.keyType)
	body[2] = byte(n.valType)
	body[3] = n.flags
	binary.BigEndian.PutUint16(body[4:6], n.height)
	binary.BigEndian.PutUint16(body[6:8], uint16(len(n.entries)))
	binary.BigEndian.PutUint32(body[8:12], n.root)
	binary.BigEndian.PutUint32(body[12:16], n.prev)
	binary.BigEndian.PutUint32(body[16:20], n.next)
	binary.BigEndian.PutUint32(body[20:24], n.low)
	off := headerSize
	if n.high == nil {
		binary.BigEndian.PutUint16(body[24:26], noHighKey)
	} else {
		binary.BigEndian.PutUint16(body[24:26], uint16(len(n.high)))
		off += copy(body[off:], n.high)
	}
	var prevKey []byte
	for _, e := range n.entries {
		if n.compressed() {
			shared := sharedPrefix(prevKey, e.key)
			binary.BigEndian.PutUint16(body[off:], uint16(shared))
			binary.BigEndian.PutUint16(body[off+2:], uint16(len(e.key)-shared))
			off += 4
			off += copy(body[off:], e.key[shared:])
		} else {
			binary.BigEndian.PutUint16(body[off:], uint16(len(e.key)))
			off += 2
			off += copy(body[off:], e.key)
		}
		binary.BigEndian.PutUint16(body[off:], uint16(len(e.value)))
		off += 2
		off += copy(body[off:], e.value)
		if n.typ == PageTypeBranch {
			binary.BigEndian.PutUint32(body[off:], e.child)
			off += 4
		}
		prevKey = e.key
	}
	return nil
}

func sharedPrefix(a, b []byte) int {
	n := min(len(a), len(b), 0xFFFF)
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// --- separators ---

// encodeSep packs a separator (key, value) into the high key format:
// [keyLen:u16][key][value].
func encodeSep(key, value []byte) []byte {
	out := make([]byte, 2+len(key)+len(value))
	binary.BigEndian.PutUint16(out, uint16(len(key)))
	copy(out[2:], key)
	copy(out[2+len(key):], value)
	return out
}

func decodeSep(sep []byte) (key, value []byte) {
	if len(sep) < 2 {
		return nil, nil
	}
	kl := int(binary.BigEndian.Uint16(sep))
	if 2+kl > len(sep) {
		return sep[2:], nil
	}
	key = sep[2 : 2+kl]
	if len(sep) > 2+kl {
		value = sep[2+kl:]
	}
	return key, value
}

// --- physical operations, shared by do, redo and undo ---

func (n *node) format(f logop.PageFormat, root uint32) {
	n.typ = PageType(f.PageType)
	n.keyType = field.Type(f.KeyType)
	n.valType = field.Type(f.ValueType)
	n.flags = f.Flags
	n.height = f.Height
	n.root = root
	n.prev = f.Prev
	n.next = f.Next
	n.low = f.Low
	n.high = f.HighKey
	n.entries = nil
}

func (n *node) pageFormat() logop.PageFormat {
	return logop.PageFormat{
		PageType:  uint8(n.typ),
		KeyType:   uint8(n.keyType),
		ValueType: uint8(n.valType),
		Flags:     n.flags,
		Height:    n.height,
		Prev:      n.prev,
		Next:      n.next,
		Low:       n.low,
		HighKey:   n.high,
	}
}

func (n *node) insertAt(pos int, e entry) error {
	if pos < 0 || pos > len(n.entries) {
		return fmt.Errorf("insert position %d of %d entries", pos, len(n.entries))
	}
	n.entries = append(n.entries, entry{})
	copy(n.entries[pos+1:], n.entries[pos:])
	n.entries[pos] = e
	return nil
}

func (n *node) deleteAt(pos int) error {
	if pos < 0 || pos >= len(n.entries) {
		return fmt.Errorf("delete position %d of %d entries", pos, len(n.entries))
	}
	n.entries = append(n.entries[:pos], n.entries[pos+1:]...)
	return nil
}

func (n *node) updateAt(pos int, e entry) error {
	if pos < 0 || pos >= len(n.entries) {
		return fmt.Errorf("update position %d of %d entries", pos, len(n.entries))
	}
	n.entries[pos] = e
	return nil
}

func toEntry(e logop.Entry) entry {
	return entry{key: e.Key, value: e.Value, child: e.Child}
}

func fromEntry(pos int, e entry) logop.Entry {
	return logop.Entry{Pos: pos, Key: e.key, Value: e.value, Child: e.child}
}

// apply performs the page part of op on n.
func (n *node) apply(op *logop.Op) error {
	switch op.Kind {
	case logop.KindFormat:
		n.format(op.After, op.Root)
	case logop.KindPointer:
		switch op.Field {
		case logop.FieldPrev:
			n.prev = op.NewPtr
		case logop.FieldNext:
			n.next = op.NewPtr
		case logop.FieldLow:
			n.low = op.NewPtr
		case logop.FieldHighKey:
			n.high = op.NewKey
		case logop.FieldFlags:
			n.flags = uint8(op.NewPtr)
		default:
			return fmt.Errorf("unknown pointer field %d", op.Field)
		}
	case logop.KindInsert:
		return n.insertAt(op.New.Pos, toEntry(op.New))
	case logop.KindDelete:
		return n.deleteAt(op.Old.Pos)
	case logop.KindUpdate, logop.KindSMOUpdate:
		return n.updateAt(op.New.Pos, toEntry(op.New))
	case logop.KindSMOInsert:
		for _, e := range op.Entries {
			if err := n.insertAt(e.Pos, toEntry(e)); err != nil {
				return err
			}
		}
	case logop.KindSMODelete:
		for i := len(op.Entries) - 1; i >= 0; i-- {
			if err := n.deleteAt(op.Entries[i].Pos); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%s is not a page operation", op.Kind)
	}
	return nil
}
