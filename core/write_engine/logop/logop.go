// Package logop defines the redo/undo-able operations carried in UPDATE and
// CLR log records. An Op is a tagged union: Kind selects which of the payload
// fields are meaningful. Ops are immutable once logged.
package logop

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/sushant-115/xtcdb/core/dberror"
	pagemanager "github.com/sushant-115/xtcdb/core/write_engine/page_manager"
)

// Kind discriminates the operation variants.
type Kind uint8

const (
	KindAllocate Kind = iota + 1
	KindDeallocate
	KindDeallocateDeferred
	KindCreateUnit
	KindDropUnit
	KindFormat
	KindPointer
	KindInsert
	KindDelete
	KindUpdate
	KindSMOInsert
	KindSMODelete
	KindSMOUpdate
)

var kindNames = map[Kind]string{
	KindAllocate:           "ALLOCATE",
	KindDeallocate:         "DEALLOCATE",
	KindDeallocateDeferred: "DEALLOCATE_DEFERRED",
	KindCreateUnit:         "CREATE_UNIT",
	KindDropUnit:           "DROP_UNIT",
	KindFormat:             "FORMAT",
	KindPointer:            "POINTER",
	KindInsert:             "INSERT",
	KindDelete:             "DELETE",
	KindUpdate:             "UPDATE",
	KindSMOInsert:          "SMO_INSERT",
	KindSMODelete:          "SMO_DELETE",
	KindSMOUpdate:          "SMO_UPDATE",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// PageRef names a page together with the unit that owns it.
type PageRef struct {
	Page pagemanager.PageID
	Unit int32
}

// PageFormat is the header a B-link page is formatted with. Formatting
// always leaves the page without entries.
type PageFormat struct {
	PageType  uint8
	KeyType   uint8
	ValueType uint8
	Flags     uint8
	Height    uint16
	Prev      uint32
	Next      uint32
	Low       uint32
	HighKey   []byte
}

// PointerField selects the page header field a POINTER op changes.
type PointerField uint8

const (
	FieldPrev PointerField = iota + 1
	FieldNext
	FieldLow
	FieldHighKey
	FieldFlags
)

func (f PointerField) String() string {
	switch f {
	case FieldPrev:
		return "prev"
	case FieldNext:
		return "next"
	case FieldLow:
		return "low"
	case FieldHighKey:
		return "highKey"
	case FieldFlags:
		return "flags"
	}
	return fmt.Sprintf("PointerField(%d)", uint8(f))
}

// Entry is one page slot: its position, key, value and, on branch pages,
// the child it routes to.
type Entry struct {
	Pos   int
	Key   []byte
	Value []byte
	Child uint32
}

// Op is a log operation.
//
//	ALLOCATE, DEALLOCATE, CREATE_UNIT, DROP_UNIT  Page, Unit
//	DEALLOCATE_DEFERRED                           Deferred, Unit dropped afterwards when set, Page names its container
//	FORMAT                                        Page, Root, Before, After
//	POINTER                                       Page, Root, Field, OldPtr/NewPtr or OldKey/NewKey
//	SMO_INSERT, SMO_DELETE                        Page, Root, Entries (ascending positions)
//	SMO_UPDATE, UPDATE                            Page, Root, Old, New
//	INSERT                                        Page, Root, New
//	DELETE                                        Page, Root, Old
type Op struct {
	Kind     Kind
	Page     pagemanager.PageID
	Root     uint32
	Unit     int32
	Deferred []PageRef
	Before   PageFormat
	After    PageFormat
	Field    PointerField
	OldPtr   uint32
	NewPtr   uint32
	OldKey   []byte
	NewKey   []byte
	Entries  []Entry
	Old      Entry
	New      Entry
}

// IsUser reports whether the op is a user-visible index mutation, undone
// logically.
func (op *Op) IsUser() bool {
	return op.Kind == KindInsert || op.Kind == KindDelete || op.Kind == KindUpdate
}

// IsPageOp reports whether the op changes the contents of Page and is
// therefore guarded by the page LSN on redo.
func (op *Op) IsPageOp() bool {
	switch op.Kind {
	case KindFormat, KindPointer, KindInsert, KindDelete, KindUpdate, KindSMOInsert, KindSMODelete, KindSMOUpdate:
		return true
	}
	return false
}

// Inverse returns the operation that physically undoes op. User operations
// have a logical inverse whose position must be re-resolved by the caller.
// DEALLOCATE_DEFERRED has no inverse and is returned unchanged.
func (op *Op) Inverse() Op {
	inv := *op
	switch op.Kind {
	case KindAllocate:
		inv.Kind = KindDeallocate
	case KindDeallocate:
		inv.Kind = KindAllocate
	case KindCreateUnit:
		inv.Kind = KindDropUnit
	case KindDropUnit:
		inv.Kind = KindCreateUnit
	case KindFormat:
		inv.Before, inv.After = op.After, op.Before
	case KindPointer:
		inv.OldPtr, inv.NewPtr = op.NewPtr, op.OldPtr
		inv.OldKey, inv.NewKey = op.NewKey, op.OldKey
	case KindSMOInsert:
		inv.Kind = KindSMODelete
	case KindSMODelete:
		inv.Kind = KindSMOInsert
	case KindSMOUpdate, KindUpdate:
		inv.Old, inv.New = op.New, op.Old
	case KindInsert:
		inv.Kind = KindDelete
		inv.Old, inv.New = op.New, Entry{}
	case KindDelete:
		inv.Kind = KindInsert
		inv.Old, inv.New = Entry{}, op.Old
	}
	return inv
}

func (op *Op) String() string {
	switch op.Kind {
	case KindAllocate, KindDeallocate, KindCreateUnit, KindDropUnit:
		return fmt.Sprintf("%s page=%s unit=%d", op.Kind, op.Page, op.Unit)
	case KindDeallocateDeferred:
		return fmt.Sprintf("%s pages=%d", op.Kind, len(op.Deferred))
	case KindFormat:
		return fmt.Sprintf("%s page=%s root=%d type=%d height=%d", op.Kind, op.Page, op.Root, op.After.PageType, op.After.Height)
	case KindPointer:
		return fmt.Sprintf("%s page=%s root=%d %s %d->%d", op.Kind, op.Page, op.Root, op.Field, op.OldPtr, op.NewPtr)
	case KindSMOInsert, KindSMODelete:
		return fmt.Sprintf("%s page=%s root=%d entries=%d", op.Kind, op.Page, op.Root, len(op.Entries))
	}
	return fmt.Sprintf("%s page=%s root=%d", op.Kind, op.Page, op.Root)
}

// --- Encoding ---

// Encode serializes op.
func (op *Op) Encode() []byte {
	w := &writer{}
	w.u8(uint8(op.Kind))
	switch op.Kind {
	case KindAllocate, KindDeallocate, KindCreateUnit, KindDropUnit:
		w.page(op.Page)
		w.i32(op.Unit)
	case KindDeallocateDeferred:
		w.page(op.Page)
		w.u32(uint32(len(op.Deferred)))
		for _, ref := range op.Deferred {
			w.page(ref.Page)
			w.i32(ref.Unit)
		}
		w.i32(op.Unit)
	case KindFormat:
		w.page(op.Page)
		w.u32(op.Root)
		w.format(op.Before)
		w.format(op.After)
	case KindPointer:
		w.page(op.Page)
		w.u32(op.Root)
		w.u8(uint8(op.Field))
		w.u32(op.OldPtr)
		w.u32(op.NewPtr)
		w.bytes(op.OldKey)
		w.bytes(op.NewKey)
	case KindSMOInsert, KindSMODelete:
		w.page(op.Page)
		w.u32(op.Root)
		w.u32(uint32(len(op.Entries)))
		for _, e := range op.Entries {
			w.entry(e)
		}
	case KindInsert:
		w.page(op.Page)
		w.u32(op.Root)
		w.entry(op.New)
	case KindDelete:
		w.page(op.Page)
		w.u32(op.Root)
		w.entry(op.Old)
	case KindUpdate, KindSMOUpdate:
		w.page(op.Page)
		w.u32(op.Root)
		w.entry(op.Old)
		w.entry(op.New)
	}
	return w.buf.Bytes()
}

// Decode parses an encoded op.
func Decode(data []byte) (Op, error) {
	r := &reader{r: bytes.NewReader(data)}
	var op Op
	op.Kind = Kind(r.u8())
	switch op.Kind {
	case KindAllocate, KindDeallocate, KindCreateUnit, KindDropUnit:
		op.Page = r.page()
		op.Unit = r.i32()
	case KindDeallocateDeferred:
		op.Page = r.page()
		n := r.count()
		for i := 0; i < n && r.err == nil; i++ {
			op.Deferred = append(op.Deferred, PageRef{Page: r.page(), Unit: r.i32()})
		}
		op.Unit = r.i32()
	case KindFormat:
		op.Page = r.page()
		op.Root = r.u32()
		op.Before = r.format()
		op.After = r.format()
	case KindPointer:
		op.Page = r.page()
		op.Root = r.u32()
		op.Field = PointerField(r.u8())
		op.OldPtr = r.u32()
		op.NewPtr = r.u32()
		op.OldKey = r.bytes()
		op.NewKey = r.bytes()
	case KindSMOInsert, KindSMODelete:
		op.Page = r.page()
		op.Root = r.u32()
		n := r.count()
		for i := 0; i < n && r.err == nil; i++ {
			op.Entries = append(op.Entries, r.entry())
		}
	case KindInsert:
		op.Page = r.page()
		op.Root = r.u32()
		op.New = r.entry()
	case KindDelete:
		op.Page = r.page()
		op.Root = r.u32()
		op.Old = r.entry()
	case KindUpdate, KindSMOUpdate:
		op.Page = r.page()
		op.Root = r.u32()
		op.Old = r.entry()
		op.New = r.entry()
	default:
		if r.err == nil {
			return Op{}, fmt.Errorf("%w: operation kind %d", dberror.ErrUnknownRecord, uint8(op.Kind))
		}
	}
	if r.err != nil {
		return Op{}, fmt.Errorf("%w: %s: %v", dberror.ErrMalformed, op.Kind, r.err)
	}
	if r.r.Len() != 0 {
		return Op{}, fmt.Errorf("%w: %s: %d trailing bytes", dberror.ErrMalformed, op.Kind, r.r.Len())
	}
	return op, nil
}

type writer struct{ buf bytes.Buffer }

func (w *writer) u8(v uint8) { w.buf.WriteByte(v) }
func (w *writer) u16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}
func (w *writer) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}
func (w *writer) i32(v int32) { w.u32(uint32(v)) }
func (w *writer) page(p pagemanager.PageID) {
	w.u16(p.Container)
	w.u32(p.Number)
}
func (w *writer) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf.Write(b)
}
func (w *writer) format(f PageFormat) {
	w.u8(f.PageType)
	w.u8(f.KeyType)
	w.u8(f.ValueType)
	w.u8(f.Flags)
	w.u16(f.Height)
	w.u32(f.Prev)
	w.u32(f.Next)
	w.u32(f.Low)
	w.bytes(f.HighKey)
}
func (w *writer) entry(e Entry) {
	w.u32(uint32(e.Pos))
	w.bytes(e.Key)
	w.bytes(e.Value)
	w.u32(e.Child)
}

// reader decodes fields and remembers the first error.
type reader struct {
	r   *bytes.Reader
	err error
}

func (r *reader) read(b []byte) {
	if r.err != nil {
		return
	}
	if _, err := io.ReadFull(r.r, b); err != nil {
		r.err = err
	}
}
func (r *reader) u8() uint8 {
	var b [1]byte
	r.read(b[:])
	return b[0]
}
func (r *reader) u16() uint16 {
	var b [2]byte
	r.read(b[:])
	return binary.LittleEndian.Uint16(b[:])
}
func (r *reader) u32() uint32 {
	var b [4]byte
	r.read(b[:])
	return binary.LittleEndian.Uint32(b[:])
}
func (r *reader) i32() int32 { return int32(r.u32()) }
func (r *reader) count() int {
	n := r.u32()
	if r.err == nil && int64(n) > int64(r.r.Len()) {
		r.err = fmt.Errorf("count %d exceeds remaining %d bytes", n, r.r.Len())
		return 0
	}
	return int(n)
}
func (r *reader) page() pagemanager.PageID {
	return pagemanager.PageID{Container: r.u16(), Number: r.u32()}
}
func (r *reader) bytes() []byte {
	n := r.count()
	if r.err != nil {
		return nil
	}
	if n == 0 {
		return nil
	}
	b := make([]byte, n)
	r.read(b)
	return b
}
func (r *reader) format() PageFormat {
	return PageFormat{
		PageType:  r.u8(),
		KeyType:   r.u8(),
		ValueType: r.u8(),
		Flags:     r.u8(),
		Height:    r.u16(),
		Prev:      r.u32(),
		Next:      r.u32(),
		Low:       r.u32(),
		HighKey:   r.bytes(),
	}
}
func (r *reader) entry() Entry {
	return Entry{
		Pos:   int(r.u32()),
		Key:   r.bytes(),
		Value: r.bytes(),
		Child: r.u32(),
	}
}
