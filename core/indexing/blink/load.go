package blink

import (
	"fmt"

	"github.com/sushant-115/xtcdb/core/dberror"
	"github.com/sushant-115/xtcdb/core/transaction"
	"github.com/sushant-115/xtcdb/core/write_engine/logop"
	pagemanager "github.com/sushant-115/xtcdb/core/write_engine/page_manager"
)

// Loader appends entries in ascending order to an empty tree without
// logging them. It keeps the rightmost page of every level and fills each
// page up to the room its high key will need, so a loaded tree is about as
// compact as the page format allows.
// The pages must be flushed before the loading transaction commits.
type Loader struct {
	t  *Tree
	tx *transaction.Tx
	// path[i] is the rightmost page at height i; the root is last.
	path    []uint32
	lastKey []byte
	lastVal []byte
	count   int
}

// NewLoader starts a load into t, which must be empty.
func (t *Tree) NewLoader(tx *transaction.Tx) (*Loader, error) {
	h, n, err := t.fix(tx, t.root.Number, pagemanager.LatchShared)
	if err != nil {
		return nil, err
	}
	defer t.unfix(h)
	if !n.isLeaf() || n.count() != 0 {
		return nil, dberror.Index(fmt.Errorf("tree %s is not empty", t.root), "load")
	}
	return &Loader{t: t, tx: tx, path: []uint32{t.root.Number}}, nil
}

// Count returns the number of entries appended so far.
func (l *Loader) Count() int { return l.count }

// Append adds (key, value), which must sort after every entry appended
// before.
func (l *Loader) Append(key, value []byte) error {
	t := l.t
	if err := t.checkEntry(key, value); err != nil {
		return err
	}
	if l.count > 0 && t.cmpEntries(l.lastKey, l.lastVal, key, value) >= 0 {
		return dberror.Index(dberror.ErrKeyOrder, "load %s", t.root)
	}
	return t.withTree(pagemanager.LatchExclusive, func() error {
		if err := l.appendAt(0, entry{key: key, value: value}); err != nil {
			return err
		}
		l.lastKey = append(l.lastKey[:0], key...)
		l.lastVal = append(l.lastVal[:0], value...)
		l.count++
		return nil
	})
}

// appendAt adds e as the last entry at height level. A full page gets a new
// right sibling holding e, whose separator is appended one level up. A page
// only takes an entry while the separator of that entry would still fit as
// its high key.
func (l *Loader) appendAt(level int, e entry) error {
	t := l.t
	h, n, err := t.fix(l.tx, l.path[level], pagemanager.LatchExclusive)
	if err != nil {
		return err
	}
	if !l.appendFits(n, e) && level == len(l.path)-1 {
		t.unfix(h)
		if err := l.growRoot(); err != nil {
			return err
		}
		if h, n, err = t.fix(l.tx, l.path[level], pagemanager.LatchExclusive); err != nil {
			return err
		}
	}
	defer t.unfix(h)
	if l.appendFits(n, e) {
		return t.modify(nil, h, n, &logop.Op{
			Kind:    logop.KindSMOInsert,
			Entries: []logop.Entry{fromEntry(n.count(), e)},
		})
	}

	// moved is the entry the new sibling starts with: e itself, or the last
	// entry of n when e's separator is too long to become n's high key
	moved := []entry{e}
	if !withHigh(n, l.separator(e)) && n.count() > 1 {
		last := n.entries[n.count()-1]
		if err := t.modify(nil, h, n, &logop.Op{
			Kind:    logop.KindSMODelete,
			Entries: []logop.Entry{fromEntry(n.count()-1, last)},
		}); err != nil {
			return err
		}
		moved = []entry{last, e}
	}
	first := moved[0]
	sepKey, sepVal := first.key, first.value
	if t.cfg.Unique && n.isLeaf() {
		sepVal = nil
	}

	rh, err := t.ts.bm.AllocatePage(btx(l.tx), t.root.Container, t.unit, false)
	if err != nil {
		return err
	}
	defer t.unfix(rh)
	if err := rh.Latch(pagemanager.LatchExclusive); err != nil {
		return err
	}
	right := rh.PageID().Number
	rn := &node{capacity: len(rh.Body())}
	f := logop.PageFormat{
		PageType:  uint8(n.typ),
		KeyType:   uint8(n.keyType),
		ValueType: uint8(n.valType),
		Flags:     n.flags,
		Height:    n.height,
		Prev:      h.PageID().Number,
	}
	if !n.isLeaf() {
		// the first entry's child becomes the low pointer; its key moves up
		f.Low = first.child
		moved = moved[1:]
	}
	if err := t.modify(nil, rh, rn, &logop.Op{Kind: logop.KindFormat, After: f}); err != nil {
		return err
	}
	if len(moved) > 0 {
		op := &logop.Op{Kind: logop.KindSMOInsert}
		for i, m := range moved {
			op.Entries = append(op.Entries, fromEntry(i, m))
		}
		if err := t.modify(nil, rh, rn, op); err != nil {
			return err
		}
	}
	if err := t.modify(nil, h, n, &logop.Op{Kind: logop.KindPointer, Field: logop.FieldNext, NewPtr: right}); err != nil {
		return err
	}
	if err := t.modify(nil, h, n, &logop.Op{Kind: logop.KindPointer, Field: logop.FieldHighKey, NewKey: encodeSep(sepKey, sepVal)}); err != nil {
		return err
	}
	l.path[level] = right
	return l.appendAt(level+1, entry{key: sepKey, value: sepVal, child: right})
}

// separator returns the high key that would bound a page ending just
// before e.
func (l *Loader) separator(e entry) []byte {
	if l.t.cfg.Unique && e.child == 0 {
		return encodeSep(e.key, nil)
	}
	return encodeSep(e.key, e.value)
}

// appendFits reports whether e can be appended to n with room left for
// e's separator as n's high key.
func (l *Loader) appendFits(n *node, e entry) bool {
	grown := n.clone()
	grown.entries = append(grown.entries, e)
	grown.high = l.separator(e)
	return grown.fits()
}

// growRoot moves the root's contents one level down so that the root can
// take the separator of its former contents' new sibling.
func (l *Loader) growRoot() error {
	t := l.t
	child, err := t.growRoot(nil)
	if err != nil {
		return err
	}
	l.path[len(l.path)-1] = child
	l.path = append(l.path, t.root.Number)
	return nil
}

func withHigh(n *node, high []byte) bool {
	grown := n.clone()
	grown.high = high
	return grown.fits()
}
