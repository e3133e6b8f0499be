package blink

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/sushant-115/xtcdb/core/dberror"
	"github.com/sushant-115/xtcdb/core/transaction"
	"github.com/sushant-115/xtcdb/core/write_engine/buffer"
	"github.com/sushant-115/xtcdb/core/write_engine/logop"
	pagemanager "github.com/sushant-115/xtcdb/core/write_engine/page_manager"
)

// splitError reports, under the exclusive tree latch, the page that must
// split before the operation can go on.
type splitError struct{ page uint32 }

func (e *splitError) Error() string { return fmt.Sprintf("page %d must split", e.page) }

func (t *Tree) needsSplit(h *buffer.Handle, exclusive bool) error {
	if !exclusive {
		return errEscalate
	}
	return &splitError{page: h.PageID().Number}
}

// Insert adds the entry (key, value). A valid hint, usually the cursor of
// the entry just before, is tried as the target leaf first; if the leaf
// does not unambiguously cover the new entry the insert descends from the
// root. The returned cursor is positioned on the new entry.
func (t *Tree) Insert(tx *transaction.Tx, key, value []byte, hint *Cursor) (Cursor, error) {
	if tx == nil {
		return Cursor{}, dberror.Index(dberror.ErrTxNotActive, "insert")
	}
	if err := t.checkEntry(key, value); err != nil {
		return Cursor{}, err
	}
	var c Cursor
	err := t.withTree(pagemanager.LatchShared, func() error {
		return t.retry(func() (err error) {
			c, err = t.insertShared(tx, key, value, hint)
			return err
		})
	})
	if errors.Is(err, errEscalate) {
		err = t.withTree(pagemanager.LatchExclusive, func() error {
			c, err = t.insertExclusive(tx, key, value)
			return err
		})
	}
	return c, err
}

func (t *Tree) insertShared(tx *transaction.Tx, key, value []byte, hint *Cursor) (Cursor, error) {
	b := exactBound(key, value)
	var (
		h   *buffer.Handle
		n   *node
		err error
	)
	if hint != nil && hint.Valid {
		var ok bool
		if h, n, ok = t.hintedLeaf(tx, *hint, b); !ok {
			t.ts.ambiguous.Add(context.Background(), 1)
		}
	}
	if h == nil {
		if h, n, err = t.descend(tx, b, 0, pagemanager.LatchExclusive); err != nil {
			return Cursor{}, err
		}
	}
	return t.insertInLeaf(tx, h, n, key, value, false)
}

func (t *Tree) insertExclusive(tx *transaction.Tx, key, value []byte) (Cursor, error) {
	b := exactBound(key, value)
	for {
		h, n, err := t.descend(tx, b, 0, pagemanager.LatchExclusive)
		if err != nil {
			return Cursor{}, err
		}
		c, err := t.insertInLeaf(tx, h, n, key, value, true)
		var se *splitError
		if !errors.As(err, &se) {
			return c, err
		}
		if err := t.splitNTA(tx, se.page); err != nil {
			return Cursor{}, err
		}
	}
}

// hintedLeaf latches the leaf of hint exclusively when the new entry's
// position on it is unambiguous: the page is unchanged, it covers b, and b
// does not fall before its first entry unless it is the leftmost leaf.
func (t *Tree) hintedLeaf(tx *transaction.Tx, hint Cursor, b bound) (*buffer.Handle, *node, bool) {
	h, n, ok := t.hinted(tx, hint, pagemanager.LatchExclusive)
	if !ok {
		return nil, nil, false
	}
	if t.beyondHigh(n, b) || (t.lowerBound(n, b) == 0 && n.prev != 0) {
		t.unfix(h)
		return nil, nil, false
	}
	return h, n, true
}

// insertInLeaf inserts into the exclusively latched leaf h and releases it.
func (t *Tree) insertInLeaf(tx *transaction.Tx, h *buffer.Handle, n *node, key, value []byte, exclusive bool) (Cursor, error) {
	defer t.unfix(h)
	b := exactBound(key, value)
	pos := t.lowerBound(n, b)
	if pos < n.count() {
		if e := n.entryAt(pos); t.cmp(e.key, e.value, b) == 0 && !t.hidden(e) {
			return Cursor{}, dberror.Index(dberror.ErrDuplicateKey, "insert into %s", t.root)
		}
	}
	if t.policy != nil {
		if err := t.dropPlaceholders(tx, h, n, pos, key, value, exclusive); err != nil {
			return Cursor{}, err
		}
		pos = t.lowerBound(n, b)
	}
	grown := n.clone()
	_ = grown.insertAt(pos, entry{key: key, value: value})
	if !grown.fits() {
		return Cursor{}, t.needsSplit(h, exclusive)
	}
	op := &logop.Op{Kind: logop.KindInsert, New: logop.Entry{Pos: pos, Key: key, Value: value}}
	if err := t.modify(tx, h, n, op); err != nil {
		return Cursor{}, err
	}
	return t.cursorAt(h, n, pos), nil
}

// dropPlaceholders deletes the placeholders made redundant by inserting
// (key, value) at pos: one with the same key at pos, or the entry right
// before pos, which may live on the left sibling.
func (t *Tree) dropPlaceholders(tx *transaction.Tx, h *buffer.Handle, n *node, pos int, key, value []byte, exclusive bool) error {
	redundant := func(e *entry) bool {
		return t.policy.IsPlaceholder(e.key, e.value) && t.policy.Subsumes(key, value, e.key)
	}
	// the left sibling needs the tree latch; ask for it before any change
	left := pos == 0 && n.prev != 0 && t.policy.Prefix(key) != nil
	if left && !exclusive {
		return errEscalate
	}
	if pos < n.count() && redundant(n.entryAt(pos)) {
		if err := t.deleteSlot(tx, h, n, pos); err != nil {
			return err
		}
	}
	if pos > 0 {
		if redundant(n.entryAt(pos - 1)) {
			return t.deleteSlot(tx, h, n, pos-1)
		}
		return nil
	}
	if !left {
		return nil
	}
	lh, ln, err := t.fix(tx, n.prev, pagemanager.LatchExclusive)
	if err != nil {
		return err
	}
	defer t.unfix(lh)
	if last := ln.count() - 1; last >= 0 && redundant(ln.entryAt(last)) {
		return t.deleteSlot(tx, lh, ln, last)
	}
	return nil
}

func (t *Tree) deleteSlot(tx *transaction.Tx, h *buffer.Handle, n *node, pos int) error {
	e := n.entryAt(pos)
	op := &logop.Op{Kind: logop.KindDelete, Old: fromEntry(pos, *e)}
	return t.modify(tx, h, n, op)
}

// --- structure modifications ---

func (t *Tree) splitNTA(tx *transaction.Tx, page uint32) error {
	saved, err := tx.BeginTopAction()
	if err != nil {
		return err
	}
	if err := t.split(tx, page); err != nil {
		return err
	}
	return tx.EndTopAction(saved)
}

// splitPoint picks the first slot moving right so that both halves carry
// about the same number of bytes.
func splitPoint(n *node) int {
	total := n.size() - headerSize - len(n.high)
	acc, m := 0, n.count()-1
	var prev []byte
	for i := range n.entries {
		acc += n.entrySize(prev, &n.entries[i])
		prev = n.entries[i].key
		if acc > total/2 {
			m = i
			break
		}
	}
	hi := n.count() - 1
	if !n.isLeaf() && n.count() >= 3 {
		hi = n.count() - 2
	}
	return max(1, min(m, hi))
}

// split moves the upper half of page into a new right sibling and posts the
// separator to the parent level. The root is grown in place first, so its
// page id never changes.
func (t *Tree) split(tx *transaction.Tx, page uint32) error {
	if page == t.root.Number {
		var err error
		if page, err = t.growRoot(tx); err != nil {
			return err
		}
	}
	h, n, err := t.fix(tx, page, pagemanager.LatchExclusive)
	if err != nil {
		return err
	}
	if n.count() < 2 {
		t.unfix(h)
		return dberror.Fatal("split of page %s with %d entries", h.PageID(), n.count())
	}
	m := splitPoint(n)
	sep := n.entries[m]
	sepKey, sepVal := sep.key, sep.value
	if t.cfg.Unique {
		sepVal = nil
	}
	first, low := m, uint32(0)
	if !n.isLeaf() {
		first, low = m+1, sep.child
	}
	moved := make([]logop.Entry, 0, n.count()-first)
	for i := first; i < n.count(); i++ {
		moved = append(moved, fromEntry(i-first, n.entries[i]))
	}
	leaving := make([]logop.Entry, 0, n.count()-m)
	for i := m; i < n.count(); i++ {
		leaving = append(leaving, fromEntry(i, n.entries[i]))
	}

	rh, err := t.ts.bm.AllocatePage(btx(tx), t.root.Container, t.unit, true)
	if err != nil {
		t.unfix(h)
		return err
	}
	handles := []*buffer.Handle{h, rh}
	defer func() { t.unfix(handles...) }()
	if err := rh.Latch(pagemanager.LatchExclusive); err != nil {
		return err
	}
	right := rh.PageID().Number
	rn := &node{capacity: len(rh.Body())}
	oldNext, oldHigh := n.next, n.high
	high := encodeSep(sepKey, sepVal)

	if err := t.modify(tx, rh, rn, &logop.Op{
		Kind:   logop.KindFormat,
		Before: rn.pageFormat(),
		After: logop.PageFormat{
			PageType:  uint8(n.typ),
			KeyType:   uint8(n.keyType),
			ValueType: uint8(n.valType),
			Flags:     n.flags &^ FlagDeleted,
			Height:    n.height,
			Prev:      page,
			Next:      oldNext,
			Low:       low,
			HighKey:   oldHigh,
		},
	}); err != nil {
		return err
	}
	if len(moved) > 0 {
		if err := t.modify(tx, rh, rn, &logop.Op{Kind: logop.KindSMOInsert, Entries: moved}); err != nil {
			return err
		}
	}
	if err := t.modify(tx, h, n, &logop.Op{Kind: logop.KindSMODelete, Entries: leaving}); err != nil {
		return err
	}
	if err := t.modify(tx, h, n, &logop.Op{Kind: logop.KindPointer, Field: logop.FieldNext, OldPtr: oldNext, NewPtr: right}); err != nil {
		return err
	}
	if err := t.modify(tx, h, n, &logop.Op{Kind: logop.KindPointer, Field: logop.FieldHighKey, OldKey: oldHigh, NewKey: high}); err != nil {
		return err
	}
	if oldNext != 0 {
		nh, nn, err := t.fix(tx, oldNext, pagemanager.LatchExclusive)
		if err != nil {
			return err
		}
		handles = append(handles, nh)
		if err := t.modify(tx, nh, nn, &logop.Op{Kind: logop.KindPointer, Field: logop.FieldPrev, OldPtr: page, NewPtr: right}); err != nil {
			return err
		}
	}
	height := n.height
	t.unfix(handles...)
	handles = nil

	t.ts.splits.Add(context.Background(), 1)
	t.ts.logger.Debug("Split page",
		zap.Stringer("tree", t.root),
		zap.Uint32("page", page),
		zap.Uint32("right", right),
		zap.Uint16("height", height))
	return t.post(tx, sepKey, sepVal, right, height+1)
}

// growRoot moves the root's contents into a new page below it and turns the
// root into a branch with that page as its only child.
func (t *Tree) growRoot(tx *transaction.Tx) (uint32, error) {
	h, n, err := t.fix(tx, t.root.Number, pagemanager.LatchExclusive)
	if err != nil {
		return 0, err
	}
	defer t.unfix(h)
	ch, err := t.ts.bm.AllocatePage(btx(tx), t.root.Container, t.unit, tx != nil)
	if err != nil {
		return 0, err
	}
	defer t.unfix(ch)
	if err := ch.Latch(pagemanager.LatchExclusive); err != nil {
		return 0, err
	}
	child := ch.PageID().Number
	cn := &node{capacity: len(ch.Body())}
	f := n.pageFormat()
	f.Prev, f.Next, f.HighKey = 0, 0, nil
	if err := t.modify(tx, ch, cn, &logop.Op{Kind: logop.KindFormat, Before: cn.pageFormat(), After: f}); err != nil {
		return 0, err
	}
	if n.count() > 0 {
		all := make([]logop.Entry, n.count())
		for i, e := range n.entries {
			all[i] = fromEntry(i, e)
		}
		if err := t.modify(tx, ch, cn, &logop.Op{Kind: logop.KindSMOInsert, Entries: all}); err != nil {
			return 0, err
		}
		if err := t.modify(tx, h, n, &logop.Op{Kind: logop.KindSMODelete, Entries: all}); err != nil {
			return 0, err
		}
	}
	if err := t.modify(tx, h, n, &logop.Op{
		Kind:   logop.KindFormat,
		Before: n.pageFormat(),
		After: logop.PageFormat{
			PageType:  uint8(PageTypeBranch),
			KeyType:   uint8(n.keyType),
			ValueType: uint8(n.valType),
			Flags:     n.flags,
			Height:    n.height + 1,
			Low:       child,
		},
	}); err != nil {
		return 0, err
	}
	t.ts.logger.Debug("Grew root", zap.Stringer("tree", t.root), zap.Uint16("height", n.height))
	return child, nil
}

// post inserts the separator (key, value) routing to child into the branch
// level, splitting that level first when it is full.
func (t *Tree) post(tx *transaction.Tx, key, value []byte, child uint32, level uint16) error {
	b := exactBound(key, value)
	for {
		h, n, err := t.descend(tx, b, level, pagemanager.LatchExclusive)
		if err != nil {
			return err
		}
		pos := sort.Search(n.count(), func(i int) bool {
			e := n.entryAt(i)
			return t.cmp(e.key, e.value, b) > 0
		})
		grown := n.clone()
		_ = grown.insertAt(pos, entry{key: key, value: value, child: child})
		if grown.fits() {
			op := &logop.Op{Kind: logop.KindSMOInsert, Entries: []logop.Entry{{Pos: pos, Key: key, Value: value, Child: child}}}
			err := t.modify(tx, h, n, op)
			t.unfix(h)
			return err
		}
		page := h.PageID().Number
		t.unfix(h)
		if err := t.split(tx, page); err != nil {
			return err
		}
	}
}
