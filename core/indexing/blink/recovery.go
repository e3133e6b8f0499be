package blink

import (
	"bytes"
	"errors"

	"github.com/sushant-115/xtcdb/core/dberror"
	"github.com/sushant-115/xtcdb/core/transaction"
	"github.com/sushant-115/xtcdb/core/write_engine/logop"
	pagemanager "github.com/sushant-115/xtcdb/core/write_engine/page_manager"
)

// Redo applies a logged page operation unless the page already reflects it.
// It is used for UPDATE and CLR records alike.
func (ts *Trees) Redo(op *logop.Op, lsn pagemanager.LSN) error {
	h, err := ts.bm.FixPage(nil, op.Page)
	if err != nil {
		return err
	}
	defer ts.bm.UnfixPage(h)
	if err := h.Latch(pagemanager.LatchExclusive); err != nil {
		return err
	}
	if h.LSN() >= lsn {
		return nil
	}
	n, err := decodeNode(h.Body())
	if err != nil {
		return dberror.Fatal("redo %s at lsn %d: %v", op, lsn, err)
	}
	if err := n.apply(op); err != nil {
		return dberror.Fatal("redo %s at lsn %d: %v", op, lsn, err)
	}
	if err := n.encode(h.Body()); err != nil {
		return dberror.Fatal("redo %s at lsn %d: %v", op, lsn, err)
	}
	h.SetLSN(lsn)
	return nil
}

// UndoPhysical compensates a structure modification op on the page it was
// logged for. The page must still belong to the op's tree.
func (ts *Trees) UndoPhysical(tx *transaction.Tx, op *logop.Op, undoNext pagemanager.LSN) error {
	root := pagemanager.PageID{Container: op.Page.Container, Number: op.Root}
	l := ts.treeLatch(root)
	if err := l.Acquire(pagemanager.LatchExclusive, ts.bm.LatchTimeout()); err != nil {
		return dberror.Buffer(err, "tree latch %s", root)
	}
	defer l.Release(pagemanager.LatchExclusive)

	h, err := ts.bm.FixPage(btx(tx), op.Page)
	if err != nil {
		return err
	}
	defer ts.bm.UnfixPage(h)
	if err := h.Latch(pagemanager.LatchExclusive); err != nil {
		return err
	}
	n, err := decodeNode(h.Body())
	if err != nil {
		return dberror.Fatal("undo %s: %v", op, err)
	}
	if n.root != op.Root || !n.formatted() {
		return dberror.Fatal("undo %s: page belongs to root %d, type %s", op, n.root, n.typ)
	}
	if op.Kind == logop.KindFormat && n.typ != PageType(op.After.PageType) {
		return dberror.Fatal("undo %s: page type is %s", op, n.typ)
	}
	t := ts.tree(root, Config{}, h.Unit(), len(h.Body()))
	inv := op.Inverse()
	return t.compensate(tx, h, n, &inv, undoNext)
}

// UndoLogical compensates a user INSERT, DELETE or UPDATE. The entry is
// located again by key, since structure modifications may have moved it
// since it was logged; reinserting may split pages.
func (ts *Trees) UndoLogical(tx *transaction.Tx, op *logop.Op, undoNext pagemanager.LSN) error {
	t, err := ts.Open(tx, pagemanager.PageID{Container: op.Page.Container, Number: op.Root})
	if err != nil {
		return dberror.Fatal("undo %s: %v", op, err)
	}
	switch op.Kind {
	case logop.KindInsert:
		key, value := op.New.Key, op.New.Value
		return t.undoUser(tx, exactBound(key, value), undoNext, func(n *node) (*logop.Op, error) {
			pos, ok := t.exactSlot(n, key, value)
			if !ok {
				return nil, dberror.Fatal("undo %s: entry not found", op)
			}
			return &logop.Op{Kind: logop.KindDelete, Old: fromEntry(pos, *n.entryAt(pos))}, nil
		})
	case logop.KindDelete:
		key, value := op.Old.Key, op.Old.Value
		return t.undoUser(tx, exactBound(key, value), undoNext, func(n *node) (*logop.Op, error) {
			if _, ok := t.exactSlot(n, key, value); ok {
				return nil, dberror.Fatal("undo %s: entry still present", op)
			}
			pos := t.lowerBound(n, exactBound(key, value))
			return &logop.Op{Kind: logop.KindInsert, New: logop.Entry{Pos: pos, Key: key, Value: value}}, nil
		})
	case logop.KindUpdate:
		key := op.New.Key
		return t.undoUser(tx, exactBound(key, op.New.Value), undoNext, func(n *node) (*logop.Op, error) {
			pos, ok := t.exactSlot(n, key, op.New.Value)
			if !ok {
				return nil, dberror.Fatal("undo %s: entry not found", op)
			}
			return &logop.Op{
				Kind: logop.KindUpdate,
				Old:  fromEntry(pos, *n.entryAt(pos)),
				New:  logop.Entry{Pos: pos, Key: key, Value: op.Old.Value},
			}, nil
		})
	}
	return dberror.Fatal("undo %s: not a user operation", op)
}

// exactSlot finds the slot holding exactly (key, value).
func (t *Tree) exactSlot(n *node, key, value []byte) (int, bool) {
	pos := t.lowerBound(n, exactBound(key, value))
	if pos == n.count() {
		return pos, false
	}
	e := n.entryAt(pos)
	return pos, bytes.Equal(e.key, key) && bytes.Equal(e.value, value)
}

func (t *Tree) undoUser(tx *transaction.Tx, b bound, undoNext pagemanager.LSN, build func(*node) (*logop.Op, error)) error {
	attempt := func(exclusive bool) error {
		for {
			h, n, err := t.descend(tx, b, 0, pagemanager.LatchExclusive)
			if err != nil {
				return err
			}
			op, err := build(n)
			if err != nil {
				t.unfix(h)
				return err
			}
			grown := n.clone()
			if err := grown.apply(op); err != nil {
				t.unfix(h)
				return dberror.Fatal("undo %s: %v", op, err)
			}
			if grown.fits() {
				err := t.compensate(tx, h, n, op, undoNext)
				t.unfix(h)
				return err
			}
			page := h.PageID().Number
			t.unfix(h)
			if !exclusive {
				return errEscalate
			}
			if err := t.splitNTA(tx, page); err != nil {
				return err
			}
		}
	}
	err := t.withTree(pagemanager.LatchShared, func() error { return attempt(false) })
	if errors.Is(err, errEscalate) {
		err = t.withTree(pagemanager.LatchExclusive, func() error { return attempt(true) })
	}
	return err
}
