package blink

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/sushant-115/xtcdb/core/dberror"
	"github.com/sushant-115/xtcdb/core/transaction"
	"github.com/sushant-115/xtcdb/core/write_engine/buffer"
	"github.com/sushant-115/xtcdb/core/write_engine/logop"
	pagemanager "github.com/sushant-115/xtcdb/core/write_engine/page_manager"
)

// Delete removes the entry (key, value). In a unique tree value may be nil;
// in a non-unique tree a nil value removes the first entry with key. A leaf
// left empty is unlinked from the tree.
func (t *Tree) Delete(tx *transaction.Tx, key, value []byte) error {
	if tx == nil {
		return dberror.Index(dberror.ErrTxNotActive, "delete")
	}
	err := t.withTree(pagemanager.LatchShared, func() error {
		return t.retry(func() error { return t.deleteOnce(tx, key, value, false) })
	})
	if errors.Is(err, errEscalate) {
		err = t.withTree(pagemanager.LatchExclusive, func() error {
			return t.deleteOnce(tx, key, value, true)
		})
	}
	return err
}

func (t *Tree) deleteOnce(tx *transaction.Tx, key, value []byte, exclusive bool) error {
	if value == nil && !t.cfg.Unique {
		c, err := t.search(tx, SearchEqual, key, nil)
		if err != nil {
			return err
		}
		if !c.Valid {
			return dberror.Index(dberror.ErrKeyNotFound, "delete from %s", t.root)
		}
		value = c.Value
	}
	b := exactBound(key, value)
	h, n, err := t.descend(tx, b, 0, pagemanager.LatchExclusive)
	if err != nil {
		return err
	}
	pos := t.lowerBound(n, b)
	if pos == n.count() || t.cmp(n.entryAt(pos).key, n.entryAt(pos).value, b) != 0 || t.hidden(n.entryAt(pos)) {
		t.unfix(h)
		return dberror.Index(dberror.ErrKeyNotFound, "delete from %s", t.root)
	}
	return t.deleteInLeaf(tx, h, n, pos, b, exclusive)
}

// deleteInLeaf removes slot pos of the exclusively latched leaf h, leaving a
// placeholder behind when the entry was the last one keeping its prefix
// routable. It releases h.
func (t *Tree) deleteInLeaf(tx *transaction.Tx, h *buffer.Handle, n *node, pos int, b bound, exclusive bool) error {
	var (
		prefix []byte
		err    error
	)
	if t.policy != nil {
		if prefix, err = t.orphanedPrefix(tx, h, n, pos, exclusive); err != nil {
			t.unfix(h)
			return err
		}
	}
	empty := n.count() == 1 && prefix == nil && h.PageID() != t.root
	if empty && !exclusive {
		t.unfix(h)
		return errEscalate
	}
	if err := t.deleteSlot(tx, h, n, pos); err != nil {
		t.unfix(h)
		return err
	}
	if prefix != nil {
		if err := t.insertPlaceholder(tx, h, n, prefix); err != nil {
			t.unfix(h)
			return err
		}
	}
	if empty {
		return t.unlink(tx, h, b)
	}
	t.unfix(h)
	return nil
}

// orphanedPrefix returns the prefix of the entry at pos when no neighbour
// of that entry shares it, so that deleting the entry needs a placeholder.
// Neighbours on sibling pages are only looked at under the exclusive tree
// latch.
func (t *Tree) orphanedPrefix(tx *transaction.Tx, h *buffer.Handle, n *node, pos int, exclusive bool) ([]byte, error) {
	e := n.entryAt(pos)
	prefix := t.policy.Prefix(e.key)
	if prefix == nil {
		return nil, nil
	}
	subsumes := func(x *entry) bool { return t.policy.Subsumes(x.key, x.value, prefix) }
	if pos > 0 && subsumes(n.entryAt(pos-1)) {
		return nil, nil
	}
	if pos+1 < n.count() && subsumes(n.entryAt(pos+1)) {
		return nil, nil
	}
	crossLeft := pos == 0 && n.prev != 0
	crossRight := pos == n.count()-1 && n.next != 0
	if !crossLeft && !crossRight {
		return prefix, nil
	}
	if !exclusive {
		return nil, errEscalate
	}
	if crossLeft {
		ok, err := t.neighbourSubsumes(tx, n.prev, subsumes, false)
		if err != nil || ok {
			return nil, err
		}
	}
	if crossRight {
		ok, err := t.neighbourSubsumes(tx, n.next, subsumes, true)
		if err != nil || ok {
			return nil, err
		}
	}
	return prefix, nil
}

// neighbourSubsumes checks the entry of page next to the deleted one: the
// first entry of a right sibling or the last of a left one.
func (t *Tree) neighbourSubsumes(tx *transaction.Tx, page uint32, subsumes func(*entry) bool, first bool) (bool, error) {
	h, n, err := t.fix(tx, page, pagemanager.LatchShared)
	if err != nil {
		return false, err
	}
	defer t.unfix(h)
	if n.count() == 0 {
		return false, nil
	}
	slot := n.count() - 1
	if first {
		slot = 0
	}
	return subsumes(n.entryAt(slot)), nil
}

func (t *Tree) insertPlaceholder(tx *transaction.Tx, h *buffer.Handle, n *node, prefix []byte) error {
	key, value := t.policy.Placeholder(prefix)
	pos := t.lowerBound(n, exactBound(key, value))
	grown := n.clone()
	_ = grown.insertAt(pos, entry{key: key, value: value})
	if !grown.fits() {
		t.ts.logger.Warn("No room for prefix placeholder", zap.Stringer("page", h.PageID()), zap.Binary("prefix", prefix))
		return nil
	}
	op := &logop.Op{Kind: logop.KindInsert, New: logop.Entry{Pos: pos, Key: key, Value: value}}
	if err := t.modify(tx, h, n, op); err != nil {
		return err
	}
	t.ts.placeholders.Add(context.Background(), 1)
	return nil
}

// unlink removes the empty leaf h from its parent and the leaf chain as a
// nested top action and frees it. Branch pages are never merged. It runs
// under the exclusive tree latch and releases h. b routes to the leaf.
func (t *Tree) unlink(tx *transaction.Tx, h *buffer.Handle, b bound) error {
	leaf := h.PageID().Number
	t.unfix(h)

	ph, pn, err := t.descend(tx, b, 1, pagemanager.LatchExclusive)
	if err != nil {
		return err
	}
	handles := []*buffer.Handle{ph}
	defer func() { t.unfix(handles...) }()

	idx := -2
	if pn.low == leaf {
		idx = -1
	} else {
		for i := range pn.entries {
			if pn.entries[i].child == leaf {
				idx = i
				break
			}
		}
	}
	if idx == -2 || (idx == -1 && pn.count() == 0) {
		return nil
	}
	lh, ln, err := t.fix(tx, leaf, pagemanager.LatchExclusive)
	if err != nil {
		return err
	}
	handles = append(handles, lh)
	if ln.count() != 0 || !ln.isLeaf() {
		return nil
	}

	saved, err := tx.BeginTopAction()
	if err != nil {
		return err
	}
	if idx == -1 {
		first := pn.entries[0]
		if err := t.modify(tx, ph, pn, &logop.Op{Kind: logop.KindPointer, Field: logop.FieldLow, OldPtr: leaf, NewPtr: first.child}); err != nil {
			return err
		}
		if err := t.modify(tx, ph, pn, &logop.Op{Kind: logop.KindSMODelete, Entries: []logop.Entry{fromEntry(0, first)}}); err != nil {
			return err
		}
	} else {
		if err := t.modify(tx, ph, pn, &logop.Op{Kind: logop.KindSMODelete, Entries: []logop.Entry{fromEntry(idx, pn.entries[idx])}}); err != nil {
			return err
		}
	}
	if ln.prev != 0 {
		sh, sn, err := t.fix(tx, ln.prev, pagemanager.LatchExclusive)
		if err != nil {
			return err
		}
		handles = append(handles, sh)
		if idx >= 0 {
			// the left sibling takes over the leaf's key range
			if err := t.modify(tx, sh, sn, &logop.Op{Kind: logop.KindPointer, Field: logop.FieldHighKey, OldKey: sn.high, NewKey: ln.high}); err != nil {
				return err
			}
		}
		if err := t.modify(tx, sh, sn, &logop.Op{Kind: logop.KindPointer, Field: logop.FieldNext, OldPtr: leaf, NewPtr: ln.next}); err != nil {
			return err
		}
	}
	if ln.next != 0 {
		sh, sn, err := t.fix(tx, ln.next, pagemanager.LatchExclusive)
		if err != nil {
			return err
		}
		handles = append(handles, sh)
		if err := t.modify(tx, sh, sn, &logop.Op{Kind: logop.KindPointer, Field: logop.FieldPrev, OldPtr: leaf, NewPtr: ln.prev}); err != nil {
			return err
		}
	}
	if err := t.modify(tx, lh, ln, &logop.Op{Kind: logop.KindPointer, Field: logop.FieldFlags, OldPtr: uint32(ln.flags), NewPtr: uint32(ln.flags | FlagDeleted)}); err != nil {
		return err
	}
	t.unfix(handles...)
	handles = nil

	dh, err := t.ts.bm.FixPage(btx(tx), t.pageID(leaf))
	if err != nil {
		return err
	}
	if err := t.ts.bm.DeletePage(btx(tx), dh, false, true); err != nil {
		return err
	}
	if err := tx.EndTopAction(saved); err != nil {
		return err
	}
	t.ts.unlinks.Add(context.Background(), 1)
	t.ts.logger.Debug("Unlinked empty leaf", zap.Stringer("tree", t.root), zap.Uint32("page", leaf))
	return nil
}

// Update replaces the value of an entry. Unique trees update in place when
// the page has room; otherwise the entry is deleted and inserted again.
func (t *Tree) Update(tx *transaction.Tx, key, oldValue, newValue []byte) (Cursor, error) {
	if tx == nil {
		return Cursor{}, dberror.Index(dberror.ErrTxNotActive, "update")
	}
	if err := t.checkEntry(key, newValue); err != nil {
		return Cursor{}, err
	}
	if !t.cfg.Unique {
		if err := t.Delete(tx, key, oldValue); err != nil {
			return Cursor{}, err
		}
		return t.Insert(tx, key, newValue, nil)
	}
	var c Cursor
	err := t.withTree(pagemanager.LatchShared, func() error {
		return t.retry(func() (err error) {
			c, err = t.updateInPlace(tx, key, newValue)
			return err
		})
	})
	if errors.Is(err, errEscalate) {
		if err := t.Delete(tx, key, nil); err != nil {
			return Cursor{}, err
		}
		return t.Insert(tx, key, newValue, nil)
	}
	return c, err
}

func (t *Tree) updateInPlace(tx *transaction.Tx, key, value []byte) (Cursor, error) {
	b := exactBound(key, nil)
	h, n, err := t.descend(tx, b, 0, pagemanager.LatchExclusive)
	if err != nil {
		return Cursor{}, err
	}
	defer t.unfix(h)
	pos := t.lowerBound(n, b)
	if pos == n.count() || t.cmp(n.entryAt(pos).key, nil, b) != 0 || t.hidden(n.entryAt(pos)) {
		return Cursor{}, dberror.Index(dberror.ErrKeyNotFound, "update in %s", t.root)
	}
	old := *n.entryAt(pos)
	grown := n.clone()
	_ = grown.updateAt(pos, entry{key: old.key, value: value})
	if !grown.fits() {
		return Cursor{}, errEscalate
	}
	op := &logop.Op{
		Kind: logop.KindUpdate,
		Old:  fromEntry(pos, old),
		New:  logop.Entry{Pos: pos, Key: old.key, Value: value},
	}
	if err := t.modify(tx, h, n, op); err != nil {
		return Cursor{}, err
	}
	return t.cursorAt(h, n, pos), nil
}
