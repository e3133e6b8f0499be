package indexmanager

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/sushant-115/xtcdb/core/dberror"
	"github.com/sushant-115/xtcdb/core/indexing/blink"
	"github.com/sushant-115/xtcdb/core/transaction"
)

// Iterator is a cursor over one index bound to one transaction. It holds no
// latch between calls: Next and Previous find their way back from the
// current key and value, reusing the remembered leaf while its LSN is
// unchanged.
type Iterator struct {
	m      *Manager
	tree   *blink.Tree
	tx     *transaction.Tx
	mode   OpenMode
	search SearchMode
	cur    blink.Cursor
	loader *blink.Loader
	// off is +1 after Next ran past the last entry, -1 after Previous ran
	// past the first one.
	off    int
	closed bool
}

// Valid reports whether the iterator is positioned on an entry.
func (it *Iterator) Valid() bool { return !it.closed && it.cur.Valid }

// Key returns the key of the current entry.
func (it *Iterator) Key() []byte { return it.cur.Key }

// Value returns the value of the current entry.
func (it *Iterator) Value() []byte { return it.cur.Value }

// Mode returns the open mode.
func (it *Iterator) Mode() OpenMode { return it.mode }

// SearchMode returns the mode the iterator was positioned with.
func (it *Iterator) SearchMode() SearchMode { return it.search }

// Tree returns the B-link tree behind the iterator.
func (it *Iterator) Tree() *blink.Tree { return it.tree }

// Hint returns the leaf and LSN the iterator was last positioned at.
func (it *Iterator) Hint() Hint {
	return Hint{Page: it.cur.Page, LSN: it.cur.LSN}
}

// Next moves to the following entry and reports whether there is one.
func (it *Iterator) Next() (bool, error) { return it.step(true) }

// Previous moves to the preceding entry and reports whether there is one.
func (it *Iterator) Previous() (bool, error) { return it.step(false) }

func (it *Iterator) step(forward bool) (bool, error) {
	if err := it.usable("step"); err != nil {
		return false, err
	}
	if it.mode == OpenLoad {
		return false, dberror.Index(dberror.ErrAppendOnly, "step %s", it.tree.Root())
	}
	if it.cur.Key == nil {
		return false, nil
	}
	var (
		c   blink.Cursor
		err error
	)
	switch {
	case it.off > 0 && !forward:
		c, err = it.tree.Search(it.tx, SearchLessOrEqual, it.cur.Key, it.cur.Value)
	case it.off < 0 && forward:
		c, err = it.tree.Search(it.tx, SearchGreaterOrEqual, it.cur.Key, it.cur.Value)
	case it.off != 0:
		return false, nil
	default:
		c, err = it.tree.Step(it.tx, it.cur, forward)
	}
	if err != nil {
		return false, err
	}
	it.m.metrics.IteratorStepsCounter.Add(context.Background(), 1)
	if !c.Valid {
		// keep the last entry so that moving back resumes from it
		it.cur.Valid = false
		if forward {
			it.off = 1
		} else {
			it.off = -1
		}
		return false, nil
	}
	it.cur, it.off = c, 0
	return true, nil
}

// Insert adds (key, value) and positions the iterator on it. The current
// position serves as the insert hint. In LOAD and BULK mode entries must
// arrive in ascending order.
func (it *Iterator) Insert(key, value []byte) error {
	if err := it.writable("insert"); err != nil {
		return err
	}
	return it.insert(key, value)
}

func (it *Iterator) insert(key, value []byte) error {
	switch it.mode {
	case OpenLoad:
		if err := it.loader.Append(key, value); err != nil {
			return err
		}
		it.cur = blink.Cursor{Valid: true, Key: key, Value: value}
		return nil
	case OpenBulk:
		if it.cur.Valid && it.tree.Compare(key, value, it.cur.Key, it.cur.Value) <= 0 {
			return dberror.Index(dberror.ErrKeyOrder, "bulk insert into %s", it.tree.Root())
		}
	}
	var hint *blink.Cursor
	if it.cur.Valid {
		hint = &it.cur
	}
	c, err := it.tree.Insert(it.tx, key, value, hint)
	if err != nil {
		return err
	}
	it.cur, it.off = c, 0
	return nil
}

// Update replaces the value of the current entry.
func (it *Iterator) Update(value []byte) error {
	if err := it.positioned("update"); err != nil {
		return err
	}
	return it.update(value)
}

func (it *Iterator) update(value []byte) error {
	c, err := it.tree.Update(it.tx, it.cur.Key, it.cur.Value, value)
	if err != nil {
		return err
	}
	it.cur = c
	return nil
}

// Delete removes the current entry. The iterator keeps the deleted key and
// value, so Next and Previous continue from where it was.
func (it *Iterator) Delete() error {
	if err := it.positioned("delete"); err != nil {
		return err
	}
	return it.delete()
}

func (it *Iterator) delete() error {
	if err := it.tree.Delete(it.tx, it.cur.Key, it.cur.Value); err != nil {
		return err
	}
	it.cur.LSN = 0
	return nil
}

// InsertPersistent is Insert in a nested top action: the entry stays even
// if the transaction rolls back.
func (it *Iterator) InsertPersistent(key, value []byte) error {
	if err := it.writable("insert"); err != nil {
		return err
	}
	if it.mode == OpenLoad {
		return dberror.Index(dberror.ErrAppendOnly, "persistent insert into %s", it.tree.Root())
	}
	return it.persistent(func() error { return it.insert(key, value) })
}

// UpdatePersistent is Update in a nested top action.
func (it *Iterator) UpdatePersistent(value []byte) error {
	if err := it.positioned("update"); err != nil {
		return err
	}
	return it.persistent(func() error { return it.update(value) })
}

// DeletePersistent is Delete in a nested top action.
func (it *Iterator) DeletePersistent() error {
	if err := it.positioned("delete"); err != nil {
		return err
	}
	return it.persistent(it.delete)
}

func (it *Iterator) persistent(fn func() error) error {
	saved, err := it.tx.BeginTopAction()
	if err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	return it.tx.EndTopAction(saved)
}

// Close ends the iterator. Closing a LOAD iterator writes the loaded pages,
// which must happen before the loading transaction commits.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.m.metrics.OpenIteratorsUpDownCounter.Add(context.Background(), -1)
	if it.mode != OpenLoad {
		return nil
	}
	if err := it.m.trees.BufferManager().FlushAll(context.Background()); err != nil {
		return err
	}
	it.m.logger.Info("Index loaded", zap.Stringer("root", it.tree.Root()), zap.Int("entries", it.loader.Count()))
	return nil
}

func (it *Iterator) usable(op string) error {
	if it.closed {
		return dberror.Index(dberror.ErrIteratorClosed, "%s %s", op, it.tree.Root())
	}
	return nil
}

func (it *Iterator) writable(op string) error {
	if err := it.usable(op); err != nil {
		return err
	}
	if it.mode == OpenRead {
		return dberror.Index(dberror.ErrReadOnlyIterator, "%s %s", op, it.tree.Root())
	}
	return nil
}

// positioned checks that the iterator may change the entry it is on.
func (it *Iterator) positioned(op string) error {
	if err := it.writable(op); err != nil {
		return err
	}
	if it.mode == OpenLoad || it.mode == OpenBulk {
		return dberror.Index(dberror.ErrAppendOnly, "%s %s", op, it.tree.Root())
	}
	if !it.cur.Valid {
		return dberror.Index(dberror.ErrNoPosition, "%s %s", op, it.tree.Root())
	}
	return nil
}

// IsAccessError reports whether err is a violation of the index access
// contract rather than a storage failure.
func IsAccessError(err error) bool {
	var ie *dberror.IndexAccessError
	return errors.As(err, &ie)
}
