package blink

import (
	"fmt"

	"github.com/sushant-115/xtcdb/core/dberror"
	"github.com/sushant-115/xtcdb/core/transaction"
	"github.com/sushant-115/xtcdb/core/write_engine/buffer"
	pagemanager "github.com/sushant-115/xtcdb/core/write_engine/page_manager"
)

// SearchMode selects where a search positions.
type SearchMode uint8

const (
	SearchFirst SearchMode = iota + 1
	SearchLast
	SearchEqual
	SearchGreater
	SearchGreaterOrEqual
	SearchLess
	SearchLessOrEqual
)

var searchModeNames = map[SearchMode]string{
	SearchFirst:          "FIRST",
	SearchLast:           "LAST",
	SearchEqual:          "EQUAL",
	SearchGreater:        "GREATER",
	SearchGreaterOrEqual: "GREATER_OR_EQUAL",
	SearchLess:           "LESS",
	SearchLessOrEqual:    "LESS_OR_EQUAL",
}

func (m SearchMode) String() string {
	if s, ok := searchModeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("SearchMode(%d)", uint8(m))
}

// ParseSearchMode parses the upper-case name of a mode.
func ParseSearchMode(s string) (SearchMode, error) {
	for m, name := range searchModeNames {
		if name == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown search mode %q", s)
}

// Cursor is a position in a tree: an entry and where it was last seen. Page
// and LSN form the hint that lets the next call skip the descent when the
// page did not change in between.
type Cursor struct {
	Valid bool
	Key   []byte
	Value []byte
	Page  pagemanager.PageID
	LSN   pagemanager.LSN
	Slot  int
}

func (t *Tree) cursorAt(h *buffer.Handle, n *node, slot int) Cursor {
	e := n.entryAt(slot)
	return Cursor{
		Valid: true,
		Key:   e.key,
		Value: e.value,
		Page:  h.PageID(),
		LSN:   h.LSN(),
		Slot:  slot,
	}
}

// descend walks from the root to the page at height level covering b. Inner
// pages are latched SHARED, the target page in mode. The parent is released
// before the child is latched; a page split in between is caught by moving
// right along the sibling links.
func (t *Tree) descend(tx *transaction.Tx, b bound, level uint16, mode pagemanager.LatchMode) (*buffer.Handle, *node, error) {
	h, n, err := t.fix(tx, t.root.Number, pagemanager.LatchShared)
	if err != nil {
		return nil, nil, err
	}
	if !t.belongs(n) {
		t.unfix(h)
		return nil, nil, dberror.Index(fmt.Errorf("%w: root %s", dberror.ErrPageDeleted, t.root), "descend")
	}
	if n.height < level {
		t.unfix(h)
		return nil, nil, dberror.Fatal("descend to level %d in tree %s of height %d", level, t.root, n.height)
	}
	if n.height == level && mode != pagemanager.LatchShared {
		if n, err = t.relatch(h, mode); err != nil {
			t.unfix(h)
			return nil, nil, err
		}
	}
	for {
		for t.beyondHigh(n, b) && n.next != 0 {
			m := pagemanager.LatchShared
			if n.height == level {
				m = mode
			}
			nh, nn, err := t.fix(tx, n.next, m)
			t.unfix(h)
			if err != nil {
				return nil, nil, err
			}
			h, n = nh, nn
			if !t.belongs(n) {
				t.unfix(h)
				return nil, nil, errRestart
			}
		}
		if n.height == level {
			return h, n, nil
		}
		m := pagemanager.LatchShared
		if n.height-1 == level {
			m = mode
		}
		child := t.childFor(n, b)
		t.unfix(h)
		if h, n, err = t.fix(tx, child, m); err != nil {
			return nil, nil, err
		}
		if !t.belongs(n) {
			t.unfix(h)
			return nil, nil, errRestart
		}
	}
}

func (t *Tree) hidden(e *entry) bool {
	return t.policy != nil && t.policy.IsPlaceholder(e.key, e.value)
}

// forward returns the first visible entry at or after slot, following the
// right links. It takes ownership of h.
func (t *Tree) forward(tx *transaction.Tx, h *buffer.Handle, n *node, slot int) (Cursor, error) {
	for {
		for ; slot < n.count(); slot++ {
			if !t.hidden(n.entryAt(slot)) {
				c := t.cursorAt(h, n, slot)
				t.unfix(h)
				return c, nil
			}
		}
		next := n.next
		if next == 0 {
			t.unfix(h)
			return Cursor{}, nil
		}
		nh, nn, err := t.fix(tx, next, pagemanager.LatchShared)
		t.unfix(h)
		if err != nil {
			return Cursor{}, err
		}
		if !t.belongs(nn) {
			t.unfix(nh)
			return Cursor{}, errRestart
		}
		h, n, slot = nh, nn, 0
	}
}

// backward returns the last visible entry at or before slot, following the
// left links. Latches are only ever coupled left to right, so the current
// page is released before its left neighbour is latched and the neighbour
// is checked to still link back.
func (t *Tree) backward(tx *transaction.Tx, h *buffer.Handle, n *node, slot int) (Cursor, error) {
	for {
		for ; slot >= 0; slot-- {
			if !t.hidden(n.entryAt(slot)) {
				c := t.cursorAt(h, n, slot)
				t.unfix(h)
				return c, nil
			}
		}
		prev, self := n.prev, h.PageID().Number
		t.unfix(h)
		if prev == 0 {
			return Cursor{}, nil
		}
		ph, pn, err := t.fix(tx, prev, pagemanager.LatchShared)
		if err != nil {
			return Cursor{}, err
		}
		if !t.belongs(pn) || pn.next != self {
			t.unfix(ph)
			return Cursor{}, errRestart
		}
		h, n, slot = ph, pn, pn.count()-1
	}
}

// firstGE positions on the first entry >= b.
func (t *Tree) firstGE(tx *transaction.Tx, b bound) (Cursor, error) {
	h, n, err := t.descend(tx, b, 0, pagemanager.LatchShared)
	if err != nil {
		return Cursor{}, err
	}
	return t.forward(tx, h, n, t.lowerBound(n, b))
}

// lastLT positions on the last entry < b.
func (t *Tree) lastLT(tx *transaction.Tx, b bound) (Cursor, error) {
	h, n, err := t.descend(tx, b, 0, pagemanager.LatchShared)
	if err != nil {
		return Cursor{}, err
	}
	return t.backward(tx, h, n, t.lowerBound(n, b)-1)
}

// Search positions on the entry selected by mode. key and value are ignored
// by FIRST and LAST; a nil value widens the other modes to every value of
// key. The returned cursor is invalid when no entry qualifies.
func (t *Tree) Search(tx *transaction.Tx, mode SearchMode, key, value []byte) (Cursor, error) {
	var c Cursor
	err := t.withTree(pagemanager.LatchShared, func() error {
		return t.retry(func() (err error) {
			c, err = t.search(tx, mode, key, value)
			return err
		})
	})
	return c, err
}

func (t *Tree) search(tx *transaction.Tx, mode SearchMode, key, value []byte) (Cursor, error) {
	low := bound{key: key, value: value}
	if value == nil {
		low.valInf = -1
	}
	switch mode {
	case SearchFirst:
		return t.firstGE(tx, minBound)
	case SearchLast:
		return t.lastLT(tx, maxBound)
	case SearchGreaterOrEqual:
		return t.firstGE(tx, low)
	case SearchEqual:
		c, err := t.firstGE(tx, low)
		if err != nil || !c.Valid {
			return c, err
		}
		return t.equal(c, key, value), nil
	case SearchGreater:
		if value == nil {
			return t.firstGE(tx, bound{key: key, valInf: 1})
		}
		return t.firstGE(tx, t.after(key, value))
	case SearchLess:
		return t.lastLT(tx, low)
	case SearchLessOrEqual:
		if value == nil {
			return t.lastLT(tx, bound{key: key, valInf: 1})
		}
		return t.lastLT(tx, t.after(key, value))
	}
	return Cursor{}, dberror.Index(fmt.Errorf("unknown search mode %d", mode), "search")
}

// equal returns c when it holds key (and value, if given), else an invalid
// cursor.
func (t *Tree) equal(c Cursor, key, value []byte) Cursor {
	if !c.Valid || t.cmp(c.Key, c.Value, bound{key: key, valInf: 1}) > 0 {
		return Cursor{}
	}
	if value != nil && !t.cfg.Unique && t.cmp(c.Key, c.Value, exactBound(key, value)) != 0 {
		return Cursor{}
	}
	return c
}

// SearchHinted is Search starting from a leaf remembered by an earlier
// cursor. The leaf is used when its LSN is unchanged and it covers the
// searched position unambiguously; otherwise the search descends from the
// root. Only the EQUAL, GREATER and GREATER_OR_EQUAL modes use the hint.
func (t *Tree) SearchHinted(tx *transaction.Tx, mode SearchMode, key, value []byte, page pagemanager.PageID, lsn pagemanager.LSN) (Cursor, error) {
	var c Cursor
	err := t.withTree(pagemanager.LatchShared, func() error {
		return t.retry(func() error {
			var (
				ok  bool
				err error
			)
			if c, ok, err = t.searchHinted(tx, mode, key, value, page, lsn); ok || err != nil {
				return err
			}
			c, err = t.search(tx, mode, key, value)
			return err
		})
	})
	return c, err
}

func (t *Tree) searchHinted(tx *transaction.Tx, mode SearchMode, key, value []byte, page pagemanager.PageID, lsn pagemanager.LSN) (Cursor, bool, error) {
	var b bound
	switch mode {
	case SearchEqual, SearchGreaterOrEqual:
		b = bound{key: key, value: value}
		if value == nil {
			b.valInf = -1
		}
	case SearchGreater:
		b = bound{key: key, valInf: 1}
		if value != nil {
			b = t.after(key, value)
		}
	default:
		return Cursor{}, false, nil
	}
	if !page.IsValid() || page.Container != t.root.Container || lsn == 0 {
		return Cursor{}, false, nil
	}
	h, n, err := t.fix(tx, page.Number, pagemanager.LatchShared)
	if err != nil {
		return Cursor{}, false, nil
	}
	if h.LSN() != lsn || !t.belongs(n) || !n.isLeaf() || t.beyondHigh(n, b) {
		t.unfix(h)
		return Cursor{}, false, nil
	}
	pos := t.lowerBound(n, b)
	if pos == 0 && n.prev != 0 {
		// the position may lie on the left sibling
		t.unfix(h)
		return Cursor{}, false, nil
	}
	c, err := t.forward(tx, h, n, pos)
	if err != nil {
		return Cursor{}, false, err
	}
	if mode == SearchEqual {
		c = t.equal(c, key, value)
	}
	return c, true, nil
}

// Step moves from cur to the next (forward) or previous entry. When the
// page of cur is unchanged since cur was taken the move starts there;
// otherwise the position is found again from cur's key and value.
func (t *Tree) Step(tx *transaction.Tx, cur Cursor, forward bool) (Cursor, error) {
	var c Cursor
	err := t.withTree(pagemanager.LatchShared, func() error {
		return t.retry(func() (err error) {
			c, err = t.step(tx, cur, forward)
			return err
		})
	})
	return c, err
}

func (t *Tree) step(tx *transaction.Tx, cur Cursor, forward bool) (Cursor, error) {
	if h, n, ok := t.hinted(tx, cur, pagemanager.LatchShared); ok {
		if forward {
			return t.forward(tx, h, n, cur.Slot+1)
		}
		return t.backward(tx, h, n, cur.Slot-1)
	}
	if forward {
		return t.firstGE(tx, t.after(cur.Key, cur.Value))
	}
	return t.lastLT(tx, exactBound(cur.Key, cur.Value))
}

// hinted fixes the page of cur when it is still the leaf cur was taken
// from and nothing changed on it since.
func (t *Tree) hinted(tx *transaction.Tx, cur Cursor, mode pagemanager.LatchMode) (*buffer.Handle, *node, bool) {
	if !cur.Valid || !cur.Page.IsValid() || cur.Page.Container != t.root.Container || cur.LSN == 0 {
		return nil, nil, false
	}
	h, n, err := t.fix(tx, cur.Page.Number, mode)
	if err != nil {
		return nil, nil, false
	}
	if h.LSN() != cur.LSN || !t.belongs(n) || !n.isLeaf() || cur.Slot >= n.count() {
		t.unfix(h)
		return nil, nil, false
	}
	if e := n.entryAt(cur.Slot); t.cmpEntries(e.key, e.value, cur.Key, cur.Value) != 0 {
		t.unfix(h)
		return nil, nil, false
	}
	return h, n, true
}
