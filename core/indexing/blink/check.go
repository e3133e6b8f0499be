package blink

import (
	"fmt"
	"io"
	"strings"

	"github.com/sushant-115/xtcdb/core/dberror"
	"github.com/sushant-115/xtcdb/core/indexing/field"
	"github.com/sushant-115/xtcdb/core/transaction"
	pagemanager "github.com/sushant-115/xtcdb/core/write_engine/page_manager"
)

// Stats summarises a verified tree.
type Stats struct {
	Height       int
	Branches     int
	Leaves       int
	Entries      int
	Placeholders int
}

// Verify walks every level of the tree left to right under the exclusive
// tree latch and checks the structural invariants: ascending entries, every
// entry below the page's high key, the next page starting at or above it,
// consistent sibling links and children one level down.
func (t *Tree) Verify(tx *transaction.Tx) (Stats, error) {
	var st Stats
	err := t.withTree(pagemanager.LatchExclusive, func() error {
		h, n, err := t.fix(tx, t.root.Number, pagemanager.LatchShared)
		if err != nil {
			return err
		}
		height := n.height
		first := t.root.Number
		t.unfix(h)
		st.Height = int(height) + 1
		for level := int(height); level >= 0; level-- {
			next, err := t.verifyLevel(tx, first, uint16(level), &st)
			if err != nil {
				return err
			}
			first = next
		}
		return nil
	})
	return st, err
}

// verifyLevel checks the pages of one level starting at first and returns
// the leftmost page of the level below.
func (t *Tree) verifyLevel(tx *transaction.Tx, first uint32, level uint16, st *Stats) (uint32, error) {
	var (
		below    uint32
		prevPage uint32
		prevHigh []byte
		lastKey  []byte
		lastVal  []byte
		seen     bool
	)
	fail := func(page uint32, format string, args ...any) error {
		return dberror.Index(fmt.Errorf("%w: page %d: %s", dberror.ErrPageCorrupt, page, fmt.Sprintf(format, args...)), "verify %s", t.root)
	}
	for page := first; page != 0; {
		h, n, err := t.fix(tx, page, pagemanager.LatchShared)
		if err != nil {
			return 0, err
		}
		t.unfix(h)
		switch {
		case !t.belongs(n):
			return 0, fail(page, "not a live page of the tree")
		case n.height != level:
			return 0, fail(page, "height %d on level %d", n.height, level)
		case n.prev != prevPage:
			return 0, fail(page, "prev %d, expected %d", n.prev, prevPage)
		case level == 0 && !n.isLeaf(), level > 0 && n.isLeaf():
			return 0, fail(page, "%s page on level %d", n.typ, level)
		}
		if page == first && !n.isLeaf() {
			below = n.low
		}
		if prevHigh != nil && n.count() > 0 {
			k, v := decodeSep(prevHigh)
			if e := n.entryAt(0); t.cmpEntries(e.key, e.value, k, v) < 0 {
				return 0, fail(page, "first entry below the left sibling's high key")
			}
		}
		for i := range n.entries {
			e := n.entryAt(i)
			if seen && t.cmpEntries(lastKey, lastVal, e.key, e.value) >= 0 {
				return 0, fail(page, "slot %d out of order", i)
			}
			if t.beyondHigh(n, exactBound(e.key, e.value)) {
				return 0, fail(page, "slot %d not below the high key", i)
			}
			lastKey, lastVal, seen = e.key, e.value, true
			if n.isLeaf() {
				if t.hidden(e) {
					st.Placeholders++
				} else {
					st.Entries++
				}
			}
		}
		if n.next == 0 && n.high != nil {
			return 0, fail(page, "rightmost page has a high key")
		}
		if n.isLeaf() {
			st.Leaves++
		} else {
			st.Branches++
		}
		prevPage, prevHigh, page = page, n.high, n.next
	}
	return below, nil
}

// Dump writes a readable rendition of every page, level by level.
func (t *Tree) Dump(tx *transaction.Tx, w io.Writer) error {
	return t.withTree(pagemanager.LatchShared, func() error {
		first := t.root.Number
		for first != 0 {
			var below uint32
			for page := first; page != 0; {
				h, n, err := t.fix(tx, page, pagemanager.LatchShared)
				if err != nil {
					return err
				}
				t.unfix(h)
				if page == first && !n.isLeaf() {
					below = n.low
				}
				fmt.Fprintf(w, "%s %d h=%d prev=%d next=%d low=%d high=%s\n",
					n.typ, page, n.height, n.prev, n.next, n.low, t.formatSep(n.high))
				for i := range n.entries {
					e := n.entryAt(i)
					fmt.Fprintf(w, "  [%d] %s = %s", i, field.Format(t.cfg.KeyType, e.key), field.Format(t.cfg.ValueType, e.value))
					if !n.isLeaf() {
						fmt.Fprintf(w, " -> %d", e.child)
					}
					fmt.Fprintln(w)
				}
				page = n.next
			}
			first = below
		}
		return nil
	})
}

func (t *Tree) formatSep(sep []byte) string {
	if sep == nil {
		return "+inf"
	}
	k, v := decodeSep(sep)
	var b strings.Builder
	b.WriteString(field.Format(t.cfg.KeyType, k))
	if len(v) > 0 {
		b.WriteString("/")
		b.WriteString(field.Format(t.cfg.ValueType, v))
	}
	return b.String()
}
