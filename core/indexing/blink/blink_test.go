package blink

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sushant-115/xtcdb/core/dberror"
	"github.com/sushant-115/xtcdb/core/indexing/field"
	"github.com/sushant-115/xtcdb/core/storage_engine/blockspace"
	"github.com/sushant-115/xtcdb/core/transaction"
	"github.com/sushant-115/xtcdb/core/write_engine/buffer"
	"github.com/sushant-115/xtcdb/core/write_engine/logop"
	pagemanager "github.com/sushant-115/xtcdb/core/write_engine/page_manager"
	"github.com/sushant-115/xtcdb/core/write_engine/wal"
)

// --- Test Helpers ---

// dispatcher routes redo and undo to the block space and the trees.
type dispatcher struct {
	bm    *buffer.Manager
	trees *Trees
}

func (d *dispatcher) Redo(op *logop.Op, lsn wal.LSN, _ uint64) error {
	space, err := d.bm.Space(op.Page.Container)
	if err != nil {
		return err
	}
	switch op.Kind {
	case logop.KindAllocate:
		if space.IsAllocated(int64(op.Page.Number)) {
			return nil
		}
		return d.bm.AllocateAt(op.Page, op.Unit)
	case logop.KindDeallocate:
		if !space.IsAllocated(int64(op.Page.Number)) {
			return nil
		}
		return d.bm.ReleasePage(op.Page, op.Unit)
	}
	if op.IsPageOp() {
		return d.trees.Redo(op, lsn)
	}
	return nil
}

func (d *dispatcher) Undo(tx *transaction.Tx, op *logop.Op, _, undoNext wal.LSN) error {
	switch op.Kind {
	case logop.KindAllocate, logop.KindDeallocate:
		inv := op.Inverse()
		if _, err := tx.LogCLR(&inv, undoNext); err != nil {
			return err
		}
		if op.Kind == logop.KindAllocate {
			return d.bm.ReleasePage(op.Page, op.Unit)
		}
		return d.bm.AllocateAt(op.Page, op.Unit)
	}
	if op.IsUser() {
		return d.trees.UndoLogical(tx, op, undoNext)
	}
	return d.trees.UndoPhysical(tx, op, undoNext)
}

type env struct {
	mgr   *transaction.TxMgr
	bm    *buffer.Manager
	log   *wal.LogManager
	space *blockspace.BlockSpace
	trees *Trees
	unit  int32
}

func setup(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	log, err := wal.NewLogManager(filepath.Join(dir, "wal"), zap.NewNop(), wal.Options{})
	require.NoError(t, err)
	space, err := blockspace.Create(dir, "c1", 1024, 64, 1.0, blockspace.Options{Logger: zap.NewNop()})
	require.NoError(t, err)
	unit, err := space.CreateUnit(0)
	require.NoError(t, err)
	bm := buffer.NewManager(log, buffer.Options{PoolSize: 512, LatchTimeout: 10 * time.Second, Logger: zap.NewNop()})
	bm.Register(1, space)
	mgr := transaction.NewTxMgr(log, bm, transaction.Options{Logger: zap.NewNop()})
	trees := New(bm, Options{Logger: zap.NewNop()})
	mgr.SetDispatcher(&dispatcher{bm: bm, trees: trees})
	t.Cleanup(func() {
		_ = bm.Close(context.Background())
		_ = log.Close()
		_ = space.Close()
	})
	return &env{mgr: mgr, bm: bm, log: log, space: space, trees: trees, unit: unit}
}

func (e *env) create(t *testing.T, cfg Config) *Tree {
	t.Helper()
	tx := e.mgr.Begin()
	tree, err := e.trees.Create(tx, 1, e.unit, cfg)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return tree
}

var stringTree = Config{KeyType: field.TypeString, ValueType: field.TypeBytes}

func key(i int) []byte { return []byte(fmt.Sprintf("k%05d", i)) }

func val(i int) []byte { return []byte(fmt.Sprintf("value-%d", i)) }

func insertAll(t *testing.T, tree *Tree, tx *transaction.Tx, ids []int) {
	t.Helper()
	for _, i := range ids {
		_, err := tree.Insert(tx, key(i), val(i), nil)
		require.NoError(t, err, "insert %d", i)
	}
}

// scan returns all visible keys in ascending order, or descending when
// backward is set.
func scan(t *testing.T, tree *Tree, tx *transaction.Tx, backward bool) []string {
	t.Helper()
	mode := SearchFirst
	if backward {
		mode = SearchLast
	}
	c, err := tree.Search(tx, mode, nil, nil)
	require.NoError(t, err)
	var keys []string
	for c.Valid {
		keys = append(keys, string(c.Key))
		c, err = tree.Step(tx, c, !backward)
		require.NoError(t, err)
	}
	return keys
}

func keys(ids []int) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(key(id))
	}
	sort.Strings(out)
	return out
}

// --- Tests ---

func TestTree_InsertSplitsAndScans(t *testing.T) {
	e := setup(t)
	tree := e.create(t, stringTree)

	ids := rand.New(rand.NewSource(1)).Perm(600)
	tx := e.mgr.Begin()
	insertAll(t, tree, tx, ids)
	require.NoError(t, tx.Commit())

	st, err := tree.Verify(nil)
	require.NoError(t, err)
	require.Equal(t, 600, st.Entries)
	require.GreaterOrEqual(t, st.Height, 2, "the root has grown in place")

	want := keys(ids)
	require.Equal(t, want, scan(t, tree, nil, false))
	got := scan(t, tree, nil, true)
	sort.Strings(got)
	require.Equal(t, want, got)

	reopened, err := e.trees.Open(nil, tree.Root())
	require.NoError(t, err)
	require.Equal(t, stringTree, reopened.Config())
}

func TestTree_SearchModes(t *testing.T) {
	e := setup(t)
	tree := e.create(t, Config{KeyType: field.TypeString, ValueType: field.TypeBytes, Unique: true})
	tx := e.mgr.Begin()
	for _, i := range []int{10, 20, 30} {
		_, err := tree.Insert(tx, key(i), val(i), nil)
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())

	tests := []struct {
		mode SearchMode
		key  int
		want string // "" means no entry
	}{
		{SearchFirst, 0, "k00010"},
		{SearchLast, 0, "k00030"},
		{SearchEqual, 20, "k00020"},
		{SearchEqual, 25, ""},
		{SearchGreater, 20, "k00030"},
		{SearchGreater, 30, ""},
		{SearchGreaterOrEqual, 20, "k00020"},
		{SearchGreaterOrEqual, 21, "k00030"},
		{SearchLess, 20, "k00010"},
		{SearchLess, 10, ""},
		{SearchLessOrEqual, 20, "k00020"},
		{SearchLessOrEqual, 29, "k00020"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%d", tt.mode, tt.key), func(t *testing.T) {
			c, err := tree.Search(nil, tt.mode, key(tt.key), nil)
			require.NoError(t, err)
			if tt.want == "" {
				require.False(t, c.Valid)
				return
			}
			require.True(t, c.Valid)
			require.Equal(t, tt.want, string(c.Key))
		})
	}
}

func TestTree_NonUniqueOrdersByValue(t *testing.T) {
	e := setup(t)
	tree := e.create(t, stringTree)
	tx := e.mgr.Begin()
	for _, v := range []string{"c", "a", "b"} {
		_, err := tree.Insert(tx, []byte("k"), []byte(v), nil)
		require.NoError(t, err)
	}
	_, err := tree.Insert(tx, []byte("k"), []byte("b"), nil)
	require.ErrorIs(t, err, dberror.ErrDuplicateKey)

	c, err := tree.Search(tx, SearchEqual, []byte("k"), nil)
	require.NoError(t, err)
	require.Equal(t, "a", string(c.Value))
	c, err = tree.Search(tx, SearchGreater, []byte("k"), []byte("a"))
	require.NoError(t, err)
	require.Equal(t, "b", string(c.Value))
	c, err = tree.Search(tx, SearchLess, []byte("k"), []byte("b"))
	require.NoError(t, err)
	require.Equal(t, "a", string(c.Value))

	require.NoError(t, tree.Delete(tx, []byte("k"), nil))
	c, err = tree.Search(tx, SearchFirst, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "b", string(c.Value))
	require.NoError(t, tx.Commit())
}

func TestTree_DuplicateLeavesTreeUnchanged(t *testing.T) {
	e := setup(t)
	tree := e.create(t, Config{KeyType: field.TypeString, ValueType: field.TypeBytes, Unique: true})
	tx := e.mgr.Begin()
	insertAll(t, tree, tx, []int{1, 2, 3})
	last := tx.LastLSN()

	_, err := tree.Insert(tx, key(2), []byte("other"), nil)
	var ie *dberror.IndexAccessError
	require.ErrorAs(t, err, &ie)
	require.ErrorIs(t, err, dberror.ErrDuplicateKey)
	require.Equal(t, last, tx.LastLSN(), "nothing was logged")
	require.NoError(t, tx.Commit())

	c, err := tree.Search(nil, SearchEqual, key(2), nil)
	require.NoError(t, err)
	require.Equal(t, val(2), c.Value)

	big := bytes.Repeat([]byte("x"), tree.MaxEntrySize())
	tx = e.mgr.Begin()
	_, err = tree.Insert(tx, key(9), big, nil)
	require.ErrorIs(t, err, dberror.ErrEntryTooLarge)
	require.NoError(t, tx.Rollback())
}

func TestTree_UpdateInPlace(t *testing.T) {
	e := setup(t)
	tree := e.create(t, Config{KeyType: field.TypeString, ValueType: field.TypeBytes, Unique: true})
	tx := e.mgr.Begin()
	insertAll(t, tree, tx, []int{1, 2})
	_, err := tree.Update(tx, key(1), nil, []byte("new"))
	require.NoError(t, err)
	_, err = tree.Update(tx, key(7), nil, []byte("new"))
	require.ErrorIs(t, err, dberror.ErrKeyNotFound)
	require.NoError(t, tx.Rollback())

	c, err := tree.Search(nil, SearchEqual, key(1), nil)
	require.NoError(t, err)
	require.False(t, c.Valid, "the insert was rolled back too")
}

func TestTree_RollbackRestoresTree(t *testing.T) {
	e := setup(t)
	tree := e.create(t, stringTree)
	base := rand.New(rand.NewSource(2)).Perm(150)
	tx := e.mgr.Begin()
	insertAll(t, tree, tx, base)
	require.NoError(t, tx.Commit())
	want := scan(t, tree, nil, false)

	tx = e.mgr.Begin()
	var more []int
	for i := 1000; i < 1500; i++ {
		more = append(more, i)
	}
	insertAll(t, tree, tx, more)
	for _, i := range base[:100] {
		require.NoError(t, tree.Delete(tx, key(i), val(i)))
	}
	require.NoError(t, tx.Rollback())

	st, err := tree.Verify(nil)
	require.NoError(t, err)
	require.Equal(t, len(base), st.Entries)
	require.Equal(t, want, scan(t, tree, nil, false))
}

func TestTree_DeleteUnlinksEmptyLeaves(t *testing.T) {
	e := setup(t)
	tree := e.create(t, stringTree)
	tx := e.mgr.Begin()
	ids := rand.New(rand.NewSource(3)).Perm(400)
	insertAll(t, tree, tx, ids)
	require.NoError(t, tx.Commit())
	before, err := tree.Verify(nil)
	require.NoError(t, err)
	used := e.space.Stats().Used

	tx = e.mgr.Begin()
	for _, i := range ids[:390] {
		require.NoError(t, tree.Delete(tx, key(i), val(i)))
	}
	require.ErrorIs(t, tree.Delete(tx, key(ids[0]), val(ids[0])), dberror.ErrKeyNotFound)
	require.NoError(t, tx.Commit())

	after, err := tree.Verify(nil)
	require.NoError(t, err)
	require.Equal(t, 10, after.Entries)
	require.Less(t, after.Leaves, before.Leaves)
	require.Less(t, e.space.Stats().Used, used, "unlinked leaves were freed")
	require.Equal(t, keys(ids[390:]), scan(t, tree, nil, false))
}

func TestTree_RightLinkSafety(t *testing.T) {
	e := setup(t)
	tree := e.create(t, stringTree)
	var even, odd []int
	for i := 0; i < 800; i++ {
		if i%2 == 0 {
			even = append(even, i)
		} else {
			odd = append(odd, i)
		}
	}
	tx := e.mgr.Begin()
	insertAll(t, tree, tx, even)
	require.NoError(t, tx.Commit())
	committed := make(map[string]bool, len(even))
	for _, k := range keys(even) {
		committed[k] = true
	}

	var g errgroup.Group
	g.Go(func() error {
		tx := e.mgr.Begin()
		for _, i := range odd {
			if _, err := tree.Insert(tx, key(i), val(i), nil); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	for r := 0; r < 4; r++ {
		g.Go(func() error {
			for pass := 0; pass < 10; pass++ {
				c, err := tree.Search(nil, SearchFirst, nil, nil)
				if err != nil {
					return err
				}
				seen, prev := 0, ""
				for c.Valid {
					k := string(c.Key)
					if k <= prev {
						return fmt.Errorf("scan went from %s to %s", prev, k)
					}
					if committed[k] {
						seen++
					}
					prev = k
					if c, err = tree.Step(nil, c, true); err != nil {
						return err
					}
				}
				if seen != len(even) {
					return fmt.Errorf("scan saw %d of %d committed keys", seen, len(even))
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	st, err := tree.Verify(nil)
	require.NoError(t, err)
	require.Equal(t, 800, st.Entries)
}

func TestTree_Placeholders(t *testing.T) {
	e := setup(t)
	tree := e.create(t, Config{KeyType: field.TypeDeweyID, ValueType: field.TypeBytes, Compressed: true})
	require.NotNil(t, tree.Policy())
	d := func(s string) []byte {
		b, err := field.ParseDewey(s)
		require.NoError(t, err)
		return b
	}

	tx := e.mgr.Begin()
	for _, id := range []string{"1.1.1", "1.1.2", "1.2"} {
		_, err := tree.Insert(tx, d(id), []byte("v"), nil)
		require.NoError(t, err)
	}
	_, err := tree.Insert(tx, d("1.3"), nil, nil)
	require.Error(t, err, "empty values are reserved")

	// 1.1.2 still carries the prefix 1.1
	require.NoError(t, tree.Delete(tx, d("1.1.1"), []byte("v")))
	st, err := tree.Verify(tx)
	require.NoError(t, err)
	require.Zero(t, st.Placeholders)

	// the last key under 1.1 leaves a placeholder behind
	require.NoError(t, tree.Delete(tx, d("1.1.2"), []byte("v")))
	st, err = tree.Verify(tx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Placeholders)
	require.Equal(t, 1, st.Entries)

	c, err := tree.Search(tx, SearchFirst, nil, nil)
	require.NoError(t, err)
	require.Equal(t, d("1.2"), c.Key, "placeholders are invisible")
	c, err = tree.Search(tx, SearchEqual, d("1.1"), nil)
	require.NoError(t, err)
	require.False(t, c.Valid)

	// a new key under 1.1 makes the placeholder redundant
	_, err = tree.Insert(tx, d("1.1.5"), []byte("v"), nil)
	require.NoError(t, err)
	st, err = tree.Verify(tx)
	require.NoError(t, err)
	require.Zero(t, st.Placeholders)
	require.Equal(t, 2, st.Entries)
	require.NoError(t, tx.Rollback())

	st, err = tree.Verify(nil)
	require.NoError(t, err)
	require.Zero(t, st.Entries+st.Placeholders)
}

func TestTree_HintedInsertAndStep(t *testing.T) {
	e := setup(t)
	tree := e.create(t, stringTree)
	tx := e.mgr.Begin()
	c, err := tree.Insert(tx, key(0), val(0), nil)
	require.NoError(t, err)
	for i := 1; i < 300; i++ {
		// appending after the previous entry mostly reuses its leaf
		c, err = tree.Insert(tx, key(i), val(i), &c)
		require.NoError(t, err)
		require.Equal(t, key(i), c.Key)
	}
	require.NoError(t, tx.Commit())

	// a stale cursor resynchronises by key
	c, err = tree.Search(nil, SearchEqual, key(100), nil)
	require.NoError(t, err)
	tx = e.mgr.Begin()
	require.NoError(t, tree.Delete(tx, key(101), val(101)))
	require.NoError(t, tx.Commit())
	c, err = tree.Step(nil, c, true)
	require.NoError(t, err)
	require.Equal(t, key(102), c.Key)
	c, err = tree.Step(nil, c, false)
	require.NoError(t, err)
	require.Equal(t, key(100), c.Key)
}

func TestTree_RedoReproducesPages(t *testing.T) {
	e := setup(t)
	tree := e.create(t, stringTree)
	tx := e.mgr.Begin()
	insertAll(t, tree, tx, rand.New(rand.NewSource(4)).Perm(500))
	require.NoError(t, tx.Commit())
	require.NoError(t, e.log.Flush(e.log.GetCurrentLSN()))

	type logged struct {
		op  logop.Op
		lsn wal.LSN
	}
	var ops []logged
	require.NoError(t, e.log.Scan(e.log.FirstLSN(), func(r *wal.LogRecord) error {
		if r.Type != wal.LogRecordTypeUpdate && r.Type != wal.LogRecordTypeCLR {
			return nil
		}
		op, err := logop.Decode(r.Payload)
		if err != nil {
			return err
		}
		if op.IsPageOp() {
			ops = append(ops, logged{op: op, lsn: r.LSN})
		}
		return nil
	}))
	require.NotEmpty(t, ops)

	// replaying every page op from blank pages yields the live pages
	capacity := tree.capacity
	replayed := make(map[pagemanager.PageID]*node)
	for i := range ops {
		n, ok := replayed[ops[i].op.Page]
		if !ok {
			n = &node{capacity: capacity}
			replayed[ops[i].op.Page] = n
		}
		require.NoError(t, n.apply(&ops[i].op))
	}
	for id, want := range replayed {
		h, live, err := tree.fix(nil, id.Number, pagemanager.LatchShared)
		require.NoError(t, err)
		tree.unfix(h)
		require.Equal(t, want.entries, live.entries, "page %s", id)
		require.Equal(t, want.high, live.high, "page %s", id)
		require.Equal(t, [4]uint32{want.prev, want.next, want.low, want.root}, [4]uint32{live.prev, live.next, live.low, live.root})
	}

	// redo over pages that already carry the changes is a no-op
	var before, after bytes.Buffer
	require.NoError(t, tree.Dump(nil, &before))
	for i := range ops {
		require.NoError(t, e.trees.Redo(&ops[i].op, ops[i].lsn))
	}
	require.NoError(t, tree.Dump(nil, &after))
	require.Equal(t, before.String(), after.String())
}

func TestLoader(t *testing.T) {
	e := setup(t)
	tree := e.create(t, Config{KeyType: field.TypeInt64, ValueType: field.TypeBytes, Unique: true})
	tx := e.mgr.Begin()
	l, err := tree.NewLoader(tx)
	require.NoError(t, err)
	for i := int64(0); i < 20000; i++ {
		require.NoError(t, l.Append(field.EncodeInt64(i-10000), []byte("payload")))
	}
	err = l.Append(field.EncodeInt64(0), []byte("late"))
	require.ErrorIs(t, err, dberror.ErrKeyOrder)
	require.Equal(t, 20000, l.Count())
	require.NoError(t, e.bm.FlushAll(context.Background()))
	require.NoError(t, tx.Commit())

	st, err := tree.Verify(nil)
	require.NoError(t, err)
	require.Equal(t, 20000, st.Entries)
	require.GreaterOrEqual(t, st.Height, 3)

	c, err := tree.Search(nil, SearchEqual, field.EncodeInt64(-7), nil)
	require.NoError(t, err)
	require.True(t, c.Valid)

	_, err = tree.NewLoader(e.mgr.Begin())
	require.Error(t, err, "only empty trees can be loaded")

	// the loaded tree takes ordinary logged inserts afterwards
	tx = e.mgr.Begin()
	_, err = tree.Insert(tx, field.EncodeInt64(5000), []byte("x"), nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
}

func TestLoader_VaryingEntrySizes(t *testing.T) {
	tests := []struct {
		name   string
		unique bool
	}{
		{"unique", true},
		{"duplicates", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := setup(t)
			tree := e.create(t, Config{KeyType: field.TypeString, ValueType: field.TypeBytes, Unique: tt.unique})
			limit := tree.MaxEntrySize()
			// every seventh entry is as large as the tree allows, so a long
			// separator often follows a page filled with short entries
			entryAt := func(i int) ([]byte, []byte) {
				k := []byte(fmt.Sprintf("%05d", i))
				v := []byte("v")
				if i%7 == 0 {
					if tt.unique {
						k = append(k, bytes.Repeat([]byte("x"), limit-len(k)-len(v))...)
					} else {
						v = bytes.Repeat([]byte("y"), limit-len(k))
					}
				}
				return k, v
			}
			const count = 2000
			tx := e.mgr.Begin()
			l, err := tree.NewLoader(tx)
			require.NoError(t, err)
			var want []string
			for i := 0; i < count; i++ {
				k, v := entryAt(i)
				require.NoError(t, l.Append(k, v), "append %d", i)
				want = append(want, string(k))
			}
			require.NoError(t, e.bm.FlushAll(context.Background()))
			require.NoError(t, tx.Commit())

			st, err := tree.Verify(nil)
			require.NoError(t, err)
			require.Equal(t, count, st.Entries)
			require.Equal(t, want, scan(t, tree, nil, false))

			// ordinary inserts still split the loaded pages
			tx = e.mgr.Begin()
			for i := 0; i < count; i += 5 {
				_, err := tree.Insert(tx, []byte(fmt.Sprintf("%05dz", i)), []byte("w"), nil)
				require.NoError(t, err)
			}
			require.NoError(t, tx.Commit())
			st, err = tree.Verify(nil)
			require.NoError(t, err)
			require.Equal(t, count+count/5, st.Entries)
		})
	}
}

// deweyFixture fills a Dewey tree with 1.i.j for i in [1, 60] and j in
// [1, 5] and returns the ids in insertion order.
func deweyFixture(t *testing.T, e *env) (*Tree, []string) {
	t.Helper()
	tree := e.create(t, Config{KeyType: field.TypeDeweyID, ValueType: field.TypeBytes, Compressed: true})
	var ids []string
	for i := 1; i <= 60; i++ {
		for j := 1; j <= 5; j++ {
			ids = append(ids, fmt.Sprintf("1.%d.%d", i, j))
		}
	}
	tx := e.mgr.Begin()
	for _, id := range ids {
		_, err := tree.Insert(tx, dewey(t, id), deweyVal(id), nil)
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())
	return tree, ids
}

func dewey(t *testing.T, s string) []byte {
	t.Helper()
	b, err := field.ParseDewey(s)
	require.NoError(t, err)
	return b
}

func deweyVal(id string) []byte { return []byte(fmt.Sprintf("value-of-%-14s", id)) }

// deleteRange deletes every 1.i.j with lo <= i <= hi.
func deleteRange(t *testing.T, tree *Tree, tx *transaction.Tx, ids []string, lo, hi int) []string {
	t.Helper()
	var gone []string
	for _, id := range ids {
		var i, j int
		_, err := fmt.Sscanf(id, "1.%d.%d", &i, &j)
		require.NoError(t, err)
		if i < lo || i > hi {
			continue
		}
		require.NoError(t, tree.Delete(tx, dewey(t, id), deweyVal(id)))
		gone = append(gone, id)
	}
	return gone
}

func TestTree_PlaceholdersDeleteReinsertAcrossPages(t *testing.T) {
	e := setup(t)
	tree, ids := deweyFixture(t, e)
	control, _ := deweyFixture(t, setup(t))

	st, err := tree.Verify(nil)
	require.NoError(t, err)
	require.Greater(t, st.Leaves, 3, "the range must cross leaf boundaries")

	tx := e.mgr.Begin()
	gone := deleteRange(t, tree, tx, ids, 10, 40)
	require.NoError(t, tx.Commit())
	st, err = tree.Verify(nil)
	require.NoError(t, err)
	require.Equal(t, 31, st.Placeholders)
	require.Equal(t, len(ids)-len(gone), st.Entries)

	tx = e.mgr.Begin()
	for _, id := range gone {
		_, err := tree.Insert(tx, dewey(t, id), deweyVal(id), nil)
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())

	st, err = tree.Verify(nil)
	require.NoError(t, err)
	require.Zero(t, st.Placeholders)
	require.Equal(t, len(ids), st.Entries)
	require.Equal(t, scan(t, control, nil, false), scan(t, tree, nil, false))
	require.Equal(t, scan(t, control, nil, true), scan(t, tree, nil, true))
}

func TestTree_InsertOverPlaceholders(t *testing.T) {
	e := setup(t)
	tree, ids := deweyFixture(t, e)
	tx := e.mgr.Begin()
	gone := deleteRange(t, tree, tx, ids, 10, 40)
	require.NoError(t, tx.Commit())
	before, err := tree.Verify(nil)
	require.NoError(t, err)

	// each prefix key replaces its own placeholder, wherever it sits on
	// its leaf
	tx = e.mgr.Begin()
	for i := 10; i <= 40; i++ {
		_, err := tree.Insert(tx, dewey(t, fmt.Sprintf("1.%d", i)), []byte("p"), nil)
		require.NoError(t, err)
	}
	st, err := tree.Verify(tx)
	require.NoError(t, err)
	require.Zero(t, st.Placeholders)
	require.Equal(t, len(ids)-len(gone)+31, st.Entries)
	require.NoError(t, tx.Rollback())

	after, err := tree.Verify(nil)
	require.NoError(t, err)
	require.Equal(t, before.Placeholders, after.Placeholders)
	require.Equal(t, before.Entries, after.Entries)
}
