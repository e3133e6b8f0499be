package indexmanager_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/xtcdb/config"
	"github.com/sushant-115/xtcdb/core/dberror"
	"github.com/sushant-115/xtcdb/core/engine"
	"github.com/sushant-115/xtcdb/core/indexing/field"
	"github.com/sushant-115/xtcdb/core/indexmanager"
	pagemanager "github.com/sushant-115/xtcdb/core/write_engine/page_manager"
)

// --- Test Helpers ---

type fixture struct {
	e    *engine.Engine
	m    *indexmanager.Manager
	root pagemanager.PageID
}

func setup(t *testing.T, desc indexmanager.Descriptor, keys ...int64) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Storage.BlockSize = 4096
	cfg.Storage.InitialBlocks = 64
	cfg.Buffer.PoolSize = 128
	cfg.Checkpoint.Interval = 0
	e, err := engine.Open(context.Background(), cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })

	tx, err := e.Begin()
	require.NoError(t, err)
	root, err := e.CreateIndex(tx, "test", engine.SystemContainer, desc)
	require.NoError(t, err)
	it, err := e.Indexes().Open(tx, root, indexmanager.SearchFirst, nil, nil, indexmanager.OpenUpdate, indexmanager.Hint{})
	require.NoError(t, err)
	for _, k := range keys {
		require.NoError(t, it.Insert(field.EncodeInt64(k), val(k)))
	}
	require.NoError(t, it.Close())
	require.NoError(t, tx.Commit())
	return &fixture{e: e, m: e.Indexes(), root: root}
}

var unique = indexmanager.Descriptor{KeyType: field.TypeInt64, ValueType: field.TypeString, Unique: true}

func val(k int64) []byte { return []byte(fmt.Sprintf("v%d", k)) }

func tens(n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(i * 10)
	}
	return out
}

func (f *fixture) keys(t *testing.T) []int64 {
	t.Helper()
	it, err := f.m.Open(nil, f.root, indexmanager.SearchFirst, nil, nil, indexmanager.OpenRead, indexmanager.Hint{})
	require.NoError(t, err)
	defer it.Close()
	var out []int64
	for ok := it.Valid(); ok; {
		out = append(out, field.DecodeInt64(it.Key()))
		ok, err = it.Next()
		require.NoError(t, err)
	}
	return out
}

func (f *fixture) open(t *testing.T, mode indexmanager.SearchMode, key int64, openMode indexmanager.OpenMode) *indexmanager.Iterator {
	t.Helper()
	tx, err := f.e.Begin()
	require.NoError(t, err)
	t.Cleanup(func() { _ = tx.Rollback() })
	it, err := f.m.Open(tx, f.root, mode, field.EncodeInt64(key), nil, openMode, indexmanager.Hint{})
	require.NoError(t, err)
	return it
}

func current(t *testing.T, it *indexmanager.Iterator) int64 {
	t.Helper()
	require.True(t, it.Valid())
	return field.DecodeInt64(it.Key())
}

// --- Test Cases ---

func TestOpen_SearchModes(t *testing.T) {
	f := setup(t, unique, tens(10)...)
	cases := []struct {
		mode  indexmanager.SearchMode
		key   int64
		want  int64
		found bool
	}{
		{indexmanager.SearchFirst, 0, 0, true},
		{indexmanager.SearchLast, 0, 90, true},
		{indexmanager.SearchEqual, 30, 30, true},
		{indexmanager.SearchEqual, 35, 0, false},
		{indexmanager.SearchGreater, 30, 40, true},
		{indexmanager.SearchGreater, 90, 0, false},
		{indexmanager.SearchGreaterOrEqual, 35, 40, true},
		{indexmanager.SearchGreaterOrEqual, 30, 30, true},
		{indexmanager.SearchLess, 30, 20, true},
		{indexmanager.SearchLess, 0, 0, false},
		{indexmanager.SearchLessOrEqual, 35, 30, true},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s %d", tc.mode, tc.key), func(t *testing.T) {
			it := f.open(t, tc.mode, tc.key, indexmanager.OpenRead)
			defer it.Close()
			require.Equal(t, tc.found, it.Valid())
			if tc.found {
				require.Equal(t, tc.want, current(t, it))
				require.Equal(t, val(tc.want), it.Value())
			}
		})
	}
}

func TestIterator_ReadModeRejectsMutation(t *testing.T) {
	f := setup(t, unique, tens(5)...)
	it := f.open(t, indexmanager.SearchEqual, 20, indexmanager.OpenRead)
	defer it.Close()

	err := it.Insert(field.EncodeInt64(25), val(25))
	require.ErrorIs(t, err, dberror.ErrReadOnlyIterator)
	require.True(t, indexmanager.IsAccessError(err))
	require.ErrorIs(t, it.Update([]byte("x")), dberror.ErrReadOnlyIterator)
	require.ErrorIs(t, it.Delete(), dberror.ErrReadOnlyIterator)
	require.Equal(t, tens(5), f.keys(t))
}

func TestIterator_DuplicateKeyLeavesIndexUnchanged(t *testing.T) {
	f := setup(t, unique, tens(5)...)
	it := f.open(t, indexmanager.SearchFirst, 0, indexmanager.OpenUpdate)
	defer it.Close()

	err := it.Insert(field.EncodeInt64(20), []byte("other"))
	require.ErrorIs(t, err, dberror.ErrDuplicateKey)
	require.True(t, indexmanager.IsAccessError(err))
	require.Equal(t, tens(5), f.keys(t))
}

func TestIterator_NonUniqueAllowsEqualKeys(t *testing.T) {
	f := setup(t, indexmanager.Descriptor{KeyType: field.TypeInt64, ValueType: field.TypeString}, 1, 2)
	it := f.open(t, indexmanager.SearchFirst, 0, indexmanager.OpenUpdate)
	defer it.Close()
	require.NoError(t, it.Insert(field.EncodeInt64(2), []byte("another")))
	err := it.Insert(field.EncodeInt64(2), []byte("another"))
	require.ErrorIs(t, err, dberror.ErrDuplicateKey)
}

func TestIterator_NextPreviousResynchronise(t *testing.T) {
	f := setup(t, unique, tens(10)...)
	it := f.open(t, indexmanager.SearchEqual, 50, indexmanager.OpenUpdate)
	defer it.Close()

	ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(60), current(t, it))
	ok, err = it.Previous()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(50), current(t, it))

	// the deleted entry still anchors the iterator
	require.NoError(t, it.Delete())
	ok, err = it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(60), current(t, it))
	ok, err = it.Previous()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(40), current(t, it))

	// run off the end and come back
	last := f.open(t, indexmanager.SearchLast, 0, indexmanager.OpenRead)
	defer last.Close()
	ok, err = last.Next()
	require.NoError(t, err)
	require.False(t, ok)
	require.False(t, last.Valid())
	ok, err = last.Previous()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(90), current(t, last))
}

func TestIterator_UpdateAndInsertPosition(t *testing.T) {
	f := setup(t, unique, tens(5)...)
	it := f.open(t, indexmanager.SearchEqual, 20, indexmanager.OpenUpdate)
	defer it.Close()

	require.NoError(t, it.Update([]byte("changed")))
	require.Equal(t, []byte("changed"), it.Value())
	require.NoError(t, it.Insert(field.EncodeInt64(25), val(25)))
	require.Equal(t, int64(25), current(t, it))
	ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(30), current(t, it))

	empty := f.open(t, indexmanager.SearchEqual, 33, indexmanager.OpenUpdate)
	defer empty.Close()
	require.ErrorIs(t, empty.Update([]byte("x")), dberror.ErrNoPosition)
	require.ErrorIs(t, empty.Delete(), dberror.ErrNoPosition)
}

func TestIterator_PersistentOpsSurviveRollback(t *testing.T) {
	f := setup(t, unique, tens(5)...)
	tx, err := f.e.Begin()
	require.NoError(t, err)
	it, err := f.m.Open(tx, f.root, indexmanager.SearchEqual, field.EncodeInt64(10), nil, indexmanager.OpenUpdate, indexmanager.Hint{})
	require.NoError(t, err)

	require.NoError(t, it.DeletePersistent())
	require.NoError(t, it.InsertPersistent(field.EncodeInt64(15), val(15)))
	require.NoError(t, it.Insert(field.EncodeInt64(16), val(16)))
	require.NoError(t, it.Close())
	require.NoError(t, tx.Rollback())

	require.Equal(t, []int64{0, 15, 20, 30, 40}, f.keys(t))
}

func TestOpen_HintReuse(t *testing.T) {
	f := setup(t, unique, tens(100)...)
	it := f.open(t, indexmanager.SearchEqual, 500, indexmanager.OpenRead)
	hint := it.Hint()
	require.True(t, hint.Page.IsValid())
	require.NoError(t, it.Close())

	for _, k := range []int64{500, 510} {
		tx, err := f.e.Begin()
		require.NoError(t, err)
		h, err := f.m.Open(tx, f.root, indexmanager.SearchEqual, field.EncodeInt64(k), nil, indexmanager.OpenRead, hint)
		require.NoError(t, err)
		require.Equal(t, k, current(t, h))
		require.NoError(t, h.Close())
		require.NoError(t, tx.Commit())
	}

	// a stale hint falls back to a descent
	w := f.open(t, indexmanager.SearchFirst, 0, indexmanager.OpenUpdate)
	require.NoError(t, w.Insert(field.EncodeInt64(505), val(505)))
	require.NoError(t, w.Close())
	h, err := f.m.Open(nil, f.root, indexmanager.SearchGreater, field.EncodeInt64(500), nil, indexmanager.OpenRead, hint)
	require.NoError(t, err)
	defer h.Close()
	require.Equal(t, int64(505), current(t, h))
}

func TestIterator_BulkModeAppendsInOrder(t *testing.T) {
	f := setup(t, unique, 0, 10)
	it := f.open(t, indexmanager.SearchLast, 0, indexmanager.OpenBulk)
	defer it.Close()

	for _, k := range []int64{20, 30, 40} {
		require.NoError(t, it.Insert(field.EncodeInt64(k), val(k)))
	}
	require.ErrorIs(t, it.Insert(field.EncodeInt64(35), val(35)), dberror.ErrKeyOrder)
	require.ErrorIs(t, it.Delete(), dberror.ErrAppendOnly)
	require.Equal(t, tens(5), f.keys(t))
}

func TestIterator_LoadMode(t *testing.T) {
	f := setup(t, unique)
	tx, err := f.e.Begin()
	require.NoError(t, err)
	it, err := f.m.Open(tx, f.root, indexmanager.SearchFirst, nil, nil, indexmanager.OpenLoad, indexmanager.Hint{})
	require.NoError(t, err)
	for i := int64(0); i < 3000; i++ {
		require.NoError(t, it.Insert(field.EncodeInt64(i), val(i)))
	}
	require.ErrorIs(t, it.Insert(field.EncodeInt64(5), val(5)), dberror.ErrKeyOrder)
	_, err = it.Next()
	require.ErrorIs(t, err, dberror.ErrAppendOnly)
	require.ErrorIs(t, it.Update(nil), dberror.ErrAppendOnly)
	require.NoError(t, it.Close())
	require.NoError(t, tx.Commit())

	keys := f.keys(t)
	require.Len(t, keys, 3000)
	stats, err := f.m.Verify(nil, f.root)
	require.NoError(t, err)
	require.Equal(t, 3000, stats.Entries)

	// a load needs an empty index
	tx, err = f.e.Begin()
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = f.m.Open(tx, f.root, indexmanager.SearchFirst, nil, nil, indexmanager.OpenLoad, indexmanager.Hint{})
	require.Error(t, err)
}

func TestIterator_Closed(t *testing.T) {
	f := setup(t, unique, 1)
	it := f.open(t, indexmanager.SearchFirst, 0, indexmanager.OpenUpdate)
	require.NoError(t, it.Close())
	require.NoError(t, it.Close())
	require.False(t, it.Valid())
	_, err := it.Next()
	require.ErrorIs(t, err, dberror.ErrIteratorClosed)
	require.ErrorIs(t, it.Insert(field.EncodeInt64(2), nil), dberror.ErrIteratorClosed)
}

func TestOpen_RequiresTransactionForWrites(t *testing.T) {
	f := setup(t, unique, 1)
	_, err := f.m.Open(nil, f.root, indexmanager.SearchFirst, nil, nil, indexmanager.OpenUpdate, indexmanager.Hint{})
	require.ErrorIs(t, err, dberror.ErrTxNotActive)
}

func TestDropIndex_AfterCommitAndRollback(t *testing.T) {
	f := setup(t, unique, tens(20)...)
	tx, err := f.e.Begin()
	require.NoError(t, err)
	require.NoError(t, f.m.DropIndex(tx, f.root))
	require.NoError(t, tx.Rollback())
	require.Equal(t, tens(20), f.keys(t))

	tree, err := f.m.Trees().Open(nil, f.root)
	require.NoError(t, err)
	space, err := f.e.BufferManager().Space(f.root.Container)
	require.NoError(t, err)
	require.True(t, space.HasUnit(tree.Unit()))

	tx, err = f.e.Begin()
	require.NoError(t, err)
	require.NoError(t, f.m.DropIndex(tx, f.root))
	require.NoError(t, tx.Commit())
	require.False(t, space.HasUnit(tree.Unit()))
}

func TestParseOpenMode(t *testing.T) {
	for _, m := range []indexmanager.OpenMode{indexmanager.OpenRead, indexmanager.OpenUpdate, indexmanager.OpenLoad, indexmanager.OpenBulk} {
		got, err := indexmanager.ParseOpenMode(m.String())
		require.NoError(t, err)
		require.Equal(t, m, got)
	}
	_, err := indexmanager.ParseOpenMode("WRITE")
	require.Error(t, err)
}
