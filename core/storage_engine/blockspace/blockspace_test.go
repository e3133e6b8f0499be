package blockspace

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/xtcdb/core/dberror"
)

const testBlockSize = 1024

func setupBlockSpace(t *testing.T, iniSize int, extent float64) (*BlockSpace, string) {
	t.Helper()
	dir := t.TempDir()
	bs, err := Create(dir, "c1", testBlockSize, iniSize, extent, Options{Logger: zap.NewNop()})
	require.NoError(t, err)
	return bs, dir
}

func TestBlockSpace_AllocateExtendAndReuse(t *testing.T) {
	bs, _ := setupBlockSpace(t, 16, 1.0)
	defer bs.Close()

	for want := int64(1); want <= 15; want++ {
		got, err := bs.Allocate(-1, NoUnit)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	require.Equal(t, int64(16), bs.Stats().Blocks)

	got, err := bs.Allocate(-1, NoUnit)
	require.NoError(t, err)
	require.Equal(t, int64(16), got)
	require.Equal(t, int64(32), bs.Stats().Blocks)

	require.NoError(t, bs.Release(5, NoUnit))
	got, err = bs.Allocate(-1, NoUnit)
	require.NoError(t, err)
	require.Equal(t, int64(5), got)

	st := bs.Stats()
	require.Equal(t, int64(16), st.Used)
	require.Equal(t, int64(15), st.Free)
}

func TestBlockSpace_AllocateSpecificBlock(t *testing.T) {
	bs, _ := setupBlockSpace(t, 8, 0.5)
	defer bs.Close()

	got, err := bs.Allocate(6, NoUnit)
	require.NoError(t, err)
	require.Equal(t, int64(6), got)

	_, err = bs.Allocate(6, NoUnit)
	require.True(t, errors.Is(err, dberror.ErrBlockAllocated))

	// beyond the end extends in extent steps until the block fits
	got, err = bs.Allocate(13, NoUnit)
	require.NoError(t, err)
	require.Equal(t, int64(13), got)
	require.Equal(t, int64(16), bs.Stats().Blocks)

	_, err = bs.Allocate(0, NoUnit)
	require.True(t, errors.Is(err, dberror.ErrBlockOutOfRange))
}

func TestBlockSpace_ReleaseErrors(t *testing.T) {
	bs, _ := setupBlockSpace(t, 8, 1.0)
	defer bs.Close()

	err := bs.Release(3, NoUnit)
	require.True(t, errors.Is(err, dberror.ErrBlockFree))
	var se *dberror.StoreError
	require.True(t, errors.As(err, &se))

	err = bs.Release(100, NoUnit)
	require.True(t, errors.Is(err, dberror.ErrBlockOutOfRange))

	_, err = bs.Allocate(-1, 42)
	require.True(t, errors.Is(err, dberror.ErrUnknownUnit))
}

func TestBlockSpace_Units(t *testing.T) {
	bs, _ := setupBlockSpace(t, 8, 1.0)
	defer bs.Close()

	u1, err := bs.CreateUnit(0)
	require.NoError(t, err)
	require.Equal(t, int32(1), u1)
	u2, err := bs.CreateUnit(0)
	require.NoError(t, err)
	require.Equal(t, int32(2), u2)
	_, err = bs.CreateUnit(u1)
	require.True(t, errors.Is(err, dberror.ErrUnitExists))

	a, _ := bs.Allocate(-1, u1)
	b, _ := bs.Allocate(-1, u2)
	c, _ := bs.Allocate(-1, u1)
	require.Equal(t, u1, bs.UnitOf(a))
	require.Equal(t, u2, bs.UnitOf(b))

	blocks, err := bs.UnitBlocks(u1)
	require.NoError(t, err)
	require.Equal(t, []int64{a, c}, blocks)

	// stale hint falls back to scanning all units
	require.NoError(t, bs.Release(b, u1))
	require.Equal(t, NoUnit, bs.UnitOf(b))
	require.Equal(t, int64(1), bs.Stats().HintMisses)

	require.NoError(t, bs.DropUnit(u1))
	require.False(t, bs.IsAllocated(a))
	require.False(t, bs.IsAllocated(c))
	require.Equal(t, []int32{u2}, bs.Units())
	require.True(t, errors.Is(bs.DropUnit(u1), dberror.ErrUnknownUnit))
}

func TestBlockSpace_CleanReopen(t *testing.T) {
	bs, dir := setupBlockSpace(t, 8, 1.0)
	u, err := bs.CreateUnit(0)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := bs.Allocate(-1, u)
		require.NoError(t, err)
	}
	require.NoError(t, bs.Close())

	reopened, err := Open(dir, "c1", Options{Logger: zap.NewNop()})
	require.NoError(t, err)
	defer reopened.Close()
	require.Equal(t, int64(10), reopened.Stats().Used)
	blocks, err := reopened.UnitBlocks(u)
	require.NoError(t, err)
	require.Len(t, blocks, 10)
}

func TestBlockSpace_RebuildAfterCrash(t *testing.T) {
	bs, dir := setupBlockSpace(t, 8, 1.0)
	u1, _ := bs.CreateUnit(0)
	u2, _ := bs.CreateUnit(0)
	require.NoError(t, bs.Sync())

	for i := 0; i < 20; i++ {
		unitID := u1
		if i%3 == 0 {
			unitID = u2
		}
		_, err := bs.Allocate(-1, unitID)
		require.NoError(t, err)
	}
	require.NoError(t, bs.Release(4, u1))
	require.NoError(t, bs.Release(9, u2))

	before := make(map[int64]int32)
	capacity := bs.Stats().Blocks
	for lba := int64(1); lba < capacity; lba++ {
		if bs.IsAllocated(lba) {
			before[lba] = bs.UnitOf(lba)
		}
	}

	// crash: drop the handle without writing clean meta data
	require.NoError(t, bs.File().Close())

	reopened, err := Open(dir, "c1", Options{Logger: zap.NewNop()})
	require.NoError(t, err)
	defer reopened.Close()

	after := make(map[int64]int32)
	for lba := int64(1); lba < reopened.Stats().Blocks; lba++ {
		if reopened.IsAllocated(lba) {
			after[lba] = reopened.UnitOf(lba)
		}
	}
	require.Equal(t, before, after)
	require.ElementsMatch(t, []int32{u1, u2}, reopened.Units())
}

func TestMarkDirty_ForcesRebuild(t *testing.T) {
	bs, dir := setupBlockSpace(t, 8, 1.0)
	u, err := bs.CreateUnit(0)
	require.NoError(t, err)
	lba, err := bs.Allocate(-1, u)
	require.NoError(t, err)
	require.NoError(t, bs.Close())

	m, err := readMeta(MetaPath(dir, "c1"))
	require.NoError(t, err)
	require.Equal(t, consistencyClean, m.consistency)

	require.NoError(t, MarkDirty(dir, "c1"))
	m, err = readMeta(MetaPath(dir, "c1"))
	require.NoError(t, err)
	require.Equal(t, consistencyDirty, m.consistency)

	reopened, err := Open(dir, "c1", Options{Logger: zap.NewNop()})
	require.NoError(t, err)
	defer reopened.Close()
	require.True(t, reopened.IsAllocated(lba))
	require.Equal(t, u, reopened.UnitOf(lba))

	require.Error(t, MarkDirty(dir, "missing"))
}

func TestBitmap_NextClearAndBits(t *testing.T) {
	b := newBitmap(20)
	for i := int64(0); i < 17; i++ {
		b.set(i)
	}
	require.Equal(t, int64(17), b.nextClear(0, 20))
	require.Equal(t, int64(-1), b.nextClear(0, 17))
	b.clear(3)
	require.Equal(t, int64(3), b.nextClear(0, 20))

	var got []int64
	b.setBits(func(i int64) { got = append(got, i) })
	require.Len(t, got, 16)
	require.Equal(t, int64(16), b.count())

	b.grow(40)
	require.False(t, b.test(39))
	require.Equal(t, int64(17), b.nextClear(4, 40))
}

func TestBlockSpace_ExtendingAllocateSurvivesCrash(t *testing.T) {
	bs, dir := setupBlockSpace(t, 2, 1.0)
	first, err := bs.Allocate(-1, NoUnit)
	require.NoError(t, err)
	require.Equal(t, int64(1), first)
	require.NoError(t, bs.Sync())

	// the store is full, so this allocation extends it
	second, err := bs.Allocate(-1, NoUnit)
	require.NoError(t, err)
	require.Equal(t, int64(2), second)
	m, err := readMeta(MetaPath(dir, "c1"))
	require.NoError(t, err)
	require.Equal(t, consistencyDirty, m.consistency)

	require.NoError(t, bs.File().Close())

	reopened, err := Open(dir, "c1", Options{Logger: zap.NewNop()})
	require.NoError(t, err)
	defer reopened.Close()
	require.True(t, reopened.IsAllocated(second))
	next, err := reopened.Allocate(-1, NoUnit)
	require.NoError(t, err)
	require.NotEqual(t, second, next)
	require.NotEqual(t, first, next)
}

func TestBlockSpace_ExactAllocateBeyondEndSurvivesCrash(t *testing.T) {
	bs, dir := setupBlockSpace(t, 4, 1.0)
	u, err := bs.CreateUnit(0)
	require.NoError(t, err)
	require.NoError(t, bs.Sync())

	lba, err := bs.Allocate(9, u)
	require.NoError(t, err)
	require.NoError(t, bs.File().Close())

	reopened, err := Open(dir, "c1", Options{Logger: zap.NewNop()})
	require.NoError(t, err)
	defer reopened.Close()
	require.True(t, reopened.IsAllocated(lba))
	require.Equal(t, u, reopened.UnitOf(lba))
}

type bitmapState struct {
	global *bitmap
	units  map[int32]*bitmap
}

func snapshot(bs *BlockSpace) bitmapState {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	clone := func(b *bitmap) *bitmap { return bitmapFromBytes(b.bytes(), b.size) }
	st := bitmapState{global: clone(bs.global), units: make(map[int32]*bitmap)}
	for id, u := range bs.units {
		st.units[id] = clone(u.bits)
	}
	return st
}

func requireSameBitmaps(t *testing.T, want, got bitmapState) {
	t.Helper()
	require.True(t, want.global.equal(got.global), "global bitmap differs")
	require.Len(t, got.units, len(want.units))
	for id, b := range want.units {
		require.Contains(t, got.units, id)
		require.True(t, b.equal(got.units[id]), "bitmap of unit %d differs", id)
	}
}

func TestBlockSpace_AllocateReleaseAreInverses(t *testing.T) {
	bs, _ := setupBlockSpace(t, 16, 1.0)
	defer bs.Close()
	u1, err := bs.CreateUnit(0)
	require.NoError(t, err)
	u2, err := bs.CreateUnit(0)
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		unitID := u1
		if i%2 == 1 {
			unitID = u2
		}
		_, err := bs.Allocate(-1, unitID)
		require.NoError(t, err)
	}

	// undo(Allocate(p)) restores the state before the allocation
	before := snapshot(bs)
	p, err := bs.Allocate(-1, u1)
	require.NoError(t, err)
	allocated := snapshot(bs)
	require.NoError(t, bs.Release(p, u1))
	requireSameBitmaps(t, before, snapshot(bs))

	// redo(Allocate(p)) at the same block restores the state after it
	_, err = bs.Allocate(p, u1)
	require.NoError(t, err)
	requireSameBitmaps(t, allocated, snapshot(bs))

	// the same holds for a release and its undo
	require.NoError(t, bs.Release(4, u2))
	_, err = bs.Allocate(4, u2)
	require.NoError(t, err)
	requireSameBitmaps(t, allocated, snapshot(bs))
}
