// Package blockspace manages the allocation state of one block container: a
// global free-space bitmap, a directory of units (independently droppable
// groups of blocks) and the crash-consistent meta data describing both.
//
// Mutations are bracketed by a dirty flag in the meta file. A container found
// dirty at open time is rebuilt by scanning the owner header of every block;
// this recovery is independent of the write-ahead log.
package blockspace

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sushant-115/xtcdb/core/dberror"
	"github.com/sushant-115/xtcdb/core/storage_engine/blockfile"
)

const (
	consistencyClean int32 = 0
	consistencyDirty int32 = 1

	// NoUnit is the owner id of blocks that belong to no unit.
	NoUnit int32 = 0

	rebuildChunk = 4096
)

// Options configure a BlockSpace.
type Options struct {
	DirectIO bool
	Logger   *zap.Logger
	Meter    metric.Meter
}

// Stats summarises the allocation state.
type Stats struct {
	Blocks     int64
	Used       int64
	Free       int64
	Units      int
	HintMisses int64
}

type unit struct {
	id   int32
	bits *bitmap
}

// BlockSpace is the page allocator of one container.
type BlockSpace struct {
	dir  string
	name string
	file *blockfile.BlockFile

	blkSize int32
	iniSize int32
	extSize int32

	mu         sync.Mutex // guards everything below
	global     *bitmap
	units      map[int32]*unit
	hint       int64
	dirty      bool
	hintMisses int64
	closed     bool

	logger *zap.Logger
	inst   instruments
}

type instruments struct {
	allocs     metric.Int64Counter
	releases   metric.Int64Counter
	extensions metric.Int64Counter
	hintMisses metric.Int64Counter
}

func newInstruments(m metric.Meter) instruments {
	if m == nil {
		m = noop.NewMeterProvider().Meter("")
	}
	var in instruments
	in.allocs, _ = m.Int64Counter("xtc.blockspace.allocations", metric.WithDescription("Blocks allocated"))
	in.releases, _ = m.Int64Counter("xtc.blockspace.releases", metric.WithDescription("Blocks released"))
	in.extensions, _ = m.Int64Counter("xtc.blockspace.extensions", metric.WithDescription("Data file extensions"))
	in.hintMisses, _ = m.Int64Counter("xtc.blockspace.unit_hint_misses", metric.WithDescription("Releases whose unit hint was stale"))
	return in
}

// DataPath, MetaPath and UnitPath name the files of a container.
func DataPath(dir, name string) string { return filepath.Join(dir, name+".blk") }
func MetaPath(dir, name string) string { return filepath.Join(dir, name+".meta") }
func UnitPath(dir, name string, id int32) string {
	return filepath.Join(dir, fmt.Sprintf("%s.unit.%d", name, id))
}

// Create creates a new container with iniSize blocks. The file grows by
// ceil(iniSize*extent) blocks whenever it runs out of free blocks.
func Create(dir, name string, blkSize, iniSize int, extent float64, opts Options) (*BlockSpace, error) {
	if iniSize < 2 {
		return nil, dberror.Store(fmt.Errorf("%w: initial size %d", dberror.ErrBadBlockSize, iniSize), "create %s", name)
	}
	if extent <= 0 {
		extent = 1.0
	}
	extSize := int(math.Ceil(float64(iniSize) * extent))
	if extSize < 1 {
		extSize = 1
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, dberror.Store(err, "create directory %s", dir)
	}
	bf, err := blockfile.Create(DataPath(dir, name), blkSize, int64(iniSize), blockfile.Options{DirectIO: opts.DirectIO, Logger: opts.Logger})
	if err != nil {
		return nil, dberror.Store(err, "create %s", name)
	}
	bs := newBlockSpace(dir, name, bf, int32(blkSize), int32(iniSize), int32(extSize), opts)
	bs.global = newBitmap(int64(iniSize))
	bs.global.set(0)
	bs.hint = 1
	if err := bs.persistLocked(); err != nil {
		_ = bf.Close()
		return nil, err
	}
	bs.logger.Info("Block space created", zap.Int("blockSize", blkSize), zap.Int("iniSize", iniSize), zap.Int("extSize", extSize))
	return bs, nil
}

// Open opens an existing container, rebuilding its allocation state from the
// block headers if it was not shut down cleanly.
func Open(dir, name string, opts Options) (*BlockSpace, error) {
	m, err := readMeta(MetaPath(dir, name))
	if err != nil {
		return nil, dberror.Store(err, "read meta of %s", name)
	}
	bf, err := blockfile.Open(DataPath(dir, name), int(m.blkSize), blockfile.Options{DirectIO: opts.DirectIO, Logger: opts.Logger})
	if err != nil {
		return nil, dberror.Store(err, "open %s", name)
	}
	bs := newBlockSpace(dir, name, bf, m.blkSize, m.iniSize, m.extSize, opts)
	capacity := bf.Blocks()
	bs.global = bitmapFromBytes(m.bitmap, capacity)

	ids, err := listUnitFiles(dir, name)
	if err != nil {
		_ = bf.Close()
		return nil, dberror.Store(err, "list units of %s", name)
	}
	for _, id := range ids {
		raw, err := readUnitFile(UnitPath(dir, name, id))
		if err != nil {
			_ = bf.Close()
			return nil, dberror.Store(err, "read unit %d of %s", id, name)
		}
		bs.units[id] = &unit{id: id, bits: bitmapFromBytes(raw, capacity)}
	}

	if m.consistency != consistencyClean {
		bs.logger.Warn("Block space was not closed cleanly, rebuilding from block headers")
		if err := bs.rebuild(); err != nil {
			_ = bf.Close()
			return nil, err
		}
	}
	bs.global.set(0)
	bs.hint = 1
	if first := bs.global.nextClear(1, capacity); first > 0 {
		bs.hint = first
	}
	bs.logger.Info("Block space opened", zap.Int64("blocks", capacity), zap.Int("units", len(bs.units)), zap.Bool("rebuilt", m.consistency != consistencyClean))
	return bs, nil
}

func newBlockSpace(dir, name string, bf *blockfile.BlockFile, blkSize, iniSize, extSize int32, opts Options) *BlockSpace {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BlockSpace{
		dir:     dir,
		name:    name,
		file:    bf,
		blkSize: blkSize,
		iniSize: iniSize,
		extSize: extSize,
		units:   make(map[int32]*unit),
		logger:  logger.Named("blockspace").With(zap.String("container", name)),
		inst:    newInstruments(opts.Meter),
	}
}

// File exposes the underlying block file to the buffer layer.
func (bs *BlockSpace) File() *blockfile.BlockFile { return bs.file }

// Name returns the container name.
func (bs *BlockSpace) Name() string { return bs.name }

// BlockSize returns the container block size.
func (bs *BlockSpace) BlockSize() int { return int(bs.blkSize) }

// ExtentSize returns the number of blocks added per extension.
func (bs *BlockSpace) ExtentSize() int { return int(bs.extSize) }

// Allocate marks a block as in use by unitID and returns its number.
//
// With lba >= 0 exactly that block is allocated; this is how redo and undo
// replay allocations deterministically. The store is extended first when lba
// lies beyond its end. With lba < 0 the next free block after the hint cursor
// is chosen, falling back to a full scan and finally to an extension.
func (bs *BlockSpace) Allocate(lba int64, unitID int32) (int64, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.closed {
		return -1, dberror.Store(dberror.ErrFileClosed, "allocate in %s", bs.name)
	}

	var u *unit
	if unitID != NoUnit {
		if u = bs.units[unitID]; u == nil {
			return -1, dberror.Store(fmt.Errorf("%w: %d", dberror.ErrUnknownUnit, unitID), "allocate in %s", bs.name)
		}
	}
	if lba == 0 {
		return -1, dberror.Store(fmt.Errorf("%w: block 0 is reserved", dberror.ErrBlockOutOfRange), "allocate in %s", bs.name)
	}
	if lba > 0 && bs.global.test(lba) {
		return -1, dberror.Store(fmt.Errorf("%w: %d", dberror.ErrBlockAllocated, lba), "allocate in %s", bs.name)
	}
	if lba > 0 {
		for lba >= bs.global.size {
			if err := bs.extendLocked(); err != nil {
				return -1, err
			}
		}
	} else {
		lba = bs.global.nextClear(bs.hint, bs.global.size)
		if lba < 0 {
			lba = bs.global.nextClear(1, bs.hint)
		}
		if lba < 0 {
			lba = bs.global.size
			if err := bs.extendLocked(); err != nil {
				return -1, err
			}
		}
	}

	// an extension leaves the meta clean, so this comes after it
	if err := bs.markDirtyLocked(); err != nil {
		return -1, err
	}
	if err := bs.file.WriteHeader(lba, blockfile.Header{Unit: unitID, State: blockfile.StateAllocated}); err != nil {
		return -1, dberror.Store(err, "write owner header of block %d", lba)
	}
	bs.global.set(lba)
	if u != nil {
		u.bits.set(lba)
	}
	if lba >= bs.hint {
		bs.hint = lba + 1
	}
	bs.inst.allocs.Add(context.Background(), 1)
	return lba, nil
}

// Release frees block lba. hintUnitID names the unit believed to own the
// block; when the hint is stale (possible after a rebuild) all units are
// searched.
func (bs *BlockSpace) Release(lba int64, hintUnitID int32) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.closed {
		return dberror.Store(dberror.ErrFileClosed, "release in %s", bs.name)
	}
	if lba <= 0 || lba >= bs.global.size {
		return dberror.Store(fmt.Errorf("%w: %d", dberror.ErrBlockOutOfRange, lba), "release in %s", bs.name)
	}
	if !bs.global.test(lba) {
		return dberror.Store(fmt.Errorf("%w: %d", dberror.ErrBlockFree, lba), "release in %s", bs.name)
	}
	if err := bs.markDirtyLocked(); err != nil {
		return err
	}
	if err := bs.file.WriteHeader(lba, blockfile.Header{}); err != nil {
		return dberror.Store(err, "clear owner header of block %d", lba)
	}
	bs.global.clear(lba)

	if u := bs.units[hintUnitID]; u != nil && u.bits.test(lba) {
		u.bits.clear(lba)
	} else {
		bs.hintMisses++
		bs.inst.hintMisses.Add(context.Background(), 1)
		for _, u := range bs.units {
			if u.bits.test(lba) {
				u.bits.clear(lba)
				bs.logger.Debug("Unit hint was stale", zap.Int64("block", lba), zap.Int32("hint", hintUnitID), zap.Int32("owner", u.id))
				break
			}
		}
	}
	if lba < bs.hint {
		bs.hint = lba
	}
	bs.inst.releases.Add(context.Background(), 1)
	return nil
}

// IsAllocated reports whether block lba is in use.
func (bs *BlockSpace) IsAllocated(lba int64) bool {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return lba > 0 && bs.global.test(lba)
}

// UnitOf returns the unit owning block lba, or NoUnit.
func (bs *BlockSpace) UnitOf(lba int64) int32 {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	for _, u := range bs.units {
		if u.bits.test(lba) {
			return u.id
		}
	}
	return NoUnit
}

// CreateUnit adds a unit to the directory. unitID 0 picks the next free id.
func (bs *BlockSpace) CreateUnit(unitID int32) (int32, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if unitID == NoUnit {
		for id := range bs.units {
			if id > unitID {
				unitID = id
			}
		}
		unitID++
	}
	if _, ok := bs.units[unitID]; ok {
		return 0, dberror.Store(fmt.Errorf("%w: %d", dberror.ErrUnitExists, unitID), "create unit in %s", bs.name)
	}
	if err := bs.markDirtyLocked(); err != nil {
		return 0, err
	}
	u := &unit{id: unitID, bits: newBitmap(bs.global.size)}
	if err := writeUnitFile(UnitPath(bs.dir, bs.name, unitID), u.bits.bytes()); err != nil {
		return 0, dberror.Store(err, "write unit %d of %s", unitID, bs.name)
	}
	bs.units[unitID] = u
	bs.logger.Debug("Unit created", zap.Int32("unit", unitID))
	return unitID, nil
}

// DropUnit releases every block still owned by the unit and removes it.
func (bs *BlockSpace) DropUnit(unitID int32) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	u := bs.units[unitID]
	if u == nil {
		return dberror.Store(fmt.Errorf("%w: %d", dberror.ErrUnknownUnit, unitID), "drop unit in %s", bs.name)
	}
	if err := bs.markDirtyLocked(); err != nil {
		return err
	}
	var firstErr error
	u.bits.setBits(func(lba int64) {
		if firstErr != nil {
			return
		}
		if err := bs.file.WriteHeader(lba, blockfile.Header{}); err != nil {
			firstErr = dberror.Store(err, "clear owner header of block %d", lba)
			return
		}
		bs.global.clear(lba)
		if lba < bs.hint {
			bs.hint = lba
		}
	})
	if firstErr != nil {
		return firstErr
	}
	delete(bs.units, unitID)
	if err := os.Remove(UnitPath(bs.dir, bs.name, unitID)); err != nil && !os.IsNotExist(err) {
		return dberror.Store(err, "remove unit file %d of %s", unitID, bs.name)
	}
	bs.logger.Debug("Unit dropped", zap.Int32("unit", unitID))
	return nil
}

// HasUnit reports whether the unit exists.
func (bs *BlockSpace) HasUnit(unitID int32) bool {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	_, ok := bs.units[unitID]
	return ok
}

// Units returns the ids of all units in ascending order.
func (bs *BlockSpace) Units() []int32 {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	ids := make([]int32, 0, len(bs.units))
	for id := range bs.units {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// UnitBlocks returns the blocks owned by a unit in ascending order.
func (bs *BlockSpace) UnitBlocks(unitID int32) ([]int64, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	u := bs.units[unitID]
	if u == nil {
		return nil, dberror.Store(fmt.Errorf("%w: %d", dberror.ErrUnknownUnit, unitID), "list unit blocks in %s", bs.name)
	}
	var out []int64
	u.bits.setBits(func(i int64) { out = append(out, i) })
	return out, nil
}

// Stats returns a snapshot of the allocation counters.
func (bs *BlockSpace) Stats() Stats {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	used := bs.global.count() - 1
	return Stats{
		Blocks:     bs.global.size,
		Used:       used,
		Free:       bs.global.size - 1 - used,
		Units:      len(bs.units),
		HintMisses: bs.hintMisses,
	}
}

// Sync makes the allocation state durable and marks the meta data clean.
func (bs *BlockSpace) Sync() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.closed {
		return nil
	}
	if err := bs.file.Sync(); err != nil {
		return dberror.Store(err, "sync %s", bs.name)
	}
	return bs.persistLocked()
}

// Close syncs and closes the container.
func (bs *BlockSpace) Close() error {
	if err := bs.Sync(); err != nil {
		return err
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.closed {
		return nil
	}
	bs.closed = true
	if err := bs.file.Close(); err != nil {
		return dberror.Store(err, "close %s", bs.name)
	}
	bs.logger.Info("Block space closed")
	return nil
}

// extendLocked grows the file by extSize blocks. The extension is bracketed
// by the dirty flag: the state is marked dirty before the file grows and
// persisted clean once the new blocks and all earlier header writes are synced.
func (bs *BlockSpace) extendLocked() error {
	if err := bs.markDirtyLocked(); err != nil {
		return err
	}
	if err := bs.file.Extend(int64(bs.extSize)); err != nil {
		return dberror.Store(err, "extend %s by %d blocks", bs.name, bs.extSize)
	}
	size := bs.file.Blocks()
	bs.global.grow(size)
	for _, u := range bs.units {
		u.bits.grow(size)
	}
	bs.inst.extensions.Add(context.Background(), 1)
	bs.logger.Debug("Block space extended", zap.Int64("blocks", size))
	return bs.persistLocked()
}

func (bs *BlockSpace) markDirtyLocked() error {
	if bs.dirty {
		return nil
	}
	if err := writeMeta(MetaPath(bs.dir, bs.name), bs.metaLocked(consistencyDirty)); err != nil {
		return dberror.Store(err, "mark %s dirty", bs.name)
	}
	bs.dirty = true
	return nil
}

// persistLocked writes all unit files and a clean meta file.
func (bs *BlockSpace) persistLocked() error {
	for id, u := range bs.units {
		if err := writeUnitFile(UnitPath(bs.dir, bs.name, id), u.bits.bytes()); err != nil {
			return dberror.Store(err, "write unit %d of %s", id, bs.name)
		}
	}
	if err := writeMeta(MetaPath(bs.dir, bs.name), bs.metaLocked(consistencyClean)); err != nil {
		return dberror.Store(err, "write meta of %s", bs.name)
	}
	bs.dirty = false
	return nil
}

func (bs *BlockSpace) metaLocked(consistency int32) meta {
	used := bs.global.count() - 1
	return meta{
		blkSize:     bs.blkSize,
		iniSize:     bs.iniSize,
		extSize:     bs.extSize,
		consistency: consistency,
		bitmap:      bs.global.bytes(),
		free:        int32(bs.global.size - 1 - used),
		used:        int32(used),
	}
}

// rebuild reconstructs the global and unit bitmaps from the owner headers of
// all blocks. Chunks of the file are scanned in parallel.
func (bs *BlockSpace) rebuild() error {
	capacity := bs.file.Blocks()
	type owned struct {
		lba  int64
		unit int32
	}
	chunks := (capacity + rebuildChunk - 1) / rebuildChunk
	results := make([][]owned, chunks)

	var g errgroup.Group
	g.SetLimit(4)
	for c := int64(0); c < chunks; c++ {
		c := c
		g.Go(func() error {
			from := c * rebuildChunk
			to := from + rebuildChunk
			if to > capacity {
				to = capacity
			}
			if from == 0 {
				from = 1
			}
			for lba := from; lba < to; lba++ {
				h, err := bs.file.ReadHeader(lba)
				if err != nil {
					return err
				}
				if h.Allocated() {
					results[c] = append(results[c], owned{lba: lba, unit: h.Unit})
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return dberror.Store(err, "rebuild %s", bs.name)
	}

	bs.global = newBitmap(capacity)
	bs.global.set(0)
	for _, u := range bs.units {
		u.bits = newBitmap(capacity)
	}
	var n int64
	for _, chunk := range results {
		for _, o := range chunk {
			bs.global.set(o.lba)
			n++
			if o.unit == NoUnit {
				continue
			}
			u := bs.units[o.unit]
			if u == nil {
				u = &unit{id: o.unit, bits: newBitmap(capacity)}
				bs.units[o.unit] = u
			}
			u.bits.set(o.lba)
		}
	}
	if err := bs.persistLocked(); err != nil {
		return err
	}
	bs.logger.Info("Block space rebuilt from block headers", zap.Int64("blocks", capacity), zap.Int64("used", n), zap.Int("units", len(bs.units)))
	return nil
}

// MarkDirty flags the closed container name in dir as not cleanly shut
// down, so that its next Open rebuilds the allocation state from the block
// headers. Backups use it on their copy.
func MarkDirty(dir, name string) error {
	path := MetaPath(dir, name)
	m, err := readMeta(path)
	if err != nil {
		return dberror.Store(err, "read meta of %s", name)
	}
	m.consistency = consistencyDirty
	if err := writeMeta(path, m); err != nil {
		return dberror.Store(err, "mark %s dirty", name)
	}
	return nil
}

// --- Meta and unit file encoding ---

type meta struct {
	blkSize     int32
	iniSize     int32
	extSize     int32
	consistency int32
	bitmap      []byte
	free        int32
	used        int32
}

func writeMeta(path string, m meta) error {
	var buf bytes.Buffer
	for _, v := range []int32{m.blkSize, m.iniSize, m.extSize, m.consistency, int32(len(m.bitmap))} {
		_ = binary.Write(&buf, binary.BigEndian, v)
	}
	buf.Write(m.bitmap)
	_ = binary.Write(&buf, binary.BigEndian, m.free)
	_ = binary.Write(&buf, binary.BigEndian, m.used)
	return writeFileAtomic(path, buf.Bytes())
}

func readMeta(path string) (meta, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return meta{}, err
	}
	r := bytes.NewReader(raw)
	var m meta
	var bitmapLen int32
	for _, p := range []*int32{&m.blkSize, &m.iniSize, &m.extSize, &m.consistency, &bitmapLen} {
		if err := binary.Read(r, binary.BigEndian, p); err != nil {
			return meta{}, fmt.Errorf("%w: %v", dberror.ErrMetaCorrupt, err)
		}
	}
	if bitmapLen < 0 || int(bitmapLen) > r.Len() {
		return meta{}, fmt.Errorf("%w: bitmap length %d", dberror.ErrMetaCorrupt, bitmapLen)
	}
	m.bitmap = make([]byte, bitmapLen)
	if _, err := io.ReadFull(r, m.bitmap); err != nil {
		return meta{}, fmt.Errorf("%w: %v", dberror.ErrMetaCorrupt, err)
	}
	if err := binary.Read(r, binary.BigEndian, &m.free); err != nil {
		return meta{}, fmt.Errorf("%w: %v", dberror.ErrMetaCorrupt, err)
	}
	if err := binary.Read(r, binary.BigEndian, &m.used); err != nil {
		return meta{}, fmt.Errorf("%w: %v", dberror.ErrMetaCorrupt, err)
	}
	return m, nil
}

func writeUnitFile(path string, bits []byte) error {
	buf := make([]byte, 4+len(bits))
	binary.BigEndian.PutUint32(buf, uint32(len(bits)))
	copy(buf[4:], bits)
	return writeFileAtomic(path, buf)
}

func readUnitFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) < 4 {
		return nil, fmt.Errorf("%w: unit file %s too short", dberror.ErrMetaCorrupt, path)
	}
	n := int(binary.BigEndian.Uint32(raw))
	if n > len(raw)-4 {
		return nil, fmt.Errorf("%w: unit file %s bitmap length %d", dberror.ErrMetaCorrupt, path, n)
	}
	return raw[4 : 4+n], nil
}

func listUnitFiles(dir, name string) ([]int32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	prefix := name + ".unit."
	var ids []int32
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimPrefix(e.Name(), prefix), 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, int32(id))
	}
	return ids, nil
}

// writeFileAtomic writes data to a temporary file, syncs it and renames it
// over path.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
