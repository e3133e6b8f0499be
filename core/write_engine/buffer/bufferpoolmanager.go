// Package buffer caches container pages in memory. Every page access goes
// through FixPage/AllocatePage and ends with UnfixPage; the returned Handle
// carries the page latch, bytes and LSN.
package buffer

import (
	"container/list" // For LRU
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sushant-115/xtcdb/core/dberror"
	"github.com/sushant-115/xtcdb/core/storage_engine/blockfile"
	"github.com/sushant-115/xtcdb/core/storage_engine/blockspace"
	"github.com/sushant-115/xtcdb/core/write_engine/logop"
	pagemanager "github.com/sushant-115/xtcdb/core/write_engine/page_manager"
	"github.com/sushant-115/xtcdb/internal/diag"
)

const (
	DefaultPoolSize        = 1024
	DefaultCleanerInterval = time.Second
	DefaultLatchTimeout    = 30 * time.Second
)

// Tx is the transaction context page allocation is logged under.
type Tx interface {
	ID() uint64
	LogUpdate(op *logop.Op) (pagemanager.LSN, error)
	RegisterPostCommit(fn func() error)
	Diag() *diag.Context
}

// LogFlusher forces the log up to an LSN. It enforces the write-ahead rule
// before a dirty page reaches disk.
type LogFlusher interface {
	Flush(upTo pagemanager.LSN) error
}

// Options configure the buffer manager.
type Options struct {
	PoolSize           int // frames per container
	CleanerInterval    time.Duration
	CleanerBytesPerSec int // 0 disables throttling
	LatchTimeout       time.Duration
	Logger             *zap.Logger
	Meter              metric.Meter
}

// Manager owns one Buffer per registered container.
type Manager struct {
	log    LogFlusher
	opts   Options
	logger *zap.Logger
	diag   *diag.Context

	mu      sync.RWMutex
	buffers map[uint16]*Buffer

	limiter  *rate.Limiter
	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool

	hits      metric.Int64Counter
	misses    metric.Int64Counter
	evictions metric.Int64Counter
	writes    metric.Int64Counter
}

// NewManager creates a buffer manager. Containers are added with Register.
func NewManager(log LogFlusher, opts Options) *Manager {
	if opts.PoolSize <= 0 {
		opts.PoolSize = DefaultPoolSize
	}
	if opts.CleanerInterval <= 0 {
		opts.CleanerInterval = DefaultCleanerInterval
	}
	if opts.LatchTimeout <= 0 {
		opts.LatchTimeout = DefaultLatchTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := opts.Meter
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("")
	}
	m := &Manager{
		log:      log,
		opts:     opts,
		logger:   logger.Named("buffer"),
		diag:     diag.New(logger),
		buffers:  make(map[uint16]*Buffer),
		stopChan: make(chan struct{}),
	}
	if opts.CleanerBytesPerSec > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(opts.CleanerBytesPerSec), opts.CleanerBytesPerSec)
	}
	m.hits, _ = meter.Int64Counter("xtc.buffer.hits", metric.WithDescription("Page fixes served from memory"))
	m.misses, _ = meter.Int64Counter("xtc.buffer.misses", metric.WithDescription("Page fixes read from disk"))
	m.evictions, _ = meter.Int64Counter("xtc.buffer.evictions", metric.WithDescription("Frames evicted"))
	m.writes, _ = meter.Int64Counter("xtc.buffer.writes", metric.WithDescription("Pages written"))
	return m
}

// LatchTimeout returns the configured latch wait bound.
func (m *Manager) LatchTimeout() time.Duration { return m.opts.LatchTimeout }

// Register attaches a container's block space to the manager.
func (m *Manager) Register(container uint16, space *blockspace.BlockSpace) *Buffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := &Buffer{
		container: container,
		space:     space,
		file:      space.File(),
		frames:    make(map[uint32]*pagemanager.Page),
		lruList:   list.New(),
		capacity:  m.opts.PoolSize,
		manager:   m,
	}
	m.buffers[container] = b
	m.logger.Debug("Container registered", zap.Uint16("container", container), zap.String("name", space.Name()))
	return b
}

// Unregister flushes and forgets a container.
func (m *Manager) Unregister(ctx context.Context, container uint16) error {
	b, err := m.GetBuffer(container)
	if err != nil {
		return err
	}
	if err := b.flushAll(ctx, false); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.buffers, container)
	m.mu.Unlock()
	return nil
}

// GetBuffer returns the buffer of a container.
func (m *Manager) GetBuffer(container uint16) (*Buffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.buffers[container]
	if !ok {
		return nil, dberror.Buffer(fmt.Errorf("%w: %d", dberror.ErrContainerNotFound, container), "get buffer")
	}
	return b, nil
}

// Space returns the block space of a container.
func (m *Manager) Space(container uint16) (*blockspace.BlockSpace, error) {
	b, err := m.GetBuffer(container)
	if err != nil {
		return nil, err
	}
	return b.space, nil
}

// Containers returns the ids of all registered containers.
func (m *Manager) Containers() []uint16 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uint16, 0, len(m.buffers))
	for id := range m.buffers {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) diagFor(tx Tx) *diag.Context {
	if tx != nil {
		if d := tx.Diag(); d != nil {
			return d
		}
	}
	return m.diag
}

// FixPage pins a page into memory. The returned handle is not latched.
func (m *Manager) FixPage(tx Tx, id pagemanager.PageID) (*Handle, error) {
	if !id.IsValid() {
		return nil, dberror.Buffer(fmt.Errorf("%w: %s", dberror.ErrInvalidPageID, id), "fix page")
	}
	b, err := m.GetBuffer(id.Container)
	if err != nil {
		return nil, err
	}
	p, err := b.fix(id.Number)
	if err != nil {
		return nil, err
	}
	return m.newHandle(tx, b, p), nil
}

func (m *Manager) newHandle(tx Tx, b *Buffer, p *pagemanager.Page) *Handle {
	h := &Handle{page: p, buf: b, diag: m.diagFor(tx), timeout: m.opts.LatchTimeout}
	h.diag.Fixed(p.GetPageID().Uint64())
	return h
}

// AllocatePage allocates a fresh zeroed page in unit and pins it. When
// logged is set the allocation is recorded under tx so that it is redone
// after a crash and undone on rollback.
func (m *Manager) AllocatePage(tx Tx, container uint16, unit int32, logged bool) (*Handle, error) {
	b, err := m.GetBuffer(container)
	if err != nil {
		return nil, err
	}
	lba, err := b.space.Allocate(-1, unit)
	if err != nil {
		return nil, dberror.Buffer(err, "allocate page in container %d", container)
	}
	id := pagemanager.PageID{Container: container, Number: uint32(lba)}
	lsn := pagemanager.InvalidLSN
	if logged && tx != nil {
		lsn, err = tx.LogUpdate(&logop.Op{Kind: logop.KindAllocate, Page: id, Unit: unit})
		if err != nil {
			_ = b.space.Release(lba, unit)
			return nil, err
		}
	}
	p, err := b.fixNew(id.Number, unit)
	if err != nil {
		return nil, err
	}
	p.SetLSN(lsn)
	return m.newHandle(tx, b, p), nil
}

// DeletePage releases the page behind h and unfixes the handle. A deferred
// delete only logs the release and performs it after tx commits; an immediate
// delete frees the block right away.
func (m *Manager) DeletePage(tx Tx, h *Handle, deferred, logged bool) error {
	id, unit := h.PageID(), h.page.Unit()
	m.UnfixPage(h)
	if !logged || tx == nil {
		return m.ReleasePage(id, unit)
	}
	if deferred {
		op := &logop.Op{
			Kind:     logop.KindDeallocateDeferred,
			Page:     pagemanager.PageID{Container: id.Container},
			Deferred: []logop.PageRef{{Page: id, Unit: unit}},
		}
		if _, err := tx.LogUpdate(op); err != nil {
			return err
		}
		tx.RegisterPostCommit(func() error { return m.ReleaseDeferred(op) })
		return nil
	}
	if _, err := tx.LogUpdate(&logop.Op{Kind: logop.KindDeallocate, Page: id, Unit: unit}); err != nil {
		return err
	}
	return m.ReleasePage(id, unit)
}

// CreateUnit creates a new unit in container, logged under tx.
func (m *Manager) CreateUnit(tx Tx, container uint16) (int32, error) {
	b, err := m.GetBuffer(container)
	if err != nil {
		return 0, err
	}
	unit, err := b.space.CreateUnit(0)
	if err != nil {
		return 0, dberror.Buffer(err, "create unit in container %d", container)
	}
	op := &logop.Op{Kind: logop.KindCreateUnit, Page: pagemanager.PageID{Container: container}, Unit: unit}
	if _, err := tx.LogUpdate(op); err != nil {
		_ = b.space.DropUnit(unit)
		return 0, err
	}
	return unit, nil
}

// DropUnit schedules unit and every page it owns for release once tx has
// committed.
func (m *Manager) DropUnit(tx Tx, container uint16, unit int32) error {
	b, err := m.GetBuffer(container)
	if err != nil {
		return err
	}
	blocks, err := b.space.UnitBlocks(unit)
	if err != nil {
		return dberror.Buffer(err, "drop unit %d in container %d", unit, container)
	}
	op := &logop.Op{Kind: logop.KindDeallocateDeferred, Page: pagemanager.PageID{Container: container}, Unit: unit}
	for _, lba := range blocks {
		op.Deferred = append(op.Deferred, logop.PageRef{Page: pagemanager.PageID{Container: container, Number: uint32(lba)}, Unit: unit})
	}
	if _, err := tx.LogUpdate(op); err != nil {
		return err
	}
	tx.RegisterPostCommit(func() error { return m.ReleaseDeferred(op) })
	return nil
}

// ReleaseDeferred performs the releases of a DEALLOCATE_DEFERRED op. Pages
// already free or owned by another unit and units already gone are skipped,
// so it may run again during restart.
func (m *Manager) ReleaseDeferred(op *logop.Op) error {
	for _, ref := range op.Deferred {
		space, err := m.Space(ref.Page.Container)
		if err != nil {
			return err
		}
		lba := int64(ref.Page.Number)
		if !space.IsAllocated(lba) || space.UnitOf(lba) != ref.Unit {
			continue
		}
		if err := m.ReleasePage(ref.Page, ref.Unit); err != nil {
			return err
		}
	}
	if op.Unit == 0 {
		return nil
	}
	space, err := m.Space(op.Page.Container)
	if err != nil {
		return err
	}
	if !space.HasUnit(op.Unit) {
		return nil
	}
	if err := space.DropUnit(op.Unit); err != nil {
		return dberror.Buffer(err, "drop unit %d", op.Unit)
	}
	return nil
}

// ReleasePage frees a block. A cached frame stays until the block is
// allocated again, so that undo of the release finds the page contents.
func (m *Manager) ReleasePage(id pagemanager.PageID, unit int32) error {
	b, err := m.GetBuffer(id.Container)
	if err != nil {
		return err
	}
	if err := b.space.Release(int64(id.Number), unit); err != nil {
		return dberror.Buffer(err, "release page %s", id)
	}
	return nil
}

// AllocateAt allocates exactly the block of id for unit. Redo and undo use it
// to replay allocations deterministically.
func (m *Manager) AllocateAt(id pagemanager.PageID, unit int32) error {
	b, err := m.GetBuffer(id.Container)
	if err != nil {
		return err
	}
	if _, err := b.space.Allocate(int64(id.Number), unit); err != nil {
		return dberror.Buffer(err, "allocate page %s", id)
	}
	b.setUnit(id.Number, unit)
	return nil
}

// UnfixPage releases any latch held through h and unpins the page.
func (m *Manager) UnfixPage(h *Handle) {
	if h == nil || h.page == nil {
		return
	}
	h.Unlatch()
	h.diag.Unfixed(h.page.GetPageID().Uint64())
	h.buf.unfix(h.page)
	h.page = nil
}

// FlushAll writes every dirty page of every container, waiting for page
// latches where needed.
func (m *Manager) FlushAll(ctx context.Context) error {
	m.mu.RLock()
	buffers := make([]*Buffer, 0, len(m.buffers))
	for _, b := range m.buffers {
		buffers = append(buffers, b)
	}
	m.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, b := range buffers {
		b := b
		g.Go(func() error { return b.flushAll(ctx, false) })
	}
	return g.Wait()
}

// Start launches the background page cleaner.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.wg.Add(1)
	go m.cleaner()
}

// cleaner periodically writes dirty unpinned pages so that eviction rarely
// has to write synchronously.
func (m *Manager) cleaner() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.CleanerInterval)
	defer ticker.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-m.stopChan
		cancel()
	}()
	for {
		select {
		case <-ticker.C:
		case <-m.stopChan:
			return
		}
		m.mu.RLock()
		buffers := make([]*Buffer, 0, len(m.buffers))
		for _, b := range m.buffers {
			buffers = append(buffers, b)
		}
		m.mu.RUnlock()
		for _, b := range buffers {
			if err := b.flushAll(ctx, true); err != nil && ctx.Err() == nil {
				m.logger.Warn("Page cleaner pass failed", zap.Uint16("container", b.container), zap.Error(err))
			}
		}
	}
}

// Stop stops the page cleaner. Dirty pages stay in memory.
func (m *Manager) Stop() {
	m.mu.Lock()
	started := m.started
	m.started = false
	m.mu.Unlock()
	if started {
		close(m.stopChan)
		m.wg.Wait()
	}
}

// Close stops the cleaner and flushes all dirty pages.
func (m *Manager) Close(ctx context.Context) error {
	m.Stop()
	return m.FlushAll(ctx)
}

// Buffer is the LRU frame pool of one container.
type Buffer struct {
	container uint16
	space     *blockspace.BlockSpace
	file      *blockfile.BlockFile
	manager   *Manager
	capacity  int

	mu      sync.Mutex                   // guards frames, lruList and frame pin/dirty state
	frames  map[uint32]*pagemanager.Page // page number -> frame
	lruList *list.List                   // unpinned frames, front is most recently used
}

// Container returns the container id.
func (b *Buffer) Container() uint16 { return b.container }

// Space returns the block space backing the buffer.
func (b *Buffer) Space() *blockspace.BlockSpace { return b.space }

// Stats returns the number of cached and dirty frames.
func (b *Buffer) Stats() (cached, dirty int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.frames {
		if p.IsDirty() {
			dirty++
		}
	}
	return len(b.frames), dirty
}

func (b *Buffer) attrs() metric.MeasurementOption {
	return metric.WithAttributes(attribute.Int("container", int(b.container)))
}

func (b *Buffer) fix(number uint32) (*pagemanager.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p, ok := b.frames[number]; ok {
		b.pinLocked(p)
		b.manager.hits.Add(context.Background(), 1, b.attrs())
		return p, nil
	}

	p, err := b.frameLocked()
	if err != nil {
		return nil, err
	}
	id := pagemanager.PageID{Container: b.container, Number: number}
	p.SetPageID(id)
	blk := make([]byte, b.file.BlockSize())
	if err := b.file.ReadBlock(int64(number), blk); err != nil {
		return nil, dberror.Buffer(err, "fix page %s", id)
	}
	h := blockfile.DecodeHeader(blk)
	p.SetUnit(h.Unit)
	copy(p.GetData(), blk[blockfile.HeaderSize:])
	if err := p.Decode(); err != nil {
		return nil, dberror.Buffer(err, "fix page %s", id)
	}
	b.frames[number] = p
	p.Pin()
	b.manager.misses.Add(context.Background(), 1, b.attrs())
	return p, nil
}

// fixNew installs a zeroed dirty frame for a freshly allocated block.
func (b *Buffer) fixNew(number uint32, unit int32) (*pagemanager.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.frames[number]; ok {
		b.detachLocked(number, old)
	}
	p, err := b.frameLocked()
	if err != nil {
		return nil, err
	}
	p.SetPageID(pagemanager.PageID{Container: b.container, Number: number})
	p.SetUnit(unit)
	p.SetDirty(true)
	b.frames[number] = p
	p.Pin()
	return p, nil
}

func (b *Buffer) pinLocked(p *pagemanager.Page) {
	if p.GetPinCount() == 0 && p.GetLruElement() != nil {
		b.lruList.Remove(p.GetLruElement())
		p.SetLruElement(nil)
	}
	p.Pin()
}

// frameLocked returns an empty frame, evicting the least recently used
// unpinned page if the pool is full.
func (b *Buffer) frameLocked() (*pagemanager.Page, error) {
	if len(b.frames) < b.capacity {
		return pagemanager.NewPage(pagemanager.InvalidPageID, b.file.PayloadSize()), nil
	}
	e := b.lruList.Back()
	if e == nil {
		b.manager.logger.Error("Buffer pool is full, and all pages are pinned", zap.Uint16("container", b.container), zap.Int("capacity", b.capacity))
		return nil, dberror.Buffer(dberror.ErrBufferFull, "container %d", b.container)
	}
	victim := e.Value.(*pagemanager.Page)
	if victim.IsDirty() {
		if err := b.writeLocked(victim); err != nil {
			return nil, err
		}
	}
	b.lruList.Remove(e)
	delete(b.frames, victim.GetPageID().Number)
	victim.Reset()
	b.manager.evictions.Add(context.Background(), 1, b.attrs())
	return victim, nil
}

// writeLocked writes a dirty frame nobody has latched. Called with b.mu held.
func (b *Buffer) writeLocked(p *pagemanager.Page) error {
	out := make([]byte, b.file.PayloadSize())
	lsn := p.GetLSN()
	p.EncodeTo(out)
	if err := b.writePayload(p.GetPageID(), lsn, out); err != nil {
		return err
	}
	p.SetDirty(false)
	return nil
}

// writePayload enforces the write-ahead rule and writes an encoded payload.
func (b *Buffer) writePayload(id pagemanager.PageID, lsn pagemanager.LSN, out []byte) error {
	if b.manager.log != nil {
		if err := b.manager.log.Flush(lsn); err != nil {
			return dberror.Buffer(err, "flush log to %d before writing page %s", lsn, id)
		}
	}
	if err := b.file.WritePayload(int64(id.Number), out); err != nil {
		return dberror.Buffer(err, "write page %s", id)
	}
	b.manager.writes.Add(context.Background(), 1, b.attrs())
	return nil
}

func (b *Buffer) unfix(p *pagemanager.Page) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p.Unpin()
	if p.GetPinCount() > 0 {
		return
	}
	if p.IsDropped() {
		p.Reset()
		return
	}
	p.SetLruElement(b.lruList.PushFront(p))
}

func (b *Buffer) setUnit(number uint32, unit int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.frames[number]; ok {
		p.SetUnit(unit)
	}
}

func (b *Buffer) detachLocked(number uint32, p *pagemanager.Page) {
	delete(b.frames, number)
	if p.GetPinCount() > 0 {
		p.SetDropped(true)
		return
	}
	if p.GetLruElement() != nil {
		b.lruList.Remove(p.GetLruElement())
	}
	p.Reset()
}

// flushAll writes all dirty frames. In background mode latched pages are
// skipped and writes are throttled.
func (b *Buffer) flushAll(ctx context.Context, background bool) error {
	b.mu.Lock()
	var dirty []*pagemanager.Page
	for _, p := range b.frames {
		if p.IsDirty() && !(background && p.GetPinCount() > 0) {
			b.pinLocked(p)
			dirty = append(dirty, p)
		}
	}
	b.mu.Unlock()

	var firstErr error
	for _, p := range dirty {
		if firstErr == nil {
			if err := b.flushPage(ctx, p, background); err != nil {
				firstErr = err
			}
		}
		b.unfix(p)
	}
	return firstErr
}

func (b *Buffer) flushPage(ctx context.Context, p *pagemanager.Page, background bool) error {
	latch := p.Latch()
	if background {
		if !latch.TryAcquire(pagemanager.LatchShared) {
			return nil
		}
		if lim := b.manager.limiter; lim != nil {
			if err := lim.WaitN(ctx, b.file.BlockSize()); err != nil {
				latch.Release(pagemanager.LatchShared)
				return err
			}
		}
	} else if err := latch.Acquire(pagemanager.LatchShared, b.manager.opts.LatchTimeout); err != nil {
		return err
	}
	out := make([]byte, b.file.PayloadSize())
	b.mu.Lock()
	if p.IsDropped() || !p.IsDirty() {
		b.mu.Unlock()
		latch.Release(pagemanager.LatchShared)
		return nil
	}
	lsn := p.GetLSN()
	p.EncodeTo(out)
	p.SetDirty(false)
	b.mu.Unlock()
	latch.Release(pagemanager.LatchShared)

	if err := b.writePayload(p.GetPageID(), lsn, out); err != nil {
		b.mu.Lock()
		p.SetDirty(true)
		b.mu.Unlock()
		return err
	}
	return nil
}
