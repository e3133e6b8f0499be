// Package engine assembles the storage core: the containers, the page
// buffer, the write-ahead log, the transaction manager and the B-link
// indexes. Opening an engine runs restart recovery; closing it takes a
// checkpoint.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/sushant-115/xtcdb/config"
	"github.com/sushant-115/xtcdb/core/dberror"
	"github.com/sushant-115/xtcdb/core/indexing/blink"
	"github.com/sushant-115/xtcdb/core/indexmanager"
	"github.com/sushant-115/xtcdb/core/storage_engine/blockspace"
	"github.com/sushant-115/xtcdb/core/transaction"
	"github.com/sushant-115/xtcdb/core/write_engine/buffer"
	"github.com/sushant-115/xtcdb/core/write_engine/wal"
	"github.com/sushant-115/xtcdb/pkg/telemetry"
)

const walDir = "wal"

// Engine is an open database.
type Engine struct {
	cfg    config.Config
	logger *zap.Logger
	tracer trace.Tracer
	meter  metric.Meter

	log     *wal.LogManager
	bm      *buffer.Manager
	txm     *transaction.TxMgr
	trees   *blink.Trees
	indexes *indexmanager.Manager

	catMu  sync.Mutex
	cat    *catalog
	spaces map[uint16]*blockspace.BlockSpace

	// ckptMu orders checkpoints after a running backup.
	ckptMu   sync.Mutex
	stopChan chan struct{}
	wg       sync.WaitGroup
	closeMu  sync.RWMutex
	closed   bool

	bulkLoaded metric.Int64Counter
	backups    metric.Int64Counter
	recoveries metric.Int64Counter
}

// Open opens the database in cfg.DataDir, creating it when the directory
// holds no catalog, and runs restart recovery. tel may be nil.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger, tel *telemetry.Telemetry) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		tracer trace.Tracer = nooptrace.NewTracerProvider().Tracer("")
		meter  metric.Meter = noop.NewMeterProvider().Meter("")
	)
	if tel != nil {
		tracer, meter = tel.Tracer, tel.Meter
	}
	ctx, span := tracer.Start(ctx, "engine.open")
	defer span.End()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, dberror.File(err, "create data directory", cfg.DataDir)
	}
	cat, err := readCatalog(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	fresh := cat == nil
	if fresh {
		cat = &catalog{EngineID: uuid.NewString()}
	}

	e := &Engine{
		cfg:      cfg,
		logger:   logger.Named("engine").With(zap.String("engine_id", cat.EngineID)),
		tracer:   tracer,
		meter:    meter,
		cat:      cat,
		spaces:   make(map[uint16]*blockspace.BlockSpace),
		stopChan: make(chan struct{}),
	}
	e.bulkLoaded, _ = meter.Int64Counter("xtc.engine.bulk_loaded_entries")
	e.backups, _ = meter.Int64Counter("xtc.engine.backups")
	e.recoveries, _ = meter.Int64Counter("xtc.engine.recoveries")

	e.log, err = wal.NewLogManager(e.path(walDir), logger, wal.Options{
		BufferSize:    cfg.WAL.BufferSize,
		SegmentSize:   cfg.WAL.SegmentSize,
		FlushInterval: cfg.WAL.FlushInterval,
		ArchiveDir:    cfg.WAL.ArchiveDir,
		Meter:         meter,
	})
	if err != nil {
		return nil, err
	}
	e.bm = buffer.NewManager(e.log, buffer.Options{
		PoolSize:           cfg.Buffer.PoolSize,
		CleanerInterval:    cfg.Buffer.CleanerInterval,
		CleanerBytesPerSec: cfg.Buffer.CleanerBytesPerSec,
		LatchTimeout:       cfg.Latch.WaitTimeout,
		Logger:             logger,
		Meter:              meter,
	})
	for _, ci := range cat.Containers {
		space, err := blockspace.Open(cfg.DataDir, ci.Name, e.spaceOptions())
		if err != nil {
			e.abandon()
			return nil, err
		}
		e.spaces[ci.ID] = space
		e.bm.Register(ci.ID, space)
	}

	e.txm = transaction.NewTxMgr(e.log, e.bm, transaction.Options{Logger: logger, Meter: meter, Tracer: tracer})
	e.trees = blink.New(e.bm, blink.Options{MaxRestarts: cfg.Tree.MaxRestarts, Logger: logger, Meter: meter})
	e.indexes = indexmanager.New(e.trees, indexmanager.Options{Logger: logger, Tracer: tracer, Meter: meter})
	e.txm.SetDispatcher(&dispatcher{bm: e.bm, trees: e.trees, txm: e.txm, logger: e.logger})

	stats, err := e.txm.Recover(ctx)
	if err != nil {
		span.RecordError(err)
		e.logger.Error("Restart recovery failed", zap.Error(err))
		e.abandon()
		return nil, err
	}
	e.recoveries.Add(ctx, 1)
	span.SetAttributes(attribute.Int("recovery.redone", stats.Redone), attribute.Int("recovery.losers", stats.Losers))

	if fresh {
		if _, err := e.createContainer(systemName, SystemContainer); err != nil {
			e.abandon()
			return nil, err
		}
	}
	if cat.IndexRoot == 0 {
		if err := e.bootstrapCatalog(); err != nil {
			e.abandon()
			return nil, err
		}
	}
	if err := e.checkpoint(ctx); err != nil {
		e.abandon()
		return nil, err
	}

	e.bm.Start()
	if cfg.Checkpoint.Interval > 0 {
		e.wg.Add(1)
		go e.checkpointer(cfg.Checkpoint.Interval)
	}
	e.logger.Info("Engine open",
		zap.String("data_dir", cfg.DataDir),
		zap.Bool("created", fresh),
		zap.Int("containers", len(cat.Containers)),
		zap.Int("redone", stats.Redone),
		zap.Int("winners", stats.Winners),
		zap.Int("losers", stats.Losers))
	return e, nil
}

func (e *Engine) path(elem string) string { return filepath.Join(e.cfg.DataDir, elem) }

func (e *Engine) spaceOptions() blockspace.Options {
	return blockspace.Options{DirectIO: e.cfg.Storage.DirectIO, Logger: e.logger, Meter: e.meter}
}

// bootstrapCatalog creates the index catalog in the system container.
func (e *Engine) bootstrapCatalog() error {
	tx := e.txm.Begin()
	unit, err := e.bm.CreateUnit(tx, SystemContainer)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	root, err := e.indexes.CreateIndex(tx, SystemContainer, unit, catalogDescriptor)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.catMu.Lock()
	defer e.catMu.Unlock()
	e.cat.IndexRoot = root.Number
	return e.cat.write(e.cfg.DataDir)
}

// abandon releases what a failed Open acquired, without flushing pages.
func (e *Engine) abandon() {
	for _, space := range e.spaces {
		_ = space.File().Close()
	}
	if e.log != nil {
		_ = e.log.Close()
	}
}

func (e *Engine) checkOpen() error {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if e.closed {
		return dberror.ErrEngineClosed
	}
	return nil
}

// ID returns the engine's instance id, fixed when the database was created.
func (e *Engine) ID() string { return e.cat.EngineID }

// Begin starts a transaction.
func (e *Engine) Begin() (*transaction.Tx, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.txm.Begin(), nil
}

// Indexes returns the index manager, which opens iterators on index roots.
func (e *Engine) Indexes() *indexmanager.Manager { return e.indexes }

// TxManager returns the transaction manager.
func (e *Engine) TxManager() *transaction.TxMgr { return e.txm }

// BufferManager returns the page buffer.
func (e *Engine) BufferManager() *buffer.Manager { return e.bm }

// Containers lists the containers in id order.
func (e *Engine) Containers() []ContainerInfo {
	e.catMu.Lock()
	defer e.catMu.Unlock()
	return append([]ContainerInfo(nil), e.cat.Containers...)
}

// CreateContainer creates a container called name and returns its id. The
// container is durable when CreateContainer returns; it is not part of any
// transaction.
func (e *Engine) CreateContainer(name string) (uint16, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	return e.createContainer(name, 0)
}

func (e *Engine) createContainer(name string, id uint16) (uint16, error) {
	e.catMu.Lock()
	defer e.catMu.Unlock()
	for _, ci := range e.cat.Containers {
		if ci.Name == name {
			return 0, dberror.Store(dberror.ErrContainerExists, "create container %q", name)
		}
	}
	if id == 0 {
		id = e.cat.nextContainerID()
	}
	st := e.cfg.Storage
	space, err := blockspace.Create(e.cfg.DataDir, name, st.BlockSize, st.InitialBlocks, st.Extent, e.spaceOptions())
	if err != nil {
		return 0, err
	}
	e.cat.Containers = append(e.cat.Containers, ContainerInfo{ID: id, Name: name})
	if err := e.cat.write(e.cfg.DataDir); err != nil {
		e.cat.Containers = e.cat.Containers[:len(e.cat.Containers)-1]
		_ = space.Close()
		return 0, err
	}
	e.spaces[id] = space
	e.bm.Register(id, space)
	e.logger.Info("Container created", zap.Uint16("container", id), zap.String("name", name))
	return id, nil
}

// ContainerStats returns the allocation state of a container.
func (e *Engine) ContainerStats(id uint16) (blockspace.Stats, error) {
	space, err := e.bm.Space(id)
	if err != nil {
		return blockspace.Stats{}, err
	}
	return space.Stats(), nil
}

// Checkpoint takes a fuzzy checkpoint.
func (e *Engine) Checkpoint(ctx context.Context) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.checkpoint(ctx)
}

func (e *Engine) checkpoint(ctx context.Context) error {
	e.ckptMu.Lock()
	defer e.ckptMu.Unlock()
	return e.txm.Checkpoint(ctx)
}

func (e *Engine) checkpointer(interval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := e.checkpoint(context.Background()); err != nil {
				e.logger.Warn("Background checkpoint failed", zap.Error(err))
			}
		case <-e.stopChan:
			return
		}
	}
}

// Close checkpoints and closes the engine. Transactions still running are
// rolled back by the restart recovery of the next Open.
func (e *Engine) Close(ctx context.Context) error {
	e.closeMu.Lock()
	if e.closed {
		e.closeMu.Unlock()
		return nil
	}
	e.closed = true
	e.closeMu.Unlock()

	close(e.stopChan)
	e.wg.Wait()

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	keep(e.checkpoint(ctx))
	keep(e.bm.Close(ctx))
	for _, space := range e.spaces {
		keep(space.Close())
	}
	keep(e.log.Close())
	e.logger.Info("Engine closed", zap.Error(first))
	return first
}

// crash stops the engine without flushing anything, as a process crash
// would. Tests use it.
func (e *Engine) crash() {
	e.closeMu.Lock()
	e.closed = true
	e.closeMu.Unlock()
	close(e.stopChan)
	e.wg.Wait()
	e.bm.Stop()
	e.abandon()
}
