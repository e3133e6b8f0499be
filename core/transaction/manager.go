// Package transaction implements transactions over the write-ahead log:
// logging of page operations, commit with post-commit hooks, rollback through
// compensation records, fuzzy checkpoints and ARIES restart recovery.
package transaction

import (
	"context"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/sushant-115/xtcdb/core/write_engine/buffer"
	"github.com/sushant-115/xtcdb/core/write_engine/logop"
	"github.com/sushant-115/xtcdb/core/write_engine/wal"
	"github.com/sushant-115/xtcdb/internal/diag"
)

// Dispatcher applies logged operations to pages. Redo must be idempotent
// under the page LSN guard; Undo compensates op and logs the CLR(s) for it
// with undoNext as the next record still to undo.
type Dispatcher interface {
	Redo(op *logop.Op, lsn wal.LSN, txID uint64) error
	Undo(tx *Tx, op *logop.Op, lsn, undoNext wal.LSN) error
}

// Options configure a TxMgr.
type Options struct {
	Logger *zap.Logger
	Meter  metric.Meter
	Tracer trace.Tracer
}

// TxMgr hands out transactions and owns checkpointing and recovery.
type TxMgr struct {
	log        *wal.LogManager
	bm         *buffer.Manager
	dispatcher Dispatcher
	logger     *zap.Logger
	tracer     trace.Tracer

	mu       sync.Mutex
	nextID   uint64
	active   map[uint64]*Tx
	postRedo map[uint64][]func() error

	checkpointMu sync.Mutex

	commits     metric.Int64Counter
	aborts      metric.Int64Counter
	undone      metric.Int64Counter
	ops         metric.Int64Counter
	checkpoints metric.Int64Counter
}

// NewTxMgr creates a transaction manager over log and bm. A Dispatcher must
// be installed with SetDispatcher before rollback or recovery.
func NewTxMgr(log *wal.LogManager, bm *buffer.Manager, opts Options) *TxMgr {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := opts.Meter
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("")
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	m := &TxMgr{
		log:      log,
		bm:       bm,
		logger:   logger.Named("tx"),
		tracer:   tracer,
		nextID:   1,
		active:   make(map[uint64]*Tx),
		postRedo: make(map[uint64][]func() error),
	}
	m.commits, _ = meter.Int64Counter("xtc.tx.commits")
	m.aborts, _ = meter.Int64Counter("xtc.tx.aborts")
	m.undone, _ = meter.Int64Counter("xtc.tx.undone_records")
	m.ops, _ = meter.Int64Counter("xtc.tx.logged_ops")
	m.checkpoints, _ = meter.Int64Counter("xtc.tx.checkpoints")
	return m
}

// SetDispatcher installs the component that redoes and undoes operations.
func (m *TxMgr) SetDispatcher(d Dispatcher) { m.dispatcher = d }

// GetBufferManager returns the buffer manager.
func (m *TxMgr) GetBufferManager() *buffer.Manager { return m.bm }

// Log returns the write-ahead log.
func (m *TxMgr) Log() *wal.LogManager { return m.log }

func (m *TxMgr) ctx() context.Context { return context.Background() }

func (m *TxMgr) logged(op *logop.Op) {
	m.ops.Add(m.ctx(), 1, metric.WithAttributes(attribute.String("kind", op.Kind.String())))
}

// Begin starts a new transaction.
func (m *TxMgr) Begin() *Tx {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := m.newTxLocked(m.nextID)
	m.nextID++
	return tx
}

func (m *TxMgr) newTxLocked(id uint64) *Tx {
	tx := &Tx{
		id:     id,
		mgr:    m,
		diag:   diag.New(m.logger),
		logger: m.logger.With(zap.Uint64("txID", id)),
		state:  TxnStateRunning,
	}
	m.active[id] = tx
	return tx
}

func (m *TxMgr) remove(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, id)
}

// Active returns the ids of the running transactions in ascending order.
func (m *TxMgr) Active() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uint64, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RegisterPostRedo queues fn to run when recovery finds that txID committed.
// Redo of deferred deallocations uses it.
func (m *TxMgr) RegisterPostRedo(txID uint64, fn func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.postRedo[txID] = append(m.postRedo[txID], fn)
}

// Checkpoint takes a fuzzy checkpoint: it snapshots the transaction table,
// writes all dirty pages and space maps, logs the table and records it in the
// master file. Log segments no longer needed by recovery are archived.
func (m *TxMgr) Checkpoint(ctx context.Context) error {
	m.checkpointMu.Lock()
	defer m.checkpointMu.Unlock()
	ctx, span := m.tracer.Start(ctx, "checkpoint")
	defer span.End()

	cp := checkpoint{BeginLSN: m.log.GetCurrentLSN()}
	minLSN := cp.BeginLSN
	m.mu.Lock()
	for _, tx := range m.active {
		tx.mu.Lock()
		if tx.lastLSN != wal.InvalidLSN {
			cp.Txs = append(cp.Txs, txEntry{
				ID:          tx.id,
				State:       tx.state,
				LastLSN:     tx.lastLSN,
				UndoNextLSN: tx.undoNextLSN,
			})
			if tx.firstLSN < minLSN {
				minLSN = tx.firstLSN
			}
		}
		tx.mu.Unlock()
	}
	maxID := m.nextID
	m.mu.Unlock()
	cp.NextTxID = maxID

	if err := m.bm.FlushAll(ctx); err != nil {
		span.RecordError(err)
		return err
	}
	for _, c := range m.bm.Containers() {
		space, err := m.bm.Space(c)
		if err != nil {
			return err
		}
		if err := space.Sync(); err != nil {
			return err
		}
	}
	lsn, err := m.log.Append(&wal.LogRecord{Type: wal.LogRecordTypeCheckpoint, Payload: cp.encode()})
	if err != nil {
		return err
	}
	if err := m.log.Flush(lsn); err != nil {
		return err
	}
	if err := m.log.WriteMaster(lsn); err != nil {
		return err
	}
	if _, err := m.log.Archive(minLSN); err != nil {
		m.logger.Warn("Failed to archive log segments", zap.Error(err))
	}
	m.checkpoints.Add(ctx, 1)
	m.logger.Info("Checkpoint complete",
		zap.Uint64("lsn", uint64(lsn)),
		zap.Uint64("beginLSN", uint64(cp.BeginLSN)),
		zap.Int("activeTxs", len(cp.Txs)))
	return nil
}
