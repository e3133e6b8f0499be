package transaction

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sushant-115/xtcdb/core/dberror"
	"github.com/sushant-115/xtcdb/core/write_engine/buffer"
	"github.com/sushant-115/xtcdb/core/write_engine/logop"
	"github.com/sushant-115/xtcdb/core/write_engine/wal"
	"github.com/sushant-115/xtcdb/internal/diag"
)

// TransactionState represents the in-memory state of a transaction.
type TransactionState int

const (
	TxnStateRunning   TransactionState = iota // operations are being applied
	TxnStateCommitted                         // COMMIT record is durable
	TxnStateAborting                          // undo in progress
	TxnStateAborted                           // undo complete
)

func (s TransactionState) String() string {
	switch s {
	case TxnStateRunning:
		return "RUNNING"
	case TxnStateCommitted:
		return "COMMITTED"
	case TxnStateAborting:
		return "ABORTING"
	case TxnStateAborted:
		return "ABORTED"
	}
	return fmt.Sprintf("TransactionState(%d)", int(s))
}

// Tx is one transaction. It chains its log records through PrevLSN and is
// driven by a single goroutine.
type Tx struct {
	id     uint64
	mgr    *TxMgr
	diag   *diag.Context
	logger *zap.Logger

	mu          sync.Mutex // guards the fields below against checkpoint snapshots
	state       TransactionState
	firstLSN    wal.LSN
	lastLSN     wal.LSN
	undoNextLSN wal.LSN

	postCommit []func() error
	cancelled  atomic.Bool
}

var _ buffer.Tx = (*Tx)(nil)

// ID returns the transaction id.
func (tx *Tx) ID() uint64 { return tx.id }

// Diag returns the transaction's fix/latch diagnostic context.
func (tx *Tx) Diag() *diag.Context { return tx.diag }

// State returns the transaction state.
func (tx *Tx) State() TransactionState {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// LastLSN returns the LSN of the newest record written by the transaction.
func (tx *Tx) LastLSN() wal.LSN {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.lastLSN
}

// GetBufferManager returns the buffer manager pages are fixed through.
func (tx *Tx) GetBufferManager() *buffer.Manager { return tx.mgr.bm }

// Cancel marks the transaction as a deadlock victim. Latch waits already in
// progress are not interrupted; the next logged operation fails and the
// owner is expected to roll back.
func (tx *Tx) Cancel() {
	if tx.cancelled.CompareAndSwap(false, true) {
		tx.logger.Info("Transaction cancelled")
	}
}

// Cancelled reports whether Cancel was called.
func (tx *Tx) Cancelled() bool { return tx.cancelled.Load() }

// CheckPrevLSN verifies that the transaction may still log and returns the
// LSN the next record will chain to.
func (tx *Tx) CheckPrevLSN() (wal.LSN, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.lastLSN, tx.checkLoggableLocked()
}

func (tx *Tx) checkLoggableLocked() error {
	switch tx.state {
	case TxnStateRunning:
		if tx.cancelled.Load() {
			return fmt.Errorf("%w: tx %d", dberror.ErrTxCancelled, tx.id)
		}
		return nil
	case TxnStateAborting:
		return nil
	}
	return fmt.Errorf("%w: tx %d is %s", dberror.ErrTxNotActive, tx.id, tx.state)
}

func (tx *Tx) append(typ wal.LogRecordType, payload []byte, undoNext wal.LSN) (wal.LSN, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if typ == wal.LogRecordTypeUpdate || typ == wal.LogRecordTypeCLR || typ == wal.LogRecordTypeDummyCLR {
		if err := tx.checkLoggableLocked(); err != nil {
			return wal.InvalidLSN, err
		}
	}
	rec := &wal.LogRecord{
		TxnID:       tx.id,
		PrevLSN:     tx.lastLSN,
		Type:        typ,
		UndoNextLSN: undoNext,
		Payload:     payload,
	}
	lsn, err := tx.mgr.log.Append(rec)
	if err != nil {
		return wal.InvalidLSN, err
	}
	if tx.firstLSN == wal.InvalidLSN {
		tx.firstLSN = lsn
	}
	tx.lastLSN = lsn
	switch typ {
	case wal.LogRecordTypeUpdate:
		tx.undoNextLSN = lsn
	case wal.LogRecordTypeCLR, wal.LogRecordTypeDummyCLR:
		tx.undoNextLSN = undoNext
	}
	return lsn, nil
}

// LogUpdate persists op as an undoable UPDATE record and returns its LSN.
func (tx *Tx) LogUpdate(op *logop.Op) (wal.LSN, error) {
	lsn, err := tx.append(wal.LogRecordTypeUpdate, op.Encode(), wal.InvalidLSN)
	if err == nil {
		tx.mgr.logged(op)
	}
	return lsn, err
}

// LogCLR persists op as a redo-only compensation record. undoNext is the
// next record of the transaction that still needs undoing.
func (tx *Tx) LogCLR(op *logop.Op, undoNext wal.LSN) (wal.LSN, error) {
	return tx.append(wal.LogRecordTypeCLR, op.Encode(), undoNext)
}

// LogDummyCLR writes a compensation record without an operation. Undo
// jumps from it straight to undoNext.
func (tx *Tx) LogDummyCLR(undoNext wal.LSN) (wal.LSN, error) {
	return tx.append(wal.LogRecordTypeDummyCLR, nil, undoNext)
}

// BeginTopAction starts a nested top action and returns the token to close
// it with.
func (tx *Tx) BeginTopAction() (wal.LSN, error) {
	return tx.CheckPrevLSN()
}

// EndTopAction closes a nested top action: the records logged since
// BeginTopAction survive a rollback of the transaction.
func (tx *Tx) EndTopAction(saved wal.LSN) error {
	_, err := tx.LogDummyCLR(saved)
	return err
}

// RegisterPostCommit queues fn to run once the commit is durable.
func (tx *Tx) RegisterPostCommit(fn func() error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.postCommit = append(tx.postCommit, fn)
}

// Commit makes the transaction durable and runs its post-commit hooks.
func (tx *Tx) Commit() error {
	tx.mu.Lock()
	if tx.state != TxnStateRunning {
		tx.mu.Unlock()
		return fmt.Errorf("%w: commit of tx %d in state %s", dberror.ErrTxNotActive, tx.id, tx.state)
	}
	if tx.cancelled.Load() {
		tx.mu.Unlock()
		return fmt.Errorf("%w: commit of tx %d", dberror.ErrTxCancelled, tx.id)
	}
	tx.mu.Unlock()

	if tx.LastLSN() == wal.InvalidLSN {
		tx.finish(TxnStateCommitted)
		return nil
	}
	lsn, err := tx.append(wal.LogRecordTypeCommit, nil, wal.InvalidLSN)
	if err != nil {
		return err
	}
	if err := tx.mgr.log.Flush(lsn); err != nil {
		return err
	}
	tx.mu.Lock()
	tx.state = TxnStateCommitted
	hooks := tx.postCommit
	tx.postCommit = nil
	tx.mu.Unlock()

	var hookErr error
	for _, fn := range hooks {
		if err := fn(); err != nil {
			tx.logger.Error("Post-commit hook failed", zap.Error(err))
			if hookErr == nil {
				hookErr = err
			}
		}
	}
	if _, err := tx.append(wal.LogRecordTypeEnd, nil, wal.InvalidLSN); err != nil {
		return err
	}
	tx.finish(TxnStateCommitted)
	tx.mgr.commits.Add(tx.mgr.ctx(), 1)
	return hookErr
}

// Rollback undoes every change of the transaction, writing a CLR for each.
func (tx *Tx) Rollback() error {
	tx.mu.Lock()
	switch tx.state {
	case TxnStateRunning:
		tx.state = TxnStateAborting
	case TxnStateAborting:
	default:
		tx.mu.Unlock()
		return fmt.Errorf("%w: rollback of tx %d in state %s", dberror.ErrTxNotActive, tx.id, tx.state)
	}
	tx.postCommit = nil
	tx.mu.Unlock()

	if err := tx.undoAll(); err != nil {
		tx.logger.Error("Rollback failed", zap.Error(err))
		return err
	}
	return tx.endAbort()
}

// undoAll walks the undo chain from undoNextLSN down to the first record.
func (tx *Tx) undoAll() error {
	for {
		tx.mu.Lock()
		lsn := tx.undoNextLSN
		tx.mu.Unlock()
		if lsn == wal.InvalidLSN {
			return nil
		}
		if err := tx.undoOne(lsn); err != nil {
			return err
		}
	}
}

// undoOne compensates the record at lsn and advances undoNextLSN.
func (tx *Tx) undoOne(lsn wal.LSN) error {
	rec, err := tx.mgr.log.Read(lsn)
	if err != nil {
		return err
	}
	switch rec.Type {
	case wal.LogRecordTypeUpdate:
		op, err := logop.Decode(rec.Payload)
		if err != nil {
			return dberror.Log(err, uint64(rec.LSN), "decode operation for undo")
		}
		if tx.mgr.dispatcher == nil {
			return dberror.Fatal("no dispatcher installed to undo %s", op.Kind)
		}
		if err := tx.mgr.dispatcher.Undo(tx, &op, rec.LSN, rec.PrevLSN); err != nil {
			return err
		}
		// operations without an undo action still need their CLR
		tx.mu.Lock()
		compensated := tx.undoNextLSN == rec.PrevLSN && tx.lastLSN > rec.LSN
		tx.mu.Unlock()
		if !compensated {
			if _, err := tx.LogDummyCLR(rec.PrevLSN); err != nil {
				return err
			}
		}
		tx.mgr.undone.Add(tx.mgr.ctx(), 1)
	case wal.LogRecordTypeCLR, wal.LogRecordTypeDummyCLR:
		tx.mu.Lock()
		tx.undoNextLSN = rec.UndoNextLSN
		tx.mu.Unlock()
	default:
		tx.mu.Lock()
		tx.undoNextLSN = rec.PrevLSN
		tx.mu.Unlock()
	}
	return nil
}

func (tx *Tx) endAbort() error {
	if tx.LastLSN() != wal.InvalidLSN {
		if _, err := tx.append(wal.LogRecordTypeAbort, nil, wal.InvalidLSN); err != nil {
			return err
		}
		if _, err := tx.append(wal.LogRecordTypeEnd, nil, wal.InvalidLSN); err != nil {
			return err
		}
	}
	tx.finish(TxnStateAborted)
	tx.mgr.aborts.Add(tx.mgr.ctx(), 1)
	return nil
}

func (tx *Tx) finish(state TransactionState) {
	tx.mu.Lock()
	tx.state = state
	tx.mu.Unlock()
	tx.mgr.remove(tx.id)
	if err := tx.diag.CheckClean(fmt.Sprintf("end of tx %d", tx.id)); err != nil {
		tx.logger.Warn("Transaction ended holding pages", zap.Error(err))
	}
}
