package engine

import (
	"go.uber.org/zap"

	"github.com/sushant-115/xtcdb/core/dberror"
	"github.com/sushant-115/xtcdb/core/indexing/blink"
	"github.com/sushant-115/xtcdb/core/transaction"
	"github.com/sushant-115/xtcdb/core/write_engine/buffer"
	"github.com/sushant-115/xtcdb/core/write_engine/logop"
	"github.com/sushant-115/xtcdb/core/write_engine/wal"
)

// dispatcher is the single place where logged operations are redone and
// undone. Space operations go to the block spaces through the buffer
// manager, page operations to the B-link trees.
type dispatcher struct {
	bm     *buffer.Manager
	trees  *blink.Trees
	txm    *transaction.TxMgr
	logger *zap.Logger
}

// Redo repeats op. Space operations check the allocation state, page
// operations the page LSN, so redoing twice has no further effect.
func (d *dispatcher) Redo(op *logop.Op, lsn wal.LSN, txID uint64) error {
	switch op.Kind {
	case logop.KindAllocate:
		space, err := d.bm.Space(op.Page.Container)
		if err != nil {
			return err
		}
		if space.IsAllocated(int64(op.Page.Number)) {
			return nil
		}
		return d.bm.AllocateAt(op.Page, op.Unit)
	case logop.KindDeallocate:
		space, err := d.bm.Space(op.Page.Container)
		if err != nil {
			return err
		}
		if !space.IsAllocated(int64(op.Page.Number)) {
			return nil
		}
		return d.bm.ReleasePage(op.Page, op.Unit)
	case logop.KindCreateUnit:
		space, err := d.bm.Space(op.Page.Container)
		if err != nil {
			return err
		}
		if space.HasUnit(op.Unit) {
			return nil
		}
		if _, err := space.CreateUnit(op.Unit); err != nil {
			return dberror.Store(err, "redo create unit %d", op.Unit)
		}
		return nil
	case logop.KindDropUnit:
		space, err := d.bm.Space(op.Page.Container)
		if err != nil {
			return err
		}
		if !space.HasUnit(op.Unit) {
			return nil
		}
		if err := space.DropUnit(op.Unit); err != nil {
			return dberror.Store(err, "redo drop unit %d", op.Unit)
		}
		return nil
	case logop.KindDeallocateDeferred:
		// the releases happen only once the commit is known
		d.txm.RegisterPostRedo(txID, func() error { return d.bm.ReleaseDeferred(op) })
		return nil
	}
	if op.IsPageOp() {
		return d.trees.Redo(op, lsn)
	}
	return dberror.Log(dberror.ErrUnknownRecord, uint64(lsn), "redo %s", op.Kind)
}

// Undo compensates op for tx and logs the CLR for it.
func (d *dispatcher) Undo(tx *transaction.Tx, op *logop.Op, lsn, undoNext wal.LSN) error {
	switch op.Kind {
	case logop.KindAllocate, logop.KindDeallocate, logop.KindCreateUnit, logop.KindDropUnit:
		inv := op.Inverse()
		if _, err := tx.LogCLR(&inv, undoNext); err != nil {
			return err
		}
		return d.applySpace(&inv)
	case logop.KindDeallocateDeferred:
		// nothing was released yet; the transaction manager logs a dummy CLR
		return nil
	}
	if !op.IsPageOp() {
		return dberror.Log(dberror.ErrUnknownRecord, uint64(lsn), "undo %s", op.Kind)
	}
	if op.IsUser() {
		return d.trees.UndoLogical(tx, op, undoNext)
	}
	if err := d.trees.UndoPhysical(tx, op, undoNext); err != nil {
		if dberror.IsFatal(err) {
			d.logger.Error("Physical undo failed", zap.Stringer("op", op), zap.Uint64("lsn", uint64(lsn)), zap.Error(err))
		}
		return err
	}
	return nil
}

// applySpace performs a compensating space operation.
func (d *dispatcher) applySpace(op *logop.Op) error {
	switch op.Kind {
	case logop.KindAllocate:
		return d.bm.AllocateAt(op.Page, op.Unit)
	case logop.KindDeallocate:
		return d.bm.ReleasePage(op.Page, op.Unit)
	}
	space, err := d.bm.Space(op.Page.Container)
	if err != nil {
		return err
	}
	if op.Kind == logop.KindCreateUnit {
		if _, err := space.CreateUnit(op.Unit); err != nil {
			return dberror.Store(err, "undo drop unit %d", op.Unit)
		}
		return nil
	}
	if err := space.DropUnit(op.Unit); err != nil {
		return dberror.Store(err, "undo create unit %d", op.Unit)
	}
	return nil
}
