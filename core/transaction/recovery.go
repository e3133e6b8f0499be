package transaction

import (
	"context"
	"errors"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/sushant-115/xtcdb/core/dberror"
	"github.com/sushant-115/xtcdb/core/write_engine/logop"
	"github.com/sushant-115/xtcdb/core/write_engine/wal"
)

// RecoveryStats summarizes a restart.
type RecoveryStats struct {
	RedoStart wal.LSN
	Redone    int
	Winners   int // committed transactions whose END was missing
	Losers    int // transactions rolled back
}

// Recover brings the database to a transaction-consistent state after a
// crash. Analysis rebuilds the transaction table from the last checkpoint,
// redo repeats history from the checkpoint's begin LSN, winners get their
// post-redo hooks run and losers are rolled back with CLRs.
func (m *TxMgr) Recover(ctx context.Context) (RecoveryStats, error) {
	_, span := m.tracer.Start(ctx, "recovery")
	defer span.End()
	if m.dispatcher == nil {
		return RecoveryStats{}, dberror.Fatal("recovery without a dispatcher")
	}

	table, stats, err := m.analyze()
	if err != nil {
		span.RecordError(err)
		return stats, err
	}
	if err := m.redo(stats.RedoStart, table, &stats); err != nil {
		span.RecordError(err)
		return stats, err
	}
	if err := m.finishWinners(table, &stats); err != nil {
		span.RecordError(err)
		return stats, err
	}
	if err := m.undoLosers(table, &stats); err != nil {
		span.RecordError(err)
		return stats, err
	}
	if err := m.log.Sync(); err != nil {
		return stats, err
	}
	span.SetAttributes(
		attribute.Int("redone", stats.Redone),
		attribute.Int("winners", stats.Winners),
		attribute.Int("losers", stats.Losers))
	m.logger.Info("Recovery complete",
		zap.Uint64("redoStart", uint64(stats.RedoStart)),
		zap.Int("redone", stats.Redone),
		zap.Int("winners", stats.Winners),
		zap.Int("losers", stats.Losers))
	return stats, nil
}

// analyze loads the master checkpoint and scans forward from its begin LSN.
func (m *TxMgr) analyze() (map[uint64]*txEntry, RecoveryStats, error) {
	stats := RecoveryStats{RedoStart: m.log.FirstLSN()}
	table := make(map[uint64]*txEntry)
	nextID := uint64(1)

	master, err := m.log.ReadMaster()
	if err != nil {
		return nil, stats, err
	}
	if master != wal.InvalidLSN {
		rec, err := m.log.Read(master)
		if err != nil {
			return nil, stats, dberror.Log(err, uint64(master), "read master checkpoint")
		}
		if rec.Type != wal.LogRecordTypeCheckpoint {
			return nil, stats, dberror.Fatal("master points at %s record %d", rec.Type, master)
		}
		cp, err := decodeCheckpoint(rec.Payload)
		if err != nil {
			return nil, stats, dberror.Log(err, uint64(master), "decode checkpoint")
		}
		if cp.BeginLSN > stats.RedoStart {
			stats.RedoStart = cp.BeginLSN
		}
		nextID = cp.NextTxID
		for i := range cp.Txs {
			e := cp.Txs[i]
			table[e.ID] = &e
		}
	}

	err = m.log.Scan(stats.RedoStart, func(rec *wal.LogRecord) error {
		if rec.TxnID == 0 {
			return nil
		}
		if rec.TxnID >= nextID {
			nextID = rec.TxnID + 1
		}
		e, ok := table[rec.TxnID]
		if !ok {
			e = &txEntry{ID: rec.TxnID, State: TxnStateRunning}
			table[rec.TxnID] = e
		}
		e.LastLSN = rec.LSN
		switch rec.Type {
		case wal.LogRecordTypeUpdate:
			e.UndoNextLSN = rec.LSN
		case wal.LogRecordTypeCLR, wal.LogRecordTypeDummyCLR:
			e.UndoNextLSN = rec.UndoNextLSN
		case wal.LogRecordTypeCommit:
			e.State = TxnStateCommitted
		case wal.LogRecordTypeAbort:
			e.State = TxnStateAborted
		case wal.LogRecordTypeEnd:
			delete(table, rec.TxnID)
		}
		return nil
	})
	if err != nil {
		return nil, stats, err
	}

	m.mu.Lock()
	if nextID > m.nextID {
		m.nextID = nextID
	}
	m.mu.Unlock()
	return table, stats, nil
}

// redo repeats history. Deferred deallocations of committed transactions
// logged before redoStart are replayed too so their post-redo hooks exist.
func (m *TxMgr) redo(redoStart wal.LSN, table map[uint64]*txEntry, stats *RecoveryStats) error {
	for _, e := range table {
		if e.State != TxnStateCommitted {
			continue
		}
		var early []*wal.LogRecord
		err := m.log.WalkBack(e.LastLSN, func(rec *wal.LogRecord) error {
			if rec.LSN < redoStart && rec.Type == wal.LogRecordTypeUpdate {
				early = append(early, rec)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for i := len(early) - 1; i >= 0; i-- {
			op, err := logop.Decode(early[i].Payload)
			if err != nil {
				return dberror.Log(err, uint64(early[i].LSN), "decode operation")
			}
			if op.Kind != logop.KindDeallocateDeferred {
				continue
			}
			if err := m.dispatcher.Redo(&op, early[i].LSN, e.ID); err != nil {
				return err
			}
		}
	}

	return m.log.Scan(redoStart, func(rec *wal.LogRecord) error {
		if rec.Type != wal.LogRecordTypeUpdate && rec.Type != wal.LogRecordTypeCLR {
			return nil
		}
		op, err := logop.Decode(rec.Payload)
		if err != nil {
			return dberror.Log(err, uint64(rec.LSN), "decode operation for redo")
		}
		if err := m.dispatcher.Redo(&op, rec.LSN, rec.TxnID); err != nil {
			return err
		}
		stats.Redone++
		return nil
	})
}

// finishWinners runs the post-redo hooks of committed transactions whose
// END record is missing and then ends them.
func (m *TxMgr) finishWinners(table map[uint64]*txEntry, stats *RecoveryStats) error {
	m.mu.Lock()
	hooks := m.postRedo
	m.postRedo = make(map[uint64][]func() error)
	m.mu.Unlock()

	for _, id := range sortedIDs(table) {
		e := table[id]
		if e.State != TxnStateCommitted {
			continue
		}
		for _, fn := range hooks[id] {
			if err := fn(); err != nil {
				return err
			}
		}
		if _, err := m.log.Append(&wal.LogRecord{TxnID: id, PrevLSN: e.LastLSN, Type: wal.LogRecordTypeEnd}); err != nil {
			return err
		}
		delete(table, id)
		stats.Winners++
	}
	return nil
}

// undoLosers rolls back every remaining transaction, always undoing the
// record with the highest LSN first.
func (m *TxMgr) undoLosers(table map[uint64]*txEntry, stats *RecoveryStats) error {
	var losers []*Tx
	m.mu.Lock()
	for _, id := range sortedIDs(table) {
		e := table[id]
		tx := m.newTxLocked(id)
		tx.state = TxnStateAborting
		tx.firstLSN = e.LastLSN
		tx.lastLSN = e.LastLSN
		tx.undoNextLSN = e.UndoNextLSN
		if e.State == TxnStateAborted {
			tx.undoNextLSN = wal.InvalidLSN
		}
		losers = append(losers, tx)
	}
	m.mu.Unlock()
	stats.Losers = len(losers)

	for len(losers) > 0 {
		sort.Slice(losers, func(i, j int) bool { return losers[i].undoNextLSN > losers[j].undoNextLSN })
		tx := losers[0]
		if tx.undoNextLSN == wal.InvalidLSN {
			if err := tx.endAbort(); err != nil {
				return err
			}
			losers = losers[1:]
			continue
		}
		if err := tx.undoOne(tx.undoNextLSN); err != nil {
			if errors.Is(err, dberror.ErrFatal) {
				m.logger.Error("Undo hit a fatal inconsistency", zap.Uint64("txID", tx.id), zap.Error(err))
			}
			return err
		}
	}
	return nil
}

func sortedIDs(table map[uint64]*txEntry) []uint64 {
	ids := make([]uint64, 0, len(table))
	for id := range table {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
