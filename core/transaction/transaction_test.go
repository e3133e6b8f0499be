package transaction

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/xtcdb/core/dberror"
	"github.com/sushant-115/xtcdb/core/write_engine/buffer"
	"github.com/sushant-115/xtcdb/core/write_engine/logop"
	pagemanager "github.com/sushant-115/xtcdb/core/write_engine/page_manager"
	"github.com/sushant-115/xtcdb/core/write_engine/wal"
)

// --- Test Helpers ---

// recorder is a Dispatcher that remembers what it was asked to do.
type recorder struct {
	mu       sync.Mutex
	mgr      *TxMgr
	redone   []wal.LSN
	undone   []string
	released int
}

func (r *recorder) Redo(op *logop.Op, lsn wal.LSN, txID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.redone = append(r.redone, lsn)
	if op.Kind == logop.KindDeallocateDeferred {
		r.mgr.RegisterPostRedo(txID, func() error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.released += len(op.Deferred)
			return nil
		})
	}
	return nil
}

func (r *recorder) Undo(tx *Tx, op *logop.Op, lsn, undoNext wal.LSN) error {
	r.mu.Lock()
	r.undone = append(r.undone, string(op.New.Key))
	r.mu.Unlock()
	if op.Kind == logop.KindDeallocateDeferred {
		return nil
	}
	inv := op.Inverse()
	_, err := tx.LogCLR(&inv, undoNext)
	return err
}

func (r *recorder) redoneCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.redone)
}

func openMgr(t *testing.T, dir string) (*TxMgr, *recorder, *wal.LogManager) {
	t.Helper()
	log, err := wal.NewLogManager(dir, zap.NewNop(), wal.Options{})
	require.NoError(t, err)
	bm := buffer.NewManager(log, buffer.Options{Logger: zap.NewNop()})
	m := NewTxMgr(log, bm, Options{Logger: zap.NewNop()})
	rec := &recorder{mgr: m}
	m.SetDispatcher(rec)
	return m, rec, log
}

func insertOp(key string) *logop.Op {
	return &logop.Op{
		Kind: logop.KindInsert,
		Page: pagemanager.PageID{Container: 1, Number: 2},
		Root: 2,
		New:  logop.Entry{Key: []byte(key), Value: []byte("v")},
	}
}

func chainTypes(t *testing.T, log *wal.LogManager, last wal.LSN) []wal.LogRecordType {
	t.Helper()
	var types []wal.LogRecordType
	require.NoError(t, log.WalkBack(last, func(rec *wal.LogRecord) error {
		types = append([]wal.LogRecordType{rec.Type}, types...)
		return nil
	}))
	return types
}

// --- Test Cases ---

func TestTx_CommitRunsHooksAndEnds(t *testing.T) {
	m, _, log := openMgr(t, t.TempDir())
	defer log.Close()

	tx := m.Begin()
	require.Equal(t, []uint64{tx.ID()}, m.Active())
	_, err := tx.LogUpdate(insertOp("a"))
	require.NoError(t, err)
	ran := false
	tx.RegisterPostCommit(func() error { ran = true; return nil })

	require.NoError(t, tx.Commit())
	require.True(t, ran)
	require.Equal(t, TxnStateCommitted, tx.State())
	require.Empty(t, m.Active())
	require.Equal(t, []wal.LogRecordType{
		wal.LogRecordTypeUpdate, wal.LogRecordTypeCommit, wal.LogRecordTypeEnd,
	}, chainTypes(t, log, tx.LastLSN()))

	_, err = tx.LogUpdate(insertOp("b"))
	require.True(t, errors.Is(err, dberror.ErrTxNotActive))
	require.True(t, errors.Is(tx.Commit(), dberror.ErrTxNotActive))
}

func TestTx_RollbackWritesCLRs(t *testing.T) {
	m, rec, log := openMgr(t, t.TempDir())
	defer log.Close()

	tx := m.Begin()
	for _, k := range []string{"a", "b", "c"} {
		_, err := tx.LogUpdate(insertOp(k))
		require.NoError(t, err)
	}
	hookRan := false
	tx.RegisterPostCommit(func() error { hookRan = true; return nil })

	require.NoError(t, tx.Rollback())
	require.False(t, hookRan, "post-commit hooks are dropped on rollback")
	require.Equal(t, TxnStateAborted, tx.State())
	require.Equal(t, []string{"c", "b", "a"}, rec.undone)
	require.Equal(t, []wal.LogRecordType{
		wal.LogRecordTypeUpdate, wal.LogRecordTypeUpdate, wal.LogRecordTypeUpdate,
		wal.LogRecordTypeCLR, wal.LogRecordTypeCLR, wal.LogRecordTypeCLR,
		wal.LogRecordTypeAbort, wal.LogRecordTypeEnd,
	}, chainTypes(t, log, tx.LastLSN()))
}

func TestTx_TopActionSurvivesRollback(t *testing.T) {
	m, rec, log := openMgr(t, t.TempDir())
	defer log.Close()

	tx := m.Begin()
	_, err := tx.LogUpdate(insertOp("before"))
	require.NoError(t, err)

	saved, err := tx.BeginTopAction()
	require.NoError(t, err)
	_, err = tx.LogUpdate(insertOp("smo-1"))
	require.NoError(t, err)
	_, err = tx.LogUpdate(insertOp("smo-2"))
	require.NoError(t, err)
	require.NoError(t, tx.EndTopAction(saved))

	_, err = tx.LogUpdate(insertOp("after"))
	require.NoError(t, err)

	require.NoError(t, tx.Rollback())
	require.Equal(t, []string{"after", "before"}, rec.undone)
}

func TestTx_CancelBlocksLogging(t *testing.T) {
	m, _, log := openMgr(t, t.TempDir())
	defer log.Close()

	tx := m.Begin()
	_, err := tx.LogUpdate(insertOp("a"))
	require.NoError(t, err)
	tx.Cancel()
	require.True(t, tx.Cancelled())

	_, err = tx.LogUpdate(insertOp("b"))
	require.True(t, errors.Is(err, dberror.ErrTxCancelled))
	require.True(t, errors.Is(tx.Commit(), dberror.ErrTxCancelled))
	require.NoError(t, tx.Rollback())
	require.Equal(t, TxnStateAborted, tx.State())
}

func TestTx_EmptyTransactionsLogNothing(t *testing.T) {
	m, _, log := openMgr(t, t.TempDir())
	defer log.Close()

	before := log.GetCurrentLSN()
	require.NoError(t, m.Begin().Commit())
	require.NoError(t, m.Begin().Rollback())
	require.Equal(t, before, log.GetCurrentLSN())
}

func TestCheckpoint_EncodeDecode(t *testing.T) {
	cp := checkpoint{BeginLSN: 42, NextTxID: 9, Txs: []txEntry{
		{ID: 3, State: TxnStateRunning, LastLSN: 40, UndoNextLSN: 30},
		{ID: 7, State: TxnStateCommitted, LastLSN: 41},
	}}
	got, err := decodeCheckpoint(cp.encode())
	require.NoError(t, err)
	require.Equal(t, cp, got)

	_, err = decodeCheckpoint(cp.encode()[:25])
	require.True(t, errors.Is(err, dberror.ErrMalformed))
}

func TestRecover_RollsBackLosersAndFinishesWinners(t *testing.T) {
	dir := t.TempDir()
	m, _, log := openMgr(t, dir)

	winner := m.Begin()
	_, err := winner.LogUpdate(insertOp("w"))
	require.NoError(t, err)
	require.NoError(t, winner.Commit())

	loser := m.Begin()
	_, err = loser.LogUpdate(insertOp("l1"))
	require.NoError(t, err)
	_, err = loser.LogUpdate(insertOp("l2"))
	require.NoError(t, err)

	// committed, but the crash hit before the deferred release and END
	late := m.Begin()
	_, err = late.LogUpdate(&logop.Op{Kind: logop.KindDeallocateDeferred, Deferred: []logop.PageRef{
		{Page: pagemanager.PageID{Container: 1, Number: 5}, Unit: 1},
		{Page: pagemanager.PageID{Container: 1, Number: 6}, Unit: 1},
	}})
	require.NoError(t, err)
	commitLSN, err := log.Append(&wal.LogRecord{TxnID: late.ID(), PrevLSN: late.LastLSN(), Type: wal.LogRecordTypeCommit})
	require.NoError(t, err)
	require.NoError(t, log.Flush(commitLSN))
	require.NoError(t, log.Close())

	m2, rec2, log2 := openMgr(t, dir)
	defer log2.Close()
	stats, err := m2.Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Losers)
	require.Equal(t, 1, stats.Winners)
	require.Equal(t, 4, stats.Redone)
	require.Equal(t, []string{"l2", "l1"}, rec2.undone)
	require.Equal(t, 2, rec2.released)

	next := m2.Begin()
	require.Greater(t, next.ID(), late.ID())

	// a second restart finds nothing left to do
	require.NoError(t, log2.Close())
	m3, rec3, log3 := openMgr(t, dir)
	defer log3.Close()
	stats, err = m3.Recover(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.Losers)
	require.Zero(t, stats.Winners)
	require.Empty(t, rec3.undone)
}

func TestRecover_StartsAtCheckpoint(t *testing.T) {
	dir := t.TempDir()
	m, _, log := openMgr(t, dir)

	old := m.Begin()
	_, err := old.LogUpdate(insertOp("old"))
	require.NoError(t, err)
	require.NoError(t, old.Commit())

	open := m.Begin()
	_, err = open.LogUpdate(insertOp("open"))
	require.NoError(t, err)

	require.NoError(t, m.Checkpoint(context.Background()))
	master, err := log.ReadMaster()
	require.NoError(t, err)
	require.NotEqual(t, wal.InvalidLSN, master)

	_, err = open.LogUpdate(insertOp("open-2"))
	require.NoError(t, err)
	require.NoError(t, log.Close())

	m2, rec2, log2 := openMgr(t, dir)
	defer log2.Close()
	stats, err := m2.Recover(context.Background())
	require.NoError(t, err)
	require.Greater(t, stats.RedoStart, old.LastLSN())
	require.Equal(t, 1, rec2.redoneCount(), "only work after the checkpoint is redone")
	require.Equal(t, 1, stats.Losers)
	require.Equal(t, []string{"open-2", "open"}, rec2.undone, "undo follows the chain past the checkpoint")
}
