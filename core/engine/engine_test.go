package engine

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/xtcdb/config"
	"github.com/sushant-115/xtcdb/core/dberror"
	"github.com/sushant-115/xtcdb/core/indexing/field"
	"github.com/sushant-115/xtcdb/core/indexmanager"
	pagemanager "github.com/sushant-115/xtcdb/core/write_engine/page_manager"
)

// --- Test Helpers ---

func testConfig(dir string) config.Config {
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.Storage.BlockSize = 4096
	cfg.Storage.InitialBlocks = 64
	cfg.Buffer.PoolSize = 256
	cfg.Checkpoint.Interval = 0
	cfg.Sort.MemoryBudget = 64 << 10
	cfg.Sort.BlockSize = 4 << 10
	return cfg
}

func openEngine(t *testing.T, cfg config.Config) *Engine {
	t.Helper()
	e, err := Open(context.Background(), cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	return e
}

var intIndex = indexmanager.Descriptor{KeyType: field.TypeInt64, ValueType: field.TypeString, Unique: true}

func createIndex(t *testing.T, e *Engine, name string, container uint16) pagemanager.PageID {
	t.Helper()
	tx, err := e.Begin()
	require.NoError(t, err)
	root, err := e.CreateIndex(tx, name, container, intIndex)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return root
}

func value(k int64) []byte { return []byte(fmt.Sprintf("v%d", k)) }

func insertKeys(t *testing.T, e *Engine, root pagemanager.PageID, keys []int64, commit bool) {
	t.Helper()
	tx, err := e.Begin()
	require.NoError(t, err)
	it, err := e.Indexes().Open(tx, root, indexmanager.SearchFirst, nil, nil, indexmanager.OpenUpdate, indexmanager.Hint{})
	require.NoError(t, err)
	for _, k := range keys {
		require.NoError(t, it.Insert(field.EncodeInt64(k), value(k)))
	}
	require.NoError(t, it.Close())
	if commit {
		require.NoError(t, tx.Commit())
	}
}

func scan(t *testing.T, e *Engine, root pagemanager.PageID) []int64 {
	t.Helper()
	it, err := e.Indexes().Open(nil, root, indexmanager.SearchFirst, nil, nil, indexmanager.OpenRead, indexmanager.Hint{})
	require.NoError(t, err)
	defer it.Close()
	var out []int64
	for ok := it.Valid(); ok; {
		k := field.DecodeInt64(it.Key())
		require.Equal(t, value(k), it.Value())
		out = append(out, k)
		ok, err = it.Next()
		require.NoError(t, err)
	}
	return out
}

func span(from, to int64) []int64 {
	var out []int64
	for k := from; k < to; k++ {
		out = append(out, k)
	}
	return out
}

func verify(t *testing.T, e *Engine, root pagemanager.PageID) {
	t.Helper()
	_, err := e.Indexes().Verify(nil, root)
	require.NoError(t, err)
}

// --- Test Cases ---

func TestEngine_CreateAndReopen(t *testing.T) {
	cfg := testConfig(t.TempDir())
	e := openEngine(t, cfg)
	id := e.ID()
	require.Equal(t, []ContainerInfo{{ID: SystemContainer, Name: "system"}}, e.Containers())

	docs, err := e.CreateContainer("docs")
	require.NoError(t, err)
	require.Equal(t, uint16(2), docs)
	_, err = e.CreateContainer("docs")
	require.ErrorIs(t, err, dberror.ErrContainerExists)

	root := createIndex(t, e, "by_id", docs)
	insertKeys(t, e, root, span(0, 2000), true)
	require.NoError(t, e.Close(context.Background()))

	e = openEngine(t, cfg)
	defer e.Close(context.Background())
	require.Equal(t, id, e.ID())
	require.Len(t, e.Containers(), 2)

	got, err := e.LookupIndex(nil, "by_id")
	require.NoError(t, err)
	require.Equal(t, root, got)
	require.Equal(t, span(0, 2000), scan(t, e, root))
	verify(t, e, root)

	list, err := e.ListIndexes(nil)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "by_id", list[0].Name)
	require.Equal(t, intIndex, list[0].Descriptor)
}

func TestEngine_CreateIndexErrors(t *testing.T) {
	e := openEngine(t, testConfig(t.TempDir()))
	defer e.Close(context.Background())
	createIndex(t, e, "a", SystemContainer)

	tx, err := e.Begin()
	require.NoError(t, err)
	_, err = e.CreateIndex(tx, "a", SystemContainer, intIndex)
	require.ErrorIs(t, err, dberror.ErrIndexExists)
	_, err = e.CreateIndex(tx, "", SystemContainer, intIndex)
	require.Error(t, err)
	require.ErrorIs(t, e.DropIndex(tx, "missing"), dberror.ErrIndexNotFound)
	_, err = e.LookupIndex(tx, "missing")
	require.ErrorIs(t, err, dberror.ErrIndexNotFound)
	require.NoError(t, tx.Rollback())
}

func TestEngine_RollbackRestoresIndex(t *testing.T) {
	e := openEngine(t, testConfig(t.TempDir()))
	defer e.Close(context.Background())
	root := createIndex(t, e, "idx", SystemContainer)
	insertKeys(t, e, root, span(0, 100), true)

	tx, err := e.Begin()
	require.NoError(t, err)
	it, err := e.Indexes().Open(tx, root, indexmanager.SearchFirst, nil, nil, indexmanager.OpenUpdate, indexmanager.Hint{})
	require.NoError(t, err)
	for _, k := range span(100, 3000) {
		require.NoError(t, it.Insert(field.EncodeInt64(k), value(k)))
	}
	require.NoError(t, it.Close())
	require.NoError(t, tx.Rollback())

	require.Equal(t, span(0, 100), scan(t, e, root))
	verify(t, e, root)
}

func TestEngine_CrashRecovery(t *testing.T) {
	cfg := testConfig(t.TempDir())
	e := openEngine(t, cfg)
	root := createIndex(t, e, "idx", SystemContainer)
	require.NoError(t, e.Checkpoint(context.Background()))

	// winners after the checkpoint, a loser that split pages
	insertKeys(t, e, root, span(0, 1500), true)
	insertKeys(t, e, root, span(5000, 8000), false)
	insertKeys(t, e, root, span(1500, 2000), true)
	e.crash()

	e = openEngine(t, cfg)
	defer e.Close(context.Background())
	require.Equal(t, span(0, 2000), scan(t, e, root))
	verify(t, e, root)

	// the recovered tree accepts new work
	insertKeys(t, e, root, span(2000, 2100), true)
	require.Equal(t, span(0, 2100), scan(t, e, root))
}

func TestEngine_RecoveryIsRepeatable(t *testing.T) {
	cfg := testConfig(t.TempDir())
	e := openEngine(t, cfg)
	root := createIndex(t, e, "idx", SystemContainer)
	insertKeys(t, e, root, span(0, 800), true)
	insertKeys(t, e, root, span(800, 1600), false)
	e.crash()

	// crash again right after recovery, then recover once more
	e = openEngine(t, cfg)
	e.crash()
	e = openEngine(t, cfg)
	defer e.Close(context.Background())
	require.Equal(t, span(0, 800), scan(t, e, root))
	verify(t, e, root)
}

func TestEngine_DropIndex(t *testing.T) {
	e := openEngine(t, testConfig(t.TempDir()))
	defer e.Close(context.Background())
	docs, err := e.CreateContainer("docs")
	require.NoError(t, err)
	empty, err := e.ContainerStats(docs)
	require.NoError(t, err)

	root := createIndex(t, e, "idx", docs)
	insertKeys(t, e, root, span(0, 3000), true)
	full, err := e.ContainerStats(docs)
	require.NoError(t, err)
	require.Greater(t, full.Used, empty.Used)

	tx, err := e.Begin()
	require.NoError(t, err)
	require.NoError(t, e.DropIndex(tx, "idx"))
	require.NoError(t, tx.Rollback())
	require.Equal(t, span(0, 3000), scan(t, e, root))

	tx, err = e.Begin()
	require.NoError(t, err)
	require.NoError(t, e.DropIndex(tx, "idx"))
	require.NoError(t, tx.Commit())

	_, err = e.LookupIndex(nil, "idx")
	require.ErrorIs(t, err, dberror.ErrIndexNotFound)
	after, err := e.ContainerStats(docs)
	require.NoError(t, err)
	require.Equal(t, empty.Used, after.Used)
	require.Equal(t, empty.Units, after.Units)
}

func TestEngine_BulkLoad(t *testing.T) {
	cfg := testConfig(t.TempDir())
	e := openEngine(t, cfg)
	root := createIndex(t, e, "idx", SystemContainer)

	keys := rand.New(rand.NewSource(7)).Perm(20000)
	tx, err := e.Begin()
	require.NoError(t, err)
	n, err := e.BulkLoad(context.Background(), tx, root, func(emit func(k, v []byte) error) error {
		for _, k := range keys {
			if err := emit(field.EncodeInt64(int64(k)), value(int64(k))); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 20000, n)
	require.NoError(t, tx.Commit())

	stats, err := e.Indexes().Verify(nil, root)
	require.NoError(t, err)
	require.Equal(t, 20000, stats.Entries)
	require.GreaterOrEqual(t, stats.Height, 2)

	// regular logged work continues on the loaded tree
	insertKeys(t, e, root, []int64{-1, 20000}, true)
	require.NoError(t, e.Close(context.Background()))

	e = openEngine(t, cfg)
	defer e.Close(context.Background())
	require.Equal(t, span(-1, 20001), scan(t, e, root))

	entries, err := os.ReadDir(filepath.Join(cfg.DataDir, "tmp"))
	require.NoError(t, err)
	require.Empty(t, entries, "sort runs are removed")
}

func TestEngine_BulkLoadRejectsDuplicates(t *testing.T) {
	e := openEngine(t, testConfig(t.TempDir()))
	defer e.Close(context.Background())
	root := createIndex(t, e, "idx", SystemContainer)

	tx, err := e.Begin()
	require.NoError(t, err)
	_, err = e.BulkLoad(context.Background(), tx, root, func(emit func(k, v []byte) error) error {
		for _, k := range []int64{3, 1, 3} {
			if err := emit(field.EncodeInt64(k), value(k)); err != nil {
				return err
			}
		}
		return nil
	})
	require.ErrorIs(t, err, dberror.ErrKeyOrder)
	require.NoError(t, tx.Rollback())
}

func TestEngine_Backup(t *testing.T) {
	cfg := testConfig(t.TempDir())
	e := openEngine(t, cfg)
	docs, err := e.CreateContainer("docs")
	require.NoError(t, err)
	root := createIndex(t, e, "idx", docs)
	insertKeys(t, e, root, span(0, 1000), true)
	// an open transaction is rolled back in the copy
	insertKeys(t, e, root, span(1000, 1200), false)

	dst := filepath.Join(t.TempDir(), "backup")
	info, err := e.Backup(context.Background(), dst)
	require.NoError(t, err)
	require.Equal(t, e.ID(), info.EngineID)
	require.NotEmpty(t, info.Files)
	require.FileExists(t, filepath.Join(dst, backupManifest))

	_, err = e.Backup(context.Background(), dst)
	require.ErrorIs(t, err, dberror.ErrFileExists)
	e.crash()

	restored := openEngine(t, testConfig(dst))
	defer restored.Close(context.Background())
	require.Equal(t, info.EngineID, restored.ID())
	got, err := restored.LookupIndex(nil, "idx")
	require.NoError(t, err)
	require.Equal(t, span(0, 1000), scan(t, restored, got))
	verify(t, restored, got)
}

func TestEngine_Closed(t *testing.T) {
	e := openEngine(t, testConfig(t.TempDir()))
	require.NoError(t, e.Close(context.Background()))
	require.NoError(t, e.Close(context.Background()))

	_, err := e.Begin()
	require.ErrorIs(t, err, dberror.ErrEngineClosed)
	_, err = e.CreateContainer("x")
	require.ErrorIs(t, err, dberror.ErrEngineClosed)
	require.ErrorIs(t, e.Checkpoint(context.Background()), dberror.ErrEngineClosed)
}

func TestOpen_InvalidConfig(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Storage.BlockSize = 100
	_, err := Open(context.Background(), cfg, nil, nil)
	require.Error(t, err)
}
