package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/xtcdb/config"
	"github.com/sushant-115/xtcdb/core/engine"
)

func newShell(t *testing.T) (*shell, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Storage.BlockSize = 4096
	cfg.Storage.InitialBlocks = 64
	cfg.Buffer.PoolSize = 128
	cfg.Checkpoint.Interval = 0
	e, err := engine.Open(context.Background(), cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	out := &bytes.Buffer{}
	sh := &shell{e: e, out: out}
	t.Cleanup(func() {
		_ = sh.close()
		_ = e.Close(context.Background())
	})
	return sh, out
}

func execOut(t *testing.T, sh *shell, out *bytes.Buffer, line string) string {
	t.Helper()
	out.Reset()
	require.NoError(t, sh.exec(context.Background(), line), line)
	return out.String()
}

func TestShell_IndexLifecycle(t *testing.T) {
	sh, out := newShell(t)
	execOut(t, sh, out, "create people int64 string unique")
	execOut(t, sh, out, "insert people 2 bob")
	execOut(t, sh, out, "insert people 1 alice smith")
	execOut(t, sh, out, "insert people 3 carol")

	require.Equal(t, "alice smith\n", execOut(t, sh, out, "get people 1"))
	require.Equal(t, "1\talice smith\n2\tbob\n3\tcarol\n(3 entries)\n", execOut(t, sh, out, "scan people"))
	require.Equal(t, "3\tcarol\n2\tbob\n(2 entries)\n", execOut(t, sh, out, "scan people desc limit 2"))
	require.Equal(t, "2\tbob\n3\tcarol\n(2 entries)\n", execOut(t, sh, out, "scan people from 2"))

	execOut(t, sh, out, "update people 2 robert")
	execOut(t, sh, out, "delete people 3")
	require.Equal(t, "1\talice smith\n2\trobert\n(2 entries)\n", execOut(t, sh, out, "scan people"))
	require.Contains(t, execOut(t, sh, out, "indexes"), "people\t")
	require.Contains(t, execOut(t, sh, out, "verify people"), "entries=2")

	require.Error(t, sh.exec(context.Background(), "insert people 1 again"))
	require.Error(t, sh.exec(context.Background(), "insert people x y"))

	execOut(t, sh, out, "drop people")
	require.Error(t, sh.exec(context.Background(), "get people 1"))
}

func TestShell_ExplicitTransaction(t *testing.T) {
	sh, out := newShell(t)
	execOut(t, sh, out, "create kv string string")
	execOut(t, sh, out, "begin")
	require.NotNil(t, sh.tx)
	execOut(t, sh, out, "insert kv a 1")
	execOut(t, sh, out, "insert kv b 2")
	execOut(t, sh, out, "rollback")
	require.Nil(t, sh.tx)
	require.Equal(t, "(0 entries)\n", execOut(t, sh, out, "scan kv"))

	execOut(t, sh, out, "begin")
	execOut(t, sh, out, "insert kv a 1")
	execOut(t, sh, out, "commit")
	require.Equal(t, "a\t1\n(1 entries)\n", execOut(t, sh, out, "scan kv"))

	require.Error(t, sh.exec(context.Background(), "commit"))
	require.Error(t, sh.exec(context.Background(), "rollback"))
}

func TestShell_ContainersAndLoad(t *testing.T) {
	sh, out := newShell(t)
	require.Contains(t, execOut(t, sh, out, "container docs"), "id 2")
	require.Contains(t, execOut(t, sh, out, "containers"), "2\tdocs")
	execOut(t, sh, out, "create nodes dewey string in docs")

	var b strings.Builder
	for _, id := range []string{"1.3.5", "1", "1.3", "1.2"} {
		b.WriteString(id + "\tnode " + id + "\n")
	}
	file := filepath.Join(t.TempDir(), "nodes.tsv")
	require.NoError(t, os.WriteFile(file, []byte(b.String()), 0o644))
	require.Equal(t, "4 entries loaded into nodes\n", execOut(t, sh, out, "load nodes "+file))
	require.Equal(t, "1\tnode 1\n1.2\tnode 1.2\n1.3\tnode 1.3\n1.3.5\tnode 1.3.5\n(4 entries)\n", execOut(t, sh, out, "scan nodes"))
	require.Contains(t, execOut(t, sh, out, "stats docs"), "units=1")
}

func TestShell_Errors(t *testing.T) {
	sh, _ := newShell(t)
	ctx := context.Background()
	require.NoError(t, sh.exec(ctx, "   "))
	require.ErrorContains(t, sh.exec(ctx, "frobnicate"), "unknown command")
	require.ErrorContains(t, sh.exec(ctx, "insert kv"), "usage")
	require.ErrorContains(t, sh.exec(ctx, "create kv text string"), "unknown field type")
	require.ErrorIs(t, sh.exec(ctx, "QUIT"), errQuit)
}

func TestShell_CheckpointAndBackup(t *testing.T) {
	sh, out := newShell(t)
	execOut(t, sh, out, "create kv string string")
	execOut(t, sh, out, "insert kv a 1")
	execOut(t, sh, out, "checkpoint")
	dst := filepath.Join(t.TempDir(), "backup")
	require.Contains(t, execOut(t, sh, out, "backup "+dst), "written to "+dst)
	_, err := os.Stat(filepath.Join(dst, "backup.yaml"))
	require.NoError(t, err)
}

func TestShell_Help(t *testing.T) {
	sh, out := newShell(t)
	help := execOut(t, sh, out, "help")
	for _, c := range commands {
		require.Contains(t, help, c.usage)
	}
}
