package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sushant-115/xtcdb/core/dberror"
	"github.com/sushant-115/xtcdb/core/storage_engine/blockspace"
	"github.com/sushant-115/xtcdb/core/storage_engine/common"
)

const backupManifest = "backup.yaml"

// BackupFile is one file of a backup.
type BackupFile struct {
	Path     string `yaml:"path"` // relative to the backup directory
	Bytes    int64  `yaml:"bytes"`
	Checksum uint64 `yaml:"xxhash64,omitempty"`
}

// BackupInfo is the manifest written next to a backup.
type BackupInfo struct {
	EngineID string       `yaml:"engine_id"`
	Started  time.Time    `yaml:"started"`
	Finished time.Time    `yaml:"finished"`
	Files    []BackupFile `yaml:"files"`
}

func mkdir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return dberror.File(err, "create directory", dir)
	}
	return nil
}

// Backup copies the database to dst while it stays online. The copy is
// fuzzy: opening it runs restart recovery from the checkpoint taken at the
// start of the backup, which makes it consistent. Checkpoints wait for the
// backup to finish so that the log it depends on is not archived.
func (e *Engine) Backup(ctx context.Context, dst string) (BackupInfo, error) {
	if err := e.checkOpen(); err != nil {
		return BackupInfo{}, err
	}
	ctx, span := e.tracer.Start(ctx, "engine.backup")
	defer span.End()

	info := BackupInfo{EngineID: e.ID(), Started: time.Now().UTC()}
	if entries, err := os.ReadDir(dst); err == nil && len(entries) > 0 {
		return info, dberror.File(dberror.ErrFileExists, "backup into non-empty directory", dst)
	}
	if err := mkdir(filepath.Join(dst, walDir)); err != nil {
		return info, err
	}

	e.ckptMu.Lock()
	defer e.ckptMu.Unlock()
	if err := e.txm.Checkpoint(ctx); err != nil {
		span.RecordError(err)
		return info, err
	}
	rate := e.cfg.Backup.BytesPerSec
	copyFile := func(src, rel string) error {
		res, err := common.CopyThrottled(ctx, src, filepath.Join(dst, rel), rate)
		if err != nil {
			return err
		}
		info.Files = append(info.Files, BackupFile{Path: rel, Bytes: res.Bytes, Checksum: res.Checksum})
		return nil
	}

	// the master goes first: it must not name a checkpoint newer than the
	// pages copied below
	segments, master := e.log.Files()
	if err := copyFile(master, filepath.Join(walDir, filepath.Base(master))); err != nil {
		return info, err
	}
	if err := copyFile(filepath.Join(e.cfg.DataDir, catalogFile), catalogFile); err != nil {
		return info, err
	}
	for _, ci := range e.Containers() {
		space, err := e.bm.Space(ci.ID)
		if err != nil {
			return info, err
		}
		meta := filepath.Base(blockspace.MetaPath(dst, ci.Name))
		if err := copyFile(blockspace.MetaPath(e.cfg.DataDir, ci.Name), meta); err != nil {
			return info, err
		}
		// pages allocated while copying may be missing from the copied maps
		if err := blockspace.MarkDirty(dst, ci.Name); err != nil {
			return info, err
		}
		if info.Files[len(info.Files)-1].Checksum, err = common.Checksum(filepath.Join(dst, meta)); err != nil {
			return info, err
		}
		for _, unit := range space.Units() {
			src := blockspace.UnitPath(e.cfg.DataDir, ci.Name, unit)
			if err := copyFile(src, filepath.Base(src)); err != nil {
				return info, err
			}
		}
		data := blockspace.DataPath(dst, ci.Name)
		if err := space.File().Backup(ctx, data, rate); err != nil {
			return info, err
		}
		st, err := os.Stat(data)
		if err != nil {
			return info, dberror.File(err, "stat backup", data)
		}
		info.Files = append(info.Files, BackupFile{Path: filepath.Base(data), Bytes: st.Size()})
	}

	// the log is copied last so that it covers every page copied above
	if err := e.log.Sync(); err != nil {
		return info, err
	}
	for _, seg := range segments {
		if err := copyFile(seg, filepath.Join(walDir, filepath.Base(seg))); err != nil {
			return info, err
		}
	}
	if current, _ := e.log.Files(); len(current) > len(segments) {
		for _, seg := range current[len(segments):] {
			if err := copyFile(seg, filepath.Join(walDir, filepath.Base(seg))); err != nil {
				return info, err
			}
		}
	}

	info.Finished = time.Now().UTC()
	data, err := yaml.Marshal(info)
	if err != nil {
		return info, fmt.Errorf("failed to encode backup manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dst, backupManifest), data, 0o644); err != nil {
		return info, dberror.File(err, "write backup manifest", dst)
	}
	e.backups.Add(ctx, 1)
	e.logger.Info("Backup complete", zap.String("dst", dst), zap.Int("files", len(info.Files)), zap.Duration("took", info.Finished.Sub(info.Started)))
	return info, nil
}
