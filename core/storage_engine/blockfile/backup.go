package blockfile

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/xtcdb/core/dberror"
)

// backupChunkBlocks is the number of blocks copied per read/write round.
const backupChunkBlocks = 256

// Backup copies the block file to dstPath, block by block. When bytesPerSec is
// positive the copy is throttled so that a backup does not starve foreground
// I/O. Callers sync the owning block space before calling Backup so that the
// copy reflects a consistent state.
func (bf *BlockFile) Backup(ctx context.Context, dstPath string, bytesPerSec int64) error {
	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return dberror.File(err, "open backup", dstPath)
	}
	defer func() {
		_ = dst.Sync()
		_ = dst.Close()
	}()

	chunk := backupChunkBlocks * bf.blkSize
	var limiter *rate.Limiter
	if bytesPerSec > 0 {
		// burst must cover one chunk or WaitN fails
		burst := chunk
		if int64(burst) < bytesPerSec {
			burst = int(bytesPerSec)
		}
		limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
	}

	blocks := bf.Blocks()
	buf := make([]byte, chunk)
	blk := make([]byte, bf.blkSize)
	var copied int64
	for lba := int64(0); lba < blocks; {
		n := int64(backupChunkBlocks)
		if blocks-lba < n {
			n = blocks - lba
		}
		for i := int64(0); i < n; i++ {
			if err := bf.ReadBlock(lba+i, blk); err != nil {
				return err
			}
			copy(buf[i*int64(bf.blkSize):], blk)
		}
		size := int(n) * bf.blkSize
		if limiter != nil {
			if err := limiter.WaitN(ctx, size); err != nil {
				return fmt.Errorf("backup of %s throttled: %w", bf.path, err)
			}
		}
		if _, err := dst.WriteAt(buf[:size], lba*int64(bf.blkSize)); err != nil {
			return dberror.File(err, "write backup", dstPath)
		}
		copied += int64(size)
		lba += n
	}
	if err := dst.Sync(); err != nil {
		return dberror.File(err, "sync backup", dstPath)
	}
	bf.logger.Info("Block file backup complete", zap.String("src", bf.path), zap.String("dst", dstPath), zap.Int64("bytes", copied))
	return nil
}
