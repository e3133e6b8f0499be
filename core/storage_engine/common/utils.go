// Package common holds file helpers shared by the storage layers.
package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"

	"github.com/sushant-115/xtcdb/core/dberror"
)

// chunkSize: size of each read/write chunk
const chunkSize = 1 << 20

var bufPool = sync.Pool{
	New: func() any { return make([]byte, chunkSize) },
}

// CopyResult describes a finished copy.
type CopyResult struct {
	Bytes    int64
	Checksum uint64 // xxhash64 of the copied bytes
}

// CopyThrottled copies srcPath to dstPath at no more than bytesPerSec
// (unlimited when zero) and fsyncs the copy.
func CopyThrottled(ctx context.Context, srcPath, dstPath string, bytesPerSec int64) (CopyResult, error) {
	var res CopyResult
	src, err := os.Open(srcPath)
	if err != nil {
		return res, dberror.File(err, "open copy source", srcPath)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return res, dberror.File(err, "create copy directory", dstPath)
	}
	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return res, dberror.File(err, "open copy destination", dstPath)
	}
	defer dst.Close()

	var limiter *rate.Limiter
	if bytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(bytesPerSec), chunkSize) // burst = chunkSize
	}

	sum := xxhash.New()
	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)
	for {
		n, rerr := src.ReadAt(buf[:chunkSize], res.Bytes)
		if n > 0 {
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return res, fmt.Errorf("copy of %s throttled: %w", srcPath, err)
				}
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return res, dberror.File(err, "write copy", dstPath)
			}
			_, _ = sum.Write(buf[:n])
			res.Bytes += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return res, dberror.File(rerr, "read copy source", srcPath)
		}
	}

	if err := dst.Sync(); err != nil {
		return res, dberror.File(err, "sync copy", dstPath)
	}
	res.Checksum = sum.Sum64()
	return res, nil
}

// Checksum returns the xxhash64 of a file's contents.
func Checksum(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, dberror.File(err, "open", path)
	}
	defer f.Close()
	sum := xxhash.New()
	if _, err := io.Copy(sum, f); err != nil {
		return 0, dberror.File(err, "read", path)
	}
	return sum.Sum64(), nil
}
