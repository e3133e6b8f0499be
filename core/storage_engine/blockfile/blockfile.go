// Package blockfile implements raw fixed-size block I/O over a single file.
//
// Every block starts with a small owner header (the unit the block belongs to
// and its allocation state). The remaining bytes are the page payload, which
// the buffer layer reads and writes without disturbing the header. The block
// space rebuilds its bitmaps from these headers after a crash.
package blockfile

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/ncw/directio"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/sushant-115/xtcdb/core/dberror"
)

const (
	// HeaderSize is the size of the per-block owner header.
	HeaderSize = 8

	// StateAllocated marks a block as in use in its owner header.
	StateAllocated uint32 = 1

	// MinBlockSize is the smallest supported block size.
	MinBlockSize = 512

	defaultMaxRetries = 3
	zeroChunkBlocks   = 64
)

// Header is the owner header stored at the start of every block.
type Header struct {
	Unit  int32
	State uint32
}

// Allocated reports whether the header marks its block as in use.
func (h Header) Allocated() bool { return h.State&StateAllocated != 0 }

// Options configure how a BlockFile is opened.
type Options struct {
	// DirectIO opens the file with O_DIRECT where supported. The block size
	// must then be a multiple of directio.BlockSize.
	DirectIO bool
	// MaxRetries bounds retries of transient I/O errors (EINTR, EAGAIN).
	MaxRetries uint64
	Logger     *zap.Logger
}

// BlockFile provides block granular access to one data file.
type BlockFile struct {
	path    string
	file    *os.File
	blkSize int
	direct  bool
	retries uint64
	logger  *zap.Logger

	mu     sync.RWMutex // guards blocks and closed
	blocks int64
	closed bool

	alignedPool sync.Pool
}

// Create creates a new block file with the given number of zeroed blocks.
// It fails if the file already exists.
func Create(path string, blkSize int, blocks int64, opts Options) (*BlockFile, error) {
	if err := checkBlockSize(blkSize, opts.DirectIO); err != nil {
		return nil, dberror.File(err, "create", path)
	}
	f, err := openFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, opts.DirectIO)
	if err != nil {
		if os.IsExist(err) {
			return nil, dberror.File(dberror.ErrFileExists, "create", path)
		}
		return nil, dberror.File(err, "create", path)
	}
	bf := newBlockFile(path, f, blkSize, 0, opts)
	if blocks > 0 {
		if err := bf.Extend(blocks); err != nil {
			_ = f.Close()
			_ = os.Remove(path)
			return nil, err
		}
	}
	bf.logger.Info("Block file created", zap.String("path", path), zap.Int("blockSize", blkSize), zap.Int64("blocks", blocks))
	return bf, nil
}

// Open opens an existing block file.
func Open(path string, blkSize int, opts Options) (*BlockFile, error) {
	if err := checkBlockSize(blkSize, opts.DirectIO); err != nil {
		return nil, dberror.File(err, "open", path)
	}
	f, err := openFile(path, os.O_RDWR, opts.DirectIO)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, dberror.File(dberror.ErrFileNotExists, "open", path)
		}
		return nil, dberror.File(err, "open", path)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, dberror.File(err, "stat", path)
	}
	if info.Size()%int64(blkSize) != 0 {
		_ = f.Close()
		return nil, dberror.File(fmt.Errorf("%w: file size %d is not a multiple of %d", dberror.ErrBadBlockSize, info.Size(), blkSize), "open", path)
	}
	return newBlockFile(path, f, blkSize, info.Size()/int64(blkSize), opts), nil
}

func newBlockFile(path string, f *os.File, blkSize int, blocks int64, opts Options) *BlockFile {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	retries := opts.MaxRetries
	if retries == 0 {
		retries = defaultMaxRetries
	}
	bf := &BlockFile{
		path:    path,
		file:    f,
		blkSize: blkSize,
		direct:  opts.DirectIO,
		retries: retries,
		logger:  logger.Named("blockfile"),
		blocks:  blocks,
	}
	bf.alignedPool.New = func() any { return directio.AlignedBlock(blkSize) }
	return bf
}

func checkBlockSize(blkSize int, direct bool) error {
	if blkSize < MinBlockSize {
		return fmt.Errorf("%w: %d < %d", dberror.ErrBadBlockSize, blkSize, MinBlockSize)
	}
	if direct && blkSize%directio.BlockSize != 0 {
		return fmt.Errorf("%w: %d is not a multiple of the direct i/o alignment %d", dberror.ErrBadBlockSize, blkSize, directio.BlockSize)
	}
	return nil
}

func openFile(path string, flag int, direct bool) (*os.File, error) {
	if direct {
		return directio.OpenFile(path, flag, 0644)
	}
	return os.OpenFile(path, flag, 0644)
}

// Path returns the file path.
func (bf *BlockFile) Path() string { return bf.path }

// BlockSize returns the size of one block in bytes.
func (bf *BlockFile) BlockSize() int { return bf.blkSize }

// PayloadSize returns the number of usable bytes per block after the header.
func (bf *BlockFile) PayloadSize() int { return bf.blkSize - HeaderSize }

// Blocks returns the current number of blocks in the file.
func (bf *BlockFile) Blocks() int64 {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	return bf.blocks
}

func (bf *BlockFile) checkLBA(op string, lba int64) error {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	if bf.closed {
		return dberror.File(dberror.ErrFileClosed, op, bf.path)
	}
	if lba < 0 || lba >= bf.blocks {
		return dberror.File(fmt.Errorf("%w: block %d of %d", dberror.ErrBlockOutOfRange, lba, bf.blocks), op, bf.path)
	}
	return nil
}

// ReadBlock reads the complete block lba (header included) into buf.
func (bf *BlockFile) ReadBlock(lba int64, buf []byte) error {
	if len(buf) != bf.blkSize {
		return dberror.File(fmt.Errorf("%w: buffer of %d bytes", dberror.ErrBadBlockSize, len(buf)), "read block", bf.path)
	}
	if err := bf.checkLBA("read block", lba); err != nil {
		return err
	}
	if bf.direct && !isAligned(buf) {
		tmp := bf.getAligned()
		defer bf.alignedPool.Put(tmp)
		if err := bf.readAt(tmp, lba*int64(bf.blkSize)); err != nil {
			return dberror.File(err, fmt.Sprintf("read block %d", lba), bf.path)
		}
		copy(buf, tmp)
		return nil
	}
	if err := bf.readAt(buf, lba*int64(bf.blkSize)); err != nil {
		return dberror.File(err, fmt.Sprintf("read block %d", lba), bf.path)
	}
	return nil
}

// WriteBlock writes the complete block lba (header included) from buf.
func (bf *BlockFile) WriteBlock(lba int64, buf []byte) error {
	if len(buf) != bf.blkSize {
		return dberror.File(fmt.Errorf("%w: buffer of %d bytes", dberror.ErrBadBlockSize, len(buf)), "write block", bf.path)
	}
	if err := bf.checkLBA("write block", lba); err != nil {
		return err
	}
	data := buf
	if bf.direct && !isAligned(buf) {
		tmp := bf.getAligned()
		defer bf.alignedPool.Put(tmp)
		copy(tmp, buf)
		data = tmp
	}
	if err := bf.writeAt(data, lba*int64(bf.blkSize)); err != nil {
		return dberror.File(err, fmt.Sprintf("write block %d", lba), bf.path)
	}
	return nil
}

// ReadHeader reads the owner header of block lba.
func (bf *BlockFile) ReadHeader(lba int64) (Header, error) {
	var raw []byte
	if bf.direct {
		blk := bf.getAligned()
		defer bf.alignedPool.Put(blk)
		if err := bf.ReadBlock(lba, blk); err != nil {
			return Header{}, err
		}
		raw = blk[:HeaderSize]
	} else {
		if err := bf.checkLBA("read header", lba); err != nil {
			return Header{}, err
		}
		raw = make([]byte, HeaderSize)
		if err := bf.readAt(raw, lba*int64(bf.blkSize)); err != nil {
			return Header{}, dberror.File(err, fmt.Sprintf("read header %d", lba), bf.path)
		}
	}
	return DecodeHeader(raw), nil
}

// WriteHeader overwrites the owner header of block lba, leaving the payload untouched.
func (bf *BlockFile) WriteHeader(lba int64, h Header) error {
	if bf.direct {
		blk := bf.getAligned()
		defer bf.alignedPool.Put(blk)
		if err := bf.ReadBlock(lba, blk); err != nil {
			return err
		}
		encodeHeader(blk[:HeaderSize], h)
		return bf.WriteBlock(lba, blk)
	}
	if err := bf.checkLBA("write header", lba); err != nil {
		return err
	}
	raw := make([]byte, HeaderSize)
	encodeHeader(raw, h)
	if err := bf.writeAt(raw, lba*int64(bf.blkSize)); err != nil {
		return dberror.File(err, fmt.Sprintf("write header %d", lba), bf.path)
	}
	return nil
}

// ReadPayload reads the payload part of block lba into buf, which must be
// PayloadSize bytes long.
func (bf *BlockFile) ReadPayload(lba int64, buf []byte) error {
	if len(buf) != bf.PayloadSize() {
		return dberror.File(fmt.Errorf("%w: payload buffer of %d bytes", dberror.ErrBadBlockSize, len(buf)), "read payload", bf.path)
	}
	if bf.direct {
		blk := bf.getAligned()
		defer bf.alignedPool.Put(blk)
		if err := bf.ReadBlock(lba, blk); err != nil {
			return err
		}
		copy(buf, blk[HeaderSize:])
		return nil
	}
	if err := bf.checkLBA("read payload", lba); err != nil {
		return err
	}
	if err := bf.readAt(buf, lba*int64(bf.blkSize)+HeaderSize); err != nil {
		return dberror.File(err, fmt.Sprintf("read payload %d", lba), bf.path)
	}
	return nil
}

// WritePayload writes buf into the payload part of block lba, leaving the
// owner header untouched.
func (bf *BlockFile) WritePayload(lba int64, buf []byte) error {
	if len(buf) != bf.PayloadSize() {
		return dberror.File(fmt.Errorf("%w: payload buffer of %d bytes", dberror.ErrBadBlockSize, len(buf)), "write payload", bf.path)
	}
	if bf.direct {
		blk := bf.getAligned()
		defer bf.alignedPool.Put(blk)
		if err := bf.ReadBlock(lba, blk); err != nil {
			return err
		}
		copy(blk[HeaderSize:], buf)
		return bf.WriteBlock(lba, blk)
	}
	if err := bf.checkLBA("write payload", lba); err != nil {
		return err
	}
	if err := bf.writeAt(buf, lba*int64(bf.blkSize)+HeaderSize); err != nil {
		return dberror.File(err, fmt.Sprintf("write payload %d", lba), bf.path)
	}
	return nil
}

// Extend appends n zero-initialised blocks to the file and syncs it.
func (bf *BlockFile) Extend(n int64) error {
	if n <= 0 {
		return nil
	}
	bf.mu.Lock()
	defer bf.mu.Unlock()
	if bf.closed {
		return dberror.File(dberror.ErrFileClosed, "extend", bf.path)
	}

	chunk := int64(zeroChunkBlocks)
	zero := directio.AlignedBlock(int(chunk) * bf.blkSize)
	off := bf.blocks * int64(bf.blkSize)
	for left := n; left > 0; {
		c := chunk
		if left < c {
			c = left
		}
		if err := bf.writeAt(zero[:c*int64(bf.blkSize)], off); err != nil {
			return dberror.File(err, fmt.Sprintf("extend by %d blocks", n), bf.path)
		}
		off += c * int64(bf.blkSize)
		left -= c
	}
	if err := bf.file.Sync(); err != nil {
		return dberror.File(err, "sync after extend", bf.path)
	}
	bf.blocks += n
	bf.logger.Debug("Block file extended", zap.String("path", bf.path), zap.Int64("added", n), zap.Int64("blocks", bf.blocks))
	return nil
}

// Sync flushes file contents to stable storage.
func (bf *BlockFile) Sync() error {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	if bf.closed {
		return dberror.File(dberror.ErrFileClosed, "sync", bf.path)
	}
	if err := bf.file.Sync(); err != nil {
		return dberror.File(err, "sync", bf.path)
	}
	return nil
}

// Close syncs and closes the file. Closing twice is a no-op.
func (bf *BlockFile) Close() error {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	if bf.closed {
		return nil
	}
	bf.closed = true
	if err := bf.file.Sync(); err != nil {
		_ = bf.file.Close()
		return dberror.File(err, "sync on close", bf.path)
	}
	if err := bf.file.Close(); err != nil {
		return dberror.File(err, "close", bf.path)
	}
	return nil
}

func (bf *BlockFile) getAligned() []byte {
	return bf.alignedPool.Get().([]byte)
}

func (bf *BlockFile) readAt(buf []byte, off int64) error {
	return bf.retryIO(func() error {
		n, err := bf.file.ReadAt(buf, off)
		if err != nil {
			if errors.Is(err, io.EOF) && n < len(buf) {
				return fmt.Errorf("%w: read %d of %d bytes at offset %d", dberror.ErrShortIO, n, len(buf), off)
			}
			if !errors.Is(err, io.EOF) {
				return err
			}
		}
		return nil
	})
}

func (bf *BlockFile) writeAt(buf []byte, off int64) error {
	return bf.retryIO(func() error {
		n, err := bf.file.WriteAt(buf, off)
		if err != nil {
			return err
		}
		if n != len(buf) {
			return fmt.Errorf("%w: wrote %d of %d bytes at offset %d", dberror.ErrShortIO, n, len(buf), off)
		}
		return nil
	})
}

// retryIO runs op and retries it while it fails with a transient error.
func (bf *BlockFile) retryIO(op func() error) error {
	b := retry.WithMaxRetries(bf.retries, retry.NewExponential(time.Millisecond))
	return retry.Do(context.Background(), b, func(context.Context) error {
		err := op()
		if err != nil && isTransient(err) {
			bf.logger.Warn("Transient i/o error, will retry", zap.String("path", bf.path), zap.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})
}

func isTransient(err error) bool {
	return errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN)
}

// isAligned reports whether buf starts on a directio.AlignSize boundary.
func isAligned(buf []byte) bool {
	if directio.AlignSize == 0 || len(buf) == 0 {
		return true
	}
	return uintptr(unsafe.Pointer(&buf[0]))&uintptr(directio.AlignSize-1) == 0
}

func encodeHeader(dst []byte, h Header) {
	binary.BigEndian.PutUint32(dst[0:4], uint32(h.Unit))
	binary.BigEndian.PutUint32(dst[4:8], h.State)
}

// DecodeHeader parses the owner header at the start of a raw block.
func DecodeHeader(src []byte) Header {
	return Header{
		Unit:  int32(binary.BigEndian.Uint32(src[0:4])),
		State: binary.BigEndian.Uint32(src[4:8]),
	}
}
