// Package dberror holds the error taxonomy shared by every layer of the
// storage core. Each layer wraps the error of the layer below with its own
// typed error so that callers can both inspect the failing operation and reach
// the original cause through errors.Is / errors.As.
package dberror

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// --- Error Definitions ---

var (
	// Block space / allocation consistency.
	ErrBlockAllocated    = errors.New("block already allocated")
	ErrBlockFree         = errors.New("block already free")
	ErrUnknownUnit       = errors.New("unknown unit")
	ErrUnitExists        = errors.New("unit already exists")
	ErrBlockOutOfRange   = errors.New("block number out of range")
	ErrMetaCorrupt       = errors.New("block space meta data corrupt")
	ErrContainerNotFound = errors.New("container not found")
	ErrContainerExists   = errors.New("container already exists")

	// Raw file I/O.
	ErrIO            = errors.New("i/o error")
	ErrShortIO       = errors.New("short read or write")
	ErrBadBlockSize  = errors.New("invalid block size")
	ErrFileClosed    = errors.New("file is closed")
	ErrChecksum      = errors.New("checksum mismatch, data corruption suspected")
	ErrFileExists    = errors.New("file already exists")
	ErrFileNotExists = errors.New("file not found")

	// Index contract violations.
	ErrDuplicateKey     = errors.New("duplicate key in unique index")
	ErrReadOnlyIterator = errors.New("iterator not opened for update")
	ErrNoPosition       = errors.New("iterator is not positioned on an entry")
	ErrAmbiguousInsert  = errors.New("ambiguous insert position")
	ErrKeyOrder         = errors.New("key out of order for bulk append")
	ErrEntryTooLarge    = errors.New("entry too large for page")
	ErrIteratorClosed   = errors.New("iterator is closed")
	ErrKeyNotFound      = errors.New("key not found")
	ErrAppendOnly       = errors.New("iterator only appends")
	ErrIndexExists      = errors.New("index already exists")
	ErrIndexNotFound    = errors.New("index not found")

	// Log.
	ErrUnknownRecord = errors.New("unknown log record type")
	ErrMalformed     = errors.New("malformed log record")
	ErrLSNNotFound   = errors.New("lsn not found in log")
	ErrLogClosed     = errors.New("log is closed")

	// Buffer / latch.
	ErrBufferFull    = errors.New("buffer pool is full and no page can be evicted")
	ErrPageNotFixed  = errors.New("page is not fixed in buffer")
	ErrLatchTimeout  = errors.New("latch wait timeout")
	ErrLatchMode     = errors.New("illegal latch mode transition")
	ErrPageDeleted   = errors.New("page was deleted")
	ErrInvalidPageID = errors.New("invalid page id")
	ErrPageCorrupt   = errors.New("page structure corrupt")

	// Transactions.
	ErrTxNotActive = errors.New("transaction is not active")
	ErrTxCancelled = errors.New("transaction was cancelled")

	// ErrEngineClosed is returned by every engine call after Close.
	ErrEngineClosed = errors.New("engine is closed")

	// ErrFatal marks violations of recovery invariants. These are never retried.
	ErrFatal = errors.New("fatal recovery invariant violated")
)

// StoreError reports a block-space I/O or consistency violation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return "store: " + e.Op + ": " + e.Err.Error() }
func (e *StoreError) Unwrap() error { return e.Err }

// FileError reports a raw file I/O failure.
type FileError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("file: %s %s: %v", e.Op, e.Path, e.Err)
}
func (e *FileError) Unwrap() error { return e.Err }

// IndexAccessError reports a violation of the index access contract. The
// index is left unchanged when one is returned.
type IndexAccessError struct {
	Op  string
	Err error
}

func (e *IndexAccessError) Error() string { return "index: " + e.Op + ": " + e.Err.Error() }
func (e *IndexAccessError) Unwrap() error { return e.Err }

// LogError reports a malformed or unknown log record, or a log I/O failure.
type LogError struct {
	Op  string
	LSN uint64
	Err error
}

func (e *LogError) Error() string {
	return fmt.Sprintf("log: %s at lsn %d: %v", e.Op, e.LSN, e.Err)
}
func (e *LogError) Unwrap() error { return e.Err }

// BufferError reports a page fix or latch failure.
type BufferError struct {
	Op  string
	Err error
}

func (e *BufferError) Error() string { return "buffer: " + e.Op + ": " + e.Err.Error() }
func (e *BufferError) Unwrap() error { return e.Err }

// Store wraps err as a StoreError with a formatted operation description.
func Store(err error, format string, args ...any) error {
	return &StoreError{Op: fmt.Sprintf(format, args...), Err: err}
}

// File wraps err as a FileError.
func File(err error, op, path string) error {
	return &FileError{Op: op, Path: path, Err: err}
}

// Index wraps err as an IndexAccessError.
func Index(err error, format string, args ...any) error {
	return &IndexAccessError{Op: fmt.Sprintf(format, args...), Err: err}
}

// Log wraps err as a LogError.
func Log(err error, lsn uint64, format string, args ...any) error {
	return &LogError{Op: fmt.Sprintf(format, args...), LSN: lsn, Err: err}
}

// Buffer wraps err as a BufferError.
func Buffer(err error, format string, args ...any) error {
	return &BufferError{Op: fmt.Sprintf(format, args...), Err: err}
}

// Fatal builds an ErrFatal error with a captured stack trace. The stack is
// printed by zap when the error is logged with %+v.
func Fatal(format string, args ...any) error {
	return pkgerrors.WithStack(fmt.Errorf("%w: %s", ErrFatal, fmt.Sprintf(format, args...)))
}

// IsFatal reports whether err (or any error it wraps) is a recovery invariant violation.
func IsFatal(err error) bool { return errors.Is(err, ErrFatal) }
