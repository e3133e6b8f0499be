package wal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/sushant-115/xtcdb/core/dberror"
)

const (
	segmentPrefix = "wal-"
	segmentSuffix = ".log"
	masterFile    = "master"

	DefaultBufferSize    = 256 << 10
	DefaultSegmentSize   = 16 << 20
	DefaultFlushInterval = 10 * time.Millisecond
)

// ErrStopScan can be returned by a Scan callback to end the scan early
// without error.
var ErrStopScan = errors.New("stop scan")

// Options configure a LogManager.
type Options struct {
	BufferSize    int
	SegmentSize   int64
	FlushInterval time.Duration
	// ArchiveDir receives segments released by Archive. Empty deletes them.
	ArchiveDir string
	Meter      metric.Meter
}

func (o *Options) withDefaults() {
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.SegmentSize <= 0 {
		o.SegmentSize = DefaultSegmentSize
	}
	if o.SegmentSize < int64(o.BufferSize) {
		o.SegmentSize = int64(o.BufferSize)
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
}

type segmentInfo struct {
	start LSN
	path  string
}

// LogManager manages the Write-Ahead Log segments.
// It is responsible for handing out LSNs, buffering appends, rolling
// segments, group-committing flushes and reading records back for recovery
// and rollback.
type LogManager struct {
	logDir string
	opts   Options
	logger *zap.Logger

	mu          sync.Mutex // protects everything below
	segments    []segmentInfo
	logFile     *os.File // active segment, append only
	fileSize    int64    // bytes of the active segment on disk
	buffer      *bytes.Buffer
	nextLSN     LSN // the LSN the next record will get
	durableLSN  LSN // all records below this LSN are synced
	readers     map[LSN]*os.File
	closed      bool
	flushSignal chan struct{}
	stopChan    chan struct{}
	wg          sync.WaitGroup

	appends metric.Int64Counter
	bytes   metric.Int64Counter
	syncs   metric.Int64Counter
}

// NewLogManager opens the log in logDir, creating it if necessary, repairs
// a torn tail and starts the background flusher.
func NewLogManager(logDir string, logger *zap.Logger, opts Options) (*LogManager, error) {
	opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
	}
	if opts.ArchiveDir != "" {
		if err := os.MkdirAll(opts.ArchiveDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create archive directory %s: %w", opts.ArchiveDir, err)
		}
	}
	meter := opts.Meter
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("")
	}

	lm := &LogManager{
		logDir:      logDir,
		opts:        opts,
		logger:      logger.Named("wal"),
		buffer:      bytes.NewBuffer(make([]byte, 0, opts.BufferSize)),
		readers:     make(map[LSN]*os.File),
		flushSignal: make(chan struct{}, 1),
		stopChan:    make(chan struct{}),
	}
	lm.appends, _ = meter.Int64Counter("xtc.wal.appends", metric.WithDescription("Log records appended"))
	lm.bytes, _ = meter.Int64Counter("xtc.wal.bytes", metric.WithDescription("Log bytes appended"), metric.WithUnit("By"))
	lm.syncs, _ = meter.Int64Counter("xtc.wal.syncs", metric.WithDescription("Log fsyncs"))

	if err := lm.openSegments(); err != nil {
		return nil, err
	}

	lm.wg.Add(1)
	go lm.flusher()

	lm.logger.Info("LogManager initialized", zap.String("dir", logDir), zap.Int("segments", len(lm.segments)), zap.Uint64("nextLSN", uint64(lm.nextLSN)))
	return lm, nil
}

func segmentPath(dir string, start LSN) string {
	return filepath.Join(dir, fmt.Sprintf("%s%020d%s", segmentPrefix, uint64(start), segmentSuffix))
}

// openSegments finds existing segments, truncates a torn tail in the last
// one and opens it for appending.
func (lm *LogManager) openSegments() error {
	files, err := os.ReadDir(lm.logDir)
	if err != nil {
		return fmt.Errorf("failed to read log directory %s: %w", lm.logDir, err)
	}
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		start, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), 10, 64)
		if err != nil {
			continue
		}
		lm.segments = append(lm.segments, segmentInfo{start: LSN(start), path: filepath.Join(lm.logDir, name)})
	}
	sort.Slice(lm.segments, func(i, j int) bool { return lm.segments[i].start < lm.segments[j].start })

	if len(lm.segments) == 0 {
		lm.segments = append(lm.segments, segmentInfo{start: 1, path: segmentPath(lm.logDir, 1)})
	}
	last := lm.segments[len(lm.segments)-1]
	valid, err := lm.validPrefix(last.path)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(last.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log segment %s: %w", last.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to stat log segment %s: %w", last.path, err)
	}
	if info.Size() > valid {
		lm.logger.Warn("Truncating torn log tail", zap.String("segment", last.path), zap.Int64("validBytes", valid), zap.Int64("fileBytes", info.Size()))
		if err := f.Truncate(valid); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to truncate log segment %s: %w", last.path, err)
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return err
		}
	}
	if _, err := f.Seek(valid, io.SeekStart); err != nil {
		_ = f.Close()
		return err
	}
	lm.logFile = f
	lm.fileSize = valid
	lm.nextLSN = last.start + LSN(valid)
	lm.durableLSN = lm.nextLSN
	return nil
}

// validPrefix returns the length of the longest prefix of the segment made of
// complete, checksummed frames.
func (lm *LogManager) validPrefix(path string) (int64, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to open log segment %s: %w", path, err)
	}
	defer f.Close()
	r := bufio.NewReader(f)
	var off int64
	for {
		frame, err := readFrame(r)
		if err != nil {
			return off, nil
		}
		var lr LogRecord
		if err := lr.Deserialize(frame); err != nil {
			return off, nil
		}
		off += int64(len(frame))
	}
}

// GetCurrentLSN returns the LSN the next appended record will get.
func (lm *LogManager) GetCurrentLSN() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.nextLSN
}

// DurableLSN returns the LSN below which every record is on stable storage.
func (lm *LogManager) DurableLSN() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.durableLSN
}

// Append adds a LogRecord to the in-memory buffer and assigns it an LSN.
// The record is not guaranteed to be on disk until Flush covers it.
func (lm *LogManager) Append(record *LogRecord) (LSN, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return InvalidLSN, dberror.Log(dberror.ErrLogClosed, 0, "append")
	}
	if len(record.Payload) > maxPayloadSize {
		return InvalidLSN, dberror.Log(fmt.Errorf("%w: payload of %d bytes", dberror.ErrMalformed, len(record.Payload)), 0, "append")
	}

	size := int64(record.Size())
	segBytes := lm.fileSize + int64(lm.buffer.Len())
	if segBytes > 0 && segBytes+size > lm.opts.SegmentSize {
		if err := lm.rollLogSegment(); err != nil {
			return InvalidLSN, dberror.Log(err, uint64(lm.nextLSN), "roll segment")
		}
	}
	if lm.buffer.Len() > 0 && lm.buffer.Len()+int(size) > lm.opts.BufferSize {
		if err := lm.flushInternal(); err != nil {
			return InvalidLSN, dberror.Log(err, uint64(lm.nextLSN), "flush before append")
		}
	}

	record.LSN = lm.nextLSN
	lm.buffer.Write(record.Serialize())
	lm.nextLSN += LSN(size)

	if lm.buffer.Len() >= lm.opts.BufferSize/2 {
		select {
		case lm.flushSignal <- struct{}{}:
		default:
		}
	}
	lm.appends.Add(context.Background(), 1)
	lm.bytes.Add(context.Background(), size)
	return record.LSN, nil
}

// Flush makes every record with an LSN up to and including upTo durable.
// Concurrent callers share one fsync.
func (lm *LogManager) Flush(upTo LSN) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if upTo == InvalidLSN || upTo < lm.durableLSN {
		return nil
	}
	return lm.syncInternal()
}

// Sync flushes and syncs everything appended so far.
func (lm *LogManager) Sync() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.syncInternal()
}

// syncInternal must be called with lm.mu held.
func (lm *LogManager) syncInternal() error {
	if lm.closed {
		return dberror.Log(dberror.ErrLogClosed, 0, "sync")
	}
	if err := lm.flushInternal(); err != nil {
		return dberror.Log(err, uint64(lm.durableLSN), "flush")
	}
	if lm.durableLSN == lm.nextLSN {
		return nil
	}
	if err := lm.logFile.Sync(); err != nil {
		return dberror.Log(err, uint64(lm.durableLSN), "fsync")
	}
	lm.durableLSN = lm.nextLSN
	lm.syncs.Add(context.Background(), 1)
	return nil
}

// flushInternal writes the buffered records to the active segment.
// It must be called with lm.mu held and does not sync.
func (lm *LogManager) flushInternal() error {
	if lm.buffer.Len() == 0 {
		return nil
	}
	n, err := lm.logFile.Write(lm.buffer.Bytes())
	lm.fileSize += int64(n)
	if err != nil {
		lm.buffer.Next(n)
		return err
	}
	lm.buffer.Reset()
	return nil
}

// rollLogSegment syncs and closes the active segment and starts a new one
// named by the next LSN. It must be called with lm.mu held.
func (lm *LogManager) rollLogSegment() error {
	if err := lm.syncInternal(); err != nil {
		return err
	}
	if err := lm.logFile.Close(); err != nil {
		return err
	}
	seg := segmentInfo{start: lm.nextLSN, path: segmentPath(lm.logDir, lm.nextLSN)}
	f, err := os.OpenFile(seg.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	lm.logFile = f
	lm.fileSize = 0
	lm.segments = append(lm.segments, seg)
	if err := syncDir(lm.logDir); err != nil {
		return err
	}
	lm.logger.Info("Rolled log segment", zap.String("segment", seg.path))
	return nil
}

// Read returns the record at lsn.
func (lm *LogManager) Read(lsn LSN) (*LogRecord, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return nil, dberror.Log(dberror.ErrLogClosed, uint64(lsn), "read")
	}
	if lsn == InvalidLSN || lsn >= lm.nextLSN {
		return nil, dberror.Log(dberror.ErrLSNNotFound, uint64(lsn), "read")
	}
	if err := lm.flushInternal(); err != nil {
		return nil, dberror.Log(err, uint64(lsn), "flush before read")
	}
	idx := sort.Search(len(lm.segments), func(i int) bool { return lm.segments[i].start > lsn }) - 1
	if idx < 0 {
		return nil, dberror.Log(dberror.ErrLSNNotFound, uint64(lsn), "read")
	}
	seg := lm.segments[idx]
	f, err := lm.readerFor(seg)
	if err != nil {
		return nil, dberror.Log(err, uint64(lsn), "open segment")
	}
	off := int64(lsn - seg.start)
	var lenBuf [4]byte
	if _, err := f.ReadAt(lenBuf[:], off); err != nil {
		return nil, dberror.Log(fmt.Errorf("%w: %v", dberror.ErrLSNNotFound, err), uint64(lsn), "read")
	}
	size := binary.LittleEndian.Uint32(lenBuf[:])
	if size < frameHeaderSize || size > frameHeaderSize+maxPayloadSize {
		return nil, dberror.Log(fmt.Errorf("%w: frame length %d", dberror.ErrMalformed, size), uint64(lsn), "read")
	}
	frame := make([]byte, size)
	if _, err := f.ReadAt(frame, off); err != nil {
		return nil, dberror.Log(fmt.Errorf("%w: %v", dberror.ErrMalformed, err), uint64(lsn), "read")
	}
	lr := &LogRecord{}
	if err := lr.Deserialize(frame); err != nil {
		return nil, dberror.Log(err, uint64(lsn), "decode")
	}
	if lr.LSN != lsn {
		return nil, dberror.Log(fmt.Errorf("%w: record carries lsn %d", dberror.ErrMalformed, lr.LSN), uint64(lsn), "read")
	}
	return lr, nil
}

func (lm *LogManager) readerFor(seg segmentInfo) (*os.File, error) {
	if f, ok := lm.readers[seg.start]; ok {
		return f, nil
	}
	f, err := os.Open(seg.path)
	if err != nil {
		return nil, err
	}
	lm.readers[seg.start] = f
	return f, nil
}

// Scan calls fn for every record with an LSN >= from, in log order.
func (lm *LogManager) Scan(from LSN, fn func(*LogRecord) error) error {
	lm.mu.Lock()
	if err := lm.flushInternal(); err != nil {
		lm.mu.Unlock()
		return dberror.Log(err, uint64(from), "flush before scan")
	}
	segments := append([]segmentInfo(nil), lm.segments...)
	end := lm.nextLSN
	lm.mu.Unlock()

	for i, seg := range segments {
		segEnd := end
		if i+1 < len(segments) {
			segEnd = segments[i+1].start
		}
		if segEnd <= from {
			continue
		}
		if err := scanSegment(seg, from, segEnd, fn); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return nil
}

func scanSegment(seg segmentInfo, from, end LSN, fn func(*LogRecord) error) error {
	f, err := os.Open(seg.path)
	if err != nil {
		return dberror.Log(err, uint64(seg.start), "open segment %s", seg.path)
	}
	defer f.Close()
	lsn := seg.start
	if from > lsn {
		if _, err := f.Seek(int64(from-seg.start), io.SeekStart); err != nil {
			return dberror.Log(err, uint64(from), "seek")
		}
		lsn = from
	}
	r := bufio.NewReader(f)
	for lsn < end {
		frame, err := readFrame(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return dberror.Log(err, uint64(lsn), "scan")
		}
		lr := &LogRecord{}
		if err := lr.Deserialize(frame); err != nil {
			return dberror.Log(err, uint64(lsn), "scan")
		}
		if err := fn(lr); err != nil {
			return err
		}
		lsn += LSN(len(frame))
	}
	return nil
}

// WalkBack follows the PrevLSN chain starting at lsn, calling fn for each
// record until the chain ends or fn returns ErrStopScan.
func (lm *LogManager) WalkBack(lsn LSN, fn func(*LogRecord) error) error {
	for lsn != InvalidLSN {
		lr, err := lm.Read(lsn)
		if err != nil {
			return err
		}
		if err := fn(lr); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
		lsn = lr.PrevLSN
	}
	return nil
}

// Archive releases every segment whose records all lie below lsn. The active
// segment is never released.
func (lm *LogManager) Archive(lsn LSN) (int, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	n := 0
	for len(lm.segments) > 1 && lm.segments[1].start <= lsn {
		seg := lm.segments[0]
		if f, ok := lm.readers[seg.start]; ok {
			_ = f.Close()
			delete(lm.readers, seg.start)
		}
		var err error
		if lm.opts.ArchiveDir != "" {
			err = os.Rename(seg.path, filepath.Join(lm.opts.ArchiveDir, filepath.Base(seg.path)))
		} else {
			err = os.Remove(seg.path)
		}
		if err != nil {
			return n, dberror.Log(err, uint64(seg.start), "archive segment")
		}
		lm.segments = lm.segments[1:]
		n++
	}
	if n > 0 {
		lm.logger.Info("Archived log segments", zap.Int("count", n), zap.Uint64("belowLSN", uint64(lsn)))
	}
	return n, nil
}

// Files returns the paths of the segment files, oldest first, and of the
// master file.
func (lm *LogManager) Files() (segments []string, master string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	for _, seg := range lm.segments {
		segments = append(segments, seg.path)
	}
	return segments, filepath.Join(lm.logDir, masterFile)
}

// FirstLSN returns the first LSN still held by the log.
func (lm *LogManager) FirstLSN() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.segments[0].start
}

// WriteMaster durably records the LSN of the last complete checkpoint.
func (lm *LogManager) WriteMaster(checkpointLSN LSN) error {
	var buf [12]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(checkpointLSN))
	binary.LittleEndian.PutUint32(buf[8:], uint32(xxhash.Sum64(buf[:8])))
	path := filepath.Join(lm.logDir, masterFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf[:], 0644); err != nil {
		return dberror.Log(err, uint64(checkpointLSN), "write master")
	}
	f, err := os.OpenFile(tmp, os.O_RDWR, 0644)
	if err != nil {
		return dberror.Log(err, uint64(checkpointLSN), "write master")
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return dberror.Log(err, uint64(checkpointLSN), "sync master")
	}
	_ = f.Close()
	if err := os.Rename(tmp, path); err != nil {
		return dberror.Log(err, uint64(checkpointLSN), "install master")
	}
	return syncDir(lm.logDir)
}

// ReadMaster returns the LSN of the last complete checkpoint, or InvalidLSN
// if none was ever taken.
func (lm *LogManager) ReadMaster() (LSN, error) {
	raw, err := os.ReadFile(filepath.Join(lm.logDir, masterFile))
	if os.IsNotExist(err) {
		return InvalidLSN, nil
	}
	if err != nil {
		return InvalidLSN, dberror.Log(err, 0, "read master")
	}
	if len(raw) != 12 || uint32(xxhash.Sum64(raw[:8])) != binary.LittleEndian.Uint32(raw[8:]) {
		return InvalidLSN, dberror.Log(dberror.ErrMalformed, 0, "read master")
	}
	return LSN(binary.LittleEndian.Uint64(raw[:8])), nil
}

// flusher is a goroutine that periodically group-commits the log buffer.
func (lm *LogManager) flusher() {
	defer lm.wg.Done()
	ticker := time.NewTicker(lm.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-lm.flushSignal:
		case <-lm.stopChan:
			return
		}
		lm.mu.Lock()
		if !lm.closed && lm.durableLSN < lm.nextLSN {
			if err := lm.syncInternal(); err != nil {
				lm.logger.Error("Background log flush failed", zap.Error(err))
			}
		}
		lm.mu.Unlock()
	}
}

// Close stops the flusher, syncs remaining records and closes all files.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	if lm.closed {
		lm.mu.Unlock()
		return nil
	}
	lm.mu.Unlock()
	close(lm.stopChan)
	lm.wg.Wait()

	lm.mu.Lock()
	defer lm.mu.Unlock()
	err := lm.syncInternal()
	lm.closed = true
	for start, f := range lm.readers {
		_ = f.Close()
		delete(lm.readers, start)
	}
	if cerr := lm.logFile.Close(); err == nil {
		err = cerr
	}
	lm.logger.Info("LogManager closed", zap.Uint64("nextLSN", uint64(lm.nextLSN)))
	return err
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
