// Package extsort sorts a stream of key/value records that may not fit in
// memory. Records are buffered up to a memory budget and spilled as sorted,
// compressed runs; runs are merged pairwise, each pass reading in the
// opposite direction of the one before, until one run is left, which is
// finally merged with the records still held in memory.
package extsort

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sushant-115/xtcdb/core/indexing/field"
)

const (
	DefaultMemoryBudget = 32 << 20
	DefaultBlockSize    = 64 << 10
)

// Compare orders records: negative when (ak, av) sorts first.
type Compare func(ak, av, bk, bv []byte) int

// FieldCompare orders records by key, then by value, with the comparators
// of the given field types, as a B-link index over those types does.
func FieldCompare(keyType, valueType field.Type) Compare {
	ck, cv := field.Comparator(keyType), field.Comparator(valueType)
	return func(ak, av, bk, bv []byte) int {
		if c := ck(ak, bk); c != 0 {
			return c
		}
		return cv(av, bv)
	}
}

// Options configure a sorter.
type Options struct {
	MemoryBudget int // bytes of buffered records before a run is spilled
	BlockSize    int // uncompressed bytes per run block
	Compression  Compression
	TempDir      string
	Logger       *zap.Logger
}

// Sorter collects records and sorts them.
type Sorter struct {
	cmp    Compare
	opts   Options
	logger *zap.Logger
	id     string

	mu        sync.Mutex
	tail      []record
	tailBytes int
	runs      []*run
	spilled   int
	passes    int
	sorted    bool
}

// New creates a sorter ordering by cmp.
func New(cmp Compare, opts Options) *Sorter {
	if opts.MemoryBudget <= 0 {
		opts.MemoryBudget = DefaultMemoryBudget
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	return &Sorter{
		cmp:    cmp,
		opts:   opts,
		logger: logger.Named("extsort").With(zap.String("sort_id", id)),
		id:     id,
	}
}

// Add buffers a copy of (key, value), spilling a run when the memory budget
// is exceeded.
func (s *Sorter) Add(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sorted {
		return fmt.Errorf("extsort: add after sort")
	}
	r := record{key: slices.Clone(key), value: slices.Clone(value)}
	if r.key == nil {
		r.key = []byte{}
	}
	if r.value == nil {
		r.value = []byte{}
	}
	s.tail = append(s.tail, r)
	s.tailBytes += r.size()
	if s.tailBytes >= s.opts.MemoryBudget {
		return s.spillLocked()
	}
	return nil
}

// Runs returns the number of runs spilled so far.
func (s *Sorter) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spilled
}

// Passes returns the number of merge passes Sort performed.
func (s *Sorter) Passes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.passes
}

func (s *Sorter) sortTail() {
	slices.SortFunc(s.tail, func(a, b record) int { return s.cmp(a.key, a.value, b.key, b.value) })
}

func (s *Sorter) runPath() string {
	return filepath.Join(s.opts.TempDir, fmt.Sprintf("xtcsort-%s-%s.run", s.id, uuid.NewString()))
}

func (s *Sorter) spillLocked() error {
	s.sortTail()
	w, err := createRun(s.runPath(), s.opts.Compression, s.opts.BlockSize, false)
	if err != nil {
		return err
	}
	for _, r := range s.tail {
		if err := w.add(r); err != nil {
			w.abort()
			return err
		}
	}
	r, err := w.close()
	if err != nil {
		w.abort()
		return err
	}
	s.runs = append(s.runs, r)
	s.spilled++
	s.logger.Debug("Run spilled", zap.String("path", r.path), zap.Int("records", r.count), zap.Int("bytes", s.tailBytes))
	clear(s.tail)
	s.tail = s.tail[:0]
	s.tailBytes = 0
	return nil
}

// Sort merges the spilled runs and returns the records in order. The
// sorter accepts no more records afterwards.
func (s *Sorter) Sort(ctx context.Context) (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sorted {
		return nil, fmt.Errorf("extsort: already sorted")
	}
	s.sorted = true
	s.sortTail()
	for descending := true; len(s.runs) > 1; descending = !descending {
		if err := s.mergePassLocked(ctx, descending); err != nil {
			return nil, err
		}
		s.passes++
	}
	st := &Stream{cmp: s.cmp, tail: s.tail}
	if len(s.runs) == 1 {
		r := s.runs[0]
		rr, err := openRun(r, s.opts.Compression, r.descending)
		if err != nil {
			return nil, err
		}
		st.run = rr
	}
	s.logger.Info("Sort finished", zap.Int("runs", s.spilled), zap.Int("passes", s.passes), zap.Int("resident", len(s.tail)))
	return st, nil
}

// mergePassLocked merges the runs pairwise into runs written in descending
// or ascending order. An odd last run is carried over unchanged.
func (s *Sorter) mergePassLocked(ctx context.Context, descending bool) error {
	out := make([]*run, (len(s.runs)+1)/2)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := 0; i < len(s.runs); i += 2 {
		if i+1 == len(s.runs) {
			out[i/2] = s.runs[i]
			continue
		}
		a, b, slot := s.runs[i], s.runs[i+1], i/2
		g.Go(func() error {
			r, err := s.merge(ctx, a, b, descending)
			if err != nil {
				return err
			}
			out[slot] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, r := range out {
			if r != nil && !slices.Contains(s.runs, r) {
				_ = os.Remove(r.path)
			}
		}
		return err
	}
	for i := 0; i+1 < len(s.runs); i += 2 {
		_ = os.Remove(s.runs[i].path)
		_ = os.Remove(s.runs[i+1].path)
	}
	s.runs = out
	return nil
}

// merge writes the union of a and b as a new run in the requested order.
// Each input is read from the end that yields that order.
func (s *Sorter) merge(ctx context.Context, a, b *run, descending bool) (*run, error) {
	ra, err := openRun(a, s.opts.Compression, a.descending != descending)
	if err != nil {
		return nil, err
	}
	defer ra.close()
	rb, err := openRun(b, s.opts.Compression, b.descending != descending)
	if err != nil {
		return nil, err
	}
	defer rb.close()
	w, err := createRun(s.runPath(), s.opts.Compression, s.opts.BlockSize, descending)
	if err != nil {
		return nil, err
	}
	first := func(x, y record) bool {
		c := s.cmp(x.key, x.value, y.key, y.value)
		if descending {
			return c >= 0
		}
		return c <= 0
	}
	x, okx, err := ra.next()
	if err != nil {
		w.abort()
		return nil, err
	}
	y, oky, err := rb.next()
	if err != nil {
		w.abort()
		return nil, err
	}
	for n := 0; okx || oky; n++ {
		if n%4096 == 0 && ctx.Err() != nil {
			w.abort()
			return nil, ctx.Err()
		}
		if okx && (!oky || first(x, y)) {
			err = w.add(x)
			if err == nil {
				x, okx, err = ra.next()
			}
		} else {
			err = w.add(y)
			if err == nil {
				y, oky, err = rb.next()
			}
		}
		if err != nil {
			w.abort()
			return nil, err
		}
	}
	r, err := w.close()
	if err != nil {
		w.abort()
		return nil, err
	}
	return r, nil
}

// Close removes every run file of the sorter.
func (s *Sorter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for _, r := range s.runs {
		if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) && first == nil {
			first = err
		}
	}
	s.runs = nil
	s.tail = nil
	return first
}

// Stream yields sorted records: the last run merged with the resident tail.
type Stream struct {
	cmp  Compare
	run  *runReader
	tail []record
	i    int

	head    record
	hasHead bool
	started bool
	cur     record
	err     error
	n       int
}

// Next advances to the next record.
func (st *Stream) Next() bool {
	if st.err != nil {
		return false
	}
	if !st.started {
		st.started = true
		st.pull()
	}
	if st.err != nil {
		return false
	}
	fromTail := st.i < len(st.tail)
	switch {
	case st.hasHead && (!fromTail || st.cmp(st.head.key, st.head.value, st.tail[st.i].key, st.tail[st.i].value) <= 0):
		st.cur = st.head
		st.pull()
	case fromTail:
		st.cur = st.tail[st.i]
		st.i++
	default:
		return false
	}
	st.n++
	return true
}

func (st *Stream) pull() {
	st.hasHead = false
	if st.run == nil {
		return
	}
	r, ok, err := st.run.next()
	if err != nil {
		st.err = err
		return
	}
	st.head, st.hasHead = r, ok
}

// Key returns the key of the current record.
func (st *Stream) Key() []byte { return st.cur.key }

// Value returns the value of the current record.
func (st *Stream) Value() []byte { return st.cur.value }

// Count returns the number of records yielded so far.
func (st *Stream) Count() int { return st.n }

// Err returns the error that stopped the stream, if any.
func (st *Stream) Err() error { return st.err }

// Close releases the stream's run file handle.
func (st *Stream) Close() error {
	if st.run == nil {
		return nil
	}
	err := st.run.close()
	st.run = nil
	return err
}
