// Package blink implements a B-link tree over buffer pages. Every page links
// to its right sibling and carries a high key, so a reader that reaches a
// page after it split simply moves right.
//
// Latching: a tree latch per root is held SHARED by point operations and
// EXCLUSIVE by structure modifications (split, root growth, unlink). Under
// the shared tree latch readers couple SHARED page latches top-down and
// writers take the leaf EXCLUSIVE. No latch is held between calls.
//
// Logging: user mutations are logged as INSERT/DELETE/UPDATE and undone
// logically; structure modifications are logged as FORMAT/POINTER/SMO_* ops
// inside nested top actions and undone physically.
package blink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/sushant-115/xtcdb/core/dberror"
	"github.com/sushant-115/xtcdb/core/indexing/field"
	"github.com/sushant-115/xtcdb/core/transaction"
	"github.com/sushant-115/xtcdb/core/write_engine/buffer"
	"github.com/sushant-115/xtcdb/core/write_engine/logop"
	pagemanager "github.com/sushant-115/xtcdb/core/write_engine/page_manager"
)

const DefaultMaxRestarts = 16

var (
	// errRestart sends an operation back to the root; it is retried.
	errRestart = errors.New("restart from root")
	// errEscalate asks for the exclusive tree latch.
	errEscalate = errors.New("structure modification required")

	errReservedValue = errors.New("value is reserved for prefix placeholders")
)

// Options configure the tree registry.
type Options struct {
	// Policy is used by trees created with Compressed set. Defaults to
	// DeweyPolicy.
	Policy      PrefixPolicy
	MaxRestarts uint64
	Logger      *zap.Logger
	Meter       metric.Meter
}

// Config describes a tree at creation time. It is stored in every page.
type Config struct {
	KeyType    field.Type
	ValueType  field.Type
	Unique     bool
	Compressed bool
}

func (c Config) flags() uint8 {
	var f uint8
	if c.Unique {
		f |= FlagUnique
	}
	if c.Compressed {
		f |= FlagCompressed
	}
	return f
}

// Trees is the registry of open B-link trees of one buffer manager. It owns
// the tree latches.
type Trees struct {
	bm     *buffer.Manager
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	latches map[pagemanager.PageID]*pagemanager.Latch

	splits       metric.Int64Counter
	unlinks      metric.Int64Counter
	restarts     metric.Int64Counter
	placeholders metric.Int64Counter
	ambiguous    metric.Int64Counter
}

// New creates the registry.
func New(bm *buffer.Manager, opts Options) *Trees {
	if opts.Policy == nil {
		opts.Policy = DeweyPolicy{}
	}
	if opts.MaxRestarts == 0 {
		opts.MaxRestarts = DefaultMaxRestarts
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	meter := opts.Meter
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("")
	}
	ts := &Trees{
		bm:      bm,
		opts:    opts,
		logger:  opts.Logger.Named("blink"),
		latches: make(map[pagemanager.PageID]*pagemanager.Latch),
	}
	ts.splits, _ = meter.Int64Counter("xtc.blink.splits")
	ts.unlinks, _ = meter.Int64Counter("xtc.blink.unlinks")
	ts.restarts, _ = meter.Int64Counter("xtc.blink.restarts")
	ts.placeholders, _ = meter.Int64Counter("xtc.blink.placeholders")
	ts.ambiguous, _ = meter.Int64Counter("xtc.blink.ambiguous_inserts")
	return ts
}

// BufferManager returns the buffer manager the trees live in.
func (ts *Trees) BufferManager() *buffer.Manager { return ts.bm }

func (ts *Trees) treeLatch(root pagemanager.PageID) *pagemanager.Latch {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	l, ok := ts.latches[root]
	if !ok {
		l = &pagemanager.Latch{}
		ts.latches[root] = l
	}
	return l
}

// Forget drops the tree latch of a dropped tree.
func (ts *Trees) Forget(root pagemanager.PageID) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	delete(ts.latches, root)
}

// Create allocates and formats the root leaf of a new tree in unit.
func (ts *Trees) Create(tx *transaction.Tx, container uint16, unit int32, cfg Config) (*Tree, error) {
	if !cfg.KeyType.Valid() || !cfg.ValueType.Valid() {
		return nil, dberror.Index(fmt.Errorf("invalid field types %d/%d", cfg.KeyType, cfg.ValueType), "create tree")
	}
	h, err := ts.bm.AllocatePage(btx(tx), container, unit, tx != nil)
	if err != nil {
		return nil, err
	}
	defer ts.bm.UnfixPage(h)
	if err := h.Latch(pagemanager.LatchExclusive); err != nil {
		return nil, err
	}
	t := ts.tree(h.PageID(), cfg, unit, len(h.Body()))
	n := &node{capacity: len(h.Body())}
	op := &logop.Op{
		Kind: logop.KindFormat,
		After: logop.PageFormat{
			PageType:  uint8(PageTypeLeaf),
			KeyType:   uint8(cfg.KeyType),
			ValueType: uint8(cfg.ValueType),
			Flags:     cfg.flags(),
		},
	}
	if err := t.modify(tx, h, n, op); err != nil {
		return nil, err
	}
	ts.logger.Debug("Created tree", zap.Stringer("root", h.PageID()), zap.Stringer("keyType", cfg.KeyType))
	return t, nil
}

// Open returns the tree rooted at root.
func (ts *Trees) Open(tx *transaction.Tx, root pagemanager.PageID) (*Tree, error) {
	h, err := ts.bm.FixPage(btx(tx), root)
	if err != nil {
		return nil, err
	}
	defer ts.bm.UnfixPage(h)
	if err := h.Latch(pagemanager.LatchShared); err != nil {
		return nil, err
	}
	n, err := decodeNode(h.Body())
	if err != nil {
		return nil, dberror.Index(err, "open tree %s", root)
	}
	if !n.formatted() || n.isDeleted() || n.root != root.Number {
		return nil, dberror.Index(fmt.Errorf("%w: %s is not a tree root", dberror.ErrPageDeleted, root), "open tree")
	}
	cfg := Config{
		KeyType:    n.keyType,
		ValueType:  n.valType,
		Unique:     n.flags&FlagUnique != 0,
		Compressed: n.compressed(),
	}
	return ts.tree(root, cfg, h.Unit(), len(h.Body())), nil
}

func (ts *Trees) tree(root pagemanager.PageID, cfg Config, unit int32, capacity int) *Tree {
	t := &Tree{ts: ts, root: root, cfg: cfg, unit: unit, capacity: capacity}
	if cfg.Compressed {
		t.policy = ts.opts.Policy
	}
	return t
}

// Tree is a handle on one B-link tree. It is cheap and may be shared.
type Tree struct {
	ts     *Trees
	root   pagemanager.PageID
	cfg    Config
	unit   int32
	policy PrefixPolicy
	// capacity is the page body size.
	capacity int
}

// Root returns the root page id, which never changes.
func (t *Tree) Root() pagemanager.PageID { return t.root }

// Config returns the tree configuration.
func (t *Tree) Config() Config { return t.cfg }

// Unit returns the unit the tree's pages are allocated in.
func (t *Tree) Unit() int32 { return t.unit }

// Policy returns the prefix policy, nil for plain trees.
func (t *Tree) Policy() PrefixPolicy { return t.policy }

// --- latching and page access ---

// btx converts a possibly nil transaction to the buffer interface without
// producing a non-nil interface around a nil pointer.
func btx(tx *transaction.Tx) buffer.Tx {
	if tx == nil {
		return nil
	}
	return tx
}

func (t *Tree) withTree(mode pagemanager.LatchMode, fn func() error) error {
	l := t.ts.treeLatch(t.root)
	if err := l.Acquire(mode, t.ts.bm.LatchTimeout()); err != nil {
		return dberror.Buffer(err, "tree latch %s %s", t.root, mode)
	}
	defer l.Release(mode)
	return fn()
}

// retry runs fn until it stops asking for a restart.
func (t *Tree) retry(fn func() error) error {
	b := retry.WithMaxRetries(t.ts.opts.MaxRestarts, retry.NewConstant(time.Millisecond))
	return retry.Do(context.Background(), b, func(context.Context) error {
		err := fn()
		if errors.Is(err, errRestart) {
			t.ts.restarts.Add(context.Background(), 1)
			return retry.RetryableError(err)
		}
		return err
	})
}

func (t *Tree) pageID(number uint32) pagemanager.PageID {
	return pagemanager.PageID{Container: t.root.Container, Number: number}
}

// fix pins and latches a page of the tree and decodes it.
func (t *Tree) fix(tx *transaction.Tx, number uint32, mode pagemanager.LatchMode) (*buffer.Handle, *node, error) {
	h, err := t.ts.bm.FixPage(btx(tx), t.pageID(number))
	if err != nil {
		return nil, nil, err
	}
	if err := h.Latch(mode); err != nil {
		t.ts.bm.UnfixPage(h)
		return nil, nil, err
	}
	n, err := decodeNode(h.Body())
	if err != nil {
		t.ts.bm.UnfixPage(h)
		return nil, nil, dberror.Index(err, "decode page %s", h.PageID())
	}
	return h, n, nil
}

// relatch switches the latch on h to mode and decodes the page again.
func (t *Tree) relatch(h *buffer.Handle, mode pagemanager.LatchMode) (*node, error) {
	h.Unlatch()
	if err := h.Latch(mode); err != nil {
		return nil, err
	}
	return decodeNode(h.Body())
}

func (t *Tree) unfix(hs ...*buffer.Handle) {
	for _, h := range hs {
		t.ts.bm.UnfixPage(h)
	}
}

// belongs reports whether n is a live page of this tree.
func (t *Tree) belongs(n *node) bool {
	return n.formatted() && !n.isDeleted() && n.root == t.root.Number
}

// modify applies op to n and the page behind h. Under a transaction the op
// is logged first and the page LSN advanced; without one the page is only
// marked dirty.
func (t *Tree) modify(tx *transaction.Tx, h *buffer.Handle, n *node, op *logop.Op) error {
	op.Page = h.PageID()
	op.Root = t.root.Number
	if err := n.apply(op); err != nil {
		return dberror.Index(err, "apply %s", op.Kind)
	}
	if !n.fits() {
		return dberror.Index(dberror.ErrEntryTooLarge, "apply %s to %s", op.Kind, op.Page)
	}
	if tx == nil {
		if err := n.encode(h.Body()); err != nil {
			return err
		}
		h.MarkDirty()
		return nil
	}
	lsn, err := tx.LogUpdate(op)
	if err != nil {
		return err
	}
	if err := n.encode(h.Body()); err != nil {
		return err
	}
	h.SetLSN(lsn)
	return nil
}

// compensate applies op to n and the page behind h as a CLR.
func (t *Tree) compensate(tx *transaction.Tx, h *buffer.Handle, n *node, op *logop.Op, undoNext pagemanager.LSN) error {
	op.Page = h.PageID()
	op.Root = t.root.Number
	if err := n.apply(op); err != nil {
		return dberror.Fatal("compensate %s on %s: %v", op.Kind, op.Page, err)
	}
	lsn, err := tx.LogCLR(op, undoNext)
	if err != nil {
		return err
	}
	if err := n.encode(h.Body()); err != nil {
		return err
	}
	h.SetLSN(lsn)
	return nil
}

// --- ordering ---

// bound is a search position in (key, value) order. keyInf and valInf
// place it below (-1) or above (+1) everything at that level.
type bound struct {
	key    []byte
	value  []byte
	keyInf int
	valInf int
}

func exactBound(key, value []byte) bound { return bound{key: key, value: value} }

var (
	minBound = bound{keyInf: -1}
	maxBound = bound{keyInf: 1}
)

// cmp orders the entry (key, value) against b.
func (t *Tree) cmp(key, value []byte, b bound) int {
	if b.keyInf != 0 {
		return -b.keyInf
	}
	if c := field.Compare(t.cfg.KeyType, key, b.key); c != 0 {
		return c
	}
	if b.valInf > 0 {
		return -1
	}
	if t.cfg.Unique {
		return 0
	}
	if b.valInf < 0 {
		return 1
	}
	return bytes.Compare(value, b.value)
}

func (t *Tree) cmpEntries(ak, av, bk, bv []byte) int {
	return t.cmp(ak, av, exactBound(bk, bv))
}

// Compare orders two entries the way the tree does.
func (t *Tree) Compare(ak, av, bk, bv []byte) int { return t.cmpEntries(ak, av, bk, bv) }

// beyondHigh reports whether b lies at or right of the page's high key.
func (t *Tree) beyondHigh(n *node, b bound) bool {
	if n.high == nil {
		return false
	}
	k, v := decodeSep(n.high)
	return t.cmp(k, v, b) <= 0
}

// lowerBound returns the first slot whose entry is >= b.
func (t *Tree) lowerBound(n *node, b bound) int {
	return sort.Search(n.count(), func(i int) bool {
		e := n.entryAt(i)
		return t.cmp(e.key, e.value, b) >= 0
	})
}

// childFor returns the child of a branch covering b.
func (t *Tree) childFor(n *node, b bound) uint32 {
	i := sort.Search(n.count(), func(i int) bool {
		e := n.entryAt(i)
		return t.cmp(e.key, e.value, b) > 0
	})
	if i == 0 {
		return n.low
	}
	return n.entries[i-1].child
}

// after returns the bound just right of the entry (key, value).
func (t *Tree) after(key, value []byte) bound {
	if t.cfg.Unique {
		return bound{key: key, valInf: 1}
	}
	return exactBound(key, append(append([]byte{}, value...), 0))
}

// MaxEntrySize is the largest key plus value the tree accepts, so that any
// page holds at least four entries and a split always makes room.
func (t *Tree) MaxEntrySize() int {
	return (t.capacity-headerSize)/4 - branchEntryOverhead - compressedOverhead - 2
}

func (t *Tree) checkEntry(key, value []byte) error {
	if err := field.Validate(t.cfg.KeyType, key); err != nil {
		return dberror.Index(err, "key")
	}
	if err := field.Validate(t.cfg.ValueType, value); err != nil {
		return dberror.Index(err, "value")
	}
	if size := len(key) + len(value); size > t.MaxEntrySize() {
		return dberror.Index(dberror.ErrEntryTooLarge, "entry of %d bytes, limit %d", size, t.MaxEntrySize())
	}
	if t.policy != nil && t.policy.IsPlaceholder(key, value) {
		return dberror.Index(errReservedValue, "insert")
	}
	return nil
}

func (n *node) clone() *node {
	c := *n
	c.entries = append([]entry(nil), n.entries...)
	return &c
}
