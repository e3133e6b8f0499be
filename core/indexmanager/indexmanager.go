// Package indexmanager is the client side of the index layer: creating and
// dropping B-link indexes and reading or changing them through iterators.
package indexmanager

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/sushant-115/xtcdb/core/dberror"
	"github.com/sushant-115/xtcdb/core/indexing/blink"
	"github.com/sushant-115/xtcdb/core/transaction"
	pagemanager "github.com/sushant-115/xtcdb/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/xtcdb/internal/telemetry"
)

// SearchMode selects the entry an iterator is positioned on when opened.
type SearchMode = blink.SearchMode

const (
	SearchFirst          = blink.SearchFirst
	SearchLast           = blink.SearchLast
	SearchEqual          = blink.SearchEqual
	SearchGreater        = blink.SearchGreater
	SearchGreaterOrEqual = blink.SearchGreaterOrEqual
	SearchLess           = blink.SearchLess
	SearchLessOrEqual    = blink.SearchLessOrEqual
)

// Descriptor describes an index at creation time.
type Descriptor = blink.Config

// OpenMode states what an iterator may do.
type OpenMode uint8

const (
	// OpenRead iterators never change the index.
	OpenRead OpenMode = iota
	// OpenUpdate iterators insert, update and delete under full logging.
	OpenUpdate
	// OpenLoad iterators append to an empty index without logging. The
	// index must not be visible to other transactions until the loading
	// transaction commits.
	OpenLoad
	// OpenBulk iterators append in ascending order with logging.
	OpenBulk
)

var openModeNames = map[OpenMode]string{
	OpenRead:   "READ",
	OpenUpdate: "UPDATE",
	OpenLoad:   "LOAD",
	OpenBulk:   "BULK",
}

func (m OpenMode) String() string {
	if s, ok := openModeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("OpenMode(%d)", uint8(m))
}

// ParseOpenMode maps a mode name to its OpenMode.
func ParseOpenMode(s string) (OpenMode, error) {
	for m, name := range openModeNames {
		if name == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown open mode %q", s)
}

// Hint remembers the leaf an iterator was last positioned on. Opening an
// iterator with a hint skips the descent when that leaf is unchanged.
type Hint struct {
	Page pagemanager.PageID
	LSN  pagemanager.LSN
}

// Manager creates, drops and opens the indexes of one engine.
type Manager struct {
	trees       *blink.Trees
	logger      *zap.Logger
	tracer      trace.Tracer
	metrics     *internaltelemetry.IndexMetrics
	serviceName string
}

// Options configure the manager.
type Options struct {
	Logger *zap.Logger
	Tracer trace.Tracer
	Meter  metric.Meter
}

// New creates a manager over the trees registry.
func New(trees *blink.Trees, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	meter := opts.Meter
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("")
	}
	metrics, err := internaltelemetry.NewIndexMetrics(meter)
	if err != nil {
		logger.Warn("Index metrics unavailable, using no-op instruments", zap.Error(err))
		metrics, _ = internaltelemetry.NewIndexMetrics(noop.NewMeterProvider().Meter(""))
	}
	return &Manager{
		trees:       trees,
		logger:      logger.Named("index"),
		tracer:      tracer,
		metrics:     metrics,
		serviceName: "indexmanager",
	}
}

// Trees returns the B-link tree registry behind the manager.
func (m *Manager) Trees() *blink.Trees { return m.trees }

// CreateIndex creates an empty index whose pages are allocated in unit and
// returns its root page id, which identifies the index from then on.
func (m *Manager) CreateIndex(tx *transaction.Tx, container uint16, unit int32, desc Descriptor) (pagemanager.PageID, error) {
	ctx, span, start := m.startMetricsAndTrace(context.Background(), "CreateIndex")
	status := otelcodes.Ok
	defer func() { m.endMetricsAndTrace(ctx, span, start, "CreateIndex", status) }()

	if tx == nil {
		status = otelcodes.Error
		return pagemanager.PageID{}, dberror.Index(dberror.ErrTxNotActive, "create index")
	}
	t, err := m.trees.Create(tx, container, unit, desc)
	if err != nil {
		status = otelcodes.Error
		return pagemanager.PageID{}, err
	}
	m.logger.Info("Index created",
		zap.Stringer("root", t.Root()),
		zap.Int32("unit", unit),
		zap.Stringer("key_type", desc.KeyType),
		zap.Stringer("value_type", desc.ValueType),
		zap.Bool("unique", desc.Unique),
		zap.Bool("compressed", desc.Compressed))
	return t.Root(), nil
}

// DropIndex removes the index rooted at root together with its unit. The
// pages are released once tx has committed; a rollback keeps the index.
func (m *Manager) DropIndex(tx *transaction.Tx, root pagemanager.PageID) error {
	ctx, span, start := m.startMetricsAndTrace(context.Background(), "DropIndex")
	status := otelcodes.Ok
	defer func() { m.endMetricsAndTrace(ctx, span, start, "DropIndex", status) }()

	err := m.dropIndex(tx, root)
	if err != nil {
		status = otelcodes.Error
	}
	return err
}

func (m *Manager) dropIndex(tx *transaction.Tx, root pagemanager.PageID) error {
	if tx == nil {
		return dberror.Index(dberror.ErrTxNotActive, "drop index")
	}
	t, err := m.trees.Open(tx, root)
	if err != nil {
		return err
	}
	if t.Unit() == 0 {
		return dberror.Index(fmt.Errorf("index %s does not own a unit", root), "drop index")
	}
	if err := m.trees.BufferManager().DropUnit(tx, root.Container, t.Unit()); err != nil {
		return err
	}
	tx.RegisterPostCommit(func() error {
		m.trees.Forget(root)
		m.logger.Info("Index dropped", zap.Stringer("root", root), zap.Int32("unit", t.Unit()))
		return nil
	})
	return nil
}

// Open positions a new iterator on the index rooted at root. key and value
// are ignored by FIRST and LAST; a nil value matches every value of key.
// A LOAD iterator requires an empty index and is positioned nowhere.
func (m *Manager) Open(tx *transaction.Tx, root pagemanager.PageID, mode SearchMode, key, value []byte, openMode OpenMode, hint Hint) (*Iterator, error) {
	ctx, span, start := m.startMetricsAndTrace(context.Background(), "Open")
	status := otelcodes.Ok
	defer func() { m.endMetricsAndTrace(ctx, span, start, "Open", status) }()

	it, err := m.open(tx, root, mode, key, value, openMode, hint)
	if err != nil {
		status = otelcodes.Error
		return nil, err
	}
	m.metrics.OpenIteratorsUpDownCounter.Add(ctx, 1)
	return it, nil
}

func (m *Manager) open(tx *transaction.Tx, root pagemanager.PageID, mode SearchMode, key, value []byte, openMode OpenMode, hint Hint) (*Iterator, error) {
	if _, ok := openModeNames[openMode]; !ok {
		return nil, dberror.Index(fmt.Errorf("unknown open mode %d", openMode), "open %s", root)
	}
	if openMode != OpenRead && tx == nil {
		return nil, dberror.Index(dberror.ErrTxNotActive, "open %s for %s", root, openMode)
	}
	t, err := m.trees.Open(tx, root)
	if err != nil {
		return nil, err
	}
	it := &Iterator{m: m, tree: t, tx: tx, mode: openMode, search: mode}
	if openMode == OpenLoad {
		if it.loader, err = t.NewLoader(tx); err != nil {
			return nil, err
		}
		return it, nil
	}
	if hint.Page.IsValid() {
		it.cur, err = t.SearchHinted(tx, mode, key, value, hint.Page, hint.LSN)
	} else {
		it.cur, err = t.Search(tx, mode, key, value)
	}
	if err != nil {
		return nil, err
	}
	return it, nil
}

// Verify checks the structure of the index rooted at root.
func (m *Manager) Verify(tx *transaction.Tx, root pagemanager.PageID) (blink.Stats, error) {
	t, err := m.trees.Open(tx, root)
	if err != nil {
		return blink.Stats{}, err
	}
	return t.Verify(tx)
}

// Describe returns the descriptor stored in the root page of an index.
func (m *Manager) Describe(tx *transaction.Tx, root pagemanager.PageID) (Descriptor, error) {
	t, err := m.trees.Open(tx, root)
	if err != nil {
		return Descriptor{}, err
	}
	return t.Config(), nil
}

// startMetricsAndTrace begins the telemetry of one index operation.
func (m *Manager) startMetricsAndTrace(ctx context.Context, op string) (context.Context, trace.Span, time.Time) {
	startTime := time.Now()
	attrs := metric.WithAttributes(
		attribute.String("index.service", m.serviceName),
		attribute.String("index.op", op),
	)
	m.metrics.OpsStartedCounter.Add(ctx, 1, attrs)
	ctx, span := m.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("index.service", m.serviceName),
		attribute.String("index.op", op),
	))
	return ctx, span, startTime
}

// endMetricsAndTrace completes the telemetry of one index operation.
func (m *Manager) endMetricsAndTrace(ctx context.Context, span trace.Span, startTime time.Time, op string, statusCode otelcodes.Code) {
	latency := time.Since(startTime).Microseconds()
	if statusCode != otelcodes.Ok {
		span.SetStatus(otelcodes.Error, statusCode.String())
	} else {
		span.SetStatus(otelcodes.Ok, "Success")
	}
	span.End()

	metricAttributes := attribute.NewSet(
		attribute.String("index.service", m.serviceName),
		attribute.String("index.op", op),
		attribute.String("index.code", statusCode.String()),
	)
	m.metrics.OpLatencyHistogram.Record(ctx, latency, metric.WithAttributeSet(metricAttributes))
	m.metrics.OpsHandledCounter.Add(ctx, 1, metric.WithAttributeSet(metricAttributes))
}
