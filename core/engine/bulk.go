package engine

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/sushant-115/xtcdb/core/indexing/extsort"
	"github.com/sushant-115/xtcdb/core/indexmanager"
	"github.com/sushant-115/xtcdb/core/transaction"
	pagemanager "github.com/sushant-115/xtcdb/core/write_engine/page_manager"
)

// Producer hands records to emit in any order.
type Producer func(emit func(key, value []byte) error) error

// BulkLoad fills the empty index rooted at root with the records of
// produce. The records are sorted externally and appended in LOAD mode,
// which logs nothing: the loaded pages are written before BulkLoad returns
// and stay whatever becomes of tx. A failed load leaves the index in an
// undefined state; drop it.
func (e *Engine) BulkLoad(ctx context.Context, tx *transaction.Tx, root pagemanager.PageID, produce Producer) (int, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	ctx, span := e.tracer.Start(ctx, "engine.bulk_load")
	defer span.End()

	desc, err := e.indexes.Describe(tx, root)
	if err != nil {
		return 0, err
	}
	comp := extsort.CompressSnappy
	if e.cfg.Sort.Compression != "" {
		if comp, err = extsort.ParseCompression(e.cfg.Sort.Compression); err != nil {
			return 0, err
		}
	}
	tmp := e.cfg.Sort.TempDir
	if tmp == "" {
		tmp = filepath.Join(e.cfg.DataDir, "tmp")
	}
	if err := mkdir(tmp); err != nil {
		return 0, err
	}
	sorter := extsort.New(extsort.FieldCompare(desc.KeyType, desc.ValueType), extsort.Options{
		MemoryBudget: e.cfg.Sort.MemoryBudget,
		BlockSize:    e.cfg.Sort.BlockSize,
		Compression:  comp,
		TempDir:      tmp,
		Logger:       e.logger,
	})
	defer sorter.Close()

	if err := produce(sorter.Add); err != nil {
		span.RecordError(err)
		return 0, err
	}
	stream, err := sorter.Sort(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	defer stream.Close()

	it, err := e.indexes.Open(tx, root, indexmanager.SearchFirst, nil, nil, indexmanager.OpenLoad, indexmanager.Hint{})
	if err != nil {
		return 0, err
	}
	for stream.Next() {
		if err := it.Insert(stream.Key(), stream.Value()); err != nil {
			_ = it.Close()
			span.RecordError(err)
			return stream.Count() - 1, err
		}
	}
	if err := stream.Err(); err != nil {
		_ = it.Close()
		return stream.Count(), err
	}
	if err := it.Close(); err != nil {
		return stream.Count(), err
	}
	n := stream.Count()
	e.bulkLoaded.Add(ctx, int64(n))
	e.logger.Info("Bulk load finished",
		zap.Stringer("root", root),
		zap.Int("entries", n),
		zap.Int("runs", sorter.Runs()),
		zap.Int("passes", sorter.Passes()))
	return n, nil
}
