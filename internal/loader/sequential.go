package loader

import (
	"context"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"bulkload/internal/dataset"
	"bulkload/internal/loaderr"
	"bulkload/internal/storage"
)

// Opener hands out sessions and the dialect that renders their SQL.
// storage.Backend satisfies it.
type Opener interface {
	Dialect() storage.Dialect
	Open(ctx context.Context) (storage.Session, error)
}

// SequentialLoader inserts every batch through one session and commits once
// after the last batch. A failure anywhere leaves no rows visible.
type SequentialLoader struct {
	Opener    Opener
	BatchSize int
	Observer  Observer

	// Skip, when set, excludes batches from the load. Skipped batches are
	// counted in the report.
	Skip func(batchIndex int) bool
}

// Load runs the load. On failure the report has RowsCommitted == 0 and the
// failing batch in FailedBatches, and the returned error carries its kind.
func (l SequentialLoader) Load(ctx context.Context, ds *dataset.Dataset, target Target) (Report, error) {
	const op = "loader.SequentialLoader"
	obs := orNop(l.Observer)
	start := time.Now()

	d := l.Opener.Dialect()
	table := d.TableName(target.Schema, target.Table)
	rep := Report{
		Mode:         "sequential",
		Table:        table,
		BatchSize:    l.BatchSize,
		RowsTotal:    int64(ds.Len()),
		BatchesTotal: BatchCount(ds.Len(), l.BatchSize),
	}

	batches, err := Partition(ds, l.BatchSize)
	if err != nil {
		return rep, err
	}

	finish := func(err error) (Report, error) {
		rep.Duration = time.Since(start)
		rep.normalize()
		obs.Observe(Event{Kind: StageDone, Stage: "load", Table: table, Worker: -1, Batch: -1, Rows: int(rep.RowsCommitted), ErrKind: loaderr.KindOf(err), Err: err, Duration: rep.Duration})
		return rep, err
	}

	s, err := l.Opener.Open(ctx)
	if err != nil {
		err = loaderr.E(loaderr.KindConnection, op, err)
		rep.WorkerFailures = append(rep.WorkerFailures, WorkerFailure{Worker: 0, Kind: loaderr.KindConnection, Err: err.Error(), BatchIndex: -1})
		return finish(err)
	}
	defer func() { _ = s.Close(context.WithoutCancel(ctx)) }()

	columns := ds.Columns()
	done := make([]uint32, 0, rep.BatchesTotal)
	var pending int64

	for b := range batches {
		if err := ctx.Err(); err != nil {
			return finish(loaderr.E(loaderr.KindConnection, op, err))
		}
		if l.Skip != nil && l.Skip(b.Index) {
			rep.BatchesSkipped++
			continue
		}

		rep.RowsAttempted += int64(len(b.Rows))
		bstart := time.Now()
		if _, err := storage.InsertRows(ctx, s, d, table, columns, b.Rows); err != nil {
			kind := classifyOr(d, err, loaderr.KindInsert)
			rep.FailedBatches = append(rep.FailedBatches, FailedBatch{BatchIndex: b.Index, Offset: b.Offset, Rows: len(b.Rows), Worker: 0, Kind: kind, Err: err.Error()})
			obs.Observe(Event{Kind: BatchFailed, Table: table, Worker: 0, Batch: b.Index, Rows: len(b.Rows), ErrKind: kind, Err: err, Duration: time.Since(bstart)})
			return finish(loaderr.E(kind, op, fmt.Errorf("batch %d: %w", b.Index, err)))
		}
		pending += int64(len(b.Rows))
		done = append(done, uint32(b.Index))
	}

	if err := s.Commit(ctx); err != nil {
		kind := classifyOr(d, err, loaderr.KindConnection)
		rep.WorkerFailures = append(rep.WorkerFailures, WorkerFailure{Worker: 0, Kind: kind, Err: err.Error(), BatchIndex: -1})
		return finish(loaderr.E(kind, op, fmt.Errorf("commit: %w", err)))
	}

	rep.RowsCommitted = pending
	rep.BatchesCommitted = len(done)
	rep.Committed = roaring.BitmapOf(done...)
	return finish(nil)
}
