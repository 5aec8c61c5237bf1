package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/panjf2000/ants/v2"

	"bulkload/internal/dataset"
	"bulkload/internal/loaderr"
	"bulkload/internal/storage"
)

// Engine loads batches concurrently through a fixed pool of workers, each
// owning one session, fed by a bounded queue.
//
// Lifecycle:
//   - Every worker opens its session before taking work. A worker that cannot
//     open one is reported and exits.
//   - Each batch commits in its own transaction. Committed batches stay
//     committed whatever happens to the rest of the load.
//   - A worker whose batch fails acknowledges that batch and exits. Its
//     siblings keep draining the queue.
//   - After the last batch the producer enqueues one poison marker per worker
//     and waits until every enqueued item has been acknowledged.
//
// Cancelling ctx stops enqueueing new batches. Batches already queued are
// still processed, with sessions running under context.WithoutCancel.
type Engine struct {
	Opener Opener

	// Workers is the number of concurrent sessions. Must be >= 1.
	Workers int

	// QueueCapacity bounds how many items may wait in the queue.
	// 0 means 2*Workers.
	QueueCapacity int

	// BatchSize is the maximum rows per batch. Must be >= 1.
	BatchSize int

	Observer Observer

	// Skip, when set, excludes batches from the load (e.g. batches already
	// committed by an earlier run). Skipped batches are counted in the report.
	Skip func(batchIndex int) bool
}

// workItem is a batch to insert or, when poison is set, a stop signal.
type workItem struct {
	batch  Batch
	poison bool
}

// workerResult is written only by its own worker and read after it exits.
type workerResult struct {
	summary   WorkerSummary
	failed    []FailedBatch
	failure   *WorkerFailure
	attempted int64
	committed *roaring.Bitmap
}

func (r *workerResult) fail(kind loaderr.Kind, batchIndex int, err error) {
	r.summary.State = Failed
	if r.failure == nil {
		r.failure = &WorkerFailure{Worker: r.summary.Worker, Kind: kind, Err: err.Error(), BatchIndex: batchIndex}
	}
}

// Load runs the protocol and returns the aggregated report. The error is
// non-nil when any batch failed, any worker failed, any batch was left
// unattempted, or the configuration is invalid.
func (e Engine) Load(ctx context.Context, ds *dataset.Dataset, target Target) (Report, error) {
	const op = "loader.Engine"
	start := time.Now()
	obs := orNop(e.Observer)

	workers := e.Workers
	if workers < 1 {
		return Report{}, loaderr.Errorf(loaderr.KindConfig, op, "workers must be >= 1, got %d", workers)
	}
	capacity := e.QueueCapacity
	if capacity < 0 {
		return Report{}, loaderr.Errorf(loaderr.KindConfig, op, "queue capacity must be >= 0, got %d", capacity)
	}
	if capacity == 0 {
		capacity = 2 * workers
	}
	batches, err := Partition(ds, e.BatchSize)
	if err != nil {
		return Report{}, err
	}

	d := e.Opener.Dialect()
	table := d.TableName(target.Schema, target.Table)
	columns := ds.Columns()
	rep := Report{
		Mode:         "concurrent",
		Table:        table,
		BatchSize:    e.BatchSize,
		RowsTotal:    int64(ds.Len()),
		BatchesTotal: BatchCount(ds.Len(), e.BatchSize),
	}

	pool, err := ants.NewPool(workers)
	if err != nil {
		return rep, loaderr.E(loaderr.KindConfig, op, err)
	}
	defer pool.Release()

	// Sessions outlive ctx cancellation so in-flight batches finish cleanly.
	sctx := context.WithoutCancel(ctx)

	queue := make(chan workItem, capacity)
	var items sync.WaitGroup // completion barrier: one count per enqueued item
	var exited sync.WaitGroup
	allExited := make(chan struct{})
	results := make([]workerResult, workers)

	worker := func(w int) {
		res := &results[w]
		res.summary = WorkerSummary{Worker: w, State: Idle}
		res.committed = roaring.New()
		inFlight := false
		// current is the dequeued batch whose outcome is not recorded yet.
		var current *Batch

		defer exited.Done()
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("worker panic: %v", r)
				if current != nil {
					b := *current
					res.failed = append(res.failed, FailedBatch{BatchIndex: b.Index, Offset: b.Offset, Rows: len(b.Rows), Worker: w, Kind: loaderr.KindUnknown, Err: err.Error()})
					res.fail(loaderr.KindUnknown, b.Index, err)
				} else {
					res.fail(loaderr.KindUnknown, -1, err)
				}
				if inFlight {
					items.Done()
				}
			}
		}()

		s, err := e.Opener.Open(sctx)
		if err != nil {
			kind := classifyOr(d, err, loaderr.KindConnection)
			res.fail(kind, -1, err)
			obs.Observe(Event{Kind: WorkerFailed, Table: table, Worker: w, Batch: -1, ErrKind: kind, Err: err})
			return
		}
		obs.Observe(Event{Kind: WorkerStarted, Table: table, Worker: w, Batch: -1})

		defer func() {
			if err := s.Close(sctx); err != nil {
				res.fail(loaderr.KindConnection, -1, fmt.Errorf("close session: %w", err))
				obs.Observe(Event{Kind: WorkerFailed, Table: table, Worker: w, Batch: -1, ErrKind: loaderr.KindConnection, Err: err})
			}
			obs.Observe(Event{Kind: WorkerStopped, Table: table, Worker: w, Batch: -1})
		}()

		for item := range queue {
			inFlight = true
			if item.poison {
				res.summary.State = Terminated
				inFlight = false
				items.Done()
				return
			}

			b := item.batch
			current = &b
			res.summary.State = Processing
			res.attempted += int64(len(b.Rows))
			obs.Observe(Event{Kind: BatchDequeued, Table: table, Worker: w, Batch: b.Index, Rows: len(b.Rows)})

			bstart := time.Now()
			kind, err := e.insertBatch(sctx, s, d, table, columns, b)
			dur := time.Since(bstart)
			if err != nil {
				res.failed = append(res.failed, FailedBatch{BatchIndex: b.Index, Offset: b.Offset, Rows: len(b.Rows), Worker: w, Kind: kind, Err: err.Error()})
				current = nil
				res.fail(kind, b.Index, err)
				obs.Observe(Event{Kind: BatchFailed, Table: table, Worker: w, Batch: b.Index, Rows: len(b.Rows), ErrKind: kind, Err: err, Duration: dur})
				obs.Observe(Event{Kind: WorkerFailed, Table: table, Worker: w, Batch: b.Index, ErrKind: kind, Err: err})
				inFlight = false
				items.Done()
				return
			}

			res.committed.Add(uint32(b.Index))
			current = nil
			res.summary.BatchesCommitted++
			res.summary.RowsCommitted += int64(len(b.Rows))
			res.summary.State = Idle
			obs.Observe(Event{Kind: BatchCommitted, Table: table, Worker: w, Batch: b.Index, Rows: len(b.Rows), Duration: dur})
			inFlight = false
			items.Done()
		}
	}

	exited.Add(workers)
	for w := 0; w < workers; w++ {
		if err := pool.Submit(func() { worker(w) }); err != nil {
			results[w].summary = WorkerSummary{Worker: w}
			results[w].committed = roaring.New()
			results[w].fail(loaderr.KindUnknown, -1, fmt.Errorf("start worker: %w", err))
			exited.Done()
		}
	}
	go func() {
		exited.Wait()
		close(allExited)
	}()

	// Producer. Sends block while the queue is full; they give up once no
	// worker is left to receive or, for batches, once ctx is done.
	send := func(it workItem, cancel <-chan struct{}) bool {
		items.Add(1)
		select {
		case queue <- it:
			return true
		case <-allExited:
		case <-cancel:
		}
		items.Done()
		return false
	}

	var unattempted []int
	stopped := false
	for b := range batches {
		if e.Skip != nil && e.Skip(b.Index) {
			rep.BatchesSkipped++
			continue
		}
		if !stopped && ctx.Err() == nil && send(workItem{batch: b}, ctx.Done()) {
			obs.Observe(Event{Kind: BatchQueued, Table: table, Worker: -1, Batch: b.Index, Rows: len(b.Rows)})
			continue
		}
		stopped = true
		unattempted = append(unattempted, b.Index)
	}
	for w := 0; w < workers; w++ {
		if !send(workItem{poison: true}, nil) {
			break
		}
	}

	// Workers exit on poison or failure. Whatever is still queued after the
	// last one exits is acknowledged here so the barrier completes.
	<-allExited
	close(queue)
	for it := range queue {
		if !it.poison {
			unattempted = append(unattempted, it.batch.Index)
		}
		items.Done()
	}
	items.Wait()

	rep.Committed = roaring.New()
	for i := range results {
		r := &results[i]
		rep.RowsAttempted += r.attempted
		rep.RowsCommitted += r.summary.RowsCommitted
		rep.BatchesCommitted += r.summary.BatchesCommitted
		rep.FailedBatches = append(rep.FailedBatches, r.failed...)
		if r.failure != nil {
			rep.WorkerFailures = append(rep.WorkerFailures, *r.failure)
		}
		rep.Workers = append(rep.Workers, r.summary)
		if r.committed != nil {
			rep.Committed.Or(r.committed)
		}
	}
	rep.Unattempted = unattempted
	rep.Duration = time.Since(start)
	rep.normalize()

	err = rep.Err()
	if cerr := ctx.Err(); cerr != nil {
		err = errors.Join(fmt.Errorf("load %s canceled: %w", table, context.Cause(ctx)), err)
	}
	obs.Observe(Event{Kind: StageDone, Stage: "load", Table: table, Worker: -1, Batch: -1, Rows: int(rep.RowsCommitted), ErrKind: loaderr.KindOf(err), Err: err, Duration: rep.Duration})
	return rep, err
}

// insertBatch inserts and commits one batch. Insert errors default to
// InsertError and commit errors to ConnectionError when unclassified.
func (e Engine) insertBatch(ctx context.Context, s storage.Session, d storage.Dialect, table string, columns []string, b Batch) (loaderr.Kind, error) {
	if _, err := storage.InsertRows(ctx, s, d, table, columns, b.Rows); err != nil {
		return classifyOr(d, err, loaderr.KindInsert), fmt.Errorf("insert batch %d: %w", b.Index, err)
	}
	if err := s.Commit(ctx); err != nil {
		return classifyOr(d, err, loaderr.KindConnection), fmt.Errorf("commit batch %d: %w", b.Index, err)
	}
	return loaderr.KindUnknown, nil
}
