package loader

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"bulkload/internal/loaderr"
)

type loadResult struct {
	rep Report
	err error
}

// loadAsync runs e.Load in a goroutine so tests can bound it with a deadline.
func loadAsync(ctx context.Context, e Engine, b *memBackend, n int, dup map[int]int64, t *testing.T) <-chan loadResult {
	t.Helper()
	ds := idDataset(t, n, dup)
	done := make(chan loadResult, 1)
	go func() {
		rep, err := e.Load(ctx, ds, Target{Schema: "public", Table: "people"})
		done <- loadResult{rep, err}
	}()
	return done
}

func wait(t *testing.T, done <-chan loadResult) loadResult {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(10 * time.Second):
		t.Fatalf("Load did not return (deadlock?)")
		return loadResult{}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func assertClosedOnce(t *testing.T, b *memBackend) {
	t.Helper()
	for i, n := range b.closeCounts() {
		if n != 1 {
			t.Fatalf("session %d closed %d times, want 1", i, n)
		}
	}
}

func TestEngine_AllBatchesCommit(t *testing.T) {
	t.Parallel()

	b := newMemBackend(2)
	events := &eventLog{}
	e := Engine{Opener: b, Workers: 2, BatchSize: 3, Observer: events}

	r := wait(t, loadAsync(context.Background(), e, b, 10, nil, t))
	if r.err != nil {
		t.Fatalf("Load err=%v", r.err)
	}

	rep := r.rep
	if rep.RowsCommitted != 10 || rep.BatchesCommitted != 4 || rep.BatchesTotal != 4 {
		t.Fatalf("committed rows=%d batches=%d/%d, want 10 4/4", rep.RowsCommitted, rep.BatchesCommitted, rep.BatchesTotal)
	}
	if rep.RowsAttempted != 10 || rep.RowsTotal != 10 {
		t.Fatalf("attempted=%d total=%d, want 10 10", rep.RowsAttempted, rep.RowsTotal)
	}
	if b.rows() != 10 {
		t.Fatalf("destination rows=%d, want 10", b.rows())
	}
	if got := rep.Committed.GetCardinality(); got != 4 {
		t.Fatalf("committed bitmap cardinality=%d, want 4", got)
	}
	if !rep.OK() || len(rep.FailedBatches) != 0 || len(rep.WorkerFailures) != 0 {
		t.Fatalf("report not OK: %+v", rep)
	}
	if b.commits.Load() != 4 {
		t.Fatalf("commits=%d, want one per batch (4)", b.commits.Load())
	}
	if b.opens.Load() != 2 {
		t.Fatalf("sessions opened=%d, want 2", b.opens.Load())
	}
	assertClosedOnce(t, b)

	for _, w := range rep.Workers {
		if w.State != Terminated {
			t.Fatalf("worker %d state=%s, want terminated", w.Worker, w.State)
		}
	}
	if n := events.count(WorkerStopped); n != 2 {
		t.Fatalf("worker_stopped events=%d, want 2", n)
	}
	if n := events.count(BatchCommitted); n != 4 {
		t.Fatalf("batch_committed events=%d, want 4", n)
	}
	if done := events.of(StageDone); len(done) != 1 || done[0].Err != nil {
		t.Fatalf("stage_done events=%+v", done)
	}
}

func TestEngine_DuplicateKeyFailsOneBatch(t *testing.T) {
	t.Parallel()

	// Row 4 repeats id 3; both sit in batch 1 (rows 3..5).
	b := newMemBackend(2)
	events := &eventLog{}
	e := Engine{Opener: b, Workers: 2, BatchSize: 3, Observer: events}

	r := wait(t, loadAsync(context.Background(), e, b, 10, map[int]int64{4: 3}, t))
	if r.err == nil {
		t.Fatalf("Load err=nil, want InsertError")
	}
	if !loaderr.Is(r.err, loaderr.KindInsert) {
		t.Fatalf("kind=%s, want InsertError (err=%v)", loaderr.KindOf(r.err), r.err)
	}

	rep := r.rep
	if rep.RowsCommitted != 7 || b.rows() != 7 {
		t.Fatalf("rows committed=%d destination=%d, want 7 7", rep.RowsCommitted, b.rows())
	}
	if len(rep.FailedBatches) != 1 {
		t.Fatalf("failed batches=%+v, want 1", rep.FailedBatches)
	}
	fb := rep.FailedBatches[0]
	if fb.BatchIndex != 1 || fb.Offset != 3 || fb.Rows != 3 || fb.Kind != loaderr.KindInsert {
		t.Fatalf("failed batch=%+v, want index 1 offset 3 rows 3 InsertError", fb)
	}
	if len(rep.WorkerFailures) != 1 || rep.WorkerFailures[0].Worker != fb.Worker || rep.WorkerFailures[0].BatchIndex != 1 {
		t.Fatalf("worker failures=%+v, want the worker that ran batch 1", rep.WorkerFailures)
	}
	if len(rep.Unattempted) != 0 {
		t.Fatalf("unattempted=%v, want none (sibling drains the queue)", rep.Unattempted)
	}
	if rep.Committed.Contains(1) || rep.Committed.GetCardinality() != 3 {
		t.Fatalf("committed bitmap=%v, want {0,2,3}", rep.Committed.ToArray())
	}
	if b.has(int64(4)) || !b.has(int64(9)) {
		t.Fatalf("row 4 must be absent and row 9 present")
	}
	assertClosedOnce(t, b)

	states := map[WorkerState]int{}
	for _, w := range rep.Workers {
		states[w.State]++
	}
	if states[Failed] != 1 || states[Terminated] != 1 {
		t.Fatalf("worker states=%v, want one failed and one terminated", states)
	}
	if n := events.count(BatchFailed); n != 1 {
		t.Fatalf("batch_failed events=%d, want 1", n)
	}
}

func TestEngine_AllWorkersFailWithoutDeadlock(t *testing.T) {
	t.Parallel()

	// Every batch of two rows carries a duplicate, so each worker dies on its
	// first batch and the rest of the queue is never attempted.
	dup := map[int]int64{}
	for i := 1; i < 20; i += 2 {
		dup[i] = int64(i - 1)
	}
	b := newMemBackend(2)
	e := Engine{Opener: b, Workers: 2, QueueCapacity: 1, BatchSize: 2}

	r := wait(t, loadAsync(context.Background(), e, b, 20, dup, t))
	if !loaderr.Is(r.err, loaderr.KindInsert) {
		t.Fatalf("err=%v, want InsertError", r.err)
	}
	rep := r.rep
	if len(rep.FailedBatches) != 2 || len(rep.WorkerFailures) != 2 {
		t.Fatalf("failed=%d worker failures=%d, want 2 2", len(rep.FailedBatches), len(rep.WorkerFailures))
	}
	if got := len(rep.FailedBatches) + len(rep.Unattempted); got != 10 {
		t.Fatalf("failed+unattempted=%d, want 10 (unattempted=%v)", got, rep.Unattempted)
	}
	if rep.RowsCommitted != 0 || b.rows() != 0 {
		t.Fatalf("rows committed=%d destination=%d, want 0", rep.RowsCommitted, b.rows())
	}
	assertClosedOnce(t, b)
}

func TestEngine_BoundedQueueBackpressure(t *testing.T) {
	t.Parallel()

	b := newMemBackend(2)
	b.gate = make(chan struct{})
	events := &eventLog{}
	const workers = 2
	e := Engine{Opener: b, Workers: workers, BatchSize: 1, Observer: events}

	done := loadAsync(context.Background(), e, b, 20, nil, t)

	// Each worker holds one batch; the queue holds 2*workers more.
	want := workers + 2*workers
	eventually(t, "queue to fill", func() bool { return events.count(BatchQueued) == want && events.count(BatchDequeued) == workers })
	time.Sleep(50 * time.Millisecond)
	if q, d := events.count(BatchQueued), events.count(BatchDequeued); q != want || d != workers {
		t.Fatalf("queued=%d dequeued=%d while blocked, want %d %d", q, d, want, workers)
	}

	close(b.gate)
	r := wait(t, done)
	if r.err != nil {
		t.Fatalf("Load err=%v", r.err)
	}
	if r.rep.RowsCommitted != 20 {
		t.Fatalf("rows committed=%d, want 20", r.rep.RowsCommitted)
	}
}

func TestEngine_OpenFailureLeavesSiblingsRunning(t *testing.T) {
	t.Parallel()

	b := newMemBackend(2)
	b.openErr = func(n int) error {
		if n == 0 {
			return errConnLost
		}
		return nil
	}
	events := &eventLog{}
	e := Engine{Opener: b, Workers: 2, BatchSize: 3, Observer: events}

	r := wait(t, loadAsync(context.Background(), e, b, 10, nil, t))
	if !loaderr.Is(r.err, loaderr.KindConnection) {
		t.Fatalf("err=%v, want ConnectionError", r.err)
	}
	rep := r.rep
	if rep.RowsCommitted != 10 || len(rep.FailedBatches) != 0 {
		t.Fatalf("rows committed=%d failed=%v, want 10 and none", rep.RowsCommitted, rep.FailedBatches)
	}
	if len(rep.WorkerFailures) != 1 || rep.WorkerFailures[0].BatchIndex != -1 || rep.WorkerFailures[0].Kind != loaderr.KindConnection {
		t.Fatalf("worker failures=%+v", rep.WorkerFailures)
	}
	if n := events.count(WorkerFailed); n != 1 {
		t.Fatalf("worker_failed events=%d, want 1", n)
	}
	assertClosedOnce(t, b)
}

func TestEngine_NoSessionsMeansNothingAttempted(t *testing.T) {
	t.Parallel()

	b := newMemBackend(2)
	b.openErr = func(int) error { return errConnLost }
	e := Engine{Opener: b, Workers: 3, BatchSize: 2}

	r := wait(t, loadAsync(context.Background(), e, b, 10, nil, t))
	if !loaderr.Is(r.err, loaderr.KindConnection) {
		t.Fatalf("err=%v, want ConnectionError", r.err)
	}
	if len(r.rep.WorkerFailures) != 3 || len(r.rep.Unattempted) != 5 || r.rep.RowsAttempted != 0 {
		t.Fatalf("report=%+v, want 3 worker failures, 5 unattempted, 0 attempted", r.rep)
	}
}

func TestEngine_CommitFailureIsConnectionError(t *testing.T) {
	t.Parallel()

	b := newMemBackend(2)
	b.commitErr = errConnLost
	e := Engine{Opener: b, Workers: 1, BatchSize: 5}

	r := wait(t, loadAsync(context.Background(), e, b, 10, nil, t))
	if !loaderr.Is(r.err, loaderr.KindConnection) {
		t.Fatalf("err=%v, want ConnectionError", r.err)
	}
	if len(r.rep.FailedBatches) != 1 || r.rep.FailedBatches[0].Kind != loaderr.KindConnection {
		t.Fatalf("failed batches=%+v", r.rep.FailedBatches)
	}
	if len(r.rep.Unattempted) != 1 {
		t.Fatalf("unattempted=%v, want [1]", r.rep.Unattempted)
	}
}

func TestEngine_CancelStopsEnqueueing(t *testing.T) {
	t.Parallel()

	b := newMemBackend(2)
	b.gate = make(chan struct{})
	events := &eventLog{}
	e := Engine{Opener: b, Workers: 2, BatchSize: 1, Observer: events}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := loadAsync(ctx, e, b, 20, nil, t)

	eventually(t, "queue to fill", func() bool { return events.count(BatchQueued) == 6 })
	cancel()
	// Let the blocked producer observe the cancellation before a slot frees up.
	time.Sleep(50 * time.Millisecond)
	close(b.gate)

	r := wait(t, done)
	if !errors.Is(r.err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", r.err)
	}
	rep := r.rep
	if rep.BatchesCommitted != 6 {
		t.Fatalf("batches committed=%d, want the 6 already handed out", rep.BatchesCommitted)
	}
	if len(rep.Unattempted) != 14 {
		t.Fatalf("unattempted=%d, want 14", len(rep.Unattempted))
	}
	if b.rows() != 6 {
		t.Fatalf("destination rows=%d, want 6", b.rows())
	}
	assertClosedOnce(t, b)
}

func TestEngine_SkipExcludesBatches(t *testing.T) {
	t.Parallel()

	b := newMemBackend(2)
	e := Engine{Opener: b, Workers: 2, BatchSize: 2, Skip: func(i int) bool { return i%2 == 0 }}

	r := wait(t, loadAsync(context.Background(), e, b, 10, nil, t))
	if r.err != nil {
		t.Fatalf("Load err=%v", r.err)
	}
	rep := r.rep
	if rep.BatchesSkipped != 3 || rep.BatchesCommitted != 2 {
		t.Fatalf("skipped=%d committed=%d, want 3 2", rep.BatchesSkipped, rep.BatchesCommitted)
	}
	if got := rep.Committed.ToArray(); len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("committed bitmap=%v, want [1 3]", got)
	}
	if b.has(int64(0)) || !b.has(int64(2)) {
		t.Fatalf("batch 0 must be skipped and batch 1 loaded")
	}
}

func TestEngine_ConfigErrors(t *testing.T) {
	t.Parallel()

	b := newMemBackend(2)
	ds := idDataset(t, 3, nil)
	tests := []struct {
		name string
		e    Engine
	}{
		{name: "zero_workers", e: Engine{Opener: b, Workers: 0, BatchSize: 1}},
		{name: "negative_capacity", e: Engine{Opener: b, Workers: 1, QueueCapacity: -1, BatchSize: 1}},
		{name: "zero_batch_size", e: Engine{Opener: b, Workers: 1, BatchSize: 0}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.e.Load(context.Background(), ds, Target{Table: "t"})
			if !loaderr.Is(err, loaderr.KindConfig) {
				t.Fatalf("err=%v, want ConfigError", err)
			}
		})
	}
	if b.opens.Load() != 0 {
		t.Fatalf("sessions opened=%d on invalid config, want 0", b.opens.Load())
	}
}

func TestEngine_EmptyDataset(t *testing.T) {
	t.Parallel()

	b := newMemBackend(2)
	e := Engine{Opener: b, Workers: 3, BatchSize: 10}

	r := wait(t, loadAsync(context.Background(), e, b, 0, nil, t))
	if r.err != nil {
		t.Fatalf("Load err=%v", r.err)
	}
	if r.rep.BatchesTotal != 0 || r.rep.RowsCommitted != 0 {
		t.Fatalf("report=%+v, want empty", r.rep)
	}
	assertClosedOnce(t, b)
}

func TestEngine_CommitsEveryRowOnceAcrossShapes(t *testing.T) {
	t.Parallel()

	for workers := 1; workers <= 6; workers++ {
		for _, size := range []int{1, 2, 3, 7, 50} {
			for _, capacity := range []int{0, 1, 3} {
				for _, n := range []int{0, 1, 9, 31} {
					name := fmt.Sprintf("w%d_b%d_q%d_n%d", workers, size, capacity, n)
					t.Run(name, func(t *testing.T) {
						b := newMemBackend(2)
						e := Engine{Opener: b, Workers: workers, QueueCapacity: capacity, BatchSize: size}

						r := wait(t, loadAsync(context.Background(), e, b, n, nil, t))
						if r.err != nil {
							t.Fatalf("Load err=%v", r.err)
						}
						if r.rep.RowsCommitted != int64(n) || b.rows() != n {
							t.Fatalf("rows committed=%d destination=%d, want %d", r.rep.RowsCommitted, b.rows(), n)
						}
						if want := int64(BatchCount(n, size)); b.commits.Load() != want || int64(r.rep.BatchesCommitted) != want {
							t.Fatalf("commits=%d batches committed=%d, want %d", b.commits.Load(), r.rep.BatchesCommitted, want)
						}
						if got := b.opens.Load(); got != int64(workers) {
							t.Fatalf("sessions opened=%d, want %d", got, workers)
						}
						assertClosedOnce(t, b)
					})
				}
			}
		}
	}
}

func TestEngine_WorkerPanicFailsInFlightBatch(t *testing.T) {
	t.Parallel()

	b := newMemBackend(2)
	obs := ObserverFunc(func(ev Event) {
		if ev.Kind == BatchDequeued && ev.Batch == 1 {
			panic("observer exploded")
		}
	})
	e := Engine{Opener: b, Workers: 1, BatchSize: 2, Observer: obs}

	r := wait(t, loadAsync(context.Background(), e, b, 8, nil, t))
	if r.err == nil {
		t.Fatalf("Load err=nil, want the panic reported")
	}
	rep := r.rep
	if len(rep.FailedBatches) != 1 {
		t.Fatalf("failed batches=%+v, want batch 1", rep.FailedBatches)
	}
	fb := rep.FailedBatches[0]
	if fb.BatchIndex != 1 || fb.Offset != 2 || fb.Rows != 2 || fb.Kind != loaderr.KindUnknown {
		t.Fatalf("failed batch=%+v, want index 1 offset 2 rows 2 Unknown", fb)
	}
	if len(rep.WorkerFailures) != 1 || rep.WorkerFailures[0].BatchIndex != 1 {
		t.Fatalf("worker failures=%+v, want one tied to batch 1", rep.WorkerFailures)
	}
	if len(rep.Unattempted) != 2 || rep.Unattempted[0] != 2 || rep.Unattempted[1] != 3 {
		t.Fatalf("unattempted=%v, want [2 3]", rep.Unattempted)
	}
	if rep.RowsCommitted != 2 || b.rows() != 2 {
		t.Fatalf("rows committed=%d destination=%d, want 2", rep.RowsCommitted, b.rows())
	}
	assertClosedOnce(t, b)
}
