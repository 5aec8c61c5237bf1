package loader

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"bulkload/internal/loaderr"
)

// Target names the destination table. Columns come from the dataset.
type Target struct {
	Schema string
	Table  string
}

// WorkerState is a worker's position in its lifecycle.
type WorkerState int

const (
	Idle WorkerState = iota
	Processing
	Terminated
	Failed
)

func (s WorkerState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Processing:
		return "processing"
	case Terminated:
		return "terminated"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("WorkerState(%d)", int(s))
	}
}

func (s WorkerState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// FailedBatch identifies one batch that was attempted and not committed.
type FailedBatch struct {
	BatchIndex int          `json:"batch_index"`
	Offset     int          `json:"offset"`
	Rows       int          `json:"rows"`
	Worker     int          `json:"worker"`
	Kind       loaderr.Kind `json:"error_kind"`
	Err        string       `json:"error"`
}

// WorkerFailure records why a worker stopped early. BatchIndex is -1 when the
// failure was not tied to a batch (open or close).
type WorkerFailure struct {
	Worker     int          `json:"worker"`
	Kind       loaderr.Kind `json:"error_kind"`
	Err        string       `json:"error"`
	BatchIndex int          `json:"batch_index"`
}

// WorkerSummary is one worker's final tally.
type WorkerSummary struct {
	Worker           int         `json:"worker"`
	State            WorkerState `json:"state"`
	BatchesCommitted int         `json:"batches_committed"`
	RowsCommitted    int64       `json:"rows_committed"`
}

// Report aggregates a load. RowsAttempted counts rows in batches a worker
// dequeued; RowsCommitted counts rows in batches that committed.
type Report struct {
	RunID            string          `json:"run_id,omitempty"`
	Mode             string          `json:"mode"`
	Table            string          `json:"table"`
	BatchSize        int             `json:"batch_size"`
	RowsTotal        int64           `json:"rows_total"`
	RowsAttempted    int64           `json:"rows_attempted"`
	RowsCommitted    int64           `json:"rows_committed"`
	BatchesTotal     int             `json:"batches_total"`
	BatchesCommitted int             `json:"batches_committed"`
	BatchesSkipped   int             `json:"batches_skipped"`
	FailedBatches    []FailedBatch   `json:"failed_batches"`
	WorkerFailures   []WorkerFailure `json:"worker_failures"`
	Unattempted      []int           `json:"unattempted_batches,omitempty"`
	Workers          []WorkerSummary `json:"workers,omitempty"`
	Committed        *roaring.Bitmap `json:"-"`
	Duration         time.Duration   `json:"duration_ns"`
}

// OK reports whether every batch that was not skipped committed.
func (r Report) OK() bool {
	return len(r.FailedBatches) == 0 && len(r.WorkerFailures) == 0 && len(r.Unattempted) == 0
}

// Err summarizes failures as one error, or nil when OK. The kind is that of
// the first failed batch, else the first worker failure.
func (r Report) Err() error {
	if r.OK() {
		return nil
	}
	kind := loaderr.KindUnknown
	var errs []error
	for _, fb := range r.FailedBatches {
		if kind == loaderr.KindUnknown {
			kind = fb.Kind
		}
		errs = append(errs, fmt.Errorf("batch %d (offset %d, %d rows, worker %d): %s: %s", fb.BatchIndex, fb.Offset, fb.Rows, fb.Worker, fb.Kind, fb.Err))
	}
	for _, wf := range r.WorkerFailures {
		if kind == loaderr.KindUnknown {
			kind = wf.Kind
		}
		errs = append(errs, fmt.Errorf("worker %d: %s: %s", wf.Worker, wf.Kind, wf.Err))
	}
	if n := len(r.Unattempted); n > 0 {
		errs = append(errs, fmt.Errorf("%d batches not attempted", n))
	}
	return loaderr.E(kind, "load "+r.Table, errors.Join(errs...))
}

// normalize sorts failure lists by batch/worker so reports are stable.
func (r *Report) normalize() {
	sort.Slice(r.FailedBatches, func(i, j int) bool { return r.FailedBatches[i].BatchIndex < r.FailedBatches[j].BatchIndex })
	sort.Slice(r.WorkerFailures, func(i, j int) bool { return r.WorkerFailures[i].Worker < r.WorkerFailures[j].Worker })
	sort.Ints(r.Unattempted)
	if r.FailedBatches == nil {
		r.FailedBatches = []FailedBatch{}
	}
	if r.WorkerFailures == nil {
		r.WorkerFailures = []WorkerFailure{}
	}
	if r.Committed == nil {
		r.Committed = roaring.New()
	}
}
