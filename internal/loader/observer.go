package loader

import (
	"fmt"
	"log"
	"strings"
	"time"

	"bulkload/internal/loaderr"
	"bulkload/internal/metrics"
)

// EventKind names something that happened during a load.
type EventKind int

const (
	StageDone EventKind = iota
	WorkerStarted
	WorkerStopped
	BatchQueued
	BatchDequeued
	BatchCommitted
	BatchFailed
	WorkerFailed
	TableCreated
	TableExists
	TableConflict
)

var eventNames = [...]string{
	StageDone:      "stage_done",
	WorkerStarted:  "worker_started",
	WorkerStopped:  "worker_stopped",
	BatchQueued:    "batch_queued",
	BatchDequeued:  "batch_dequeued",
	BatchCommitted: "batch_committed",
	BatchFailed:    "batch_failed",
	WorkerFailed:   "worker_failed",
	TableCreated:   "table_created",
	TableExists:    "table_exists",
	TableConflict:  "table_conflict",
}

func (k EventKind) String() string {
	if k >= 0 && int(k) < len(eventNames) {
		return eventNames[k]
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is one structured observation. Fields that do not apply are zero;
// Worker and Batch are -1 when not applicable.
type Event struct {
	Kind     EventKind
	Stage    string
	Table    string
	Worker   int
	Batch    int
	Rows     int
	ErrKind  loaderr.Kind
	Err      error
	Duration time.Duration
}

// Observer receives events. Engine workers call it concurrently, so
// implementations must be safe for concurrent use.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// Observers fans each event out to every non-nil observer in order.
type Observers []Observer

func (obs Observers) Observe(e Event) {
	for _, o := range obs {
		if o != nil {
			o.Observe(e)
		}
	}
}

type nopObserver struct{}

func (nopObserver) Observe(Event) {}

func orNop(o Observer) Observer {
	if o == nil {
		return nopObserver{}
	}
	return o
}

// Logger is the minimal logging interface used by LogObserver.
//
// It is intentionally compatible with *log.Logger.
type Logger interface {
	Printf(format string, v ...any)
}

// LogObserver renders events as key=value log lines.
//
// Batch-level events are only logged when Verbose is set; table, worker
// failure and stage events are always logged.
type LogObserver struct {
	Logger  Logger
	Verbose bool
}

func (o LogObserver) Observe(e Event) {
	lg := o.Logger
	if lg == nil {
		lg = log.New(discardWriter{}, "", 0)
	}

	switch e.Kind {
	case BatchQueued, BatchDequeued, BatchCommitted, WorkerStarted, WorkerStopped:
		if !o.Verbose {
			return
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "event=%s", e.Kind)
	if e.Stage != "" {
		fmt.Fprintf(&b, " stage=%s", e.Stage)
	}
	if e.Table != "" {
		fmt.Fprintf(&b, " table=%s", e.Table)
	}
	if e.Worker >= 0 && workerEvent(e.Kind) {
		fmt.Fprintf(&b, " worker=%d", e.Worker)
	}
	if e.Batch >= 0 && batchEvent(e.Kind) {
		fmt.Fprintf(&b, " batch=%d", e.Batch)
	}
	if e.Rows > 0 {
		fmt.Fprintf(&b, " rows=%d", e.Rows)
	}
	if e.Duration > 0 {
		fmt.Fprintf(&b, " duration=%s", e.Duration.Truncate(time.Millisecond))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, " status=error kind=%s err=%q", e.ErrKind, e.Err.Error())
	} else if e.Kind == StageDone || e.Kind == BatchCommitted {
		b.WriteString(" status=ok")
	}
	lg.Printf("%s", b.String())
}

func workerEvent(k EventKind) bool {
	switch k {
	case WorkerStarted, WorkerStopped, WorkerFailed, BatchDequeued, BatchCommitted, BatchFailed:
		return true
	}
	return false
}

func batchEvent(k EventKind) bool {
	switch k {
	case BatchQueued, BatchDequeued, BatchCommitted, BatchFailed, WorkerFailed:
		return true
	}
	return false
}

// MetricsObserver forwards events to the process-wide metrics backend.
type MetricsObserver struct {
	Job string
}

func (o MetricsObserver) Observe(e Event) {
	job := o.Job
	if job == "" {
		job = "unknown"
	}

	switch e.Kind {
	case BatchCommitted:
		metrics.IncCounter("bulkload_batches_total", 1, metrics.Labels{"job": job, "status": "ok"})
		metrics.IncCounter("bulkload_rows_total", float64(e.Rows), metrics.Labels{"job": job, "kind": "committed"})
		metrics.ObserveHistogram("bulkload_batch_duration_seconds", e.Duration.Seconds(), metrics.Labels{"job": job, "status": "ok"})
	case BatchFailed:
		metrics.IncCounter("bulkload_batches_total", 1, metrics.Labels{"job": job, "status": "error"})
		metrics.ObserveHistogram("bulkload_batch_duration_seconds", e.Duration.Seconds(), metrics.Labels{"job": job, "status": "error"})
	case BatchDequeued:
		metrics.IncCounter("bulkload_rows_total", float64(e.Rows), metrics.Labels{"job": job, "kind": "attempted"})
	case WorkerFailed:
		metrics.IncCounter("bulkload_worker_failures_total", 1, metrics.Labels{"job": job, "kind": e.ErrKind.String()})
	case StageDone:
		status := "ok"
		if e.Err != nil {
			status = "error"
		}
		metrics.ObserveHistogram("bulkload_stage_duration_seconds", e.Duration.Seconds(), metrics.Labels{"job": job, "stage": e.Stage, "status": status})
	}
}

// discardWriter is an io.Writer that drops all writes.
type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
