// Package datadog implements a Datadog backend for the internal/metrics package.
//
// Flushing:
// Loads can run for minutes. Submitting only at exit would produce a single
// spike per run, so the backend buffers in memory, flushes on a ticker
// (default once per minute) and flushes one last time on Close.
//
// Concurrency model:
//   - loader workers call IncCounter/ObserveHistogram at any time
//   - Flush snapshots and resets the buffers under a mutex, then submits
//     outside the lock
//   - the flush loop calls Flush periodically; Close stops the loop
//
// If the process is killed with SIGKILL/OOM, Close won't run.
package datadog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"bulkload/internal/metrics"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric.
	// If empty, defaults to "bulkload".
	JobName string

	// Tags are extra Datadog tags (e.g. []string{"env:prod", "service:loader"}).
	Tags []string

	// FlushEvery controls how often buffered metrics are submitted.
	// If <= 0, defaults to 60 seconds.
	FlushEvery time.Duration

	// Test seams. Production code leaves them nil.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the subset of *datadogV2.MetricsApi the backend calls.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}
	closeOnce  sync.Once
	closeErr   error

	baseTags []string

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu sync.Mutex

	batchCounts   map[string]float64 // status -> count
	rowCounts     map[string]float64 // kind -> rows
	failureCounts map[string]float64 // error kind -> count

	batchDur map[string][]float64 // status -> seconds
	stageDur map[string][]float64 // stageStatusKey -> seconds
}

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the background flush loop and performs one final Flush.
// Later calls return the first call's result.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		close(b.stopCh)
		<-b.doneCh
		b.closeErr = b.Flush()
	})
	return b.closeErr
}

// NewBackend constructs a Datadog backend using the official client.
//
// When to use:
//   - Selected with -metrics-backend=datadog for loads whose batch and stage
//     timings should land on Datadog dashboards.
//
// Edge cases:
//   - If opts.FlushEvery <= 0, defaults to 60s.
//   - If opts.JobName is empty, defaults to "bulkload".
//   - Environment tag selection uses ENV then DD_ENV, otherwise env:unknown.
//
// Errors:
//   - Returns an error when DD_API_KEY is not set. Network errors surface
//     from Flush, not here.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	job := opts.JobName
	if job == "" {
		job = "bulkload"
	}

	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, resolveEnvTag(), "job:"+job)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}

	submitter := opts.submitter
	if submitter == nil {
		if strings.TrimSpace(os.Getenv("DD_API_KEY")) == "" {
			return nil, wrapInitErr(errors.New("DD_API_KEY is not set"))
		}
		submitter = datadogV2.NewMetricsApi(dd.NewAPIClient(dd.NewConfiguration()))
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),

		baseTags: baseTags,

		now:       nowFn,
		newTicker: newTicker,

		batchCounts:   make(map[string]float64),
		rowCounts:     make(map[string]float64),
		failureCounts: make(map[string]float64),
		batchDur:      make(map[string][]float64),
		stageDur:      make(map[string][]float64),
	}

	go b.loop()
	return b, nil
}

func labelOr(labels metrics.Labels, key, def string) string {
	if v := labels[key]; v != "" {
		return v
	}
	return def
}

// IncCounter implements metrics.Backend. Unknown names are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case "bulkload_batches_total":
		b.batchCounts[labelOr(labels, "status", "unknown")] += delta

	case "bulkload_rows_total":
		kind := labels["kind"]
		if kind == "" {
			return
		}
		b.rowCounts[kind] += delta

	case "bulkload_worker_failures_total":
		b.failureCounts[labelOr(labels, "kind", "unknown")] += delta
	}
}

// ObserveHistogram implements metrics.Backend. Unknown names are ignored.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case "bulkload_batch_duration_seconds":
		status := labelOr(labels, "status", "unknown")
		b.batchDur[status] = append(b.batchDur[status], value)

	case "bulkload_stage_duration_seconds":
		k := stageStatusKey(labels["stage"], labels["status"])
		b.stageDur[k] = append(b.stageDur[k], value)
	}
}

// snapshot is the buffered state detached from the Backend by one Flush.
type snapshot struct {
	batchCounts   map[string]float64
	rowCounts     map[string]float64
	failureCounts map[string]float64
	batchDur      map[string][]float64
	stageDur      map[string][]float64
}

// snapshotAndReset takes the lock, detaches the buffers and installs fresh ones.
func (b *Backend) snapshotAndReset() snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := snapshot{
		batchCounts:   b.batchCounts,
		rowCounts:     b.rowCounts,
		failureCounts: b.failureCounts,
		batchDur:      b.batchDur,
		stageDur:      b.stageDur,
	}

	b.batchCounts = make(map[string]float64)
	b.rowCounts = make(map[string]float64)
	b.failureCounts = make(map[string]float64)
	b.batchDur = make(map[string][]float64)
	b.stageDur = make(map[string][]float64)

	return s
}

func (s snapshot) isEmpty() bool {
	return len(s.batchCounts) == 0 &&
		len(s.rowCounts) == 0 &&
		len(s.failureCounts) == 0 &&
		len(s.batchDur) == 0 &&
		len(s.stageDur) == 0
}

// Flush submits buffered metrics to Datadog and resets local buffers.
//
// Errors:
//   - Returns any error from Datadog submission.
//   - Returns nil if there is nothing to submit.
//
// Edge cases:
//   - Safe to call concurrently with IncCounter/ObserveHistogram.
//   - Buffers are reset even if submission fails; delivery is at most once.
func (b *Backend) Flush() error {
	snap := b.snapshotAndReset()
	if snap.isEmpty() {
		return nil
	}

	payload := datadogV2.MetricPayload{Series: b.buildSeries(snap, b.now().Unix())}
	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

// buildSeries renders a snapshot as Datadog series at a fixed timestamp.
// It is pure: no locks, no network, no clock.
//
// Metric names:
//   - bulkload.batches.total{status}
//   - bulkload.rows.total{kind}
//   - bulkload.worker_failures.total{kind}
//   - bulkload.batch.duration_seconds.{p50,p90,p95,p99,max,samples}{status}
//   - bulkload.stage.duration_seconds.{p50,p90,p95,p99,max,samples}{stage,status}
func (b *Backend) buildSeries(s snapshot, nowUnix int64) []datadogV2.MetricSeries {
	series := make([]datadogV2.MetricSeries, 0, len(s.batchCounts)+len(s.rowCounts)+len(s.failureCounts)+6*(len(s.batchDur)+len(s.stageDur)))

	for _, status := range sortedKeys(s.batchCounts) {
		if v := s.batchCounts[status]; v != 0 {
			series = append(series, countSeries("bulkload.batches.total", v, withTags(b.baseTags, "status:"+status), nowUnix))
		}
	}
	for _, kind := range sortedKeys(s.rowCounts) {
		if v := s.rowCounts[kind]; v != 0 {
			series = append(series, countSeries("bulkload.rows.total", v, withTags(b.baseTags, "kind:"+kind), nowUnix))
		}
	}
	for _, kind := range sortedKeys(s.failureCounts) {
		if v := s.failureCounts[kind]; v != 0 {
			series = append(series, countSeries("bulkload.worker_failures.total", v, withTags(b.baseTags, "kind:"+kind), nowUnix))
		}
	}

	for _, status := range sortedKeys(s.batchDur) {
		addPercentiles(&series, "bulkload.batch.duration_seconds", s.batchDur[status], withTags(b.baseTags, "status:"+status), nowUnix)
	}
	for _, k := range sortedKeys(s.stageDur) {
		stage, status := splitStageStatusKey(k)
		addPercentiles(&series, "bulkload.stage.duration_seconds", s.stageDur[k], withTags(b.baseTags, "stage:"+stage, "status:"+status), nowUnix)
	}

	return series
}

// addPercentiles appends p50/p90/p95/p99/max/samples gauges for a sample set.
//
// Edge cases:
//   - If samples is empty, it does nothing.
//   - It sorts a copy of samples.
func addPercentiles(series *[]datadogV2.MetricSeries, metricPrefix string, samples []float64, tags []string, nowUnix int64) {
	if len(samples) == 0 {
		return
	}
	cp := append([]float64(nil), samples...)
	sort.Float64s(cp)

	*series = append(*series,
		gaugeSeries(metricPrefix+".p50", percentileNearestRank(cp, 0.50), tags, nowUnix),
		gaugeSeries(metricPrefix+".p90", percentileNearestRank(cp, 0.90), tags, nowUnix),
		gaugeSeries(metricPrefix+".p95", percentileNearestRank(cp, 0.95), tags, nowUnix),
		gaugeSeries(metricPrefix+".p99", percentileNearestRank(cp, 0.99), tags, nowUnix),
		gaugeSeries(metricPrefix+".max", cp[len(cp)-1], tags, nowUnix),
		gaugeSeries(metricPrefix+".samples", float64(len(cp)), tags, nowUnix),
	)
}

func countSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_COUNT.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func gaugeSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_GAUGE.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func stageStatusKey(stage, status string) string {
	return stage + "\x00" + status
}

func splitStageStatusKey(k string) (stage, status string) {
	parts := strings.SplitN(k, "\x00", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return k, "unknown"
}

func withTags(base []string, extras ...string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	out = append(out, extras...)
	return out
}

func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return s[0]
	}
	if p >= 1 {
		return s[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	if idx >= n {
		idx = n - 1
	}
	return s[idx]
}

var (
	_ metrics.Backend = (*Backend)(nil)
	_ metrics.Flusher = (*Backend)(nil)
)

// ParseTagsCSV parses comma-separated tags like "env:prod,service:loader".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func wrapInitErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("datadog metrics init: %w", err)
}
