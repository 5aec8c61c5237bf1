// Package pipeline runs one load job end to end:
//
//	validate job → load profile → read source → infer mapping →
//	ensure table → load → journal what did not commit
//
// Each stage is timed, logged as "stage=<name> ok duration=<d>" and reported
// to the observer as a StageDone event.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/uuid"

	"bulkload/internal/config"
	"bulkload/internal/dataset"
	"bulkload/internal/loader"
	"bulkload/internal/loaderr"
	"bulkload/internal/replay"
	"bulkload/internal/schema"
	"bulkload/internal/source"
	"bulkload/internal/storage"
)

// Logger is the minimal logging interface used by the runner.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Runner executes jobs. The function fields are seams; NewDefaultRunner
// fills them with the production implementations.
type Runner struct {
	NewBackend  func(ctx context.Context, cfg storage.Config) (storage.Backend, error)
	LoadSource  func(ctx context.Context, src config.Source) (*dataset.Dataset, error)
	OpenJournal func(path string) (*replay.Journal, error)
	NewRunID    func() string
	Now         func() time.Time

	Logger   Logger
	Observer loader.Observer

	// ResumeFrom is a journaled run id. Batches that run committed are
	// skipped, and its batch size is reused so indexes line up.
	ResumeFrom string

	// JobFile is recorded in run records so a later replay can find the job.
	JobFile string
}

// NewDefaultRunner returns a Runner wired to the registered storage backends,
// the source readers and a Badger journal.
func NewDefaultRunner() *Runner {
	return &Runner{
		NewBackend:  storage.New,
		LoadSource:  source.Load,
		OpenJournal: replay.Open,
		NewRunID:    uuid.NewString,
		Now:         time.Now,
	}
}

// Plan is what a job would do, computed without touching the destination.
type Plan struct {
	Kind    string
	Dataset *dataset.Dataset
	TypeMap schema.TypeMap
	Mapping schema.Mapping
	Spec    storage.TableSpec
}

// withSessionCapacity raises cfg.MaxSessions so every load worker and the
// table manager each hold a session at once. A smaller max_sessions would
// park the extra workers on the pool until the others had drained the queue.
func withSessionCapacity(cfg storage.Config, load config.Load, logf func(format string, v ...any)) storage.Config {
	need := 1
	if load.Mode == "concurrent" {
		need = load.Workers
	}
	need++
	if cfg.MaxSessions < need {
		if cfg.MaxSessions > 0 {
			logf("sessions: raising max_sessions from %d to %d for %d workers", cfg.MaxSessions, need, need-1)
		}
		cfg.MaxSessions = need
	}
	return cfg
}

func (r *Runner) logger() func(format string, v ...any) {
	if r.Logger == nil {
		return log.New(discardWriter{}, "", 0).Printf
	}
	return r.Logger.Printf
}

func (r *Runner) observer() loader.Observer { return loader.Observers{r.Observer} }

func (r *Runner) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

// stage times fn, logs the outcome and emits a StageDone event.
func (r *Runner) stage(name, table string, fn func() (rows int, err error)) error {
	start := time.Now()
	rows, err := fn()
	dur := time.Since(start)

	logf := r.logger()
	if err != nil {
		logf("stage=%s status=error duration=%s kind=%s err=%v", name, durMS(dur), loaderr.KindOf(err), err)
	} else {
		logf("stage=%s ok duration=%s rows=%d", name, durMS(dur), rows)
	}
	r.observer().Observe(loader.Event{Kind: loader.StageDone, Stage: name, Table: table, Worker: -1, Batch: -1, Rows: rows, ErrKind: loaderr.KindOf(err), Err: err, Duration: dur})
	return err
}

// prepared is everything the load needs that can be computed before the
// destination is contacted.
type prepared struct {
	job     config.Job
	profile config.Profile
	storage storage.Config
	ds      *dataset.Dataset
}

func (r *Runner) prepare(ctx context.Context, job config.Job) (prepared, error) {
	job.ApplyDefaults()
	if err := job.Validate(); err != nil {
		return prepared{}, err
	}

	p := prepared{job: job}
	var err error
	if p.profile, err = config.LoadProfile(job.Target.Profiles, job.Target.Profile, nil); err != nil {
		return prepared{}, err
	}
	if p.storage, err = p.profile.StorageConfig(); err != nil {
		return prepared{}, err
	}

	err = r.stage("source", job.Target.Table, func() (int, error) {
		ds, err := r.LoadSource(ctx, job.Source)
		if err != nil {
			return 0, err
		}
		p.ds = ds
		return ds.Len(), nil
	})
	return p, err
}

func buildSpec(job config.Job, ds *dataset.Dataset, base schema.TypeMap) (schema.TypeMap, schema.Mapping, storage.TableSpec, error) {
	tm, err := base.WithOverrides(job.Target.TypeMap)
	if err != nil {
		return schema.TypeMap{}, nil, storage.TableSpec{}, err
	}
	m := schema.Infer(ds, tm)
	spec, err := loader.TableSpecFor(job.Target.Schema, job.Target.Table, m, job.Target.PrimaryKey)
	if err != nil {
		return schema.TypeMap{}, nil, storage.TableSpec{}, err
	}
	return tm, m, spec, nil
}

// Plan validates the job, reads the source and infers the table structure
// using the predefined type map of the profile's kind. It never connects to
// the destination.
func (r *Runner) Plan(ctx context.Context, job config.Job) (Plan, error) {
	p, err := r.prepare(ctx, job)
	if err != nil {
		return Plan{}, err
	}
	base, ok := schema.ForDialect(p.storage.Kind)
	if !ok {
		return Plan{}, loaderr.Errorf(loaderr.KindConfig, "pipeline.Plan", "no type map for kind %q", p.storage.Kind)
	}
	tm, m, spec, err := buildSpec(p.job, p.ds, base)
	if err != nil {
		return Plan{}, err
	}
	return Plan{Kind: p.storage.Kind, Dataset: p.ds, TypeMap: tm, Mapping: m, Spec: spec}, nil
}

// Run executes the job and returns the load report.
//
// Errors:
//   - ConfigError for anything wrong with the job, profile or source. These
//     are raised before any destination I/O.
//   - SchemaConflict when target.mode is create_strict and the table exists.
//   - The load's own error (see loader.Report.Err) when batches failed.
//
// When the job has a journal, the run record and every batch that did not
// commit are saved even if the load failed.
func (r *Runner) Run(ctx context.Context, job config.Job) (loader.Report, error) {
	const op = "pipeline.Run"
	logf := r.logger()
	started := r.now()

	p, err := r.prepare(ctx, job)
	if err != nil {
		return loader.Report{}, err
	}
	job = p.job

	journal, resume, err := r.openJournal(job)
	if err != nil {
		return loader.Report{}, err
	}
	if journal != nil {
		defer func() {
			if cerr := journal.Close(); cerr != nil {
				logf("journal close error: %v", cerr)
			}
		}()
	}

	scfg := withSessionCapacity(p.storage, job.Load, logf)
	backend, err := r.NewBackend(ctx, scfg)
	if err != nil {
		if loaderr.KindOf(err) != loaderr.KindUnknown {
			return loader.Report{}, err
		}
		return loader.Report{}, loaderr.E(loaderr.KindConnection, op, fmt.Errorf("open %s backend: %w", scfg.Kind, err))
	}
	defer func() {
		if cerr := backend.Close(); cerr != nil {
			logf("backend close error: %v", cerr)
		}
	}()

	_, mapping, spec, err := buildSpec(job, p.ds, backend.Dialect().TypeMap())
	if err != nil {
		return loader.Report{}, err
	}
	logf("stage=infer ok columns=%d mapping=%s", len(mapping), jsonString(mapping))

	mode, _ := job.Target.TableMode()
	tm := loader.TableManager{Backend: backend, Observer: r.Observer}
	err = r.stage("table", job.Target.Table, func() (int, error) {
		out, err := tm.Ensure(ctx, spec, mode)
		if err == nil {
			logf("stage=table mode=%s created=%t existed=%t", mode, out.Created, out.Existed)
		}
		return 0, err
	})
	if err != nil {
		return loader.Report{}, err
	}

	batchSize := job.Load.BatchSize
	var skip func(int) bool
	if resume != nil {
		if resume.BatchSize != batchSize {
			logf("resume: using batch_size=%d from run %s (job has %d)", resume.BatchSize, resume.ID, batchSize)
			batchSize = resume.BatchSize
		}
		done := resume.Committed
		skip = func(i int) bool { return done.Contains(uint32(i)) }
	}

	target := loader.Target{Schema: job.Target.Schema, Table: job.Target.Table}
	var rep loader.Report
	var loadErr error
	if job.Load.Mode == "sequential" {
		rep, loadErr = loader.SequentialLoader{Opener: backend, BatchSize: batchSize, Observer: r.Observer, Skip: skip}.Load(ctx, p.ds, target)
	} else {
		rep, loadErr = loader.Engine{
			Opener:        backend,
			Workers:       job.Load.Workers,
			QueueCapacity: job.Load.QueueCapacity,
			BatchSize:     batchSize,
			Observer:      r.Observer,
			Skip:          skip,
		}.Load(ctx, p.ds, target)
	}
	rep.RunID = r.newRunID()
	if loadErr != nil {
		logf("stage=load status=error duration=%s committed=%d/%d kind=%s", durMS(rep.Duration), rep.RowsCommitted, rep.RowsTotal, loaderr.KindOf(loadErr))
	} else {
		logf("stage=load ok duration=%s rows=%d batches=%d skipped=%d", durMS(rep.Duration), rep.RowsCommitted, rep.BatchesCommitted, rep.BatchesSkipped)
	}

	if journal != nil {
		run := runRecord(job, r.JobFile, rep, resume, started, r.now(), loadErr)
		jerr := r.stage("journal", job.Target.Table, func() (int, error) {
			return journalRun(journal, run, job, p.ds, rep)
		})
		if jerr != nil {
			loadErr = errors.Join(loadErr, jerr)
		}
	}
	return rep, loadErr
}

func (r *Runner) newRunID() string {
	if r.NewRunID == nil {
		return uuid.NewString()
	}
	return r.NewRunID()
}

// openJournal opens the job's journal and, when resuming, reads the run to
// resume from. Resuming requires a journal.
func (r *Runner) openJournal(job config.Job) (*replay.Journal, *replay.RunRecord, error) {
	const op = "pipeline.journal"

	if job.Journal.Path == "" {
		if r.ResumeFrom != "" {
			return nil, nil, loaderr.Errorf(loaderr.KindConfig, op, "resume needs journal.path")
		}
		return nil, nil, nil
	}

	j, err := r.OpenJournal(job.Journal.Path)
	if err != nil {
		return nil, nil, loaderr.E(loaderr.KindConfig, op, err)
	}
	if r.ResumeFrom == "" {
		return j, nil, nil
	}

	rec, err := j.Run(r.ResumeFrom)
	if err != nil {
		_ = j.Close()
		return nil, nil, loaderr.E(loaderr.KindConfig, op, err)
	}
	if rec.Table != job.Target.Table || rec.Schema != job.Target.Schema {
		_ = j.Close()
		return nil, nil, loaderr.Errorf(loaderr.KindConfig, op, "run %s loaded %s.%s, job targets %s.%s", rec.ID, rec.Schema, rec.Table, job.Target.Schema, job.Target.Table)
	}
	return j, &rec, nil
}

// runRecord builds the journal entry for a finished load. The committed set
// includes what the resumed run had already committed.
func runRecord(job config.Job, jobFile string, rep loader.Report, resume *replay.RunRecord, started, finished time.Time, loadErr error) replay.RunRecord {
	committed := roaring.New()
	if rep.Committed != nil {
		committed.Or(rep.Committed)
	}
	rec := replay.RunRecord{
		ID:               rep.RunID,
		Job:              job.Name,
		JobFile:          jobFile,
		Schema:           job.Target.Schema,
		Table:            job.Target.Table,
		LoadMode:         rep.Mode,
		BatchSize:        rep.BatchSize,
		RowsTotal:        rep.RowsTotal,
		RowsCommitted:    rep.RowsCommitted,
		BatchesTotal:     rep.BatchesTotal,
		BatchesCommitted: rep.BatchesCommitted,
		BatchesSkipped:   rep.BatchesSkipped,
		StartedAt:        started.UTC(),
		FinishedAt:       finished.UTC(),
	}
	if resume != nil {
		committed.Or(resume.Committed)
		rec.ResumedFrom = resume.ID
	}
	rec.Committed = committed
	if loadErr != nil {
		rec.Err = loadErr.Error()
	}

	failed := make(map[int]bool, len(rep.FailedBatches))
	for _, fb := range rep.FailedBatches {
		failed[fb.BatchIndex] = true
		rec.Failed = append(rec.Failed, fb.BatchIndex)
	}
	for i := 0; i < rep.BatchesTotal; i++ {
		if !committed.Contains(uint32(i)) && !failed[i] {
			rec.Unattempted = append(rec.Unattempted, i)
		}
	}
	return rec
}

// journalRun saves the run and every batch it left uncommitted. It returns
// the number of journaled batches.
func journalRun(j *replay.Journal, run replay.RunRecord, job config.Job, ds *dataset.Dataset, rep loader.Report) (int, error) {
	if err := j.SaveRun(run); err != nil {
		return 0, err
	}

	reasons := make(map[int]loader.FailedBatch, len(rep.FailedBatches))
	for _, fb := range rep.FailedBatches {
		reasons[fb.BatchIndex] = fb
	}

	columns := ds.Columns()
	n := 0
	for _, idx := range append(append([]int(nil), run.Failed...), run.Unattempted...) {
		offset := idx * rep.BatchSize
		b := replay.BatchRecord{
			RunID:      run.ID,
			Schema:     job.Target.Schema,
			Table:      job.Target.Table,
			Columns:    columns,
			BatchIndex: idx,
			Offset:     offset,
			Err:        "not committed",
			Rows:       ds.Slice(offset, offset+rep.BatchSize),
			At:         run.FinishedAt,
		}
		if fb, ok := reasons[idx]; ok {
			b.Kind = fb.Kind
			b.Err = fb.Err
		}
		if err := j.SaveBatch(b); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func jsonString(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func durMS(d time.Duration) time.Duration { return d.Truncate(time.Millisecond) }

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
