package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"bulkload/internal/config"
	"bulkload/internal/dataset"
	"bulkload/internal/loader"
	"bulkload/internal/loaderr"
	"bulkload/internal/replay"
)

// ReplayResult tallies one replay of a journaled run.
type ReplayResult struct {
	RunID         string `json:"run_id"`
	Applied       []int  `json:"applied"`
	Failed        []int  `json:"failed"`
	RowsCommitted int64  `json:"rows_committed"`
}

// Replay inserts every journaled batch of runID into the job's target, one
// transaction per batch. A batch that commits is removed from the journal
// and added to the run's committed set; one that fails stays journaled with
// its latest error. The table is not created or checked.
//
// Errors:
//   - ConfigError for an invalid job, an unknown run, or a run that loaded a
//     different table than the job targets.
//   - ConnectionError when the destination cannot be reached.
//   - The kind of the first failing batch when any batch failed.
func (r *Runner) Replay(ctx context.Context, job config.Job, j *replay.Journal, runID string) (ReplayResult, error) {
	const op = "pipeline.Replay"
	logf := r.logger()
	res := ReplayResult{RunID: runID}

	job.ApplyDefaults()
	if err := job.Validate(); err != nil {
		return res, err
	}
	profile, err := config.LoadProfile(job.Target.Profiles, job.Target.Profile, nil)
	if err != nil {
		return res, err
	}
	scfg, err := profile.StorageConfig()
	if err != nil {
		return res, err
	}

	run, err := j.Run(runID)
	if err != nil {
		return res, loaderr.E(loaderr.KindConfig, op, err)
	}
	if run.Table != job.Target.Table || run.Schema != job.Target.Schema {
		return res, loaderr.Errorf(loaderr.KindConfig, op, "run %s loaded %s.%s, job targets %s.%s", run.ID, run.Schema, run.Table, job.Target.Schema, job.Target.Table)
	}
	batches, err := j.Batches(runID)
	if err != nil {
		return res, loaderr.E(loaderr.KindConfig, op, err)
	}
	if len(batches) == 0 {
		logf("replay: run %s has no journaled batches", runID)
		return res, nil
	}

	backend, err := r.NewBackend(ctx, scfg)
	if err != nil {
		if loaderr.KindOf(err) != loaderr.KindUnknown {
			return res, err
		}
		return res, loaderr.E(loaderr.KindConnection, op, fmt.Errorf("open %s backend: %w", scfg.Kind, err))
	}
	defer func() {
		if cerr := backend.Close(); cerr != nil {
			logf("backend close error: %v", cerr)
		}
	}()

	target := loader.Target{Schema: run.Schema, Table: run.Table}
	applied := roaring.New()
	var errs []error
	firstKind := loaderr.KindUnknown

	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			if firstKind == loaderr.KindUnknown {
				firstKind = loaderr.KindConnection
			}
			break
		}

		start := time.Now()
		n, err := r.replayBatch(ctx, backend, target, b)
		if err != nil {
			kind := loaderr.KindOf(err)
			if firstKind == loaderr.KindUnknown {
				firstKind = kind
			}
			errs = append(errs, fmt.Errorf("batch %d: %w", b.BatchIndex, err))
			res.Failed = append(res.Failed, b.BatchIndex)
			logf("replay batch=%d status=error duration=%s kind=%s err=%v", b.BatchIndex, durMS(time.Since(start)), kind, err)

			b.Kind, b.Err, b.At = kind, err.Error(), time.Time{}
			if serr := j.SaveBatch(b); serr != nil {
				errs = append(errs, serr)
			}
			continue
		}

		if derr := j.DeleteBatch(runID, b.BatchIndex); derr != nil {
			errs = append(errs, derr)
		}
		applied.Add(uint32(b.BatchIndex))
		res.Applied = append(res.Applied, b.BatchIndex)
		res.RowsCommitted += n
		logf("replay batch=%d ok duration=%s rows=%d", b.BatchIndex, durMS(time.Since(start)), n)
	}

	if !applied.IsEmpty() {
		if err := j.SaveRun(afterReplay(run, applied, res.RowsCommitted)); err != nil {
			errs = append(errs, err)
		}
	}
	logf("stage=replay run=%s applied=%d failed=%d rows=%d", runID, len(res.Applied), len(res.Failed), res.RowsCommitted)

	if len(errs) > 0 {
		return res, loaderr.E(firstKind, op, errors.Join(errs...))
	}
	return res, nil
}

// replayBatch inserts one journaled batch and commits it.
func (r *Runner) replayBatch(ctx context.Context, opener loader.Opener, target loader.Target, b replay.BatchRecord) (int64, error) {
	types := make([]dataset.ColumnType, len(b.Columns))
	ds, err := dataset.New(b.Columns, types, b.Rows)
	if err != nil {
		return 0, loaderr.E(loaderr.KindConfig, "pipeline.Replay", err)
	}
	size := ds.Len()
	if size == 0 {
		return 0, nil
	}
	rep, err := loader.SequentialLoader{Opener: opener, BatchSize: size, Observer: r.Observer}.Load(ctx, ds, target)
	if err != nil {
		return 0, err
	}
	return rep.RowsCommitted, nil
}

// afterReplay moves the applied batches into the run's committed set.
func afterReplay(run replay.RunRecord, applied *roaring.Bitmap, rows int64) replay.RunRecord {
	run.Committed = roaring.Or(run.Committed, applied)
	run.BatchesCommitted = int(run.Committed.GetCardinality())
	run.RowsCommitted += rows
	run.Failed = without(run.Failed, applied)
	run.Unattempted = without(run.Unattempted, applied)
	if run.OK() {
		run.Err = ""
	}
	return run
}

func without(idx []int, drop *roaring.Bitmap) []int {
	var out []int
	for _, i := range idx {
		if !drop.Contains(uint32(i)) {
			out = append(out, i)
		}
	}
	return out
}
