package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"bulkload/internal/config"
	"bulkload/internal/loader"
	"bulkload/internal/pipeline"
	"bulkload/internal/replay"

	// register all backends with the storage factory.
	_ "bulkload/internal/storage/mssql"
	_ "bulkload/internal/storage/postgres"
	_ "bulkload/internal/storage/sqlite"
)

const (
	exitError = 1
	exitUsage = 2
	exitPanic = 3
)

// usageError marks errors caused by how the command was invoked.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error { return usageError{fmt.Errorf(format, args...)} }

func exitCodeForError(err error) int {
	var ue usageError
	if errors.As(err, &ue) {
		return exitUsage
	}
	return exitError
}

// deps are external seams for testability.
type deps struct {
	OpenJournal func(path string) (*replay.Journal, error)
	NewRunner   func() *pipeline.Runner
}

func defaultDeps() deps {
	return deps{OpenJournal: replay.Open, NewRunner: pipeline.NewDefaultRunner}
}

type rootFlags struct {
	journal string
	config  string
	verbose bool
}

func newRootCmd(d deps) *cobra.Command {
	var f rootFlags

	root := &cobra.Command{
		Use:   "replay",
		Short: "Inspect and re-apply journaled bulkload runs",
		Long: `replay works on the journal a bulkload job writes when journal.path is set.

Every run is recorded with its committed batch set. Batches that failed or
were never attempted are stored with their rows, so they can be inserted
again once the cause is fixed, without reloading the whole source.

Exit Codes:
  0  - Success
  1  - Error (unknown run, failed batches, connection problems)
  2  - CLI usage error (invalid arguments or flags)
  3  - Panic or unexpected system error`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&f.journal, "journal", "", "journal directory (default: journal.path of --config)")
	root.PersistentFlags().StringVar(&f.config, "config", "", "job YAML path")
	root.PersistentFlags().BoolVarP(&f.verbose, "verbose", "v", false, "enable verbose output")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err} })

	root.AddCommand(
		newListCmd(d, &f),
		newShowCmd(d, &f),
		newApplyCmd(d, &f),
		newPurgeCmd(d, &f),
	)
	return root
}

// journalPath resolves --journal, falling back to the job file's journal.
func (f *rootFlags) journalPath() (string, *config.Job, error) {
	var job *config.Job
	if f.config != "" {
		j, err := config.LoadJob(f.config)
		if err != nil {
			return "", nil, err
		}
		job = &j
	}
	if f.journal != "" {
		return f.journal, job, nil
	}
	if job != nil && job.Journal.Path != "" {
		return job.Journal.Path, job, nil
	}
	return "", job, usagef("no journal: pass --journal or a --config with journal.path")
}

func withJournal(d deps, f *rootFlags, fn func(j *replay.Journal, job *config.Job) error) error {
	path, job, err := f.journalPath()
	if err != nil {
		return err
	}
	j, err := d.OpenJournal(path)
	if err != nil {
		return err
	}
	defer j.Close()
	return fn(j, job)
}

func newListCmd(d deps, f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List journaled runs, newest first",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withJournal(d, f, func(j *replay.Journal, _ *config.Job) error {
				runs, err := j.Runs()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(runs) == 0 {
					fmt.Fprintln(out, "no runs")
					return nil
				}
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "RUN\tSTARTED\tTABLE\tMODE\tROWS\tBATCHES\tFAILED\tUNATTEMPTED\tRESUMED_FROM")
				for _, r := range runs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%d/%d\t%d\t%d\t%s\n",
						r.ID, r.StartedAt.Format(time.RFC3339), qualified(r.Schema, r.Table), r.LoadMode,
						r.RowsCommitted, r.RowsTotal, r.Committed.GetCardinality(), r.BatchesTotal,
						len(r.Failed), len(r.Unattempted), dash(r.ResumedFrom))
				}
				return tw.Flush()
			})
		},
	}
}

func newShowCmd(d deps, f *rootFlags) *cobra.Command {
	var rows bool
	cmd := &cobra.Command{
		Use:   "show RUN",
		Short: "Show a run and its journaled batches",
		Args:  oneRun,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(d, f, func(j *replay.Journal, _ *config.Job) error {
				run, err := j.Run(args[0])
				if err != nil {
					return err
				}
				batches, err := j.Batches(run.ID)
				if err != nil {
					return err
				}
				return printRun(cmd.OutOrStdout(), run, batches, rows)
			})
		},
	}
	cmd.Flags().BoolVar(&rows, "rows", false, "print each journaled batch's rows as JSON lines")
	return cmd
}

func newApplyCmd(d deps, f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "apply RUN",
		Short: "Insert a run's journaled batches again, one transaction per batch",
		Long: `apply inserts every journaled batch of RUN into the job's target table.
Batches that commit are removed from the journal and added to the run's
committed set; failing batches stay journaled with their latest error.

The job (--config) must target the same table the run loaded.`,
		Args: oneRun,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.config == "" {
				return usagef("apply needs --config")
			}
			return withJournal(d, f, func(j *replay.Journal, job *config.Job) error {
				logger := log.New(cmd.ErrOrStderr(), "", log.LstdFlags)
				r := d.NewRunner()
				r.Logger = logger
				r.Observer = loader.LogObserver{Logger: logger, Verbose: f.verbose}

				res, err := r.Replay(cmd.Context(), *job, j, args[0])
				fmt.Fprintf(cmd.OutOrStdout(), "applied=%d failed=%d rows=%d\n", len(res.Applied), len(res.Failed), res.RowsCommitted)
				return err
			})
		},
	}
}

func newPurgeCmd(d deps, f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "purge RUN",
		Short: "Delete a run and its journaled batches",
		Args:  oneRun,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(d, f, func(j *replay.Journal, _ *config.Job) error {
				if _, err := j.Run(args[0]); err != nil {
					return err
				}
				n, err := j.Purge(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged run %s (%d batches)\n", args[0], n)
				return nil
			})
		},
	}
}

func noArgs(_ *cobra.Command, args []string) error {
	if len(args) != 0 {
		return usagef("unexpected arguments: %v", args)
	}
	return nil
}

func oneRun(_ *cobra.Command, args []string) error {
	if len(args) != 1 {
		return usagef("expected exactly one RUN id, got %d", len(args))
	}
	return nil
}

func printRun(w io.Writer, run replay.RunRecord, batches []replay.BatchRecord, rows bool) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	kv := func(k string, v any) { fmt.Fprintf(tw, "%s:\t%v\n", k, v) }
	kv("run", run.ID)
	kv("job", dash(run.Job))
	kv("job_file", dash(run.JobFile))
	kv("table", qualified(run.Schema, run.Table))
	kv("mode", run.LoadMode)
	kv("batch_size", run.BatchSize)
	kv("rows", fmt.Sprintf("%d/%d committed", run.RowsCommitted, run.RowsTotal))
	kv("batches", fmt.Sprintf("%d/%d committed, %d skipped", run.Committed.GetCardinality(), run.BatchesTotal, run.BatchesSkipped))
	kv("failed", ints(run.Failed))
	kv("unattempted", ints(run.Unattempted))
	kv("resumed_from", dash(run.ResumedFrom))
	kv("started", run.StartedAt.Format(time.RFC3339))
	kv("finished", run.FinishedAt.Format(time.RFC3339))
	if run.Err != "" {
		kv("error", firstLine(run.Err))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(batches) == 0 {
		fmt.Fprintln(w, "\nno journaled batches")
		return nil
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BATCH\tOFFSET\tROWS\tKIND\tERROR")
	for _, b := range batches {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%s\n", b.BatchIndex, b.Offset, len(b.Rows), b.Kind, firstLine(b.Err))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if !rows {
		return nil
	}
	enc := json.NewEncoder(w)
	for _, b := range batches {
		for i, r := range b.Rows {
			rec := make(map[string]any, len(b.Columns)+1)
			for c, name := range b.Columns {
				if c < len(r) {
					rec[name] = r[c]
				}
			}
			if err := enc.Encode(struct {
				Batch int            `json:"batch"`
				Row   int            `json:"row"`
				Data  map[string]any `json:"data"`
			}{b.BatchIndex, b.Offset + i, rec}); err != nil {
				return err
			}
		}
	}
	return nil
}

func qualified(schema, table string) string {
	if schema == "" {
		return table
	}
	return schema + "." + table
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func ints(v []int) string {
	if len(v) == 0 {
		return "-"
	}
	s := make([]string, len(v))
	for i, n := range v {
		s[i] = fmt.Sprint(n)
	}
	return strings.Join(s, ",")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
