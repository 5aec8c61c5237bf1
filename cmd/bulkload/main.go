package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"bulkload/internal/config"
	"bulkload/internal/loader"
	"bulkload/internal/loaderr"
	"bulkload/internal/metrics"
	"bulkload/internal/metrics/datadog"
	"bulkload/internal/pipeline"
	"bulkload/internal/progress"

	// register all backends with the storage factory.
	_ "bulkload/internal/storage/mssql"
	_ "bulkload/internal/storage/postgres"
	_ "bulkload/internal/storage/sqlite"
)

// Exit codes are part of the CLI contract.
const (
	exitOK       = 0
	exitError    = 1
	exitUsage    = 2
	exitConflict = 3
	exitPartial  = 4
)

// backendCloser is the minimal interface used by this command to manage a metrics backend.
type backendCloser interface {
	metrics.Backend
	Close() error
}

// deps are external seams for testability.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer

	BackendFactory func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error)
	NewRunner      func() *pipeline.Runner
	// Interactive reports whether w should get a live progress display.
	Interactive func(w io.Writer) bool
}

// runConfig holds the parsed flags.
type runConfig struct {
	ConfigPath     string
	MetricsBackend string
	Resume         string
	DryRun         bool
	ReportPath     string
	Progress       bool
	Verbose        bool
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := runMain(ctx, os.Args[1:], deps{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		BackendFactory: func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error) {
			return datadog.NewBackend(ctx, datadog.Options{
				JobName:    jobName,
				Tags:       tags,
				FlushEvery: flushEvery,
			})
		},
		NewRunner:   pipeline.NewDefaultRunner,
		Interactive: progress.Enabled,
	})
	stop()
	os.Exit(code)
}

func parseFlags(args []string, stderr io.Writer) (runConfig, error) {
	fs := flag.NewFlagSet("bulkload", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var cfg runConfig
	fs.StringVar(&cfg.ConfigPath, "config", "", "job YAML path")
	fs.StringVar(&cfg.MetricsBackend, "metrics-backend", "", "metrics backend to use (datadog, none); default from METRICS_BACKEND")
	fs.StringVar(&cfg.Resume, "resume", "", "journaled run id to resume; its committed batches are skipped")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "print the inferred column mapping as JSON and exit without connecting")
	fs.StringVar(&cfg.ReportPath, "report", "", "write the load report as JSON to this path")
	fs.BoolVar(&cfg.Progress, "progress", false, "show a progress bar when stderr is a terminal")
	fs.BoolVar(&cfg.Verbose, "v", false, "enable verbose logs")

	if err := fs.Parse(args); err != nil {
		return runConfig{}, err
	}
	if fs.NArg() > 0 {
		return runConfig{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if cfg.ConfigPath == "" {
		return runConfig{}, errors.New("missing required -config")
	}
	if cfg.MetricsBackend == "" {
		cfg.MetricsBackend = os.Getenv("METRICS_BACKEND")
	}
	switch cfg.MetricsBackend {
	case "", "none", "datadog":
	default:
		return runConfig{}, fmt.Errorf("-metrics-backend %q is not supported (datadog|none)", cfg.MetricsBackend)
	}
	if cfg.DryRun && cfg.Resume != "" {
		return runConfig{}, errors.New("-dry-run and -resume are mutually exclusive")
	}
	return cfg, nil
}

// runMain executes one job and returns an exit code.
//
// Exit codes:
//   - 0: every batch committed (or the dry run succeeded).
//   - 1: configuration, source, connection or other error.
//   - 2: usage error.
//   - 3: create_strict found the table already present.
//   - 4: the load ran and some batches did not commit. The run id is
//     printed so the journaled batches can be replayed.
func runMain(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.NewRunner == nil {
		d.NewRunner = pipeline.NewDefaultRunner
	}
	if d.Interactive == nil {
		d.Interactive = func(io.Writer) bool { return false }
	}

	cfg, err := parseFlags(args, d.Stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(d.Stderr, err.Error())
		}
		return exitUsage
	}

	logger := log.New(d.Stderr, "", log.LstdFlags)

	job, err := config.LoadJob(cfg.ConfigPath)
	if err != nil {
		fmt.Fprintf(d.Stderr, "%v\n", err)
		return exitError
	}
	jobName := job.Name
	if jobName == "" {
		jobName = "bulkload"
	}

	r := d.NewRunner()
	r.Logger = logger
	r.ResumeFrom = cfg.Resume
	if abs, err := filepath.Abs(cfg.ConfigPath); err == nil {
		r.JobFile = abs
	} else {
		r.JobFile = cfg.ConfigPath
	}

	if cfg.DryRun {
		plan, err := r.Plan(ctx, job)
		if err != nil {
			fmt.Fprintf(d.Stderr, "%v\n", err)
			return exitError
		}
		out, err := json.MarshalIndent(plan.Mapping, "", "  ")
		if err != nil {
			fmt.Fprintf(d.Stderr, "encode mapping: %v\n", err)
			return exitError
		}
		fmt.Fprintf(d.Stdout, "%s\n", out)
		return exitOK
	}

	closeMetrics := setupMetrics(ctx, cfg, jobName, d, logger)
	defer closeMetrics()

	observers := loader.Observers{
		loader.LogObserver{Logger: logger, Verbose: cfg.Verbose},
		loader.MetricsObserver{Job: jobName},
	}
	var display *progress.Display
	if cfg.Progress && d.Interactive(d.Stderr) {
		display = progress.New(d.Stderr, job.Load.BatchSize)
		observers = append(observers, display)
		display.Start()
	}
	r.Observer = observers

	if cfg.Verbose {
		logger.Printf("job: name=%s source=%s profile=%s table=%s mode=%s load=%s",
			jobName, job.Source.Path, job.Target.Profile, job.Target.Table, job.Target.Mode, job.Load.Mode)
	}

	rep, runErr := r.Run(ctx, job)
	if display != nil {
		display.Stop()
		fmt.Fprintln(d.Stderr, progress.Summary(rep))
	}

	if cfg.ReportPath != "" && rep.Mode != "" {
		if err := writeReport(cfg.ReportPath, rep); err != nil {
			fmt.Fprintf(d.Stderr, "write report: %v\n", err)
			if runErr == nil {
				return exitError
			}
		}
	}

	return exitCode(d, rep, runErr, cfg.ConfigPath)
}

func exitCode(d deps, rep loader.Report, err error, cfgPath string) int {
	if err == nil {
		fmt.Fprintln(d.Stdout, "ok")
		return exitOK
	}
	fmt.Fprintf(d.Stderr, "%v\n", err)

	switch {
	case loaderr.Is(err, loaderr.KindSchemaConflict):
		return exitConflict
	case rep.Mode != "" && !rep.OK():
		fmt.Fprintf(d.Stderr, "partial failure: %d of %d batches committed\n", rep.BatchesCommitted, rep.BatchesTotal)
		if rep.RunID != "" {
			fmt.Fprintf(d.Stderr, "run_id=%s (replay apply %s --config %s)\n", rep.RunID, rep.RunID, cfgPath)
		}
		return exitPartial
	default:
		return exitError
	}
}

// setupMetrics installs the chosen metrics backend and returns its cleanup.
// A backend that fails to initialize leaves metrics disabled.
func setupMetrics(ctx context.Context, cfg runConfig, jobName string, d deps, logger *log.Logger) func() {
	switch cfg.MetricsBackend {
	case "datadog":
		if d.BackendFactory == nil {
			logger.Printf("metrics: no datadog factory; metrics disabled")
			return func() {}
		}
		extraTags := datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS"))
		b, err := d.BackendFactory(ctx, jobName, extraTags, 60*time.Second)
		if err != nil {
			logger.Printf("metrics: failed to init datadog backend: %v; using nop", err)
			return func() {}
		}
		logger.Printf("metrics: backend=datadog job_name=%v tags=%v", jobName, extraTags)
		metrics.SetBackend(b)
		return func() {
			// Close stops the periodic flush loop and performs a final flush.
			if err := b.Close(); err != nil {
				logger.Printf("metrics: datadog close/flush error: %v", err)
			}
			metrics.SetBackend(nil)
		}
	default:
		if cfg.Verbose {
			logger.Printf("metrics: disabled (backend=%q)", cfg.MetricsBackend)
		}
		return func() {}
	}
}

func writeReport(path string, rep loader.Report) error {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
