package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"bulkload/internal/dataset"
	"bulkload/internal/loader"
	"bulkload/internal/loaderr"
	"bulkload/internal/schema"
)

// Job describes one load: where the rows come from, where they go and how.
type Job struct {
	Name    string  `yaml:"name"`
	Source  Source  `yaml:"source"`
	Target  Target  `yaml:"target"`
	Load    Load    `yaml:"load"`
	Journal Journal `yaml:"journal"`
}

type Source struct {
	// Path is a local file or an http(s) URL.
	Path string `yaml:"path"`
	// Format is "csv", "tsv" or "parquet". Empty picks by extension.
	Format    string `yaml:"format"`
	Delimiter string `yaml:"delimiter"`
	Encoding  string `yaml:"encoding"`
	// NAValues are extra tokens read as null, on top of the default set.
	NAValues  []string          `yaml:"na_values"`
	HasHeader *bool             `yaml:"has_header"`
	HeaderMap map[string]string `yaml:"header_map"`
	// Types forces a column's type tag instead of inferring it.
	Types map[string]string `yaml:"types"`
}

type Target struct {
	Profiles   string   `yaml:"profiles"`
	Profile    string   `yaml:"profile"`
	Schema     string   `yaml:"schema"`
	Table      string   `yaml:"table"`
	Mode       string   `yaml:"mode"`
	PrimaryKey []string `yaml:"primary_key"`
	// TypeMap overrides the destination's declaration per type tag.
	TypeMap map[string]string `yaml:"type_map"`
}

type Load struct {
	// Mode is "concurrent" or "sequential".
	Mode          string `yaml:"mode"`
	BatchSize     int    `yaml:"batch_size"`
	Workers       int    `yaml:"workers"`
	QueueCapacity int    `yaml:"queue_capacity"`
}

type Journal struct {
	// Path is the journal directory. Empty disables journaling.
	Path string `yaml:"path"`
}

const (
	DefaultBatchSize = 1000
	DefaultWorkers   = 4
)

// LoadJob reads a job file, expands environment variables in it, applies
// defaults and resolves relative paths against the file's directory.
// It does not validate; call Validate before any destination I/O.
func LoadJob(path string) (Job, error) {
	const op = "config.LoadJob"

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Job{}, loaderr.E(loaderr.KindConfig, op, fmt.Errorf("%s: %w", path, ErrConfigNotFound))
		}
		return Job{}, loaderr.E(loaderr.KindConfig, op, err)
	}

	var j Job
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &j); err != nil {
		return Job{}, loaderr.E(loaderr.KindConfig, op, fmt.Errorf("parse %s: %w", path, err))
	}

	base := filepath.Dir(path)
	j.Source.Path = resolve(base, j.Source.Path)
	j.Target.Profiles = resolve(base, j.Target.Profiles)
	j.Journal.Path = resolve(base, j.Journal.Path)

	j.ApplyDefaults()
	return j, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) || strings.Contains(p, "://") {
		return p
	}
	return filepath.Join(base, p)
}

// ApplyDefaults fills unset fields. It is idempotent.
func (j *Job) ApplyDefaults() {
	if j.Name == "" {
		j.Name = j.Target.Table
	}
	if j.Source.Delimiter == "" {
		j.Source.Delimiter = ","
		if strings.EqualFold(j.Source.Format, "tsv") {
			j.Source.Delimiter = "\t"
		}
	}
	if j.Source.Encoding == "" {
		j.Source.Encoding = "utf-8"
	}
	if j.Source.HasHeader == nil {
		t := true
		j.Source.HasHeader = &t
	}
	if j.Load.Mode == "" {
		j.Load.Mode = "concurrent"
	}
	if j.Load.BatchSize == 0 {
		j.Load.BatchSize = DefaultBatchSize
	}
	if j.Load.Workers == 0 {
		j.Load.Workers = DefaultWorkers
	}
	if j.Load.QueueCapacity == 0 {
		j.Load.QueueCapacity = 2 * j.Load.Workers
	}
}

// HeaderRow reports whether the source's first row holds column names.
func (s Source) HeaderRow() bool { return s.HasHeader == nil || *s.HasHeader }

// DelimiterRune returns the single-rune delimiter.
func (s Source) DelimiterRune() rune {
	r, _ := utf8.DecodeRuneInString(s.Delimiter)
	return r
}

// TableMode parses target.mode.
func (t Target) TableMode() (loader.Mode, error) { return loader.ParseMode(t.Mode) }

// Validate reports every problem with the job at once, as one ConfigError.
// Table creation mode has no default and must be set.
func (j Job) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if j.Source.Path == "" {
		add("source.path is required")
	}
	switch strings.ToLower(j.Source.Format) {
	case "", "csv", "tsv", "txt", "parquet":
	default:
		add("source.format %q is not supported (csv|tsv|parquet)", j.Source.Format)
	}
	if utf8.RuneCountInString(j.Source.Delimiter) != 1 {
		add("source.delimiter must be a single character, got %q", j.Source.Delimiter)
	}
	for col, name := range j.Source.Types {
		if dataset.ParseColumnType(name) == dataset.Unknown && !strings.EqualFold(name, "unknown") {
			add("source.types[%s]: unknown type %q", col, name)
		}
	}

	if j.Target.Profiles == "" {
		add("target.profiles is required")
	}
	if j.Target.Profile == "" {
		add("target.profile is required")
	}
	if strings.TrimSpace(j.Target.Table) == "" {
		add("target.table is required")
	}
	if _, err := j.Target.TableMode(); err != nil {
		add("target.mode: %v", errors.Unwrap(err))
	}
	if _, err := schema.Postgres.WithOverrides(j.Target.TypeMap); err != nil {
		add("target.type_map: %v", errors.Unwrap(err))
	}

	switch j.Load.Mode {
	case "concurrent", "sequential":
	default:
		add("load.mode %q is not supported (concurrent|sequential)", j.Load.Mode)
	}
	if j.Load.BatchSize < 1 {
		add("load.batch_size must be >= 1, got %d", j.Load.BatchSize)
	}
	if j.Load.Workers < 1 {
		add("load.workers must be >= 1, got %d", j.Load.Workers)
	}
	if j.Load.QueueCapacity < 0 {
		add("load.queue_capacity must be >= 0, got %d", j.Load.QueueCapacity)
	}

	if len(errs) == 0 {
		return nil
	}
	return loaderr.E(loaderr.KindConfig, "config.Job", errors.Join(errs...))
}
