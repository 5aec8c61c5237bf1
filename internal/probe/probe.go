// Package probe inspects a source file without touching any destination: it
// infers the column mapping a load would use, measures per-column
// uniqueness, and can draft a job file for the source.
package probe

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"bulkload/internal/config"
	"bulkload/internal/dataset"
	"bulkload/internal/loaderr"
	"bulkload/internal/schema"
	"bulkload/internal/source"
)

// Options controls a probe.
type Options struct {
	Source config.Source
	// Dialect picks the predefined type map: postgres, sqlite or mssql.
	Dialect string
	// TypeMap overrides the dialect's declaration per type tag.
	TypeMap map[string]string
}

// Result is what a probe learned about the source.
type Result struct {
	Dataset *dataset.Dataset
	TypeMap schema.TypeMap
	Mapping schema.Mapping
	Stats   Uniqueness
	// Keys lists columns whose values are present and distinct in every row,
	// in column order.
	Keys []string
}

// LoadFn reads a source into a dataset. Tests replace it.
type LoadFn func(ctx context.Context, src config.Source) (*dataset.Dataset, error)

// Run probes opt.Source with the production source reader.
func Run(ctx context.Context, opt Options) (Result, error) {
	return RunWith(ctx, opt, source.Load)
}

// RunWith is Run with an explicit source reader.
//
// Errors (all ConfigError unless the reader says otherwise):
//   - unknown dialect
//   - invalid type map override
//   - whatever the reader reports for the source
func RunWith(ctx context.Context, opt Options, load LoadFn) (Result, error) {
	const op = "probe.Run"

	dialect := opt.Dialect
	if dialect == "" {
		dialect = "postgres"
	}
	base, ok := schema.ForDialect(dialect)
	if !ok {
		return Result{}, loaderr.Errorf(loaderr.KindConfig, op, "unknown dialect %q (expected postgres|sqlite|mssql)", opt.Dialect)
	}
	tm, err := base.WithOverrides(opt.TypeMap)
	if err != nil {
		return Result{}, err
	}

	src := opt.Source
	if src.Delimiter == "" {
		src.Delimiter = ","
		if strings.EqualFold(src.Format, "tsv") {
			src.Delimiter = "\t"
		}
	}
	if src.Encoding == "" {
		src.Encoding = "utf-8"
	}

	ds, err := load(ctx, src)
	if err != nil {
		return Result{}, err
	}

	stats := Measure(ds)
	return Result{
		Dataset: ds,
		TypeMap: tm,
		Mapping: schema.Infer(ds, tm),
		Stats:   stats,
		Keys:    stats.KeyCandidates(),
	}, nil
}

// distinctCapPerColumn bounds memory on very large or high-cardinality inputs.
// A capped column is never a key candidate.
const distinctCapPerColumn = 1_000_000

// Uniqueness holds per-column distinct counts.
//
// Per-column totals count only rows where the column had a value, so a
// mostly-null column is judged on the values it has.
type Uniqueness struct {
	TotalRows         int
	PerColumnTotal    map[string]int
	PerColumnDistinct map[string]int
	PerColumnCapped   map[string]bool
	ColumnOrder       []string
}

// Measure counts distinct values per column of ds.
func Measure(ds *dataset.Dataset) Uniqueness {
	cols := ds.Columns()
	stats := Uniqueness{
		TotalRows:         ds.Len(),
		PerColumnTotal:    make(map[string]int, len(cols)),
		PerColumnDistinct: make(map[string]int, len(cols)),
		PerColumnCapped:   make(map[string]bool, len(cols)),
		ColumnOrder:       cols,
	}

	sets := make([]map[string]struct{}, len(cols))
	for i := range sets {
		sets[i] = make(map[string]struct{})
	}

	for r := 0; r < ds.Len(); r++ {
		row := ds.Row(r)
		for i, col := range cols {
			if row[i] == nil {
				continue
			}
			stats.PerColumnTotal[col]++
			if stats.PerColumnCapped[col] {
				continue
			}
			sets[i][valueKey(row[i])] = struct{}{}
			if len(sets[i]) >= distinctCapPerColumn {
				stats.PerColumnCapped[col] = true
				sets[i] = nil
			}
		}
	}

	for i, col := range cols {
		if stats.PerColumnCapped[col] {
			stats.PerColumnDistinct[col] = distinctCapPerColumn
			continue
		}
		stats.PerColumnDistinct[col] = len(sets[i])
	}
	return stats
}

func valueKey(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// KeyCandidates returns the columns that could serve as a single-column
// primary key: a value in every row and no repeats.
func (u Uniqueness) KeyCandidates() []string {
	if u.TotalRows == 0 {
		return nil
	}
	var out []string
	for _, col := range u.ColumnOrder {
		if u.PerColumnCapped[col] {
			continue
		}
		if u.PerColumnTotal[col] == u.TotalRows && u.PerColumnDistinct[col] == u.TotalRows {
			out = append(out, col)
		}
	}
	return out
}

// Report renders the stats as a tab-separated table, least unique first.
func (u Uniqueness) Report() string {
	if u.TotalRows <= 0 {
		return "uniqueness: no rows"
	}

	type row struct {
		Col    string
		Dist   int
		Ratio  float64
		Capped bool
		Den    int
	}

	rows := make([]row, 0, len(u.ColumnOrder))
	for _, col := range u.ColumnOrder {
		den := u.PerColumnTotal[col]
		if den <= 0 {
			continue
		}
		d := u.PerColumnDistinct[col]
		rows = append(rows, row{Col: col, Dist: d, Ratio: float64(d) / float64(den), Capped: u.PerColumnCapped[col], Den: den})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Ratio == rows[j].Ratio {
			return rows[i].Col < rows[j].Col
		}
		return rows[i].Ratio < rows[j].Ratio
	})

	var b strings.Builder
	fmt.Fprintf(&b, "uniqueness report:\trows=%d\n", u.TotalRows)
	fmt.Fprintf(&b, "%-15s\t%-7s\t%-7s\tratio\tcapped\n", "col", "unique", "rows")
	for _, r := range rows {
		fmt.Fprintf(&b, "%-15s\t%-7d\t%d\t%.1f%%\t%t\n", r.Col, r.Dist, r.Den, r.Ratio*100, r.Capped)
	}
	return strings.TrimRight(b.String(), "\n")
}
