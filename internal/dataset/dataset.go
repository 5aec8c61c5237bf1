// Package dataset holds the in-memory tabular structure a load consumes:
// ordered column names, one explicit type tag per column, and rows of values.
//
// Values are restricted to nil (the null marker), int64, float64 and string.
// Source readers convert into this set; the load path never inspects values to
// rediscover types.
package dataset

import (
	"fmt"
	"strings"

	"bulkload/internal/loaderr"
)

// ColumnType is the per-column type tag produced by the ingestion side.
type ColumnType int

const (
	Unknown ColumnType = iota
	Integer
	Float
	Text
)

func (t ColumnType) String() string {
	switch t {
	case Integer:
		return "integer"
	case Float:
		return "float"
	case Text:
		return "text"
	default:
		return "unknown"
	}
}

// MarshalText renders the tag by name.
func (t ColumnType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// ParseColumnType maps a loose type name to a tag. Unrecognized names map to
// Unknown; it never fails.
func ParseColumnType(s string) ColumnType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "int", "integer", "int32", "int64", "bigint":
		return Integer
	case "float", "float32", "float64", "double", "real", "numeric":
		return Float
	case "text", "string", "str", "object", "varchar":
		return Text
	default:
		return Unknown
	}
}

// Dataset is an immutable, validated table.
type Dataset struct {
	columns []string
	types   []ColumnType
	rows    [][]any
}

// New validates and wraps columns, their type tags and rows.
//
// The rows slice is retained, not copied; callers hand ownership to the Dataset.
func New(columns []string, types []ColumnType, rows [][]any) (*Dataset, error) {
	const op = "dataset.New"

	if len(columns) == 0 {
		return nil, loaderr.Errorf(loaderr.KindConfig, op, "no columns")
	}
	if len(types) != len(columns) {
		return nil, loaderr.Errorf(loaderr.KindConfig, op, "%d type tags for %d columns", len(types), len(columns))
	}

	seen := make(map[string]struct{}, len(columns))
	for i, c := range columns {
		if strings.TrimSpace(c) == "" {
			return nil, loaderr.Errorf(loaderr.KindConfig, op, "column %d has an empty name", i)
		}
		if _, dup := seen[c]; dup {
			return nil, loaderr.Errorf(loaderr.KindConfig, op, "duplicate column %q", c)
		}
		seen[c] = struct{}{}
	}

	for r, row := range rows {
		if len(row) != len(columns) {
			return nil, loaderr.Errorf(loaderr.KindConfig, op, "row %d has %d values, want %d", r, len(row), len(columns))
		}
		for c, v := range row {
			if !accepts(types[c], v) {
				return nil, loaderr.Errorf(loaderr.KindConfig, op,
					"row %d column %q: value of type %T does not fit tag %s", r, columns[c], v, types[c])
			}
		}
	}

	return &Dataset{
		columns: append([]string(nil), columns...),
		types:   append([]ColumnType(nil), types...),
		rows:    rows,
	}, nil
}

func accepts(t ColumnType, v any) bool {
	switch v.(type) {
	case nil:
		return true
	case int64:
		return t == Integer || t == Float || t == Unknown
	case float64:
		return t == Float || t == Unknown
	case string:
		return t == Text || t == Unknown
	default:
		return false
	}
}

// Columns returns a copy of the column names in order.
func (d *Dataset) Columns() []string { return append([]string(nil), d.columns...) }

// Types returns a copy of the per-column type tags in column order.
func (d *Dataset) Types() []ColumnType { return append([]ColumnType(nil), d.types...) }

// Width is the number of columns.
func (d *Dataset) Width() int { return len(d.columns) }

// Len is the number of rows.
func (d *Dataset) Len() int { return len(d.rows) }

// Row returns row i. The returned slice must not be modified.
func (d *Dataset) Row(i int) []any { return d.rows[i] }

// Slice returns rows [lo, hi) as a view sharing the Dataset's storage.
// Callers must treat it as read-only.
func (d *Dataset) Slice(lo, hi int) [][]any {
	if lo < 0 {
		lo = 0
	}
	if hi > len(d.rows) {
		hi = len(d.rows)
	}
	if lo >= hi {
		return nil
	}
	return d.rows[lo:hi:hi]
}

func (d *Dataset) String() string {
	return fmt.Sprintf("dataset(columns=%d rows=%d)", len(d.columns), len(d.rows))
}
