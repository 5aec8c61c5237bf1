package storage

import (
	"context"
	"fmt"
	"strings"
)

// BuildInsert constructs a single multi-row INSERT statement and its args.
//
// Row values only ever travel as bind parameters; placeholders are numbered
// from 1 in row-major order.
//
// Constraints:
//   - columns must be non-empty.
//   - every row must have exactly len(columns) values.
func BuildInsert(d Dialect, table string, columns []string, rows [][]any) (string, []any, error) {
	if len(columns) == 0 {
		return "", nil, fmt.Errorf("insert %s: no columns", table)
	}
	if len(rows) == 0 {
		return "", nil, fmt.Errorf("insert %s: no rows", table)
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.QuoteIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if len(row) != len(columns) {
			return "", nil, fmt.Errorf("insert %s: row %d has %d values, want %d", table, i, len(row), len(columns))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(d.Placeholder(p))
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	return b.String(), args, nil
}

// RowsPerStatement returns how many rows of width ncols fit in one statement
// under the dialect's parameter and row caps. It is at least 1.
func RowsPerStatement(d Dialect, ncols int) int {
	if ncols < 1 {
		ncols = 1
	}
	n := d.MaxParams() / ncols
	if m := d.MaxRows(); m > 0 && n > m {
		n = m
	}
	if n < 1 {
		n = 1
	}
	return n
}

// InsertRows inserts rows through s, splitting them into as many statements
// as the dialect's limits require. All statements run in the session's
// current transaction; the caller decides when to commit.
//
// It returns the total rows affected. On error the count covers the
// statements that succeeded before the failure.
func InsertRows(ctx context.Context, s Session, d Dialect, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	per := RowsPerStatement(d, len(columns))
	var total int64
	for start := 0; start < len(rows); start += per {
		end := start + per
		if end > len(rows) {
			end = len(rows)
		}

		q, args, err := BuildInsert(d, table, columns, rows[start:end])
		if err != nil {
			return total, err
		}
		n, err := s.Exec(ctx, q, args...)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
