// TableSpec lives in storage so the loader and every backend can share it
// without import cycles.
package storage

import (
	"fmt"
	"strings"
)

type TableSpec struct {
	Schema      string           `json:"schema,omitempty"`
	Name        string           `json:"name"`
	Columns     []ColumnSpec     `json:"columns"`
	PrimaryKey  []string         `json:"primary_key,omitempty"`
	Constraints []ConstraintSpec `json:"constraints,omitempty"`
}

type ColumnSpec struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable *bool  `json:"nullable,omitempty"`
}

type ConstraintSpec struct {
	Kind    string   `json:"kind"` // "unique"
	Columns []string `json:"columns"`
}

// Validate checks the spec is renderable. It does not check types.
func (t TableSpec) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("table name is empty")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s: no columns", t.Name)
	}
	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.Type) == "" {
			return fmt.Errorf("table %s: column name/type must be set", t.Name)
		}
		seen[c.Name] = true
	}
	for _, pk := range t.PrimaryKey {
		if !seen[pk] {
			return fmt.Errorf("table %s: primary key column %q is not a column", t.Name, pk)
		}
	}
	for _, c := range t.Constraints {
		if strings.ToLower(strings.TrimSpace(c.Kind)) != "unique" {
			return fmt.Errorf("table %s: unsupported constraint kind %q", t.Name, c.Kind)
		}
		if len(c.Columns) == 0 {
			return fmt.Errorf("table %s: unique constraint requires columns", t.Name)
		}
		for _, col := range c.Columns {
			if !seen[col] {
				return fmt.Errorf("table %s: constraint column %q is not a column", t.Name, col)
			}
		}
	}
	return nil
}

// Nullable reports the column's nullability. Unset means nullable: inferred
// columns carry explicit nulls. Primary key columns are never nullable.
func (t TableSpec) Nullable(c ColumnSpec) bool {
	for _, pk := range t.PrimaryKey {
		if pk == c.Name {
			return false
		}
	}
	if c.Nullable == nil {
		return true
	}
	return *c.Nullable
}

// ColumnDefs renders "<ident> <type> [NOT NULL]" for each column plus
// PRIMARY KEY and UNIQUE table constraints, quoting with quote.
func ColumnDefs(t TableSpec, quote func(string) string) []string {
	out := make([]string, 0, len(t.Columns)+1+len(t.Constraints))
	for _, c := range t.Columns {
		def := quote(strings.TrimSpace(c.Name)) + " " + strings.TrimSpace(c.Type)
		if !t.Nullable(c) {
			def += " NOT NULL"
		}
		out = append(out, def)
	}
	if len(t.PrimaryKey) > 0 {
		out = append(out, "PRIMARY KEY ("+joinQuoted(t.PrimaryKey, quote)+")")
	}
	for _, c := range t.Constraints {
		out = append(out, "UNIQUE ("+joinQuoted(c.Columns, quote)+")")
	}
	return out
}

func joinQuoted(cols []string, quote func(string) string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = quote(strings.TrimSpace(c))
	}
	return strings.Join(parts, ", ")
}
