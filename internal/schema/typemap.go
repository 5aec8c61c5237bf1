package schema

import (
	"fmt"
	"sort"
	"strings"

	"bulkload/internal/dataset"
	"bulkload/internal/loaderr"
)

// DefaultFallback is used when a TypeMap has neither a declaration for a tag
// nor its own Fallback.
const DefaultFallback = "VARCHAR(255)"

// TypeMap maps column type tags to destination column declarations.
//
// It is plain data so the mapping in effect for a load can be printed,
// compared and overridden from configuration.
type TypeMap struct {
	Decls    map[dataset.ColumnType]string `json:"decls"`
	Fallback string                        `json:"fallback"`
}

// Predefined maps per destination dialect.
var (
	Postgres = TypeMap{
		Decls: map[dataset.ColumnType]string{
			dataset.Integer: "BIGINT",
			dataset.Float:   "DOUBLE PRECISION",
			dataset.Text:    "VARCHAR(255)",
		},
		Fallback: "VARCHAR(255)",
	}

	SQLite = TypeMap{
		Decls: map[dataset.ColumnType]string{
			dataset.Integer: "INTEGER",
			dataset.Float:   "REAL",
			dataset.Text:    "TEXT",
		},
		Fallback: "TEXT",
	}

	MSSQL = TypeMap{
		Decls: map[dataset.ColumnType]string{
			dataset.Integer: "BIGINT",
			dataset.Float:   "FLOAT",
			dataset.Text:    "NVARCHAR(255)",
		},
		Fallback: "NVARCHAR(255)",
	}
)

// ForDialect returns the predefined map for a destination kind.
func ForDialect(kind string) (TypeMap, bool) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "postgres", "postgresql":
		return Postgres, true
	case "sqlite":
		return SQLite, true
	case "mssql", "sqlserver":
		return MSSQL, true
	default:
		return TypeMap{}, false
	}
}

// Map returns the declaration for t. It is total: tags without a declaration,
// including Unknown, get the fallback.
func (m TypeMap) Map(t dataset.ColumnType) string {
	if d, ok := m.Decls[t]; ok && strings.TrimSpace(d) != "" {
		return d
	}
	if strings.TrimSpace(m.Fallback) != "" {
		return m.Fallback
	}
	return DefaultFallback
}

// Clone returns a deep copy.
func (m TypeMap) Clone() TypeMap {
	out := TypeMap{Decls: make(map[dataset.ColumnType]string, len(m.Decls)), Fallback: m.Fallback}
	for k, v := range m.Decls {
		out.Decls[k] = v
	}
	return out
}

// WithOverrides returns a copy of m with configured declarations applied.
//
// Keys are tag names ("integer", "float", "text", "unknown") or "fallback".
// An unknown key or an empty declaration is a configuration error.
func (m TypeMap) WithOverrides(overrides map[string]string) (TypeMap, error) {
	out := m.Clone()
	if len(overrides) == 0 {
		return out, nil
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		decl := strings.TrimSpace(overrides[k])
		if decl == "" {
			return TypeMap{}, loaderr.Errorf(loaderr.KindConfig, "type_map", "empty declaration for %q", k)
		}
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "integer":
			out.Decls[dataset.Integer] = decl
		case "float":
			out.Decls[dataset.Float] = decl
		case "text":
			out.Decls[dataset.Text] = decl
		case "unknown":
			out.Decls[dataset.Unknown] = decl
		case "fallback":
			out.Fallback = decl
		default:
			return TypeMap{}, loaderr.Errorf(loaderr.KindConfig, "type_map", "unknown key %q (want integer|float|text|unknown|fallback)", k)
		}
	}
	return out, nil
}

func (m TypeMap) String() string {
	return fmt.Sprintf("integer=%s float=%s text=%s unknown=%s",
		m.Map(dataset.Integer), m.Map(dataset.Float), m.Map(dataset.Text), m.Map(dataset.Unknown))
}
