package loader

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bulkload/internal/loaderr"
	"bulkload/internal/schema"
	"bulkload/internal/storage"
)

// Mode selects how TableManager treats an existing table. There is no
// default: callers must pick one.
type Mode int

const (
	// CreateIfAbsent creates the table when it is missing and otherwise
	// leaves it untouched.
	CreateIfAbsent Mode = iota + 1
	// CreateStrict always attempts creation; an existing table is a
	// SchemaConflict error.
	CreateStrict
)

func (m Mode) String() string {
	switch m {
	case CreateIfAbsent:
		return "create_if_absent"
	case CreateStrict:
		return "create_strict"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses a table creation mode. Empty input is an error.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "create_if_absent", "if_absent", "createifabsent":
		return CreateIfAbsent, nil
	case "create_strict", "strict", "createstrict":
		return CreateStrict, nil
	case "":
		return 0, loaderr.Errorf(loaderr.KindConfig, "loader.ParseMode", "table creation mode is required (create_if_absent|create_strict)")
	default:
		return 0, loaderr.Errorf(loaderr.KindConfig, "loader.ParseMode", "unknown table creation mode %q (expected create_if_absent|create_strict)", s)
	}
}

// TableOutcome describes what Ensure did.
type TableOutcome struct {
	Created bool
	Existed bool
	// Conflict is the "already exists" error the destination raised, if any.
	Conflict error
}

// TableManager checks for and creates destination tables.
type TableManager struct {
	Backend  storage.Backend
	Observer Observer
}

// Ensure makes sure spec's table exists according to mode.
//
// Edge cases:
//   - CreateIfAbsent: an "already exists" error from a concurrent creator is
//     reported in the outcome and as a TableConflict event, and Ensure succeeds.
//   - CreateStrict: the same error is returned as SchemaConflict.
//   - Any other DDL error is returned with its classified kind; unclassified
//     errors are ConfigError (the table definition itself is at fault).
func (m TableManager) Ensure(ctx context.Context, spec storage.TableSpec, mode Mode) (TableOutcome, error) {
	const op = "loader.Ensure"
	obs := orNop(m.Observer)

	if mode != CreateIfAbsent && mode != CreateStrict {
		return TableOutcome{}, loaderr.Errorf(loaderr.KindConfig, op, "table creation mode is required")
	}

	d := m.Backend.Dialect()
	ddl, err := d.CreateTableSQL(spec)
	if err != nil {
		return TableOutcome{}, loaderr.E(loaderr.KindConfig, op, err)
	}
	name := d.TableName(spec.Schema, spec.Name)

	start := time.Now()
	s, err := m.Backend.Open(ctx)
	if err != nil {
		return TableOutcome{}, loaderr.E(loaderr.KindConnection, op, err)
	}
	defer func() { _ = s.Close(context.WithoutCancel(ctx)) }()

	if mode == CreateIfAbsent {
		exists, err := tableExists(ctx, s, d, spec.Schema, spec.Name)
		if err != nil {
			return TableOutcome{}, loaderr.E(classifyOr(d, err, loaderr.KindConnection), op, err)
		}
		if exists {
			obs.Observe(Event{Kind: TableExists, Table: name, Worker: -1, Batch: -1, Duration: time.Since(start)})
			return TableOutcome{Existed: true}, nil
		}
	}

	if q := d.CreateSchemaSQL(spec.Schema); q != "" {
		if _, err := s.Exec(ctx, q); err != nil {
			return TableOutcome{}, loaderr.E(classifyOr(d, err, loaderr.KindConfig), op, fmt.Errorf("create schema %s: %w", spec.Schema, err))
		}
	}

	if _, err := s.Exec(ctx, ddl); err != nil {
		kind := d.Classify(err)
		if kind != loaderr.KindSchemaConflict {
			if kind == loaderr.KindUnknown {
				kind = loaderr.KindConfig
			}
			return TableOutcome{}, loaderr.E(kind, op, fmt.Errorf("create table %s: %w", name, err))
		}

		conflict := loaderr.E(loaderr.KindSchemaConflict, op, fmt.Errorf("table %s already exists: %w", name, err))
		obs.Observe(Event{Kind: TableConflict, Table: name, Worker: -1, Batch: -1, ErrKind: loaderr.KindSchemaConflict, Err: conflict, Duration: time.Since(start)})

		out := TableOutcome{Existed: true, Conflict: conflict}
		if mode == CreateStrict {
			return out, conflict
		}
		return out, nil
	}

	if err := s.Commit(ctx); err != nil {
		return TableOutcome{}, loaderr.E(classifyOr(d, err, loaderr.KindConnection), op, fmt.Errorf("commit create table %s: %w", name, err))
	}

	obs.Observe(Event{Kind: TableCreated, Table: name, Worker: -1, Batch: -1, Duration: time.Since(start)})
	return TableOutcome{Created: true}, nil
}

func tableExists(ctx context.Context, s storage.Session, d storage.Dialect, schemaName, table string) (bool, error) {
	q, args := d.TableExistsQuery(schemaName, table)
	var ok bool
	if err := s.QueryRow(ctx, q, args...).Scan(&ok); err != nil {
		return false, fmt.Errorf("check table exists: %w", err)
	}
	return ok, nil
}

// TableSpecFor builds a TableSpec from an inferred mapping.
func TableSpecFor(schemaName, table string, m schema.Mapping, primaryKey []string) (storage.TableSpec, error) {
	for _, pk := range primaryKey {
		if m.Index(pk) < 0 {
			return storage.TableSpec{}, loaderr.Errorf(loaderr.KindConfig, "loader.TableSpecFor", "primary key column %q is not in the dataset", pk)
		}
	}

	spec := storage.TableSpec{
		Schema:     schemaName,
		Name:       table,
		Columns:    make([]storage.ColumnSpec, len(m)),
		PrimaryKey: append([]string(nil), primaryKey...),
	}
	for i, c := range m {
		spec.Columns[i] = storage.ColumnSpec{Name: c.Name, Type: c.Decl}
	}
	return spec, nil
}

// classifyOr classifies err with d, substituting fallback for KindUnknown.
func classifyOr(d storage.Dialect, err error, fallback loaderr.Kind) loaderr.Kind {
	if k := loaderr.KindOf(err); k != loaderr.KindUnknown {
		return k
	}
	if k := d.Classify(err); k != loaderr.KindUnknown {
		return k
	}
	return fallback
}
