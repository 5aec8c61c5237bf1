package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"bulkload/internal/loaderr"
	"bulkload/internal/schema"
	"bulkload/internal/storage"
	"bulkload/internal/storage/sqlsession"
)

// Backend implements storage.Backend for SQLite via modernc.org/sqlite.
//
// Key differences vs Postgres:
//   - SQLite has one writer at a time. Sessions begin with BEGIN IMMEDIATE so
//     concurrent workers queue on busy_timeout instead of failing on upgrade.
//   - Schemas do not exist; TableName ignores the schema part.
type Backend struct {
	db  *sql.DB
	dsn string
}

// defaultBusyMS applies when the DSN does not set busy_timeout itself.
const defaultBusyMS = 5000

func init() {
	storage.Register("sqlite", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Backend, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, loaderr.Errorf(loaderr.KindConfig, "sqlite.New", "missing dsn")
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, loaderr.E(loaderr.KindConfig, "sqlite.New", err)
	}
	if cfg.MaxSessions > 0 {
		db.SetMaxOpenConns(cfg.MaxSessions + 1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, loaderr.E(loaderr.KindConnection, "sqlite.New", err)
	}
	return &Backend{db: db, dsn: cfg.DSN}, nil
}

func (b *Backend) Dialect() storage.Dialect { return Dialect{} }

// Open takes a dedicated connection. Writes on it run inside BEGIN IMMEDIATE.
func (b *Backend) Open(ctx context.Context) (storage.Session, error) {
	s, err := sqlsession.Open(ctx, b.db, sqlsession.BeginStatements("BEGIN IMMEDIATE"))
	if err != nil {
		return nil, loaderr.E(loaderr.KindConnection, "sqlite.Open", err)
	}
	if !strings.Contains(b.dsn, "busy_timeout") {
		if err := s.QueryRow(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", defaultBusyMS)).Scan(new(int)); err != nil {
			_ = s.Close(ctx)
			return nil, loaderr.E(loaderr.KindConnection, "sqlite.Open", err)
		}
	}
	return s, nil
}

func (b *Backend) Close() error { return b.db.Close() }

// Dialect renders SQLite SQL.
type Dialect struct{}

func (Dialect) Name() string { return "sqlite" }

// QuoteIdent uses SQLite "quoted identifiers", escaping '"' as '""'.
func (Dialect) QuoteIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// TableName ignores schema: SQLite has attached databases, not schemas.
func (d Dialect) TableName(_, table string) string { return d.QuoteIdent(table) }

func (Dialect) Placeholder(int) string { return "?" }

// MaxParams is SQLITE_MAX_VARIABLE_NUMBER for SQLite >= 3.32.
func (Dialect) MaxParams() int { return 32766 }
func (Dialect) MaxRows() int   { return 1000 }

func (Dialect) TableExistsQuery(_, table string) (string, []any) {
	return `SELECT COUNT(*) > 0 FROM sqlite_master WHERE type = 'table' AND name = ?`, []any{table}
}

func (Dialect) CreateSchemaSQL(string) string { return "" }

// CreateTableSQL renders a plain CREATE TABLE. It deliberately has no
// IF NOT EXISTS so an existing table surfaces as an error.
func (d Dialect) CreateTableSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	defs := storage.ColumnDefs(t, d.QuoteIdent)
	return fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", d.TableName(t.Schema, t.Name), strings.Join(defs, ",\n  ")), nil
}

func (Dialect) TypeMap() schema.TypeMap { return schema.SQLite }

// Classify maps SQLite result codes onto the load taxonomy.
//
// The primary result code is the low byte of the extended code.
func (Dialect) Classify(err error) loaderr.Kind {
	if err == nil {
		return loaderr.KindUnknown
	}
	if sqlsession.IsConnErr(err) {
		return loaderr.KindConnection
	}

	var se *msqlite.Error
	if !errors.As(err, &se) {
		return loaderr.KindUnknown
	}

	switch se.Code() & 0xff {
	case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_MISMATCH, sqlite3.SQLITE_TOOBIG, sqlite3.SQLITE_RANGE:
		return loaderr.KindInsert
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_IOERR,
		sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_READONLY, sqlite3.SQLITE_FULL, sqlite3.SQLITE_CORRUPT:
		return loaderr.KindConnection
	case sqlite3.SQLITE_ERROR:
		msg := strings.ToLower(se.Error())
		switch {
		case strings.Contains(msg, "already exists"):
			return loaderr.KindSchemaConflict
		case strings.Contains(msg, "no such table"), strings.Contains(msg, "has no column"):
			return loaderr.KindInsert
		}
	}
	return loaderr.KindUnknown
}

var (
	_ storage.Backend = (*Backend)(nil)
	_ storage.Dialect = Dialect{}
)
