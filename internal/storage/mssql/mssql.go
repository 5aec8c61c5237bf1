package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	mssqldb "github.com/microsoft/go-mssqldb"

	"bulkload/internal/loaderr"
	"bulkload/internal/schema"
	"bulkload/internal/storage"
	"bulkload/internal/storage/sqlsession"
)

// Backend implements storage.Backend for SQL Server.
//
// Key design points vs Postgres:
//   - Identifiers are bracket-quoted.
//   - A statement carries at most 2100 parameters and a VALUES list at most
//     1000 rows; InsertRows chunks under both.
//   - CREATE SCHEMA must be the only statement in its batch, so it runs via EXEC.
type Backend struct {
	db *sql.DB
}

func init() {
	storage.Register("mssql", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Backend, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, loaderr.Errorf(loaderr.KindConfig, "mssql.New", "missing dsn")
	}
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, loaderr.E(loaderr.KindConfig, "mssql.New", err)
	}
	if cfg.MaxSessions > 0 {
		db.SetMaxOpenConns(cfg.MaxSessions + 1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, loaderr.E(loaderr.KindConnection, "mssql.New", err)
	}
	return &Backend{db: db}, nil
}

func (b *Backend) Dialect() storage.Dialect { return Dialect{} }

func (b *Backend) Open(ctx context.Context) (storage.Session, error) {
	s, err := sqlsession.Open(ctx, b.db, sqlsession.BeginStd)
	if err != nil {
		return nil, loaderr.E(loaderr.KindConnection, "mssql.Open", err)
	}
	return s, nil
}

func (b *Backend) Close() error { return b.db.Close() }

// SQL Server error numbers the classifier singles out.
const (
	errObjectExists       = 2714
	errPKViolation        = 2627
	errUniqueIndex        = 2601
	errFKViolation        = 547
	errNullInsert         = 515
	errConversionFailed   = 245
	errOperandClash       = 8114
	errTruncated          = 8152
	errTruncatedDetail    = 2628
	errInvalidColumn      = 207
	errInvalidObject      = 208
	errCannotOpenDatabase = 4060
	errLoginFailed        = 18456
	errTransportClosed    = 233
	errConnReset          = 10054
)

// Dialect renders T-SQL.
type Dialect struct{}

func (Dialect) Name() string { return "mssql" }

func (Dialect) QuoteIdent(name string) string { return mssqlIdent(name) }

func (Dialect) TableName(schemaName, table string) string {
	if strings.TrimSpace(schemaName) == "" {
		return mssqlIdent(table)
	}
	return mssqlIdent(schemaName) + "." + mssqlIdent(table)
}

func (Dialect) Placeholder(n int) string { return fmt.Sprintf("@p%d", n) }

// MaxParams stays below the 2100 hard limit, leaving room for driver-added parameters.
func (Dialect) MaxParams() int { return 2000 }
func (Dialect) MaxRows() int   { return 1000 }

func (Dialect) TableExistsQuery(schemaName, table string) (string, []any) {
	name := table
	if strings.TrimSpace(schemaName) != "" {
		name = schemaName + "." + table
	}
	return `SELECT CASE WHEN OBJECT_ID(@p1, N'U') IS NULL THEN 0 ELSE 1 END`, []any{mssqlTableIdent(name)}
}

func (Dialect) CreateSchemaSQL(schemaName string) string {
	if strings.TrimSpace(schemaName) == "" {
		return ""
	}
	lit := strings.ReplaceAll(schemaName, "'", "''")
	stmt := strings.ReplaceAll("CREATE SCHEMA "+mssqlIdent(schemaName), "'", "''")
	return fmt.Sprintf("IF SCHEMA_ID(N'%s') IS NULL EXEC(N'%s')", lit, stmt)
}

// CreateTableSQL renders a plain CREATE TABLE; SQL Server raises 2714 when
// the table exists.
func (d Dialect) CreateTableSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	defs := storage.ColumnDefs(t, mssqlIdent)
	return fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", d.TableName(t.Schema, t.Name), strings.Join(defs, ",\n  ")), nil
}

func (Dialect) TypeMap() schema.TypeMap { return schema.MSSQL }

// Classify maps SQL Server error numbers onto the load taxonomy.
func (Dialect) Classify(err error) loaderr.Kind {
	if err == nil {
		return loaderr.KindUnknown
	}
	if sqlsession.IsConnErr(err) || errors.Is(err, context.DeadlineExceeded) {
		return loaderr.KindConnection
	}

	var me mssqldb.Error
	if !errors.As(err, &me) {
		var pme *mssqldb.Error
		if !errors.As(err, &pme) {
			return loaderr.KindUnknown
		}
		me = *pme
	}

	switch me.Number {
	case errObjectExists:
		return loaderr.KindSchemaConflict
	case errPKViolation, errUniqueIndex, errFKViolation, errNullInsert,
		errConversionFailed, errOperandClash, errTruncated, errTruncatedDetail,
		errInvalidColumn, errInvalidObject:
		return loaderr.KindInsert
	case errCannotOpenDatabase, errLoginFailed, errTransportClosed, errConnReset:
		return loaderr.KindConnection
	}
	return loaderr.KindUnknown
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.imports" -> [dbo].[imports]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

var (
	_ storage.Backend = (*Backend)(nil)
	_ storage.Dialect = Dialect{}
)
