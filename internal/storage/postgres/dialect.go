package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	pg_query "github.com/pganalyze/pg_query_go/v6"

	"bulkload/internal/loaderr"
	"bulkload/internal/schema"
	"bulkload/internal/storage"
)

// SQLSTATE codes the classifier singles out.
const (
	pgCodeDuplicateTable     = "42P07"
	pgCodeDuplicateSchema    = "42P06"
	pgCodeUndefinedTable     = "42P01"
	pgCodeUndefinedColumn    = "42703"
	pgCodeDatatypeMismatch   = "42804"
	pgCodeAdminShutdown      = "57P01"
	pgCodeCrashShutdown      = "57P02"
	pgCodeCannotConnectNow   = "57P03"
	pgCodeTooManyConnections = "53300"
)

// Dialect renders Postgres SQL.
type Dialect struct{}

func (Dialect) Name() string { return "postgres" }

// QuoteIdent quotes a single identifier, escaping '"' as '""'.
func (Dialect) QuoteIdent(name string) string { return pgIdent(name) }

// TableName renders schema.table; an empty schema leaves the search_path in charge.
func (Dialect) TableName(schemaName, table string) string {
	if strings.TrimSpace(schemaName) == "" {
		return pgIdent(table)
	}
	return pgIdent(schemaName) + "." + pgIdent(table)
}

func (Dialect) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

// MaxParams is the wire protocol's int16 parameter count limit.
func (Dialect) MaxParams() int { return 65535 }
func (Dialect) MaxRows() int   { return 0 }

func (Dialect) TableExistsQuery(schemaName, table string) (string, []any) {
	return `SELECT EXISTS (
  SELECT 1 FROM information_schema.tables
  WHERE table_schema = COALESCE(NULLIF($1, ''), current_schema()) AND table_name = $2
)`, []any{schemaName, table}
}

func (Dialect) CreateSchemaSQL(schemaName string) string {
	if strings.TrimSpace(schemaName) == "" {
		return ""
	}
	return "CREATE SCHEMA IF NOT EXISTS " + pgIdent(schemaName)
}

// CreateTableSQL renders a plain CREATE TABLE. It fails unless the result
// parses as exactly one CREATE TABLE statement.
func (d Dialect) CreateTableSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	defs := storage.ColumnDefs(t, pgIdent)
	q := fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", d.TableName(t.Schema, t.Name), strings.Join(defs, ",\n  "))

	if err := checkCreateTable(q); err != nil {
		return "", err
	}
	return q, nil
}

func checkCreateTable(q string) error {
	res, err := pg_query.Parse(q)
	if err != nil {
		return fmt.Errorf("generated DDL does not parse: %w", err)
	}
	if len(res.Stmts) != 1 || res.Stmts[0].GetStmt().GetCreateStmt() == nil {
		return fmt.Errorf("generated DDL is not a single CREATE TABLE statement")
	}
	return nil
}

func (Dialect) TypeMap() schema.TypeMap { return schema.Postgres }

// Classify maps pgx errors onto the load taxonomy by SQLSTATE class.
func (Dialect) Classify(err error) loaderr.Kind {
	if err == nil {
		return loaderr.KindUnknown
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return loaderr.KindConnection
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		if isClosedConn(err) {
			return loaderr.KindConnection
		}
		return loaderr.KindUnknown
	}

	code := pgErr.Code
	switch code {
	case pgCodeDuplicateTable, pgCodeDuplicateSchema:
		return loaderr.KindSchemaConflict
	case pgCodeUndefinedTable, pgCodeUndefinedColumn, pgCodeDatatypeMismatch:
		return loaderr.KindInsert
	case pgCodeAdminShutdown, pgCodeCrashShutdown, pgCodeCannotConnectNow, pgCodeTooManyConnections:
		return loaderr.KindConnection
	}

	switch {
	// Class 23 - Integrity Constraint Violation
	case strings.HasPrefix(code, "23"):
		return loaderr.KindInsert
	// Class 22 - Data Exception
	case strings.HasPrefix(code, "22"):
		return loaderr.KindInsert
	// Class 08 - Connection Exception
	case strings.HasPrefix(code, "08"):
		return loaderr.KindConnection
	}
	return loaderr.KindUnknown
}

func isClosedConn(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "conn closed") || strings.Contains(msg, "conn busy")
}

// pgIdent quotes a single identifier, escaping '"' as '""'.
func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

var _ storage.Dialect = Dialect{}
