package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"bulkload/internal/loaderr"
	"bulkload/internal/schema"
)

// ErrSessionClosed is returned by Session methods after Close.
var ErrSessionClosed = errors.New("storage: session closed")

// Config is the minimal configuration needed to construct a Backend.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
//   - MaxSessions is a hint for pooled backends; <= 0 lets the backend choose.
type Config struct {
	Kind        string
	DSN         string
	MaxSessions int
	Auth        AuthConfig
}

// AuthConfig selects token-based authentication for backends that support it.
// An empty Provider means the DSN's own credentials are used.
type AuthConfig struct {
	Provider     string // "aws" | "azure" | "gcp"
	Region       string
	Instance     string
	TenantID     string
	ClientID     string
	ClientSecret string
}

// Row is a single-row query result.
type Row interface {
	Scan(dest ...any) error
}

// Session is one exclusive database connection.
//
// The first Exec begins a transaction. Commit ends it; the next Exec begins a
// new one. Close rolls back anything uncommitted and releases the connection.
//
// A Session is not safe for concurrent use. Each worker owns its own.
type Session interface {
	// Exec runs a statement inside the session's transaction and returns rows affected.
	Exec(ctx context.Context, query string, args ...any) (int64, error)

	// QueryRow runs a single-row query, inside the open transaction if there is one.
	QueryRow(ctx context.Context, query string, args ...any) Row

	// Commit commits the open transaction. With no open transaction it is a no-op.
	Commit(ctx context.Context) error

	// Close rolls back any open transaction and releases the connection.
	// Calling Close twice returns ErrSessionClosed.
	Close(ctx context.Context) error
}

// Dialect renders SQL and classifies errors for one destination kind.
type Dialect interface {
	Name() string

	// QuoteIdent quotes a single identifier.
	QuoteIdent(name string) string

	// TableName renders a possibly schema-qualified table reference.
	TableName(schema, table string) string

	// Placeholder renders the n-th (1-based) positional parameter.
	Placeholder(n int) string

	// MaxParams is the largest number of bind parameters one statement may carry.
	MaxParams() int

	// MaxRows caps rows per INSERT statement; 0 means no cap beyond MaxParams.
	MaxRows() int

	// TableExistsQuery returns a query yielding one boolean-compatible column.
	TableExistsQuery(schema, table string) (string, []any)

	// CreateSchemaSQL returns an idempotent schema creation statement, or "".
	CreateSchemaSQL(schema string) string

	// CreateTableSQL returns a plain CREATE TABLE for t. It must fail on an
	// existing table so callers can tell "created" from "already there".
	CreateTableSQL(t TableSpec) (string, error)

	// TypeMap is the default type map for this destination.
	TypeMap() schema.TypeMap

	// Classify maps a driver error onto the load failure taxonomy.
	Classify(err error) loaderr.Kind
}

// Backend hands out Sessions for one destination.
type Backend interface {
	Dialect() Dialect
	Open(ctx context.Context) (Session, error)
	Close() error
}

// Factory constructs a Backend.
type Factory func(ctx context.Context, cfg Config) (Backend, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//   - The `kind` string becomes the lookup key used by New.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// New constructs a Backend using the registered factory.
//
// Errors:
//   - ConfigError if cfg.Kind is empty or unsupported.
//   - Whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Backend, error) {
	if cfg.Kind == "" {
		return nil, loaderr.Errorf(loaderr.KindConfig, "storage.New", "missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, loaderr.Errorf(loaderr.KindConfig, "storage.New", "unsupported storage.kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds returns the registered kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
