package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bulkload/internal/loaderr"
	"bulkload/internal/storage"
)

/*
Backend implements storage.Backend for Postgres.

It provides:
  - One pooled connection per Session, held until Close
  - Lazy transactions: the first Exec begins, Commit ends
  - Token-based auth for AWS RDS, Azure and Cloud SQL (see auth.go)
*/
type Backend struct {
	pool    *pgxpool.Pool
	closers []func()
}

func init() {
	storage.Register("postgres", New)
}

// New creates a Postgres-backed Backend.
func New(ctx context.Context, cfg storage.Config) (storage.Backend, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, loaderr.Errorf(loaderr.KindConfig, "postgres.New", "missing dsn")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, loaderr.E(loaderr.KindConfig, "postgres.New", err)
	}
	poolCfg.MaxConns = int32(max(cfg.MaxSessions, 4))

	closers, err := applyAuth(ctx, poolCfg, cfg.Auth)
	if err != nil {
		return nil, err
	}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		closeAll()
		return nil, loaderr.E(loaderr.KindConnection, "postgres.New", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		closeAll()
		return nil, loaderr.E(loaderr.KindConnection, "postgres.New", err)
	}
	return &Backend{pool: pool, closers: closers}, nil
}

func (b *Backend) Dialect() storage.Dialect { return Dialect{} }

// Open acquires a dedicated connection from the pool.
func (b *Backend) Open(ctx context.Context) (storage.Session, error) {
	c, err := b.pool.Acquire(ctx)
	if err != nil {
		return nil, loaderr.E(loaderr.KindConnection, "postgres.Open", err)
	}
	return &Session{conn: c}, nil
}

// Close closes the pool, then releases auth resources such as the Cloud SQL dialer.
func (b *Backend) Close() error {
	b.pool.Close()
	for _, c := range b.closers {
		c()
	}
	b.closers = nil
	return nil
}

// Session holds one acquired pool connection.
type Session struct {
	mu     sync.Mutex
	conn   *pgxpool.Conn
	tx     pgx.Tx
	closed bool
}

func (s *Session) Exec(ctx context.Context, q string, args ...any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, storage.ErrSessionClosed
	}
	if s.tx == nil {
		tx, err := s.conn.Begin(ctx)
		if err != nil {
			return 0, err
		}
		s.tx = tx
	}

	tag, err := s.tx.Exec(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Session) QueryRow(ctx context.Context, q string, args ...any) storage.Row {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errRow{err: storage.ErrSessionClosed}
	}
	if s.tx != nil {
		return s.tx.QueryRow(ctx, q, args...)
	}
	return s.conn.QueryRow(ctx, q, args...)
}

func (s *Session) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrSessionClosed
	}
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	return tx.Commit(ctx)
}

// Close rolls back anything uncommitted and releases the connection. A
// connection whose rollback failed is destroyed rather than returned.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrSessionClosed
	}
	s.closed = true

	var rbErr error
	if s.tx != nil {
		rbErr = s.tx.Rollback(ctx)
		s.tx = nil
		if errors.Is(rbErr, pgx.ErrTxClosed) {
			rbErr = nil
		}
	}
	if rbErr != nil {
		_ = s.conn.Conn().Close(ctx)
		s.conn.Release()
		return fmt.Errorf("rollback on close: %w", rbErr)
	}
	s.conn.Release()
	return nil
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

var (
	_ storage.Backend = (*Backend)(nil)
	_ storage.Session = (*Session)(nil)
)
