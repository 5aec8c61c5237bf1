// Package sqlsession implements storage.Session over a dedicated
// database/sql connection. SQLite and SQL Server backends share it; they
// differ only in how a transaction is started.
package sqlsession

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync"

	"bulkload/internal/storage"
)

// Tx is a small interface over *sql.Tx used for testability.
//
// It models the minimal transactional methods a Session needs.
type Tx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) storage.Row
	Commit() error
	Rollback() error
}

// Conn is a small interface over *sql.Conn.
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) storage.Row
	Close() error
}

// BeginFunc starts a transaction on c.
type BeginFunc func(ctx context.Context, c *sql.Conn) (Tx, error)

// Session is a storage.Session over one *sql.Conn.
type Session struct {
	mu     sync.Mutex
	conn   Conn
	raw    *sql.Conn
	begin  BeginFunc
	tx     Tx
	closed bool
}

// Open takes one connection from db and wraps it. begin defaults to BeginStd.
func Open(ctx context.Context, db *sql.DB, begin BeginFunc) (*Session, error) {
	c, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	if begin == nil {
		begin = BeginStd
	}
	return &Session{conn: sqlConn{c: c}, raw: c, begin: begin}, nil
}

// Exec runs q inside the session's transaction, beginning one if needed.
func (s *Session) Exec(ctx context.Context, q string, args ...any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, storage.ErrSessionClosed
	}
	if s.tx == nil {
		tx, err := s.begin(ctx, s.raw)
		if err != nil {
			return 0, err
		}
		s.tx = tx
	}

	res, err := s.tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		// Some drivers cannot report it; the statement still succeeded.
		return 0, nil
	}
	return n, nil
}

// QueryRow reads through the open transaction when there is one.
func (s *Session) QueryRow(ctx context.Context, q string, args ...any) storage.Row {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errRow{err: storage.ErrSessionClosed}
	}
	if s.tx != nil {
		return s.tx.QueryRowContext(ctx, q, args...)
	}
	return s.conn.QueryRowContext(ctx, q, args...)
}

// Commit commits the open transaction. With none open it is a no-op.
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
	return tx.Commit()
}

// Close rolls back anything uncommitted and returns the connection to the pool.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrSessionClosed
	}
	s.closed = true

	var rbErr error
	if s.tx != nil {
		rbErr = s.tx.Rollback()
		s.tx = nil
		if errors.Is(rbErr, sql.ErrTxDone) {
			rbErr = nil
		}
	}
	return errors.Join(rbErr, s.conn.Close())
}

// IsConnErr reports whether err means the connection itself is gone.
func IsConnErr(err error) bool {
	return errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone)
}

// BeginStd starts a transaction with database/sql's BeginTx.
func BeginStd(ctx context.Context, c *sql.Conn) (Tx, error) {
	tx, err := c.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return sqlTx{tx: tx}, nil
}

// BeginStatements starts a transaction by running begin on the connection and
// ends it with COMMIT or ROLLBACK statements. SQLite uses it for
// BEGIN IMMEDIATE, which database/sql's BeginTx cannot express.
func BeginStatements(begin string) BeginFunc {
	return func(ctx context.Context, c *sql.Conn) (Tx, error) {
		if _, err := c.ExecContext(ctx, begin); err != nil {
			return nil, err
		}
		return &stmtTx{c: c}, nil
	}
}

// ---- database/sql seam types ----

type sqlConn struct{ c *sql.Conn }

func (s sqlConn) ExecContext(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.c.ExecContext(ctx, q, args...)
}

func (s sqlConn) QueryRowContext(ctx context.Context, q string, args ...any) storage.Row {
	return s.c.QueryRowContext(ctx, q, args...)
}

func (s sqlConn) Close() error { return s.c.Close() }

type sqlTx struct{ tx *sql.Tx }

func (s sqlTx) ExecContext(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.tx.ExecContext(ctx, q, args...)
}

func (s sqlTx) QueryRowContext(ctx context.Context, q string, args ...any) storage.Row {
	return s.tx.QueryRowContext(ctx, q, args...)
}

func (s sqlTx) Commit() error   { return s.tx.Commit() }
func (s sqlTx) Rollback() error { return s.tx.Rollback() }

// stmtTx is a transaction driven by plain statements on a connection.
type stmtTx struct {
	c    *sql.Conn
	done bool
}

func (t *stmtTx) ExecContext(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return t.c.ExecContext(ctx, q, args...)
}

func (t *stmtTx) QueryRowContext(ctx context.Context, q string, args ...any) storage.Row {
	return t.c.QueryRowContext(ctx, q, args...)
}

func (t *stmtTx) Commit() error {
	if t.done {
		return sql.ErrTxDone
	}
	t.done = true
	if _, err := t.c.ExecContext(context.Background(), "COMMIT"); err != nil {
		// A failed COMMIT can leave the transaction open on the connection.
		_, _ = t.c.ExecContext(context.Background(), "ROLLBACK")
		return err
	}
	return nil
}

func (t *stmtTx) Rollback() error {
	if t.done {
		return sql.ErrTxDone
	}
	t.done = true
	_, err := t.c.ExecContext(context.Background(), "ROLLBACK")
	return err
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

var (
	_ storage.Session = (*Session)(nil)
	_ Tx              = sqlTx{}
	_ Tx              = (*stmtTx)(nil)
	_ Conn            = sqlConn{}
)
