package loader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"bulkload/internal/dataset"
	"bulkload/internal/loaderr"
	"bulkload/internal/schema"
	"bulkload/internal/storage"
)

// ---- in-memory destination ----

var (
	errDuplicate     = errors.New("duplicate key")
	errAlreadyExists = errors.New("relation already exists")
	errConnLost      = errors.New("connection lost")
)

type memDialect struct{}

func (memDialect) Name() string                      { return "mem" }
func (memDialect) QuoteIdent(s string) string        { return `"` + s + `"` }
func (memDialect) TableName(schema, t string) string { return schema + "." + t }
func (memDialect) Placeholder(n int) string          { return fmt.Sprintf("$%d", n) }
func (memDialect) MaxParams() int                    { return 1000 }
func (memDialect) MaxRows() int                      { return 0 }
func (memDialect) CreateSchemaSQL(string) string     { return "" }
func (memDialect) TypeMap() schema.TypeMap           { return schema.SQLite }

func (d memDialect) TableExistsQuery(schema, table string) (string, []any) {
	return "EXISTS", []any{d.TableName(schema, table)}
}

func (d memDialect) CreateTableSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	return "CREATE TABLE " + d.TableName(t.Schema, t.Name), nil
}

func (memDialect) Classify(err error) loaderr.Kind {
	switch {
	case errors.Is(err, errDuplicate):
		return loaderr.KindInsert
	case errors.Is(err, errAlreadyExists):
		return loaderr.KindSchemaConflict
	case errors.Is(err, errConnLost):
		return loaderr.KindConnection
	}
	return loaderr.KindUnknown
}

// memBackend keeps committed rows keyed by their first column.
type memBackend struct {
	width int

	// openErr, when set, is consulted with the 0-based open ordinal.
	openErr func(n int) error
	// gate, when non-nil, blocks every insert until it is closed.
	gate chan struct{}
	// existsLies makes the existence check always report false.
	existsLies bool
	commitErr  error

	opens   atomic.Int64
	commits atomic.Int64

	mu        sync.Mutex
	committed map[any]struct{}
	tables    map[string]bool
	sessions  []*memSession
}

func newMemBackend(width int) *memBackend {
	return &memBackend{width: width, committed: map[any]struct{}{}, tables: map[string]bool{}}
}

func (b *memBackend) Dialect() storage.Dialect { return memDialect{} }
func (b *memBackend) Close() error             { return nil }

func (b *memBackend) Open(ctx context.Context) (storage.Session, error) {
	n := int(b.opens.Add(1) - 1)
	if b.openErr != nil {
		if err := b.openErr(n); err != nil {
			return nil, err
		}
	}
	s := &memSession{b: b}
	b.mu.Lock()
	b.sessions = append(b.sessions, s)
	b.mu.Unlock()
	return s, nil
}

func (b *memBackend) rows() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.committed)
}

func (b *memBackend) has(key any) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.committed[key]
	return ok
}

// closeCounts returns how many times each opened session was closed.
func (b *memBackend) closeCounts() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int, len(b.sessions))
	for i, s := range b.sessions {
		out[i] = int(s.closes.Load())
	}
	return out
}

type memSession struct {
	b       *memBackend
	closes  atomic.Int32
	closed  bool
	pending [][]any
	ddl     []string
}

type boolRow struct {
	v   bool
	err error
}

func (r boolRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*bool)) = r.v
	return nil
}

func (s *memSession) Exec(ctx context.Context, q string, args ...any) (int64, error) {
	if s.closed {
		return 0, storage.ErrSessionClosed
	}
	b := s.b

	if name, ok := strings.CutPrefix(q, "CREATE TABLE "); ok {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.tables[name] {
			return 0, fmt.Errorf("create %s: %w", name, errAlreadyExists)
		}
		s.ddl = append(s.ddl, name)
		return 0, nil
	}

	if b.gate != nil {
		<-b.gate
	}

	n := len(args) / b.width
	seen := map[any]struct{}{}
	for _, p := range s.pending {
		seen[p[0]] = struct{}{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < n; i++ {
		row := args[i*b.width : (i+1)*b.width]
		if _, dup := b.committed[row[0]]; dup {
			return 0, fmt.Errorf("key %v: %w", row[0], errDuplicate)
		}
		if _, dup := seen[row[0]]; dup {
			return 0, fmt.Errorf("key %v: %w", row[0], errDuplicate)
		}
		seen[row[0]] = struct{}{}
		s.pending = append(s.pending, row)
	}
	return int64(n), nil
}

func (s *memSession) QueryRow(ctx context.Context, q string, args ...any) storage.Row {
	if s.closed {
		return boolRow{err: storage.ErrSessionClosed}
	}
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	return boolRow{v: s.b.tables[args[0].(string)] && !s.b.existsLies}
}

func (s *memSession) Commit(ctx context.Context) error {
	if s.closed {
		return storage.ErrSessionClosed
	}
	b := s.b
	if b.commitErr != nil {
		s.pending, s.ddl = nil, nil
		return b.commitErr
	}
	b.commits.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range s.pending {
		b.committed[r[0]] = struct{}{}
	}
	for _, t := range s.ddl {
		b.tables[t] = true
	}
	s.pending, s.ddl = nil, nil
	return nil
}

func (s *memSession) Close(ctx context.Context) error {
	s.closes.Add(1)
	if s.closed {
		return storage.ErrSessionClosed
	}
	s.closed = true
	s.pending, s.ddl = nil, nil
	return nil
}

// ---- fixtures ----

// idDataset returns n rows (id, label) with ids 0..n-1, after applying dup
// as id overrides: dup[i] = id gives row i that id.
func idDataset(t *testing.T, n int, dup map[int]int64) *dataset.Dataset {
	t.Helper()
	rows := make([][]any, n)
	for i := range rows {
		id := int64(i)
		if v, ok := dup[i]; ok {
			id = v
		}
		rows[i] = []any{id, fmt.Sprintf("row-%d", i)}
	}
	ds, err := dataset.New([]string{"id", "label"}, []dataset.ColumnType{dataset.Integer, dataset.Text}, rows)
	if err != nil {
		t.Fatalf("dataset.New: %v", err)
	}
	return ds
}

// eventLog records events for assertions.
type eventLog struct {
	mu     sync.Mutex
	events []Event
	counts [len(eventNames)]atomic.Int64
}

func (l *eventLog) Observe(e Event) {
	l.counts[e.Kind].Add(1)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) count(k EventKind) int { return int(l.counts[k].Load()) }

func (l *eventLog) of(k EventKind) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}
