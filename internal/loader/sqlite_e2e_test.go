package loader_test

import (
	"context"
	"path/filepath"
	"testing"

	"bulkload/internal/dataset"
	"bulkload/internal/loader"
	"bulkload/internal/loaderr"
	"bulkload/internal/schema"
	"bulkload/internal/storage"
	_ "bulkload/internal/storage/sqlite"
)

func sqliteBackend(t *testing.T) storage.Backend {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "e2e.db") + "?_pragma=busy_timeout(5000)"
	b, err := storage.New(context.Background(), storage.Config{Kind: "sqlite", DSN: dsn, MaxSessions: 4})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func people(t *testing.T, n int, dup map[int]int64) *dataset.Dataset {
	t.Helper()
	rows := make([][]any, n)
	for i := range rows {
		id := int64(i)
		if v, ok := dup[i]; ok {
			id = v
		}
		rows[i] = []any{id, "name", float64(i) / 2}
	}
	ds, err := dataset.New([]string{"id", "name", "score"}, []dataset.ColumnType{dataset.Integer, dataset.Text, dataset.Float}, rows)
	if err != nil {
		t.Fatalf("dataset.New: %v", err)
	}
	return ds
}

func ensure(t *testing.T, b storage.Backend, ds *dataset.Dataset, mode loader.Mode) (loader.TableOutcome, error) {
	t.Helper()
	spec, err := loader.TableSpecFor("", "people", schema.Infer(ds, b.Dialect().TypeMap()), []string{"id"})
	if err != nil {
		t.Fatalf("TableSpecFor: %v", err)
	}
	return loader.TableManager{Backend: b}.Ensure(context.Background(), spec, mode)
}

func countRows(t *testing.T, b storage.Backend) int {
	t.Helper()
	ctx := context.Background()
	s, err := b.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = s.Close(ctx) }()
	var n int
	if err := s.QueryRow(ctx, `SELECT COUNT(*) FROM "people"`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestSQLite_TableModes(t *testing.T) {
	b := sqliteBackend(t)
	ds := people(t, 1, nil)

	if out, err := ensure(t, b, ds, loader.CreateIfAbsent); err != nil || !out.Created {
		t.Fatalf("first Ensure=%+v,%v, want created", out, err)
	}
	if out, err := ensure(t, b, ds, loader.CreateIfAbsent); err != nil || !out.Existed {
		t.Fatalf("second Ensure=%+v,%v, want existed", out, err)
	}
	if _, err := ensure(t, b, ds, loader.CreateStrict); !loaderr.Is(err, loaderr.KindSchemaConflict) {
		t.Fatalf("strict Ensure err=%v, want SchemaConflict", err)
	}
}

func TestSQLite_ConcurrentLoadWithDuplicate(t *testing.T) {
	b := sqliteBackend(t)
	ds := people(t, 10, map[int]int64{4: 3})
	if _, err := ensure(t, b, ds, loader.CreateStrict); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	rep, err := loader.Engine{Opener: b, Workers: 2, BatchSize: 3}.Load(context.Background(), ds, loader.Target{Table: "people"})
	if !loaderr.Is(err, loaderr.KindInsert) {
		t.Fatalf("err=%v, want InsertError", err)
	}
	if rep.RowsCommitted != 7 || countRows(t, b) != 7 {
		t.Fatalf("rows committed=%d table=%d, want 7 7", rep.RowsCommitted, countRows(t, b))
	}
	if len(rep.FailedBatches) != 1 || rep.FailedBatches[0].BatchIndex != 1 {
		t.Fatalf("failed batches=%+v, want batch 1", rep.FailedBatches)
	}
}

func TestSQLite_SequentialAllOrNothing(t *testing.T) {
	b := sqliteBackend(t)
	ds := people(t, 10, map[int]int64{9: 0})
	if _, err := ensure(t, b, ds, loader.CreateStrict); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	rep, err := loader.SequentialLoader{Opener: b, BatchSize: 3}.Load(context.Background(), ds, loader.Target{Table: "people"})
	if !loaderr.Is(err, loaderr.KindInsert) {
		t.Fatalf("err=%v, want InsertError", err)
	}
	if rep.RowsCommitted != 0 || countRows(t, b) != 0 {
		t.Fatalf("rows committed=%d table=%d, want 0 0", rep.RowsCommitted, countRows(t, b))
	}

	ok := people(t, 10, nil)
	if _, err := (loader.SequentialLoader{Opener: b, BatchSize: 4}).Load(context.Background(), ok, loader.Target{Table: "people"}); err != nil {
		t.Fatalf("clean load err=%v", err)
	}
	if n := countRows(t, b); n != 10 {
		t.Fatalf("table rows=%d, want 10", n)
	}
}
