package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/parquet-go/parquet-go"

	"bulkload/internal/config"
	"bulkload/internal/dataset"
	"bulkload/internal/loaderr"
)

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func csvSource(path string) config.Source {
	j := config.Job{Source: config.Source{Path: path}}
	j.ApplyDefaults()
	return j.Source
}

func TestDetectFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name, location string
		want           Format
		wantErr        bool
	}{
		{"", "people.csv", FormatCSV, false},
		{"", "/data/People.TSV", FormatCSV, false},
		{"", "https://host/x/data.parquet?sig=abc", FormatParquet, false},
		{"", "file:///tmp/a.txt", FormatCSV, false},
		{"parquet", "whatever.bin", FormatParquet, false},
		{"TSV", "noext", FormatCSV, false},
		{"", "noext", "", true},
		{"xlsx", "a.xlsx", "", true},
	}
	for _, tc := range tests {
		got, err := DetectFormat(tc.name, tc.location)
		if tc.wantErr {
			if !loaderr.Is(err, loaderr.KindConfig) {
				t.Fatalf("DetectFormat(%q,%q) err=%v, want ConfigError", tc.name, tc.location, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("DetectFormat(%q,%q)=%q,%v, want %q", tc.name, tc.location, got, err, tc.want)
		}
	}
}

func TestLoad_CSVInferenceAndNulls(t *testing.T) {
	t.Parallel()

	data := "Id,Score,Name,Empty,Zip\n" +
		"1,1.5,Ann,,00501\n" +
		"2,2,NA,,\n" +
		"3,-,Bob,,10001\n"
	src := csvSource(writeTemp(t, "people.csv", []byte(data)))
	src.NAValues = []string{"-"}
	src.Types = map[string]string{"zip": "text"}

	ds, err := Load(context.Background(), src)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got, want := ds.Columns(), []string{"id", "score", "name", "empty", "zip"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("columns=%v, want %v", got, want)
	}
	wantTypes := []dataset.ColumnType{dataset.Integer, dataset.Float, dataset.Text, dataset.Unknown, dataset.Text}
	if got := ds.Types(); !reflect.DeepEqual(got, wantTypes) {
		t.Fatalf("types=%v, want %v", got, wantTypes)
	}

	wantRows := [][]any{
		{int64(1), 1.5, "Ann", nil, "00501"},
		{int64(2), 2.0, nil, nil, nil},
		{int64(3), nil, "Bob", nil, "10001"},
	}
	if ds.Len() != len(wantRows) {
		t.Fatalf("rows=%d, want %d", ds.Len(), len(wantRows))
	}
	for i, want := range wantRows {
		if got := ds.Row(i); !reflect.DeepEqual(got, want) {
			t.Fatalf("row %d=%#v, want %#v", i, got, want)
		}
	}
}

func TestLoad_CSVOptions(t *testing.T) {
	t.Parallel()

	t.Run("tsv_without_header", func(t *testing.T) {
		t.Parallel()
		j := config.Job{Source: config.Source{Path: writeTemp(t, "x.data", []byte("1\ta\n2\tb\n")), Format: "tsv"}}
		f := false
		j.Source.HasHeader = &f
		j.ApplyDefaults()

		ds, err := Load(context.Background(), j.Source)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if got := ds.Columns(); !reflect.DeepEqual(got, []string{"column_1", "column_2"}) {
			t.Fatalf("columns=%v", got)
		}
		if ds.Len() != 2 || ds.Row(1)[1] != "b" {
			t.Fatalf("rows=%d row1=%v", ds.Len(), ds.Row(1))
		}
	})

	t.Run("windows_1250", func(t *testing.T) {
		t.Parallel()
		// "jméno;město\nŽluťoučký;Brno\n" in windows-1250.
		raw := []byte("jm\xe9no;m\xecsto\n\x8elu\x9dou\xe8k\xfd;Brno\n")
		src := csvSource(writeTemp(t, "cz.csv", raw))
		src.Delimiter = ";"
		src.Encoding = "windows-1250"

		ds, err := Load(context.Background(), src)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if got := ds.Columns(); !reflect.DeepEqual(got, []string{"jmeno", "mesto"}) {
			t.Fatalf("columns=%v", got)
		}
		if got := ds.Row(0)[0]; got != "Žluťoučký" {
			t.Fatalf("value=%q, want Žluťoučký", got)
		}
	})

	t.Run("header_only", func(t *testing.T) {
		t.Parallel()
		ds, err := Load(context.Background(), csvSource(writeTemp(t, "h.csv", []byte("a,b\n"))))
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if ds.Len() != 0 || ds.Width() != 2 {
			t.Fatalf("dataset=%v, want 2 columns and no rows", ds)
		}
	})
}

func TestLoad_CSVErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		data     string
		mutate   func(*config.Source)
		contains string
	}{
		{name: "ragged", data: "a,b\n1,2\n3\n", contains: "line 3"},
		{name: "declared_integer", data: "a\n1\nx\n", mutate: func(s *config.Source) { s.Types = map[string]string{"a": "integer"} }, contains: `line 3 column "a"`},
		{name: "declared_unknown_column", data: "a\n1\n", mutate: func(s *config.Source) { s.Types = map[string]string{"b": "text"} }, contains: "unknown columns [b]"},
		{name: "bad_encoding", data: "a\n1\n", mutate: func(s *config.Source) { s.Encoding = "klingon-8" }, contains: "unknown encoding"},
		{name: "empty", data: "", contains: "empty input"},
		{name: "bad_quote", data: "a\n\"x\n", contains: "extraneous"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			src := csvSource(writeTemp(t, "bad.csv", []byte(tc.data)))
			if tc.mutate != nil {
				tc.mutate(&src)
			}
			_, err := Load(context.Background(), src)
			if !loaderr.Is(err, loaderr.KindConfig) {
				t.Fatalf("err=%v, want ConfigError", err)
			}
			if !strings.Contains(err.Error(), tc.contains) {
				t.Fatalf("err=%q, want it to contain %q", err, tc.contains)
			}
		})
	}
}

func TestLoad_OpenErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, p := range []string{filepath.Join(dir, "missing.csv"), "file://" + filepath.Join(dir, "missing.csv")} {
		if _, err := Load(context.Background(), csvSource(p)); !loaderr.Is(err, loaderr.KindConfig) {
			t.Fatalf("Load(%s) err=%v, want ConfigError", p, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Load(ctx, csvSource(writeTemp(t, "a.csv", []byte("a\n1\n")))); err != context.Canceled {
		t.Fatalf("canceled Load err=%v, want context.Canceled", err)
	}
}

type parquetPerson struct {
	ID     int64   `parquet:"id"`
	Age    int32   `parquet:"age"`
	Score  float64 `parquet:"score"`
	Ratio  float32 `parquet:"ratio"`
	Name   *string `parquet:"name,optional"`
	Active bool    `parquet:"active"`
}

func writeParquet(t *testing.T, dir string, rows []parquetPerson) string {
	t.Helper()
	p := filepath.Join(dir, "people.parquet")
	f, err := os.Create(p)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	w := parquet.NewGenericWriter[parquetPerson](f)
	if _, err := w.Write(rows); err != nil {
		t.Fatalf("parquet write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("parquet close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return p
}

func byName(ds *dataset.Dataset) map[string]int {
	ix := make(map[string]int, ds.Width())
	for i, c := range ds.Columns() {
		ix[c] = i
	}
	return ix
}

func checkParquetPeople(t *testing.T, ds *dataset.Dataset) {
	t.Helper()

	ix := byName(ds)
	types := ds.Types()
	wantTypes := map[string]dataset.ColumnType{
		"id": dataset.Integer, "age": dataset.Integer, "score": dataset.Float,
		"ratio": dataset.Float, "name": dataset.Text, "active": dataset.Unknown,
	}
	for col, want := range wantTypes {
		i, ok := ix[col]
		if !ok {
			t.Fatalf("column %q missing from %v", col, ds.Columns())
		}
		if types[i] != want {
			t.Fatalf("type of %s=%v, want %v", col, types[i], want)
		}
	}

	if ds.Len() != 2 {
		t.Fatalf("rows=%d, want 2", ds.Len())
	}
	r0, r1 := ds.Row(0), ds.Row(1)
	if r0[ix["id"]] != int64(1) || r0[ix["age"]] != int64(30) || r0[ix["score"]] != 1.5 || r0[ix["ratio"]] != 0.25 {
		t.Fatalf("row 0 numbers=%v", r0)
	}
	if r0[ix["name"]] != "Ann" || r0[ix["active"]] != "true" {
		t.Fatalf("row 0 text=%v", r0)
	}
	if r1[ix["name"]] != nil || r1[ix["active"]] != "false" {
		t.Fatalf("row 1=%v, want null name", r1)
	}
}

func parquetPeople() []parquetPerson {
	ann := "Ann"
	return []parquetPerson{
		{ID: 1, Age: 30, Score: 1.5, Ratio: 0.25, Name: &ann, Active: true},
		{ID: 2, Age: 41, Score: -3, Ratio: 1},
	}
}

func TestLoad_Parquet(t *testing.T) {
	t.Parallel()

	p := writeParquet(t, t.TempDir(), parquetPeople())
	ds, err := Load(context.Background(), config.Source{Path: p})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	checkParquetPeople(t, ds)
}

func TestLoad_ParquetCorrupt(t *testing.T) {
	t.Parallel()

	p := writeTemp(t, "junk.parquet", []byte("definitely not parquet"))
	if _, err := Load(context.Background(), config.Source{Path: p}); !loaderr.Is(err, loaderr.KindConfig) {
		t.Fatalf("err=%v, want ConfigError", err)
	}
}

func TestLoad_HTTP(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeParquet(t, dir, parquetPeople())
	if err := os.WriteFile(filepath.Join(dir, "people.csv"), []byte("id,name\n1,Ann\n2,Bob\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(http.FileServer(http.Dir(dir)))
	t.Cleanup(srv.Close)

	ds, err := Load(context.Background(), config.Source{Path: srv.URL + "/people.parquet"})
	if err != nil {
		t.Fatalf("Load parquet over http: %v", err)
	}
	checkParquetPeople(t, ds)

	ds, err = Load(context.Background(), csvSource(srv.URL+"/people.csv"))
	if err != nil {
		t.Fatalf("Load csv over http: %v", err)
	}
	if ds.Len() != 2 || ds.Row(1)[1] != "Bob" {
		t.Fatalf("csv over http rows=%d row1=%v", ds.Len(), ds.Row(1))
	}

	_, err = Load(context.Background(), csvSource(srv.URL+"/missing.csv"))
	if !loaderr.Is(err, loaderr.KindConnection) {
		t.Fatalf("missing remote err=%v, want ConnectionError", err)
	}
}
