package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulkload/internal/config"
	"bulkload/internal/loaderr"
	"bulkload/internal/pipeline"
	"bulkload/internal/replay"
)

func testDeps() deps {
	return deps{
		OpenJournal: func(path string) (*replay.Journal, error) { return replay.OpenWithLogger(path, nil) },
		NewRunner: func() *pipeline.Runner {
			r := pipeline.NewDefaultRunner()
			r.OpenJournal = func(path string) (*replay.Journal, error) { return replay.OpenWithLogger(path, nil) }
			return r
		},
	}
}

// execute runs the command tree with args and returns stdout, stderr and
// the exit code main would use.
func execute(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(testDeps())
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	if err := cmd.Execute(); err != nil {
		return out.String(), errOut.String(), exitCodeForError(err)
	}
	return out.String(), errOut.String(), 0
}

// seedJournal writes two runs into a fresh journal directory.
func seedJournal(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "journal")
	j, err := replay.OpenWithLogger(dir, nil)
	require.NoError(t, err)
	defer j.Close()

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, j.SaveRun(replay.RunRecord{
		ID: "run-old", Table: "people", LoadMode: "sequential", StartedAt: base,
		RowsTotal: 4, RowsCommitted: 4, BatchesTotal: 2, Committed: roaring.BitmapOf(0, 1),
	}))
	require.NoError(t, j.SaveRun(replay.RunRecord{
		ID: "run-new", Schema: "stage", Table: "people", LoadMode: "concurrent", StartedAt: base.Add(time.Hour),
		BatchSize: 2, RowsTotal: 6, RowsCommitted: 4, BatchesTotal: 3, BatchesCommitted: 2,
		Failed: []int{1}, Committed: roaring.BitmapOf(0, 2), Err: "batch 1: InsertError\nmore",
	}))
	require.NoError(t, j.SaveBatch(replay.BatchRecord{
		RunID: "run-new", Schema: "stage", Table: "people", Columns: []string{"id", "name"},
		BatchIndex: 1, Offset: 2, Kind: loaderr.KindInsert, Err: "UNIQUE constraint failed",
		Rows: [][]any{{int64(2), "bo"}, {int64(3), nil}},
	}))
	return dir
}

func TestList(t *testing.T) {
	t.Parallel()

	out, _, code := execute(t, "list", "--journal", seedJournal(t))
	require.Equal(t, 0, code)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "RUN"))
	assert.True(t, strings.HasPrefix(lines[1], "run-new"), "newest first: %q", lines[1])
	assert.Contains(t, lines[1], "stage.people")
	assert.Contains(t, lines[1], "4/6")
	assert.Contains(t, lines[1], "2/3")
	assert.True(t, strings.HasPrefix(lines[2], "run-old"))
}

func TestList_Empty(t *testing.T) {
	t.Parallel()

	out, _, code := execute(t, "list", "--journal", filepath.Join(t.TempDir(), "j"))
	require.Equal(t, 0, code)
	assert.Equal(t, "no runs\n", out)
}

func TestShow(t *testing.T) {
	t.Parallel()

	out, _, code := execute(t, "show", "run-new", "--journal", seedJournal(t), "--rows")
	require.Equal(t, 0, code)

	assert.Contains(t, out, "failed:")
	assert.Contains(t, out, "batch 1: InsertError ...")
	assert.Contains(t, out, "UNIQUE constraint failed")
	assert.Contains(t, out, `{"batch":1,"row":2,"data":{"id":2,"name":"bo"}}`)
	assert.Contains(t, out, `{"batch":1,"row":3,"data":{"id":3,"name":null}}`)
}

func TestShow_UnknownRun(t *testing.T) {
	t.Parallel()

	_, _, code := execute(t, "show", "nope", "--journal", seedJournal(t))
	assert.Equal(t, exitError, code)
}

func TestPurge(t *testing.T) {
	t.Parallel()

	dir := seedJournal(t)
	out, _, code := execute(t, "purge", "run-new", "--journal", dir)
	require.Equal(t, 0, code)
	assert.Equal(t, "purged run run-new (1 batches)\n", out)

	out, _, code = execute(t, "list", "--journal", dir)
	require.Equal(t, 0, code)
	assert.NotContains(t, out, "run-new")

	_, _, code = execute(t, "purge", "run-new", "--journal", dir)
	assert.Equal(t, exitError, code)
}

func TestUsageErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
	}{
		{name: "no_journal", args: []string{"list"}},
		{name: "show_without_run", args: []string{"show", "--journal", "x"}},
		{name: "list_with_args", args: []string{"list", "extra", "--journal", "x"}},
		{name: "apply_without_config", args: []string{"apply", "run-1", "--journal", "x"}},
		{name: "unknown_flag", args: []string{"list", "--nope"}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, _, code := execute(t, tc.args...)
			assert.Equal(t, exitUsage, code)
		})
	}
}

func TestApply(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
		return p
	}
	write("profiles.yaml", fmt.Sprintf("local:\n  kind: sqlite\n  path: %s\n", filepath.Join(dir, "dest.db")))
	write("seed.csv", "id,name\n100,seed\n")
	jobPath := write("job.yaml", `source:
  path: seed.csv
target:
  profiles: profiles.yaml
  profile: local
  table: people
  mode: create_if_absent
  primary_key: [id]
journal:
  path: journal
`)

	// A real load creates the table and a first run record.
	job, err := config.LoadJob(jobPath)
	require.NoError(t, err)
	r := testDeps().NewRunner()
	r.NewRunID = func() string { return "seed" }
	_, err = r.Run(context.Background(), job)
	require.NoError(t, err)

	j, err := replay.OpenWithLogger(filepath.Join(dir, "journal"), nil)
	require.NoError(t, err)
	require.NoError(t, j.SaveRun(replay.RunRecord{ID: "run-1", Table: "people", BatchesTotal: 2, Failed: []int{1}, Committed: roaring.BitmapOf(0)}))
	require.NoError(t, j.SaveBatch(replay.BatchRecord{
		RunID: "run-1", Table: "people", Columns: []string{"id", "name"}, BatchIndex: 1, Offset: 2,
		Kind: loaderr.KindConnection, Rows: [][]any{{int64(1), "ana"}, {int64(2), "bo"}},
	}))
	require.NoError(t, j.Close())

	out, errOut, code := execute(t, "apply", "run-1", "--config", jobPath)
	require.Equal(t, 0, code, "stderr: %s", errOut)
	assert.Equal(t, "applied=1 failed=0 rows=2\n", out)
	assert.Contains(t, errOut, "replay batch=1 ok")

	out, _, code = execute(t, "show", "run-1", "--config", jobPath)
	require.Equal(t, 0, code)
	assert.Contains(t, out, "no journaled batches")
	assert.Contains(t, out, "2/2 committed")
}
