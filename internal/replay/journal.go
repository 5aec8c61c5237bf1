// Package replay keeps a durable journal of load runs and the batches they
// failed to commit, so an operator can replay just those batches later or
// resume a run without reinserting what already committed.
//
// The journal is a Badger key-value store. Keys:
//
//	run:<run id>                     run record
//	batch:<run id>:<batch index>     one failed or unattempted batch
//
// Batch indexes are zero-padded so a prefix scan returns them in order.
// Values are gob-encoded and snappy-compressed.
package replay

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"bulkload/internal/loaderr"
)

// ErrNotFound is returned when a run is not in the journal.
var ErrNotFound = errors.New("replay: run not found")

const (
	runPrefix   = "run:"
	batchPrefix = "batch:"
)

// RunRecord summarizes one load run.
type RunRecord struct {
	ID      string
	Job     string
	JobFile string
	Schema  string
	Table   string
	// LoadMode is "concurrent" or "sequential".
	LoadMode         string
	BatchSize        int
	RowsTotal        int64
	RowsCommitted    int64
	BatchesTotal     int
	BatchesCommitted int
	BatchesSkipped   int
	Failed           []int
	Unattempted      []int
	// Committed holds the index of every batch committed by this run or by
	// the run it resumed.
	Committed   *roaring.Bitmap
	ResumedFrom string
	StartedAt   time.Time
	FinishedAt  time.Time
	Err         string
}

// OK reports whether the run left nothing to replay.
func (r RunRecord) OK() bool { return len(r.Failed) == 0 && len(r.Unattempted) == 0 }

// runWire is the stored form of a RunRecord.
type runWire struct {
	RunRecord
	CommittedBitmap []byte
}

// BatchRecord is one batch that did not commit, with the rows needed to
// insert it again.
type BatchRecord struct {
	RunID      string
	Schema     string
	Table      string
	Columns    []string
	BatchIndex int
	Offset     int
	// Kind is the failure kind. Unattempted batches carry KindUnknown.
	Kind loaderr.Kind
	Err  string
	Rows [][]any
	At   time.Time
}

// Logger is satisfied by *log.Logger.
type Logger interface {
	Printf(format string, v ...any)
}

// badgerLogger forwards Badger's warnings and errors and drops the rest.
type badgerLogger struct{ l Logger }

var _ badger.Logger = badgerLogger{}

func (b badgerLogger) Errorf(f string, v ...any)   { b.l.Printf("journal error: "+strings.TrimSpace(f), v...) }
func (b badgerLogger) Warningf(f string, v ...any) { b.l.Printf("journal warning: "+strings.TrimSpace(f), v...) }
func (badgerLogger) Infof(string, ...any)          {}
func (badgerLogger) Debugf(string, ...any)         {}

// Journal is safe for concurrent use.
type Journal struct {
	db *badger.DB
}

// Open opens (creating if needed) the journal directory at path. An empty
// path opens an in-memory journal that is lost on Close.
func Open(path string) (*Journal, error) {
	return OpenWithLogger(path, log.New(os.Stderr, "", log.LstdFlags))
}

// OpenWithLogger is Open with an explicit destination for storage warnings.
func OpenWithLogger(path string, logger Logger) (*Journal, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("replay: journal dir: %w", err)
		}
		opts = badger.DefaultOptions(path)
	}
	if logger == nil {
		logger = log.New(discardWriter{}, "", 0)
	}
	opts.Logger = badgerLogger{l: logger}
	// Values are snappy-compressed before they reach Badger.
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("replay: open journal %q: %w", path, err)
	}
	return &Journal{db: db}, nil
}

// Close flushes and closes the journal.
func (j *Journal) Close() error { return j.db.Close() }

func runKey(id string) []byte { return []byte(runPrefix + id) }

func batchKey(runID string, index int) []byte {
	return []byte(fmt.Sprintf("%s%s:%010d", batchPrefix, runID, index))
}

func batchRunPrefix(runID string) []byte { return []byte(batchPrefix + runID + ":") }

// SaveRun stores r, replacing any earlier record with the same ID.
func (j *Journal) SaveRun(r RunRecord) error {
	if r.ID == "" {
		return errors.New("replay: run record without id")
	}
	w := runWire{RunRecord: r}
	w.Committed = nil
	if r.Committed != nil {
		b, err := r.Committed.ToBytes()
		if err != nil {
			return fmt.Errorf("replay: committed bitmap: %w", err)
		}
		w.CommittedBitmap = b
	}
	val, err := encode(w)
	if err != nil {
		return fmt.Errorf("replay: run %s: %w", r.ID, err)
	}
	return j.db.Update(func(txn *badger.Txn) error { return txn.Set(runKey(r.ID), val) })
}

// SaveBatch stores b under its run and batch index.
func (j *Journal) SaveBatch(b BatchRecord) error {
	if b.RunID == "" {
		return errors.New("replay: batch record without run id")
	}
	if b.At.IsZero() {
		b.At = time.Now().UTC()
	}
	val, err := encode(b)
	if err != nil {
		return fmt.Errorf("replay: run %s batch %d: %w", b.RunID, b.BatchIndex, err)
	}
	return j.db.Update(func(txn *badger.Txn) error { return txn.Set(batchKey(b.RunID, b.BatchIndex), val) })
}

// Run returns the run record for id, or an error wrapping ErrNotFound.
func (j *Journal) Run(id string) (RunRecord, error) {
	var out RunRecord
	err := j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return err
		}
		return item.Value(func(val []byte) error {
			var derr error
			out, derr = decodeRun(val)
			return derr
		})
	})
	return out, err
}

func decodeRun(val []byte) (RunRecord, error) {
	var w runWire
	if err := decode(val, &w); err != nil {
		return RunRecord{}, err
	}
	r := w.RunRecord
	r.Committed = roaring.New()
	if len(w.CommittedBitmap) > 0 {
		if err := r.Committed.UnmarshalBinary(w.CommittedBitmap); err != nil {
			return RunRecord{}, fmt.Errorf("committed bitmap: %w", err)
		}
	}
	return r, nil
}

// Runs lists every run, newest first.
func (j *Journal) Runs() ([]RunRecord, error) {
	var out []RunRecord
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(runPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				r, err := decodeRun(val)
				if err != nil {
					return fmt.Errorf("%s: %w", it.Item().Key(), err)
				}
				out = append(out, r)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].StartedAt.After(out[b].StartedAt) })
	return out, nil
}

// Batches returns the journaled batches of a run in batch order.
func (j *Journal) Batches(runID string) ([]BatchRecord, error) {
	var out []BatchRecord
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = batchRunPrefix(runID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var b BatchRecord
				if err := decode(val, &b); err != nil {
					return fmt.Errorf("%s: %w", it.Item().Key(), err)
				}
				out = append(out, b)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// DeleteBatch removes one journaled batch. Deleting a missing batch is not
// an error.
func (j *Journal) DeleteBatch(runID string, index int) error {
	return j.db.Update(func(txn *badger.Txn) error { return txn.Delete(batchKey(runID, index)) })
}

// Purge removes a run record and all of its batches. It returns how many
// batches were removed.
func (j *Journal) Purge(runID string) (int, error) {
	var keys [][]byte
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = batchRunPrefix(runID)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	wb := j.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return 0, err
		}
	}
	if err := wb.Delete(runKey(runID)); err != nil {
		return 0, err
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return len(keys), nil
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
