package loader

import (
	"iter"

	"bulkload/internal/dataset"
	"bulkload/internal/loaderr"
)

// Batch is a contiguous, order-preserving slice of dataset rows.
// Rows is a read-only view into the dataset.
type Batch struct {
	Index  int
	Offset int
	Rows   [][]any
}

// Partition returns a lazy sequence of batches of at most size rows. Each
// range over it starts from the first row again, and only the batch being
// yielded is materialized.
func Partition(ds *dataset.Dataset, size int) (iter.Seq[Batch], error) {
	if size < 1 {
		return nil, loaderr.Errorf(loaderr.KindConfig, "loader.Partition", "batch size must be >= 1, got %d", size)
	}
	return func(yield func(Batch) bool) {
		n := ds.Len()
		for i, off := 0, 0; off < n; i, off = i+1, off+size {
			if !yield(Batch{Index: i, Offset: off, Rows: ds.Slice(off, off+size)}) {
				return
			}
		}
	}, nil
}

// BatchCount returns how many batches n rows split into.
func BatchCount(n, size int) int {
	if n <= 0 || size < 1 {
		return 0
	}
	return (n + size - 1) / size
}
