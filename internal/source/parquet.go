package source

import (
	"context"
	"errors"
	"io"
	"strconv"

	"github.com/parquet-go/parquet-go"

	"bulkload/internal/dataset"
	"bulkload/internal/loaderr"
)

// parquetColumnType maps a physical Parquet type to a column tag.
func parquetColumnType(k parquet.Kind) dataset.ColumnType {
	switch k {
	case parquet.Int32, parquet.Int64:
		return dataset.Integer
	case parquet.Float, parquet.Double:
		return dataset.Float
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return dataset.Text
	default:
		return dataset.Unknown
	}
}

// readParquet reads a flat Parquet file. Nested groups and repeated fields
// are rejected. Declared source types are ignored: the file schema is
// authoritative.
func readParquet(ctx context.Context, ra io.ReaderAt, size int64) (*dataset.Dataset, error) {
	const op = "source.readParquet"

	f, err := parquet.OpenFile(ra, size)
	if err != nil {
		return nil, loaderr.E(loaderr.KindConfig, op, err)
	}

	fields := f.Schema().Fields()
	columns := make([]string, len(fields))
	types := make([]dataset.ColumnType, len(fields))
	for i, field := range fields {
		if !field.Leaf() || field.Repeated() {
			return nil, loaderr.Errorf(loaderr.KindConfig, op, "column %q is nested or repeated; only flat schemas are supported", field.Name())
		}
		columns[i] = field.Name()
		types[i] = parquetColumnType(field.Type().Kind())
	}

	reader := parquet.NewReader(f)
	defer reader.Close()

	rows := make([][]any, 0, f.NumRows())
	buf := make([]parquet.Row, 256)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := reader.ReadRows(buf)
		for _, pr := range buf[:n] {
			row := make([]any, len(columns))
			for _, v := range pr {
				c := v.Column()
				if c < 0 || c >= len(row) || v.IsNull() {
					continue
				}
				row[c] = parquetValue(v)
			}
			rows = append(rows, row)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, loaderr.E(loaderr.KindConfig, op, err)
		}
		if n == 0 {
			break
		}
	}

	return dataset.New(columns, types, rows)
}

func parquetValue(v parquet.Value) any {
	switch v.Kind() {
	case parquet.Int32:
		return int64(v.Int32())
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return float64(v.Float())
	case parquet.Double:
		return v.Double()
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return string(v.ByteArray())
	case parquet.Boolean:
		return strconv.FormatBool(v.Boolean())
	default:
		return v.String()
	}
}
