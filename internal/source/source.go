// Package source reads tabular input files into a typed dataset.Dataset.
//
// Two formats are supported:
//   - CSV (and TSV): values arrive as text, so each column's type is inferred
//     from its non-null cells unless the job declares it.
//   - Parquet: column types come from the file schema.
//
// Inputs are local paths, file:// URLs or http(s):// URLs. Remote files are
// read with HTTP range requests, so Parquet footers are fetched without
// downloading the whole object first.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"howett.net/ranger"

	"bulkload/internal/config"
	"bulkload/internal/dataset"
	"bulkload/internal/loaderr"
)

// Format identifies a source file format.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
)

// DetectFormat picks a format from an explicit name, falling back to the
// extension of location (a path or URL).
func DetectFormat(name, location string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "csv", "tsv", "txt":
		return FormatCSV, nil
	case "parquet":
		return FormatParquet, nil
	case "":
	default:
		return "", loaderr.Errorf(loaderr.KindConfig, "source.DetectFormat", "unsupported format %q", name)
	}

	p := location
	if u, err := url.Parse(location); err == nil && u.Scheme != "" && len(u.Scheme) > 1 {
		p = u.Path
	}
	switch strings.ToLower(path.Ext(filepath.ToSlash(p))) {
	case ".csv", ".tsv", ".txt":
		return FormatCSV, nil
	case ".parquet", ".pq":
		return FormatParquet, nil
	default:
		return "", loaderr.Errorf(loaderr.KindConfig, "source.DetectFormat", "cannot tell the format of %q; set source.format", location)
	}
}

// Load reads the whole source described by src into a Dataset.
//
// Errors:
//   - ConfigError for a missing file, unsupported format or encoding, ragged
//     CSV rows, or values that do not fit a declared type.
//   - ConnectionError when a remote source cannot be fetched.
func Load(ctx context.Context, src config.Source) (*dataset.Dataset, error) {
	const op = "source.Load"

	format, err := DetectFormat(src.Format, src.Path)
	if err != nil {
		return nil, err
	}

	in, err := open(ctx, src.Path)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	switch format {
	case FormatParquet:
		ds, err := readParquet(ctx, in.ra, in.size)
		if err != nil {
			return nil, wrapKind(op, src.Path, err)
		}
		return ds, nil
	default:
		ds, err := readCSV(ctx, in.r, csvOptionsFrom(src))
		if err != nil {
			return nil, wrapKind(op, src.Path, err)
		}
		return ds, nil
	}
}

func wrapKind(op, location string, err error) error {
	var le *loaderr.Error
	if errors.As(err, &le) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return loaderr.E(loaderr.KindConfig, op, fmt.Errorf("%s: %w", location, err))
}

// input is an opened source: sequential and random access over the same bytes.
type input struct {
	r      io.Reader
	ra     io.ReaderAt
	size   int64
	closer io.Closer
}

func (in *input) Close() error {
	if in.closer == nil {
		return nil
	}
	return in.closer.Close()
}

// openRemote is the seam used for http(s) sources.
var openRemote = func(u *url.URL) (*input, error) {
	rr, err := ranger.NewReader(&ranger.HTTPRanger{URL: u})
	if err != nil {
		return nil, err
	}
	n, err := rr.Length()
	if err != nil {
		return nil, fmt.Errorf("content length: %w", err)
	}
	return &input{r: rr, ra: rr, size: n}, nil
}

func open(ctx context.Context, location string) (*input, error) {
	const op = "source.open"

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(location) == "" {
		return nil, loaderr.Errorf(loaderr.KindConfig, op, "empty source path")
	}

	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		u, err := url.Parse(location)
		if err != nil {
			return nil, loaderr.E(loaderr.KindConfig, op, err)
		}
		in, err := openRemote(u)
		if err != nil {
			return nil, loaderr.E(loaderr.KindConnection, op, fmt.Errorf("%s: %w", u.Redacted(), err))
		}
		return in, nil
	}

	p := strings.TrimPrefix(location, "file://")
	f, err := os.Open(p)
	if err != nil {
		return nil, loaderr.E(loaderr.KindConfig, op, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, loaderr.E(loaderr.KindConfig, op, err)
	}
	if st.IsDir() {
		_ = f.Close()
		return nil, loaderr.Errorf(loaderr.KindConfig, op, "%s is a directory", p)
	}
	return &input{r: f, ra: f, size: st.Size(), closer: f}, nil
}
