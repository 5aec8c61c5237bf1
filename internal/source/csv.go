package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"bulkload/internal/config"
	"bulkload/internal/dataset"
	"bulkload/internal/loaderr"
)

// DefaultNAValues are the cell values read as null in every CSV source.
var DefaultNAValues = []string{
	"", "#N/A", "#N/A N/A", "#NA", "-1.#IND", "-1.#QNAN", "-NaN", "-nan",
	"1.#IND", "1.#QNAN", "<NA>", "N/A", "NA", "NULL", "NaN", "None", "n/a", "nan", "null",
}

type csvOptions struct {
	comma     rune
	encoding  string
	header    bool
	headerMap map[string]string
	na        map[string]struct{}
	// types is keyed by final column name.
	types map[string]dataset.ColumnType
}

func csvOptionsFrom(src config.Source) csvOptions {
	opt := csvOptions{
		comma:     src.DelimiterRune(),
		encoding:  src.Encoding,
		header:    src.HeaderRow(),
		headerMap: src.HeaderMap,
		na:        make(map[string]struct{}, len(DefaultNAValues)+len(src.NAValues)),
		types:     make(map[string]dataset.ColumnType, len(src.Types)),
	}
	if opt.comma == 0 || src.Delimiter == "" {
		opt.comma = ','
		if strings.EqualFold(src.Format, "tsv") {
			opt.comma = '\t'
		}
	}
	if opt.encoding == "" {
		opt.encoding = "utf-8"
	}
	for _, v := range DefaultNAValues {
		opt.na[v] = struct{}{}
	}
	for _, v := range src.NAValues {
		opt.na[v] = struct{}{}
	}
	for col, name := range src.Types {
		opt.types[col] = dataset.ParseColumnType(name)
	}
	return opt
}

func (o csvOptions) isNA(s string) bool {
	_, ok := o.na[s]
	return ok
}

// readCSV parses the whole input, then infers and converts column by column.
func readCSV(ctx context.Context, r io.Reader, opt csvOptions) (*dataset.Dataset, error) {
	const op = "source.readCSV"

	enc, err := htmlindex.Get(opt.encoding)
	if err != nil {
		return nil, loaderr.Errorf(loaderr.KindConfig, op, "unknown encoding %q", opt.encoding)
	}

	cr := csv.NewReader(transform.NewReader(r, enc.NewDecoder()))
	cr.Comma = opt.comma
	cr.FieldsPerRecord = -1

	var (
		header  []string
		width   = -1
		records [][]string
		lines   []int
	)
	for n := 0; ; n++ {
		if n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, loaderr.E(loaderr.KindConfig, op, err)
		}
		line, _ := cr.FieldPos(0)

		if width < 0 {
			width = len(rec)
			if opt.header {
				header = rec
				continue
			}
		}
		if len(rec) != width {
			return nil, loaderr.Errorf(loaderr.KindConfig, op, "line %d: %d fields, want %d", line, len(rec), width)
		}
		records = append(records, rec)
		lines = append(lines, line)
	}
	if width < 0 {
		return nil, loaderr.Errorf(loaderr.KindConfig, op, "empty input")
	}

	var columns []string
	if opt.header {
		columns = columnNames(header, opt.headerMap)
	} else {
		columns = positionalNames(width)
	}
	if err := checkDeclared(columns, opt.types); err != nil {
		return nil, err
	}

	types := make([]dataset.ColumnType, width)
	for c, name := range columns {
		if t, ok := opt.types[name]; ok {
			types[c] = t
			continue
		}
		types[c] = inferColumn(records, c, opt)
	}

	rows := make([][]any, len(records))
	for i, rec := range records {
		row := make([]any, width)
		for c, s := range rec {
			if opt.isNA(s) {
				continue
			}
			v, err := convertCell(types[c], s)
			if err != nil {
				return nil, loaderr.Errorf(loaderr.KindConfig, op, "line %d column %q: %v", lines[i], columns[c], err)
			}
			row[c] = v
		}
		rows[i] = row
	}

	return dataset.New(columns, types, rows)
}

func checkDeclared(columns []string, types map[string]dataset.ColumnType) error {
	if len(types) == 0 {
		return nil
	}
	have := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		have[c] = struct{}{}
	}
	var missing []string
	for c := range types {
		if _, ok := have[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return loaderr.Errorf(loaderr.KindConfig, "source.readCSV", "source.types names unknown columns %v (have %v)", missing, columns)
}

// inferColumn tags column c: Integer when every non-null cell parses as int64,
// else Float when every one parses as float64, else Text. A column with no
// non-null cells is Unknown.
func inferColumn(records [][]string, c int, opt csvOptions) dataset.ColumnType {
	seen, isInt, isFloat := false, true, true
	for _, rec := range records {
		s := rec[c]
		if opt.isNA(s) {
			continue
		}
		seen = true
		v := strings.TrimSpace(s)
		if isInt {
			if _, err := strconv.ParseInt(v, 10, 64); err != nil {
				isInt = false
			}
		}
		if !isInt {
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				isFloat = false
				break
			}
		}
	}
	switch {
	case !seen:
		return dataset.Unknown
	case isInt:
		return dataset.Integer
	case isFloat:
		return dataset.Float
	default:
		return dataset.Text
	}
}

func convertCell(t dataset.ColumnType, s string) (any, error) {
	switch t {
	case dataset.Integer:
		v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", s)
		}
		return v, nil
	case dataset.Float:
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", s)
		}
		return v, nil
	default:
		return s, nil
	}
}
