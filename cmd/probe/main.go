// Command probe reads a source file and reports how a load would see it,
// without connecting to any database.
//
// Output modes
//
//   - Default mode: prints the ordered column mapping as JSON to stdout,
//     keyed by normalized column name with the destination declaration
//     as value.
//   - Report mode (-report): prints a per-column uniqueness report instead.
//   - Job mode (-job): prints a starter job YAML for cmd/bulkload, with the
//     inferred types pinned and the first key candidate as primary key.
//
// The mapping uses the predefined type map of -dialect (postgres, sqlite or
// mssql). Sources are CSV/TSV (any encoding the WHATWG index knows) or
// Parquet, local or over http(s).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"bulkload/internal/config"
	"bulkload/internal/probe"
)

func main() {
	var (
		flagFile      = flag.String("file", "", "path or http(s) URL of the source file (CSV, TSV or Parquet)")
		flagFormat    = flag.String("format", "", "source format: csv|tsv|parquet; empty picks by extension")
		flagDelimiter = flag.String("delimiter", "", "CSV field delimiter; default \",\" (tab for tsv)")
		flagEncoding  = flag.String("encoding", "utf-8", "CSV text encoding (e.g. utf-8, windows-1250, latin1)")
		flagDialect   = flag.String("dialect", "postgres", "type map to apply: postgres|sqlite|mssql")
		flagNoHeader  = flag.Bool("no-header", false, "the first CSV row is data, not column names")
		flagPretty    = flag.Bool("pretty", true, "pretty-print JSON output")
		flagReport    = flag.Bool("report", false, "print a uniqueness report (suppresses JSON output)")
		flagJob       = flag.Bool("job", false, "print a starter job YAML (suppresses JSON output)")
		flagTable     = flag.String("table", "", "target table for -job; defaults to the file name")
		flagProfile   = flag.String("profile", "", "connection profile name for -job")
		flagProfiles  = flag.String("profiles", "", "profiles file for -job")
		flagJournal   = flag.String("journal", "", "journal directory for -job")
		flagTimeout   = flag.Duration("timeout", 2*time.Minute, "overall time limit")
	)
	flag.Parse()

	if strings.TrimSpace(*flagFile) == "" {
		fmt.Fprintln(os.Stderr, "missing -file")
		flag.Usage()
		os.Exit(2)
	}
	if *flagReport && *flagJob {
		fmt.Fprintln(os.Stderr, "-report and -job are mutually exclusive")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *flagTimeout)
	defer cancel()

	header := !*flagNoHeader
	opt := probe.Options{
		Source: config.Source{
			Path:      *flagFile,
			Format:    *flagFormat,
			Delimiter: *flagDelimiter,
			Encoding:  *flagEncoding,
			HasHeader: &header,
		},
		Dialect: *flagDialect,
	}

	res, err := probe.Run(ctx, opt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "probe: %v\n", err)
		cancel()
		os.Exit(1)
	}

	switch {
	case *flagReport:
		fmt.Println(res.Stats.Report())
		if len(res.Keys) > 0 {
			fmt.Printf("key candidates:\t%s\n", strings.Join(res.Keys, ","))
		}

	case *flagJob:
		out, err := probe.DraftJob(opt, res, probe.Draft{
			Table:    *flagTable,
			Profile:  *flagProfile,
			Profiles: *flagProfiles,
			Journal:  *flagJournal,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "probe: draft job: %v\n", err)
			cancel()
			os.Exit(1)
		}
		os.Stdout.Write(out)

	default:
		var out []byte
		if *flagPretty {
			out, err = json.MarshalIndent(res.Mapping, "", "  ")
		} else {
			out, err = json.Marshal(res.Mapping)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "probe: encode mapping: %v\n", err)
			cancel()
			os.Exit(1)
		}
		fmt.Println(string(out))
	}
}
