// Command replay inspects and re-applies load runs recorded in a bulkload
// journal.
//
//	replay list    --journal DIR
//	replay show    RUN --journal DIR [--rows]
//	replay apply   RUN --config job.yaml
//	replay purge   RUN --journal DIR
//
// --journal defaults to the journal.path of --config when only the job file
// is given.
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/joho/godotenv"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "panic: %v\n%s\n", r, debug.Stack())
			os.Exit(exitPanic)
		}
	}()

	_ = godotenv.Load()

	cmd := newRootCmd(defaultDeps())
	if err := cmd.Execute(); err != nil {
		os.Exit(exitCodeForError(err))
	}
}
