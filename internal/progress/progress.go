// Package progress renders a live terminal progress bar for a load and a
// styled summary of its report.
package progress

import (
	"io"
	"os"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"bulkload/internal/loader"
)

// Enabled reports whether w is an interactive terminal that should get a
// live display.
//
// Returns false if:
//   - CI is set (common CI/CD convention)
//   - NO_COLOR is set
//   - w is not a terminal (file, pipe, buffer)
func Enabled(w io.Writer) bool {
	if os.Getenv("CI") != "" || os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// Display is a loader.Observer that drives a bubbletea program. Events
// observed before Start or after Stop are dropped.
type Display struct {
	w    io.Writer
	prog *tea.Program

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

var _ loader.Observer = (*Display)(nil)

// New returns a display writing to w. batchSize converts the source row
// count into a batch total; the total is learned from the source stage.
func New(w io.Writer, batchSize int) *Display {
	return &Display{w: w, prog: tea.NewProgram(newModel(batchSize), tea.WithOutput(w), tea.WithInput(nil))}
}

// Start runs the program in the background.
func (d *Display) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running || d.done != nil {
		return
	}
	d.running = true
	d.done = make(chan struct{})
	go func() {
		defer close(d.done)
		_, _ = d.prog.Run()
	}()
}

// Stop quits the program and waits for it to restore the terminal.
func (d *Display) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	done := d.done
	d.mu.Unlock()

	d.prog.Quit()
	<-done
}

func (d *Display) Observe(e loader.Event) {
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()
	if !running {
		return
	}
	d.prog.Send(eventMsg(e))
}
