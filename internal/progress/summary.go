package progress

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"bulkload/internal/loader"
)

var (
	colorPrimary = lipgloss.Color("39")  // Blue
	colorSuccess = lipgloss.Color("34")  // Green
	colorWarning = lipgloss.Color("214") // Orange
	colorError   = lipgloss.Color("196") // Red
	colorMuted   = lipgloss.Color("240") // Dark gray
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorPrimary)

	labelStyle = lipgloss.NewStyle().
			Foreground(colorPrimary).
			Width(8)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorMuted).
			Padding(0, 1)

	successStyle = lipgloss.NewStyle().Foreground(colorSuccess)
	warningStyle = lipgloss.NewStyle().Foreground(colorWarning)
	errorStyle   = lipgloss.NewStyle().Foreground(colorError)
	mutedStyle   = lipgloss.NewStyle().Foreground(colorMuted)
	spinnerStyle = lipgloss.NewStyle().Foreground(colorPrimary)
)

const (
	symbolCheck = "✓"
	symbolCross = "✗"
)

// Summary renders a report as a bordered block for the terminal.
func Summary(rep loader.Report) string {
	var b strings.Builder

	status := successStyle.Render(symbolCheck + " ok")
	if !rep.OK() {
		status = errorStyle.Render(symbolCross + " partial failure")
	}
	fmt.Fprintf(&b, "%s %s\n", titleStyle.Render("load "+rep.Table), status)

	row := func(k, v string) { fmt.Fprintf(&b, "%s %s\n", labelStyle.Render(k), v) }
	if rep.RunID != "" {
		row("run", rep.RunID)
	}
	row("mode", rep.Mode)
	row("rows", fmt.Sprintf("%d/%d committed", rep.RowsCommitted, rep.RowsTotal))
	batches := fmt.Sprintf("%d/%d committed", rep.BatchesCommitted, rep.BatchesTotal)
	if rep.BatchesSkipped > 0 {
		batches += mutedStyle.Render(fmt.Sprintf(", %d skipped", rep.BatchesSkipped))
	}
	row("batches", batches)
	row("time", rep.Duration.Truncate(time.Millisecond).String())

	for _, fb := range rep.FailedBatches {
		b.WriteString(errorStyle.Render(fmt.Sprintf("%s batch %d (offset %d, %d rows): %s", symbolCross, fb.BatchIndex, fb.Offset, fb.Rows, fb.Kind)))
		b.WriteString("\n")
	}
	for _, wf := range rep.WorkerFailures {
		if wf.BatchIndex >= 0 {
			continue
		}
		b.WriteString(errorStyle.Render(fmt.Sprintf("%s worker %d: %s", symbolCross, wf.Worker, wf.Kind)))
		b.WriteString("\n")
	}
	if n := len(rep.Unattempted); n > 0 {
		b.WriteString(warningStyle.Render(fmt.Sprintf("%d batches not attempted", n)))
		b.WriteString("\n")
	}

	return boxStyle.Render(strings.TrimSuffix(b.String(), "\n"))
}
