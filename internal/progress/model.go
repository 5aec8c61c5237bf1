package progress

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"bulkload/internal/loader"
)

type eventMsg loader.Event

// model counts batches as the load reports them. total stays 0 until the
// source stage reports its row count.
type model struct {
	batchSize int
	total     int
	queued    int
	committed int
	failed    int
	rows      int
	table     string
	stage     string
	finished  bool

	bar     progress.Model
	spinner spinner.Model
}

func newModel(batchSize int) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = spinnerStyle
	return model{
		batchSize: batchSize,
		stage:     "source",
		bar:       progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		spinner:   s,
	}
}

func (m model) Init() tea.Cmd { return m.spinner.Tick }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		m = m.apply(loader.Event(msg))
		if m.finished {
			return m, tea.Quit
		}
		return m, nil
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		if w := msg.Width - 30; w > 10 && w < 80 {
			m.bar.Width = w
		}
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m model) apply(e loader.Event) model {
	if e.Table != "" {
		m.table = e.Table
	}
	switch e.Kind {
	case loader.StageDone:
		switch e.Stage {
		case "source":
			if m.batchSize > 0 {
				m.total = (e.Rows + m.batchSize - 1) / m.batchSize
			}
			m.stage = "table"
		case "table":
			m.stage = "load"
		case "load":
			m.stage = "journal"
			m.finished = true
		}
	case loader.BatchQueued:
		m.queued++
	case loader.BatchCommitted:
		m.committed++
		m.rows += e.Rows
	case loader.BatchFailed:
		m.failed++
	}
	return m
}

func (m model) percent() float64 {
	if m.total == 0 {
		return 0
	}
	p := float64(m.committed+m.failed) / float64(m.total)
	if p > 1 {
		p = 1
	}
	return p
}

func (m model) View() string {
	var b strings.Builder
	if m.finished {
		b.WriteString(successStyle.Render(symbolCheck))
	} else {
		b.WriteString(m.spinner.View())
	}
	fmt.Fprintf(&b, " %s %s\n", labelStyle.Render(m.stage), m.table)
	b.WriteString(m.bar.ViewAs(m.percent()))
	fmt.Fprintf(&b, " %d/%d batches", m.committed+m.failed, m.total)
	if m.failed > 0 {
		b.WriteString(" ")
		b.WriteString(errorStyle.Render(fmt.Sprintf("%d failed", m.failed)))
	}
	fmt.Fprintf(&b, " %s\n", mutedStyle.Render(fmt.Sprintf("%d rows", m.rows)))
	return b.String()
}
