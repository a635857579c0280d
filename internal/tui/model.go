// Package tui renders a read-only live dashboard for one Job Controller.
// Unlike the interactive multi-download manager this package was adapted
// from, a bulk-download job is driven entirely through the CLI (start,
// resume, stop); this view only ever subscribes and polls, it never issues
// commands back into the Controller beyond Stop on quit.
package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/iavault/iavault/internal/job"
	"github.com/iavault/iavault/internal/types"
)

type tickMsg time.Time

// eventMsg wraps one value read off the Controller's Subscribe channel.
type eventMsg struct{ inner any }

// subscriptionClosedMsg arrives once the Controller has Stopped and closed
// every subscriber channel.
type subscriptionClosedMsg struct{}

type statusMsg struct {
	snap types.ProgressSnapshot
	err  error
}

// logLine is one entry in the scrolling activity log at the bottom of the
// dashboard.
type logLine struct {
	at   time.Time
	text string
	kind string // "info", "done", "error"
}

// statusSource is the one call this view needs to poll progress. Both a
// live *job.Controller and a store-backed watcher for a job owned by
// another process satisfy it.
type statusSource interface {
	Status(ctx context.Context) (types.ProgressSnapshot, error)
}

// Model is the bubbletea model for the status dashboard. It owns no
// mutable job state of its own — everything it renders comes from its
// statusSource's polls and, when one is available, the Controller's
// Subscribe stream of live events.
type Model struct {
	source statusSource
	ctrl   stopper // nil when this view doesn't own the job (watch mode)
	sub    <-chan any

	jobID    string
	state    types.JobState
	snapshot types.ProgressSnapshot

	speedHistory []float64
	bar          progress.Model

	log []logLine

	width, height int
	lastErr       error
	quitting      bool
	stopRequested bool
	readOnly      bool
}

const maxLogLines = 200
const maxSpeedHistory = 120

// New builds a dashboard model bound to a running or resumed Controller
// that this process owns: quitting the view also stops the job.
func New(ctrl *job.Controller, jobID string) Model {
	return Model{
		source: ctrl,
		ctrl:   ctrl,
		sub:    ctrl.Subscribe(),
		jobID:  jobID,
		state:  types.JobResolving,
		bar:    progress.New(progress.WithGradient(string(ColorPrimary), string(ColorSuccess))),
	}
}

// NewWatcher builds a read-only dashboard over a job this process does not
// own — there is no Subscribe stream to read from another process's
// Controller, so it falls back to polling source for both the progress
// snapshot and (via source) the job's recorded state, and quitting never
// signals a stop.
func NewWatcher(source statusSource, jobID string) Model {
	return Model{
		source:   source,
		jobID:    jobID,
		state:    types.JobResolving,
		bar:      progress.New(progress.WithGradient(string(ColorPrimary), string(ColorSuccess))),
		readOnly: true,
	}
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{tickCmd(), pollStatus(m.source)}
	if m.sub != nil {
		cmds = append(cmds, listenForEvents(m.sub))
	}
	return tea.Batch(cmds...)
}

func tickCmd() tea.Cmd {
	return tea.Tick(TickInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func listenForEvents(sub <-chan any) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-sub
		if !ok {
			return subscriptionClosedMsg{}
		}
		return eventMsg{inner: msg}
	}
}

func pollStatus(source statusSource) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		snap, err := source.Status(ctx)
		return statusMsg{snap: snap, err: err}
	}
}

func (m *Model) pushLog(kind, format string, args ...any) {
	m.log = append(m.log, logLine{at: time.Now(), kind: kind, text: fmt.Sprintf(format, args...)})
	if len(m.log) > maxLogLines {
		m.log = m.log[len(m.log)-maxLogLines:]
	}
}
