package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	"github.com/iavault/iavault/internal/events"
)

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.bar.Width = m.width - HeaderWidthOffset - ProgressBarWidthOffset
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.ctrl != nil && !m.stopRequested {
				m.stopRequested = true
				return m, tea.Sequence(stopCmd(m.ctrl), tea.Quit)
			}
			return m, tea.Quit
		}
		return m, nil

	case tickMsg:
		return m, tea.Batch(tickCmd(), pollStatus(m.source))

	case statusMsg:
		if msg.err != nil {
			m.lastErr = msg.err
			return m, nil
		}
		m.lastErr = nil
		m.snapshot = msg.snap
		m.speedHistory = append(m.speedHistory, msg.snap.BytesPerSec)
		if len(m.speedHistory) > maxSpeedHistory {
			m.speedHistory = m.speedHistory[len(m.speedHistory)-maxSpeedHistory:]
		}
		var cmd tea.Cmd
		if msg.snap.BytesTotal > 0 {
			cmd = m.bar.SetPercent(float64(msg.snap.BytesDone) / float64(msg.snap.BytesTotal))
		}
		return m, cmd

	case eventMsg:
		m.applyEvent(msg.inner)
		return m, listenForEvents(m.sub)

	case subscriptionClosedMsg:
		m.quitting = true
		return m, tea.Quit

	case progress.FrameMsg:
		bar, cmd := m.bar.Update(msg)
		m.bar = bar.(progress.Model)
		return m, cmd
	}

	return m, nil
}

// stopper is the slice of *job.Controller this view actually calls, kept
// narrow so stopCmd doesn't need the job package import just for a type name.
type stopper interface{ Stop() error }

func stopCmd(ctrl stopper) tea.Cmd {
	return func() tea.Msg {
		_ = ctrl.Stop()
		return nil
	}
}

func (m *Model) applyEvent(raw any) {
	switch e := raw.(type) {
	case events.JobStateMsg:
		m.state = e.State
	case events.FileDoneMsg:
		m.pushLog("done", "done   %-40s %s in %s", e.RemoteName, humanize.Bytes(uint64(e.Bytes)), e.Elapsed.Round(time.Second))
	case events.FileErrorMsg:
		m.pushLog("error", "error  %-40s %s", e.RemoteName, e.Kind)
	case events.FileStartedMsg:
		m.pushLog("info", "start  %-40s resume@%d", e.RemoteName, e.ResumeFrom)
	case events.ItemResolvedMsg:
		m.pushLog("info", "item   %-40s %d files", e.Item, e.FilesFound)
	case events.ItemFailedMsg:
		m.pushLog("error", "item   %-40s failed: %s", e.Item, e.Err)
	case events.BackoffTrippedMsg:
		m.pushLog("error", "backoff tripped: %s (quiet until %s)", e.Reason, e.QuietUntil.Format("15:04:05"))
	case events.ProgressMsg:
		m.snapshot = e.Snapshot
	}
}
