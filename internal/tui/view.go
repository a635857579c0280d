package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

func (m Model) View() string {
	if m.quitting {
		if m.readOnly {
			return "stopped watching.\n"
		}
		return "job stopped.\n"
	}
	if m.width == 0 {
		return "starting…\n"
	}

	header := m.renderHeader()
	stats := m.renderStats()
	graphHeight := 6
	graph := renderMultiLineGraph(m.speedHistory, max(m.width-HeaderWidthOffset, 1), graphHeight, m.peakSpeed(), ColorSuccess)
	logPanel := m.renderLog()

	body := lipgloss.JoinVertical(lipgloss.Left,
		header,
		stats,
		m.bar.View(),
		PanelStyle.Render(graph),
		logPanel,
	)
	return AppStyle.Render(body)
}

func (m Model) renderHeader() string {
	state := string(m.state)
	if m.readOnly {
		// A watcher has no JobStateMsg feed to read from, since Subscribe is
		// in-process only; infer a coarse state from the snapshot instead.
		state = m.inferredState()
	}
	title := fmt.Sprintf("%s — %s", m.jobID, state)
	if m.lastErr != nil {
		title += fmt.Sprintf("  (status error: %v)", m.lastErr)
	}
	return HeaderStyle.Width(m.width - HeaderWidthOffset).Render(title)
}

func (m Model) inferredState() string {
	s := m.snapshot
	switch {
	case s.TotalFiles == 0:
		return "resolving"
	case s.InProgress > 0:
		return "running"
	case s.Pending > 0:
		return "running"
	case s.Failed > 0:
		return "done (with failures)"
	default:
		return "done"
	}
}

func (m Model) renderStats() string {
	s := m.snapshot
	line := fmt.Sprintf("files %d/%d done · %d failed · %d in-progress · %d pending   %s/%s @ %s/s   workers %d",
		s.Done, s.TotalFiles, s.Failed, s.InProgress, s.Pending,
		humanize.Bytes(uint64(s.BytesDone)), humanize.Bytes(uint64(s.BytesTotal)),
		humanize.Bytes(uint64(s.BytesPerSec)), s.Workers)
	if !s.QuietUntil.IsZero() {
		line += fmt.Sprintf("   backoff until %s", s.QuietUntil.Format("15:04:05"))
	}
	return StatsStyle.Render(line)
}

func (m Model) renderLog() string {
	n := 10
	lines := m.log
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	var b strings.Builder
	for _, l := range lines {
		style := ItemStyle
		switch l.kind {
		case "done":
			style = lipgloss.NewStyle().Foreground(ColorSuccess)
		case "error":
			style = lipgloss.NewStyle().Foreground(ColorError)
		}
		b.WriteString(style.Render(l.text))
		b.WriteRune('\n')
	}
	return PanelStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func (m Model) peakSpeed() float64 {
	peak := 1.0 // avoid divide-by-zero in the graph when nothing has moved yet
	for _, v := range m.speedHistory {
		if v > peak {
			peak = v
		}
	}
	return peak
}
