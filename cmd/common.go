package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/iavault/iavault/internal/job"
	"github.com/iavault/iavault/internal/tui"
)

// runForeground owns a just-started or just-resumed Controller for the rest
// of the process's life: it traps SIGINT/SIGTERM and calls Stop before
// exiting, and optionally attaches the live dashboard in the same process.
// There is no separate daemon to hand the Controller to — start/resume are
// the only processes that ever see it.
func runForeground(ctrl *job.Controller, jobID string, watch bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if watch {
		return runWithDashboard(ctx, ctrl, jobID)
	}

	<-ctx.Done()
	fmt.Fprintln(os.Stderr, "iavault: stopping…")
	return ctrl.Stop()
}

// runWithDashboard attaches the bubbletea status view to ctrl and blocks
// until the user quits the view or the job finishes on its own.
func runWithDashboard(ctx context.Context, ctrl *job.Controller, jobID string) error {
	p := tea.NewProgram(tui.New(ctrl, jobID), tea.WithAltScreen())

	go func() {
		<-ctx.Done()
		p.Quit()
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
