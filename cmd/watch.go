package cmd

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/iavault/iavault/internal/job"
	"github.com/iavault/iavault/internal/store"
	"github.com/iavault/iavault/internal/tui"
	"github.com/iavault/iavault/internal/types"
)

var watchCmd = &cobra.Command{
	Use:   "watch <output-dir>",
	Short: "attach the live dashboard to a job already running in another process",
	Long: `watch polls a job's state store from the outside — there is no
daemon and the owning start/resume process keeps its live event stream
to itself, so this view only ever sees what has already landed on
disk. Quitting the dashboard does not stop the job; use stop for that.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

// storeStatusSource adapts a *store.Store into the poll interface the
// dashboard needs, for a job this process only observes rather than owns.
type storeStatusSource struct {
	st    *store.Store
	jobID string
}

func (s storeStatusSource) Status(ctx context.Context) (types.ProgressSnapshot, error) {
	return s.st.ProgressSnapshot(ctx, s.jobID)
}

func runWatch(cmd *cobra.Command, args []string) error {
	outputRoot := args[0]
	jobID := job.JobIDFromRoot(outputRoot)

	st, err := store.OpenReadOnly(job.StateDBPath(outputRoot))
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer st.Close()

	p := tea.NewProgram(tui.NewWatcher(storeStatusSource{st: st, jobID: jobID}, jobID), tea.WithAltScreen())
	_, err = p.Run()
	return err
}
