package cmd

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/iavault/iavault/internal/job"
	"github.com/iavault/iavault/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status <output-dir>",
	Short: "print a one-shot progress summary for a job",
	Long: `status opens the job's state store directly and prints its
current counts and byte totals. It takes no lock, since reading the
store is safe to do concurrently with a running start/resume.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	outputRoot := args[0]
	jobID := job.JobIDFromRoot(outputRoot)

	st, err := store.OpenReadOnly(job.StateDBPath(outputRoot))
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()

	jobRow, err := st.LoadJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}

	snap, err := st.ProgressSnapshot(ctx, jobID)
	if err != nil {
		return fmt.Errorf("progress snapshot: %w", err)
	}

	fmt.Printf("%s — %s\n", jobID, jobRow.State)
	fmt.Printf("files: %d done, %d failed, %d in-progress, %d pending (of %d)\n",
		snap.Done, snap.Failed, snap.InProgress, snap.Pending, snap.TotalFiles)
	fmt.Printf("bytes: %s / %s\n", humanize.Bytes(uint64(snap.BytesDone)), humanize.Bytes(uint64(snap.BytesTotal)))
	return nil
}
