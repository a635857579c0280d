package cmd

import (
	"fmt"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iavault/iavault/internal/lock"
)

var stopCmd = &cobra.Command{
	Use:   "stop <output-dir>",
	Short: "ask the running start/resume process for this job to stop",
	Long: `stop sends SIGTERM to the process currently holding the job
lock, which is the same signal Ctrl-C delivers. There is no separate
daemon to talk to: start and resume each run the job to completion in
their own foreground process, and stop simply reaches that process by
PID.`,
	Args: cobra.ExactArgs(1),
	RunE: runStop,
}

func runStop(cmd *cobra.Command, args []string) error {
	outputRoot := args[0]

	pid, err := lock.ReadPID(lock.PIDPath(outputRoot))
	if err != nil {
		return fmt.Errorf("no running job found for %s: %w", outputRoot, err)
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal process %d: %w", pid, err)
	}

	fmt.Printf("sent stop signal to pid %d\n", pid)
	return nil
}
