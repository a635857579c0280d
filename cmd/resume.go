package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iavault/iavault/internal/job"
	"github.com/iavault/iavault/internal/lock"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <output-dir>",
	Short: "resume a previously started job from its output directory",
	Long: `resume reopens the state store under output-dir and continues
any item or file left in a non-terminal status, picking the worker
ceiling and bandwidth ceiling back up from where the job last recorded
them unless overridden here.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().Int("workers", 0, "worker ceiling override (0 = keep the job's last value)")
	resumeCmd.Flags().Int64("bandwidth", 0, "bandwidth ceiling override in bytes/sec (0 = keep the job's last value)")
	resumeCmd.Flags().Bool("dynamic", false, "force dynamic worker scaling on for this run")
	resumeCmd.Flags().String("proxy", "", "HTTP/SOCKS5 proxy URL override")
	resumeCmd.Flags().Bool("insecure-skip-tls-verify", false, "disable TLS certificate verification")
	resumeCmd.Flags().Bool("watch", false, "attach the live status dashboard after resuming")
}

func runResume(cmd *cobra.Command, args []string) error {
	outputRoot := args[0]

	var overrides job.Overrides
	if v, _ := cmd.Flags().GetInt("workers"); v > 0 {
		overrides.WorkerCeiling = v
	}
	if v, _ := cmd.Flags().GetInt64("bandwidth"); v > 0 {
		overrides.BandwidthCeilingBps = v
	}
	overrides.Dynamic, _ = cmd.Flags().GetBool("dynamic")
	overrides.ProxyURL, _ = cmd.Flags().GetString("proxy")
	overrides.SkipTLSVerification, _ = cmd.Flags().GetBool("insecure-skip-tls-verify")

	// job.Resume opens the state store, which takes the job's exclusive
	// lock itself; acquiring it here too would just make every resume
	// double-lock its own job directory and fail.
	ctrl, err := job.Resume(context.Background(), outputRoot, overrides)
	if err != nil {
		return fmt.Errorf("resume job: %w", err)
	}

	if err := lock.WritePID(lock.PIDPath(outputRoot)); err != nil {
		return fmt.Errorf("record process id: %w", err)
	}

	watch, _ := cmd.Flags().GetBool("watch")
	return runForeground(ctrl, job.JobIDFromRoot(outputRoot), watch)
}
