package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/iavault/iavault/internal/config"
	"github.com/iavault/iavault/internal/job"
	"github.com/iavault/iavault/internal/lock"
)

var startCmd = &cobra.Command{
	Use:   "start <items-file>",
	Short: "start a new bulk download job from a list of item identifiers",
	Long: `start reads an identifier-per-line (or delimited, with an
"identifier" column) file, resolves each item's manifest, and downloads
every file that survives the filter pipeline into the output directory.`,
	Args: cobra.ExactArgs(1),
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringP("output", "o", "", "output directory (defaults to the configured default output root)")
	startCmd.Flags().Int("workers", 0, "worker ceiling (0 = use configured default)")
	startCmd.Flags().Int64("bandwidth", 0, "bandwidth ceiling in bytes/sec (0 = unlimited)")
	startCmd.Flags().Bool("sync", false, "skip files whose destination already matches size and digest")
	startCmd.Flags().Bool("dynamic", false, "scale the worker pool up and down automatically")
	startCmd.Flags().Bool("metadata-only", false, "keep only metadata files (_meta.xml, _files.xml, etc.)")
	startCmd.Flags().String("name-regex", "", "keep only files whose name matches this regex")
	startCmd.Flags().StringSlice("ext", nil, "keep only files with one of these extensions")
	startCmd.Flags().String("auth", "", "path to an S3-style credentials file")
	startCmd.Flags().String("manifest-base-url", "", "override the configured manifest endpoint")
	startCmd.Flags().String("download-base-url", "", "override the configured download endpoint")
	startCmd.Flags().String("proxy", "", "HTTP/SOCKS5 proxy URL")
	startCmd.Flags().Bool("insecure-skip-tls-verify", false, "disable TLS certificate verification")
	startCmd.Flags().Bool("watch", false, "attach the live status dashboard after starting")
}

func runStart(cmd *cobra.Command, args []string) error {
	settings, err := config.LoadSettings()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	output, _ := cmd.Flags().GetString("output")
	cfg := settings.ToJobConfig(args[0], output)

	if v, _ := cmd.Flags().GetInt("workers"); v > 0 {
		cfg.WorkerCeiling = v
	}
	if v, _ := cmd.Flags().GetInt64("bandwidth"); v > 0 {
		cfg.BandwidthCeilingBps = v
	}
	if v, _ := cmd.Flags().GetBool("sync"); v {
		cfg.Sync = true
	}
	if v, _ := cmd.Flags().GetBool("dynamic"); v {
		cfg.Dynamic = true
	}
	if v, _ := cmd.Flags().GetBool("metadata-only"); v {
		cfg.MetadataOnly = true
	}
	if v, _ := cmd.Flags().GetString("name-regex"); v != "" {
		cfg.NameRegex = v
	}
	if v, _ := cmd.Flags().GetStringSlice("ext"); len(v) > 0 {
		cfg.ExtensionWhitelist = v
	}
	if v, _ := cmd.Flags().GetString("auth"); v != "" {
		cfg.AuthPath = v
	}
	if v, _ := cmd.Flags().GetString("manifest-base-url"); v != "" {
		cfg.ManifestBaseURL = v
	}
	if v, _ := cmd.Flags().GetString("download-base-url"); v != "" {
		cfg.DownloadBaseURL = v
	}
	if v, _ := cmd.Flags().GetString("proxy"); v != "" {
		cfg.ProxyURL = v
	}
	if v, _ := cmd.Flags().GetBool("insecure-skip-tls-verify"); v {
		cfg.SkipTLSVerification = v
	}

	if err := os.MkdirAll(cfg.OutputRoot, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	// job.Start opens the state store, which takes the job's exclusive
	// lock itself; acquiring it here too would just make every start
	// double-lock its own job directory and fail.
	ctrl, err := job.Start(context.Background(), cfg)
	if err != nil {
		return fmt.Errorf("start job: %w", err)
	}

	if err := lock.WritePID(lock.PIDPath(cfg.OutputRoot)); err != nil {
		return fmt.Errorf("record process id: %w", err)
	}

	watch, _ := cmd.Flags().GetBool("watch")
	return runForeground(ctrl, job.JobIDFromRoot(cfg.OutputRoot), watch)
}
