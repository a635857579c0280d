// Package config persists the defaults a Job Controller invocation falls
// back to when a CLI flag is omitted, saved with an atomic
// temp-file-then-rename JSON write.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/iavault/iavault/internal/job"
)

// Settings holds all user-configurable defaults, organized by category.
type Settings struct {
	General     GeneralSettings     `json:"general"`
	Network     NetworkSettings     `json:"network"`
	Performance PerformanceSettings `json:"performance"`
}

// GeneralSettings controls default job placement and filtering behavior.
type GeneralSettings struct {
	DefaultOutputRoot string `json:"default_output_root"`
	Sync              bool   `json:"sync"`
	MetadataOnly      bool   `json:"metadata_only"`
	LogRetentionCount int    `json:"log_retention_count"`
}

// NetworkSettings controls the archive endpoints and transport.
type NetworkSettings struct {
	ManifestBaseURL     string `json:"manifest_base_url"`
	DownloadBaseURL     string `json:"download_base_url"`
	UserAgent           string `json:"user_agent"`
	ProxyURL            string `json:"proxy_url"`
	SkipTLSVerification bool   `json:"skip_tls_verification"`
	AuthPath            string `json:"auth_path"`
}

// PerformanceSettings controls the Worker Pool and retry policy.
type PerformanceSettings struct {
	WorkerCeiling       int           `json:"worker_ceiling"`
	BandwidthCeilingBps int64         `json:"bandwidth_ceiling_bps"`
	Dynamic             bool          `json:"dynamic"`
	MaxAttempts         int           `json:"max_attempts"`
	RetryBaseDelay      time.Duration `json:"retry_base_delay"`
	RetryMaxDelay       time.Duration `json:"retry_max_delay"`
}

// SettingMeta describes one setting for UI rendering.
type SettingMeta struct {
	Key         string
	Label       string
	Description string
	Type        string // "string", "int", "int64", "bool", "duration"
}

// GetSettingsMetadata returns metadata for all settings organized by category.
func GetSettingsMetadata() map[string][]SettingMeta {
	return map[string][]SettingMeta{
		"General": {
			{Key: "default_output_root", Label: "Default Output Root", Description: "Directory new jobs write into when none is given on the command line.", Type: "string"},
			{Key: "sync", Label: "Sync Mode", Description: "Skip files whose destination already matches the published size and digest.", Type: "bool"},
			{Key: "metadata_only", Label: "Metadata Only", Description: "Keep only an item's metadata files, dropping media.", Type: "bool"},
			{Key: "log_retention_count", Label: "Log Retention Count", Description: "Number of recent log files to keep.", Type: "int"},
		},
		"Network": {
			{Key: "manifest_base_url", Label: "Manifest Base URL", Description: "Base URL the Manifest Resolver fetches item metadata from.", Type: "string"},
			{Key: "download_base_url", Label: "Download Base URL", Description: "Base URL the File Fetcher downloads objects from.", Type: "string"},
			{Key: "user_agent", Label: "User Agent", Description: "Custom User-Agent string for HTTP requests. Leave empty for default.", Type: "string"},
			{Key: "proxy_url", Label: "Proxy URL", Description: "HTTP or SOCKS5 proxy URL. Leave empty to use system default.", Type: "string"},
			{Key: "skip_tls_verification", Label: "Skip TLS Verification", Description: "Disable certificate verification. Only for trusted mirrors.", Type: "bool"},
			{Key: "auth_path", Label: "Credentials File", Description: "Path to an S3-style access/secret key file.", Type: "string"},
		},
		"Performance": {
			{Key: "worker_ceiling", Label: "Worker Ceiling", Description: "Maximum concurrent file transfers (1-64).", Type: "int"},
			{Key: "bandwidth_ceiling_bps", Label: "Bandwidth Ceiling", Description: "Aggregate download rate limit in bytes per second. 0 means unlimited.", Type: "int64"},
			{Key: "dynamic", Label: "Dynamic Scaling", Description: "Grow the worker count on success streaks and shrink on failure.", Type: "bool"},
			{Key: "max_attempts", Label: "Max Attempts", Description: "Attempts per file before it is marked failed.", Type: "int"},
			{Key: "retry_base_delay", Label: "Retry Base Delay", Description: "Exponential backoff base delay between attempts.", Type: "duration"},
			{Key: "retry_max_delay", Label: "Retry Max Delay", Description: "Exponential backoff ceiling.", Type: "duration"},
		},
	}
}

// CategoryOrder returns the order of categories for UI tabs.
func CategoryOrder() []string {
	return []string{"General", "Network", "Performance"}
}

const (
	KB = 1024
	MB = 1024 * KB
)

// DefaultSettings returns a new Settings instance with sensible defaults.
func DefaultSettings() *Settings {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, "Downloads", "iavault")

	return &Settings{
		General: GeneralSettings{
			DefaultOutputRoot: defaultRoot,
			Sync:              false,
			MetadataOnly:      false,
			LogRetentionCount: 5,
		},
		Network: NetworkSettings{
			ManifestBaseURL:     "https://archive.org/metadata",
			DownloadBaseURL:     "https://archive.org/download",
			UserAgent:           "",
			ProxyURL:            "",
			SkipTLSVerification: false,
			AuthPath:            "",
		},
		Performance: PerformanceSettings{
			WorkerCeiling:       8,
			BandwidthCeilingBps: 0,
			Dynamic:             true,
			MaxAttempts:         5,
			RetryBaseDelay:      2 * time.Second,
			RetryMaxDelay:       60 * time.Second,
		},
	}
}

// GetConfigDir returns the directory settings.json and logs live under.
func GetConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "iavault")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".iavault")
}

// GetSettingsPath returns the path to the settings JSON file.
func GetSettingsPath() string {
	return filepath.Join(GetConfigDir(), "settings.json")
}

// LoadSettings loads settings from disk. Returns defaults if the file
// doesn't exist.
func LoadSettings() (*Settings, error) {
	path := GetSettingsPath()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSettings(), nil
		}
		return nil, err
	}

	settings := DefaultSettings() // fills any field missing from the file
	if err := json.Unmarshal(data, settings); err != nil {
		return nil, err
	}
	return settings, nil
}

// SaveSettings saves settings to disk atomically (temp file + rename).
func SaveSettings(s *Settings) error {
	path := GetSettingsPath()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tempPath, path)
}

// ToJobConfig builds a job.Config from these settings plus the two values
// every invocation must supply: where the identifiers come from and where
// the job writes to.
func (s *Settings) ToJobConfig(itemsPath, outputRoot string) job.Config {
	if outputRoot == "" {
		outputRoot = s.General.DefaultOutputRoot
	}
	return job.Config{
		ItemsPath:           itemsPath,
		OutputRoot:          outputRoot,
		WorkerCeiling:       s.Performance.WorkerCeiling,
		BandwidthCeilingBps: s.Performance.BandwidthCeilingBps,
		Sync:                s.General.Sync,
		Dynamic:             s.Performance.Dynamic,
		MetadataOnly:        s.General.MetadataOnly,
		AuthPath:            s.Network.AuthPath,
		ManifestBaseURL:     s.Network.ManifestBaseURL,
		DownloadBaseURL:     s.Network.DownloadBaseURL,
		ProxyURL:            s.Network.ProxyURL,
		SkipTLSVerification: s.Network.SkipTLSVerification,
	}
}
