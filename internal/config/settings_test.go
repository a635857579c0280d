package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultSettings(t *testing.T) {
	settings := DefaultSettings()
	if settings == nil {
		t.Fatal("DefaultSettings returned nil")
	}

	t.Run("GeneralSettings", func(t *testing.T) {
		if settings.General.DefaultOutputRoot == "" {
			t.Error("default output root should not be empty")
		}
		if settings.General.Sync {
			t.Error("Sync should be false by default")
		}
		if settings.General.MetadataOnly {
			t.Error("MetadataOnly should be false by default")
		}
	})

	t.Run("NetworkSettings", func(t *testing.T) {
		if settings.Network.ManifestBaseURL == "" {
			t.Error("ManifestBaseURL should not be empty")
		}
		if settings.Network.DownloadBaseURL == "" {
			t.Error("DownloadBaseURL should not be empty")
		}
		if settings.Network.SkipTLSVerification {
			t.Error("SkipTLSVerification should be false by default")
		}
	})

	t.Run("PerformanceSettings", func(t *testing.T) {
		if settings.Performance.WorkerCeiling <= 0 || settings.Performance.WorkerCeiling > 64 {
			t.Errorf("WorkerCeiling should be in (0, 64], got: %d", settings.Performance.WorkerCeiling)
		}
		if settings.Performance.MaxAttempts <= 0 {
			t.Errorf("MaxAttempts should be positive, got: %d", settings.Performance.MaxAttempts)
		}
		if settings.Performance.RetryBaseDelay <= 0 {
			t.Error("RetryBaseDelay should be positive")
		}
		if settings.Performance.RetryMaxDelay <= settings.Performance.RetryBaseDelay {
			t.Error("RetryMaxDelay should exceed RetryBaseDelay")
		}
	})
}

func TestDefaultSettings_Consistency(t *testing.T) {
	s1 := DefaultSettings()
	s2 := DefaultSettings()

	if s1 == s2 {
		t.Error("DefaultSettings should return a new instance each time")
	}
	if s1.Performance.WorkerCeiling != s2.Performance.WorkerCeiling {
		t.Error("default settings should be consistent across calls")
	}
}

func TestGetSettingsPath(t *testing.T) {
	path := GetSettingsPath()
	if path == "" {
		t.Error("GetSettingsPath returned empty string")
	}

	configDir := GetConfigDir()
	if !strings.HasPrefix(path, configDir) {
		t.Errorf("settings path should be under config dir. Path: %s, ConfigDir: %s", path, configDir)
	}
	if !strings.HasSuffix(path, "settings.json") {
		t.Errorf("settings path should end with 'settings.json', got: %s", path)
	}
	if !filepath.IsAbs(path) {
		t.Errorf("settings path should be absolute, got: %s", path)
	}
}

func TestSettingsJSONRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()

	original := &Settings{
		General: GeneralSettings{
			DefaultOutputRoot: tmpDir,
			Sync:              true,
			MetadataOnly:      true,
			LogRetentionCount: 3,
		},
		Network: NetworkSettings{
			ManifestBaseURL: "https://example.org/metadata",
			DownloadBaseURL: "https://example.org/download",
			UserAgent:       "TestAgent/1.0",
		},
		Performance: PerformanceSettings{
			WorkerCeiling:       16,
			BandwidthCeilingBps: 1 << 20,
			Dynamic:             false,
			MaxAttempts:         7,
			RetryBaseDelay:      3 * time.Second,
			RetryMaxDelay:       90 * time.Second,
		},
	}

	data, err := json.MarshalIndent(original, "", "  ")
	if err != nil {
		t.Fatalf("failed to marshal settings: %v", err)
	}

	loaded := DefaultSettings()
	if err := json.Unmarshal(data, loaded); err != nil {
		t.Fatalf("failed to unmarshal settings: %v", err)
	}

	if loaded.General.DefaultOutputRoot != original.General.DefaultOutputRoot {
		t.Errorf("DefaultOutputRoot mismatch: got %q, want %q", loaded.General.DefaultOutputRoot, original.General.DefaultOutputRoot)
	}
	if loaded.Network.UserAgent != original.Network.UserAgent {
		t.Error("UserAgent mismatch")
	}
	if loaded.Performance.BandwidthCeilingBps != original.Performance.BandwidthCeilingBps {
		t.Error("BandwidthCeilingBps mismatch")
	}
	if loaded.Performance.RetryMaxDelay != original.Performance.RetryMaxDelay {
		t.Error("RetryMaxDelay mismatch (duration round trip)")
	}
}

func TestLoadSettings_MissingFile(t *testing.T) {
	settings, err := LoadSettings()
	if err != nil {
		t.Logf("LoadSettings returned error (may be expected if config dir is unwritable): %v", err)
	}
	if settings != nil && settings.Performance.WorkerCeiling <= 0 {
		t.Error("should return default settings with valid values")
	}
}

func TestLoadSettings_CorruptedJSON(t *testing.T) {
	data := []byte("{invalid json")
	settings := DefaultSettings()
	if err := json.Unmarshal(data, settings); err == nil {
		t.Error("expected error when unmarshaling invalid JSON")
	}
}

func TestLoadSettings_PartialJSON(t *testing.T) {
	partial := `{"general": {"default_output_root": "/custom/path"}}`

	settings := DefaultSettings()
	if err := json.Unmarshal([]byte(partial), settings); err != nil {
		t.Fatalf("failed to unmarshal partial JSON: %v", err)
	}

	if settings.General.DefaultOutputRoot != "/custom/path" {
		t.Errorf("custom field not set: %s", settings.General.DefaultOutputRoot)
	}
	if settings.Performance.WorkerCeiling <= 0 {
		t.Error("default values should be preserved for missing fields")
	}
}

func TestToJobConfig(t *testing.T) {
	settings := DefaultSettings()
	cfg := settings.ToJobConfig("items.txt", "/out")

	if cfg.ItemsPath != "items.txt" {
		t.Error("ItemsPath not mapped")
	}
	if cfg.OutputRoot != "/out" {
		t.Error("OutputRoot not mapped")
	}
	if cfg.WorkerCeiling != settings.Performance.WorkerCeiling {
		t.Error("WorkerCeiling not mapped")
	}
	if cfg.ManifestBaseURL != settings.Network.ManifestBaseURL {
		t.Error("ManifestBaseURL not mapped")
	}
	if cfg.DownloadBaseURL != settings.Network.DownloadBaseURL {
		t.Error("DownloadBaseURL not mapped")
	}
}

func TestToJobConfig_FallsBackToDefaultOutputRoot(t *testing.T) {
	settings := DefaultSettings()
	cfg := settings.ToJobConfig("items.txt", "")

	if cfg.OutputRoot != settings.General.DefaultOutputRoot {
		t.Error("empty outputRoot should fall back to the configured default")
	}
}

func TestGetSettingsMetadata(t *testing.T) {
	metadata := GetSettingsMetadata()
	if metadata == nil {
		t.Fatal("GetSettingsMetadata returned nil")
	}

	for _, cat := range CategoryOrder() {
		if _, ok := metadata[cat]; !ok {
			t.Errorf("missing metadata for category: %s", cat)
		}
	}

	validTypes := map[string]bool{"string": true, "int": true, "int64": true, "bool": true, "duration": true}
	for category, settings := range metadata {
		for _, setting := range settings {
			if setting.Key == "" || setting.Label == "" || setting.Description == "" {
				t.Errorf("category %s: setting %+v missing a required field", category, setting)
			}
			if !validTypes[setting.Type] {
				t.Errorf("category %s, key %s: invalid type %q", category, setting.Key, setting.Type)
			}
		}
	}
}

func TestCategoryOrder(t *testing.T) {
	order := CategoryOrder()
	if len(order) != 3 {
		t.Errorf("expected 3 categories, got %d", len(order))
	}

	seen := make(map[string]bool)
	for _, cat := range order {
		if seen[cat] {
			t.Errorf("duplicate category: %s", cat)
		}
		seen[cat] = true
	}
}

func TestSaveAndLoadSettings_RealFunction(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	original := DefaultSettings()
	original.Performance.WorkerCeiling = 24
	original.General.Sync = true
	original.Network.UserAgent = "TestAgent/3.0"

	if err := SaveSettings(original); err != nil {
		t.Fatalf("SaveSettings failed: %v", err)
	}

	if _, err := os.Stat(GetSettingsPath()); os.IsNotExist(err) {
		t.Error("settings file was not created by SaveSettings")
	}

	loaded, err := LoadSettings()
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}

	if loaded.Performance.WorkerCeiling != 24 {
		t.Errorf("WorkerCeiling mismatch: got %d, want 24", loaded.Performance.WorkerCeiling)
	}
	if !loaded.General.Sync {
		t.Error("Sync should be true")
	}
	if loaded.Network.UserAgent != "TestAgent/3.0" {
		t.Errorf("UserAgent mismatch: got %q, want %q", loaded.Network.UserAgent, "TestAgent/3.0")
	}
}

func TestConstants(t *testing.T) {
	if KB != 1024 {
		t.Errorf("KB should be 1024, got %d", KB)
	}
	if MB != 1024*1024 {
		t.Errorf("MB should be 1048576, got %d", MB)
	}
}
