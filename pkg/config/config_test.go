package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/marmos91/extentdb/pkg/cache"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoad_DefaultConfig(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
logging:
  level: "INFO"

engine:
  dir: /tmp/extentdb-test

cache:
  max_size: 100Mi
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected default shutdown_timeout 30s, got %v", cfg.ShutdownTimeout)
	}
	if cfg.Cache.MaxSize != 100<<20 {
		t.Errorf("Expected cache max_size 100Mi, got %d", cfg.Cache.MaxSize)
	}
	if cfg.Cache.FlushDirtySize != cache.DefaultFlushDirtySize {
		t.Errorf("Expected default flush_dirty_size, got %d", cfg.Cache.FlushDirtySize)
	}
	if !cfg.Serializer.ReadAhead {
		t.Error("Expected read_ahead to default to true")
	}
	if !cfg.Telemetry.Insecure {
		t.Error("Expected telemetry.insecure to default to true")
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Expected no error when loading default config, got: %v", err)
	}
	if cfg.Engine.Dir != DefaultEngineDir {
		t.Errorf("Expected default engine dir %q, got %q", DefaultEngineDir, cfg.Engine.Dir)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "invalid.yaml", `
logging:
  level: INFO
  invalid yaml here [[[
`)

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected error with invalid YAML, got nil")
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "config.toml", `
[logging]
level = "WARN"
format = "json"

[serializer]
block_size = "8Ki"
extent_size = "2Mi"
read_ahead = false
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load TOML config: %v", err)
	}

	if cfg.Logging.Level != "WARN" {
		t.Errorf("Expected level 'WARN', got %q", cfg.Logging.Level)
	}
	if cfg.Serializer.BlockSize != 8<<10 {
		t.Errorf("Expected block_size 8Ki, got %d", cfg.Serializer.BlockSize)
	}
	if cfg.Serializer.ReadAhead {
		t.Error("Expected explicit read_ahead = false to survive defaults")
	}
}

func TestLoad_FlushTimer(t *testing.T) {
	tests := []struct {
		name   string
		value  string
		never  bool
		period time.Duration
	}{
		{"Never", "never", true, 0},
		{"Duration", "250ms", false, 250 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, "config.yaml", "cache:\n  flush_timer: "+tt.value+"\n")

			cfg, err := Load(configPath)
			if err != nil {
				t.Fatalf("Failed to load config: %v", err)
			}
			if cfg.Cache.FlushTimer.IsNever() != tt.never {
				t.Errorf("Expected never=%v, got %v", tt.never, cfg.Cache.FlushTimer)
			}
			if d, ok := cfg.Cache.FlushTimer.Period(); ok && d != tt.period {
				t.Errorf("Expected period %v, got %v", tt.period, d)
			}
		})
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("EXTENTDB_LOGGING_LEVEL", "ERROR")
	t.Setenv("EXTENTDB_CACHE_FLUSH_TIMER", "never")
	t.Setenv("EXTENTDB_ENGINE_BLOCKER_WORKERS", "8")

	configPath := writeConfig(t, "config.yaml", `
logging:
  level: "INFO"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "ERROR" {
		t.Errorf("Expected level 'ERROR' from env var, got %q", cfg.Logging.Level)
	}
	if !cfg.Cache.FlushTimer.IsNever() {
		t.Errorf("Expected flush_timer never from env var, got %v", cfg.Cache.FlushTimer)
	}
	if cfg.Engine.BlockerWorkers != 8 {
		t.Errorf("Expected 8 blocker workers from env var, got %d", cfg.Engine.BlockerWorkers)
	}
}

func TestLoad_EnvironmentList(t *testing.T) {
	t.Setenv("EXTENTDB_TELEMETRY_PROFILING_PROFILE_TYPES", "cpu,goroutines")
	t.Setenv("EXTENTDB_SHUTDOWN_TIMEOUT", "45s")
	t.Setenv("EXTENTDB_SERIALIZER_FILE_ZONE_SIZE", "4Mi")

	cfg, err := Load(writeConfig(t, "config.yaml", "engine:\n  dir: /tmp/extentdb-env\n"))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	types := cfg.Telemetry.Profiling.ProfileTypes
	if len(types) != 2 || types[0] != "cpu" || types[1] != "goroutines" {
		t.Errorf("Expected profile types [cpu goroutines] from env var, got %v", types)
	}
	if cfg.ShutdownTimeout != 45*time.Second {
		t.Errorf("Expected shutdown_timeout 45s from env var, got %v", cfg.ShutdownTimeout)
	}
	if cfg.Serializer.FileZoneSize != 4<<20 {
		t.Errorf("Expected file_zone_size 4Mi from env var, got %d", cfg.Serializer.FileZoneSize)
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Engine.Dir = t.TempDir()
	cfg.Cache.FlushTimer = cache.Never
	cfg.Serializer.ReadAhead = false

	if err := SaveEngineConfig(cfg); err != nil {
		t.Fatalf("SaveEngineConfig failed: %v", err)
	}

	loaded, err := LoadEngineConfig(cfg.Engine.Dir)
	if err != nil {
		t.Fatalf("LoadEngineConfig failed: %v", err)
	}
	if !loaded.Cache.FlushTimer.IsNever() {
		t.Errorf("Expected flush_timer never after round trip, got %v", loaded.Cache.FlushTimer)
	}
	if loaded.Serializer.ReadAhead {
		t.Error("Expected read_ahead false after round trip")
	}
	if loaded.Cache.MaxSize != cfg.Cache.MaxSize {
		t.Errorf("Expected max_size %d, got %d", cfg.Cache.MaxSize, loaded.Cache.MaxSize)
	}
	if loaded.ShutdownTimeout != cfg.ShutdownTimeout {
		t.Errorf("Expected shutdown_timeout %v, got %v", cfg.ShutdownTimeout, loaded.ShutdownTimeout)
	}
}

func TestLoadEngineConfig_Missing(t *testing.T) {
	if _, err := LoadEngineConfig(t.TempDir()); err == nil {
		t.Fatal("Expected error for a directory without engine.yaml")
	}
}

func TestGetDefaultConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	path := GetDefaultConfigPath()
	if !filepath.IsAbs(path) {
		t.Errorf("Expected absolute path, got %q", path)
	}
	if filepath.Base(path) != "config.yaml" {
		t.Errorf("Expected filename 'config.yaml', got %q", filepath.Base(path))
	}
	if filepath.Base(GetConfigDir()) != "extentdb" {
		t.Errorf("Expected directory name 'extentdb', got %q", filepath.Base(GetConfigDir()))
	}
}

func TestMustLoad_MissingFile(t *testing.T) {
	_, err := MustLoad(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Expected error for missing config file")
	}
}
