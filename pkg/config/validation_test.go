package config

import (
	"strings"
	"testing"
)

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(GetDefaultConfig()); err != nil {
		t.Errorf("Expected valid config to pass validation, got error: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		contain string
	}{
		{"InvalidLogLevel", func(c *Config) { c.Logging.Level = "INVALID" }, "oneof"},
		{"InvalidLogFormat", func(c *Config) { c.Logging.Format = "xml" }, "oneof"},
		{"MetricsPortOutOfRange", func(c *Config) { c.Metrics.Port = 70000 }, "max"},
		{"SampleRateAboveOne", func(c *Config) { c.Telemetry.SampleRate = 1.5 }, "lte"},
		{"NoEngineDir", func(c *Config) { c.Engine.Dir = "" }, "required"},
		{"NoBlockerWorkers", func(c *Config) { c.Engine.BlockerWorkers = 0 }, "min"},
		{"FlushAboveMaxDirty", func(c *Config) { c.Cache.FlushDirtySize = c.Cache.MaxDirtySize + 1 }, "gtefield"},
		{"GCRatiosInverted", func(c *Config) { c.Serializer.GCLowRatio, c.Serializer.GCHighRatio = 0.8, 0.6 }, "gtefield"},
		{"ExtentNotMultipleOfBlock", func(c *Config) { c.Serializer.ExtentSize = c.Serializer.BlockSize*3 + 1 }, "serializer"},
		{"CacheSmallerThanBlock", func(c *Config) { c.Cache.MaxSize = c.Serializer.BlockSize - 1 }, "cache"},
		{"ZeroConcurrentFlushes", func(c *Config) { c.Cache.MaxConcurrentFlushes = 0 }, "min"},
		{"UnknownProfileType", func(c *Config) { c.Telemetry.Profiling.ProfileTypes = []string{"cpu", "heap"} }, "ProfileTypes[1]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.modify(cfg)

			err := Validate(cfg)
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.contain) {
				t.Errorf("Expected error containing %q, got: %v", tt.contain, err)
			}
		})
	}
}
