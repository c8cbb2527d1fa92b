package config

import (
	"strings"
	"time"

	"github.com/marmos91/extentdb/internal/bytesize"
	"github.com/marmos91/extentdb/pkg/account"
	"github.com/marmos91/extentdb/pkg/cache"
	"github.com/marmos91/extentdb/pkg/serializer"
)

// DefaultEngineDir is where the store lives when engine.dir is unset.
const DefaultEngineDir = "/var/lib/extentdb"

var defaultProfileTypes = []string{"cpu", "alloc_objects", "alloc_space", "inuse_objects", "inuse_space", "goroutines"}

// orDefault sets *field to def when it holds the zero value.
func orDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

// ApplyDefaults fills zero-valued fields and upper-cases the log level.
// Booleans are left alone; those that default to true are seeded by the
// loader and by GetDefaultConfig.
func ApplyDefaults(cfg *Config) {
	l := &cfg.Logging
	orDefault(&l.Level, "INFO")
	l.Level = strings.ToUpper(l.Level)
	orDefault(&l.Format, "text")
	orDefault(&l.Output, "stdout")

	t := &cfg.Telemetry
	orDefault(&t.Endpoint, "localhost:4317")
	orDefault(&t.SampleRate, 1.0)
	orDefault(&t.Profiling.Endpoint, "http://localhost:4040")
	if len(t.Profiling.ProfileTypes) == 0 {
		t.Profiling.ProfileTypes = append([]string(nil), defaultProfileTypes...)
	}

	orDefault(&cfg.ShutdownTimeout, 30*time.Second)
	// The port only matters when the server runs.
	if cfg.Metrics.Enabled {
		orDefault(&cfg.Metrics.Port, 9090)
	}

	orDefault(&cfg.Engine.Dir, DefaultEngineDir)
	orDefault(&cfg.Engine.BlockerWorkers, 4)

	c := &cfg.Cache
	orDefault(&c.MaxSize, bytesize.ByteSize(cache.DefaultMaxSize))
	if c.FlushTimer.IsZero() {
		c.FlushTimer = cache.Periodic(cache.DefaultFlushInterval)
	}
	orDefault(&c.MaxDirtySize, bytesize.ByteSize(cache.DefaultMaxDirtySize))
	orDefault(&c.FlushDirtySize, bytesize.ByteSize(cache.DefaultFlushDirtySize))
	orDefault(&c.MaxConcurrentFlushes, cache.DefaultMaxConcurrentFlushes)
	orDefault(&c.IOPriorityReads, account.DefaultReadPriority)
	orDefault(&c.IOPriorityWrites, account.DefaultWritePriority)
	orDefault(&c.IOPriorityFlush, account.DefaultFlushPriority)

	s := &cfg.Serializer
	orDefault(&s.BlockSize, bytesize.ByteSize(serializer.DefaultBlockSize))
	orDefault(&s.ExtentSize, bytesize.ByteSize(serializer.DefaultExtentSize))
	// The ratios default as a pair; a lone explicit 0 is a valid setting.
	if s.GCLowRatio == 0 && s.GCHighRatio == 0 {
		s.GCLowRatio, s.GCHighRatio = serializer.DefaultGCLowRatio, serializer.DefaultGCHighRatio
	}
	orDefault(&s.NumActiveDataExtents, serializer.DefaultNumActiveDataExtents)
	orDefault(&s.FileZoneSize, bytesize.ByteSize(serializer.DefaultFileZoneSize))
	orDefault(&s.IOBatchFactor, account.DefaultIOBatchFactor)
}

// GetDefaultConfig returns a complete configuration with every default set.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Telemetry:  TelemetryConfig{Insecure: true},
		Serializer: SerializerConfig{ReadAhead: true},
	}
	ApplyDefaults(cfg)
	return cfg
}
