package config

import (
	"time"

	"github.com/marmos91/extentdb/internal/bytesize"
	"github.com/marmos91/extentdb/pkg/cache"
	"github.com/marmos91/extentdb/pkg/serializer"
)

// EngineConfigFile is the name of the configuration snapshot written next to
// the data of an initialized store.
const EngineConfigFile = "engine.yaml"

// Config is the whole extentdb configuration. Environment variables
// (EXTENTDB_SECTION_KEY) override the file, which overrides the defaults.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// ShutdownTimeout bounds the final flush and drain on exit.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Metrics also gates the HTTP server that serves /health and /stats.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	Engine EngineConfig `mapstructure:"engine" yaml:"engine"`
	Cache  CacheConfig  `mapstructure:"cache" yaml:"cache"`

	// Serializer block_size and extent_size are fixed by init.
	Serializer SerializerConfig `mapstructure:"serializer" yaml:"serializer"`
}

type LoggingConfig struct {
	// Level is DEBUG, INFO, WARN or ERROR; it is upper-cased on load and
	// reloaded while the engine runs.
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
	// Output is stdout, stderr or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig enables OTLP trace export. Off by default.
type TelemetryConfig struct {
	Enabled    bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint   string  `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure   bool    `mapstructure:"insecure" yaml:"insecure"`
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`

	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig enables Pyroscope continuous profiling.
type ProfilingConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	// ProfileTypes accepts the names listed by telemetry.ProfileTypeNames.
	ProfileTypes []string `mapstructure:"profile_types" validate:"dive,oneof=cpu alloc_objects alloc_space inuse_objects inuse_space goroutines mutex_count mutex_duration block_count block_duration" yaml:"profile_types"`
}

// MetricsConfig enables Prometheus collection and the HTTP server. When
// disabled every metrics sink is nil.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// EngineConfig locates the store.
type EngineConfig struct {
	// Dir holds the extent file, the block index and engine.yaml
	Dir string `mapstructure:"dir" validate:"required" yaml:"dir"`

	// BlockerWorkers is the number of threads running blocking file and
	// index I/O
	// Default: 4
	BlockerWorkers int `mapstructure:"blocker_workers" validate:"min=1,max=256" yaml:"blocker_workers"`
}

// CacheConfig configures the buffer cache.
type CacheConfig struct {
	// MaxSize is the page memory budget
	// Supports human-readable formats: "256Mi", "1GB"
	MaxSize bytesize.ByteSize `mapstructure:"max_size" validate:"required" yaml:"max_size"`

	// FlushTimer bounds how long a dirty page may stay unwritten.
	// A duration ("1s", "500ms") or "never".
	FlushTimer cache.FlushInterval `mapstructure:"flush_timer" yaml:"flush_timer"`

	// MaxDirtySize throttles writers once this much dirty data is cached
	MaxDirtySize bytesize.ByteSize `mapstructure:"max_dirty_size" validate:"required,gtefield=FlushDirtySize" yaml:"max_dirty_size"`

	// FlushDirtySize starts background write-back
	FlushDirtySize bytesize.ByteSize `mapstructure:"flush_dirty_size" validate:"required" yaml:"flush_dirty_size"`

	// MaxConcurrentFlushes bounds in-flight write-back writes
	MaxConcurrentFlushes int `mapstructure:"max_concurrent_flushes" validate:"min=1" yaml:"max_concurrent_flushes"`

	// I/O priorities of the cache's accounts
	IOPriorityReads  int `mapstructure:"io_priority_reads" validate:"min=1" yaml:"io_priority_reads"`
	IOPriorityWrites int `mapstructure:"io_priority_writes" validate:"min=1" yaml:"io_priority_writes"`
	IOPriorityFlush  int `mapstructure:"io_priority_flush" validate:"min=1" yaml:"io_priority_flush"`
}

// ToCache converts to the cache package configuration.
func (c CacheConfig) ToCache() cache.Config {
	return cache.Config{
		MaxSize:              c.MaxSize.Int64(),
		FlushInterval:        c.FlushTimer,
		MaxDirtySize:         c.MaxDirtySize.Int64(),
		FlushDirtySize:       c.FlushDirtySize.Int64(),
		MaxConcurrentFlushes: c.MaxConcurrentFlushes,
		IOPriorityReads:      c.IOPriorityReads,
		IOPriorityWrites:     c.IOPriorityWrites,
		IOPriorityFlush:      c.IOPriorityFlush,
	}
}

// SerializerConfig configures the log-structured store.
type SerializerConfig struct {
	BlockSize            bytesize.ByteSize `mapstructure:"block_size" validate:"required" yaml:"block_size"`
	ExtentSize           bytesize.ByteSize `mapstructure:"extent_size" validate:"required,gtefield=BlockSize" yaml:"extent_size"`
	GCLowRatio           float64           `mapstructure:"gc_low_ratio" validate:"gte=0,lte=1" yaml:"gc_low_ratio"`
	GCHighRatio          float64           `mapstructure:"gc_high_ratio" validate:"gte=0,lte=1,gtefield=GCLowRatio" yaml:"gc_high_ratio"`
	NumActiveDataExtents int               `mapstructure:"num_active_data_extents" validate:"min=1" yaml:"num_active_data_extents"`

	// FileSize caps the data file. 0 grows as needed.
	FileSize     bytesize.ByteSize `mapstructure:"file_size" yaml:"file_size"`
	FileZoneSize bytesize.ByteSize `mapstructure:"file_zone_size" yaml:"file_zone_size"`

	ReadAhead     bool `mapstructure:"read_ahead" yaml:"read_ahead"`
	IOBatchFactor int  `mapstructure:"io_batch_factor" validate:"min=1" yaml:"io_batch_factor"`
	DirectIO      bool `mapstructure:"direct_io" yaml:"direct_io"`
}

// ToSerializer converts to the serializer package configuration.
func (c SerializerConfig) ToSerializer() serializer.Config {
	return serializer.Config{
		BlockSize:            int(c.BlockSize),
		ExtentSize:           int(c.ExtentSize),
		NumActiveDataExtents: c.NumActiveDataExtents,
		GCLowRatio:           c.GCLowRatio,
		GCHighRatio:          c.GCHighRatio,
		FileSize:             c.FileSize.Int64(),
		FileZoneSize:         c.FileZoneSize.Int64(),
		ReadAhead:            c.ReadAhead,
		IOBatchFactor:        c.IOBatchFactor,
		DirectIO:             c.DirectIO,
	}
}
