package serializer

import (
	"fmt"

	"github.com/marmos91/extentdb/pkg/account"
	"github.com/ncw/directio"
)

// Default serializer configuration.
const (
	DefaultBlockSize            = 4 << 10
	DefaultExtentSize           = 1 << 20
	DefaultNumActiveDataExtents = 4
	DefaultGCLowRatio           = 0.5
	DefaultGCHighRatio          = 0.65
	DefaultFileZoneSize         = 64 << 20
)

// Config is the serializer configuration. It is immutable once the
// serializer is open. BlockSize and ExtentSize are additionally fixed at
// creation and recorded in the superblock.
type Config struct {
	// BlockSize is the payload size of every block.
	BlockSize int `mapstructure:"block_size" json:"block_size" yaml:"block_size"`

	// ExtentSize is the size of one extent. Must be a multiple of BlockSize.
	ExtentSize int `mapstructure:"extent_size" json:"extent_size" yaml:"extent_size"`

	// NumActiveDataExtents is how many extents accept new writes at once.
	NumActiveDataExtents int `mapstructure:"num_active_data_extents" json:"num_active_data_extents" yaml:"num_active_data_extents"`

	// GCLowRatio starts collection when a sealed extent's live ratio falls below it.
	GCLowRatio float64 `mapstructure:"gc_low_ratio" json:"gc_low_ratio" yaml:"gc_low_ratio"`

	// GCHighRatio stops collection once the aggregate live ratio of sealed
	// extents reaches it.
	GCHighRatio float64 `mapstructure:"gc_high_ratio" json:"gc_high_ratio" yaml:"gc_high_ratio"`

	// FileSize caps the data file. 0 grows as needed.
	FileSize int64 `mapstructure:"file_size" json:"file_size" yaml:"file_size"`

	// FileZoneSize is the preallocation granularity when the data file grows.
	FileZoneSize int64 `mapstructure:"file_zone_size" json:"file_zone_size" yaml:"file_zone_size"`

	// ReadAhead fetches the following live blocks of an extent with each read.
	ReadAhead bool `mapstructure:"read_ahead" json:"read_ahead" yaml:"read_ahead"`

	// IOBatchFactor is how many account priority units buy one dispatched
	// request. It also bounds the read-ahead run.
	IOBatchFactor int `mapstructure:"io_batch_factor" json:"io_batch_factor" yaml:"io_batch_factor"`

	// DirectIO opens the data file with O_DIRECT.
	DirectIO bool `mapstructure:"direct_io" json:"direct_io" yaml:"direct_io"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BlockSize:            DefaultBlockSize,
		ExtentSize:           DefaultExtentSize,
		NumActiveDataExtents: DefaultNumActiveDataExtents,
		GCLowRatio:           DefaultGCLowRatio,
		GCHighRatio:          DefaultGCHighRatio,
		FileZoneSize:         DefaultFileZoneSize,
		ReadAhead:            true,
		IOBatchFactor:        account.DefaultIOBatchFactor,
	}
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.BlockSize == 0 {
		c.BlockSize = d.BlockSize
	}
	if c.ExtentSize == 0 {
		c.ExtentSize = d.ExtentSize
	}
	if c.NumActiveDataExtents == 0 {
		c.NumActiveDataExtents = d.NumActiveDataExtents
	}
	if c.GCLowRatio == 0 && c.GCHighRatio == 0 {
		c.GCLowRatio = d.GCLowRatio
		c.GCHighRatio = d.GCHighRatio
	}
	if c.FileZoneSize == 0 {
		c.FileZoneSize = d.FileZoneSize
	}
	if c.IOBatchFactor == 0 {
		c.IOBatchFactor = d.IOBatchFactor
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.BlockSize <= 0 {
		return fmt.Errorf("block_size must be positive, got %d", c.BlockSize)
	}
	if c.ExtentSize < c.BlockSize || c.ExtentSize%c.BlockSize != 0 {
		return fmt.Errorf("extent_size %d must be a positive multiple of block_size %d", c.ExtentSize, c.BlockSize)
	}
	if c.NumActiveDataExtents <= 0 {
		return fmt.Errorf("num_active_data_extents must be positive, got %d", c.NumActiveDataExtents)
	}
	if c.GCLowRatio < 0 || c.GCHighRatio > 1 || c.GCLowRatio > c.GCHighRatio {
		return fmt.Errorf("gc ratios must satisfy 0 <= gc_low_ratio (%.2f) <= gc_high_ratio (%.2f) <= 1", c.GCLowRatio, c.GCHighRatio)
	}
	if c.FileSize < 0 || (c.FileSize > 0 && c.FileSize < int64(c.ExtentSize)) {
		return fmt.Errorf("file_size %d must be 0 or at least one extent (%d)", c.FileSize, c.ExtentSize)
	}
	if c.FileZoneSize < 0 {
		return fmt.Errorf("file_zone_size must not be negative, got %d", c.FileZoneSize)
	}
	if c.IOBatchFactor <= 0 {
		return fmt.Errorf("io_batch_factor must be positive, got %d", c.IOBatchFactor)
	}
	if c.DirectIO && c.BlockSize%directio.BlockSize != 0 {
		return fmt.Errorf("direct_io requires block_size to be a multiple of %d, got %d", directio.BlockSize, c.BlockSize)
	}
	return nil
}

// SlotsPerExtent returns ExtentSize / BlockSize.
func (c *Config) SlotsPerExtent() int {
	return c.ExtentSize / c.BlockSize
}
