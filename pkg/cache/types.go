package cache

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/marmos91/extentdb/pkg/account"
	"github.com/marmos91/extentdb/pkg/serializer"
)

// BlockID identifies a block. Ids are stable: the serializer maps them to
// their current physical slot, so write-back never changes a block's id.
type BlockID = serializer.BlockID

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotFound is returned when acquiring or freeing an unknown block.
	ErrNotFound = errors.New("cache: block not found")

	// ErrNotHeld is returned when releasing a page the caller does not hold.
	ErrNotHeld = errors.New("cache: page not held")

	// ErrReadOnly is returned when a page acquired for read is released dirty.
	ErrReadOnly = errors.New("cache: page acquired for read")

	// ErrPinned is returned when freeing a block whose page is pinned.
	ErrPinned = errors.New("cache: page is pinned")

	// ErrClosed is returned when operations are attempted on a closed cache.
	ErrClosed = errors.New("cache: closed")

	// ErrOnLoop is returned when a blocking call is made from the loop thread.
	// Loop-thread callers use the Async variants.
	ErrOnLoop = errors.New("cache: blocking call on the loop thread")
)

// ============================================================================
// Access mode
// ============================================================================

// Mode is the access mode of an acquisition.
type Mode uint8

const (
	// Read acquisitions may share a page.
	Read Mode = iota
	// Write acquisitions may dirty the page on release.
	Write
)

func (m Mode) String() string {
	if m == Write {
		return "write"
	}
	return "read"
}

// ============================================================================
// Flush interval
// ============================================================================

// FlushInterval is the periodic write-back policy: either Periodic(d) or
// Never. With Never, dirty pages are only written under dirty-byte pressure
// or by an explicit Flush, so the recovery window is unbounded.
type FlushInterval struct {
	period time.Duration
	never  bool
}

// Never disables the periodic flush.
var Never = FlushInterval{never: true}

// Periodic flushes every dirty page at least once per d.
func Periodic(d time.Duration) FlushInterval {
	return FlushInterval{period: d}
}

// Period returns the interval and whether the periodic flush is enabled.
func (f FlushInterval) Period() (time.Duration, bool) {
	if f.never {
		return 0, false
	}
	return f.period, true
}

// IsNever reports whether the periodic flush is disabled.
func (f FlushInterval) IsNever() bool {
	return f.never
}

// IsZero reports whether no policy was chosen.
func (f FlushInterval) IsZero() bool {
	return !f.never && f.period == 0
}

func (f FlushInterval) String() string {
	if f.never {
		return "never"
	}
	return f.period.String()
}

// MarshalText encodes the interval as "never" or a duration string.
func (f FlushInterval) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText accepts "never" or a time.ParseDuration string.
func (f *FlushInterval) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if strings.EqualFold(s, "never") {
		*f = Never
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid flush interval %q: %w", s, err)
	}
	if d <= 0 {
		return fmt.Errorf("invalid flush interval %q: must be positive or \"never\"", s)
	}
	*f = Periodic(d)
	return nil
}

// ============================================================================
// Configuration
// ============================================================================

// Default configuration values.
const (
	DefaultMaxSize              = 256 << 20
	DefaultFlushInterval        = time.Second
	DefaultMaxDirtySize         = 64 << 20
	DefaultFlushDirtySize       = 16 << 20
	DefaultMaxConcurrentFlushes = 4
)

// Config holds the buffer cache tunables.
type Config struct {
	// MaxSize is the page memory budget in bytes.
	MaxSize int64

	// FlushInterval bounds how long a dirty page may stay unwritten.
	FlushInterval FlushInterval

	// MaxDirtySize is the dirty byte count at which new writers are throttled.
	MaxDirtySize int64

	// FlushDirtySize is the dirty byte count at which background flushing starts.
	FlushDirtySize int64

	// MaxConcurrentFlushes bounds in-flight write-back writes.
	MaxConcurrentFlushes int

	// I/O priorities of the cache's accounts.
	IOPriorityReads  int
	IOPriorityWrites int
	IOPriorityFlush  int
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.MaxSize == 0 {
		c.MaxSize = DefaultMaxSize
	}
	if c.FlushInterval.IsZero() {
		c.FlushInterval = Periodic(DefaultFlushInterval)
	}
	if c.MaxDirtySize == 0 {
		c.MaxDirtySize = DefaultMaxDirtySize
	}
	if c.FlushDirtySize == 0 {
		c.FlushDirtySize = DefaultFlushDirtySize
	}
	if c.MaxConcurrentFlushes == 0 {
		c.MaxConcurrentFlushes = DefaultMaxConcurrentFlushes
	}
	if c.IOPriorityReads == 0 {
		c.IOPriorityReads = account.DefaultReadPriority
	}
	if c.IOPriorityWrites == 0 {
		c.IOPriorityWrites = account.DefaultWritePriority
	}
	if c.IOPriorityFlush == 0 {
		c.IOPriorityFlush = account.DefaultFlushPriority
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate(blockSize int) error {
	if c.MaxSize < int64(blockSize) {
		return fmt.Errorf("cache: max_size %d is smaller than one block (%d)", c.MaxSize, blockSize)
	}
	if c.FlushDirtySize <= 0 || c.MaxDirtySize <= 0 {
		return errors.New("cache: dirty size thresholds must be positive")
	}
	if c.MaxDirtySize < c.FlushDirtySize {
		return fmt.Errorf("cache: max_dirty_size %d must be >= flush_dirty_size %d", c.MaxDirtySize, c.FlushDirtySize)
	}
	if c.MaxConcurrentFlushes < 1 {
		return errors.New("cache: max_concurrent_flushes must be at least 1")
	}
	if d, ok := c.FlushInterval.Period(); ok && d <= 0 {
		return errors.New("cache: flush interval must be positive")
	}
	return nil
}

// ============================================================================
// Statistics
// ============================================================================

// Stats is a point-in-time snapshot of the cache.
type Stats struct {
	Pages           int    `json:"pages"`
	Pinned          int    `json:"pinned"`
	DirtyPages      int    `json:"dirty_pages"`
	DirtyBytes      int64  `json:"dirty_bytes"`
	UsedBytes       int64  `json:"used_bytes"`
	MaxSize         int64  `json:"max_size"`
	State           string `json:"state"`
	InflightFlushes int    `json:"inflight_flushes"`
	Throttled       int    `json:"throttled"`
	Hits            uint64 `json:"hits"`
	Misses          uint64 `json:"misses"`
	Evictions       uint64 `json:"evictions"`
	Flushed         uint64 `json:"flushed"`
	ReadAheads      uint64 `json:"read_aheads"`
	OverBudget      uint64 `json:"over_budget"`
}
