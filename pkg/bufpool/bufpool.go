// Package bufpool hands out byte slices aligned to directio.AlignSize, so
// they can be passed straight to files opened with O_DIRECT.
//
// Buffers come from three pooled tiers sized for the engine's I/O shapes:
// one block (a cache page or serializer slot), a batch (a read-ahead run or
// coalesced write) and an extent (read whole by the collector). Larger
// requests are allocated directly and dropped on Put.
//
//	buf := pool.Get(n)
//	defer pool.Put(buf)
package bufpool

import (
	"sync"
	"unsafe"

	"github.com/ncw/directio"
)

const (
	DefaultBlockSize  = 4 << 10
	DefaultBatchSize  = 64 << 10
	DefaultExtentSize = 1 << 20
)

// Config sets the tier sizes. Zero fields take the defaults.
type Config struct {
	BlockSize  int
	BatchSize  int
	ExtentSize int
}

func DefaultConfig() Config {
	return Config{
		BlockSize:  DefaultBlockSize,
		BatchSize:  DefaultBatchSize,
		ExtentSize: DefaultExtentSize,
	}
}

type tier struct {
	size int
	pool sync.Pool
}

// Pool is safe for concurrent use.
type Pool struct {
	tiers [3]*tier
}

// NewPool builds a pool; a nil cfg means DefaultConfig. Tiers are raised so
// each is at least as large as the one below it.
func NewPool(cfg *Config) *Pool {
	c := DefaultConfig()
	if cfg != nil {
		if cfg.BlockSize > 0 {
			c.BlockSize = cfg.BlockSize
		}
		if cfg.BatchSize > 0 {
			c.BatchSize = cfg.BatchSize
		}
		if cfg.ExtentSize > 0 {
			c.ExtentSize = cfg.ExtentSize
		}
	}
	c.BatchSize = max(c.BatchSize, c.BlockSize)
	c.ExtentSize = max(c.ExtentSize, c.BatchSize)

	p := &Pool{}
	for i, size := range [3]int{c.BlockSize, c.BatchSize, c.ExtentSize} {
		t := &tier{size: size}
		t.pool.New = func() any {
			buf := alignedBuffer(t.size)
			return &buf
		}
		p.tiers[i] = t
	}
	return p
}

// BlockSize returns the smallest tier's size.
func (p *Pool) BlockSize() int {
	return p.tiers[0].size
}

// Get returns an aligned slice of length size. Its capacity is the size of
// the tier it came from.
func (p *Pool) Get(size int) []byte {
	for _, t := range p.tiers {
		if size <= t.size {
			return (*t.pool.Get().(*[]byte))[:size]
		}
	}
	return alignedBuffer(size)
}

// Put recycles a slice returned by Get. Slices whose capacity matches no
// tier are left to the garbage collector. When two tiers have the same size
// the smaller one takes the buffer.
func (p *Pool) Put(buf []byte) {
	if buf == nil {
		return
	}
	for _, t := range p.tiers {
		if cap(buf) == t.size {
			full := buf[:t.size]
			t.pool.Put(&full)
			return
		}
	}
}

// IsAligned reports whether buf starts on a directio.AlignSize boundary. An
// empty buffer has no backing address and counts as aligned.
func IsAligned(buf []byte) bool {
	if cap(buf) == 0 {
		return true
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(buf)))&uintptr(directio.AlignSize-1) == 0
}

// alignedBuffer clips the capacity to size so Put can find the tier.
func alignedBuffer(size int) []byte {
	if size == 0 {
		return []byte{}
	}
	return directio.AlignedBlock(size)[:size:size]
}

var global = NewPool(nil)

// Get takes a buffer from the default pool.
func Get(size int) []byte { return global.Get(size) }

// Put returns a buffer to the default pool.
func Put(buf []byte) { global.Put(buf) }
