package bufpool

import (
	"fmt"
	"sync"
	"testing"

	"github.com/ncw/directio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetTiers(t *testing.T) {
	cases := []struct {
		name    string
		size    int
		wantCap int
	}{
		{"Empty", 0, DefaultBlockSize},
		{"PartialBlock", 100, DefaultBlockSize},
		{"ExactBlock", DefaultBlockSize, DefaultBlockSize},
		{"JustOverBlock", DefaultBlockSize + 1, DefaultBatchSize},
		{"ReadAheadRun", 16 * DefaultBlockSize, DefaultBatchSize},
		{"JustOverBatch", DefaultBatchSize + 1, DefaultExtentSize},
		{"WholeExtent", DefaultExtentSize, DefaultExtentSize},
		{"Oversized", DefaultExtentSize + 1, DefaultExtentSize + 1},
		{"LargeOversized", 3 << 20, 3 << 20},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf := Get(tc.size)
			defer Put(buf)

			require.NotNil(t, buf)
			assert.Len(t, buf, tc.size)
			assert.Equal(t, tc.wantCap, cap(buf))
			assert.True(t, IsAligned(buf))
		})
	}
}

func TestIsAligned(t *testing.T) {
	assert.True(t, IsAligned(nil))
	assert.True(t, IsAligned([]byte{}))

	buf := alignedBuffer(2 * directio.AlignSize)
	assert.True(t, IsAligned(buf))
	assert.True(t, IsAligned(buf[:0]), "an empty reslice keeps its backing address")
	assert.False(t, IsAligned(buf[1:]))
	assert.True(t, IsAligned(buf[directio.AlignSize:]))
}

func TestPutRecycles(t *testing.T) {
	p := NewPool(nil)

	short := p.Get(10)
	short[0] = 0xAB
	p.Put(short)

	again := p.Get(DefaultBlockSize)
	assert.Len(t, again, DefaultBlockSize, "a recycled buffer is resliced to its full tier")
	assert.True(t, IsAligned(again))
	p.Put(again)

	require.NotPanics(t, func() {
		p.Put(nil)
		p.Put(make([]byte, 1000))
		p.Put(p.Get(5 << 20))
	})
}

func TestNewPool(t *testing.T) {
	t.Run("CustomTiers", func(t *testing.T) {
		p := NewPool(&Config{BlockSize: 8 << 10, BatchSize: 128 << 10, ExtentSize: 2 << 20})
		assert.Equal(t, 8<<10, p.BlockSize())
		assert.Equal(t, 8<<10, cap(p.Get(4096)))
		assert.Equal(t, 128<<10, cap(p.Get(9000)))
		assert.Equal(t, 2<<20, cap(p.Get(200<<10)))
	})

	t.Run("ZeroFieldsTakeDefaults", func(t *testing.T) {
		p := NewPool(&Config{BatchSize: 256 << 10})
		assert.Equal(t, DefaultBlockSize, p.BlockSize())
		assert.Equal(t, 256<<10, cap(p.Get(DefaultBlockSize+1)))
		assert.Equal(t, DefaultExtentSize, cap(p.Get(300<<10)))
	})

	t.Run("TiersAscend", func(t *testing.T) {
		p := NewPool(&Config{BlockSize: 128 << 10, BatchSize: 4096, ExtentSize: 8192})
		buf := p.Get(128 << 10)
		assert.Equal(t, 128<<10, cap(buf))
		p.Put(buf)

		assert.Equal(t, 128<<10+1, cap(p.Get(128<<10+1)), "collapsed tiers leave only the block tier")
	})

	t.Run("InputUntouched", func(t *testing.T) {
		cfg := &Config{}
		NewPool(cfg)
		assert.Equal(t, Config{}, *cfg)
	})
}

func TestConcurrentUse(t *testing.T) {
	p := NewPool(nil)
	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				buf := p.Get((g*997 + i*131) % (DefaultExtentSize + DefaultBlockSize))
				for j := range buf {
					buf[j] = byte(g)
				}
				p.Put(buf)
			}
		}()
	}
	wg.Wait()
}

func BenchmarkGetPut(b *testing.B) {
	for _, size := range []int{DefaultBlockSize, 32 << 10} {
		b.Run(fmt.Sprintf("%dKiB", size>>10), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				Put(Get(size))
			}
		})
	}
}

func BenchmarkGetPutParallel(b *testing.B) {
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			Put(Get(DefaultBlockSize))
		}
	})
}
