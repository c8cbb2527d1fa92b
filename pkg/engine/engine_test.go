package engine

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/marmos91/extentdb/internal/bytesize"
	"github.com/marmos91/extentdb/pkg/cache"
	"github.com/marmos91/extentdb/pkg/config"
	"github.com/marmos91/extentdb/pkg/metrics"
	"github.com/marmos91/extentdb/pkg/perfmon"
	"github.com/marmos91/extentdb/pkg/serializer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 10 * time.Second

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.GetDefaultConfig()
	cfg.Engine.Dir = t.TempDir()
	cfg.Engine.BlockerWorkers = 2
	cfg.Serializer.BlockSize = 4 * bytesize.KiB
	cfg.Serializer.ExtentSize = 64 * bytesize.KiB
	cfg.Serializer.FileZoneSize = 64 * bytesize.KiB
	cfg.Serializer.NumActiveDataExtents = 1
	cfg.Cache.MaxSize = 1 * bytesize.MiB
	cfg.Cache.MaxDirtySize = 512 * bytesize.KiB
	cfg.Cache.FlushDirtySize = 128 * bytesize.KiB
	cfg.Cache.FlushTimer = cache.Never
	require.NoError(t, config.Validate(cfg))
	return cfg
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func openEngine(t *testing.T, cfg *config.Config, opts ...Option) *Engine {
	t.Helper()
	e, err := Open(testContext(t), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func initEngine(t *testing.T, cfg *config.Config, opts ...Option) *Engine {
	t.Helper()
	require.NoError(t, Init(cfg, map[string][]byte{"owner": []byte("tests")}))
	return openEngine(t, cfg, opts...)
}

func TestInit(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, Init(cfg, nil))

	_, err := os.Stat(filepath.Join(cfg.Engine.Dir, config.EngineConfigFile))
	assert.NoError(t, err, "engine.yaml is written next to the data")

	assert.ErrorIs(t, Init(cfg, nil), serializer.ErrExists)
}

func TestOpenUninitialized(t *testing.T) {
	_, err := Open(testContext(t), testConfig(t))
	assert.ErrorIs(t, err, serializer.ErrNotInitialized)
}

func TestOpenConfigMismatch(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, Init(cfg, nil))

	cfg.Serializer.BlockSize = 8 * bytesize.KiB
	_, err := Open(testContext(t), cfg)
	assert.ErrorIs(t, err, serializer.ErrConfigMismatch)
}

func TestStoreReadWrite(t *testing.T) {
	ctx := testContext(t)
	e := initEngine(t, testConfig(t))
	s := e.Store(PrimaryIndex)

	id, err := s.Create(ctx, []byte("hello"))
	require.NoError(t, err)

	data, err := s.Read(ctx, id)
	require.NoError(t, err)
	assert.Len(t, data, s.BlockSize())
	assert.True(t, bytes.HasPrefix(data, []byte("hello")))

	require.NoError(t, s.Write(ctx, id, []byte("bye")))
	data, err = s.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("bye"), data[:3])
	assert.Equal(t, byte(0), data[3], "writes are zero-padded")

	err = s.Write(ctx, id, make([]byte, s.BlockSize()+1))
	assert.Error(t, err)
}

func TestStoreFree(t *testing.T) {
	ctx := testContext(t)
	e := initEngine(t, testConfig(t))
	s := e.Store(PrimaryIndex)

	id, err := s.Create(ctx, []byte("gone"))
	require.NoError(t, err)
	require.NoError(t, s.Free(ctx, id))

	_, err = s.Read(ctx, id)
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestReopenPersists(t *testing.T) {
	cfg := testConfig(t)
	ctx := testContext(t)

	e := initEngine(t, cfg)
	s := e.Store(PrimaryIndex)
	ids := make([]cache.BlockID, 40)
	for i := range ids {
		id, err := s.Create(ctx, []byte{byte(i), 0xAB})
		require.NoError(t, err)
		ids[i] = id
	}
	info := e.Info()
	require.NoError(t, e.Close(ctx))

	e2 := openEngine(t, cfg)
	assert.Equal(t, info.UUID, e2.Info().UUID)
	assert.Equal(t, []byte("tests"), e2.Metainfo()["owner"])

	s2 := e2.Store(PrimaryIndex)
	for i, id := range ids {
		data, err := s2.Read(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i), 0xAB}, data[:2])
	}
}

func TestStoresKeepSeparateCounters(t *testing.T) {
	ctx := testContext(t)
	reg := perfmon.NewRegistry()
	e := initEngine(t, testConfig(t), WithPerfmon(reg))

	primary := e.Store(PrimaryIndex)
	secondary := e.Store(SecondaryIndex)
	assert.Same(t, primary, e.Store(PrimaryIndex))

	id, err := primary.Create(ctx, []byte("p"))
	require.NoError(t, err)
	_, err = primary.Read(ctx, id)
	require.NoError(t, err)
	_, err = secondary.Create(ctx, []byte("s"))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), reg.Collection(PrimaryIndex).Counter(perfmon.Reads).Total())
	assert.Equal(t, uint64(1), reg.Collection(PrimaryIndex).Counter(perfmon.Allocates).Total())
	assert.Equal(t, uint64(0), reg.Collection(SecondaryIndex).Counter(perfmon.Reads).Total())
	assert.Equal(t, uint64(1), reg.Collection(SecondaryIndex).Counter(perfmon.Allocates).Total())
	assert.Equal(t, uint64(primary.BlockSize()), reg.Collection(PrimaryIndex).Counter(perfmon.ReadBytes).Total())
	assert.Same(t, reg, e.Perfmon())
}

func TestStatsAndCompact(t *testing.T) {
	ctx := testContext(t)
	e := initEngine(t, testConfig(t))
	s := e.Store(PrimaryIndex)

	var ids []cache.BlockID
	for i := range 32 {
		id, err := s.Create(ctx, []byte{byte(i)})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, e.Flush(ctx))
	for _, id := range ids[:24] {
		require.NoError(t, s.Free(ctx, id))
	}

	st, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, st.Serializer.Blocks)
	assert.Equal(t, 4096, st.Info.BlockSize)
	assert.Equal(t, int64(0), st.Cache.DirtyBytes)
	assert.NotEmpty(t, st.Counters)

	rec, err := e.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Drifted)

	extents, err := e.Extents(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, extents)

	for _, id := range ids[24:] {
		data, err := s.Read(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, byte(id-ids[0]), data[0])
	}
}

func TestPeriodicFlush(t *testing.T) {
	ctx := testContext(t)
	cfg := testConfig(t)
	cfg.Cache.FlushTimer = cache.Periodic(20 * time.Millisecond)
	e := initEngine(t, cfg)

	_, err := e.Store(PrimaryIndex).Create(ctx, []byte("tick"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := e.Stats(ctx)
		return err == nil && st.Cache.DirtyBytes == 0 && st.Serializer.Writes > 0
	}, testTimeout, 10*time.Millisecond)
}

func TestClose(t *testing.T) {
	ctx := testContext(t)
	e := initEngine(t, testConfig(t))
	s := e.Store(PrimaryIndex)
	_, err := s.Create(ctx, []byte("dirty"))
	require.NoError(t, err)

	require.NoError(t, e.Close(ctx))
	require.NoError(t, e.Close(ctx), "Close is idempotent")

	_, err = s.Create(ctx, nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = e.Stats(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, e.Flush(ctx), ErrClosed)
}

func TestMetricsCollectors(t *testing.T) {
	metrics.ResetRegistry()
	t.Cleanup(metrics.ResetRegistry)
	reg := metrics.InitRegistry()

	ctx := testContext(t)
	cfg := testConfig(t)
	e := initEngine(t, cfg)
	id, err := e.Store(PrimaryIndex).Create(ctx, []byte("m"))
	require.NoError(t, err)
	_, err = e.Store(PrimaryIndex).Read(ctx, id)
	require.NoError(t, err)
	require.NoError(t, e.Flush(ctx))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	joined := strings.Join(names, ",")
	assert.Contains(t, joined, "extentdb_perfmon_total")
	assert.Contains(t, joined, "extentdb_badger_cache_hits_total")
	assert.Contains(t, joined, "extentdb_cache_acquire_operations_total")
	assert.Contains(t, joined, "extentdb_serializer_io_operations_total")

	// Collectors are unregistered on close so the store can be reopened.
	require.NoError(t, e.Close(ctx))
	e2 := openEngine(t, cfg)
	require.NoError(t, e2.Close(ctx))
}
