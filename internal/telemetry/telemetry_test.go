package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// record installs an in-memory provider for the duration of the test.
func record(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	InstallProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		use(noopTracer(), false)
	})
	return rec
}

func attrs(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value)
	for _, kv := range s.Attributes() {
		m[kv.Key] = kv.Value
	}
	return m
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "extentdb", cfg.ServiceName)
	assert.Equal(t, "localhost:4317", cfg.Endpoint)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.False(t, IsEnabled())

	ctx, span := StartSpan(context.Background(), "noop")
	span.End()
	assert.Empty(t, TraceID(ctx), "no-op spans carry no ids")
	assert.Empty(t, SpanID(ctx))
}

func TestSampler(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample().Description(), sampler(1.5).Description())
	assert.Equal(t, sdktrace.NeverSample().Description(), sampler(0).Description())
	assert.Equal(t, sdktrace.TraceIDRatioBased(0.25).Description(), sampler(0.25).Description())
}

func TestSpanHelpers(t *testing.T) {
	t.Run("GC", func(t *testing.T) {
		rec := record(t)
		assert.True(t, IsEnabled())

		ctx, span := StartGCSpan(context.Background(), "low ratio", Extents(4), LiveRatio(0.2))
		assert.NotEmpty(t, TraceID(ctx))
		assert.NotEmpty(t, SpanID(ctx))
		span.SetAttributes(Relocated(12))
		span.End()

		ended := rec.Ended()
		require.Len(t, ended, 1)
		assert.Equal(t, SpanGC, ended[0].Name())
		a := attrs(ended[0])
		assert.Equal(t, "low ratio", a[AttrGCReason].AsString())
		assert.Equal(t, int64(4), a[AttrExtents].AsInt64())
		assert.Equal(t, 0.2, a[AttrLiveRatio].AsFloat64())
		assert.Equal(t, int64(12), a[AttrRelocated].AsInt64())
	})

	t.Run("Flush", func(t *testing.T) {
		rec := record(t)

		_, span := StartFlushSpan(context.Background(), "threshold", DirtyBytes(1<<20), CacheState("throttled"))
		span.SetAttributes(Flushed(16))
		span.End()

		ended := rec.Ended()
		require.Len(t, ended, 1)
		assert.Equal(t, SpanFlush, ended[0].Name())
		a := attrs(ended[0])
		assert.Equal(t, "threshold", a[AttrFlushReason].AsString())
		assert.Equal(t, int64(1<<20), a[AttrDirtyBytes].AsInt64())
		assert.Equal(t, "throttled", a[AttrCacheState].AsString())
		assert.Equal(t, int64(16), a[AttrFlushed].AsInt64())
	})

	t.Run("EngineError", func(t *testing.T) {
		rec := record(t)

		_, span := StartEngineSpan(context.Background(), "open", BlockSize(4096), ExtentSize(1<<20))
		RecordError(span, errors.New("superblock mismatch"))
		span.End()

		ended := rec.Ended()
		require.Len(t, ended, 1)
		assert.Equal(t, "engine.open", ended[0].Name())
		assert.Equal(t, codes.Error, ended[0].Status().Code)
		assert.Equal(t, "superblock mismatch", ended[0].Status().Description)
		require.Len(t, ended[0].Events(), 1)
		assert.Equal(t, int64(4096), attrs(ended[0])[AttrBlockSize].AsInt64())
	})

	t.Run("NilErrorLeavesStatusUnset", func(t *testing.T) {
		rec := record(t)

		_, span := StartEngineSpan(context.Background(), "close")
		RecordError(span, nil)
		span.End()

		ended := rec.Ended()
		require.Len(t, ended, 1)
		assert.Equal(t, codes.Unset, ended[0].Status().Code)
		assert.Empty(t, ended[0].Events())
	})
}

func TestProfiling(t *testing.T) {
	t.Run("Disabled", func(t *testing.T) {
		stop, err := InitProfiling(ProfilingConfig{})
		require.NoError(t, err)
		assert.NoError(t, stop())
		assert.False(t, IsProfilingEnabled())
	})

	t.Run("UnknownType", func(t *testing.T) {
		_, err := InitProfiling(ProfilingConfig{Enabled: true, ProfileTypes: []string{"cpu", "heap"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), `"heap"`)
		assert.False(t, IsProfilingEnabled())
	})

	t.Run("Names", func(t *testing.T) {
		names := ProfileTypeNames()
		assert.Len(t, names, 10)
		assert.IsIncreasing(t, names)
		types, err := resolveProfileTypes(names)
		require.NoError(t, err)
		assert.Len(t, types, len(names))
	})
}
