package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys, prefixed by the layer that sets them.
const (
	AttrBlockSize  = "store.block_size"
	AttrExtentSize = "store.extent_size"

	AttrGCReason  = "gc.reason"
	AttrExtents   = "gc.extents"
	AttrRelocated = "gc.relocated"
	AttrLiveRatio = "gc.live_ratio"

	AttrFlushReason = "cache.flush_reason" // timer, threshold, explicit, close
	AttrCacheState  = "cache.state"
	AttrDirtyBytes  = "cache.dirty_bytes"
	AttrFlushed     = "cache.flushed"
)

const (
	SpanGC    = "serializer.gc"
	SpanFlush = "cache.flush"
)

func BlockSize(n int) attribute.KeyValue { return attribute.Int(AttrBlockSize, n) }

func ExtentSize(n int) attribute.KeyValue { return attribute.Int(AttrExtentSize, n) }

func Extents(n int) attribute.KeyValue { return attribute.Int(AttrExtents, n) }

// Relocated counts blocks the collector moved out of victim extents.
func Relocated(n int) attribute.KeyValue { return attribute.Int(AttrRelocated, n) }

func LiveRatio(r float64) attribute.KeyValue { return attribute.Float64(AttrLiveRatio, r) }

func CacheState(state string) attribute.KeyValue { return attribute.String(AttrCacheState, state) }

func DirtyBytes(n int64) attribute.KeyValue { return attribute.Int64(AttrDirtyBytes, n) }

// Flushed counts pages written back by one flush pass.
func Flushed(n int) attribute.KeyValue { return attribute.Int(AttrFlushed, n) }

// StartGCSpan opens the span that lives for one collector run. It is ended
// by the serializer when the run stops, not by the caller's scope.
func StartGCSpan(ctx context.Context, reason string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append([]attribute.KeyValue{attribute.String(AttrGCReason, reason)}, attrs...)
	return StartSpan(ctx, SpanGC, trace.WithAttributes(attrs...))
}

// StartFlushSpan opens the span for one write-back pass.
func StartFlushSpan(ctx context.Context, reason string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append([]attribute.KeyValue{attribute.String(AttrFlushReason, reason)}, attrs...)
	return StartSpan(ctx, SpanFlush, trace.WithAttributes(attrs...))
}

// StartEngineSpan opens an "engine.<operation>" span.
func StartEngineSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, "engine."+operation, trace.WithAttributes(attrs...))
}
