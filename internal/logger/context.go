package logger

import (
	"context"
	"time"
)

type logContextKey struct{}

// LogContext carries the fields the Ctx logging functions prepend: which
// index and block a call is about, and its trace when it has no active span.
// The With methods return modified copies, so one LogContext can seed many
// calls.
type LogContext struct {
	TraceID   string
	SpanID    string
	Index     string
	Operation string
	BlockID   uint64 // 0 until the call knows its block
	StartTime time.Time
}

func NewLogContext(index string) *LogContext {
	return &LogContext{Index: index, StartTime: time.Now()}
}

func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey{}, lc)
}

// FromContext returns the LogContext stored in ctx, or nil. A nil ctx is
// allowed.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey{}).(*LogContext)
	return lc
}

func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	c := *lc
	return &c
}

func (lc *LogContext) with(set func(*LogContext)) *LogContext {
	c := lc.Clone()
	if c != nil {
		set(c)
	}
	return c
}

func (lc *LogContext) WithOperation(op string) *LogContext {
	return lc.with(func(c *LogContext) { c.Operation = op })
}

func (lc *LogContext) WithBlock(id uint64) *LogContext {
	return lc.with(func(c *LogContext) { c.BlockID = id })
}

func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	return lc.with(func(c *LogContext) { c.TraceID, c.SpanID = traceID, spanID })
}

// DurationMs is the time since StartTime, 0 when unset.
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return Duration(lc.StartTime)
}
