// Package logger is the process-wide structured logger. It wraps log/slog
// with a level that can be changed at runtime, a colored text handler for
// terminals and JSON for everything else.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Config selects level, format and sink. Output is "stdout", "stderr" or a
// file path opened for append.
type Config struct {
	Level  string
	Format string
	Output string
}

var (
	// level is shared by every handler so SetLevel needs no rebuild.
	level slog.LevelVar

	mu       sync.RWMutex
	format   = "text"
	output   io.Writer = os.Stdout
	useColor = isTerminal(os.Stdout.Fd())
	logFile  *os.File
	slogger  *slog.Logger
)

func init() {
	reconfigure()
}

// ParseLevel maps DEBUG, INFO, WARN (or WARNING) and ERROR, in any case, to
// a slog level.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug, true
	case "INFO":
		return slog.LevelInfo, true
	case "WARN", "WARNING":
		return slog.LevelWarn, true
	case "ERROR":
		return slog.LevelError, true
	}
	return 0, false
}

func reconfigure() {
	mu.Lock()
	defer mu.Unlock()

	opts := &slog.HandlerOptions{Level: &level}
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(output, opts)
	} else {
		h = NewColorTextHandler(output, opts, useColor)
	}
	slogger = slog.New(h)
}

// Init applies cfg. Empty fields keep their current setting. A log file
// opened by a previous Init is closed once the new sink is in place.
func Init(cfg Config) error {
	if cfg.Output != "" {
		var (
			w     io.Writer
			color bool
			file  *os.File
		)
		switch strings.ToLower(cfg.Output) {
		case "stdout":
			w, color = os.Stdout, isTerminal(os.Stdout.Fd())
		case "stderr":
			w, color = os.Stderr, isTerminal(os.Stderr.Fd())
		default:
			f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return fmt.Errorf("open log file %q: %w", cfg.Output, err)
			}
			w, file = f, f
		}

		mu.Lock()
		prev := logFile
		output, useColor, logFile = w, color, file
		mu.Unlock()
		defer func() {
			if prev != nil {
				_ = prev.Close()
			}
		}()
	}

	if cfg.Level != "" {
		SetLevel(cfg.Level)
	}
	if cfg.Format != "" {
		SetFormat(cfg.Format)
	}
	reconfigure()
	return nil
}

// InitWithWriter sends output to w. Tests use it to capture records.
func InitWithWriter(w io.Writer, lvl, fmtName string, enableColor bool) {
	mu.Lock()
	output, useColor = w, enableColor
	mu.Unlock()

	if lvl != "" {
		SetLevel(lvl)
	}
	if fmtName != "" {
		SetFormat(fmtName)
	}
	reconfigure()
}

// SetLevel changes the minimum level. Unknown names are ignored so a bad
// hot-reloaded config keeps the previous level.
func SetLevel(name string) {
	if l, ok := ParseLevel(name); ok {
		level.Set(l)
	}
}

// SetFormat switches between "text" and "json"; anything else is ignored.
func SetFormat(name string) {
	name = strings.ToLower(name)
	if name != "text" && name != "json" {
		return
	}
	mu.Lock()
	format = name
	mu.Unlock()
	reconfigure()
}

// IsDebugEnabled lets hot paths skip building debug arguments.
func IsDebugEnabled() bool {
	return level.Level() <= slog.LevelDebug
}

func getLogger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return slogger
}

func emit(ctx context.Context, l slog.Level, msg string, args []any) {
	if l < level.Level() {
		return
	}
	getLogger().Log(ctx, l, msg, args...)
}

func emitCtx(ctx context.Context, l slog.Level, msg string, args []any) {
	if l < level.Level() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	getLogger().Log(ctx, l, msg, contextFields(ctx, args)...)
}

func Debug(msg string, args ...any) { emit(context.Background(), slog.LevelDebug, msg, args) }
func Info(msg string, args ...any)  { emit(context.Background(), slog.LevelInfo, msg, args) }
func Warn(msg string, args ...any)  { emit(context.Background(), slog.LevelWarn, msg, args) }
func Error(msg string, args ...any) { emit(context.Background(), slog.LevelError, msg, args) }

// The Ctx variants prepend the LogContext fields carried by ctx, and the
// trace of the active span when the LogContext has none.
func DebugCtx(ctx context.Context, msg string, args ...any) {
	emitCtx(ctx, slog.LevelDebug, msg, args)
}

func InfoCtx(ctx context.Context, msg string, args ...any) {
	emitCtx(ctx, slog.LevelInfo, msg, args)
}

func WarnCtx(ctx context.Context, msg string, args ...any) {
	emitCtx(ctx, slog.LevelWarn, msg, args)
}

func ErrorCtx(ctx context.Context, msg string, args ...any) {
	emitCtx(ctx, slog.LevelError, msg, args)
}

func contextFields(ctx context.Context, args []any) []any {
	lc := FromContext(ctx)
	traceID, spanID := "", ""
	if lc != nil {
		traceID, spanID = lc.TraceID, lc.SpanID
	}
	if traceID == "" {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			traceID, spanID = sc.TraceID().String(), sc.SpanID().String()
		}
	}

	fields := make([]any, 0, 10+len(args))
	if traceID != "" {
		fields = append(fields, KeyTraceID, traceID)
	}
	if spanID != "" {
		fields = append(fields, KeySpanID, spanID)
	}
	if lc != nil {
		if lc.Index != "" {
			fields = append(fields, KeyIndex, lc.Index)
		}
		if lc.Operation != "" {
			fields = append(fields, KeyOperation, lc.Operation)
		}
		if lc.BlockID != 0 {
			fields = append(fields, KeyBlockID, lc.BlockID)
		}
	}
	return append(fields, args...)
}

// Duration returns the milliseconds elapsed since start.
func Duration(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

func Debugf(format string, v ...any) { emitf(slog.LevelDebug, format, v) }
func Infof(format string, v ...any)  { emitf(slog.LevelInfo, format, v) }
func Warnf(format string, v ...any)  { emitf(slog.LevelWarn, format, v) }
func Errorf(format string, v ...any) { emitf(slog.LevelError, format, v) }

func emitf(l slog.Level, format string, v []any) {
	if l < level.Level() {
		return
	}
	getLogger().Log(context.Background(), l, fmt.Sprintf(format, v...))
}
