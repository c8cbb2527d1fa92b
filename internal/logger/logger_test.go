package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

// captureOutput sends log output to a buffer, colourless, until cleanup.
func captureOutput() (*bytes.Buffer, func()) {
	buf := new(bytes.Buffer)

	mu.Lock()
	originalOutput, originalColor := output, useColor
	output, useColor = buf, false
	mu.Unlock()
	reconfigure()

	return buf, func() {
		mu.Lock()
		output, useColor = originalOutput, originalColor
		mu.Unlock()
		SetFormat("text")
		reconfigure()
	}
}

func jsonEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry), buf.String())
	return entry
}

func TestLevelFiltering(t *testing.T) {
	tests := []struct {
		level string
		shown []string
		gone  []string
	}{
		{level: "DEBUG", shown: []string{"d-msg", "i-msg", "w-msg", "e-msg"}},
		{level: "INFO", shown: []string{"i-msg", "w-msg", "e-msg"}, gone: []string{"d-msg"}},
		{level: "WARN", shown: []string{"w-msg", "e-msg"}, gone: []string{"d-msg", "i-msg"}},
		{level: "ERROR", shown: []string{"e-msg"}, gone: []string{"d-msg", "i-msg", "w-msg"}},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			buf, cleanup := captureOutput()
			defer cleanup()

			SetLevel(tt.level)
			Debug("d-msg")
			Info("i-msg")
			Warn("w-msg")
			Error("e-msg")

			for _, s := range tt.shown {
				assert.Contains(t, buf.String(), s)
			}
			for _, s := range tt.gone {
				assert.NotContains(t, buf.String(), s)
			}
		})
	}
}

func TestSetLevel(t *testing.T) {
	t.Run("HotReloadTakesEffect", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("ERROR")
		Info("before reload")
		SetLevel("debug")
		Debug("after reload")

		assert.NotContains(t, buf.String(), "before reload")
		assert.Contains(t, buf.String(), "after reload")
		assert.True(t, IsDebugEnabled())
	})

	t.Run("InvalidLevelIgnored", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("WARN")
		SetLevel("VERBOSE")
		Info("filtered")
		Warn("kept")

		assert.NotContains(t, buf.String(), "filtered")
		assert.Contains(t, buf.String(), "kept")
	})
}

func TestFormats(t *testing.T) {
	t.Run("JSON", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")
		SetFormat("json")
		Info("extent sealed", KeyExtent, 3, KeyLiveRatio, 0.5)

		entry := jsonEntry(t, buf)
		assert.Equal(t, "INFO", entry["level"])
		assert.Equal(t, "extent sealed", entry["msg"])
		assert.Equal(t, float64(3), entry[KeyExtent])
		assert.Equal(t, 0.5, entry[KeyLiveRatio])
		assert.Contains(t, entry, "time")
	})

	t.Run("TextAndInvalidFormat", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")
		SetFormat("text")
		SetFormat("xml")
		Info("flush done", KeyDirtyBytes, 4096, KeyState, "below")

		out := buf.String()
		assert.Contains(t, out, "[INFO]")
		assert.Contains(t, out, "dirty_bytes=4096")
		assert.Contains(t, out, "state=below")
		assert.False(t, json.Valid([]byte(strings.TrimSpace(out))))
	})

	t.Run("Printf", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("DEBUG")
		Debugf("block %d in extent %d", 42, 1)
		Warnf("pool has %d outstanding jobs", 2)

		assert.Contains(t, buf.String(), "block 42 in extent 1")
		assert.Contains(t, buf.String(), "pool has 2 outstanding jobs")
	})
}

func TestContextLogging(t *testing.T) {
	t.Run("LogContextInjectsFields", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")
		SetFormat("json")

		lc := NewLogContext("primary").WithOperation("acquire").WithBlock(42).WithTrace("abc123", "xyz789")
		InfoCtx(WithContext(context.Background(), lc), "page loaded", KeyMode, "read")

		entry := jsonEntry(t, buf)
		assert.Equal(t, "abc123", entry[KeyTraceID])
		assert.Equal(t, "xyz789", entry[KeySpanID])
		assert.Equal(t, "primary", entry[KeyIndex])
		assert.Equal(t, "acquire", entry[KeyOperation])
		assert.Equal(t, float64(42), entry[KeyBlockID])
		assert.Equal(t, "read", entry[KeyMode])
	})

	t.Run("TraceFromActiveSpan", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")
		SetFormat("json")

		sc := trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    trace.TraceID{0x0a, 0x0b, 0x0c, 1},
			SpanID:     trace.SpanID{0x01, 0x02},
			TraceFlags: trace.FlagsSampled,
		})
		ctx := trace.ContextWithSpanContext(context.Background(), sc)
		WarnCtx(WithContext(ctx, NewLogContext("primary")), "reconciled")

		entry := jsonEntry(t, buf)
		assert.Equal(t, sc.TraceID().String(), entry[KeyTraceID])
		assert.Equal(t, sc.SpanID().String(), entry[KeySpanID])
		assert.Equal(t, "primary", entry[KeyIndex])
	})

	t.Run("ContextWithoutLogContext", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")
		require.NotPanics(t, func() {
			InfoCtx(context.Background(), "plain")
			//nolint:staticcheck // nil contexts come from callbacks that have none
			InfoCtx(nil, "nil ctx")
		})
		assert.Contains(t, buf.String(), "plain")
		assert.Contains(t, buf.String(), "nil ctx")
	})
}

func TestTextHandler(t *testing.T) {
	var buf bytes.Buffer
	h := NewColorTextHandler(&buf, nil, false)
	l := slog.New(h).With("component", "cache").WithGroup("flush")
	l.Info("pass done", "pages", 3, "reason", "dirty threshold", slog.Group("ratio", "live", 0.25))
	l.Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, "[INFO] pass done")
	assert.Contains(t, out, " component=cache")
	assert.Contains(t, out, " flush.pages=3")
	assert.Contains(t, out, ` flush.reason="dirty threshold"`)
	assert.Contains(t, out, " flush.ratio.live=0.250")
	assert.NotContains(t, out, "hidden")
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug, " INFO ": slog.LevelInfo, "warning": slog.LevelWarn, "Error": slog.LevelError,
	} {
		got, ok := ParseLevel(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseLevel("trace")
	assert.False(t, ok)
}

func TestLogContext(t *testing.T) {
	lc := NewLogContext("secondary")
	assert.Equal(t, "secondary", lc.Index)
	assert.False(t, lc.StartTime.IsZero())
	assert.GreaterOrEqual(t, lc.DurationMs(), 0.0)

	derived := lc.WithOperation("release").WithBlock(7)
	assert.Equal(t, "release", derived.Operation)
	assert.Equal(t, uint64(7), derived.BlockID)
	assert.Empty(t, lc.Operation, "With* copies")
	assert.Zero(t, lc.BlockID)

	var nilCtx *LogContext
	assert.Nil(t, nilCtx.Clone())
}

func TestFieldHelpers(t *testing.T) {
	assert.Equal(t, KeyBlockID, BlockID(12).Key)
	assert.Equal(t, uint64(12), BlockID(12).Value.Uint64())
	assert.Equal(t, KeyExtent, Extent(3).Key)
	assert.Equal(t, uint64(5), Slot(5).Value.Uint64())
	assert.Equal(t, "", Err(nil).Key)
	assert.Equal(t, KeyError, Err(assert.AnError).Key)
}

func TestBadgerLogger(t *testing.T) {
	t.Run("InfoIsDemotedToDebug", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")
		l := NewBadgerLogger("index")
		l.Infof("compaction %d done\n", 3)
		assert.Empty(t, buf.String())

		SetLevel("DEBUG")
		l.Infof("compaction %d done\n", 4)
		assert.Contains(t, buf.String(), "compaction 4 done")
		assert.Contains(t, buf.String(), "component=index")
	})

	t.Run("WarningsAndErrorsPassThrough", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")
		l := NewBadgerLogger("index")
		l.Warningf("slow sync")
		l.Errorf("value log %s\n", "corrupt")

		out := buf.String()
		assert.Contains(t, out, "WARN")
		assert.Contains(t, out, "value log corrupt")
		assert.NotContains(t, out, "\n\n")
	})
}

func TestConcurrentLevelChanges(t *testing.T) {
	// Level changes rebuild the handler; bytes.Buffer is not safe for that.
	InitWithWriter(io.Discard, "DEBUG", "text", false)
	defer func() {
		mu.Lock()
		output = os.Stdout
		mu.Unlock()
		reconfigure()
	}()

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := range 50 {
				if j%2 == 0 {
					SetLevel("DEBUG")
				} else {
					SetLevel("ERROR")
				}
			}
		}()
		go func() {
			defer wg.Done()
			for range 50 {
				Debug("debug", "id", i)
				Error("error", "id", i)
			}
		}()
	}
	wg.Wait()
}

func TestInit(t *testing.T) {
	t.Run("WithWriter", func(t *testing.T) {
		buf := new(bytes.Buffer)
		InitWithWriter(buf, "DEBUG", "text", false)
		defer func() {
			mu.Lock()
			output = os.Stdout
			mu.Unlock()
			reconfigure()
		}()

		Debug("hello")
		assert.Contains(t, buf.String(), "hello")
	})

	t.Run("ToFile", func(t *testing.T) {
		path := t.TempDir() + "/extentdb.log"
		require.NoError(t, Init(Config{Level: "INFO", Format: "json", Output: path}))
		defer func() {
			require.NoError(t, Init(Config{Level: "INFO", Format: "text", Output: "stdout"}))
		}()

		Info("to file")
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"msg":"to file"`)
	})

	t.Run("EmptyConfig", func(t *testing.T) {
		require.NoError(t, Init(Config{}))
	})
}

func BenchmarkLogDisabled(b *testing.B) {
	InitWithWriter(io.Discard, "ERROR", "text", false)
	for i := 0; i < b.N; i++ {
		Debug("acquire", KeyBlockID, uint64(i))
	}
}

func BenchmarkLogCtx(b *testing.B) {
	InitWithWriter(io.Discard, "DEBUG", "json", false)
	ctx := WithContext(context.Background(), NewLogContext("primary").WithOperation("acquire"))
	for i := 0; i < b.N; i++ {
		InfoCtx(ctx, "acquire", KeyBlockID, uint64(i))
	}
}
