package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/marmos91/extentdb/pkg/cache"
	"github.com/marmos91/extentdb/pkg/engine"
	"github.com/marmos91/extentdb/pkg/serializer"
)

type fakeEngine struct {
	info    serializer.Info
	stats   engine.Stats
	extents []serializer.ExtentInfo
	err     error
}

func (f *fakeEngine) Info() serializer.Info { return f.info }

func (f *fakeEngine) Stats(context.Context) (engine.Stats, error) {
	return f.stats, f.err
}

func (f *fakeEngine) Extents(context.Context) ([]serializer.ExtentInfo, error) {
	return f.extents, f.err
}

func newFakeEngine() *fakeEngine {
	info := serializer.Info{UUID: uuid.New(), BlockSize: 4096, ExtentSize: 1 << 20}
	return &fakeEngine{
		info: info,
		stats: engine.Stats{
			Info:       info,
			Cache:      cache.Stats{Pages: 3, State: "below"},
			Serializer: serializer.Stats{Blocks: 3, LiveRatio: 0.75},
		},
		extents: []serializer.ExtentInfo{{Index: 0, State: "active", Live: 3, Slots: 256}},
	}
}

func decode(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return resp
}

func TestLiveness(t *testing.T) {
	w := httptest.NewRecorder()
	NewHealthHandler(nil).Liveness(w, httptest.NewRequest("GET", "/health", nil))

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	resp := decode(t, w)
	data, ok := resp.Data.(map[string]any)
	if !ok {
		t.Fatalf("Expected Data to be a map, got %T", resp.Data)
	}
	if data["service"] != "extentdb" {
		t.Errorf("Expected service 'extentdb', got '%v'", data["service"])
	}
}

func TestReadiness(t *testing.T) {
	t.Run("NoEngine", func(t *testing.T) {
		w := httptest.NewRecorder()
		NewHealthHandler(nil).Readiness(w, httptest.NewRequest("GET", "/health/ready", nil))

		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
		}
		if resp := decode(t, w); resp.Error != "engine not open" {
			t.Errorf("Expected error 'engine not open', got '%s'", resp.Error)
		}
	})

	t.Run("Ready", func(t *testing.T) {
		e := newFakeEngine()
		w := httptest.NewRecorder()
		NewHealthHandler(e).Readiness(w, httptest.NewRequest("GET", "/health/ready", nil))

		if w.Code != http.StatusOK {
			t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
		}
		data := decode(t, w).Data.(map[string]any)
		if data["uuid"] != e.info.UUID.String() {
			t.Errorf("Expected uuid %s, got %v", e.info.UUID, data["uuid"])
		}
		if data["write_state"] != "below" {
			t.Errorf("Expected write_state 'below', got %v", data["write_state"])
		}
	})

	t.Run("EngineClosed", func(t *testing.T) {
		e := newFakeEngine()
		e.err = engine.ErrClosed
		w := httptest.NewRecorder()
		NewHealthHandler(e).Readiness(w, httptest.NewRequest("GET", "/health/ready", nil))

		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
		}
	})
}

func TestStats(t *testing.T) {
	e := newFakeEngine()
	h := NewStatsHandler(e)

	w := httptest.NewRecorder()
	h.Stats(w, httptest.NewRequest("GET", "/stats", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	data := decode(t, w).Data.(map[string]any)
	ser := data["serializer"].(map[string]any)
	if ser["blocks"] != float64(3) {
		t.Errorf("Expected 3 blocks, got %v", ser["blocks"])
	}

	w = httptest.NewRecorder()
	h.Extents(w, httptest.NewRequest("GET", "/stats/extents", nil))
	extents := decode(t, w).Data.([]any)
	if len(extents) != 1 {
		t.Fatalf("Expected 1 extent, got %d", len(extents))
	}
	if extents[0].(map[string]any)["state"] != "active" {
		t.Errorf("Expected active extent, got %v", extents[0])
	}

	w = httptest.NewRecorder()
	h.Info(w, httptest.NewRequest("GET", "/stats/info", nil))
	info := decode(t, w).Data.(map[string]any)
	if info["block_size"] != float64(4096) {
		t.Errorf("Expected block_size 4096, got %v", info["block_size"])
	}
}

func TestStatsError(t *testing.T) {
	e := newFakeEngine()
	e.err = errors.New("loop stalled")

	w := httptest.NewRecorder()
	NewStatsHandler(e).Stats(w, httptest.NewRequest("GET", "/stats", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
	resp := decode(t, w)
	if resp.Status != "error" || resp.Error != "loop stalled" {
		t.Errorf("Unexpected response: %+v", resp)
	}
}
