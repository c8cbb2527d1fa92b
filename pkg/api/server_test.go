package api

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/extentdb/pkg/engine"
	"github.com/marmos91/extentdb/pkg/serializer"
)

type stubEngine struct{}

func (stubEngine) Info() serializer.Info { return serializer.Info{BlockSize: 4096} }

func (stubEngine) Stats(context.Context) (engine.Stats, error) {
	return engine.Stats{Serializer: serializer.Stats{Blocks: 7}}, nil
}

func (stubEngine) Extents(context.Context) ([]serializer.ExtentInfo, error) {
	return nil, nil
}

func get(t *testing.T, srv *httptest.Server, path string) (int, string) {
	t.Helper()
	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	resp, err := client.Get(srv.URL + path)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestRouter(t *testing.T) {
	reg := prometheus.NewRegistry()
	promauto.With(reg).NewCounter(prometheus.CounterOpts{Name: "extentdb_test_total", Help: "test"}).Inc()

	srv := httptest.NewServer(NewRouter(stubEngine{}, reg))
	t.Cleanup(srv.Close)

	code, body := get(t, srv, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"service":"extentdb"`)

	code, body = get(t, srv, "/stats")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"blocks":7`)

	code, _ = get(t, srv, "/stats/extents")
	assert.Equal(t, http.StatusOK, code)

	code, body = get(t, srv, "/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "extentdb_test_total 1")

	code, _ = get(t, srv, "/")
	assert.Equal(t, http.StatusTemporaryRedirect, code)
}

func TestRouterWithoutMetrics(t *testing.T) {
	srv := httptest.NewServer(NewRouter(nil, nil))
	t.Cleanup(srv.Close)

	code, _ := get(t, srv, "/metrics")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = get(t, srv, "/stats")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = get(t, srv, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestServerLifecycle(t *testing.T) {
	s := NewServer(Config{}, stubEngine{}, nil)
	assert.Equal(t, 9090, s.Port(), "defaults are applied")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.NoError(t, s.Stop(context.Background()), "Stop is idempotent")
}
