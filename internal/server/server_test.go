package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cachejanitor/internal/janitor"
	"cachejanitor/internal/storage"
	"cachejanitor/pkg/config"
)

// idleHeap never reports memory pressure.
type idleHeap struct{}

func (idleHeap) TotalAllocatedBytes() int64 { return 1 }
func (idleHeap) FreeBytes() int64           { return 1 << 30 }

func newTestServer(t *testing.T) (*httptest.Server, *janitor.Janitor, *storage.MemoryStore) {
	t.Helper()
	cfg, err := janitor.NewConfig(janitor.DefaultOptions())
	require.NoError(t, err)
	j, err := janitor.New(cfg, janitor.WithHeapStats(idleHeap{}))
	require.NoError(t, err)

	store, err := storage.NewMemoryStore(storage.MemoryStoreConfig{Name: "default"}, j)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	srv := New(config.Default().HTTP, "test-node", j, []*storage.MemoryStore{store})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, j, store
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	}
	return resp, decoded
}

func TestHealthTracksJanitor(t *testing.T) {
	ts, j, _ := newTestServer(t)

	resp, body := do(t, http.MethodGet, ts.URL+"/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, false, body["healthy"])
	assert.NotEmpty(t, resp.Header.Get("X-Correlation-ID"))

	require.NoError(t, j.Start())
	defer j.Stop()

	resp, body = do(t, http.MethodGet, ts.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["healthy"])
	assert.Equal(t, "test-node", body["node"])
}

func TestCacheRoundTrip(t *testing.T) {
	ts, _, store := newTestServer(t)
	url := ts.URL + "/api/cache/default/greeting"

	resp, _ := do(t, http.MethodPut, url, `{"value":"hello","ttl":"1m"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, store.Size())

	resp, body := do(t, http.MethodGet, url, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "hello", data["value"])

	resp, _ = do(t, http.MethodDelete, url, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = do(t, http.MethodGet, url, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, false, body["success"])
}

func TestCacheErrors(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, _ := do(t, http.MethodGet, ts.URL+"/api/cache/missing/k", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodPut, ts.URL+"/api/cache/default/k", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPut, ts.URL+"/api/cache/default/k", `{"value":"v","ttl":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodDelete, ts.URL+"/api/cache/default/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestClearEndpoint(t *testing.T) {
	ts, _, store := newTestServer(t)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, store.Set(k, []byte("v"), time.Minute))
	}

	resp, body := do(t, http.MethodPost, ts.URL+"/api/cache/default/clear", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(3), body["removed"])
	assert.Equal(t, 0, store.Size())
}

func TestStatsAndMetrics(t *testing.T) {
	ts, _, store := newTestServer(t)
	require.NoError(t, store.Set("k", []byte("v"), 0))

	resp, err := http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	var stats StatsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, "test-node", stats.Node)
	assert.Equal(t, 1, stats.Janitor.RegisteredStores)
	assert.Equal(t, "round-robin", stats.Janitor.Strategy)
	require.Len(t, stats.Stores, 1)
	assert.Equal(t, 1, stats.Stores[0].Items)

	mresp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	raw, err := io.ReadAll(mresp.Body)
	require.NoError(t, err)
	text := string(raw)
	assert.Contains(t, text, "cachejanitor_janitor_registered_stores 1")
	assert.Contains(t, text, `cachejanitor_store_items{store="default"} 1`)
	assert.Contains(t, text, "go_goroutines")
}
