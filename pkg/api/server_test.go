package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/cuemby/broker/pkg/engine"
	"github.com/cuemby/broker/pkg/event"
	"github.com/cuemby/broker/pkg/muxer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticStats map[string]int

func (s staticStats) Statistics() interface{} { return map[string]int(s) }

func newTestServer(t *testing.T) (*Server, *engine.Engine, *muxer.Registry) {
	t.Helper()
	dir := t.TempDir()
	eng := engine.New(engine.Config{CacheDir: dir, Name: "central"})
	reg := muxer.NewRegistry(eng, muxer.RegistryConfig{Dir: dir})
	t.Cleanup(func() {
		reg.Close()
		eng.Close()
	})
	return NewServer(eng, reg), eng, reg
}

func do(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

// TestHealthEndpoints tests the health, readiness, liveness and metrics routes
func TestHealthEndpoints(t *testing.T) {
	s, _, _ := newTestServer(t)

	tests := []struct {
		name           string
		method         string
		path           string
		expectedStatus int
	}{
		{name: "health", method: http.MethodGet, path: "/health", expectedStatus: http.StatusOK},
		{name: "ready", method: http.MethodGet, path: "/ready", expectedStatus: http.StatusOK},
		{name: "live", method: http.MethodGet, path: "/live", expectedStatus: http.StatusOK},
		{name: "metrics", method: http.MethodGet, path: "/metrics", expectedStatus: http.StatusOK},
		{name: "POST health fails", method: http.MethodPost, path: "/health", expectedStatus: http.StatusMethodNotAllowed},
		{name: "DELETE ready fails", method: http.MethodDelete, path: "/ready", expectedStatus: http.StatusMethodNotAllowed},
		{name: "GET engine action fails", method: http.MethodGet, path: "/engine/start", expectedStatus: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, tt.method, tt.path)
			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}
}

func TestStatistics(t *testing.T) {
	s, eng, reg := newTestServer(t)
	require.NoError(t, eng.Start())

	_, err := reg.Create("sql", nil, nil, false)
	require.NoError(t, err)
	_, err = reg.Create("rrd", nil, nil, false)
	require.NoError(t, err)
	s.AddFeeder("sql", staticStats{"written": 4})

	eng.Publish(event.New(event.NEBHostStatus, []byte("x")))

	w := do(t, s, http.MethodGet, "/statistics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp StatisticsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "write", resp.Engine.State)
	assert.Equal(t, 2, resp.Engine.Subscribers)
	require.Len(t, resp.Muxers, 2)
	assert.Equal(t, "rrd", resp.Muxers[0].Name)
	assert.Equal(t, 1, resp.Muxers[0].QueuedEvents)
	assert.Contains(t, resp.Feeders, "sql")
}

func TestMuxerEndpoint(t *testing.T) {
	s, _, reg := newTestServer(t)
	_, err := reg.Create("sql", nil, nil, true)
	require.NoError(t, err)

	w := do(t, s, http.MethodGet, "/muxers/sql")
	require.Equal(t, http.StatusOK, w.Code)

	var stats muxer.Stats
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
	assert.Equal(t, "sql", stats.Name)
	assert.True(t, stats.Persistent)

	w = do(t, s, http.MethodGet, "/muxers/missing")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEngineActions(t *testing.T) {
	s, eng, _ := newTestServer(t)

	tests := []struct {
		action         string
		expectedStatus int
		expectedState  engine.State
	}{
		{action: "start", expectedStatus: http.StatusOK, expectedState: engine.StateWrite},
		{action: "stop", expectedStatus: http.StatusOK, expectedState: engine.StateWriteToCacheFile},
		{action: "clear", expectedStatus: http.StatusOK, expectedState: engine.StateWriteToCacheFile},
		{action: "start", expectedStatus: http.StatusOK, expectedState: engine.StateWrite},
		{action: "reboot", expectedStatus: http.StatusNotFound, expectedState: engine.StateWrite},
	}

	for _, tt := range tests {
		w := do(t, s, http.MethodPost, "/engine/"+tt.action)
		assert.Equal(t, tt.expectedStatus, w.Code, tt.action)
		assert.Equal(t, tt.expectedState, eng.State(), tt.action)
	}

	require.NoError(t, eng.Close())
	w := do(t, s, http.MethodPost, "/engine/start")
	assert.Equal(t, http.StatusConflict, w.Code)
}

// TestServerConcurrency tests concurrent requests
func TestServerConcurrency(t *testing.T) {
	s, eng, reg := newTestServer(t)
	require.NoError(t, eng.Start())
	_, err := reg.Create("sql", nil, nil, false)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := "/statistics"
			if i%2 == 0 {
				path = "/ready"
			}
			w := do(t, s, http.MethodGet, path)
			assert.Equal(t, http.StatusOK, w.Code)
		}(i)
	}
	wg.Wait()
}
