package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfsync/adapterfactory/internal/circuit"
	"github.com/shelfsync/adapterfactory/internal/event"
	"github.com/shelfsync/adapterfactory/internal/metrics"
	"github.com/shelfsync/adapterfactory/pkg/errors"
	"github.com/shelfsync/adapterfactory/pkg/types"
)

type stubFactory struct {
	running    bool
	stats      types.FactoryStats
	pools      map[string]types.PoolSnapshot
	states     map[string]types.PlatformHealthState
	adapters   []types.AdapterInfo
	report     types.HealthReport
	cleaned    int
	cleanupErr error
	checks     int
	breakers   []circuit.Stats
}

func (f *stubFactory) FactoryID() string            { return "factory-1" }
func (f *stubFactory) IsInitialized() bool          { return f.running }
func (f *stubFactory) Stats() types.FactoryStats    { return f.stats }
func (f *stubFactory) SupportedPlatforms() []string { return []string{"KINDLE", "READMOO"} }

func (f *stubFactory) BreakerStats() []circuit.Stats { return f.breakers }

func (f *stubFactory) PoolSnapshots() map[string]types.PoolSnapshot { return f.pools }

func (f *stubFactory) PoolSnapshot(platformID string) (types.PoolSnapshot, bool) {
	snap, ok := f.pools[platformID]
	return snap, ok
}

func (f *stubFactory) HealthStates() map[string]types.PlatformHealthState { return f.states }

func (f *stubFactory) ActiveAdapterInfo(platformID string) []types.AdapterInfo {
	var out []types.AdapterInfo
	for _, a := range f.adapters {
		if platformID == "" || a.PlatformID == platformID {
			out = append(out, a)
		}
	}
	return out
}

func (f *stubFactory) Query(queryType string, params map[string]string) (interface{}, error) {
	if queryType != event.QueryAdapter {
		return nil, errors.NewError(errors.ErrCodeInvalidQuery, "unsupported")
	}
	for _, a := range f.adapters {
		if a.ID == params["adapterId"] {
			return a, nil
		}
	}
	return nil, nil
}

func (f *stubFactory) PerformHealthCheck(ctx context.Context) types.HealthReport {
	f.checks++
	return f.report
}

func (f *stubFactory) PerformResourceCleanup(ctx context.Context) (int, error) {
	return f.cleaned, f.cleanupErr
}

func newStubFactory() *stubFactory {
	return &stubFactory{
		running: true,
		stats:   types.FactoryStats{TotalCreated: 3, PoolHits: 3, PoolMisses: 1},
		pools: map[string]types.PoolSnapshot{
			"READMOO": {PlatformID: "READMOO", MaxSize: 5, CurrentSize: 2, ActiveIDs: []string{"a1"}, AvailableIDs: []string{"a2"}},
			"KINDLE":  {PlatformID: "KINDLE", MaxSize: 5},
		},
		states: map[string]types.PlatformHealthState{
			"READMOO": {TotalInstances: 2, ActiveInstances: 1, IdleInstances: 1},
		},
		adapters: []types.AdapterInfo{
			{ID: "a1", PlatformID: "READMOO", State: types.StateActive},
		},
		report: types.HealthReport{IsHealthy: true, TotalChecked: 1},
	}
}

func serve(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var body map[string]interface{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func TestNewServer(t *testing.T) {
	server := NewServer(DefaultServerConfig(), newStubFactory(), nil, nil)
	require.NotNil(t, server)
	assert.NotNil(t, server.httpServer)
	assert.Equal(t, "localhost:8080", server.httpServer.Addr)
}

func TestHandleHealth(t *testing.T) {
	f := newStubFactory()
	h := NewServer(DefaultServerConfig(), f, nil, nil).Handler()

	w, body := serve(t, h, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "factory-1", body["factory_id"])

	f.states["KINDLE"] = types.PlatformHealthState{TotalInstances: 1, ErrorInstances: 1}
	w, body = serve(t, h, http.MethodGet, "/health")
	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "degraded", body["status"])

	f.running = false
	w, body = serve(t, h, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unavailable", body["status"])
}

func TestHandleLiveness(t *testing.T) {
	f := newStubFactory()
	f.running = false
	w, body := serve(t, NewServer(DefaultServerConfig(), f, nil, nil).Handler(), http.MethodGet, "/health/live")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["alive"])
}

func TestHandleHealthCheck(t *testing.T) {
	f := newStubFactory()
	h := NewServer(DefaultServerConfig(), f, nil, nil).Handler()

	w, body := serve(t, h, http.MethodPost, "/health/check")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["is_healthy"])
	assert.Equal(t, 1, f.checks)

	f.report.IsHealthy = false
	w, _ = serve(t, h, http.MethodPost, "/health/check")
	assert.Equal(t, http.StatusPartialContent, w.Code)

	w, _ = serve(t, h, http.MethodGet, "/health/check")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	f.running = false
	w, body = serve(t, h, http.MethodPost, "/health/check")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, string(errors.ErrCodeNotInitialized), body["code"])
	assert.Equal(t, 2, f.checks)
}

func TestHandleStats(t *testing.T) {
	w, body := serve(t, NewServer(DefaultServerConfig(), newStubFactory(), nil, nil).Handler(), http.MethodGet, "/stats")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0.75, body["hit_rate"])
	stats := body["stats"].(map[string]interface{})
	assert.Equal(t, float64(3), stats["total_created"])
}

func TestHandlePools(t *testing.T) {
	h := NewServer(DefaultServerConfig(), newStubFactory(), nil, nil).Handler()

	w, body := serve(t, h, http.MethodGet, "/pools")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body, 2)

	w, body = serve(t, h, http.MethodGet, "/pools/READMOO")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []interface{}{"a2"}, body["available_ids"])

	w, body = serve(t, h, http.MethodGet, "/pools/NOPE")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(errors.ErrCodeUnknownPlatform), body["code"])
	assert.Equal(t, string(errors.CategoryRegistration), body["category"])
	assert.Contains(t, body["hint"], "platforms section")
}

func TestHandleAdapters(t *testing.T) {
	h := NewServer(DefaultServerConfig(), newStubFactory(), nil, nil).Handler()

	_, body := serve(t, h, http.MethodGet, "/adapters")
	assert.Equal(t, float64(1), body["count"])

	_, body = serve(t, h, http.MethodGet, "/adapters?platform=KINDLE")
	assert.Equal(t, float64(0), body["count"])

	w, body := serve(t, h, http.MethodGet, "/adapters/a1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "active", body["state"])

	w, body = serve(t, h, http.MethodGet, "/adapters/missing")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(errors.ErrCodeAdapterNotFound), body["code"])
}

func TestHandleBreakers(t *testing.T) {
	f := newStubFactory()
	h := NewServer(DefaultServerConfig(), f, nil, nil).Handler()

	w, body := serve(t, h, http.MethodGet, "/breakers")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, body["breakers"], "disabled breakers render as an empty list")

	f.breakers = []circuit.Stats{{Name: "KOBO", State: circuit.StateOpen, Counts: circuit.Counts{TotalFailures: 5}}}
	w, body = serve(t, h, http.MethodGet, "/breakers")
	require.Equal(t, http.StatusOK, w.Code)
	list := body["breakers"].([]interface{})
	require.Len(t, list, 1)
	first := list[0].(map[string]interface{})
	assert.Equal(t, "KOBO", first["name"])
	assert.Equal(t, "OPEN", first["state"])
}

func TestHandleCleanupIdle(t *testing.T) {
	f := newStubFactory()
	f.cleaned = 2
	h := NewServer(DefaultServerConfig(), f, nil, nil).Handler()

	w, body := serve(t, h, http.MethodPost, "/cleanup/idle")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), body["cleaned"])

	f.cleanupErr = errors.NewError(errors.ErrCodeCleanupFailed, "adapter refused")
	w, body = serve(t, h, http.MethodPost, "/cleanup/idle")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, string(errors.ErrCodeCleanupFailed), body["code"])
}

func TestMetricsEndpoints(t *testing.T) {
	collector, err := metrics.NewCollector(metrics.DefaultConfig())
	require.NoError(t, err)
	collector.RecordOperation("READMOO", "initialize", 5*time.Millisecond, true)

	h := NewServer(DefaultServerConfig(), newStubFactory(), collector, nil).Handler()

	w, _ := serve(t, h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "adapterfactory_")

	w, body := serve(t, h, http.MethodGet, "/debug/operations")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["operations"], 1)

	_, body = serve(t, h, http.MethodGet, "/info")
	assert.Contains(t, body["endpoints"], "/metrics")
}

func TestMetricsDisabled(t *testing.T) {
	h := NewServer(DefaultServerConfig(), newStubFactory(), nil, nil).Handler()
	w, _ := serve(t, h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCORSMiddleware(t *testing.T) {
	h := NewServer(DefaultServerConfig(), newStubFactory(), nil, nil).Handler()

	w, _ := serve(t, h, http.MethodOptions, "/stats")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
