package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/hostbridge/internal/bridge"
	"github.com/ChuLiYu/hostbridge/internal/hostloop"
	"github.com/ChuLiYu/hostbridge/internal/metrics"
	"github.com/ChuLiYu/hostbridge/pkg/types"
)

// newTestServer wires a real bridge on a Manual host. The test decides when
// the host ticks.
func newTestServer(t *testing.T) (*Server, *bridge.Bridge, *hostloop.Manual) {
	t.Helper()

	reg := prometheus.NewRegistry()
	host := hostloop.NewManual()
	cfg := bridge.DefaultConfig(host)
	cfg.PollInterval = time.Millisecond
	cfg.Metrics = metrics.NewCollector(reg)

	b, err := bridge.New(cfg)
	require.NoError(t, err)
	require.NoError(t, b.Initialize())
	t.Cleanup(func() { _ = b.Shutdown() })

	return NewServer(b, reg, zerolog.Nop()), b, host
}

func do(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

// queueTask submits a task from a background caller and returns its id.
func queueTask(t *testing.T, b *bridge.Bridge, opts ...bridge.SubmitOption) types.TaskID {
	t.Helper()
	known := make(map[types.TaskID]bool)
	for _, info := range b.ActiveTasks() {
		known[info.ID] = true
	}

	go b.RunOnHost(context.Background(), func(context.Context) (any, error) { return nil, nil }, opts...)

	var id types.TaskID
	require.Eventually(t, func() bool {
		for _, info := range b.ActiveTasks() {
			if !known[info.ID] {
				id = info.ID
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
	return id
}

func TestHealthz(t *testing.T) {
	s, b, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	require.NoError(t, b.Shutdown())
	rec = do(t, s, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hostbridge_tasks_submitted_total")
}

func TestListAndGetTasks(t *testing.T) {
	s, b, _ := newTestServer(t)
	id := queueTask(t, b, bridge.WithName("get_scene_info"))

	rec := do(t, s, http.MethodGet, "/debug/tasks")
	require.Equal(t, http.StatusOK, rec.Code)
	var tasks []types.TaskInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "get_scene_info", tasks[0].Name)
	assert.Equal(t, types.StatusQueued, tasks[0].Status)

	rec = do(t, s, http.MethodGet, "/debug/tasks/"+string(id))
	require.Equal(t, http.StatusOK, rec.Code)
	var info types.TaskInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, id, info.ID)

	rec = do(t, s, http.MethodGet, "/debug/tasks/unknown")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStats(t *testing.T) {
	s, b, _ := newTestServer(t)
	queueTask(t, b)
	queueTask(t, b)

	rec := do(t, s, http.MethodGet, "/debug/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats types.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.Queued)
	assert.Equal(t, 2, stats.QueueLen)
}

func TestCancelTask(t *testing.T) {
	s, b, _ := newTestServer(t)

	cancellable := queueTask(t, b)
	pinned := queueTask(t, b, bridge.WithCancellable(false))

	rec := do(t, s, http.MethodDelete, "/debug/tasks/"+string(cancellable))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, s, http.MethodDelete, "/debug/tasks/"+string(pinned))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodDelete, "/debug/tasks/unknown")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPing(t *testing.T) {
	s, _, host := newTestServer(t)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(time.Millisecond):
				host.Tick()
			}
		}
	}()

	rec := do(t, s, http.MethodPost, "/debug/ping")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp pingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.HostTime)
	assert.GreaterOrEqual(t, resp.RoundTripMs, 0.0)
}

func TestPingTimeout(t *testing.T) {
	s, _, _ := newTestServer(t)

	// Nothing ticks the host, so the ping cannot be served.
	rec := do(t, s, http.MethodPost, "/debug/ping?timeout=20ms")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "timed out"))
}

func TestPingBadTimeout(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/debug/ping?timeout=soon")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPingAfterShutdown(t *testing.T) {
	s, b, _ := newTestServer(t)
	require.NoError(t, b.Shutdown())

	rec := do(t, s, http.MethodPost, "/debug/ping")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusFor(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want int
	}{
		{"timeout", bridge.ErrTimeout, http.StatusGatewayTimeout},
		{"shutdown", bridge.ErrBridgeShutdown, http.StatusServiceUnavailable},
		{"overflow", bridge.ErrQueueOverflow, http.StatusTooManyRequests},
		{"host failure", &bridge.HostExecutionError{Err: assert.AnError}, http.StatusInternalServerError},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, statusFor(tc.err))
		})
	}
}
