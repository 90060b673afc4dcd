package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mrajcok/watchtower/pkg/common"
	"github.com/mrajcok/watchtower/pkg/config"
	"github.com/mrajcok/watchtower/pkg/dbconn"
	"github.com/mrajcok/watchtower/pkg/dbconn/dbconntest"
	"github.com/mrajcok/watchtower/pkg/monitoring"
	"github.com/mrajcok/watchtower/pkg/query"
	"github.com/mrajcok/watchtower/pkg/resource"
	"github.com/mrajcok/watchtower/pkg/runtime"
)

// MockQueryRunner is a testify mock of QueryRunner
type MockQueryRunner struct {
	mock.Mock
}

func (m *MockQueryRunner) Run(ctx context.Context, conn dbconn.Connection, statement string, timeout time.Duration) (*dbconn.Result, error) {
	args := m.Called(ctx, conn, statement, timeout)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dbconn.Result), args.Error(1)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureLogs(t *testing.T) *syncBuffer {
	t.Helper()
	buf := &syncBuffer{}
	orig := log.Logger
	log.Logger = zerolog.New(buf)
	t.Cleanup(func() { log.Logger = orig })
	return buf
}

type serverFixture struct {
	server  *Server
	manager *resource.Manager
	rc      *runtime.Context
	metrics *monitoring.GatewayMetrics
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Shutdown.NewRequestGrace = 0
	cfg.Shutdown.DrainWait = 0

	rcfg := config.DefaultResourceConfig()
	rcfg.Params = map[string]string{"path": ":memory:"}
	rcfg.MinPoolSize = 1
	rcfg.MaxPoolSize = 1
	rcfg.MaxActiveRequests = 1
	rcfg.MaxPendingRequests = 1
	rcfg.RequestSlotTimeout = time.Second
	cfg.Resources = map[string]config.ResourceConfig{"r1": rcfg}
	cfg.Queries = map[string]config.QueryConfig{
		"ports": {ResourceID: "r1", Statement: "SELECT port FROM tcp_hourly"},
	}
	return cfg
}

func newServerFixture(t *testing.T, cfg *config.Config, runner QueryRunner) *serverFixture {
	t.Helper()
	metrics, err := monitoring.NewGatewayMetrics(nil)
	require.NoError(t, err)

	rc := runtime.NewContext()
	script := dbconntest.NewScript()
	factory := func(dbType, resourceID string, rc *runtime.Context, limits *dbconn.Limits) (dbconn.Factory, error) {
		return script.Factory(resourceID, rc, limits), nil
	}
	manager, err := resource.NewManager(cfg, rc, metrics, resource.WithFactory(factory))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	manager.Start(ctx)
	r1, _ := manager.Resource("r1")
	require.Eventually(t, func() bool { return r1.Pool.Stats().Idle == 1 }, 2*time.Second, time.Millisecond)

	if runner == nil {
		runner = query.NewRunner(metrics, nil)
	}
	health := monitoring.NewHealthRegistry(time.Second, "test")
	for _, checker := range manager.HealthCheckers() {
		health.RegisterChecker(checker)
	}

	server := NewServer(cfg, manager, runner, Options{Metrics: metrics, Health: health})
	return &serverFixture{server: server, manager: manager, rc: rc, metrics: metrics}
}

func (f *serverFixture) get(t *testing.T, path string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) Error {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error
}

func TestServer_Query(t *testing.T) {
	f := newServerFixture(t, testConfig(), nil)

	w := f.get(t, "/queries/ports")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Len(t, w.Header().Get(HeaderCorrelationID), 8)
	assert.NotEmpty(t, w.Header().Get(HeaderProcessTime))

	var resp QueryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ports", resp.Query)
	assert.Equal(t, "r1", resp.ResourceID)
	assert.Equal(t, 1, resp.RowCount)
	assert.Equal(t, "SELECT port FROM tcp_hourly", resp.Rows[0]["statement"])

	stats := f.manager.Stats()["r1"]
	assert.Equal(t, 0, stats.Limiter.Active)
	assert.Equal(t, 1, stats.Pool.Idle)
	assert.Equal(t, float64(1), f.metrics.Requests.Get("/queries/ports"))
	assert.Equal(t, float64(1), f.metrics.Queries.Get("r1"))
}

func TestServer_UnknownQuery(t *testing.T) {
	f := newServerFixture(t, testConfig(), nil)

	w := f.get(t, "/queries/nope")
	require.Equal(t, http.StatusNotFound, w.Code)

	apiErr := decodeError(t, w)
	assert.Equal(t, http.StatusNotFound, apiErr.Code)
	assert.Equal(t, "query nope not found", apiErr.Message)
	assert.Equal(t, w.Header().Get(HeaderCorrelationID), apiErr.CorrelationID)
}

func TestServer_QueryOnUnknownResource(t *testing.T) {
	cfg := testConfig()
	cfg.Queries["orphan"] = config.QueryConfig{ResourceID: "gone", Statement: "SELECT 1"}
	f := newServerFixture(t, cfg, nil)

	w := f.get(t, "/queries/orphan")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "resource gone not found", decodeError(t, w).Message)
}

func TestServer_Overload(t *testing.T) {
	f := newServerFixture(t, testConfig(), nil)

	holder, err := f.manager.Acquire(context.Background(), "r1")
	require.NoError(t, err)
	defer holder.Release()

	waiter := make(chan error, 1)
	go func() {
		set, err := f.manager.Acquire(context.Background(), "r1")
		if err == nil {
			set.Release()
		}
		waiter <- err
	}()
	require.Eventually(t, func() bool { return f.manager.Stats()["r1"].Limiter.Pending == 1 }, time.Second, time.Millisecond)

	w := f.get(t, "/queries/ports")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "too many pending requests for resource r1", decodeError(t, w).Message)

	holder.Release()
	require.NoError(t, <-waiter)
}

func TestServer_QueryTimeout(t *testing.T) {
	runner := &MockQueryRunner{}
	runner.On("Run", mock.Anything, mock.Anything, "SELECT port FROM tcp_hourly", time.Duration(0)).
		Return(nil, common.NewGatewayError(common.KindTimeout,
			"30s timeout waiting for DB query or fetch from resource r1", "query timed out"))

	f := newServerFixture(t, testConfig(), runner)

	w := f.get(t, "/queries/ports")
	require.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Equal(t, "30s timeout waiting for DB query or fetch from resource r1", decodeError(t, w).Message)
	assert.Equal(t, 0, f.manager.Stats()["r1"].Limiter.Active)
	runner.AssertExpectations(t)
}

func TestServer_PanicRecovery(t *testing.T) {
	logs := captureLogs(t)

	runner := &MockQueryRunner{}
	runner.On("Run", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { panic("driver exploded") })

	f := newServerFixture(t, testConfig(), runner)

	w := f.get(t, "/queries/ports")
	require.Equal(t, http.StatusInternalServerError, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "unexpected exception", body["detail"])
	assert.Equal(t, w.Header().Get(HeaderCorrelationID), body["cid"])

	// the deferred release ran while unwinding
	stats := f.manager.Stats()["r1"]
	assert.Equal(t, 0, stats.Limiter.Active)
	assert.Equal(t, 1, stats.Pool.Idle)
	assert.Contains(t, logs.String(), "Unexpected exception processing request")
}

func TestServer_QueryStatsLogging(t *testing.T) {
	logs := captureLogs(t)

	cfg := testConfig()
	cfg.Middleware.QueriesLogType = config.QueriesLogStatsAndQuery
	f := newServerFixture(t, cfg, nil)

	w := f.get(t, "/queries/ports")
	require.Equal(t, http.StatusOK, w.Code)

	out := logs.String()
	cid := w.Header().Get(HeaderCorrelationID)
	assert.Contains(t, out, `"q1_query":"SELECT port FROM tcp_hourly"`)
	assert.Contains(t, out, `"q1_row_count":1`)
	assert.Contains(t, out, `"r1_request_slot_duration"`)
	assert.Contains(t, out, `"r1_db_connection_duration"`)
	assert.Contains(t, out, fmt.Sprintf(`"cid":"%s"`, cid))
	assert.Contains(t, out, "GET /queries/ports results")
}

func TestServer_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Middleware.RateLimitRPS = 0.001
	cfg.Middleware.RateLimitBurst = 1
	f := newServerFixture(t, cfg, nil)

	assert.Equal(t, http.StatusOK, f.get(t, "/queries").Code)

	w := f.get(t, "/queries")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate limit exceeded", decodeError(t, w).Message)
}

func TestServer_Compression(t *testing.T) {
	runner := &MockQueryRunner{}
	rows := make([]map[string]interface{}, 200)
	for i := range rows {
		rows[i] = map[string]interface{}{"port": i, "name": strings.Repeat("x", 20)}
	}
	runner.On("Run", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&dbconn.Result{Columns: []string{"port", "name"}, Rows: rows}, nil)

	f := newServerFixture(t, testConfig(), runner)

	w := f.get(t, "/queries/ports", "Accept-Encoding", "gzip")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
	assert.NotEmpty(t, w.Header().Get(HeaderCorrelationID))
}

func TestServer_ListQueries(t *testing.T) {
	cfg := testConfig()
	cfg.Queries["slow"] = config.QueryConfig{ResourceID: "r1", Statement: "SELECT 1", Timeout: 2 * time.Second}
	f := newServerFixture(t, cfg, nil)

	w := f.get(t, "/queries")
	require.Equal(t, http.StatusOK, w.Code)

	var resp ListQueriesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Total)
	assert.Equal(t, "ports", resp.Queries[0].Name)
	assert.Equal(t, "2s", resp.Queries[1].Timeout)
}

func TestServer_Resources(t *testing.T) {
	f := newServerFixture(t, testConfig(), nil)

	w := f.get(t, "/resources")
	require.Equal(t, http.StatusOK, w.Code)

	var resp ResourcesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Contains(t, resp.Resources, "r1")
	assert.Equal(t, 1, resp.Resources["r1"].Pool.Open)
	assert.False(t, resp.ShuttingDown)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	f := newServerFixture(t, testConfig(), nil)

	w := f.get(t, "/health")
	require.Equal(t, http.StatusOK, w.Code)
	var health monitoring.OverallHealth
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, monitoring.HealthStatusHealthy, health.Status)
	assert.Contains(t, health.ComponentHealth, "resource:r1")

	w = f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "wt_requests_total")
	assert.Contains(t, w.Body.String(), `wt_open_connections{resource_id="r1"} 1`)
	assert.Empty(t, w.Header().Get(HeaderCorrelationID))
}

func TestServer_ShuttingDown(t *testing.T) {
	f := newServerFixture(t, testConfig(), nil)
	require.NoError(t, f.manager.Shutdown(context.Background()))

	w := f.get(t, "/queries/ports")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "request was cancelled due to shutdown of service", decodeError(t, w).Message)
}

func TestServer_ApplyConfig(t *testing.T) {
	f := newServerFixture(t, testConfig(), nil)

	reloaded := testConfig()
	reloaded.Queries = map[string]config.QueryConfig{
		"flows": {ResourceID: "r1", Statement: "SELECT flows FROM tcp_hourly"},
	}
	f.server.ApplyConfig(reloaded)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/queries/ports").Code)
	assert.Equal(t, http.StatusOK, f.get(t, "/queries/flows").Code)
}
