package resource

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrajcok/watchtower/pkg/common"
	"github.com/mrajcok/watchtower/pkg/config"
	"github.com/mrajcok/watchtower/pkg/dbconn"
	"github.com/mrajcok/watchtower/pkg/dbconn/dbconntest"
	"github.com/mrajcok/watchtower/pkg/monitoring"
	"github.com/mrajcok/watchtower/pkg/runtime"
)

type managerFixture struct {
	manager *Manager
	rc      *runtime.Context
	metrics *monitoring.GatewayMetrics
	scripts map[string]*dbconntest.Script
}

func testResourceConfig() config.ResourceConfig {
	rcfg := config.DefaultResourceConfig()
	rcfg.Params = map[string]string{"path": ":memory:"}
	rcfg.MinPoolSize = 1
	rcfg.MaxPoolSize = 1
	rcfg.AcquireTimeout = time.Second
	rcfg.ConnRetryWaitPeriod = 10 * time.Millisecond
	rcfg.MaxActiveRequests = 1
	rcfg.MaxPendingRequests = 1
	rcfg.RequestSlotTimeout = time.Second
	return rcfg
}

func testConfig(ids ...string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Shutdown.NewRequestGrace = 10 * time.Millisecond
	cfg.Shutdown.DrainWait = 200 * time.Millisecond
	cfg.Resources = map[string]config.ResourceConfig{}
	for _, id := range ids {
		cfg.Resources[id] = testResourceConfig()
	}
	return cfg
}

func newManagerFixture(t *testing.T, cfg *config.Config) *managerFixture {
	t.Helper()
	metrics, err := monitoring.NewGatewayMetrics(nil)
	require.NoError(t, err)

	f := &managerFixture{
		rc:      runtime.NewContext(),
		metrics: metrics,
		scripts: map[string]*dbconntest.Script{},
	}
	for id := range cfg.Resources {
		f.scripts[id] = dbconntest.NewScript()
	}

	factory := func(dbType, resourceID string, rc *runtime.Context, limits *dbconn.Limits) (dbconn.Factory, error) {
		return f.scripts[resourceID].Factory(resourceID, rc, limits), nil
	}
	f.manager, err = NewManager(cfg, f.rc, metrics, WithFactory(factory))
	require.NoError(t, err)
	return f
}

func (f *managerFixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	f.manager.Start(ctx)

	for id := range f.scripts {
		r, ok := f.manager.Resource(id)
		require.True(t, ok)
		require.Eventually(t, func() bool { return r.Pool.Stats().Idle == 1 }, 2*time.Second, time.Millisecond)
	}
}

func TestManager_AcquireAndRelease(t *testing.T) {
	f := newManagerFixture(t, testConfig("r1", "r2"))
	f.start(t)

	durations := common.NewAcquireDurations()
	ctx := common.ContextWithDurations(context.Background(), durations)

	set, err := f.manager.Acquire(ctx, "r1", "r2")
	require.NoError(t, err)
	require.NotNil(t, set.Conn("r1"))
	require.NotNil(t, set.Conn("r2"))
	assert.Nil(t, set.Conn("r3"))
	assert.Len(t, set.Acquired(), 2)

	stats := f.manager.Stats()
	assert.Equal(t, 1, stats["r1"].Limiter.Active)
	assert.Equal(t, 0, stats["r2"].Pool.Idle)

	recorded := durations.Snapshot()
	assert.Contains(t, recorded["r1"], common.AcquireRequestSlot)
	assert.Contains(t, recorded["r2"], common.AcquireDBConnection)

	set.Release()
	set.Release()

	stats = f.manager.Stats()
	for _, id := range []string{"r1", "r2"} {
		assert.Equal(t, 0, stats[id].Limiter.Active, id)
		assert.Equal(t, 1, stats[id].Pool.Idle, id)
	}
	assert.Equal(t, float64(0), f.metrics.InProgressRequests.Get("r1"))
}

func TestManager_FailureReleasesEarlierResources(t *testing.T) {
	cfg := testConfig("r1", "r2")
	r2 := cfg.Resources["r2"]
	r2.RequestSlotTimeout = 50 * time.Millisecond
	cfg.Resources["r2"] = r2

	f := newManagerFixture(t, cfg)
	f.start(t)

	// another request holds the only r2 slot
	holder, err := f.manager.Acquire(context.Background(), "r2")
	require.NoError(t, err)
	defer holder.Release()

	ctx := common.ContextWithCorrelationID(context.Background(), "abc12345")
	set, err := f.manager.Acquire(ctx, "r1", "r2")
	require.Error(t, err)
	assert.Nil(t, set)
	assert.True(t, common.IsTimeout(err))
	assert.Equal(t, "abc12345", common.AsGatewayError(err).CorrelationID)

	r1 := f.manager.Stats()["r1"]
	assert.Equal(t, 0, r1.Limiter.Active)
	assert.Equal(t, 1, r1.Pool.Idle)
	assert.Equal(t, 1, r1.Pool.Open)
}

func TestManager_PoolTimeoutReleasesSlot(t *testing.T) {
	cfg := testConfig("r1")
	r1 := cfg.Resources["r1"]
	r1.MaxActiveRequests = 2
	r1.AcquireTimeout = 50 * time.Millisecond
	cfg.Resources["r1"] = r1

	f := newManagerFixture(t, cfg)
	f.start(t)

	holder, err := f.manager.Acquire(context.Background(), "r1")
	require.NoError(t, err)

	_, err = f.manager.Acquire(context.Background(), "r1")
	require.Error(t, err)
	assert.True(t, common.IsTimeout(err))
	assert.Equal(t, 1, f.manager.Stats()["r1"].Limiter.Active)

	holder.Release()
	assert.Equal(t, 0, f.manager.Stats()["r1"].Limiter.Active)
}

func TestManager_UnknownResource(t *testing.T) {
	f := newManagerFixture(t, testConfig("r1"))
	f.start(t)

	_, err := f.manager.Acquire(context.Background(), "r1", "missing")
	require.Error(t, err)
	assert.True(t, common.IsNotFound(err))
	assert.Equal(t, "resource missing not found", err.Error())

	r1 := f.manager.Stats()["r1"]
	assert.Equal(t, 0, r1.Limiter.Active)
	assert.Equal(t, 1, r1.Pool.Idle)
}

func TestManager_CancelledRequest(t *testing.T) {
	f := newManagerFixture(t, testConfig("r1"))
	f.start(t)

	holder, err := f.manager.Acquire(context.Background(), "r1")
	require.NoError(t, err)
	defer holder.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = f.manager.Acquire(ctx, "r1")
	require.Error(t, err)
	assert.True(t, common.IsTimeout(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 0, f.manager.Stats()["r1"].Limiter.Pending)
}

func TestManager_InvalidResource(t *testing.T) {
	cfg := testConfig("r1")
	r1 := cfg.Resources["r1"]
	r1.DBType = "odbc"
	cfg.Resources["r1"] = r1

	metrics, err := monitoring.NewGatewayMetrics(nil)
	require.NoError(t, err)
	_, err = NewManager(cfg, runtime.NewContext(), metrics)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resource r1")
}

func TestManager_Shutdown(t *testing.T) {
	f := newManagerFixture(t, testConfig("r1", "r2"))
	f.start(t)

	held, err := f.manager.Acquire(context.Background(), "r1")
	require.NoError(t, err)
	go func() {
		time.Sleep(50 * time.Millisecond)
		held.Release()
	}()

	require.NoError(t, f.manager.Shutdown(context.Background()))
	assert.True(t, f.rc.IsShuttingDown())

	for id, script := range f.scripts {
		assert.Equal(t, 1, script.Closes(), id)
		assert.Equal(t, 0, f.manager.Stats()[id].Pool.Open, id)
	}

	_, err = f.manager.Acquire(context.Background(), "r1")
	require.Error(t, err)
	assert.True(t, common.IsShuttingDown(err))
}

func TestManager_ShutdownDrainWaitElapses(t *testing.T) {
	cfg := testConfig("r1")
	cfg.Shutdown.DrainWait = 50 * time.Millisecond
	f := newManagerFixture(t, cfg)
	f.start(t)

	held, err := f.manager.Acquire(context.Background(), "r1")
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, f.manager.Shutdown(context.Background()))
	assert.Less(t, time.Since(start), time.Second)

	// the straggler's connection is closed on release
	held.Release()
	assert.Equal(t, 1, f.scripts["r1"].Closes())
	assert.Equal(t, 0, f.manager.Stats()["r1"].Pool.Open)
}

func TestManager_ApplyConfig(t *testing.T) {
	cfg := testConfig("r1")
	f := newManagerFixture(t, cfg)

	reloaded := testConfig("r1", "r9")
	r1 := reloaded.Resources["r1"]
	r1.MaxPendingRequests = 7
	r1.MinPoolSize = 0
	reloaded.Resources["r1"] = r1

	f.manager.ApplyConfig(reloaded)

	stats := f.manager.Stats()
	assert.Equal(t, 7, stats["r1"].Limiter.MaxPending)
	assert.Equal(t, 0, stats["r1"].Pool.MinSize)
	assert.NotContains(t, stats, "r9")
}

func TestManager_Sweep(t *testing.T) {
	cfg := testConfig("r1", "r2")
	for id, rcfg := range cfg.Resources {
		rcfg.ConnMaxAge = 30 * time.Millisecond
		cfg.Resources[id] = rcfg
	}
	f := newManagerFixture(t, cfg)
	f.start(t)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, f.manager.Sweep(context.Background()))

	for id, script := range f.scripts {
		assert.Equal(t, 1, script.Closes(), id)
		require.Eventually(t, func() bool { return script.Opens() == 2 }, 2*time.Second, time.Millisecond, id)
	}
}

func TestManager_SweepCancelled(t *testing.T) {
	f := newManagerFixture(t, testConfig("r1", "r2"))
	f.start(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.manager.Sweep(ctx), context.Canceled)
}

func TestManager_HealthCheckers(t *testing.T) {
	f := newManagerFixture(t, testConfig("r1"))
	refused := errors.New("connection refused")
	f.scripts["r1"].FailOpens(refused, refused, refused, refused, refused, refused, refused, refused)

	checkers := f.manager.HealthCheckers()
	require.Len(t, checkers, 1)
	assert.Equal(t, "resource:r1", checkers[0].Name())

	result := checkers[0].Check(context.Background())
	assert.Equal(t, monitoring.HealthStatusHealthy, result.Status)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.manager.Start(ctx)

	require.Eventually(t, func() bool {
		return checkers[0].Check(context.Background()).Status == monitoring.HealthStatusUnhealthy
	}, 2*time.Second, time.Millisecond)
}
