// Package resource coordinates request limiters and connection pools so a
// request can take a slot and a connection on several resources at once.
package resource

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mrajcok/watchtower/pkg/common"
	"github.com/mrajcok/watchtower/pkg/config"
	"github.com/mrajcok/watchtower/pkg/dbconn"
	"github.com/mrajcok/watchtower/pkg/limiter"
	"github.com/mrajcok/watchtower/pkg/monitoring"
	"github.com/mrajcok/watchtower/pkg/pool"
	"github.com/mrajcok/watchtower/pkg/runtime"
)

// drainPollInterval is how often Shutdown checks for in-flight requests
const drainPollInterval = 50 * time.Millisecond

// FactoryFunc builds the connection factory of one resource
type FactoryFunc func(dbType, resourceID string, rc *runtime.Context, limits *dbconn.Limits) (dbconn.Factory, error)

// Option configures a Manager
type Option func(*Manager)

// WithFactory replaces the backend factory lookup, mainly for tests
func WithFactory(fn FactoryFunc) Option {
	return func(m *Manager) {
		m.newFactory = fn
	}
}

// Resource groups the limiter and pool of one configured backend
type Resource struct {
	ID      string
	DBType  string
	Limiter *limiter.RequestLimiter
	Pool    *pool.Pool
	limits  *dbconn.Limits
}

// Stats is a point in time view of one resource
type Stats struct {
	DBType  string        `json:"db_type"`
	Limiter limiter.Stats `json:"requests"`
	Pool    pool.Stats    `json:"pool"`
}

// Manager owns every resource of the gateway
type Manager struct {
	rc         *runtime.Context
	metrics    *monitoring.GatewayMetrics
	newFactory FactoryFunc

	mu        sync.RWMutex
	resources map[string]*Resource
	shutdown  config.ShutdownConfig

	wg sync.WaitGroup
}

// NewManager creates a limiter and pool for each configured resource. Pools
// open their connections once Start is called.
func NewManager(cfg *config.Config, rc *runtime.Context, metrics *monitoring.GatewayMetrics, opts ...Option) (*Manager, error) {
	m := &Manager{
		rc:         rc,
		metrics:    metrics,
		newFactory: dbconn.NewFactory,
		resources:  make(map[string]*Resource, len(cfg.Resources)),
		shutdown:   cfg.Shutdown,
	}
	for _, opt := range opts {
		opt(m)
	}

	for _, id := range sortedIDs(cfg.Resources) {
		rcfg := cfg.Resources[id]
		if err := rcfg.Validate(); err != nil {
			return nil, fmt.Errorf("resource %s: %w", id, err)
		}

		limits := dbconn.NewLimits(rcfg.ConnMaxUses, rcfg.ConnMaxAge, rcfg.DefaultQueryTimeout)
		factory, err := m.newFactory(rcfg.DBType, id, rc, limits)
		if err != nil {
			return nil, fmt.Errorf("resource %s: %w", id, err)
		}

		metrics.InitResource(id)
		m.resources[id] = &Resource{
			ID:      id,
			DBType:  rcfg.DBType,
			Limiter: limiter.New(id, limiterConfig(rcfg), rc, metrics),
			Pool:    pool.New(id, poolSettings(rcfg), rcfg.ConnParams(id), factory, rc, metrics),
			limits:  limits,
		}
		log.Info().
			Str("resource_id", id).
			Str("db_type", rcfg.DBType).
			Int("db_max_conn_pool_size", rcfg.MaxPoolSize).
			Int("max_active_requests", rcfg.MaxActiveRequests).
			Msg("Resource configured")
	}

	return m, nil
}

func sortedIDs(resources map[string]config.ResourceConfig) []string {
	ids := make([]string, 0, len(resources))
	for id := range resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func limiterConfig(rcfg config.ResourceConfig) limiter.Config {
	return limiter.Config{
		MaxActive:   rcfg.MaxActiveRequests,
		MaxPending:  rcfg.MaxPendingRequests,
		SlotTimeout: rcfg.RequestSlotTimeout,
	}
}

func poolSettings(rcfg config.ResourceConfig) pool.Settings {
	return pool.Settings{
		MinSize:        rcfg.MinPoolSize,
		MaxSize:        rcfg.MaxPoolSize,
		AcquireTimeout: rcfg.AcquireTimeout,
		ConnTimeout:    rcfg.ConnTimeout,
		RetryWait:      rcfg.ConnRetryWaitPeriod,
	}
}

// Resource returns the resource registered under id
func (m *Manager) Resource(id string) (*Resource, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.resources[id]
	return r, ok
}

// snapshot returns the resources sorted by id
func (m *Manager) snapshot() []*Resource {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Resource, 0, len(m.resources))
	for _, r := range m.resources {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start launches one replenisher per pool and the maintenance loop. The
// goroutines stop when ctx is cancelled or shutdown begins.
func (m *Manager) Start(ctx context.Context) {
	for _, r := range m.snapshot() {
		m.wg.Add(1)
		go func(p *pool.Pool) {
			defer m.wg.Done()
			p.Run(ctx)
		}(r.Pool)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.maintain(ctx)
	}()
}

// maintain sweeps every pool on each sweep interval
func (m *Manager) maintain(ctx context.Context) {
	m.mu.RLock()
	interval := m.shutdown.SweepInterval
	m.mu.RUnlock()
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("sweep_interval", interval).Msg("Maintenance loop running")
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.rc.ShutdownCh():
			return
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				log.Warn().Err(err).Msg("Pool sweep interrupted")
			}
		}
	}
}

// Sweep checks every pool concurrently for expired idle connections
func (m *Manager) Sweep(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range m.snapshot() {
		p := r.Pool
		g.Go(func() error {
			if common.IsContextDone(gctx) {
				return gctx.Err()
			}
			p.Sweep()
			return nil
		})
	}
	return g.Wait()
}

// Acquire takes a request slot and then a connection on each resource in
// order. On any failure everything acquired so far is released in reverse
// order and a classified error carrying the correlation id is returned.
func (m *Manager) Acquire(ctx context.Context, ids ...string) (*Set, error) {
	set := &Set{manager: m}
	for _, id := range ids {
		acquired, err := m.acquireOne(ctx, id)
		if acquired != nil {
			set.items = append(set.items, acquired)
		}
		if err != nil {
			log.Debug().
				Str("cid", common.CorrelationIDFromContext(ctx)).
				Str("resource_id", id).
				Int("released", len(set.items)).
				Err(err).
				Msg("Acquisition failed, releasing acquired resources")
			set.Release()
			return nil, classify(ctx, err)
		}
	}
	return set, nil
}

// acquireOne returns whatever was acquired, even on failure
func (m *Manager) acquireOne(ctx context.Context, id string) (*Acquired, error) {
	r, ok := m.Resource(id)
	if !ok {
		return nil, common.NewGatewayError(common.KindNotFound,
			fmt.Sprintf("resource %s not found", id), "unknown resource").
			WithField("resource_id", id)
	}

	start := time.Now()
	err := r.Limiter.AcquireSlot(ctx)
	common.RecordDuration(ctx, id, common.AcquireRequestSlot, time.Since(start))
	if err != nil {
		return nil, err
	}
	acquired := &Acquired{ResourceID: id, resource: r, slot: true}

	start = time.Now()
	conn, err := r.Pool.Acquire(ctx, 0)
	common.RecordDuration(ctx, id, common.AcquireDBConnection, time.Since(start))
	if err != nil {
		return acquired, err
	}
	acquired.Conn = conn
	return acquired, nil
}

// classify turns any acquisition failure into a GatewayError with the
// request's correlation id
func classify(ctx context.Context, err error) error {
	cid := common.CorrelationIDFromContext(ctx)

	var gwErr *common.GatewayError
	switch {
	case errors.As(err, &gwErr):
		return gwErr.WithCorrelationID(cid)
	case errors.Is(err, context.DeadlineExceeded):
		return common.NewGatewayError(common.KindTimeout, "request deadline exceeded", "request deadline exceeded").
			WithCause(err).
			WithCorrelationID(cid)
	default:
		return common.NewGatewayError(common.KindUnclassified, "request could not be served", "acquisition failed").
			WithCause(err).
			WithCorrelationID(cid)
	}
}

// Release returns one acquisition. Calling it more than once is a no-op.
func (m *Manager) Release(a *Acquired) {
	a.once.Do(func() {
		if a.Conn != nil {
			a.resource.Pool.Release(a.Conn)
		}
		if a.slot {
			a.resource.Limiter.ReleaseSlot()
		}
	})
}

// Shutdown fails new requests, gives in-flight requests the configured
// drain wait to finish, then closes every pooled connection
func (m *Manager) Shutdown(ctx context.Context) error {
	m.rc.BeginShutdown()

	m.mu.RLock()
	grace, drainWait := m.shutdown.NewRequestGrace, m.shutdown.DrainWait
	m.mu.RUnlock()

	if err := sleepCtx(ctx, grace); err != nil {
		return err
	}

	deadline := time.Now().Add(drainWait)
	for {
		inFlight := m.inFlight()
		if inFlight == 0 {
			break
		}
		if time.Now().After(deadline) {
			log.Warn().Int("in_flight", inFlight).Msg("Drain wait elapsed with requests still in flight")
			break
		}
		if err := sleepCtx(ctx, drainPollInterval); err != nil {
			return err
		}
	}

	var g errgroup.Group
	for _, r := range m.snapshot() {
		p := r.Pool
		g.Go(func() error {
			p.Drain()
			return nil
		})
	}
	_ = g.Wait()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("Resource manager stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background tasks: %w", ctx.Err())
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ShuttingDown reports whether Shutdown has begun
func (m *Manager) ShuttingDown() bool {
	return m.rc.IsShuttingDown()
}

// inFlight counts requests holding or waiting for a slot
func (m *Manager) inFlight() int {
	n := 0
	for _, r := range m.snapshot() {
		s := r.Limiter.Stats()
		n += s.Active + s.Pending
	}
	return n
}

// ApplyConfig pushes reloaded settings into the existing limiters and
// pools. Added or removed resources take effect on restart.
func (m *Manager) ApplyConfig(cfg *config.Config) {
	m.mu.Lock()
	m.shutdown = cfg.Shutdown
	m.mu.Unlock()

	for id, rcfg := range cfg.Resources {
		r, ok := m.Resource(id)
		if !ok {
			log.Warn().Str("resource_id", id).Msg("New resource requires a restart, ignoring")
			continue
		}
		r.limits.Set(rcfg.ConnMaxUses, rcfg.ConnMaxAge, rcfg.DefaultQueryTimeout)
		r.Limiter.UpdateSettings(limiterConfig(rcfg))
		r.Pool.UpdateSettings(poolSettings(rcfg))
		log.Info().Str("resource_id", id).Msg("Resource settings reloaded")
	}
}

// Stats returns a snapshot of every resource
func (m *Manager) Stats() map[string]Stats {
	resources := m.snapshot()
	out := make(map[string]Stats, len(resources))
	for _, r := range resources {
		out[r.ID] = Stats{
			DBType:  r.DBType,
			Limiter: r.Limiter.Stats(),
			Pool:    r.Pool.Stats(),
		}
	}
	return out
}

// HealthCheckers returns one checker per resource. A pool with no open
// connections that keeps failing to open new ones is unhealthy.
func (m *Manager) HealthCheckers() []monitoring.HealthChecker {
	resources := m.snapshot()
	checkers := make([]monitoring.HealthChecker, 0, len(resources))
	for _, r := range resources {
		checkers = append(checkers, monitoring.NewHealthChecker("resource:"+r.ID, false,
			func(ctx context.Context) monitoring.HealthCheckResult {
				return resourceHealth(r)
			}))
	}
	return checkers
}

func resourceHealth(r *Resource) monitoring.HealthCheckResult {
	ps, ls := r.Pool.Stats(), r.Limiter.Stats()
	result := monitoring.HealthCheckResult{
		Status: monitoring.HealthStatusHealthy,
		Details: map[string]interface{}{
			"db_type":          r.DBType,
			"open":             ps.Open,
			"idle":             ps.Idle,
			"active_requests":  ls.Active,
			"pending_requests": ls.Pending,
		},
	}

	switch {
	case ps.Open == 0 && ps.ConsecutiveFailures > 0:
		result.Status = monitoring.HealthStatusUnhealthy
		result.Message = fmt.Sprintf("no open connections, %d consecutive open failures", ps.ConsecutiveFailures)
	case ps.ConsecutiveFailures > 0:
		result.Status = monitoring.HealthStatusDegraded
		result.Message = fmt.Sprintf("%d consecutive open failures", ps.ConsecutiveFailures)
	case ls.MaxPending > 0 && ls.Pending >= ls.MaxPending:
		result.Status = monitoring.HealthStatusDegraded
		result.Message = "pending request queue is full"
	}
	return result
}
