// Package pool keeps a bounded set of open backend connections for one
// resource and replenishes it in the background.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mrajcok/watchtower/pkg/common"
	"github.com/mrajcok/watchtower/pkg/dbconn"
	"github.com/mrajcok/watchtower/pkg/monitoring"
	"github.com/mrajcok/watchtower/pkg/runtime"
)

// failureEscalationInterval is how many consecutive open failures pass
// between error level reports
const failureEscalationInterval = 5

// Settings configures a Pool
type Settings struct {
	MinSize        int           `json:"db_min_conn_pool_size"`
	MaxSize        int           `json:"db_max_conn_pool_size"`
	AcquireTimeout time.Duration `json:"db_conn_pool_acquire_timeout"`
	ConnTimeout    time.Duration `json:"db_conn_timeout"`
	RetryWait      time.Duration `json:"db_conn_retry_wait_period"`
}

// Stats is a point in time view of a pool
type Stats struct {
	Open                int `json:"open"`
	Idle                int `json:"idle"`
	Queued              int `json:"queued"`
	MinSize             int `json:"min_size"`
	MaxSize             int `json:"max_size"`
	ConsecutiveFailures int `json:"consecutive_failures"`
}

// Pool owns the open connections of one resource. Every connection is
// either idle in the pool, checked out by exactly one caller, or closed.
type Pool struct {
	resourceID string
	maxSize    int
	params     dbconn.Params
	factory    dbconn.Factory
	rc         *runtime.Context
	metrics    *monitoring.GatewayMetrics

	idle      chan dbconn.Connection
	createReq chan struct{}
	drained   atomic.Bool

	mu                  sync.Mutex
	openCount           int
	consecutiveFailures int
	settings            Settings
}

// New creates a pool and queues the creation of MinSize connections. The
// connections are opened once Run is started.
func New(resourceID string, settings Settings, params dbconn.Params, factory dbconn.Factory,
	rc *runtime.Context, metrics *monitoring.GatewayMetrics) *Pool {
	p := &Pool{
		resourceID: resourceID,
		maxSize:    settings.MaxSize,
		params:     params,
		factory:    factory,
		rc:         rc,
		metrics:    metrics,
		idle:       make(chan dbconn.Connection, settings.MaxSize),
		createReq:  make(chan struct{}, settings.MaxSize),
		settings:   settings,
	}

	for i := 0; i < settings.MinSize; i++ {
		p.requestCreateLocked()
	}
	return p
}

// requestCreateLocked signals the replenisher. Callers hold p.mu, except
// during construction.
func (p *Pool) requestCreateLocked() {
	select {
	case p.createReq <- struct{}{}:
		log.Debug().Str("resource_id", p.resourceID).Msg("Requested a new connection")
	default:
	}
}

// Acquire checks out an idle connection, waiting up to timeout for one to
// appear. A timeout <= 0 selects the configured acquire timeout.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (dbconn.Connection, error) {
	start := time.Now()

	for {
		select {
		case conn := <-p.idle:
			if p.usable(conn) {
				return p.checkout(conn, start), nil
			}
			continue
		default:
		}
		break
	}

	p.mu.Lock()
	p.metrics.PoolEmpty.Inc(p.resourceID)
	if p.openCount+len(p.createReq) < p.maxSize {
		p.requestCreateLocked()
	} else {
		log.Debug().
			Str("resource_id", p.resourceID).
			Str("cid", common.CorrelationIDFromContext(ctx)).
			Msg("Pool exhausted")
		p.metrics.PoolExhausted.Inc(p.resourceID)
	}
	if timeout <= 0 {
		timeout = p.settings.AcquireTimeout
	}
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case conn := <-p.idle:
			if p.usable(conn) {
				return p.checkout(conn, start), nil
			}
		case <-ctx.Done():
			p.metrics.ConnAcquireErrors.Inc(p.resourceID)
			return nil, ctx.Err()
		case <-timer.C:
			p.metrics.ConnAcquireErrors.Inc(p.resourceID)
			msg := fmt.Sprintf("%s timeout waiting for a pooled connection", timeout)
			return nil, common.NewGatewayError(common.KindTimeout, msg+" for "+p.resourceID, msg).
				WithField("resource_id", p.resourceID)
		}
	}
}

// usable reports whether a connection taken from the idle set may be handed
// out. Expired or closed connections are discarded and replaced.
func (p *Pool) usable(conn dbconn.Connection) bool {
	if !conn.IsExpired() && conn.IsOpen() {
		return true
	}
	p.metrics.PooledConnections.Dec(p.resourceID)
	log.Debug().Fields(conn.LogFields()).Bool("open", conn.IsOpen()).Msg("Idle connection expired")
	p.discard(conn, !p.drained.Load())
	return false
}

func (p *Pool) checkout(conn dbconn.Connection, start time.Time) dbconn.Connection {
	p.metrics.PooledConnections.Dec(p.resourceID)
	p.metrics.AcquireConnDuration.Observe(common.ElapsedSeconds(start), p.resourceID)
	conn.ResetUsage()
	return conn
}

// Release returns a checked out connection. Expired or closed connections
// are discarded and a replacement is requested. It never blocks.
func (p *Pool) Release(conn dbconn.Connection) {
	conn.IncrementUses()
	p.metrics.ConnUsageDuration.Observe(common.Seconds(conn.UsageDuration()), p.resourceID)

	if conn.IsExpired() || !conn.IsOpen() || p.drained.Load() {
		log.Debug().Fields(conn.LogFields()).Bool("open", conn.IsOpen()).Msg("Connection expired")
		p.discard(conn, !p.drained.Load())
		return
	}

	p.mu.Lock()
	if p.drained.Load() {
		p.mu.Unlock()
		p.discard(conn, false)
		return
	}
	select {
	case p.idle <- conn:
		p.metrics.PooledConnections.Inc(p.resourceID)
		p.mu.Unlock()
		log.Debug().Fields(conn.LogFields()).Msg("Connection put back in pool")
	default:
		p.mu.Unlock()
		log.Warn().Fields(conn.LogFields()).Msg("Idle set full, closing released connection")
		p.discard(conn, false)
	}
}

// discard closes a connection that is no longer tracked by the idle set
func (p *Pool) discard(conn dbconn.Connection, backfill bool) {
	common.SafeClose(conn, "connection")

	p.mu.Lock()
	p.openCount--
	if backfill {
		p.requestCreateLocked()
	}
	p.mu.Unlock()

	p.metrics.ClosedConnections.Inc(p.resourceID)
	p.metrics.OpenConnections.Dec(p.resourceID)
}

// Run opens connections whenever one is requested. It returns when ctx is
// cancelled or shutdown begins.
func (p *Pool) Run(ctx context.Context) {
	logger := log.With().Str("resource_id", p.resourceID).Logger()
	logger.Info().Msg("Connection replenisher running")
	defer logger.Info().Msg("Connection replenisher stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.rc.ShutdownCh():
			return
		case <-p.createReq:
		}

		p.mu.Lock()
		if p.openCount >= p.maxSize {
			// stale request
			p.mu.Unlock()
			continue
		}
		settings := p.settings
		p.mu.Unlock()

		sleep, ok := p.openOne(ctx, settings)
		if ok || sleep <= 0 {
			continue
		}

		logger.Debug().Dur("sleep", sleep).Msg("Replenisher sleeping before open retry")
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return
		case <-p.rc.ShutdownCh():
			return
		}
	}
}

// openOne opens a single connection. On failure it requeues the request and
// returns how long to wait before the next attempt.
func (p *Pool) openOne(ctx context.Context, settings Settings) (time.Duration, bool) {
	conn := p.factory()
	err := conn.Open(ctx, p.params, settings.ConnTimeout)
	if err == nil {
		p.metrics.LastConnCreatedTime.SetToCurrentTime(p.resourceID)
		p.metrics.CreatedConnections.Inc(p.resourceID)

		p.mu.Lock()
		if p.drained.Load() {
			p.mu.Unlock()
			// opened after Drain, nobody will ever take it
			common.SafeClose(conn, "connection")
			p.metrics.ClosedConnections.Inc(p.resourceID)
			return 0, true
		}
		p.metrics.OpenConnections.Inc(p.resourceID)
		p.openCount++
		p.consecutiveFailures = 0
		p.idle <- conn
		p.metrics.PooledConnections.Inc(p.resourceID)
		p.mu.Unlock()

		log.Debug().Fields(conn.LogFields()).Msg("New connection put into pool")
		return 0, true
	}

	// a timed out open already waited its full budget
	errorType, sleep := monitoring.ErrorTypeOther, settings.RetryWait
	if common.IsTimeout(err) {
		errorType, sleep = monitoring.ErrorTypeTimeout, 0
	}
	monitoring.LogError(ctx, "dbconn-open", err)
	p.metrics.ConnCreationErrors.Inc(p.resourceID, errorType)
	p.metrics.LastConnCreatedErrorTime.SetToCurrentTime(p.resourceID)

	p.mu.Lock()
	p.requestCreateLocked()
	p.consecutiveFailures++
	failures := p.consecutiveFailures
	p.mu.Unlock()

	if failures%failureEscalationInterval == 0 {
		log.Error().
			Str("resource_id", p.resourceID).
			Int("consecutive_failures", failures).
			Msgf("Background task failed %d consecutive times to open a new connection", failures)
	}
	return sleep, false
}

// Sweep closes expired idle connections and requests enough new ones to
// bring the pool back to its minimum size
func (p *Pool) Sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()

	log.Debug().Str("resource_id", p.resourceID).Msg("Checking connections")

	n := len(p.idle)
	survivors := make([]dbconn.Connection, 0, n)
	for i := 0; i < n; i++ {
		var conn dbconn.Connection
		select {
		case conn = <-p.idle:
		default:
		}
		if conn == nil {
			break
		}
		if conn.IsExpired() || !conn.IsOpen() {
			log.Debug().Fields(conn.LogFields()).Msg("Connection expired")
			common.SafeClose(conn, "connection")
			p.openCount--
			p.metrics.ClosedConnections.Inc(p.resourceID)
			continue
		}
		survivors = append(survivors, conn)
	}
	for _, conn := range survivors {
		p.idle <- conn
	}

	for i := p.openCount + len(p.createReq); i < p.settings.MinSize; i++ {
		p.requestCreateLocked()
	}

	p.metrics.PooledConnections.Set(float64(len(p.idle)), p.resourceID)
	p.metrics.OpenConnections.Set(float64(p.openCount), p.resourceID)
}

// Drain closes every idle connection. Connections released afterwards are
// closed instead of pooled.
func (p *Pool) Drain() {
	p.drained.Store(true)
	// wait out any push that checked the flag before it was set
	p.mu.Lock()
	p.mu.Unlock()

	log.Info().Str("resource_id", p.resourceID).Int("idle", len(p.idle)).Msg("Closing pooled connections")
	for {
		select {
		case conn := <-p.idle:
			p.metrics.PooledConnections.Dec(p.resourceID)
			p.discard(conn, false)
		default:
			return
		}
	}
}

// UpdateSettings applies reloaded settings. MaxSize is fixed at construction.
func (p *Pool) UpdateSettings(settings Settings) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if settings.MaxSize != p.maxSize {
		log.Warn().
			Str("resource_id", p.resourceID).
			Int("db_max_conn_pool_size", settings.MaxSize).
			Msg("db_max_conn_pool_size change requires a restart, ignoring")
	}
	settings.MaxSize = p.maxSize
	if settings.MinSize > p.maxSize {
		settings.MinSize = p.maxSize
	}
	p.settings = settings
}

// Stats returns the current counts
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Open:                p.openCount,
		Idle:                len(p.idle),
		Queued:              len(p.createReq),
		MinSize:             p.settings.MinSize,
		MaxSize:             p.maxSize,
		ConsecutiveFailures: p.consecutiveFailures,
	}
}

// ResourceID returns the resource this pool serves
func (p *Pool) ResourceID() string {
	return p.resourceID
}
