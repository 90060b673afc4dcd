// Package limiter bounds the concurrent and queued requests of one resource.
package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/mrajcok/watchtower/pkg/common"
	"github.com/mrajcok/watchtower/pkg/monitoring"
	"github.com/mrajcok/watchtower/pkg/runtime"
)

// Config sizes a RequestLimiter
type Config struct {
	MaxActive   int           `json:"max_active_requests"`
	MaxPending  int           `json:"max_pending_requests"`
	SlotTimeout time.Duration `json:"request_slot_timeout"`
}

// Stats is a point in time view of a limiter
type Stats struct {
	Active     int `json:"active"`
	Pending    int `json:"pending"`
	MaxActive  int `json:"max_active"`
	MaxPending int `json:"max_pending"`
}

// RequestLimiter admits at most MaxActive requests at a time and lets at
// most MaxPending wait for admission. Further requests are rejected.
type RequestLimiter struct {
	resourceID string
	maxActive  int
	sem        *semaphore.Weighted
	rc         *runtime.Context
	metrics    *monitoring.GatewayMetrics

	mu          sync.Mutex
	pending     int
	active      int
	maxPending  int
	slotTimeout time.Duration
}

// New creates a limiter for resourceID. MaxActive is fixed for the life of
// the limiter.
func New(resourceID string, cfg Config, rc *runtime.Context, metrics *monitoring.GatewayMetrics) *RequestLimiter {
	return &RequestLimiter{
		resourceID:  resourceID,
		maxActive:   cfg.MaxActive,
		sem:         semaphore.NewWeighted(int64(cfg.MaxActive)),
		rc:          rc,
		metrics:     metrics,
		maxPending:  cfg.MaxPending,
		slotTimeout: cfg.SlotTimeout,
	}
}

// AcquireSlot waits for a permit. It fails fast with ShuttingDown during
// shutdown and with Overload when MaxPending requests are already waiting.
// A wait longer than the slot timeout fails with Timeout. In every failure
// case the pending and active counts are left as they were.
func (l *RequestLimiter) AcquireSlot(ctx context.Context) error {
	l.metrics.LastRequestTime.SetToCurrentTime(l.resourceID)
	l.metrics.ResourceRequests.Inc(l.resourceID)

	if l.rc.IsShuttingDown() {
		return common.NewGatewayError(common.KindShuttingDown,
			"request was cancelled due to shutdown of service", "").
			WithField("resource_id", l.resourceID)
	}

	l.mu.Lock()
	if l.pending >= l.maxPending {
		maxPending := l.maxPending
		l.mu.Unlock()
		l.metrics.RequestSlotErrors.Inc(l.resourceID, monitoring.ErrorTypeOverload)
		return common.NewGatewayError(common.KindOverload,
			fmt.Sprintf("too many pending requests for resource %s", l.resourceID),
			"too many pending requests").
			WithField("resource_id", l.resourceID).
			WithField("max_pending_requests", maxPending)
	}
	l.pending++
	timeout := l.slotTimeout
	l.mu.Unlock()
	l.metrics.PendingRequests.Inc(l.resourceID)

	start := time.Now()
	waitCtx, cancel := common.TimeoutContext(ctx, timeout)
	err := l.sem.Acquire(waitCtx, 1)
	cancel()

	l.mu.Lock()
	l.pending--
	if err == nil {
		l.active++
	}
	l.mu.Unlock()
	l.metrics.PendingRequests.Dec(l.resourceID)

	if err == nil {
		l.metrics.InProgressRequests.Inc(l.resourceID)
		l.metrics.RequestSlotAcquireDuration.Observe(time.Since(start).Seconds(), l.resourceID)
		return nil
	}

	if ctx.Err() != nil {
		log.Debug().Str("resource_id", l.resourceID).Err(ctx.Err()).Msg("Request slot wait abandoned")
		return ctx.Err()
	}

	l.metrics.RequestSlotErrors.Inc(l.resourceID, monitoring.ErrorTypeTimeout)
	msg := fmt.Sprintf("%s timeout waiting for a request slot", timeout)
	return common.NewGatewayError(common.KindTimeout, msg+" for resource "+l.resourceID, msg).
		WithField("resource_id", l.resourceID).
		WithCause(err)
}

// ReleaseSlot returns a permit taken by AcquireSlot. It never blocks.
func (l *RequestLimiter) ReleaseSlot() {
	l.mu.Lock()
	l.active--
	l.mu.Unlock()

	l.metrics.InProgressRequests.Dec(l.resourceID)
	l.sem.Release(1)
	l.metrics.LastResponseTime.SetToCurrentTime(l.resourceID)
}

// UpdateSettings applies reloaded settings. The permit count cannot change.
func (l *RequestLimiter) UpdateSettings(cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.maxPending = cfg.MaxPending
	l.slotTimeout = cfg.SlotTimeout
	if cfg.MaxActive != l.maxActive {
		log.Warn().
			Str("resource_id", l.resourceID).
			Int("max_active_requests", cfg.MaxActive).
			Msg("max_active_requests change requires a restart, ignoring")
	}
}

// Stats returns the current counts
func (l *RequestLimiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Stats{
		Active:     l.active,
		Pending:    l.pending,
		MaxActive:  l.maxActive,
		MaxPending: l.maxPending,
	}
}

// ResourceID returns the resource this limiter guards
func (l *RequestLimiter) ResourceID() string {
	return l.resourceID
}
