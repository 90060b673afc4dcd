// Package dbconn holds the backend connection capability and its
// implementations for sqlite, mysql, mongodb and redis.
package dbconn

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/mrajcok/watchtower/pkg/common"
	"github.com/mrajcok/watchtower/pkg/runtime"
)

// Params are the backend connection parameters of one resource
type Params map[string]string

// Result is the outcome of one statement
type Result struct {
	Columns []string                 `json:"columns"`
	Rows    []map[string]interface{} `json:"rows"`
}

// RowCount returns the number of rows in the result
func (r *Result) RowCount() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// Connection is one live backend session. Pools and the resource manager
// depend only on this interface.
type Connection interface {
	// Open connects to the backend. On success the connection is assigned
	// its process-wide id.
	Open(ctx context.Context, params Params, timeout time.Duration) error
	// Execute runs one statement. A timeout <= 0 selects the resource default.
	Execute(ctx context.Context, statement string, timeout time.Duration) (*Result, error)
	Close() error

	ID() uint64
	ResourceID() string
	IsOpen() bool
	IsExpired() bool
	Uses() int64
	IncrementUses()
	ResetUsage()
	UsageDuration() time.Duration
	LogFields() map[string]interface{}
}

// Limits are the expiry and timeout settings shared by all connections of a
// resource. They can be changed at runtime.
type Limits struct {
	maxUses      atomic.Int64
	maxAge       atomic.Int64
	queryTimeout atomic.Int64
}

// NewLimits creates limits for one resource
func NewLimits(maxUses int, maxAge, queryTimeout time.Duration) *Limits {
	l := &Limits{}
	l.Set(maxUses, maxAge, queryTimeout)
	return l
}

// Set replaces the limits
func (l *Limits) Set(maxUses int, maxAge, queryTimeout time.Duration) {
	l.maxUses.Store(int64(maxUses))
	l.maxAge.Store(int64(maxAge))
	l.queryTimeout.Store(int64(queryTimeout))
}

func (l *Limits) MaxUses() int64              { return l.maxUses.Load() }
func (l *Limits) MaxAge() time.Duration       { return time.Duration(l.maxAge.Load()) }
func (l *Limits) QueryTimeout() time.Duration { return time.Duration(l.queryTimeout.Load()) }

// Base carries the bookkeeping common to every backend. Backends embed it.
type Base struct {
	resourceID string
	rc         *runtime.Context
	limits     *Limits
	created    time.Time

	id    atomic.Uint64
	uses  atomic.Int64
	usage atomic.Int64
	open  atomic.Bool
}

// Init sets up the bookkeeping for a new connection of resourceID
func (b *Base) Init(resourceID string, rc *runtime.Context, limits *Limits) {
	b.resourceID = resourceID
	b.rc = rc
	b.limits = limits
	b.created = time.Now()
}

func (b *Base) ID() uint64                   { return b.id.Load() }
func (b *Base) ResourceID() string           { return b.resourceID }
func (b *Base) IsOpen() bool                 { return b.open.Load() }
func (b *Base) Uses() int64                  { return b.uses.Load() }
func (b *Base) IncrementUses()               { b.uses.Add(1) }
func (b *Base) ResetUsage()                  { b.usage.Store(0) }
func (b *Base) UsageDuration() time.Duration { return time.Duration(b.usage.Load()) }
func (b *Base) Age() time.Duration           { return time.Since(b.created) }

// IsExpired reports whether the connection reached its max uses or max age
func (b *Base) IsExpired() bool {
	if maxUses := b.limits.MaxUses(); maxUses > 0 && b.Uses() >= maxUses {
		return true
	}
	if maxAge := b.limits.MaxAge(); maxAge > 0 && b.Age() > maxAge {
		return true
	}
	return false
}

// LogFields returns the connection details for log events
func (b *Base) LogFields() map[string]interface{} {
	return map[string]interface{}{
		"conn_id":     b.ID(),
		"conn_age":    common.FormatAge(b.Age()),
		"conn_uses":   b.Uses(),
		"resource_id": b.resourceID,
	}
}

// MarkOpen flags the connection open and assigns its id. It must be called
// right after a successful open.
func (b *Base) MarkOpen() {
	b.open.Store(true)
	b.id.Store(b.rc.NextConnID())
}

// MarkClosed flags the connection closed
func (b *Base) MarkClosed() {
	b.open.Store(false)
}

// AddUsage accumulates time spent executing statements
func (b *Base) AddUsage(d time.Duration) {
	b.usage.Add(int64(d))
}

// QueryTimeout resolves the timeout of one statement
func (b *Base) QueryTimeout(timeout time.Duration) time.Duration {
	if timeout > 0 {
		return timeout
	}
	return b.limits.QueryTimeout()
}
