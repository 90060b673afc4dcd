package common

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ContextKey is a type for context keys to avoid collisions
type ContextKey string

const (
	ContextKeyCorrelationID ContextKey = "correlation_id"
	ContextKeyDurations     ContextKey = "acquire_durations"
)

// Acquisition types recorded per resource
const (
	AcquireRequestSlot  = "request_slot"
	AcquireDBConnection = "db_connection"
)

// DefaultCorrelationIDLength is used when no length is configured
const DefaultCorrelationIDLength = 8

// NewCorrelationID returns the last n characters of a random UUID
func NewCorrelationID(n int) string {
	id := uuid.NewString()
	if n <= 0 || n >= len(id) {
		return id
	}
	return id[len(id)-n:]
}

// ContextWithCorrelationID adds the request correlation id to context
func ContextWithCorrelationID(ctx context.Context, cid string) context.Context {
	return context.WithValue(ctx, ContextKeyCorrelationID, cid)
}

// CorrelationIDFromContext retrieves the correlation id, or "" if none is set
func CorrelationIDFromContext(ctx context.Context) string {
	cid, _ := ctx.Value(ContextKeyCorrelationID).(string)
	return cid
}

// AcquireDurations collects how long each acquisition took during one request.
// It is safe for concurrent use.
type AcquireDurations struct {
	mu        sync.Mutex
	durations map[string]map[string]time.Duration
}

// NewAcquireDurations creates an empty recorder
func NewAcquireDurations() *AcquireDurations {
	return &AcquireDurations{durations: make(map[string]map[string]time.Duration)}
}

// Record stores the duration of one acquisition
func (d *AcquireDurations) Record(resourceID, acquisitionType string, duration time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	byType, ok := d.durations[resourceID]
	if !ok {
		byType = make(map[string]time.Duration)
		d.durations[resourceID] = byType
	}
	byType[acquisitionType] = duration
}

// Snapshot returns a copy of the recorded durations
func (d *AcquireDurations) Snapshot() map[string]map[string]time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]map[string]time.Duration, len(d.durations))
	for resourceID, byType := range d.durations {
		copied := make(map[string]time.Duration, len(byType))
		for k, v := range byType {
			copied[k] = v
		}
		out[resourceID] = copied
	}
	return out
}

// ContextWithDurations attaches a duration recorder to context
func ContextWithDurations(ctx context.Context, d *AcquireDurations) context.Context {
	return context.WithValue(ctx, ContextKeyDurations, d)
}

// DurationsFromContext retrieves the duration recorder, if any
func DurationsFromContext(ctx context.Context) (*AcquireDurations, bool) {
	d, ok := ctx.Value(ContextKeyDurations).(*AcquireDurations)
	return d, ok
}

// RecordDuration records into the context's recorder when one is present
func RecordDuration(ctx context.Context, resourceID, acquisitionType string, duration time.Duration) {
	if d, ok := DurationsFromContext(ctx); ok {
		d.Record(resourceID, acquisitionType, duration)
	}
}
