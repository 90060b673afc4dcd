// Package query runs statements on checked out connections and keeps the
// per-request record used for query stats logging.
package query

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/mrajcok/watchtower/pkg/common"
	"github.com/mrajcok/watchtower/pkg/dbconn"
	"github.com/mrajcok/watchtower/pkg/monitoring"
)

// Query is the record of one statement run during a request
type Query struct {
	ResourceID string        `json:"resource_id"`
	Statement  string        `json:"statement"`
	ConnID     uint64        `json:"conn_id"`
	Duration   time.Duration `json:"duration"`
	RowCount   int           `json:"row_count"`
	Err        error         `json:"-"`
}

// Recorder collects the queries of one request
type Recorder struct {
	mu      sync.Mutex
	queries []*Query
}

type recorderKey struct{}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// ContextWithRecorder attaches a recorder to ctx
func ContextWithRecorder(ctx context.Context, r *Recorder) context.Context {
	return context.WithValue(ctx, recorderKey{}, r)
}

// RecorderFromContext returns the request's recorder, or nil
func RecorderFromContext(ctx context.Context) *Recorder {
	r, _ := ctx.Value(recorderKey{}).(*Recorder)
	return r
}

func (r *Recorder) add(q *Query) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, q)
}

// Queries returns the recorded queries in run order
func (r *Recorder) Queries() []*Query {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Query, len(r.queries))
	copy(out, r.queries)
	return out
}

// Runner executes statements with metrics and tracing
type Runner struct {
	metrics *monitoring.GatewayMetrics
	tracer  trace.Tracer
}

// NewRunner creates a runner. A nil tracer disables spans.
func NewRunner(metrics *monitoring.GatewayMetrics, tracer trace.Tracer) *Runner {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("watchtower")
	}
	return &Runner{metrics: metrics, tracer: tracer}
}

// Run executes statement on conn. A timeout <= 0 uses the resource's
// default query timeout. Failures are logged and returned as GatewayErrors
// carrying the request's correlation id.
func (r *Runner) Run(ctx context.Context, conn dbconn.Connection, statement string, timeout time.Duration) (*dbconn.Result, error) {
	resourceID := conn.ResourceID()
	q := &Query{ResourceID: resourceID, Statement: statement, ConnID: conn.ID(), RowCount: -1}
	if rec := RecorderFromContext(ctx); rec != nil {
		rec.add(q)
	}

	ctx, span := r.tracer.Start(ctx, "query.run", trace.WithAttributes(
		attribute.String("resource_id", resourceID),
		attribute.Int64("conn_id", int64(q.ConnID)),
		attribute.String("db.statement", statement),
	))
	defer span.End()

	r.metrics.Queries.Inc(resourceID)
	start := time.Now()
	result, err := conn.Execute(ctx, statement, timeout)
	q.Duration = time.Since(start)
	r.metrics.QueryDuration.Observe(common.Seconds(q.Duration), resourceID)

	if err != nil {
		q.Err = err
		tag, errorType := "query-err", monitoring.ErrorTypeOther
		if common.IsTimeout(err) {
			tag, errorType = "query-timeout", monitoring.ErrorTypeTimeout
		}
		r.metrics.QueryErrors.Inc(resourceID, errorType)
		monitoring.LogError(ctx, tag, err)

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, withCorrelationID(ctx, err)
	}

	q.RowCount = result.RowCount()
	r.metrics.QueryRows.Observe(float64(q.RowCount), resourceID)
	span.SetAttributes(attribute.Int("db.row_count", q.RowCount))
	return result, nil
}

func withCorrelationID(ctx context.Context, err error) error {
	return common.AsGatewayError(err).WithCorrelationID(common.CorrelationIDFromContext(ctx))
}
