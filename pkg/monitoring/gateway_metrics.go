package monitoring

import (
	"fmt"
)

// Error type label values
const (
	ErrorTypeTimeout  = "timeout"
	ErrorTypeOverload = "overload"
	ErrorTypeOther    = "other"
)

var (
	durationBuckets     = []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10}
	longDurationBuckets = []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 20}
	queryBuckets        = []float64{0.001, 0.05, 0.1, 0.5, 1, 5, 10, 20}
	rowBuckets          = []float64{1, 10, 100, 500, 1000, 5000, 10000, 100000}
	requestBuckets      = []float64{0.001, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 60}
)

// GatewayMetrics holds every metric the gateway exports. All per-resource
// metrics are labelled with resource_id.
type GatewayMetrics struct {
	Registry *MetricsRegistry

	// connection pool
	CreatedConnections       *Counter
	ClosedConnections        *Counter
	PoolEmpty                *Counter
	PoolExhausted            *Counter
	ConnCreationErrors       *Counter
	ConnAcquireErrors        *Counter
	OpenConnections          *Gauge
	PooledConnections        *Gauge
	LastConnCreatedTime      *Gauge
	LastConnCreatedErrorTime *Gauge
	AcquireConnDuration      *Histogram
	ConnUsageDuration        *Histogram

	// request limiter
	PendingRequests            *Gauge
	InProgressRequests         *Gauge
	LastRequestTime            *Gauge
	LastResponseTime           *Gauge
	ResourceRequests           *Counter
	RequestSlotErrors          *Counter
	RequestSlotAcquireDuration *Histogram

	// queries
	Queries       *Counter
	QueryErrors   *Counter
	QueryDuration *Histogram
	QueryRows     *Histogram

	// HTTP endpoints
	Requests        *Counter
	RequestDuration *Histogram
}

// NewGatewayMetrics registers the gateway metrics in registry. A nil registry
// gets a fresh one with the default configuration.
func NewGatewayMetrics(registry *MetricsRegistry) (*GatewayMetrics, error) {
	if registry == nil {
		registry = NewMetricsRegistry(nil)
	}

	m := &GatewayMetrics{Registry: registry}
	var err error

	counter := func(dst **Counter, name, help string, labels ...string) {
		if err == nil {
			*dst, err = registry.NewCounter(name, help, labels...)
		}
	}
	gauge := func(dst **Gauge, name, help string, labels ...string) {
		if err == nil {
			*dst, err = registry.NewGauge(name, help, labels...)
		}
	}
	histogram := func(dst **Histogram, name, help string, buckets []float64, labels ...string) {
		if err == nil {
			*dst, err = registry.NewHistogram(name, help, buckets, labels...)
		}
	}

	counter(&m.CreatedConnections, "created_connections_total", "total number of connections created", "resource_id")
	counter(&m.ClosedConnections, "closed_connections_total", "total number of connections closed", "resource_id")
	counter(&m.PoolEmpty, "pool_empty_total", "total number of times the pool was empty", "resource_id")
	counter(&m.PoolExhausted, "pool_exhausted_total", "total number of times the pool was exhausted", "resource_id")
	counter(&m.ConnCreationErrors, "conn_creation_errors_total", "total number of connection creation errors", "resource_id", "error_type")
	counter(&m.ConnAcquireErrors, "conn_acquire_errors_total", "total number of connection acquire errors", "resource_id")
	gauge(&m.OpenConnections, "open_connections", "number of open connections", "resource_id")
	gauge(&m.PooledConnections, "pooled_connections", "number of connections in the pool", "resource_id")
	gauge(&m.LastConnCreatedTime, "last_conn_created_time_seconds", "time the last connection was created", "resource_id")
	gauge(&m.LastConnCreatedErrorTime, "last_conn_created_error_time_seconds", "time the last connection creation error occurred", "resource_id")
	histogram(&m.AcquireConnDuration, "acquire_connection_duration_seconds", "time to acquire a connection", durationBuckets, "resource_id")
	histogram(&m.ConnUsageDuration, "connection_usage_duration_seconds", "how long a connection was used to service a request", longDurationBuckets, "resource_id")

	gauge(&m.PendingRequests, "pending_requests", "number of pending requests", "resource_id")
	gauge(&m.InProgressRequests, "in_progress_requests", "number of in progress requests", "resource_id")
	gauge(&m.LastRequestTime, "last_request_time_seconds", "last time a request was received", "resource_id")
	gauge(&m.LastResponseTime, "last_response_time_seconds", "last time a response was sent", "resource_id")
	counter(&m.ResourceRequests, "resource_requests_total", "total number of requests for a resource ID", "resource_id")
	counter(&m.RequestSlotErrors, "request_slot_errors_total", "total number of request slot errors", "resource_id", "error_type")
	histogram(&m.RequestSlotAcquireDuration, "request_slot_acquire_duration_seconds", "duration to acquire a request slot", longDurationBuckets, "resource_id")

	counter(&m.Queries, "queries_total", "total number of queries", "resource_id")
	counter(&m.QueryErrors, "query_errors_total", "total number of query errors", "resource_id", "error_type")
	histogram(&m.QueryDuration, "query_duration_seconds", "duration to run a query", queryBuckets, "resource_id")
	histogram(&m.QueryRows, "query_rows", "number of rows returned by a query", rowBuckets, "resource_id")

	counter(&m.Requests, "requests_total", "total number of requests", "endpoint")
	histogram(&m.RequestDuration, "request_duration_seconds", "duration to service a request", requestBuckets, "endpoint")

	if err != nil {
		return nil, fmt.Errorf("failed to register gateway metrics: %w", err)
	}
	return m, nil
}

// InitResource creates the zero-valued series of one resource so they are
// exported before the first event
func (m *GatewayMetrics) InitResource(resourceID string) {
	for _, c := range []*Counter{
		m.CreatedConnections, m.ClosedConnections, m.PoolEmpty, m.PoolExhausted,
		m.ConnAcquireErrors, m.ResourceRequests, m.Queries,
	} {
		c.Add(0, resourceID)
	}
	for _, errorType := range []string{ErrorTypeTimeout, ErrorTypeOther} {
		m.ConnCreationErrors.Add(0, resourceID, errorType)
		m.QueryErrors.Add(0, resourceID, errorType)
	}
	for _, errorType := range []string{ErrorTypeTimeout, ErrorTypeOverload} {
		m.RequestSlotErrors.Add(0, resourceID, errorType)
	}
	for _, g := range []*Gauge{
		m.OpenConnections, m.PooledConnections, m.PendingRequests, m.InProgressRequests,
	} {
		g.Add(0, resourceID)
	}
	for _, h := range []*Histogram{
		m.AcquireConnDuration, m.ConnUsageDuration, m.RequestSlotAcquireDuration,
		m.QueryDuration, m.QueryRows,
	} {
		h.Init(resourceID)
	}
}

// InitEndpoint creates the zero-valued series of one HTTP endpoint
func (m *GatewayMetrics) InitEndpoint(endpoint string) {
	m.Requests.Add(0, endpoint)
	m.RequestDuration.Init(endpoint)
}
