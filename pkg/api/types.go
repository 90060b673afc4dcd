package api

import (
	"time"

	"github.com/mrajcok/watchtower/pkg/resource"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error Error `json:"error"`
}

// Error describes a failure in terms safe to show a caller
type Error struct {
	Code          int       `json:"code"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"cid,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// QueryResponse carries the rows of a named query
type QueryResponse struct {
	Query      string                   `json:"query"`
	ResourceID string                   `json:"resource_id"`
	Columns    []string                 `json:"columns"`
	Rows       []map[string]interface{} `json:"rows"`
	RowCount   int                      `json:"row_count"`
	Duration   float64                  `json:"duration_seconds"`
}

// QueryInfo describes a configured named query
type QueryInfo struct {
	Name       string `json:"name"`
	ResourceID string `json:"resource_id"`
	Timeout    string `json:"timeout,omitempty"`
}

// ListQueriesResponse lists the named queries
type ListQueriesResponse struct {
	Queries []QueryInfo `json:"queries"`
	Total   int         `json:"total"`
}

// ResourcesResponse reports the state of every resource
type ResourcesResponse struct {
	Resources    map[string]resource.Stats `json:"resources"`
	ShuttingDown bool                      `json:"shutting_down"`
	Timestamp    time.Time                 `json:"timestamp"`
}
