package common

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies every failure the gateway surfaces to callers
type ErrorKind string

const (
	KindTimeout      ErrorKind = "TIMEOUT"
	KindOverload     ErrorKind = "OVERLOAD"
	KindNotFound     ErrorKind = "RESOURCE_NOT_FOUND"
	KindShuttingDown ErrorKind = "SHUTTING_DOWN"
	KindDatabase     ErrorKind = "DATABASE_ERROR"
	KindUnclassified ErrorKind = "UNCLASSIFIED_ERROR"
)

// GatewayError is a classified failure. Message is safe to show to callers;
// LogMessage, Fields and the wrapped Err are only ever logged.
type GatewayError struct {
	Kind          ErrorKind              `json:"code"`
	Message       string                 `json:"detail"`
	CorrelationID string                 `json:"cid,omitempty"`
	LogMessage    string                 `json:"-"`
	Fields        map[string]interface{} `json:"-"`
	Err           error                  `json:"-"`
}

func (e *GatewayError) Error() string {
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// NewGatewayError creates a classified error
func NewGatewayError(kind ErrorKind, message, logMessage string) *GatewayError {
	if logMessage == "" {
		logMessage = message
	}
	return &GatewayError{
		Kind:       kind,
		Message:    message,
		LogMessage: logMessage,
		Fields:     make(map[string]interface{}),
	}
}

// Errorf creates a classified error with a formatted caller message
func Errorf(kind ErrorKind, format string, args ...interface{}) *GatewayError {
	return NewGatewayError(kind, fmt.Sprintf(format, args...), "")
}

// WithField adds an internal log field
func (e *GatewayError) WithField(key string, value interface{}) *GatewayError {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// WithCause attaches the underlying error
func (e *GatewayError) WithCause(err error) *GatewayError {
	e.Err = err
	if err != nil {
		e.WithField("exception", err.Error())
	}
	return e
}

// WithCorrelationID stamps the request correlation id onto the error
func (e *GatewayError) WithCorrelationID(cid string) *GatewayError {
	e.CorrelationID = cid
	return e
}

// AsGatewayError returns the classified form of err. Unclassified errors are
// wrapped with a generic message so driver detail never leaks.
func AsGatewayError(err error) *GatewayError {
	if err == nil {
		return nil
	}

	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewGatewayError(KindTimeout, "timeout waiting for a resource", "").WithCause(err)
	default:
		return NewGatewayError(KindUnclassified, "unexpected error", "").WithCause(err)
	}
}

// KindOf returns the error kind of err
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	return AsGatewayError(err).Kind
}

// HTTPStatus maps an error kind to its transport status
func HTTPStatus(kind ErrorKind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindOverload:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindShuttingDown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsTimeout reports whether err is a timeout
func IsTimeout(err error) bool {
	return KindOf(err) == KindTimeout
}

// IsOverload reports whether err is an overload rejection
func IsOverload(err error) bool {
	return KindOf(err) == KindOverload
}

// IsNotFound reports whether err names an unknown resource
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsShuttingDown reports whether err was caused by service shutdown
func IsShuttingDown(err error) bool {
	return KindOf(err) == KindShuttingDown
}

// IsDatabase reports whether err is a backend rejection
func IsDatabase(err error) bool {
	return KindOf(err) == KindDatabase
}
