package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestNewTracingManager_Disabled(t *testing.T) {
	tm, err := NewTracingManager(context.Background(), DefaultTracingConfig())
	require.NoError(t, err)
	assert.Nil(t, tm.tracerProvider)
	assert.NotNil(t, tm.Tracer())

	ctx, span := tm.StartSpan(context.Background(), "noop")
	assert.False(t, span.IsRecording())
	span.End()

	tm.RecordError(ctx, errors.New("ignored"))
	assert.NoError(t, tm.Shutdown(context.Background()))
}

func TestNewTracingManager_StdoutExporter(t *testing.T) {
	config := DefaultTracingConfig()
	config.Enabled = true

	tm, err := NewTracingManager(context.Background(), config)
	require.NoError(t, err)
	require.NotNil(t, tm.tracerProvider)
	defer tm.Shutdown(context.Background())

	_, span := tm.StartSpan(context.Background(), "acquire")
	assert.True(t, span.IsRecording())
	span.End()
}

func TestNewTracingManager_InvalidExporter(t *testing.T) {
	config := DefaultTracingConfig()
	config.Enabled = true
	config.Exporter = TracingExporter("invalid")

	_, err := NewTracingManager(context.Background(), config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported exporter type")
}

func TestTracingManager_TraceOperation(t *testing.T) {
	tm, err := NewTracingManager(context.Background(), nil)
	require.NoError(t, err)

	called := false
	err = tm.TraceOperation(context.Background(), "query", func(ctx context.Context) error {
		called = true
		return nil
	}, attribute.String("resource_id", "r1"))
	assert.NoError(t, err)
	assert.True(t, called)

	boom := errors.New("boom")
	err = tm.TraceOperation(context.Background(), "query", func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestTracingManager_Middleware(t *testing.T) {
	tm, err := NewTracingManager(context.Background(), nil)
	require.NoError(t, err)

	handler := tm.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
