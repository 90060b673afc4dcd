package common

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name     string
		kind     ErrorKind
		expected int
	}{
		{"not found", KindNotFound, http.StatusNotFound},
		{"overload", KindOverload, http.StatusTooManyRequests},
		{"timeout", KindTimeout, http.StatusGatewayTimeout},
		{"shutting down", KindShuttingDown, http.StatusServiceUnavailable},
		{"database", KindDatabase, http.StatusInternalServerError},
		{"unclassified", KindUnclassified, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, HTTPStatus(tt.kind))
		})
	}
}

func TestAsGatewayError(t *testing.T) {
	t.Run("classified error passes through wrapping", func(t *testing.T) {
		orig := Errorf(KindOverload, "too many pending requests for resource %s", "r1")
		wrapped := fmt.Errorf("acquire: %w", orig)

		gwErr := AsGatewayError(wrapped)
		require.NotNil(t, gwErr)
		assert.Same(t, orig, gwErr)
		assert.True(t, IsOverload(wrapped))
	})

	t.Run("deadline exceeded becomes timeout", func(t *testing.T) {
		gwErr := AsGatewayError(context.DeadlineExceeded)
		assert.Equal(t, KindTimeout, gwErr.Kind)
		assert.ErrorIs(t, gwErr, context.DeadlineExceeded)
	})

	t.Run("driver detail is hidden from the caller message", func(t *testing.T) {
		gwErr := AsGatewayError(errors.New("password=hunter2 rejected"))
		assert.Equal(t, KindUnclassified, gwErr.Kind)
		assert.NotContains(t, gwErr.Error(), "hunter2")
		assert.Equal(t, "password=hunter2 rejected", gwErr.Fields["exception"])
	})

	t.Run("nil", func(t *testing.T) {
		assert.Nil(t, AsGatewayError(nil))
		assert.Equal(t, ErrorKind(""), KindOf(nil))
	})
}

func TestGatewayErrorFields(t *testing.T) {
	err := NewGatewayError(KindDatabase, "DB query error for resource r1", "").
		WithField("resource_id", "r1").
		WithCorrelationID("abc123")

	assert.Equal(t, "DB query error for resource r1", err.LogMessage)
	assert.Equal(t, "r1", err.Fields["resource_id"])
	assert.Equal(t, "abc123", err.CorrelationID)
	assert.True(t, IsDatabase(err))
	assert.False(t, IsTimeout(err))
}

func TestCorrelationID(t *testing.T) {
	cid := NewCorrelationID(8)
	assert.Len(t, cid, 8)
	assert.NotEqual(t, cid, NewCorrelationID(8))
	assert.Len(t, NewCorrelationID(0), 36)

	ctx := ContextWithCorrelationID(context.Background(), cid)
	assert.Equal(t, cid, CorrelationIDFromContext(ctx))
	assert.Equal(t, "", CorrelationIDFromContext(context.Background()))
}

func TestAcquireDurations(t *testing.T) {
	d := NewAcquireDurations()
	ctx := ContextWithDurations(context.Background(), d)

	RecordDuration(ctx, "r1", AcquireRequestSlot, 5*time.Millisecond)
	RecordDuration(ctx, "r1", AcquireDBConnection, 7*time.Millisecond)
	RecordDuration(context.Background(), "r2", AcquireRequestSlot, time.Second)

	snap := d.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 5*time.Millisecond, snap["r1"][AcquireRequestSlot])
	assert.Equal(t, 7*time.Millisecond, snap["r1"][AcquireDBConnection])
}

func TestFormatAge(t *testing.T) {
	assert.Equal(t, "0:05", FormatAge(5*time.Second))
	assert.Equal(t, "2:03", FormatAge(123*time.Second))
	assert.InDelta(t, 1.235, Seconds(1234567*time.Microsecond), 1e-9)
}

func TestIsContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	assert.False(t, IsContextDone(ctx))
	cancel()
	assert.True(t, IsContextDone(ctx))
}
