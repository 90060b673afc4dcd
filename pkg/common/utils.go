package common

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// IsContextDone checks if context is cancelled or timed out
func IsContextDone(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// TimeoutContext creates a context with timeout and returns both context and cancel func
func TimeoutContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}

// SafeClose closes a closer and logs any error
func SafeClose(closer interface{ Close() error }, name string) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		log.Warn().Err(err).Str("name", name).Msg("Failed to close")
	}
}

// FormatAge renders an age as m:ss
func FormatAge(d time.Duration) string {
	secs := int(d.Seconds())
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}

// Seconds rounds a duration to milliseconds and returns it in seconds
func Seconds(d time.Duration) float64 {
	return d.Round(time.Millisecond).Seconds()
}

// ElapsedSeconds returns the time since start in seconds, rounded to milliseconds
func ElapsedSeconds(start time.Time) float64 {
	return Seconds(time.Since(start))
}
