package runtime

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Context is the process-wide state shared by every pool, limiter and
// connection. It is created once at startup and passed down explicitly.
type Context struct {
	nextConnID   atomic.Uint64
	shuttingDown atomic.Bool
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewContext creates a runtime context
func NewContext() *Context {
	return &Context{shutdownCh: make(chan struct{})}
}

// NextConnID returns the next process-wide connection id. Ids start at 1.
func (c *Context) NextConnID() uint64 {
	return c.nextConnID.Add(1)
}

// BeginShutdown sets the shutdown flag. Calling it more than once is harmless.
func (c *Context) BeginShutdown() {
	c.shutdownOnce.Do(func() {
		c.shuttingDown.Store(true)
		close(c.shutdownCh)
		log.Info().Msg("Shutdown flag set")
	})
}

// IsShuttingDown reports whether shutdown has begun
func (c *Context) IsShuttingDown() bool {
	return c.shuttingDown.Load()
}

// ShutdownCh is closed when shutdown begins
func (c *Context) ShutdownCh() <-chan struct{} {
	return c.shutdownCh
}
