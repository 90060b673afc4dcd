// Package dbconntest provides a scripted in-memory Connection for testing
// pools and the resource manager.
package dbconntest

import (
	"context"
	"sync"
	"time"

	"github.com/mrajcok/watchtower/pkg/common"
	"github.com/mrajcok/watchtower/pkg/dbconn"
	"github.com/mrajcok/watchtower/pkg/runtime"
)

// Script controls every connection created by its factory
type Script struct {
	mu          sync.Mutex
	openErrs    []error
	openDelay   time.Duration
	executeFunc func(ctx context.Context, statement string) (*dbconn.Result, error)
	opens       int
	closes      int
	conns       []*Conn
}

// NewScript creates a script whose connections always open
func NewScript() *Script {
	return &Script{}
}

// FailOpens makes the next len(errs) opens fail with errs in order
func (s *Script) FailOpens(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErrs = append(s.openErrs, errs...)
}

// SetOpenDelay makes each open take d
func (s *Script) SetOpenDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openDelay = d
}

// SetExecute replaces the statement handler
func (s *Script) SetExecute(fn func(ctx context.Context, statement string) (*dbconn.Result, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executeFunc = fn
}

// Opens returns the number of successful opens
func (s *Script) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// Closes returns the number of closes
func (s *Script) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// Conns returns every connection created so far
func (s *Script) Conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Conn, len(s.conns))
	copy(out, s.conns)
	return out
}

// Factory returns a connection factory bound to this script
func (s *Script) Factory(resourceID string, rc *runtime.Context, limits *dbconn.Limits) dbconn.Factory {
	return func() dbconn.Connection {
		c := &Conn{script: s}
		c.Init(resourceID, rc, limits)
		s.mu.Lock()
		s.conns = append(s.conns, c)
		s.mu.Unlock()
		return c
	}
}

// Conn is a scripted connection
type Conn struct {
	dbconn.Base
	script *Script
}

// Open implements dbconn.Connection
func (c *Conn) Open(ctx context.Context, params dbconn.Params, timeout time.Duration) error {
	c.script.mu.Lock()
	delay := c.script.openDelay
	var err error
	if len(c.script.openErrs) > 0 {
		err = c.script.openErrs[0]
		c.script.openErrs = c.script.openErrs[1:]
	}
	c.script.mu.Unlock()

	if delay > 0 {
		waitCtx, cancel := common.TimeoutContext(ctx, timeout)
		defer cancel()
		select {
		case <-time.After(delay):
		case <-waitCtx.Done():
			return common.NewGatewayError(common.KindTimeout, "timeout waiting for a DB connection", "").WithCause(ctx.Err())
		}
	}
	if err != nil {
		return err
	}

	c.MarkOpen()
	c.script.mu.Lock()
	c.script.opens++
	c.script.mu.Unlock()
	return nil
}

// Execute implements dbconn.Connection
func (c *Conn) Execute(ctx context.Context, statement string, timeout time.Duration) (*dbconn.Result, error) {
	start := time.Now()
	defer func() { c.AddUsage(time.Since(start)) }()

	c.script.mu.Lock()
	fn := c.script.executeFunc
	c.script.mu.Unlock()

	if fn == nil {
		return &dbconn.Result{
			Columns: []string{"statement"},
			Rows:    []map[string]interface{}{{"statement": statement}},
		}, nil
	}

	ctx, cancel := common.TimeoutContext(ctx, c.QueryTimeout(timeout))
	defer cancel()
	return fn(ctx, statement)
}

// Close implements dbconn.Connection
func (c *Conn) Close() error {
	if !c.IsOpen() {
		return nil
	}
	c.MarkClosed()
	c.script.mu.Lock()
	c.script.closes++
	c.script.mu.Unlock()
	return nil
}
