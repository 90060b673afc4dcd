package resource

import (
	"sync"

	"github.com/mrajcok/watchtower/pkg/dbconn"
)

// Acquired records what one request holds on one resource
type Acquired struct {
	ResourceID string
	Conn       dbconn.Connection

	resource *Resource
	slot     bool
	once     sync.Once
}

// Set holds the acquisitions of one request in acquisition order
type Set struct {
	manager *Manager
	items   []*Acquired
	once    sync.Once
}

// Conn returns the connection checked out for resourceID, or nil
func (s *Set) Conn(resourceID string) dbconn.Connection {
	for _, a := range s.items {
		if a.ResourceID == resourceID {
			return a.Conn
		}
	}
	return nil
}

// Acquired returns the records in acquisition order
func (s *Set) Acquired() []*Acquired {
	out := make([]*Acquired, len(s.items))
	copy(out, s.items)
	return out
}

// Release returns every connection and slot in reverse acquisition order.
// Only the first call has any effect.
func (s *Set) Release() {
	s.once.Do(func() {
		for i := len(s.items) - 1; i >= 0; i-- {
			s.manager.Release(s.items[i])
		}
	})
}
