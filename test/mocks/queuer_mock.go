package mocks

import (
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// QueuedFilters is one recorded Defer call.
type QueuedFilters struct {
	ID      string
	Filters []nostr.Filter
}

// MockQueuer records filters deferred for remote fetching.
type MockQueuer struct {
	mutex  sync.Mutex
	queued []QueuedFilters
}

// NewMockQueuer creates a new mock queuer
func NewMockQueuer() *MockQueuer {
	return &MockQueuer{}
}

func (m *MockQueuer) Defer(id string, filters []nostr.Filter) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.queued = append(m.queued, QueuedFilters{ID: id, Filters: filters})
}

// Queued returns a copy of all recorded calls
func (m *MockQueuer) Queued() []QueuedFilters {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append([]QueuedFilters(nil), m.queued...)
}
