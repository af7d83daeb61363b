package mocks

import (
	"context"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// DispatchCall is one recorded remote subscribe.
type DispatchCall struct {
	TraceID string
	Filters []nostr.Filter
}

// MockDispatcher records remote subscribe calls instead of sending them.
type MockDispatcher struct {
	mutex sync.Mutex
	calls []DispatchCall
	err   error
}

// NewMockDispatcher creates a new mock dispatcher
func NewMockDispatcher() *MockDispatcher {
	return &MockDispatcher{}
}

func (m *MockDispatcher) Subscribe(ctx context.Context, traceID string, filters []nostr.Filter) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.calls = append(m.calls, DispatchCall{
		TraceID: traceID,
		Filters: append([]nostr.Filter(nil), filters...),
	})
	return m.err
}

// SetError makes subsequent calls fail with err (nil restores success)
func (m *MockDispatcher) SetError(err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.err = err
}

// Calls returns a copy of all recorded calls
func (m *MockDispatcher) Calls() []DispatchCall {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append([]DispatchCall(nil), m.calls...)
}

// Reset clears recorded calls
func (m *MockDispatcher) Reset() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.calls = nil
}
