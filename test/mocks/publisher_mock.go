package mocks

import (
	"context"
	"errors"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

var ErrPublishFailed = errors.New("publish failed")

// MockPublisher records published events.
type MockPublisher struct {
	events []*nostr.Event
	fail   bool
	mutex  sync.RWMutex
}

// NewMockPublisher creates a new mock publisher
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

func (m *MockPublisher) PublishEvent(ctx context.Context, event *nostr.Event) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.fail {
		return ErrPublishFailed
	}
	m.events = append(m.events, event)
	return nil
}

func (m *MockPublisher) Close() error {
	return nil
}

// SetFail makes PublishEvent fail
func (m *MockPublisher) SetFail(fail bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.fail = fail
}

// Events returns the published events
func (m *MockPublisher) Events() []*nostr.Event {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return append([]*nostr.Event(nil), m.events...)
}
