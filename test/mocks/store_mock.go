package mocks

import (
	"context"
	"sync"

	"zapstream-sync/internal/localdb"

	"github.com/nbd-wtf/go-nostr"
)

// MockStore wraps a real in-memory store and records calls so tests can
// assert on subscription lifecycles and inject backend failures.
type MockStore struct {
	*localdb.Memory

	mutex         sync.Mutex
	unsubscribes  map[localdb.SubscriptionID]int
	subscribeErr  error
	queryErr      error
	subscribeCall int
	queryGate     <-chan struct{}
	queryWaiting  int
}

// NewMockStore creates a new mock store
func NewMockStore() *MockStore {
	return &MockStore{
		Memory:       localdb.NewMemory(),
		unsubscribes: make(map[localdb.SubscriptionID]int),
	}
}

// SetSubscribeError makes subsequent Subscribe calls fail with err
func (m *MockStore) SetSubscribeError(err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.subscribeErr = err
}

// SetQueryError makes subsequent Query calls fail with err
func (m *MockStore) SetQueryError(err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.queryErr = err
}

// SetQueryGate makes subsequent Query calls wait until gate is closed
func (m *MockStore) SetQueryGate(gate <-chan struct{}) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.queryGate = gate
}

// QueriesWaiting returns how many Query calls are held at the gate
func (m *MockStore) QueriesWaiting() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.queryWaiting
}

func (m *MockStore) Subscribe(filters []nostr.Filter) (localdb.SubscriptionID, error) {
	m.mutex.Lock()
	m.subscribeCall++
	err := m.subscribeErr
	m.mutex.Unlock()
	if err != nil {
		return 0, err
	}
	return m.Memory.Subscribe(filters)
}

func (m *MockStore) Query(ctx context.Context, filters []nostr.Filter, max int) ([]localdb.Result, error) {
	m.mutex.Lock()
	err := m.queryErr
	gate := m.queryGate
	if gate != nil {
		m.queryWaiting++
	}
	m.mutex.Unlock()

	if gate != nil {
		<-gate
		m.mutex.Lock()
		m.queryWaiting--
		m.mutex.Unlock()
	}
	if err != nil {
		return nil, err
	}
	return m.Memory.Query(ctx, filters, max)
}

func (m *MockStore) Unsubscribe(id localdb.SubscriptionID) error {
	m.mutex.Lock()
	m.unsubscribes[id]++
	m.mutex.Unlock()
	return m.Memory.Unsubscribe(id)
}

// UnsubscribeCount returns how many times id was unsubscribed
func (m *MockStore) UnsubscribeCount(id localdb.SubscriptionID) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.unsubscribes[id]
}

// TotalUnsubscribes returns the number of Unsubscribe calls across all ids
func (m *MockStore) TotalUnsubscribes() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	total := 0
	for _, n := range m.unsubscribes {
		total += n
	}
	return total
}

// SubscribeCalls returns the number of Subscribe calls, failed ones included
func (m *MockStore) SubscribeCalls() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.subscribeCall
}
