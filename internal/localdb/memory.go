package localdb

import (
	"context"
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// Memory is an in-process Store. It is the default backend and the one
// used by tests.
type Memory struct {
	mu     sync.RWMutex
	events map[NoteKey]*nostr.Event
	byID   map[string]NoteKey
	byKind map[int][]NoteKey
	seq    NoteKey
	closed bool

	subs *subscriptionSet
}

func NewMemory() *Memory {
	return &Memory{
		events: make(map[NoteKey]*nostr.Event),
		byID:   make(map[string]NoteKey),
		byKind: make(map[int][]NoteKey),
		subs:   newSubscriptionSet(),
	}
}

func (m *Memory) Insert(ctx context.Context, ev *nostr.Event) (NoteKey, error) {
	if ev == nil || ev.ID == "" {
		return 0, fmt.Errorf("failed to insert event: missing id")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrClosed
	}
	if key, exists := m.byID[ev.ID]; exists {
		m.mu.Unlock()
		return key, ErrDuplicate
	}
	m.seq++
	key := m.seq
	stored := *ev
	m.events[key] = &stored
	m.byID[ev.ID] = key
	m.byKind[ev.Kind] = append(m.byKind[ev.Kind], key)
	m.mu.Unlock()

	m.subs.notify(key, &stored)
	return key, nil
}

func (m *Memory) Query(ctx context.Context, filters []nostr.Filter, max int) ([]Result, error) {
	if err := validateFilters(filters); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	return selectResults(filters, max, func(f nostr.Filter) ([]Result, error) {
		if len(f.Kinds) > 0 {
			var out []Result
			for _, kind := range f.Kinds {
				for _, key := range m.byKind[kind] {
					out = append(out, Result{Key: key, Event: m.events[key]})
				}
			}
			return out, nil
		}
		out := make([]Result, 0, len(m.events))
		for key, ev := range m.events {
			out = append(out, Result{Key: key, Event: ev})
		}
		return out, nil
	})
}

func (m *Memory) GetByKey(ctx context.Context, key NoteKey) (*nostr.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ev, ok := m.events[key]
	if !ok {
		return nil, fmt.Errorf("%w: key %d", ErrNotFound, key)
	}
	return ev, nil
}

func (m *Memory) Subscribe(filters []nostr.Filter) (SubscriptionID, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return 0, ErrClosed
	}
	return m.subs.open(filters)
}

func (m *Memory) Unsubscribe(id SubscriptionID) error {
	return m.subs.close(id)
}

func (m *Memory) Poll(id SubscriptionID, max int) []NoteKey {
	return m.subs.poll(id, max)
}

func (m *Memory) Stats() Stats {
	m.mu.RLock()
	events := len(m.events)
	m.mu.RUnlock()

	subs, pending := m.subs.stats()
	return Stats{
		Backend:       "memory",
		Events:        int64(events),
		Subscriptions: subs,
		PendingKeys:   pending,
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
