package localdb

import (
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

type subscription struct {
	filters []nostr.Filter
	pending []NoteKey
}

// subscriptionSet fans newly inserted keys out to matching subscriptions.
// Both store backends embed one.
type subscriptionSet struct {
	mu   sync.Mutex
	next SubscriptionID
	subs map[SubscriptionID]*subscription
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{subs: make(map[SubscriptionID]*subscription)}
}

func validateFilters(filters []nostr.Filter) error {
	if len(filters) == 0 {
		return fmt.Errorf("%w: empty filter set", ErrInvalidFilter)
	}
	for i, f := range filters {
		if f.Limit < 0 {
			return fmt.Errorf("%w: filter %d has negative limit", ErrInvalidFilter, i)
		}
		if f.Since != nil && f.Until != nil && *f.Since > *f.Until {
			return fmt.Errorf("%w: filter %d has since after until", ErrInvalidFilter, i)
		}
	}
	return nil
}

func (s *subscriptionSet) open(filters []nostr.Filter) (SubscriptionID, error) {
	if err := validateFilters(filters); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next++
	id := s.next
	s.subs[id] = &subscription{filters: append([]nostr.Filter(nil), filters...)}
	return id, nil
}

func (s *subscriptionSet) close(id SubscriptionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[id]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSubscription, id)
	}
	delete(s.subs, id)
	return nil
}

func (s *subscriptionSet) notify(key NoteKey, ev *nostr.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.subs {
		for _, f := range sub.filters {
			if f.Matches(ev) {
				sub.pending = append(sub.pending, key)
				break
			}
		}
	}
}

func (s *subscriptionSet) poll(id SubscriptionID, max int) []NoteKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[id]
	if !ok || len(sub.pending) == 0 {
		return nil
	}
	n := len(sub.pending)
	if max > 0 && max < n {
		n = max
	}
	out := make([]NoteKey, n)
	copy(out, sub.pending[:n])
	sub.pending = sub.pending[n:]
	return out
}

func (s *subscriptionSet) stats() (subs int, pending int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.subs {
		pending += len(sub.pending)
	}
	return len(s.subs), pending
}
