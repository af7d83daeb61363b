// Package localdb is the local event database the sync layer reads from:
// an append-only store of previously seen events that can be queried by
// filter and subscribed to for newly inserted keys.
package localdb

import (
	"context"
	"errors"

	"github.com/nbd-wtf/go-nostr"
)

// NoteKey identifies an event inside one store. Keys increase with
// insertion order.
type NoteKey uint64

// SubscriptionID identifies a live local subscription.
type SubscriptionID uint64

// Result is one event returned by a query.
type Result struct {
	Key   NoteKey
	Event *nostr.Event
}

// Stats is a point-in-time view of the store.
type Stats struct {
	Backend       string `json:"backend"`
	Events        int64  `json:"events"`
	Subscriptions int    `json:"subscriptions"`
	PendingKeys   int    `json:"pending_keys"`
}

// Store defines the local database. Implementations are safe for
// concurrent use; Subscribe, Unsubscribe and Poll never perform network I/O.
type Store interface {
	Insert(ctx context.Context, ev *nostr.Event) (NoteKey, error)
	Query(ctx context.Context, filters []nostr.Filter, max int) ([]Result, error)
	GetByKey(ctx context.Context, key NoteKey) (*nostr.Event, error)
	Subscribe(filters []nostr.Filter) (SubscriptionID, error)
	Unsubscribe(id SubscriptionID) error
	Poll(id SubscriptionID, max int) []NoteKey
	Stats() Stats
	Close() error
}

var (
	ErrNotFound            = errors.New("note not found")
	ErrDuplicate           = errors.New("event already stored")
	ErrInvalidFilter       = errors.New("invalid filter")
	ErrUnknownSubscription = errors.New("unknown subscription")
	ErrClosed              = errors.New("store is closed")
)
