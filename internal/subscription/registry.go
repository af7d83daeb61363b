// Package subscription maps UI data requests onto local database
// subscriptions and queues the same filters for remote fetching.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"zapstream-sync/internal/localdb"
	"zapstream-sync/internal/logging"

	"github.com/nbd-wtf/go-nostr"
)

// Queuer accepts filters for remote dispatch. It must not block.
type Queuer interface {
	Defer(id string, filters []nostr.Filter)
}

// BackendError is returned when the local database rejects a subscription
// or query. It is not retried.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("local database rejected %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

var ErrRegistryClosed = errors.New("subscription registry is closed")

// Registry owns every local subscription it opens.
type Registry struct {
	store  localdb.Store
	queue  Queuer
	logger *slog.Logger

	mu     sync.Mutex
	leases map[localdb.SubscriptionID]*lease
	closed bool
}

// NewRegistry creates a registry. queue may be nil, in which case nothing
// is requested from remote peers.
func NewRegistry(store localdb.Store, queue Queuer, logger *slog.Logger) *Registry {
	return &Registry{
		store:  store,
		queue:  queue,
		logger: logging.OrDiscard(logger).With("component", "subscriptions"),
		leases: make(map[localdb.SubscriptionID]*lease),
	}
}

// Subscribe opens a local subscription for filters, returns up to
// maxResults already stored matches and queues the filters for remote
// fetching under the logical query id.
func (r *Registry) Subscribe(ctx context.Context, id string, filters []nostr.Filter, maxResults int) (*Handle, []localdb.Result, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, nil, ErrRegistryClosed
	}

	subID, err := r.store.Subscribe(filters)
	if err != nil {
		return nil, nil, &BackendError{Op: "subscribe", Err: err}
	}

	l := &lease{registry: r, subID: subID, queryID: id}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.store.Unsubscribe(subID)
		return nil, nil, ErrRegistryClosed
	}
	r.leases[subID] = l
	r.mu.Unlock()

	h := newHandle(l)

	results, err := r.store.Query(ctx, filters, maxResults)
	if err != nil {
		h.Close()
		return nil, nil, &BackendError{Op: "query", Err: err}
	}

	if r.queue != nil {
		r.queue.Defer(id, filters)
	}

	r.logger.Debug("Opened subscription", "query", id, "sub", subID, "filters", len(filters), "initial", len(results))
	return h, results, nil
}

// With opens a subscription, runs fn and releases the subscription on
// every exit path, including a panic in fn.
func (r *Registry) With(ctx context.Context, id string, filters []nostr.Filter, maxResults int, fn func(h *Handle, results []localdb.Result) error) error {
	h, results, err := r.Subscribe(ctx, id, filters, maxResults)
	if err != nil {
		return err
	}
	defer h.Close()
	return fn(h, results)
}

// Poll returns up to max keys that matched the subscription since the
// last poll. It never blocks and returns nil for a released handle.
func (r *Registry) Poll(h *Handle, max int) []localdb.NoteKey {
	if h == nil || h.Closed() {
		return nil
	}
	return r.store.Poll(h.ID(), max)
}

// Resolve loads the events for keys, skipping any that are gone.
func (r *Registry) Resolve(ctx context.Context, keys []localdb.NoteKey) []localdb.Result {
	out := make([]localdb.Result, 0, len(keys))
	for _, k := range keys {
		ev, err := r.store.GetByKey(ctx, k)
		if err != nil {
			if !errors.Is(err, localdb.ErrNotFound) {
				r.logger.Warn("Failed to resolve note", "key", k, "error", err)
			}
			continue
		}
		out = append(out, localdb.Result{Key: k, Event: ev})
	}
	return out
}

// Live returns the number of subscriptions not yet released.
func (r *Registry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.leases)
}

// Close releases every live subscription. Handles closed afterwards do
// not unsubscribe again.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	leases := make([]*lease, 0, len(r.leases))
	for _, l := range r.leases {
		leases = append(leases, l)
	}
	r.mu.Unlock()

	var errs []error
	for _, l := range leases {
		if err := l.release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) release(l *lease) error {
	r.mu.Lock()
	delete(r.leases, l.subID)
	r.mu.Unlock()

	if err := r.store.Unsubscribe(l.subID); err != nil {
		r.logger.Warn("Failed to unsubscribe", "query", l.queryID, "sub", l.subID, "error", err)
		return fmt.Errorf("failed to unsubscribe %d: %w", l.subID, err)
	}
	r.logger.Debug("Closed subscription", "query", l.queryID, "sub", l.subID)
	return nil
}
