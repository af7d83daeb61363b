package subscription

import (
	"runtime"
	"sync"
	"sync/atomic"

	"zapstream-sync/internal/localdb"
)

// lease is the arena record for one local subscription. It is owned by the
// registry's arena, not by the Handle, so an unreachable Handle can still
// be released by its cleanup.
type lease struct {
	registry *Registry
	subID    localdb.SubscriptionID
	queryID  string

	once     sync.Once
	released atomic.Bool
	err      error
}

func (l *lease) release() error {
	l.once.Do(func() {
		l.released.Store(true)
		l.err = l.registry.release(l)
	})
	return l.err
}

// Handle owns one local database subscription. Close releases it exactly
// once; a Handle that becomes unreachable without Close is released by the
// runtime. Handles must not be copied.
type Handle struct {
	lease   *lease
	cleanup runtime.Cleanup
}

func newHandle(l *lease) *Handle {
	h := &Handle{lease: l}
	h.cleanup = runtime.AddCleanup(h, func(l *lease) { l.release() }, l)
	return h
}

// ID is the local subscription id. It may be used as a map key; holding it
// does not keep the subscription alive.
func (h *Handle) ID() localdb.SubscriptionID {
	return h.lease.subID
}

// QueryID is the logical query the subscription was opened for.
func (h *Handle) QueryID() string {
	return h.lease.queryID
}

// Closed reports whether the subscription has been released, either by
// Close or by registry teardown.
func (h *Handle) Closed() bool {
	return h.lease.released.Load()
}

// Close unsubscribes from the local database. Calling it again, or after
// the registry was closed, does nothing.
func (h *Handle) Close() error {
	h.cleanup.Stop()
	return h.lease.release()
}
