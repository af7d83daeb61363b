// Package query batches data requests from many UI components into as few
// remote subscriptions as possible.
package query

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"zapstream-sync/internal/logging"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
)

// Dispatcher sends one remote subscription. The pool implements it.
type Dispatcher interface {
	Subscribe(ctx context.Context, subID string, filters []nostr.Filter) error
}

type Options struct {
	FlushInterval   time.Duration
	DispatchTimeout time.Duration
	Logger          *slog.Logger
}

type deferral struct {
	id      string
	filters []nostr.Filter
}

// Coalescer collects filters per logical query and periodically turns them
// into traces. All methods except Flush and Run return without waiting on
// the network.
type Coalescer struct {
	dispatcher Dispatcher
	interval   time.Duration
	timeout    time.Duration
	logger     *slog.Logger
	now        func() time.Time

	flushMu sync.Mutex

	mu       sync.Mutex
	queries  map[string]*LogicalQuery
	order    []string
	deferred []deferral
	traces   map[string]*Trace
}

func NewCoalescer(dispatcher Dispatcher, opts Options) *Coalescer {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 100 * time.Millisecond
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = 5 * time.Second
	}
	return &Coalescer{
		dispatcher: dispatcher,
		interval:   opts.FlushInterval,
		timeout:    opts.DispatchTimeout,
		logger:     logging.OrDiscard(opts.Logger).With("component", "coalescer"),
		now:        time.Now,
		queries:    make(map[string]*LogicalQuery),
		traces:     make(map[string]*Trace),
	}
}

// Queue adds filters to the pending set of query id. Filters equal to one
// already pending, or covered by a live trace, are dropped.
func (c *Coalescer) Queue(id string, filters []nostr.Filter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queueLocked(id, filters)
}

// Defer records filters to be queued at the start of the next flush.
func (c *Coalescer) Defer(id string, filters []nostr.Filter) {
	if len(filters) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deferred = append(c.deferred, deferral{id: id, filters: append([]nostr.Filter(nil), filters...)})
}

func (c *Coalescer) queueLocked(id string, filters []nostr.Filter) {
	q, ok := c.queries[id]
	if !ok {
		q = newLogicalQuery(id)
		c.queries[id] = q
		c.order = append(c.order, id)
	}
	added := 0
	for _, f := range filters {
		if q.add(f) {
			added++
		}
	}
	if added > 0 {
		PendingFilters.Add(float64(added))
	}
}

// Flush runs one coalescing cycle and returns the traces it created, in
// query creation order. Failed traces carry a *DispatchError; their filters
// are not requeued.
func (c *Coalescer) Flush(ctx context.Context) []Trace {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	batch := c.prepare()
	if len(batch) == 0 {
		return nil
	}

	out := make([]Trace, 0, len(batch))
	for _, t := range batch {
		c.dispatch(ctx, t)
		c.mu.Lock()
		out = append(out, *t)
		c.mu.Unlock()
	}
	return out
}

func (c *Coalescer) prepare() []*Trace {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, d := range c.deferred {
		c.queueLocked(d.id, d.filters)
	}
	c.deferred = nil

	var batch []*Trace
	for _, id := range c.order {
		q := c.queries[id]
		taken := len(q.pending)
		filters, merged := q.take()
		PendingFilters.Sub(float64(taken))
		if len(filters) == 0 {
			continue
		}
		if merged > 0 {
			FiltersMerged.Add(float64(merged))
		}
		t := &Trace{
			ID:       uuid.NewString(),
			QueryID:  id,
			Filters:  filters,
			QueuedAt: c.now(),
		}
		q.history = append(q.history, t)
		c.traces[t.ID] = t
		batch = append(batch, t)
	}
	return batch
}

func (c *Coalescer) dispatch(ctx context.Context, t *Trace) {
	dctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := c.now()
	err := c.dispatcher.Subscribe(dctx, t.ID, t.Filters)
	DispatchDuration.Observe(time.Since(start).Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		t.Err = &DispatchError{TraceID: t.ID, Err: err}
		TracesDispatched.WithLabelValues("failed").Inc()
		c.logger.Warn("Failed to dispatch trace", "query", t.QueryID, "trace", t.ID, "filters", len(t.Filters), "error", err)
		return
	}
	sent := c.now()
	t.SentAt = &sent
	TracesDispatched.WithLabelValues("sent").Inc()
	c.logger.Debug("Dispatched trace", "query", t.QueryID, "trace", t.ID, "filters", len(t.Filters))
}

// Run flushes every FlushInterval until ctx is done.
func (c *Coalescer) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Flush(ctx)
		}
	}
}

// MarkEOSE records that relays finished sending stored events for a trace.
// It reports false for unknown trace ids and for traces whose dispatch
// failed.
func (c *Coalescer) MarkEOSE(traceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.traces[traceID]
	if !ok || t.Err != nil {
		return false
	}
	if t.EOSEAt == nil {
		at := c.now()
		t.EOSEAt = &at
	}
	return true
}

// Pending returns the filters of id waiting for the next flush.
func (c *Coalescer) Pending(id string) []nostr.Filter {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.queries[id]
	if !ok {
		return nil
	}
	return append([]nostr.Filter(nil), q.pending...)
}

// Traces returns snapshots of every trace created for id, oldest first.
func (c *Coalescer) Traces(id string) []Trace {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.queries[id]
	if !ok {
		return nil
	}
	out := make([]Trace, 0, len(q.history))
	for _, t := range q.history {
		out = append(out, *t)
	}
	return out
}

// Queries returns the known query ids in creation order.
func (c *Coalescer) Queries() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

// Reset forgets query id so its filters can be fetched again.
func (c *Coalescer) Reset(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.queries[id]
	if !ok {
		return
	}
	PendingFilters.Sub(float64(len(q.pending)))
	for _, t := range q.history {
		delete(c.traces, t.ID)
	}
	delete(c.queries, id)
	for i, qid := range c.order {
		if qid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
