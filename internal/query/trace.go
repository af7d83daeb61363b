package query

import (
	"fmt"
	"time"

	"zapstream-sync/internal/models"

	"github.com/nbd-wtf/go-nostr"
)

// Trace is one remote subscribe request sent for a logical query.
type Trace struct {
	ID       string
	QueryID  string
	Filters  []nostr.Filter
	QueuedAt time.Time
	SentAt   *time.Time
	EOSEAt   *time.Time
	Err      error
}

// Live reports whether the trace still stands for its filters. Only a
// failed dispatch makes a trace dead; end-of-stored-events does not.
func (t *Trace) Live() bool {
	return t.Err == nil
}

// Covers reports whether f is already fetched by this trace.
func (t *Trace) Covers(f nostr.Filter) bool {
	if !t.Live() {
		return false
	}
	for _, sent := range t.Filters {
		if models.Covers(sent, f) {
			return true
		}
	}
	return false
}

// DispatchError is recorded on a trace whose remote subscribe failed.
type DispatchError struct {
	TraceID string
	Err     error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("failed to dispatch trace %s: %v", e.TraceID, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// LogicalQuery groups the filters and traces requested under one id.
type LogicalQuery struct {
	ID string

	pending     []nostr.Filter
	pendingKeys map[string]struct{}
	history     []*Trace
}

func newLogicalQuery(id string) *LogicalQuery {
	return &LogicalQuery{ID: id, pendingKeys: make(map[string]struct{})}
}

func (q *LogicalQuery) covered(f nostr.Filter) bool {
	for _, t := range q.history {
		if t.Covers(f) {
			return true
		}
	}
	return false
}

func (q *LogicalQuery) add(f nostr.Filter) bool {
	key := models.FilterKey(f)
	if _, ok := q.pendingKeys[key]; ok {
		return false
	}
	if q.covered(f) {
		return false
	}
	q.pendingKeys[key] = struct{}{}
	q.pending = append(q.pending, f)
	return true
}

// take empties the pending set and returns what should be sent, with
// metadata lookups merged into one filter when every filter is one.
func (q *LogicalQuery) take() (filters []nostr.Filter, merged int) {
	for _, f := range q.pending {
		if !q.covered(f) {
			filters = append(filters, f)
		}
	}
	q.pending = nil
	q.pendingKeys = make(map[string]struct{})

	if len(filters) > 1 {
		if m, ok := models.MergeMetadataLookups(filters); ok {
			return []nostr.Filter{m}, len(filters)
		}
	}
	return filters, 0
}
