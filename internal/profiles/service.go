// Package profiles resolves author metadata for display, reading from the
// local database first and asking relays for what is missing.
package profiles

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"zapstream-sync/internal/localdb"
	"zapstream-sync/internal/logging"
	"zapstream-sync/internal/models"
	"zapstream-sync/internal/repaint"
	"zapstream-sync/internal/subscription"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// QueryID is the logical query every profile lookup is queued under, so
// lookups made in the same cycle go out as one request.
const QueryID = "profile"

var ErrProfileTimeout = errors.New("profile lookup timed out")

type State int

const (
	Pending State = iota
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	default:
		return "failed"
	}
}

// Resetter forgets what was already requested for a logical query.
type Resetter interface {
	Reset(id string)
}

type Options struct {
	Timeout time.Duration
	Queries Resetter
	Repaint repaint.Requester
	Logger  *slog.Logger
}

type entry struct {
	state   State
	profile *models.Profile
	err     error
	handle  *subscription.Handle
	since   time.Time
	busy    bool // a lookup step is running outside s.mu
}

type Service struct {
	registry *subscription.Registry
	store    localdb.Store
	timeout  time.Duration
	queries  Resetter
	repaint  repaint.Requester
	logger   *slog.Logger
	now      func() time.Time

	// mu guards entries and is never held across store or registry calls.
	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

func NewService(registry *subscription.Registry, store localdb.Store, opts Options) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.Repaint == nil {
		opts.Repaint = repaint.Nop{}
	}
	return &Service{
		registry: registry,
		store:    store,
		timeout:  opts.Timeout,
		queries:  opts.Queries,
		repaint:  opts.Repaint,
		logger:   logging.OrDiscard(opts.Logger).With("component", "profiles"),
		now:      time.Now,
		entries:  make(map[string]*entry),
	}
}

// Normalize accepts a hex public key or an npub and returns hex.
func Normalize(input string) (string, error) {
	if len(input) == 64 {
		if _, err := hex.DecodeString(input); err == nil {
			return input, nil
		}
	}
	prefix, value, err := nip19.Decode(input)
	if err != nil {
		return "", fmt.Errorf("failed to decode public key: %w", err)
	}
	pk, ok := value.(string)
	if prefix != "npub" || !ok {
		return "", fmt.Errorf("unsupported key type %q", prefix)
	}
	return pk, nil
}

// Get returns the profile for pubkey if known. The first call for an
// unknown key starts a lookup and reports Pending; later calls advance it.
// It never waits on the network, and a key whose lookup is already running
// on another goroutine reports its current state.
func (s *Service) Get(pubkey string) (*models.Profile, State) {
	s.mu.Lock()
	e, ok := s.entries[pubkey]
	switch {
	case !ok:
		e = &entry{state: Pending, busy: true}
		s.entries[pubkey] = e
		s.mu.Unlock()
		s.start(pubkey, e)
	case e.state == Pending && !e.busy:
		e.busy = true
		h, since := e.handle, e.since
		s.mu.Unlock()
		s.advance(pubkey, e, h, since)
	default:
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return e.profile, e.state
}

// Err returns why the lookup for pubkey failed, if it did.
func (s *Service) Err(pubkey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[pubkey]; ok {
		return e.err
	}
	return nil
}

// Update advances every pending lookup. The frame loop calls it once per
// frame so timeouts fire even for keys nobody asks about again.
func (s *Service) Update() {
	type step struct {
		pubkey string
		e      *entry
		h      *subscription.Handle
		since  time.Time
	}
	var steps []step

	s.mu.Lock()
	for pk, e := range s.entries {
		if e.state == Pending && !e.busy {
			e.busy = true
			steps = append(steps, step{pubkey: pk, e: e, h: e.handle, since: e.since})
		}
	}
	s.mu.Unlock()

	for _, st := range steps {
		s.advance(st.pubkey, st.e, st.h, st.since)
	}
}

// Retry forgets a failed lookup so the next Get asks relays again.
func (s *Service) Retry(pubkey string) {
	s.mu.Lock()
	e, ok := s.entries[pubkey]
	if !ok || e.state != Failed {
		s.mu.Unlock()
		return
	}
	delete(s.entries, pubkey)
	s.mu.Unlock()

	if s.queries != nil {
		s.queries.Reset(QueryID)
	}
}

// Pending lists keys still waiting on relays, sorted.
func (s *Service) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for pk, e := range s.entries {
		if e.state == Pending {
			out = append(out, pk)
		}
	}
	sort.Strings(out)
	return out
}

// Close releases the subscriptions of pending lookups. Lookups running on
// other goroutines release theirs when they finish their step.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	var handles []*subscription.Handle
	for _, e := range s.entries {
		if !e.busy && e.handle != nil {
			handles = append(handles, e.handle)
			e.handle = nil
		}
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
}

// start resolves pubkey from the store or opens a relay lookup for it.
// The caller has marked e busy.
func (s *Service) start(pubkey string, e *entry) {
	ctx := context.Background()
	p, err := localdb.LatestProfile(ctx, s.store, pubkey)
	if err == nil {
		s.mu.Lock()
		e.state = Ready
		e.profile = p
		e.busy = false
		s.mu.Unlock()
		return
	}
	if !errors.Is(err, localdb.ErrNotFound) {
		s.logger.Warn("Failed to read stored profile", "pubkey", pubkey, "error", err)
	}

	s.logger.Info("Requesting profile", "pubkey", pubkey)
	h, results, err := s.registry.Subscribe(ctx, QueryID, []nostr.Filter{models.MetadataFilter(pubkey)}, 1)
	if err != nil {
		s.complete(e, nil, err)
		return
	}

	s.mu.Lock()
	e.handle = h
	e.since = s.now()
	s.mu.Unlock()

	if best := s.newest(pubkey, results); best != nil {
		s.complete(e, best, nil)
		return
	}
	s.park(e)
}

// advance polls the lookup's subscription and applies the timeout. The
// caller has marked e busy and passes the handle and start time it read
// under s.mu.
func (s *Service) advance(pubkey string, e *entry, h *subscription.Handle, since time.Time) {
	if keys := s.registry.Poll(h, 16); len(keys) > 0 {
		if best := s.newest(pubkey, s.registry.Resolve(context.Background(), keys)); best != nil {
			s.complete(e, best, nil)
			return
		}
	}
	if s.now().Sub(since) >= s.timeout {
		s.logger.Warn("Error getting metadata", "pubkey", pubkey, "error", ErrProfileTimeout)
		s.complete(e, nil, ErrProfileTimeout)
		return
	}
	s.park(e)
}

// newest picks the newest parseable metadata from results.
func (s *Service) newest(pubkey string, results []localdb.Result) *models.Profile {
	var best *models.Profile
	for _, r := range results {
		p, err := models.ParseProfile(r.Event)
		if err != nil {
			s.logger.Debug("Skipping malformed metadata", "pubkey", pubkey, "event", r.Event.ID, "error", err)
			continue
		}
		if best == nil || p.UpdatedAt > best.UpdatedAt {
			best = p
		}
	}
	return best
}

// complete ends a lookup with a profile or an error and releases its
// subscription.
func (s *Service) complete(e *entry, p *models.Profile, err error) {
	s.mu.Lock()
	if err != nil {
		e.state = Failed
		e.err = err
	} else {
		e.state = Ready
		e.profile = p
	}
	e.busy = false
	h := e.handle
	e.handle = nil
	s.mu.Unlock()

	if h != nil {
		h.Close()
	}
	s.repaint.Request()
}

// park leaves a lookup pending for the next step, or releases it if the
// service was closed meanwhile.
func (s *Service) park(e *entry) {
	s.mu.Lock()
	e.busy = false
	var h *subscription.Handle
	if s.closed {
		h = e.handle
		e.handle = nil
	}
	s.mu.Unlock()

	if h != nil {
		h.Close()
	}
}
