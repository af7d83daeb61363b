// Package ingest stores what relays send into the local database.
package ingest

import (
	"context"
	"errors"
	"log/slog"

	"zapstream-sync/internal/localdb"
	"zapstream-sync/internal/logging"
	"zapstream-sync/internal/queue"
	"zapstream-sync/internal/relaypool"
	"zapstream-sync/internal/repaint"

	"github.com/nbd-wtf/go-nostr"
	"github.com/prometheus/client_golang/prometheus"
)

var Events = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "zapstream",
	Subsystem: "ingest",
	Name:      "events",
}, []string{"result"})

// Collectors returns the ingest metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{Events}
}

// EOSEMarker is told when a relay finished sending stored events for a
// trace.
type EOSEMarker interface {
	MarkEOSE(traceID string) bool
}

type Options struct {
	VerifySignatures bool
	Publisher        queue.Publisher
	Repaint          repaint.Requester
	Logger           *slog.Logger
}

type Ingester struct {
	store     localdb.Store
	traces    EOSEMarker
	publisher queue.Publisher
	repaint   repaint.Requester
	verify    bool
	logger    *slog.Logger
}

func New(store localdb.Store, traces EOSEMarker, opts Options) *Ingester {
	if opts.Publisher == nil {
		opts.Publisher = queue.Nop{}
	}
	if opts.Repaint == nil {
		opts.Repaint = repaint.Nop{}
	}
	return &Ingester{
		store:     store,
		traces:    traces,
		publisher: opts.Publisher,
		repaint:   opts.Repaint,
		verify:    opts.VerifySignatures,
		logger:    logging.OrDiscard(opts.Logger).With("component", "ingest"),
	}
}

// Run handles notifications until ctx is done or the channel is closed.
func (i *Ingester) Run(ctx context.Context, notifications <-chan relaypool.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			i.Handle(ctx, n)
		}
	}
}

// Handle processes one notification. Errors are logged and counted.
func (i *Ingester) Handle(ctx context.Context, n relaypool.Notification) {
	switch n.Type {
	case relaypool.NotificationEvent:
		i.handleEvent(ctx, n)
	case relaypool.NotificationEOSE:
		if i.traces != nil && !i.traces.MarkEOSE(n.SubID) {
			i.logger.Debug("End of stored events for unknown trace", "relay", n.Relay, "sub", n.SubID)
		}
	case relaypool.NotificationClosed:
		i.logger.Info("Relay closed subscription", "relay", n.Relay, "sub", n.SubID, "reason", n.Message)
	}
}

func (i *Ingester) handleEvent(ctx context.Context, n relaypool.Notification) {
	ev := n.Event
	if ev == nil {
		return
	}
	if err := validate(ev, i.verify); err != nil {
		Events.WithLabelValues("invalid").Inc()
		i.logger.Debug("Invalid upstream event", "relay", n.Relay, "event", ev.ID, "error", err)
		return
	}

	if _, err := i.store.Insert(ctx, ev); err != nil {
		if errors.Is(err, localdb.ErrDuplicate) {
			Events.WithLabelValues("duplicate").Inc()
			return
		}
		Events.WithLabelValues("error").Inc()
		i.logger.Warn("Failed to store upstream event", "relay", n.Relay, "event", ev.ID, "error", err)
		return
	}
	Events.WithLabelValues("stored").Inc()

	if err := i.publisher.PublishEvent(ctx, ev); err != nil {
		i.logger.Warn("Failed to publish upstream event", "event", ev.ID, "error", err)
	}
	i.repaint.Request()
}

var (
	errBadID        = errors.New("event id does not match content")
	errBadSignature = errors.New("invalid signature")
)

func validate(ev *nostr.Event, verify bool) error {
	if !verify {
		return nil
	}
	if ev.GetID() != ev.ID {
		return errBadID
	}
	ok, err := ev.CheckSignature()
	if err != nil {
		return err
	}
	if !ok {
		return errBadSignature
	}
	return nil
}
