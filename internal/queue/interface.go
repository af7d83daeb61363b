// Package queue republishes events ingested from relays to a message
// broker so other local services can consume them.
package queue

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// Publisher defines the interface for event publishing
type Publisher interface {
	PublishEvent(ctx context.Context, event *nostr.Event) error
	Close() error
}

// Nop discards events. It is used when no broker is configured.
type Nop struct{}

func (Nop) PublishEvent(context.Context, *nostr.Event) error { return nil }

func (Nop) Close() error { return nil }
