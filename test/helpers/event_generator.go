package helpers

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"zapstream-sync/internal/models"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/nbd-wtf/go-nostr"
)

// Key is a test identity.
type Key struct {
	Secret string
	PubKey string
}

// EventGenerator produces properly signed nostr events with strictly
// increasing timestamps so query ordering in tests is deterministic.
type EventGenerator struct {
	Keys  []Key
	clock nostr.Timestamp
}

// NewEventGenerator creates a new event generator with test keys
func NewEventGenerator() *EventGenerator {
	eg := &EventGenerator{clock: nostr.Timestamp(1700000000)}
	for i := 0; i < 3; i++ {
		eg.Keys = append(eg.Keys, eg.NewKey())
	}
	return eg
}

// NewKey creates a fresh secp256k1 key pair
func (eg *EventGenerator) NewKey() Key {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		panic(fmt.Sprintf("failed to generate key: %v", err))
	}
	secret := hex.EncodeToString(priv.Serialize())
	pub, err := nostr.GetPublicKey(secret)
	if err != nil {
		panic(fmt.Sprintf("failed to derive public key: %v", err))
	}
	return Key{Secret: secret, PubKey: pub}
}

func (eg *EventGenerator) tick() nostr.Timestamp {
	eg.clock++
	return eg.clock
}

func (eg *EventGenerator) sign(key Key, ev *nostr.Event) *nostr.Event {
	ev.CreatedAt = eg.tick()
	if ev.Tags == nil {
		ev.Tags = nostr.Tags{}
	}
	if err := ev.Sign(key.Secret); err != nil {
		panic(fmt.Sprintf("failed to sign event: %v", err))
	}
	return ev
}

// TextNote creates a kind 1 event
func (eg *EventGenerator) TextNote(key Key, content string) *nostr.Event {
	return eg.sign(key, &nostr.Event{Kind: 1, Content: content})
}

// Metadata creates a kind 0 event with the given profile fields
func (eg *EventGenerator) Metadata(key Key, fields map[string]interface{}) *nostr.Event {
	content, err := json.Marshal(fields)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal metadata: %v", err))
	}
	return eg.sign(key, &nostr.Event{Kind: models.KindProfileMetadata, Content: string(content)})
}

// LiveStream creates a kind 30311 live event
func (eg *EventGenerator) LiveStream(key Key, d, title, image, status string) *nostr.Event {
	tags := nostr.Tags{{"d", d}, {"title", title}, {"status", status}}
	if image != "" {
		tags = append(tags, nostr.Tag{"image", image})
	}
	return eg.sign(key, &nostr.Event{Kind: models.KindLiveEvent, Tags: tags})
}

// Tampered returns a copy of ev whose content no longer matches its signature
func Tampered(ev *nostr.Event) *nostr.Event {
	bad := *ev
	bad.Content = ev.Content + " (edited)"
	return &bad
}
