package models

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProfile(t *testing.T) {
	t.Run("Valid metadata", func(t *testing.T) {
		ev := &nostr.Event{
			ID:        "e1",
			PubKey:    "aabbccddeeff00112233",
			Kind:      KindProfileMetadata,
			CreatedAt: nostr.Timestamp(1700000000),
			Content:   `{"name":"kieran","display_name":"Kieran","picture":"https://x/p.png","unknown":1}`,
		}
		p, err := ParseProfile(ev)
		require.NoError(t, err)
		assert.Equal(t, "kieran", p.Name)
		assert.Equal(t, "https://x/p.png", p.Picture)
		assert.Equal(t, ev.PubKey, p.PubKey)
		assert.Equal(t, "Kieran", p.Label())
	})

	t.Run("Label falls back to key", func(t *testing.T) {
		p := &Profile{PubKey: "aabbccddeeff00112233"}
		assert.Equal(t, "aabbccddeeff", p.Label())
	})

	t.Run("Wrong kind", func(t *testing.T) {
		_, err := ParseProfile(&nostr.Event{Kind: 1})
		assert.Error(t, err)
	})

	t.Run("Malformed content", func(t *testing.T) {
		_, err := ParseProfile(&nostr.Event{Kind: KindProfileMetadata, Content: "{"})
		assert.ErrorContains(t, err, "failed to parse profile content")
	})
}

func TestLiveStream(t *testing.T) {
	ev := &nostr.Event{
		ID:        "s1",
		PubKey:    "service",
		Kind:      KindLiveEvent,
		CreatedAt: nostr.Timestamp(100),
		Tags: nostr.Tags{
			{"d", "abc"},
			{"title", "Morning stream"},
			{"image", "https://x/img.png"},
			{"status", "live"},
			{"p", "viewer", "", "participant"},
			{"p", "hostkey", "", "host"},
		},
	}

	s, err := ParseLiveStream(ev)
	require.NoError(t, err)
	assert.Equal(t, "Morning stream", s.Title)
	assert.Equal(t, "https://x/img.png", s.Image)
	assert.Equal(t, "hostkey", s.Host)
	assert.Equal(t, "30311:service:abc", s.Address())

	set := NewStreamSet()
	assert.True(t, set.Add(s))

	older := *ev
	older.CreatedAt = 50
	older.Tags = nostr.Tags{{"d", "abc"}, {"status", "ended"}}
	stale, err := ParseLiveStream(&older)
	require.NoError(t, err)
	assert.False(t, set.Add(stale))
	assert.Equal(t, 1, set.Len())
	assert.Len(t, set.Live(), 1)

	_, err = ParseLiveStream(&nostr.Event{Kind: 1})
	assert.Error(t, err)
}
