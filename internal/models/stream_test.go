package models

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func liveEvent(pubkey string, at int64, tags ...nostr.Tag) *nostr.Event {
	return &nostr.Event{
		PubKey:    pubkey,
		Kind:      KindLiveEvent,
		CreatedAt: nostr.Timestamp(at),
		Tags:      tags,
	}
}

func TestParseLiveStream(t *testing.T) {
	t.Run("Tags", func(t *testing.T) {
		ev := liveEvent("author", 100,
			nostr.Tag{"d", "abc"},
			nostr.Tag{"title", "Coding"},
			nostr.Tag{"summary", "late night"},
			nostr.Tag{"image", "https://x/thumb.jpg"},
			nostr.Tag{"streaming", "https://x/live.m3u8"},
			nostr.Tag{"status", "live"},
			nostr.Tag{"t"},
		)
		s, err := ParseLiveStream(ev)
		require.NoError(t, err)
		assert.Equal(t, "abc", s.D)
		assert.Equal(t, "Coding", s.Title)
		assert.Equal(t, "late night", s.Summary)
		assert.Equal(t, "https://x/thumb.jpg", s.Image)
		assert.Equal(t, "https://x/live.m3u8", s.Streaming)
		assert.Equal(t, "live", s.Status)
		assert.Equal(t, "author", s.Host)
		assert.Equal(t, "30311:author:abc", s.Address())
	})

	t.Run("Host from p tag", func(t *testing.T) {
		ev := liveEvent("service", 100,
			nostr.Tag{"p", "guest", "", "speaker"},
			nostr.Tag{"p", "host1", "", "host"},
			nostr.Tag{"p", "host2", "", "host"},
		)
		s, err := ParseLiveStream(ev)
		require.NoError(t, err)
		assert.Equal(t, "host1", s.Host)
	})

	t.Run("Wrong kind", func(t *testing.T) {
		_, err := ParseLiveStream(&nostr.Event{Kind: 1})
		assert.Error(t, err)
	})
}

func TestStreamSet(t *testing.T) {
	parse := func(ev *nostr.Event) *LiveStream {
		s, err := ParseLiveStream(ev)
		require.NoError(t, err)
		return s
	}

	t.Run("Newest version wins", func(t *testing.T) {
		ss := NewStreamSet()
		newer := parse(liveEvent("a", 200, nostr.Tag{"d", "x"}, nostr.Tag{"status", "ended"}))
		older := parse(liveEvent("a", 100, nostr.Tag{"d", "x"}, nostr.Tag{"status", "live"}))

		assert.True(t, ss.Add(newer))
		assert.False(t, ss.Add(older))
		assert.Equal(t, 1, ss.Len())

		got, ok := ss.Get(newer.Address())
		require.True(t, ok)
		assert.Equal(t, "ended", got.Status)
		assert.Empty(t, ss.Live())
	})

	t.Run("Live filters by status", func(t *testing.T) {
		ss := NewStreamSet()
		ss.Add(parse(liveEvent("a", 1, nostr.Tag{"d", "1"}, nostr.Tag{"status", "live"})))
		ss.Add(parse(liveEvent("a", 2, nostr.Tag{"d", "2"}, nostr.Tag{"status", "planned"})))
		ss.Add(parse(liveEvent("b", 3, nostr.Tag{"d", "1"}, nostr.Tag{"status", "live"})))

		assert.Equal(t, 3, ss.Len())
		assert.Len(t, ss.Live(), 2)
	})
}
