package localdb

import (
	"context"
	"testing"

	"zapstream-sync/internal/models"
	"zapstream-sync/test/helpers"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract exercises behaviour both backends must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("Insert and get by key", func(t *testing.T) {
		s := newStore(t)
		eg := helpers.NewEventGenerator()
		ev := eg.TextNote(eg.Keys[0], "hello")

		key, err := s.Insert(ctx, ev)
		require.NoError(t, err)

		got, err := s.GetByKey(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, ev.ID, got.ID)
		assert.Equal(t, "hello", got.Content)

		_, err = s.GetByKey(ctx, key+100)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Duplicate insert returns existing key", func(t *testing.T) {
		s := newStore(t)
		eg := helpers.NewEventGenerator()
		ev := eg.TextNote(eg.Keys[0], "once")

		first, err := s.Insert(ctx, ev)
		require.NoError(t, err)
		second, err := s.Insert(ctx, ev)
		assert.ErrorIs(t, err, ErrDuplicate)
		assert.Equal(t, first, second)
	})

	t.Run("Query by kind is newest first and limited", func(t *testing.T) {
		s := newStore(t)
		eg := helpers.NewEventGenerator()
		var ids []string
		for i := 0; i < 5; i++ {
			ev := eg.LiveStream(eg.Keys[i%3], string(rune('a'+i)), "stream", "", "live")
			_, err := s.Insert(ctx, ev)
			require.NoError(t, err)
			ids = append(ids, ev.ID)
		}
		_, err := s.Insert(ctx, eg.TextNote(eg.Keys[0], "not a stream"))
		require.NoError(t, err)

		results, err := s.Query(ctx, []nostr.Filter{{Kinds: []int{models.KindLiveEvent}, Limit: 3}}, 100)
		require.NoError(t, err)
		require.Len(t, results, 3)
		assert.Equal(t, ids[4], results[0].Event.ID)
		assert.Equal(t, ids[3], results[1].Event.ID)
		assert.Equal(t, ids[2], results[2].Event.ID)
	})

	t.Run("Query max bounds the union", func(t *testing.T) {
		s := newStore(t)
		eg := helpers.NewEventGenerator()
		for i := 0; i < 4; i++ {
			_, err := s.Insert(ctx, eg.TextNote(eg.Keys[0], "note"))
			require.NoError(t, err)
		}
		results, err := s.Query(ctx, []nostr.Filter{{Kinds: []int{1}}, {Authors: []string{eg.Keys[0].PubKey}}}, 2)
		require.NoError(t, err)
		assert.Len(t, results, 2)
	})

	t.Run("Query by author", func(t *testing.T) {
		s := newStore(t)
		eg := helpers.NewEventGenerator()
		mine := eg.TextNote(eg.Keys[0], "mine")
		_, err := s.Insert(ctx, mine)
		require.NoError(t, err)
		_, err = s.Insert(ctx, eg.TextNote(eg.Keys[1], "theirs"))
		require.NoError(t, err)

		results, err := s.Query(ctx, []nostr.Filter{{Authors: []string{eg.Keys[0].PubKey}}}, 10)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, mine.ID, results[0].Event.ID)
	})

	t.Run("Rejects invalid filters", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Subscribe(nil)
		assert.ErrorIs(t, err, ErrInvalidFilter)
		_, err = s.Query(ctx, []nostr.Filter{{Limit: -1}}, 10)
		assert.ErrorIs(t, err, ErrInvalidFilter)
	})

	t.Run("Subscribe and poll new keys", func(t *testing.T) {
		s := newStore(t)
		eg := helpers.NewEventGenerator()

		sub, err := s.Subscribe([]nostr.Filter{{Kinds: []int{models.KindLiveEvent}}})
		require.NoError(t, err)
		assert.Empty(t, s.Poll(sub, 10))

		var keys []NoteKey
		for i := 0; i < 3; i++ {
			key, err := s.Insert(ctx, eg.LiveStream(eg.Keys[0], string(rune('a'+i)), "s", "", "live"))
			require.NoError(t, err)
			keys = append(keys, key)
		}
		_, err = s.Insert(ctx, eg.TextNote(eg.Keys[0], "ignored"))
		require.NoError(t, err)

		assert.Equal(t, keys[:2], s.Poll(sub, 2))
		assert.Equal(t, keys[2:], s.Poll(sub, 2))
		assert.Empty(t, s.Poll(sub, 2))

		stats := s.Stats()
		assert.Equal(t, 1, stats.Subscriptions)

		require.NoError(t, s.Unsubscribe(sub))
		assert.ErrorIs(t, s.Unsubscribe(sub), ErrUnknownSubscription)
		assert.Nil(t, s.Poll(sub, 10))
	})

	t.Run("Latest profile", func(t *testing.T) {
		s := newStore(t)
		eg := helpers.NewEventGenerator()
		key := eg.Keys[0]
		_, err := s.Insert(ctx, eg.Metadata(key, map[string]interface{}{"name": "old"}))
		require.NoError(t, err)
		_, err = s.Insert(ctx, eg.Metadata(key, map[string]interface{}{"name": "new"}))
		require.NoError(t, err)

		p, err := LatestProfile(ctx, s, key.PubKey)
		require.NoError(t, err)
		assert.Equal(t, "new", p.Name)

		_, err = LatestProfile(ctx, s, eg.Keys[1].PubKey)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		s := NewMemory()
		t.Cleanup(func() { s.Close() })
		return s
	})

	t.Run("Closed store rejects work", func(t *testing.T) {
		s := NewMemory()
		require.NoError(t, s.Close())
		_, err := s.Subscribe([]nostr.Filter{{Kinds: []int{1}}})
		assert.ErrorIs(t, err, ErrClosed)
		_, err = s.Insert(context.Background(), &nostr.Event{ID: "x"})
		assert.ErrorIs(t, err, ErrClosed)
	})
}
