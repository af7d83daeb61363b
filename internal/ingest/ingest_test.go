package ingest

import (
	"context"
	"testing"
	"time"

	"zapstream-sync/internal/localdb"
	"zapstream-sync/internal/models"
	"zapstream-sync/internal/query"
	"zapstream-sync/internal/relaypool"
	"zapstream-sync/internal/repaint"
	"zapstream-sync/test/helpers"
	"zapstream-sync/test/mocks"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eventNote(ev *nostr.Event) relaypool.Notification {
	return relaypool.Notification{Type: relaypool.NotificationEvent, Relay: "wss://r", SubID: "t", Event: ev}
}

func TestHandle(t *testing.T) {
	ctx := context.Background()
	gen := helpers.NewEventGenerator()

	t.Run("Stores, publishes and repaints", func(t *testing.T) {
		store := localdb.NewMemory()
		pub := mocks.NewMockPublisher()
		signal := repaint.New()
		in := New(store, nil, Options{VerifySignatures: true, Publisher: pub, Repaint: signal})

		ev := gen.LiveStream(gen.Keys[0], "s", "Show", "", "live")
		in.Handle(ctx, eventNote(ev))
		in.Handle(ctx, eventNote(ev))

		results, err := store.Query(ctx, []nostr.Filter{{Kinds: []int{models.KindLiveEvent}}}, 10)
		require.NoError(t, err)
		assert.Len(t, results, 1)
		assert.Len(t, pub.Events(), 1)
		assert.Equal(t, int64(1), signal.Count())
	})

	t.Run("Tampered events are dropped when verifying", func(t *testing.T) {
		store := localdb.NewMemory()
		in := New(store, nil, Options{VerifySignatures: true})

		in.Handle(ctx, eventNote(helpers.Tampered(gen.TextNote(gen.Keys[1], "hi"))))
		assert.Equal(t, int64(0), store.Stats().Events)
	})

	t.Run("Publish failure does not lose the event", func(t *testing.T) {
		store := localdb.NewMemory()
		pub := mocks.NewMockPublisher()
		pub.SetFail(true)
		in := New(store, nil, Options{Publisher: pub})

		in.Handle(ctx, eventNote(gen.TextNote(gen.Keys[2], "kept")))
		assert.Equal(t, int64(1), store.Stats().Events)
	})

	t.Run("EOSE marks the trace", func(t *testing.T) {
		dispatcher := mocks.NewMockDispatcher()
		coalescer := query.NewCoalescer(dispatcher, query.Options{})
		coalescer.Queue("home-page", []nostr.Filter{{Kinds: []int{models.KindLiveEvent}, Limit: 100}})
		traces := coalescer.Flush(ctx)
		require.Len(t, traces, 1)

		in := New(localdb.NewMemory(), coalescer, Options{})
		in.Handle(ctx, relaypool.Notification{Type: relaypool.NotificationEOSE, SubID: traces[0].ID})

		stored := coalescer.Traces("home-page")
		require.Len(t, stored, 1)
		assert.NotNil(t, stored[0].EOSEAt)
	})
}

func TestRun(t *testing.T) {
	gen := helpers.NewEventGenerator()
	store := localdb.NewMemory()
	in := New(store, nil, Options{VerifySignatures: true})

	ch := make(chan relaypool.Notification, 3)
	ch <- eventNote(gen.TextNote(gen.Keys[0], "one"))
	ch <- relaypool.Notification{Type: relaypool.NotificationNotice, Message: "hello"}
	ch <- eventNote(gen.TextNote(gen.Keys[0], "two"))
	close(ch)

	done := make(chan struct{})
	go func() {
		in.Run(context.Background(), ch)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the channel closed")
	}
	assert.Equal(t, int64(2), store.Stats().Events)
}
