package profiles

import (
	"context"
	"testing"
	"time"

	"zapstream-sync/internal/query"
	"zapstream-sync/internal/repaint"
	"zapstream-sync/internal/subscription"
	"zapstream-sync/test/helpers"
	"zapstream-sync/test/mocks"

	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingResetter struct {
	ids []string
}

func (r *recordingResetter) Reset(id string) {
	r.ids = append(r.ids, id)
}

type fixture struct {
	store   *mocks.MockStore
	queue   *mocks.MockQueuer
	signal  *repaint.Signal
	service *Service
	gen     *helpers.EventGenerator
	clock   time.Time
	resets  *recordingResetter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  mocks.NewMockStore(),
		queue:  mocks.NewMockQueuer(),
		signal: repaint.New(),
		gen:    helpers.NewEventGenerator(),
		clock:  time.Unix(1700000000, 0),
		resets: &recordingResetter{},
	}
	reg := subscription.NewRegistry(f.store, f.queue, nil)
	f.service = NewService(reg, f.store, Options{Queries: f.resets, Repaint: f.signal})
	f.service.now = func() time.Time { return f.clock }
	t.Cleanup(f.service.Close)
	return f
}

func TestGet(t *testing.T) {
	ctx := context.Background()

	t.Run("Stored profile is ready", func(t *testing.T) {
		f := newFixture(t)
		key := f.gen.Keys[0]
		_, err := f.store.Insert(ctx, f.gen.Metadata(key, map[string]interface{}{"name": "alice"}))
		require.NoError(t, err)

		p, state := f.service.Get(key.PubKey)
		require.Equal(t, Ready, state)
		assert.Equal(t, "alice", p.Label())
		assert.Empty(t, f.queue.Queued())
	})

	t.Run("Missing profile is requested then arrives", func(t *testing.T) {
		f := newFixture(t)
		key := f.gen.Keys[1]

		p, state := f.service.Get(key.PubKey)
		assert.Nil(t, p)
		assert.Equal(t, Pending, state)
		assert.Equal(t, []string{key.PubKey}, f.service.Pending())

		queued := f.queue.Queued()
		require.Len(t, queued, 1)
		assert.Equal(t, QueryID, queued[0].ID)
		assert.Equal(t, []string{key.PubKey}, queued[0].Filters[0].Authors)

		_, state = f.service.Get(key.PubKey)
		assert.Equal(t, Pending, state)

		_, err := f.store.Insert(ctx, f.gen.Metadata(key, map[string]interface{}{"display_name": "Bob"}))
		require.NoError(t, err)

		p, state = f.service.Get(key.PubKey)
		require.Equal(t, Ready, state)
		assert.Equal(t, "Bob", p.Label())
		assert.Equal(t, 1, f.store.TotalUnsubscribes())
		assert.Equal(t, int64(1), f.signal.Count())
		assert.Len(t, f.queue.Queued(), 1)
	})

	t.Run("Lookup times out", func(t *testing.T) {
		f := newFixture(t)
		key := f.gen.Keys[2]

		_, state := f.service.Get(key.PubKey)
		require.Equal(t, Pending, state)

		f.clock = f.clock.Add(3 * time.Second)
		f.service.Update()

		_, state = f.service.Get(key.PubKey)
		assert.Equal(t, Failed, state)
		assert.ErrorIs(t, f.service.Err(key.PubKey), ErrProfileTimeout)
		assert.Equal(t, 1, f.store.TotalUnsubscribes())

		// failed lookups stay failed until retried
		_, state = f.service.Get(key.PubKey)
		assert.Equal(t, Failed, state)
		assert.Len(t, f.queue.Queued(), 1)

		f.service.Retry(key.PubKey)
		assert.Equal(t, []string{QueryID}, f.resets.ids)
		_, state = f.service.Get(key.PubKey)
		assert.Equal(t, Pending, state)
		assert.Len(t, f.queue.Queued(), 2)
	})

	t.Run("Malformed metadata is skipped", func(t *testing.T) {
		f := newFixture(t)
		key := f.gen.Keys[0]
		f.service.Get(key.PubKey)

		bad := f.gen.Metadata(key, nil)
		bad.Content = "{not json"
		require.NoError(t, bad.Sign(key.Secret))
		_, err := f.store.Insert(ctx, bad)
		require.NoError(t, err)

		_, state := f.service.Get(key.PubKey)
		assert.Equal(t, Pending, state)
	})
}

func TestSlowStore(t *testing.T) {
	f := newFixture(t)
	slow, other := f.gen.Keys[0], f.gen.Keys[1]

	gate := make(chan struct{})
	f.store.SetQueryGate(gate)

	done := make(chan State, 1)
	go func() {
		_, state := f.service.Get(slow.PubKey)
		done <- state
	}()
	require.Eventually(t, func() bool { return f.store.QueriesWaiting() == 1 }, time.Second, time.Millisecond)

	// the held read must not stall callers asking about anything else
	answered := make(chan struct{})
	go func() {
		defer close(answered)
		_, state := f.service.Get(slow.PubKey)
		assert.Equal(t, Pending, state)
		assert.Equal(t, []string{slow.PubKey}, f.service.Pending())
		f.service.Update()
		assert.Nil(t, f.service.Err(other.PubKey))
	}()
	select {
	case <-answered:
	case <-time.After(2 * time.Second):
		t.Fatal("service blocked while the store was reading")
	}

	close(gate)
	select {
	case state := <-done:
		assert.Equal(t, Pending, state)
	case <-time.After(2 * time.Second):
		t.Fatal("lookup did not finish after the store answered")
	}
	assert.Len(t, f.queue.Queued(), 1)
}

func TestLookupsCoalesce(t *testing.T) {
	store := mocks.NewMockStore()
	dispatcher := mocks.NewMockDispatcher()
	coalescer := query.NewCoalescer(dispatcher, query.Options{})
	reg := subscription.NewRegistry(store, coalescer, nil)
	service := NewService(reg, store, Options{Queries: coalescer})
	defer service.Close()

	gen := helpers.NewEventGenerator()
	for _, k := range gen.Keys {
		_, state := service.Get(k.PubKey)
		assert.Equal(t, Pending, state)
	}

	traces := coalescer.Flush(context.Background())
	require.Len(t, traces, 1)
	require.Len(t, traces[0].Filters, 1)
	assert.Len(t, traces[0].Filters[0].Authors, len(gen.Keys))
	assert.Len(t, dispatcher.Calls(), 1)
}

func TestNormalize(t *testing.T) {
	gen := helpers.NewEventGenerator()
	pk := gen.Keys[0].PubKey

	got, err := Normalize(pk)
	require.NoError(t, err)
	assert.Equal(t, pk, got)

	npub, err := nip19.EncodePublicKey(pk)
	require.NoError(t, err)
	got, err = Normalize(npub)
	require.NoError(t, err)
	assert.Equal(t, pk, got)

	_, err = Normalize("not a key")
	assert.Error(t, err)
}
