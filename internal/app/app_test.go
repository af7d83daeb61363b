package app

import (
	"context"
	"image/color"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"zapstream-sync/internal/assets"
	"zapstream-sync/internal/config"
	"zapstream-sync/internal/relaypool"
	"zapstream-sync/test/helpers"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("RELAY_URLS", "")
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Assets.CacheDir = t.TempDir()
	cfg.Coalescer.FlushInterval = 10 * time.Millisecond
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestNew(t *testing.T) {
	t.Run("Memory backend", func(t *testing.T) {
		a, err := New(testConfig(t), nil)
		require.NoError(t, err)
		assert.Equal(t, "memory", a.Store.Stats().Backend)
		assert.Nil(t, a.Status)
		require.NoError(t, a.Close())
		require.NoError(t, a.Close())
	})

	t.Run("Redis backend", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := testConfig(t)
		cfg.LocalDB.Backend = "redis"
		cfg.Redis.Host = mr.Addr()

		a, err := New(cfg, nil)
		require.NoError(t, err)
		defer a.Close()
		assert.Equal(t, "redis", a.Store.Stats().Backend)
	})

	t.Run("Unreachable redis", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.LocalDB.Backend = "redis"
		cfg.Redis.Host = "127.0.0.1:1"

		_, err := New(cfg, nil)
		assert.Error(t, err)
	})

	t.Run("Metrics are registered", func(t *testing.T) {
		a, err := New(testConfig(t), nil)
		require.NoError(t, err)
		defer a.Close()

		families, err := a.Metrics.Gather()
		require.NoError(t, err)
		assert.NotEmpty(t, families)
	})
}

func TestHomePage(t *testing.T) {
	ctx := context.Background()
	gen := helpers.NewEventGenerator()

	images := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(helpers.PNG(16, 9, color.White))
	}))
	defer images.Close()

	a, err := New(testConfig(t), nil)
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.Start(ctx))

	host := gen.Keys[0]
	_, err = a.Store.Insert(ctx, gen.LiveStream(host, "morning", "Morning show", images.URL+"/thumb.png", "live"))
	require.NoError(t, err)

	page, err := a.OpenHomePage(ctx)
	require.NoError(t, err)
	defer page.Close()
	assert.Equal(t, 1, page.Streams())

	// the home page filter goes out once, unchanged
	require.Eventually(t, func() bool {
		traces := a.Coalescer.Traces(HomePageID)
		return len(traces) == 1 && traces[0].Err != nil
	}, 2*time.Second, 5*time.Millisecond)
	trace := a.Coalescer.Traces(HomePageID)[0]
	assert.Equal(t, HomePageFilters(), trace.Filters)
	assert.ErrorIs(t, trace.Err, relaypool.ErrNoRelays)

	first := page.Frame(ctx)
	require.Len(t, first.Streams, 1)
	assert.Nil(t, first.Streams[0].Host)
	assert.Equal(t, assets.Pending, first.Streams[0].Image.State)

	// events arriving from relays show up on the next frame
	a.Ingester.Handle(ctx, relaypool.Notification{
		Type:  relaypool.NotificationEvent,
		Event: gen.Metadata(host, map[string]interface{}{"name": "host"}),
	})
	a.Ingester.Handle(ctx, relaypool.Notification{
		Type:  relaypool.NotificationEvent,
		Event: gen.LiveStream(gen.Keys[1], "evening", "Evening show", "", "live"),
	})
	a.Assets.Wait()

	second := page.Frame(ctx)
	assert.Equal(t, 1, second.NewEvents)
	require.Len(t, second.Streams, 2)
	for _, s := range second.Streams {
		if s.Stream.D == "morning" {
			require.NotNil(t, s.Host)
			assert.Equal(t, "host", s.Host.Label())
			assert.Equal(t, assets.Ready, s.Image.State)
			assert.Equal(t, 16, s.Image.Image.Bounds().Dx())
		}
	}
	assert.Greater(t, a.Repaint.Count(), int64(0))
}
