package integration

import (
	"context"
	"image/color"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"zapstream-sync/internal/app"
	"zapstream-sync/internal/assets"
	"zapstream-sync/internal/config"
	"zapstream-sync/internal/models"
	"zapstream-sync/internal/profiles"
	"zapstream-sync/test/helpers"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApp(t *testing.T, relayURL string, flush time.Duration) *app.App {
	t.Helper()
	t.Setenv("RELAY_URLS", "")
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Relays.Upstream = []config.UpstreamRelay{{URL: relayURL, Enabled: true}}
	cfg.Relays.VerifySignatures = true
	cfg.Assets.CacheDir = t.TempDir()
	cfg.Coalescer.FlushInterval = flush
	require.NoError(t, cfg.Validate())

	a, err := app.New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	require.NoError(t, a.Start(context.Background()))
	require.Eventually(t, func() bool { return len(a.Pool.ActiveRelays()) == 1 }, 5*time.Second, 10*time.Millisecond)
	return a
}

func TestFullSyncFlow(t *testing.T) {
	t.Run("Home page fills from relay", func(t *testing.T) {
		ctx := context.Background()
		gen := helpers.NewEventGenerator()

		images := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write(helpers.PNG(32, 18, color.Black))
		}))
		defer images.Close()

		host := gen.Keys[0]
		relay := helpers.NewRelay(t,
			gen.Metadata(host, map[string]interface{}{"name": "alice", "display_name": "Alice"}),
			gen.LiveStream(host, "show", "Alice live", images.URL+"/alice.png", "live"),
			gen.LiveStream(gen.Keys[1], "old", "Yesterday", "", "ended"),
			helpers.Tampered(gen.LiveStream(gen.Keys[2], "fake", "Forged", "", "live")),
			gen.TextNote(host, "not a stream"),
		)
		a := newApp(t, relay.URL(), 10*time.Millisecond)

		page, err := a.OpenHomePage(ctx)
		require.NoError(t, err)
		defer page.Close()

		var report app.FrameReport
		require.Eventually(t, func() bool {
			report = page.Frame(ctx)
			return len(report.Streams) == 1 &&
				report.Streams[0].Host != nil &&
				report.Streams[0].Image.State == assets.Ready
		}, 5*time.Second, 20*time.Millisecond)

		view := report.Streams[0]
		assert.Equal(t, "Alice live", view.Stream.Title)
		assert.Equal(t, "Alice", view.Host.Label())
		assert.Equal(t, 32, view.Image.Image.Bounds().Dx())
		assert.FileExists(t, view.Image.Path)

		// the ended stream is stored but not live; the forged one is dropped
		assert.Equal(t, 2, page.Streams())

		var homeReq *helpers.Request
		for _, r := range relay.Requests() {
			if len(r.Filters) == 1 && len(r.Filters[0].Kinds) == 1 && r.Filters[0].Kinds[0] == models.KindLiveEvent {
				req := r
				homeReq = &req
			}
		}
		require.NotNil(t, homeReq)
		assert.Equal(t, app.HomePageLimit, homeReq.Filters[0].Limit)

		require.Eventually(t, func() bool {
			traces := a.Coalescer.Traces(app.HomePageID)
			return len(traces) == 1 && traces[0].EOSEAt != nil
		}, 5*time.Second, 10*time.Millisecond)
		assert.Equal(t, homeReq.SubID, a.Coalescer.Traces(app.HomePageID)[0].ID)
		assert.Eventually(t, func() bool {
			for _, id := range relay.Closed() {
				if id == homeReq.SubID {
					return true
				}
			}
			return false
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("Profile lookups share one request", func(t *testing.T) {
		ctx := context.Background()
		gen := helpers.NewEventGenerator()

		var events []*nostr.Event
		for i, k := range gen.Keys {
			events = append(events, gen.Metadata(k, map[string]interface{}{"name": []string{"a", "b", "c"}[i]}))
		}
		relay := helpers.NewRelay(t, events...)
		a := newApp(t, relay.URL(), time.Hour)

		for _, k := range gen.Keys {
			_, state := a.Profiles.Get(k.PubKey)
			assert.Equal(t, profiles.Pending, state)
		}
		traces := a.Coalescer.Flush(ctx)
		require.Len(t, traces, 1)
		require.Len(t, traces[0].Filters, 1)
		assert.ElementsMatch(t, []string{gen.Keys[0].PubKey, gen.Keys[1].PubKey, gen.Keys[2].PubKey}, traces[0].Filters[0].Authors)

		require.Eventually(t, func() bool {
			a.Profiles.Update()
			return len(a.Profiles.Pending()) == 0
		}, 5*time.Second, 10*time.Millisecond)

		for i, k := range gen.Keys {
			p, state := a.Profiles.Get(k.PubKey)
			require.Equal(t, profiles.Ready, state)
			assert.Equal(t, []string{"a", "b", "c"}[i], p.Name)
		}
		assert.Len(t, relay.Requests(), 1)
	})
}
