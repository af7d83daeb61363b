package app

import (
	"context"
	"fmt"
	"sort"

	"zapstream-sync/internal/assets"
	"zapstream-sync/internal/localdb"
	"zapstream-sync/internal/models"
	"zapstream-sync/internal/profiles"
	"zapstream-sync/internal/subscription"

	"github.com/nbd-wtf/go-nostr"
)

const (
	HomePageID    = "home-page"
	HomePageLimit = 100
)

// HomePageFilters selects recent live events.
func HomePageFilters() []nostr.Filter {
	return []nostr.Filter{{Kinds: []int{models.KindLiveEvent}, Limit: HomePageLimit}}
}

// StreamView is what one frame knows about a stream.
type StreamView struct {
	Stream  *models.LiveStream
	Host    *models.Profile
	HostErr error
	Image   assets.Entry
}

// FrameReport summarizes one frame.
type FrameReport struct {
	NewEvents int
	Streams   []StreamView
}

// HomePage is the consumer of the "home-page" query: it polls its
// subscription once per frame and asks for what each stream needs.
type HomePage struct {
	app     *App
	handle  *subscription.Handle
	streams *models.StreamSet
}

// OpenHomePage subscribes and loads what the local database already has.
func (a *App) OpenHomePage(ctx context.Context) (*HomePage, error) {
	h, results, err := a.Registry.Subscribe(ctx, HomePageID, HomePageFilters(), HomePageLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to open home page: %w", err)
	}
	p := &HomePage{app: a, handle: h, streams: models.NewStreamSet()}
	p.add(results)
	return p, nil
}

func (p *HomePage) add(results []localdb.Result) int {
	added := 0
	for _, r := range results {
		s, err := models.ParseLiveStream(r.Event)
		if err != nil {
			continue
		}
		if p.streams.Add(s) {
			added++
		}
	}
	return added
}

// Frame runs one render pass. It never waits on the network.
func (p *HomePage) Frame(ctx context.Context) FrameReport {
	var report FrameReport
	if keys := p.app.Registry.Poll(p.handle, HomePageLimit); len(keys) > 0 {
		report.NewEvents = p.add(p.app.Registry.Resolve(ctx, keys))
	}
	p.app.Profiles.Update()

	live := p.streams.Live()
	sort.Slice(live, func(i, j int) bool {
		return live[i].Event.CreatedAt > live[j].Event.CreatedAt
	})
	for _, s := range live {
		view := StreamView{Stream: s}
		host, state := p.app.Profiles.Get(s.Host)
		if state == profiles.Ready {
			view.Host = host
		} else if state == profiles.Failed {
			view.HostErr = p.app.Profiles.Err(s.Host)
		}
		if s.Image != "" {
			view.Image = p.app.Assets.Load(assets.URL(s.Image), nil)
		}
		report.Streams = append(report.Streams, view)
	}
	return report
}

// Streams is the number of distinct streams seen.
func (p *HomePage) Streams() int {
	return p.streams.Len()
}

func (p *HomePage) Close() error {
	return p.handle.Close()
}
