package models

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// LiveStream is the view of a kind 30311 live event.
type LiveStream struct {
	Event     *nostr.Event
	D         string
	Title     string
	Summary   string
	Image     string
	Streaming string
	Status    string
	Host      string
}

// ParseLiveStream reads the tags of a live event. The host is the first
// "p" tag marked as host, else the event author.
func ParseLiveStream(ev *nostr.Event) (*LiveStream, error) {
	if ev.Kind != KindLiveEvent {
		return nil, fmt.Errorf("event %s is kind %d, not a live event", ev.ID, ev.Kind)
	}
	s := &LiveStream{Event: ev, Host: ev.PubKey}
	hostSet := false
	for _, tag := range ev.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case "d":
			s.D = tag[1]
		case "title":
			s.Title = tag[1]
		case "summary":
			s.Summary = tag[1]
		case "image":
			s.Image = tag[1]
		case "streaming":
			s.Streaming = tag[1]
		case "status":
			s.Status = tag[1]
		case "p":
			if !hostSet && len(tag) >= 4 && tag[3] == "host" {
				s.Host = tag[1]
				hostSet = true
			}
		}
	}
	return s, nil
}

// Address is the replaceable coordinate kind:pubkey:d.
func (s *LiveStream) Address() string {
	return fmt.Sprintf("%d:%s:%s", s.Event.Kind, s.Event.PubKey, s.D)
}

// StreamSet keeps the newest version of each live stream by address.
type StreamSet struct {
	streams map[string]*LiveStream
}

func NewStreamSet() *StreamSet {
	return &StreamSet{streams: make(map[string]*LiveStream)}
}

// Add stores s unless a newer version of the same address is held.
// It reports whether s was stored.
func (ss *StreamSet) Add(s *LiveStream) bool {
	addr := s.Address()
	if cur, ok := ss.streams[addr]; ok && cur.Event.CreatedAt > s.Event.CreatedAt {
		return false
	}
	ss.streams[addr] = s
	return true
}

func (ss *StreamSet) Get(addr string) (*LiveStream, bool) {
	s, ok := ss.streams[addr]
	return s, ok
}

func (ss *StreamSet) Len() int {
	return len(ss.streams)
}

// Live returns the streams whose status is "live".
func (ss *StreamSet) Live() []*LiveStream {
	var out []*LiveStream
	for _, s := range ss.streams {
		if s.Status == "live" {
			out = append(out, s)
		}
	}
	return out
}
