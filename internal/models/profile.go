package models

import (
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// Profile is the decoded content of a kind 0 metadata event.
type Profile struct {
	PubKey      string          `json:"-"`
	Name        string          `json:"name,omitempty"`
	DisplayName string          `json:"display_name,omitempty"`
	About       string          `json:"about,omitempty"`
	Picture     string          `json:"picture,omitempty"`
	Banner      string          `json:"banner,omitempty"`
	Website     string          `json:"website,omitempty"`
	NIP05       string          `json:"nip05,omitempty"`
	LUD16       string          `json:"lud16,omitempty"`
	UpdatedAt   nostr.Timestamp `json:"-"`
}

// ParseProfile decodes a metadata event. Unknown fields are ignored.
func ParseProfile(ev *nostr.Event) (*Profile, error) {
	if ev.Kind != KindProfileMetadata {
		return nil, fmt.Errorf("event %s is kind %d, not profile metadata", ev.ID, ev.Kind)
	}
	var p Profile
	if err := json.Unmarshal([]byte(ev.Content), &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile content: %w", err)
	}
	p.PubKey = ev.PubKey
	p.UpdatedAt = ev.CreatedAt
	return &p, nil
}

// Label is the name to show for the profile, falling back to a shortened key.
func (p *Profile) Label() string {
	switch {
	case p.DisplayName != "":
		return p.DisplayName
	case p.Name != "":
		return p.Name
	case len(p.PubKey) > 12:
		return p.PubKey[:12]
	}
	return p.PubKey
}
