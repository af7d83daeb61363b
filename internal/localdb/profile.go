package localdb

import (
	"context"
	"fmt"

	"zapstream-sync/internal/models"

	"github.com/nbd-wtf/go-nostr"
)

// LatestProfile returns the newest stored metadata for pubkey.
func LatestProfile(ctx context.Context, s Store, pubkey string) (*models.Profile, error) {
	results, err := s.Query(ctx, []nostr.Filter{{Kinds: []int{models.KindProfileMetadata}, Authors: []string{pubkey}, Limit: 1}}, 1)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%w: profile %s", ErrNotFound, pubkey)
	}
	return models.ParseProfile(results[0].Event)
}
