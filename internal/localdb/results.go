package localdb

import (
	"sort"

	"github.com/nbd-wtf/go-nostr"
)

// sortNewestFirst orders results by creation time descending, then by key
// descending so later insertions win ties.
func sortNewestFirst(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Event.CreatedAt != results[j].Event.CreatedAt {
			return results[i].Event.CreatedAt > results[j].Event.CreatedAt
		}
		return results[i].Key > results[j].Key
	})
}

// selectResults applies each filter to its candidates, honours per-filter
// limits, unions the matches and caps the total at max (no cap when max <= 0).
func selectResults(filters []nostr.Filter, max int, candidates func(f nostr.Filter) ([]Result, error)) ([]Result, error) {
	seen := make(map[NoteKey]struct{})
	var out []Result

	for _, f := range filters {
		cands, err := candidates(f)
		if err != nil {
			return nil, err
		}
		var matched []Result
		for _, r := range cands {
			if f.Matches(r.Event) {
				matched = append(matched, r)
			}
		}
		sortNewestFirst(matched)
		if f.LimitZero {
			continue
		}
		if f.Limit > 0 && len(matched) > f.Limit {
			matched = matched[:f.Limit]
		}
		for _, r := range matched {
			if _, dup := seen[r.Key]; dup {
				continue
			}
			seen[r.Key] = struct{}{}
			out = append(out, r)
		}
	}

	sortNewestFirst(out)
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out, nil
}
