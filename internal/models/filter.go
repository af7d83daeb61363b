package models

import (
	"slices"
	"strconv"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// FilterKey returns the canonical identity of a filter. Filters that select
// the same events with the same limit share a key regardless of the order
// their ids, kinds, authors or tag values were written in.
func FilterKey(f nostr.Filter) string {
	var b strings.Builder

	writeStrings := func(name string, values []string) {
		if len(values) == 0 {
			return
		}
		sorted := slices.Clone(values)
		slices.Sort(sorted)
		sorted = slices.Compact(sorted)
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(strings.Join(sorted, ","))
		b.WriteByte(';')
	}

	writeStrings("ids", f.IDs)
	if len(f.Kinds) > 0 {
		kinds := slices.Clone(f.Kinds)
		slices.Sort(kinds)
		kinds = slices.Compact(kinds)
		b.WriteString("kinds=")
		for i, k := range kinds {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Itoa(k))
		}
		b.WriteByte(';')
	}
	writeStrings("authors", f.Authors)

	if len(f.Tags) > 0 {
		names := make([]string, 0, len(f.Tags))
		for name := range f.Tags {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			writeStrings("#"+name, f.Tags[name])
		}
	}

	if f.Since != nil {
		b.WriteString("since=")
		b.WriteString(strconv.FormatInt(int64(*f.Since), 10))
		b.WriteByte(';')
	}
	if f.Until != nil {
		b.WriteString("until=")
		b.WriteString(strconv.FormatInt(int64(*f.Until), 10))
		b.WriteByte(';')
	}
	if f.Limit > 0 {
		b.WriteString("limit=")
		b.WriteString(strconv.Itoa(f.Limit))
		b.WriteByte(';')
	}
	if f.LimitZero {
		b.WriteString("limit=0;")
	}
	if f.Search != "" {
		b.WriteString("search=")
		b.WriteString(strconv.Quote(f.Search))
		b.WriteByte(';')
	}

	return b.String()
}

// IsMetadataLookup reports whether f asks for the profile metadata of
// exactly one author and nothing else. The limit is ignored.
func IsMetadataLookup(f nostr.Filter) bool {
	return len(f.Kinds) == 1 &&
		f.Kinds[0] == KindProfileMetadata &&
		len(f.Authors) == 1 &&
		len(f.IDs) == 0 &&
		len(f.Tags) == 0 &&
		f.Since == nil &&
		f.Until == nil &&
		f.Search == ""
}

// isMetadataFilter is the relaxed form used for coverage checks: a kind 0
// filter over one or more authors.
func isMetadataFilter(f nostr.Filter) bool {
	return len(f.Kinds) == 1 &&
		f.Kinds[0] == KindProfileMetadata &&
		len(f.Authors) > 0 &&
		len(f.IDs) == 0 &&
		len(f.Tags) == 0 &&
		f.Since == nil &&
		f.Until == nil &&
		f.Search == ""
}

// MetadataFilter builds a profile metadata filter for the given authors.
func MetadataFilter(authors ...string) nostr.Filter {
	return nostr.Filter{
		Kinds:   []int{KindProfileMetadata},
		Authors: authors,
	}
}

// MergeMetadataLookups folds a batch of metadata lookups into one filter
// over the union of their authors, keeping first-seen order. ok is false
// when the batch has fewer than two filters or any filter is not a
// metadata lookup, in which case the batch must be sent unchanged.
func MergeMetadataLookups(filters []nostr.Filter) (merged nostr.Filter, ok bool) {
	if len(filters) < 2 {
		return nostr.Filter{}, false
	}
	seen := make(map[string]struct{})
	var authors []string
	for _, f := range filters {
		if !IsMetadataLookup(f) {
			return nostr.Filter{}, false
		}
		for _, a := range f.Authors {
			if _, dup := seen[a]; dup {
				continue
			}
			seen[a] = struct{}{}
			authors = append(authors, a)
		}
	}
	return MetadataFilter(authors...), true
}

// Covers reports whether a request already made with sent makes a request
// for f redundant: either they are the same filter, or both are metadata
// lookups and every author f asks for is already asked for by sent.
func Covers(sent, f nostr.Filter) bool {
	if FilterKey(sent) == FilterKey(f) {
		return true
	}
	if !isMetadataFilter(sent) || !isMetadataFilter(f) {
		return false
	}
	for _, a := range f.Authors {
		if !slices.Contains(sent.Authors, a) {
			return false
		}
	}
	return true
}
