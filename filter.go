package tardis

import "github.com/tardis-dev/tardis-client-go/internal/sliceaddr"

// Filter narrows a replay to a single channel, optionally restricted to
// a set of symbols. An empty Symbols means every symbol on Channel.
// Filter order and Symbols order are both part of a slice's cache
// identity: two equivalent filter lists given in a different order are
// treated as distinct and fetched/cached separately.
type Filter struct {
	Channel string
	Symbols []string
}

func filtersToInternal(filters []Filter) []sliceaddr.Filter {
	if len(filters) == 0 {
		return nil
	}

	out := make([]sliceaddr.Filter, len(filters))
	for i, f := range filters {
		out[i] = sliceaddr.Filter{Channel: f.Channel, Symbols: f.Symbols}
	}

	return out
}
