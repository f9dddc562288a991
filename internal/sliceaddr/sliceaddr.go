// Package sliceaddr computes the deterministic cache path and remote URL
// for a single one-minute slice of venue data. It is pure and
// side-effect-free: the same (exchange, minute, filters) tuple always
// produces the same Address.
package sliceaddr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// Suffix is the filename suffix of a committed cache entry. The committed
// form is always the decompressed NDJSON payload, regardless of how the
// remote service compresses it on the wire.
const Suffix = ".ndjson"

// unfilteredMarker is the reserved path segment used when the filter list
// is empty (meaning "no filter, every channel and symbol").
const unfilteredMarker = "all"

// ErrExchangeRequired is returned when the exchange identifier is empty.
var ErrExchangeRequired = errors.New("exchange is required")

// Filter narrows a slice to a single channel, optionally restricted to a
// set of symbols. An empty Symbols slice means "all symbols for this
// channel". Symbol order is preserved; it is part of the filter's cache
// identity.
type Filter struct {
	Channel string   `json:"channel"`
	Symbols []string `json:"symbols,omitempty"`
}

// Address is the canonical identity of a slice: a cache path (relative to
// the cache root) and a remote URL (relative to the service base URL),
// both derived from the same deterministic encoding.
type Address struct {
	// CachePath is the slice's path under the cache root, e.g.
	// "bitmex/2019-06-01/00/01/all.ndjson".
	CachePath string

	// RemotePath is the slice's path under the service base URL, e.g.
	// "2019/06/01/00/01.json.gz?filters=...".
	RemotePath string
}

// New computes the Address for one minute of exchange data under the given
// filters. minute is truncated to the containing UTC minute by the caller's
// choice of time (callers in this module always pass an already-truncated
// time; New does not re-truncate so that a caller's rounding bug is visible
// rather than silently hidden).
func New(exchange string, minute time.Time, filters []Filter) (Address, error) {
	if exchange == "" {
		return Address{}, ErrExchangeRequired
	}

	minute = minute.UTC()

	encoded, err := encodeFilters(filters)
	if err != nil {
		return Address{}, fmt.Errorf("error encoding filters: %w", err)
	}

	datePath := minute.Format("2006-01-02")
	hour := minute.Format("15")
	minuteStr := minute.Format("04")

	cachePath := strings.Join(
		[]string{exchange, datePath, hour, minuteStr, encoded + Suffix},
		"/",
	)

	remotePath := fmt.Sprintf(
		"%s/%s/%s/%s/%s.json.gz?filters=%s",
		minute.Format("2006"),
		minute.Format("01"),
		minute.Format("02"),
		hour,
		minuteStr,
		url.QueryEscape(string(mustCanonicalJSON(filters))),
	)

	return Address{CachePath: cachePath, RemotePath: remotePath}, nil
}

// encodeFilters returns the stable path segment identifying a filter list:
// the reserved marker for the unfiltered case, or a blake3 digest of the
// canonical JSON encoding otherwise. The digest keeps cache paths short and
// filesystem-safe while still distinguishing any two different filter
// lists (including differently-ordered ones, which is intentional: filter
// order is part of the remote request and therefore part of the cache
// key).
func encodeFilters(filters []Filter) (string, error) {
	if len(filters) == 0 {
		return unfilteredMarker, nil
	}

	canonical, err := canonicalJSON(filters)
	if err != nil {
		return "", err
	}

	sum := blake3.Sum256(canonical)

	return fmt.Sprintf("%x", sum[:]), nil
}

// canonicalJSON serializes filters deterministically: encoding/json
// preserves struct field order and slice order, so two calls with
// equivalent filters always produce byte-identical output.
func canonicalJSON(filters []Filter) ([]byte, error) {
	if filters == nil {
		filters = []Filter{}
	}

	return json.Marshal(filters)
}

func mustCanonicalJSON(filters []Filter) []byte {
	b, err := canonicalJSON(filters)
	if err != nil {
		// canonicalJSON only fails if json.Marshal fails on a []Filter,
		// which cannot happen: Filter contains only strings and slices of
		// strings.
		panic(fmt.Sprintf("sliceaddr: unexpected error marshaling filters: %v", err))
	}

	return b
}
