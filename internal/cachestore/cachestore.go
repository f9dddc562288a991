// Package cachestore defines the on-disk Cache Store contract shared by
// the local and S3-compatible backends: a non-blocking existence probe,
// a readable byte stream for a committed entry, an atomic publish, and a
// bulk clear.
package cachestore

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by OpenForRead when no entry exists at the
// given address.
var ErrNotFound = errors.New("cachestore: not found")

// Store is the Cache Store contract. Implementations must make Publish
// atomic: a crash or cancellation mid-write must leave no entry at
// address, never a partial one. Concurrent Publish calls to the same
// address are expected to be benign (the payloads are byte-identical;
// either one winning is fine).
type Store interface {
	// Has reports whether a committed entry exists at address. It never
	// blocks on network or disk beyond a single stat-like check.
	Has(ctx context.Context, address string) (bool, error)

	// OpenForRead opens a committed entry for sequential reading. It
	// returns ErrNotFound if no entry is committed at address. The caller
	// must close the returned ReadCloser.
	OpenForRead(ctx context.Context, address string) (io.ReadCloser, error)

	// Publish persists body at address atomically: readers either see the
	// complete prior state or the complete new state, never a partial
	// write.
	Publish(ctx context.Context, address string, body io.Reader) error

	// Delete removes the entry at address, if any. It is not an error if
	// no entry exists there.
	Delete(ctx context.Context, address string) error

	// Clear removes every entry in the store.
	Clear(ctx context.Context) error
}
