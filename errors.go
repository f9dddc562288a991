package tardis

import "errors"

// Sentinel error kinds returned (possibly wrapped) from Replay and its
// collaborators. Callers should use errors.Is against these.
var (
	// ErrInvalidArgument is returned by Replay for from >= to or an empty
	// exchange, and by New for an unparseable base URL or a relative cache
	// dir.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnauthorized is returned when the remote service responds 401/403.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound is returned when the remote service responds 404, meaning
	// the requested slice is outside the service's coverage.
	ErrNotFound = errors.New("not found")

	// ErrBadRequest is returned for any other 4xx response from the remote
	// service.
	ErrBadRequest = errors.New("bad request")

	// ErrUnavailable is returned once retries on a transient (network/5xx)
	// failure are exhausted.
	ErrUnavailable = errors.New("service unavailable")

	// ErrCorruptCache is returned when a cache entry contains a malformed
	// line that cannot be parsed into a record.
	ErrCorruptCache = errors.New("corrupt cache entry")

	// ErrIo is returned for local filesystem failures unrelated to cache
	// corruption (permissions, disk full, and so on).
	ErrIo = errors.New("io error")
)

// ReplayError wraps a sentinel error kind with the slice address that
// produced it, so a consumer draining a Sequence can log which minute of
// the replay failed while still doing errors.Is(err, tardis.ErrNotFound).
type ReplayError struct {
	// SliceAddress is the cache path of the slice being processed when the
	// error occurred.
	SliceAddress string

	// Err is the underlying sentinel error (one of the Err* variables above).
	Err error
}

func (e *ReplayError) Error() string {
	if e.SliceAddress == "" {
		return e.Err.Error()
	}

	return e.SliceAddress + ": " + e.Err.Error()
}

func (e *ReplayError) Unwrap() error { return e.Err }
