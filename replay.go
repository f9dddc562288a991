package tardis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tardis-dev/tardis-client-go/internal/fetcher"
	"github.com/tardis-dev/tardis-client-go/internal/pipeline"
	"github.com/tardis-dev/tardis-client-go/internal/slicereader"
)

// Replay returns a Sequence that lazily streams every record for
// exchange between from (inclusive) and to (exclusive), optionally
// narrowed to filters. The background fetch workers start as soon as
// Replay returns, so the first slices are prefetched before the
// Sequence's Next is first called.
func (c *Client) Replay(ctx context.Context, exchange string, from, to time.Time, filters ...Filter) (*Sequence, error) {
	if exchange == "" {
		return nil, fmt.Errorf("%w: exchange is required", ErrInvalidArgument)
	}

	if !to.After(from) {
		return nil, fmt.Errorf("%w: to must be after from", ErrInvalidArgument)
	}

	log := zerolog.Ctx(ctx).With().Str("client_instance", c.instanceID).Str("exchange", exchange).Logger()
	ctx = log.WithContext(ctx)

	p, err := pipeline.New(ctx, pipeline.Options{
		Exchange:    exchange,
		From:        from.UTC(),
		To:          to.UTC(),
		Filters:     filtersToInternal(filters),
		Fetcher:     c.fetcher,
		Store:       c.store,
		Window:      c.window,
		Concurrency: c.concurrency,
	})
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidRange) {
			return nil, fmt.Errorf("%w: to must be after from", ErrInvalidArgument)
		}

		return nil, err
	}

	return &Sequence{pipeline: p}, nil
}

// Sequence streams the records of one Replay call in time order. Call
// Next repeatedly until it returns ok=false, then Close. Close must
// also be called on early termination (the caller stops draining
// before exhaustion) to release the background fetch workers.
type Sequence struct {
	pipeline *pipeline.Pipeline
}

// Next returns the next record in time order, blocking on whichever
// slice fetch the cursor is currently waiting on. ok is false once the
// entire window has been delivered.
func (s *Sequence) Next(ctx context.Context) (Record, bool, error) {
	rec, ok, err := s.pipeline.Next(ctx)
	if err != nil {
		return Record{}, false, mapReplayError(err)
	}

	if !ok {
		return Record{}, false, nil
	}

	return recordFromInternal(rec), true, nil
}

// Close stops the Sequence's background fetch workers and releases
// their resources. It is safe to call multiple times.
func (s *Sequence) Close() error {
	if err := s.pipeline.Close(); err != nil {
		return mapReplayError(err)
	}

	return nil
}

// mapReplayError translates internal sentinel errors into the package's
// public error kinds, preserving the failing slice's address when one
// is known.
func mapReplayError(err error) error {
	address, _ := errorAddress(err)

	switch {
	case errors.Is(err, fetcher.ErrUnauthorized):
		return &ReplayError{SliceAddress: address, Err: ErrUnauthorized}
	case errors.Is(err, fetcher.ErrNotFound):
		return &ReplayError{SliceAddress: address, Err: ErrNotFound}
	case errors.Is(err, fetcher.ErrBadRequest):
		return &ReplayError{SliceAddress: address, Err: ErrBadRequest}
	case errors.Is(err, fetcher.ErrUnavailable):
		return &ReplayError{SliceAddress: address, Err: ErrUnavailable}
	case errors.Is(err, pipeline.ErrCorruptCache), errors.Is(err, slicereader.ErrMalformedLine):
		return &ReplayError{SliceAddress: address, Err: ErrCorruptCache}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return &ReplayError{SliceAddress: address, Err: fmt.Errorf("%w: %w", ErrIo, err)}
	}
}

// addressedError is implemented by pipeline's internal sliceError type.
type addressedError interface {
	Address() string
}

func errorAddress(err error) (string, bool) {
	var a addressedError
	if errors.As(err, &a) {
		return a.Address(), true
	}

	return "", false
}
