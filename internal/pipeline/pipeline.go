// Package pipeline implements the Replay Pipeline: it enumerates the
// one-minute slices covering a time window, drives a bounded-concurrency
// worker pool that fetches each one through the Slice Fetcher, and
// streams parsed records back to the caller in strict slice order (file
// order within each slice) despite the fetches themselves completing
// out of order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tardis-dev/tardis-client-go/internal/sliceaddr"
	"github.com/tardis-dev/tardis-client-go/internal/slicereader"
)

const (
	otelPackageName = "github.com/tardis-dev/tardis-client-go/internal/pipeline"

	// DefaultWindow is the default number of slices the pipeline keeps
	// scheduled ahead of the delivery cursor.
	DefaultWindow = 16

	// DefaultConcurrency is the default number of slices fetched at once.
	DefaultConcurrency = 6
)

// ErrInvalidRange is returned when to is not strictly after from.
var ErrInvalidRange = errors.New("pipeline: to must be after from")

//nolint:gochecknoglobals
var tracer = otel.Tracer(otelPackageName)

// SliceFetcher is the subset of the Slice Fetcher the pipeline needs.
type SliceFetcher interface {
	Fetch(ctx context.Context, exchange, address, remotePath string) error
}

// Store is the subset of the Cache Store the pipeline needs to read
// back a slice it just ensured was present, and to evict one that turns
// out to be corrupt.
type Store interface {
	OpenForRead(ctx context.Context, address string) (io.ReadCloser, error)
	Delete(ctx context.Context, address string) error
}

// ErrCorruptCache is returned when a committed slice cannot be parsed
// and re-fetching it once did not fix the problem.
var ErrCorruptCache = errors.New("pipeline: corrupt cache entry")

// Record is one time-stamped message delivered by the pipeline.
type Record = slicereader.Record

// Options configures a Pipeline.
type Options struct {
	Exchange string
	From, To time.Time
	Filters  []sliceaddr.Filter

	Fetcher SliceFetcher
	Store   Store

	// Window is the number of slices kept scheduled ahead of the
	// delivery cursor. Zero uses DefaultWindow.
	Window int

	// Concurrency is the number of slices fetched concurrently. Zero uses
	// DefaultConcurrency.
	Concurrency int
}

type job struct {
	address    string
	remotePath string
	done       chan struct{}
	err        error
}

type currentSlice struct {
	reader     *slicereader.Reader
	closer     io.Closer
	address    string
	remotePath string
	repaired   bool
}

// Pipeline streams records for one replay request. Call Next
// repeatedly until it returns ok=false; call Close when done, even on
// early termination, to release the background worker pool.
type Pipeline struct {
	store    Store
	fetcher  SliceFetcher
	exchange string

	from, to time.Time

	results chan *job
	cancel  context.CancelFunc
	wait    func() error

	current *currentSlice
}

// New starts the pipeline's background worker pool and returns a
// Pipeline ready for Next. The returned Pipeline owns a derived
// context; Close must be called to release it.
func New(ctx context.Context, opts Options) (*Pipeline, error) {
	if !opts.To.After(opts.From) {
		return nil, ErrInvalidRange
	}

	window := opts.Window
	if window <= 0 {
		window = DefaultWindow
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	addrs, err := enumerateSlices(opts.Exchange, opts.From, opts.To, opts.Filters)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(concurrency)

	results := make(chan *job, window)

	zerolog.Ctx(ctx).Debug().
		Str("exchange", opts.Exchange).
		Int("slice_count", len(addrs)).
		Msg("starting replay pipeline")

	go func() {
		defer close(results)

		for _, addr := range addrs {
			j := &job{address: addr.CachePath, remotePath: addr.RemotePath, done: make(chan struct{})}

			g.Go(func() error {
				defer close(j.done)

				_, span := tracer.Start(
					gctx,
					"pipeline.fetchSlice",
					trace.WithSpanKind(trace.SpanKindInternal),
					trace.WithAttributes(attribute.String("slice_address", j.address)),
				)
				defer span.End()

				if err := opts.Fetcher.Fetch(gctx, opts.Exchange, j.address, j.remotePath); err != nil {
					j.err = err
				}

				return nil
			})

			select {
			case results <- j:
			case <-runCtx.Done():
				return
			}
		}
	}()

	return &Pipeline{
		store:    opts.Store,
		fetcher:  opts.Fetcher,
		exchange: opts.Exchange,
		from:     opts.From,
		to:       opts.To,
		results:  results,
		cancel:   cancel,
		wait:     g.Wait,
	}, nil
}

// Next returns the next record in time order. ok is false once every
// slice in the window has been delivered and exhausted.
func (p *Pipeline) Next(ctx context.Context) (Record, bool, error) {
	for {
		if p.current != nil {
			rec, ok, err := p.current.reader.Next()
			if err != nil {
				cur := p.current
				p.current = nil
				cur.closer.Close()

				if errors.Is(err, slicereader.ErrMalformedLine) {
					if !cur.repaired {
						repaired, repairErr := p.repair(ctx, cur)
						if repairErr != nil {
							return Record{}, false, &sliceError{address: cur.address, err: repairErr}
						}

						p.current = repaired

						continue
					}

					return Record{}, false, &sliceError{
						address: cur.address,
						err:     fmt.Errorf("%w: still malformed after re-fetch: %w", ErrCorruptCache, err),
					}
				}

				return Record{}, false, &sliceError{address: cur.address, err: fmt.Errorf("error reading the slice: %w", err)}
			}

			if ok {
				return rec, true, nil
			}

			p.current.closer.Close()
			p.current = nil
		}

		select {
		case j, ok := <-p.results:
			if !ok {
				return Record{}, false, nil
			}

			select {
			case <-j.done:
			case <-ctx.Done():
				return Record{}, false, fmt.Errorf("replay cancelled: %w", ctx.Err())
			}

			if j.err != nil {
				return Record{}, false, &sliceError{address: j.address, err: j.err}
			}

			rc, err := p.store.OpenForRead(ctx, j.address)
			if err != nil {
				return Record{}, false, &sliceError{address: j.address, err: err}
			}

			p.current = &currentSlice{
				reader:     slicereader.New(rc, p.from, p.to),
				closer:     rc,
				address:    j.address,
				remotePath: j.remotePath,
			}

		case <-ctx.Done():
			return Record{}, false, fmt.Errorf("replay cancelled: %w", ctx.Err())
		}
	}
}

// repair evicts a slice that failed to parse and re-fetches it once. A
// malformed cache entry is assumed to be a truncated or otherwise
// corrupted download rather than a remote data problem, so one retry
// against a freshly deleted address is given before giving up.
func (p *Pipeline) repair(ctx context.Context, cur *currentSlice) (*currentSlice, error) {
	if err := p.store.Delete(ctx, cur.address); err != nil {
		return nil, fmt.Errorf("%w: error evicting corrupt entry: %w", ErrCorruptCache, err)
	}

	if err := p.fetcher.Fetch(ctx, p.exchange, cur.address, cur.remotePath); err != nil {
		return nil, fmt.Errorf("%w: re-fetch failed: %w", ErrCorruptCache, err)
	}

	rc, err := p.store.OpenForRead(ctx, cur.address)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptCache, err)
	}

	return &currentSlice{
		reader:     slicereader.New(rc, p.from, p.to),
		closer:     rc,
		address:    cur.address,
		remotePath: cur.remotePath,
		repaired:   true,
	}, nil
}

// Close stops the background worker pool and releases its resources.
// It is safe to call multiple times.
func (p *Pipeline) Close() error {
	p.cancel()

	if p.current != nil {
		p.current.closer.Close()
		p.current = nil
	}

	for range p.results {
	}

	return p.wait()
}

// sliceError carries the failing slice's address alongside the
// underlying error without changing what errors.Is/As sees.
type sliceError struct {
	address string
	err     error
}

func (e *sliceError) Error() string { return e.address + ": " + e.err.Error() }
func (e *sliceError) Unwrap() error { return e.err }

// Address returns the cache address of the slice that failed, letting
// callers outside the package attach it to their own error type.
func (e *sliceError) Address() string { return e.address }

func enumerateSlices(exchange string, from, to time.Time, filters []sliceaddr.Filter) ([]sliceaddr.Address, error) {
	var addrs []sliceaddr.Address

	for minute := from.Truncate(time.Minute); minute.Before(to); minute = minute.Add(time.Minute) {
		addr, err := sliceaddr.New(exchange, minute, filters)
		if err != nil {
			return nil, err
		}

		addrs = append(addrs, addr)
	}

	return addrs, nil
}
