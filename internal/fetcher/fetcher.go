// Package fetcher implements the Slice Fetcher: it ensures a slice
// address is present in a Cache Store by downloading it from the
// remote service, decompressing it on the fly, and publishing the
// decoded form. Transient failures are retried with bounded
// exponential backoff; a per-exchange circuit breaker fails fast once
// an exchange's remote service looks down.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tardis-dev/tardis-client-go/internal/circuitbreaker"
	"github.com/tardis-dev/tardis-client-go/internal/metrics"
)

const (
	otelPackageName = "github.com/tardis-dev/tardis-client-go/internal/fetcher"

	defaultHeaderTimeout = 60 * time.Second
	defaultDialTimeout   = 10 * time.Second
)

var (
	// ErrUnauthorized is returned when the remote service rejects the
	// request with 401 or 403.
	ErrUnauthorized = errors.New("fetcher: unauthorized")

	// ErrNotFound is returned when the remote service has no data at the
	// requested address (404).
	ErrNotFound = errors.New("fetcher: not found")

	// ErrBadRequest is returned for any other non-retriable 4xx status.
	ErrBadRequest = errors.New("fetcher: bad request")

	// ErrUnavailable is returned once retries against a retriable error are
	// exhausted, or the exchange's circuit breaker is open.
	ErrUnavailable = errors.New("fetcher: service unavailable")

	//nolint:gochecknoglobals
	tracer trace.Tracer
)

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// Store is the subset of cachestore.Store the Fetcher needs.
type Store interface {
	Has(ctx context.Context, address string) (bool, error)
	Publish(ctx context.Context, address string, body io.Reader) error
}

// Fetcher downloads slices from the remote tardis.dev service into a
// Cache Store.
type Fetcher struct {
	httpClient *http.Client
	baseURL    *url.URL
	apiKey     string
	store      Store
	breakers   *circuitbreaker.Registry
	retry      RetryConfig
	instanceID string
}

// Options configures a Fetcher.
type Options struct {
	// BaseURL is the root of the remote datasets service.
	BaseURL *url.URL

	// APIKey, when non-empty, is sent as a Bearer token on every request.
	APIKey string

	// Store is the Cache Store fetched slices are published into.
	Store Store

	// Breakers shares one circuit breaker per exchange across every
	// Fetcher using it. A nil value creates a private registry.
	Breakers *circuitbreaker.Registry

	// Retry overrides the default backoff schedule.
	Retry *RetryConfig

	// HTTPClient overrides the default HTTP client, mainly for testing.
	HTTPClient *http.Client
}

// New creates a Fetcher.
func New(opts Options) *Fetcher {
	breakers := opts.Breakers
	if breakers == nil {
		breakers = circuitbreaker.NewRegistry(circuitbreaker.DefaultThreshold, circuitbreaker.DefaultTimeout)
	}

	retryCfg := DefaultRetryConfig()
	if opts.Retry != nil {
		retryCfg = *opts.Retry
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = defaultHTTPClient()
	}

	return &Fetcher{
		httpClient: httpClient,
		baseURL:    opts.BaseURL,
		apiKey:     opts.APIKey,
		store:      opts.Store,
		breakers:   breakers,
		retry:      retryCfg,
		instanceID: uuid.NewString(),
	}
}

func defaultHTTPClient() *http.Client {
	dialer := &net.Dialer{Timeout: defaultDialTimeout, KeepAlive: 30 * time.Second}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.ResponseHeaderTimeout = defaultHeaderTimeout
	transport.DisableCompression = true

	return &http.Client{Transport: transport}
}

// remoteError is used internally to distinguish retriable from
// terminal outcomes while RetryConfig drives the attempt loop.
type remoteError struct {
	err       error
	retriable bool
}

func (e *remoteError) Error() string { return e.err.Error() }
func (e *remoteError) Unwrap() error { return e.err }

// Fetch ensures the slice named by address exists in the Cache Store,
// downloading it from remotePath (relative to BaseURL) under exchange
// if necessary.
func (f *Fetcher) Fetch(ctx context.Context, exchange, address, remotePath string) error {
	ctx, span := tracer.Start(
		ctx,
		"fetcher.Fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("exchange", exchange),
			attribute.String("slice_address", address),
		),
	)
	defer span.End()

	log := zerolog.Ctx(ctx).With().
		Str("exchange", exchange).
		Str("slice_address", address).
		Str("fetcher_instance", f.instanceID).
		Logger()
	ctx = log.WithContext(ctx)

	has, err := f.store.Has(ctx, address)
	if err != nil {
		return fmt.Errorf("error checking the cache store: %w", err)
	}

	if has {
		metrics.RecordCacheHit(ctx, exchange)

		return nil
	}

	breaker := f.breakers.Get(exchange)

	target, err := f.resolveTarget(exchange, remotePath)
	if err != nil {
		return fmt.Errorf("error resolving the remote path %q: %w", remotePath, err)
	}

	start := time.Now()

	var lastErr error

	for attempt := 0; attempt < f.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			log.Warn().Int("attempt", attempt+1).Err(lastErr).Msg("retrying slice fetch")
			metrics.RecordFetchRetry(ctx, exchange)

			select {
			case <-ctx.Done():
				return fmt.Errorf("fetch cancelled: %w", ctx.Err())
			case <-time.After(backoffDelay(f.retry, attempt)):
			}
		}

		if !breaker.Allow() {
			metrics.RecordSliceFetched(ctx, exchange, metrics.OutcomeUnavailable)

			return fmt.Errorf("%w: circuit open for exchange %q", ErrUnavailable, exchange)
		}

		err := f.attempt(ctx, target.String(), address)
		if err == nil {
			breaker.Record(circuitbreaker.OutcomeSuccess)
			metrics.RecordSliceFetched(ctx, exchange, metrics.OutcomeSuccess)
			metrics.RecordFetchDuration(ctx, exchange, time.Since(start).Seconds())

			return nil
		}

		var re *remoteError
		if errors.As(err, &re) && !re.retriable {
			// A terminal rejection (bad credentials, no coverage, malformed
			// request) says nothing about the exchange's service health, so
			// it must not count toward the breaker the way an exhausted
			// retry loop does.
			breaker.Record(circuitbreaker.OutcomeTerminal)
			metrics.RecordSliceFetched(ctx, exchange, terminalOutcome(re.err))

			return re.err
		}

		lastErr = err
	}

	// Every attempt allowed by the retry policy failed with a transient
	// error: this is the one outcome that moves the breaker toward open,
	// recorded once per slice rather than once per HTTP attempt so a
	// single flaky slice's retries can't alone trip a breaker meant to
	// detect an exchange-wide outage.
	breaker.Record(circuitbreaker.OutcomeRetriesExhausted)
	metrics.RecordSliceFetched(ctx, exchange, metrics.OutcomeUnavailable)

	return fmt.Errorf("%w: %w", ErrUnavailable, lastErr)
}

// resolveTarget builds the full request URL for one slice: BaseURL with
// exchange appended as a path segment, then remotePath resolved against
// that (remotePath carries its own query string, e.g. "?filters=...").
func (f *Fetcher) resolveTarget(exchange, remotePath string) (*url.URL, error) {
	exchangeBase := *f.baseURL
	exchangeBase.Path = path.Join(exchangeBase.Path, exchange) + "/"

	return exchangeBase.Parse(remotePath)
}

func terminalOutcome(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return metrics.OutcomeUnauthorized
	case errors.Is(err, ErrNotFound):
		return metrics.OutcomeNotFound
	default:
		return metrics.OutcomeBadRequest
	}
}

func (f *Fetcher) attempt(ctx context.Context, url, address string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &remoteError{err: fmt.Errorf("error building the request: %w", err), retriable: false}
	}

	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return &remoteError{err: fmt.Errorf("error performing the request: %w", err), retriable: true}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		gzr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return &remoteError{err: fmt.Errorf("error opening the gzip stream: %w", err), retriable: true}
		}
		defer gzr.Close()

		if err := f.store.Publish(ctx, address, gzr); err != nil {
			return &remoteError{err: fmt.Errorf("error publishing the slice: %w", err), retriable: true}
		}

		return nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &remoteError{err: ErrUnauthorized, retriable: false}

	case resp.StatusCode == http.StatusNotFound:
		return &remoteError{err: ErrNotFound, retriable: false}

	case resp.StatusCode >= 500:
		return &remoteError{
			err:       fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode),
			retriable: true,
		}

	case resp.StatusCode >= 400:
		return &remoteError{
			err:       fmt.Errorf("%w: status %d", ErrBadRequest, resp.StatusCode),
			retriable: false,
		}

	default:
		return &remoteError{
			err:       fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode),
			retriable: true,
		}
	}
}
