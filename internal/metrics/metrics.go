// Package metrics instruments the Slice Fetcher.
// Recording is a no-op until the embedding application configures a
// global MeterProvider; this package never dials an exporter itself.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const otelPackageName = "github.com/tardis-dev/tardis-client-go/internal/metrics"

var (
	//nolint:gochecknoglobals
	meter metric.Meter

	// slicesFetchedTotal counts slices fetched from the remote service,
	// broken down by exchange and outcome.
	//nolint:gochecknoglobals
	slicesFetchedTotal metric.Int64Counter

	// cacheHitsTotal counts slice lookups served from the Cache Store
	// without a network round trip.
	//nolint:gochecknoglobals
	cacheHitsTotal metric.Int64Counter

	// fetchRetriesTotal counts retry attempts issued by the Slice Fetcher.
	//nolint:gochecknoglobals
	fetchRetriesTotal metric.Int64Counter

	// fetchDuration tracks the wall-clock time of a single Fetch call,
	// including any retries it performed.
	//nolint:gochecknoglobals
	fetchDuration metric.Float64Histogram
)

// Outcome labels used on slicesFetchedTotal.
const (
	OutcomeSuccess      = "success"
	OutcomeUnauthorized = "unauthorized"
	OutcomeNotFound     = "not_found"
	OutcomeBadRequest   = "bad_request"
	OutcomeUnavailable  = "unavailable"
)

//nolint:gochecknoinits
func init() {
	meter = otel.Meter(otelPackageName)

	var err error

	slicesFetchedTotal, err = meter.Int64Counter(
		"tardis_slices_fetched_total",
		metric.WithDescription("Total number of slices fetched from the remote service"),
		metric.WithUnit("{slice}"),
	)
	if err != nil {
		panic(err)
	}

	cacheHitsTotal, err = meter.Int64Counter(
		"tardis_cache_hits_total",
		metric.WithDescription("Total number of slice lookups served from the cache store"),
		metric.WithUnit("{slice}"),
	)
	if err != nil {
		panic(err)
	}

	fetchRetriesTotal, err = meter.Int64Counter(
		"tardis_fetch_retries_total",
		metric.WithDescription("Total number of retry attempts issued by the slice fetcher"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		panic(err)
	}

	fetchDuration, err = meter.Float64Histogram(
		"tardis_fetch_duration_seconds",
		metric.WithDescription("Duration of a slice fetch, including retries"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(err)
	}
}

// RecordSliceFetched records the outcome of a single Fetch call for exchange.
func RecordSliceFetched(ctx context.Context, exchange, outcome string) {
	if slicesFetchedTotal == nil {
		return
	}

	slicesFetchedTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("exchange", exchange),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordCacheHit records a slice served from the cache without a
// network round trip.
func RecordCacheHit(ctx context.Context, exchange string) {
	if cacheHitsTotal == nil {
		return
	}

	cacheHitsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("exchange", exchange)))
}

// RecordFetchRetry records one retry attempt for exchange.
func RecordFetchRetry(ctx context.Context, exchange string) {
	if fetchRetriesTotal == nil {
		return
	}

	fetchRetriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("exchange", exchange)))
}

// RecordFetchDuration records the wall-clock duration, in seconds, of a
// Fetch call for exchange.
func RecordFetchDuration(ctx context.Context, exchange string, seconds float64) {
	if fetchDuration == nil {
		return
	}

	fetchDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("exchange", exchange)))
}
