package circuitbreaker_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tardis-dev/tardis-client-go/internal/circuitbreaker"
)

//nolint:paralleltest // modifies the package-level clock
func TestBreaker_Flow(t *testing.T) {
	currentTime := time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)

	cleanup := circuitbreaker.SetTimeNow(func() time.Time { return currentTime })
	t.Cleanup(cleanup)

	b := circuitbreaker.New(3, 1*time.Minute)

	assert.True(t, b.Allow())
	assert.False(t, b.IsOpen())

	b.Record(circuitbreaker.OutcomeRetriesExhausted)
	b.Record(circuitbreaker.OutcomeRetriesExhausted)
	assert.True(t, b.Allow())

	b.Record(circuitbreaker.OutcomeRetriesExhausted)
	assert.False(t, b.Allow())
	assert.True(t, b.IsOpen())

	currentTime = currentTime.Add(30 * time.Second)
	assert.False(t, b.Allow())

	currentTime = currentTime.Add(31 * time.Second)
	assert.True(t, b.Allow())  // half-open probe
	assert.False(t, b.Allow()) // blocked until the probe resolves

	b.Record(circuitbreaker.OutcomeSuccess)
	assert.True(t, b.Allow())
	assert.False(t, b.IsOpen())
}

// OutcomeTerminal must never move the breaker toward open: a rejected
// slice (bad credentials, no coverage, malformed request) says nothing
// about whether the exchange's service is reachable, unlike a slice that
// exhausted its retries.
func TestBreaker_TerminalOutcomeDoesNotCount(t *testing.T) {
	t.Parallel()

	b := circuitbreaker.New(2, time.Minute)

	b.Record(circuitbreaker.OutcomeTerminal)
	b.Record(circuitbreaker.OutcomeTerminal)
	b.Record(circuitbreaker.OutcomeTerminal)

	assert.False(t, b.IsOpen())
	assert.True(t, b.Allow())
}

func TestRegistry_IsolatesExchanges(t *testing.T) {
	t.Parallel()

	r := circuitbreaker.NewRegistry(1, time.Minute)

	bitmex := r.Get("bitmex")
	bitmex.Record(circuitbreaker.OutcomeRetriesExhausted)
	assert.True(t, bitmex.IsOpen())

	deribit := r.Get("deribit")
	assert.False(t, deribit.IsOpen())

	assert.Same(t, bitmex, r.Get("bitmex"))
}
