// Package circuitbreaker protects the Slice Fetcher from hammering an
// exchange whose remote service is down for an extended replay. Unlike a
// generic per-request breaker, it is wired to the Slice Fetcher's own
// retriable/terminal error classification from spec.md §4.3: an exchange's
// circuit only moves toward open when whole slice fetches exhaust their
// retries, never on a single HTTP attempt or on an error (401/403/404/400)
// that says something about one slice rather than the exchange's health.
package circuitbreaker

import (
	"sync"
	"time"
)

// timeNow allows mocking time.Now in tests.
//
//nolint:gochecknoglobals
var timeNow = time.Now

// SetTimeNow overrides the package's clock for testing and returns a
// function that restores it.
func SetTimeNow(f func() time.Time) func() {
	original := timeNow
	timeNow = f

	return func() { timeNow = original }
}

const (
	// DefaultThreshold is the default number of consecutive slice-fetch
	// exhaustions before the circuit opens. This is a count of whole
	// Fetch calls giving up after their internal retries, not a count of
	// individual HTTP attempts.
	DefaultThreshold = 5

	// DefaultTimeout is the default duration the circuit stays open before
	// a single probe request is allowed through.
	DefaultTimeout = 30 * time.Second
)

// Outcome classifies a single Fetch call's result the way the Slice
// Fetcher already distinguishes them: a slice that needed every retry and
// still failed says the exchange may be down; a slice rejected outright
// (bad credentials, no coverage, malformed request) says nothing about
// the exchange's health and must not count against it.
type Outcome int

const (
	// OutcomeSuccess resets the breaker: the slice fetched cleanly,
	// possibly after some retries.
	OutcomeSuccess Outcome = iota

	// OutcomeRetriesExhausted is recorded once per Fetch call, only when
	// every attempt allowed by the retry policy failed with a transient
	// (network/5xx) error. This is the only outcome that moves the
	// breaker toward open.
	OutcomeRetriesExhausted

	// OutcomeTerminal is recorded for a non-retriable rejection
	// (Unauthorized, NotFound, BadRequest). It leaves the breaker's
	// state untouched: these mean the request itself was wrong, not
	// that the exchange's service is unavailable.
	OutcomeTerminal
)

// Breaker tracks consecutive slice-fetch exhaustions for one exchange and
// opens once a threshold is reached, following the standard closed ->
// open -> half-open state machine.
type Breaker struct {
	mu sync.Mutex

	failureCount int
	threshold    int
	timeout      time.Duration
	openedAt     time.Time
}

// New creates a Breaker. A threshold or timeout <= 0 uses the package
// default.
func New(threshold int, timeout time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Breaker{threshold: threshold, timeout: timeout}
}

// Record applies the outcome of one completed Fetch call to the breaker.
// Only OutcomeRetriesExhausted can open the circuit; OutcomeTerminal is a
// deliberate no-op (see Outcome's doc), and OutcomeSuccess closes it.
func (b *Breaker) Record(outcome Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch outcome {
	case OutcomeSuccess:
		b.failureCount = 0
		b.openedAt = time.Time{}

	case OutcomeRetriesExhausted:
		b.failureCount++

		if b.failureCount >= b.threshold {
			b.openedAt = timeNow()
		}

	case OutcomeTerminal:
		// Intentionally ignored: a bad request or an unauthorized/missing
		// slice does not indicate the exchange's service is down.
	}
}

// Allow reports whether a request may proceed. While open, it allows
// exactly one probe request through once the timeout has elapsed
// (half-open), resetting openedAt so concurrent callers don't all slip
// through at once.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.openedAt.IsZero() {
		return true
	}

	if timeNow().Sub(b.openedAt) >= b.timeout {
		b.openedAt = timeNow()

		return true
	}

	return false
}

// IsOpen reports whether the circuit is currently blocking requests.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.openedAt.IsZero() {
		return false
	}

	return timeNow().Sub(b.openedAt) < b.timeout
}

// Registry hands out one Breaker per exchange, creating it on first use.
// The Replay Pipeline shares a single Registry across the fetch worker
// pool so that exhaustions observed by one worker trip the breaker for
// every worker fetching slices of the same exchange.
type Registry struct {
	mu        sync.Mutex
	breakers  map[string]*Breaker
	threshold int
	timeout   time.Duration
}

// NewRegistry creates a Registry whose Breakers all use the given
// threshold/timeout.
func NewRegistry(threshold int, timeout time.Duration) *Registry {
	return &Registry{
		breakers:  make(map[string]*Breaker),
		threshold: threshold,
		timeout:   timeout,
	}
}

// Get returns the Breaker for the given exchange, creating it if needed.
func (r *Registry) Get(exchange string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[exchange]
	if !ok {
		b = New(r.threshold, r.timeout)
		r.breakers[exchange] = b
	}

	return b
}
