package fetcher_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tardis-dev/tardis-client-go/internal/circuitbreaker"
	"github.com/tardis-dev/tardis-client-go/internal/fetcher"
)

type memStore struct {
	entries map[string][]byte
	publishes atomic.Int32
}

func newMemStore() *memStore { return &memStore{entries: make(map[string][]byte)} }

func (s *memStore) Has(_ context.Context, address string) (bool, error) {
	_, ok := s.entries[address]

	return ok, nil
}

func (s *memStore) Publish(_ context.Context, address string, body io.Reader) error {
	s.publishes.Add(1)

	b, err := io.ReadAll(body)
	if err != nil {
		return err
	}

	s.entries[address] = b

	return nil
}

func gzipBody(t *testing.T, payload string) []byte {
	t.Helper()

	var buf bytes.Buffer

	gw := gzip.NewWriter(&buf)
	_, err := gw.Write([]byte(payload))
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	return buf.Bytes()
}

func fastRetry() *fetcher.RetryConfig {
	return &fetcher.RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Jitter: false}
}

func TestFetch_CacheHitSkipsNetwork(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("unexpected network call on a cache hit")
	}))
	t.Cleanup(srv.Close)

	store := newMemStore()
	store.entries["bitmex/slice.ndjson"] = []byte("cached")

	u, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)

	f := fetcher.New(fetcher.Options{BaseURL: u, Store: store})

	err = f.Fetch(context.Background(), "bitmex", "bitmex/slice.ndjson", "2019/06/01/00/00.json.gz?filters=all")
	require.NoError(t, err)
}

func TestFetch_SuccessDecompresses(t *testing.T) {
	t.Parallel()

	payload := "2019-06-01T00:00:00.000000Z {\"a\":1}\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
		w.Write(gzipBody(t, payload))
	}))
	t.Cleanup(srv.Close)

	store := newMemStore()

	u, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)

	f := fetcher.New(fetcher.Options{BaseURL: u, APIKey: "secret", Store: store})

	err = f.Fetch(context.Background(), "bitmex", "bitmex/slice.ndjson", "2019/06/01/00/00.json.gz?filters=all")
	require.NoError(t, err)
	assert.Equal(t, payload, string(store.entries["bitmex/slice.ndjson"]))
}

func TestFetch_Unauthorized(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	store := newMemStore()

	u, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)

	f := fetcher.New(fetcher.Options{BaseURL: u, Store: store, Retry: fastRetry()})

	err = f.Fetch(context.Background(), "bitmex", "bitmex/slice.ndjson", "2019/06/01/00/00.json.gz?filters=all")
	assert.ErrorIs(t, err, fetcher.ErrUnauthorized)
}

func TestFetch_NotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	store := newMemStore()

	u, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)

	f := fetcher.New(fetcher.Options{BaseURL: u, Store: store, Retry: fastRetry()})

	err = f.Fetch(context.Background(), "bitmex", "bitmex/slice.ndjson", "2019/06/01/00/00.json.gz?filters=all")
	assert.ErrorIs(t, err, fetcher.ErrNotFound)
}

func TestFetch_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	payload := "2019-06-01T00:00:00.000000Z {}\n"

	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		if n <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)

			return
		}

		w.WriteHeader(http.StatusOK)
		w.Write(gzipBody(t, payload))
	}))
	t.Cleanup(srv.Close)

	store := newMemStore()

	u, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)

	f := fetcher.New(fetcher.Options{
		BaseURL:  u,
		Store:    store,
		Retry:    fastRetry(),
		Breakers: circuitbreaker.NewRegistry(100, time.Minute),
	})

	err = f.Fetch(context.Background(), "bitmex", "bitmex/slice.ndjson", "2019/06/01/00/00.json.gz?filters=all")
	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestFetch_RetriesExhausted(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	store := newMemStore()

	u, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)

	f := fetcher.New(fetcher.Options{
		BaseURL:  u,
		Store:    store,
		Retry:    &fetcher.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		Breakers: circuitbreaker.NewRegistry(100, time.Minute),
	})

	err = f.Fetch(context.Background(), "bitmex", "bitmex/slice.ndjson", "2019/06/01/00/00.json.gz?filters=all")
	assert.ErrorIs(t, err, fetcher.ErrUnavailable)
}

// The breaker opens after a threshold of whole slices giving up on
// retries, not after that many individual HTTP attempts: a single slice
// whose retry schedule allows more attempts than the breaker's threshold
// must not trip the breaker by itself.
func TestFetch_BreakerCountsExhaustedSlicesNotAttempts(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	store := newMemStore()

	u, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)

	breakers := circuitbreaker.NewRegistry(2, time.Minute)

	f := fetcher.New(fetcher.Options{
		BaseURL:  u,
		Store:    store,
		Retry:    &fetcher.RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Breakers: breakers,
	})

	err = f.Fetch(context.Background(), "bitmex", "bitmex/slice-one.ndjson", "2019/06/01/00/00.json.gz?filters=all")
	require.ErrorIs(t, err, fetcher.ErrUnavailable)
	assert.False(t, breakers.Get("bitmex").IsOpen(), "one slice's 5 exhausted attempts must not alone open a breaker with threshold 2")

	err = f.Fetch(context.Background(), "bitmex", "bitmex/slice-two.ndjson", "2019/06/01/00/01.json.gz?filters=all")
	require.ErrorIs(t, err, fetcher.ErrUnavailable)
	assert.True(t, breakers.Get("bitmex").IsOpen(), "a second exhausted slice should now trip the breaker")
}

// A terminal rejection never counts toward the breaker, no matter how
// many times it happens.
func TestFetch_BreakerIgnoresTerminalRejections(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	store := newMemStore()

	u, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)

	breakers := circuitbreaker.NewRegistry(1, time.Minute)

	f := fetcher.New(fetcher.Options{
		BaseURL:  u,
		Store:    store,
		Retry:    fastRetry(),
		Breakers: breakers,
	})

	for i := 0; i < 3; i++ {
		err = f.Fetch(context.Background(), "bitmex", "bitmex/slice.ndjson", "2019/06/01/00/00.json.gz?filters=all")
		assert.ErrorIs(t, err, fetcher.ErrNotFound)
	}

	assert.False(t, breakers.Get("bitmex").IsOpen())
}

func TestFetch_CancellationStopsRetryLoop(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	store := newMemStore()

	u, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)

	f := fetcher.New(fetcher.Options{
		BaseURL:  u,
		Store:    store,
		Retry:    &fetcher.RetryConfig{MaxAttempts: 10, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second},
		Breakers: circuitbreaker.NewRegistry(100, time.Minute),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = f.Fetch(ctx, "bitmex", "bitmex/slice.ndjson", "2019/06/01/00/00.json.gz?filters=all")
	require.Error(t, err)
	assert.LessOrEqual(t, attempts.Load(), int32(2))
}
