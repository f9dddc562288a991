package tardis

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tardis-dev/tardis-client-go/internal/cachestore"
	"github.com/tardis-dev/tardis-client-go/internal/cachestore/local"
	"github.com/tardis-dev/tardis-client-go/internal/cachestore/s3store"
	"github.com/tardis-dev/tardis-client-go/internal/circuitbreaker"
	"github.com/tardis-dev/tardis-client-go/internal/fetcher"
)

// defaultBaseURL is the root of the remote tardis.dev-style data feeds
// service. The exchange name is appended as a path segment per request.
const defaultBaseURL = "https://api.tardis.dev/v1/data-feeds/"

const defaultCacheDirName = ".tardis-cache"

// S3Config selects an S3-compatible object store as the Cache Store
// backend instead of the default local disk directory.
type S3Config = s3store.Config

// Options configures a Client. Every field has a working default; the
// zero Options value is a usable local-disk client against the public
// tardis.dev service with no API key.
type Options struct {
	// APIKey authenticates requests to the remote service. Empty means
	// unauthenticated requests, which the service may still allow for a
	// restricted data set.
	APIKey string

	// CacheDir is the local-disk cache root. Defaults to
	// "<os temp dir>/.tardis-cache". Ignored if S3 is set.
	CacheDir string

	// S3, if set, stores cache entries in an S3-compatible bucket instead
	// of local disk.
	S3 *S3Config

	// BaseURL overrides the remote service's root URL. Defaults to
	// defaultBaseURL.
	BaseURL string

	// HTTPClient overrides the HTTP client used to reach the remote
	// service, mainly for testing.
	HTTPClient *http.Client

	// Retry overrides the Slice Fetcher's backoff schedule.
	Retry *fetcher.RetryConfig

	// CircuitBreakerThreshold is the number of consecutive failures
	// before an exchange's circuit opens. Zero uses the package default.
	CircuitBreakerThreshold int

	// CircuitBreakerTimeout is how long an open circuit stays open before
	// allowing a single probe request. Zero uses the package default.
	CircuitBreakerTimeout time.Duration

	// Window is the number of slices kept prefetched ahead of the
	// delivery cursor on every Replay. Zero uses pipeline.DefaultWindow.
	Window int

	// Concurrency is the number of slices fetched concurrently on every
	// Replay. Zero uses pipeline.DefaultConcurrency.
	Concurrency int
}

// Client replays historical market data, caching fetched slices behind
// a shared Cache Store and circuit breaker across every Replay call it
// serves.
type Client struct {
	store       cachestore.Store
	fetcher     *fetcher.Fetcher
	window      int
	concurrency int
	instanceID  string
}

// New creates a Client: it opens (and, for local disk, creates) the
// Cache Store and validates the remote service configuration. It makes
// no request to the remote data service; with S3 set, opening the
// Cache Store checks over the network that the bucket exists.
func New(ctx context.Context, opts Options) (*Client, error) {
	store, err := newStore(ctx, opts)
	if err != nil {
		return nil, err
	}

	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base URL %q: %w", ErrInvalidArgument, baseURL, err)
	}

	breakers := circuitbreaker.NewRegistry(opts.CircuitBreakerThreshold, opts.CircuitBreakerTimeout)

	f := fetcher.New(fetcher.Options{
		BaseURL:    u,
		APIKey:     opts.APIKey,
		Store:      store,
		Breakers:   breakers,
		Retry:      opts.Retry,
		HTTPClient: opts.HTTPClient,
	})

	instanceID := uuid.NewString()

	zerolog.Ctx(ctx).Debug().
		Str("client_instance", instanceID).
		Str("base_url", baseURL).
		Msg("created tardis client")

	return &Client{
		store:       store,
		fetcher:     f,
		window:      opts.Window,
		concurrency: opts.Concurrency,
		instanceID:  instanceID,
	}, nil
}

func newStore(ctx context.Context, opts Options) (cachestore.Store, error) {
	if opts.S3 != nil {
		s, err := s3store.New(ctx, *opts.S3)
		if err != nil {
			return nil, fmt.Errorf("error creating the S3 cache store: %w", err)
		}

		return s, nil
	}

	cacheDir := opts.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), defaultCacheDirName)
	}

	s, err := local.New(ctx, cacheDir)
	if err != nil {
		if errors.Is(err, local.ErrPathMustBeAbsolute) {
			return nil, fmt.Errorf("%w: cache dir must be absolute: %w", ErrInvalidArgument, err)
		}

		return nil, fmt.Errorf("error creating the local cache store: %w", err)
	}

	return s, nil
}

// ClearCache removes every entry from the Client's Cache Store.
func (c *Client) ClearCache(ctx context.Context) error {
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrIo, err)
	}

	return nil
}

