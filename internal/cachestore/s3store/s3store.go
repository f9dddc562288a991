// Package s3store implements cachestore.Store against an S3-compatible
// object store via MinIO's client.
package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tardis-dev/tardis-client-go/internal/cachestore"
)

const (
	otelPackageName = "github.com/tardis-dev/tardis-client-go/internal/cachestore/s3store"

	// s3NoSuchKey is the S3 error code for objects that don't exist.
	s3NoSuchKey = "NoSuchKey"
)

var (
	// ErrBucketRequired is returned if the bucket name is missing.
	ErrBucketRequired = errors.New("bucket name is required")

	// ErrEndpointRequired is returned if the endpoint is missing.
	ErrEndpointRequired = errors.New("endpoint is required")

	// ErrAccessKeyIDRequired is returned if the access key ID is missing.
	ErrAccessKeyIDRequired = errors.New("access key ID is required")

	// ErrSecretAccessKeyRequired is returned if the secret access key is missing.
	ErrSecretAccessKeyRequired = errors.New("secret access key is required")

	// ErrInvalidEndpointScheme is returned if the endpoint scheme is missing or invalid.
	ErrInvalidEndpointScheme = errors.New("S3 endpoint must include scheme (http:// or https://)")

	// ErrBucketNotFound is returned if the configured bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	//nolint:gochecknoglobals
	tracer trace.Tracer
)

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// Config holds the configuration for the S3-compatible Cache Store.
type Config struct {
	// Bucket is the S3 bucket name.
	Bucket string
	// Region is the region, optional for most S3-compatible services.
	Region string
	// Endpoint is the S3-compatible endpoint URL, including scheme.
	Endpoint string
	// AccessKeyID is the access key for authentication.
	AccessKeyID string
	// SecretAccessKey is the secret key for authentication.
	SecretAccessKey string
	// ForcePathStyle forces path-style addressing. Set true for MinIO and
	// most self-hosted S3-compatible services.
	ForcePathStyle bool
	// Prefix is prepended to every object key, letting one bucket host
	// multiple caches.
	Prefix string
	// Transport overrides the HTTP transport used by the client, mainly
	// for testing.
	Transport http.RoundTripper
}

func validateConfig(cfg Config) error {
	if cfg.Bucket == "" {
		return ErrBucketRequired
	}

	if cfg.Endpoint == "" {
		return ErrEndpointRequired
	}

	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: %s", ErrInvalidEndpointScheme, cfg.Endpoint)
	}

	if cfg.AccessKeyID == "" {
		return ErrAccessKeyIDRequired
	}

	if cfg.SecretAccessKey == "" {
		return ErrSecretAccessKeyRequired
	}

	return nil
}

// Store is a cachestore.Store backed by an S3-compatible bucket.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// New creates a Store after validating cfg and confirming the bucket
// exists and is reachable.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	endpointURL, _ := url.Parse(cfg.Endpoint)
	useSSL := endpointURL.Scheme == "https"

	bucketLookup := minio.BucketLookupAuto
	if cfg.ForcePathStyle {
		bucketLookup = minio.BucketLookupPath
	}

	client, err := minio.New(endpointURL.Host, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure:       useSSL,
		Region:       cfg.Region,
		BucketLookup: bucketLookup,
		Transport:    cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating the S3 client: %w", err)
	}

	log := zerolog.Ctx(ctx)

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		log.Error().Err(err).Str("bucket", cfg.Bucket).Msg("error checking bucket existence")

		return nil, fmt.Errorf("error checking bucket existence: %w", err)
	}

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrBucketNotFound, cfg.Bucket)
	}

	return &Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Has reports whether a committed entry exists at address.
func (s *Store) Has(ctx context.Context, address string) (bool, error) {
	key := s.key(address)

	_, span := tracer.Start(
		ctx,
		"s3store.Has",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("slice_address", address)),
	)
	defer span.End()

	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}

	if minio.ToErrorResponse(err).Code == s3NoSuchKey {
		return false, nil
	}

	return false, fmt.Errorf("error stat'ing %q: %w", key, err)
}

// OpenForRead opens the committed entry at address for sequential
// reading.
func (s *Store) OpenForRead(ctx context.Context, address string) (io.ReadCloser, error) {
	key := s.key(address)

	_, span := tracer.Start(
		ctx,
		"s3store.OpenForRead",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("slice_address", address)),
	)
	defer span.End()

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("error getting %q from S3: %w", key, err)
	}

	if _, err := obj.Stat(); err != nil {
		obj.Close()

		if minio.ToErrorResponse(err).Code == s3NoSuchKey {
			return nil, cachestore.ErrNotFound
		}

		return nil, fmt.Errorf("error stat'ing %q: %w", key, err)
	}

	return obj, nil
}

// Publish uploads body to address. MinIO streams the upload and only
// exposes the object under key once the upload completes, so a failed
// or cancelled upload never leaves a partial object visible to
// OpenForRead/Has.
func (s *Store) Publish(ctx context.Context, address string, body io.Reader) error {
	key := s.key(address)

	_, span := tracer.Start(
		ctx,
		"s3store.Publish",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("slice_address", address)),
	)
	defer span.End()

	_, err := s.client.PutObject(
		ctx,
		s.bucket,
		key,
		body,
		-1,
		minio.PutObjectOptions{ContentType: "application/x-ndjson"},
	)
	if err != nil {
		return fmt.Errorf("error putting %q to S3: %w", key, err)
	}

	return nil
}

// Delete removes the entry at address, if any.
func (s *Store) Delete(ctx context.Context, address string) error {
	key := s.key(address)

	_, span := tracer.Start(
		ctx,
		"s3store.Delete",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("slice_address", address)),
	)
	defer span.End()

	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("error removing %q: %w", key, err)
	}

	return nil
}

// Clear removes every object under the configured prefix.
func (s *Store) Clear(ctx context.Context) error {
	_, span := tracer.Start(ctx, "s3store.Clear", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	objectsCh := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.prefix,
		Recursive: true,
	})

	for obj := range objectsCh {
		if obj.Err != nil {
			return fmt.Errorf("error listing objects under %q: %w", s.prefix, obj.Err)
		}

		if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("error removing %q: %w", obj.Key, err)
		}
	}

	return nil
}

func (s *Store) key(address string) string {
	if s.prefix == "" {
		return address
	}

	return s.prefix + "/" + address
}
