// Package local implements cachestore.Store on the local filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tardis-dev/tardis-client-go/internal/cachestore"
)

const (
	fileMode = 0o600
	dirMode  = 0o700

	otelPackageName = "github.com/tardis-dev/tardis-client-go/internal/cachestore/local"
)

var (
	// ErrPathMustBeAbsolute is returned if the given root path is not
	// absolute.
	ErrPathMustBeAbsolute = errors.New("cache dir path must be absolute")

	// ErrPathMustBeWritable is returned if the given root path is not
	// writable.
	ErrPathMustBeWritable = errors.New("cache dir path must be writable")

	//nolint:gochecknoglobals
	tracer trace.Tracer
)

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// Store is a cachestore.Store backed by a directory tree on the local
// filesystem, rooted at path. Entries are published atomically by writing
// to a temporary sibling file under a dedicated tmp/ directory and
// renaming into place.
type Store struct {
	path string
}

// New creates the cache directory tree rooted at path if it does not
// already exist and returns a Store backed by it.
func New(ctx context.Context, path string) (*Store, error) {
	if !filepath.IsAbs(path) {
		return nil, ErrPathMustBeAbsolute
	}

	if err := os.MkdirAll(path, dirMode); err != nil {
		return nil, fmt.Errorf("error creating the cache directory %q: %w", path, err)
	}

	s := &Store{path: path}

	if err := os.MkdirAll(s.tmpPath(), dirMode); err != nil {
		return nil, fmt.Errorf("error creating the temporary directory: %w", err)
	}

	if !isWritable(ctx, s.tmpPath()) {
		return nil, ErrPathMustBeWritable
	}

	return s, nil
}

// Has reports whether a committed entry exists at address.
func (s *Store) Has(ctx context.Context, address string) (bool, error) {
	entryPath := s.entryPath(address)

	_, span := tracer.Start(
		ctx,
		"local.Has",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("slice_address", address)),
	)
	defer span.End()

	_, err := os.Stat(entryPath)
	if err == nil {
		return true, nil
	}

	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	return false, fmt.Errorf("error stat'ing %q: %w", entryPath, err)
}

// OpenForRead opens the committed entry at address for sequential
// reading.
func (s *Store) OpenForRead(ctx context.Context, address string) (io.ReadCloser, error) {
	entryPath := s.entryPath(address)

	_, span := tracer.Start(
		ctx,
		"local.OpenForRead",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("slice_address", address)),
	)
	defer span.End()

	f, err := os.Open(entryPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, cachestore.ErrNotFound
		}

		return nil, fmt.Errorf("error opening %q: %w", entryPath, err)
	}

	return f, nil
}

// Publish writes body to address atomically: the data lands in a
// temporary file under tmp/ first, then os.Rename moves it into place.
// Any error while writing the temporary file removes it before
// returning, so a failed or cancelled Publish never leaves a partial
// entry at address.
func (s *Store) Publish(ctx context.Context, address string, body io.Reader) error {
	entryPath := s.entryPath(address)

	_, span := tracer.Start(
		ctx,
		"local.Publish",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("slice_address", address)),
	)
	defer span.End()

	log := zerolog.Ctx(ctx)

	if err := os.MkdirAll(filepath.Dir(entryPath), dirMode); err != nil {
		return fmt.Errorf("error creating directories for %q: %w", entryPath, err)
	}

	if err := os.MkdirAll(s.tmpPath(), dirMode); err != nil {
		return fmt.Errorf("error creating the temporary directory: %w", err)
	}

	tmp, err := os.CreateTemp(s.tmpPath(), "publish-"+uuid.NewString()+"-*")
	if err != nil {
		return fmt.Errorf("error creating the temporary file: %w", err)
	}

	removeTemp := func() {
		tmp.Close()

		if rmErr := os.Remove(tmp.Name()); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			log.Warn().Err(rmErr).Str("path", tmp.Name()).Msg("failed to remove partial publish")
		}
	}

	if _, err := io.Copy(tmp, body); err != nil {
		removeTemp()

		return fmt.Errorf("error writing the temporary file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("error closing the temporary file: %w", err)
	}

	if err := ctx.Err(); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("publish cancelled: %w", err)
	}

	if err := os.Rename(tmp.Name(), entryPath); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("error renaming into place %q: %w", entryPath, err)
	}

	return os.Chmod(entryPath, fileMode)
}

// Delete removes the entry at address, if any.
func (s *Store) Delete(ctx context.Context, address string) error {
	entryPath := s.entryPath(address)

	_, span := tracer.Start(
		ctx,
		"local.Delete",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("slice_address", address)),
	)
	defer span.End()

	if err := os.Remove(entryPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("error removing %q: %w", entryPath, err)
	}

	return nil
}

// Clear removes the entire cache directory tree, including its root.
func (s *Store) Clear(ctx context.Context) error {
	_, span := tracer.Start(ctx, "local.Clear", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	if err := os.RemoveAll(s.path); err != nil {
		return fmt.Errorf("error removing the cache directory %q: %w", s.path, err)
	}

	return nil
}

func (s *Store) entryPath(address string) string { return filepath.Join(s.path, address) }
func (s *Store) tmpPath() string                  { return filepath.Join(s.path, "tmp") }

func isWritable(ctx context.Context, path string) bool {
	log := zerolog.Ctx(ctx)

	tmpFile, err := os.CreateTemp(path, "write_test")
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("error writing a temp file in the path")

		return false
	}

	defer os.Remove(tmpFile.Name())
	defer tmpFile.Close()

	return true
}
