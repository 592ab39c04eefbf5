// Package gcs provides a Google Cloud Storage Store for prefetching readers.
//
// Object handles are configured with an exponential backoff retryer; the
// Reader above the store never retries on its own.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/pithecene-io/prefetch/prefetch"
)

const (
	operationTimeout  = 5 * time.Second
	initialBackoff    = 10 * time.Millisecond
	maxBackoff        = 10 * time.Second
	backoffMultiplier = 2
	maxAttempts       = 10
)

// Config holds configuration for the GCS store.
type Config struct {
	// Bucket is the GCS bucket name. Required.
	Bucket string

	// Prefix is an optional object name prefix for all operations.
	Prefix string
}

// Store implements prefetch.Store and prefetch.RangeOpener on a GCS bucket.
type Store struct {
	bucket *storage.BucketHandle
	prefix string
}

// New returns a Store over cfg.Bucket using client.
func New(client *storage.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, errors.New("gcs: client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("gcs: bucket is required")
	}
	return &Store{
		bucket: client.Bucket(cfg.Bucket),
		prefix: normalizePrefix(cfg.Prefix),
	}, nil
}

// NewStoreFromConfig creates a client from application default credentials
// and returns a Store for a prefetch.Config of type "gcs".
func NewStoreFromConfig(ctx context.Context, cfg prefetch.Config) (*Store, error) {
	if cfg.Type != prefetch.BackendGCS {
		return nil, errors.New("gcs: config type must be " + prefetch.BackendGCS)
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs: failed to create client: %w", err)
	}
	return New(client, Config{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
}

func (s *Store) object(name string) *storage.ObjectHandle {
	return s.bucket.Object(name).Retryer(
		storage.WithMaxAttempts(maxAttempts),
		storage.WithPolicy(storage.RetryAlways),
		storage.WithBackoff(gax.Backoff{
			Initial:    initialBackoff,
			Max:        maxBackoff,
			Multiplier: backoffMultiplier,
		}),
	)
}

// Put writes r to key. The write is conditional on the object not
// existing; a conflicting write returns ErrPathExists.
func (s *Store) Put(ctx context.Context, key string, r io.Reader) error {
	name, err := s.validateKey(key)
	if err != nil {
		return err
	}

	w := s.object(name).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs: write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			return prefetch.ErrPathExists
		}
		return fmt.Errorf("gcs: write %s: %w", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	name, err := s.validateKey(key)
	if err != nil {
		return nil, err
	}

	reader, err := s.object(name).NewReader(ctx)
	if err != nil {
		return nil, mapError(key, err)
	}
	return reader, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Stat(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, prefetch.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// List returns object names under prefix relative to the store prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	full, err := s.validatePrefix(prefix)
	if err != nil {
		return nil, err
	}

	it := s.bucket.Objects(ctx, &storage.Query{Prefix: full})

	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs: list %s: %w", prefix, err)
		}
		names = append(names, strings.TrimPrefix(attrs.Name, s.prefix))
	}
	return names, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	name, err := s.validateKey(key)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	if err := s.object(name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs: delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) Stat(ctx context.Context, key string) (int64, error) {
	name, err := s.validateKey(key)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	attrs, err := s.object(name).Attrs(ctx)
	if err != nil {
		return 0, mapError(key, err)
	}
	return attrs.Size, nil
}

// ReadRange reads up to length bytes at offset with a single range reader.
func (s *Store) ReadRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 || offset > (1<<63-1)-length {
		return nil, prefetch.ErrInvalidPath
	}
	name, err := s.validateKey(key)
	if err != nil {
		return nil, err
	}

	size, err := s.Stat(ctx, key)
	if err != nil {
		return nil, err
	}
	if length == 0 || offset >= size {
		return []byte{}, nil
	}
	if remain := size - offset; length > remain {
		length = remain
	}

	reader, err := s.object(name).NewRangeReader(ctx, offset, length)
	if err != nil {
		return nil, mapError(key, err)
	}
	defer func() { _ = reader.Close() }()

	buf := make([]byte, length)
	n := 0
	for reader.Remain() > 0 && n < len(buf) {
		nr, readErr := reader.Read(buf[n:])
		n += nr
		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		return nil, fmt.Errorf("gcs: read %s: %w", key, readErr)
	}
	return buf[:n], nil
}

// OpenRange streams the object from offset to its end.
func (s *Store) OpenRange(ctx context.Context, key string, offset int64) (io.ReadCloser, error) {
	if offset < 0 {
		return nil, prefetch.ErrInvalidPath
	}
	name, err := s.validateKey(key)
	if err != nil {
		return nil, err
	}

	reader, err := s.object(name).NewRangeReader(ctx, offset, -1)
	if err != nil {
		if isRangeNotSatisfiable(err) {
			return io.NopCloser(strings.NewReader("")), nil
		}
		return nil, mapError(key, err)
	}
	return reader, nil
}

func (s *Store) validateKey(key string) (string, error) {
	if key == "" {
		return "", prefetch.ErrInvalidPath
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", prefetch.ErrInvalidPath
	}
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" {
		return "", prefetch.ErrInvalidPath
	}
	return s.prefix + cleaned, nil
}

func (s *Store) validatePrefix(prefix string) (string, error) {
	if prefix == "" {
		return s.prefix, nil
	}
	cleaned := path.Clean(prefix)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", prefetch.ErrInvalidPath
	}
	if cleaned == "." {
		return s.prefix, nil
	}
	cleaned = strings.TrimPrefix(cleaned, "/")
	if strings.HasSuffix(prefix, "/") {
		cleaned += "/"
	}
	return s.prefix + cleaned, nil
}

func normalizePrefix(prefix string) string {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}

func mapError(key string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return prefetch.ErrNotFound
	}
	return fmt.Errorf("gcs: %s: %w", key, err)
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

func isRangeNotSatisfiable(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusRequestedRangeNotSatisfiable
}

var (
	_ prefetch.Store       = (*Store)(nil)
	_ prefetch.RangeOpener = (*Store)(nil)
)
