package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/cenkalti/backoff/v4"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/rudderlabs/rudder-go-kit/config"
)

// GCSStore addresses one GCS bucket. Mutating calls are retried with
// exponential backoff at the transport level; step-level retries remain the
// caller's responsibility.
type GCSStore struct {
	client  *storage.Client
	bucket  string
	timeout time.Duration

	maxRetryElapsed time.Duration
}

func NewGCS(ctx context.Context, conf *config.Config, bucket string, opts ...option.ClientOption) (*GCSStore, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gcs client: %w", err)
	}
	return &GCSStore{
		client:          client,
		bucket:          bucket,
		timeout:         conf.GetDuration("Harmonizer.GCS.timeout", 120, time.Second),
		maxRetryElapsed: conf.GetDuration("Harmonizer.GCS.maxRetryElapsed", 60, time.Second),
	}, nil
}

// NewGCSFactory returns a Factory producing one store per bucket over a
// shared client configuration.
func NewGCSFactory(ctx context.Context, conf *config.Config, opts ...option.ClientOption) Factory {
	return func(bucket string) (Store, error) {
		return NewGCS(ctx, conf, bucket, opts...)
	}
}

func (s *GCSStore) List(ctx context.Context, prefix string) ([]string, error) {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})

	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing objects under %q: %w", prefix, err)
		}
		if attrs.Name == prefix || strings.HasSuffix(attrs.Name, "/") {
			continue
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

func (s *GCSStore) ListDirs(ctx context.Context, prefix string) ([]string, error) {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix, Delimiter: "/"})

	var dirs []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing prefixes under %q: %w", prefix, err)
		}
		if attrs.Prefix == "" {
			continue
		}
		dirs = append(dirs, strings.TrimSuffix(strings.TrimPrefix(attrs.Prefix, prefix), "/"))
	}
	return dirs, nil
}

func (s *GCSStore) Read(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("opening gs://%s/%s: %w", s.bucket, key, err)
	}
	defer func() { _ = r.Close() }()

	return io.ReadAll(r)
}

func (s *GCSStore) Write(ctx context.Context, key string, data []byte) error {
	op := func() error {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
		if _, err := w.Write(data); err != nil {
			_ = w.Close()
			return fmt.Errorf("writing gs://%s/%s: %w", s.bucket, key, err)
		}
		return w.Close()
	}
	bo := backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(s.maxRetryElapsed))
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	err := s.client.Bucket(s.bucket).Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return err
}

func (s *GCSStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *GCSStore) URI(key string) string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, key)
}

func (s *GCSStore) Bucket() string {
	return s.bucket
}

func (*GCSStore) EnsureDir(string) error {
	return nil
}
