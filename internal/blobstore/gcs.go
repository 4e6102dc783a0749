package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSConfig configures a Google Cloud Storage store.
type GCSConfig struct {
	Bucket          string
	CredentialsFile string
	// Endpoint is the public prefix used for references. Defaults to https://storage.googleapis.com.
	Endpoint string
}

// GCSStore stores blobs in a GCS bucket.
type GCSStore struct {
	Locator
	client *storage.Client
}

// NewGCSStore creates a store for the configured bucket.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs store: bucket is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://storage.googleapis.com"
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage.NewClient: %w", err)
	}

	return &GCSStore{
		Locator: Locator{Endpoint: cfg.Endpoint, Bucket: cfg.Bucket},
		client:  client,
	}, nil
}

// Put streams r to key.
func (s *GCSStore) Put(ctx context.Context, key string, r io.Reader, contentType string) error {
	wc := s.client.Bucket(s.Bucket).Object(key).NewWriter(ctx)
	if contentType != "" {
		wc.ContentType = contentType
	}
	if _, err := io.Copy(wc, r); err != nil {
		_ = wc.Close()
		return storageErr("put", key, err)
	}
	if err := wc.Close(); err != nil {
		return storageErr("put", key, err)
	}
	return nil
}

// Get opens the object stored at key.
func (s *GCSStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := s.client.Bucket(s.Bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, storageErr("get", key, err)
	}
	return rc, nil
}

// List returns every key under prefix.
func (s *GCSStore) List(ctx context.Context, prefix string) ([]string, error) {
	it := s.client.Bucket(s.Bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, storageErr("list", prefix, err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
