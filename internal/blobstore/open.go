package blobstore

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Options selects and configures a backend.
type Options struct {
	Backend         string
	Endpoint        string
	Bucket          string
	Region          string
	AccessKey       string
	SecretKey       string
	CredentialsFile string
	PebblePath      string
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Open builds the store named by opts.Backend ("s3", "gcs", or "pebble").
// The returned closer releases backend resources.
func Open(ctx context.Context, opts Options) (Store, io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", "s3", "minio":
		store, err := NewS3Store(S3Config{
			Endpoint:  opts.Endpoint,
			Region:    opts.Region,
			Bucket:    opts.Bucket,
			AccessKey: opts.AccessKey,
			SecretKey: opts.SecretKey,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, nopCloser{}, nil
	case "gcs":
		store, err := NewGCSStore(ctx, GCSConfig{
			Bucket:          opts.Bucket,
			CredentialsFile: opts.CredentialsFile,
			Endpoint:        opts.Endpoint,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case "pebble":
		store, err := OpenPebbleStore(opts.PebblePath, Locator{Endpoint: opts.Endpoint, Bucket: opts.Bucket})
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage backend %q", opts.Backend)
	}
}
