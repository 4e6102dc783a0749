package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cockroachdb/pebble"
)

// PebbleStore keeps blobs in a local Pebble database. It suits single-node
// deployments and development where no object store is available.
type PebbleStore struct {
	Locator
	db *pebble.DB
}

// OpenPebbleStore opens (or creates) a Pebble database at dir.
func OpenPebbleStore(dir string, loc Locator) (*PebbleStore, error) {
	return OpenPebbleStoreWithOptions(dir, loc, &pebble.Options{})
}

// OpenPebbleStoreWithOptions opens a Pebble database with explicit options.
func OpenPebbleStoreWithOptions(dir string, loc Locator, opts *pebble.Options) (*PebbleStore, error) {
	if loc.Bucket == "" {
		loc.Bucket = "local"
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}
	return &PebbleStore{Locator: loc, db: db}, nil
}

// Put reads r fully and stores it under key.
func (s *PebbleStore) Put(ctx context.Context, key string, r io.Reader, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return storageErr("put", key, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.Set([]byte(key), data, pebble.Sync); err != nil {
		return storageErr("put", key, err)
	}
	return nil
}

// Get returns a reader over a copy of the stored value.
func (s *PebbleStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	value, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, storageErr("get", key, err)
	}
	defer closer.Close()
	// Pebble owns value until closer is closed.
	data := append([]byte(nil), value...)
	return io.NopCloser(bytes.NewReader(data)), nil
}

// List returns every key under prefix.
func (s *PebbleStore) List(ctx context.Context, prefix string) ([]string, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixUpperBound([]byte(prefix)),
	})
	if err != nil {
		return nil, storageErr("list", prefix, err)
	}
	defer iter.Close()

	var keys []string
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		keys = append(keys, string(iter.Key()))
	}
	if err := iter.Error(); err != nil {
		return nil, storageErr("list", prefix, err)
	}
	return keys, nil
}

// Close closes the underlying database.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}

// prefixUpperBound returns the smallest key greater than every key with the prefix,
// or nil when no such bound exists.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
