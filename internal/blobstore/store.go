// Package blobstore provides the key-addressed object stores used for uploads,
// transcoded results, and batch archives.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/TFMV/clipbatch/internal/types"
)

// Store is a key-addressed blob store with strong read-after-write consistency per key.
type Store interface {
	// Put streams r to key.
	Put(ctx context.Context, key string, r io.Reader, contentType string) error

	// Get opens the blob stored at key. Callers close the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// List returns every key under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Reference returns the public locator for key.
	Reference(key string) string

	// KeyFromReference resolves a locator produced by Reference back to its key.
	KeyFromReference(ref string) (string, error)
}

// ErrNotFound is returned by Get when no blob exists at the key.
var ErrNotFound = errors.New("blob not found")

// UploadKey is where an ingested source file for a batch is stored.
func UploadKey(batchID, name string) string {
	return path.Join("uploads", batchID, name)
}

// ResultKey is where a transcoded output for a batch is stored.
func ResultKey(batchID, name string) string {
	return path.Join("processed", batchID, name)
}

// ArchiveKey is where a batch archive is stored.
func ArchiveKey(batchID, name string) string {
	return path.Join("zips", batchID, name)
}

// ResultPrefix is the key prefix shared by every result of a batch.
func ResultPrefix(batchID string) string {
	return "processed/" + batchID + "/"
}

// Locator builds and parses public references of the form <endpoint>/<bucket>/<key>.
type Locator struct {
	Endpoint string
	Bucket   string
}

// Reference returns the public locator for key.
func (l Locator) Reference(key string) string {
	return strings.TrimRight(l.Endpoint, "/") + "/" + l.Bucket + "/" + key
}

// KeyFromReference resolves a reference back to a key. References built by Reference
// are matched on their exact prefix; anything else falls back to stripping everything up
// to and including the first "<bucket>/" segment.
func (l Locator) KeyFromReference(ref string) (string, error) {
	var key string
	if prefix := l.Reference(""); strings.HasPrefix(ref, prefix) {
		key = ref[len(prefix):]
	} else {
		marker := l.Bucket + "/"
		idx := strings.Index(ref, marker)
		if idx < 0 {
			return "", fmt.Errorf("reference %q does not point into bucket %s", ref, l.Bucket)
		}
		key = ref[idx+len(marker):]
	}
	if key == "" {
		return "", fmt.Errorf("reference %q has an empty key", ref)
	}
	return key, nil
}

func storageErr(op, key string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", types.ErrStorage, op, key, err)
}
