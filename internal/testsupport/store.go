package testsupport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/TFMV/clipbatch/internal/blobstore"
	"github.com/TFMV/clipbatch/internal/types"
)

// MemoryStore is a map-backed blobstore.Store.
type MemoryStore struct {
	blobstore.Locator

	mu           sync.Mutex
	objects      map[string][]byte
	contentTypes map[string]string

	// FailPut and FailGet make the matching operation fail with a storage error.
	FailPut bool
	FailGet bool
}

// NewMemoryStore creates an empty store addressed as http://blobs.test/<bucket>.
func NewMemoryStore(bucket string) *MemoryStore {
	return &MemoryStore{
		Locator:      blobstore.Locator{Endpoint: "http://blobs.test", Bucket: bucket},
		objects:      make(map[string][]byte),
		contentTypes: make(map[string]string),
	}
}

// Put stores a copy of r's contents.
func (s *MemoryStore) Put(ctx context.Context, key string, r io.Reader, contentType string) error {
	s.mu.Lock()
	fail := s.FailPut
	s.mu.Unlock()
	if fail {
		return fmt.Errorf("%w: put %s: injected", types.ErrStorage, key)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("%w: put %s: %v", types.ErrStorage, key, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	s.contentTypes[key] = contentType
	return nil
}

// Get returns a reader over the stored bytes.
func (s *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailGet {
		return nil, fmt.Errorf("%w: get %s: injected", types.ErrStorage, key)
	}
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, blobstore.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// List returns sorted keys under prefix.
func (s *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Object returns the stored bytes for key.
func (s *MemoryStore) Object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	return data, ok
}

// ContentType returns the content type recorded with key.
func (s *MemoryStore) ContentType(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contentTypes[key]
}

// SetFailPut toggles injected Put failures.
func (s *MemoryStore) SetFailPut(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FailPut = fail
}

// Trimmer is a fake transcode.Trimmer. Unless Fail is set it writes
// "<input bytes>|<start>-<end>" to the output path.
type Trimmer struct {
	mu    sync.Mutex
	Fail  func(inputPath string) error
	calls int
}

// Trim implements transcode.Trimmer.
func (t *Trimmer) Trim(ctx context.Context, inputPath, outputPath string, start, end float64) error {
	t.mu.Lock()
	t.calls++
	fail := t.Fail
	t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if fail != nil {
		if err := fail(inputPath); err != nil {
			return err
		}
	}
	in, err := os.ReadFile(inputPath)
	if err != nil {
		return err
	}
	return os.WriteFile(outputPath, append(in, []byte(fmt.Sprintf("|%g-%g", start, end))...), 0o644)
}

// Calls reports how many times Trim ran.
func (t *Trimmer) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}
