package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

type object struct {
	data        []byte
	contentType string
	modified    time.Time
}

// Backend is an in-memory implementation of the simplemedia.BlobStore interface
type Backend struct {
	bucket string

	mu      sync.RWMutex
	objects map[string]object
	puts    int
}

// New creates a new in-memory storage backend for bucket
func New(bucket string) *Backend {
	return &Backend{
		bucket:  bucket,
		objects: make(map[string]object),
	}
}

func (b *Backend) Bucket() string {
	return b.bucket
}

// Put stores the content of r under key
func (b *Backend) Put(ctx context.Context, key string, r io.Reader, params simplemedia.PutParams) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	ct := params.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.objects[key] = object{data: data, contentType: ct, modified: time.Now().UTC()}
	b.puts++
	return nil
}

// Get returns the content stored under key
func (b *Backend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, exists := b.objects[key]
	if !exists {
		return nil, simplemedia.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// Delete deletes content
func (b *Backend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.objects[key]; !exists {
		return simplemedia.ErrObjectNotFound
	}
	delete(b.objects, key)
	return nil
}

// List returns objects under prefix sorted by key
func (b *Backend) List(ctx context.Context, prefix string) ([]simplemedia.ObjectInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []simplemedia.ObjectInfo
	for key, obj := range b.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		out = append(out, simplemedia.ObjectInfo{
			Key:          key,
			Size:         int64(len(obj.data)),
			ContentType:  obj.contentType,
			LastModified: obj.modified,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// PublicURL returns a memory:// address; the backend serves no HTTP.
func (b *Backend) PublicURL(key string) string {
	return fmt.Sprintf("memory://%s/%s", b.bucket, key)
}

func (b *Backend) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	b.mu.RLock()
	_, exists := b.objects[key]
	b.mu.RUnlock()
	if !exists {
		return "", simplemedia.ErrObjectNotFound
	}
	return fmt.Sprintf("%s?expires=%d", b.PublicURL(key), time.Now().Add(ttl).Unix()), nil
}

// PutCount returns how many Put calls succeeded
func (b *Backend) PutCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.puts
}

// Touch sets the modification time of key, for tests of age-based sweeps
func (b *Backend) Touch(key string, t time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if obj, ok := b.objects[key]; ok {
		obj.modified = t
		b.objects[key] = obj
	}
}

var _ simplemedia.BlobStore = (*Backend)(nil)
