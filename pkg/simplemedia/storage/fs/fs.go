package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/presigned"
)

// Backend is a filesystem implementation of the simplemedia.BlobStore interface.
// Objects live under {BaseDir}/{Bucket}/{key}.
type Backend struct {
	root   string
	bucket string
	signer *presigned.Signer
}

// Config options for the filesystem backend
type Config struct {
	BaseDir string // Base directory for storing files
	Bucket  string
	// Signer builds public and signed URLs. Objects are expected to be served
	// by the files handler mounted at the signer's prefix.
	Signer *presigned.Signer
}

// New creates a new filesystem storage backend
func New(config Config) (*Backend, error) {
	if config.BaseDir == "" {
		return nil, errors.New("base directory is required")
	}
	if config.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	root := filepath.Join(config.BaseDir, config.Bucket)
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	signer := config.Signer
	if signer == nil {
		signer = presigned.New()
	}

	return &Backend{root: root, bucket: config.Bucket, signer: signer}, nil
}

func (b *Backend) Bucket() string {
	return b.bucket
}

func (b *Backend) path(key string) (string, error) {
	p := filepath.Join(b.root, filepath.FromSlash(key))
	if p == b.root || !strings.HasPrefix(p, b.root+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return p, nil
}

// Put writes to a temporary file and renames it into place, so readers
// never observe a partial object.
func (b *Backend) Put(ctx context.Context, key string, r io.Reader, params simplemedia.PutParams) error {
	filePath, err := b.path(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		return fmt.Errorf("failed to commit file: %w", err)
	}
	return nil
}

// Get opens the object for reading
func (b *Backend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	filePath, err := b.path(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, simplemedia.ErrObjectNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

// Delete deletes content from the filesystem
func (b *Backend) Delete(ctx context.Context, key string) error {
	filePath, err := b.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return simplemedia.ErrObjectNotFound
		}
		return fmt.Errorf("failed to delete file: %w", err)
	}

	b.cleanupEmptyDirectories(filepath.Dir(filePath))
	return nil
}

// cleanupEmptyDirectories recursively removes empty directories up to the bucket root
func (b *Backend) cleanupEmptyDirectories(dir string) {
	if dir == b.root {
		return
	}
	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
		if os.Remove(dir) == nil {
			b.cleanupEmptyDirectories(filepath.Dir(dir))
		}
	}
}

// List walks the bucket and returns objects whose key starts with prefix
func (b *Backend) List(ctx context.Context, prefix string) ([]simplemedia.ObjectInfo, error) {
	var out []simplemedia.ObjectInfo
	err := filepath.WalkDir(b.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}
		rel, err := filepath.Rel(b.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		ct := mime.TypeByExtension(filepath.Ext(key))
		if ct == "" {
			ct = "application/octet-stream"
		}
		out = append(out, simplemedia.ObjectInfo{
			Key:          key,
			Size:         info.Size(),
			ContentType:  ct,
			LastModified: info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}
	return out, nil
}

func (b *Backend) PublicURL(key string) string {
	return b.signer.PublicURL(key)
}

// SignedURL returns a signed URL, or the public URL when signing is disabled
func (b *Backend) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if !b.signer.IsEnabled() {
		return b.signer.PublicURL(key), nil
	}
	return b.signer.SignURL(key, ttl)
}

var _ simplemedia.BlobStore = (*Backend)(nil)
