package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/tendant/simple-refstore/pkg/refstore"
	"github.com/tendant/simple-refstore/pkg/refstore/storage/objectkey"
)

// Backend is a filesystem implementation of the refstore.BlobBackend interface
type Backend struct {
	baseDir string
	keys    objectkey.Generator
}

// Config options for the filesystem backend
type Config struct {
	BaseDir      string              // Base directory for storing blobs
	KeyGenerator objectkey.Generator // Optional layout; defaults to git-like sharding
}

// New creates a new filesystem storage backend
func New(config Config) (*Backend, error) {
	if config.BaseDir == "" {
		return nil, errors.New("base directory is required")
	}

	if err := os.MkdirAll(config.BaseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	keys := config.KeyGenerator
	if keys == nil {
		keys = objectkey.NewRecommendedGenerator()
	}

	return &Backend{
		baseDir: filepath.Clean(config.BaseDir),
		keys:    keys,
	}, nil
}

func (b *Backend) path(namespace string, id refstore.BlobIdentifier) string {
	return filepath.Join(b.baseDir, filepath.FromSlash(b.keys.GenerateKey(namespace, id)))
}

// Put writes the blob through a temp file renamed into place, so readers
// never observe a partial blob.
func (b *Backend) Put(ctx context.Context, namespace string, id refstore.BlobIdentifier, reader io.Reader) error {
	filePath := b.path(namespace, id)

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := atomic.WriteFile(filePath, reader); err != nil {
		return &refstore.StorageError{Backend: "fs", Key: filePath, Op: "put", Err: err}
	}

	return nil
}

// Get opens the blob file for reading
func (b *Backend) Get(ctx context.Context, namespace string, id refstore.BlobIdentifier) (io.ReadCloser, error) {
	file, err := os.Open(b.path(namespace, id))
	if os.IsNotExist(err) {
		return nil, refstore.ErrBlobNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	return file, nil
}

// Exists reports whether the blob file is present
func (b *Backend) Exists(ctx context.Context, namespace string, id refstore.BlobIdentifier) (bool, error) {
	_, err := os.Stat(b.path(namespace, id))
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to stat file: %w", err)
	}
	return true, nil
}

// Delete deletes the blob file
func (b *Backend) Delete(ctx context.Context, namespace string, id refstore.BlobIdentifier) error {
	filePath := b.path(namespace, id)

	if err := os.Remove(filePath); err != nil {
		if os.IsNotExist(err) {
			return refstore.ErrBlobNotFound
		}
		return fmt.Errorf("failed to delete file: %w", err)
	}

	b.cleanupEmptyDirectories(filepath.Dir(filePath))

	return nil
}

// cleanupEmptyDirectories recursively removes empty directories up to baseDir
func (b *Backend) cleanupEmptyDirectories(dir string) {
	if dir == b.baseDir || !isWithin(b.baseDir, dir) {
		return
	}

	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
		if os.Remove(dir) == nil {
			b.cleanupEmptyDirectories(filepath.Dir(dir))
		}
	}
}

func isWithin(base, dir string) bool {
	return strings.HasPrefix(dir, base+string(filepath.Separator))
}
