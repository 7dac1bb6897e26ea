package memory

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/tendant/simple-refstore/pkg/refstore"
)

type blobKey struct {
	namespace string
	id        refstore.BlobIdentifier
}

// Backend is an in-memory implementation of the refstore.BlobBackend interface
type Backend struct {
	mu      sync.RWMutex
	objects map[blobKey][]byte
}

// New creates a new in-memory storage backend
func New() *Backend {
	return &Backend{
		objects: make(map[blobKey][]byte),
	}
}

// Put stores content in memory
func (b *Backend) Put(ctx context.Context, namespace string, id refstore.BlobIdentifier, reader io.Reader) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.objects[blobKey{namespace, id}] = data
	return nil
}

// Get returns a reader over the stored content
func (b *Backend) Get(ctx context.Context, namespace string, id refstore.BlobIdentifier) (io.ReadCloser, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, exists := b.objects[blobKey{namespace, id}]
	if !exists {
		return nil, refstore.ErrBlobNotFound
	}

	return io.NopCloser(bytes.NewReader(data)), nil
}

// Exists reports whether the blob is stored
func (b *Backend) Exists(ctx context.Context, namespace string, id refstore.BlobIdentifier) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	_, exists := b.objects[blobKey{namespace, id}]
	return exists, nil
}

// Delete deletes content
func (b *Backend) Delete(ctx context.Context, namespace string, id refstore.BlobIdentifier) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.objects[blobKey{namespace, id}]; !exists {
		return refstore.ErrBlobNotFound
	}

	delete(b.objects, blobKey{namespace, id})
	return nil
}

// Len returns the number of stored blobs across all namespaces
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.objects)
}
