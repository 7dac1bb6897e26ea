package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tendant/simple-refstore/pkg/refstore"
)

// DefaultCacheSize is the number of blobs a Cache holds when no size is given.
const DefaultCacheSize = 10000

// Cache is a bounded in-memory tier that evicts the least recently used
// blob once full. It is meant to sit in front of a durable tier.
type Cache struct {
	entries *lru.Cache[blobKey, []byte]
}

// NewCache creates a cache tier holding at most size blobs
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	entries, err := lru.New[blobKey, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru cache: %w", err)
	}
	return &Cache{entries: entries}, nil
}

func (c *Cache) Put(ctx context.Context, namespace string, id refstore.BlobIdentifier, reader io.Reader) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	c.entries.Add(blobKey{namespace, id}, data)
	return nil
}

func (c *Cache) Get(ctx context.Context, namespace string, id refstore.BlobIdentifier) (io.ReadCloser, error) {
	data, ok := c.entries.Get(blobKey{namespace, id})
	if !ok {
		return nil, refstore.ErrBlobNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (c *Cache) Exists(ctx context.Context, namespace string, id refstore.BlobIdentifier) (bool, error) {
	return c.entries.Contains(blobKey{namespace, id}), nil
}

func (c *Cache) Delete(ctx context.Context, namespace string, id refstore.BlobIdentifier) error {
	if !c.entries.Remove(blobKey{namespace, id}) {
		return refstore.ErrBlobNotFound
	}
	return nil
}

// Len returns the number of cached blobs
func (c *Cache) Len() int {
	return c.entries.Len()
}
