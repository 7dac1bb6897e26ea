package redis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tendant/simple-refstore/pkg/refstore"
)

// Config options for the Redis backend
type Config struct {
	URL      string        // Optional redis:// URL; overrides Addr/Password/DB
	Addr     string        // host:port (default localhost:6379)
	Password string        // Optional password
	DB       int           // Database number
	TTL      time.Duration // Expiry of stored blobs; zero keeps them forever
}

// Backend keeps blobs in Redis, typically as a hot tier in front of a
// durable one.
type Backend struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects a Redis backend from config
func New(config Config) (*Backend, error) {
	var opts *redis.Options
	if config.URL != "" {
		parsed, err := redis.ParseURL(config.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		opts = parsed
	} else {
		addr := config.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		opts = &redis.Options{
			Addr:     addr,
			Password: config.Password,
			DB:       config.DB,
		}
	}
	return NewWithClient(redis.NewClient(opts), config.TTL), nil
}

// NewWithClient wraps an existing client
func NewWithClient(client *redis.Client, ttl time.Duration) *Backend {
	return &Backend{client: client, ttl: ttl}
}

func blobKey(namespace string, id refstore.BlobIdentifier) string {
	return fmt.Sprintf("blob:%s:%s", namespace, id)
}

// Put stores the blob under blob:{namespace}:{id}
func (b *Backend) Put(ctx context.Context, namespace string, id refstore.BlobIdentifier, reader io.Reader) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	key := blobKey(namespace, id)
	if err := b.client.Set(ctx, key, data, b.ttl).Err(); err != nil {
		return &refstore.StorageError{Backend: "redis", Key: key, Op: "put", Err: err}
	}
	return nil
}

// Get returns the stored blob
func (b *Backend) Get(ctx context.Context, namespace string, id refstore.BlobIdentifier) (io.ReadCloser, error) {
	key := blobKey(namespace, id)
	data, err := b.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, refstore.ErrBlobNotFound
		}
		return nil, &refstore.StorageError{Backend: "redis", Key: key, Op: "get", Err: err}
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Exists reports whether the key is present
func (b *Backend) Exists(ctx context.Context, namespace string, id refstore.BlobIdentifier) (bool, error) {
	key := blobKey(namespace, id)
	n, err := b.client.Exists(ctx, key).Result()
	if err != nil {
		return false, &refstore.StorageError{Backend: "redis", Key: key, Op: "exists", Err: err}
	}
	return n > 0, nil
}

// Delete removes the key
func (b *Backend) Delete(ctx context.Context, namespace string, id refstore.BlobIdentifier) error {
	key := blobKey(namespace, id)
	n, err := b.client.Del(ctx, key).Result()
	if err != nil {
		return &refstore.StorageError{Backend: "redis", Key: key, Op: "delete", Err: err}
	}
	if n == 0 {
		return refstore.ErrBlobNotFound
	}
	return nil
}

// Close closes the underlying client
func (b *Backend) Close() error {
	return b.client.Close()
}
