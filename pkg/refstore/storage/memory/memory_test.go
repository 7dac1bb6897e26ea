package memory_test

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-refstore/pkg/refstore"
	memorystorage "github.com/tendant/simple-refstore/pkg/refstore/storage/memory"
)

func TestMemoryBackend(t *testing.T) {
	backend := memorystorage.New()
	ctx := context.Background()
	testData := "Hello, World! This is test data."
	id := refstore.ComputeBlobIdentifier([]byte(testData))

	t.Run("Put", func(t *testing.T) {
		err := backend.Put(ctx, "ns", id, strings.NewReader(testData))
		assert.NoError(t, err)
	})

	t.Run("Exists", func(t *testing.T) {
		ok, err := backend.Exists(ctx, "ns", id)
		assert.NoError(t, err)
		assert.True(t, ok)

		ok, err = backend.Exists(ctx, "other-ns", id)
		assert.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Get", func(t *testing.T) {
		reader, err := backend.Get(ctx, "ns", id)
		require.NoError(t, err)
		defer reader.Close()

		data, err := io.ReadAll(reader)
		assert.NoError(t, err)
		assert.Equal(t, testData, string(data))
	})

	t.Run("Delete", func(t *testing.T) {
		err := backend.Delete(ctx, "ns", id)
		assert.NoError(t, err)

		_, err = backend.Get(ctx, "ns", id)
		assert.ErrorIs(t, err, refstore.ErrBlobNotFound)

		err = backend.Delete(ctx, "ns", id)
		assert.ErrorIs(t, err, refstore.ErrBlobNotFound)
	})
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	cache, err := memorystorage.NewCache(2)
	require.NoError(t, err)
	ctx := context.Background()

	ids := make([]refstore.BlobIdentifier, 3)
	for i, s := range []string{"one", "two", "three"} {
		ids[i] = refstore.ComputeBlobIdentifier([]byte(s))
	}

	require.NoError(t, cache.Put(ctx, "ns", ids[0], strings.NewReader("one")))
	require.NoError(t, cache.Put(ctx, "ns", ids[1], strings.NewReader("two")))

	// touch the first so the second becomes the eviction candidate
	_, err = cache.Get(ctx, "ns", ids[0])
	require.NoError(t, err)

	require.NoError(t, cache.Put(ctx, "ns", ids[2], strings.NewReader("three")))
	assert.Equal(t, 2, cache.Len())

	ok, _ := cache.Exists(ctx, "ns", ids[0])
	assert.True(t, ok)
	ok, _ = cache.Exists(ctx, "ns", ids[1])
	assert.False(t, ok)

	assert.ErrorIs(t, cache.Delete(ctx, "ns", ids[1]), refstore.ErrBlobNotFound)
	assert.NoError(t, cache.Delete(ctx, "ns", ids[2]))
}
