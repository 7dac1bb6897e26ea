package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-refstore/pkg/refstore"
	"github.com/tendant/simple-refstore/pkg/refstore/repo/postgres"
)

// newTestRepository connects to TEST_DATABASE_URL and returns a migrated
// repository together with a namespace unique to the test.
func newTestRepository(t *testing.T) (*postgres.Repository, string) {
	t.Helper()

	connString := os.Getenv("TEST_DATABASE_URL")
	if connString == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping postgres repository test")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, connString)
	require.NoError(t, err, "Failed to connect to test database")
	require.NoError(t, pool.Ping(ctx), "Failed to ping test database")
	t.Cleanup(pool.Close)

	repo := postgres.NewWithPool(pool)
	require.NoError(t, repo.Migrate(ctx))

	ns := "test-" + uuid.NewString()
	t.Cleanup(func() {
		_, _ = repo.DeleteNamespace(context.Background(), ns)
	})
	return repo, ns
}

func TestPostgresRepository_Records(t *testing.T) {
	repo, ns := newTestRepository(t)
	ctx := context.Background()

	payload := []byte("payload")
	record := &refstore.ObjectRecord{
		Namespace:     ns,
		Bucket:        "bucket",
		Key:           "key",
		Blob:          refstore.ComputeBlobIdentifier(payload),
		InlinePayload: payload,
		LastModified:  time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, repo.PutRecord(ctx, record))

	got, err := repo.GetRecord(ctx, ns, "bucket", "key")
	require.NoError(t, err)
	assert.Equal(t, record.Blob, got.Blob)
	assert.Equal(t, payload, got.InlinePayload)
	assert.False(t, got.IsFinalized)
	assert.True(t, record.LastModified.Equal(got.LastModified))

	require.NoError(t, repo.SetFinalized(ctx, ns, "bucket", "key", record.Blob))
	got, err = repo.GetRecord(ctx, ns, "bucket", "key")
	require.NoError(t, err)
	assert.True(t, got.IsFinalized)

	other := refstore.ComputeBlobIdentifier([]byte("other"))
	assert.ErrorIs(t, repo.SetFinalized(ctx, ns, "bucket", "key", other), refstore.ErrRefNotFound)

	_, err = repo.GetRecord(ctx, ns, "bucket", "missing")
	assert.ErrorIs(t, err, refstore.ErrRefNotFound)

	require.NoError(t, repo.DeleteRecord(ctx, ns, "bucket", "key"))
	assert.ErrorIs(t, repo.DeleteRecord(ctx, ns, "bucket", "key"), refstore.ErrRefNotFound)
}

func TestPostgresRepository_BucketsAndNamespaces(t *testing.T) {
	repo, ns := newTestRepository(t)
	ctx := context.Background()

	for _, name := range []refstore.RefName{{Bucket: "a", Key: "1"}, {Bucket: "a", Key: "2"}, {Bucket: "b", Key: "1"}} {
		require.NoError(t, repo.PutRecord(ctx, &refstore.ObjectRecord{
			Namespace:    ns,
			Bucket:       name.Bucket,
			Key:          name.Key,
			Blob:         refstore.ComputeBlobIdentifier([]byte(name.String())),
			LastModified: time.Now().UTC(),
		}))
	}

	namespaces, err := repo.ListNamespaces(ctx)
	require.NoError(t, err)
	assert.Contains(t, namespaces, ns)

	records, err := repo.ListRecords(ctx, ns, "a")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "1", records[0].Key)

	all, err := repo.ListRecords(ctx, ns, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	deleted, err := repo.DeleteBucket(ctx, ns, "a")
	require.NoError(t, err)
	assert.Len(t, deleted, 2)

	deleted, err = repo.DeleteNamespace(ctx, ns)
	require.NoError(t, err)
	assert.Len(t, deleted, 1)

	namespaces, err = repo.ListNamespaces(ctx)
	require.NoError(t, err)
	assert.NotContains(t, namespaces, ns)
}
