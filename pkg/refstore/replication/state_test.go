package replication_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-refstore/pkg/refstore"
	"github.com/tendant/simple-refstore/pkg/refstore/replication"
)

func testStateStore(t *testing.T, store replication.StateStore) {
	ctx := context.Background()

	w, err := store.Load(ctx, "missing")
	require.NoError(t, err)
	assert.True(t, w.IsZero())

	first := refstore.Watermark{Bucket: "rep-20240301T090000", Event: uuid.Must(uuid.NewV7())}
	require.NoError(t, store.Save(ctx, "a", first))
	w, err = store.Load(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, first, w)

	second := refstore.Watermark{Bucket: "rep-20240301T100000", Event: uuid.Must(uuid.NewV7())}
	require.NoError(t, store.Save(ctx, "a", second))
	w, err = store.Load(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, second, w)

	require.NoError(t, store.Save(ctx, "a", refstore.Watermark{}))
	w, err = store.Load(ctx, "a")
	require.NoError(t, err)
	assert.True(t, w.IsZero())
}

func TestMemoryStateStore(t *testing.T) {
	testStateStore(t, replication.NewMemoryStateStore())
}

func TestFileStateStore(t *testing.T) {
	dir := t.TempDir()
	store, err := replication.NewFileStateStore(dir)
	require.NoError(t, err)
	testStateStore(t, store)

	_, err = replication.NewFileStateStore(dir)
	assert.Error(t, err)

	require.NoError(t, store.Close())
	reopened, err := replication.NewFileStateStore(dir)
	require.NoError(t, err)
	defer reopened.Close()
}

func TestFileStateStore_Persists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	w := refstore.Watermark{Bucket: "rep-20240301T090000", Event: uuid.Must(uuid.NewV7())}

	store, err := replication.NewFileStateStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, "peer/eu", w))
	require.NoError(t, store.Close())

	store, err = replication.NewFileStateStore(dir)
	require.NoError(t, err)
	defer store.Close()
	loaded, err := store.Load(ctx, "peer/eu")
	require.NoError(t, err)
	assert.Equal(t, w, loaded)
}

func TestSQLiteStateStore(t *testing.T) {
	store, err := replication.OpenSQLiteStateStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer store.Close()
	testStateStore(t, store)
}

func TestReplicator_ResumesFromStateStore(t *testing.T) {
	source := newCluster(t)
	ctx := context.Background()
	source.addRefs(t, "refs-000", 0, 4)

	state := replication.NewMemoryStateStore()
	first, err := replication.New("resume", ns, newClient(t, source), newTarget(t), replication.WithStateStore(state))
	require.NoError(t, err)
	_, err = first.TriggerNewReplications(ctx)
	require.NoError(t, err)

	source.addRefs(t, "refs-000", 4, 2)
	second, err := replication.New("resume", ns, newClient(t, source), newTarget(t), replication.WithStateStore(state))
	require.NoError(t, err)
	worked, err := second.TriggerNewReplications(ctx)
	require.NoError(t, err)
	assert.True(t, worked)
	assert.EqualValues(t, 2, second.Status().EventsReplicated)
}
