package snapshot_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-refstore/pkg/refstore"
	"github.com/tendant/simple-refstore/pkg/refstore/blob"
	replogmemory "github.com/tendant/simple-refstore/pkg/refstore/replog/memory"
	"github.com/tendant/simple-refstore/pkg/refstore/replog/replogtest"
	"github.com/tendant/simple-refstore/pkg/refstore/snapshot"
	memorystorage "github.com/tendant/simple-refstore/pkg/refstore/storage/memory"
)

type fixture struct {
	clock   *clockwork.FakeClock
	log     *replogmemory.Log
	blobs   *blob.Store
	builder *snapshot.Builder
}

func newFixture(t *testing.T, opts ...snapshot.Option) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	log := replogmemory.New(replogmemory.WithClock(clock), replogmemory.WithBucketGranularity(time.Hour))
	blobs, err := blob.New(blob.WithTier(blob.Tier{Name: "memory", Backend: memorystorage.New()}))
	require.NoError(t, err)

	builder, err := snapshot.NewBuilder(log, blobs, append([]snapshot.Option{snapshot.WithClock(clock)}, opts...)...)
	require.NoError(t, err)
	return &fixture{clock: clock, log: log, blobs: blobs, builder: builder}
}

func blobID(s string) refstore.BlobIdentifier {
	return refstore.ComputeBlobIdentifier([]byte(s))
}

func (f *fixture) load(t *testing.T, info *refstore.SnapshotInfo) *snapshot.Snapshot {
	t.Helper()
	s, err := snapshot.Load(context.Background(), f.blobs, *info)
	require.NoError(t, err)
	return s
}

func TestBuildSnapshot_FoldsAddedEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var last refstore.Watermark
	for i := 0; i < 5; i++ {
		w, err := f.log.InsertAddEvent(ctx, "ns", "bucket", fmt.Sprintf("key-%d", i), blobID(fmt.Sprint(i)))
		require.NoError(t, err)
		last = w
	}

	info, err := f.builder.BuildSnapshot(ctx, "ns", "")
	require.NoError(t, err)
	assert.Equal(t, "ns", info.SourceNamespace)
	assert.Equal(t, "ns-snapshots", info.SnapshotNamespace)
	assert.Equal(t, f.clock.Now(), info.CreatedAt)

	s := f.load(t, info)
	assert.Equal(t, last, s.Watermark())
	require.Len(t, s.LiveObjects, 5)
	assert.Equal(t, "key-0", s.LiveObjects[0].Key)
	assert.Equal(t, blobID("0"), s.LiveObjects[0].Blob)

	newest, err := refstore.NewestSnapshot(ctx, f.log, "ns")
	require.NoError(t, err)
	assert.Equal(t, *info, *newest)
}

func TestBuildSnapshot_RemovedDropsKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.log.InsertAddEvent(ctx, "ns", "b", "gone", blobID("v1"))
	require.NoError(t, err)
	_, err = f.log.InsertAddEvent(ctx, "ns", "b", "kept", blobID("v1"))
	require.NoError(t, err)
	_, err = f.log.InsertAddEvent(ctx, "ns", "b", "kept", blobID("v2"))
	require.NoError(t, err)
	last, err := f.log.InsertRemoveEvent(ctx, "ns", "b", "gone", blobID("v1"))
	require.NoError(t, err)

	info, err := f.builder.BuildSnapshot(ctx, "ns", "snaps")
	require.NoError(t, err)
	assert.Equal(t, "snaps", info.SnapshotNamespace)

	s := f.load(t, info)
	assert.Equal(t, last, s.Watermark())
	assert.Equal(t, []snapshot.LiveObject{{Bucket: "b", Key: "kept", Blob: blobID("v2")}}, s.LiveObjects)
}

func TestBuildSnapshot_UnknownNamespace(t *testing.T) {
	f := newFixture(t)
	_, err := f.builder.BuildSnapshot(context.Background(), "missing", "")
	assert.ErrorIs(t, err, refstore.ErrNamespaceNotFound)
}

func TestBuildSnapshot_Retention(t *testing.T) {
	const retained = 3
	f := newFixture(t, snapshot.WithMaxSnapshots(retained), snapshot.WithLogPruning(false))
	ctx := context.Background()

	var created []refstore.BlobIdentifier
	for i := 0; i < retained+2; i++ {
		_, err := f.log.InsertAddEvent(ctx, "ns", "b", fmt.Sprintf("k%d", i), blobID(fmt.Sprint(i)))
		require.NoError(t, err)
		info, err := f.builder.BuildSnapshot(ctx, "ns", "")
		require.NoError(t, err)
		created = append(created, info.SnapshotBlob)
		f.clock.Advance(time.Minute)
	}

	var listed []refstore.BlobIdentifier
	for info, err := range f.log.GetSnapshots(ctx, "ns") {
		require.NoError(t, err)
		listed = append(listed, info.SnapshotBlob)
	}
	assert.Equal(t, []refstore.BlobIdentifier{created[4], created[3], created[2]}, listed)
}

func TestBuildSnapshot_UnchangedLogReusesSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.log.InsertAddEvent(ctx, "ns", "b", "k", blobID("v"))
	require.NoError(t, err)

	first, err := f.builder.BuildSnapshot(ctx, "ns", "")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	second, err := f.builder.BuildSnapshot(ctx, "ns", "")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	count := 0
	for _, err := range f.log.GetSnapshots(ctx, "ns") {
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 1, count)
}

func TestBuildSnapshot_RetentionCountsDistinctSnapshots(t *testing.T) {
	f := newFixture(t, snapshot.WithMaxSnapshots(2), snapshot.WithLogPruning(false))
	ctx := context.Background()

	listed := func() []refstore.BlobIdentifier {
		var ids []refstore.BlobIdentifier
		for info, err := range f.log.GetSnapshots(ctx, "ns") {
			require.NoError(t, err)
			ids = append(ids, info.SnapshotBlob)
		}
		return ids
	}

	_, err := f.log.InsertAddEvent(ctx, "ns", "b", "k1", blobID("1"))
	require.NoError(t, err)
	first, err := f.builder.BuildSnapshot(ctx, "ns", "")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	_, err = f.log.InsertAddEvent(ctx, "ns", "b", "k2", blobID("2"))
	require.NoError(t, err)
	second, err := f.builder.BuildSnapshot(ctx, "ns", "")
	require.NoError(t, err)

	// rebuilding an unchanged log neither indexes a new entry nor expires
	// the older snapshot
	for i := 0; i < 3; i++ {
		f.clock.Advance(time.Minute)
		again, err := f.builder.BuildSnapshot(ctx, "ns", "")
		require.NoError(t, err)
		assert.Equal(t, second, again)
	}
	assert.Equal(t, []refstore.BlobIdentifier{second.SnapshotBlob, first.SnapshotBlob}, listed())

	_, err = f.log.InsertAddEvent(ctx, "ns", "b", "k3", blobID("3"))
	require.NoError(t, err)
	third, err := f.builder.BuildSnapshot(ctx, "ns", "")
	require.NoError(t, err)
	assert.Equal(t, []refstore.BlobIdentifier{third.SnapshotBlob, second.SnapshotBlob}, listed())
}

func TestBuildSnapshot_PrunesCoveredBuckets(t *testing.T) {
	f := newFixture(t, snapshot.WithMaxSnapshots(1))
	ctx := context.Background()

	early, err := f.log.InsertAddEvent(ctx, "ns", "b", "early", blobID("early"))
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	_, err = f.log.InsertAddEvent(ctx, "ns", "b", "late", blobID("late"))
	require.NoError(t, err)

	info, err := f.builder.BuildSnapshot(ctx, "ns", "")
	require.NoError(t, err)
	assert.Len(t, f.load(t, info).LiveObjects, 2)

	events := replogtest.Collect(t, f.log, "ns", refstore.Watermark{}, 0)
	require.Len(t, events, 1)
	assert.Equal(t, "late", events[0].Key)

	_, err = f.log.Get(ctx, "ns", early, 0)
	var cursorErr *refstore.InvalidCursorError
	assert.ErrorAs(t, err, &cursorErr)
}

func TestBuildSnapshot_ContinuesFromPreviousSnapshot(t *testing.T) {
	f := newFixture(t, snapshot.WithMaxSnapshots(1))
	ctx := context.Background()

	_, err := f.log.InsertAddEvent(ctx, "ns", "b", "first", blobID("first"))
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	_, err = f.log.InsertAddEvent(ctx, "ns", "b", "second", blobID("second"))
	require.NoError(t, err)
	_, err = f.builder.BuildSnapshot(ctx, "ns", "")
	require.NoError(t, err)

	// "first" now lives only in the snapshot
	require.Len(t, replogtest.Collect(t, f.log, "ns", refstore.Watermark{}, 0), 1)

	f.clock.Advance(time.Hour)
	_, err = f.log.InsertAddEvent(ctx, "ns", "b", "third", blobID("third"))
	require.NoError(t, err)
	_, err = f.log.InsertRemoveEvent(ctx, "ns", "b", "second", blobID("second"))
	require.NoError(t, err)
	last, err := f.log.InsertAddEvent(ctx, "ns", "c", "fourth", blobID("fourth"))
	require.NoError(t, err)

	info, err := f.builder.BuildSnapshot(ctx, "ns", "")
	require.NoError(t, err)

	s := f.load(t, info)
	assert.Equal(t, last, s.Watermark())
	assert.Equal(t, []snapshot.LiveObject{
		{Bucket: "b", Key: "first", Blob: blobID("first")},
		{Bucket: "b", Key: "third", Blob: blobID("third")},
		{Bucket: "c", Key: "fourth", Blob: blobID("fourth")},
	}, s.LiveObjects)
}

func TestBuildAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, ns := range []string{"alpha", "beta"} {
		_, err := f.log.InsertAddEvent(ctx, ns, "b", "k", blobID(ns))
		require.NoError(t, err)
	}

	infos, err := f.builder.BuildAll(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	built := map[string]string{}
	for _, info := range infos {
		built[info.SourceNamespace] = info.SnapshotNamespace
	}
	assert.Equal(t, map[string]string{"alpha": "alpha-snapshots", "beta": "beta-snapshots"}, built)
}
