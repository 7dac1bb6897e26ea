// Package replogtest holds behavioural tests shared by every
// refstore.ReplicationLog implementation.
package replogtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-refstore/pkg/refstore"
)

// Factory returns a ready log. Tests use fresh random namespaces, so the
// same backing database may be shared between calls.
type Factory func(t *testing.T) refstore.ReplicationLog

// Collect drains a Get sequence.
func Collect(t *testing.T, log refstore.ReplicationLog, ns string, after refstore.Watermark, limit int) []refstore.ReplicationLogEvent {
	t.Helper()
	seq, err := log.Get(context.Background(), ns, after, limit)
	require.NoError(t, err)
	var events []refstore.ReplicationLogEvent
	for e, err := range seq {
		require.NoError(t, err)
		events = append(events, e)
	}
	return events
}

func keys(events []refstore.ReplicationLogEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Key
	}
	return out
}

func newNamespace() string {
	return "ns-" + uuid.NewString()
}

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// Run executes the shared suite against the logs produced by factory.
func Run(t *testing.T, factory Factory) {
	ctx := context.Background()
	blob := refstore.ComputeBlobIdentifier([]byte("payload"))

	t.Run("UnknownNamespace", func(t *testing.T) {
		log := factory(t)
		_, err := log.Get(ctx, newNamespace(), refstore.Watermark{}, 0)
		assert.ErrorIs(t, err, refstore.ErrNamespaceNotFound)
	})

	t.Run("OrderAcrossBuckets", func(t *testing.T) {
		log := factory(t)
		ns := newNamespace()

		_, err := log.InsertAddEvent(ctx, ns, "b", "k1", blob, refstore.WithTimestamp(base))
		require.NoError(t, err)
		_, err = log.InsertAddEvent(ctx, ns, "b", "k2", blob, refstore.WithTimestamp(base.Add(2*time.Hour)))
		require.NoError(t, err)
		_, err = log.InsertRemoveEvent(ctx, ns, "b", "k1", blob, refstore.WithTimestamp(base.Add(10*time.Minute)))
		require.NoError(t, err)
		// backfill into the oldest bucket lands before the newer bucket
		_, err = log.InsertAddEvent(ctx, ns, "b", "k3", blob, refstore.WithTimestamp(base.Add(5*time.Minute)))
		require.NoError(t, err)

		events := Collect(t, log, ns, refstore.Watermark{}, 0)
		assert.Equal(t, []string{"k1", "k1", "k3", "k2"}, keys(events))
		assert.Equal(t, refstore.OpAdded, events[0].Op)
		assert.Equal(t, refstore.OpRemoved, events[1].Op)
		assert.Equal(t, refstore.TimeBucketFor(base, time.Hour), events[0].TimeBucket)
		assert.Equal(t, refstore.TimeBucketFor(base.Add(2*time.Hour), time.Hour), events[3].TimeBucket)
		assert.Equal(t, blob, events[0].Blob)
		assert.Equal(t, ns, events[0].Namespace)
	})

	t.Run("AnchorIsExcluded", func(t *testing.T) {
		log := factory(t)
		ns := newNamespace()

		var marks []refstore.Watermark
		for i, k := range []string{"a", "b", "c", "d"} {
			w, err := log.InsertAddEvent(ctx, ns, "bucket", k, blob, refstore.WithTimestamp(base.Add(time.Duration(i)*40*time.Minute)))
			require.NoError(t, err)
			marks = append(marks, w)
		}

		assert.Equal(t, []string{"c", "d"}, keys(Collect(t, log, ns, marks[1], 0)))
		assert.Empty(t, Collect(t, log, ns, marks[3], 0))
		assert.Equal(t, []string{"b", "c"}, keys(Collect(t, log, ns, marks[0], 2)))
		assert.Equal(t, []string{"a"}, keys(Collect(t, log, ns, refstore.Watermark{}, 1)))
	})

	t.Run("InvalidCursor", func(t *testing.T) {
		log := factory(t)
		ns := newNamespace()
		w, err := log.InsertAddEvent(ctx, ns, "bucket", "key", blob, refstore.WithTimestamp(base))
		require.NoError(t, err)

		_, err = log.Get(ctx, ns, refstore.Watermark{Bucket: "this-does-not-exist", Event: uuid.New()}, 0)
		require.ErrorIs(t, err, refstore.ErrInvalidCursor)
		var cursorErr *refstore.InvalidCursorError
		require.True(t, errors.As(err, &cursorErr))
		assert.Equal(t, ns, cursorErr.Namespace)

		_, err = log.Get(ctx, ns, refstore.Watermark{Bucket: w.Bucket, Event: uuid.New()}, 0)
		assert.ErrorIs(t, err, refstore.ErrInvalidCursor)
	})

	t.Run("PruneBuckets", func(t *testing.T) {
		log := factory(t)
		ns := newNamespace()

		old, err := log.InsertAddEvent(ctx, ns, "bucket", "old", blob, refstore.WithTimestamp(base))
		require.NoError(t, err)
		mid, err := log.InsertAddEvent(ctx, ns, "bucket", "mid", blob, refstore.WithTimestamp(base.Add(time.Hour)))
		require.NoError(t, err)
		_, err = log.InsertAddEvent(ctx, ns, "bucket", "new", blob, refstore.WithTimestamp(base.Add(2*time.Hour)))
		require.NoError(t, err)

		n, err := log.PruneBuckets(ctx, ns, mid.Bucket)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		assert.Equal(t, []string{"mid", "new"}, keys(Collect(t, log, ns, refstore.Watermark{}, 0)))
		assert.Equal(t, []string{"new"}, keys(Collect(t, log, ns, mid, 0)))

		_, err = log.Get(ctx, ns, old, 0)
		assert.ErrorIs(t, err, refstore.ErrInvalidCursor)

		n, err = log.PruneBuckets(ctx, ns, mid.Bucket)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("GetNamespaces", func(t *testing.T) {
		log := factory(t)
		ns1, ns2 := newNamespace(), newNamespace()
		_, err := log.InsertAddEvent(ctx, ns1, "b", "k", blob)
		require.NoError(t, err)
		_, err = log.InsertAddEvent(ctx, ns2, "b", "k", blob)
		require.NoError(t, err)

		var namespaces []string
		for ns, err := range log.GetNamespaces(ctx) {
			require.NoError(t, err)
			namespaces = append(namespaces, ns)
		}
		assert.Contains(t, namespaces, ns1)
		assert.Contains(t, namespaces, ns2)
	})

	t.Run("SnapshotsDoNotCreateNamespace", func(t *testing.T) {
		log := factory(t)
		ns := newNamespace()
		info := refstore.SnapshotInfo{
			SourceNamespace:   ns,
			SnapshotNamespace: ns + "-snapshots",
			SnapshotBlob:      refstore.ComputeBlobIdentifier([]byte("snapshot only")),
			CreatedAt:         base,
		}
		require.NoError(t, log.AddSnapshot(ctx, info))

		for listed, err := range log.GetNamespaces(ctx) {
			require.NoError(t, err)
			assert.NotEqual(t, ns, listed)
		}
		_, err := log.Get(ctx, ns, refstore.Watermark{}, 0)
		assert.ErrorIs(t, err, refstore.ErrNamespaceNotFound)

		newest, err := refstore.NewestSnapshot(ctx, log, ns)
		require.NoError(t, err)
		assert.Equal(t, info.SnapshotBlob, newest.SnapshotBlob)

		_, err = log.InsertAddEvent(ctx, ns, "b", "k", blob)
		require.NoError(t, err)
		assert.Len(t, Collect(t, log, ns, refstore.Watermark{}, 0), 1)
	})

	t.Run("Snapshots", func(t *testing.T) {
		log := factory(t)
		ns := newNamespace()

		_, err := refstore.NewestSnapshot(ctx, log, ns)
		assert.ErrorIs(t, err, refstore.ErrSnapshotNotFound)

		var infos []refstore.SnapshotInfo
		for i := 0; i < 3; i++ {
			info := refstore.SnapshotInfo{
				SourceNamespace:   ns,
				SnapshotNamespace: ns + "-snapshots",
				SnapshotBlob:      refstore.ComputeBlobIdentifier([]byte{byte(i)}),
				CreatedAt:         base.Add(time.Duration(i) * time.Minute),
			}
			require.NoError(t, log.AddSnapshot(ctx, info))
			infos = append(infos, info)
		}

		var listed []refstore.BlobIdentifier
		for s, err := range log.GetSnapshots(ctx, ns) {
			require.NoError(t, err)
			listed = append(listed, s.SnapshotBlob)
		}
		assert.Equal(t, []refstore.BlobIdentifier{infos[2].SnapshotBlob, infos[1].SnapshotBlob, infos[0].SnapshotBlob}, listed)

		newest, err := refstore.NewestSnapshot(ctx, log, ns)
		require.NoError(t, err)
		assert.Equal(t, infos[2].SnapshotBlob, newest.SnapshotBlob)
		assert.Equal(t, ns+"-snapshots", newest.SnapshotNamespace)

		require.NoError(t, log.DeleteSnapshot(ctx, ns, infos[2].SnapshotBlob))
		assert.ErrorIs(t, log.DeleteSnapshot(ctx, ns, infos[2].SnapshotBlob), refstore.ErrSnapshotNotFound)

		newest, err = refstore.NewestSnapshot(ctx, log, ns)
		require.NoError(t, err)
		assert.Equal(t, infos[1].SnapshotBlob, newest.SnapshotBlob)
	})
}
