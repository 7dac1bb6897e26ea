package replication_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-refstore/pkg/refstore"
	"github.com/tendant/simple-refstore/pkg/refstore/cbobject"
	"github.com/tendant/simple-refstore/pkg/refstore/replication"
)

func TestClient_RequiresBaseURL(t *testing.T) {
	_, err := replication.NewClient(replication.ClientConfig{})
	assert.Error(t, err)
}

func TestClient_SendsToken(t *testing.T) {
	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"snapshots":[]}`))
	}))
	defer srv.Close()

	client, err := replication.NewClient(replication.ClientConfig{BaseURL: srv.URL, Token: "secret"})
	require.NoError(t, err)
	snapshots, err := client.GetSnapshots(context.Background(), ns)
	require.NoError(t, err)
	assert.Empty(t, snapshots)
	assert.Equal(t, "Bearer secret", auth.Load())
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	client, err := replication.NewClient(replication.ClientConfig{
		BaseURL:      srv.URL,
		RetryMax:     3,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	data, err := client.GetBlob(context.Background(), ns, refstore.ComputeBlobIdentifier([]byte("payload")))
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
	assert.EqualValues(t, 3, calls.Load())
}

func TestClient_AgainstCluster(t *testing.T) {
	source := newCluster(t)
	ctx := context.Background()
	ids := source.addRefs(t, "refs-000", 0, 1)
	client := newClient(t, source)

	references, err := client.GetReferences(ctx, ns, ids[0])
	require.NoError(t, err)
	assert.Equal(t, []refstore.BlobIdentifier{ids[1]}, references)

	payload, err := client.GetRef(ctx, ns, "refs-000", "key-000")
	require.NoError(t, err)
	assert.Equal(t, ids[0], refstore.ComputeBlobIdentifier(payload))
	_, err = cbobject.Parse(payload)
	require.NoError(t, err)

	_, err = client.GetRef(ctx, ns, "refs-000", "missing")
	assert.ErrorIs(t, err, refstore.ErrRefNotFound)

	_, err = client.GetBlob(ctx, ns, refstore.ComputeBlobIdentifier([]byte("nowhere")))
	assert.ErrorIs(t, err, refstore.ErrBlobNotFound)

	_, err = client.GetReferences(ctx, ns, refstore.ComputeBlobIdentifier([]byte("nowhere")))
	assert.ErrorIs(t, err, refstore.ErrBlobNotFound)

	events, err := client.GetIncremental(ctx, ns, refstore.Watermark{}, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, refstore.OpAdded, events[0].Op)
	assert.Equal(t, ids[0], events[0].Blob)

	_, err = client.GetIncremental(ctx, "unknown", refstore.Watermark{}, 10)
	assert.ErrorIs(t, err, refstore.ErrNamespaceNotFound)

	var cursorErr *refstore.InvalidCursorError
	_, err = client.GetIncremental(ctx, ns, refstore.Watermark{Bucket: "this-does-not-exist", Event: events[0].EventID}, 10)
	require.ErrorAs(t, err, &cursorErr)
	assert.Nil(t, cursorErr.Snapshot)

	info, err := source.builder.BuildSnapshot(ctx, ns, "")
	require.NoError(t, err)
	_, err = client.GetIncremental(ctx, ns, refstore.Watermark{Bucket: "this-does-not-exist", Event: events[0].EventID}, 10)
	require.ErrorAs(t, err, &cursorErr)
	require.NotNil(t, cursorErr.Snapshot)
	assert.Equal(t, info.SnapshotBlob, cursorErr.Snapshot.SnapshotBlob)
	assert.Equal(t, info.SnapshotNamespace, cursorErr.Snapshot.SnapshotNamespace)
}
