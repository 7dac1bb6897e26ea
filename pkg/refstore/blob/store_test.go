package blob_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-refstore/pkg/refstore"
	"github.com/tendant/simple-refstore/pkg/refstore/blob"
	memorystorage "github.com/tendant/simple-refstore/pkg/refstore/storage/memory"
	"github.com/tendant/simple-refstore/pkg/refstore/storage/peer"
)

func newTwoTierStore(t *testing.T) (*blob.Store, *memorystorage.Backend, *memorystorage.Backend) {
	t.Helper()
	hot := memorystorage.New()
	cold := memorystorage.New()
	store, err := blob.New(
		blob.WithTier(blob.Tier{Name: "hot", Backend: hot}),
		blob.WithTier(blob.Tier{Name: "cold", Backend: cold}),
	)
	require.NoError(t, err)
	return store, hot, cold
}

func TestStore_PutVerifiesHash(t *testing.T) {
	store, hot, cold := newTwoTierStore(t)
	ctx := context.Background()

	data := []byte("hello blob")
	id := refstore.ComputeBlobIdentifier(data)

	t.Run("Mismatch", func(t *testing.T) {
		wrong := refstore.ComputeBlobIdentifier([]byte("something else"))
		err := store.Put(ctx, "ns", data, wrong)
		assert.ErrorIs(t, err, refstore.ErrHashMismatch)

		var mismatch *refstore.HashMismatchError
		require.True(t, errors.As(err, &mismatch))
		assert.Equal(t, wrong, mismatch.Expected)
		assert.Equal(t, id, mismatch.Actual)
		assert.Equal(t, 0, hot.Len())
	})

	t.Run("WritesEveryTier", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "ns", data, id))
		require.NoError(t, store.Put(ctx, "ns", data, id), "identical put is idempotent")
		assert.Equal(t, 1, hot.Len())
		assert.Equal(t, 1, cold.Len())
	})

	t.Run("Get", func(t *testing.T) {
		got, err := blob.ReadAll(ctx, store, "ns", id)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("NamespaceIsolation", func(t *testing.T) {
		_, err := store.Get(ctx, "other", id)
		assert.ErrorIs(t, err, refstore.ErrBlobNotFound)
	})
}

func TestStore_ReadThroughFill(t *testing.T) {
	store, hot, cold := newTwoTierStore(t)
	ctx := context.Background()

	data := []byte("only cold")
	id := refstore.ComputeBlobIdentifier(data)
	require.NoError(t, cold.Put(ctx, "ns", id, strings.NewReader(string(data))))

	got, err := blob.ReadAll(ctx, store, "ns", id)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err := hot.Exists(ctx, "ns", id)
	require.NoError(t, err)
	assert.True(t, ok, "hot tier should be filled after a cold hit")
}

func TestStore_TierFilter(t *testing.T) {
	store, _, cold := newTwoTierStore(t)
	ctx := context.Background()

	data := []byte("filtered")
	id := refstore.ComputeBlobIdentifier(data)
	require.NoError(t, cold.Put(ctx, "ns", id, strings.NewReader(string(data))))

	_, err := store.Get(ctx, "ns", id, "hot")
	assert.ErrorIs(t, err, refstore.ErrBlobNotFound)

	got, err := blob.ReadAll(ctx, store, "ns", id, "cold")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestStore_ExistsFilterDelete(t *testing.T) {
	store, _, _ := newTwoTierStore(t)
	ctx := context.Background()

	a := []byte("a")
	b := []byte("b")
	idA := refstore.ComputeBlobIdentifier(a)
	idB := refstore.ComputeBlobIdentifier(b)
	require.NoError(t, store.Put(ctx, "ns", a, idA))

	ok, err := store.Exists(ctx, "ns", idA)
	require.NoError(t, err)
	assert.True(t, ok)

	unknown, err := store.FilterOutKnownBlobs(ctx, "ns", []refstore.BlobIdentifier{idA, idB, idB})
	require.NoError(t, err)
	assert.Equal(t, []refstore.BlobIdentifier{idB}, unknown)

	require.NoError(t, store.Delete(ctx, "ns", idA))
	ok, err = store.Exists(ctx, "ns", idA)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, store.Delete(ctx, "ns", idA), refstore.ErrBlobNotFound)
}

func TestStore_CorruptTierTreatedAsMissing(t *testing.T) {
	store, hot, cold := newTwoTierStore(t)
	ctx := context.Background()

	id := refstore.ComputeBlobIdentifier([]byte("genuine"))
	require.NoError(t, cold.Put(ctx, "ns", id, strings.NewReader("tampered")))

	_, err := store.Get(ctx, "ns", id)
	assert.ErrorIs(t, err, refstore.ErrBlobNotFound)
	assert.Equal(t, 0, hot.Len())
}

func TestNew_Validation(t *testing.T) {
	_, err := blob.New()
	assert.Error(t, err)

	_, err = blob.New(
		blob.WithTier(blob.Tier{Name: "a", Backend: memorystorage.New()}),
		blob.WithTier(blob.Tier{Name: "a", Backend: memorystorage.New()}),
	)
	assert.Error(t, err)

	_, err = blob.New(blob.WithTier(blob.Tier{Name: "a"}))
	assert.Error(t, err)
}

type layerRecorder struct {
	mu        sync.Mutex
	layers    []string
	localOnly bool
	requests  int
}

func (r *layerRecorder) set(layers []string, localOnly bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.layers = layers
	r.localOnly = localOnly
	r.requests++
}

func (r *layerRecorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.layers
}

func (r *layerRecorder) wasLocalOnly() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.localOnly
}

func (r *layerRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests
}

// remoteBlobs serves a minimal /blobs/{ns}/{id} endpoint over a store and
// records the storageLayers filter of each request.
func remoteBlobs(t *testing.T, store *blob.Store, layers *layerRecorder) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/blobs/"), "/")
		if len(parts) != 2 {
			http.NotFound(w, r)
			return
		}
		id, err := refstore.ParseBlobIdentifier(parts[1])
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var filter []string
		if q := r.URL.Query().Get("storageLayers"); q != "" {
			filter = strings.Split(q, ",")
		}
		localOnly := r.URL.Query().Get("localOnly") == "true"
		layers.set(filter, localOnly)
		get := store.Get
		if localOnly {
			get = store.GetLocal
		}
		rc, err := get(r.Context(), parts[0], id, filter...)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		defer rc.Close()
		io.Copy(w, rc)
	}))
}

func TestStore_PeerFallback(t *testing.T) {
	ctx := context.Background()
	data := []byte("lives on the peer")
	id := refstore.ComputeBlobIdentifier(data)

	remoteStore, err := blob.New(blob.WithTier(blob.Tier{Name: "disk", Backend: memorystorage.New()}))
	require.NoError(t, err)
	require.NoError(t, remoteStore.Put(ctx, "ns", data, id))

	seenLayers := &layerRecorder{}
	srv := remoteBlobs(t, remoteStore, seenLayers)
	defer srv.Close()

	peerBackend, err := peer.New(peer.Config{BaseURL: srv.URL, RetryMax: 1})
	require.NoError(t, err)

	local := memorystorage.New()
	store, err := blob.New(
		blob.WithTier(blob.Tier{Name: "local", Backend: local}),
		blob.WithTier(blob.Tier{Name: "remote", Backend: peerBackend, Peer: true, PeerLayers: []string{"disk"}}),
	)
	require.NoError(t, err)

	ok, err := store.Exists(ctx, "ns", id)
	require.NoError(t, err)
	assert.False(t, ok, "peers do not count for existence")

	got, err := blob.ReadAll(ctx, store, "ns", id)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, []string{"disk"}, seenLayers.get())

	ok, err = local.Exists(ctx, "ns", id)
	require.NoError(t, err)
	assert.True(t, ok, "peer hit fills the local tier")

	assert.Equal(t, []blob.TierInfo{{Name: "local"}, {Name: "remote", Peer: true}}, store.Tiers())
}

func TestStore_PeerWithoutLayersUsesPeerLocalTiers(t *testing.T) {
	ctx := context.Background()
	data := []byte("on a differently named tier")
	id := refstore.ComputeBlobIdentifier(data)

	// the far store is only reachable through the remote's own peer tier
	farStore, err := blob.New(blob.WithTier(blob.Tier{Name: "far", Backend: memorystorage.New()}))
	require.NoError(t, err)
	farID := refstore.ComputeBlobIdentifier([]byte("only far away"))
	require.NoError(t, farStore.Put(ctx, "ns", []byte("only far away"), farID))
	farLayers := &layerRecorder{}
	farSrv := remoteBlobs(t, farStore, farLayers)
	defer farSrv.Close()
	farBackend, err := peer.New(peer.Config{BaseURL: farSrv.URL, RetryMax: 1})
	require.NoError(t, err)

	remoteStore, err := blob.New(
		blob.WithTier(blob.Tier{Name: "archive", Backend: memorystorage.New()}),
		blob.WithTier(blob.Tier{Name: "far-peer", Backend: farBackend, Peer: true}),
	)
	require.NoError(t, err)
	require.NoError(t, remoteStore.Put(ctx, "ns", data, id))

	seenLayers := &layerRecorder{}
	srv := remoteBlobs(t, remoteStore, seenLayers)
	defer srv.Close()
	peerBackend, err := peer.New(peer.Config{BaseURL: srv.URL, RetryMax: 1})
	require.NoError(t, err)

	store, err := blob.New(
		blob.WithTier(blob.Tier{Name: "fast", Backend: memorystorage.New()}),
		blob.WithTier(blob.Tier{Name: "peer", Backend: peerBackend, Peer: true}),
	)
	require.NoError(t, err)

	got, err := blob.ReadAll(ctx, store, "ns", id)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Empty(t, seenLayers.get())
	assert.True(t, seenLayers.wasLocalOnly())

	_, err = store.Get(ctx, "ns", farID)
	assert.ErrorIs(t, err, refstore.ErrBlobNotFound)
	assert.Zero(t, farLayers.count(), "a peer request must not be forwarded to further peers")
}

func TestStore_GetLocalSkipsPeers(t *testing.T) {
	ctx := context.Background()
	data := []byte("peer only")
	id := refstore.ComputeBlobIdentifier(data)

	remoteStore, err := blob.New(blob.WithTier(blob.Tier{Name: "disk", Backend: memorystorage.New()}))
	require.NoError(t, err)
	require.NoError(t, remoteStore.Put(ctx, "ns", data, id))
	seenLayers := &layerRecorder{}
	srv := remoteBlobs(t, remoteStore, seenLayers)
	defer srv.Close()
	peerBackend, err := peer.New(peer.Config{BaseURL: srv.URL, RetryMax: 1})
	require.NoError(t, err)

	store, err := blob.New(
		blob.WithTier(blob.Tier{Name: "local", Backend: memorystorage.New()}),
		blob.WithTier(blob.Tier{Name: "remote", Backend: peerBackend, Peer: true}),
	)
	require.NoError(t, err)

	_, err = store.GetLocal(ctx, "ns", id)
	assert.ErrorIs(t, err, refstore.ErrBlobNotFound)
	assert.Zero(t, seenLayers.count())

	_, err = blob.ReadAll(ctx, store, "ns", id)
	require.NoError(t, err)
	assert.Equal(t, 1, seenLayers.count())
}
