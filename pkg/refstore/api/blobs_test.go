package api_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-refstore/pkg/refstore/api"
	"github.com/tendant/simple-refstore/pkg/refstore/blob"
	memorystorage "github.com/tendant/simple-refstore/pkg/refstore/storage/memory"
	"github.com/tendant/simple-refstore/pkg/refstore/storage/peer"
)

func TestBlobs_LocalOnlySkipsPeers(t *testing.T) {
	upstream := newTestServer(t)
	id := upstream.putBlob(t, "ns", []byte("upstream blob"))

	peerBackend, err := peer.New(peer.Config{BaseURL: upstream.URL, RetryMax: 1})
	require.NoError(t, err)
	blobs, err := blob.New(
		blob.WithTier(blob.Tier{Name: "memory", Backend: memorystorage.New()}),
		blob.WithTier(blob.Tier{Name: "upstream", Backend: peerBackend, Peer: true}),
	)
	require.NoError(t, err)
	srv := httptest.NewServer(api.NewRouter(api.Config{Blobs: blobs}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/blobs/ns/" + id.String() + "?localOnly=true")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/blobs/ns/" + id.String())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/blobs/ns/" + id.String() + "?localOnly=true")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "the peer hit filled the local tier")
}
