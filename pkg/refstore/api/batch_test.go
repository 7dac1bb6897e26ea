package api_test

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-refstore/pkg/refstore"
	"github.com/tendant/simple-refstore/pkg/refstore/api"
	"github.com/tendant/simple-refstore/pkg/refstore/cbobject"
	"github.com/tendant/simple-refstore/pkg/refstore/refs"
)

type batchResult struct {
	OpID       string          `json:"opId"`
	StatusCode int             `json:"statusCode"`
	Response   json.RawMessage `json:"response"`
}

func byOpID(results []batchResult) map[string]batchResult {
	out := make(map[string]batchResult, len(results))
	for _, r := range results {
		out[r.OpID] = r
	}
	return out
}

func TestBatch_JSON(t *testing.T) {
	s := newTestServer(t)
	existing := doc(t, map[string]any{"v": "existing"})
	status, _ := s.putRef(t, "/refs/ns/b/existing", existing)
	require.Equal(t, http.StatusOK, status)

	newDoc := doc(t, map[string]any{"v": "new"})
	ops := []refs.BatchOp{
		{OpID: "put", Op: refs.BatchPut, Bucket: "b", Key: "new", Payload: newDoc, PayloadHash: refstore.ComputeBlobIdentifier(newDoc)},
		{OpID: "bad-hash", Op: refs.BatchPut, Bucket: "b", Key: "bad", Payload: newDoc, PayloadHash: refstore.ComputeBlobIdentifier([]byte("x"))},
		{OpID: "get", Op: refs.BatchGet, Bucket: "b", Key: "existing"},
		{OpID: "head-missing", Op: refs.BatchHead, Bucket: "b", Key: "missing"},
		{OpID: "unknown", Op: "PATCH", Bucket: "b", Key: "existing"},
	}
	body, err := json.Marshal(ops)
	require.NoError(t, err)

	resp, data := s.do(t, http.MethodPost, "/refs/ns", body, map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var results []batchResult
	require.NoError(t, json.Unmarshal(data, &results))
	require.Len(t, results, len(ops))
	got := byOpID(results)

	assert.Equal(t, http.StatusOK, got["put"].StatusCode)
	assert.JSONEq(t, `{"needs":[]}`, string(got["put"].Response))
	assert.Equal(t, http.StatusBadRequest, got["bad-hash"].StatusCode)
	assert.Equal(t, http.StatusNotFound, got["head-missing"].StatusCode)
	assert.Equal(t, http.StatusBadRequest, got["unknown"].StatusCode)

	require.Equal(t, http.StatusOK, got["get"].StatusCode)
	var get struct {
		Blob        refstore.BlobIdentifier `json:"blob"`
		IsFinalized bool                    `json:"isFinalized"`
		Document    map[string]any          `json:"document"`
	}
	require.NoError(t, json.Unmarshal(got["get"].Response, &get))
	assert.Equal(t, refstore.ComputeBlobIdentifier(existing), get.Blob)
	assert.True(t, get.IsFinalized)
	assert.Equal(t, "existing", get.Document["v"])

	resp, _ = s.do(t, http.MethodHead, "/refs/ns/b/new", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBatch_CBOR(t *testing.T) {
	s := newTestServer(t)
	payload := doc(t, map[string]any{"v": "cbor"})
	ops := []refs.BatchOp{
		{OpID: "put", Op: refs.BatchPut, Bucket: "b", Key: "k", Payload: payload, PayloadHash: refstore.ComputeBlobIdentifier(payload)},
	}
	body, err := cbobject.Marshal(ops)
	require.NoError(t, err)

	resp, data := s.do(t, http.MethodPost, "/refs/ns", body, map[string]string{"Content-Type": api.ContentTypeCBOR})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, api.ContentTypeCBOR, resp.Header.Get("Content-Type"))

	var results []struct {
		OpID       string `cbor:"opId"`
		StatusCode int    `cbor:"statusCode"`
	}
	require.NoError(t, cbobject.Unmarshal(data, &results))
	require.Len(t, results, 1)
	assert.Equal(t, "put", results[0].OpID)
	assert.Equal(t, http.StatusOK, results[0].StatusCode)

	resp, got := s.do(t, http.MethodGet, "/refs/ns/b/k", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, payload, got)
}

func TestBatch_Malformed(t *testing.T) {
	s := newTestServer(t)
	resp, _ := s.do(t, http.MethodPost, "/refs/ns", []byte(`{"not":"an array"}`), map[string]string{"Content-Type": "application/json"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBatch_BadPayloadHashFailsOnlyItsOp(t *testing.T) {
	s := newTestServer(t)
	existing := doc(t, map[string]any{"v": "existing"})
	status, _ := s.putRef(t, "/refs/ns/b/existing", existing)
	require.Equal(t, http.StatusOK, status)

	body := []byte(`[
		{"opId":"get","op":"GET","bucket":"b","key":"existing"},
		{"opId":"empty-hash","op":"PUT","bucket":"b","key":"k1","payloadHash":""},
		{"opId":"short-hash","op":"PUT","bucket":"b","key":"k2","payloadHash":"abc"},
		{"opId":"no-hash","op":"PUT","bucket":"b","key":"k3"}
	]`)
	resp, data := s.do(t, http.MethodPost, "/refs/ns", body, map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	var results []batchResult
	require.NoError(t, json.Unmarshal(data, &results))
	require.Len(t, results, 4)
	got := byOpID(results)

	assert.Equal(t, http.StatusOK, got["get"].StatusCode)
	assert.Equal(t, http.StatusBadRequest, got["empty-hash"].StatusCode)
	assert.Equal(t, http.StatusBadRequest, got["short-hash"].StatusCode)
	assert.Contains(t, string(got["short-hash"].Response), "payloadHash")
	assert.Equal(t, http.StatusBadRequest, got["no-hash"].StatusCode)
}
