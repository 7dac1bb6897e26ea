// Package api exposes the reference store, blob store, replication log and
// replicators over HTTP.
package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/tendant/simple-refstore/pkg/refstore"
)

// HeaderContentHash carries the identifier of a request or response body
const HeaderContentHash = "X-Content-Hash"

// Media types
const (
	ContentTypeCBOR   = "application/cbor"
	ContentTypeBinary = "application/octet-stream"
)

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	render.Status(r, status)
	render.JSON(w, r, v)
}

func blobIDParam(r *http.Request, name string) (refstore.BlobIdentifier, error) {
	raw := chi.URLParam(r, name)
	id, err := refstore.ParseBlobIdentifier(raw)
	if err != nil {
		return refstore.BlobIdentifier{}, fmt.Errorf("%w: %v", refstore.ErrInvalidName, err)
	}
	return id, nil
}

// contentHash reads the X-Content-Hash header
func contentHash(r *http.Request) (refstore.BlobIdentifier, error) {
	raw := r.Header.Get(HeaderContentHash)
	if raw == "" {
		return refstore.BlobIdentifier{}, refstore.ErrMissingHash
	}
	id, err := refstore.ParseBlobIdentifier(raw)
	if err != nil {
		return refstore.BlobIdentifier{}, fmt.Errorf("%w: %v", refstore.ErrMissingHash, err)
	}
	return id, nil
}

func writeBytes(w http.ResponseWriter, r *http.Request, contentType string, id refstore.BlobIdentifier, data []byte) {
	w.Header().Set("Content-Type", contentType)
	if !id.IsZero() {
		w.Header().Set(HeaderContentHash, id.String())
	}
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(data)
	}
}
