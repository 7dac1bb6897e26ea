package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/tendant/simple-refstore/pkg/refstore"
	"github.com/tendant/simple-refstore/pkg/refstore/api/problem"
)

// BlobsHandler serves /blobs
type BlobsHandler struct {
	store  refstore.BlobStore
	logger *slog.Logger
}

// NewBlobsHandler creates a blobs handler
func NewBlobsHandler(store refstore.BlobStore, logger *slog.Logger) *BlobsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BlobsHandler{store: store, logger: logger}
}

// Routes returns the routes for blobs
func (h *BlobsHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/{ns}/exists", h.FilterKnown)
	r.Get("/{ns}/{hash}", h.GetBlob)
	r.Head("/{ns}/{hash}", h.HeadBlob)
	r.Put("/{ns}/{hash}", h.PutBlob)
	r.Delete("/{ns}/{hash}", h.DeleteBlob)

	return r
}

// storageLayers parses ?storageLayers=a,b
func storageLayers(r *http.Request) []string {
	raw := r.URL.Query().Get("storageLayers")
	if raw == "" {
		return nil
	}
	var layers []string
	for _, l := range strings.Split(raw, ",") {
		if l = strings.TrimSpace(l); l != "" {
			layers = append(layers, l)
		}
	}
	return layers
}

// localGetter is implemented by stores that can skip their peer tiers
type localGetter interface {
	GetLocal(ctx context.Context, namespace string, id refstore.BlobIdentifier, tiers ...string) (io.ReadCloser, error)
}

// GetBlob streams a blob, consulting only the requested storage layers.
// With ?localOnly=true peer tiers are skipped, so peers never bounce a
// request back and forth.
func (h *BlobsHandler) GetBlob(w http.ResponseWriter, r *http.Request) {
	id, err := blobIDParam(r, "hash")
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	get := h.store.Get
	if lg, ok := h.store.(localGetter); ok && r.URL.Query().Get("localOnly") == "true" {
		get = lg.GetLocal
	}
	rc, err := get(r.Context(), chi.URLParam(r, "ns"), id, storageLayers(r)...)
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", ContentTypeBinary)
	w.Header().Set(HeaderContentHash, id.String())
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("streaming blob failed", "blob", id, "err", err)
	}
}

// HeadBlob reports whether a blob is stored locally
func (h *BlobsHandler) HeadBlob(w http.ResponseWriter, r *http.Request) {
	id, err := blobIDParam(r, "hash")
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	ok, err := h.store.Exists(r.Context(), chi.URLParam(r, "ns"), id)
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set(HeaderContentHash, id.String())
	w.WriteHeader(http.StatusOK)
}

// PutBlobResponse acknowledges a stored blob
type PutBlobResponse struct {
	Identifier refstore.BlobIdentifier `json:"identifier"`
}

// PutBlob stores the body under the identifier in the path
func (h *BlobsHandler) PutBlob(w http.ResponseWriter, r *http.Request) {
	id, err := blobIDParam(r, "hash")
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		problem.Write(w, r, fmt.Errorf("%w: reading body: %v", refstore.ErrInvalidPayload, err))
		return
	}
	if err := h.store.Put(r.Context(), chi.URLParam(r, "ns"), data, id); err != nil {
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, PutBlobResponse{Identifier: id})
}

// DeleteBlob removes a blob from every writable tier
func (h *BlobsHandler) DeleteBlob(w http.ResponseWriter, r *http.Request) {
	id, err := blobIDParam(r, "hash")
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	if err := h.store.Delete(r.Context(), chi.URLParam(r, "ns"), id); err != nil {
		problem.Write(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// NeedsResponse lists blobs that are not stored
type NeedsResponse struct {
	Needs []refstore.BlobIdentifier `json:"needs"`
}

// FilterKnown returns which of ?id=... are missing locally
func (h *BlobsHandler) FilterKnown(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query()["id"]
	ids := make([]refstore.BlobIdentifier, 0, len(raw))
	for _, s := range raw {
		id, err := refstore.ParseBlobIdentifier(s)
		if err != nil {
			problem.Write(w, r, err)
			return
		}
		ids = append(ids, id)
	}
	needs, err := h.store.FilterOutKnownBlobs(r.Context(), chi.URLParam(r, "ns"), ids)
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	if needs == nil {
		needs = []refstore.BlobIdentifier{}
	}
	writeJSON(w, r, http.StatusOK, NeedsResponse{Needs: needs})
}
