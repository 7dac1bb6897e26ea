package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/tendant/simple-refstore/pkg/refstore"
	"github.com/tendant/simple-refstore/pkg/refstore/api/problem"
	"github.com/tendant/simple-refstore/pkg/refstore/cbobject"
	"github.com/tendant/simple-refstore/pkg/refstore/refs"
)

// refFormat is the representation selected by a key's extension
type refFormat int

const (
	formatStructured refFormat = iota
	formatRaw
	formatJSON
)

// splitKey strips a representation extension from key
func splitKey(key string) (string, refFormat) {
	if k, ok := strings.CutSuffix(key, ".uecb"); ok {
		return k, formatStructured
	}
	if k, ok := strings.CutSuffix(key, ".raw"); ok {
		return k, formatRaw
	}
	if k, ok := strings.CutSuffix(key, ".json"); ok {
		return k, formatJSON
	}
	return key, formatStructured
}

// RefsHandler serves /refs
type RefsHandler struct {
	service *refs.Service
	logger  *slog.Logger
}

// NewRefsHandler creates a refs handler
func NewRefsHandler(service *refs.Service, logger *slog.Logger) *RefsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RefsHandler{service: service, logger: logger}
}

// Routes returns the routes for references
func (h *RefsHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/{ns}", func(r chi.Router) {
		r.Post("/", h.Batch)
		r.Delete("/", h.DeleteNamespace)
		r.Get("/exists", h.ExistsMultiple)
		r.Delete("/{bucket}", h.DropBucket)

		r.Put("/{bucket}/{key}", h.PutRef)
		r.Get("/{bucket}/{key}", h.GetRef)
		r.Head("/{bucket}/{key}", h.HeadRef)
		r.Delete("/{bucket}/{key}", h.DeleteRef)
		r.Get("/{bucket}/{key}/metadata", h.GetMetadata)
		r.Post("/{bucket}/{key}/finalize/{hash}", h.Finalize)
	})

	return r
}

// PutRef stores a structured payload, or a raw blob for .raw keys
func (h *RefsHandler) PutRef(w http.ResponseWriter, r *http.Request) {
	ns, bucket := chi.URLParam(r, "ns"), chi.URLParam(r, "bucket")
	key, format := splitKey(chi.URLParam(r, "key"))

	hash, err := contentHash(r)
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		problem.Write(w, r, fmt.Errorf("%w: reading body: %v", refstore.ErrInvalidPayload, err))
		return
	}

	var result *refs.PutResult
	if format == formatRaw {
		result, err = h.service.PutRaw(r.Context(), ns, bucket, key, body, hash)
	} else {
		result, err = h.service.Put(r.Context(), ns, bucket, key, body, hash)
	}
	if err != nil {
		h.logger.Debug("put ref rejected", "namespace", ns, "bucket", bucket, "key", key, "err", err)
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// GetRef returns the payload in the representation named by the key's
// extension. Attachments are not resolved, except the single attachment
// of a .raw read.
func (h *RefsHandler) GetRef(w http.ResponseWriter, r *http.Request) {
	ns, bucket := chi.URLParam(r, "ns"), chi.URLParam(r, "bucket")
	key, format := splitKey(chi.URLParam(r, "key"))
	ctx := r.Context()

	if format == formatRaw {
		data, err := h.service.GetRawAttachment(ctx, ns, bucket, key)
		if err != nil {
			problem.Write(w, r, err)
			return
		}
		writeBytes(w, r, ContentTypeBinary, refstore.BlobIdentifier{}, data)
		return
	}

	record, err := h.service.Get(ctx, ns, bucket, key, refstore.FieldsPayload)
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	if format == formatJSON {
		doc, err := cbobject.Parse(record.InlinePayload)
		if err != nil {
			problem.Write(w, r, err)
			return
		}
		w.Header().Set(HeaderContentHash, record.Blob.String())
		writeJSON(w, r, http.StatusOK, doc)
		return
	}
	writeBytes(w, r, ContentTypeCBOR, record.Blob, record.InlinePayload)
}

// HeadRef answers 200 only for complete references
func (h *RefsHandler) HeadRef(w http.ResponseWriter, r *http.Request) {
	ns, bucket := chi.URLParam(r, "ns"), chi.URLParam(r, "bucket")
	key, _ := splitKey(chi.URLParam(r, "key"))

	ok, err := h.service.Exists(r.Context(), ns, bucket, key)
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetMetadata returns the record without its payload
func (h *RefsHandler) GetMetadata(w http.ResponseWriter, r *http.Request) {
	ns, bucket := chi.URLParam(r, "ns"), chi.URLParam(r, "bucket")
	key, _ := splitKey(chi.URLParam(r, "key"))

	record, err := h.service.Get(r.Context(), ns, bucket, key, refstore.FieldsMetadata)
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, record)
}

// Finalize re-checks the needs of a reference
func (h *RefsHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	ns, bucket := chi.URLParam(r, "ns"), chi.URLParam(r, "bucket")
	key, _ := splitKey(chi.URLParam(r, "key"))
	hash, err := blobIDParam(r, "hash")
	if err != nil {
		problem.Write(w, r, err)
		return
	}

	result, err := h.service.Finalize(r.Context(), ns, bucket, key, hash)
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// ExistsResponse lists the names that are not complete references
type ExistsResponse struct {
	Missing []refstore.RefName `json:"missing"`
}

// ExistsMultiple checks every ?names=bucket.key
func (h *RefsHandler) ExistsMultiple(w http.ResponseWriter, r *http.Request) {
	ns := chi.URLParam(r, "ns")
	raw := r.URL.Query()["names"]
	names := make([]refstore.RefName, 0, len(raw))
	for _, s := range raw {
		name, err := refstore.ParseRefName(s)
		if err != nil {
			problem.Write(w, r, err)
			return
		}
		names = append(names, name)
	}

	missing, err := h.service.ExistsMultiple(r.Context(), ns, names)
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, ExistsResponse{Missing: missing})
}

// DeleteRef removes a reference
func (h *RefsHandler) DeleteRef(w http.ResponseWriter, r *http.Request) {
	ns, bucket := chi.URLParam(r, "ns"), chi.URLParam(r, "bucket")
	key, _ := splitKey(chi.URLParam(r, "key"))

	if err := h.service.Delete(r.Context(), ns, bucket, key); err != nil {
		problem.Write(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteResponse reports how many references were removed
type DeleteResponse struct {
	Deleted int `json:"deleted"`
}

// DropBucket removes every reference of a bucket
func (h *RefsHandler) DropBucket(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.DropBucket(r.Context(), chi.URLParam(r, "ns"), chi.URLParam(r, "bucket"))
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, DeleteResponse{Deleted: n})
}

// DeleteNamespace removes every reference of a namespace
func (h *RefsHandler) DeleteNamespace(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.DeleteNamespace(r.Context(), chi.URLParam(r, "ns"))
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, DeleteResponse{Deleted: n})
}

// BatchOpResult is the outcome of one batch op
type BatchOpResult struct {
	OpID       string `json:"opId" cbor:"opId"`
	StatusCode int    `json:"statusCode" cbor:"statusCode"`
	Response   any    `json:"response" cbor:"response"`
}

// batchOpRequest is a batch op as sent on the wire. The payload hash is
// parsed per op so a malformed hash fails only its own op.
type batchOpRequest struct {
	OpID               string           `json:"opId" cbor:"opId"`
	Op                 refs.BatchOpType `json:"op" cbor:"op"`
	Bucket             string           `json:"bucket" cbor:"bucket"`
	Key                string           `json:"key" cbor:"key"`
	Payload            []byte           `json:"payload,omitempty" cbor:"payload,omitempty"`
	PayloadHash        string           `json:"payloadHash,omitempty" cbor:"payloadHash,omitempty"`
	ResolveAttachments bool             `json:"resolveAttachments,omitempty" cbor:"resolveAttachments,omitempty"`
}

func (req batchOpRequest) batchOp() (refs.BatchOp, error) {
	op := refs.BatchOp{
		OpID:               req.OpID,
		Op:                 req.Op,
		Bucket:             req.Bucket,
		Key:                req.Key,
		Payload:            req.Payload,
		ResolveAttachments: req.ResolveAttachments,
	}
	if req.PayloadHash == "" {
		return op, nil
	}
	hash, err := refstore.ParseBlobIdentifier(req.PayloadHash)
	if err != nil {
		return op, fmt.Errorf("payloadHash: %w", err)
	}
	op.PayloadHash = hash
	return op, nil
}

// Batch runs a JSON or CBOR array of ops and answers in the same encoding
func (h *RefsHandler) Batch(w http.ResponseWriter, r *http.Request) {
	ns := chi.URLParam(r, "ns")
	useCBOR := strings.HasPrefix(r.Header.Get("Content-Type"), ContentTypeCBOR)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		problem.Write(w, r, fmt.Errorf("%w: reading body: %v", refstore.ErrInvalidOperation, err))
		return
	}
	var requests []batchOpRequest
	if useCBOR {
		err = cbobject.Unmarshal(body, &requests)
	} else {
		err = json.Unmarshal(body, &requests)
	}
	if err != nil {
		problem.Write(w, r, fmt.Errorf("%w: decoding batch: %v", refstore.ErrInvalidOperation, err))
		return
	}

	ops := make([]refs.BatchOp, 0, len(requests))
	var rejected []refs.BatchResult
	for _, req := range requests {
		op, err := req.batchOp()
		if err != nil {
			rejected = append(rejected, refs.BatchResult{OpID: req.OpID, Err: err})
			continue
		}
		ops = append(ops, op)
	}

	results := append(rejected, h.service.Batch(r.Context(), ns, ops)...)
	out := make([]BatchOpResult, len(results))
	for i, res := range results {
		out[i] = BatchOpResult{OpID: res.OpID, StatusCode: http.StatusOK, Response: res.Value}
		if res.Err != nil {
			p := problem.FromError(res.Err, r.URL.Path)
			out[i].StatusCode = p.Status
			out[i].Response = p
			if p.Status == http.StatusInternalServerError {
				h.logger.Error("batch op failed", "namespace", ns, "op_id", res.OpID, "err", res.Err)
			}
		}
	}

	if !useCBOR {
		writeJSON(w, r, http.StatusOK, out)
		return
	}
	data, err := cbobject.Marshal(out)
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	writeBytes(w, r, ContentTypeCBOR, refstore.BlobIdentifier{}, data)
}

// NamespacesResponse lists namespaces
type NamespacesResponse struct {
	Namespaces []string `json:"namespaces"`
}

// Namespaces lists the namespaces holding references
func (h *RefsHandler) Namespaces(w http.ResponseWriter, r *http.Request) {
	namespaces, err := h.service.Namespaces(r.Context())
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	if namespaces == nil {
		namespaces = []string{}
	}
	writeJSON(w, r, http.StatusOK, NamespacesResponse{Namespaces: namespaces})
}

// ReferencesResponse lists blob identifiers reachable from an object
type ReferencesResponse struct {
	References []refstore.BlobIdentifier `json:"references"`
}

// ObjectReferences resolves the attachment closure of a stored document
func (h *RefsHandler) ObjectReferences(w http.ResponseWriter, r *http.Request) {
	id, err := blobIDParam(r, "hash")
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	references, err := h.service.References(r.Context(), chi.URLParam(r, "ns"), id)
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, ReferencesResponse{References: references})
}

// ObjectRoutes returns the /objects routes
func (h *RefsHandler) ObjectRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{ns}/{hash}/references", h.ObjectReferences)
	return r
}
