package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tendant/simple-refstore/pkg/refstore"
	"github.com/tendant/simple-refstore/pkg/refstore/api/problem"
	"github.com/tendant/simple-refstore/pkg/refstore/replication"
	"github.com/tendant/simple-refstore/pkg/refstore/snapshot"
)

// DefaultIncrementalCount is the page size when ?count is absent
const DefaultIncrementalCount = 1000

// ReplicationLogHandler serves /replication-log
type ReplicationLogHandler struct {
	log     refstore.ReplicationLog
	builder *snapshot.Builder
	logger  *slog.Logger
}

// NewReplicationLogHandler creates the handler. builder may be nil, which
// disables building snapshots on demand.
func NewReplicationLogHandler(log refstore.ReplicationLog, builder *snapshot.Builder, logger *slog.Logger) *ReplicationLogHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplicationLogHandler{log: log, builder: builder, logger: logger}
}

// Routes returns the routes for the replication log
func (h *ReplicationLogHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/namespaces", h.Namespaces)
	r.Get("/incremental/{ns}", h.Incremental)
	r.Get("/snapshots/{ns}", h.Snapshots)
	r.Post("/snapshots/{ns}", h.CreateSnapshot)

	return r
}

// EventsResponse is a page of log events
type EventsResponse struct {
	Events []refstore.ReplicationLogEvent `json:"events"`
}

func parseCursor(r *http.Request) (refstore.Watermark, int, error) {
	q := r.URL.Query()
	bucket, event := q.Get("lastBucket"), q.Get("lastEvent")
	count := DefaultIncrementalCount
	if raw := q.Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return refstore.Watermark{}, 0, fmt.Errorf("%w: count must be a positive integer", refstore.ErrInvalidOperation)
		}
		count = n
	}

	if bucket == "" && event == "" {
		return refstore.Watermark{}, count, nil
	}
	if bucket == "" || event == "" {
		return refstore.Watermark{}, 0, fmt.Errorf("%w: lastBucket and lastEvent go together", refstore.ErrInvalidOperation)
	}
	id, err := uuid.Parse(event)
	if err != nil {
		return refstore.Watermark{}, 0, fmt.Errorf("%w: lastEvent: %v", refstore.ErrInvalidOperation, err)
	}
	return refstore.Watermark{Bucket: bucket, Event: id}, count, nil
}

// Incremental returns the events after the cursor. A rejected cursor is
// answered with a useSnapshot problem naming the newest snapshot.
func (h *ReplicationLogHandler) Incremental(w http.ResponseWriter, r *http.Request) {
	ns := chi.URLParam(r, "ns")
	ctx := r.Context()

	after, count, err := parseCursor(r)
	if err != nil {
		problem.Write(w, r, err)
		return
	}

	events, err := h.log.Get(ctx, ns, after, count)
	var cursorErr *refstore.InvalidCursorError
	if errors.As(err, &cursorErr) {
		info, snapErr := refstore.NewestSnapshot(ctx, h.log, ns)
		switch {
		case snapErr == nil:
			cursorErr.Snapshot = info
		case !errors.Is(snapErr, refstore.ErrSnapshotNotFound):
			h.logger.Warn("looking up recovery snapshot failed", "namespace", ns, "err", snapErr)
		}
		h.logger.Info("rejected replication cursor", "namespace", ns, "cursor", after.String(), "reason", cursorErr.Reason)
		problem.Write(w, r, cursorErr)
		return
	}
	if err != nil {
		problem.Write(w, r, err)
		return
	}

	out := EventsResponse{Events: []refstore.ReplicationLogEvent{}}
	for e, err := range events {
		if err != nil {
			problem.Write(w, r, err)
			return
		}
		out.Events = append(out.Events, e)
	}
	writeJSON(w, r, http.StatusOK, out)
}

// SnapshotsResponse lists snapshots, newest first
type SnapshotsResponse struct {
	Snapshots []refstore.SnapshotInfo `json:"snapshots"`
}

// Snapshots lists the snapshots of a namespace
func (h *ReplicationLogHandler) Snapshots(w http.ResponseWriter, r *http.Request) {
	out := SnapshotsResponse{Snapshots: []refstore.SnapshotInfo{}}
	for info, err := range h.log.GetSnapshots(r.Context(), chi.URLParam(r, "ns")) {
		if err != nil {
			problem.Write(w, r, err)
			return
		}
		out.Snapshots = append(out.Snapshots, info)
	}
	writeJSON(w, r, http.StatusOK, out)
}

// CreateSnapshot builds a snapshot of a namespace now
func (h *ReplicationLogHandler) CreateSnapshot(w http.ResponseWriter, r *http.Request) {
	if h.builder == nil {
		problem.Write(w, r, fmt.Errorf("%w: snapshots are not enabled", refstore.ErrInvalidOperation))
		return
	}
	info, err := h.builder.BuildSnapshot(r.Context(), chi.URLParam(r, "ns"), "")
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, info)
}

// Namespaces lists every namespace with log events
func (h *ReplicationLogHandler) Namespaces(w http.ResponseWriter, r *http.Request) {
	out := NamespacesResponse{Namespaces: []string{}}
	for ns, err := range h.log.GetNamespaces(r.Context()) {
		if err != nil {
			problem.Write(w, r, err)
			return
		}
		out.Namespaces = append(out.Namespaces, ns)
	}
	writeJSON(w, r, http.StatusOK, out)
}

// ReplicatorsHandler serves /replicators
type ReplicatorsHandler struct {
	registry *replication.Registry
}

// NewReplicatorsHandler creates the handler
func NewReplicatorsHandler(registry *replication.Registry) *ReplicatorsHandler {
	return &ReplicatorsHandler{registry: registry}
}

// Routes returns the routes for replicators
func (h *ReplicatorsHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Get("/{name}", h.Get)
	r.Post("/{name}/trigger", h.Trigger)
	r.Put("/{name}/state", h.SetState)

	return r
}

// ReplicatorsResponse lists replicator statuses
type ReplicatorsResponse struct {
	Replicators []replication.Status `json:"replicators"`
}

// List returns the status of every replicator
func (h *ReplicatorsHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, ReplicatorsResponse{Replicators: h.registry.Statuses()})
}

func (h *ReplicatorsHandler) replicator(w http.ResponseWriter, r *http.Request) (*replication.Replicator, bool) {
	name := chi.URLParam(r, "name")
	rep, ok := h.registry.Get(name)
	if !ok {
		problem.WriteProblem(w, r, &problem.Problem{
			Type:     problem.TypeNotFound,
			Title:    http.StatusText(http.StatusNotFound),
			Status:   http.StatusNotFound,
			Detail:   fmt.Sprintf("replicator %q is not configured", name),
			Instance: r.URL.Path,
		})
	}
	return rep, ok
}

// Get returns one replicator's status
func (h *ReplicatorsHandler) Get(w http.ResponseWriter, r *http.Request) {
	rep, ok := h.replicator(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, rep.Status())
}

// TriggerResponse reports the outcome of a manual replication run
type TriggerResponse struct {
	Replicated bool               `json:"replicated"`
	Status     replication.Status `json:"status"`
}

// Trigger runs one replication round
func (h *ReplicatorsHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	rep, ok := h.replicator(w, r)
	if !ok {
		return
	}
	replicated, err := rep.TriggerNewReplications(r.Context())
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, TriggerResponse{Replicated: replicated, Status: rep.Status()})
}

// SetStateRequest seeds a replicator's watermark; omitting either field
// resets it to bootstrap from a snapshot
type SetStateRequest struct {
	Bucket *string    `json:"bucket"`
	Event  *uuid.UUID `json:"event"`
}

// SetState seeds or resets a replicator's watermark
func (h *ReplicatorsHandler) SetState(w http.ResponseWriter, r *http.Request) {
	rep, ok := h.replicator(w, r)
	if !ok {
		return
	}
	var req SetStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		problem.Write(w, r, fmt.Errorf("%w: %v", refstore.ErrInvalidOperation, err))
		return
	}
	if err := rep.SetRefState(r.Context(), req.Bucket, req.Event); err != nil {
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rep.Status())
}
