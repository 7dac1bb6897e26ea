package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/tendant/simple-refstore/pkg/refstore"
	"github.com/tendant/simple-refstore/pkg/refstore/refs"
	"github.com/tendant/simple-refstore/pkg/refstore/replication"
	"github.com/tendant/simple-refstore/pkg/refstore/snapshot"
)

// Config wires the handlers to their services. Nil services leave their
// routes unmounted.
type Config struct {
	Refs         *refs.Service
	Blobs        refstore.BlobStore
	Log          refstore.ReplicationLog
	Snapshots    *snapshot.Builder
	Replicators  *replication.Registry
	Logger       *slog.Logger
	MaxBodyBytes int64
}

// Register mounts every configured route on r
func Register(r chi.Router, cfg Config) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Group(func(r chi.Router) {
		r.Use(MetricsMiddleware)
		if cfg.MaxBodyBytes > 0 {
			r.Use(RequestSizeLimitMiddleware(cfg.MaxBodyBytes))
		}

		if cfg.Refs != nil {
			refsHandler := NewRefsHandler(cfg.Refs, logger)
			r.Mount("/refs", refsHandler.Routes())
			r.Mount("/objects", refsHandler.ObjectRoutes())
			r.Get("/namespaces", refsHandler.Namespaces)
		}
		if cfg.Blobs != nil {
			r.Mount("/blobs", NewBlobsHandler(cfg.Blobs, logger).Routes())
		}
		if cfg.Log != nil {
			r.Mount("/replication-log", NewReplicationLogHandler(cfg.Log, cfg.Snapshots, logger).Routes())
		}
		if cfg.Replicators != nil {
			r.Mount("/replicators", NewReplicatorsHandler(cfg.Replicators).Routes())
		}
	})
}

// NewRouter returns a router serving every configured route
func NewRouter(cfg Config) http.Handler {
	r := chi.NewRouter()
	Register(r, cfg)
	return r
}
