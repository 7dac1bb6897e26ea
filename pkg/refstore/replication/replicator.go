// Package replication brings a local cluster to parity with a source
// cluster, one namespace per replicator, by bootstrapping from snapshots
// and following the source's replication log.
package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/tendant/simple-refstore/pkg/refstore"
	"github.com/tendant/simple-refstore/pkg/refstore/blob"
	"github.com/tendant/simple-refstore/pkg/refstore/refs"
	"github.com/tendant/simple-refstore/pkg/refstore/snapshot"
)

const (
	// DefaultMaxParallelReplications bounds concurrent source requests
	DefaultMaxParallelReplications = 16

	// DefaultPageSize is the number of log events requested per page
	DefaultPageSize = 1000

	// DefaultMaxRecoveries bounds snapshot recoveries within one run
	DefaultMaxRecoveries = 3
)

// ErrIncompleteReplication indicates a run stopped before an event whose
// blobs could not all be fetched. The next run retries from there.
var ErrIncompleteReplication = errors.New("replication incomplete")

// Phase is the state of a replicator
type Phase string

const (
	PhaseUninitialized Phase = "Uninitialized"
	PhaseBootstrapping Phase = "Bootstrapping"
	PhaseIncremental   Phase = "Incremental"
	PhaseIdle          Phase = "Idle"
)

// Source is the remote cluster a replicator pulls from
type Source interface {
	GetSnapshots(ctx context.Context, ns string) ([]refstore.SnapshotInfo, error)
	GetIncremental(ctx context.Context, ns string, after refstore.Watermark, count int) ([]refstore.ReplicationLogEvent, error)
	GetBlob(ctx context.Context, ns string, id refstore.BlobIdentifier) ([]byte, error)
	GetReferences(ctx context.Context, ns string, id refstore.BlobIdentifier) ([]refstore.BlobIdentifier, error)
}

// LocalRefs receives replicated references. *refs.Service implements it.
type LocalRefs interface {
	Put(ctx context.Context, ns, bucket, key string, payload []byte, hash refstore.BlobIdentifier) (*refs.PutResult, error)
	Delete(ctx context.Context, ns, bucket, key string) error
}

// Status is a point-in-time view of a replicator
type Status struct {
	Name             string             `json:"name"`
	Namespace        string             `json:"namespace"`
	Phase            Phase              `json:"phase"`
	Watermark        refstore.Watermark `json:"watermark"`
	EventsReplicated int64              `json:"eventsReplicated"`
	BlobsReplicated  int64              `json:"blobsReplicated"`
	BlobsSkipped     int64              `json:"blobsSkipped"`
	Recoveries       int64              `json:"recoveries"`
	LastError        string             `json:"lastError,omitempty"`
	LastRun          time.Time          `json:"lastRun,omitzero"`
}

// Replicator replicates one namespace from a source cluster
type Replicator struct {
	name          string
	namespace     string
	source        Source
	blobs         refstore.BlobStore
	localRefs     LocalRefs
	state         StateStore
	logger        *slog.Logger
	clock         clockwork.Clock
	maxParallel   int
	pageSize      int
	maxRecoveries int

	// run serializes replication runs and guards watermark
	run       sync.Mutex
	watermark refstore.Watermark
	loaded    bool

	mu     sync.RWMutex
	status Status
}

// Option configures a Replicator
type Option func(*Replicator)

// WithStateStore persists the watermark in store
func WithStateStore(store StateStore) Option {
	return func(r *Replicator) {
		r.state = store
	}
}

// WithLocalRefs re-creates replicated references in local
func WithLocalRefs(local LocalRefs) Option {
	return func(r *Replicator) {
		r.localRefs = local
	}
}

// WithMaxParallelReplications bounds concurrent source requests
func WithMaxParallelReplications(n int) Option {
	return func(r *Replicator) {
		if n > 0 {
			r.maxParallel = n
		}
	}
}

// WithPageSize sets the number of events requested per page
func WithPageSize(n int) Option {
	return func(r *Replicator) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

// WithMaxRecoveries bounds snapshot recoveries per run
func WithMaxRecoveries(n int) Option {
	return func(r *Replicator) {
		if n >= 0 {
			r.maxRecoveries = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Replicator) {
		r.logger = logger
	}
}

// WithClock sets the clock used for run timestamps and polling
func WithClock(clock clockwork.Clock) Option {
	return func(r *Replicator) {
		r.clock = clock
	}
}

// New creates a replicator named name for namespace
func New(name, namespace string, source Source, blobs refstore.BlobStore, opts ...Option) (*Replicator, error) {
	if name == "" {
		return nil, errors.New("replicator name is required")
	}
	if namespace == "" {
		return nil, fmt.Errorf("%w: namespace is required", refstore.ErrInvalidName)
	}
	if source == nil {
		return nil, errors.New("replication source is required")
	}
	if blobs == nil {
		return nil, errors.New("blob store is required")
	}
	r := &Replicator{
		name:          name,
		namespace:     namespace,
		source:        source,
		blobs:         blobs,
		state:         NewMemoryStateStore(),
		logger:        slog.Default(),
		clock:         clockwork.NewRealClock(),
		maxParallel:   DefaultMaxParallelReplications,
		pageSize:      DefaultPageSize,
		maxRecoveries: DefaultMaxRecoveries,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("replicator", name, "namespace", namespace)
	r.status = Status{Name: name, Namespace: namespace, Phase: PhaseUninitialized}
	return r, nil
}

// Name returns the replicator's name
func (r *Replicator) Name() string {
	return r.name
}

// Status returns a snapshot of the replicator's state
func (r *Replicator) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

func (r *Replicator) updateStatus(fn func(*Status)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.status)
}

func (r *Replicator) setPhase(p Phase) {
	r.updateStatus(func(s *Status) { s.Phase = p })
}

// SetRefState seeds the watermark. A nil bucket or event resets the
// replicator so the next run bootstraps from a snapshot.
func (r *Replicator) SetRefState(ctx context.Context, bucket *string, event *uuid.UUID) error {
	var w refstore.Watermark
	if bucket != nil && event != nil {
		w = refstore.Watermark{Bucket: *bucket, Event: *event}
	}

	r.run.Lock()
	defer r.run.Unlock()
	r.loaded = true
	return r.commit(ctx, w)
}

// commit persists w as the watermark. Callers hold r.run.
func (r *Replicator) commit(ctx context.Context, w refstore.Watermark) error {
	if err := r.state.Save(ctx, r.name, w); err != nil {
		return err
	}
	r.watermark = w
	r.updateStatus(func(s *Status) { s.Watermark = w })
	return nil
}

// TriggerNewReplications runs one replication round and reports whether it
// replicated anything. Runs are serialized.
func (r *Replicator) TriggerNewReplications(ctx context.Context) (bool, error) {
	r.run.Lock()
	defer r.run.Unlock()

	start := r.clock.Now()
	worked, err := r.replicate(ctx)
	runDuration.WithLabelValues(r.name).Observe(r.clock.Since(start).Seconds())

	r.updateStatus(func(s *Status) {
		s.LastRun = start.UTC()
		s.LastError = ""
		if err != nil {
			s.LastError = err.Error()
		}
	})
	if err != nil {
		r.logger.Warn("replication run failed", "err", err)
	}
	return worked, err
}

func (r *Replicator) replicate(ctx context.Context) (bool, error) {
	if !r.loaded {
		w, err := r.state.Load(ctx, r.name)
		if err != nil {
			return false, err
		}
		r.watermark = w
		r.loaded = true
		r.updateStatus(func(s *Status) { s.Watermark = w })
	}

	worked := false
	recovered := 0
	var suggested *refstore.SnapshotInfo
	for {
		if r.watermark.IsZero() || suggested != nil {
			bootstrapped, err := r.bootstrap(ctx, suggested)
			worked = worked || bootstrapped
			if err != nil {
				return worked, err
			}
			suggested = nil
		}

		progressed, err := r.incremental(ctx)
		worked = worked || progressed

		var cursorErr *refstore.InvalidCursorError
		if !errors.As(err, &cursorErr) {
			return worked, err
		}
		if recovered >= r.maxRecoveries {
			return worked, fmt.Errorf("giving up after %d recoveries: %w", recovered, err)
		}
		recovered++
		recoveries.WithLabelValues(r.name).Inc()
		r.updateStatus(func(s *Status) { s.Recoveries++ })
		r.logger.Info("cursor rejected by source, recovering", "watermark", r.watermark.String(), "reason", cursorErr.Reason)

		if cursorErr.Snapshot != nil {
			suggested = cursorErr.Snapshot
			continue
		}
		if err := r.commit(ctx, refstore.Watermark{}); err != nil {
			return worked, err
		}
	}
}

// bootstrap replicates every live object of a snapshot and moves the
// watermark to it. With no suggestion the source's newest snapshot is
// used; when the source has none the log is replayed from its start.
func (r *Replicator) bootstrap(ctx context.Context, info *refstore.SnapshotInfo) (bool, error) {
	if info == nil {
		snapshots, err := r.source.GetSnapshots(ctx, r.namespace)
		if err != nil {
			return false, fmt.Errorf("listing source snapshots: %w", err)
		}
		if len(snapshots) == 0 {
			r.logger.Debug("source has no snapshot, replaying log from the start")
			return false, r.commit(ctx, refstore.Watermark{})
		}
		info = &snapshots[0]
	}

	r.setPhase(PhaseBootstrapping)
	logger := r.logger.With("snapshot", info.SnapshotBlob)

	data, err := r.source.GetBlob(ctx, info.SnapshotNamespace, info.SnapshotBlob)
	if err != nil {
		return false, fmt.Errorf("downloading snapshot %s: %w", info.SnapshotBlob, err)
	}
	if actual := refstore.ComputeBlobIdentifier(data); actual != info.SnapshotBlob {
		return false, &refstore.HashMismatchError{Expected: info.SnapshotBlob, Actual: actual}
	}
	snap, err := snapshot.Decode(data)
	if err != nil {
		return false, err
	}
	logger.Info("bootstrapping from snapshot", "live_objects", len(snap.LiveObjects), "watermark", snap.Watermark().String())

	items := make([]item, len(snap.LiveObjects))
	for i, obj := range snap.LiveObjects {
		items[i] = item{op: refstore.OpAdded, bucket: obj.Bucket, key: obj.Key, blob: obj.Blob}
	}
	done, err := r.replicateItems(ctx, items)
	if err != nil {
		return true, err
	}
	if done < len(items) {
		return true, fmt.Errorf("%w: %d of %d snapshot objects replicated", ErrIncompleteReplication, done, len(items))
	}

	snapshotsApplied.WithLabelValues(r.name).Inc()
	if err := r.commit(ctx, snap.Watermark()); err != nil {
		return true, err
	}
	return true, nil
}

// incremental pages through the source log until it is caught up
func (r *Replicator) incremental(ctx context.Context) (bool, error) {
	r.setPhase(PhaseIncremental)
	worked := false
	for {
		events, err := r.source.GetIncremental(ctx, r.namespace, r.watermark, r.pageSize)
		if errors.Is(err, refstore.ErrNamespaceNotFound) {
			r.setPhase(PhaseIdle)
			return worked, nil
		}
		if err != nil {
			return worked, err
		}
		if len(events) == 0 {
			r.setPhase(PhaseIdle)
			return worked, nil
		}

		items := make([]item, len(events))
		for i, e := range events {
			items[i] = item{op: e.Op, bucket: e.Bucket, key: e.Key, blob: e.Blob}
		}
		done, err := r.replicateItems(ctx, items)
		if done > 0 {
			worked = true
			last := events[done-1]
			if err := r.commit(ctx, last.Watermark()); err != nil {
				return worked, err
			}
			eventsReplicated.WithLabelValues(r.name).Add(float64(done))
			lastEventTimestamp.WithLabelValues(r.name).Set(float64(last.Timestamp.Unix()))
			r.updateStatus(func(s *Status) { s.EventsReplicated += int64(done) })
		}
		if err != nil {
			return worked, err
		}
		if done < len(events) {
			return worked, fmt.Errorf("%w: stopped at event %s", ErrIncompleteReplication, events[done].Watermark())
		}
	}
}

// item is one reference change to replicate
type item struct {
	op     refstore.OpType
	bucket string
	key    string
	blob   refstore.BlobIdentifier
}

// replicateItems fetches the blob closures of items and returns the length
// of the leading run of items that are fully replicated locally.
func (r *Replicator) replicateItems(ctx context.Context, items []item) (int, error) {
	closures := make([][]refstore.BlobIdentifier, len(items))
	closureErrs := make([]error, len(items))

	var g errgroup.Group
	g.SetLimit(r.maxParallel)
	for i, it := range items {
		if it.op != refstore.OpAdded {
			continue
		}
		g.Go(func() error {
			closures[i], closureErrs[i] = r.closure(ctx, it.blob)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var wanted []refstore.BlobIdentifier
	for i := range items {
		if closureErrs[i] == nil {
			wanted = append(wanted, closures[i]...)
		}
	}
	missing, err := r.blobs.FilterOutKnownBlobs(ctx, r.namespace, refstore.UniqueBlobIdentifiers(wanted))
	if err != nil {
		return 0, fmt.Errorf("checking local blobs: %w", err)
	}
	failed := r.fetch(ctx, missing)

	for i, it := range items {
		if err := closureErrs[i]; err != nil {
			r.logger.Warn("resolving references failed", "bucket", it.bucket, "key", it.key, "blob", it.blob, "err", err)
			return i, nil
		}
		for _, id := range closures[i] {
			if _, ok := failed[id]; ok {
				return i, nil
			}
		}
		if err := r.applyLocal(ctx, it); err != nil {
			r.logger.Warn("replaying reference locally failed", "bucket", it.bucket, "key", it.key, "err", err)
			return i, nil
		}
	}
	return len(items), nil
}

// closure returns id together with every blob reachable from it on the
// source. A document the source no longer has yields an empty closure.
func (r *Replicator) closure(ctx context.Context, id refstore.BlobIdentifier) ([]refstore.BlobIdentifier, error) {
	references, err := r.source.GetReferences(ctx, r.namespace, id)
	if errors.Is(err, refstore.ErrBlobNotFound) {
		r.logger.Warn("source no longer has object, skipping", "blob", id)
		blobsSkipped.WithLabelValues(r.name).Inc()
		r.updateStatus(func(s *Status) { s.BlobsSkipped++ })
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return append([]refstore.BlobIdentifier{id}, references...), nil
}

// fetch downloads ids into the local blob store and returns the ones that
// failed. Blobs the source does not have are skipped, not failed.
func (r *Replicator) fetch(ctx context.Context, ids []refstore.BlobIdentifier) map[refstore.BlobIdentifier]error {
	var mu sync.Mutex
	failed := make(map[refstore.BlobIdentifier]error)

	var g errgroup.Group
	g.SetLimit(r.maxParallel)
	for _, id := range ids {
		g.Go(func() error {
			err := r.fetchOne(ctx, id)
			if err != nil {
				mu.Lock()
				failed[id] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed
}

func (r *Replicator) fetchOne(ctx context.Context, id refstore.BlobIdentifier) error {
	data, err := r.source.GetBlob(ctx, r.namespace, id)
	if errors.Is(err, refstore.ErrBlobNotFound) {
		r.logger.Warn("source no longer has blob, skipping", "blob", id)
		blobsSkipped.WithLabelValues(r.name).Inc()
		r.updateStatus(func(s *Status) { s.BlobsSkipped++ })
		return nil
	}
	if err == nil {
		err = r.blobs.Put(ctx, r.namespace, data, id)
	}
	if err != nil {
		r.logger.Warn("blob replication failed", "blob", id, "err", err)
		blobFailures.WithLabelValues(r.name).Inc()
		return err
	}
	blobsReplicated.WithLabelValues(r.name).Inc()
	bytesReplicated.WithLabelValues(r.name).Add(float64(len(data)))
	r.updateStatus(func(s *Status) { s.BlobsReplicated++ })
	return nil
}

func (r *Replicator) applyLocal(ctx context.Context, it item) error {
	if r.localRefs == nil {
		return nil
	}
	switch it.op {
	case refstore.OpAdded:
		payload, err := blob.ReadAll(ctx, r.blobs, r.namespace, it.blob)
		if errors.Is(err, refstore.ErrBlobNotFound) {
			// skipped on the source side
			return nil
		}
		if err != nil {
			return err
		}
		_, err = r.localRefs.Put(ctx, r.namespace, it.bucket, it.key, payload, it.blob)
		return err
	case refstore.OpRemoved:
		err := r.localRefs.Delete(ctx, r.namespace, it.bucket, it.key)
		if errors.Is(err, refstore.ErrRefNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// Run triggers replication every interval until ctx is done
func (r *Replicator) Run(ctx context.Context, interval time.Duration) {
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.TriggerNewReplications(ctx); err != nil && ctx.Err() == nil {
			r.logger.Debug("replication will be retried", "interval", interval)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}
