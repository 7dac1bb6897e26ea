package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tendant/simple-refstore/pkg/refstore"
	"github.com/tendant/simple-refstore/pkg/refstore/blob"
)

const (
	// DefaultMaxSnapshots is the number of snapshot index entries kept per namespace
	DefaultMaxSnapshots = 10

	// DefaultNamespaceSuffix is appended to a namespace to name where its snapshots are stored
	DefaultNamespaceSuffix = "-snapshots"
)

// Builder compacts replication logs into snapshots
type Builder struct {
	log          refstore.ReplicationLog
	blobs        refstore.BlobStore
	logger       *slog.Logger
	clock        clockwork.Clock
	maxSnapshots int
	compression  Compression
	pruneLog     bool
	suffix       string
}

// Option configures a Builder
type Option func(*Builder)

// WithMaxSnapshots sets how many snapshots are kept per namespace
func WithMaxSnapshots(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.maxSnapshots = n
		}
	}
}

// WithCompression sets the compression used for new snapshots
func WithCompression(c Compression) Option {
	return func(b *Builder) {
		b.compression = c
	}
}

// WithLogPruning enables or disables pruning log buckets that every
// retained snapshot already covers
func WithLogPruning(enabled bool) Option {
	return func(b *Builder) {
		b.pruneLog = enabled
	}
}

// WithNamespaceSuffix sets the suffix BuildAll derives snapshot namespaces with
func WithNamespaceSuffix(suffix string) Option {
	return func(b *Builder) {
		if suffix != "" {
			b.suffix = suffix
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) {
		b.logger = logger
	}
}

// WithClock sets the clock used for CreatedAt
func WithClock(clock clockwork.Clock) Option {
	return func(b *Builder) {
		b.clock = clock
	}
}

// NewBuilder creates a snapshot builder reading log and storing snapshots in blobs
func NewBuilder(log refstore.ReplicationLog, blobs refstore.BlobStore, opts ...Option) (*Builder, error) {
	if log == nil {
		return nil, errors.New("replication log is required")
	}
	if blobs == nil {
		return nil, errors.New("blob store is required")
	}
	b := &Builder{
		log:          log,
		blobs:        blobs,
		logger:       slog.Default(),
		clock:        clockwork.NewRealClock(),
		maxSnapshots: DefaultMaxSnapshots,
		compression:  CompressionZstd,
		pruneLog:     true,
		suffix:       DefaultNamespaceSuffix,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// SnapshotNamespace returns the namespace snapshots of ns are stored in
func (b *Builder) SnapshotNamespace(ns string) string {
	return ns + b.suffix
}

// Load fetches and decodes the snapshot info points at
func Load(ctx context.Context, blobs refstore.BlobStore, info refstore.SnapshotInfo) (*Snapshot, error) {
	data, err := blob.ReadAll(ctx, blobs, info.SnapshotNamespace, info.SnapshotBlob)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", info.SnapshotBlob, err)
	}
	return Decode(data)
}

// BuildSnapshot folds the log of sourceNs into a snapshot stored under
// snapshotNs. An empty snapshotNs uses SnapshotNamespace(sourceNs).
func (b *Builder) BuildSnapshot(ctx context.Context, sourceNs, snapshotNs string) (*refstore.SnapshotInfo, error) {
	if snapshotNs == "" {
		snapshotNs = b.SnapshotNamespace(sourceNs)
	}
	logger := b.logger.With("namespace", sourceNs, "snapshot_namespace", snapshotNs)

	previous, base := b.base(ctx, sourceNs, logger)
	st := newState(base)
	var from refstore.Watermark
	if base != nil {
		from = base.Watermark()
	}

	events, err := b.log.Get(ctx, sourceNs, from, 0)
	if err != nil {
		return nil, err
	}
	last := from
	folded := 0
	for e, err := range events {
		if err != nil {
			return nil, fmt.Errorf("read log of %s: %w", sourceNs, err)
		}
		st.apply(e)
		last = e.Watermark()
		folded++
	}

	snap := st.snapshot(last)
	data, err := Encode(snap, b.compression)
	if err != nil {
		return nil, err
	}
	id := refstore.ComputeBlobIdentifier(data)

	if previous != nil && previous.SnapshotBlob == id && previous.SnapshotNamespace == snapshotNs {
		logger.Debug("log unchanged since previous snapshot", "snapshot", id)
		return previous, nil
	}

	if err := b.blobs.Put(ctx, snapshotNs, data, id); err != nil {
		return nil, fmt.Errorf("store snapshot: %w", err)
	}
	info := refstore.SnapshotInfo{
		SourceNamespace:   sourceNs,
		SnapshotNamespace: snapshotNs,
		SnapshotBlob:      id,
		CreatedAt:         b.clock.Now().UTC(),
	}
	if err := b.log.AddSnapshot(ctx, info); err != nil {
		return nil, fmt.Errorf("index snapshot: %w", err)
	}
	logger.Info("snapshot created",
		"snapshot", id,
		"live_objects", len(snap.LiveObjects),
		"events_folded", folded,
		"watermark", last.String(),
		"size", len(data))

	if err := b.applyRetention(ctx, sourceNs, logger); err != nil {
		return &info, err
	}
	return &info, nil
}

// base returns the newest snapshot when its watermark is still a valid
// cursor, so the fold can continue from it.
func (b *Builder) base(ctx context.Context, ns string, logger *slog.Logger) (*refstore.SnapshotInfo, *Snapshot) {
	info, err := refstore.NewestSnapshot(ctx, b.log, ns)
	if err != nil {
		if !errors.Is(err, refstore.ErrSnapshotNotFound) {
			logger.Warn("failed to list snapshots", "err", err)
		}
		return nil, nil
	}
	snap, err := Load(ctx, b.blobs, *info)
	if err != nil {
		logger.Warn("previous snapshot unreadable, folding from the start", "snapshot", info.SnapshotBlob, "err", err)
		return info, nil
	}
	if snap.Watermark().IsZero() {
		return info, nil
	}
	if _, err := b.log.Get(ctx, ns, snap.Watermark(), 1); err != nil {
		logger.Warn("previous snapshot watermark no longer valid, folding from the start", "watermark", snap.Watermark().String(), "err", err)
		return info, nil
	}
	return info, snap
}

func (b *Builder) applyRetention(ctx context.Context, ns string, logger *slog.Logger) error {
	var snapshots []refstore.SnapshotInfo
	for info, err := range b.log.GetSnapshots(ctx, ns) {
		if err != nil {
			return fmt.Errorf("list snapshots: %w", err)
		}
		snapshots = append(snapshots, info)
	}
	if len(snapshots) > b.maxSnapshots {
		for _, info := range snapshots[b.maxSnapshots:] {
			if err := b.log.DeleteSnapshot(ctx, ns, info.SnapshotBlob); err != nil && !errors.Is(err, refstore.ErrSnapshotNotFound) {
				return fmt.Errorf("delete snapshot %s: %w", info.SnapshotBlob, err)
			}
			logger.Debug("snapshot expired", "snapshot", info.SnapshotBlob, "created_at", info.CreatedAt)
		}
		snapshots = snapshots[:b.maxSnapshots]
	}

	if !b.pruneLog || len(snapshots) == 0 {
		return nil
	}
	oldest, err := Load(ctx, b.blobs, snapshots[len(snapshots)-1])
	if err != nil {
		logger.Warn("oldest retained snapshot unreadable, skipping log pruning", "err", err)
		return nil
	}
	if oldest.LastBucket == "" {
		return nil
	}
	pruned, err := b.log.PruneBuckets(ctx, ns, oldest.LastBucket)
	if err != nil {
		return fmt.Errorf("prune log: %w", err)
	}
	if pruned > 0 {
		logger.Info("pruned replication log", "buckets", pruned, "before", oldest.LastBucket)
	}
	return nil
}

// BuildAll builds a snapshot for every namespace in the log. Namespaces
// holding snapshots are skipped.
func (b *Builder) BuildAll(ctx context.Context) ([]refstore.SnapshotInfo, error) {
	var namespaces []string
	for ns, err := range b.log.GetNamespaces(ctx) {
		if err != nil {
			return nil, fmt.Errorf("list namespaces: %w", err)
		}
		if strings.HasSuffix(ns, b.suffix) {
			continue
		}
		namespaces = append(namespaces, ns)
	}

	var infos []refstore.SnapshotInfo
	var errs []error
	for _, ns := range namespaces {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		info, err := b.BuildSnapshot(ctx, ns, "")
		if err != nil {
			b.logger.Error("snapshot failed", "namespace", ns, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", ns, err))
			continue
		}
		infos = append(infos, *info)
	}
	return infos, errors.Join(errs...)
}

// Run builds snapshots of every namespace each interval until ctx is done
func (b *Builder) Run(ctx context.Context, interval time.Duration) {
	ticker := b.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
		infos, err := b.BuildAll(ctx)
		if err != nil && ctx.Err() == nil {
			b.logger.Warn("snapshot round incomplete", "built", len(infos), "err", err)
			continue
		}
		b.logger.Debug("snapshot round complete", "built", len(infos))
	}
}
