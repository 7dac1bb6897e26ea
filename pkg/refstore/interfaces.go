package refstore

import (
	"context"
	"io"
	"iter"
	"time"
)

// BlobBackend is a single storage tier holding content-addressed blobs.
// Backends store bytes under (namespace, id) without verifying the hash;
// verification happens once in the BlobStore in front of them.
type BlobBackend interface {
	// Put stores the content read from r
	Put(ctx context.Context, namespace string, id BlobIdentifier, r io.Reader) error

	// Get opens the blob for reading, ErrBlobNotFound if absent
	Get(ctx context.Context, namespace string, id BlobIdentifier) (io.ReadCloser, error)

	// Exists reports whether the blob is present
	Exists(ctx context.Context, namespace string, id BlobIdentifier) (bool, error)

	// Delete removes the blob, ErrBlobNotFound if absent
	Delete(ctx context.Context, namespace string, id BlobIdentifier) error
}

// BlobStore is the tiered, hash-verifying blob store the rest of the
// system talks to.
type BlobStore interface {
	// Put verifies that data hashes to id and stores it. Storing identical
	// content twice is a no-op success.
	Put(ctx context.Context, namespace string, data []byte, id BlobIdentifier) error

	// Get returns the blob from the first tier that has it. When tiers is
	// non-empty only tiers with those names are consulted.
	Get(ctx context.Context, namespace string, id BlobIdentifier, tiers ...string) (io.ReadCloser, error)

	// Exists reports whether the blob is present in a local tier
	Exists(ctx context.Context, namespace string, id BlobIdentifier) (bool, error)

	// FilterOutKnownBlobs returns the subset of ids not present locally
	FilterOutKnownBlobs(ctx context.Context, namespace string, ids []BlobIdentifier) ([]BlobIdentifier, error)

	// Delete removes the blob from every writable tier
	Delete(ctx context.Context, namespace string, id BlobIdentifier) error
}

// RefRepository persists ObjectRecords.
type RefRepository interface {
	// PutRecord inserts or replaces the record (last write wins)
	PutRecord(ctx context.Context, record *ObjectRecord) error

	// GetRecord returns ErrRefNotFound when absent
	GetRecord(ctx context.Context, namespace, bucket, key string) (*ObjectRecord, error)

	// SetFinalized marks the record finalized if it still points at blob
	SetFinalized(ctx context.Context, namespace, bucket, key string, blob BlobIdentifier) error

	// DeleteRecord returns ErrRefNotFound when absent
	DeleteRecord(ctx context.Context, namespace, bucket, key string) error

	// ListRecords returns the records of a bucket without inline payloads.
	// An empty bucket lists the whole namespace.
	ListRecords(ctx context.Context, namespace, bucket string) ([]*ObjectRecord, error)

	// DeleteBucket removes every record in the bucket and returns them
	DeleteBucket(ctx context.Context, namespace, bucket string) ([]*ObjectRecord, error)

	// DeleteNamespace removes every record in the namespace and returns them
	DeleteNamespace(ctx context.Context, namespace string) ([]*ObjectRecord, error)

	// ListNamespaces returns every namespace holding at least one record
	ListNamespaces(ctx context.Context) ([]string, error)
}

// InsertOptions holds optional parameters of a log insert.
type InsertOptions struct {
	Timestamp *time.Time
}

// InsertOption configures a log insert.
type InsertOption func(*InsertOptions)

// WithTimestamp records the event at t instead of now, which places it in
// t's time bucket. Used to backfill.
func WithTimestamp(t time.Time) InsertOption {
	return func(o *InsertOptions) {
		o.Timestamp = &t
	}
}

// ApplyInsertOptions folds opts into an InsertOptions value.
func ApplyInsertOptions(opts ...InsertOption) InsertOptions {
	var o InsertOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// ReplicationLog is the ordered, per-namespace record of reference changes
// together with the index of snapshots taken of it.
type ReplicationLog interface {
	// InsertAddEvent appends an Added event and returns its watermark
	InsertAddEvent(ctx context.Context, namespace, bucket, key string, blob BlobIdentifier, opts ...InsertOption) (Watermark, error)

	// InsertRemoveEvent appends a Removed event and returns its watermark
	InsertRemoveEvent(ctx context.Context, namespace, bucket, key string, blob BlobIdentifier, opts ...InsertOption) (Watermark, error)

	// Get returns the events strictly after the watermark in log order. The
	// cursor is validated before the sequence is returned: an unknown
	// namespace yields ErrNamespaceNotFound, a pruned or unknown cursor
	// yields an *InvalidCursorError. limit <= 0 means no limit.
	Get(ctx context.Context, namespace string, after Watermark, limit int) (iter.Seq2[ReplicationLogEvent, error], error)

	// GetNamespaces lists every namespace that has recorded an event
	GetNamespaces(ctx context.Context) iter.Seq2[string, error]

	// AddSnapshot indexes a stored snapshot
	AddSnapshot(ctx context.Context, info SnapshotInfo) error

	// GetSnapshots lists a namespace's snapshots, newest first
	GetSnapshots(ctx context.Context, namespace string) iter.Seq2[SnapshotInfo, error]

	// DeleteSnapshot removes an index entry; the blob is left in place
	DeleteSnapshot(ctx context.Context, namespace string, blob BlobIdentifier) error

	// PruneBuckets drops every bucket strictly older than before and
	// returns how many were dropped
	PruneBuckets(ctx context.Context, namespace, before string) (int, error)
}

// NewestSnapshot returns the most recent snapshot of namespace, or
// ErrSnapshotNotFound.
func NewestSnapshot(ctx context.Context, log ReplicationLog, namespace string) (*SnapshotInfo, error) {
	for info, err := range log.GetSnapshots(ctx, namespace) {
		if err != nil {
			return nil, err
		}
		return &info, nil
	}
	return nil, ErrSnapshotNotFound
}
