// Package postgres stores the replication log and its snapshot index in
// PostgreSQL.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/tendant/simple-refstore/pkg/refstore"
)

//go:embed schema.sql
var schema string

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Log implements refstore.ReplicationLog using PostgreSQL. Insertion order
// within a time bucket is the events' sequence number.
type Log struct {
	db          DBTX
	clock       clockwork.Clock
	granularity time.Duration
}

// Option configures a Log
type Option func(*Log)

// WithClock sets the clock used to timestamp events
func WithClock(clock clockwork.Clock) Option {
	return func(l *Log) {
		l.clock = clock
	}
}

// WithBucketGranularity sets the width of a time bucket
func WithBucketGranularity(g time.Duration) Option {
	return func(l *Log) {
		l.granularity = g
	}
}

// New creates a log on top of db
func New(db DBTX, opts ...Option) *Log {
	l := &Log{
		db:          db,
		clock:       clockwork.NewRealClock(),
		granularity: refstore.DefaultBucketGranularity,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewWithPool creates a log using a connection pool
func NewWithPool(pool *pgxpool.Pool, opts ...Option) *Log {
	return New(pool, opts...)
}

// Migrate creates the log tables if they do not exist
func (l *Log) Migrate(ctx context.Context) error {
	if _, err := l.db.Exec(ctx, schema); err != nil {
		return handlePostgresError("migrate", err)
	}
	return nil
}

func handlePostgresError(operation string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("duplicate replication event")
		case "42P01": // undefined_table
			return fmt.Errorf("table does not exist - database migration required")
		default:
			return fmt.Errorf("database error in %s: %s (code: %s)", operation, pgErr.Message, pgErr.Code)
		}
	}
	return fmt.Errorf("database error in %s: %w", operation, err)
}

func (l *Log) insert(ctx context.Context, ns, bucket, key string, blob refstore.BlobIdentifier, op refstore.OpType, opts []refstore.InsertOption) (refstore.Watermark, error) {
	if ns == "" || bucket == "" || key == "" {
		return refstore.Watermark{}, fmt.Errorf("%w: namespace, bucket and key are required", refstore.ErrInvalidName)
	}

	o := refstore.ApplyInsertOptions(opts...)
	ts := l.clock.Now().UTC()
	if o.Timestamp != nil {
		ts = o.Timestamp.UTC()
	}
	id, err := uuid.NewV7()
	if err != nil {
		return refstore.Watermark{}, fmt.Errorf("generate event id: %w", err)
	}
	timeBucket := refstore.TimeBucketFor(ts, l.granularity)

	if _, err := l.db.Exec(ctx, `INSERT INTO replication_namespaces (namespace) VALUES ($1) ON CONFLICT (namespace) DO NOTHING`, ns); err != nil {
		return refstore.Watermark{}, handlePostgresError("insert namespace", err)
	}

	query := `
		INSERT INTO replication_events (namespace, time_bucket, event_id, bucket, key, blob_id, op, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = l.db.Exec(ctx, query, ns, timeBucket, id, bucket, key, blob[:], string(op), ts)
	if err != nil {
		return refstore.Watermark{}, handlePostgresError("insert event", err)
	}
	return refstore.Watermark{Bucket: timeBucket, Event: id}, nil
}

func (l *Log) InsertAddEvent(ctx context.Context, namespace, bucket, key string, blob refstore.BlobIdentifier, opts ...refstore.InsertOption) (refstore.Watermark, error) {
	return l.insert(ctx, namespace, bucket, key, blob, refstore.OpAdded, opts)
}

func (l *Log) InsertRemoveEvent(ctx context.Context, namespace, bucket, key string, blob refstore.BlobIdentifier, opts ...refstore.InsertOption) (refstore.Watermark, error) {
	return l.insert(ctx, namespace, bucket, key, blob, refstore.OpRemoved, opts)
}

// validateCursor returns the (bucket, seq) position after which reading
// starts.
func (l *Log) validateCursor(ctx context.Context, namespace string, after refstore.Watermark) (string, int64, error) {
	var prunedBefore string
	err := l.db.QueryRow(ctx, `SELECT pruned_before FROM replication_namespaces WHERE namespace = $1`, namespace).Scan(&prunedBefore)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", 0, refstore.ErrNamespaceNotFound
	}
	if err != nil {
		return "", 0, handlePostgresError("get namespace", err)
	}
	if after.IsZero() {
		return "", 0, nil
	}

	var seq int64
	err = l.db.QueryRow(ctx, `
		SELECT seq FROM replication_events
		WHERE namespace = $1 AND time_bucket = $2 AND event_id = $3`,
		namespace, after.Bucket, after.Event).Scan(&seq)
	if err == nil {
		return after.Bucket, seq, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", 0, handlePostgresError("validate cursor", err)
	}

	var bucketExists bool
	err = l.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM replication_events WHERE namespace = $1 AND time_bucket = $2)`,
		namespace, after.Bucket).Scan(&bucketExists)
	if err != nil {
		return "", 0, handlePostgresError("validate cursor", err)
	}

	reason := "unknown time bucket"
	switch {
	case bucketExists:
		reason = "event not found in time bucket"
	case after.Bucket < prunedBefore:
		reason = "time bucket has been pruned"
	}
	return "", 0, &refstore.InvalidCursorError{Namespace: namespace, Cursor: after, Reason: reason}
}

// Get validates the cursor eagerly; rows are fetched when the returned
// sequence is iterated.
func (l *Log) Get(ctx context.Context, namespace string, after refstore.Watermark, limit int) (iter.Seq2[refstore.ReplicationLogEvent, error], error) {
	fromBucket, fromSeq, err := l.validateCursor(ctx, namespace, after)
	if err != nil {
		return nil, err
	}

	var limitArg any
	if limit > 0 {
		limitArg = limit
	}

	query := `
		SELECT namespace, bucket, key, blob_id, event_id, time_bucket, ts, op
		FROM replication_events
		WHERE namespace = $1 AND (time_bucket > $2 OR (time_bucket = $2 AND seq > $3))
		ORDER BY time_bucket, seq
		LIMIT $4`

	return func(yield func(refstore.ReplicationLogEvent, error) bool) {
		rows, err := l.db.Query(ctx, query, namespace, fromBucket, fromSeq, limitArg)
		if err != nil {
			yield(refstore.ReplicationLogEvent{}, handlePostgresError("get events", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var e refstore.ReplicationLogEvent
			var blobID []byte
			var op string
			if err := rows.Scan(&e.Namespace, &e.Bucket, &e.Key, &blobID, &e.EventID, &e.TimeBucket, &e.Timestamp, &op); err != nil {
				yield(refstore.ReplicationLogEvent{}, handlePostgresError("scan event", err))
				return
			}
			if e.Blob, err = refstore.BlobIdentifierFromBytes(blobID); err != nil {
				yield(refstore.ReplicationLogEvent{}, err)
				return
			}
			e.Op = refstore.OpType(op)
			e.Timestamp = e.Timestamp.UTC()
			if !yield(e, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(refstore.ReplicationLogEvent{}, handlePostgresError("get events", err))
		}
	}, nil
}

func (l *Log) GetNamespaces(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		rows, err := l.db.Query(ctx, `SELECT namespace FROM replication_namespaces ORDER BY namespace`)
		if err != nil {
			yield("", handlePostgresError("get namespaces", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var ns string
			if err := rows.Scan(&ns); err != nil {
				yield("", handlePostgresError("get namespaces", err))
				return
			}
			if !yield(ns, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield("", handlePostgresError("get namespaces", err))
		}
	}
}

func (l *Log) AddSnapshot(ctx context.Context, info refstore.SnapshotInfo) error {
	if info.SourceNamespace == "" {
		return fmt.Errorf("%w: snapshot source namespace is required", refstore.ErrInvalidName)
	}
	if info.CreatedAt.IsZero() {
		info.CreatedAt = l.clock.Now().UTC()
	}

	_, err := l.db.Exec(ctx, `
		INSERT INTO replication_snapshots (namespace, snapshot_namespace, blob_id, created_at)
		VALUES ($1, $2, $3, $4)`,
		info.SourceNamespace, info.SnapshotNamespace, info.SnapshotBlob[:], info.CreatedAt)
	if err != nil {
		return handlePostgresError("add snapshot", err)
	}
	return nil
}

func (l *Log) GetSnapshots(ctx context.Context, namespace string) iter.Seq2[refstore.SnapshotInfo, error] {
	return func(yield func(refstore.SnapshotInfo, error) bool) {
		rows, err := l.db.Query(ctx, `
			SELECT namespace, snapshot_namespace, blob_id, created_at
			FROM replication_snapshots WHERE namespace = $1
			ORDER BY created_at DESC, seq DESC`, namespace)
		if err != nil {
			yield(refstore.SnapshotInfo{}, handlePostgresError("get snapshots", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var info refstore.SnapshotInfo
			var blobID []byte
			if err := rows.Scan(&info.SourceNamespace, &info.SnapshotNamespace, &blobID, &info.CreatedAt); err != nil {
				yield(refstore.SnapshotInfo{}, handlePostgresError("get snapshots", err))
				return
			}
			if info.SnapshotBlob, err = refstore.BlobIdentifierFromBytes(blobID); err != nil {
				yield(refstore.SnapshotInfo{}, err)
				return
			}
			info.CreatedAt = info.CreatedAt.UTC()
			if !yield(info, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(refstore.SnapshotInfo{}, handlePostgresError("get snapshots", err))
		}
	}
}

func (l *Log) DeleteSnapshot(ctx context.Context, namespace string, blob refstore.BlobIdentifier) error {
	tag, err := l.db.Exec(ctx, `DELETE FROM replication_snapshots WHERE namespace = $1 AND blob_id = $2`, namespace, blob[:])
	if err != nil {
		return handlePostgresError("delete snapshot", err)
	}
	if tag.RowsAffected() == 0 {
		return refstore.ErrSnapshotNotFound
	}
	return nil
}

func (l *Log) PruneBuckets(ctx context.Context, namespace, before string) (int, error) {
	tag, err := l.db.Exec(ctx, `
		UPDATE replication_namespaces SET pruned_before = GREATEST(pruned_before, $2)
		WHERE namespace = $1`, namespace, before)
	if err != nil {
		return 0, handlePostgresError("prune buckets", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, refstore.ErrNamespaceNotFound
	}

	var pruned int
	err = l.db.QueryRow(ctx, `
		WITH deleted AS (
			DELETE FROM replication_events WHERE namespace = $1 AND time_bucket < $2
			RETURNING time_bucket
		)
		SELECT COUNT(DISTINCT time_bucket) FROM deleted`, namespace, before).Scan(&pruned)
	if err != nil {
		return 0, handlePostgresError("prune buckets", err)
	}
	return pruned, nil
}
