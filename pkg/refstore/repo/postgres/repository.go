package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
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

// Repository implements refstore.RefRepository using PostgreSQL
type Repository struct {
	db DBTX
}

// New creates a new PostgreSQL repository
func New(db DBTX) *Repository {
	return &Repository{db: db}
}

// NewWithPool creates a new PostgreSQL repository with connection pool
func NewWithPool(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// Migrate creates the object_records table if it does not exist
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return r.handlePostgresError("migrate", err)
	}
	return nil
}

// Error handling helper
func (r *Repository) handlePostgresError(operation string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23502": // not_null_violation
			return fmt.Errorf("required field %s is missing", pgErr.ColumnName)
		case "42P01": // undefined_table
			return fmt.Errorf("table does not exist - database migration required")
		default:
			return fmt.Errorf("database error in %s: %s (code: %s)", operation, pgErr.Message, pgErr.Code)
		}
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return refstore.ErrRefNotFound
	}

	return fmt.Errorf("database error in %s: %w", operation, err)
}

func (r *Repository) PutRecord(ctx context.Context, record *refstore.ObjectRecord) error {
	query := `
		INSERT INTO object_records (
			namespace, bucket, key, blob_id, inline_payload, is_finalized, last_modified
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (namespace, bucket, key) DO UPDATE SET
			blob_id = EXCLUDED.blob_id,
			inline_payload = EXCLUDED.inline_payload,
			is_finalized = EXCLUDED.is_finalized,
			last_modified = EXCLUDED.last_modified`

	_, err := r.db.Exec(ctx, query,
		record.Namespace, record.Bucket, record.Key, record.Blob[:],
		record.InlinePayload, record.IsFinalized, record.LastModified)
	if err != nil {
		return r.handlePostgresError("put record", err)
	}
	return nil
}

func scanRecord(row pgx.Row, withPayload bool) (*refstore.ObjectRecord, error) {
	var record refstore.ObjectRecord
	var blobID []byte
	dest := []any{&record.Namespace, &record.Bucket, &record.Key, &blobID, &record.IsFinalized, &record.LastModified}
	if withPayload {
		dest = append(dest, &record.InlinePayload)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	id, err := refstore.BlobIdentifierFromBytes(blobID)
	if err != nil {
		return nil, fmt.Errorf("corrupt blob id for %s/%s: %w", record.Bucket, record.Key, err)
	}
	record.Blob = id
	return &record, nil
}

func (r *Repository) GetRecord(ctx context.Context, namespace, bucket, key string) (*refstore.ObjectRecord, error) {
	query := `
		SELECT namespace, bucket, key, blob_id, is_finalized, last_modified, inline_payload
		FROM object_records WHERE namespace = $1 AND bucket = $2 AND key = $3`

	record, err := scanRecord(r.db.QueryRow(ctx, query, namespace, bucket, key), true)
	if err != nil {
		return nil, r.handlePostgresError("get record", err)
	}
	return record, nil
}

func (r *Repository) SetFinalized(ctx context.Context, namespace, bucket, key string, blob refstore.BlobIdentifier) error {
	query := `
		UPDATE object_records SET is_finalized = TRUE
		WHERE namespace = $1 AND bucket = $2 AND key = $3 AND blob_id = $4`

	tag, err := r.db.Exec(ctx, query, namespace, bucket, key, blob[:])
	if err != nil {
		return r.handlePostgresError("set finalized", err)
	}
	if tag.RowsAffected() == 0 {
		return refstore.ErrRefNotFound
	}
	return nil
}

func (r *Repository) DeleteRecord(ctx context.Context, namespace, bucket, key string) error {
	query := `DELETE FROM object_records WHERE namespace = $1 AND bucket = $2 AND key = $3`

	tag, err := r.db.Exec(ctx, query, namespace, bucket, key)
	if err != nil {
		return r.handlePostgresError("delete record", err)
	}
	if tag.RowsAffected() == 0 {
		return refstore.ErrRefNotFound
	}
	return nil
}

func (r *Repository) collect(operation string, rows pgx.Rows, err error) ([]*refstore.ObjectRecord, error) {
	if err != nil {
		return nil, r.handlePostgresError(operation, err)
	}
	defer rows.Close()

	var records []*refstore.ObjectRecord
	for rows.Next() {
		record, err := scanRecord(rows, false)
		if err != nil {
			return nil, r.handlePostgresError(operation, err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError(operation, err)
	}
	return records, nil
}

func (r *Repository) ListRecords(ctx context.Context, namespace, bucket string) ([]*refstore.ObjectRecord, error) {
	query := `
		SELECT namespace, bucket, key, blob_id, is_finalized, last_modified
		FROM object_records
		WHERE namespace = $1 AND ($2 = '' OR bucket = $2)
		ORDER BY bucket, key`

	rows, err := r.db.Query(ctx, query, namespace, bucket)
	return r.collect("list records", rows, err)
}

func (r *Repository) DeleteBucket(ctx context.Context, namespace, bucket string) ([]*refstore.ObjectRecord, error) {
	query := `
		DELETE FROM object_records WHERE namespace = $1 AND bucket = $2
		RETURNING namespace, bucket, key, blob_id, is_finalized, last_modified`

	rows, err := r.db.Query(ctx, query, namespace, bucket)
	return r.collect("delete bucket", rows, err)
}

func (r *Repository) DeleteNamespace(ctx context.Context, namespace string) ([]*refstore.ObjectRecord, error) {
	query := `
		DELETE FROM object_records WHERE namespace = $1
		RETURNING namespace, bucket, key, blob_id, is_finalized, last_modified`

	rows, err := r.db.Query(ctx, query, namespace)
	return r.collect("delete namespace", rows, err)
}

func (r *Repository) ListNamespaces(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT DISTINCT namespace FROM object_records ORDER BY namespace`)
	if err != nil {
		return nil, r.handlePostgresError("list namespaces", err)
	}
	namespaces, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, r.handlePostgresError("list namespaces", err)
	}
	return namespaces, nil
}
