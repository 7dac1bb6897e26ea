package refstore

import (
	"errors"
	"fmt"
)

// Error types
var (
	// ErrBlobNotFound indicates a blob is not present in any tier
	ErrBlobNotFound = errors.New("blob not found")

	// ErrRefNotFound indicates a reference does not exist
	ErrRefNotFound = errors.New("ref not found")

	// ErrBucketNotFound indicates a bucket has no references
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrNamespaceNotFound indicates a namespace has no references or no log events
	ErrNamespaceNotFound = errors.New("namespace not found")

	// ErrHashMismatch indicates content does not hash to the identifier supplied with it
	ErrHashMismatch = errors.New("hash mismatch")

	// ErrMissingHash indicates a write arrived without its content hash
	ErrMissingHash = errors.New("missing content hash")

	// ErrInvalidCursor indicates a replication log watermark names a pruned or unknown bucket
	ErrInvalidCursor = errors.New("invalid replication log cursor")

	// ErrInvalidName indicates a namespace, bucket or key is malformed
	ErrInvalidName = errors.New("invalid name")

	// ErrInvalidPayload indicates a structured payload could not be parsed
	ErrInvalidPayload = errors.New("invalid structured payload")

	// ErrDeclaredFailedAttachment indicates a payload carries an attachment its producer marked as failed
	ErrDeclaredFailedAttachment = errors.New("payload contains a declared failed attachment")

	// ErrAttachmentGraphTooLarge indicates an attachment walk exceeded its node budget
	ErrAttachmentGraphTooLarge = errors.New("attachment graph too large")

	// ErrPartialObject indicates a reference exists but its attachments do not all resolve
	ErrPartialObject = errors.New("object has unresolved attachments")

	// ErrReadOnlyTier indicates a write was attempted against a read-only tier
	ErrReadOnlyTier = errors.New("storage tier is read-only")

	// ErrSnapshotNotFound indicates a namespace has no snapshot
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrInvalidOperation indicates a malformed request, such as an unknown batch op
	ErrInvalidOperation = errors.New("invalid operation")
)

// HashMismatchError carries both identifiers of a failed hash verification.
type HashMismatchError struct {
	Expected BlobIdentifier
	Actual   BlobIdentifier
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("hash mismatch: expected %s, content hashes to %s", e.Expected, e.Actual)
}

func (e *HashMismatchError) Unwrap() error {
	return ErrHashMismatch
}

// InvalidCursorError reports a rejected watermark. Snapshot, when set, is a
// snapshot the caller can bootstrap from instead.
type InvalidCursorError struct {
	Namespace string
	Cursor    Watermark
	Reason    string
	Snapshot  *SnapshotInfo
}

func (e *InvalidCursorError) Error() string {
	return fmt.Sprintf("invalid cursor %s for namespace %s: %s", e.Cursor, e.Namespace, e.Reason)
}

func (e *InvalidCursorError) Unwrap() error {
	return ErrInvalidCursor
}

// StorageError represents an error related to storage operations
type StorageError struct {
	Backend string
	Key     string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage operation %s failed for key %s on backend %s: %v", e.Op, e.Key, e.Backend, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is any of the not-found errors.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBlobNotFound) ||
		errors.Is(err, ErrRefNotFound) ||
		errors.Is(err, ErrBucketNotFound) ||
		errors.Is(err, ErrNamespaceNotFound) ||
		errors.Is(err, ErrSnapshotNotFound)
}
