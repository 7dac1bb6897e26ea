package refstore

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ObjectRecord is a named structured object stored in the reference store.
// IsFinalized is true once every blob transitively referenced by the
// payload is present in the blob store.
type ObjectRecord struct {
	Namespace     string         `json:"namespace"`
	Bucket        string         `json:"bucket"`
	Key           string         `json:"key"`
	Blob          BlobIdentifier `json:"blob_identifier"`
	InlinePayload []byte         `json:"inline_payload,omitempty"`
	IsFinalized   bool           `json:"is_finalized"`
	LastModified  time.Time      `json:"last_modified"`
}

// Name returns the bucket-qualified name of the record.
func (r *ObjectRecord) Name() string {
	return r.Bucket + "/" + r.Key
}

// RefName addresses a reference within a namespace.
type RefName struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// ParseRefName parses the "bucket.key" form used by exists queries. The
// bucket ends at the first dot; keys may contain dots.
func ParseRefName(s string) (RefName, error) {
	bucket, key, ok := strings.Cut(s, ".")
	if !ok || bucket == "" || key == "" {
		return RefName{}, fmt.Errorf("%w: %q is not of the form bucket.key", ErrInvalidName, s)
	}
	return RefName{Bucket: bucket, Key: key}, nil
}

func (n RefName) String() string {
	return n.Bucket + "." + n.Key
}

// OpType is the kind of change recorded in the replication log.
type OpType string

const (
	OpAdded   OpType = "added"
	OpRemoved OpType = "removed"
)

// IsValid reports whether op is a known operation.
func (op OpType) IsValid() bool {
	return op == OpAdded || op == OpRemoved
}

// Watermark is a cursor into a namespace's replication log: the time bucket
// and event id of the last event seen. The zero value means no cursor.
type Watermark struct {
	Bucket string    `json:"bucket"`
	Event  uuid.UUID `json:"event"`
}

// IsZero reports whether w carries no position.
func (w Watermark) IsZero() bool {
	return w.Bucket == "" && w.Event == uuid.Nil
}

func (w Watermark) String() string {
	if w.IsZero() {
		return "<start>"
	}
	return w.Bucket + "/" + w.Event.String()
}

// ReplicationLogEvent is an immutable entry in a namespace's replication log.
type ReplicationLogEvent struct {
	Namespace  string         `json:"namespace"`
	Bucket     string         `json:"bucket"`
	Key        string         `json:"key"`
	Blob       BlobIdentifier `json:"blob"`
	EventID    uuid.UUID      `json:"event_id"`
	TimeBucket string         `json:"time_bucket"`
	Timestamp  time.Time      `json:"timestamp"`
	Op         OpType         `json:"op"`
}

// Watermark returns the position of the event in the log.
func (e ReplicationLogEvent) Watermark() Watermark {
	return Watermark{Bucket: e.TimeBucket, Event: e.EventID}
}

// SnapshotInfo points at a snapshot blob stored in SnapshotNamespace.
type SnapshotInfo struct {
	SourceNamespace   string         `json:"source_namespace"`
	SnapshotNamespace string         `json:"snapshot_namespace"`
	SnapshotBlob      BlobIdentifier `json:"snapshot_blob"`
	CreatedAt         time.Time      `json:"created_at"`
}

// FieldFlags selects which parts of an ObjectRecord a read returns.
type FieldFlags uint8

const (
	// FieldsMetadata returns the record without its payload.
	FieldsMetadata FieldFlags = 1 << iota
	// FieldsPayload includes the payload, loading it from the blob store
	// when it is not stored inline.
	FieldsPayload

	FieldsAll = FieldsMetadata | FieldsPayload
)

// Has reports whether f includes every bit of flag. No flags are included
// in the zero value.
func (f FieldFlags) Has(flag FieldFlags) bool {
	return flag != 0 && f&flag == flag
}
