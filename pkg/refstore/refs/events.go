package refs

import (
	"context"

	"github.com/tendant/simple-refstore/pkg/refstore"
)

// EventSink receives reference lifecycle changes. The service calls it after
// the repository change has been stored.
type EventSink interface {
	// RefFinalized is fired when a record becomes finalized
	RefFinalized(ctx context.Context, record *refstore.ObjectRecord) error

	// RefRemoved is fired for every deleted record
	RefRemoved(ctx context.Context, record *refstore.ObjectRecord) error
}

// LogEventSink records lifecycle changes in a replication log
type LogEventSink struct {
	log refstore.ReplicationLog
}

// NewLogEventSink creates a sink appending to log
func NewLogEventSink(log refstore.ReplicationLog) *LogEventSink {
	return &LogEventSink{log: log}
}

func (s *LogEventSink) RefFinalized(ctx context.Context, record *refstore.ObjectRecord) error {
	_, err := s.log.InsertAddEvent(ctx, record.Namespace, record.Bucket, record.Key, record.Blob)
	return err
}

func (s *LogEventSink) RefRemoved(ctx context.Context, record *refstore.ObjectRecord) error {
	_, err := s.log.InsertRemoveEvent(ctx, record.Namespace, record.Bucket, record.Key, record.Blob)
	return err
}

// NoopEventSink is a no-operation implementation of EventSink
type NoopEventSink struct{}

// NewNoopEventSink creates a new no-operation event sink
func NewNoopEventSink() EventSink {
	return &NoopEventSink{}
}

func (n *NoopEventSink) RefFinalized(ctx context.Context, record *refstore.ObjectRecord) error {
	return nil
}

func (n *NoopEventSink) RefRemoved(ctx context.Context, record *refstore.ObjectRecord) error {
	return nil
}
