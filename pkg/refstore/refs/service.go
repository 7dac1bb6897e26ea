// Package refs implements the reference store: named structured objects
// whose attachments are tracked until every referenced blob is present.
package refs

import (
	"errors"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/tendant/simple-refstore/pkg/refstore"
)

const (
	// DefaultInlineThreshold is the largest payload kept inline in the record
	DefaultInlineThreshold = 64 * 1024

	// DefaultMaxAttachmentNodes bounds the attachments visited by one walk
	DefaultMaxAttachmentNodes = 100_000

	// DefaultBatchParallelism is the number of batch ops run concurrently
	DefaultBatchParallelism = 8
)

// Service is the reference store
type Service struct {
	repository         refstore.RefRepository
	blobs              refstore.BlobStore
	events             EventSink
	logger             *slog.Logger
	clock              clockwork.Clock
	inlineThreshold    int
	maxAttachmentNodes int
	batchParallelism   int
}

// Option represents a functional option for configuring the service
type Option func(*Service)

// WithRepository sets the record repository
func WithRepository(repo refstore.RefRepository) Option {
	return func(s *Service) {
		s.repository = repo
	}
}

// WithBlobStore sets the blob store holding payloads and attachments
func WithBlobStore(blobs refstore.BlobStore) Option {
	return func(s *Service) {
		s.blobs = blobs
	}
}

// WithEventSink sets the event sink for the service
func WithEventSink(sink EventSink) Option {
	return func(s *Service) {
		s.events = sink
	}
}

// WithReplicationLog records finalizations and removals in log
func WithReplicationLog(log refstore.ReplicationLog) Option {
	return WithEventSink(NewLogEventSink(log))
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock sets the clock used for LastModified
func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) {
		s.clock = clock
	}
}

// WithInlineThreshold sets the largest payload stored inline
func WithInlineThreshold(n int) Option {
	return func(s *Service) {
		s.inlineThreshold = n
	}
}

// WithMaxAttachmentNodes bounds attachment walks
func WithMaxAttachmentNodes(n int) Option {
	return func(s *Service) {
		s.maxAttachmentNodes = n
	}
}

// WithBatchParallelism sets how many batch ops run at once
func WithBatchParallelism(n int) Option {
	return func(s *Service) {
		s.batchParallelism = n
	}
}

// New creates a new service instance with the given options
func New(options ...Option) (*Service, error) {
	s := &Service{
		events:             NewNoopEventSink(),
		logger:             slog.Default(),
		clock:              clockwork.NewRealClock(),
		inlineThreshold:    DefaultInlineThreshold,
		maxAttachmentNodes: DefaultMaxAttachmentNodes,
		batchParallelism:   DefaultBatchParallelism,
	}

	for _, option := range options {
		option(s)
	}

	if s.repository == nil {
		return nil, errors.New("repository is required")
	}
	if s.blobs == nil {
		return nil, errors.New("blob store is required")
	}
	if s.maxAttachmentNodes <= 0 {
		s.maxAttachmentNodes = DefaultMaxAttachmentNodes
	}
	if s.batchParallelism <= 0 {
		s.batchParallelism = DefaultBatchParallelism
	}

	return s, nil
}

// BlobStore returns the blob store the service writes to
func (s *Service) BlobStore() refstore.BlobStore {
	return s.blobs
}
