// Package memory provides an in-process refstore.ReplicationLog.
package memory

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/tendant/simple-refstore/pkg/refstore"
)

type namespaceLog struct {
	mu sync.RWMutex

	buckets      []string // sorted
	events       map[string][]refstore.ReplicationLogEvent
	prunedBefore string
	snapshots    []refstore.SnapshotInfo

	// a namespace only exists in the log once an event was recorded;
	// snapshot index entries alone do not create it
	recorded bool
}

// Log implements refstore.ReplicationLog in memory. Each namespace has its
// own lock so writers in different namespaces do not contend.
type Log struct {
	mu          sync.RWMutex
	namespaces  map[string]*namespaceLog
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

// New creates an empty in-memory log
func New(opts ...Option) *Log {
	l := &Log{
		namespaces:  make(map[string]*namespaceLog),
		clock:       clockwork.NewRealClock(),
		granularity: refstore.DefaultBucketGranularity,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Log) namespace(ns string, create bool) *namespaceLog {
	if !create {
		l.mu.RLock()
		defer l.mu.RUnlock()
		return l.namespaces[ns]
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	nl, ok := l.namespaces[ns]
	if !ok {
		nl = &namespaceLog{events: make(map[string][]refstore.ReplicationLogEvent)}
		l.namespaces[ns] = nl
	}
	return nl
}

func (l *Log) insert(ns, bucket, key string, blob refstore.BlobIdentifier, op refstore.OpType, opts []refstore.InsertOption) (refstore.Watermark, error) {
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

	event := refstore.ReplicationLogEvent{
		Namespace:  ns,
		Bucket:     bucket,
		Key:        key,
		Blob:       blob,
		EventID:    id,
		TimeBucket: refstore.TimeBucketFor(ts, l.granularity),
		Timestamp:  ts,
		Op:         op,
	}

	nl := l.namespace(ns, true)
	nl.mu.Lock()
	defer nl.mu.Unlock()

	if _, ok := nl.events[event.TimeBucket]; !ok {
		i, _ := slices.BinarySearch(nl.buckets, event.TimeBucket)
		nl.buckets = slices.Insert(nl.buckets, i, event.TimeBucket)
	}
	nl.events[event.TimeBucket] = append(nl.events[event.TimeBucket], event)
	nl.recorded = true

	return event.Watermark(), nil
}

func (l *Log) InsertAddEvent(ctx context.Context, namespace, bucket, key string, blob refstore.BlobIdentifier, opts ...refstore.InsertOption) (refstore.Watermark, error) {
	return l.insert(namespace, bucket, key, blob, refstore.OpAdded, opts)
}

func (l *Log) InsertRemoveEvent(ctx context.Context, namespace, bucket, key string, blob refstore.BlobIdentifier, opts ...refstore.InsertOption) (refstore.Watermark, error) {
	return l.insert(namespace, bucket, key, blob, refstore.OpRemoved, opts)
}

// Get validates the cursor and returns the events after it. The events are
// copied under the namespace lock, so the sequence is stable against later
// writes.
func (l *Log) Get(ctx context.Context, namespace string, after refstore.Watermark, limit int) (iter.Seq2[refstore.ReplicationLogEvent, error], error) {
	nl := l.namespace(namespace, false)
	if nl == nil {
		return nil, refstore.ErrNamespaceNotFound
	}

	nl.mu.RLock()
	defer nl.mu.RUnlock()
	if !nl.recorded {
		return nil, refstore.ErrNamespaceNotFound
	}

	startBucket, startOffset := 0, 0
	if !after.IsZero() {
		i, found := slices.BinarySearch(nl.buckets, after.Bucket)
		if !found {
			reason := "unknown time bucket"
			if after.Bucket < nl.prunedBefore {
				reason = "time bucket has been pruned"
			}
			return nil, &refstore.InvalidCursorError{Namespace: namespace, Cursor: after, Reason: reason}
		}
		pos := slices.IndexFunc(nl.events[after.Bucket], func(e refstore.ReplicationLogEvent) bool {
			return e.EventID == after.Event
		})
		if pos < 0 {
			return nil, &refstore.InvalidCursorError{Namespace: namespace, Cursor: after, Reason: "event not found in time bucket"}
		}
		startBucket, startOffset = i, pos+1
	}

	var out []refstore.ReplicationLogEvent
collect:
	for bi := startBucket; bi < len(nl.buckets); bi++ {
		events := nl.events[nl.buckets[bi]]
		offset := 0
		if bi == startBucket {
			offset = startOffset
		}
		for _, e := range events[offset:] {
			if limit > 0 && len(out) >= limit {
				break collect
			}
			out = append(out, e)
		}
	}

	return func(yield func(refstore.ReplicationLogEvent, error) bool) {
		for _, e := range out {
			if err := ctx.Err(); err != nil {
				yield(refstore.ReplicationLogEvent{}, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}, nil
}

func (l *Log) GetNamespaces(ctx context.Context) iter.Seq2[string, error] {
	l.mu.RLock()
	namespaces := make([]string, 0, len(l.namespaces))
	for ns, nl := range l.namespaces {
		nl.mu.RLock()
		if nl.recorded {
			namespaces = append(namespaces, ns)
		}
		nl.mu.RUnlock()
	}
	l.mu.RUnlock()
	sort.Strings(namespaces)

	return func(yield func(string, error) bool) {
		for _, ns := range namespaces {
			if !yield(ns, nil) {
				return
			}
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

	nl := l.namespace(info.SourceNamespace, true)
	nl.mu.Lock()
	defer nl.mu.Unlock()
	nl.snapshots = append(nl.snapshots, info)
	return nil
}

// GetSnapshots lists snapshots newest first; ties keep the most recently
// added first.
func (l *Log) GetSnapshots(ctx context.Context, namespace string) iter.Seq2[refstore.SnapshotInfo, error] {
	var snapshots []refstore.SnapshotInfo
	if nl := l.namespace(namespace, false); nl != nil {
		nl.mu.RLock()
		snapshots = slices.Clone(nl.snapshots)
		nl.mu.RUnlock()
	}
	slices.Reverse(snapshots)
	sort.SliceStable(snapshots, func(i, j int) bool {
		return snapshots[i].CreatedAt.After(snapshots[j].CreatedAt)
	})

	return func(yield func(refstore.SnapshotInfo, error) bool) {
		for _, s := range snapshots {
			if !yield(s, nil) {
				return
			}
		}
	}
}

func (l *Log) DeleteSnapshot(ctx context.Context, namespace string, blob refstore.BlobIdentifier) error {
	nl := l.namespace(namespace, false)
	if nl == nil {
		return refstore.ErrSnapshotNotFound
	}
	nl.mu.Lock()
	defer nl.mu.Unlock()

	i := slices.IndexFunc(nl.snapshots, func(s refstore.SnapshotInfo) bool { return s.SnapshotBlob == blob })
	if i < 0 {
		return refstore.ErrSnapshotNotFound
	}
	nl.snapshots = slices.Delete(nl.snapshots, i, i+1)
	return nil
}

func (l *Log) PruneBuckets(ctx context.Context, namespace, before string) (int, error) {
	nl := l.namespace(namespace, false)
	if nl == nil {
		return 0, refstore.ErrNamespaceNotFound
	}
	nl.mu.Lock()
	defer nl.mu.Unlock()
	if !nl.recorded {
		return 0, refstore.ErrNamespaceNotFound
	}

	n, _ := slices.BinarySearch(nl.buckets, before)
	for _, b := range nl.buckets[:n] {
		delete(nl.events, b)
	}
	nl.buckets = slices.Delete(nl.buckets, 0, n)
	if before > nl.prunedBefore {
		nl.prunedBefore = before
	}
	return n, nil
}
