package memory

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/tendant/simple-refstore/pkg/refstore"
)

type recordKey struct {
	bucket string
	key    string
}

// Repository implements refstore.RefRepository using in-memory storage
type Repository struct {
	mu         sync.RWMutex
	namespaces map[string]map[recordKey]*refstore.ObjectRecord
}

// New creates a new in-memory repository
func New() *Repository {
	return &Repository{
		namespaces: make(map[string]map[recordKey]*refstore.ObjectRecord),
	}
}

func copyRecord(record *refstore.ObjectRecord, withPayload bool) *refstore.ObjectRecord {
	recordCopy := *record
	if withPayload {
		recordCopy.InlinePayload = slices.Clone(record.InlinePayload)
	} else {
		recordCopy.InlinePayload = nil
	}
	return &recordCopy
}

func (r *Repository) PutRecord(ctx context.Context, record *refstore.ObjectRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, ok := r.namespaces[record.Namespace]
	if !ok {
		records = make(map[recordKey]*refstore.ObjectRecord)
		r.namespaces[record.Namespace] = records
	}
	// Create a copy to avoid external modifications
	records[recordKey{record.Bucket, record.Key}] = copyRecord(record, true)
	return nil
}

func (r *Repository) GetRecord(ctx context.Context, namespace, bucket, key string) (*refstore.ObjectRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.namespaces[namespace][recordKey{bucket, key}]
	if !ok {
		return nil, refstore.ErrRefNotFound
	}
	return copyRecord(record, true), nil
}

func (r *Repository) SetFinalized(ctx context.Context, namespace, bucket, key string, blob refstore.BlobIdentifier) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.namespaces[namespace][recordKey{bucket, key}]
	if !ok || record.Blob != blob {
		return refstore.ErrRefNotFound
	}
	record.IsFinalized = true
	return nil
}

func (r *Repository) DeleteRecord(ctx context.Context, namespace, bucket, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := r.namespaces[namespace]
	if _, ok := records[recordKey{bucket, key}]; !ok {
		return refstore.ErrRefNotFound
	}
	delete(records, recordKey{bucket, key})
	if len(records) == 0 {
		delete(r.namespaces, namespace)
	}
	return nil
}

func sortRecords(records []*refstore.ObjectRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Bucket != records[j].Bucket {
			return records[i].Bucket < records[j].Bucket
		}
		return records[i].Key < records[j].Key
	})
}

func (r *Repository) ListRecords(ctx context.Context, namespace, bucket string) ([]*refstore.ObjectRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*refstore.ObjectRecord
	for k, record := range r.namespaces[namespace] {
		if bucket == "" || k.bucket == bucket {
			result = append(result, copyRecord(record, false))
		}
	}
	sortRecords(result)
	return result, nil
}

func (r *Repository) DeleteBucket(ctx context.Context, namespace, bucket string) ([]*refstore.ObjectRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := r.namespaces[namespace]
	var deleted []*refstore.ObjectRecord
	for k, record := range records {
		if k.bucket == bucket {
			deleted = append(deleted, copyRecord(record, false))
			delete(records, k)
		}
	}
	if len(records) == 0 {
		delete(r.namespaces, namespace)
	}
	sortRecords(deleted)
	return deleted, nil
}

func (r *Repository) DeleteNamespace(ctx context.Context, namespace string) ([]*refstore.ObjectRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted []*refstore.ObjectRecord
	for _, record := range r.namespaces[namespace] {
		deleted = append(deleted, copyRecord(record, false))
	}
	delete(r.namespaces, namespace)
	sortRecords(deleted)
	return deleted, nil
}

func (r *Repository) ListNamespaces(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	namespaces := make([]string, 0, len(r.namespaces))
	for ns := range r.namespaces {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)
	return namespaces, nil
}
