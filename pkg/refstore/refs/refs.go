package refs

import (
	"context"
	"errors"
	"fmt"

	"github.com/tendant/simple-refstore/pkg/refstore"
	"github.com/tendant/simple-refstore/pkg/refstore/blob"
	"github.com/tendant/simple-refstore/pkg/refstore/cbobject"
)

// PutResult lists the blobs still missing for a reference. It is empty once
// the reference is finalized.
type PutResult struct {
	Needs []refstore.BlobIdentifier `json:"needs"`
}

func validateName(ns, bucket, key string) error {
	if ns == "" || bucket == "" || key == "" {
		return fmt.Errorf("%w: namespace, bucket and key are required", refstore.ErrInvalidName)
	}
	return nil
}

func verifyHash(data []byte, hash refstore.BlobIdentifier) error {
	if hash.IsZero() {
		return refstore.ErrMissingHash
	}
	if actual := refstore.ComputeBlobIdentifier(data); actual != hash {
		return &refstore.HashMismatchError{Expected: hash, Actual: actual}
	}
	return nil
}

func needsOf(w *walkResult) []refstore.BlobIdentifier {
	if w.needs == nil {
		return []refstore.BlobIdentifier{}
	}
	return w.needs
}

// Put stores a structured payload under bucket/key. The returned needs list
// the blobs the payload references that are not yet stored; the reference
// is finalized only when there are none.
func (s *Service) Put(ctx context.Context, ns, bucket, key string, payload []byte, hash refstore.BlobIdentifier) (*PutResult, error) {
	if err := validateName(ns, bucket, key); err != nil {
		return nil, err
	}
	if err := verifyHash(payload, hash); err != nil {
		return nil, err
	}

	doc, err := cbobject.Parse(payload)
	if err != nil {
		return nil, err
	}
	if failed := doc.FailedAttachments(); len(failed) > 0 {
		return nil, fmt.Errorf("%w: %s: %s", refstore.ErrDeclaredFailedAttachment, failed[0].Path, failed[0].Message)
	}

	if err := s.blobs.Put(ctx, ns, payload, hash); err != nil {
		return nil, fmt.Errorf("store payload: %w", err)
	}

	walked, err := s.walkAttachments(ctx, ns, hash, doc)
	if err != nil {
		return nil, err
	}

	record := &refstore.ObjectRecord{
		Namespace:    ns,
		Bucket:       bucket,
		Key:          key,
		Blob:         hash,
		IsFinalized:  len(walked.needs) == 0,
		LastModified: s.clock.Now().UTC(),
	}
	if len(payload) <= s.inlineThreshold {
		record.InlinePayload = payload
	}

	if err := s.repository.PutRecord(ctx, record); err != nil {
		return nil, fmt.Errorf("store record: %w", err)
	}

	s.logger.Debug("ref stored", "namespace", ns, "bucket", bucket, "key", key, "blob", hash, "needs", len(walked.needs))

	if record.IsFinalized {
		if err := s.events.RefFinalized(ctx, record); err != nil {
			return nil, fmt.Errorf("record finalization: %w", err)
		}
	}

	return &PutResult{Needs: needsOf(walked)}, nil
}

// PutRaw stores data as a blob and references it through a synthesized
// document holding a single binary attachment.
func (s *Service) PutRaw(ctx context.Context, ns, bucket, key string, data []byte, hash refstore.BlobIdentifier) (*PutResult, error) {
	if err := validateName(ns, bucket, key); err != nil {
		return nil, err
	}
	if err := verifyHash(data, hash); err != nil {
		return nil, err
	}
	if err := s.blobs.Put(ctx, ns, data, hash); err != nil {
		return nil, fmt.Errorf("store raw blob: %w", err)
	}

	wrapper, err := cbobject.NewRawWrapper(hash)
	if err != nil {
		return nil, err
	}
	return s.Put(ctx, ns, bucket, key, wrapper, refstore.ComputeBlobIdentifier(wrapper))
}

// loadPayload returns the record's payload, inline or from the blob store
func (s *Service) loadPayload(ctx context.Context, record *refstore.ObjectRecord) ([]byte, error) {
	if len(record.InlinePayload) > 0 {
		return record.InlinePayload, nil
	}
	return blob.ReadAll(ctx, s.blobs, record.Namespace, record.Blob)
}

// Finalize re-evaluates the needs of a reference and marks it finalized
// when none remain. Calling it again on a finalized reference is a no-op.
func (s *Service) Finalize(ctx context.Context, ns, bucket, key string, expected refstore.BlobIdentifier) (*PutResult, error) {
	record, err := s.repository.GetRecord(ctx, ns, bucket, key)
	if err != nil {
		return nil, err
	}
	if record.Blob != expected {
		return nil, &refstore.HashMismatchError{Expected: expected, Actual: record.Blob}
	}

	payload, err := s.loadPayload(ctx, record)
	if errors.Is(err, refstore.ErrBlobNotFound) {
		return &PutResult{Needs: []refstore.BlobIdentifier{record.Blob}}, nil
	}
	if err != nil {
		return nil, err
	}
	doc, err := cbobject.Parse(payload)
	if err != nil {
		return nil, err
	}

	walked, err := s.walkAttachments(ctx, ns, record.Blob, doc)
	if err != nil {
		return nil, err
	}
	if len(walked.needs) > 0 || record.IsFinalized {
		return &PutResult{Needs: needsOf(walked)}, nil
	}

	if err := s.repository.SetFinalized(ctx, ns, bucket, key, record.Blob); err != nil {
		if errors.Is(err, refstore.ErrRefNotFound) {
			// overwritten or deleted concurrently
			return nil, fmt.Errorf("%w: %s/%s changed during finalize", refstore.ErrRefNotFound, bucket, key)
		}
		return nil, err
	}
	record.IsFinalized = true

	s.logger.Debug("ref finalized", "namespace", ns, "bucket", bucket, "key", key, "blob", record.Blob)

	if err := s.events.RefFinalized(ctx, record); err != nil {
		return nil, fmt.Errorf("record finalization: %w", err)
	}
	return &PutResult{Needs: needsOf(walked)}, nil
}

// Get returns a record. With FieldsPayload the payload is included, loaded
// from the blob store when it is not stored inline. Attachments are not
// resolved.
func (s *Service) Get(ctx context.Context, ns, bucket, key string, fields refstore.FieldFlags) (*refstore.ObjectRecord, error) {
	record, err := s.repository.GetRecord(ctx, ns, bucket, key)
	if err != nil {
		return nil, err
	}
	if !fields.Has(refstore.FieldsPayload) {
		record.InlinePayload = nil
		return record, nil
	}

	payload, err := s.loadPayload(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("load payload of %s/%s: %w", bucket, key, err)
	}
	record.InlinePayload = payload
	return record, nil
}

// GetRawAttachment returns the content of the single binary attachment of
// the referenced document, or the payload itself when it has none.
func (s *Service) GetRawAttachment(ctx context.Context, ns, bucket, key string) ([]byte, error) {
	record, err := s.Get(ctx, ns, bucket, key, refstore.FieldsPayload)
	if err != nil {
		return nil, err
	}
	doc, err := cbobject.Parse(record.InlinePayload)
	if err != nil {
		return nil, err
	}
	id, ok := doc.SingleBinaryAttachment()
	if !ok {
		return record.InlinePayload, nil
	}
	return blob.ReadAll(ctx, s.blobs, ns, id)
}

// Exists reports whether a reference is complete: the record exists, is
// finalized, its payload loads and every attachment still resolves.
func (s *Service) Exists(ctx context.Context, ns, bucket, key string) (bool, error) {
	record, err := s.repository.GetRecord(ctx, ns, bucket, key)
	if errors.Is(err, refstore.ErrRefNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !record.IsFinalized {
		return false, nil
	}

	payload, err := s.loadPayload(ctx, record)
	if errors.Is(err, refstore.ErrBlobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	doc, err := cbobject.Parse(payload)
	if err != nil {
		return false, err
	}
	walked, err := s.walkAttachments(ctx, ns, record.Blob, doc)
	if err != nil {
		return false, err
	}
	return len(walked.needs) == 0, nil
}

// ExistsMultiple returns the names that do not exist in the Exists sense
func (s *Service) ExistsMultiple(ctx context.Context, ns string, names []refstore.RefName) ([]refstore.RefName, error) {
	missing := []refstore.RefName{}
	for _, name := range names {
		ok, err := s.Exists(ctx, ns, name.Bucket, name.Key)
		if err != nil {
			return nil, fmt.Errorf("exists %s: %w", name, err)
		}
		if !ok {
			missing = append(missing, name)
		}
	}
	return missing, nil
}

func (s *Service) recordRemoved(ctx context.Context, records []*refstore.ObjectRecord) error {
	for _, record := range records {
		if err := s.events.RefRemoved(ctx, record); err != nil {
			return fmt.Errorf("record removal of %s: %w", record.Name(), err)
		}
	}
	return nil
}

// Delete removes a single reference
func (s *Service) Delete(ctx context.Context, ns, bucket, key string) error {
	record, err := s.repository.GetRecord(ctx, ns, bucket, key)
	if err != nil {
		return err
	}
	if err := s.repository.DeleteRecord(ctx, ns, bucket, key); err != nil {
		return err
	}
	record.InlinePayload = nil
	return s.recordRemoved(ctx, []*refstore.ObjectRecord{record})
}

// DropBucket removes every reference in a bucket and returns how many were
// removed
func (s *Service) DropBucket(ctx context.Context, ns, bucket string) (int, error) {
	deleted, err := s.repository.DeleteBucket(ctx, ns, bucket)
	if err != nil {
		return 0, err
	}
	if len(deleted) == 0 {
		return 0, refstore.ErrBucketNotFound
	}
	s.logger.Info("bucket dropped", "namespace", ns, "bucket", bucket, "refs", len(deleted))
	return len(deleted), s.recordRemoved(ctx, deleted)
}

// DeleteNamespace removes every reference in a namespace
func (s *Service) DeleteNamespace(ctx context.Context, ns string) (int, error) {
	deleted, err := s.repository.DeleteNamespace(ctx, ns)
	if err != nil {
		return 0, err
	}
	if len(deleted) == 0 {
		return 0, refstore.ErrNamespaceNotFound
	}
	s.logger.Info("namespace deleted", "namespace", ns, "refs", len(deleted))
	return len(deleted), s.recordRemoved(ctx, deleted)
}

// Namespaces lists the namespaces holding at least one reference
func (s *Service) Namespaces(ctx context.Context) ([]string, error) {
	return s.repository.ListNamespaces(ctx)
}

// References returns every attachment reachable from the stored document
// id, excluding id itself. Attachments missing locally are listed but not
// inspected.
func (s *Service) References(ctx context.Context, ns string, id refstore.BlobIdentifier) ([]refstore.BlobIdentifier, error) {
	data, err := blob.ReadAll(ctx, s.blobs, ns, id)
	if err != nil {
		return nil, err
	}
	doc, err := cbobject.Parse(data)
	if err != nil {
		return nil, err
	}
	walked, err := s.walkAttachments(ctx, ns, id, doc)
	if err != nil {
		return nil, err
	}
	if walked.reachable == nil {
		return []refstore.BlobIdentifier{}, nil
	}
	return walked.reachable, nil
}
