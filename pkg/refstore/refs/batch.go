package refs

import (
	"context"
	"fmt"
	"sync"

	"github.com/tendant/simple-refstore/pkg/refstore"
	"github.com/tendant/simple-refstore/pkg/refstore/cbobject"
	"golang.org/x/sync/errgroup"
)

// BatchOpType is the kind of a batch operation
type BatchOpType string

const (
	BatchGet  BatchOpType = "GET"
	BatchPut  BatchOpType = "PUT"
	BatchHead BatchOpType = "HEAD"
)

// BatchOp is one operation of a batch request
type BatchOp struct {
	OpID               string                  `json:"opId" cbor:"opId"`
	Op                 BatchOpType             `json:"op" cbor:"op"`
	Bucket             string                  `json:"bucket" cbor:"bucket"`
	Key                string                  `json:"key" cbor:"key"`
	Payload            []byte                  `json:"payload,omitempty" cbor:"payload,omitempty"`
	PayloadHash        refstore.BlobIdentifier `json:"payloadHash" cbor:"payloadHash"`
	ResolveAttachments bool                    `json:"resolveAttachments,omitempty" cbor:"resolveAttachments,omitempty"`
}

// BatchGetResponse is the result of a successful GET op
type BatchGetResponse struct {
	Blob        refstore.BlobIdentifier `json:"blob"`
	IsFinalized bool                    `json:"isFinalized"`
	Document    *cbobject.Document      `json:"document"`
}

// BatchHeadResponse is the result of a successful HEAD op
type BatchHeadResponse struct {
	Exists bool `json:"exists"`
}

// BatchResult is the outcome of one op. Exactly one of Value and Err is set.
type BatchResult struct {
	OpID  string
	Value any
	Err   error
}

// Batch runs ops independently and concurrently. A failing op does not
// affect the others. Results are returned in completion order.
func (s *Service) Batch(ctx context.Context, ns string, ops []BatchOp) []BatchResult {
	var (
		mu      sync.Mutex
		results = make([]BatchResult, 0, len(ops))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.batchParallelism)
	for _, op := range ops {
		g.Go(func() error {
			value, err := s.runBatchOp(gctx, ns, op)
			if err != nil {
				s.logger.Debug("batch op failed", "namespace", ns, "op_id", op.OpID, "op", op.Op, "err", err)
			}
			mu.Lock()
			results = append(results, BatchResult{OpID: op.OpID, Value: value, Err: err})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Service) runBatchOp(ctx context.Context, ns string, op BatchOp) (any, error) {
	switch op.Op {
	case BatchPut:
		return s.Put(ctx, ns, op.Bucket, op.Key, op.Payload, op.PayloadHash)

	case BatchHead:
		ok, err := s.Exists(ctx, ns, op.Bucket, op.Key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s/%s", refstore.ErrRefNotFound, op.Bucket, op.Key)
		}
		return &BatchHeadResponse{Exists: true}, nil

	case BatchGet:
		if op.ResolveAttachments {
			ok, err := s.Exists(ctx, ns, op.Bucket, op.Key)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("%w: %s/%s", refstore.ErrPartialObject, op.Bucket, op.Key)
			}
		}
		record, err := s.Get(ctx, ns, op.Bucket, op.Key, refstore.FieldsPayload)
		if err != nil {
			return nil, err
		}
		doc, err := cbobject.Parse(record.InlinePayload)
		if err != nil {
			return nil, err
		}
		return &BatchGetResponse{Blob: record.Blob, IsFinalized: record.IsFinalized, Document: doc}, nil

	default:
		return nil, fmt.Errorf("%w: unknown batch op %q", refstore.ErrInvalidOperation, op.Op)
	}
}
