package refs

import (
	"context"
	"errors"
	"fmt"

	"github.com/tendant/simple-refstore/pkg/refstore"
	"github.com/tendant/simple-refstore/pkg/refstore/blob"
	"github.com/tendant/simple-refstore/pkg/refstore/cbobject"
)

// walkResult is the outcome of an attachment walk
type walkResult struct {
	// needs are referenced blobs absent from the blob store
	needs []refstore.BlobIdentifier
	// reachable is every attachment visited, present or not, in walk order
	reachable []refstore.BlobIdentifier
}

type walker struct {
	blobs   refstore.BlobStore
	ns      string
	max     int
	visited map[refstore.BlobIdentifier]struct{}
	result  walkResult
}

// walkAttachments walks the attachment graph of doc depth first. Present
// object attachments are loaded and walked in turn; absent ones are reported
// as needed without being inspected. The visited set makes cyclic graphs
// terminate and the node cap bounds pathological ones.
func (s *Service) walkAttachments(ctx context.Context, ns string, root refstore.BlobIdentifier, doc *cbobject.Document) (*walkResult, error) {
	w := &walker{
		blobs:   s.blobs,
		ns:      ns,
		max:     s.maxAttachmentNodes,
		visited: map[refstore.BlobIdentifier]struct{}{root: {}},
	}
	if err := w.walk(ctx, doc); err != nil {
		return nil, err
	}
	return &w.result, nil
}

func (w *walker) walk(ctx context.Context, doc *cbobject.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var fresh []cbobject.Attachment
	for _, a := range doc.Attachments() {
		if _, seen := w.visited[a.ID]; seen {
			continue
		}
		w.visited[a.ID] = struct{}{}
		if len(w.visited) > w.max {
			return fmt.Errorf("%w: more than %d attachments", refstore.ErrAttachmentGraphTooLarge, w.max)
		}
		fresh = append(fresh, a)
	}
	if len(fresh) == 0 {
		return nil
	}

	ids := make([]refstore.BlobIdentifier, len(fresh))
	for i, a := range fresh {
		ids[i] = a.ID
	}
	unknown, err := w.blobs.FilterOutKnownBlobs(ctx, w.ns, ids)
	if err != nil {
		return err
	}
	missing := make(map[refstore.BlobIdentifier]struct{}, len(unknown))
	for _, id := range unknown {
		missing[id] = struct{}{}
	}

	for _, a := range fresh {
		w.result.reachable = append(w.result.reachable, a.ID)
		if _, ok := missing[a.ID]; ok {
			w.result.needs = append(w.result.needs, a.ID)
			continue
		}
		if a.Kind != cbobject.ObjectAttachment {
			continue
		}

		data, err := blob.ReadAll(ctx, w.blobs, w.ns, a.ID)
		if errors.Is(err, refstore.ErrBlobNotFound) {
			// deleted between the presence check and the read
			w.result.needs = append(w.result.needs, a.ID)
			continue
		}
		if err != nil {
			return fmt.Errorf("read object attachment %s: %w", a.ID, err)
		}
		child, err := cbobject.Parse(data)
		if err != nil {
			return fmt.Errorf("object attachment %s at %s: %w", a.ID, a.Path, err)
		}
		if err := w.walk(ctx, child); err != nil {
			return err
		}
	}
	return nil
}
