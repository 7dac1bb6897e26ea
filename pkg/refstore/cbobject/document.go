package cbobject

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/tendant/simple-refstore/pkg/refstore"
)

// CBOR tag numbers marking attachment fields.
const (
	TagBinaryAttachment uint64 = 40100
	TagObjectAttachment uint64 = 40101
	TagFailedAttachment uint64 = 40102
)

// RawHashField is the single field of a document synthesized around a raw
// upload.
const RawHashField = "RawHash"

// AttachmentKind distinguishes raw blobs from nested documents.
type AttachmentKind int

const (
	// BinaryAttachment references a raw blob.
	BinaryAttachment AttachmentKind = iota
	// ObjectAttachment references another structured document whose own
	// attachments must be resolved as well.
	ObjectAttachment
)

func (k AttachmentKind) String() string {
	switch k {
	case BinaryAttachment:
		return "binary"
	case ObjectAttachment:
		return "object"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Attachment is a reference from a document field to a blob.
type Attachment struct {
	Kind AttachmentKind
	ID   refstore.BlobIdentifier
	Path string
}

// FailedAttachment is an attachment its producer declared as failed.
type FailedAttachment struct {
	Path    string
	Message string
}

// Document is a parsed structured payload.
type Document struct {
	root        any
	attachments []Attachment
	failed      []FailedAttachment
}

// Parse decodes a payload and collects its attachments.
func Parse(data []byte) (*Document, error) {
	var root any
	if err := Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", refstore.ErrInvalidPayload, err)
	}
	doc := &Document{root: root}
	seen := make(map[Attachment]struct{})
	if err := doc.collect(root, "", seen); err != nil {
		return nil, err
	}
	return doc, nil
}

func (d *Document) collect(v any, path string, seen map[Attachment]struct{}) error {
	switch value := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(value))
		for k := range value {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := d.collect(value[k], joinPath(path, k), seen); err != nil {
				return err
			}
		}
	case []any:
		for i, item := range value {
			if err := d.collect(item, fmt.Sprintf("%s[%d]", path, i), seen); err != nil {
				return err
			}
		}
	case cbor.Tag:
		switch value.Number {
		case TagBinaryAttachment, TagObjectAttachment:
			raw, ok := value.Content.([]byte)
			if !ok {
				return fmt.Errorf("%w: attachment at %q is not a byte string", refstore.ErrInvalidPayload, path)
			}
			id, err := refstore.BlobIdentifierFromBytes(raw)
			if err != nil {
				return fmt.Errorf("%w: attachment at %q: %v", refstore.ErrInvalidPayload, path, err)
			}
			kind := BinaryAttachment
			if value.Number == TagObjectAttachment {
				kind = ObjectAttachment
			}
			dedupe := Attachment{Kind: kind, ID: id}
			if _, ok := seen[dedupe]; ok {
				return nil
			}
			seen[dedupe] = struct{}{}
			d.attachments = append(d.attachments, Attachment{Kind: kind, ID: id, Path: path})
		case TagFailedAttachment:
			msg, _ := value.Content.(string)
			d.failed = append(d.failed, FailedAttachment{Path: path, Message: msg})
		default:
			return d.collect(value.Content, path, seen)
		}
	}
	return nil
}

func joinPath(prefix, field string) string {
	if prefix == "" {
		return field
	}
	return prefix + "." + field
}

// Attachments returns the document's attachments, each distinct
// (kind, id) pair once, in field order.
func (d *Document) Attachments() []Attachment {
	return d.attachments
}

// FailedAttachments returns the attachments declared as failed.
func (d *Document) FailedAttachments() []FailedAttachment {
	return d.failed
}

// Field returns a top-level field of a map document.
func (d *Document) Field(name string) (any, bool) {
	m, ok := d.root.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := m[name]
	return v, ok
}

// SingleBinaryAttachment returns the document's only attachment when it has
// exactly one and it is binary, as produced for raw uploads.
func (d *Document) SingleBinaryAttachment() (refstore.BlobIdentifier, bool) {
	if len(d.attachments) != 1 || d.attachments[0].Kind != BinaryAttachment {
		return refstore.BlobIdentifier{}, false
	}
	return d.attachments[0].ID, true
}

// MarshalJSON renders the document as JSON. Attachments become their hex
// identifiers.
func (d *Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(toJSONValue(d.root))
}

// MarshalCBOR re-encodes the document deterministically.
func (d *Document) MarshalCBOR() ([]byte, error) {
	return Marshal(d.root)
}

func toJSONValue(v any) any {
	switch value := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(value))
		for k, item := range value {
			out[k] = toJSONValue(item)
		}
		return out
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = toJSONValue(item)
		}
		return out
	case cbor.Tag:
		switch value.Number {
		case TagBinaryAttachment, TagObjectAttachment:
			if raw, ok := value.Content.([]byte); ok {
				if id, err := refstore.BlobIdentifierFromBytes(raw); err == nil {
					return id.String()
				}
			}
			return toJSONValue(value.Content)
		case TagFailedAttachment:
			return map[string]any{"error": value.Content}
		default:
			return toJSONValue(value.Content)
		}
	default:
		return value
	}
}

// BinaryAttachmentField returns a field value referencing a raw blob.
func BinaryAttachmentField(id refstore.BlobIdentifier) cbor.Tag {
	return cbor.Tag{Number: TagBinaryAttachment, Content: id[:]}
}

// ObjectAttachmentField returns a field value referencing another document.
func ObjectAttachmentField(id refstore.BlobIdentifier) cbor.Tag {
	return cbor.Tag{Number: TagObjectAttachment, Content: id[:]}
}

// FailedAttachmentField returns a field value declaring a failed attachment.
func FailedAttachmentField(message string) cbor.Tag {
	return cbor.Tag{Number: TagFailedAttachment, Content: message}
}

// NewRawWrapper builds the document stored for a raw upload of the blob id.
func NewRawWrapper(id refstore.BlobIdentifier) ([]byte, error) {
	return Marshal(map[string]any{RawHashField: BinaryAttachmentField(id)})
}
