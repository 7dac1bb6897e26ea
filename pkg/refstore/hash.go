package refstore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// BlobIdentifierSize is the length in bytes of a BlobIdentifier.
const BlobIdentifierSize = 20

// BlobIdentifier is the content hash of a byte sequence: the first 20 bytes
// of its BLAKE3 digest. Identical bytes always produce the same identifier.
type BlobIdentifier [BlobIdentifierSize]byte

// ErrInvalidBlobIdentifier is returned when a string or byte slice cannot be
// interpreted as a BlobIdentifier.
var ErrInvalidBlobIdentifier = errors.New("invalid blob identifier")

// ComputeBlobIdentifier hashes data.
func ComputeBlobIdentifier(data []byte) BlobIdentifier {
	sum := blake3.Sum256(data)
	var id BlobIdentifier
	copy(id[:], sum[:BlobIdentifierSize])
	return id
}

// ComputeBlobIdentifierFromReader hashes everything read from r.
func ComputeBlobIdentifierFromReader(r io.Reader) (BlobIdentifier, int64, error) {
	hasher := blake3.New()
	n, err := io.Copy(hasher, r)
	if err != nil {
		return BlobIdentifier{}, n, err
	}
	var id BlobIdentifier
	copy(id[:], hasher.Sum(nil)[:BlobIdentifierSize])
	return id, n, nil
}

// ParseBlobIdentifier parses the 40 character hex form of an identifier.
func ParseBlobIdentifier(s string) (BlobIdentifier, error) {
	var id BlobIdentifier
	if len(s) != hex.EncodedLen(BlobIdentifierSize) {
		return id, fmt.Errorf("%w: %q has length %d", ErrInvalidBlobIdentifier, s, len(s))
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("%w: %q: %v", ErrInvalidBlobIdentifier, s, err)
	}
	return id, nil
}

// MustParseBlobIdentifier is ParseBlobIdentifier for constants in tests.
func MustParseBlobIdentifier(s string) BlobIdentifier {
	id, err := ParseBlobIdentifier(s)
	if err != nil {
		panic(err)
	}
	return id
}

// BlobIdentifierFromBytes converts a raw 20 byte digest.
func BlobIdentifierFromBytes(b []byte) (BlobIdentifier, error) {
	var id BlobIdentifier
	if len(b) != BlobIdentifierSize {
		return id, fmt.Errorf("%w: got %d bytes", ErrInvalidBlobIdentifier, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// String returns the lowercase hex form.
func (id BlobIdentifier) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the zero identifier.
func (id BlobIdentifier) IsZero() bool {
	return id == BlobIdentifier{}
}

// MarshalText implements encoding.TextMarshaler.
func (id BlobIdentifier) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *BlobIdentifier) UnmarshalText(text []byte) error {
	parsed, err := ParseBlobIdentifier(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// UniqueBlobIdentifiers returns ids with duplicates removed, keeping the first
// occurrence order.
func UniqueBlobIdentifiers(ids []BlobIdentifier) []BlobIdentifier {
	seen := make(map[BlobIdentifier]struct{}, len(ids))
	out := make([]BlobIdentifier, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
