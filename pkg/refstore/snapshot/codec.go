package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/tendant/simple-refstore/pkg/refstore/cbobject"
)

// Compression identifies the algorithm a snapshot body is compressed with.
// The values are stored in snapshot headers and must not change.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// ParseCompression parses a compression name
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd", "":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown snapshot compression: %q", name)
	}
}

const (
	formatVersion = 1

	// snapshots larger than this are rejected when decoding
	maxSnapshotSize = 1 << 32

	// a compressed body may not claim to expand beyond this factor
	maxCompressionRatio = 255
)

var magic = []byte("RSNP")

// ErrInvalidSnapshot indicates data is not a snapshot this package can read
var ErrInvalidSnapshot = errors.New("invalid snapshot")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("snapshot: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxSnapshotSize))
	if err != nil {
		panic("snapshot: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode serializes s. Layout: "RSNP" | version | compression | uvarint
// body size | body, where body is the compressed CBOR encoding of s.
// Bodies that do not shrink are stored uncompressed.
func Encode(s *Snapshot, compression Compression) ([]byte, error) {
	body, err := cbobject.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}

	compressed, used, err := compress(body, compression)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(magic) + 2 + binary.MaxVarintLen64 + len(compressed))
	buf.Write(magic)
	buf.WriteByte(formatVersion)
	buf.WriteByte(byte(used))
	buf.Write(binary.AppendUvarint(nil, uint64(len(body))))
	buf.Write(compressed)
	return buf.Bytes(), nil
}

func compress(body []byte, c Compression) ([]byte, Compression, error) {
	switch c {
	case CompressionNone:
		return body, CompressionNone, nil
	case CompressionZstd:
		out := zstdEncoder.EncodeAll(body, nil)
		if len(out) >= len(body) {
			return body, CompressionNone, nil
		}
		return out, CompressionZstd, nil
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(body)))
		n, err := lz4.CompressBlock(body, dst, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 || n >= len(body) {
			return body, CompressionNone, nil
		}
		return dst[:n], CompressionLZ4, nil
	default:
		return nil, 0, fmt.Errorf("unsupported snapshot compression: %s", c)
	}
}

// Decode parses data produced by Encode
func Decode(data []byte) (*Snapshot, error) {
	if len(data) < len(magic)+3 || !bytes.Equal(data[:len(magic)], magic) {
		return nil, fmt.Errorf("%w: bad header", ErrInvalidSnapshot)
	}
	data = data[len(magic):]
	if data[0] != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidSnapshot, data[0])
	}
	compression := Compression(data[1])
	data = data[2:]

	size, n := binary.Uvarint(data)
	if n <= 0 || size > maxSnapshotSize {
		return nil, fmt.Errorf("%w: bad body size", ErrInvalidSnapshot)
	}
	data = data[n:]
	switch {
	case compression == CompressionNone && size != uint64(len(data)):
		return nil, fmt.Errorf("%w: body is %d bytes, header says %d", ErrInvalidSnapshot, len(data), size)
	case size > uint64(len(data))*maxCompressionRatio:
		return nil, fmt.Errorf("%w: header size %d exceeds %d compressed bytes by more than %dx",
			ErrInvalidSnapshot, size, len(data), maxCompressionRatio)
	}

	var body []byte
	switch compression {
	case CompressionNone:
		body = data
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrInvalidSnapshot, err)
		}
		body = out
	case CompressionLZ4:
		out := make([]byte, size)
		read, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", ErrInvalidSnapshot, err)
		}
		body = out[:read]
	default:
		return nil, fmt.Errorf("%w: unknown compression %d", ErrInvalidSnapshot, compression)
	}
	if uint64(len(body)) != size {
		return nil, fmt.Errorf("%w: body is %d bytes, header says %d", ErrInvalidSnapshot, len(body), size)
	}

	var s Snapshot
	if err := cbobject.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return &s, nil
}
