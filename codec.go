package asdf

import (
	"bytes"
	"compress/bzip2"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// compressor is the interface a registered compression codec implements. Decompress is always
// required; Compress may be nil for decode-only codecs (bzip2 here — see DESIGN.md).
type compressor struct {
	Compress   func(data []byte) ([]byte, error)
	Decompress func(r io.Reader) (io.ReadCloser, error)
}

var compressorRegistry = map[Compression]*compressor{}

// RegisterCompression installs a codec for the given 4-byte on-disk code. Mirrors the
// teacher's build-tag-gated registration pattern (comp_xz.go/comp_zstd.go call an equivalent
// registration function from their init()).
func RegisterCompression(code Compression, c *compressor) {
	compressorRegistry[code] = c
}

func init() {
	RegisterCompression(CompressionZlib, &compressor{
		Compress: func(data []byte) ([]byte, error) {
			var buf bytes.Buffer
			w := zlib.NewWriter(&buf)
			if _, err := w.Write(data); err != nil {
				w.Close()
				return nil, err
			}
			if err := w.Close(); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
		Decompress: func(r io.Reader) (io.ReadCloser, error) {
			return zlib.NewReader(r)
		},
	})

	// bzip2: decode-only, per spec.md's compression set and DESIGN.md's justification (no
	// bzip2 encoder is available anywhere in the retrieved pack or its transitive stack).
	RegisterCompression(CompressionBzip2, &compressor{
		Decompress: func(r io.Reader) (io.ReadCloser, error) {
			return io.NopCloser(bzip2.NewReader(r)), nil
		},
	})
}

// EncodeBlock writes b's header and (possibly compressed) payload to s at the stream's current
// position, per spec.md §4.2's encode direction. pad is extra allocated-but-unused bytes
// appended after the payload so a later in-place update can grow without relocating (the
// Padding / pad_blocks design note). withChecksum controls whether the checksum is computed;
// when false the sentinel is written, matching "equal to the sentinel only when ... checksum
// disabled mode is off".
func EncodeBlock(s Stream, b *Block, payload []byte, pad uint64, withChecksum bool) error {
	start, err := s.Tell()
	if err != nil {
		return err
	}

	b.DataSize = uint64(len(payload))

	var onDisk []byte
	if b.Compression == CompressionNone {
		onDisk = payload
	} else {
		c, ok := compressorRegistry[b.Compression]
		if !ok || c.Compress == nil {
			return fmt.Errorf("%w: %s", ErrUnknownCompression, b.Compression)
		}
		onDisk, err = c.Compress(payload)
		if err != nil {
			return err
		}
	}

	b.UsedSize = uint64(len(onDisk))
	b.AllocatedSize = b.UsedSize + pad

	if withChecksum {
		b.Checksum = md5.Sum(payload)
	} else {
		b.Checksum = checksumSentinel
	}

	header := make([]byte, writeHeaderLen)
	binary.BigEndian.PutUint32(header[0:4], b.Flags)
	copy(header[4:8], b.Compression[:])
	binary.BigEndian.PutUint64(header[8:16], b.AllocatedSize)
	binary.BigEndian.PutUint64(header[16:24], b.UsedSize)
	binary.BigEndian.PutUint64(header[24:32], b.DataSize)
	copy(header[32:48], b.Checksum[:])

	if _, err := s.Write(blockMagic[:]); err != nil {
		return err
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], writeHeaderLen)
	if _, err := s.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := s.Write(header); err != nil {
		return err
	}

	b.headerSize = writeHeaderLen
	b.offset = start
	b.payloadOffset = start + 4 + 2 + writeHeaderLen
	b.fromDisk = false
	b.dirty = false
	b.payload = payload

	if _, err := s.Write(onDisk); err != nil {
		return err
	}
	if pad > 0 {
		if _, err := s.Write(make([]byte, pad)); err != nil {
			return err
		}
	}
	return nil
}

// DecodeBlock reads one block header starting at the stream's current position. The payload
// is not read eagerly; call (*Block).ReadPayload to materialize it lazily, matching spec.md's
// "block payloads are lazily resolved via the stream" design note.
func DecodeBlock(s Stream) (*Block, error) {
	start, err := s.Tell()
	if err != nil {
		return nil, err
	}

	var magic [4]byte
	if _, err := io.ReadFull(s, magic[:]); err != nil {
		return nil, err
	}
	if magic != blockMagic {
		return nil, ErrBadMagic
	}

	var lenBuf [2]byte
	if _, err := io.ReadFull(s, lenBuf[:]); err != nil {
		return nil, err
	}
	headerSize := binary.BigEndian.Uint16(lenBuf[:])
	if headerSize < minHeaderSize {
		return nil, ErrHeaderTooSmall
	}

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(s, header); err != nil {
		return nil, err
	}
	if len(header) < 48 {
		return nil, ErrHeaderTooSmall
	}

	b := &Block{
		Flags:         binary.BigEndian.Uint32(header[0:4]),
		AllocatedSize: binary.BigEndian.Uint64(header[8:16]),
		UsedSize:      binary.BigEndian.Uint64(header[16:24]),
		DataSize:      binary.BigEndian.Uint64(header[24:32]),
		offset:        start,
		headerSize:    headerSize,
		fromDisk:      true,
	}
	copy(b.Compression[:], header[4:8])
	copy(b.Checksum[:], header[32:48])
	b.payloadOffset = start + 4 + 2 + int64(headerSize)

	if b.AllocatedSize < b.UsedSize {
		return nil, fmt.Errorf("asdf: block at offset %d: allocated_size %d < used_size %d", start, b.AllocatedSize, b.UsedSize)
	}

	return b, nil
}

// ReadPayload materializes b's uncompressed payload by seeking s to the block's payload offset,
// reading used_size bytes, decompressing if needed, and (optionally) verifying the checksum.
// Subsequent calls return the cached payload.
func (b *Block) ReadPayload(s Stream, validateChecksum bool) ([]byte, error) {
	if b.payload != nil {
		return b.payload, nil
	}

	if mm, ok := s.(Mmapper); ok && b.Compression == CompressionNone {
		buf, err := mm.Mmap(b.payloadOffset, int64(b.UsedSize))
		if err != nil {
			return nil, err
		}
		if validateChecksum && b.HasChecksum() {
			if got := md5.Sum(buf); got != b.Checksum {
				return nil, ErrChecksumMismatch
			}
		}
		b.payload = buf
		return buf, nil
	}

	if err := s.Seek(b.payloadOffset); err != nil {
		return nil, err
	}
	raw := make([]byte, b.UsedSize)
	if _, err := io.ReadFull(s, raw); err != nil {
		return nil, err
	}

	var data []byte
	if b.Compression == CompressionNone {
		data = raw
	} else {
		c, ok := compressorRegistry[b.Compression]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCompression, b.Compression)
		}
		rc, err := c.Decompress(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		data, err = io.ReadAll(io.LimitReader(rc, int64(b.DataSize)))
		rc.Close()
		if err != nil {
			return nil, err
		}
	}

	if validateChecksum && b.HasChecksum() {
		if got := md5.Sum(data); got != b.Checksum {
			return nil, ErrChecksumMismatch
		}
	}

	b.payload = data
	return data, nil
}

// SetPayload replaces b's materialized payload, e.g. after mutating an array view in place.
// The checksum is recomputed the next time the block is encoded (spec.md Invariant 5).
func (b *Block) SetPayload(data []byte) {
	b.payload = data
	b.DataSize = uint64(len(data))
	if b.fromDisk {
		b.dirty = true
	}
}
