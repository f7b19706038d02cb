package asdf

// Block header constants, per spec.md §6.
var blockMagic = [4]byte{0xd3, 'B', 'L', 'K'}

const (
	minHeaderSize  = 40 // header_size floor checked first on decode, per spec.md §4.2; DecodeBlock then also rejects headers shorter than the 48 bytes its fields occupy
	writeHeaderLen = 48 // header_size this implementation always writes (flags..checksum, no reserved tail)
	checksumSize   = 16 // fixed-width digest
)

// StorageClass is one of Internal (stored in this file's block stream), External (stored in a
// sibling file), or Inline (serialized into the YAML region, no block at all).
type StorageClass int

const (
	Internal StorageClass = iota
	External
	Inline
)

func (c StorageClass) String() string {
	switch c {
	case Internal:
		return "internal"
	case External:
		return "external"
	case Inline:
		return "inline"
	default:
		return "unknown"
	}
}

// Compression identifies a block payload codec by its 4-byte on-disk code, e.g. "zlib",
// "bzp2", or "0000" for none.
type Compression [4]byte

var (
	CompressionNone  = Compression{'0', '0', '0', '0'}
	CompressionZlib  = Compression{'z', 'l', 'i', 'b'}
	CompressionBzip2 = Compression{'b', 'z', 'p', '2'}
)

func (c Compression) String() string {
	if c == CompressionNone {
		return "none"
	}
	return string(c[:])
}

// Block is one length-prefixed binary payload within the ASDF block stream, per spec.md §3.
type Block struct {
	Flags       uint32
	Compression Compression
	AllocatedSize uint64 // allocated_size: reserved extent on disk, >= UsedSize
	UsedSize      uint64 // used_size: on-disk (possibly compressed) byte length
	DataSize      uint64 // data_size: uncompressed byte length
	Checksum      [checksumSize]byte

	// payload holds the uncompressed bytes once decoded/materialized. nil for a block whose
	// payload hasn't been read yet (lazy internal block read from disk).
	payload []byte

	// offset is this block's current byte offset in the stream, or -1 if unknown (new block,
	// not yet placed by a write/update). Mirrors "block -> current_offset|None" in §3.
	offset int64

	// fromDisk is true if this block was discovered by reading an existing file (it therefore
	// carries a prior on-disk extent that the update planner may reuse).
	fromDisk bool

	// headerSize is the declared header_size of this block, from disk or (for a new block)
	// writeHeaderLen.
	headerSize uint16

	// payloadOffset is the absolute byte offset of this block's payload, i.e.
	// offset + 4 (magic) + 2 (header_size field) + headerSize. Valid once offset is known.
	payloadOffset int64

	// dirty is true once SetPayload has been called on a block that came from disk, meaning its
	// on-disk bytes no longer match its current payload. The update planner treats a dirty block
	// as changed regardless of whether its compression also changed.
	dirty bool
}

// checksumSentinel is the all-zero checksum meaning "absent", per spec.md §3.
var checksumSentinel [checksumSize]byte

// HasChecksum reports whether this block carries a real (non-sentinel) checksum.
func (b *Block) HasChecksum() bool {
	return b.Checksum != checksumSentinel
}

// Offset returns the block's current on-disk offset and whether it is known.
func (b *Block) Offset() (int64, bool) {
	if b.offset < 0 {
		return 0, false
	}
	return b.offset, true
}

// extent returns [offset, offset+6+headerSize+AllocatedSize) for a block with a known offset:
// 4 bytes of block magic, 2 bytes of header_size, then the header and its allocated payload.
func (b *Block) extent() (int64, int64) {
	hs := int64(b.headerSize)
	if hs == 0 {
		hs = writeHeaderLen
	}
	start := b.offset
	return start, start + 4 + 2 + hs + int64(b.AllocatedSize)
}
