package asdf

import (
	"fmt"
	"io"
)

// BlockManager bi-maps arrays to blocks, assigns storage classes, and drives block
// enumeration on write and location on read, per spec.md §4.3 (C3).
type BlockManager struct {
	// order holds every block this manager knows about, in first-discovery order (first
	// Register call or first DecodeBlock on read) — spec.md §3's "order on disk equals order
	// of first discovery".
	order []*Block

	byHandle map[*arrayHandle]*Block
	byBlock  map[*Block][]*arrayHandle

	// blockIndex holds the ordinal index assigned to each Internal block during Finalize.
	// Stable for the duration of one write, per spec.md §4.3.
	blockIndex map[*Block]int
	indexBlock map[int]*Block

	// externalURI maps an External block to its resolved sibling URI, assigned in Finalize.
	externalURI map[*Block]string
	uriExternal map[string]*Block

	autoInlineThreshold int64 // <0 disables auto-inline reclassification
}

// NewBlockManager returns an empty manager with auto-inline disabled.
func NewBlockManager() *BlockManager {
	return &BlockManager{
		byHandle:    make(map[*arrayHandle]*Block),
		byBlock:     make(map[*Block][]*arrayHandle),
		blockIndex:  make(map[*Block]int),
		indexBlock:  make(map[int]*Block),
		externalURI: make(map[*Block]string),
		uriExternal: make(map[string]*Block),

		autoInlineThreshold: -1,
	}
}

// SetAutoInline enables reclassifying small, unshared arrays to Inline storage during Finalize,
// for arrays whose uncompressed size is <= maxBytes. Contiguity is not checked.
func (m *BlockManager) SetAutoInline(maxBytes int64) { m.autoInlineThreshold = maxBytes }

// Register binds array to a block, preserving whatever storage class the handle already carries
// (Internal by default, or External when the caller set it). If array's handle is already
// bound, the existing block is returned (spec.md §4.3: "if the array's identity is already
// bound, return the existing block"). Otherwise a new block is created holding the array's
// bytes.
func (m *BlockManager) Register(array *ArrayRef) (*Block, error) {
	h := array.handle
	if b, ok := m.byHandle[h]; ok {
		return b, nil
	}

	b := &Block{offset: -1, Compression: h.compression}
	b.SetPayload(h.inlineData)
	h.block = b

	m.byHandle[h] = b
	m.byBlock[b] = append(m.byBlock[b], h)
	m.order = append(m.order, b)
	return b, nil
}

// bindHandle records that h (an array handle materialized while decoding the tagged tree on
// read) refers to the already-known block b, without re-appending b to m.order: b is already
// there from ReadInternalBlocks. This lets a later Register(array) on the same handle find and
// reuse b instead of manufacturing a fresh, empty block.
func (m *BlockManager) bindHandle(h *arrayHandle, b *Block) {
	m.byHandle[h] = b
	m.byBlock[b] = append(m.byBlock[b], h)
}

// Get looks up a block by array identity (*ArrayRef), ordinal index (int, Internal-only, valid
// only after Finalize), or source URI (string, External-only).
func (m *BlockManager) Get(key interface{}) (*Block, error) {
	switch v := key.(type) {
	case *ArrayRef:
		b, ok := m.byHandle[v.handle]
		if !ok {
			return nil, ErrNotFound
		}
		return b, nil
	case int:
		b, ok := m.indexBlock[v]
		if !ok {
			return nil, ErrNotFound
		}
		return b, nil
	case string:
		b, ok := m.uriExternal[v]
		if !ok {
			return nil, ErrNotFound
		}
		return b, nil
	default:
		return nil, ErrBadType
	}
}

// GetSource returns the inverse of Get: an Internal block's ordinal index, or an External
// block's resolved sibling URI. Inline arrays never reach the BlockManager, so there is no
// inline_id case here — their bytes live directly in the tagged tree.
func (m *BlockManager) GetSource(b *Block) (interface{}, error) {
	if idx, ok := m.blockIndex[b]; ok {
		return idx, nil
	}
	if uri, ok := m.externalURI[b]; ok {
		return uri, nil
	}
	return nil, ErrNotFound
}

// SetStorage mutates array's handle-level storage class; every ArrayRef sharing the handle
// follows, per spec.md §3 ("views inherit storage").
func (m *BlockManager) SetStorage(array *ArrayRef, class StorageClass) error {
	if class < Internal || class > Inline {
		return ErrUnknownStorageClass
	}
	if class == Inline {
		if array.shared() {
			return fmt.Errorf("%w: array is shared by %d views", ErrCannotInline, array.handle.refs)
		}
		if !array.IsContiguous() {
			return fmt.Errorf("%w: non-contiguous view", ErrCannotInline)
		}
	}
	array.handle.storage = class
	return nil
}

// SetCompression mutates array's handle-level compression codec. Per spec.md's open design
// question, when two arrays share a block but diverge in SetCompression, the last setter wins
// and this is intentionally preserved rather than treated as an error.
//
// Callers with a stream open on a from-disk block (Engine.SetArrayCompression,
// Engine.applyWriteOverrides) must materialize b.payload before calling this: once
// b.Compression changes, the block's still-unread on-disk bytes can no longer be decoded with
// the old codec.
func (m *BlockManager) SetCompression(array *ArrayRef, codec Compression) {
	array.handle.compression = codec
	if b := array.handle.block; b != nil {
		if b.fromDisk && b.Compression != codec {
			b.dirty = true
		}
		b.Compression = codec
	}
}

// HasBlocksWithOffset reports whether any Internal block carries a known prior offset, i.e.
// came from disk. The update planner (C6) requires this before attempting an in-place update.
func (m *BlockManager) HasBlocksWithOffset() bool {
	for _, b := range m.order {
		if _, ok := b.Offset(); ok {
			return true
		}
	}
	return false
}

// Finalize reclassifies small unshared arrays to Inline when auto-inline is enabled, assigns
// final ordinal indices to Internal blocks in first-seen order, and computes external sibling
// paths, per spec.md §4.3.
//
// live is the ordered set of blocks still reachable from the tree being serialized — normally
// gathered by walking the tree during the Tagged Tree Bridge's placeholder serialization pass
// (spec.md §4.3's "walk the tree... assign final ordinal indices... in first-seen order"), not
// every block this manager has ever registered or decoded: a block belonging to an array no
// longer in the tree (e.g. deleted before an update) must not receive an index. live's relative
// order is preserved for Internal index assignment and for External sibling numbering.
func (m *BlockManager) Finalize(baseURI string, live []*Block) error {
	if m.autoInlineThreshold >= 0 {
		for h, b := range m.byHandle {
			if h.storage != Internal {
				continue
			}
			refs := m.byBlock[b]
			if len(refs) != 1 {
				continue
			}
			// DataSize (known from the block header alone) gates eligibility, not
			// len(b.payload): a lazy from-disk block's payload may still be nil here.
			if int64(b.DataSize) > m.autoInlineThreshold {
				continue
			}
			if b.payload == nil {
				// Finalize has no stream to materialize a lazy block with; leave it
				// Internal rather than inline it with no bytes. A caller wanting a small
				// from-disk array inlined should touch its payload (e.g. read it once)
				// before writing.
				continue
			}
			// Only inline single-view arrays (mirrors SetStorage's sharing check, applied here
			// to the handle's sole surviving reference). The handle carries no strides, so
			// contiguity is not checked here.
			if h.refs > 1 {
				continue
			}
			h.storage = Inline
			h.inlineData = b.payload
		}
	}

	m.blockIndex = make(map[*Block]int)
	m.indexBlock = make(map[int]*Block)
	m.externalURI = make(map[*Block]string)
	m.uriExternal = make(map[string]*Block)

	idx := 0
	extIdx := 0
	for _, b := range live {
		refs := m.byBlock[b]
		if len(refs) == 0 {
			continue
		}
		switch refs[0].storage {
		case Internal:
			m.blockIndex[b] = idx
			m.indexBlock[idx] = b
			idx++
		case External:
			if baseURI == "" {
				return ErrNoBaseUri
			}
			uri, err := resolveURI(baseURI, externalSiblingPath(baseURI, extIdx))
			if err != nil {
				return err
			}
			m.setExternalURI(b, uri)
			extIdx++
		case Inline:
			// No block-level bookkeeping: the tagged tree bridge serializes h.inlineData
			// directly.
		}
	}
	return nil
}

func (m *BlockManager) setExternalURI(b *Block, uri string) {
	m.externalURI[b] = uri
	m.uriExternal[uri] = b
}

// ReadInternalBlocks iterates Internal blocks starting at the stream's current position
// (immediately past the YAML end marker, or past the prior block, per spec.md), decoding
// headers and attaching them to the manager without reading payloads (lazy), until EOF.
func (m *BlockManager) ReadInternalBlocks(s Stream, validateChecksums bool) error {
	idx := 0
	for {
		pos, err := s.Tell()
		if err != nil {
			return err
		}
		var probe [4]byte
		n, err := io.ReadFull(s, probe[:])
		if err == io.EOF || (n == 0 && err != nil) {
			return nil
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return err
		}
		if n < 4 || probe != blockMagic {
			// Trailing bytes that don't start with block magic are not a block: either genuine
			// end-of-file slack or (spec.md S2) garbage left after a YAML-only document with no
			// block region at all. Stop scanning without error rather than letting DecodeBlock's
			// ErrBadMagic bubble up for bytes that were never meant to be a block.
			return s.Seek(pos)
		}
		if err := s.Seek(pos); err != nil {
			return err
		}

		b, err := DecodeBlock(s)
		if err != nil {
			return &IoError{Op: "decode block header", Offset: pos, Block: idx, Cause: err}
		}

		h := newArrayHandle()
		h.storage = Internal
		h.block = b
		h.compression = b.Compression
		m.byHandle[h] = b
		m.byBlock[b] = append(m.byBlock[b], h)
		m.order = append(m.order, b)
		m.blockIndex[b] = idx
		m.indexBlock[idx] = b

		if validateChecksums {
			if _, err := b.ReadPayload(s, true); err != nil {
				return &IoError{Op: "validate block checksum", Offset: pos, Block: idx, Cause: err}
			}
		}

		if err := s.Seek(pos + 4 + 2 + int64(b.headerSize) + int64(b.AllocatedSize)); err != nil {
			return err
		}
		idx++
	}
}

// blocksByIndex returns every Internal block in the ordinal order Finalize assigned, i.e. the
// order this write will place them on disk. Writing in this order (rather than registration
// order) keeps a block's "source" index equal to its position on disk, so reopening the file
// and reassigning indices by disk offset (ReadInternalBlocks) reproduces the same indices
// (spec.md Invariant 6).
func (m *BlockManager) blocksByIndex() []*Block {
	out := make([]*Block, len(m.indexBlock))
	for idx, b := range m.indexBlock {
		out[idx] = b
	}
	return out
}

// Blocks returns every block this manager has discovered so far (via Register or
// ReadInternalBlocks), in first-discovery order. Exposed for introspection tooling, the
// ASDF-domain analog of the teacher's table-dumping CLI (list_squashfs.go/tablereader.go).
func (m *BlockManager) Blocks() []*Block {
	return append([]*Block(nil), m.order...)
}

// Index returns the ordinal index Finalize assigned to an Internal block, if any.
func (m *BlockManager) Index(b *Block) (int, bool) {
	idx, ok := m.blockIndex[b]
	return idx, ok
}

// blocksOfClass filters live to the blocks whose base array currently carries the given
// storage class, preserving live's relative order.
func (m *BlockManager) blocksOfClass(live []*Block, class StorageClass) []*Block {
	var out []*Block
	for _, b := range live {
		refs := m.byBlock[b]
		if len(refs) > 0 && refs[0].storage == class {
			out = append(out, b)
		}
	}
	return out
}

// WriteInternalBlocksSerial writes every Internal block back-to-back starting at the stream's
// current position, in Finalize's assigned index order, recording each block's new offset.
// Used by the normal (non-in-place) write path and by the update planner's fallback.
func (m *BlockManager) WriteInternalBlocksSerial(s Stream, pad uint64) error {
	for _, b := range m.blocksByIndex() {
		payload := b.payload
		if err := EncodeBlock(s, b, payload, pad, true); err != nil {
			return err
		}
	}
	return nil
}

// WriteInternalBlocksRandomAccess writes blocks at their already-assigned offsets (set by the
// update planner). Precondition: every block carries a valid offset and the offsets describe
// non-overlapping extents. A block without an offset is a caller bug, not a runtime-recoverable
// condition, so it panics like an out-of-bounds slice access would; overlapping extents are not
// detected. Callers pass only the
// blocks whose on-disk extent actually needs rewriting (spec.md §4.6's correctness invariant:
// a kept block's identical old and new extent means no payload bytes are read or written, so an
// unchanged block must never reach this method).
func (m *BlockManager) WriteInternalBlocksRandomAccess(s Stream, blocks []*Block) error {
	for _, b := range blocks {
		if _, ok := b.Offset(); !ok {
			panic("asdf: WriteInternalBlocksRandomAccess: block has no assigned offset")
		}
	}
	for _, b := range blocks {
		if err := s.Seek(b.offset); err != nil {
			return err
		}
		payload := b.payload
		if payload == nil {
			// Unchanged block: re-read its existing on-disk bytes so the header can be
			// rewritten verbatim without altering the payload extent.
			var err error
			payload, err = b.ReadPayload(s, false)
			if err != nil {
				return err
			}
			if err := s.Seek(b.offset); err != nil {
				return err
			}
		}
		pad := b.AllocatedSize - b.UsedSize
		if err := EncodeBlock(s, b, payload, pad, true); err != nil {
			return err
		}
	}
	return nil
}

// WriteExternalBlocks writes every External block to the sibling URI Finalize already assigned
// it (m.externalURI), opening a fresh single-block ASDF file for each. Finalize must run first:
// a live External block with no assigned URI is skipped (it isn't part of this write).
func (m *BlockManager) WriteExternalBlocks(pad uint64) error {
	for _, b := range m.order {
		refs := m.byBlock[b]
		if len(refs) == 0 || refs[0].storage != External {
			continue
		}
		uri, ok := m.externalURI[b]
		if !ok {
			continue
		}

		s, err := OpenFileStream(uri, true)
		if err != nil {
			return err
		}
		if err := writeHeaderRegion(s, FileVersion{1, 0, 0}, nil); err != nil {
			s.Close()
			return err
		}
		if err := EncodeBlock(s, b, b.payload, pad, true); err != nil {
			s.Close()
			return err
		}
		if err := s.Flush(); err != nil {
			s.Close()
			return err
		}
		if err := s.Close(); err != nil {
			return err
		}
	}
	return nil
}
