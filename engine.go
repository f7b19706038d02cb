package asdf

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Engine is the C7 File Engine facade: it owns the stream and the Block Manager, and exposes
// the tree plus the open/write_to/update/copy/close operations of spec.md §4.7.
type Engine struct {
	stream  Stream
	tree    Node
	blocks  *BlockManager
	uri     string
	version FileVersion

	extensions    *ExtensionRegistry
	externalCache *ExternalCache
	validator     SchemaValidator
	resolver      ReferenceResolver

	validateChecksums bool
	closed            bool

	// liveBlocks/liveSeen accumulate, in first-seen order, every Internal/External block touched
	// while walking the tree during one customToTagged pass (startLiveScan/recordLive). This is
	// the set Finalize indexes over, per spec.md §4.3's "walk the tree... assign indices in
	// first-seen order" — distinct from every block the manager has ever registered or decoded,
	// which may include blocks for arrays no longer reachable from the tree.
	liveBlocks []*Block
	liveSeen   map[*Block]bool
}

// startLiveScan resets the live-block accumulator before a fresh serialization pass.
func (e *Engine) startLiveScan() {
	e.liveBlocks = nil
	e.liveSeen = make(map[*Block]bool)
}

// recordLive appends b to the live-block list the first time it is seen during the current scan.
func (e *Engine) recordLive(b *Block) {
	if e.liveSeen[b] {
		return
	}
	e.liveSeen[b] = true
	e.liveBlocks = append(e.liveBlocks, b)
}

// OpenOption configures Open.
type OpenOption func(*openConfig)

type openConfig struct {
	validateChecksums bool
	fillDefaults      bool
	extensions        *ExtensionRegistry
	validator         SchemaValidator
	resolver          ReferenceResolver
	autoInline        int64
}

// WithValidateChecksums verifies each block's checksum as its payload is first read.
func WithValidateChecksums(v bool) OpenOption {
	return func(c *openConfig) { c.validateChecksums = v }
}

// WithFillDefaults runs fill_defaults immediately after opening.
func WithFillDefaults(v bool) OpenOption {
	return func(c *openConfig) { c.fillDefaults = v }
}

// WithExtensions supplies the tag→schema/hook extension registry.
func WithExtensions(ext *ExtensionRegistry) OpenOption {
	return func(c *openConfig) { c.extensions = ext }
}

// WithValidator supplies a SchemaValidator other than the built-in default.
func WithValidator(v SchemaValidator) OpenOption {
	return func(c *openConfig) { c.validator = v }
}

// WithReferenceResolver supplies a ReferenceResolver other than DefaultReferenceResolver.
func WithReferenceResolver(r ReferenceResolver) OpenOption {
	return func(c *openConfig) { c.resolver = r }
}

// WithAutoInlineOpen enables auto-inline reclassification with the given byte threshold for
// writes made through this engine.
func WithAutoInlineOpen(maxBytes int64) OpenOption {
	return func(c *openConfig) { c.autoInline = maxBytes }
}

// Open wires C1→C4→C9→C3 over s (already positioned at the start of the file) and returns a
// ready-to-use Engine, per spec.md §4.7. uri identifies s for external-reference and sibling-file
// resolution; it may be "" for purely in-memory use.
func Open(s Stream, uri string, opts ...OpenOption) (*Engine, error) {
	cfg := &openConfig{autoInline: -1, resolver: DefaultReferenceResolver}
	for _, o := range opts {
		o(cfg)
	}

	version, yamlBytes, err := readHeaderRegion(s)
	if err != nil {
		return nil, err
	}

	blocks := NewBlockManager()
	if cfg.autoInline >= 0 {
		blocks.SetAutoInline(cfg.autoInline)
	}
	if err := blocks.ReadInternalBlocks(s, cfg.validateChecksums); err != nil {
		return nil, err
	}

	ext := cfg.extensions
	if ext == nil {
		ext = NewExtensionRegistry()
	}

	e := &Engine{
		blocks:            blocks,
		stream:            s,
		uri:               uri,
		version:           version,
		extensions:        ext,
		validator:         cfg.validator,
		resolver:          cfg.resolver,
		validateChecksums: cfg.validateChecksums,
	}
	e.externalCache = NewExternalCache(e, uri, e.openExternal)

	if len(yamlBytes) == 0 {
		e.tree = NewMapping()
	} else {
		var doc yaml.Node
		if err := yaml.Unmarshal(yamlBytes, &doc); err != nil {
			return nil, fmt.Errorf("asdf: parsing yaml region: %w", err)
		}
		tree, err := taggedToCustom(&doc, e)
		if err != nil {
			return nil, err
		}
		e.tree = tree
	}

	if cfg.fillDefaults {
		if err := e.FillDefaults(); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// openExternal is the ExternalCache's opener: it opens uri as a fresh read-only engine sharing
// this engine's extension set, per spec.md §4.8.
func (e *Engine) openExternal(uri string) (*Engine, error) {
	s, err := OpenFileStream(uri, false)
	if err != nil {
		return nil, err
	}
	child, err := Open(s, uri, WithExtensions(e.extensions), WithValidateChecksums(e.validateChecksums))
	if err != nil {
		s.Close()
		return nil, err
	}
	return child, nil
}

// Tree returns the engine's root domain node.
func (e *Engine) Tree() Node { return e.tree }

// SetTree replaces the engine's root domain node (e.g. after building a tree to write fresh).
func (e *Engine) SetTree(n Node) { e.tree = n }

// Blocks returns the block table known to this engine's Block Manager, for introspection tools.
func (e *Engine) Blocks() []*Block { return e.blocks.Blocks() }

// BlockIndex returns the ordinal index Finalize assigned to an Internal block, if any.
func (e *Engine) BlockIndex(b *Block) (int, bool) { return e.blocks.Index(b) }

// requireOpen returns ErrNotOpen once the engine has been closed.
func (e *Engine) requireOpen() error {
	if e.closed {
		return ErrNotOpen
	}
	return nil
}

// --- tree transformations (C5 + reference collaborator) -----------------------------------

// ResolveReferences replaces every unresolved *Reference reachable from the tree with its
// resolved target, via e.resolver and the External Reference Cache.
func (e *Engine) ResolveReferences() error {
	resolved, err := Walk(e.tree, func(n Node) (Node, error) {
		ref, ok := n.(*Reference)
		if !ok {
			return n, nil
		}
		target, err := e.resolver.Resolve(ref, e.tree, e.externalCache)
		if err != nil {
			return nil, err
		}
		ref.Resolved = target
		return ref, nil
	})
	if err != nil {
		return err
	}
	e.tree = resolved
	return nil
}

// FindReferences returns every unresolved reference reachable from the tree.
func (e *Engine) FindReferences() []*Reference {
	return findReferences(e.tree)
}

// MakeReference builds a *Reference pointing at the node found by following path (a sequence of
// Mapping keys and Sequence indices) into this engine's own tree, so it can be assigned into
// another file's tree as a cross-file link. An empty path references the whole tree.
func (e *Engine) MakeReference(path ...interface{}) (*Reference, error) {
	target, err := navigatePath(e.tree, path)
	if err != nil {
		return nil, err
	}
	return &Reference{URI: e.uri + "#" + encodeJSONPointer(path), Resolved: target}, nil
}

// ResolveAndInline resolves every reference and replaces each *Reference node with its
// resolved target directly, collapsing the indirection.
func (e *Engine) ResolveAndInline() error {
	resolved, err := Walk(e.tree, func(n Node) (Node, error) {
		ref, ok := n.(*Reference)
		if !ok {
			return n, nil
		}
		if ref.Resolved != nil {
			return ref.Resolved, nil
		}
		target, err := e.resolver.Resolve(ref, e.tree, e.externalCache)
		if err != nil {
			return nil, err
		}
		return target, nil
	})
	if err != nil {
		return err
	}
	e.tree = resolved
	return nil
}

// FillDefaults validates the tree via the schema validator in fill-defaults mode.
func (e *Engine) FillDefaults() error {
	return e.validateWithMode(SchemaModeFillDefaults)
}

// RemoveDefaults validates the tree via the schema validator in remove-defaults mode.
func (e *Engine) RemoveDefaults() error {
	return e.validateWithMode(SchemaModeRemoveDefaults)
}

func (e *Engine) validateWithMode(mode SchemaMode) error {
	if e.validator == nil {
		return nil
	}
	mv, ok := e.validator.(*defaultValidator)
	if ok {
		prior := mv.mode
		mv.mode = mode
		defer func() { mv.mode = prior }()
	}
	_, err := Walk(e.tree, func(n Node) (Node, error) {
		tag := tagForNode(n)
		if tag == "" {
			return n, nil
		}
		if err := e.validator.Validate(tag, n); err != nil {
			return nil, err
		}
		return n, nil
	})
	return err
}

// --- storage/compression setters ------------------------------------------------------------

// SetArrayStorage mutates array's storage class; all views sharing its handle follow.
func (e *Engine) SetArrayStorage(a *ArrayRef, class StorageClass) error {
	return e.setStorage(a, class)
}

// setStorage applies SetStorage, additionally materializing a from-disk block's payload and
// copying it into the handle's inline_data when reclassifying to Inline: BlockManager.SetStorage
// only flips the storage tag, since it has no stream to read a lazy block's bytes with.
func (e *Engine) setStorage(a *ArrayRef, class StorageClass) error {
	if class == Inline {
		if b := a.handle.block; b != nil {
			if b.payload == nil && b.fromDisk && e.stream != nil {
				if _, err := b.ReadPayload(e.stream, false); err != nil {
					return err
				}
			}
			if err := e.blocks.SetStorage(a, class); err != nil {
				return err
			}
			a.handle.inlineData = b.payload
			return nil
		}
	}
	return e.blocks.SetStorage(a, class)
}

// GetArrayStorage returns array's current storage class.
func (e *Engine) GetArrayStorage(a *ArrayRef) StorageClass { return a.Storage() }

// ArrayData materializes and returns array's raw, uncompressed payload bytes: the "materialized
// view" spec.md's Design Notes describe, letting a caller read or mutate array content directly
// in place. For Inline storage this is the handle's inline data; for Internal/External it is the
// bound block's payload, read lazily from the stream on first access. An External array decoded
// from a file is read from the first block of the sibling file its source names, opened (and
// cached) through the external-reference cache on first access.
func (e *Engine) ArrayData(a *ArrayRef) ([]byte, error) {
	if a.handle.storage == Inline {
		return a.handle.inlineData, nil
	}
	if a.handle.storage == External && a.handle.block == nil && a.handle.sourceURI != "" {
		child, err := e.externalCache.Resolve(a.handle.sourceURI)
		if err != nil {
			return nil, err
		}
		cb, err := child.blocks.Get(0)
		if err != nil {
			return nil, err
		}
		return cb.ReadPayload(child.stream, child.validateChecksums)
	}
	b := a.handle.block
	if b == nil {
		var err error
		if b, err = e.blocks.Register(a); err != nil {
			return nil, err
		}
	}
	if b.payload == nil && b.fromDisk {
		if e.stream == nil {
			return nil, ErrNotOpen
		}
		return b.ReadPayload(e.stream, e.validateChecksums)
	}
	return b.payload, nil
}

// SetArrayData replaces array's raw payload bytes in place, e.g. after mutating one element of a
// materialized view. Marks a from-disk block dirty so a subsequent Update recomputes its checksum
// and rewrites its bytes (spec.md §8 invariant 5).
func (e *Engine) SetArrayData(a *ArrayRef, data []byte) error {
	if a.handle.storage == Inline {
		a.handle.inlineData = data
		return nil
	}
	b := a.handle.block
	if b == nil {
		var err error
		if b, err = e.blocks.Register(a); err != nil {
			return err
		}
	}
	b.SetPayload(data)
	return nil
}

// SetArrayCompression mutates array's compression codec.
func (e *Engine) SetArrayCompression(a *ArrayRef, codec Compression) {
	e.materializeBeforeRecompress(a)
	e.blocks.SetCompression(a, codec)
}

// materializeBeforeRecompress reads a lazy from-disk block's payload with its current codec
// before that codec is about to be overwritten by SetCompression; otherwise the bytes already
// on disk become undecodable once BlockManager records the new codec against the old bytes.
func (e *Engine) materializeBeforeRecompress(a *ArrayRef) {
	b := a.handle.block
	if b == nil || b.payload != nil || !b.fromDisk || e.stream == nil {
		return
	}
	_, _ = b.ReadPayload(e.stream, false)
}

// --- copy ------------------------------------------------------------------------------------

// Copy deep-copies the tree into a new engine sharing the extension set; the new engine has no
// stream and no blocks bound to this one, per spec.md §4.7.
func (e *Engine) Copy() (*Engine, error) {
	child := &Engine{
		blocks:            NewBlockManager(),
		extensions:        e.extensions,
		validator:         e.validator,
		resolver:          e.resolver,
		validateChecksums: e.validateChecksums,
	}
	child.externalCache = NewExternalCache(child, "", child.openExternal)

	copied, err := Walk(e.tree, func(n Node) (Node, error) {
		tag := tagForNode(n)
		if tag == "" {
			return n, nil
		}
		return e.extensions.runHook(tag, HookCopyToNewAsdf, n, child)
	})
	if err != nil {
		return nil, err
	}
	child.tree = copied
	return child, nil
}

// --- close -----------------------------------------------------------------------------------

// Close releases the stream and every external-cache entry. Lazy ArrayRefs into released
// blocks become invalid, per spec.md §4.7's closing semantics.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true

	var firstErr error
	if e.externalCache != nil {
		if err := e.externalCache.Close(); err != nil {
			firstErr = err
		}
	}
	if e.stream != nil {
		if err := e.stream.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// --- write_to / update -------------------------------------------------------------------------

// yamlRegionSlack is extra header/YAML budget reserved at initial-write time, beyond the
// index-width margin the H-budget formula already accounts for, so an in-place update carrying
// a modest tree edit (a new key, a longer scalar) has somewhere to grow without relocating any
// block.
const yamlRegionSlack = 256

// writeConfig collects the options write_to and update share, per spec.md §4.7's shared
// parameter list: all_storage?, all_compression?, auto_inline?, pad_blocks?, remove_defaults?.
type writeConfig struct {
	allStorage     *StorageClass
	allCompression *Compression
	autoInline     *int64
	padBlocks      uint64
	removeDefaults bool
}

// WriteOption configures WriteTo.
type WriteOption func(*writeConfig)

// UpdateOption configures Update.
type UpdateOption func(*writeConfig)

// WithAllStorage reclassifies every array in the tree to class before writing.
func WithAllStorage(class StorageClass) func(*writeConfig) {
	return func(c *writeConfig) { c.allStorage = &class }
}

// WithAllCompression recompresses every array's block with codec before writing.
func WithAllCompression(codec Compression) func(*writeConfig) {
	return func(c *writeConfig) { c.allCompression = &codec }
}

// WithAutoInline enables reclassifying small, unshared arrays to Inline storage for arrays
// whose uncompressed size is <= maxBytes, evaluated during Finalize. Contiguity is not checked.
func WithAutoInline(maxBytes int64) func(*writeConfig) {
	return func(c *writeConfig) { c.autoInline = &maxBytes }
}

// WithBlockPadding reserves n bytes of unused extent after every block written, giving later
// in-place updates room to grow without relocating.
func WithBlockPadding(n uint64) func(*writeConfig) {
	return func(c *writeConfig) { c.padBlocks = n }
}

// WithRemoveDefaults runs remove_defaults immediately before serializing.
func WithRemoveDefaults(v bool) func(*writeConfig) {
	return func(c *writeConfig) { c.removeDefaults = v }
}

// applyWriteOverrides pushes all_storage/all_compression onto every array reachable from the
// tree, before serialization. A no-op when neither override is set.
func (e *Engine) applyWriteOverrides(cfg *writeConfig) error {
	if cfg.allStorage == nil && cfg.allCompression == nil {
		return nil
	}
	_, err := Walk(e.tree, func(n Node) (Node, error) {
		a, ok := n.(*ArrayRef)
		if !ok {
			return n, nil
		}
		if cfg.allCompression != nil {
			e.materializeBeforeRecompress(a)
			e.blocks.SetCompression(a, *cfg.allCompression)
		}
		if cfg.allStorage != nil {
			if err := e.setStorage(a, *cfg.allStorage); err != nil {
				return nil, err
			}
		}
		return n, nil
	})
	return err
}

// serializeFinal runs the two-phase serialize-then-finalize protocol of spec.md §4.6 step 1-3:
// a placeholder pass discovers every live block (in tree first-seen order) and a provisional
// YAML length, Finalize assigns real ordinal indices/external URIs over finalizeOrder (which
// callers may reorder for Internal blocks to match an update's planned disk layout), and a
// second pass re-serializes the tree with the real indices baked in.
func (e *Engine) serializeFinal(baseURI string, autoInline *int64, reorder func(live []*Block) []*Block) (tagged *yaml.Node, region []byte, refCount int, live []*Block, err error) {
	if autoInline != nil {
		e.blocks.SetAutoInline(*autoInline)
	}
	if _, _, err = customToTagged(e.tree, e); err != nil {
		return
	}
	live = append([]*Block(nil), e.liveBlocks...)

	finalizeOrder := live
	if reorder != nil {
		finalizeOrder = reorder(live)
	}
	if err = e.blocks.Finalize(baseURI, finalizeOrder); err != nil {
		return
	}

	tagged, refCount, err = customToTagged(e.tree, e)
	if err != nil {
		return
	}
	region, err = buildYAMLRegion(tagged)
	return
}

// writeSerialTo writes the full tree to dst from offset 0: header, YAML region, every Internal
// block back-to-back in index order, then every External block to its sibling file. dst is
// truncated to the written length. Used by WriteTo and by Update's serial paths (no prior
// on-disk blocks to reuse, or an all_storage override to External).
func (e *Engine) writeSerialTo(dst Stream, baseURI string, cfg *writeConfig) (int64, error) {
	if !dst.Writable() {
		return 0, ErrNotWritable
	}
	_, region, refCount, _, err := e.serializeFinal(baseURI, cfg.autoInline, nil)
	if err != nil {
		return 0, err
	}
	// Reserve the index-width slack a later in-place update's H-budget formula assumes (§4.6
	// step 2) plus a fixed cushion for incidental tree edits (new keys, longer scalars), so a
	// subsequent small update has room to grow the YAML region without relocating any block
	// (spec.md S5). Update's own H recomputation stays tight to the tree it is writing; this
	// cushion only exists at initial-write time, the one point an on-disk "allocated vs used"
	// budget can be established for the header/YAML region the same way pad_blocks establishes
	// one for each block's payload.
	h := int64(len(region)) + int64(refCount)*maxIndexDigits + int64(len(yamlEndMark)) + yamlRegionSlack
	region = padYAMLRegion(region, int(h))
	if err := dst.Seek(0); err != nil {
		return 0, err
	}
	if err := writeHeaderRegion(dst, e.version, region); err != nil {
		return 0, err
	}
	if err := e.blocks.WriteInternalBlocksSerial(dst, cfg.padBlocks); err != nil {
		return 0, err
	}
	if err := e.blocks.WriteExternalBlocks(cfg.padBlocks); err != nil {
		return 0, err
	}
	end, err := dst.Tell()
	if err != nil {
		return 0, err
	}
	if dst.Seekable() {
		if err := dst.Truncate(end); err != nil {
			return 0, err
		}
	}
	return end, dst.Flush()
}

// WriteTo copies the current tree to dst as a complete ASDF file, without touching the engine's
// own stream, per spec.md §4.7. dstURI names dst for external-sibling resolution; it may be ""
// when the tree has no External arrays.
func (e *Engine) WriteTo(dst Stream, dstURI string, opts ...WriteOption) error {
	if err := e.requireOpen(); err != nil {
		return err
	}
	cfg := &writeConfig{}
	for _, o := range opts {
		o(cfg)
	}
	if err := e.applyWriteOverrides(cfg); err != nil {
		return err
	}
	if cfg.removeDefaults {
		if err := e.RemoveDefaults(); err != nil {
			return err
		}
	}
	_, err := e.writeSerialTo(dst, dstURI, cfg)
	return err
}

// Update rewrites the engine's own stream in place when possible, per spec.md §4.7 and the C6
// greedy offset-packing algorithm of §4.6. Requires a writable, seekable stream opened from an
// existing file. Falls back to a full serial rewrite (still in place, via writeSerialTo) when
// there is nothing to reuse: no prior on-disk blocks, an all_storage override to External, or
// the packer finding no viable plan.
func (e *Engine) Update(opts ...UpdateOption) error {
	if err := e.requireOpen(); err != nil {
		return err
	}
	if !e.stream.Writable() {
		return ErrNotWritable
	}
	if !e.stream.Seekable() {
		return ErrNotSeekable
	}

	cfg := &writeConfig{}
	for _, o := range opts {
		o(cfg)
	}
	if err := e.applyWriteOverrides(cfg); err != nil {
		return err
	}
	if cfg.removeDefaults {
		if err := e.RemoveDefaults(); err != nil {
			return err
		}
	}

	if cfg.allStorage != nil && *cfg.allStorage == External {
		_, err := e.writeSerialTo(e.stream, e.uri, cfg)
		return err
	}
	if !e.blocks.HasBlocksWithOffset() {
		_, err := e.writeSerialTo(e.stream, e.uri, cfg)
		return err
	}

	if cfg.autoInline != nil {
		e.blocks.SetAutoInline(*cfg.autoInline)
	}
	if _, _, err := customToTagged(e.tree, e); err != nil {
		return err
	}
	live := append([]*Block(nil), e.liveBlocks...)
	liveInternal := e.blocks.blocksOfClass(live, Internal)
	liveExternal := e.blocks.blocksOfClass(live, External)

	changed := make(map[*Block]bool)
	for _, b := range liveInternal {
		if b.dirty || !b.fromDisk {
			changed[b] = true
		}
	}

	placeholderRegion, err := e.placeholderRegionLength()
	if err != nil {
		return err
	}
	refCount := len(liveInternal) + len(liveExternal)
	// Block offsets are absolute, so the budget before the first block also covers the magic
	// line written ahead of the YAML region.
	magicLen := int64(len(magicPrefix) + len(e.version.String()) + 1)

	// Size each changed block for the payload it is about to be written with, so the planner's
	// extents match what EncodeBlock writes (a block new to this file starts with AllocatedSize 0).
	for b := range changed {
		used := uint64(len(b.payload))
		if c, ok := compressorRegistry[b.Compression]; ok && c.Compress != nil && b.Compression != CompressionNone {
			enc, err := c.Compress(b.payload)
			if err != nil {
				return err
			}
			used = uint64(len(enc))
		}
		b.AllocatedSize, b.UsedSize = used+(b.AllocatedSize-b.UsedSize), used
	}

	plan, ok := planUpdate(liveInternal, int(magicLen)+placeholderRegion, refCount, changed)
	if !ok {
		_, err := e.writeSerialTo(e.stream, e.uri, cfg)
		return err
	}
	// Materialize the payload of every block about to move while its offset still points at
	// its old on-disk location: applyPlan is about to overwrite block.offset/payloadOffset
	// with the new location, and a relocated-but-content-unchanged block (cursor outran its
	// old offset during packing) may never have had its payload read off disk at all.
	for _, p := range plan.placements {
		if !p.unchanged && p.block.payload == nil {
			if _, err := p.block.ReadPayload(e.stream, false); err != nil {
				return err
			}
		}
	}
	ordered := applyPlan(plan)

	// A block whose array was removed from the tree (e.g. spec.md S4's deleted a2) is simply
	// left untouched at its old on-disk extent: its header bytes are never rewritten, so
	// ReadInternalBlocks will still find and decode it as a structurally valid block on reopen,
	// occupying a real slot in the disk-order index sequence even though nothing references it
	// any more. Finalize must count that slot too, or the survivors after it (a3) get assigned
	// an index one lower than what reopening will actually give them.
	liveInternalSet := make(map[*Block]bool, len(liveInternal))
	for _, b := range liveInternal {
		liveInternalSet[b] = true
	}
	var orphans []*Block
	for _, b := range e.blocks.blocksOfClass(e.blocks.Blocks(), Internal) {
		if liveInternalSet[b] {
			continue
		}
		if _, ok := b.Offset(); ok && b.fromDisk {
			orphans = append(orphans, b)
		}
	}
	diskOrder := append(append([]*Block(nil), ordered...), orphans...)
	sort.Slice(diskOrder, func(i, j int) bool {
		oi, _ := diskOrder[i].Offset()
		oj, _ := diskOrder[j].Offset()
		return oi < oj
	})

	// Assign real indices in final disk order for every physical Internal block (live or
	// orphaned), and in first-seen order for Externals (whose sibling numbering doesn't depend
	// on this file's layout): spec.md Invariant 6 requires indices to match the order
	// ReadInternalBlocks will reassign them in on reopen, which for an in-place update is offset
	// order, not tree order.
	finalizeOrder := append(append([]*Block(nil), diskOrder...), liveExternal...)
	if err := e.blocks.Finalize(e.uri, finalizeOrder); err != nil {
		return err
	}

	tagged, _, err := customToTagged(e.tree, e)
	if err != nil {
		return err
	}
	region, err := buildYAMLRegion(tagged)
	if err != nil {
		return err
	}
	// The written region must reach exactly to wherever the first surviving on-disk block
	// (live or orphaned) actually sits: the reader locates the block table by scanning forward
	// from the header for the region's own end marker, with no notion of "H" as a recorded
	// number, so anything short of that position leaves an unscannable dead zone of stale bytes
	// and anything past it would overwrite live block bytes.
	budget := plan.h
	if len(diskOrder) > 0 {
		if off, ok := diskOrder[0].Offset(); ok && off > budget {
			budget = off
		}
	}
	region = padYAMLRegion(region, int(budget-magicLen))
	if magicLen+int64(len(region)) > budget {
		// The real indices ended up wider than the placeholder budget allowed for (more
		// blocks than maxIndexDigits anticipated, or similar): fall back to a full rewrite
		// rather than corrupt the block stream that follows.
		_, err := e.writeSerialTo(e.stream, e.uri, cfg)
		return err
	}

	if err := e.stream.Seek(0); err != nil {
		return err
	}
	if err := writeHeaderRegion(e.stream, e.version, region); err != nil {
		return err
	}

	var toWrite []*Block
	for _, p := range plan.placements {
		if !p.unchanged {
			toWrite = append(toWrite, p.block)
		}
	}
	if err := e.blocks.WriteInternalBlocksRandomAccess(e.stream, toWrite); err != nil {
		return err
	}
	if err := e.blocks.WriteExternalBlocks(cfg.padBlocks); err != nil {
		return err
	}

	if err := e.stream.Truncate(plan.finalSize); err != nil {
		return err
	}
	return e.stream.Flush()
}

// placeholderRegionLength returns the byte length of the tree's YAML region as it currently
// serializes (with whatever indices are already assigned to its live blocks from the prior
// write/open) — the yaml_len term of the §4.6 step 2 H-budget formula.
func (e *Engine) placeholderRegionLength() (int, error) {
	tagged, _, err := customToTagged(e.tree, e)
	if err != nil {
		return 0, err
	}
	region, err := buildYAMLRegion(tagged)
	if err != nil {
		return 0, err
	}
	return len(region), nil
}

// --- YAML region framing ---------------------------------------------------------------------

// buildYAMLRegion serializes tagged into a complete YAML region: "%YAML 1.1\n---\n" + body +
// "...\n", matching the §6 on-disk shape C4 expects to read back.
func buildYAMLRegion(tagged *yaml.Node) ([]byte, error) {
	body, err := yaml.Marshal(tagged)
	if err != nil {
		return nil, err
	}
	var buf strings.Builder
	buf.WriteString("%YAML 1.1\n---\n")
	buf.Write(body)
	if !strings.HasSuffix(buf.String(), "\n") {
		buf.WriteByte('\n')
	}
	buf.WriteString(yamlEndMark)
	return []byte(buf.String()), nil
}

// padYAMLRegion pads region with blank lines inserted just before its final end-marker
// occurrence so the total length equals target, per spec.md §4.6 step 7a ("rewrite matches the
// budget or is padded to it"). Blank lines are insignificant whitespace in YAML, so this never
// changes the parsed document. region must already be <= target.
func padYAMLRegion(region []byte, target int) []byte {
	deficit := target - len(region)
	if deficit <= 0 {
		return region
	}
	idx := strings.LastIndex(string(region), yamlEndMark)
	if idx < 0 {
		idx = len(region)
	}

	out := make([]byte, 0, target)
	out = append(out, region[:idx]...)
	for i := 0; i < deficit; i++ {
		out = append(out, '\n')
	}
	out = append(out, region[idx:]...)
	return out
}
