package asdf

import "sort"

// maxIndexDigits bounds the decimal width of a block's ordinal index as it appears inside a
// serialized "source: N" ndarray node, per spec.md §4.6 step 2's H-budget formula. Ten digits
// comfortably covers any index this implementation could assign in one write.
const maxIndexDigits = 10

// placement is one block's resolved new offset, computed by planUpdate.
type placement struct {
	block     *Block
	offset    int64
	unchanged bool // true if the old extent is kept as-is: no payload bytes are read or written
}

// updatePlan is the result of a successful planUpdate: where every surviving Internal block
// goes, and the final file size once all placements are written.
type updatePlan struct {
	h          int64 // header+YAML budget; every new offset is >= h
	placements []placement
	finalSize  int64
}

// planUpdate implements the C6 greedy offset-packing algorithm of spec.md §4.6. live is the set
// of Internal blocks that survive into the rewritten tree, in the order the Tagged Tree Bridge
// will serialize their "source" references (first-seen order post-edit, not necessarily the
// original write order). yamlLen is the length in bytes of everything before the first block
// (the magic line plus the candidate YAML document with block indices still pending), and
// refCount is R, the number of indexed block references it contains.
//
// changed reports, per block, whether its payload or compression changed since the file was
// last written; a block absent from changed is unchanged. Blocks with no known prior on-disk
// offset are newly created this write and are always placed after every reused extent, per
// step 5. planUpdate never fails in this implementation: a gap can always be found by extending
// the file at cursor (step 4b), so the bool result exists for API symmetry with spec.md's
// "or give up" wording rather than a reachable false.
func planUpdate(live []*Block, yamlLen int, refCount int, changed map[*Block]bool) (*updatePlan, bool) {
	h := int64(yamlLen) + int64(refCount)*maxIndexDigits + int64(len(yamlEndMark))

	var existing, fresh []*Block
	for _, b := range live {
		if _, ok := b.Offset(); ok && b.fromDisk {
			existing = append(existing, b)
		} else {
			fresh = append(fresh, b)
		}
	}
	sort.Slice(existing, func(i, j int) bool {
		oi, _ := existing[i].Offset()
		oj, _ := existing[j].Offset()
		return oi < oj
	})

	plan := &updatePlan{h: h}
	cursor := h

	for _, b := range existing {
		o, _ := b.Offset()
		oldEnd := o + 4 + 2 + blockHeaderLen(b) + int64(b.AllocatedSize)

		if !changed[b] && cursor <= o {
			// Step 4a: reuse the existing extent untouched.
			plan.placements = append(plan.placements, placement{block: b, offset: o, unchanged: true})
			cursor = oldEnd
			continue
		}

		// Step 4b: relocate at cursor. newHeaderLen/newAllocated reflect the block's
		// already-recomputed sizing (Engine.Update sets AllocatedSize/UsedSize of every changed
		// block for its new payload before invoking the planner).
		plan.placements = append(plan.placements, placement{block: b, offset: cursor})
		cursor += 4 + 2 + blockHeaderLen(b) + int64(b.AllocatedSize)
	}

	for _, b := range fresh {
		plan.placements = append(plan.placements, placement{block: b, offset: cursor})
		cursor += 4 + 2 + blockHeaderLen(b) + int64(b.AllocatedSize)
	}

	plan.finalSize = cursor
	return plan, true
}

// blockHeaderLen returns a block's on-disk header length, defaulting to the standard
// write-time length for blocks that have never been encoded.
func blockHeaderLen(b *Block) int64 {
	if b.headerSize == 0 {
		return writeHeaderLen
	}
	return int64(b.headerSize)
}

// applyPlan assigns each placement's offset back onto its block (the Block Manager's
// WriteInternalBlocksRandomAccess reads these offsets to do the actual seek+write), and returns
// the ordinal-index order the Tagged Tree Bridge should serialize "source" references in —
// offset order, matching how ReadInternalBlocks numbers blocks when the file is reopened.
func applyPlan(plan *updatePlan) []*Block {
	ordered := make([]placement, len(plan.placements))
	copy(ordered, plan.placements)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].offset < ordered[j].offset })

	out := make([]*Block, len(ordered))
	for i, p := range ordered {
		p.block.offset = p.offset
		p.block.payloadOffset = p.offset + 4 + 2 + blockHeaderLen(p.block)
		out[i] = p.block
	}
	return out
}
