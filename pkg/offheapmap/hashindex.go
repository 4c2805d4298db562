package offheapmap

import "encoding/binary"

// Bucket sentinel values, grounded on pkg/slotcache/format.go's
// bucketEmpty/bucketTombstone encoding, adapted to a multimap: the
// position half of a slot is EMPTY (never occupied), TOMBSTONE (occupied
// then removed, available for reuse but must not terminate a probe), or
// FULL (pos+1, so 0 remains free for EMPTY).
const (
	bucketEmpty     = 0
	bucketTombstone = 0xFFFFFFFF // masked to the narrow/wide width in use
)

// hashIndex is the per-segment multi-map from hash fingerprint to block
// position (spec §4.2): an open-addressed bucket array for the
// fingerprint -> position bindings, plus a presence bitmap over the E
// block positions recording which are the *first block* of a live entry
// (used by iteration and check_consistency; independent from the
// BlockAllocator's own block-occupancy bitset, which also marks
// continuation blocks of oversize entries).
type hashIndex struct {
	buckets     []byte // mmap view, bucketCount*slotWidth bytes
	presence    []byte // mmap view, ceil(E/8) bytes
	bucketCount uint64
	narrow      bool
}

func newHashIndex(buckets, presence []byte, bucketCount uint64, narrow bool) *hashIndex {
	return &hashIndex{buckets: buckets, presence: presence, bucketCount: bucketCount, narrow: narrow}
}

func (h *hashIndex) slotWidth() uint64 {
	if h.narrow {
		return 4
	}

	return 8
}

// readSlot returns (fingerprint, posPlusOne) at bucket index i.
func (h *hashIndex) readSlot(i uint64) (uint64, uint64) {
	if h.narrow {
		off := i * 4
		fp := uint64(binary.LittleEndian.Uint16(h.buckets[off:]))
		pos := uint64(binary.LittleEndian.Uint16(h.buckets[off+2:]))

		return fp, pos
	}

	off := i * 8
	fp := uint64(binary.LittleEndian.Uint32(h.buckets[off:]))
	pos := uint64(binary.LittleEndian.Uint32(h.buckets[off+4:]))

	return fp, pos
}

func (h *hashIndex) writeSlot(i, fp, posPlusOne uint64) {
	if h.narrow {
		off := i * 4
		binary.LittleEndian.PutUint16(h.buckets[off:], uint16(fp))
		binary.LittleEndian.PutUint16(h.buckets[off+2:], uint16(posPlusOne))

		return
	}

	off := i * 8
	binary.LittleEndian.PutUint32(h.buckets[off:], uint32(fp))
	binary.LittleEndian.PutUint32(h.buckets[off+4:], uint32(posPlusOne))
}

func (h *hashIndex) tombstoneValue() uint64 {
	if h.narrow {
		return 0xFFFF
	}

	return bucketTombstone
}

func (h *hashIndex) isEmpty(posPlusOne uint64) bool  { return posPlusOne == bucketEmpty }
func (h *hashIndex) isTomb(posPlusOne uint64) bool   { return posPlusOne == h.tombstoneValue() }
func (h *hashIndex) isFull(posPlusOne uint64) bool   { return !h.isEmpty(posPlusOne) && !h.isTomb(posPlusOne) }

func (h *hashIndex) presenceTest(pos uint64) bool {
	return h.presence[pos/8]&(1<<(pos%8)) != 0
}

func (h *hashIndex) presenceSet(pos uint64) {
	h.presence[pos/8] |= 1 << (pos % 8)
}

func (h *hashIndex) presenceClear(pos uint64) {
	h.presence[pos/8] &^= 1 << (pos % 8)
}

// searchCursor implements the §4.2 "iterator cursor" model: start_search,
// next_pos, put_after_failed_search, remove_prev_pos, replace_prev_pos.
// Valid only while the enclosing segment lock is held, between
// start_search and unlock; not durable.
type searchCursor struct {
	idx         *hashIndex
	fingerprint uint64

	probe uint64 // next bucket to examine

	exhausted bool // true once a true EMPTY slot has been hit

	haveFreeSlot bool
	freeSlot     uint64 // first tombstone-or-empty bucket seen (insertion point)

	haveLastReturned bool
	lastBucket       uint64
}

// startSearch resets the cursor for fingerprint, starting the linear
// probe at fingerprint & (bucketCount-1) (spec §4.2).
func (h *hashIndex) startSearch(fingerprint uint64) *searchCursor {
	return &searchCursor{
		idx:         h,
		fingerprint: fingerprint,
		probe:       fingerprint & (h.bucketCount - 1),
	}
}

// nextPos yields the next position bound to the cursor's fingerprint, or
// (0, false) once the probe sequence reaches a true EMPTY slot.
func (c *searchCursor) nextPos() (uint64, bool) {
	if c.exhausted {
		return 0, false
	}

	h := c.idx

	for i := uint64(0); i < h.bucketCount; i++ {
		b := c.probe
		c.probe = (c.probe + 1) & (h.bucketCount - 1)

		fp, pv := h.readSlot(b)

		switch {
		case h.isEmpty(pv):
			if !c.haveFreeSlot {
				c.haveFreeSlot = true
				c.freeSlot = b
			}

			c.exhausted = true

			return 0, false

		case h.isTomb(pv):
			if !c.haveFreeSlot {
				c.haveFreeSlot = true
				c.freeSlot = b
			}

		default: // FULL
			if fp == c.fingerprint {
				c.haveLastReturned = true
				c.lastBucket = b

				return pv - 1, true
			}
		}
	}

	// Wrapped all the way around a full table without an EMPTY slot.
	c.exhausted = true

	return 0, false
}

// putAfterFailedSearch inserts (fingerprint, pos) using the free slot the
// preceding nextPos() run (which must have returned false) discovered.
func (c *searchCursor) putAfterFailedSearch(pos uint64) {
	h := c.idx
	if !c.haveFreeSlot {
		// No free slot was recorded by the probe (table is completely
		// full of other fingerprints' live entries with no tombstones);
		// the caller is responsible for ensuring capacity exists before
		// calling put, so this indicates a capacity-planning bug rather
		// than a runtime condition to recover from.
		panic("offheapmap: putAfterFailedSearch with no free bucket")
	}

	h.writeSlot(c.freeSlot, c.fingerprint, pos+1)
	h.presenceSet(pos)
}

// removePrevPos deletes the (fingerprint, pos) pair most recently returned
// by nextPos.
func (c *searchCursor) removePrevPos() {
	h := c.idx
	if !c.haveLastReturned {
		panic("offheapmap: removePrevPos without a preceding successful nextPos")
	}

	_, pv := h.readSlot(c.lastBucket)
	h.writeSlot(c.lastBucket, 0, h.tombstoneValue())
	h.presenceClear(pv - 1)
}

// replacePrevPos rebinds the pair most recently returned by nextPos to a
// new position (used on relocation, spec §4.4.5).
func (c *searchCursor) replacePrevPos(newPos uint64) {
	h := c.idx
	if !c.haveLastReturned {
		panic("offheapmap: replacePrevPos without a preceding successful nextPos")
	}

	_, pv := h.readSlot(c.lastBucket)
	oldPos := pv - 1

	h.writeSlot(c.lastBucket, c.fingerprint, newPos+1)
	h.presenceClear(oldPos)
	h.presenceSet(newPos)
}

// forEach calls consume for every live first-block position in ascending
// order (spec §4.2/§4.5), via the presence bitmap.
func (h *hashIndex) forEach(consume func(pos uint64) bool) {
	for pos := uint64(0); pos < uint64(len(h.presence))*8; pos++ {
		if h.presenceTest(pos) {
			if !consume(pos) {
				return
			}
		}
	}
}

// countBindings returns how many bucket slots bind exactly to pos (used by
// check_consistency to verify I2: "exactly one" per live position).
func (h *hashIndex) countBindings(pos uint64) int {
	count := 0

	for i := uint64(0); i < h.bucketCount; i++ {
		_, pv := h.readSlot(i)
		if h.isFull(pv) && pv-1 == pos {
			count++
		}
	}

	return count
}

// clear resets every bucket to EMPTY and every presence bit to 0 (spec
// §4.4.8).
func (h *hashIndex) clear() {
	for i := range h.buckets {
		h.buckets[i] = 0
	}

	for i := range h.presence {
		h.presence[i] = 0
	}
}
