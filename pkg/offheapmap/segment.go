package offheapmap

import (
	"bytes"
	"reflect"
	"time"
	"unsafe"
)

// segmentConfig carries the construction parameters shared by every
// segment of a MapEngine (spec §3's map parameters plus the external
// collaborators of §6).
type segmentConfig[K any, V any] struct {
	entriesPerSegment uint64
	entrySize         uint64
	maxOversize       uint64
	metaDataBytes     int

	keyCodec   KeyCodec[K]
	valueCodec ValueCodec[V]
	sizeEnc    SizeEncoder
	alignment  ValueAlignment

	defaultValueProvider DefaultValueProvider[K, V]
	valueFactory         ValueFactory[V]
	listener             EventListener[K, V]
	errorSink            ErrorSink

	lockTimeout time.Duration
}

// segment owns one contiguous, independently-locked region of the mapped
// file (spec §4.4): its 64-byte header (lock word + live count), the
// HashIndex storage, the BlockAllocator bitset, and the entries grid.
type segment[K any, V any] struct {
	index int

	header []byte // segmentHeaderSize bytes
	lock   segmentLock

	allocator *blockAllocator
	hashIdx   *hashIndex

	entries []byte // entries grid, entriesPerSegment*entrySize bytes
	cfg     *segmentConfig[K, V]
}

func newSegment[K any, V any](idx int, region []byte, layout segmentLayout, cfg *segmentConfig[K, V]) *segment[K, V] {
	header := region[:segmentHeaderSize]

	s := &segment[K, V]{
		index:  idx,
		header: header,
		lock:   newSegmentLock(header),
		cfg:    cfg,
	}

	buckets := region[layout.hashIndexOffset : layout.hashIndexOffset+layout.hashIndexBytes]
	presence := region[layout.presenceOffset : layout.presenceOffset+layout.presenceBytes]
	s.hashIdx = newHashIndex(buckets, presence, layout.bucketCount, layout.narrow)

	allocBits := region[layout.allocatorOffset : layout.allocatorOffset+layout.allocatorBytes]
	s.allocator = newBlockAllocator(allocBits, layout.entriesPerSegment)

	s.entries = region[layout.entriesOffset : layout.entriesOffset+layout.entriesBytes]

	return s
}

func (s *segment[K, V]) liveCountPtr() *uint32 {
	//nolint:gosec // header is 8-byte aligned (the mapping is page-aligned and segment_bytes is a multiple of 8); offset 8 is 4-byte aligned.
	return (*uint32)(unsafe.Pointer(&s.header[8]))
}

func (s *segment[K, V]) liveCount() uint32 {
	return atomicLoadUint32(s.liveCountPtr())
}

func (s *segment[K, V]) incLiveCount() {
	atomicAddUint32(s.liveCountPtr(), 1)
}

func (s *segment[K, V]) decLiveCount() {
	atomicAddUint32(s.liveCountPtr(), ^uint32(0))
}

func (s *segment[K, V]) resetLiveCount() {
	atomicStoreUint32(s.liveCountPtr(), 0)
}

func (s *segment[K, V]) withLock(op string, fn func() error) error {
	tid := nextCallerToken()

	if err := s.lock.acquire(tid, s.cfg.lockTimeout, s.cfg.errorSink); err != nil {
		return newEngineError(op, err).WithSegment(s.index)
	}

	defer s.lock.release(tid, s.cfg.errorSink)

	return fn()
}

// entryStart returns the byte offset of block pos within s.entries.
func (s *segment[K, V]) entryStart(pos uint64) uint64 {
	return pos * s.cfg.entrySize
}

// decodedEntry is the parsed view of an on-disk entry.
type decodedEntry struct {
	keyOff    uint64
	keyLen    uint64
	valueOff  uint64
	valueLen  uint64
	totalSize uint64 // bytes from entry start through end of value, pre-blocks()
}

// decodeEntry parses the entry at block pos.
func (s *segment[K, V]) decodeEntry(pos uint64) decodedEntry {
	start := s.entryStart(pos)
	buf := s.entries[start:]

	meta := uint64(s.cfg.metaDataBytes)
	keySizeLen := uint64(s.cfg.sizeEnc.Read(buf[meta:]))
	keySizeEncLen := uint64(s.cfg.sizeEnc.EncodingSize(int(keySizeLen)))
	keyOff := meta + keySizeEncLen
	keyEnd := keyOff + keySizeLen

	valueSizeLen := uint64(s.cfg.sizeEnc.Read(buf[keyEnd:]))
	valueSizeEncLen := uint64(s.cfg.sizeEnc.EncodingSize(int(valueSizeLen)))
	valueSizeEncEnd := keyEnd + valueSizeEncLen

	valueStart := uint64(s.cfg.alignment.Align(int(valueSizeEncEnd)))
	valueEnd := valueStart + valueSizeLen

	return decodedEntry{
		keyOff:    keyOff,
		keyLen:    keySizeLen,
		valueOff:  valueStart,
		valueLen:  valueSizeLen,
		totalSize: valueEnd,
	}
}

func (s *segment[K, V]) entryBuf(pos uint64) []byte {
	return s.entries[s.entryStart(pos):]
}

func (s *segment[K, V]) readKey(pos uint64) K {
	e := s.decodeEntry(pos)
	buf := s.entryBuf(pos)

	return s.cfg.keyCodec.Read(buf[e.keyOff:e.keyOff+e.keyLen], int(e.keyLen))
}

func (s *segment[K, V]) keyMatches(pos uint64, key K) bool {
	e := s.decodeEntry(pos)
	buf := s.entryBuf(pos)

	if uint64(s.cfg.keyCodec.Size(key)) != e.keyLen {
		return false
	}

	return s.cfg.keyCodec.EqualPrefix(buf[e.keyOff:e.keyOff+e.keyLen], key)
}

func (s *segment[K, V]) readValue(pos uint64, reuse V) V {
	e := s.decodeEntry(pos)
	buf := s.entryBuf(pos)

	return s.cfg.valueCodec.Read(buf[e.valueOff:e.valueOff+e.valueLen], int(e.valueLen), reuse)
}

// computeEntryLayout computes the byte layout for a fresh (key, value)
// pair, following the §4.4.4 formula:
// entry_size = align(meta + key_size_enc + key + value_size_enc) + value.
func (s *segment[K, V]) computeEntryLayout(keyLen, valueLen int) decodedEntry {
	meta := uint64(s.cfg.metaDataBytes)
	keySizeEncLen := uint64(s.cfg.sizeEnc.EncodingSize(keyLen))
	keyOff := meta + keySizeEncLen
	keyEnd := keyOff + uint64(keyLen)

	valueSizeEncLen := uint64(s.cfg.sizeEnc.EncodingSize(valueLen))
	valueSizeEncEnd := keyEnd + valueSizeEncLen

	valueStart := uint64(s.cfg.alignment.Align(int(valueSizeEncEnd)))
	valueEnd := valueStart + uint64(valueLen)

	return decodedEntry{
		keyOff:    keyOff,
		keyLen:    uint64(keyLen),
		valueOff:  valueStart,
		valueLen:  uint64(valueLen),
		totalSize: valueEnd,
	}
}

// writeEntryAt writes a brand-new entry's bytes (meta zeroed, key-size,
// key, value-size, alignment pad, value) at block pos.
func (s *segment[K, V]) writeEntryAt(pos uint64, key K, value V, layout decodedEntry) {
	buf := s.entryBuf(pos)

	meta := uint64(s.cfg.metaDataBytes)
	for i := uint64(0); i < meta; i++ {
		buf[i] = 0
	}

	keySizeEncLen := layout.keyOff - meta
	s.cfg.sizeEnc.Write(buf[meta:], int(layout.keyLen))
	s.cfg.keyCodec.Write(key, buf[layout.keyOff:layout.keyOff+layout.keyLen])

	valueSizeOff := layout.keyOff + layout.keyLen
	s.cfg.sizeEnc.Write(buf[valueSizeOff:], int(layout.valueLen))

	// Zero any alignment padding between the value-size encoding and the
	// value bytes.
	padStart := valueSizeOff + uint64(s.cfg.sizeEnc.EncodingSize(int(layout.valueLen)))
	for i := padStart; i < layout.valueOff; i++ {
		buf[i] = 0
	}

	s.cfg.valueCodec.Write(value, buf[layout.valueOff:layout.valueOff+layout.valueLen])

	_ = keySizeEncLen // computed for clarity/documentation of the layout invariant
}

// overwriteValueInPlace rewrites only the value-size prefix and value
// bytes of an existing entry, assuming the block-footprint is unchanged.
func (s *segment[K, V]) overwriteValueInPlace(pos uint64, e decodedEntry, value V) {
	buf := s.entryBuf(pos)
	valueSizeOff := e.keyOff + e.keyLen
	s.cfg.sizeEnc.Write(buf[valueSizeOff:], int(e.valueLen))
	s.cfg.valueCodec.Write(value, buf[e.valueOff:e.valueOff+e.valueLen])
}

// fingerprintForKey recomputes a key's within-segment fingerprint from
// its full 64-bit hash, using the same split MapEngine uses for routing
// (spec §3's "segment_hash").
func (s *segment[K, V]) fingerprintForKey(key K, bits uint, hashMask uint64) uint64 {
	h := s.cfg.keyCodec.Hash(key)
	return (h >> bits) & hashMask
}

func (s *segment[K, V]) blockFootprint(totalBytes uint64) uint64 {
	return blocks(totalBytes, s.cfg.entrySize)
}

// checkFootprint rejects a block footprint that would exceed max_oversize
// before any allocator call is attempted (spec §3/§7's ErrValueTooLarge).
func (s *segment[K, V]) checkFootprint(op string, footprint uint64) error {
	if footprint > s.cfg.maxOversize {
		return newEngineError(op, ErrValueTooLarge).WithSegment(s.index)
	}

	return nil
}

// findExisting walks the cursor until it finds a position whose key
// matches, or the probe is exhausted. It returns the cursor positioned
// so that removePrevPos/replacePrevPos apply to the match.
func (s *segment[K, V]) findExisting(key K, fingerprint uint64) (*searchCursor, uint64, bool) {
	c := s.hashIdx.startSearch(fingerprint)

	for {
		pos, ok := c.nextPos()
		if !ok {
			return c, 0, false
		}

		if s.keyMatches(pos, key) {
			return c, pos, true
		}
	}
}

// put inserts or overwrites the binding for key (spec §4.4.2/§4.4.5). When
// key is already present and replaceIfPresent is false (the put_if_absent
// path), the existing value is returned unchanged and nothing is mutated.
// Otherwise, if present, its value is replaced in place when the new
// encoding fits the existing block footprint, or relocated to a fresh run
// of blocks otherwise. Returns the previous value, if any.
func (s *segment[K, V]) put(key K, value V, fingerprint uint64, replaceIfPresent bool) (prev V, hadPrev bool, err error) {
	var mutated bool

	err = s.withLock("put", func() (lockedErr error) {
		defer func() {
			if lockedErr == nil && mutated && s.cfg.listener != nil {
				s.cfg.listener.OnPut(!hadPrev, key, value, 0)
			}
		}()

		c, pos, found := s.findExisting(key, fingerprint)

		if found {
			prev = s.readValue(pos, prev)
			hadPrev = true

			if !replaceIfPresent {
				return nil
			}

			oldEntry := s.decodeEntry(pos)

			keyLen := s.cfg.keyCodec.Size(key)
			valueLen := s.cfg.valueCodec.Size(value)
			newLayout := s.computeEntryLayout(keyLen, valueLen)
			newFootprint := s.blockFootprint(newLayout.totalSize)
			oldFootprint := s.blockFootprint(oldEntry.totalSize)

			if err := s.checkFootprint("put", newFootprint); err != nil {
				return err
			}

			mutated = true

			switch {
			case newFootprint <= oldFootprint:
				if newFootprint < oldFootprint {
					s.allocator.shrink(pos, oldFootprint, newFootprint)
				}

				s.writeEntryAt(pos, key, value, newLayout)

				return nil

			case s.allocator.reallocExtend(pos, oldFootprint, newFootprint):
				s.writeEntryAt(pos, key, value, newLayout)

				return nil

			default:
				newPos, allocErr := s.allocator.alloc(newFootprint)
				if allocErr != nil {
					return newEngineError("put", allocErr).WithSegment(s.index).WithPosition(int64(pos))
				}

				s.writeEntryAt(newPos, key, value, newLayout)
				s.allocator.free(pos, oldFootprint)
				c.replacePrevPos(newPos)

				if s.cfg.listener != nil {
					s.cfg.listener.OnRelocation(int64(newPos))
				}

				return nil
			}
		}

		keyLen := s.cfg.keyCodec.Size(key)
		valueLen := s.cfg.valueCodec.Size(value)
		newLayout := s.computeEntryLayout(keyLen, valueLen)
		newFootprint := s.blockFootprint(newLayout.totalSize)

		if err := s.checkFootprint("put", newFootprint); err != nil {
			return err
		}

		newPos, allocErr := s.allocator.alloc(newFootprint)
		if allocErr != nil {
			return newEngineError("put", allocErr).WithSegment(s.index)
		}

		s.writeEntryAt(newPos, key, value, newLayout)
		c.putAfterFailedSearch(newPos)
		s.incLiveCount()
		mutated = true

		return nil
	})

	return prev, hadPrev, err
}

// acquire returns the current value for key (spec §4.4.3's "acquire"
// protocol). When key is absent and create is false, the configured
// DefaultValueProvider's value, if any, is inserted; when create is true,
// reuse is inserted, or a fresh value from the configured ValueFactory
// when reuse is the zero value. bound reports whether a value is returned:
// key was present or a value was inserted.
func (s *segment[K, V]) acquire(key K, fingerprint uint64, reuse V, create bool) (value V, bound bool, err error) {
	err = s.withLock("acquire", func() error {
		c, pos, found := s.findExisting(key, fingerprint)
		if found {
			value = s.readValue(pos, reuse)
			bound = true

			if s.cfg.listener != nil {
				s.cfg.listener.OnGet(key, value)
			}

			return nil
		}

		var newValue V

		if !create {
			// Get/GetUsing: spec §4.4.3 "If create is false, ask the
			// DefaultValueProvider for a value given the key; if still
			// None, return None. Otherwise insert it and notify
			// onPut(added=true)."
			if s.cfg.defaultValueProvider == nil {
				return nil
			}

			dv, ok := s.cfg.defaultValueProvider.Get(key, reuse)
			if !ok {
				return nil
			}

			newValue = dv
		} else {
			// AcquireUsing: spec §4.4.3 "If create is true, use using_value
			// or build a fresh one via ValueFactory::create()."
			// DefaultValueProvider plays no part in this path.
			if s.cfg.valueFactory != nil && reflect.ValueOf(&reuse).Elem().IsZero() {
				newValue = s.cfg.valueFactory.Create()
			} else {
				newValue = reuse
			}
		}

		keyLen := s.cfg.keyCodec.Size(key)
		valueLen := s.cfg.valueCodec.Size(newValue)
		layout := s.computeEntryLayout(keyLen, valueLen)
		footprint := s.blockFootprint(layout.totalSize)

		if err := s.checkFootprint("acquire", footprint); err != nil {
			return err
		}

		pos, allocErr := s.allocator.alloc(footprint)
		if allocErr != nil {
			return newEngineError("acquire", allocErr).WithSegment(s.index)
		}

		s.writeEntryAt(pos, key, newValue, layout)

		if create {
			if byteable, ok := any(newValue).(Byteable); ok {
				entryOff := int(s.entryStart(pos) + layout.valueOff)
				if err := byteable.Bind(s.entries, entryOff, int(layout.valueLen)); err != nil {
					return newEngineError("acquire", err).WithSegment(s.index).WithPosition(int64(pos))
				}
			}
		}

		c.putAfterFailedSearch(pos)
		s.incLiveCount()

		value = newValue
		bound = true

		if s.cfg.listener != nil {
			s.cfg.listener.OnPut(true, key, newValue, int64(pos))
		}

		return nil
	})

	return value, bound, err
}

// valuesEqual byte-compares two values through the configured ValueCodec,
// mirroring the key-side EqualPrefix comparison so remove_if/replace_if can
// judge equality without requiring V to be Go-comparable.
func (s *segment[K, V]) valuesEqual(a, b V) bool {
	la := s.cfg.valueCodec.Size(a)
	lb := s.cfg.valueCodec.Size(b)

	if la != lb {
		return false
	}

	ba := make([]byte, la)
	bb := make([]byte, lb)
	s.cfg.valueCodec.Write(a, ba)
	s.cfg.valueCodec.Write(b, bb)

	return bytes.Equal(ba, bb)
}

// remove deletes key's binding, if present, returning its value (spec
// §4.4.6). When hasExpected is true (the remove_if path), the binding is
// only removed if its current value equals expected; matched reports
// whether the removal condition held (always true when hasExpected is
// false).
func (s *segment[K, V]) remove(key K, fingerprint uint64, expected V, hasExpected bool) (prev V, existed bool, matched bool, err error) {
	err = s.withLock("remove", func() error {
		c, pos, found := s.findExisting(key, fingerprint)
		if !found {
			return nil
		}

		existed = true
		e := s.decodeEntry(pos)
		prev = s.readValue(pos, prev)

		if hasExpected && !s.valuesEqual(expected, prev) {
			return nil
		}

		matched = true

		c.removePrevPos()
		s.allocator.free(pos, s.blockFootprint(e.totalSize))
		s.decLiveCount()

		if s.cfg.listener != nil {
			s.cfg.listener.OnRemove(key, prev, int64(pos))
		}

		return nil
	})

	return prev, existed, matched, err
}

// replace overwrites key's value only if it is currently present,
// following the same in-place-vs-relocate rule as put (spec §4.4.7). When
// hasExpected is true (the replace_if path), the value is only replaced if
// its current value equals expected; matched reports whether the
// replacement condition held.
func (s *segment[K, V]) replace(key K, newValue V, fingerprint uint64, expected V, hasExpected bool) (prev V, existed bool, matched bool, err error) {
	err = s.withLock("replace", func() error {
		c, pos, found := s.findExisting(key, fingerprint)
		if !found {
			return nil
		}

		existed = true
		oldEntry := s.decodeEntry(pos)
		prev = s.readValue(pos, prev)

		if hasExpected && !s.valuesEqual(expected, prev) {
			return nil
		}

		matched = true

		keyLen := s.cfg.keyCodec.Size(key)
		valueLen := s.cfg.valueCodec.Size(newValue)
		newLayout := s.computeEntryLayout(keyLen, valueLen)
		newFootprint := s.blockFootprint(newLayout.totalSize)
		oldFootprint := s.blockFootprint(oldEntry.totalSize)

		if err := s.checkFootprint("replace", newFootprint); err != nil {
			return err
		}

		switch {
		case newFootprint <= oldFootprint:
			if newFootprint < oldFootprint {
				s.allocator.shrink(pos, oldFootprint, newFootprint)
			}

			s.writeEntryAt(pos, key, newValue, newLayout)

		case s.allocator.reallocExtend(pos, oldFootprint, newFootprint):
			s.writeEntryAt(pos, key, newValue, newLayout)

		default:
			newPos, allocErr := s.allocator.alloc(newFootprint)
			if allocErr != nil {
				return newEngineError("replace", allocErr).WithSegment(s.index).WithPosition(int64(pos))
			}

			s.writeEntryAt(newPos, key, newValue, newLayout)
			s.allocator.free(pos, oldFootprint)
			c.replacePrevPos(newPos)

			if s.cfg.listener != nil {
				s.cfg.listener.OnRelocation(int64(newPos))
			}
		}

		if s.cfg.listener != nil {
			s.cfg.listener.OnPut(false, key, newValue, int64(pos))
		}

		return nil
	})

	return prev, existed, matched, err
}

// removeAtPos implements the iterator's race-closing removal path (spec
// §4.5/§9 Open Question 1): it removes the binding at pos only if pos is
// still live AND its stored key bytes still equal key. If either check
// fails (the position was freed or reused by a different entry since the
// iterator last observed it), it reports removed=false so the caller can
// fall back to a by-key removal.
func (s *segment[K, V]) removeAtPos(pos uint64, key K, bits uint, hashMask uint64) (prev V, removed bool, err error) {
	err = s.withLock("iterator_remove", func() error {
		if !s.hashIdx.presenceTest(pos) {
			return nil
		}

		if !s.keyMatches(pos, key) {
			return nil
		}

		e := s.decodeEntry(pos)
		prev = s.readValue(pos, prev)

		fp := s.fingerprintForKey(key, bits, hashMask)
		c := s.hashIdx.startSearch(fp)

		for {
			p, ok := c.nextPos()
			if !ok {
				return nil
			}

			if p == pos {
				c.removePrevPos()
				s.allocator.free(pos, s.blockFootprint(e.totalSize))
				s.decLiveCount()
				removed = true

				if s.cfg.listener != nil {
					s.cfg.listener.OnRemove(key, prev, int64(pos))
				}

				return nil
			}
		}
	})

	return prev, removed, err
}

// containsKey reports whether key is currently bound (spec §4.4.8).
func (s *segment[K, V]) containsKey(key K, fingerprint uint64) (bool, error) {
	var found bool

	err := s.withLock("contains_key", func() error {
		_, _, ok := s.findExisting(key, fingerprint)
		found = ok

		return nil
	})

	return found, err
}

// clear empties the segment: resets the HashIndex, the BlockAllocator
// bitset, and the live-entry counter (spec §4.4.9). It does not zero the
// entries grid itself; freed blocks are simply available for reuse.
func (s *segment[K, V]) clear() error {
	return s.withLock("clear", func() error {
		s.hashIdx.clear()

		for i := range s.allocator.bits {
			s.allocator.bits[i] = 0
		}

		s.allocator.cursor = 0
		s.resetLiveCount()

		return nil
	})
}

// checkConsistency validates invariants I1-I2 (spec §8): every live
// first-block position is bound by exactly one bucket slot, and the
// live count matches the presence bitmap's cardinality.
func (s *segment[K, V]) checkConsistency() error {
	var err error

	lockErr := s.withLock("check_consistency", func() error {
		var presenceCount int

		s.hashIdx.forEach(func(pos uint64) bool {
			presenceCount++

			bindings := s.hashIdx.countBindings(pos)
			if bindings != 1 {
				err = newEngineError("check_consistency", ErrCorruption).
					WithSegment(s.index).WithPosition(int64(pos))

				return false
			}

			if !s.allocator.testBit(pos) {
				err = newEngineError("check_consistency", ErrCorruption).
					WithSegment(s.index).WithPosition(int64(pos))

				return false
			}

			return true
		})

		if err == nil && uint32(presenceCount) != s.liveCount() { //nolint:gosec
			err = newEngineError("check_consistency", ErrCorruption).WithSegment(s.index)
		}

		return nil
	})

	if lockErr != nil {
		return lockErr
	}

	return err
}
