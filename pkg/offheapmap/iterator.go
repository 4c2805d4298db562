package offheapmap

// EntryIterator walks every live binding across a MapEngine's segments,
// highest segment index first and ascending block position within each
// segment (spec §4.5). It holds no cross-call lock: each Next/Remove
// acquires and releases the owning segment's lock independently, so a
// concurrent writer may mutate positions the iterator has not yet reached
// or has already passed.
type EntryIterator[K any, V any] struct {
	engine *MapEngine[K, V]

	segIdx int   // segment currently being walked, -1 once exhausted
	pos    int64 // last position returned within segIdx's segment, -1 before the first Next

	haveCurrent bool
	currentKey  K
	currentPos  uint64
}

// Iterator returns a fresh EntryIterator positioned before the first entry
// (spec §6's entry_iterator).
func (e *MapEngine[K, V]) Iterator() *EntryIterator[K, V] {
	return &EntryIterator[K, V]{engine: e, segIdx: len(e.segments) - 1, pos: -1}
}

// Next advances to the next live binding and returns a snapshot of it.
// Returns (zero, false) once every segment has been exhausted. Next
// re-validates the candidate position under the owning segment's lock
// before returning it, since a concurrent writer may have removed it
// between the presence-bitmap scan and the lock acquisition (spec §4.5).
func (it *EntryIterator[K, V]) Next() (Entry[K, V], bool) {
	for it.segIdx >= 0 {
		seg := it.engine.segments[it.segIdx]

		var (
			found Entry[K, V]
			ok    bool
		)

		_ = seg.withLock("iterator_next", func() error {
			from := uint64(it.pos + 1)

			for p := from; p < seg.cfg.entriesPerSegment; p++ {
				if !seg.hashIdx.presenceTest(p) {
					continue
				}

				key := seg.readKey(p)

				var zero V

				value := seg.readValue(p, zero)

				found = Entry[K, V]{Key: key, Value: value}
				it.pos = int64(p)
				it.haveCurrent = true
				it.currentKey = key
				it.currentPos = p
				ok = true

				return nil
			}

			return nil
		})

		if ok {
			return found, true
		}

		it.segIdx--
		it.pos = -1
	}

	it.haveCurrent = false

	var zero Entry[K, V]

	return zero, false
}

// Remove deletes the binding most recently returned by Next (spec §4.5).
// It first tries to remove the exact (segment, position) pair the
// iterator observed, re-checking under the segment lock that the position
// is still live and still holds the same key (spec §9 Open Question 1's
// "compare serialized key bytes" resolution). If the position was freed or
// reused by a different entry in the meantime, it falls back to removing
// by key through the engine, matching the spec's documented best-effort
// fallback and the narrow accepted anomaly: a third party may have since
// rebound the same key to a different value, which this path still
// correctly targets by key, or the key may no longer exist at all, in
// which case the fallback is a harmless no-op.
func (it *EntryIterator[K, V]) Remove() error {
	if !it.haveCurrent {
		return newEngineError("iterator_remove", ErrIllegalState)
	}

	seg := it.engine.segments[it.segIdx]

	_, removed, err := seg.removeAtPos(it.currentPos, it.currentKey, it.engine.segBits, it.engine.hashMask)
	if err != nil {
		return err
	}

	if removed {
		return nil
	}

	_, _, err = it.engine.Remove(it.currentKey)

	return err
}
