package offheapmap

import (
	"math/rand/v2"
	"testing"
)

func newTestHashIndex(tb testing.TB, entriesPerSegment uint64, narrow bool) *hashIndex {
	tb.Helper()

	bucketCount := computeBucketCount(entriesPerSegment)

	width := uint64(8)
	if narrow {
		width = 4
	}

	buckets := make([]byte, bucketCount*width)
	presence := make([]byte, (entriesPerSegment+7)/8)

	return newHashIndex(buckets, presence, bucketCount, narrow)
}

// oracleMultimap mirrors a hashIndex's fingerprint->position bindings as a
// plain map, to check put/remove/replace and iteration against.
type oracleMultimap struct {
	byFingerprint map[uint64]map[uint64]bool // fingerprint -> set of pos
	present       map[uint64]bool            // pos -> live
}

func newOracleMultimap() *oracleMultimap {
	return &oracleMultimap{
		byFingerprint: make(map[uint64]map[uint64]bool),
		present:       make(map[uint64]bool),
	}
}

func (o *oracleMultimap) put(fp, pos uint64) {
	if o.byFingerprint[fp] == nil {
		o.byFingerprint[fp] = make(map[uint64]bool)
	}

	o.byFingerprint[fp][pos] = true
	o.present[pos] = true
}

func (o *oracleMultimap) positions(fp uint64) []uint64 {
	var out []uint64

	for pos := range o.byFingerprint[fp] {
		out = append(out, pos)
	}

	return out
}

func (o *oracleMultimap) remove(fp, pos uint64) {
	delete(o.byFingerprint[fp], pos)
	delete(o.present, pos)
}

// Test_HashIndex_Put_Then_Search_Finds_Every_Position_For_A_Fingerprint
// drives a sequence of puts (including fingerprint collisions, which a
// multimap must keep distinct by position) and removes, and at the end
// requires the live set of positions returned by startSearch/nextPos to
// match the oracle exactly regardless of order.
func Test_HashIndex_Put_Then_Search_Finds_Every_Position_For_A_Fingerprint(t *testing.T) {
	t.Parallel()

	const entries = 64

	h := newTestHashIndex(t, entries, false)
	oracle := newOracleMultimap()

	rng := rand.New(rand.NewPCG(7, 9))

	// Keep fingerprint space small relative to bucket count so collisions
	// (two live positions sharing a fingerprint) are exercised often.
	const fpSpace = 6

	live := make(map[uint64]uint64) // pos -> fingerprint, for positions currently bound

	for i := 0; i < 2000; i++ {
		if len(live) >= entries-1 {
			// Drain one before inserting more; the grid is small on purpose.
			for pos, fp := range live {
				c := h.startSearch(fp)

				removed := false

				for {
					p, ok := c.nextPos()
					if !ok {
						break
					}

					if p == pos {
						c.removePrevPos()
						removed = true

						break
					}
				}

				if !removed {
					t.Fatalf("could not find pos=%d under fp=%d for forced eviction", pos, fp)
				}

				oracle.remove(fp, pos)
				delete(live, pos)

				break
			}

			continue
		}

		if len(live) > 0 && rng.IntN(2) == 0 {
			var pos, fp uint64

			for p, f := range live {
				pos, fp = p, f

				break
			}

			c := h.startSearch(fp)

			removed := false

			for {
				p, ok := c.nextPos()
				if !ok {
					break
				}

				if p == pos {
					c.removePrevPos()
					removed = true

					break
				}
			}

			if !removed {
				t.Fatalf("could not find pos=%d under fp=%d to remove", pos, fp)
			}

			oracle.remove(fp, pos)
			delete(live, pos)

			continue
		}

		fp := uint64(rng.IntN(fpSpace))

		var pos uint64

		for {
			pos = uint64(rng.IntN(entries))
			if !oracle.present[pos] {
				break
			}
		}

		c := h.startSearch(fp)
		for {
			_, ok := c.nextPos()
			if !ok {
				break
			}
		}

		c.putAfterFailedSearch(pos)
		oracle.put(fp, pos)
		live[pos] = fp
	}

	for fp := uint64(0); fp < fpSpace; fp++ {
		want := oracle.positions(fp)

		c := h.startSearch(fp)

		var got []uint64

		for {
			pos, ok := c.nextPos()
			if !ok {
				break
			}

			got = append(got, pos)
		}

		if len(got) != len(want) {
			t.Fatalf("fp=%d: got %d positions %v, want %d %v", fp, len(got), got, len(want), want)
		}

		wantSet := make(map[uint64]bool, len(want))
		for _, p := range want {
			wantSet[p] = true
		}

		for _, p := range got {
			if !wantSet[p] {
				t.Fatalf("fp=%d: search returned unexpected pos=%d", fp, p)
			}
		}
	}
}

func Test_HashIndex_ReplacePrevPos_Moves_Binding_To_New_Position(t *testing.T) {
	t.Parallel()

	h := newTestHashIndex(t, 32, false)

	const fp = 3

	c := h.startSearch(fp)
	for {
		_, ok := c.nextPos()
		if !ok {
			break
		}
	}

	c.putAfterFailedSearch(5)

	if !h.presenceTest(5) {
		t.Fatalf("presence bit not set after put")
	}

	c2 := h.startSearch(fp)

	pos, ok := c2.nextPos()
	if !ok || pos != 5 {
		t.Fatalf("nextPos after put: got (%d, %v), want (5, true)", pos, ok)
	}

	c2.replacePrevPos(9)

	if h.presenceTest(5) {
		t.Fatalf("old position 5 still marked present after replacePrevPos")
	}

	if !h.presenceTest(9) {
		t.Fatalf("new position 9 not marked present after replacePrevPos")
	}

	c3 := h.startSearch(fp)

	pos, ok = c3.nextPos()
	if !ok || pos != 9 {
		t.Fatalf("nextPos after replace: got (%d, %v), want (9, true)", pos, ok)
	}
}

func Test_HashIndex_CountBindings_Reports_Exactly_One_Per_Live_Position(t *testing.T) {
	t.Parallel()

	h := newTestHashIndex(t, 32, false)

	positions := []uint64{1, 2, 3}
	for i, pos := range positions {
		fp := uint64(i)

		c := h.startSearch(fp)
		for {
			_, ok := c.nextPos()
			if !ok {
				break
			}
		}

		c.putAfterFailedSearch(pos)
	}

	for _, pos := range positions {
		if got := h.countBindings(pos); got != 1 {
			t.Fatalf("countBindings(%d) = %d, want 1", pos, got)
		}
	}

	if got := h.countBindings(99); got != 0 {
		t.Fatalf("countBindings(99) = %d, want 0 for never-bound position", got)
	}
}

func Test_HashIndex_ForEach_Visits_Every_Presence_Bit_In_Ascending_Order(t *testing.T) {
	t.Parallel()

	h := newTestHashIndex(t, 64, false)

	want := []uint64{2, 10, 11, 40}

	for i, pos := range want {
		fp := uint64(i) * 17

		c := h.startSearch(fp)
		for {
			_, ok := c.nextPos()
			if !ok {
				break
			}
		}

		c.putAfterFailedSearch(pos)
	}

	var got []uint64

	h.forEach(func(pos uint64) bool {
		got = append(got, pos)
		return true
	})

	if len(got) != len(want) {
		t.Fatalf("forEach visited %d positions %v, want %d %v", len(got), got, len(want), want)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("forEach order mismatch at %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func Test_HashIndex_Clear_Empties_Every_Bucket_And_Presence_Bit(t *testing.T) {
	t.Parallel()

	h := newTestHashIndex(t, 32, false)

	c := h.startSearch(1)
	for {
		_, ok := c.nextPos()
		if !ok {
			break
		}
	}

	c.putAfterFailedSearch(4)

	h.clear()

	if h.presenceTest(4) {
		t.Fatalf("presence bit still set after clear")
	}

	c2 := h.startSearch(1)

	if _, ok := c2.nextPos(); ok {
		t.Fatalf("search found a binding after clear")
	}
}

func Test_HashIndex_Narrow_And_Wide_Slot_Widths_Round_Trip(t *testing.T) {
	t.Parallel()

	for _, narrow := range []bool{true, false} {
		h := newTestHashIndex(t, 32, narrow)

		c := h.startSearch(0xABCD)
		for {
			_, ok := c.nextPos()
			if !ok {
				break
			}
		}

		c.putAfterFailedSearch(7)

		c2 := h.startSearch(0xABCD)

		pos, ok := c2.nextPos()
		if !ok || pos != 7 {
			t.Fatalf("narrow=%v: round trip failed, got (%d, %v)", narrow, pos, ok)
		}
	}
}
