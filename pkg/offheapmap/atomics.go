package offheapmap

import "sync/atomic"

// Thin wrappers around sync/atomic's *uint32 primitives, kept as named
// helpers so the call sites in segment.go read the same way the teacher's
// generation-counter code reads its own seqlock words.

func atomicLoadUint32(p *uint32) uint32 {
	return atomic.LoadUint32(p)
}

func atomicStoreUint32(p *uint32, v uint32) {
	atomic.StoreUint32(p, v)
}

func atomicAddUint32(p *uint32, delta uint32) uint32 {
	return atomic.AddUint32(p, delta)
}
