// Package offheapmap provides an embedded, persistent, concurrent key-value
// map whose entire representation lives in a memory-mapped file.
//
// The address space is partitioned into a fixed number of segments, each
// independently protected by a process-shared spin-lock embedded in its
// header. Within a segment, keys are hashed into a compact HashIndex (a
// fingerprint -> block-position multimap) backed by a bitset BlockAllocator
// over a grid of fixed-size blocks. Entries are length-prefixed
// (key, then value) and may span multiple contiguous blocks when they
// exceed one block's size ("oversize" entries).
//
// Multiple processes mapping the same file observe the same state: all
// mutable state (lock words, counters, bitsets, index slots, entry bytes)
// lives in the mapped region, not in process memory.
//
// Construction parameters (segment count, entries-per-segment, entry size,
// alignment, oversize limit) are fixed for the lifetime of the file; there
// is no online resize. Reopening an existing file with a Config that
// disagrees with any of them fails with ErrIncompatible.
//
// MapEngine exposes unconditional mutations (Put, Remove, Replace),
// condition-gated variants (PutIfAbsent, RemoveIf, ReplaceIf), read paths
// that can decode into a caller-supplied value to avoid an allocation
// (GetUsing, AcquireUsing), and a snapshot-free EntryIterator for walking
// every live binding. WithWriteback configures whether mutating calls
// force their dirty pages out to the backing file before returning.
package offheapmap
