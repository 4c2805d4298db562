package offheapmap

// Hardcoded implementation limits.
//
// These exist to keep arithmetic safely away from overflow boundaries, to
// bound resource usage for configurations nobody fuzzes, and to avoid
// unsafe int64/int conversions (mmap length is an int). All limit
// violations return ErrInvalidInput.
const (
	// minSegments is the smallest allowed segment count. Must be a power of two.
	minSegments = 1

	// maxSegments bounds segment count; segment_id routing uses a 64-bit mask,
	// but file sizes beyond this are not something this implementation is
	// tested against.
	maxSegments = 1 << 20

	// minEntriesPerSegment is the smallest allowed per-segment block grid size.
	// Must be a multiple of 8 (presence bitset byte alignment).
	minEntriesPerSegment = 8

	// maxEntriesPerSegment bounds E so hash_index_uses_narrow and bitset sizes
	// stay well inside a single mmap segment.
	maxEntriesPerSegment = 1 << 28

	// maxEntrySizeBytes bounds the per-block size B.
	maxEntrySizeBytes = 1 << 20

	// maxOversizeLimit is the hard ceiling on max_oversize (spec: the largest
	// number of contiguous blocks one entry may occupy).
	maxOversizeLimit = 4096

	// maxMetaDataBytes bounds the reserved per-entry metadata prefix.
	maxMetaDataBytes = 4096

	// maxMappedFileSizeBytes is a safety guardrail, not a RAM limit: mmap does
	// not load the whole file into memory, but very large mappings are
	// outside what this implementation implicitly claims to support.
	maxMappedFileSizeBytes = uint64(1) << 40 // 1 TiB

	// segmentHeaderSize is the fixed 64-byte segment header (spec §3).
	segmentHeaderSize = 64

	// engineHeaderSize is the fixed engine (file-level) header size; kept a
	// multiple of 4096 so segment 0 starts on a page boundary.
	engineHeaderSize = 4096

	// segmentAlignAnti is the anti-aliasing padding floor from spec §9:
	// segment_bytes mod 4096 must be >= this, to keep every Nth segment
	// header from landing in the same L1 set.
	segmentAlignAnti = 64

	// defaultLockTimeoutNanos is the default spin-lock acquisition timeout.
	defaultLockTimeoutNanos = int64(5_000_000_000) // 5s

	// spinBackoffThreshold is the number of bare CAS retries attempted before
	// the spinner starts yielding the OS thread between attempts.
	spinBackoffThreshold = 64
)
