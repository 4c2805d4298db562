package offheapmap

import (
	"encoding/binary"
	"hash/crc32"
)

// OHM1 file format constants (grounded on pkg/slotcache/format.go's SLC1
// header discipline: fixed magic + version, header CRC over a
// zeroed-checksum-field copy, reserved-byte-must-be-zero validation).
const (
	ohm1Magic            = "OHM1"
	ohm1Version   uint32 = 1
	hashAlgFNV1a64       = uint32(1)

	flagNarrowIndex = uint32(1) << 0
)

// Engine header field offsets (bytes from file start). The logical header
// occupies the first 0x44 bytes; the remainder up to engineHeaderSize is
// reserved and must be zero, giving room to grow the format without
// relocating segment 0 off its page boundary.
const (
	ehOffMagic             = 0x00 // [4]byte
	ehOffVersion           = 0x04 // uint32
	ehOffHeaderSize        = 0x08 // uint32
	ehOffSegments          = 0x0C // uint32
	ehOffEntriesPerSegment = 0x10 // uint32
	ehOffEntrySize         = 0x14 // uint32
	ehOffMaxOversize       = 0x18 // uint32
	ehOffAlignment         = 0x1C // uint32
	ehOffMetaDataBytes     = 0x20 // uint32
	ehOffHashAlg           = 0x24 // uint32
	ehOffFlags             = 0x28 // uint32
	ehOffUserVersion       = 0x30 // uint64
	ehOffSegmentBytes      = 0x38 // uint64
	ehOffHeaderCRC32C      = 0x40 // uint32
	ehOffReservedStart     = 0x44
)

// engineHeader is the decoded form of the OHM1 file header.
type engineHeader struct {
	Segments          uint32
	EntriesPerSegment uint32
	EntrySize         uint32
	MaxOversize       uint32
	Alignment         uint32
	MetaDataBytes     uint32
	HashAlg           uint32
	Flags             uint32
	UserVersion       uint64
	SegmentBytes      uint64
}

func (h *engineHeader) narrow() bool {
	return h.Flags&flagNarrowIndex != 0
}

func encodeEngineHeader(h *engineHeader) []byte {
	buf := make([]byte, engineHeaderSize)

	copy(buf[ehOffMagic:], ohm1Magic)
	binary.LittleEndian.PutUint32(buf[ehOffVersion:], ohm1Version)
	binary.LittleEndian.PutUint32(buf[ehOffHeaderSize:], engineHeaderSize)
	binary.LittleEndian.PutUint32(buf[ehOffSegments:], h.Segments)
	binary.LittleEndian.PutUint32(buf[ehOffEntriesPerSegment:], h.EntriesPerSegment)
	binary.LittleEndian.PutUint32(buf[ehOffEntrySize:], h.EntrySize)
	binary.LittleEndian.PutUint32(buf[ehOffMaxOversize:], h.MaxOversize)
	binary.LittleEndian.PutUint32(buf[ehOffAlignment:], h.Alignment)
	binary.LittleEndian.PutUint32(buf[ehOffMetaDataBytes:], h.MetaDataBytes)
	binary.LittleEndian.PutUint32(buf[ehOffHashAlg:], h.HashAlg)
	binary.LittleEndian.PutUint32(buf[ehOffFlags:], h.Flags)
	binary.LittleEndian.PutUint64(buf[ehOffUserVersion:], h.UserVersion)
	binary.LittleEndian.PutUint64(buf[ehOffSegmentBytes:], h.SegmentBytes)

	crc := computeEngineHeaderCRC(buf)
	binary.LittleEndian.PutUint32(buf[ehOffHeaderCRC32C:], crc)

	return buf
}

func decodeEngineHeader(buf []byte) engineHeader {
	var h engineHeader

	h.Segments = binary.LittleEndian.Uint32(buf[ehOffSegments:])
	h.EntriesPerSegment = binary.LittleEndian.Uint32(buf[ehOffEntriesPerSegment:])
	h.EntrySize = binary.LittleEndian.Uint32(buf[ehOffEntrySize:])
	h.MaxOversize = binary.LittleEndian.Uint32(buf[ehOffMaxOversize:])
	h.Alignment = binary.LittleEndian.Uint32(buf[ehOffAlignment:])
	h.MetaDataBytes = binary.LittleEndian.Uint32(buf[ehOffMetaDataBytes:])
	h.HashAlg = binary.LittleEndian.Uint32(buf[ehOffHashAlg:])
	h.Flags = binary.LittleEndian.Uint32(buf[ehOffFlags:])
	h.UserVersion = binary.LittleEndian.Uint64(buf[ehOffUserVersion:])
	h.SegmentBytes = binary.LittleEndian.Uint64(buf[ehOffSegmentBytes:])

	return h
}

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

func computeEngineHeaderCRC(buf []byte) uint32 {
	tmp := make([]byte, engineHeaderSize)
	copy(tmp, buf)

	for i := ehOffHeaderCRC32C; i < ehOffHeaderCRC32C+4; i++ {
		tmp[i] = 0
	}

	return crc32.Checksum(tmp, crc32cTable)
}

func validateEngineHeaderCRC(buf []byte) bool {
	stored := binary.LittleEndian.Uint32(buf[ehOffHeaderCRC32C:])
	return stored == computeEngineHeaderCRC(buf)
}

func hasReservedEngineBytesSet(buf []byte) bool {
	for i := ehOffReservedStart; i < engineHeaderSize; i++ {
		if buf[i] != 0 {
			return true
		}
	}

	return false
}

// align64 rounds x up to the next multiple of 8 bytes.
func align64(x uint64) uint64 {
	return (x + 7) &^ 7
}

func align64i(x int) int {
	return int(align64(uint64(x)))
}

// nextPow2 returns the smallest power of two >= x (x >= 1).
func nextPow2(x uint64) uint64 {
	if x <= 1 {
		return 1
	}

	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	x |= x >> 32

	return x + 1
}

// hashIndexLoadFactor bounds bucket occupancy so linear probing stays fast;
// bucket_count = nextPow2(ceil(entriesPerSegment / loadFactor)).
const hashIndexLoadFactor = 0.75

func computeBucketCount(entriesPerSegment uint64) uint64 {
	needed := uint64(float64(entriesPerSegment)/hashIndexLoadFactor + 0.999999999)
	if needed < 2 {
		needed = 2
	}

	return nextPow2(needed)
}

// segmentLayout describes the byte layout of one segment, computed once at
// construction from (entriesPerSegment E, entrySize B, narrow, bucketCount).
type segmentLayout struct {
	entriesPerSegment uint64
	entrySize         uint64
	bucketCount       uint64
	narrow            bool
	bucketSlotWidth   uint64 // 4 (narrow) or 8 (wide) bytes per bucket slot

	hashIndexOffset     uint64
	hashIndexBytes       uint64
	presenceOffset      uint64 // HashIndex's own first-block presence bitmap, over E bits
	presenceBytes       uint64
	allocatorOffset     uint64 // BlockAllocator's block-occupancy bitset, over E bits
	allocatorBytes      uint64
	entriesOffset       uint64
	entriesBytes        uint64
	segmentBytes        uint64
}

func computeSegmentLayout(entriesPerSegment, entrySize uint64, narrow bool) segmentLayout {
	l := segmentLayout{
		entriesPerSegment: entriesPerSegment,
		entrySize:         entrySize,
		narrow:            narrow,
		bucketCount:       computeBucketCount(entriesPerSegment),
	}

	if narrow {
		l.bucketSlotWidth = 4
	} else {
		l.bucketSlotWidth = 8
	}

	l.hashIndexOffset = segmentHeaderSize
	l.hashIndexBytes = l.bucketCount * l.bucketSlotWidth
	l.presenceOffset = l.hashIndexOffset + l.hashIndexBytes
	l.presenceBytes = (entriesPerSegment + 7) / 8

	l.allocatorOffset = l.hashIndexOffset + align64(l.hashIndexBytes+l.presenceBytes)
	l.allocatorBytes = align64((entriesPerSegment + 7) / 8)

	l.entriesOffset = l.allocatorOffset + l.allocatorBytes
	l.entriesBytes = align64(entriesPerSegment * entrySize)

	raw := l.entriesOffset + l.entriesBytes
	// Anti-aliasing padding: segment_bytes mod 4096 must be >= segmentAlignAnti
	// (spec §9). Pad up to the next boundary satisfying that if necessary.
	rem := raw % 4096
	if rem < segmentAlignAnti {
		raw += segmentAlignAnti - rem
	}

	l.segmentBytes = raw

	return l
}
