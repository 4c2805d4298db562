package offheapmap

import "github.com/cespare/xxhash/v2"

// fnv1a64 hashes data with 64-bit FNV-1a, matching the on-disk hash_alg
// field (spec §3's hash routing, grounded on the FNV-1a64 algorithm
// identifier in the teacher repo's segment-header format).
func fnv1a64(data []byte) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)

	h := uint64(offset64)
	for _, b := range data {
		h ^= uint64(b)
		h *= prime64
	}

	return h
}

// xxhash64 is an alternate, opt-in hash function for KeyCodec
// implementations that favor throughput over the FNV-1a default (grounded
// on schraf-collections' FixedBlockMap, which hashes its keys with
// cespare/xxhash/v2). It is never used for the persisted hash_alg field;
// WithXXHashKeyCodec and the codecs' own WithXXHash methods wire it as the
// Hash() implementation for BytesCodec and StringCodec, which is purely an
// in-memory choice the engine is agnostic to.
func xxhash64(data []byte) uint64 {
	return xxhash.Sum64(data)
}
