package offheapmap

// BytesCodec is the default KeyCodec/ValueCodec for []byte keys and values:
// a length-prefixed identity encoding hashed with FNV-1a64 by default (use
// WithXXHash to switch the hash function).
type BytesCodec struct {
	hash func([]byte) uint64
}

// NewBytesCodec returns a BytesCodec hashing with FNV-1a64.
func NewBytesCodec() *BytesCodec {
	return &BytesCodec{hash: fnv1a64}
}

// WithXXHash switches the codec's Hash function to xxhash (grounded on
// schraf-collections' FixedBlockMap); the persisted hash_alg field is
// unaffected, this only changes which bytes land in which bucket.
func (c *BytesCodec) WithXXHash() *BytesCodec {
	c.hash = xxhash64
	return c
}

func (c *BytesCodec) Hash(k []byte) uint64 { return c.hash(k) }
func (c *BytesCodec) Size(k []byte) int    { return len(k) }
func (c *BytesCodec) Write(k []byte, buf []byte) {
	copy(buf, k)
}

func (c *BytesCodec) Read(buf []byte, size int) []byte {
	out := make([]byte, size)
	copy(out, buf[:size])

	return out
}

func (c *BytesCodec) EqualPrefix(buf []byte, k []byte) bool {
	if len(buf) < len(k) {
		return false
	}

	for i, b := range k {
		if buf[i] != b {
			return false
		}
	}

	return true
}

// StringCodec is the default KeyCodec/ValueCodec for string keys and
// values, encoded as their raw UTF-8 bytes.
type StringCodec struct {
	hash func([]byte) uint64
}

// NewStringCodec returns a StringCodec hashing with FNV-1a64.
func NewStringCodec() *StringCodec {
	return &StringCodec{hash: fnv1a64}
}

func (c *StringCodec) WithXXHash() *StringCodec {
	c.hash = xxhash64
	return c
}

func (c *StringCodec) Hash(k string) uint64 { return c.hash([]byte(k)) }
func (c *StringCodec) Size(k string) int    { return len(k) }
func (c *StringCodec) Write(k string, buf []byte) {
	copy(buf, k)
}

func (c *StringCodec) Read(buf []byte, size int) string {
	return string(buf[:size])
}

func (c *StringCodec) EqualPrefix(buf []byte, k string) bool {
	if len(buf) < len(k) {
		return false
	}

	return string(buf[:len(k)]) == k
}

// WithXXHashKeyCodec returns a KeyCodec identical to the one produced by
// NewBytesCodec/NewStringCodec except that its Hash method uses xxhash
// instead of the FNV-1a64 default. It is a free function rather than a
// method so it composes with WithKeyCodec for either of this package's
// built-in codecs without the caller constructing one by hand first.
func WithXXHashKeyCodec[K []byte | string]() KeyCodec[K] {
	var zero K

	switch any(zero).(type) {
	case string:
		return any(NewStringCodec().WithXXHash()).(KeyCodec[K])
	default:
		return any(NewBytesCodec().WithXXHash()).(KeyCodec[K])
	}
}

// defaultAlignment is a ValueAlignment that rounds up to the configured
// byte boundary (1, 4, or 8 are the common spec §3 choices).
type defaultAlignment struct {
	n int
}

func (a defaultAlignment) Align(addrOrOffset int) int {
	if a.n <= 1 {
		return addrOrOffset
	}

	rem := addrOrOffset % a.n
	if rem == 0 {
		return addrOrOffset
	}

	return addrOrOffset + (a.n - rem)
}

// VarintSizeEncoder is the default SizeEncoder: an unsigned LEB128-style
// variable length encoding (grounded on the varint length-prefix framing
// idiom used throughout the teacher pack's crash-record/record-length
// encodings, generalized here to arbitrary key/value sizes).
type VarintSizeEncoder struct{}

func (VarintSizeEncoder) EncodingSize(n int) int {
	size := 1
	u := uint64(n)

	for u >= 0x80 {
		u >>= 7
		size++
	}

	return size
}

func (VarintSizeEncoder) Write(buf []byte, n int) {
	u := uint64(n)
	i := 0

	for u >= 0x80 {
		buf[i] = byte(u) | 0x80
		u >>= 7
		i++
	}

	buf[i] = byte(u)
}

func (VarintSizeEncoder) Read(buf []byte) int {
	var (
		result uint64
		shift  uint
	)

	for i := 0; ; i++ {
		b := buf[i]
		result |= uint64(b&0x7f) << shift

		if b < 0x80 {
			break
		}

		shift += 7
	}

	return int(result)
}
