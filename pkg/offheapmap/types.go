package offheapmap

// Entry is an observable live key/value pair returned by the entry
// iterator.
type Entry[K any, V any] struct {
	Key   K
	Value V
}

// Stats summarizes a MapEngine's current layout and (approximate) occupancy.
type Stats struct {
	Segments          int
	EntriesPerSegment int
	EntrySize         int
	MaxOversize       int
	Alignment         int
	MetaDataBytes     int
	NarrowIndex       bool
	// LongSize is the sum of each segment's live-entry counter, read with
	// acquire-visibility. Per spec §5 this is only a point-in-time
	// approximation under concurrent writers (no cross-segment ordering).
	LongSize int64
}

// KeyCodec is the external collaborator that hashes, sizes, writes, reads,
// and prefix-compares keys of type K (spec §6).
type KeyCodec[K any] interface {
	// Hash returns a 64-bit hash of k. The engine splits this into
	// segment_id (low bits) and segment_hash / fingerprint (remaining
	// bits, narrowed to 16 or 32 bits depending on the index width).
	Hash(k K) uint64

	// Size returns the number of bytes Write will emit for k.
	Size(k K) int

	// Write serializes k into buf, which is exactly Size(k) bytes long.
	Write(k K, buf []byte)

	// Read deserializes a key of the given encoded size from buf.
	Read(buf []byte, size int) K

	// EqualPrefix reports whether the bytes at buf (which may be longer
	// than the key) encode exactly k, without fully deserializing buf.
	EqualPrefix(buf []byte, k K) bool
}

// ValueCodec is the external collaborator that sizes, writes, and reads
// values of type V (spec §6).
type ValueCodec[V any] interface {
	Size(v V) int
	Write(v V, buf []byte)

	// Read deserializes a value of the given encoded size from buf. If
	// reuse is non-nil and the codec can deserialize into it in place, it
	// should do so and return reuse; otherwise it returns a fresh value.
	Read(buf []byte, size int, reuse V) V
}

// Byteable is an optional capability a ValueCodec's V may implement: when
// present, AcquireUsing(create=true) may bind the value's backing storage
// directly to the live entry bytes, so subsequent mutations through the
// value land in the map without a further Put (spec §9).
type Byteable interface {
	Bind(buf []byte, offset, length int) error
}

// SizeEncoder abstracts the variable-length size prefix written before a
// key or value (spec §6). EncodingSize(n) must be self-consistent with
// Write/Read for every n this engine will ever pass it.
type SizeEncoder interface {
	EncodingSize(n int) int
	Write(buf []byte, n int)
	Read(buf []byte) int
}

// ValueAlignment computes the next aligned address/offset for a value
// start position (spec §6).
type ValueAlignment interface {
	Align(addrOrOffset int) int
}

// DefaultValueProvider supplies a value for Get/GetUsing (create=false)
// when the key is absent; if it returns ok=false the key stays absent,
// otherwise the returned value is inserted and returned (spec §4.4.3/§6).
type DefaultValueProvider[K any, V any] interface {
	Get(key K, reuse V) (V, bool)
}

// ValueFactory creates a fresh value for AcquireUsing (create=true) when
// the caller passed no usable "using" value (spec §4.4.3/§6).
type ValueFactory[V any] interface {
	Create() V
}

// EventListener receives notifications of mutations (spec §6). All methods
// are called while holding the segment lock; implementations must not call
// back into the engine.
type EventListener[K any, V any] interface {
	OnPut(added bool, key K, value V, pos int64)
	OnGet(key K, value V)
	OnRemove(key K, value V, pos int64)
	OnRelocation(pos int64)
}

// ErrorSink receives diagnostics for conditions the engine recovers from
// internally (spec §6/§7): lock timeouts (dead holder assumed, lock reset)
// and errors while releasing a lock.
type ErrorSink interface {
	OnLockTimeout(holder uint64)
	OnUnlockError(err error)
}

// noopListener and noopErrorSink are the zero-configuration defaults.

type noopListener[K any, V any] struct{}

func (noopListener[K, V]) OnPut(bool, K, V, int64) {}
func (noopListener[K, V]) OnGet(K, V)              {}
func (noopListener[K, V]) OnRemove(K, V, int64)    {}
func (noopListener[K, V]) OnRelocation(int64)      {}

type noopErrorSink struct{}

func (noopErrorSink) OnLockTimeout(uint64)  {}
func (noopErrorSink) OnUnlockError(error)   {}
