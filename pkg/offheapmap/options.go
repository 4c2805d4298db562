package offheapmap

import (
	"time"

	"go.uber.org/zap"
)

// Config collects every tunable of a MapEngine (spec §3's map parameters
// plus the external collaborators of §6). It is built up by Option
// functions passed to Open, following the functional-options shape used
// throughout the corpus (grounded on the iamNilotpal-ignite repo's
// pkg/options package).
type Config[K any, V any] struct {
	Segments          int
	EntriesPerSegment int
	EntrySize         int
	MaxOversize       int
	Alignment         int
	MetaDataBytes     int
	UserVersion       uint64
	NarrowIndex       bool
	Writeback         WritebackMode

	LockTimeout time.Duration

	KeyCodec             KeyCodec[K]
	ValueCodec           ValueCodec[V]
	SizeEncoder          SizeEncoder
	DefaultValueProvider DefaultValueProvider[K, V]
	ValueFactory         ValueFactory[V]
	EventListener        EventListener[K, V]
	ErrorSink            ErrorSink
	Logger               *zap.SugaredLogger
}

// Option mutates a Config during Open.
type Option[K any, V any] func(*Config[K, V])

// WritebackMode controls whether mutating calls force the touched pages
// out to the backing file before returning (grounded on the teacher's
// slotcache.WritebackMode/WritebackNone/WritebackSync durability knob,
// adapted here to an msync rather than a commit-time fsync since this
// engine has no buffered writer stage).
type WritebackMode int

const (
	// WritebackNone relies on the OS page cache to flush mmap'd pages in
	// its own time. Changes are visible to other mappers of the same file
	// immediately but may be lost on power failure. Default, and fastest.
	WritebackNone WritebackMode = iota

	// WritebackSync calls msync(MS_SYNC) on the engine's mapping after
	// every successful Put/PutIfAbsent/AcquireUsing/Remove/RemoveIf/
	// Replace/ReplaceIf, trading throughput for the guarantee that the
	// mutation is durable before the call returns. A failed msync is
	// reported as ErrWriteback, wrapping the underlying syscall error;
	// the mutation itself has already completed in memory.
	WritebackSync
)

func defaultConfig[K any, V any]() *Config[K, V] {
	return &Config[K, V]{
		Segments:          16,
		EntriesPerSegment: 1 << 16,
		EntrySize:         64,
		MaxOversize:       64,
		Alignment:         8,
		MetaDataBytes:     0,
		LockTimeout:       time.Duration(defaultLockTimeoutNanos),
		SizeEncoder:       VarintSizeEncoder{},
		EventListener:     noopListener[K, V]{},
		ErrorSink:         noopErrorSink{},
		Logger:            zap.NewNop().Sugar(),
	}
}

// WithSegments sets the number of independently-locked segments. Must be
// a power of two (spec §3).
func WithSegments[K any, V any](n int) Option[K, V] {
	return func(c *Config[K, V]) { c.Segments = n }
}

// WithEntriesPerSegment sets E, the block count per segment.
func WithEntriesPerSegment[K any, V any](n int) Option[K, V] {
	return func(c *Config[K, V]) { c.EntriesPerSegment = n }
}

// WithEntrySize sets B, the byte size of one block.
func WithEntrySize[K any, V any](n int) Option[K, V] {
	return func(c *Config[K, V]) { c.EntrySize = n }
}

// WithMaxOversize bounds how many contiguous blocks a single entry may
// span (spec §3's "max_oversize").
func WithMaxOversize[K any, V any](n int) Option[K, V] {
	return func(c *Config[K, V]) { c.MaxOversize = n }
}

// WithAlignment sets the byte alignment applied to each entry's value
// field (spec §3's ValueAlignment collaborator, implemented as a fixed
// n-byte boundary).
func WithAlignment[K any, V any](n int) Option[K, V] {
	return func(c *Config[K, V]) { c.Alignment = n }
}

// WithMetaDataBytes reserves n bytes at the start of every entry for
// caller-owned metadata (spec §3).
func WithMetaDataBytes[K any, V any](n int) Option[K, V] {
	return func(c *Config[K, V]) { c.MetaDataBytes = n }
}

// WithUserVersion stamps a caller-defined version number into the file
// header, for format-compatibility checks across Opens.
func WithUserVersion[K any, V any](v uint64) Option[K, V] {
	return func(c *Config[K, V]) { c.UserVersion = v }
}

// WithNarrowIndex forces 16-bit fingerprint/position slots in the
// HashIndex (spec §9's narrow-vs-wide resolution), valid only when
// entriesPerSegment <= 65535.
func WithNarrowIndex[K any, V any]() Option[K, V] {
	return func(c *Config[K, V]) { c.NarrowIndex = true }
}

// WithWriteback sets the durability mode applied after mutating calls
// (default WithWriteback(WritebackNone)).
func WithWriteback[K any, V any](mode WritebackMode) Option[K, V] {
	return func(c *Config[K, V]) { c.Writeback = mode }
}

// WithLockTimeout bounds how long a segment-lock acquisition spins
// before it presumes the holder dead: the ErrorSink is notified, the lock
// word is force-reset and one final attempt is made, which returns
// ErrLockTimeout only if it also fails (spec §4.4.1).
func WithLockTimeout[K any, V any](d time.Duration) Option[K, V] {
	return func(c *Config[K, V]) { c.LockTimeout = d }
}

// WithKeyCodec overrides the KeyCodec used to hash, size, and
// (de)serialize K.
func WithKeyCodec[K any, V any](codec KeyCodec[K]) Option[K, V] {
	return func(c *Config[K, V]) { c.KeyCodec = codec }
}

// WithValueCodec overrides the ValueCodec used to size and
// (de)serialize V.
func WithValueCodec[K any, V any](codec ValueCodec[V]) Option[K, V] {
	return func(c *Config[K, V]) { c.ValueCodec = codec }
}

// WithSizeEncoder overrides the variable-length size prefix encoding
// (defaults to VarintSizeEncoder).
func WithSizeEncoder[K any, V any](enc SizeEncoder) Option[K, V] {
	return func(c *Config[K, V]) { c.SizeEncoder = enc }
}

// WithDefaultValueProvider supplies a value consulted by Get/GetUsing
// (create=false) when a key is absent; the returned value, if any, is
// inserted and returned in place of a not-found result (spec §4.4.3/§6).
func WithDefaultValueProvider[K any, V any](p DefaultValueProvider[K, V]) Option[K, V] {
	return func(c *Config[K, V]) { c.DefaultValueProvider = p }
}

// WithValueFactory supplies a zero-argument factory used by AcquireUsing
// (create=true) to build a fresh value when the caller passes no usable
// using-value; it plays no part in Get/GetUsing (spec §4.4.3/§6).
func WithValueFactory[K any, V any](f ValueFactory[V]) Option[K, V] {
	return func(c *Config[K, V]) { c.ValueFactory = f }
}

// WithEventListener registers a listener notified of Put/Get/Remove/
// relocation events (spec §6).
func WithEventListener[K any, V any](l EventListener[K, V]) Option[K, V] {
	return func(c *Config[K, V]) { c.EventListener = l }
}

// WithErrorSink registers a sink notified of lock timeouts and unlock
// errors (spec §6).
func WithErrorSink[K any, V any](sink ErrorSink) Option[K, V] {
	return func(c *Config[K, V]) { c.ErrorSink = sink }
}

// WithLogger attaches a zap logger for lifecycle events (open or create,
// and close); never invoked on the hot Put/Get/Remove path.
func WithLogger[K any, V any](logger *zap.SugaredLogger) Option[K, V] {
	return func(c *Config[K, V]) {
		if logger != nil {
			c.Logger = logger
		}
	}
}
