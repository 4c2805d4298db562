package offheapmap

import (
	"crypto/rand"
	"fmt"
	"math/bits"
	"os"
	"sync/atomic"
	"syscall"
	"unsafe"

	"go.uber.org/zap"
)

// MapEngine is an embedded, persistent, concurrent key-value map backed
// entirely by a memory-mapped file (spec §2). Its address space is
// split into independently-locked segments (spec §3); every Put/Get/
// Remove/Replace routes to exactly one segment by the low bits of the
// key's hash; the bits above them form the within-segment fingerprint.
type MapEngine[K any, V any] struct {
	path string
	file *os.File
	data []byte

	header engineHeader
	layout segmentLayout

	segments []*segment[K, V]
	segBits  uint
	segMask  uint64
	hashMask uint64

	cfg           *segmentConfig[K, V]
	fileID        fileIdentity
	logger        *zap.SugaredLogger
	writebackMode WritebackMode

	closed atomic.Bool
}

// Open opens or creates the backing file at path and returns a ready
// MapEngine (spec §2's lifecycle). A brand-new file is created under an
// advisory flock held only for the creation window (spec §5/§9); an
// existing file is validated against its stored header and reopened.
func Open[K any, V any](path string, opts ...Option[K, V]) (*MapEngine[K, V], error) {
	cfg := defaultConfig[K, V]()
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.KeyCodec == nil || cfg.ValueCodec == nil {
		return nil, newEngineError("open", ErrInvalidInput)
	}

	if err := validateConfigLimits(cfg); err != nil {
		return nil, newEngineError("open", err)
	}

	file, header, created, err := openOrCreateFile(path, cfg)
	if err != nil {
		return nil, newEngineError("open", err)
	}

	if !created {
		if err := checkHeaderCompatible(header, cfg); err != nil {
			_ = file.Close()
			return nil, newEngineError("open", err)
		}
	}

	layout := computeSegmentLayout(uint64(header.EntriesPerSegment), uint64(header.EntrySize), header.narrow())

	totalSize := int64(engineHeaderSize) + int64(header.Segments)*int64(layout.segmentBytes)

	if uint64(totalSize) > maxMappedFileSizeBytes {
		_ = file.Close()
		return nil, newEngineError("open", fmt.Errorf("%w: mapped size exceeds implementation limit", ErrInvalidInput))
	}

	data, err := syscall.Mmap(int(file.Fd()), 0, int(totalSize), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		_ = file.Close()
		return nil, newEngineError("open", fmt.Errorf("%w: mmap: %w", ErrIo, err))
	}

	fileID, err := getFileIdentity(int(file.Fd()))
	if err != nil {
		_ = syscall.Munmap(data)
		_ = file.Close()

		return nil, newEngineError("open", err)
	}

	getOrCreateRegistryEntry(fileID)

	segBits := uint(bits.TrailingZeros(uint(header.Segments)))

	hashMask := uint64(0xFFFFFFFF)
	if header.narrow() {
		hashMask = 0xFFFF
	}

	scfg := &segmentConfig[K, V]{
		entriesPerSegment:    uint64(header.EntriesPerSegment),
		entrySize:            uint64(header.EntrySize),
		maxOversize:          uint64(header.MaxOversize),
		metaDataBytes:        int(header.MetaDataBytes),
		keyCodec:             cfg.KeyCodec,
		valueCodec:           cfg.ValueCodec,
		sizeEnc:              cfg.SizeEncoder,
		alignment:            defaultAlignment{n: int(header.Alignment)},
		defaultValueProvider: cfg.DefaultValueProvider,
		valueFactory:         cfg.ValueFactory,
		listener:             cfg.EventListener,
		errorSink:            cfg.ErrorSink,
		lockTimeout:          cfg.LockTimeout,
	}

	engine := &MapEngine[K, V]{
		path:          path,
		file:          file,
		data:          data,
		header:        header,
		layout:        layout,
		segBits:       segBits,
		segMask:       uint64(header.Segments) - 1,
		hashMask:      hashMask,
		cfg:           scfg,
		fileID:        fileID,
		logger:        cfg.Logger,
		writebackMode: cfg.Writeback,
	}

	engine.segments = make([]*segment[K, V], header.Segments)

	for i := uint32(0); i < header.Segments; i++ {
		start := int64(engineHeaderSize) + int64(i)*int64(layout.segmentBytes)
		region := data[start : start+int64(layout.segmentBytes)]
		engine.segments[i] = newSegment[K, V](int(i), region, layout, scfg)
	}

	if created {
		engine.logger.Infow("created map file", "path", path, "segments", header.Segments)
	} else {
		engine.logger.Infow("opened map file", "path", path, "segments", header.Segments)
	}

	return engine, nil
}

// openOrCreateFile implements the crash-safe creation path: write the
// header to a temp file in the same directory, fsync, then atomically
// rename into place (grounded on the teacher's open.go:createNewCache
// temp-file+rename discipline), guarded by an advisory flock so two
// processes racing to create the same path don't both try.
func openOrCreateFile[K any, V any](path string, cfg *Config[K, V]) (*os.File, engineHeader, bool, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err == nil {
		header, rerr := readAndValidateHeader(file)
		return file, header, false, rerr
	}

	if !os.IsNotExist(err) {
		return nil, engineHeader{}, false, fmt.Errorf("open file: %w", err)
	}

	lock, err := acquireCreationLock(path)
	if err != nil {
		return nil, engineHeader{}, false, err
	}
	defer lock.release()

	// Re-check under the creation lock: another process may have created
	// the file while we were waiting for the flock.
	if file, err := os.OpenFile(path, os.O_RDWR, 0); err == nil {
		header, rerr := readAndValidateHeader(file)
		return file, header, false, rerr
	}

	narrow := cfg.NarrowIndex
	layout := computeSegmentLayout(uint64(cfg.EntriesPerSegment), uint64(cfg.EntrySize), narrow)

	header := engineHeader{
		Segments:          uint32(cfg.Segments),
		EntriesPerSegment: uint32(cfg.EntriesPerSegment),
		EntrySize:         uint32(cfg.EntrySize),
		MaxOversize:       uint32(cfg.MaxOversize),
		Alignment:         uint32(cfg.Alignment),
		MetaDataBytes:     uint32(cfg.MetaDataBytes),
		HashAlg:           hashAlgFNV1a64,
		UserVersion:       cfg.UserVersion,
		SegmentBytes:      layout.segmentBytes,
	}

	if narrow {
		header.Flags |= flagNarrowIndex
	}

	totalSize := int64(engineHeaderSize) + int64(header.Segments)*int64(layout.segmentBytes)

	tmpPath, file, err := createTempFile(path, totalSize, &header)
	if err != nil {
		return nil, engineHeader{}, false, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)

		return nil, engineHeader{}, false, fmt.Errorf("rename into place: %w", err)
	}

	return file, header, true, nil
}

func createTempFile(path string, totalSize int64, header *engineHeader) (string, *os.File, error) {
	var suffix [8]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", nil, fmt.Errorf("generate temp suffix: %w", err)
	}

	tmpPath := fmt.Sprintf("%s.tmp-%x", path, suffix)

	file, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", nil, fmt.Errorf("create temp file: %w", err)
	}

	if err := syscall.Ftruncate(int(file.Fd()), totalSize); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)

		return "", nil, fmt.Errorf("truncate temp file: %w", err)
	}

	buf := encodeEngineHeader(header)
	if _, err := file.WriteAt(buf, 0); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)

		return "", nil, fmt.Errorf("write header: %w", err)
	}

	if err := file.Sync(); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)

		return "", nil, fmt.Errorf("fsync temp file: %w", err)
	}

	return tmpPath, file, nil
}

// validateConfigLimits enforces the hard bounds declared in limits.go
// before a single byte is read or written (spec §3's parameter bounds).
func validateConfigLimits[K any, V any](cfg *Config[K, V]) error {
	invalid := func(msg string) error {
		return fmt.Errorf("%w: %s", ErrInvalidInput, msg)
	}

	switch {
	case cfg.Segments < minSegments || cfg.Segments > maxSegments || bits.OnesCount(uint(cfg.Segments)) != 1:
		return invalid("segments must be a power of two within range")
	case cfg.EntriesPerSegment < minEntriesPerSegment || cfg.EntriesPerSegment > maxEntriesPerSegment:
		return invalid("entries_per_segment out of range")
	case cfg.EntriesPerSegment%8 != 0:
		return invalid("entries_per_segment must be a multiple of 8")
	case cfg.EntrySize <= 0 || cfg.EntrySize > maxEntrySizeBytes:
		return invalid("entry_size out of range")
	case cfg.MaxOversize <= 0 || cfg.MaxOversize > maxOversizeLimit:
		return invalid("max_oversize out of range")
	case cfg.Alignment <= 0 || bits.OnesCount(uint(cfg.Alignment)) != 1:
		return invalid("alignment must be a power of two")
	case cfg.MetaDataBytes < 0 || cfg.MetaDataBytes > maxMetaDataBytes:
		return invalid("metadata_bytes out of range")
	case cfg.NarrowIndex && cfg.EntriesPerSegment > 0xFFFF:
		return invalid("narrow index requires entries_per_segment <= 65535")
	}

	return nil
}

// checkHeaderCompatible rejects reopening an existing file with a Config
// that disagrees with its persisted layout (grounded on the teacher's
// open.go compatibility check, which compares KeySize/IndexSize/
// SlotCapacity/UserVersion/OrderedKeys against the stored header). Every
// field compared here is baked into the file at creation time and cannot
// be changed by a later Open without invalidating the existing bytes.
func checkHeaderCompatible[K any, V any](header engineHeader, cfg *Config[K, V]) error {
	mismatch := func(field string) error {
		return fmt.Errorf("%w: %s does not match the file's stored layout", ErrIncompatible, field)
	}

	switch {
	case header.Segments != uint32(cfg.Segments):
		return mismatch("segments")
	case header.EntriesPerSegment != uint32(cfg.EntriesPerSegment):
		return mismatch("entries_per_segment")
	case header.EntrySize != uint32(cfg.EntrySize):
		return mismatch("entry_size")
	case header.MaxOversize != uint32(cfg.MaxOversize):
		return mismatch("max_oversize")
	case header.Alignment != uint32(cfg.Alignment):
		return mismatch("alignment")
	case header.MetaDataBytes != uint32(cfg.MetaDataBytes):
		return mismatch("metadata_bytes")
	case header.UserVersion != cfg.UserVersion:
		return mismatch("user_version")
	case header.narrow() != cfg.NarrowIndex:
		return mismatch("narrow_index")
	}

	return nil
}

func readAndValidateHeader(file *os.File) (engineHeader, error) {
	buf := make([]byte, engineHeaderSize)

	if _, err := file.ReadAt(buf, 0); err != nil {
		_ = file.Close()
		return engineHeader{}, fmt.Errorf("read header: %w", err)
	}

	if string(buf[ehOffMagic:ehOffMagic+4]) != ohm1Magic {
		_ = file.Close()
		return engineHeader{}, fmt.Errorf("%w: bad magic", ErrCorruption)
	}

	if !validateEngineHeaderCRC(buf) {
		_ = file.Close()
		return engineHeader{}, fmt.Errorf("%w: header checksum mismatch", ErrCorruption)
	}

	if hasReservedEngineBytesSet(buf) {
		_ = file.Close()
		return engineHeader{}, fmt.Errorf("%w: reserved header bytes set, newer format", ErrIncompatible)
	}

	return decodeEngineHeader(buf), nil
}

// writeback forces the whole mapping's dirty pages to the backing file
// when WithWriteback(WritebackSync) is configured and the preceding
// mutation succeeded (spec's [AMBIENT] durability knob, §6). A failed
// msync is reported as ErrWriteback without undoing the mutation, which
// is already visible to every process mapping this file.
func (e *MapEngine[K, V]) writeback(err error) error {
	if err != nil || e.writebackMode != WritebackSync {
		return err
	}

	_, _, errno := syscall.Syscall(syscall.SYS_MSYNC, uintptr(unsafe.Pointer(&e.data[0])), uintptr(len(e.data)), syscall.MS_SYNC)
	if errno != 0 {
		return newEngineError("writeback", fmt.Errorf("%w: %v", ErrWriteback, errno))
	}

	return nil
}

// route computes which segment owns hash h and the within-segment
// fingerprint used by its HashIndex (spec §3).
func (e *MapEngine[K, V]) route(h uint64) (int, uint64) {
	segIdx := h & e.segMask
	fp := (h >> e.segBits) & e.hashMask

	return int(segIdx), fp
}

func (e *MapEngine[K, V]) segmentFor(key K) (*segment[K, V], uint64) {
	h := e.cfg.keyCodec.Hash(key)
	idx, fp := e.route(h)

	return e.segments[idx], fp
}

// Put inserts or overwrites key's binding and returns the previous
// value, if any (spec §4.4.2).
func (e *MapEngine[K, V]) Put(key K, value V) (prev V, hadPrev bool, err error) {
	if e.closed.Load() {
		return prev, false, ErrClosed
	}

	seg, fp := e.segmentFor(key)

	prev, hadPrev, err = seg.put(key, value, fp, true)

	return prev, hadPrev, e.writeback(err)
}

// PutIfAbsent inserts key's binding only if it is not already present
// (spec §6/§8's put_if_absent): if key is already bound, its current
// value is returned unchanged and nothing is mutated.
func (e *MapEngine[K, V]) PutIfAbsent(key K, value V) (prev V, hadPrev bool, err error) {
	if e.closed.Load() {
		return prev, false, ErrClosed
	}

	seg, fp := e.segmentFor(key)

	prev, hadPrev, err = seg.put(key, value, fp, false)

	return prev, hadPrev, e.writeback(err)
}

// Get returns key's current value, if bound. If key is absent and a
// DefaultValueProvider is configured, its value is inserted and
// returned in place of a not-found result (spec §4.4.3's acquire path,
// create=false, with no "using" value to reuse).
func (e *MapEngine[K, V]) Get(key K) (value V, ok bool, err error) {
	var zero V

	return e.GetUsing(key, zero)
}

// GetUsing returns key's current value, if bound, decoding into reuse
// when the configured ValueCodec supports in-place reuse. Like Get, an
// absent key is filled in from a configured DefaultValueProvider, if
// any, which mutates the map, so the result is subject to the
// configured WritebackMode like any other mutating call (spec §4.4.3/
// §6's get_using).
func (e *MapEngine[K, V]) GetUsing(key K, reuse V) (value V, ok bool, err error) {
	if e.closed.Load() {
		return value, false, ErrClosed
	}

	seg, fp := e.segmentFor(key)

	value, ok, err = seg.acquire(key, fp, reuse, false)

	return value, ok, e.writeback(err)
}

// AcquireUsing returns key's value. If absent, it binds reuse (or a
// fresh value from the configured ValueFactory, if any) as the new
// value; DefaultValueProvider plays no part in this path (spec §6/
// §4.4.3's acquire_using, create=true).
func (e *MapEngine[K, V]) AcquireUsing(key K, reuse V) (value V, err error) {
	if e.closed.Load() {
		return value, ErrClosed
	}

	seg, fp := e.segmentFor(key)

	value, _, err = seg.acquire(key, fp, reuse, true)

	return value, e.writeback(err)
}

// Remove deletes key's binding and returns its value, if any (spec
// §4.4.6).
func (e *MapEngine[K, V]) Remove(key K) (prev V, existed bool, err error) {
	if e.closed.Load() {
		return prev, false, ErrClosed
	}

	var zero V

	seg, fp := e.segmentFor(key)

	prev, existed, _, err = seg.remove(key, fp, zero, false)

	return prev, existed, e.writeback(err)
}

// RemoveIf deletes key's binding only if its current value equals
// expected (spec §6/§8's remove_if), reporting whether the removal
// happened.
func (e *MapEngine[K, V]) RemoveIf(key K, expected V) (removed bool, err error) {
	if e.closed.Load() {
		return false, ErrClosed
	}

	seg, fp := e.segmentFor(key)

	_, _, removed, err = seg.remove(key, fp, expected, true)

	return removed, e.writeback(err)
}

// Replace overwrites key's value only if it is currently bound (spec
// §4.4.7).
func (e *MapEngine[K, V]) Replace(key K, value V) (prev V, existed bool, err error) {
	if e.closed.Load() {
		return prev, false, ErrClosed
	}

	var zero V

	seg, fp := e.segmentFor(key)

	prev, existed, _, err = seg.replace(key, value, fp, zero, false)

	return prev, existed, e.writeback(err)
}

// ReplaceIf overwrites key's value only if it is currently bound to
// expected (spec §6/§8's replace_if), reporting whether the replacement
// happened.
func (e *MapEngine[K, V]) ReplaceIf(key K, expected, newValue V) (replaced bool, err error) {
	if e.closed.Load() {
		return false, ErrClosed
	}

	seg, fp := e.segmentFor(key)

	_, _, replaced, err = seg.replace(key, newValue, fp, expected, true)

	return replaced, e.writeback(err)
}

// ContainsKey reports whether key is currently bound (spec §4.4.8).
func (e *MapEngine[K, V]) ContainsKey(key K) (bool, error) {
	if e.closed.Load() {
		return false, ErrClosed
	}

	seg, fp := e.segmentFor(key)

	return seg.containsKey(key, fp)
}

// Clear empties every segment (spec §4.4.9).
func (e *MapEngine[K, V]) Clear() error {
	if e.closed.Load() {
		return ErrClosed
	}

	for _, seg := range e.segments {
		if err := seg.clear(); err != nil {
			return err
		}
	}

	return nil
}

// Size returns the total number of live bindings across all segments.
func (e *MapEngine[K, V]) Size() uint64 {
	var total uint64

	for _, seg := range e.segments {
		total += uint64(seg.liveCount())
	}

	return total
}

// LongSize returns Size as an int64, for callers that prefer a signed
// count (spec §4's "long_size" accessor, mirroring java.util.Map-style
// collections that cap at Integer.MAX_VALUE).
func (e *MapEngine[K, V]) LongSize() int64 {
	return int64(e.Size())
}

// Stats summarizes the engine's fixed layout parameters.
func (e *MapEngine[K, V]) Stats() Stats {
	return Stats{
		Segments:          int(e.header.Segments),
		EntriesPerSegment: int(e.header.EntriesPerSegment),
		EntrySize:         int(e.header.EntrySize),
		MaxOversize:       int(e.header.MaxOversize),
		Alignment:         int(e.header.Alignment),
		MetaDataBytes:     int(e.header.MetaDataBytes),
		NarrowIndex:       e.header.narrow(),
		LongSize:          e.LongSize(),
	}
}

// CheckConsistency validates every segment's invariants (spec §8).
func (e *MapEngine[K, V]) CheckConsistency() error {
	for _, seg := range e.segments {
		if err := seg.checkConsistency(); err != nil {
			return err
		}
	}

	return nil
}

// Close unmaps and closes the backing file. Safe to call once; a second
// Close returns ErrClosed.
func (e *MapEngine[K, V]) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	defer releaseRegistryEntry(e.fileID)

	if err := syscall.Munmap(e.data); err != nil {
		_ = e.file.Close()
		return newEngineError("close", fmt.Errorf("%w: munmap: %w", ErrIo, err))
	}

	if err := e.file.Close(); err != nil {
		return newEngineError("close", fmt.Errorf("close file: %w", err))
	}

	e.logger.Infow("closed map file", "path", e.path)

	return nil
}
