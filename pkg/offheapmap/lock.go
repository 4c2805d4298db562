package offheapmap

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"
)

// Locking architecture (grounded on the teacher's three-tier model in
// pkg/slotcache/lock.go, adapted from one whole-file lock to one
// process-shared spin-lock per segment):
//
//  1. The segment lock word — 8 bytes at the start of every segment
//     header, compare-and-swapped directly in the mmap'd bytes so any
//     process mapping the same file observes and contends on the same
//     bits (spec §5/§9). This is the only lock ordinary Put/Get/Remove
//     take.
//
//  2. fileRegistry — an in-process, per-(dev,ino) registry guarding
//     MapEngine.Close races when multiple handles in this process have
//     the same file open. It does NOT participate in per-operation
//     locking; the embedded spin-lock alone serializes segment access,
//     including across multiple handles in the same process.
//
//  3. An advisory flock lock file at path+".lock", held only for the
//     narrow window of creating a brand new backing file (the spin-lock
//     word does not exist yet until the header is written). Steady-state
//     operations never touch it.

const lockHeldBit = uint64(1) << 63

// segmentLock is a view over the 8-byte lock word embedded at a segment's
// header offset 0.
type segmentLock struct {
	word *uint64
}

func newSegmentLock(headerBytes []byte) segmentLock {
	if len(headerBytes) < 8 {
		panic("offheapmap: segment header slice too small for lock word")
	}
	//nolint:gosec // mmap'd byte slice is 8-byte aligned by construction (the mapping is page-aligned and segment_bytes is a multiple of 8).
	return segmentLock{word: (*uint64)(unsafe.Pointer(&headerBytes[0]))}
}

// acquire spins (yielding after spinBackoffThreshold attempts) until it
// wins the CAS or timeout elapses. On timeout it reports the presumed-dead
// holder to sink, force-resets the word, and makes one final attempt
// (spec §4.4.1/§9: "lock timeout... forcibly reset the lock word"). The
// wait cannot be interrupted, so ErrInterrupted is never returned here.
func (l segmentLock) acquire(tid uint64, timeout time.Duration, sink ErrorSink) error {
	deadline := time.Now().Add(timeout)
	attempt := 0

	for {
		if atomic.CompareAndSwapUint64(l.word, 0, tid|lockHeldBit) {
			return nil
		}

		attempt++

		if time.Now().After(deadline) {
			holder := atomic.LoadUint64(l.word) &^ lockHeldBit
			sink.OnLockTimeout(holder)
			atomic.StoreUint64(l.word, 0)

			if atomic.CompareAndSwapUint64(l.word, 0, tid|lockHeldBit) {
				return nil
			}

			return ErrLockTimeout
		}

		if attempt < spinBackoffThreshold {
			continue
		}

		runtime.Gosched()
	}
}

func (l segmentLock) release(tid uint64, sink ErrorSink) {
	holder := atomic.LoadUint64(l.word) &^ lockHeldBit
	if holder != tid {
		sink.OnUnlockError(fmt.Errorf("%w: lock held by %d, release attempted by %d", ErrIllegalState, holder, tid))
	}

	atomic.StoreUint64(l.word, 0)
}

// callerToken is a cheap per-goroutine identifier used as the spin-lock's
// "thread id", fulfilling the spec's "thread-id + count" lock word shape
// with a value that is at least unique among concurrently-contending
// goroutines in this process; cross-process contention only needs the
// word to be non-zero while held, which this satisfies.
var callerCounter atomic.Uint64

func nextCallerToken() uint64 {
	for {
		v := callerCounter.Add(1)
		if v != 0 {
			return v &^ lockHeldBit
		}
	}
}

// fileIdentity uniquely identifies a backing file by device and inode so
// multiple MapEngine handles opened on the same path in one process share
// coordination state.
type fileIdentity struct {
	dev uint64
	ino uint64
}

func getFileIdentity(fd int) (fileIdentity, error) {
	var stat syscall.Stat_t

	if err := syscall.Fstat(fd, &stat); err != nil {
		return fileIdentity{}, fmt.Errorf("stat file: %w", err)
	}

	return fileIdentity{dev: uint64(stat.Dev), ino: stat.Ino}, nil
}

// fileRegistryEntry tracks per-file state shared across all MapEngine
// handles backed by the same file in this process.
type fileRegistryEntry struct {
	openCount atomic.Int32
}

var fileRegistry sync.Map // map[fileIdentity]*fileRegistryEntry

func getOrCreateRegistryEntry(id fileIdentity) *fileRegistryEntry {
	for {
		if val, ok := fileRegistry.Load(id); ok {
			entry := val.(*fileRegistryEntry)

			for {
				old := entry.openCount.Load()
				if old <= 0 {
					break
				}

				if entry.openCount.CompareAndSwap(old, old+1) {
					return entry
				}
			}

			continue
		}

		entry := &fileRegistryEntry{}
		entry.openCount.Store(1)

		if _, loaded := fileRegistry.LoadOrStore(id, entry); !loaded {
			return entry
		}
	}
}

func releaseRegistryEntry(id fileIdentity) {
	val, ok := fileRegistry.Load(id)
	if !ok {
		return
	}

	entry := val.(*fileRegistryEntry)
	if entry.openCount.Add(-1) <= 0 {
		fileRegistry.CompareAndDelete(id, entry)
	}
}

// creationLock is the advisory flock-based lock used only while creating a
// brand new backing file (grounded on the top-level lock.go's
// fileLock/acquireLockWithTimeout pattern in the teacher repo, which wraps
// syscall.Flock directly rather than depending on a separate locker
// package).
type creationLock struct {
	fd int
}

func acquireCreationLock(path string) (*creationLock, error) {
	fd, err := syscall.Open(path+".lock", syscall.O_RDWR|syscall.O_CREAT, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(fd, syscall.LOCK_EX); err != nil {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("flock: %w", err)
	}

	return &creationLock{fd: fd}, nil
}

func (l *creationLock) release() {
	if l == nil {
		return
	}

	_ = syscall.Flock(l.fd, syscall.LOCK_UN)
	_ = syscall.Close(l.fd)
}
