package stm

import "sync/atomic"

// LockMode is the lock a ref is held under, per spec: None, Read (shared,
// reader-counted), Write (single owner), Exclusive (single owner; the lock
// word grants and refuses it exactly as it does Write).
type LockMode uint8

const (
	LockNone LockMode = iota
	LockRead
	LockWrite
	LockExclusive
)

func (m LockMode) String() string {
	switch m {
	case LockNone:
		return "None"
	case LockRead:
		return "Read"
	case LockWrite:
		return "Write"
	case LockExclusive:
		return "Exclusive"
	default:
		return "Invalid"
	}
}

// strongerOrEqual reports whether m is at least as strong as other, for the
// lock-monotonicity invariant (a tx's held mode on a ref only strengthens).
func (m LockMode) strongerOrEqual(other LockMode) bool {
	return rank(m) >= rank(other)
}

func rank(m LockMode) int {
	switch m {
	case LockNone:
		return 0
	case LockRead:
		return 1
	case LockWrite:
		return 2
	case LockExclusive:
		return 3
	default:
		return -1
	}
}

// lockWord packs a ref's lock state into one atomic uint64:
//
//	|63                        16|15                      2|1   0|
//	  version                      reader count (when Read)  mode
//
// mode occupies the low 2 bits, reader count the next 14 (at most 16383
// concurrent readers), and version the top 48 bits, the bulk of the word,
// since it is the field that must never wrap, mirroring the
// bit-packing style of intention-lock words but generalised from four
// intention states down to this spec's four ref-lock modes.
type lockWord struct {
	w atomic.Uint64
}

const (
	modeBits    = 2
	modeMask    = (uint64(1) << modeBits) - 1
	readerBits  = 14
	readerShift = modeBits
	readerMask  = ((uint64(1) << readerBits) - 1) << readerShift
	versionShift = modeBits + readerBits
)

func packWord(mode LockMode, readers uint32, version uint64) uint64 {
	return (version << versionShift) | (uint64(readers) << readerShift) | uint64(mode)
}

func unpackWord(w uint64) (mode LockMode, readers uint32, version uint64) {
	mode = LockMode(w & modeMask)
	readers = uint32((w & readerMask) >> readerShift)
	version = w >> versionShift
	return
}

func (lw *lockWord) load() (mode LockMode, readers uint32, version uint64) {
	return unpackWord(lw.w.Load())
}

func (lw *lockWord) version() uint64 {
	_, _, v := lw.load()
	return v
}

func (lw *lockWord) init(version uint64) {
	lw.w.Store(packWord(LockNone, 0, version))
}

// tryAcquireRead attempts to add one reader. Succeeds from None or Read;
// fails if mode is Write or Exclusive.
func (lw *lockWord) tryAcquireRead() bool {
	for {
		old := lw.w.Load()
		mode, readers, version := unpackWord(old)
		if mode != LockNone && mode != LockRead {
			return false
		}
		next := packWord(LockRead, readers+1, version)
		if lw.w.CompareAndSwap(old, next) {
			return true
		}
	}
}

// releaseRead drops one reader, returning to None once the count reaches 0.
func (lw *lockWord) releaseRead() {
	for {
		old := lw.w.Load()
		mode, readers, version := unpackWord(old)
		if mode != LockRead || readers == 0 {
			panic("stm: releaseRead on a ref not held for read")
		}
		var next uint64
		if readers == 1 {
			next = packWord(LockNone, 0, version)
		} else {
			next = packWord(LockRead, readers-1, version)
		}
		if lw.w.CompareAndSwap(old, next) {
			return
		}
	}
}

// tryAcquireWrite succeeds only from None (a single-writer ref lock, unlike
// ilock's IX which can coexist with other IX holders).
func (lw *lockWord) tryAcquireWrite(exclusive bool) bool {
	old := lw.w.Load()
	mode, _, version := unpackWord(old)
	if mode != LockNone {
		return false
	}
	target := LockWrite
	if exclusive {
		target = LockExclusive
	}
	next := packWord(target, 0, version)
	return lw.w.CompareAndSwap(old, next)
}

// upgradeReadToWrite succeeds only when this is the sole reader (readers==1).
func (lw *lockWord) upgradeReadToWrite(exclusive bool) bool {
	old := lw.w.Load()
	mode, readers, version := unpackWord(old)
	if mode != LockRead || readers != 1 {
		return false
	}
	target := LockWrite
	if exclusive {
		target = LockExclusive
	}
	next := packWord(target, 0, version)
	return lw.w.CompareAndSwap(old, next)
}

// publishAndRelease installs a new version while the caller holds Write/Exclusive,
// and releases the lock back to None.
func (lw *lockWord) publishAndRelease(newVersion uint64) {
	old := lw.w.Load()
	mode, _, _ := unpackWord(old)
	if mode != LockWrite && mode != LockExclusive {
		panic("stm: publish without a write lock held")
	}
	next := packWord(LockNone, 0, newVersion)
	lw.w.Store(next)
}

// releaseWrite drops a Write/Exclusive lock without changing the version
// (used on abort, where tentative writes are discarded).
func (lw *lockWord) releaseWrite() {
	old := lw.w.Load()
	mode, _, version := unpackWord(old)
	if mode != LockWrite && mode != LockExclusive {
		panic("stm: releaseWrite without a write lock held")
	}
	next := packWord(LockNone, 0, version)
	lw.w.Store(next)
}

// downgradeWriteToRead reverts a Read-to-Write upgrade back to a
// single-reader Read lock, for abort of a tx that only upgraded (spec.md
// §4.E: "restores exact pre-tx lock mode on refs where the tx performed
// only read-lock upgrades").
func (lw *lockWord) downgradeWriteToRead() {
	old := lw.w.Load()
	mode, _, version := unpackWord(old)
	if mode != LockWrite && mode != LockExclusive {
		panic("stm: downgradeWriteToRead without a write lock held")
	}
	next := packWord(LockRead, 1, version)
	lw.w.Store(next)
}
