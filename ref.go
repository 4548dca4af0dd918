package stm

import (
	"fmt"
	"sync"
	"sync/atomic"
)

var nextCellID atomic.Uint64

// cell is the non-generic capability every Ref[T] exposes to a Txn. A Txn
// hosts refs of heterogeneous T in one read/write/commute log, so the log
// bookkeeping in txn.go is written against this interface rather than
// against Ref[T] directly — the generalisation of the teacher's
// map[*Var]interface{} to a generic-but-heterogeneous world.
type cell interface {
	cellID() uint64
	// openForRead enters the cell in tx's read log (unless already present
	// as a read or write), returning the value it should observe.
	openForRead(tx *Txn, mode LockMode) (any, error)
	// openForWrite enters the cell in tx's write log with a tentative
	// value lazily copied from the committed value (or the cached read, if
	// one already exists), returning the current tentative value.
	openForWrite(tx *Txn, mode LockMode) (any, error)
	// openForConstruction seeds a fresh write-log entry without consulting
	// or recording a read — for refs the caller knows are unshared.
	openForConstruction(tx *Txn, initial any)
	// commute appends fn to tx's commute queue for this cell, or degrades
	// to an immediate read-modify-write if a dependency already exists.
	commute(tx *Txn, fn func(any) any) error
	// prepareForCommit acquires at least a Write lock for a cell that is a
	// write or commute participant, and revalidates its observed version.
	prepareForCommit(tx *Txn) error
	// revalidateRead re-checks a read-only participant immediately before
	// publish, per spec.md §4.C step 7.
	revalidateRead(tx *Txn, entry readLogEntry, upperBound uint64) error
	// finalizeCommute applies this cell's queued commute functions, under
	// the write lock acquired by prepareForCommit, producing the value to
	// publish.
	finalizeCommute(tx *Txn)
	// publish installs the tentative value and new version, wakes
	// listeners, and releases the write lock.
	publish(tx *Txn, newVersion uint64)
	// release drops whatever lock tx holds on this cell, restoring the
	// pre-tx mode on abort.
	release(tx *Txn, committed bool)
	// registerRetryListener attaches l to the cell's listener set,
	// signalling immediately if the cell's version already exceeds
	// observedVersion.
	registerRetryListener(l *latch, observedVersion uint64)
	// unregisterRetryListener removes l from the cell's listener set if
	// present. Called by latch.signal() for every cell a latch was attached
	// to (a no-op on the cell whose write triggered the signal, whose
	// listener set publishValue has already drained), so a
	// multi-ref registration (retry's whole read log, or an OrElse union)
	// never leaves a stale listener behind once woken (spec.md §3
	// invariant 4). A no-op if l is not currently registered.
	unregisterRetryListener(l *latch)
	// releaseReadLock drops a pessimistic Read lock taken by openForRead,
	// independent of any tx bookkeeping — used to unwind a single orElse
	// branch without aborting the whole transaction.
	releaseReadLock()
}

// Ref is a versioned transactional memory cell holding a value of type T.
// The public reference-type wrappers per primitive element type described
// in spec.md §1 are out of scope; Ref[T] is the one generic core cell.
type Ref[T any] struct {
	id    uint64
	lw    lockWord
	value atomic.Pointer[T]

	mu        sync.Mutex
	listeners []*latch

	rt *Runtime
}

// NewRef creates a ref owned by rt, initialised to v.
func NewRef[T any](rt *Runtime, v T) *Ref[T] {
	r := &Ref[T]{id: nextCellID.Add(1), rt: rt}
	r.value.Store(&v)
	r.lw.init(rt.clock.Read())
	return r
}

func (r *Ref[T]) cellID() uint64 { return r.id }

func (r *Ref[T]) committed() T {
	p := r.value.Load()
	return *p
}

func (r *Ref[T]) openForRead(tx *Txn, mode LockMode) (any, error) {
	if idx, ok := tx.writeIndex[r]; ok {
		return tx.writeLog[idx].value, nil
	}
	if idx, ok := tx.readIndex[r]; ok {
		return tx.readLog[idx].value, nil
	}
	if err := tx.checkGuard(r); err != nil {
		return nil, err
	}

	if tx.spec == specLean && len(tx.readLog)+len(tx.writeLog) >= leanLogCapacity {
		return nil, newConflictSignal(signalSpeculativeFailure)
	}

	lockMode, _, version := r.lw.load()
	if version > tx.readVersion {
		return nil, newConflictSignal(signalReadConflict)
	}
	if lockMode == LockWrite || lockMode == LockExclusive {
		// Held by some other tx (we've already excluded ourselves above).
		return nil, newConflictSignal(signalReadConflict)
	}

	heldMode := LockNone
	if mode != LockNone {
		acquired := false
		switch mode {
		case LockRead:
			acquired = r.lw.tryAcquireRead()
		case LockWrite, LockExclusive:
			acquired = r.lw.tryAcquireWrite(mode == LockExclusive)
		}
		if !acquired {
			return nil, newConflictSignal(signalLockNotFree)
		}
		heldMode = mode
	}

	value := r.committed()
	entry := readLogEntry{c: r, observedVersion: version, lockMode: heldMode, value: value}
	tx.readIndex[r] = len(tx.readLog)
	tx.readLog = append(tx.readLog, entry)
	return value, nil
}

func (r *Ref[T]) openForWrite(tx *Txn, mode LockMode) (any, error) {
	if idx, ok := tx.writeIndex[r]; ok {
		return tx.writeLog[idx].value, nil
	}
	if err := tx.checkGuard(r); err != nil {
		return nil, err
	}

	if tx.spec == specLean && len(tx.readLog)+len(tx.writeLog) >= leanLogCapacity {
		return nil, newConflictSignal(signalSpeculativeFailure)
	}

	var initial any
	var observed uint64
	if idx, ok := tx.readIndex[r]; ok {
		// Lazily copy-on-read from the cached read rather than reloading.
		initial = tx.readLog[idx].value
		observed = tx.readLog[idx].observedVersion
	} else {
		_, _, version := r.lw.load()
		if version > tx.readVersion {
			return nil, newConflictSignal(signalReadConflict)
		}
		initial = r.committed()
		observed = version
	}

	entry := writeLogEntry{c: r, value: initial, lockMode: mode, observedVersion: observed}
	tx.writeIndex[r] = len(tx.writeLog)
	tx.writeLog = append(tx.writeLog, entry)
	return initial, nil
}

func (r *Ref[T]) openForConstruction(tx *Txn, initial any) {
	if _, ok := tx.writeIndex[r]; ok {
		tx.writeLog[tx.writeIndex[r]].value = initial
		return
	}
	_, _, version := r.lw.load()
	entry := writeLogEntry{c: r, value: initial, lockMode: tx.cfg.WriteLockMode, observedVersion: version, constructed: true}
	tx.writeIndex[r] = len(tx.writeLog)
	tx.writeLog = append(tx.writeLog, entry)
}

func (r *Ref[T]) commute(tx *Txn, fn func(any) any) error {
	_, hasWrite := tx.writeIndex[r]
	_, hasRead := tx.readIndex[r]
	if hasWrite || hasRead {
		// A dependency already exists: degrade to read-modify-write.
		cur, err := r.openForWrite(tx, tx.cfg.WriteLockMode)
		if err != nil {
			return err
		}
		next := fn(cur)
		idx := tx.writeIndex[r]
		tx.writeLog[idx].value = next
		return nil
	}

	if err := tx.checkGuard(r); err != nil {
		return err
	}
	if _, ok := tx.commuteLog[r]; !ok {
		tx.commuteOrder = append(tx.commuteOrder, r)
	}
	tx.commuteLog[r] = append(tx.commuteLog[r], fn)

	if idx, ok := tx.writeIndex[r]; ok {
		tx.writeLog[idx].hasCommutes = true
		return nil
	}
	entry := writeLogEntry{c: r, lockMode: tx.cfg.WriteLockMode, hasCommutes: true, commuteOnly: true}
	tx.writeIndex[r] = len(tx.writeLog)
	tx.writeLog = append(tx.writeLog, entry)
	return nil
}

func (r *Ref[T]) prepareForCommit(tx *Txn) error {
	idx := tx.writeIndex[r]
	entry := &tx.writeLog[idx]

	heldRead := LockNone
	if ridx, ok := tx.readIndex[r]; ok {
		heldRead = tx.readLog[ridx].lockMode
	}

	exclusive := entry.lockMode == LockExclusive
	const maxSpin = 64
	acquired := false
	for i := 0; i < maxSpin; i++ {
		if heldRead == LockRead {
			if r.lw.upgradeReadToWrite(exclusive) {
				acquired = true
				entry.upgradedFromRead = true
				break
			}
		} else if r.lw.tryAcquireWrite(exclusive) {
			acquired = true
			break
		}
	}
	if !acquired {
		return newConflictSignal(signalLockNotFree)
	}
	entry.lockHeld = true

	if !entry.constructed && !entry.commuteOnly {
		_, _, version := r.lw.load()
		if version != entry.observedVersion {
			return newConflictSignal(signalWriteConflict)
		}
	}
	return nil
}

func (r *Ref[T]) revalidateRead(tx *Txn, entry readLogEntry, upperBound uint64) error {
	if entry.lockMode != LockNone {
		// Already held continuously since openForRead; cannot have changed.
		return nil
	}
	mode, _, version := r.lw.load()
	if version != entry.observedVersion || version > upperBound {
		return newConflictSignal(signalReadConflict)
	}
	if mode == LockWrite || mode == LockExclusive {
		if _, ownedByUs := tx.writeIndex[r]; !ownedByUs {
			return newConflictSignal(signalReadConflict)
		}
	}
	return nil
}

func (r *Ref[T]) finalizeCommute(tx *Txn) {
	fns, ok := tx.commuteLog[r]
	if !ok {
		return
	}
	idx := tx.writeIndex[r]
	cur := r.committed()
	var acc any = cur
	for _, fn := range fns {
		acc = fn(acc)
	}
	tx.writeLog[idx].value = acc
	tx.writeLog[idx].commuteOnly = false
}

func (r *Ref[T]) publish(tx *Txn, newVersion uint64) {
	idx := tx.writeIndex[r]
	v, ok := tx.writeLog[idx].value.(T)
	if !ok {
		panic(fmt.Sprintf("stm: ref %d: committed value has wrong type", r.id))
	}
	r.publishValue(v, newVersion)
}

// publishValue installs v as the committed value at newVersion, releases
// the write lock, and wakes every registered retry listener. Shared by the
// transactional commit path (publish) and the bypass-the-tx atomic family
// in ops.go, which never populates a writeLog entry at all.
func (r *Ref[T]) publishValue(v T, newVersion uint64) {
	r.value.Store(&v)
	r.lw.publishAndRelease(newVersion)

	r.mu.Lock()
	woken := r.listeners
	r.listeners = nil
	r.mu.Unlock()
	for _, l := range woken {
		l.signal()
	}
}

func (r *Ref[T]) release(tx *Txn, committed bool) {
	if ridx, ok := tx.readIndex[r]; ok {
		entry := tx.readLog[ridx]
		if entry.lockMode != LockNone {
			if widx, ok := tx.writeIndex[r]; !ok || !tx.writeLog[widx].lockHeld {
				r.lw.releaseRead()
			}
		}
	}
	if widx, ok := tx.writeIndex[r]; ok {
		entry := tx.writeLog[widx]
		if entry.lockHeld {
			if !committed {
				if entry.upgradedFromRead {
					// Undo the upgrade, then drop the tx's own read lock too.
					r.lw.downgradeWriteToRead()
					r.lw.releaseRead()
				} else {
					r.lw.releaseWrite()
				}
			}
		}
	}
}

func (r *Ref[T]) releaseReadLock() {
	r.lw.releaseRead()
}

func (r *Ref[T]) registerRetryListener(l *latch, observedVersion uint64) {
	if r.lw.version() > observedVersion {
		l.signal()
		return
	}
	r.mu.Lock()
	if r.lw.version() > observedVersion {
		r.mu.Unlock()
		l.signal()
		return
	}
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()

	// Recorded after releasing r.mu: attach only ever takes l.mu, but
	// keeping this outside the critical section means r.mu is never held
	// while waiting on any lock but its own.
	l.attach(r)
}

func (r *Ref[T]) unregisterRetryListener(l *latch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cur := range r.listeners {
		if cur == l {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}
