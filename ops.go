package stm

import "runtime"

// Get reads r's value within tx, using tx.cfg.ReadLockMode. Repeated calls
// within the same tx return the same value (the tx's own pending write, if
// any, takes precedence over the committed value).
func Get[T any](tx *Txn, r *Ref[T]) (T, error) {
	return GetAndLock(tx, r, tx.cfg.ReadLockMode)
}

// GetAndLock reads r within tx under an explicit lock mode, overriding
// tx.cfg.ReadLockMode for this one ref.
func GetAndLock[T any](tx *Txn, r *Ref[T], mode LockMode) (T, error) {
	var zero T
	if err := tx.checkMutable(); err != nil {
		return zero, err
	}
	if r == nil {
		tx.abort()
		return zero, ErrNullArgument
	}
	v, err := r.openForRead(tx, mode)
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

// Set writes v to r within tx, using tx.cfg.WriteLockMode.
func Set[T any](tx *Txn, r *Ref[T], v T) error {
	_, err := GetAndSetAndLock(tx, r, v, tx.cfg.WriteLockMode)
	return err
}

// SetAndLock writes v to r within tx under an explicit lock mode.
func SetAndLock[T any](tx *Txn, r *Ref[T], v T, mode LockMode) error {
	_, err := GetAndSetAndLock(tx, r, v, mode)
	return err
}

// GetAndSet writes v to r within tx and returns the value r held
// immediately before this call, using tx.cfg.WriteLockMode.
func GetAndSet[T any](tx *Txn, r *Ref[T], v T) (T, error) {
	return GetAndSetAndLock(tx, r, v, tx.cfg.WriteLockMode)
}

// GetAndSetAndLock is GetAndSet under an explicit lock mode.
func GetAndSetAndLock[T any](tx *Txn, r *Ref[T], v T, mode LockMode) (T, error) {
	var zero T
	if err := tx.checkMutable(); err != nil {
		return zero, err
	}
	if r == nil {
		tx.abort()
		return zero, ErrNullArgument
	}
	if tx.cfg.Readonly {
		return zero, ErrReadonlyViolation
	}
	old, err := r.openForWrite(tx, mode)
	if err != nil {
		return zero, err
	}
	tx.writeLog[tx.writeIndex[r]].value = v
	return old.(T), nil
}

// Construct seeds r's tentative value within tx without consulting or
// recording a read, for refs the caller knows aren't shared yet (a ref
// allocated earlier in the same transaction, say). It skips the version
// check openForWrite would otherwise perform.
func Construct[T any](tx *Txn, r *Ref[T], v T) error {
	if err := tx.checkMutable(); err != nil {
		return err
	}
	if r == nil {
		tx.abort()
		return ErrNullArgument
	}
	if tx.cfg.Readonly {
		return ErrReadonlyViolation
	}
	r.openForConstruction(tx, v)
	return nil
}

// Commute queues fn against r, to be applied at commit time against
// whatever value r holds then, rather than the value observed when Commute
// was called. If tx already has a read or write dependency on r, Commute
// degrades to an immediate read-modify-write (spec.md §4.D).
func Commute[T any](tx *Txn, r *Ref[T], fn func(T) T) error {
	if err := tx.checkMutable(); err != nil {
		return err
	}
	if r == nil {
		tx.abort()
		return ErrNullArgument
	}
	if tx.cfg.Readonly {
		return ErrReadonlyViolation
	}
	return r.commute(tx, func(v any) any { return fn(v.(T)) })
}

// AlterAndGet eagerly applies fn to r's current value within tx and returns
// the result. Unlike Commute, the read-modify-write happens immediately and
// participates in ordinary write-write conflict detection.
func AlterAndGet[T any](tx *Txn, r *Ref[T], fn func(T) T) (T, error) {
	var zero T
	if err := tx.checkMutable(); err != nil {
		return zero, err
	}
	if r == nil {
		tx.abort()
		return zero, ErrNullArgument
	}
	if tx.cfg.Readonly {
		return zero, ErrReadonlyViolation
	}
	old, err := r.openForWrite(tx, tx.cfg.WriteLockMode)
	if err != nil {
		return zero, err
	}
	next := fn(old.(T))
	tx.writeLog[tx.writeIndex[r]].value = next
	return next, nil
}

// GetAndAlter is AlterAndGet but returns the value r held before fn ran.
func GetAndAlter[T any](tx *Txn, r *Ref[T], fn func(T) T) (T, error) {
	if err := tx.checkMutable(); err != nil {
		var zero T
		return zero, err
	}
	if r == nil {
		var zero T
		tx.abort()
		return zero, ErrNullArgument
	}
	if tx.cfg.Readonly {
		var zero T
		return zero, ErrReadonlyViolation
	}
	old, err := r.openForWrite(tx, tx.cfg.WriteLockMode)
	if err != nil {
		var zero T
		return zero, err
	}
	o := old.(T)
	tx.writeLog[tx.writeIndex[r]].value = fn(o)
	return o, nil
}

// Await blocks (via tx.Retry) until r holds want. Must be called from a
// transaction body run through a blocking-capable Execute/Atomically.
func Await[T comparable](tx *Txn, r *Ref[T], want T) error {
	v, err := Get(tx, r)
	if err != nil {
		return err
	}
	if v == want {
		return nil
	}
	return tx.Retry()
}

// AwaitValue blocks until pred(r's value) holds, returning the satisfying
// value.
func AwaitValue[T any](tx *Txn, r *Ref[T], pred func(T) bool) (T, error) {
	v, err := Get(tx, r)
	if err != nil {
		var zero T
		return zero, err
	}
	if pred(v) {
		return v, nil
	}
	return v, tx.Retry()
}

// CompareAndSwap replaces r's value with new if it currently equals old,
// reporting whether the swap happened. A false result without an error
// means the comparison failed, not that anything went wrong.
func CompareAndSwap[T comparable](tx *Txn, r *Ref[T], old, new T) (bool, error) {
	cur, err := Get(tx, r)
	if err != nil {
		return false, err
	}
	if cur != old {
		return false, nil
	}
	if err := Set(tx, r, new); err != nil {
		return false, err
	}
	return true, nil
}

// Numeric is the type set Increment/Decrement operate over.
type Numeric interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// Increment adds delta to r's value and returns the result.
func Increment[T Numeric](tx *Txn, r *Ref[T], delta T) (T, error) {
	return AlterAndGet(tx, r, func(v T) T { return v + delta })
}

// Decrement subtracts delta from r's value and returns the result.
func Decrement[T Numeric](tx *Txn, r *Ref[T], delta T) (T, error) {
	return AlterAndGet(tx, r, func(v T) T { return v - delta })
}

// The Atomic* family bypasses the transaction machinery entirely: each call
// is a single self-contained commit against exactly one ref, with no read
// log, no retry loop, and no speculation ladder. Grounded on the teacher's
// own Var.Load/Var.Store pairing, generalised from txn-scoped to
// lock-scoped since there is no Txn here at all.

// AtomicGet reads r's committed value, retrying the read if a writer
// publishes concurrently so the returned value and the version it was read
// at are consistent.
func AtomicGet[T any](r *Ref[T]) T {
	for {
		mode, _, v1 := r.lw.load()
		if mode == LockWrite || mode == LockExclusive {
			runtime.Gosched()
			continue
		}
		val := r.committed()
		_, _, v2 := r.lw.load()
		if v1 == v2 {
			return val
		}
	}
}

// AtomicWeakGet reads whatever value is currently visible without waiting
// out an in-flight writer or checking version stability. Cheaper than
// AtomicGet, at the cost of possibly observing a value concurrently being
// superseded.
func AtomicWeakGet[T any](r *Ref[T]) T {
	return r.committed()
}

// AtomicSet installs v as r's new committed value, bumping r's version.
func AtomicSet[T any](r *Ref[T], v T) {
	for !r.lw.tryAcquireWrite(false) {
		runtime.Gosched()
	}
	r.publishValue(v, r.rt.clock.Tick())
}

// AtomicCompareAndSet installs new as r's value iff r currently holds old,
// reporting whether the swap happened.
func AtomicCompareAndSet[T comparable](r *Ref[T], old, new T) bool {
	for {
		if !r.lw.tryAcquireWrite(false) {
			runtime.Gosched()
			continue
		}
		cur := r.committed()
		if cur != old {
			r.lw.releaseWrite()
			return false
		}
		r.publishValue(new, r.rt.clock.Tick())
		return true
	}
}

// AtomicAlterAndGet applies fn to r's current value, installs the result,
// and returns it.
func AtomicAlterAndGet[T any](r *Ref[T], fn func(T) T) T {
	for !r.lw.tryAcquireWrite(false) {
		runtime.Gosched()
	}
	next := fn(r.committed())
	r.publishValue(next, r.rt.clock.Tick())
	return next
}

// AtomicGetAndAlter is AtomicAlterAndGet but returns the value r held
// before fn ran.
func AtomicGetAndAlter[T any](r *Ref[T], fn func(T) T) T {
	for !r.lw.tryAcquireWrite(false) {
		runtime.Gosched()
	}
	old := r.committed()
	r.publishValue(fn(old), r.rt.clock.Tick())
	return old
}
