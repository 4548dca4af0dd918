package stm

// txStatus is the transaction lifecycle of spec.md §3: a context is created
// at each attempt, transitions Active -> Prepared -> Committed on success,
// or Active|Prepared -> Aborted on conflict/retry/user error. Terminal
// states are never reused.
type txStatus uint8

const (
	txActive txStatus = iota
	txPrepared
	txAborted
	txCommitted
)

// specLevel names the speculation ladder of spec.md §9: a closed set of
// concrete context shapes the executor escalates through on
// SpeculativeFailure, rather than an inheritance hierarchy.
type specLevel uint8

const (
	specLean specLevel = iota // fixed-capacity inline logs
	specFat                   // growable logs, no fixed cap
	specFatMonitored          // same logs as specFat; the only shape on which Retry registers listeners and blocks
)

const leanLogCapacity = 5 // mirrors the teacher's Txn.tmp [5]*Var inline array

// readLogEntry is one entry of a Txn's ordered read log.
type readLogEntry struct {
	c               cell
	observedVersion uint64
	lockMode        LockMode
	value           any
}

// writeLogEntry is one entry of a Txn's ordered write log. Txn.writeIndex
// maps cell -> index into writeLog so iteration order equals insertion
// order (spec.md §3's explicit requirement) while membership tests stay
// O(1).
type writeLogEntry struct {
	c                cell
	value            any
	lockMode         LockMode
	hasCommutes      bool
	commuteOnly      bool // true until finalizeCommute fills in value
	constructed      bool // came from openForConstruction; skip version check
	observedVersion  uint64
	lockHeld         bool // true once prepareForCommit has acquired the lock
	upgradedFromRead bool
}

// Txn is the per-attempt transaction context of spec.md §3/§4.C. It is
// deliberately not generic: a single transaction hosts Refs of
// heterogeneous element types, so the log is built against the unexported
// cell interface rather than Ref[T] directly.
type Txn struct {
	rt *Runtime

	readVersion uint64
	readLog     []readLogEntry
	readIndex   map[cell]int

	writeLog     []writeLogEntry
	writeIndex   map[cell]int
	commuteLog   map[cell][]func(any) any
	commuteOrder []cell

	status  txStatus
	attempt int
	cfg     Config
	spec    specLevel

	// orElseDepth is >0 while a branch of an OrElse composition is
	// running. Retry() consults it to decide whether to register listeners
	// itself (top-level call) or leave registration to the enclosing OrElse
	// (nested call) — see retry.go.
	orElseDepth int

	// guard is non-nil only for transactions started via AtomicChecked;
	// it enforces the single-ref contract of spec.md §6.
	guard *singleRefGuard

	parent *Txn // not set by any code path: a flattened-nested Execute runs its body against the active Txn itself
}

// checkGuard enforces AtomicChecked's single-ref contract for a cell about
// to be opened for the first time by this transaction.
func (tx *Txn) checkGuard(c cell) error {
	if tx.guard == nil {
		return nil
	}
	if tx.guard.touched == nil {
		tx.guard.touched = c
		return nil
	}
	if tx.guard.touched != c {
		return ErrMultipleRefs
	}
	return nil
}

func newTxn(rt *Runtime, cfg Config, spec specLevel, attempt int) *Txn {
	tx := &Txn{
		rt:         rt,
		cfg:        cfg,
		spec:       spec,
		attempt:    attempt,
		status:     txActive,
		readIndex:  make(map[cell]int, leanLogCapacity),
		writeIndex: make(map[cell]int),
		commuteLog: make(map[cell][]func(any) any),
	}
	if spec == specLean {
		tx.readLog = make([]readLogEntry, 0, leanLogCapacity)
	}
	tx.readVersion = rt.clock.Read()
	return tx
}

func (tx *Txn) checkMutable() error {
	switch tx.status {
	case txAborted, txCommitted:
		return ErrDeadTransaction
	case txPrepared:
		return ErrPreparedTransaction
	}
	return nil
}

// abort releases every lock the tx holds, clears all logs, and marks the tx
// terminal. Write-log cells are released first, in reverse insertion order,
// then cells that are only in the read log, in reverse read order; this is
// not the cell-id order in which prepareAndCommit acquired the write locks.
func (tx *Txn) abort() {
	if tx.status == txAborted || tx.status == txCommitted {
		return
	}
	for i := len(tx.writeLog) - 1; i >= 0; i-- {
		tx.writeLog[i].c.release(tx, false)
	}
	for i := len(tx.readLog) - 1; i >= 0; i-- {
		// release() on a cell is idempotent per-cell (it inspects both
		// logs), so calling it again for read-only cells here is safe and
		// covers cells that only ever entered the read log.
		if _, inWrite := tx.writeIndex[tx.readLog[i].c]; !inWrite {
			tx.readLog[i].c.release(tx, false)
		}
	}
	tx.cfg.Logger.Debug("aborting transaction",
		"attempt", tx.attempt,
		"reads", len(tx.readLog),
		"writes", len(tx.writeLog),
	)
	tx.status = txAborted
	tx.readLog = nil
	tx.readIndex = nil
	tx.writeLog = nil
	tx.writeIndex = nil
	tx.commuteLog = nil
	tx.commuteOrder = nil
}

// rollbackTo unwinds the log entries a single OrElse branch added, back to
// the marks captured before that branch ran, releasing any pessimistic
// read locks the branch picked up along the way. Unlike abort(), the
// transaction itself stays Active so sibling branches can continue.
func (tx *Txn) rollbackTo(readMark, writeMark, commuteMark int) {
	for i := len(tx.readLog) - 1; i >= readMark; i-- {
		e := tx.readLog[i]
		if e.lockMode != LockNone {
			e.c.releaseReadLock()
		}
		delete(tx.readIndex, e.c)
	}
	tx.readLog = tx.readLog[:readMark]

	for i := len(tx.writeLog) - 1; i >= writeMark; i-- {
		e := tx.writeLog[i]
		delete(tx.writeIndex, e.c)
	}
	tx.writeLog = tx.writeLog[:writeMark]

	for i := len(tx.commuteOrder) - 1; i >= commuteMark; i-- {
		delete(tx.commuteLog, tx.commuteOrder[i])
	}
	tx.commuteOrder = tx.commuteOrder[:commuteMark]
}
