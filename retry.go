package stm

// TxFunc is the shape of a user transaction body: read/write/commute
// against tx, returning nil on success or an error to abort. Returning a
// non-nil error from a TxFunc never partially commits — the executor
// aborts the tx and propagates any error that isn't one of the internal
// control signals.
type TxFunc func(tx *Txn) error

// Retry aborts the current attempt and blocks until one of the refs this
// transaction read is modified, then retries from scratch. Requirements
// (spec.md §4.F): the read log must be non-empty, and blocking must be
// permitted by Config.BlockingAllowed.
//
// Retry is ordinary Go control flow: the caller must `return tx.Retry()`
// from the transaction body. It must never be called outside a running
// transaction body.
func (tx *Txn) Retry() error {
	if err := tx.checkMutable(); err != nil {
		return err
	}
	if len(tx.readLog) == 0 {
		return ErrNoRetryPossible
	}
	if !tx.cfg.BlockingAllowed {
		return ErrRetryNotAllowed
	}
	if tx.spec != specFatMonitored {
		// Blocking is only done from the fat-monitored shape; ask the
		// executor to escalate and re-run. This does not
		// count as a real retry attempt (spec.md §4.G).
		return newConflictSignal(signalSpeculativeFailure)
	}

	if tx.orElseDepth > 0 {
		// Running as a branch of an OrElse: the enclosing composition
		// owns listener registration and the eventual abort, once it
		// knows whether a sibling branch can still succeed.
		return newRetrySignal(nil)
	}

	l := newLatch()
	for _, e := range tx.readLog {
		e.c.registerRetryListener(l, e.observedVersion)
	}
	return newRetrySignal(l)
}

// OrElse composes branches: each is tried in turn against the same
// transaction; the first to return without a retry signal wins. If a
// branch's read log grew during its attempt and it retried, that growth is
// rolled back before the next branch runs, and its reads are folded into a
// composite retry set. Only if every branch retries does the composition
// itself retry, blocking on the union of every branch's reads (spec.md
// §4.D "orElse").
//
// Any non-retry error from a branch (a real conflict signal or a user
// error) aborts the whole composition immediately.
//
// Grounded on _examples/other_examples/157902e0_vsdmars-stm__stm.go.go's
// Select, rewritten to carry a typed retry signal through ordinary error
// returns instead of panic/recover.
func OrElse(branches ...TxFunc) TxFunc {
	return func(tx *Txn) error {
		if len(branches) == 0 {
			return tx.Retry()
		}

		tx.orElseDepth++
		defer func() { tx.orElseDepth-- }()

		var union []readLogEntry
		seen := make(map[cell]bool, len(tx.readLog))

		for i, branch := range branches {
			readMark := len(tx.readLog)
			writeMark := len(tx.writeLog)
			commuteMark := len(tx.commuteOrder)

			err := branch(tx)
			if err == nil {
				return nil
			}

			sig, ok := asSignal(err)
			if !ok || sig.kind != signalRetry {
				return err
			}

			for _, e := range tx.readLog[readMark:] {
				if !seen[e.c] {
					seen[e.c] = true
					union = append(union, e)
				}
			}
			tx.rollbackTo(readMark, writeMark, commuteMark)

			if i == len(branches)-1 {
				l := newLatch()
				for _, e := range union {
					e.c.registerRetryListener(l, e.observedVersion)
				}
				return newRetrySignal(l)
			}
		}
		return nil // unreachable: the loop above always returns on its last iteration
	}
}
