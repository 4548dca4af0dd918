package stm

import "context"

var defaultRuntime = New()

// Default returns the package-level Runtime used by the package-level
// Atomically/NewRef sugar, mirroring the teacher's implicit package-level
// `global VersionClock` + Atomically pairing.
func Default() *Runtime { return defaultRuntime }

// Atomically runs fn under a transaction on the default Runtime.
func Atomically(fn TxFunc) error { return defaultRuntime.Atomically(fn) }

// singleRefGuard records the one cell an AtomicChecked transaction has
// touched; Txn.checkGuard fails with ErrMultipleRefs the moment a second
// distinct cell is opened.
type singleRefGuard struct {
	touched cell
}

// AtomicChecked runs fn through the ordinary executor, as a full transaction
// with conflict retries and speculative escalation and with blocking
// disabled, and fails with ErrMultipleRefs if fn opens more than one
// distinct ref. It does not bypass the transaction machinery the way the
// Atomic* functions in ops.go do.
func (rt *Runtime) AtomicChecked(fn TxFunc) error {
	if fn == nil {
		return ErrNullArgument
	}
	guard := &singleRefGuard{}
	ctx := context.Background()
	cfg := NewConfig(WithMaxRetries(rt.cfg.MaxRetries), WithBlockingAllowed(false))
	return rt.ExecuteContext(ctx, cfg, func(tx *Txn) error {
		tx.guard = guard
		return fn(tx)
	})
}

// AtomicChecked runs fn on the default Runtime; see Runtime.AtomicChecked.
func AtomicChecked(fn TxFunc) error { return defaultRuntime.AtomicChecked(fn) }
