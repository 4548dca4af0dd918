package stm

import (
	"context"
	"math/rand"
	"time"
)

// Backoff shape grounded on _examples/dijkstracula-go-ilock/ilock.go's
// startingBackoff/maxBackoff/backoffFactor constants; the added jitter
// follows _examples/SeleniaProject-Orizon/internal/runtime/stm/stm.go's
// Run, which independently converges on the same jittered-exponential
// shape for a contended CAS retry loop.
const (
	backoffBase    = 50 * time.Microsecond
	backoffMax     = 500 * time.Millisecond
	backoffJitter  = 200 * time.Microsecond
	backoffMaxStep = 4
)

func sleepBackoff(attempt int) {
	step := attempt
	if step > backoffMaxStep {
		step = backoffMaxStep
	}
	d := backoffBase << uint(step)
	if d > backoffMax {
		d = backoffMax
	}
	jitter := time.Duration(rand.Int63n(int64(backoffJitter)))
	total := d + jitter
	if total > backoffMax {
		total = backoffMax
	}
	time.Sleep(total)
}

func nextSpecLevel(s specLevel) specLevel {
	switch s {
	case specLean:
		return specFat
	case specFat:
		return specFatMonitored
	default:
		return specFatMonitored
	}
}

type txnContextKey struct{}

// WithTxn returns a context carrying tx as the ambient active transaction,
// for the "await(value) without a tx argument" style of spec.md §9 and for
// flattened nesting of Execute calls.
func WithTxn(ctx context.Context, tx *Txn) context.Context {
	return context.WithValue(ctx, txnContextKey{}, tx)
}

func txnFromContext(ctx context.Context) (*Txn, bool) {
	tx, ok := ctx.Value(txnContextKey{}).(*Txn)
	return tx, ok
}

// Runtime bundles one GlobalClock, one default Config, and one logger. A
// program constructs a Runtime once and creates every Ref against it (see
// runtime.go); it generalises the teacher's implicit package-level
// `global VersionClock` into an explicit, injectable handle, mirroring the
// teacher's own Run(global *VersionClock, ...) variant.
type Runtime struct {
	clock GlobalClock
	cfg   Config
}

// New constructs a Runtime whose transactions default to cfg built from
// DefaultConfig() plus opts.
func New(opts ...Option) *Runtime {
	return &Runtime{cfg: NewConfig(opts...)}
}

// Atomically runs fn under a transaction using rt's default Config.
func (rt *Runtime) Atomically(fn TxFunc) error {
	return rt.Execute(rt.cfg, fn)
}

// Execute runs fn under a transaction with the given Config, with no
// ambient parent context (equivalent to ExecuteContext(context.Background(), ...)).
func (rt *Runtime) Execute(cfg Config, fn TxFunc) error {
	return rt.ExecuteContext(context.Background(), cfg, fn)
}

// ExecuteContext is the executor of spec.md §4.G: it runs fn in a retry
// loop, escalating the transaction's speculative shape on
// SpeculativeFailure, backing off and retrying on ReadConflict/
// WriteConflict/LockNotFree, and blocking on a retry latch on RetrySignal.
// If ctx already carries an active transaction, Propagation decides whether
// this call joins it (flattened nesting, spec.md §9) or starts an
// independent one.
func (rt *Runtime) ExecuteContext(ctx context.Context, cfg Config, fn TxFunc) error {
	if fn == nil {
		// NullArgument aborts whatever context was already active, per
		// spec.md §7; with nothing running yet there's nothing to abort
		// beyond the ambient tx this call would otherwise have joined.
		if existing, ok := txnFromContext(ctx); ok {
			existing.abort()
		}
		return ErrNullArgument
	}
	if existing, ok := txnFromContext(ctx); ok {
		switch cfg.Propagation {
		case Mandatory, Requires, Supports:
			// Flattened nesting: run fn against the same context, no new
			// retry scope and no commit here — the outermost Execute's own
			// loop owns prepareAndCommit/abort for the whole tree.
			return fn(existing)
		case Never:
			return wrapTransactionMandatory("propagation=Never with an active transaction")
		case RequiresNew:
			// fall through to start an independent transaction below
		}
	} else if cfg.Propagation == Mandatory {
		return ErrTransactionMandatory
	}

	attempt := 0
	spec := specLean
	if !cfg.Speculative {
		spec = specFat
	}

	for {
		tx := newTxn(rt, cfg, spec, attempt)

		err := runClosure(tx, fn)
		if err == nil {
			return nil
		}

		sig, isSignal := asSignal(err)
		if !isSignal {
			return err
		}

		switch sig.kind {
		case signalReadConflict, signalWriteConflict, signalLockNotFree:
			attempt++
			cfg.Logger.Debug("transaction conflict, retrying",
				"kind", sig.kind.String(),
				"attempt", attempt,
			)
			if attempt > cfg.MaxRetries {
				cfg.Logger.Warn("max retries exhausted, aborting",
					"attempt", attempt,
					"maxRetries", cfg.MaxRetries,
				)
				return ErrTooManyRetries
			}
			sleepBackoff(attempt)
		case signalSpeculativeFailure:
			next := nextSpecLevel(spec)
			cfg.Logger.Debug("escalating speculative context",
				"from", spec,
				"to", next,
			)
			spec = next
			// does not count as a real retry: attempt is unchanged
		case signalRetry:
			if !cfg.BlockingAllowed {
				return ErrRetryNotAllowed
			}
			cfg.Logger.Debug("blocking on retry latch", "attempt", attempt)
			if waitErr := sig.latch.await(ctx, cfg.Timeout, cfg.Interruptible); waitErr != nil {
				cfg.Logger.Warn("retry latch wait failed", "error", waitErr)
				return waitErr
			}
		}
	}
}

// runClosure runs fn against tx and, on success, commits it; on any error
// it ensures the transaction is aborted (unless some inner layer, such as
// the commit pipeline, already aborted it) before returning.
func runClosure(tx *Txn, fn TxFunc) error {
	err := fn(tx)
	if err != nil {
		if tx.status != txAborted && tx.status != txCommitted {
			tx.abort()
		}
		return err
	}
	return tx.prepareAndCommit()
}

func wrapTransactionMandatory(msg string) error {
	return &wrappedSentinel{sentinel: ErrTransactionMandatory, msg: msg}
}
