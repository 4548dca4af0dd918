package stm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicallyCommitsOnSuccess(t *testing.T) {
	rt := New()
	r := NewRef(rt, 1)

	err := rt.Atomically(func(tx *Txn) error {
		return Set(tx, r, 5)
	})
	require.NoError(t, err)
	assert.Equal(t, 5, AtomicGet(r))
}

func TestAtomicallyRetriesOnConflict(t *testing.T) {
	rt := New()
	r := NewRef(rt, 0)
	var attempts int

	err := rt.Atomically(func(tx *Txn) error {
		attempts++
		if attempts == 1 {
			// Simulate a concurrent writer racing in between read and write
			// by directly bumping the ref's version mid-transaction.
			other := newTxn(rt, rt.cfg, specFat, 0)
			_, werr := r.openForWrite(other, LockWrite)
			require.NoError(t, werr)
			require.NoError(t, other.prepareAndCommit())
		}
		v, err := Get(tx, r)
		if err != nil {
			return err
		}
		return Set(tx, r, v+1)
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, attempts, 2)
}

func TestExecuteTooManyRetries(t *testing.T) {
	rt := New()
	r := NewRef(rt, 0)
	cfg := NewConfig(WithMaxRetries(2))

	err := rt.Execute(cfg, func(tx *Txn) error {
		_, err := Get(tx, r)
		if err != nil {
			return err
		}
		// Force a write conflict every attempt.
		other := newTxn(rt, rt.cfg, specFat, 0)
		_, werr := r.openForWrite(other, LockWrite)
		require.NoError(t, werr)
		require.NoError(t, other.prepareAndCommit())
		return Set(tx, r, 1)
	})
	assert.ErrorIs(t, err, ErrTooManyRetries)
}

func TestExecuteBlocksUntilRetryLatchSignalled(t *testing.T) {
	rt := New()
	r := NewRef(rt, 0)

	done := make(chan struct{})
	go func() {
		err := rt.Atomically(func(tx *Txn) error {
			v, err := Get(tx, r)
			if err != nil {
				return err
			}
			if v != 5 {
				return tx.Retry()
			}
			return nil
		})
		require.NoError(t, err)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("transaction returned before the ref reached 5")
	default:
	}

	for i := 0; i < 5; i++ {
		require.NoError(t, rt.Atomically(func(tx *Txn) error {
			v, err := Get(tx, r)
			if err != nil {
				return err
			}
			return Set(tx, r, v+1)
		}))
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("transaction never unblocked")
	}
}

func TestExecuteRetryTimeout(t *testing.T) {
	rt := New()
	r := NewRef(rt, 0)
	cfg := NewConfig(WithTimeout(20 * time.Millisecond))

	err := rt.Execute(cfg, func(tx *Txn) error {
		v, err := Get(tx, r)
		if err != nil {
			return err
		}
		if v != 99 {
			return tx.Retry()
		}
		return nil
	})
	assert.ErrorIs(t, err, ErrRetryTimeout)
}

func TestExecuteRetryNotAllowedWhenBlockingDisabled(t *testing.T) {
	rt := New()
	r := NewRef(rt, 0)
	cfg := NewConfig(WithBlockingAllowed(false))

	err := rt.Execute(cfg, func(tx *Txn) error {
		_, err := Get(tx, r)
		if err != nil {
			return err
		}
		return tx.Retry()
	})
	assert.ErrorIs(t, err, ErrRetryNotAllowed)
}

func TestExecuteFlattenedNestingJoinsActiveTxn(t *testing.T) {
	rt := New()
	r := NewRef(rt, 1)
	var nestedSawSameStatus bool

	err := rt.Atomically(func(tx *Txn) error {
		ctx := WithTxn(context.Background(), tx)
		return rt.ExecuteContext(ctx, NewConfig(), func(inner *Txn) error {
			nestedSawSameStatus = inner == tx
			return Set(inner, r, 2)
		})
	})
	require.NoError(t, err)
	assert.True(t, nestedSawSameStatus)
	assert.Equal(t, 2, AtomicGet(r))
}

func TestExecutePropagationNeverRejectsActiveTxn(t *testing.T) {
	rt := New()
	err := rt.Atomically(func(tx *Txn) error {
		ctx := WithTxn(context.Background(), tx)
		cfg := NewConfig(WithPropagation(Never))
		return rt.ExecuteContext(ctx, cfg, func(inner *Txn) error { return nil })
	})
	assert.ErrorIs(t, err, ErrTransactionMandatory)
}

func TestExecutePropagationMandatoryWithoutActiveTxn(t *testing.T) {
	rt := New()
	cfg := NewConfig(WithPropagation(Mandatory))
	err := rt.Execute(cfg, func(tx *Txn) error { return nil })
	assert.ErrorIs(t, err, ErrTransactionMandatory)
}

func TestExecuteNilFuncReturnsErrNullArgument(t *testing.T) {
	rt := New()
	err := rt.Execute(NewConfig(), nil)
	assert.ErrorIs(t, err, ErrNullArgument)

	err = rt.Atomically(nil)
	assert.ErrorIs(t, err, ErrNullArgument)

	err = rt.AtomicChecked(nil)
	assert.ErrorIs(t, err, ErrNullArgument)
}

func TestExecuteNilFuncAbortsActiveTxn(t *testing.T) {
	rt := New()
	r := NewRef(rt, 1)

	err := rt.Atomically(func(tx *Txn) error {
		require.NoError(t, Set(tx, r, 2))
		ctx := WithTxn(context.Background(), tx)
		innerErr := rt.ExecuteContext(ctx, NewConfig(), nil)
		assert.ErrorIs(t, innerErr, ErrNullArgument)
		return innerErr
	})
	assert.ErrorIs(t, err, ErrNullArgument)
	// The outer transaction must have been aborted, not committed.
	assert.Equal(t, 1, AtomicGet(r))
}

func TestAtomicCheckedRejectsMultipleRefs(t *testing.T) {
	rt := New()
	r1 := NewRef(rt, 1)
	r2 := NewRef(rt, 2)

	err := rt.AtomicChecked(func(tx *Txn) error {
		if _, err := Get(tx, r1); err != nil {
			return err
		}
		_, err := Get(tx, r2)
		return err
	})
	assert.ErrorIs(t, err, ErrMultipleRefs)
}

func TestAtomicCheckedSingleRefCommits(t *testing.T) {
	rt := New()
	r := NewRef(rt, 1)

	err := rt.AtomicChecked(func(tx *Txn) error {
		return Set(tx, r, 9)
	})
	require.NoError(t, err)
	assert.Equal(t, 9, AtomicGet(r))
}

func TestDefaultRuntimeSugar(t *testing.T) {
	r := NewRef(Default(), 0)
	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		go func() {
			defer wg.Done()
			require.NoError(t, Atomically(func(tx *Txn) error {
				v, err := Get(tx, r)
				if err != nil {
					return err
				}
				return Set(tx, r, v+1)
			}))
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, AtomicGet(r))
}
