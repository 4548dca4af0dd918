package stm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTxnAbortReleasesLocksAndClearsLogs(t *testing.T) {
	rt := New()
	r := NewRef(rt, 1)
	tx := newTxn(rt, rt.cfg, specFat, 0)

	_, err := r.openForWrite(tx, LockWrite)
	require.NoError(t, err)
	require.NoError(t, r.prepareForCommit(tx))

	tx.abort()
	assert.Equal(t, txAborted, tx.status)
	assert.Nil(t, tx.writeLog)
	assert.Nil(t, tx.readLog)

	mode, _, _ := r.lw.load()
	assert.Equal(t, LockNone, mode)
}

func TestTxnAbortIsIdempotent(t *testing.T) {
	rt := New()
	tx := newTxn(rt, rt.cfg, specFat, 0)
	tx.abort()
	assert.NotPanics(t, func() { tx.abort() })
	assert.Equal(t, txAborted, tx.status)
}

func TestTxnCheckMutableRejectsTerminalStates(t *testing.T) {
	rt := New()

	tx := newTxn(rt, rt.cfg, specFat, 0)
	tx.status = txCommitted
	assert.ErrorIs(t, tx.checkMutable(), ErrDeadTransaction)

	tx2 := newTxn(rt, rt.cfg, specFat, 0)
	tx2.status = txPrepared
	assert.ErrorIs(t, tx2.checkMutable(), ErrPreparedTransaction)
}

func TestTxnRollbackToUnwindsOneWindow(t *testing.T) {
	rt := New()
	r1 := NewRef(rt, 1)
	r2 := NewRef(rt, 2)
	tx := newTxn(rt, rt.cfg, specFat, 0)

	_, err := r1.openForRead(tx, LockRead)
	require.NoError(t, err)

	readMark := len(tx.readLog)
	writeMark := len(tx.writeLog)
	commuteMark := len(tx.commuteOrder)

	_, err = r2.openForRead(tx, LockRead)
	require.NoError(t, err)
	require.NoError(t, r2.commute(tx, func(v any) any { return v }))

	tx.rollbackTo(readMark, writeMark, commuteMark)

	assert.Len(t, tx.readLog, 1)
	_, stillThere := tx.readIndex[r1]
	assert.True(t, stillThere)
	_, r2Present := tx.readIndex[r2]
	assert.False(t, r2Present)

	mode, _, _ := r2.lw.load()
	assert.Equal(t, LockNone, mode)

	// tx itself must still be usable.
	assert.Equal(t, txActive, tx.status)
}

func TestTxnGuardRejectsSecondRef(t *testing.T) {
	rt := New()
	r1 := NewRef(rt, 1)
	r2 := NewRef(rt, 2)
	tx := newTxn(rt, rt.cfg, specFat, 0)
	tx.guard = &singleRefGuard{}

	_, err := r1.openForRead(tx, LockNone)
	require.NoError(t, err)

	_, err = r2.openForRead(tx, LockNone)
	assert.ErrorIs(t, err, ErrMultipleRefs)
}
