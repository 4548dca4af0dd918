package stm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefOpenForReadCachesWithinTxn(t *testing.T) {
	rt := New()
	r := NewRef(rt, 10)
	tx := newTxn(rt, rt.cfg, specFat, 0)

	v1, err := r.openForRead(tx, LockNone)
	require.NoError(t, err)
	assert.Equal(t, 10, v1)

	v2, err := r.openForRead(tx, LockNone)
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Len(t, tx.readLog, 1)
}

func TestRefOpenForWriteLazyCopiesFromRead(t *testing.T) {
	rt := New()
	r := NewRef(rt, 10)
	tx := newTxn(rt, rt.cfg, specFat, 0)

	_, err := r.openForRead(tx, LockNone)
	require.NoError(t, err)

	v, err := r.openForWrite(tx, LockWrite)
	require.NoError(t, err)
	assert.Equal(t, 10, v)
	assert.Len(t, tx.writeLog, 1)
}

func TestRefOpenForReadDetectsStaleVersion(t *testing.T) {
	rt := New()
	r := NewRef(rt, 10)
	tx := newTxn(rt, rt.cfg, specFat, 0)

	// Advance the ref's version behind tx's back.
	other := newTxn(rt, rt.cfg, specFat, 0)
	_, err := r.openForWrite(other, LockWrite)
	require.NoError(t, err)
	require.NoError(t, other.prepareAndCommit())

	_, err = r.openForRead(tx, LockNone)
	sig, ok := asSignal(err)
	require.True(t, ok)
	assert.Equal(t, signalReadConflict, sig.kind)
}

func TestRefCommuteDegradesWithExistingDependency(t *testing.T) {
	rt := New()
	r := NewRef(rt, 1)
	tx := newTxn(rt, rt.cfg, specFat, 0)

	_, err := r.openForRead(tx, LockNone)
	require.NoError(t, err)
	err = r.commute(tx, func(v any) any { return v.(int) + 1 })
	require.NoError(t, err)

	idx := tx.writeIndex[r]
	assert.Equal(t, 2, tx.writeLog[idx].value)
	assert.False(t, tx.writeLog[idx].commuteOnly)
}

func TestRefCommuteDeferredWithoutDependency(t *testing.T) {
	rt := New()
	r := NewRef(rt, 1)
	tx := newTxn(rt, rt.cfg, specFat, 0)

	err := r.commute(tx, func(v any) any { return v.(int) + 1 })
	require.NoError(t, err)

	idx := tx.writeIndex[r]
	assert.True(t, tx.writeLog[idx].commuteOnly)
	require.NoError(t, tx.prepareAndCommit())
	assert.Equal(t, 2, r.committed())
}

func TestRefRegisterRetryListenerSignalsImmediatelyIfStale(t *testing.T) {
	rt := New()
	rt.clock.Tick() // advance so the ref is born at version 1
	r := NewRef(rt, 1)
	l := newLatch()

	r.registerRetryListener(l, 0) // r's version is already > 0
	assert.True(t, l.isSignalled())
}
