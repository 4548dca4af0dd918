package stm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockWordReadAcquireRelease(t *testing.T) {
	var lw lockWord
	lw.init(7)

	require.True(t, lw.tryAcquireRead())
	require.True(t, lw.tryAcquireRead())
	mode, readers, version := lw.load()
	assert.Equal(t, LockRead, mode)
	assert.Equal(t, uint32(2), readers)
	assert.Equal(t, uint64(7), version)

	lw.releaseRead()
	mode, readers, _ = lw.load()
	assert.Equal(t, LockRead, mode)
	assert.Equal(t, uint32(1), readers)

	lw.releaseRead()
	mode, _, _ = lw.load()
	assert.Equal(t, LockNone, mode)
}

func TestLockWordWriteExcludesRead(t *testing.T) {
	var lw lockWord
	lw.init(0)

	require.True(t, lw.tryAcquireWrite(false))
	assert.False(t, lw.tryAcquireRead())
	assert.False(t, lw.tryAcquireWrite(false))

	lw.publishAndRelease(1)
	mode, _, version := lw.load()
	assert.Equal(t, LockNone, mode)
	assert.Equal(t, uint64(1), version)
}

func TestLockWordUpgradeReadToWrite(t *testing.T) {
	var lw lockWord
	lw.init(0)

	require.True(t, lw.tryAcquireRead())
	require.True(t, lw.upgradeReadToWrite(false))
	mode, _, _ := lw.load()
	assert.Equal(t, LockWrite, mode)

	lw.downgradeWriteToRead()
	mode, readers, _ := lw.load()
	assert.Equal(t, LockRead, mode)
	assert.Equal(t, uint32(1), readers)
}

func TestLockWordUpgradeFailsWithMultipleReaders(t *testing.T) {
	var lw lockWord
	lw.init(0)

	require.True(t, lw.tryAcquireRead())
	require.True(t, lw.tryAcquireRead())
	assert.False(t, lw.upgradeReadToWrite(false))
}

func TestLockModeStrongerOrEqual(t *testing.T) {
	assert.True(t, LockWrite.strongerOrEqual(LockRead))
	assert.True(t, LockExclusive.strongerOrEqual(LockWrite))
	assert.False(t, LockRead.strongerOrEqual(LockWrite))
	assert.True(t, LockNone.strongerOrEqual(LockNone))
}
