// Package stm implements a software transactional memory runtime: versioned
// ref cells, optimistic read/write transactions, commute for
// write-only-dependent updates, and blocking retry/orElse composition.
//
// A transaction opens refs for reading or writing through Get/Set and the
// rest of the functions in ops.go, runs to completion, and is committed by
// Atomically/Execute. Conflicting transactions are detected against a global
// version clock, on each read and again at commit, rather than by holding
// locks for the duration of the transaction; with the default ReadLockMode
// of LockNone, only the brief window between lock acquisition and publish
// holds any lock at all.
package stm
