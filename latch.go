package stm

import (
	"context"
	"sync"
	"time"
)

// latch is the sole blocking primitive in the runtime: a single-shot
// suspension token created by retry() and attached to every ref in the
// aborting transaction's read log. A writer that publishes new values
// signals every listener of every ref it wrote; a listener, once signalled,
// is removed from every ref before being woken (spec.md §3 invariant 4).
//
// The condvar-wait/broadcast shape follows
// _examples/dijkstracula-go-ilock/ilock.go's Mutex (m.c.Wait() / m.c.Broadcast())
// adapted from a reusable lock condvar to a one-shot token.
type latch struct {
	mu        sync.Mutex
	cond      *sync.Cond
	signalled bool

	// attachedTo is every cell this latch is currently a registered
	// listener on. A latch is usually registered on several refs at once
	// (the whole readLog, or an OrElse union) and spec.md §3 invariant 4
	// requires it be removed from every one of them, not just the ref that
	// happened to trigger the signal, once woken.
	attachedTo []cell
}

func newLatch() *latch {
	l := &latch{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// attach records that l has been registered as a listener on c, so signal
// can later remove it from c along with every other ref it was attached to.
func (l *latch) attach(c cell) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attachedTo = append(l.attachedTo, c)
}

// signal marks the latch signalled, removes it from every ref it was
// registered on, and wakes every waiter. Idempotent.
func (l *latch) signal() {
	l.mu.Lock()
	if l.signalled {
		l.mu.Unlock()
		return
	}
	l.signalled = true
	attached := l.attachedTo
	l.attachedTo = nil
	l.mu.Unlock()

	for _, c := range attached {
		c.unregisterRetryListener(l)
	}
	l.cond.Broadcast()
}

func (l *latch) isSignalled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.signalled
}

// await parks the calling goroutine until the latch is signalled, the
// deadline elapses, or ctx is cancelled (used as the interrupt channel).
// Returns nil on a real signal, ErrRetryTimeout on deadline, or
// ErrRetryInterrupted on context cancellation.
func (l *latch) await(ctx context.Context, timeout time.Duration, interruptible bool) error {
	done := make(chan struct{})

	l.mu.Lock()
	if l.signalled {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	// sync.Cond has no built-in deadline/cancellation support, so the wait
	// itself runs on a helper goroutine and communicates back over done;
	// the helper leaves its wait either when signal() Broadcasts or when
	// this call gives up on a timeout or interrupt and sets abandoned.
	abandoned := false
	go func() {
		l.mu.Lock()
		for !l.signalled && !abandoned {
			l.cond.Wait()
		}
		l.mu.Unlock()
		close(done)
	}()
	abandon := func() {
		l.mu.Lock()
		abandoned = true
		l.mu.Unlock()
		l.cond.Broadcast()
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var ctxDone <-chan struct{}
	if interruptible && ctx != nil {
		ctxDone = ctx.Done()
	}

	select {
	case <-done:
		return nil
	case <-timeoutCh:
		abandon()
		return ErrRetryTimeout
	case <-ctxDone:
		abandon()
		return ErrRetryInterrupted
	}
}
