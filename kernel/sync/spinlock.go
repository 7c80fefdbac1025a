// Package sync provides synchronization primitives for code that runs before
// (or without) a full scheduler: spinlocks usable from interrupt handlers and
// from the cooperative/preemptive scheduler's own ready-queue bookkeeping.
package sync

import "sync/atomic"

var (
	// yieldFn is invoked by archAcquireSpinlock between busy-wait attempts,
	// so a spinning task gives other runnable processes a chance to make
	// progress instead of wasting the entire timeslice spinning. It is nil
	// until SetYieldFunc installs one.
	yieldFn func()
)

// SetYieldFunc installs the function invoked while a Spinlock spins waiting
// to acquire its lock. While none is installed, Acquire spins without
// yielding.
func SetYieldFunc(fn func()) {
	yieldFn = fn
}

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will
// cause a deadlock.
func (l *Spinlock) Acquire() {
	archAcquireSpinlock(&l.state, 1)
}

// TryToAcquire attempts to acquire the lock and returns true if the lock
// could be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it.
// Calling Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// archAcquireSpinlock is the arch-specific implementation for acquiring the
// lock; it spins on a PAUSE-backed compare-and-swap loop and calls back
// into maybeYield (via a CALL to the Go function pointer, see
// spinlock_amd64.s) every attemptsBeforeYielding iterations.
func archAcquireSpinlock(state *uint32, attemptsBeforeYielding uint32)

// maybeYield is called from archAcquireSpinlock's assembly loop. It exists so
// the assembly stub never has to special-case a nil yieldFn.
func maybeYield() {
	if yieldFn != nil {
		yieldFn()
	}
}
