// Package spinlock provides a busy-waiting mutual exclusion lock for
// critical sections that only touch in-memory maps and slices.
//
// A SpinLock must never be held across I/O, channel operations or calls
// that may block; the waiting goroutines burn CPU while they spin.
package spinlock

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// SpinLock is a short-hold lock. The zero value is unlocked.
type SpinLock struct {
	state atomic.Int32
}

var _ sync.Locker = (*SpinLock)(nil)

// Lock acquires the lock, yielding the processor between attempts.
func (l *SpinLock) Lock() {
	for !l.state.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
}

// TryLock acquires the lock if it is free and reports whether it did.
func (l *SpinLock) TryLock() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Unlock releases the lock. Unlocking an unlocked SpinLock panics, same as
// sync.Mutex.
func (l *SpinLock) Unlock() {
	if !l.state.CompareAndSwap(1, 0) {
		panic("spinlock: unlock of unlocked lock")
	}
}

// Group is an ordered set of locks. LockAll acquires them in slice order
// and UnlockAll releases them in reverse, so every path that takes more
// than one lock of the group agrees on a single order.
type Group []sync.Locker

// LockAll acquires every lock in order.
func (g Group) LockAll() {
	for _, l := range g {
		l.Lock()
	}
}

// UnlockAll releases every lock in reverse order.
func (g Group) UnlockAll() {
	for i := len(g) - 1; i >= 0; i-- {
		g[i].Unlock()
	}
}
