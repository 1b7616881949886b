// Package spin provides a cache-line-padded spinlock for short in-process
// critical sections.
package spin

import (
	"runtime"
	"sync/atomic"
)

// Lock is a test-and-set spinlock. The zero value is unlocked.
//
// It is padded to a full cache line so adjacent locks never share one. Locks
// must not be held across syscalls or channel operations.
type Lock struct {
	state uint32
	_     [60]byte
}

// Lock acquires the lock, spinning until it is available.
func (l *Lock) Lock() {
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		runtime.Gosched()
	}
}

// TryLock attempts to acquire the lock without spinning.
func (l *Lock) TryLock() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Unlock releases the lock. Calling Unlock on an unlocked Lock is a bug.
func (l *Lock) Unlock() {
	atomic.StoreUint32(&l.state, 0)
}
