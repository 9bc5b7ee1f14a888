package kcontext

import "sync"

// GuardedMutex is a named sync.Mutex wrapper, in the spirit of the
// teacher's generated per-struct lock types (aioContextMutex,
// mappingMutex, ...): a type name at the call site documents what the
// lock protects. The teacher's generator also registers each lock type
// with a static lock-order checker (pkg/sync/locking); that half is a
// build-time nogo analysis with no runtime behavior and is not
// reproduced here (see DESIGN.md).
type GuardedMutex struct {
	mu sync.Mutex
}

func (m *GuardedMutex) Lock()   { m.mu.Lock() }
func (m *GuardedMutex) Unlock() { m.mu.Unlock() }

// LockTwo acquires a then b using a trylock-and-back-off policy on b,
// releasing a if b is contended and retrying, to avoid the deadlock that
// a naive double Lock() could hit against a concurrent holder acquiring
// the same two locks in the opposite order. Mirrors kernel.h's
// spin_lock_2.
func LockTwo(a, b *sync.Mutex) {
	a.Lock()
	for !b.TryLock() {
		a.Unlock()
		pauseCPU()
		a.Lock()
	}
}

// UnlockTwo releases both locks acquired by LockTwo, in reverse order.
func UnlockTwo(a, b *sync.Mutex) {
	b.Unlock()
	a.Unlock()
}
