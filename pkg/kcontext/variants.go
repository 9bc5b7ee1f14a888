package kcontext

import "sync"

// Kernel is the kernel-variant context: the runloop's home context for a
// CPU. It is never made runnable through the thread run queue; it is
// reached only via the runloop after a context_switch.
type Kernel struct {
	Context
}

// Syscall is the syscall-variant context installed while a thread is
// executing a system call on behalf of user code.
type Syscall struct {
	Context
}

// Thread is the thread-variant context: user-mode execution state that
// may be dispatched from a CPU's thread run queue.
type Thread struct {
	Context
}

const defaultStackWords = 4096 // 32KB of uint64 stack storage, standing in for a real guest stack

// NewKernel allocates a fresh kernel context with its own stack,
// initial refcount 1, and no fault handler, per allocate_kernel_context.
func NewKernel() *Kernel {
	k := &Kernel{}
	k.Context.Init(VariantKernel, 0)
	k.Context.Frame.StackTop = newStack()
	return k
}

// NewSyscall allocates a fresh syscall context.
func NewSyscall() *Syscall {
	s := &Syscall{}
	s.Context.Init(VariantSyscall, 0)
	s.Context.Frame.StackTop = newStack()
	return s
}

// NewThread allocates a fresh thread context.
func NewThread() *Thread {
	t := &Thread{}
	t.Context.Init(VariantThread, 0)
	t.Context.Frame.StackTop = newStack()
	return t
}

func newStack() uintptr {
	stack := make([]uint64, defaultStackWords)
	return uintptr(len(stack)) // placeholder "stack top" for a host without real guest stacks
}

// Pool is a per-CPU free list of recycled contexts of a single kind,
// mirroring cpuinfo's free_kernel_contexts / free_syscall_contexts
// lists: released contexts are inserted at the head and reused on the
// next allocation instead of being returned to the heap, bounding
// allocation work on hot paths.
type Pool[T any] struct {
	mu    sync.Mutex
	free  []T
	alloc func() T
}

// NewPool constructs a pool whose allocator is called when the free list
// is empty.
func NewPool[T any](alloc func() T) *Pool[T] {
	return &Pool[T]{alloc: alloc}
}

// Get returns a recycled element if one is free, otherwise allocates a
// new one (get_kernel_context's fast path).
func (p *Pool[T]) Get() T {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.free); n > 0 {
		v := p.free[n-1]
		p.free = p.free[:n-1]
		return v
	}
	return p.alloc()
}

// Put inserts v at the head of the free list for later reuse.
func (p *Pool[T]) Put(v T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, v)
}

// Len reports the number of currently-free elements.
func (p *Pool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
