// Package kcpu implements the per-CPU state vector (cpuinfo in the
// teacher's C) and the registry used to look CPUs up by index. There is
// no current-CPU accessor (see the note at the end of this file).
//
// Go has no inline "current CPU register" the way the teacher's
// kernel_machine.h does; a CPU here is a logical unit of scheduling
// (one run-loop goroutine per kcpu.CPU), and "current CPU" is whichever
// *CPU value a run-loop goroutine was started with, carried explicitly
// rather than read from hardware.
package kcpu

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/charudatta10/nanos/pkg/kcontext"
	"github.com/charudatta10/nanos/pkg/kqueue"
)

// State is the lifecycle state of a CPU, mirroring cpu_not_present,
// cpu_idle, cpu_kernel, cpu_interrupt, cpu_user from kernel.h.
type State int32

const (
	NotPresent State = iota
	Idle
	Kernel
	Interrupt
	User
)

func (s State) String() string {
	switch s {
	case NotPresent:
		return "not_present"
	case Idle:
		return "idle"
	case Kernel:
		return "kernel"
	case Interrupt:
		return "interrupt"
	case User:
		return "user"
	default:
		return "unknown"
	}
}

// DefaultMessageCapacity bounds a CPU's cross-CPU message queue.
const DefaultMessageCapacity = 64

// MessageKind tags a cross-CPU message's payload interpretation.
type MessageKind int

const (
	// Invalidate asks the receiving CPU to bump its invalidate
	// generation, standing in for a TLB-shootdown-style IPI: the sender
	// has changed shared translation state and the receiver must not
	// trust anything it cached before observing the new InvalGen.
	Invalidate MessageKind = iota
)

// Message is one entry on a CPU's message queue (cpuinfo's "CPU-to-CPU
// message queue"), the interrupt-safe delivery path used for cross-CPU
// access such as IPI delivery.
type Message struct {
	From int
	Kind MessageKind
	Arg  uint64
}

// CPU is the per-CPU record modeled on the original kernel's cpuinfo
// struct. Fields
// that are only ever touched by the owning CPU (KernelContexts,
// SyscallContexts, LastTimerUpdate, FrameCount, InvalGen) are left
// unsynchronized by design, matching the teacher's "accessed by its own
// CPU without lock for private fields" invariant; Messages is the one
// field meant for cross-CPU delivery and is therefore its own
// concurrency-safe queue type (see pkg/kqueue).
type CPU struct {
	ID int

	state        atomic.Int32 // State, atomic because other CPUs may observe it (e.g. for idle-mask accounting)
	haveKernLock atomic.Bool

	// Home is this CPU's designated kernel context, used as the
	// runloop's home stack (context_switch's "kernel" side).
	Home *kcontext.Kernel

	// KernelContexts and SyscallContexts are this CPU's free lists of
	// recycled contexts (allocate_kernel_context's "insert at the head
	// of the current CPU's free list on final release").
	KernelContexts  *kcontext.Pool[*kcontext.Kernel]
	SyscallContexts *kcontext.Pool[*kcontext.Syscall]

	// Messages is this CPU's cross-CPU message queue, drained by its own
	// runloop pass (see DrainMessages).
	Messages *kqueue.Queue[Message]

	// LastTimerUpdate, FrameCount, and InvalGen are owned by this CPU
	// only.
	LastTimerUpdate int64
	FrameCount      uint64
	InvalGen        uint64

	log *logrus.Entry
}

// New constructs a CPU record in the not_present state, with its home
// kernel context, context free lists, and message queue ready to use.
func New(id int) *CPU {
	c := &CPU{
		ID:              id,
		Home:            kcontext.NewKernel(),
		KernelContexts:  kcontext.NewPool(kcontext.NewKernel),
		SyscallContexts: kcontext.NewPool(kcontext.NewSyscall),
		Messages:        kqueue.New[Message](DefaultMessageCapacity),
		log:             logrus.WithField("cpu", id),
	}
	c.state.Store(int32(NotPresent))
	return c
}

// SendMessage delivers msg to target's message queue, stamping From with
// c's own id. Interrupt-safe: callable from the sender's interrupt stub.
// Returns false if target's queue is at capacity.
func (c *CPU) SendMessage(target *CPU, msg Message) bool {
	msg.From = c.ID
	return target.Messages.EnqueueIRQSafe(msg)
}

// DrainMessages dequeues and applies every currently-queued message, in
// insertion order, returning whether any were applied. Called once per
// runloop pass on this CPU, alongside the bottom-half and async-1
// drains.
func (c *CPU) DrainMessages() bool {
	ran := false
	for {
		msg, ok := c.Messages.DequeueIRQSafe()
		if !ok {
			return ran
		}
		switch msg.Kind {
		case Invalidate:
			c.InvalGen++
		}
		ran = true
	}
}

// State returns the CPU's current lifecycle state.
func (c *CPU) State() State { return State(c.state.Load()) }

// SetState transitions the CPU's lifecycle state, logging the
// transition at debug level the way the teacher's context_debug does.
func (c *CPU) SetState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.log.Debugf("cpu state %s -> %s", old, s)
	}
}

// HaveKernelLock reports whether this CPU currently holds the kernel
// lock (have_kernel_lock in cpuinfo).
func (c *CPU) HaveKernelLock() bool { return c.haveKernLock.Load() }

// SetHaveKernelLock sets the kernel-lock-held flag.
func (c *CPU) SetHaveKernelLock(v bool) { c.haveKernLock.Store(v) }

// Registry is the vector of all CPUs in the system (cpuinfos in the
// teacher), indexed by id.
type Registry struct {
	mu   sync.RWMutex
	cpus []*CPU
}

// NewRegistry builds a registry with n CPUs, ids 0..n-1.
func NewRegistry(n int) *Registry {
	r := &Registry{cpus: make([]*CPU, n)}
	for i := range r.cpus {
		r.cpus[i] = New(i)
	}
	return r
}

// ByID returns the CPU for the given id, mirroring cpuinfo_from_id.
func (r *Registry) ByID(id int) *CPU {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id < 0 || id >= len(r.cpus) {
		return nil
	}
	return r.cpus[id]
}

// Len returns the number of CPUs in the registry.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cpus)
}

// All returns a snapshot slice of every CPU in the registry.
func (r *Registry) All() []*CPU {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*CPU, len(r.cpus))
	copy(out, r.cpus)
	return out
}

// Go has no per-goroutine-local storage analogous to a CPU register, so
// unlike the teacher's inlined current_cpu() this package does not offer
// a global accessor: every function that needs "the current CPU" takes
// one as an explicit *CPU parameter instead, threaded down from the
// run-loop goroutine that owns it (see pkg/runloop). This is the Design
// Notes §9 "typed per-CPU array" model without the implicit lookup half,
// since the implicit half has no Go equivalent worth faking with a map
// keyed by goroutine id.
