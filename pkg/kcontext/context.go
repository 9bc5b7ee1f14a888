// Package kcontext implements the context model: a tagged record holding
// a machine register frame and stack top, an owning-CPU cell,
// pause/resume/schedule-return hooks, and a
// fault handler, together with the acquire/pause/resume/switch fabric
// that migrates a context between CPUs under a CAS-guarded single-owner
// invariant.
//
// Grounded on original_source/src/kernel/kernel.h's context_acquire /
// context_release / context_pause / context_resume / context_switch, and
// on pkg/sentry/arch's Context64/contextInterface for the shape of the
// per-variant hook surface (Design Notes §9: a small capability
// interface rather than raw function pointers).
package kcontext

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Variant is the tag distinguishing the three context kinds: kernel,
// syscall, and thread.
type Variant int

const (
	VariantKernel Variant = iota
	VariantSyscall
	VariantThread
)

func (v Variant) String() string {
	switch v {
	case VariantKernel:
		return "kernel"
	case VariantSyscall:
		return "syscall"
	case VariantThread:
		return "thread"
	default:
		return fmt.Sprintf("variant(%d)", v)
	}
}

// FrameWords is the number of machine words in a saved register frame.
// The teacher's per-arch FRAME_SIZE varies by architecture; this core
// treats the frame as architecture-opaque storage sized generously
// enough for an amd64-class general-purpose register set.
const FrameWords = 32

// Frame is the architecture-defined register word array plus the stack
// top pointer, mirroring context_frame / frame_get_stack_top.
type Frame struct {
	Regs     [FrameWords]uint64
	StackTop uintptr
}

// Zero clears the register words while keeping StackTop, as
// zero_context_frame does before a context is recycled from a free list.
func (f *Frame) Zero() { *f = Frame{StackTop: f.StackTop} }

// Hooks is the three-operation capability interface a context variant
// implements in place of the teacher's raw pause/resume/schedule_return
// closures (Design Notes §9).
type Hooks interface {
	// OnPause is invoked when the context is being switched away from.
	OnPause()
	// OnResume is invoked when the context becomes current. May not
	// return if it transfers control via a (simulated) stack switch;
	// in this Go model it always returns, and callers of Resume act on
	// that return rather than relying on non-return.
	OnResume()
	// OnScheduleReturn is invoked to hand control back to the run loop
	// from within the context (context_schedule_return).
	OnScheduleReturn()
}

// FaultHandler handles a trap raised while executing on a context. It
// returns true if the fault was handled and execution may continue.
type FaultHandler func(c *Context) bool

const unowned = -1

// Context is the common header embedded by Kernel, Syscall, and Thread.
// Exported fields are the machine-visible register state; bookkeeping is
// unexported and manipulated only through the methods below, so that the
// single-owner invariant — at most one CPU may own a context at any
// instant — cannot be violated by a direct field write.
type Context struct {
	Variant Variant
	Frame   Frame

	activeCPU atomic.Int32 // CPU id, or unowned

	hooks        Hooks
	faultHandler FaultHandler

	refcount atomic.Int32

	log *logrus.Entry
}

// Init sets up c as a fresh context of the given variant with initial
// refcount 1 and no fault handler, as allocate_kernel_context does for
// the kernel variant.
func (c *Context) Init(variant Variant, stackTop uintptr) {
	c.Variant = variant
	c.Frame = Frame{StackTop: stackTop}
	c.activeCPU.Store(unowned)
	c.hooks = nil
	c.faultHandler = nil
	c.refcount.Store(1)
	c.log = logrus.WithField("context", variant.String())
}

// SetHooks installs the pause/resume/schedule-return capability
// interface for this context. Not safe to call while the context is
// owned by a CPU other than the caller.
func (c *Context) SetHooks(h Hooks) { c.hooks = h }

// UseFaultHandler installs h as this context's fault handler. Mirrors
// use_fault_handler: only valid on a kernel context whose frame is not
// full (i.e. before any nested trap has consumed it).
func (c *Context) UseFaultHandler(h FaultHandler) {
	if c.Variant != VariantKernel {
		panic("kcontext: UseFaultHandler on a non-kernel context")
	}
	if c.faultHandler != nil {
		panic("kcontext: fault handler already installed")
	}
	c.faultHandler = h
}

// ClearFaultHandler removes the installed fault handler, if any.
func (c *Context) ClearFaultHandler() { c.faultHandler = nil }

// FaultHandler returns the installed fault handler, or nil.
func (c *Context) FaultHandler() FaultHandler { return c.faultHandler }

// IncRef increments the context's reference count.
func (c *Context) IncRef() { c.refcount.Add(1) }

// DecRef decrements the reference count and reports whether it reached
// zero (the caller should then recycle the context onto a free list).
func (c *Context) DecRef() bool {
	return c.refcount.Add(-1) == 0
}

// ActiveCPU returns the id of the CPU currently owning this context, or
// -1 if unowned.
func (c *Context) ActiveCPU() int32 { return c.activeCPU.Load() }

// acquireSpinLimit bounds the spin in Acquire, matching kernel.h's
// CONTEXT_RESUME_SPIN_LIMIT (1<<24). Exhausting the bound is a
// programming error (two CPUs wedged against each other, or a context
// never released), not a fairness policy, so Acquire panics rather than
// returning an error.
const acquireSpinLimit = 1 << 24

// Acquire atomically transitions the context from unowned to cpu,
// spinning with a pause hint while it is held by someone else. Panics
// if the spin bound is exhausted: a bound exhaustion is treated as a
// programming error, not a condition to recover from.
func (c *Context) Acquire(cpu int32) {
	remain := int64(acquireSpinLimit)
	for !c.activeCPU.CompareAndSwap(unowned, cpu) {
		pauseCPU()
		remain--
		if remain <= 0 {
			panic(fmt.Sprintf("kcontext: Acquire spin limit exhausted for context %p on cpu %d", c, cpu))
		}
	}
	if c.log != nil {
		c.log.Debugf("context acquired by cpu %d", cpu)
	}
}

// Release gives up ownership of the context. The caller must currently
// own it; violating that is a programming error (context_release's
// "already paused" halt).
func (c *Context) Release(cpu int32) {
	cur := c.activeCPU.Load()
	if cur == unowned {
		panic(fmt.Sprintf("kcontext: Release of already-unowned context %p", c))
	}
	if cur != cpu {
		panic(fmt.Sprintf("kcontext: cpu %d released context %p owned by cpu %d", cpu, c, cur))
	}
	c.activeCPU.Store(unowned)
	if c.log != nil {
		c.log.Debugf("context released by cpu %d", cpu)
	}
}

// ShuttingDown gates pause/resume hook invocation the way the teacher's
// global shutting_down flag does: once set, contexts are released
// without running their hooks, since the hooks may reach into
// subsystems that are already being torn down.
var shuttingDown atomic.Bool

// SetShuttingDown marks (or unmarks, for tests) the system as shutting
// down.
func SetShuttingDown(v bool) { shuttingDown.Store(v) }

// IsShuttingDown reports the current shutdown flag.
func IsShuttingDown() bool { return shuttingDown.Load() }

// Pause releases prev after invoking its OnPause hook, unless the system
// is shutting down. Used when switching away from prev.
func Pause(prev *Context, cpu int32) {
	if !shuttingDown.Load() && prev.hooks != nil {
		prev.hooks.OnPause()
	}
	prev.Release(cpu)
}

// Resume acquires c for cpu and invokes its OnResume hook unless
// shutting down. No per-CPU "current context" record is kept; ownership
// is tracked only through c's active-CPU cell.
func Resume(c *Context, cpu int32) {
	c.Acquire(cpu)
	if !shuttingDown.Load() && c.hooks != nil {
		c.hooks.OnResume()
	}
}

// ScheduleReturn invokes the context's schedule-return hook, handing
// control back to the run loop.
func ScheduleReturn(c *Context) {
	if c.hooks == nil {
		panic("kcontext: ScheduleReturn on a context with no hooks installed")
	}
	c.hooks.OnScheduleReturn()
}

// Switch pauses prev and resumes next if they differ; otherwise it is a
// no-op, matching context_switch.
func Switch(prev, next *Context, cpu int32) {
	if next == prev {
		return
	}
	Pause(prev, cpu)
	Resume(next, cpu)
}

// pauseCPU yields briefly while spinning for ownership, standing in for
// the architecture's pause/cpu_relax instruction.
func pauseCPU() {
	// runtime.Gosched would hand off to the Go scheduler entirely; a
	// spin loop modeling a hardware PAUSE instruction should not yield
	// the OS thread outright, so this is intentionally a tight no-op
	// loop rather than a call into runtime.
	for i := 0; i < 32; i++ {
	}
}
