// Package runloop implements the per-CPU scheduling loop: drain the
// bottom-half queue, then the async-1 completion queue, then dispatch
// one runnable thread, and otherwise wait for an interrupt.
//
// Grounded directly on original_source/src/kernel/kernel.h's runloop/
// runloop_internal ordering contract, which already specifies the
// drain-dispatch-repeat-else-idle shape reproduced here.
package runloop

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/charudatta10/nanos/pkg/kcontext"
	"github.com/charudatta10/nanos/pkg/kcpu"
	"github.com/charudatta10/nanos/pkg/kqueue"
	"github.com/charudatta10/nanos/pkg/timerqueue"
)

// BottomHalf is a deferred thunk dequeued by the runloop outside
// interrupt context.
type BottomHalf func()

// Async1Handler is the callable half of an async-1 queue entry: a
// single u64-argument completion handler, deferred out of an
// I/O-submitter context where invoking it directly would violate lock
// ordering or stack-depth constraints.
type Async1Handler func(arg uint64)

type async1Job struct {
	fn  Async1Handler
	arg uint64
}

// ThreadJob pairs a thread-variant context with the body to run once
// the runloop has switched onto it. Body stands in for "jump to the
// thread's resume address": in this Go model OnResume always returns,
// so Body is invoked synchronously and its return models the thread
// yielding back to the runloop (kern_yield / a blockq suspension /
// syscall completion).
type ThreadJob struct {
	Context *kcontext.Thread
	Body    func()
}

// Loop is one CPU's runloop: the bottom-half queue, async-1 queue, and
// thread run queue it drains. The runloop's stack is cpu.Home, the
// CPU's designated kernel context control transfers to on entry.
type Loop struct {
	cpu *kcpu.CPU

	bh      *kqueue.Queue[BottomHalf]
	async1  *kqueue.Queue[async1Job]
	threads *kqueue.Queue[ThreadJob]

	// Timers is this CPU's timer service, its scheduleService callback
	// wired directly onto this loop's bottom-half queue so an expired
	// timer's re-check runs as an ordinary bottom half rather than
	// in-line with whatever called Register.
	Timers *timerqueue.Queue

	// wake is signalled to break a wait_for_interrupt park; buffered 1
	// so a producer never blocks delivering the wakeup.
	wake chan struct{}

	shuttingDown atomic.Bool // set by Manager.Shutdown, observed by this loop's own goroutine

	log *logrus.Entry
}

// Default queue depths, standing in for the teacher's compile-time
// KERNEL_QUEUE_SIZE-style constants.
const (
	DefaultBottomHalfCapacity = 256
	DefaultAsync1Capacity     = 256
	DefaultThreadCapacity     = 64
)

// DefaultTimerTick is how often Run polls the timer queue for expired
// timers, standing in for a real timer interrupt.
const DefaultTimerTick = 10 * time.Millisecond

// New constructs a runloop for cpu, homed on cpu.Home. Capacities of
// zero fall back to the package defaults.
func New(cpu *kcpu.CPU, bhCap, async1Cap, threadCap int) *Loop {
	if bhCap <= 0 {
		bhCap = DefaultBottomHalfCapacity
	}
	if async1Cap <= 0 {
		async1Cap = DefaultAsync1Capacity
	}
	if threadCap <= 0 {
		threadCap = DefaultThreadCapacity
	}
	l := &Loop{
		cpu:     cpu,
		bh:      kqueue.New[BottomHalf](bhCap),
		async1:  kqueue.New[async1Job](async1Cap),
		threads: kqueue.New[ThreadJob](threadCap),
		wake:    make(chan struct{}, 1),
		log:     logrus.WithField("cpu", cpu.ID),
	}
	l.Timers = timerqueue.New(func(svc func()) { l.EnqueueBottomHalf(svc) })
	return l
}

// EnqueueBottomHalf enqueues fn for execution on the next drain pass.
// Reachable from interrupt context (the architecture stub enqueuing
// work on interrupt entry), so it uses the queue's irqsafe path.
// Returns false if the bottom-half queue is at capacity.
func (l *Loop) EnqueueBottomHalf(fn BottomHalf) bool {
	ok := l.bh.EnqueueIRQSafe(fn)
	if ok {
		l.Interrupt()
	}
	return ok
}

// EnqueueAsync1 enqueues a completion handler for the async-1 drain
// pass. Back-pressure: if the queue is full, false is returned and the
// caller must retry later or synthesize a local error.
func (l *Loop) EnqueueAsync1(fn Async1Handler, arg uint64) bool {
	ok := l.async1.EnqueueIRQSafe(async1Job{fn: fn, arg: arg})
	if ok {
		l.Interrupt()
	}
	return ok
}

// EnqueueThread makes job runnable on this CPU's thread run queue.
func (l *Loop) EnqueueThread(job ThreadJob) bool {
	ok := l.threads.EnqueueIRQSafe(job)
	if ok {
		l.Interrupt()
	}
	return ok
}

// Interrupt wakes a CPU parked in wait_for_interrupt. Safe to call from
// any goroutine; a no-op if the loop is not currently parked (the
// pending work will be found on the loop's next pass regardless).
func (l *Loop) Interrupt() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// CPU returns the kcpu.CPU this loop drives.
func (l *Loop) CPU() *kcpu.CPU { return l.cpu }

// Run enters runloop_internal: it never returns until ctx is done or
// Shutdown marks this loop as shutting down. Ordering contract: drain
// bottom halves, drain async-1, dispatch one thread, else wait for
// interrupt.
func (l *Loop) Run(ctx context.Context) {
	l.cpu.Home.Acquire(int32(l.cpu.ID))
	l.cpu.SetState(kcpu.Kernel)
	l.log.Debug("runloop entered")

	go l.runTimerTick(ctx)

	for {
		select {
		case <-ctx.Done():
			l.teardown()
			return
		default:
		}
		if l.shuttingDown.Load() {
			l.teardown()
			return
		}

		didWork := l.cpu.DrainMessages()
		didWork = l.drainBottomHalves() || didWork
		didWork = l.drainAsync1() || didWork
		didWork = l.dispatchOneThread(ctx) || didWork

		if !didWork {
			l.waitForInterrupt(ctx)
		}
	}
}

// shutdown marks this loop for exit on its next pass through Run and
// wakes it if parked. Called by Manager.Shutdown.
func (l *Loop) shutdown() {
	l.shuttingDown.Store(true)
	l.Interrupt()
}

// runTimerTick stands in for a real timer interrupt: it periodically
// nudges the timer queue to check for expired timers, independent of
// Register's own registration-time schedule so a timer fires even
// if nothing registers a new one after it. The actual handler still
// runs as a bottom half, dispatched through scheduleService.
func (l *Loop) runTimerTick(ctx context.Context) {
	ticker := time.NewTicker(DefaultTimerTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if l.Timers.Len() > 0 {
				l.EnqueueBottomHalf(func() { l.Timers.Service(time.Now().UnixNano()) })
			}
		}
	}
}

func (l *Loop) teardown() {
	l.cpu.SetState(kcpu.NotPresent)
	l.cpu.Home.Release(int32(l.cpu.ID))
	l.log.Debug("runloop exited")
}

// drainBottomHalves dequeues and applies every currently-queued bottom
// half, in insertion order, returning whether any ran.
func (l *Loop) drainBottomHalves() bool {
	ran := false
	for {
		fn, ok := l.bh.DequeueIRQSafe()
		if !ok {
			return ran
		}
		fn()
		ran = true
	}
}

// drainAsync1 dequeues and applies every currently-queued completion,
// in strict FIFO order, returning whether any ran.
func (l *Loop) drainAsync1() bool {
	ran := false
	for {
		job, ok := l.async1.DequeueIRQSafe()
		if !ok {
			return ran
		}
		job.fn(job.arg)
		ran = true
	}
}

// dispatchOneThread pops at most one thread from the run queue and
// runs it to its next yield point, switching the CPU's current context
// to the thread and back via the kcontext switch fabric. Returns
// whether a thread was dispatched.
func (l *Loop) dispatchOneThread(ctx context.Context) bool {
	job, ok := l.threads.DequeueIRQSafe()
	if !ok {
		return false
	}
	l.cpu.SetState(kcpu.User)
	cpuID := int32(l.cpu.ID)
	kcontext.Switch(&l.cpu.Home.Context, &job.Context.Context, cpuID)
	if job.Body != nil {
		job.Body()
	}
	kcontext.Switch(&job.Context.Context, &l.cpu.Home.Context, cpuID)
	l.cpu.SetState(kcpu.Kernel)
	return true
}

// AcquireSyscallContext fetches a syscall context from this CPU's free
// list, allocating a fresh one only if the list is empty
// (get_syscall_context's fast path), for a thread about to execute a
// system call on this CPU's behalf.
func (l *Loop) AcquireSyscallContext() *kcontext.Syscall {
	return l.cpu.SyscallContexts.Get()
}

// ReleaseSyscallContext drops the caller's reference to s, recycling it
// onto this CPU's free list once the reference count reaches zero
// (allocate_kernel_context's "insert at the head of the free list on
// final release", reproduced here for the syscall variant).
func (l *Loop) ReleaseSyscallContext(s *kcontext.Syscall) {
	if s.Context.DecRef() {
		s.Context.Init(kcontext.VariantSyscall, s.Context.Frame.StackTop)
		l.cpu.SyscallContexts.Put(s)
	}
}

// AcquireKernelContext is AcquireSyscallContext's kernel-variant
// counterpart, for nested kernel-side work that needs its own context
// rather than running directly on the home stack.
func (l *Loop) AcquireKernelContext() *kcontext.Kernel {
	return l.cpu.KernelContexts.Get()
}

// ReleaseKernelContext is ReleaseSyscallContext's kernel-variant
// counterpart.
func (l *Loop) ReleaseKernelContext(k *kcontext.Kernel) {
	if k.Context.DecRef() {
		k.Context.Init(kcontext.VariantKernel, k.Context.Frame.StackTop)
		l.cpu.KernelContexts.Put(k)
	}
}

// waitForInterrupt parks the CPU until woken by Interrupt or ctx is
// done, mirroring wait_for_interrupt. The CPU is reported idle while
// parked.
func (l *Loop) waitForInterrupt(ctx context.Context) {
	l.cpu.SetState(kcpu.Idle)
	select {
	case <-l.wake:
	case <-ctx.Done():
	}
	l.cpu.SetState(kcpu.Kernel)
}
