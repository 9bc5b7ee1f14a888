// Command nanoskernel is a demo driver: it boots N simulated CPUs,
// starts their run loops, opens a pipe, and exercises a blocking
// read/write scenario against it. The execution core itself has no
// CLI; this binary is the ambient-stack wrapper around it.
//
// Grounded on runsc/cli's subcommand-registration style.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/charudatta10/nanos/pkg/bootenv"
	"github.com/charudatta10/nanos/pkg/kcpu"
	"github.com/charudatta10/nanos/pkg/kstats"
	"github.com/charudatta10/nanos/pkg/pipe"
	"github.com/charudatta10/nanos/pkg/runloop"
	"github.com/charudatta10/nanos/pkg/timerqueue"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&bootCommand{}, "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

// bootCommand is the "boot" verb: bring up a configurable number of
// simulated CPUs and run the pipe demo scenario on the first one.
type bootCommand struct {
	numCPUs  int
	manifest string
}

func (*bootCommand) Name() string     { return "boot" }
func (*bootCommand) Synopsis() string { return "boot N simulated CPUs and run the pipe demo" }
func (*bootCommand) Usage() string {
	return "boot [-cpus N] [-manifest path]:\n  bring up N simulated CPUs and exercise the blocking pipe scenario.\n"
}

func (c *bootCommand) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.numCPUs, "cpus", 2, "number of simulated CPUs to bring up")
	f.StringVar(&c.manifest, "manifest", "", "optional TOML boot manifest path")
}

func (c *bootCommand) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := bootenv.Load(c.manifest)
	if err != nil {
		logrus.WithError(err).Error("failed to load boot environment")
		return subcommands.ExitFailure
	}
	logrus.WithFields(logrus.Fields{
		"nanos_version": cfg.Env.NanosVersion,
		"cpus":          c.numCPUs,
	}).Info("booting")

	registry := kcpu.NewRegistry(c.numCPUs)
	loops := make([]*runloop.Loop, c.numCPUs)
	for i := 0; i < c.numCPUs; i++ {
		loops[i] = runloop.New(
			registry.ByID(i),
			cfg.Tunables.BottomHalfQueueCapacity,
			cfg.Tunables.Async1QueueCapacity,
			cfg.Tunables.ThreadQueueCapacity,
		)
	}

	manager := runloop.NewManager(loops)
	manager.StartAll(ctx)
	defer manager.Shutdown()

	var stats kstats.Counters
	if err := runPipeDemo(ctx, loops[0], &stats); err != nil {
		logrus.WithError(err).Error("pipe demo failed")
		return subcommands.ExitFailure
	}
	logrus.WithFields(logrus.Fields{
		"minor_faults": stats.MinorFaults(),
	}).Info("pipe demo complete")

	if err := runTimerDemo(ctx, loops[0]); err != nil {
		logrus.WithError(err).Error("timer demo failed")
		return subcommands.ExitFailure
	}

	if c.numCPUs > 1 {
		// Cross-CPU IPI-style delivery: CPU 0 tells CPU 1 its view of
		// shared translation state is stale, via the per-CPU message
		// queue rather than a direct field write.
		registry.ByID(0).SendMessage(registry.ByID(1), kcpu.Message{Kind: kcpu.Invalidate})
		logrus.Debug("sent invalidate message from cpu 0 to cpu 1")
	}
	return subcommands.ExitSuccess
}

type readOutcome struct {
	n   int64
	err error
}

// runPipeDemo opens a pipe and runs a blocking read that starts before
// any data is available, unblocked by a concurrent write, wired through
// the first CPU's runloop so the blockq's async-1 re-dispatch runs for
// real. Both sides of the I/O run with a syscall context checked out
// from the CPU's free list, the way a thread would hold one for the
// duration of a system call.
func runPipeDemo(ctx context.Context, loop *runloop.Loop, stats *kstats.Counters) error {
	// loop.EnqueueAsync1 takes a named runloop.Async1Handler parameter,
	// so it is not directly assignable to blockq.AsyncScheduler's plain
	// func(uint64) parameter type; adapt with a thin closure.
	scheduleAsync1 := func(fn func(arg uint64), arg uint64) bool {
		return loop.EnqueueAsync1(fn, arg)
	}
	r, w := pipe.Open(scheduleAsync1)

	dst := make([]byte, 16)
	resultCh := make(chan readOutcome, 1)
	go func() {
		sc := loop.AcquireSyscallContext()
		defer loop.ReleaseSyscallContext(sc)
		n, err := r.Read(ctx, dst, false)
		resultCh <- readOutcome{n: n, err: err}
	}()

	writeSC := loop.AcquireSyscallContext()
	_, err := w.Write(ctx, []byte("hello\n"), false)
	loop.ReleaseSyscallContext(writeSC)
	if err != nil {
		return err
	}

	res := <-resultCh
	if res.err != nil {
		return res.err
	}
	stats.CountMinorFault()
	logrus.Infof("read %d bytes: %q", res.n, dst[:res.n])

	if err := w.Close(); err != nil {
		return err
	}
	return r.Close()
}

// runTimerDemo registers a one-shot timer on loop's timer queue and
// waits for it to fire, exercising the per-CPU timer service end to end
// (Register's scheduling CAS, the bottom-half dispatch of Service, and
// the handler itself) rather than leaving timerqueue as a library no
// running component ever drives.
func runTimerDemo(ctx context.Context, loop *runloop.Loop) error {
	fired := make(chan struct{})
	t := &timerqueue.Timer{
		Clock:  timerqueue.ClockMonotonic,
		Expiry: time.Now().UnixNano() + int64(20*time.Millisecond),
		Handler: func(now int64) {
			close(fired)
		},
	}
	loop.Timers.Register(t)

	select {
	case <-fired:
		logrus.Debug("timer demo: one-shot timer fired")
		return nil
	case <-time.After(2 * time.Second):
		return context.DeadlineExceeded
	case <-ctx.Done():
		return ctx.Err()
	}
}
