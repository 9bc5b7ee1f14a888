package runloop

import (
	"context"
	"testing"
	"time"

	"github.com/charudatta10/nanos/pkg/kcontext"
	"github.com/charudatta10/nanos/pkg/kcpu"
)

func newTestLoop() *Loop {
	cpu := kcpu.New(0)
	return New(cpu, 4, 4, 4)
}

// TestRunloopOrdering checks that a bottom half enqueued before a
// thread is made runnable is observed first.
func TestRunloopOrdering(t *testing.T) {
	l := newTestLoop()
	var order []string

	l.EnqueueBottomHalf(func() { order = append(order, "bh") })
	l.EnqueueThread(ThreadJob{
		Context: kcontext.NewThread(),
		Body:    func() { order = append(order, "thread") },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for len(order) < 2 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for both bottom half and thread to run, order=%v", order)
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if len(order) != 2 || order[0] != "bh" || order[1] != "thread" {
		t.Fatalf("order = %v, want [bh thread]", order)
	}

	cancel()
	<-done
}

func TestAsync1RunsBeforeThread(t *testing.T) {
	l := newTestLoop()
	var order []string

	l.EnqueueAsync1(func(arg uint64) { order = append(order, "async1") }, 0)
	l.EnqueueThread(ThreadJob{
		Context: kcontext.NewThread(),
		Body:    func() { order = append(order, "thread") },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for len(order) < 2 {
		select {
		case <-deadline:
			t.Fatalf("timed out, order=%v", order)
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if order[0] != "async1" || order[1] != "thread" {
		t.Fatalf("order = %v, want [async1 thread]", order)
	}
	cancel()
	<-done
}

func TestOnlyOneThreadDispatchedPerPass(t *testing.T) {
	l := newTestLoop()
	ran := make(chan int, 2)
	job := func(n int) ThreadJob {
		return ThreadJob{Context: kcontext.NewThread(), Body: func() { ran <- n }}
	}
	l.EnqueueThread(job(1))
	l.EnqueueThread(job(2))

	// Drain manually, one pass at a time, without starting Run's loop.
	// Run normally owns the home context; take it here so the switch
	// fabric has something to release.
	l.cpu.Home.Acquire(int32(l.cpu.ID))
	if !l.dispatchOneThread(context.Background()) {
		t.Fatalf("expected a thread to dispatch")
	}
	select {
	case n := <-ran:
		if n != 1 {
			t.Fatalf("expected thread 1 first, got %d", n)
		}
	default:
		t.Fatalf("expected first thread to have run synchronously")
	}
	select {
	case n := <-ran:
		t.Fatalf("second thread should not have run yet, got %d", n)
	default:
	}
	if !l.dispatchOneThread(context.Background()) {
		t.Fatalf("expected second thread to dispatch")
	}
	if n := <-ran; n != 2 {
		t.Fatalf("expected thread 2 second, got %d", n)
	}
}

func TestManagerStartAllShutdown(t *testing.T) {
	l1 := newTestLoop()
	cpu2 := kcpu.New(1)
	l2 := New(cpu2, 4, 4, 4)

	m := NewManager([]*Loop{l1, l2})
	m.StartAll(context.Background())

	done := make(chan error, 1)
	go func() { done <- m.Shutdown() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Shutdown returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Shutdown did not return in time")
	}

	if l1.cpu.State() != kcpu.NotPresent {
		t.Fatalf("loop 1 cpu state = %v, want NotPresent", l1.cpu.State())
	}
	if l2.cpu.State() != kcpu.NotPresent {
		t.Fatalf("loop 2 cpu state = %v, want NotPresent", l2.cpu.State())
	}
}

func TestWaitForInterruptWakesOnEnqueue(t *testing.T) {
	l := newTestLoop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	// Give the loop a moment to reach the idle park.
	time.Sleep(10 * time.Millisecond)

	ran := make(chan struct{})
	l.EnqueueBottomHalf(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatalf("bottom half enqueued while idle never ran")
	}
	cancel()
	<-done
}
