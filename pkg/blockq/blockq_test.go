package blockq

import (
	"context"
	"testing"
	"time"

	"github.com/charudatta10/nanos/pkg/kerr"
)

// syncScheduler runs the deferred thunk immediately on a fresh
// goroutine, standing in for a runloop's async-1 queue in tests that
// don't need to observe ordering against other async-1 work.
func syncScheduler(fn func(arg uint64), arg uint64) bool {
	go fn(arg)
	return true
}

func TestCheckCompletesInlineWhenConditionSatisfied(t *testing.T) {
	bq := New("test", 0, nil)
	action := func(flags Flags) (Result, bool) {
		return Result{Value: 42}, false
	}
	res := bq.Check(context.Background(), action)
	if res.Value != 42 || res.Err != nil {
		t.Fatalf("res = %+v, want {42 nil}", res)
	}
	if bq.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 (action should not have been enqueued)", bq.Len())
	}
}

// TestBlockThenWakeOne checks the basic block/wake path: an action that
// blocked completes with its result once WakeOne re-invokes it.
func TestBlockThenWakeOne(t *testing.T) {
	bq := New("test", 0, syncScheduler)
	satisfied := make(chan struct{})
	action := func(flags Flags) (Result, bool) {
		select {
		case <-satisfied:
			return Result{Value: 7}, false
		default:
			return Result{}, BlockRequired(flags)
		}
	}

	resultCh := make(chan Result, 1)
	go func() { resultCh <- bq.Check(context.Background(), action) }()

	// Give Check time to enqueue and block.
	deadline := time.After(2 * time.Second)
	for bq.Len() == 0 {
		select {
		case <-deadline:
			t.Fatalf("action never reached pending state")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	close(satisfied)
	if !bq.WakeOne() {
		t.Fatalf("WakeOne found nothing pending")
	}

	select {
	case res := <-resultCh:
		if res.Value != 7 || res.Err != nil {
			t.Fatalf("res = %+v, want {7 nil}", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Check never returned after WakeOne")
	}
}

func TestReblockOnWakeOneIsRequeued(t *testing.T) {
	bq := New("test", 0, syncScheduler)
	attempts := 0
	done := make(chan struct{})
	action := func(flags Flags) (Result, bool) {
		attempts++
		if attempts < 3 {
			return Result{}, BlockRequired(flags)
		}
		close(done)
		return Result{Value: int64(attempts)}, false
	}

	resultCh := make(chan Result, 1)
	go func() { resultCh <- bq.Check(context.Background(), action) }()

	for i := 0; i < 2; i++ {
		deadline := time.After(2 * time.Second)
		for bq.Len() == 0 {
			select {
			case <-deadline:
				t.Fatalf("action never reached pending state on attempt %d", i)
			default:
				time.Sleep(time.Millisecond)
			}
		}
		bq.WakeOne()
		<-time.After(10 * time.Millisecond)
	}

	select {
	case res := <-resultCh:
		if res.Value != 3 {
			t.Fatalf("res.Value = %d, want 3", res.Value)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("action never completed after repeated wakes")
	}
}

// TestFlushCancelsWaiters checks that two blocked actions, once flushed,
// both complete with -ERESTARTSYS and the pending set empties.
func TestFlushCancelsWaiters(t *testing.T) {
	bq := New("test", 0, syncScheduler)
	alwaysBlock := func(flags Flags) (Result, bool) {
		if flags&FlagNullify != 0 {
			return Result{Err: kerr.ERESTARTSYS}, false
		}
		return Result{}, BlockRequired(flags)
	}

	r1 := make(chan Result, 1)
	r2 := make(chan Result, 1)
	go func() { r1 <- bq.Check(context.Background(), alwaysBlock) }()
	go func() { r2 <- bq.Check(context.Background(), alwaysBlock) }()

	deadline := time.After(2 * time.Second)
	for bq.Len() < 2 {
		select {
		case <-deadline:
			t.Fatalf("both actions never reached pending state, Len()=%d", bq.Len())
		default:
			time.Sleep(time.Millisecond)
		}
	}

	bq.Flush()

	for i, ch := range []chan Result{r1, r2} {
		select {
		case res := <-ch:
			if !kerr.Is(res.Err, kerr.ERESTARTSYS) {
				t.Fatalf("action %d err = %v, want ERESTARTSYS", i, res.Err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("action %d never completed after Flush", i)
		}
	}

	if bq.Len() != 0 {
		t.Fatalf("Len() = %d after Flush, want 0", bq.Len())
	}
}

func TestContextCancellationCompletesWithRestartSys(t *testing.T) {
	bq := New("test", 0, syncScheduler)
	action := func(flags Flags) (Result, bool) {
		return Result{}, BlockRequired(flags)
	}
	ctx, cancel := context.WithCancel(context.Background())

	resultCh := make(chan Result, 1)
	go func() { resultCh <- bq.Check(ctx, action) }()

	deadline := time.After(2 * time.Second)
	for bq.Len() == 0 {
		select {
		case <-deadline:
			t.Fatalf("action never reached pending state")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	cancel()
	select {
	case res := <-resultCh:
		if !kerr.Is(res.Err, kerr.ERESTARTSYS) {
			t.Fatalf("err = %v, want ERESTARTSYS", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Check never returned after ctx cancellation")
	}
}

func TestContextDeadlineCompletesWithTimedOut(t *testing.T) {
	bq := New("test", 0, syncScheduler)
	action := func(flags Flags) (Result, bool) {
		return Result{}, BlockRequired(flags)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res := bq.Check(ctx, action)
	if !kerr.Is(res.Err, kerr.ETIMEDOUT) {
		t.Fatalf("err = %v, want ETIMEDOUT", res.Err)
	}
}

func TestBlockRequiredFalseOnBottomHalf(t *testing.T) {
	if BlockRequired(FlagBottomHalf) {
		t.Fatalf("BlockRequired(FlagBottomHalf) = true, want false")
	}
	if !BlockRequired(0) {
		t.Fatalf("BlockRequired(0) = false, want true")
	}
}

func TestWakeOneOnEmptyQueueReturnsFalse(t *testing.T) {
	bq := New("test", 0, syncScheduler)
	if bq.WakeOne() {
		t.Fatalf("WakeOne on empty queue = true, want false")
	}
}
