package timerqueue

import (
	"testing"
)

func newTestQueue(t *testing.T) (*Queue, *[]func()) {
	t.Helper()
	var scheduled []func()
	q := New(func(svc func()) {
		scheduled = append(scheduled, svc)
	})
	return q, &scheduled
}

func TestFireOrderAndFIFOTieBreak(t *testing.T) {
	q, scheduled := newTestQueue(t)
	var fired []string

	mk := func(name string, expiry int64) *Timer {
		return &Timer{Expiry: expiry, Handler: func(int64) { fired = append(fired, name) }}
	}

	q.Register(mk("b", 100))
	q.Register(mk("a", 100)) // same expiry, registered second -> fires after "b"
	q.Register(mk("c", 50))

	if len(*scheduled) != 1 {
		t.Fatalf("expected exactly one service scheduled, got %d", len(*scheduled))
	}
	q.Service(1000)

	want := []string{"c", "b", "a"}
	if len(fired) != len(want) {
		t.Fatalf("fired = %v, want %v", fired, want)
	}
	for i := range want {
		if fired[i] != want[i] {
			t.Fatalf("fired = %v, want %v", fired, want)
		}
	}
}

func TestOnlyOneServiceScheduledAtATime(t *testing.T) {
	q, scheduled := newTestQueue(t)
	q.Register(&Timer{Expiry: 10})
	q.Register(&Timer{Expiry: 20})
	q.Register(&Timer{Expiry: 30})
	if len(*scheduled) != 1 {
		t.Fatalf("expected 1 scheduled service across 3 registrations, got %d", len(*scheduled))
	}
}

func TestServiceClearsGateAllowingReschedule(t *testing.T) {
	q, scheduled := newTestQueue(t)
	q.Register(&Timer{Expiry: 10})
	q.Service(100)
	if q.ServiceScheduled() {
		t.Fatalf("serviceScheduled should be cleared after Service returns")
	}
	q.Register(&Timer{Expiry: 200})
	if len(*scheduled) != 2 {
		t.Fatalf("expected a fresh service scheduled after the gate cleared, got %d calls", len(*scheduled))
	}
}

func TestPeriodicTimerNoDrift(t *testing.T) {
	q, _ := newTestQueue(t)
	var expiries []int64
	period := int64(100)
	timer := &Timer{Expiry: 100, Period: period}
	timer.Handler = func(int64) { expiries = append(expiries, timer.Expiry) }
	q.Register(timer)

	// Service repeatedly well past each expiry; each re-arm must be
	// exactly period past the *previous* expiry, not past "now".
	for i := 0; i < 5; i++ {
		q.Service(timer.Expiry + 1000) // huge slack, would reveal drift-from-now bugs
	}

	for i, e := range expiries {
		want := int64(100) + int64(i)*period
		if e != want {
			t.Fatalf("expiry[%d] = %d, want %d (no-drift rule)", i, e, want)
		}
	}
}

func TestCancelRemovesTimer(t *testing.T) {
	q, _ := newTestQueue(t)
	fired := false
	timer := &Timer{Expiry: 10, Handler: func(int64) { fired = true }}
	q.Register(timer)
	q.Cancel(timer)
	q.Service(1000)
	if fired {
		t.Fatalf("cancelled timer should not fire")
	}
}

func TestExpiryInFutureNotFired(t *testing.T) {
	q, _ := newTestQueue(t)
	fired := false
	q.Register(&Timer{Expiry: 500, Handler: func(int64) { fired = true }})
	q.Service(100)
	if fired {
		t.Fatalf("timer with future expiry should not fire")
	}
	if q.Len() != 1 {
		t.Fatalf("timer should remain pending, Len()=%d", q.Len())
	}
}
