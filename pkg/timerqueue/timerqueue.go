// Package timerqueue implements the ordered timer set: timers keyed by
// expiry, one-shot or periodic, with a single in-flight service
// bottom-half enforced by a CAS gate, and FIFO ordering within an expiry
// bucket.
//
// Grounded on original_source/src/kernel/kernel.h's
// schedule_timer_service (the service_scheduled compare-and-swap) and
// klib/radar.c's retry-timer re-registration (periodic expiry computed
// from the previous expiry, never from "now", so consecutive fires
// don't drift).
package timerqueue

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"
)

// ClockID distinguishes the clock source a timer is registered against.
type ClockID int

const (
	ClockMonotonic ClockID = iota
	ClockRealtime
)

// Handler is invoked when a timer fires.
type Handler func(now int64)

// Timer is a caller-allocated, possibly-periodic timer. Timers are not
// pool-allocated: the caller owns the allocation and the same Timer is
// re-inserted on each period.
type Timer struct {
	Clock   ClockID
	Expiry  int64 // nanoseconds, in the units of Clock
	Period  int64 // 0 for one-shot
	Handler Handler

	seq uint64 // insertion sequence, breaks expiry ties FIFO
}

// item is the btree.Item wrapping a *Timer with its ordering key.
type item struct {
	t *Timer
}

func (a item) Less(than btree.Item) bool {
	b := than.(item)
	if a.t.Expiry != b.t.Expiry {
		return a.t.Expiry < b.t.Expiry
	}
	return a.t.seq < b.t.seq
}

// Queue is an ordered set of timers. The zero value is not usable;
// construct with New.
type Queue struct {
	mu      sync.Mutex
	tree    *btree.BTree
	nextSeq uint64

	serviceScheduled atomic.Bool

	// scheduleService is called exactly once per CAS-won transition of
	// serviceScheduled from false to true; it is expected to enqueue
	// the queue's service bottom half (see Service) onto the owning
	// CPU's bottom-half queue, mirroring
	// enqueue(bhqueue, kernel_timers->service).
	scheduleService func(svc func())
}

// New constructs an empty timer queue. scheduleService is called to hand
// the service thunk to a bottom-half queue whenever Register finds no
// service already scheduled.
func New(scheduleService func(svc func())) *Queue {
	return &Queue{
		tree:            btree.New(32),
		scheduleService: scheduleService,
	}
}

// Register inserts t into the queue and, if no service is already
// scheduled, schedules one. Mirrors register_timer + the
// compare_and_swap_boolean gate in schedule_timer_service.
func (q *Queue) Register(t *Timer) {
	q.mu.Lock()
	q.nextSeq++
	t.seq = q.nextSeq
	q.tree.ReplaceOrInsert(item{t})
	q.mu.Unlock()

	if q.serviceScheduled.CompareAndSwap(false, true) {
		q.scheduleService(func() { q.Service(nowFunc()) })
	}
}

// Cancel removes t from the queue if present.
func (q *Queue) Cancel(t *Timer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tree.Delete(item{t})
}

// nowFunc is overridable in tests; defaults to the host wall clock.
var nowFunc = func() int64 { return timeNowNanos() }

// Service pops every timer whose expiry is <= now, invokes its handler,
// and re-registers periodic ones with a fresh expiry computed from the
// timer's *previous* expiry (so consecutive fires don't drift), all in
// FIFO-within-bucket order. It clears
// serviceScheduled as it returns, so a timer registered after Service
// returns triggers a fresh schedule; one registered while Service is
// running (including a periodic re-arm) does not schedule a new service.
func (q *Queue) Service(now int64) {
	defer q.serviceScheduled.Store(false)

	var fired []*Timer
	q.mu.Lock()
	for {
		minItem := q.tree.Min()
		if minItem == nil {
			break
		}
		t := minItem.(item).t
		if t.Expiry > now {
			break
		}
		q.tree.Delete(minItem)
		fired = append(fired, t)
	}
	q.mu.Unlock()

	for _, t := range fired {
		if t.Handler != nil {
			t.Handler(now)
		}
		if t.Period > 0 {
			t.Expiry += t.Period
			q.Register(t)
		}
	}
}

// Len returns the number of timers currently pending.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tree.Len()
}

// ServiceScheduled reports whether a service bottom half is currently in
// flight for this queue (test/diagnostic accessor).
func (q *Queue) ServiceScheduled() bool { return q.serviceScheduled.Load() }
