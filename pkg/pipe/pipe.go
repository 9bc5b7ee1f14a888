// Package pipe implements the exemplar blockq/event-notification/
// refcounting consumer: two endpoints sharing a lock-protected byte
// buffer, blocking read/write built on package blockq, EPOLL-style
// edge notification, a capacity clamp, and refcounted close.
//
// Grounded almost line for line on original_source/src/unix/pipe.c's
// pipe_read_bh/pipe_write_bh/pipe_close/pipe_set_capacity.
package pipe

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/charudatta10/nanos/pkg/blockq"
	"github.com/charudatta10/nanos/pkg/kerr"
)

// Events is the EPOLL-style bitmask delivered to an endpoint's event
// sink, sourced from golang.org/x/sys/unix so the values match real
// Linux poll bits rather than being invented.
type Events uint32

const (
	EPOLLIN  = Events(unix.EPOLLIN)
	EPOLLOUT = Events(unix.EPOLLOUT)
	EPOLLHUP = Events(unix.EPOLLHUP)
)

// EventSink receives a push notification from the operation that
// changed an endpoint's readiness, or on peer close; it is never polled.
// The read sink gets EPOLLIN on every successful write (not only when
// the buffer was empty before it); the write sink gets EPOLLOUT when a
// read drains the buffer to zero; each sink gets EPOLLHUP when the peer
// closes.
type EventSink func(events Events)

// MinCapacity is the minimum pipe buffer capacity, one page — pipe.c's
// PIPE_MIN_CAPACITY clamp.
const MinCapacity = 4096

// DefaultCapacity is the capacity a freshly opened pipe starts with.
const DefaultCapacity = MinCapacity

// core is the shared record behind both endpoints: the lock-protected
// byte buffer, max-size cap, refcount, and each side's blockq and event
// sink.
type core struct {
	mu sync.Mutex

	buf     []byte
	maxSize int

	refcount  int
	readOpen  bool
	writeOpen bool

	readBQ  *blockq.Queue
	writeBQ *blockq.Queue

	readSink  EventSink
	writeSink EventSink

	log *logrus.Entry
}

// ReadEnd is the read-side pipe_file endpoint.
type ReadEnd struct{ c *core }

// WriteEnd is the write-side pipe_file endpoint.
type WriteEnd struct{ c *core }

// Open allocates a new pipe with both endpoints open and refcount 2,
// one per open endpoint.
// scheduleAsync1 is forwarded to both endpoints' blockqs (see
// blockq.AsyncScheduler); nil is acceptable for tests that never
// exercise bottom-half re-dispatch.
func Open(scheduleAsync1 blockq.AsyncScheduler) (*ReadEnd, *WriteEnd) {
	c := &core{
		maxSize:   DefaultCapacity,
		refcount:  2,
		readOpen:  true,
		writeOpen: true,
		log:       logrus.WithField("component", "pipe"),
	}
	c.readBQ = blockq.New("pipe-read", 0, scheduleAsync1)
	c.writeBQ = blockq.New("pipe-write", 0, scheduleAsync1)
	return &ReadEnd{c: c}, &WriteEnd{c: c}
}

// SetEventSink installs (or clears, with nil) r's push notification
// callback.
func (r *ReadEnd) SetEventSink(sink EventSink) { r.c.mu.Lock(); r.c.readSink = sink; r.c.mu.Unlock() }

// SetEventSink installs (or clears, with nil) w's push notification
// callback.
func (w *WriteEnd) SetEventSink(sink EventSink) {
	w.c.mu.Lock()
	w.c.writeSink = sink
	w.c.mu.Unlock()
}

// PollEvents reports the read endpoint's current readiness: EPOLLIN if
// data is buffered or the writer has closed (so a subsequent read would
// return EOF without blocking); EPOLLHUP once the writer has closed and
// the buffer has fully drained.
func (r *ReadEnd) PollEvents() Events {
	c := r.c
	c.mu.Lock()
	defer c.mu.Unlock()
	var ev Events
	if len(c.buf) > 0 || !c.writeOpen {
		ev |= EPOLLIN
	}
	if !c.writeOpen && len(c.buf) == 0 {
		ev |= EPOLLHUP
	}
	return ev
}

// PollEvents reports the write endpoint's current readiness: EPOLLOUT
// if there is room to write or the reader has closed (so a subsequent
// write would fail immediately rather than block); EPOLLHUP once the
// reader has closed.
func (w *WriteEnd) PollEvents() Events {
	c := w.c
	c.mu.Lock()
	defer c.mu.Unlock()
	var ev Events
	if len(c.buf) < c.maxSize || !c.readOpen {
		ev |= EPOLLOUT
	}
	if !c.readOpen {
		ev |= EPOLLHUP
	}
	return ev
}

// Read copies min(len(dst), buffered) bytes into dst and consumes them.
// If nothing is buffered and the write end is still open, Read blocks
// (suspending on the read blockq) unless nonBlocking is set or flags
// forbid blocking (bottom-half context), in which case it returns
// -EAGAIN; with the write end closed it returns (0, nil) — EOF. ctx, if
// it carries a deadline or is cancelled while blocked, completes the
// read with -ETIMEDOUT / -ERESTARTSYS (see blockq.Queue.Check).
func (r *ReadEnd) Read(ctx context.Context, dst []byte, nonBlocking bool) (int64, error) {
	c := r.c
	action := func(flags blockq.Flags) (blockq.Result, bool) {
		if flags&blockq.FlagNullify != 0 {
			return blockq.Result{Err: kerr.ERESTARTSYS}, false
		}

		c.mu.Lock()
		n := copy(dst, c.buf)
		if n > 0 {
			c.buf = c.buf[n:]
			drained := len(c.buf) == 0
			if drained {
				c.buf = nil
			}
			c.mu.Unlock()
			if drained {
				// pipe.c: clearing the buffer to permit re-allocation at a
				// smaller size, then notifying the write endpoint.
				c.writeBQ.WakeOne()
				if c.writeSink != nil {
					c.writeSink(EPOLLOUT)
				}
			}
			return blockq.Result{Value: int64(n)}, false
		}

		writeOpen := c.writeOpen
		c.mu.Unlock()
		if !writeOpen {
			return blockq.Result{Value: 0}, false // EOF
		}
		if nonBlocking || !blockq.BlockRequired(flags) {
			return blockq.Result{Err: kerr.EAGAIN}, false
		}
		return blockq.Result{}, true
	}

	res := c.readBQ.Check(ctx, action)
	return res.Value, res.Err
}

// Write appends up to (maxSize - buffered) bytes of src to the pipe's
// buffer, then notifies the read endpoint with EPOLLIN. If the read end
// is closed, Write fails with -EPIPE. If there is no room and the call
// is non-blocking (or on a bottom-half stack), it fails with -EAGAIN;
// otherwise it blocks on the write blockq.
func (w *WriteEnd) Write(ctx context.Context, src []byte, nonBlocking bool) (int64, error) {
	c := w.c
	action := func(flags blockq.Flags) (blockq.Result, bool) {
		if flags&blockq.FlagNullify != 0 {
			return blockq.Result{Err: kerr.ERESTARTSYS}, false
		}

		c.mu.Lock()
		if !c.readOpen {
			c.mu.Unlock()
			return blockq.Result{Err: kerr.EPIPE}, false
		}
		avail := c.maxSize - len(c.buf)
		if avail <= 0 {
			c.mu.Unlock()
			if nonBlocking || !blockq.BlockRequired(flags) {
				return blockq.Result{Err: kerr.EAGAIN}, false
			}
			return blockq.Result{}, true
		}

		n := min(avail, len(src))
		c.buf = append(c.buf, src[:n]...)
		c.mu.Unlock()

		c.readBQ.WakeOne()
		if c.readSink != nil {
			c.readSink(EPOLLIN)
		}
		return blockq.Result{Value: int64(n)}, false
	}

	res := c.writeBQ.Check(ctx, action)
	return res.Value, res.Err
}

// SetCapacity clamps requested to at least MinCapacity and installs it
// as the pipe's new maximum buffer size, unless the buffer currently
// holds more bytes than that, in which case it fails with -EBUSY and
// leaves the capacity unchanged. Returns the capacity now in effect.
func (r *ReadEnd) SetCapacity(requested int) (int, error) { return r.c.setCapacity(requested) }

// SetCapacity is the write-end equivalent of ReadEnd.SetCapacity (both
// endpoints share the same underlying core).
func (w *WriteEnd) SetCapacity(requested int) (int, error) { return w.c.setCapacity(requested) }

func (c *core) setCapacity(requested int) (int, error) {
	if requested < MinCapacity {
		requested = MinCapacity
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buf) > requested {
		return c.maxSize, kerr.EBUSY
	}
	c.maxSize = requested
	return c.maxSize, nil
}

// GetCapacity returns the pipe's current maximum buffer size.
func (r *ReadEnd) GetCapacity() int { return r.c.getCapacity() }

// GetCapacity returns the pipe's current maximum buffer size.
func (w *WriteEnd) GetCapacity() int { return w.c.getCapacity() }

func (c *core) getCapacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxSize
}

// Close closes the read endpoint: decrements the refcount, notifies the
// write endpoint with EPOLLHUP, and wakes every action blocked on the
// write blockq so each re-checks its condition and completes with
// -EPIPE. Idempotent: closing an already-closed end is a no-op.
func (r *ReadEnd) Close() error {
	c := r.c
	c.mu.Lock()
	if !c.readOpen {
		c.mu.Unlock()
		return nil
	}
	c.readOpen = false
	c.refcount--
	freed := c.refcount == 0
	if freed {
		c.buf = nil
	}
	c.mu.Unlock()

	if c.writeSink != nil {
		c.writeSink(EPOLLHUP)
	}
	c.writeBQ.WakeAll()
	if freed {
		c.log.Debug("pipe freed on read close")
	}
	return nil
}

// Close closes the write endpoint: decrements the refcount, notifies
// the read endpoint with EPOLLHUP, and wakes every action blocked on
// the read blockq so each re-checks its condition and completes with
// EOF (0, nil). Idempotent.
func (w *WriteEnd) Close() error {
	c := w.c
	c.mu.Lock()
	if !c.writeOpen {
		c.mu.Unlock()
		return nil
	}
	c.writeOpen = false
	c.refcount--
	freed := c.refcount == 0
	if freed {
		c.buf = nil
	}
	c.mu.Unlock()

	if c.readSink != nil {
		c.readSink(EPOLLHUP)
	}
	c.readBQ.WakeAll()
	if freed {
		c.log.Debug("pipe freed on write close")
	}
	return nil
}
