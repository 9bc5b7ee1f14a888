// Package kerr defines the errno-shaped sentinel errors that cross the
// boundary between the execution core and its callers. The core itself
// never returns wrapped or formatted errors on these paths: callers (in
// particular blockq actions) match against these sentinels directly, the
// same way the teacher's linuxerr package works.
package kerr

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Error is a Linux errno-shaped error: a small set of sentinel values,
// comparable with ==, never wrapped.
type Error struct {
	errno int
	msg   string
}

func (e *Error) Error() string { return e.msg }

// Errno returns the negative errno value Linux syscalls would return,
// e.g. -EAGAIN or -EPIPE.
func (e *Error) Errno() int { return -e.errno }

func newErrno(errno int, msg string) *Error {
	return &Error{errno: errno, msg: msg}
}

// Sentinel errors surfaced by the core. Values come from
// golang.org/x/sys/unix so they match real Linux errno numbers.
var (
	// EAGAIN: operation would block and the caller asked not to.
	EAGAIN = newErrno(int(unix.EAGAIN), "resource temporarily unavailable")
	// EPIPE: write to a pipe whose read end is closed.
	EPIPE = newErrno(int(unix.EPIPE), "broken pipe")
	// EBUSY: pipe capacity reduction below buffered length.
	EBUSY = newErrno(int(unix.EBUSY), "device or resource busy")
	// ERESTARTSYS: a blocked action was cancelled via blockq NULLIFY.
	// golang.org/x/sys/unix has no ERESTARTSYS (a kernel-internal code),
	// so this sentinel carries ERESTART's number.
	ERESTARTSYS = newErrno(int(unix.ERESTART), "interrupted system call should be restarted")
	// EINVAL: malformed argument (e.g. unsupported pipe2 flags).
	EINVAL = newErrno(int(unix.EINVAL), "invalid argument")
	// ENOMEM: allocation failure at a site that cannot unwind further.
	ENOMEM = newErrno(int(unix.ENOMEM), "cannot allocate memory")
	// ETIMEDOUT: a blockq action's caller-supplied deadline elapsed
	// before the condition was satisfied.
	ETIMEDOUT = newErrno(int(unix.ETIMEDOUT), "connection timed out")
)

// Is reports whether err is (or wraps) the given sentinel, using
// standard library semantics so callers can use errors.Is uniformly.
func Is(err error, sentinel *Error) bool {
	return errors.Is(err, sentinel)
}
