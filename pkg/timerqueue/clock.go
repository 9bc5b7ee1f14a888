package timerqueue

import "time"

// timeNowNanos is the default wall-clock source for Register's
// auto-service path. kern_now in the teacher reads a kernel-maintained
// clock rather than the host clock; this core has no hypervisor clock
// device, so it uses the host wall clock (Unix nanoseconds) and leaves
// hooking up a guest clock device to the (out-of-scope) platform layer.
func timeNowNanos() int64 {
	return time.Now().UnixNano()
}
