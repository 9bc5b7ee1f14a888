// Package kstats implements the fault-counting side channel: two
// monotonic, fetch-and-add counters observed by the management layer but
// not otherwise consumed by the core.
//
// Grounded on original_source/src/kernel/kernel.h's
// count_minor_fault/count_major_fault and struct mm_stats.
package kstats

import "sync/atomic"

// Counters is a process-wide accounting record. The zero value is
// ready to use.
type Counters struct {
	minorFaults atomic.Uint64
	majorFaults atomic.Uint64
}

// CountMinorFault fetch-and-adds the minor fault counter by one.
func (c *Counters) CountMinorFault() { c.minorFaults.Add(1) }

// CountMajorFault fetch-and-adds the major fault counter by one.
func (c *Counters) CountMajorFault() { c.majorFaults.Add(1) }

// MinorFaults returns the current minor fault count. Monotonic
// non-decreasing for the lifetime of the process.
func (c *Counters) MinorFaults() uint64 { return c.minorFaults.Load() }

// MajorFaults returns the current major fault count.
func (c *Counters) MajorFaults() uint64 { return c.majorFaults.Load() }
