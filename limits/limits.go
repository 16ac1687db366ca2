// Package limits tracks system-wide resource limits so that admission
// control can fail a request with RESOURCE_SHORTAGE instead of letting an
// unbounded allocation run the kernel out of memory.
package limits

import (
	"sync/atomic"
	"unsafe"
)

// Lhits counts limit hits, for diagnostics.
var Lhits int64

// Sysatomic_t is a numeric limit that can be atomically taken from and
// given back to.
type Sysatomic_t int64

func (s *Sysatomic_t) _aptr() *int64 {
	return (*int64)(unsafe.Pointer(s))
}

// Given increases the limit by the provided amount.
func (s *Sysatomic_t) Given(n uint) {
	atomic.AddInt64(s._aptr(), int64(n))
}

// Taken tries to decrement the limit by the provided amount, returning
// true on success and leaving the limit unchanged on failure.
func (s *Sysatomic_t) Taken(n uint) bool {
	g := atomic.AddInt64(s._aptr(), -int64(n))
	if g >= 0 {
		return true
	}
	atomic.AddInt64(s._aptr(), int64(n))
	atomic.AddInt64(&Lhits, 1)
	return false
}

// Take decrements the limit by one and reports whether it succeeded.
func (s *Sysatomic_t) Take() bool { return s.Taken(1) }

// Give increments the limit by one.
func (s *Sysatomic_t) Give() { s.Given(1) }

// Load returns the current remaining count.
func (s *Sysatomic_t) Load() int64 { return atomic.LoadInt64((*int64)(s)) }

// Syslimit_t tracks the system-wide resource limits the admission
// control layer gates requests against.
type Syslimit_t struct {
	// Tasks is the number of task objects that may still be created.
	Tasks Sysatomic_t
	// Threads is the number of thread objects, across all tasks, that
	// may still be created.
	Threads Sysatomic_t
	// Ports is the number of port objects (queue + kernel) that may
	// still be created.
	Ports Sysatomic_t
	// NameEntries is the number of name-space entries, across all
	// tasks' port spaces, that may still be created.
	NameEntries Sysatomic_t
	// VMObjects is the number of VM objects that may still be created.
	VMObjects Sysatomic_t
	// VMRegions is the number of VM map regions that may still be
	// created.
	VMRegions Sysatomic_t
}

// Syslimit holds the configured system-wide limits for this kernel
// instance.
var Syslimit = MkSysLimit()

// MkSysLimit returns the default set of limits.
func MkSysLimit() *Syslimit_t {
	return &Syslimit_t{
		Tasks:       1 << 14,
		Threads:     1 << 16,
		Ports:       1 << 18,
		NameEntries: 1 << 20,
		VMObjects:   1 << 18,
		VMRegions:   1 << 20,
	}
}
