// Package ref implements the shared reference-counting primitive every
// kernel object embeds: ports, VM objects, tasks and threads all start
// life with one reference and call Dec when a holder goes away. It is
// "poor man's ARC" in the same sense as the C REF_DUP/REF_DESTROY macros
// it is modeled on: a bare atomic counter with an assertion that it never
// goes negative and never climbs up from zero.
package ref

import "sync/atomic"

// Count is an embeddable atomic reference count. The zero value is not
// usable; call Init before the first Inc/Dec.
type Count struct {
	n int64
}

// Init sets the initial reference count. Objects are normally created
// with exactly one outstanding reference.
func (c *Count) Init(n int64) {
	atomic.StoreInt64(&c.n, n)
}

// Inc adds one reference. Panics if the count was already zero: a zeroed
// object has no business being duplicated, since the only path to zero
// also triggers the owner's cleanup.
func (c *Count) Inc() {
	if atomic.AddInt64(&c.n, 1) <= 1 {
		panic("ref: Inc from zero")
	}
}

// Dec removes one reference and reports whether it was the last one.
// The caller is responsible for running the zero-ref cleanup exactly
// once when Dec returns true.
func (c *Count) Dec() bool {
	n := atomic.AddInt64(&c.n, -1)
	if n < 0 {
		panic("ref: negative refcount")
	}
	return n == 0
}

// Load returns the current count, for diagnostics only; it is stale the
// instant it is read under concurrent use.
func (c *Count) Load() int64 {
	return atomic.LoadInt64(&c.n)
}
