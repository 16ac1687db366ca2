// Package vmobj implements VM objects. A VM object owns a cache
// object's worth of resident pages and, for a private copy-on-write
// object, a reference to the shadow object its misses fall through to.
package vmobj

import (
	"sync"

	"github.com/glguida/machina/cacheobj"
	"github.com/glguida/machina/defs"
	"github.com/glguida/machina/hal"
	"github.com/glguida/machina/imap"
	"github.com/glguida/machina/mem"
	"github.com/glguida/machina/ref"
)

// Object is one VM object. The shadow chain runs through shadow, which
// is a reference: releasing an Object drops one reference on its
// shadow. copy, the reverse link used only for debugging/diagnostics,
// is a bare pointer so the chain can never form a reference cycle.
//
// mu is a pointer rather than an embedded mutex because every object in
// a shadow chain shares one lock record: a fault walking the chain in
// Fault locks it once at the top of the object doing the faulting and
// never needs to acquire it again for any shadow it visits.
type Object struct {
	ref.Count

	mu      *sync.Mutex
	cobj    *cacheobj.Object
	private bool

	shadow *Object
	copy   *Object

	mem *mem.Allocator
	hal hal.HAL
}

// New creates a fresh VM object of size bytes, backed by an empty cache
// object, with its own new lock record.
func New(h hal.HAL, m *mem.Allocator, private bool, size uint64) *Object {
	o := &Object{
		cobj:    cacheobj.New(h, size),
		private: private,
		mem:     m,
		hal:     h,
		mu:      &sync.Mutex{},
	}
	o.Count.Init(1)
	return o
}

func (o *Object) Cache() *cacheobj.Object { return o.cobj }
func (o *Object) Private() bool           { return o.private }
func (o *Object) Size() uint64            { return o.cobj.Size() }

// ShadowCopy creates a new, initially empty private object in front of
// o, taking a reference on o as its shadow. The new object joins o's
// existing lock record instead of starting one of its own, since it is
// now part of the same shadow chain and Fault relies on one lock
// covering the whole chain.
func (o *Object) ShadowCopy() *Object {
	s := New(o.hal, o.mem, true, o.cobj.Size())
	o.Inc()
	s.shadow = o
	s.mu = o.mu

	o.mu.Lock()
	o.copy = s
	o.mu.Unlock()
	return s
}

// Release drops one reference on o and, once it reaches zero, tears it
// down: every resident private frame is returned to the allocator,
// every resident read-only-shared frame has its reference dropped, and
// the shadow chain is walked to release the shadow's reference too.
func (o *Object) Release(cpu int) {
	if !o.Dec() {
		return
	}
	o.cobj.ForEach(func(pn uint64, e imap.IPTE) {
		if !e.Present || e.PFN == mem.ZeroPFN {
			return
		}
		o.mem.Refdown(e.PFN, cpu)
	})
	if o.shadow != nil {
		o.shadow.Release(cpu)
	}
}

// Fault resolves a page fault at byte offset off under requested
// protection reqprot, returning the frame that should be mapped.
//
// The resolution order, walked with the shadow chain's shared lock held
// for the duration of the whole walk, not re-acquired per link:
//  1. a hit in o's own cache answers directly, unless it's a
//     read-only-shared page being faulted for write, which falls to (2).
//  2. unshare: copy the shared frame into a fresh private one and make
//     it o's own.
//  3. walk the shadow chain; a hit there is either shared read-only
//     (read fault) or copied into o immediately (write fault).
//  4. a miss all the way down resolves to the permanent zero page for a
//     read, or a fresh private zero page for a write.
//
// The returned step count is the number of shadow objects walked past
// this one before the fault resolved (0 for a hit in o's own cache),
// reported by callers as a page-fault-cost metric.
func (o *Object) Fault(cpu int, off uint64, reqprot hal.Prot) (hal.PFN, int, defs.Err_t) {
	pn := off / defs.PageSize

	o.mu.Lock()
	defer o.mu.Unlock()

	if e := o.cobj.Lookup(pn); e.Present {
		if !e.ROShared || !reqprot.Allows(hal.ProtWrite) {
			return e.PFN, 0, defs.KERN_SUCCESS
		}
		pfn, err := o.unshareLocked(cpu, pn, e)
		return pfn, 0, err
	}

	steps := 0
	for sh := o.shadow; sh != nil; sh = sh.shadow {
		steps++
		// sh shares o's lock record (ShadowCopy joins every new shadow
		// to the chain's existing lock), already held above.
		e := sh.cobj.Lookup(pn)
		if !e.Present {
			continue
		}
		if reqprot.Allows(hal.ProtWrite) {
			pfn, err := o.copyFromLocked(cpu, pn, e)
			return pfn, steps, err
		}
		pfn, err := o.shareLocked(cpu, pn, e)
		return pfn, steps, err
	}

	if !reqprot.Allows(hal.ProtWrite) {
		o.cobj.Map(pn, imap.IPTE{Present: true, PFN: mem.ZeroPFN, ROShared: true, ProtMask: hal.ProtRead})
		o.mem.Refup(mem.ZeroPFN)
		return mem.ZeroPFN, steps, defs.KERN_SUCCESS
	}
	pfn, ok := o.mem.Alloc(cpu)
	if !ok {
		return 0, steps, defs.KERN_RESOURCE_SHORTAGE
	}
	o.mem.SetOwner(pfn, mem.ClassPrivate, mem.BackPointer{Owner: o.cobj, Offset: off})
	o.cobj.Map(pn, imap.IPTE{Present: true, PFN: pfn, ProtMask: hal.ProtAll})
	return pfn, steps, defs.KERN_SUCCESS
}

// unshareLocked breaks sharing on a frame this object already maps
// read-only, giving it a private copy with the same content.
func (o *Object) unshareLocked(cpu int, pn uint64, e imap.IPTE) (hal.PFN, defs.Err_t) {
	newpfn, ok := o.mem.AllocNoZero(cpu)
	if !ok {
		return 0, defs.KERN_RESOURCE_SHORTAGE
	}
	copy(o.mem.Dmap(newpfn), o.mem.Dmap(e.PFN))
	o.mem.Refdown(e.PFN, cpu)
	o.mem.SetOwner(newpfn, mem.ClassPrivate, mem.BackPointer{Owner: o.cobj, Offset: pn * defs.PageSize})
	o.cobj.Map(pn, imap.IPTE{Present: true, PFN: newpfn, ProtMask: e.ProtMask})
	return newpfn, defs.KERN_SUCCESS
}

// shareLocked installs a shadow hit into o as a new read-only owner of
// the same frame.
func (o *Object) shareLocked(cpu int, pn uint64, e imap.IPTE) (hal.PFN, defs.Err_t) {
	o.mem.Refup(e.PFN)
	o.mem.AddROOwner(e.PFN, mem.BackPointer{Owner: o.cobj, Offset: pn * defs.PageSize})
	o.cobj.Map(pn, imap.IPTE{Present: true, PFN: e.PFN, ROShared: true, ProtMask: e.ProtMask})
	return e.PFN, defs.KERN_SUCCESS
}

// copyFromLocked copies a shadow hit into a fresh private frame owned by
// o, used when the fault needs write access.
func (o *Object) copyFromLocked(cpu int, pn uint64, e imap.IPTE) (hal.PFN, defs.Err_t) {
	newpfn, ok := o.mem.AllocNoZero(cpu)
	if !ok {
		return 0, defs.KERN_RESOURCE_SHORTAGE
	}
	copy(o.mem.Dmap(newpfn), o.mem.Dmap(e.PFN))
	o.mem.SetOwner(newpfn, mem.ClassPrivate, mem.BackPointer{Owner: o.cobj, Offset: pn * defs.PageSize})
	o.cobj.Map(pn, imap.IPTE{Present: true, PFN: newpfn, ProtMask: e.ProtMask})
	return newpfn, defs.KERN_SUCCESS
}

// AddRegion records a new mapping of this object into an address space,
// forwarding to the cache object that actually tracks mapping state.
func (o *Object) AddRegion(m *cacheobj.Mapping) {
	o.cobj.AddMapping(m)
}

// DelRegion undoes AddRegion, unmapping and invalidating every hardware
// translation the region held.
func (o *Object) DelRegion(m *cacheobj.Mapping) {
	o.cobj.DelMapping(m)
}
