// Package mem implements the physical page database and frame
// allocator: one PhysPage record per logical frame, a two-tier free/
// reserved list, and small per-CPU free-list caches that batch-refill
// from the global lists, so most allocations pop a frame from the local
// cache instead of walking the global lists.
// Frame content lives in an ordinary Go byte arena rather than real
// page tables, and CPU identity is an explicit parameter, so the whole
// package builds and tests under the stock toolchain.
package mem

import (
	"sync"

	"github.com/glguida/machina/defs"
	"github.com/glguida/machina/hal"
)

// PageType is the coarse lifecycle state of a physical frame. The
// ordering is significant during bootstrap: initType lets a
// higher-numbered type overwrite a lower-numbered one while the
// platform memory map is being walked, then transitions freeze into the
// fixed state machine Refup/Refdown implement at runtime.
type PageType uint8

const (
	TypeUnknown PageType = iota
	TypeReserved
	TypeFree
	TypeStandby
	TypeModified
	TypeWorking
	TypeSystem
	TypeNonRAM
)

func (t PageType) String() string {
	switch t {
	case TypeUnknown:
		return "unknown"
	case TypeReserved:
		return "reserved"
	case TypeFree:
		return "free"
	case TypeStandby:
		return "standby"
	case TypeModified:
		return "modified"
	case TypeWorking:
		return "working"
	case TypeSystem:
		return "system"
	case TypeNonRAM:
		return "nonram"
	default:
		return "invalid"
	}
}

// PageClass records how a Working page is shared, if at all.
type PageClass uint8

const (
	ClassNone PageClass = iota
	ClassZeroShared
	ClassROShared
	ClassPrivate
)

// BackPointer names whoever has a cache-object mapping pointing at a
// physical page. Owner is kept as an opaque interface{} (normally a
// *cacheobj.Object) so this package never has to import cacheobj, which
// itself imports mem to allocate pages.
type BackPointer struct {
	Owner  interface{}
	Offset uint64
}

// PhysPage is the per-frame record.
type PhysPage struct {
	Type     PageType
	Class    PageClass
	RefCount int32

	// Owner is the single back-pointer for a Private page.
	Owner BackPointer
	// Owners lists every back-pointer for a ROShared page.
	Owners []BackPointer

	nexti int32 // free-list link, -1 terminates
}

// PressureMsg is sent on Allocator.Pressure when the free list is
// drained into the reserved pool, giving a subscriber (an OOM-handling
// goroutine, say) a chance to free memory before allocation stalls.
type PressureMsg struct {
	Need   int
	Resume chan bool
}

// Allocator owns every physical frame in the system: its metadata, its
// byte content, and the free/reserved lists that hand frames out.
type Allocator struct {
	mu     sync.Mutex
	frames []PhysPage
	bytes  [][defs.PageSize]byte

	freeHead     int32
	freeLen      int
	reservedHead int32
	reservedLen  int
	reservedLow  int // target reserved-pool size; freed frames refill it first

	percpu []pcpuFree

	Pressure chan PressureMsg
}

type pcpuFree struct {
	mu   sync.Mutex
	head int32
	len  int
}

const percpuBatch = 16
const percpuMax = 64

// ZeroPFN is the reserved, permanently shared, always-zero frame every
// anonymous read fault resolves to before a write forces a private copy.
const ZeroPFN hal.PFN = 0

// MemoryRegion describes one range of the platform memory map handed to
// NewAllocatorFromMap: [Base, Base+Size) in bytes, page-aligned, with
// the PageType that range should carry once the whole map is applied.
type MemoryRegion struct {
	Base uint64
	Size uint64
	Type PageType
}

// NewAllocator creates an allocator over nframes logical frames, all
// initially free, numCPU per-CPU caches, and reserves reservedFrames of
// them in the low-water pool that Alloc only falls back to once the
// general free list is empty.
func NewAllocator(nframes, numCPU, reservedFrames int) *Allocator {
	if nframes < 1 {
		panic("mem: need at least one frame for the zero page")
	}
	region := MemoryRegion{Base: 0, Size: uint64(nframes) * uint64(defs.PageSize), Type: TypeFree}
	return NewAllocatorFromMap([]MemoryRegion{region}, numCPU, reservedFrames)
}

// NewAllocatorFromMap builds an allocator by walking a platform memory
// map, the way firmware hands the kernel a list of possibly-overlapping
// ranges (usable RAM, ACPI tables, MMIO holes) that must be reconciled
// into one type per frame. Overlapping regions are resolved by
// initType: whichever region names the higher-numbered PageType for a
// given frame wins, so a NonRAM or System range always overrides a
// Free range that happens to cover the same page. reservedFrames are
// then carved out of whatever frames end up Free, from the top of the
// map down, as the low-water pool; frames a region already marked
// Reserved are kept reserved outright. Frames left in any other state
// (System, NonRAM, Standby, Modified, Working, or never covered by any
// region) are never handed out by Alloc.
func NewAllocatorFromMap(regions []MemoryRegion, numCPU, reservedFrames int) *Allocator {
	nframes := 0
	for _, r := range regions {
		if end := int((r.Base + r.Size) / uint64(defs.PageSize)); end > nframes {
			nframes = end
		}
	}
	if nframes < 1 {
		panic("mem: memory map covers no frames")
	}
	a := &Allocator{
		frames:      make([]PhysPage, nframes),
		bytes:       make([][defs.PageSize]byte, nframes),
		reservedLow: reservedFrames,
		percpu:      make([]pcpuFree, numCPU),
		Pressure:    make(chan PressureMsg, 1),
	}
	for i := range a.frames {
		a.frames[i].nexti = -1
	}
	for i := range a.percpu {
		a.percpu[i].head = -1
	}

	for _, r := range regions {
		start := int(r.Base / uint64(defs.PageSize))
		end := int((r.Base + r.Size) / uint64(defs.PageSize))
		for pfn := start; pfn < end; pfn++ {
			a.initType(pfn, r.Type)
		}
	}

	// Frame 0 is the permanent zero-shared page: never goes on any
	// free list, always has exactly the one allocator-held reference,
	// regardless of what the memory map says about it.
	a.frames[ZeroPFN].Type = TypeWorking
	a.frames[ZeroPFN].Class = ClassZeroShared
	a.frames[ZeroPFN].RefCount = 1

	a.freeHead = -1
	a.reservedHead = -1
	for pfn := nframes - 1; pfn >= 1; pfn-- {
		switch a.frames[pfn].Type {
		case TypeReserved:
			a.frames[pfn].nexti = a.reservedHead
			a.reservedHead = int32(pfn)
			a.reservedLen++
		case TypeFree:
			if reservedFrames > 0 {
				a.frames[pfn].Type = TypeReserved
				a.frames[pfn].nexti = a.reservedHead
				a.reservedHead = int32(pfn)
				a.reservedLen++
				reservedFrames--
				continue
			}
			a.frames[pfn].nexti = a.freeHead
			a.freeHead = int32(pfn)
			a.freeLen++
		}
	}
	return a
}

// initType applies the boot-time type-priority rule: a higher-numbered
// PageType always wins over a lower one, so a later region covering an
// already-typed frame can only raise its severity, never lower it.
func (a *Allocator) initType(pfn int, candidate PageType) {
	if candidate > a.frames[pfn].Type {
		a.frames[pfn].Type = candidate
	}
}

func (a *Allocator) popGlobalLocked() (hal.PFN, bool) {
	if a.freeHead >= 0 {
		pfn := a.freeHead
		a.freeHead = a.frames[pfn].nexti
		a.freeLen--
		a.frames[pfn].Type = TypeWorking
		a.frames[pfn].RefCount = 1
		return hal.PFN(pfn), true
	}
	if a.reservedHead >= 0 {
		pfn := a.reservedHead
		a.reservedHead = a.frames[pfn].nexti
		a.reservedLen--
		a.frames[pfn].Type = TypeWorking
		a.frames[pfn].RefCount = 1
		a.notifyPressureLocked()
		return hal.PFN(pfn), true
	}
	return 0, false
}

func (a *Allocator) notifyPressureLocked() {
	select {
	case a.Pressure <- PressureMsg{Need: 1}:
	default:
	}
}

func (a *Allocator) pushGlobalLocked(pfn hal.PFN) {
	if a.reservedLen < a.reservedLow {
		a.frames[pfn].Type = TypeReserved
		a.frames[pfn].nexti = a.reservedHead
		a.reservedHead = int32(pfn)
		a.reservedLen++
		return
	}
	a.frames[pfn].Type = TypeFree
	a.frames[pfn].nexti = a.freeHead
	a.freeHead = int32(pfn)
	a.freeLen++
}

// Alloc returns a zeroed working frame attributed to cpu's per-CPU
// cache, refilling it from the global lists on a miss.
func (a *Allocator) Alloc(cpu int) (hal.PFN, bool) {
	pfn, ok := a.allocNoZero(cpu)
	if !ok {
		return 0, false
	}
	for i := range a.bytes[pfn] {
		a.bytes[pfn][i] = 0
	}
	return pfn, true
}

// AllocNoZero is the fast path used when the caller is about to
// overwrite the whole frame anyway (e.g. a copy-on-write unshare).
func (a *Allocator) AllocNoZero(cpu int) (hal.PFN, bool) {
	return a.allocNoZero(cpu)
}

func (a *Allocator) allocNoZero(cpu int) (hal.PFN, bool) {
	if cpu >= 0 && cpu < len(a.percpu) {
		pc := &a.percpu[cpu]
		pc.mu.Lock()
		if pc.head >= 0 {
			pfn := pc.head
			pc.head = a.frames[pfn].nexti
			pc.len--
			pc.mu.Unlock()
			a.mu.Lock()
			a.frames[pfn].Type = TypeWorking
			a.frames[pfn].RefCount = 1
			a.mu.Unlock()
			return hal.PFN(pfn), true
		}
		pc.mu.Unlock()

		// Refill in a batch under the global lock, then retry locally.
		a.mu.Lock()
		var refilled []int32
		for len(refilled) < percpuBatch {
			pfn, ok := a.popGlobalLocked()
			if !ok {
				break
			}
			refilled = append(refilled, int32(pfn))
		}
		a.mu.Unlock()
		if len(refilled) == 0 {
			return 0, false
		}
		pc.mu.Lock()
		take := refilled[len(refilled)-1]
		refilled = refilled[:len(refilled)-1]
		for _, pfn := range refilled {
			a.frames[pfn].nexti = pc.head
			pc.head = pfn
			pc.len++
		}
		pc.mu.Unlock()
		return hal.PFN(take), true
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.popGlobalLocked()
}

// Refup bumps a frame's reference count. It panics if the frame was
// already unreferenced: that can only mean the caller is holding a
// stale PFN.
func (a *Allocator) Refup(pfn hal.PFN) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.frames[pfn].RefCount == 0 {
		panic("mem: Refup of unreferenced frame")
	}
	a.frames[pfn].RefCount++
}

// Refdown drops a frame's reference count and, if it reaches zero,
// returns the frame to the free or reserved list per the low-water
// rule.
func (a *Allocator) Refdown(pfn hal.PFN, cpu int) bool {
	a.mu.Lock()
	a.frames[pfn].RefCount--
	cnt := a.frames[pfn].RefCount
	if cnt < 0 {
		a.mu.Unlock()
		panic("mem: negative refcount")
	}
	if cnt > 0 {
		a.mu.Unlock()
		return false
	}
	a.frames[pfn].Class = ClassNone
	a.frames[pfn].Owner = BackPointer{}
	a.frames[pfn].Owners = nil

	if cpu >= 0 && cpu < len(a.percpu) {
		pc := &a.percpu[cpu]
		pc.mu.Lock()
		if pc.len < percpuMax {
			a.frames[pfn].nexti = pc.head
			pc.head = int32(pfn)
			pc.len++
			pc.mu.Unlock()
			a.mu.Unlock()
			return true
		}
		pc.mu.Unlock()
	}
	a.pushGlobalLocked(pfn)
	a.mu.Unlock()
	return true
}

// Get returns a copy of the frame's metadata record.
func (a *Allocator) Get(pfn hal.PFN) PhysPage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frames[pfn]
}

// SetOwner records a Private page's single back-pointer.
func (a *Allocator) SetOwner(pfn hal.PFN, class PageClass, bp BackPointer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frames[pfn].Class = class
	a.frames[pfn].Owner = bp
}

// AddROOwner appends a back-pointer to a ROShared page's owner list.
func (a *Allocator) AddROOwner(pfn hal.PFN, bp BackPointer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frames[pfn].Class = ClassROShared
	a.frames[pfn].Owners = append(a.frames[pfn].Owners, bp)
}

// Dmap returns a direct byte view onto a frame's content.
func (a *Allocator) Dmap(pfn hal.PFN) []byte {
	return a.bytes[pfn][:]
}

// NumFrames reports the total number of logical frames managed.
func (a *Allocator) NumFrames() int { return len(a.frames) }

// FreeCount reports the number of frames on the general free list,
// excluding the reserved low-water pool. Used by metrics.
func (a *Allocator) FreeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeLen
}
