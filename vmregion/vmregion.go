// Package vmregion implements a task's address-space region map: a
// size-class best-fit free-space allocator plus an address-ordered index
// of every region (free or used) covering the map. The index is backed
// by github.com/google/btree's generic BTreeG, which gives the
// ordered-neighbor queries makeHole and the free allocator need.
package vmregion

import (
	"math/bits"
	"sync"

	"github.com/google/btree"

	"github.com/glguida/machina/cacheobj"
	"github.com/glguida/machina/defs"
	"github.com/glguida/machina/hal"
	"github.com/glguida/machina/util"
	"github.com/glguida/machina/vmobj"
)

// ordMax is the number of size classes, one per bit of a 64-bit size,
// matching VM_ORDMAX = LONG_BIT.
const ordMax = 64

// Region is one entry in a vmmap: either a free span or a used mapping
// of part of a VM object.
type Region struct {
	Start, Size      uint64
	Used             bool
	Obj              *vmobj.Object
	Off              uint64
	CurProt, MaxProt hal.Prot

	mapping *cacheobj.Mapping
	next    *Region // free-list link; unused when Used
}

func regionLess(a, b *Region) bool { return a.Start < b.Start }

// Map is one task's address space region tree plus free-space allocator.
type Map struct {
	mu      sync.Mutex
	regions *btree.BTreeG[*Region]
	classes [ordMax]*Region
	bitmap  uint64
	total   uint64
	free    uint64

	as hal.AddrSpace
	h  hal.HAL
}

// New creates a map over [base, base+size) in address space as, entirely
// free, matching vmmap_setupregions.
func New(as hal.AddrSpace, h hal.HAL, base, size uint64) *Map {
	m := &Map{
		regions: btree.NewG[*Region](32, regionLess),
		total:   size,
		as:      as,
		h:       h,
	}
	m.freeInsert(base, size)
	return m
}

func msb(x uint64) uint {
	if x == 0 {
		panic("vmregion: msb of zero")
	}
	return uint(63 - bits.LeadingZeros64(x))
}

func (m *Map) attach(r *Region) {
	cls := msb(r.Size)
	r.next = m.classes[cls]
	m.classes[cls] = r
	m.bitmap |= 1 << cls
}

func (m *Map) detach(r *Region) {
	cls := msb(r.Size)
	var prev *Region
	for cur := m.classes[cls]; cur != nil; cur = cur.next {
		if cur == r {
			if prev == nil {
				m.classes[cls] = cur.next
			} else {
				prev.next = cur.next
			}
			break
		}
		prev = cur
	}
	if m.classes[cls] == nil {
		m.bitmap &^= 1 << cls
	}
	m.free -= r.Size
}

func (m *Map) freeInsert(start, size uint64) *Region {
	r := &Region{Start: start, Size: size}
	m.regions.ReplaceOrInsert(r)
	m.attach(r)
	m.free += size
	return r
}

// find returns the region (free or used) covering va, or nil.
func (m *Map) find(va uint64) *Region {
	var found *Region
	probe := &Region{Start: va}
	m.regions.DescendLessOrEqual(probe, func(r *Region) bool {
		found = r
		return false
	})
	if found == nil || va < found.Start || va >= found.Start+found.Size {
		return nil
	}
	return found
}

func (m *Map) next(r *Region) *Region {
	var found *Region
	first := true
	m.regions.AscendGreaterOrEqual(r, func(cand *Region) bool {
		if first {
			first = false
			return true
		}
		found = cand
		return false
	})
	return found
}

func (m *Map) removeEntry(r *Region, cpu int) {
	m.regions.Delete(r)
	if r.Used {
		if r.mapping != nil {
			r.Obj.DelRegion(r.mapping)
		}
		r.Obj.Release(cpu)
		return
	}
	m.detach(r)
}

func (m *Map) findFree(size uint64) *Region {
	minbit := msb(size)
	if size != uint64(1)<<minbit {
		minbit++
	}
	if minbit >= ordMax {
		return nil
	}
	mask := m.bitmap >> minbit
	if mask == 0 {
		return nil
	}
	cls := minbit + uint(bits.TrailingZeros64(mask))
	return m.classes[cls]
}

// allocFree finds a best-fit free span of at least size and carves
// exactly size bytes off its start, returning the leftover remainder (if
// any) to the free lists, matching reg_alloc_alloc.
func (m *Map) allocFree(size uint64) (uint64, bool) {
	r := m.findFree(size)
	if r == nil {
		return 0, false
	}
	addr := r.Start
	diff := r.Size - size
	m.regions.Delete(r)
	m.detach(r)
	if diff > 0 {
		m.freeInsert(addr+size, diff)
	}
	return addr, true
}

func (m *Map) neighbors(addr, size uint64) (pv, nv *Region) {
	if addr != 0 {
		if r := m.find(addr - 1); r != nil && !r.Used {
			pv = r
		}
	}
	if r := m.find(addr + size); r != nil && !r.Used {
		nv = r
	}
	return
}

// createFreeRegion coalesces addr..addr+size with any adjacent free
// spans into one, matching map_create_freeregion.
func (m *Map) createFreeRegion(addr, size uint64) *Region {
	fprev, lnext := addr, addr+size
	pv, nv := m.neighbors(addr, size)
	if pv != nil {
		fprev = pv.Start
		m.regions.Delete(pv)
		m.detach(pv)
	}
	if nv != nil {
		lnext = nv.Start + nv.Size
		m.regions.Delete(nv)
		m.detach(nv)
	}
	return m.freeInsert(fprev, lnext-fprev)
}

func truncPage(v uint64) uint64 { return util.Rounddown(v, uint64(defs.PageSize)) }
func roundPage(v uint64) uint64 { return util.Roundup(v, uint64(defs.PageSize)) }

// makeHole removes every region overlapping [start, start+size), keeping
// whatever remains of the first and last overlapped regions as flanking
// slivers (re-entered as used or returned to the free lists, depending
// on what they were), matching _make_hole.
func (m *Map) makeHole(start, size uint64, cpu int) {
	start = truncPage(start)
	end := roundPage(start + size)
	size = end - start

	endReg := m.find(end - 1)
	if endReg == nil {
		panic("vmregion: makeHole end out of range")
	}
	last := *endReg
	last.Size = last.Start + last.Size - end
	last.Off = end - last.Start + last.Off
	last.Start = end
	if last.Used {
		last.Obj.Inc()
	}

	startReg := m.find(start)
	if startReg == nil {
		panic("vmregion: makeHole start out of range")
	}
	first := *startReg
	first.Size = start - first.Start
	if first.Used {
		first.Obj.Inc()
	}

	reg := startReg
	for {
		nx := m.next(reg)
		m.removeEntry(reg, cpu)
		if nx == nil || start+size <= nx.Start {
			break
		}
		reg = nx
	}

	m.reenterSliver(&first, cpu)
	m.reenterSliver(&last, cpu)
}

func (m *Map) reenterSliver(r *Region, cpu int) {
	if r.Size == 0 {
		if r.Used {
			r.Obj.Release(cpu)
		}
		return
	}
	if !r.Used {
		m.createFreeRegion(r.Start, r.Size)
		return
	}
	nr := &Region{Start: r.Start, Size: r.Size, Used: true, Obj: r.Obj, Off: r.Off, CurProt: r.CurProt, MaxProt: r.MaxProt}
	nr.mapping = &cacheobj.Mapping{As: m.as, Start: nr.Start, Size: nr.Size, Off: nr.Off}
	r.Obj.AddRegion(nr.mapping)
	m.regions.ReplaceOrInsert(nr)
}

func (m *Map) insertUsed(start, size uint64, obj *vmobj.Object, off uint64, curprot, maxprot hal.Prot) {
	r := &Region{Start: start, Size: size, Used: true, Obj: obj, Off: off, CurProt: curprot, MaxProt: maxprot}
	r.mapping = &cacheobj.Mapping{As: m.as, Start: start, Size: size, Off: off}
	obj.AddRegion(r.mapping)
	m.regions.ReplaceOrInsert(r)
}

// Alloc places obj at an address of the allocator's choosing, matching
// vmmap_alloc. obj's reference is consumed: ownership transfers to the
// new region.
func (m *Map) Alloc(obj *vmobj.Object, off, size uint64, curprot, maxprot hal.Prot) (uint64, defs.Err_t) {
	m.mu.Lock()
	defer m.mu.Unlock()

	addr, ok := m.allocFree(size)
	if !ok {
		return 0, defs.KERN_RESOURCE_SHORTAGE
	}
	m.insertUsed(addr, size, obj, off, curprot, maxprot)
	return addr, defs.KERN_SUCCESS
}

// MapAt places obj at an explicit address, overwriting and trimming
// whatever was there, matching vmmap_map.
func (m *Map) MapAt(cpu int, start uint64, obj *vmobj.Object, off, size uint64, curprot, maxprot hal.Prot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.makeHole(start, size, cpu)
	m.insertUsed(start, size, obj, off, curprot, maxprot)
}

// Free releases every mapping in [start, start+size) and returns the
// range to the free lists, matching vmmap_free.
func (m *Map) Free(cpu int, start, size uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.makeHole(start, size, cpu)
	m.createFreeRegion(truncPage(start), roundPage(start+size)-truncPage(start))
}

// RegionInfo reports the used region covering addr, matching
// vmmap_region.
type RegionInfo struct {
	Start, Size      uint64
	CurProt, MaxProt hal.Prot
	Obj              *vmobj.Object
	Off              uint64
}

func (m *Map) RegionAt(addr uint64) (RegionInfo, defs.Err_t) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.find(addr)
	if r == nil || !r.Used {
		return RegionInfo{}, defs.KERN_INVALID_ADDRESS
	}
	return RegionInfo{Start: r.Start, Size: r.Size, CurProt: r.CurProt, MaxProt: r.MaxProt, Obj: r.Obj, Off: r.Off}, defs.KERN_SUCCESS
}

// Fault resolves a hardware page fault at va, installing the result in
// the HAL on success. The returned step count is obj.Fault's
// shadow-chain walk depth, passed through for callers that report it as
// a metric.
func (m *Map) Fault(cpu int, va uint64, reqprot hal.Prot) (int, defs.Err_t) {
	m.mu.Lock()
	r := m.find(va)
	if r == nil || !r.Used {
		m.mu.Unlock()
		return 0, defs.KERN_INVALID_ADDRESS
	}
	if !r.CurProt.Allows(reqprot) {
		m.mu.Unlock()
		return 0, defs.KERN_PROTECTION_FAILURE
	}
	obj := r.Obj
	off := r.Off + (va - r.Start)
	m.mu.Unlock()

	pfn, steps, err := obj.Fault(cpu, off, reqprot)
	if err != defs.KERN_SUCCESS {
		return steps, err
	}
	m.h.Map(m.as, truncPage(va), pfn, reqprot)
	return steps, defs.KERN_SUCCESS
}

// FreeBytes reports unallocated address space, for metrics.
func (m *Map) FreeBytes() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.free
}
