// Package cacheobj implements the cache object: the indirect map plus
// the list of address-space mappings that must be invalidated whenever
// an entry changes underneath them. A cache object tracks its mappings
// explicitly, rather than scanning every address space for coverage,
// so an entry change only has to walk the mappings that actually cover
// it.
package cacheobj

import (
	"sync"

	"github.com/glguida/machina/hal"
	"github.com/glguida/machina/imap"
)

// Mapping records one address-space range backed by a cache object,
// starting at Off within the object and spanning Size bytes of virtual
// address space at Start in AddrSpace As.
type Mapping struct {
	As    hal.AddrSpace
	Start uint64
	Size  uint64
	Off   uint64
}

// Object is a cache object: the indirect map of resident pages for one
// VM object's backing store, plus every address-space mapping currently
// pointing at it.
type Object struct {
	mu       sync.RWMutex
	size     uint64
	entries  imap.Map
	mappings []*Mapping
	hal      hal.HAL
}

func New(h hal.HAL, size uint64) *Object {
	return &Object{size: size, hal: h}
}

func (o *Object) Size() uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.size
}

// AddMapping records a new address-space mapping over [start, start+size)
// at object offset off.
func (o *Object) AddMapping(m *Mapping) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.mappings = append(o.mappings, m)
}

// DelMapping removes a previously added mapping and invalidates the
// hardware translations it covered.
func (o *Object) DelMapping(m *Mapping) {
	o.mu.Lock()
	for i, mm := range o.mappings {
		if mm == m {
			o.mappings = append(o.mappings[:i], o.mappings[i+1:]...)
			break
		}
	}
	o.mu.Unlock()

	pages := int(hal.PageRound(m.Size) / pageSize)
	o.hal.Invalidate(m.As, m.Start, pages)
	for va := m.Start; va < m.Start+m.Size; va += pageSize {
		o.hal.Unmap(m.As, va)
	}
}

const pageSize = 1 << 12

// Map installs an IPTE at page-offset pn, returning the IPTE that was
// there before. If a different frame was mapped there, every mapping
// covering that offset is invalidated, since stale translations cannot
// be left reachable under the hardware.
func (o *Object) Map(pn uint64, e imap.IPTE) imap.IPTE {
	o.mu.Lock()
	old := o.entries.Map(pn, e)
	mappings := append([]*Mapping(nil), o.mappings...)
	o.mu.Unlock()

	if old.Present && (old.PFN != e.PFN || !e.Present) {
		off := pn * pageSize
		for _, m := range mappings {
			if off < m.Off || off >= m.Off+m.Size {
				continue
			}
			va := m.Start + (off - m.Off)
			o.hal.Invalidate(m.As, va, 1)
			o.hal.Unmap(m.As, va)
		}
	}
	return old
}

// Lookup returns the IPTE at page-offset pn.
func (o *Object) Lookup(pn uint64) imap.IPTE {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.entries.Lookup(pn)
}

// ForEach walks every resident entry. Used during object teardown.
func (o *Object) ForEach(fn func(pn uint64, e imap.IPTE)) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	o.entries.ForEach(fn)
}

// Shadow returns a fresh, empty cache object of the same size. Linking
// it behind o and the rest of the copy-on-write fault logic live in
// package vmobj; this layer only hands back the empty object to link.
func (o *Object) Shadow() *Object {
	return New(o.hal, o.size)
}
