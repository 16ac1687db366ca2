// Package imap implements the indirect map: a three-level sparse trie of
// IPTEs keyed by page-granular offset, one entry per resident page
// (pfn, roshared and protmask when present, a status enum when absent).
// A Map has no internal lock of its own: callers hold the enclosing
// cache object's lock for the duration of any Map/Lookup call.
package imap

import (
	"github.com/glguida/machina/defs"
	"github.com/glguida/machina/hal"
)

// entriesPerPage is the trie's branching factor: one page of 8-byte
// IPTEs holds PageSize/8 entries.
const entriesPerPage = defs.PageSize / 8
const indexShift = defs.PageShift - 3
const indexMask = entriesPerPage - 1

// Status describes an absent entry: one that has no frame resident but
// still carries pager state.
type Status uint8

const (
	StatusEmpty Status = iota
	StatusPagingIn
	StatusPagingOut
	StatusPaged
)

// IPTE is one indirect-map entry.
type IPTE struct {
	Present  bool
	PFN      hal.PFN
	ROShared bool
	ProtMask hal.Prot
	Status   Status
}

type leafPage [entriesPerPage]IPTE
type l2Page [entriesPerPage]*leafPage
type l3Page [entriesPerPage]*l2Page

// Map is the indirect map itself: up to three levels of lazily allocated
// index pages, 512 entries each, over page numbers below 2^27. split keeps
// only the low 27 bits of a page number, so higher page numbers alias
// lower ones.
type Map struct {
	l1 *leafPage
	l2 *l2Page
	l3 *l3Page
}

func split(pn uint64) (l1, l2, l3 int) {
	l1 = int(pn & indexMask)
	l2 = int((pn >> indexShift) & indexMask)
	l3 = int((pn >> (2 * indexShift)) & indexMask)
	return
}

// Lookup returns the IPTE at page offset pn, or the zero IPTE
// (StatusEmpty, not Present) if no entry has ever been installed there.
func (m *Map) Lookup(pn uint64) IPTE {
	l1i, l2i, l3i := split(pn)
	if l3i == 0 && l2i == 0 {
		if m.l1 == nil {
			return IPTE{}
		}
		return m.l1[l1i]
	}
	if l3i == 0 {
		if m.l2 == nil || m.l2[l2i] == nil {
			return IPTE{}
		}
		return m.l2[l2i][l1i]
	}
	if m.l3 == nil || m.l3[l3i] == nil || m.l3[l3i][l2i] == nil {
		return IPTE{}
	}
	return m.l3[l3i][l2i][l1i]
}

// Map installs ipte at page offset pn, lazily allocating whatever index
// pages are needed, and returns the entry that was there before.
func (m *Map) Map(pn uint64, ipte IPTE) IPTE {
	l1i, l2i, l3i := split(pn)

	if l3i == 0 && l2i == 0 {
		if m.l1 == nil {
			m.l1 = new(leafPage)
		}
		old := m.l1[l1i]
		m.l1[l1i] = ipte
		return old
	}
	if l3i == 0 {
		if m.l2 == nil {
			m.l2 = new(l2Page)
		}
		if m.l2[l2i] == nil {
			m.l2[l2i] = new(leafPage)
		}
		old := m.l2[l2i][l1i]
		m.l2[l2i][l1i] = ipte
		return old
	}
	if m.l3 == nil {
		m.l3 = new(l3Page)
	}
	if m.l3[l3i] == nil {
		m.l3[l3i] = new(l2Page)
	}
	if m.l3[l3i][l2i] == nil {
		m.l3[l3i][l2i] = new(leafPage)
	}
	old := m.l3[l3i][l2i][l1i]
	m.l3[l3i][l2i][l1i] = ipte
	return old
}

// Clear removes whatever entry exists at pn, returning it.
func (m *Map) Clear(pn uint64) IPTE {
	return m.Map(pn, IPTE{})
}

// ForEach walks every non-zero entry in ascending offset order. Used by
// cache-object teardown to drop references to every resident frame.
func (m *Map) ForEach(fn func(pn uint64, e IPTE)) {
	if m.l1 != nil {
		for i, e := range m.l1 {
			if e.Present || e.Status != StatusEmpty {
				fn(uint64(i), e)
			}
		}
	}
	if m.l2 != nil {
		for l2i, leaf := range m.l2 {
			if leaf == nil {
				continue
			}
			for l1i, e := range leaf {
				if e.Present || e.Status != StatusEmpty {
					fn(uint64(l1i)|uint64(l2i)<<indexShift, e)
				}
			}
		}
	}
	if m.l3 != nil {
		for l3i, mid := range m.l3 {
			if mid == nil {
				continue
			}
			for l2i, leaf := range mid {
				if leaf == nil {
					continue
				}
				for l1i, e := range leaf {
					if e.Present || e.Status != StatusEmpty {
						pn := uint64(l1i) | uint64(l2i)<<indexShift | uint64(l3i)<<(2*indexShift)
						fn(pn, e)
					}
				}
			}
		}
	}
}
