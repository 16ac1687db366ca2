// Package hal defines the hardware-abstraction boundary this core
// depends on but does not implement: installing a physical frame in a
// task's page tables, tearing one down, and shooting down stale
// translations across CPUs. A real port of this kernel supplies a HAL
// that talks to actual page-table hardware; this package also provides
// Simulated, an in-memory HAL used by tests and by cmd/machinad when run
// without real hardware backing.
package hal

import (
	"fmt"
	"sync"

	"github.com/glguida/machina/defs"
)

// Prot is a protection mask: a combination of ProtRead, ProtWrite,
// ProtExecute.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExecute

	ProtNone    Prot = 0
	ProtDefault      = ProtRead | ProtWrite
	ProtAll          = ProtRead | ProtWrite | ProtExecute
)

func (p Prot) Allows(req Prot) bool { return req&^p == 0 }

// AddrSpace identifies one task's page tables to the HAL. The core never
// looks inside it.
type AddrSpace interface{}

// PFN is a physical frame number in logical-page units.
type PFN uint64

// HAL is the interface the VM layer drives. Every method takes the
// address space it operates on explicitly instead of relying on a
// "current address space" global, since nothing below this package has
// any notion of the calling goroutine being bound to one CPU.
type HAL interface {
	// Map installs pfn at va in as, with the given protection. Map
	// must tolerate overwriting an existing mapping at va.
	Map(as AddrSpace, va uint64, pfn PFN, prot Prot)
	// Unmap removes whatever mapping exists at va in as, if any.
	Unmap(as AddrSpace, va uint64)
	// Invalidate shoots down any cached translation for
	// [va, va+pages*PageSize) in as across every CPU that might be
	// running it.
	Invalidate(as AddrSpace, va uint64, pages int)
}

// Simulated is an in-memory HAL: it tracks the mapping table as a plain
// Go map instead of real page-table hardware, which makes the VM layer
// fully testable without a HAL implementation backed by real silicon.
type Simulated struct {
	mu    sync.Mutex
	table map[simKey]simEntry
	// Invalidations counts Invalidate calls, so tests can assert a
	// write was actually preceded by a TLB shootdown.
	Invalidations int
}

type simKey struct {
	as AddrSpace
	va uint64
}

type simEntry struct {
	pfn  PFN
	prot Prot
}

func NewSimulated() *Simulated {
	return &Simulated{table: make(map[simKey]simEntry)}
}

func (s *Simulated) Map(as AddrSpace, va uint64, pfn PFN, prot Prot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table[simKey{as, va}] = simEntry{pfn, prot}
}

func (s *Simulated) Unmap(as AddrSpace, va uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.table, simKey{as, va})
}

func (s *Simulated) Invalidate(as AddrSpace, va uint64, pages int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Invalidations++
}

// Lookup is test-only introspection: it is not part of the HAL
// interface, since the real hardware has no such primitive cheaply
// available to the core.
func (s *Simulated) Lookup(as AddrSpace, va uint64) (PFN, Prot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.table[simKey{as, va}]
	return e.pfn, e.prot, ok
}

func (p Prot) String() string {
	return fmt.Sprintf("r=%v w=%v x=%v", p&ProtRead != 0, p&ProtWrite != 0, p&ProtExecute != 0)
}

// PageRound rounds n up to a multiple of defs.PageSize.
func PageRound(n uint64) uint64 {
	return (n + defs.PageMask) &^ defs.PageMask
}
