package imap

import (
	"testing"

	"github.com/glguida/machina/hal"
)

func TestLookupMissingIsZeroValue(t *testing.T) {
	var m Map
	if e := m.Lookup(0); e.Present || e.Status != StatusEmpty {
		t.Fatalf("Lookup on empty map = %+v, want the zero IPTE", e)
	}
}

func TestMapAndLookupWithinFirstLeaf(t *testing.T) {
	var m Map
	want := IPTE{Present: true, PFN: 7, ProtMask: hal.ProtRead}

	old := m.Map(3, want)
	if old.Present {
		t.Fatalf("Map returned %+v for a previously empty slot", old)
	}
	if got := m.Lookup(3); got != want {
		t.Fatalf("Lookup(3) = %+v, want %+v", got, want)
	}
}

func TestMapReturnsPreviousEntry(t *testing.T) {
	var m Map
	first := IPTE{Present: true, PFN: 1}
	second := IPTE{Present: true, PFN: 2}

	m.Map(5, first)
	old := m.Map(5, second)
	if old != first {
		t.Fatalf("Map's returned previous entry = %+v, want %+v", old, first)
	}
	if got := m.Lookup(5); got != second {
		t.Fatalf("Lookup(5) after overwrite = %+v, want %+v", got, second)
	}
}

func TestMapSpansLevelsTwoAndThree(t *testing.T) {
	var m Map
	// entriesPerPage offsets fall outside l1, exercising l2; a further
	// multiple of entriesPerPage^2 exercises l3.
	l2Offset := uint64(entriesPerPage)
	l3Offset := uint64(entriesPerPage) * uint64(entriesPerPage)

	m.Map(l2Offset, IPTE{Present: true, PFN: 11})
	m.Map(l3Offset, IPTE{Present: true, PFN: 22})

	if got := m.Lookup(l2Offset); !got.Present || got.PFN != 11 {
		t.Fatalf("Lookup(l2Offset) = %+v, want PFN 11", got)
	}
	if got := m.Lookup(l3Offset); !got.Present || got.PFN != 22 {
		t.Fatalf("Lookup(l3Offset) = %+v, want PFN 22", got)
	}
	// An untouched offset within the same l3 branch must stay empty.
	if got := m.Lookup(l3Offset + 1); got.Present {
		t.Fatalf("Lookup(l3Offset+1) = %+v, want empty", got)
	}
}

func TestClearRemovesEntry(t *testing.T) {
	var m Map
	m.Map(9, IPTE{Present: true, PFN: 3})

	old := m.Clear(9)
	if !old.Present || old.PFN != 3 {
		t.Fatalf("Clear returned %+v, want the entry that was there", old)
	}
	if got := m.Lookup(9); got.Present {
		t.Fatalf("Lookup after Clear = %+v, want empty", got)
	}
}

func TestForEachVisitsOnlyNonEmptyEntries(t *testing.T) {
	var m Map
	l2Offset := uint64(entriesPerPage)
	m.Map(0, IPTE{Present: true, PFN: 1})
	m.Map(2, IPTE{Status: StatusPagingIn})
	m.Map(l2Offset, IPTE{Present: true, PFN: 2})

	seen := map[uint64]IPTE{}
	m.ForEach(func(pn uint64, e IPTE) { seen[pn] = e })

	if len(seen) != 3 {
		t.Fatalf("ForEach visited %d entries, want 3: %+v", len(seen), seen)
	}
	if e, ok := seen[0]; !ok || e.PFN != 1 {
		t.Fatalf("ForEach missed or mis-reported offset 0: %+v", seen)
	}
	if e, ok := seen[2]; !ok || e.Status != StatusPagingIn {
		t.Fatalf("ForEach missed or mis-reported offset 2: %+v", seen)
	}
	if e, ok := seen[l2Offset]; !ok || e.PFN != 2 {
		t.Fatalf("ForEach missed or mis-reported l2Offset: %+v", seen)
	}
}
