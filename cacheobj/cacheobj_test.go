package cacheobj

import (
	"testing"

	"github.com/glguida/machina/hal"
	"github.com/glguida/machina/imap"
)

func TestMapLookupRoundTrip(t *testing.T) {
	h := hal.NewSimulated()
	o := New(h, 4096)

	e := imap.IPTE{Present: true, PFN: 5, ProtMask: hal.ProtRead}
	o.Map(0, e)

	if got := o.Lookup(0); got != e {
		t.Fatalf("Lookup(0) = %+v, want %+v", got, e)
	}
}

func TestMapInvalidatesCoveredMapping(t *testing.T) {
	h := hal.NewSimulated()
	o := New(h, 8192)
	as := struct{}{}

	m := &Mapping{As: as, Start: 0x1000, Size: 4096, Off: 0}
	o.AddMapping(m)

	o.Map(0, imap.IPTE{Present: true, PFN: 1})
	h.Map(as, 0x1000, 1, hal.ProtDefault)

	if _, _, ok := h.Lookup(as, 0x1000); !ok {
		t.Fatal("setup: expected a mapping installed at 0x1000")
	}

	// Re-mapping the same offset to a different frame must invalidate
	// the hardware translation over any mapping that covers it.
	o.Map(0, imap.IPTE{Present: true, PFN: 2})

	if _, _, ok := h.Lookup(as, 0x1000); ok {
		t.Fatal("Map with a changed PFN did not invalidate the covering mapping")
	}
}

func TestMapSameFrameDoesNotInvalidate(t *testing.T) {
	h := hal.NewSimulated()
	o := New(h, 4096)
	as := struct{}{}

	m := &Mapping{As: as, Start: 0x2000, Size: 4096, Off: 0}
	o.AddMapping(m)

	o.Map(0, imap.IPTE{Present: true, PFN: 9})
	h.Map(as, 0x2000, 9, hal.ProtDefault)

	o.Map(0, imap.IPTE{Present: true, PFN: 9})

	if _, _, ok := h.Lookup(as, 0x2000); !ok {
		t.Fatal("Map with an unchanged PFN invalidated the mapping")
	}
}

func TestDelMappingUnmapsRange(t *testing.T) {
	h := hal.NewSimulated()
	o := New(h, 8192)
	as := struct{}{}

	m := &Mapping{As: as, Start: 0x3000, Size: 4096, Off: 0}
	o.AddMapping(m)
	h.Map(as, 0x3000, 3, hal.ProtDefault)

	o.DelMapping(m)

	if _, _, ok := h.Lookup(as, 0x3000); ok {
		t.Fatal("DelMapping did not unmap its range from the HAL")
	}
}

func TestForEachVisitsMappedEntries(t *testing.T) {
	h := hal.NewSimulated()
	o := New(h, 4096)
	o.Map(0, imap.IPTE{Present: true, PFN: 4})

	count := 0
	o.ForEach(func(pn uint64, e imap.IPTE) { count++ })
	if count != 1 {
		t.Fatalf("ForEach visited %d entries, want 1", count)
	}
}

func TestShadowReturnsIndependentEmptyObject(t *testing.T) {
	h := hal.NewSimulated()
	o := New(h, 4096)
	o.Map(0, imap.IPTE{Present: true, PFN: 1})

	shadow := o.Shadow()
	if got := shadow.Lookup(0); got.Present {
		t.Fatalf("Shadow() result already has entries: %+v", got)
	}
	if shadow.Size() != o.Size() {
		t.Fatalf("Shadow() size = %d, want %d", shadow.Size(), o.Size())
	}
}
