package hal

import "testing"

func TestProtAllowsRequiresEveryRequestedBit(t *testing.T) {
	cases := []struct {
		have, req Prot
		want      bool
	}{
		{ProtRead | ProtWrite, ProtRead, true},
		{ProtRead, ProtRead | ProtWrite, false},
		{ProtAll, ProtAll, true},
		{ProtNone, ProtRead, false},
		{ProtRead, ProtNone, true},
	}
	for _, c := range cases {
		if got := c.have.Allows(c.req); got != c.want {
			t.Errorf("Prot(%v).Allows(%v) = %v, want %v", c.have, c.req, got, c.want)
		}
	}
}

func TestPageRoundRoundsUpToPageMultiple(t *testing.T) {
	cases := []struct{ n, want uint64 }{
		{0, 0},
		{1, 4096},
		{4096, 4096},
		{4097, 8192},
	}
	for _, c := range cases {
		if got := PageRound(c.n); got != c.want {
			t.Errorf("PageRound(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}

func TestSimulatedMapUnmapLookup(t *testing.T) {
	s := NewSimulated()
	as := struct{}{}

	if _, _, ok := s.Lookup(as, 0x1000); ok {
		t.Fatal("Lookup before any Map found an entry")
	}

	s.Map(as, 0x1000, 7, ProtDefault)
	pfn, prot, ok := s.Lookup(as, 0x1000)
	if !ok || pfn != 7 || prot != ProtDefault {
		t.Fatalf("Lookup after Map = (%d, %v, %v), want (7, %v, true)", pfn, prot, ok, ProtDefault)
	}

	s.Unmap(as, 0x1000)
	if _, _, ok := s.Lookup(as, 0x1000); ok {
		t.Fatal("Lookup after Unmap still found an entry")
	}
}

func TestSimulatedMapOverwritesExistingEntry(t *testing.T) {
	s := NewSimulated()
	as := struct{}{}

	s.Map(as, 0x2000, 1, ProtRead)
	s.Map(as, 0x2000, 2, ProtAll)

	pfn, prot, ok := s.Lookup(as, 0x2000)
	if !ok || pfn != 2 || prot != ProtAll {
		t.Fatalf("Lookup after overwrite = (%d, %v, %v), want (2, %v, true)", pfn, prot, ok, ProtAll)
	}
}

func TestSimulatedInvalidateCounts(t *testing.T) {
	s := NewSimulated()
	as := struct{}{}

	s.Invalidate(as, 0x1000, 1)
	s.Invalidate(as, 0x2000, 4)

	if s.Invalidations != 2 {
		t.Fatalf("Invalidations = %d, want 2", s.Invalidations)
	}
}

func TestSimulatedIsolatesDistinctAddressSpaces(t *testing.T) {
	s := NewSimulated()
	as1 := struct{ n int }{1}
	as2 := struct{ n int }{2}

	s.Map(as1, 0x1000, 1, ProtDefault)
	if _, _, ok := s.Lookup(as2, 0x1000); ok {
		t.Fatal("Lookup in a different address space found the other space's mapping")
	}
}
