package tier

import "testing"

func newTestTier(t *testing.T) *Tier {
	t.Helper()
	g := Geometry{MapBits: 2, StrideBits: 8, LocBits: 28, SigBits: 20}
	mem := make([]byte, int64(g.Shards())*(1<<g.StrideBits))
	countMap := make([]byte, g.Shards()*4)
	return Open(g, mem, countMap)
}

func TestImprintAndAppendRoundTrip(t *testing.T) {
	tr := newTestTier(t)
	tr.Imprint(0)
	if tr.Count(0) != 1 {
		t.Fatalf("Count = %d after Imprint, want 1", tr.Count(0))
	}

	idx := tr.AppendCell(0, 0xABCDE, 42, false)
	if idx != 1 {
		t.Fatalf("AppendCell returned index %d, want 1", idx)
	}
	cell := tr.ReadCell(0, idx)
	loc, sig, deleted := tr.DecodeCell(cell)
	if deleted {
		t.Fatalf("cell marked deleted, want live")
	}
	if loc != 42 {
		t.Fatalf("loc = %d, want 42", loc)
	}
	wantSig := uint64(0xABCDE) & ((1 << tr.SigBits) - 1)
	if sig != wantSig {
		t.Fatalf("sig = %x, want %x", sig, wantSig)
	}
}

func TestAppendCellMarksDelete(t *testing.T) {
	tr := newTestTier(t)
	tr.Imprint(1)
	idx := tr.AppendCell(1, 7, 3, true)
	_, _, deleted := tr.DecodeCell(tr.ReadCell(1, idx))
	if !deleted {
		t.Fatalf("expected delete flag set")
	}
}

func TestFlushCountMapPersistsFrontBuffer(t *testing.T) {
	tr := newTestTier(t)
	tr.Imprint(0)
	tr.AppendCell(0, 1, 1, false)
	tr.AppendCell(0, 2, 2, false)
	tr.FlushCountMap()

	reopened := Open(tr.Geometry, tr.mem, tr.countMap)
	if reopened.Count(0) != tr.Count(0) {
		t.Fatalf("reopened count = %d, want %d", reopened.Count(0), tr.Count(0))
	}
}

func TestFlattenRewritesRegionWithOnlyLiveEntries(t *testing.T) {
	tr := newTestTier(t)
	tr.Imprint(2)
	tr.AppendCell(2, 1, 1, false)
	tr.AppendCell(2, 2, 2, true) // tombstone, dropped by Flatten

	tr.Flatten(2, []Entry{{Hash: 9, Loc: 9}})
	if tr.Count(2) != 2 { // magic + 1 live entry
		t.Fatalf("Count after Flatten = %d, want 2", tr.Count(2))
	}
	loc, _, deleted := tr.DecodeCell(tr.ReadCell(2, 1))
	if deleted || loc != 9 {
		t.Fatalf("Flatten did not write the expected live entry: loc=%d deleted=%v", loc, deleted)
	}
}
