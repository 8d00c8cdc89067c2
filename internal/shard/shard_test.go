package shard

import "testing"

func findLoc(s *Shard, hash uint64, loc uint32) bool {
	found := false
	s.Walk(hash, func(l uint32) bool {
		if l == loc {
			found = true
			return false
		}
		return true
	})
	return found
}

func TestInsertAndWalkFinds(t *testing.T) {
	s := New(4, 20, 28, 1<<16)
	s.SetLowBits(0)
	if err := s.Insert(0x1234, 7); err != nil {
		t.Fatal(err)
	}
	if !findLoc(s, 0x1234, 7) {
		t.Fatalf("Walk did not find inserted entry")
	}
	if s.Count() != 1 {
		t.Fatalf("Count = %d, want 1", s.Count())
	}
}

func TestOverflowChainAndRemove(t *testing.T) {
	s := New(2, 20, 28, 1<<16) // 4 buckets
	s.SetLowBits(0)
	// Same bucket: all hashes with low 2 bits equal collide into one chain.
	hashes := []uint64{0b00, 0b0100, 0b1000, 0b1100}
	for i, h := range hashes {
		if err := s.Insert(h, uint32(i+1)); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}
	if s.Count() != 4 {
		t.Fatalf("Count = %d, want 4", s.Count())
	}
	for i, h := range hashes {
		if !findLoc(s, h, uint32(i+1)) {
			t.Fatalf("missing entry %d after chained inserts", i)
		}
	}

	if err := s.Remove(hashes[1], 2); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if s.Count() != 3 {
		t.Fatalf("Count = %d after remove, want 3", s.Count())
	}
	if findLoc(s, hashes[1], 2) {
		t.Fatalf("removed entry still found")
	}
	for i, h := range []uint64{hashes[0], hashes[2], hashes[3]} {
		want := []uint32{1, 3, 4}[i]
		if !findLoc(s, h, want) {
			t.Fatalf("surviving entry %d lost after remove", i)
		}
	}

	if err := s.Remove(hashes[1], 2); err != ErrNotFound {
		t.Fatalf("second Remove = %v, want ErrNotFound", err)
	}
}

func TestRemoveHeadWithChainPromotesNext(t *testing.T) {
	s := New(1, 20, 28, 1<<16) // 2 buckets
	s.SetLowBits(0)
	if err := s.Insert(2, 20); err != nil {
		t.Fatal(err)
	}
	if err := s.Insert(0, 10); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(0, 10); err != nil {
		t.Fatal(err)
	}
	if !findLoc(s, 2, 20) {
		t.Fatalf("promoted entry lost after removing head")
	}
	if s.Count() != 1 {
		t.Fatalf("Count = %d, want 1", s.Count())
	}
}

func TestReshardPartSplitsByBucketRange(t *testing.T) {
	src := New(3, 20, 28, 1<<16) // 8 buckets
	src.SetLowBits(0)
	for b := uint64(0); b < 8; b++ {
		if err := src.Insert(b, uint32(b)+1); err != nil {
			t.Fatal(err)
		}
	}
	dst := New(2, 20, 28, 1<<16) // 4 buckets, covering half of src's range
	dst.SetLowBits(0)
	src.ReshardPart(dst, 1, 1) // upper half: buckets 4..7 -> dst buckets 0..3

	if dst.Count() != 4 {
		t.Fatalf("dst.Count() = %d, want 4", dst.Count())
	}
	for b := uint64(4); b < 8; b++ {
		if !findLoc(dst, b, uint32(b)+1) {
			t.Fatalf("missing bucket %d entry after ReshardPart", b)
		}
	}
}

func TestOverflowArenaExhaustion(t *testing.T) {
	s := New(1, 20, 28, 3) // tiny arena: 2 heads + 1 overflow slot max
	s.SetLowBits(0)
	if err := s.Insert(0, 1); err != nil {
		t.Fatal(err)
	}
	if err := s.Insert(2, 2); err != nil {
		t.Fatal(err)
	}
	if err := s.Insert(4, 3); err != ErrOverflow {
		t.Fatalf("Insert past capacity = %v, want ErrOverflow", err)
	}
}
