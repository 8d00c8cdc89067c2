package bitpack

import "testing"

func TestDuopackRoundTrip(t *testing.T) {
	d := NewDuopack(20) // A: 20 bits, B: 44 bits
	cell := d.Pack(0xABCDE, 0x123456789AB)
	if got := d.A(cell); got != 0xABCDE {
		t.Fatalf("A = %x, want %x", got, 0xABCDE)
	}
	if got := d.B(cell); got != 0x123456789AB {
		t.Fatalf("B = %x, want %x", got, 0x123456789AB)
	}
}

func TestDuopackSetFirst(t *testing.T) {
	d := NewDuopack(8)
	cell := d.Pack(0x12, 0xDEADBEEF)
	d.SetFirst(&cell, 0x34)
	if got := d.A(cell); got != 0x34 {
		t.Fatalf("A after SetFirst = %x, want 0x34", got)
	}
	if got := d.B(cell); got != 0xDEADBEEF {
		t.Fatalf("B mutated by SetFirst: got %x", got)
	}
}

func TestTripackRoundTrip(t *testing.T) {
	tp := NewTripack(10, 20) // A:10 B:20 C:34
	cell := tp.Pack(0x3FF, 0xFFFFF, 0x123456789)
	if got := tp.A(cell); got != 0x3FF {
		t.Fatalf("A = %x", got)
	}
	if got := tp.B(cell); got != 0xFFFFF {
		t.Fatalf("B = %x", got)
	}
	if got := tp.C(cell); got != 0x123456789 {
		t.Fatalf("C = %x", got)
	}
}

func TestTripackSetFirstPreservesOthers(t *testing.T) {
	tp := NewTripack(16, 16)
	cell := tp.Pack(1, 2, 3)
	tp.SetFirst(&cell, 0xFFFF)
	if tp.A(cell) != 0xFFFF || tp.B(cell) != 2 || tp.C(cell) != 3 {
		t.Fatalf("SetFirst broke fields: A=%d B=%d C=%d", tp.A(cell), tp.B(cell), tp.C(cell))
	}
}

func TestPackTruncatesOutOfRangeValues(t *testing.T) {
	d := NewDuopack(4) // A is only 4 bits wide
	cell := d.Pack(0xFF, 0)
	if got := d.A(cell); got != 0x0F {
		t.Fatalf("A = %x, want truncated 0x0F", got)
	}
}
