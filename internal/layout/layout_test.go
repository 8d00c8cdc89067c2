package layout

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func TestDoMapsAlignsAndSizes(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "layout-*.db")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var p Planner
	a := p.Add("a", 10, 0)  // 10 bytes, 1-byte aligned
	b := p.Add("b", 4096, 12) // 4 KiB, 4 KiB aligned

	if err := p.DoMaps(int(f.Fd())); err != nil {
		t.Fatalf("DoMaps: %v", err)
	}
	defer p.Close()

	if a.Offset != 0 {
		t.Fatalf("a.Offset = %d, want 0", a.Offset)
	}
	if b.Offset != 4096 {
		t.Fatalf("b.Offset = %d, want 4096 (aligned up from 10)", b.Offset)
	}
	if len(a.Mem) != 10 || len(b.Mem) != 4096 {
		t.Fatalf("unexpected region lengths: %d, %d", len(a.Mem), len(b.Mem))
	}

	b.Mem[0] = 0x42
	if p.Whole()[4096] != 0x42 {
		t.Fatalf("region write did not land in whole mapping")
	}
}

func TestRedoMapsGrowsFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "layout-*.db")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var p Planner
	p.Add("a", 100, 0)
	if err := p.DoMaps(int(f.Fd())); err != nil {
		t.Fatalf("DoMaps: %v", err)
	}

	p.Add("b", 200, 0)
	if err := p.RedoMaps(int(f.Fd())); err != nil {
		t.Fatalf("RedoMaps: %v", err)
	}
	defer p.Close()

	if p.TotalSize() != 300 {
		t.Fatalf("TotalSize = %d, want 300", p.TotalSize())
	}

	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		t.Fatal(err)
	}
	if st.Size != 300 {
		t.Fatalf("file size = %d, want 300", st.Size)
	}
}
