// Package layout implements the declarative file-region planner described in
// spec §4.8: a list of {size, alignment} requests is turned into concrete
// byte offsets within a single backing file, the file is truncated to fit,
// and the whole thing is mapped once with mmap; each caller-visible Region
// is just a sub-slice of that single mapping.
//
// The mmap idiom (open/fstat/ftruncate/mmap, fd ownership transferred to the
// caller on success) follows the same shape used for slotted single-writer
// files across the retrieval pack.
//
// © 2026 shardmap authors. MIT License.
package layout

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Region is one named, aligned span of the backing file. Offset and Mem are
// only valid after Planner.DoMaps (or RedoMaps) has run.
type Region struct {
	Name      string
	Size      int64
	AlignBits uint

	Offset int64
	Mem    []byte
}

// Planner accumulates region requests in order, then lays them out
// contiguously (with alignment padding) and maps them.
type Planner struct {
	regions []*Region
	whole   []byte
	total   int64
}

// Add registers a new region of the given size, aligned to a 1<<alignBits
// boundary. Regions are placed in the order they are added. The returned
// *Region is populated by a later DoMaps/RedoMaps call.
func (p *Planner) Add(name string, size int64, alignBits uint) *Region {
	r := &Region{Name: name, Size: size, AlignBits: alignBits}
	p.regions = append(p.regions, r)
	return r
}

// TotalSize returns the planned file size. Valid only after computeOffsets
// has run (i.e. after the first DoMaps/RedoMaps call).
func (p *Planner) TotalSize() int64 { return p.total }

func (p *Planner) computeOffsets() {
	var pos int64
	for _, r := range p.regions {
		align := int64(1) << r.AlignBits
		pos = (pos + align - 1) &^ (align - 1)
		r.Offset = pos
		pos += r.Size
	}
	p.total = pos
}

// DoMaps truncates fd to the planned size and maps it once; each Region's
// Mem field becomes a live view into that mapping. fd is not closed or
// owned by the planner — the caller remains responsible for it.
func (p *Planner) DoMaps(fd int) error {
	p.computeOffsets()
	if p.total == 0 {
		return nil
	}
	if err := unix.Ftruncate(fd, p.total); err != nil {
		return fmt.Errorf("layout: ftruncate: %w", err)
	}
	mem, err := unix.Mmap(fd, 0, int(p.total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("layout: mmap: %w", err)
	}
	p.whole = mem
	for _, r := range p.regions {
		r.Mem = mem[r.Offset : r.Offset+r.Size : r.Offset+r.Size]
	}
	return nil
}

// RedoMaps unmaps the current mapping and remaps from scratch. Used after a
// geometry change (e.g. add_tier) that grows the set of planned regions.
func (p *Planner) RedoMaps(fd int) error {
	if p.whole != nil {
		if err := unix.Munmap(p.whole); err != nil {
			return fmt.Errorf("layout: munmap: %w", err)
		}
		p.whole = nil
	}
	return p.DoMaps(fd)
}

// Close unmaps the backing file. Safe to call on a Planner that was never
// mapped.
func (p *Planner) Close() error {
	if p.whole == nil {
		return nil
	}
	mem := p.whole
	p.whole = nil
	return unix.Munmap(mem)
}

// Whole returns the single mapping backing every region, for callers (e.g.
// internal/pmem) that need to flush the entire file at once.
func (p *Planner) Whole() []byte { return p.whole }
