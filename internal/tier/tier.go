// Package tier implements the physical backing of one shard group (spec
// §4.5): a persistent-memory region holding, for each shard, a log of
// packed (hash,loc) media cells plus an in-RAM front-buffer of how many
// cells have been written. Geometry (mapbits, stridebits, locbits, sigbits)
// is fixed for the life of a tier; growth always creates a new tier and
// retires the old one as "lower" (see internal/keymap).
//
// © 2026 shardmap authors. MIT License.
package tier

import (
	"encoding/binary"

	"github.com/Voskan/shardmap/internal/bitpack"
	"github.com/Voskan/shardmap/internal/pmem"
)

const magic = 0x54524853 // "SHRT" little-endian-ish tag, arbitrary but stable

// Geometry describes a tier's fixed layout parameters.
type Geometry struct {
	MapBits    uint // log2(shard count)
	StrideBits uint // log2(media bytes per shard region)
	LocBits    uint // width of the loc field in a media cell
	SigBits    uint // width of the explicit hash-suffix field in a media cell
}

// Shards reports 2^MapBits.
func (g Geometry) Shards() uint32 { return uint32(1) << g.MapBits }

// cellBytes is the on-media size of one packed cell: a duopack of
// {loc:LocBits, sig:SigBits} plus a reserved delete bit folded into the top
// of the sig field's unused high bits — modelled here as a plain 64-bit
// word with the delete flag as bit 63, loc in the low LocBits bits, and sig
// immediately above it.
const cellBytes = 8

// Tier is the live, mapped view of one shard group's media region.
type Tier struct {
	Geometry
	mem       []byte // Shards() * 2^StrideBits bytes
	cell      bitpack.Duopack
	countBuf  []uint32 // in-RAM front buffer, one count per shard
	countMap  []byte   // persistent mirror, 4 bytes per shard (written at Unify)
}

// Open wraps mem (the tier's full media region) and countMapMem (2^(mapbits+2)
// bytes, one u32 per shard) as a live tier. mem must be exactly
// Shards()*2^StrideBits bytes.
func Open(g Geometry, mem []byte, countMapMem []byte) *Tier {
	t := &Tier{
		Geometry: g,
		mem:      mem,
		cell:     bitpack.NewDuopack(g.LocBits),
		countBuf: make([]uint32, g.Shards()),
		countMap: countMapMem,
	}
	for i := range t.countBuf {
		t.countBuf[i] = binary.LittleEndian.Uint32(countMapMem[i*4:])
	}
	return t
}

// IsEmpty reports whether this tier currently holds no shards at all — the
// sentinel for "no lower tier is active".
func (t *Tier) IsEmpty() bool { return t == nil || t.mem == nil }

func (t *Tier) strideBytes() int64 { return int64(1) << t.StrideBits }

func (t *Tier) shardRegion(ix uint32) []byte {
	off := int64(ix) * t.strideBytes()
	return t.mem[off : off+t.strideBytes()]
}

// at returns the byte offset of cell i (0 = magic header) within shard ix's
// region.
func (t *Tier) at(ix uint32, i uint32) int64 {
	return int64(ix)*t.strideBytes() + int64(i)*cellBytes
}

// Imprint writes the magic header cell (cell 0) for shard ix. Called once
// when a shard region is first brought into use.
func (t *Tier) Imprint(ix uint32) {
	off := t.at(ix, 0)
	pmem.NonTemporalStore64(t.mem, int(off), magic)
	t.countBuf[ix] = 1
}

// Count reports the number of media cells currently written for shard ix
// (including the magic cell), from the in-RAM front buffer.
func (t *Tier) Count(ix uint32) uint32 { return t.countBuf[ix] }

// Store writes cell i of shard ix's region with a non-temporal 64-bit
// store, per spec (streaming persistence, not cached for reuse).
func (t *Tier) Store(ix uint32, i uint32, cell uint64) {
	pmem.NonTemporalStore64(t.mem, int(t.at(ix, i)), cell)
}

// AppendCell encodes (hash, loc, deleted) into the next free media cell of
// shard ix's region and advances its front-buffer count. Returns the index
// the cell was written at.
func (t *Tier) AppendCell(ix uint32, hash uint64, loc uint32, deleted bool) uint32 {
	i := t.countBuf[ix]
	sig := hash & ((uint64(1) << t.SigBits) - 1)
	cell := t.cell.Pack(uint64(loc), sig)
	if deleted {
		cell |= 1 << 63
	}
	t.Store(ix, i, cell)
	t.countBuf[ix] = i + 1
	return i
}

// DecodeCell unpacks a raw media cell into (loc, sig, deleted).
func (t *Tier) DecodeCell(cell uint64) (loc uint32, sig uint64, deleted bool) {
	deleted = cell&(1<<63) != 0
	cell &^= 1 << 63
	return uint32(t.cell.A(cell)), t.cell.B(cell), deleted
}

// ReadCell reads back media cell i of shard ix's region.
func (t *Tier) ReadCell(ix uint32, i uint32) uint64 {
	return binary.LittleEndian.Uint64(t.mem[t.at(ix, i):])
}

// FlushCountMap streams the in-RAM front buffer to its persistent mirror,
// one u32 per shard, as part of unify.
func (t *Tier) FlushCountMap() {
	for i, c := range t.countBuf {
		binary.LittleEndian.PutUint32(t.countMap[i*4:], c)
	}
}

// Entry is one live (hash, loc) pair, as produced by shard.Shard.Flatten.
type Entry struct {
	Hash uint64
	Loc  uint32
}

// Flatten rewrites shard ix's media region to contain only the given live
// cells (in order) after the magic header, clearing tombstones. Used
// during reshard once a shard's in-memory image has been rebuilt.
func (t *Tier) Flatten(ix uint32, live []Entry) {
	t.Imprint(ix)
	for _, e := range live {
		t.AppendCell(ix, e.Hash, e.Loc, false)
	}
}
