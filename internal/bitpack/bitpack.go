// Package bitpack implements the two fixed-width cell codecs shardmap uses to
// pack several small integer fields into a single 64-bit word: a two-field
// "duopack" and a three-field "tripack". Both are plain value types — no
// generics, no runtime function tables — because the field widths are fixed
// once at tier/shard construction time and never change afterwards (see
// internal/tier and internal/shard).
//
// © 2026 shardmap authors. MIT License.
package bitpack

import "fmt"

// Duopack splits a 64-bit cell into a low field A of b0 bits and a high
// field B occupying the remaining 64-b0 bits.
type Duopack struct {
	b0       uint
	maskA    uint64
	maskBRaw uint64 // mask for B *before* shifting back down
}

// NewDuopack constructs a codec for field widths {b0, 64-b0}. b0 must be in
// [1, 63].
func NewDuopack(b0 uint) Duopack {
	if b0 < 1 || b0 > 63 {
		panic(fmt.Sprintf("bitpack: duopack b0 out of range: %d", b0))
	}
	return Duopack{
		b0:       b0,
		maskA:    lowMask(b0),
		maskBRaw: lowMask(64 - b0),
	}
}

func lowMask(bits uint) uint64 {
	if bits >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << bits) - 1
}

// Pack combines a and b into a single cell. Values outside their field width
// are silently truncated, matching the C original's raw bit-shift behaviour.
func (d Duopack) Pack(a, b uint64) uint64 {
	return (a & d.maskA) | ((b & d.maskBRaw) << d.b0)
}

// A returns the low field of cell.
func (d Duopack) A(cell uint64) uint64 { return cell & d.maskA }

// B returns the high field of cell.
func (d Duopack) B(cell uint64) uint64 { return (cell >> d.b0) & d.maskBRaw }

// SetFirst replaces field A in place while preserving B.
func (d Duopack) SetFirst(cell *uint64, a uint64) {
	*cell = (*cell &^ d.maskA) | (a & d.maskA)
}

// Tripack splits a 64-bit cell into three fields A:b0, B:b1, C:(64-b0-b1),
// packed low to high.
type Tripack struct {
	b0, b1   uint
	maskA    uint64
	maskBRaw uint64
	maskCRaw uint64
}

// NewTripack constructs a codec for field widths {b0, b1, 64-b0-b1}.
func NewTripack(b0, b1 uint) Tripack {
	if b0 < 1 || b1 < 1 || b0+b1 >= 64 {
		panic(fmt.Sprintf("bitpack: tripack widths out of range: %d,%d", b0, b1))
	}
	return Tripack{
		b0:       b0,
		b1:       b1,
		maskA:    lowMask(b0),
		maskBRaw: lowMask(b1),
		maskCRaw: lowMask(64 - b0 - b1),
	}
}

// Pack combines a, b, c into a single cell.
func (t Tripack) Pack(a, b, c uint64) uint64 {
	return (a & t.maskA) |
		((b & t.maskBRaw) << t.b0) |
		((c & t.maskCRaw) << (t.b0 + t.b1))
}

// A returns the lowest field of cell.
func (t Tripack) A(cell uint64) uint64 { return cell & t.maskA }

// B returns the middle field of cell.
func (t Tripack) B(cell uint64) uint64 { return (cell >> t.b0) & t.maskBRaw }

// C returns the highest field of cell.
func (t Tripack) C(cell uint64) uint64 { return (cell >> (t.b0 + t.b1)) & t.maskCRaw }

// SetFirst replaces field A in place while preserving B and C.
func (t Tripack) SetFirst(cell *uint64, a uint64) {
	*cell = (*cell &^ t.maskA) | (a & t.maskA)
}

// ABits, BBits and CBits return the configured field widths, for callers
// that need to mask a value to field C's width before packing it (e.g. to
// derive the stored low-hash from a full hash).
func (t Tripack) ABits() uint { return t.b0 }
func (t Tripack) BBits() uint { return t.b1 }
func (t Tripack) CBits() uint { return 64 - t.b0 - t.b1 }
