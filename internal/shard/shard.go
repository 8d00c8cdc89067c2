// Package shard implements the in-memory chained hash table for one slice
// of a keymap's key space (spec §4.4). Every slot — bucket head or overflow
// node — is a single packed 64-bit cell {link, loc, lowhash}; overflow nodes
// live in the same backing slice as bucket heads, addressed by index, so the
// whole table is one flat []uint64 with no pointer chasing outside it.
//
// © 2026 shardmap authors. MIT License.
package shard

import (
	"errors"

	"github.com/Voskan/shardmap/internal/bitpack"
)

// ErrOverflow is returned when a shard's overflow arena is exhausted (no
// free slot and the link-field width cannot address any more).
var ErrOverflow = errors.New("shard: overflow arena exhausted")

// ErrNotFound is returned by Remove when no entry matches (hash, loc).
var ErrNotFound = errors.New("shard: entry not found")

// noEntry is the reserved link value that marks an empty bucket head. Any
// real overflow index is >= 1<<TableBits, which is always > 1 except in the
// degenerate single-bucket (tableBits==0) case; Shard guards that case by
// always allocating overflow indices starting at max(1<<tableBits, 2).
const noEntry = 1

// Shard is one slice of a keymap's hash index.
type Shard struct {
	cell      bitpack.Tripack // {link: linkBits, loc: locBits, lowhash: 64-linkBits-locBits}
	tableBits uint
	lowBits   uint // bits of hash already consumed selecting this bucket array's low-order cut
	top       uint32

	table []uint64
	used  uint32 // high-water mark; always >= 1<<tableBits
	free  uint32 // free-list head, 0 = empty
	count uint32
}

// New constructs an empty shard with 2^tableBits buckets. linkBits must be
// wide enough to address top overflow slots; locBits must fit every loc the
// owning tier can produce.
func New(tableBits, linkBits, locBits uint, top uint32) *Shard {
	n := uint32(1) << tableBits
	overflowStart := n
	if overflowStart < 2 {
		overflowStart = 2
	}
	s := &Shard{
		cell:      bitpack.NewTripack(linkBits, locBits),
		tableBits: tableBits,
		top:       top,
		table:     make([]uint64, overflowStart, top),
		used:      overflowStart,
	}
	for i := range s.table {
		s.table[i] = s.cell.Pack(noEntry, 0, 0)
	}
	return s
}

// SetLowBits records how many low hash bits select the bucket (bucket =
// (hash >> lowBits) & mask). Keymap computes this from tier geometry.
func (s *Shard) SetLowBits(lowBits uint) { s.lowBits = lowBits }

func (s *Shard) mask() uint64 { return (uint64(1) << s.tableBits) - 1 }

func (s *Shard) bucketOf(hash uint64) uint32 {
	return uint32((hash >> s.lowBits) & s.mask())
}

// Count reports the number of live entries.
func (s *Shard) Count() uint32 { return s.count }

// Limit reports the configured split threshold given a fixed-point 8.8
// load factor (as stored in the persistent header).
func (s *Shard) Limit(loadFactor8_8 uint16) uint32 {
	n := uint64(1) << s.tableBits
	return uint32((n * uint64(loadFactor8_8)) >> 8)
}

func (s *Shard) allocSlot() (uint32, error) {
	if s.free != 0 {
		idx := s.free
		s.free = uint32(s.cell.A(s.table[idx]))
		return idx, nil
	}
	if s.used == s.top {
		return 0, ErrOverflow
	}
	idx := s.used
	s.used++
	if idx >= uint32(len(s.table)) {
		s.table = append(s.table, 0)
	}
	return idx, nil
}

func (s *Shard) freeSlot(idx uint32) {
	s.table[idx] = s.cell.Pack(uint64(s.free), 0, 0)
	s.free = idx
}

// Insert adds (hash, loc) to the shard's table.
func (s *Shard) Insert(hash uint64, loc uint32) error {
	bucket := s.bucketOf(hash)
	lowhash := hash & ((uint64(1) << s.cell.CBits()) - 1)
	head := s.table[bucket]
	if s.cell.A(head) == noEntry {
		s.table[bucket] = s.cell.Pack(0, uint64(loc), lowhash)
		s.count++
		return nil
	}
	idx, err := s.allocSlot()
	if err != nil {
		return err
	}
	s.table[idx] = head
	s.table[bucket] = s.cell.Pack(uint64(idx), uint64(loc), lowhash)
	s.count++
	return nil
}

// Remove deletes the entry matching (hash, loc) exactly — the pair
// uniquely identifies one media insertion, per spec.
func (s *Shard) Remove(hash uint64, loc uint32) error {
	bucket := s.bucketOf(hash)
	lowhash := hash & ((uint64(1) << s.cell.CBits()) - 1)

	head := s.table[bucket]
	if s.cell.A(head) == noEntry {
		return ErrNotFound
	}
	if s.cell.C(head) == lowhash && uint32(s.cell.B(head)) == loc {
		next := s.cell.A(head)
		if next == 0 {
			s.table[bucket] = s.cell.Pack(noEntry, 0, 0)
		} else {
			s.table[bucket] = s.table[next]
			s.freeSlot(uint32(next))
		}
		s.count--
		return nil
	}

	prevIdx := bucket
	cur := s.cell.A(head)
	for cur != 0 {
		node := s.table[cur]
		if s.cell.C(node) == lowhash && uint32(s.cell.B(node)) == loc {
			s.cell.SetFirst(&s.table[prevIdx], s.cell.A(node))
			s.freeSlot(uint32(cur))
			s.count--
			return nil
		}
		prevIdx = uint32(cur)
		cur = s.cell.A(node)
	}
	return ErrNotFound
}

// Walk invokes fn for every chain entry in hash's bucket whose low-hash
// matches, passing its loc. Stops early if fn returns false.
func (s *Shard) Walk(hash uint64, fn func(loc uint32) bool) {
	bucket := s.bucketOf(hash)
	lowhash := hash & ((uint64(1) << s.cell.CBits()) - 1)

	head := s.table[bucket]
	if s.cell.A(head) == noEntry {
		return
	}
	if s.cell.C(head) == lowhash {
		if !fn(uint32(s.cell.B(head))) {
			return
		}
	}
	cur := s.cell.A(head)
	for cur != 0 {
		node := s.table[cur]
		if s.cell.C(node) == lowhash {
			if !fn(uint32(s.cell.B(node))) {
				return
			}
		}
		cur = s.cell.A(node)
	}
}

// WalkAll invokes fn for every live entry in the shard, in bucket order.
func (s *Shard) WalkAll(fn func(hash uint64, loc uint32)) {
	n := uint32(1) << s.tableBits
	for b := uint32(0); b < n; b++ {
		head := s.table[b]
		if s.cell.A(head) == noEntry {
			continue
		}
		fn(s.cell.C(head)<<s.lowBits|uint64(b), uint32(s.cell.B(head)))
		cur := s.cell.A(head)
		for cur != 0 {
			node := s.table[cur]
			fn(s.cell.C(node)<<s.lowBits|uint64(b), uint32(s.cell.B(node)))
			cur = s.cell.A(node)
		}
	}
}

// LoadFromMedia replays a per-shard media log: each cell is (hash, loc,
// delete bool). Two consecutive zero cells indicate corruption.
func (s *Shard) LoadFromMedia(cells []MediaCell) error {
	zeros := 0
	for _, c := range cells {
		if c.Hash == 0 && c.Loc == 0 && !c.Delete {
			zeros++
			if zeros >= 2 {
				return errors.New("shard: corrupt media log (two consecutive zero cells)")
			}
			continue
		}
		zeros = 0
		if c.Delete {
			if err := s.Remove(c.Hash, c.Loc); err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
		} else {
			if err := s.Insert(c.Hash, c.Loc); err != nil {
				return err
			}
		}
	}
	return nil
}

// MediaCell is the decoded form of one tier media-log entry.
type MediaCell struct {
	Hash   uint64
	Loc    uint32
	Delete bool
}

// Flatten returns only the live (hash, loc) cells, in bucket-then-chain
// order, for rewriting a tier's media region without tombstones.
func (s *Shard) Flatten() []MediaCell {
	out := make([]MediaCell, 0, s.count)
	s.WalkAll(func(hash uint64, loc uint32) {
		out = append(out, MediaCell{Hash: hash, Loc: loc})
	})
	return out
}

// ReshardPart copies every live entry whose bucket falls in
// [part*2^(tableBits-moreShards), (part+1)*2^(tableBits-moreShards)) into
// out, used when splitting this shard's bucket range into a new shard
// during keymap's incremental reshard.
func (s *Shard) ReshardPart(out *Shard, moreShards uint, part uint32) {
	width := uint32(1) << (s.tableBits - moreShards)
	lo := part * width
	hi := lo + width
	for b := lo; b < hi; b++ {
		head := s.table[b]
		if s.cell.A(head) == noEntry {
			continue
		}
		hash := s.cell.C(head)<<s.lowBits | uint64(b)
		_ = out.Insert(hash, uint32(s.cell.B(head)))
		cur := s.cell.A(head)
		for cur != 0 {
			node := s.table[cur]
			hash := s.cell.C(node)<<s.lowBits | uint64(b)
			_ = out.Insert(hash, uint32(s.cell.B(node)))
			cur = s.cell.A(node)
		}
	}
}
