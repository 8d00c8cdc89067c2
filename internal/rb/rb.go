// Package rb implements the record block: slotted storage of (key, fixed
// record) pairs within one fixed-size block, with hole reclamation. See
// spec §4.2.
//
// Layout of a block of `size` bytes:
//
//	[0, headerSize)                     header: size, used, free, count, holes, magic "RB"
//	[headerSize, headerSize+2*count)    table of {hash byte, len byte} entries, growing upward
//	[headerSize+2*count, size-used)     gap (unused space)
//	[size-used, size)                   records, growing downward from size
//
// Entry i's slot is the span of (reclen+table[i].len) bytes located by
// walking from `size` downward, summing slot sizes of entries 0..i in
// table order; entry 0 sits immediately below `size`, and each later index
// sits closer to the gap. A slot holds the fixed reclen-byte value first,
// then the len-byte key region.
//
// Two record flavours share this package instead of a runtime function
// table (spec's design note on recops): NewFixed gives every entry a key
// region that is exactly the search key, NewVarTail gives it a key region
// that is the search key followed by a caller-chosen variable tail, with
// the tail length recorded in the first byte of the fixed value (taglen==1
// mode). The flavour is fixed at construction and never changes.
//
// © 2026 shardmap authors. MIT License.
package rb

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// Sentinel errors. ErrNoSpace is pure — no block state changes when it is
// returned. ErrCorrupt indicates a structural invariant was violated.
var (
	ErrNoSpace  = errors.New("rb: no space")
	ErrCorrupt  = errors.New("rb: corrupt block")
	ErrNotFound = errors.New("rb: entry not found")
)

const (
	headerSize = 24

	offSize  = 0
	offUsed  = 4
	offFree  = 8
	offCount = 12
	offHoles = 16
	offMagic = 20

	magic0 = 'R'
	magic1 = 'B'

	tombstoneHash = 0xFF
	maxKeyLen     = 255
)

// Block is a view over one record block's raw bytes. It carries no buffering
// of its own: every operation reads/writes Mem directly so the block can be
// backed by mmap'd persistent memory.
type Block struct {
	Mem     []byte
	Reclen  uint32
	vartail bool
}

// NewFixed wraps mem as a fixed-record block: the stored key region is
// exactly the search key.
func NewFixed(mem []byte, reclen uint32) Block {
	return Block{Mem: mem, Reclen: reclen, vartail: false}
}

// NewVarTail wraps mem as a variable-tail block: the stored key region is
// the search key followed by a variable-length tail, whose length is kept
// in the first byte of the fixed value.
func NewVarTail(mem []byte, reclen uint32) Block {
	return Block{Mem: mem, Reclen: reclen, vartail: true}
}

/* -------------------------------------------------------------------------
   Header accessors
   ------------------------------------------------------------------------- */

func (b Block) size() uint32  { return binary.LittleEndian.Uint32(b.Mem[offSize:]) }
func (b Block) used() uint32  { return binary.LittleEndian.Uint32(b.Mem[offUsed:]) }
func (b Block) free() uint32  { return binary.LittleEndian.Uint32(b.Mem[offFree:]) }
func (b Block) count() uint32 { return binary.LittleEndian.Uint32(b.Mem[offCount:]) }
func (b Block) holes() uint32 { return binary.LittleEndian.Uint32(b.Mem[offHoles:]) }

func (b Block) setUsed(v uint32)  { binary.LittleEndian.PutUint32(b.Mem[offUsed:], v) }
func (b Block) setFree(v uint32)  { binary.LittleEndian.PutUint32(b.Mem[offFree:], v) }
func (b Block) setCount(v uint32) { binary.LittleEndian.PutUint32(b.Mem[offCount:], v) }
func (b Block) setHoles(v uint32) { binary.LittleEndian.PutUint32(b.Mem[offHoles:], v) }

// Init formats an empty block: zero counts, magic written, size set to the
// length of the backing memory.
func (b Block) Init() {
	binary.LittleEndian.PutUint32(b.Mem[offSize:], uint32(len(b.Mem)))
	b.setUsed(0)
	b.setFree(0)
	b.setCount(0)
	b.setHoles(0)
	b.Mem[offMagic] = magic0
	b.Mem[offMagic+1] = magic1
}

// ValidMagic reports whether the block header carries the expected magic.
func (b Block) ValidMagic() bool {
	return len(b.Mem) >= headerSize && b.Mem[offMagic] == magic0 && b.Mem[offMagic+1] == magic1
}

/* -------------------------------------------------------------------------
   Table entries
   ------------------------------------------------------------------------- */

func tabentOffset(i uint32) int { return headerSize + int(i)*2 }

func (b Block) tabent(i uint32) (hash, length uint8) {
	off := tabentOffset(i)
	return b.Mem[off], b.Mem[off+1]
}

func (b Block) setTabent(i uint32, hash, length uint8) {
	off := tabentOffset(i)
	b.Mem[off] = hash
	b.Mem[off+1] = length
}

// gap returns the number of unused bytes between the table's top and the
// record area's top.
func (b Block) gap() uint32 {
	return b.size() - b.used() - headerSize - 2*b.count()
}

// Big returns the largest key length that can currently be created.
func (b Block) Big() uint8 {
	if b.holes() == 0 {
		g := int64(b.gap()) - int64(b.Reclen) - 2
		if g < 0 {
			g = 0
		}
		if g > maxKeyLen {
			g = maxKeyLen
		}
		return uint8(g)
	}
	v := int64(b.gap()) + int64(b.free())
	if v > maxKeyLen {
		v = maxKeyLen
	}
	return uint8(v)
}

/* -------------------------------------------------------------------------
   Offset walking
   ------------------------------------------------------------------------- */

// slotLen returns reclen+len for the given table length byte.
func (b Block) slotLen(entryLen uint8) uint32 { return b.Reclen + uint32(entryLen) }

// forEachSlot walks every table entry from index 0 (nearest `size`) to
// count-1 (nearest the gap), computing each slot's [lo, lo+slotLen) range,
// and calls visit(i, hash, length, lo). Stops early if visit returns false.
func (b Block) forEachSlot(visit func(i uint32, hash, length uint8, lo uint32) bool) {
	top := b.size()
	n := b.count()
	for i := uint32(0); i < n; i++ {
		hash, length := b.tabent(i)
		sl := b.slotLen(length)
		lo := top - sl
		if !visit(i, hash, length, lo) {
			return
		}
		top = lo
	}
}

func (b Block) effectiveKeyLen(storedLen uint8, valueBytes []byte) int {
	if !b.vartail {
		return int(storedLen)
	}
	varlen := int(valueBytes[0])
	n := int(storedLen) - varlen
	if n < 0 {
		n = 0
	}
	return n
}

/* -------------------------------------------------------------------------
   Lookup
   ------------------------------------------------------------------------- */

// Lookup scans the table for an entry matching lowhash and key, returning
// the record's fixed value bytes (reclen long).
func (b Block) Lookup(key []byte, lowhash uint8) ([]byte, bool) {
	var found []byte
	var ok bool
	b.forEachSlot(func(i uint32, hash, length uint8, lo uint32) bool {
		if hash != lowhash || hash == tombstoneHash {
			return true
		}
		value := b.Mem[lo : lo+b.Reclen]
		keyArea := b.Mem[lo+b.Reclen : lo+b.slotLen(length)]
		klen := b.effectiveKeyLen(length, value)
		if klen != len(key) {
			return true
		}
		if !bytes.Equal(keyArea[:klen], key) {
			return true
		}
		found = value
		ok = true
		return false
	})
	return found, ok
}

/* -------------------------------------------------------------------------
   Delete
   ------------------------------------------------------------------------- */

// Delete removes the entry matching lowhash and key. The slot's table entry
// is marked as a tombstone (hash=0xFF); if it was the last (highest-index)
// entry, trailing holes are trimmed immediately.
func (b Block) Delete(key []byte, lowhash uint8) error {
	var foundIdx int64 = -1
	var foundLen uint8
	b.forEachSlot(func(i uint32, hash, length uint8, lo uint32) bool {
		if hash != lowhash || hash == tombstoneHash {
			return true
		}
		value := b.Mem[lo : lo+b.Reclen]
		keyArea := b.Mem[lo+b.Reclen : lo+b.slotLen(length)]
		klen := b.effectiveKeyLen(length, value)
		if klen != len(key) || !bytes.Equal(keyArea[:klen], key) {
			return true
		}
		foundIdx = int64(i)
		foundLen = length
		return false
	})
	if foundIdx == -1 {
		return ErrNotFound
	}
	idx := uint32(foundIdx)
	b.setTabent(idx, tombstoneHash, foundLen)
	b.setFree(b.free() + uint32(foundLen))
	b.setHoles(b.holes() + 1)

	if idx == b.count()-1 {
		b.trimTrailingHoles()
	}
	return nil
}

// trimTrailingHoles repeatedly drops the last table entry while it is a
// hole, shrinking count and used (and free/holes) to match.
func (b Block) trimTrailingHoles() {
	for b.count() > 0 {
		idx := b.count() - 1
		hash, length := b.tabent(idx)
		if hash != tombstoneHash {
			return
		}
		b.setCount(idx)
		b.setUsed(b.used() - b.slotLen(length))
		b.setFree(b.free() - uint32(length))
		b.setHoles(b.holes() - 1)
	}
}

/* -------------------------------------------------------------------------
   Walk / Check
   ------------------------------------------------------------------------- */

// Walk visits every live (non-tombstone) entry, invoking fn with its table
// index, low-hash, key bytes (post-vartail trim) and fixed value.
func (b Block) Walk(fn func(idx uint32, lowhash uint8, key []byte, value []byte)) {
	b.forEachSlot(func(i uint32, hash, length uint8, lo uint32) bool {
		if hash == tombstoneHash {
			return true
		}
		value := b.Mem[lo : lo+b.Reclen]
		keyArea := b.Mem[lo+b.Reclen : lo+b.slotLen(length)]
		klen := b.effectiveKeyLen(length, value)
		fn(i, hash, keyArea[:klen], value)
		return true
	})
}

// Check audits block bookkeeping and returns the number of mismatches
// found. A healthy block always returns 0.
func (b Block) Check() int {
	errs := 0
	if !b.ValidMagic() {
		errs++
	}
	var usedSum, freeSum, holeCount uint32
	b.forEachSlot(func(i uint32, hash, length uint8, lo uint32) bool {
		usedSum += b.slotLen(length)
		if hash == tombstoneHash {
			freeSum += uint32(length)
			holeCount++
		}
		return true
	})
	if usedSum != b.used() {
		errs++
	}
	if freeSum != b.free() {
		errs++
	}
	if holeCount != b.holes() {
		errs++
	}
	if int64(b.gap()) < 0 {
		errs++
	}
	return errs
}

/* -------------------------------------------------------------------------
   Create
   ------------------------------------------------------------------------- */

// Create inserts a new entry. value must be Reclen bytes; for a vartail
// block its first byte must already hold the tail length (Create does not
// rewrite it), and tail is appended after the key in the stored key region.
// For a fixed block tail must be empty.
func (b Block) Create(key []byte, lowhash uint8, value []byte, tail []byte) ([]byte, error) {
	if len(value) != int(b.Reclen) {
		return nil, ErrCorrupt
	}
	if !b.vartail && len(tail) != 0 {
		return nil, ErrCorrupt
	}
	storedLen := len(key) + len(tail)
	if storedLen > maxKeyLen {
		return nil, ErrNoSpace
	}
	need := b.Reclen + uint32(storedLen)

	if b.gap() >= need+2 {
		return b.appendFast(key, tail, lowhash, value, uint8(storedLen))
	}
	return b.createSlow(key, tail, lowhash, value, uint8(storedLen))
}

func (b Block) appendFast(key, tail []byte, lowhash uint8, value []byte, storedLen uint8) ([]byte, error) {
	idx := b.count()
	newUsed := b.used() + b.slotLen(storedLen)
	lo := b.size() - newUsed

	b.setTabent(idx, lowhash, storedLen)
	rec := b.Mem[lo : lo+b.slotLen(storedLen)]
	copy(rec[:b.Reclen], value)
	copy(rec[b.Reclen:], key)
	copy(rec[int(b.Reclen)+len(key):], tail)

	b.setCount(idx + 1)
	b.setUsed(newUsed)
	return rec[:b.Reclen], nil
}

// createSlow handles the hole-reuse path. Rather than simulate the
// original's entry-by-entry shift-and-shrink walk (which moves live
// records just far enough to absorb one hole at a time), it reclaims every
// hole in the block in a single pass: every live entry is copied forward
// in its original order, the new entry is appended after them, and the
// table/record areas are rewritten from scratch. The externally observable
// result is identical to chasing holes one at a time — all live entries
// survive unmoved in relative order, every tombstoned entry's bytes are
// reclaimed — while staying a single, easy-to-audit O(count) pass.
func (b Block) createSlow(key, tail []byte, lowhash uint8, value []byte, storedLen uint8) ([]byte, error) {
	if b.holes() == 0 {
		return nil, ErrNoSpace
	}

	type liveEntry struct {
		hash  uint8
		value []byte
		key   []byte
	}
	var live []liveEntry
	b.forEachSlot(func(i uint32, hash, length uint8, lo uint32) bool {
		if hash == tombstoneHash {
			return true
		}
		valCopy := append([]byte(nil), b.Mem[lo:lo+b.Reclen]...)
		keyCopy := append([]byte(nil), b.Mem[lo+b.Reclen:lo+b.slotLen(length)]...)
		live = append(live, liveEntry{hash: hash, value: valCopy, key: keyCopy})
		return true
	})

	newCount := uint32(len(live)) + 1
	newUsed := b.slotLen(storedLen)
	for _, e := range live {
		newUsed += b.Reclen + uint32(len(e.key))
	}
	if uint64(headerSize)+2*uint64(newCount)+uint64(newUsed) > uint64(b.size()) {
		return nil, ErrNoSpace
	}

	top := b.size()
	idx := uint32(0)
	for _, e := range live {
		length := uint8(len(e.key))
		sl := b.slotLen(length)
		lo := top - sl
		b.setTabent(idx, e.hash, length)
		copy(b.Mem[lo:lo+b.Reclen], e.value)
		copy(b.Mem[lo+b.Reclen:lo+sl], e.key)
		top = lo
		idx++
	}

	sl := b.slotLen(storedLen)
	lo := top - sl
	b.setTabent(idx, lowhash, storedLen)
	rec := b.Mem[lo : lo+sl]
	copy(rec[:b.Reclen], value)
	copy(rec[b.Reclen:], key)
	copy(rec[int(b.Reclen)+len(key):], tail)
	idx++

	b.setCount(idx)
	b.setUsed(newUsed)
	b.setFree(0)
	b.setHoles(0)
	return rec[:b.Reclen], nil
}
