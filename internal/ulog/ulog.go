// Package ulog implements the micro-log ring described in spec §4.7: a
// ring of cache-line-sized persistent-memory blocks, each cell tagged with
// a 2-bit generation counter so a reader can tell current-generation
// entries from stale ones left over from a previous wrap, without a
// checksum. internal/keymap drives the ring (log_commit on every insert or
// delete, unify draining head..tail) — this package only implements the
// tagging/encoding primitive and the raw commit/read/valid operations.
//
// © 2026 shardmap authors. MIT License.
package ulog

import (
	"encoding/binary"
	"errors"

	"github.com/Voskan/shardmap/internal/pmem"
)

// ErrCorrupt is returned by Read when a block's cells carry inconsistent
// tags — some cells from the current generation, some stale.
var ErrCorrupt = errors.New("ulog: corrupt log block")

// Ring is a power-of-two ring of fixed-size blocks in persistent memory.
// blockCells 64-bit cells per block (typically 32, i.e. 256 bytes / 4 cache
// lines); logOrder is log2 of the number of blocks in the ring.
type Ring struct {
	mem        []byte
	logOrder   uint
	blockCells uint32

	seq  uint32 // next block index to commit (monotonic)
	head uint32 // oldest block not yet applied by unify (monotonic)
}

// Open wraps mem (exactly (1<<logOrder)*blockCells*8 bytes) as a log ring.
func Open(mem []byte, logOrder uint, blockCells uint32) *Ring {
	return &Ring{mem: mem, logOrder: logOrder, blockCells: blockCells}
}

func (r *Ring) ringSize() uint32    { return uint32(1) << r.logOrder }
func (r *Ring) blockBytes() int     { return int(r.blockCells) * 8 }
func (r *Ring) slot(seq uint32) uint32 { return seq & (r.ringSize() - 1) }
func (r *Ring) blockOffset(seq uint32) int {
	return int(r.slot(seq)) * r.blockBytes()
}
func tagOf(seq uint32, logOrder uint) uint64 { return uint64((seq >> logOrder) & 3) }

// Tail reports the next sequence number that will be assigned by Commit.
func (r *Ring) Tail() uint32 { return r.seq }

// Head reports the oldest block not yet consumed by unify.
func (r *Ring) Head() uint32 { return r.head }

// AdvanceHead moves the head up to seq, called by unify after draining.
func (r *Ring) AdvanceHead(seq uint32) { r.head = seq }

// Pending reports the number of committed blocks not yet applied.
func (r *Ring) Pending() uint32 { return r.seq - r.head }

// NearFull reports whether only one free slot remains in the ring — the
// signal keymap uses to force a unify before the next commit.
func (r *Ring) NearFull() bool { return r.Pending() >= r.ringSize()-1 }

// Commit writes payload (at most blockCells-1 cells, the last cell being
// reserved for the salvaged low bits) into the next block, tags every
// cell with the current generation, flushes the block's cache lines and
// issues a store fence. Returns the sequence number the block was written
// at, for later Read/replay.
func (r *Ring) Commit(payload []uint64) (uint32, error) {
	if uint32(len(payload)) > r.blockCells-1 {
		return 0, errors.New("ulog: payload exceeds block capacity")
	}
	seq := r.seq
	tag := tagOf(seq, r.logOrder)
	base := r.blockOffset(seq)

	var saved uint64
	for c, v := range payload {
		saved |= (v & 3) << uint(62-2*c)
		pmem.NonTemporalStore64(r.mem, base+c*8, (v &^ 3) | tag)
	}
	for c := len(payload); c < int(r.blockCells)-1; c++ {
		pmem.NonTemporalStore64(r.mem, base+c*8, tag)
	}
	lastOff := base + int(r.blockCells-1)*8
	pmem.NonTemporalStore64(r.mem, lastOff, saved|tag)

	if err := pmem.Flush(r.mem[base : base+r.blockBytes()]); err != nil {
		return 0, err
	}
	pmem.Sfence()

	r.seq = seq + 1
	return seq, nil
}

// CommitSentinel writes an empty marker block, used to mark the boundary
// between a batch of log entries and the unify that consumed them.
func (r *Ring) CommitSentinel() (uint32, error) { return r.Commit(nil) }

// Read decodes the payload committed at seq. n is the number of payload
// cells originally written (the caller must remember this — the ring
// itself does not record per-block lengths).
func (r *Ring) Read(seq uint32, n int) ([]uint64, error) {
	if n > int(r.blockCells)-1 {
		return nil, errors.New("ulog: n exceeds block capacity")
	}
	tag := tagOf(seq, r.logOrder)
	base := r.blockOffset(seq)
	lastOff := base + int(r.blockCells-1)*8
	last := binary.LittleEndian.Uint64(r.mem[lastOff : lastOff+8])
	if last&3 != tag {
		return nil, ErrCorrupt
	}
	saved := last &^ 3

	out := make([]uint64, n)
	for c := 0; c < n; c++ {
		raw := binary.LittleEndian.Uint64(r.mem[base+c*8 : base+c*8+8])
		if raw&3 != tag {
			return nil, ErrCorrupt
		}
		frag := (saved >> uint(62-2*c)) & 3
		out[c] = (raw &^ 3) | frag
	}
	return out, nil
}

// Valid reports whether every cell of the block at seq carries the
// generation tag expected for that sequence number — i.e. the block
// reached persistence in full. This plays the role of the original's
// parity-count trick (count of odd-low-bit cells divisible by the
// cache-line cell count): checking every cell's tag directly gives the
// same guarantee — no cell from a stale generation survives undetected —
// at the cost of a full-block scan instead of a population count.
func (r *Ring) Valid(seq uint32) bool {
	tag := tagOf(seq, r.logOrder)
	base := r.blockOffset(seq)
	for c := 0; c < int(r.blockCells); c++ {
		raw := binary.LittleEndian.Uint64(r.mem[base+c*8 : base+c*8+8])
		if raw&3 != tag {
			return false
		}
	}
	return true
}
