// Package bigmap implements the free-space radix trie described in spec
// §4.3: a tree over block addresses whose leaves are record blocks and
// whose interior map blocks each hold 2^blockBits single-byte slots, slot
// value i giving the largest key size still creatable somewhere in the
// i'th child subtree. Try finds (or creates) a block that might admit a
// record of a given size in O(levels); Free records that a block now has
// more room and walks ancestors up to date.
//
// Map blocks are interleaved with record blocks in the same block address
// space (IsMaploc decides which is which), so no separate allocation table
// is needed to find them — this mirrors the original design's space
// economy (one byte of overhead per leaf).
//
// © 2026 shardmap authors. MIT License.
package bigmap

import "fmt"

const (
	maxLevels = 10
	maxLen    = 255
)

// Ext supplies the block storage bigmap operates over. The whole backing
// file is assumed to be mapped once (per internal/layout), so unlike the
// original's windowed ext_bigmap_map/unmap pair, Mem and MapBlockMem return
// slices directly into that mapping — no map/unmap bookkeeping is needed.
type Ext interface {
	// MapBlockMem returns the 1<<BlockBits byte window for the map block
	// at loc, extending backing storage first if loc is beyond what has
	// been allocated so far.
	MapBlockMem(loc uint32) []byte
	// NewRecordBlock allocates and rb.Init's a fresh record block at loc,
	// extending backing storage first if needed.
	NewRecordBlock(loc uint32)
	// RecordBlockBig returns rb.Big() for the leaf record block at loc.
	RecordBlockBig(loc uint32) uint8
}

type pathLevel struct {
	loc   uint32
	start uint32
	at    uint32
	wrap  uint32
	big   uint8
}

// Map is a free-space radix trie over a run of block addresses
// [0, Blocks). Blocks grows monotonically as Try allocates new leaves.
type Map struct {
	ext       Ext
	blockBits uint
	blocks    uint32
	maxBlocks uint32

	levels      uint
	path        [maxLevels + 1]pathLevel
	partialPath bool
	big         uint8
}

// New constructs a Map over an already-populated run of `blocks` block
// addresses (0 is allowed for a brand new store).
func New(ext Ext, blockBits uint, blocks, maxBlocks uint32) *Map {
	return &Map{ext: ext, blockBits: blockBits, blocks: blocks, maxBlocks: maxBlocks}
}

// Open (re)computes the level count from Blocks and resets path state. Call
// once after construction, whether starting fresh or recovering from media.
func (m *Map) Open() {
	m.levels = maplevels(m.blocks, m.blockBits)
	for l := uint(0); l < m.levels; l++ {
		m.path[l] = pathLevel{loc: ^uint32(0)}
	}
	m.setSentinel()
}

func (m *Map) setSentinel() {
	m.path[m.levels] = pathLevel{big: maxLen}
	m.big = maxLen
}

// Blocks reports the current block count.
func (m *Map) Blocks() uint32 { return m.blocks }

/* -------------------------------------------------------------------------
   Address-space geometry: which block holds map data vs. record data.
   ------------------------------------------------------------------------- */

// maplevels returns the number of trie levels (including level 0, the
// record blocks themselves) needed to index `blocks` leaves.
func maplevels(blocks uint32, blockBits uint) uint {
	stride := uint32(1)
	for level := uint(1); level < maxLevels; level, stride = level+1, stride<<blockBits {
		if blocks <= stride {
			return level
		}
	}
	panic("bigmap: block count exceeds maximum trie depth")
}

// ithToMaploc computes the block address of the ith map block at the given
// level, where stridebits is level*blockBits.
func ithToMaploc(level uint, blockBits, strideBits uint, ith uint32) uint32 {
	if ith == 0 && level > 1 {
		return uint32(level) + (1 << (strideBits - blockBits))
	}
	return uint32(level) + (ith << strideBits)
}

func bigmapWrap(blocks uint32, blockBits, strideBits uint, ith uint32) uint32 {
	blocksize := uint32(1) << blockBits
	last := blocks >> strideBits
	if ith < last {
		return blocksize
	}
	subBits := strideBits - blockBits
	subMask := uint32(1)<<subBits - 1
	return ((blocks + subMask) >> subBits) - (last << blockBits)
}

// IsMaploc reports whether loc holds a map block (true) or a record block
// (false), given only the block-address arithmetic — no I/O.
func IsMaploc(loc uint32, blockBits uint) bool {
	stride := uint32(1) << blockBits
	level := loc & (stride - 1)
	switch level {
	case 0:
		return false
	case 1:
		return true
	}
	strideBits := blockBits * uint(level-2)
	if strideBits >= 32-blockBits {
		return false
	}
	stride <<= strideBits
	switch {
	case loc < stride:
		return false
	case loc == stride+level:
		return true
	default:
		return (loc & ((stride << blockBits) - 1)) == level
	}
}

// nextLoc returns the next record-block address above loc, skipping any map
// blocks interleaved between them. loc must itself be a record block.
func nextLoc(blockBits uint, loc uint32) uint32 {
	strideBits := blockBits
	for level := uint(1); level < maxLevels; level, strideBits = level+1, strideBits+blockBits {
		stride := uint32(1) << strideBits
		loc++
		if loc < stride {
			if (loc >> (strideBits - blockBits)) != 1 {
				break
			}
		} else {
			if (loc & (stride - 1)) != uint32(level) {
				break
			}
		}
	}
	return loc
}

/* -------------------------------------------------------------------------
   Path maintenance
   ------------------------------------------------------------------------- */

func (m *Map) levelLoad(level uint, loc, wrap uint32) {
	m.path[level] = pathLevel{loc: loc, wrap: wrap}
}

func (m *Map) mapBlockLoad(level uint, ith uint32, strideBits uint) {
	loc := ithToMaploc(level, m.blockBits, strideBits, ith)
	if m.path[level].loc != loc {
		m.levelLoad(level, loc, 0)
	}
	m.path[level].wrap = bigmapWrap(m.blocks, m.blockBits, strideBits, ith)
}

func (m *Map) mapMem(level uint) []byte { return m.ext.MapBlockMem(m.path[level].loc) }

/* -------------------------------------------------------------------------
   New-block allocation
   ------------------------------------------------------------------------- */

// addNewMapBlock allocates a fresh map block at the next free address,
// zero-fills it and writes init at its head, then points path[level] at it.
func (m *Map) addNewMapBlock(level uint, init []byte) uint32 {
	loc := m.blocks
	m.blocks++
	mem := m.ext.MapBlockMem(loc)
	for i := range mem {
		mem[i] = 0
	}
	copy(mem, init)
	m.levelLoad(level, loc, uint32(len(init)))
	return loc
}

// addNewLevel appends a new top level above the current root, seeding it
// with the previous root's running maximum plus a fresh sentinel slot.
func (m *Map) addNewLevel() uint {
	level := m.levels
	m.levels++
	m.addNewMapBlock(level, []byte{m.big, maxLen})
	m.path[level].at = 1
	m.path[level].big = m.big
	m.setSentinel()
	return level
}

// mapNewBlock grows the store by one record block, adding or updating map
// blocks along the way (and a new trie level, if the current top level is
// now full) so the trie stays fully covering [0, Blocks).
func (m *Map) mapNewBlock() {
	loc := m.blocks
	m.blocks++
	m.ext.NewRecordBlock(loc)
	m.levelLoad(0, loc, 0)

	blockBits := m.blockBits
	strideBits := blockBits
	for level := uint(1); level < m.levels; level, strideBits = level+1, strideBits+blockBits {
		p := &m.path[level]
		strideMask := uint32(1)<<strideBits - 1
		if loc&strideMask == 0 {
			newLoc := m.addNewMapBlock(level, []byte{maxLen})
			if level == 1 {
				p.wrap = uint32(nextLoc(blockBits, loc) - loc)
			}
			_ = newLoc
		} else {
			ith := loc >> strideBits
			rightmost := (loc >> (strideBits - blockBits)) & (uint32(1)<<blockBits - 1)
			wrap := bigmapWrap(m.blocks, blockBits, strideBits, ith)
			wantLoc := ithToMaploc(level, blockBits, strideBits, ith)
			if p.loc != wantLoc {
				m.levelLoad(level, wantLoc, wrap)
				p.start, p.at = rightmost, rightmost
			} else {
				p.start, p.at, p.wrap = 0, rightmost, wrap
			}
			m.mapMem(level)[p.at] = maxLen
		}
	}

	if m.blocks == 1<<strideBits {
		m.addNewLevel()
	}
	m.big = maxLen
}

/* -------------------------------------------------------------------------
   Try / Free
   ------------------------------------------------------------------------- */

// Try locates (allocating if necessary) a record block that may have room
// for a key of total length len, given big — the caller's already-known
// largest-creatable size for the block it just failed to insert into. It
// leaves path[0].loc set to the candidate block.
//
// Returns the candidate block's address. Growing implies RecordBlockBig at
// the candidate must be re-checked by the caller — Try is a hint, not a
// guarantee (per spec: "not certain that the returned block can actually
// store the record").
func (m *Map) Try(length int, big uint8) uint32 {
	if length > maxLen {
		panic("bigmap: key length exceeds maximum")
	}
	need := uint8(length)

	if m.levels <= 1 {
		// Block 0 is always a record block (see IsMaploc): an empty map
		// gets it as its only leaf before any map block exists.
		if m.blocks == 0 {
			m.blocks = 1
			m.ext.NewRecordBlock(0)
			m.levelLoad(0, 0, 0)
			return 0
		}
		m.addNewMapBlock(1, []byte{big, 0, maxLen})
		m.mapNewBlock()
		m.path[1].big = big
		m.path[1].at = 2
		// Mirrors add_map_level's side effect: the block just populated
		// becomes the new top level, so the sentinel must land one level
		// higher — bumping levels here (rather than before mapNewBlock)
		// keeps mapNewBlock's per-level loop a no-op for this bootstrap
		// call, exactly as before; only setSentinel's target moves.
		m.levels++
		m.setSentinel()
		return m.path[0].loc
	}

	blockBits := m.blockBits
	level := uint(1)
	strideBits := blockBits

	if m.partialPath {
		m.pathLoad(m.path[0].loc)
	}

	p := &m.path[1]
	m.mapMem(1)[p.at] = big

	for {
		p = &m.path[level]

		if p.big >= need {
			p.at = p.start
			p.big = 0
		}

		for {
			mem := m.mapMem(level)
			bound := mem[p.at]

			if need <= bound {
				ith := ((p.loc >> strideBits) << blockBits) + p.at
				level--
				if level == 0 {
					m.levelLoad(0, ith, 0)
					return m.path[0].loc
				}
				strideBits -= blockBits
				m.mapBlockLoad(level, ith, strideBits)
				p = &m.path[level]
				continue
			}

			if p.big < bound {
				p.big = bound
			}
			p.at++
			if p.at == p.wrap {
				p.at = 0
			}
			if p.at == p.start {
				break
			}
		}

		// The level above the top is the in-memory sentinel, not a block.
		if level+1 < m.levels {
			parentAt := (p.loc >> strideBits) & (uint32(1)<<blockBits - 1)
			m.mapMem(level + 1)[parentAt] = p.big
		}
		level++
		strideBits += blockBits
		if level == m.levels {
			m.mapNewBlock()
			return m.path[0].loc
		}
	}
}

// pathLoad reloads every level above 0 for the given leaf address, used
// after a partial update left intermediate levels possibly stale.
func (m *Map) pathLoad(loc uint32) {
	blockBits := m.blockBits
	ith := loc
	blockMask := uint32(1)<<blockBits - 1
	for level, strideBits := uint(1), blockBits; level < m.levels; level, strideBits = level+1, strideBits+blockBits {
		at := ith & blockMask
		ith >>= blockBits
		m.mapBlockLoad(level, ith, strideBits)
		m.path[level].start, m.path[level].at = at, at
	}
	m.partialPath = false
}

// Free records that the block at loc now admits keys up to big: walk
// ancestors updating their slot, stopping early (and marking partialPath)
// if an ancestor is already ≥ big.
func (m *Map) Free(loc uint32, big uint8) {
	blockBits := m.blockBits
	blockMask := uint32(1)<<blockBits - 1
	ith := loc
	for level, strideBits := uint(1), blockBits; level < m.levels; level, strideBits = level+1, strideBits+blockBits {
		at := ith & blockMask
		ith >>= blockBits
		m.mapBlockLoad(level, ith, strideBits)
		p := &m.path[level]
		mem := m.mapMem(level)
		if mem[at] >= big {
			m.partialPath = true
			return
		}
		mem[at] = big
		p.start, p.at = at, at
	}
	m.big = big
}

/* -------------------------------------------------------------------------
   Diagnostics
   ------------------------------------------------------------------------- */

// Check audits every map slot against the actual maximum of its subtree,
// returning the total slack (sum of over-estimates) found. Any slot found
// to be an under-estimate (an invariant violation) is reported via the
// violations return value.
func (m *Map) Check() (slack uint64, violations int) {
	blockBits := m.blockBits
	levels := maplevels(m.blocks, blockBits)
	for level, strideBits := uint(1), blockBits; level < levels; level, strideBits = level+1, strideBits+blockBits {
		stride := uint32(1) << strideBits
		maps := (m.blocks + stride - 1) >> strideBits
		for i := uint32(0); i < maps; i++ {
			wrap := bigmapWrap(m.blocks, blockBits, strideBits, i)
			parent := m.ext.MapBlockMem(ithToMaploc(level, blockBits, strideBits, i))
			for j := uint32(0); j < wrap; j++ {
				childIth := (i << blockBits) + j
				childLoc := ithToMaploc(level-1, blockBits, strideBits-blockBits, childIth)
				var big uint8
				if level > 1 {
					child := m.ext.MapBlockMem(childLoc)
					for k := range child {
						if big < child[k] {
							big = child[k]
						}
					}
				} else if IsMaploc(childLoc, blockBits) {
					if parent[j] != 0 {
						violations++
					}
					continue
				} else {
					big = m.ext.RecordBlockBig(childLoc)
				}
				if parent[j] < big {
					violations++
				} else {
					slack += uint64(parent[j] - big)
				}
			}
		}
	}
	return slack, violations
}

// Dump renders the trie for debugging, one line per block address.
func (m *Map) Dump() string {
	var out []byte
	blockBits := m.blockBits
	blocksize := uint32(1) << blockBits
	for i := uint32(0); i < m.blocks; {
		next := nextLoc(blockBits, i)
		out = append(out, []byte(fmt.Sprintf("%d: %d\n", i, m.ext.RecordBlockBig(i)))...)
		for k, level := i+1, uint(1); k < next; k, level = k+1, level+1 {
			strideBits := level * blockBits
			wrap := bigmapWrap(m.blocks, blockBits, strideBits, i>>strideBits)
			mem := m.ext.MapBlockMem(k)
			out = append(out, []byte(fmt.Sprintf("%d:", k))...)
			for j := uint32(0); j < blocksize; j++ {
				if j >= wrap {
					out = append(out, " -"...)
					continue
				}
				childLoc := ithToMaploc(level-1, blockBits, strideBits-blockBits, ((i>>strideBits)<<blockBits)+j)
				out = append(out, []byte(fmt.Sprintf(" %d:%d", childLoc, mem[j]))...)
			}
			out = append(out, '\n')
		}
		i = next
	}
	return string(out)
}
