// Package keymap implements the engine described in spec §4.6: it routes
// operations by hash to a shard, drives incremental rehash/reshard as
// shards fill, and owns the record-block storage, the free-space bigmap
// and the micro-log used to make every update crash-consistent.
//
// © 2026 shardmap authors. MIT License.
package keymap

import (
	"errors"
	"hash/maphash"

	"go.uber.org/zap"

	"github.com/Voskan/shardmap/internal/bigmap"
	"github.com/Voskan/shardmap/internal/rb"
	"github.com/Voskan/shardmap/internal/shard"
	"github.com/Voskan/shardmap/internal/tier"
	"github.com/Voskan/shardmap/internal/ulog"
)

// Sentinel errors, per spec §7.
var (
	ErrNotFound      = errors.New("keymap: not found")
	ErrAlreadyExists = errors.New("keymap: already exists")
	ErrCorrupt       = errors.New("keymap: corrupt")
	ErrTooManyBlocks = errors.New("keymap: record-block region exhausted")
	ErrShardOverflow = errors.New("keymap: shard bucket array exhausted")
	ErrIO            = errors.New("keymap: io error")
)

// Config bundles every geometry knob fixed at Open time. Only BlockBits,
// Reclen and VarTail are structural (they shape the record-block format);
// the rest govern when/how the hash index grows.
type Config struct {
	BlockBits    uint
	Reclen       uint32
	VarTail      bool
	MaxBlocks    uint32
	TableBits    uint // initial per-shard bucket-count exponent
	MaxTableBits uint
	Reshard      uint // bits added to mapbits per reshard_and_grow step
	Rehash       uint // bits added to tablebits per single-tier rehash step
	LoadFactor   uint16
	LinkBits     uint
	LocBits      uint
	SigBits      uint // initial explicit hash-suffix width stored per tier
	StrideBits   uint
	Logger       *zap.Logger

	// OnRehash and OnReshard, when set, are invoked after each in-place
	// shard rehash / reshard-and-grow step — purely an observability hook
	// for the owning Store (e.g. to drive metrics counters).
	OnRehash  func()
	OnReshard func()
}

func (c Config) blockSize() int64 { return int64(1) << c.BlockBits }

// storageExt adapts a flat, pre-sized record-block region to bigmap.Ext:
// the whole region is reserved (ftruncate'd) up front at Open time — per
// spec §6's own "rbspace sized 2^32 by default", a sparse file rather than
// a file that grows block by block — so MapBlockMem/NewRecordBlock are
// pure slice arithmetic with no file-extension path to model.
type storageExt struct {
	rbspace []byte
	cfg     Config
}

func (e *storageExt) blockMem(loc uint32) []byte {
	sz := e.cfg.blockSize()
	off := int64(loc) * sz
	return e.rbspace[off : off+sz]
}

func (e *storageExt) block(loc uint32) rb.Block {
	mem := e.blockMem(loc)
	if e.cfg.VarTail {
		return rb.NewVarTail(mem, e.cfg.Reclen)
	}
	return rb.NewFixed(mem, e.cfg.Reclen)
}

func (e *storageExt) MapBlockMem(loc uint32) []byte { return e.blockMem(loc) }

func (e *storageExt) NewRecordBlock(loc uint32) { e.block(loc).Init() }

func (e *storageExt) RecordBlockBig(loc uint32) uint8 { return e.block(loc).Big() }

var _ bigmap.Ext = (*storageExt)(nil)

// tierState is the live, in-memory half of a tier: its media backing plus
// lazily-populated shards.
type tierState struct {
	media     *tier.Tier
	geom      tier.Geometry
	shards    []*shard.Shard
	tableBits []uint // per-shard, since rehash grows one shard independently
}

func newTierState(media *tier.Tier, geom tier.Geometry, initialTableBits uint) *tierState {
	n := geom.Shards()
	ts := &tierState{media: media, geom: geom, shards: make([]*shard.Shard, n), tableBits: make([]uint, n)}
	for i := range ts.tableBits {
		ts.tableBits[i] = initialTableBits
	}
	return ts
}

func (ts *tierState) empty() bool { return ts == nil || ts.media == nil }

// Keymap is the top-level engine: one upper tier always, an optional lower
// tier while a reshard is in progress.
type Keymap struct {
	cfg  Config
	ext  *storageExt
	bm   *bigmap.Map
	log  *ulog.Ring
	seed maphash.Seed

	upper *tierState
	lower *tierState

	sigBits uint // upper.sigBits, cached for routing
	pending uint32

	lastLeaf uint32 // candidate record block for the next insert
	haveLeaf bool

	logger *zap.Logger
}

// Open constructs a fresh keymap over already-mapped regions: rbspace (the
// full record-block address space), logMem (the micro-log ring), and the
// upper tier's media+countmap. A brand-new store has blocks=0 and an empty
// bigmap; recovery from an existing file is the caller's responsibility
// (re-populate shards from tier media before resuming operations).
func Open(cfg Config, rbspace []byte, logMem []byte, logOrder uint, blockCells uint32, upperMedia []byte, upperCountMap []byte) *Keymap {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ext := &storageExt{rbspace: rbspace, cfg: cfg}
	bm := bigmap.New(ext, cfg.BlockBits, 0, cfg.MaxBlocks)
	bm.Open()

	geom := tier.Geometry{MapBits: 0, StrideBits: cfg.StrideBits, LocBits: cfg.LocBits, SigBits: cfg.SigBits}
	upperMediaT := tier.Open(geom, upperMedia, upperCountMap)
	upper := newTierState(upperMediaT, geom, cfg.TableBits)

	k := &Keymap{
		cfg:     cfg,
		ext:     ext,
		bm:      bm,
		log:     ulog.Open(logMem, logOrder, blockCells),
		seed:    maphash.MakeSeed(),
		upper:   upper,
		sigBits: cfg.SigBits,
		logger:  logger,
	}
	return k
}

func (k *Keymap) hash(key []byte) uint64 {
	var h maphash.Hash
	h.SetSeed(k.seed)
	h.Write(key)
	return h.Sum64()
}

func (k *Keymap) shardIndex(hash uint64) uint32 {
	return uint32(hash >> k.sigBits & uint64(k.upper.geom.Shards()-1))
}

// populate lazily materializes shard ix of ts, replaying its media log if
// it already holds entries, imprinting a fresh magic header otherwise.
func (k *Keymap) populate(ts *tierState, ix uint32) *shard.Shard {
	if ts.shards[ix] != nil {
		return ts.shards[ix]
	}
	s := shard.New(ts.tableBits[ix], k.cfg.LinkBits, k.cfg.LocBits, 1<<(ts.tableBits[ix]+4))
	s.SetLowBits(0)
	n := ts.media.Count(ix)
	if n == 0 {
		ts.media.Imprint(ix)
	} else {
		for i := uint32(1); i < n; i++ {
			cell := ts.media.ReadCell(ix, i)
			loc, sig, deleted := ts.media.DecodeCell(cell)
			if deleted {
				_ = s.Remove(sig, loc)
			} else {
				_ = s.Insert(sig, loc)
			}
		}
	}
	ts.shards[ix] = s
	return s
}

/* -------------------------------------------------------------------------
   Public operations
   ------------------------------------------------------------------------- */

// Lookup finds key's record, consulting the record-block chain for the
// authoritative key comparison.
func (k *Keymap) Lookup(key []byte) ([]byte, bool) {
	h := k.hash(key)
	s, ts := k.resolveShard(h)
	var found []byte
	s.Walk(h, func(loc uint32) bool {
		v, ok := k.ext.block(loc).Lookup(key, lowHashByte(h))
		if ok {
			found = v
			return false
		}
		return true
	})
	_ = ts
	return found, found != nil
}

func lowHashByte(h uint64) uint8 {
	b := uint8(h & 0xFF)
	if b == 0xFF {
		b = 0xFE
	}
	return b
}

// resolveShard routes hash to its owning shard, consulting the lower tier
// while a reshard is in progress and this hash's range hasn't moved yet.
func (k *Keymap) resolveShard(h uint64) (*shard.Shard, *tierState) {
	if !k.lower.empty() {
		lowerIx := uint32(h >> k.lowerSigBits() & uint64(k.lower.geom.Shards()-1))
		if lowerIx < k.pending {
			return k.populate(k.lower, lowerIx), k.lower
		}
	}
	ix := k.shardIndex(h)
	return k.populate(k.upper, ix), k.upper
}

func (k *Keymap) lowerSigBits() uint {
	if k.lower.empty() {
		return 0
	}
	return k.lower.geom.SigBits
}

// Insert adds key->data. If unique and key is already present, returns
// ErrAlreadyExists without modifying anything.
func (k *Keymap) Insert(key []byte, data []byte, unique bool) ([]byte, error) {
	h := k.hash(key)
	if unique {
		if _, ok := k.Lookup(key); ok {
			return nil, ErrAlreadyExists
		}
	}
	if k.log.NearFull() {
		if err := k.Unify(); err != nil {
			return nil, err
		}
	}

	loc := k.currentLeaf()
	rec, err := k.ext.block(loc).Create(key, lowHashByte(h), data, nil)
	for errors.Is(err, rb.ErrNoSpace) {
		if k.bm.Blocks() >= k.cfg.MaxBlocks {
			k.logger.Error("keymap: record-block region exhausted", zap.Uint32("max_blocks", k.cfg.MaxBlocks))
			return nil, ErrTooManyBlocks
		}
		big := k.ext.block(loc).Big()
		loc = k.bm.Try(len(key), big)
		k.lastLeaf = loc
		rec, err = k.ext.block(loc).Create(key, lowHashByte(h), data, nil)
	}
	if err != nil {
		return nil, ErrCorrupt
	}

	s, ts := k.resolveShard(h)
	if insErr := k.insertAndGrow(ts, s, h, loc); insErr != nil {
		return nil, insErr
	}
	k.commitInsert(ts, h, loc, key)
	return rec, nil
}

// currentLeaf returns the candidate record block the next Create should
// try first, allocating the very first leaf lazily on first use.
func (k *Keymap) currentLeaf() uint32 {
	if !k.haveLeaf {
		k.lastLeaf = k.bm.Try(1, 0)
		k.haveLeaf = true
	}
	return k.lastLeaf
}

func (k *Keymap) commitInsert(ts *tierState, h uint64, loc uint32, key []byte) {
	ix := k.tierShardIndex(ts, h)
	entryAt := ts.media.Count(ix)
	ts.media.AppendCell(ix, h, loc, false)
	payload := []uint64{packLogEntry(false, ix, entryAt, loc)}
	_, _ = k.log.Commit(payload)
}

func (k *Keymap) tierShardIndex(ts *tierState, h uint64) uint32 {
	if ts == k.lower {
		return uint32(h >> k.lowerSigBits() & uint64(k.lower.geom.Shards()-1))
	}
	return k.shardIndex(h)
}

func packLogEntry(isDelete bool, shardIx uint32, entryAt uint32, loc uint32) uint64 {
	v := uint64(shardIx)<<40 | uint64(entryAt)<<20 | uint64(loc)
	if isDelete {
		v |= 1 << 63
	}
	return v
}

// Remove deletes key, routing to its shard and clearing the record block.
func (k *Keymap) Remove(key []byte) error {
	h := k.hash(key)
	s, ts := k.resolveShard(h)

	var loc uint32
	found := false
	s.Walk(h, func(l uint32) bool {
		if err := k.ext.block(l).Delete(key, lowHashByte(h)); err == nil {
			loc = l
			found = true
			return false
		}
		return true
	})
	if !found {
		return ErrNotFound
	}
	if err := s.Remove(h, loc); err != nil {
		return err
	}
	k.bm.Free(loc, k.ext.block(loc).Big())

	ix := k.tierShardIndex(ts, h)
	entryAt := ts.media.Count(ix)
	ts.media.AppendCell(ix, h, loc, true)
	payload := []uint64{packLogEntry(true, ix, entryAt, loc)}
	_, _ = k.log.Commit(payload)
	return nil
}

// Unify drains the micro-log (already durable by construction — every
// commit flushed before returning) into the tier media and countmaps, then
// resets the ring. In this implementation the media log is updated
// eagerly at commit time (AppendCell), so Unify's job is to flush the
// countmaps and advance the ring head/tail — the costly "stream pending
// cells to the shardmap" step the original performs lazily here happens
// immediately, trading a slightly larger per-insert cost for a simpler,
// easier-to-verify crash-recovery story (replay always starts from
// on-media state, never from a log that must be re-applied on top of it).
func (k *Keymap) Unify() error {
	k.upper.media.FlushCountMap()
	if !k.lower.empty() {
		k.lower.media.FlushCountMap()
	}
	if _, err := k.log.CommitSentinel(); err != nil {
		return err
	}
	k.log.AdvanceHead(k.log.Tail())
	return nil
}

// Close releases in-memory structures. Persistent regions are left as-is;
// the caller owns unmapping the backing file.
func (k *Keymap) Close() {
	k.upper = nil
	k.lower = nil
}

/* -------------------------------------------------------------------------
   Geometry growth: rehash (single tier, bigger buckets) and
   reshard_and_grow (split into a new, larger tier).
   ------------------------------------------------------------------------- */

func (k *Keymap) insertAndGrow(ts *tierState, s *shard.Shard, h uint64, loc uint32) error {
	ix := k.tierShardIndex(ts, h)
	limit := s.Limit(k.cfg.LoadFactor)
	if s.Count() < limit {
		return k.shardInsert(s, h, loc)
	}

	if k.lower.empty() && k.upper.geom.Shards() == 1 && ts.tableBits[ix] < k.cfg.MaxTableBits {
		k.rehash(ts, ix)
		s = ts.shards[ix]
	} else {
		if err := k.reshardAndGrow(); err != nil {
			return err
		}
		// geometry changed; re-resolve.
		newS, newTS := k.resolveShard(h)
		s, ts, ix = newS, newTS, k.tierShardIndex(newTS, h)
	}
	return k.shardInsert(s, h, loc)
}

// shardInsert wraps shard.Insert, translating its bucket-array-exhausted
// sentinel into keymap's own (logging first, per spec §7: a mis-sized
// geometry is fatal and the operator needs a trail before the caller
// aborts).
func (k *Keymap) shardInsert(s *shard.Shard, h uint64, loc uint32) error {
	if err := s.Insert(h, loc); err != nil {
		if errors.Is(err, shard.ErrOverflow) {
			k.logger.Error("keymap: shard bucket array exhausted", zap.Uint64("hash", h))
			return ErrShardOverflow
		}
		return err
	}
	return nil
}

// rehash grows a single shard's bucket count in place (no new tier),
// per the spec's reshard_part(0,0) special case: the whole shard is
// re-inserted, unchanged in content, into a bigger table.
func (k *Keymap) rehash(ts *tierState, ix uint32) {
	grow := k.cfg.Rehash
	if ts.tableBits[ix]+grow > k.cfg.MaxTableBits {
		grow = k.cfg.MaxTableBits - ts.tableBits[ix]
	}
	old := ts.shards[ix]
	bigger := shard.New(ts.tableBits[ix]+grow, k.cfg.LinkBits, k.cfg.LocBits, 1<<(ts.tableBits[ix]+grow+4))
	bigger.SetLowBits(0)
	old.ReshardPart(bigger, 0, 0)
	ts.shards[ix] = bigger
	ts.tableBits[ix] += grow
	if k.cfg.OnRehash != nil {
		k.cfg.OnRehash()
	}
}

// reshardAndGrow enters (or continues) the resharding state: if no
// reshard is pending, grow the map and make the current upper tier the
// new lower; then split one lower shard group into the new upper tier.
func (k *Keymap) reshardAndGrow() error {
	if k.pending == 0 {
		if err := k.growMap(k.cfg.Reshard); err != nil {
			return err
		}
	}
	// Split the next not-yet-migrated lower shard.
	lowerIx := k.pending - 1
	lowerShard := k.populate(k.lower, lowerIx)
	more := k.upper.geom.MapBits - k.lower.geom.MapBits
	width := uint32(1) << more
	base := lowerIx * width
	for part := uint32(0); part < width; part++ {
		upperIx := base + part
		upperShard := k.populate(k.upper, upperIx)
		lowerShard.ReshardPart(upperShard, more, part)
	}
	k.pending--
	if k.pending == 0 {
		k.dropLowerTier()
	}
	if k.cfg.OnReshard != nil {
		k.cfg.OnReshard()
	}
	return nil
}

// growMap doubles the shard count `more` times, retiring the current
// upper tier as lower and starting a fresh upper tier.
func (k *Keymap) growMap(more uint) error {
	oldUpper := k.upper
	oldSig := k.sigBits

	newMapBits := oldUpper.geom.MapBits + more
	newSig := oldSig - more
	geom := tier.Geometry{MapBits: newMapBits, StrideBits: k.cfg.StrideBits, LocBits: k.cfg.LocBits, SigBits: newSig}

	mediaBytes := int64(geom.Shards()) << geom.StrideBits
	countMapBytes := int64(geom.Shards()) * 4
	newMedia := tier.Open(geom, make([]byte, mediaBytes), make([]byte, countMapBytes))

	k.lower = oldUpper
	k.upper = newTierState(newMedia, geom, oldUpper.tableBits[0])
	k.sigBits = newSig
	k.pending = oldUpper.geom.Shards()
	return nil
}

func (k *Keymap) dropLowerTier() {
	k.lower = nil
}

/* -------------------------------------------------------------------------
   Diagnostics
   ------------------------------------------------------------------------- */

// Check audits the record-block region and free-space map, returning the
// total error count across both.
func (k *Keymap) Check() int {
	errs := 0
	for loc := uint32(0); loc < k.bm.Blocks(); loc++ {
		if bigmap.IsMaploc(loc, k.cfg.BlockBits) {
			continue
		}
		errs += k.ext.block(loc).Check()
	}
	_, violations := k.bm.Check()
	errs += violations
	return errs
}
