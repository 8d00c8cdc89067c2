// Package shardmap is the public API for an embedded, persistent
// key→value store optimized for small records, high insert throughput and
// O(1) point lookup (spec §1). Keys are byte strings up to 255 bytes;
// values are fixed-size records, optionally with a variable-length tail
// borrowed from the key. The store is backed by a single file mapped into
// the process address space; updates are made durable through a
// persistent-memory ring log periodically unified into in-place
// structures.
//
// © 2026 shardmap authors. MIT License.
package shardmap

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
	"golang.org/x/sys/unix"

	"go.uber.org/zap"

	"github.com/Voskan/shardmap/internal/keymap"
	"github.com/Voskan/shardmap/internal/layout"
)

// Sentinel errors re-exported from internal/keymap, so callers never need
// to import an internal package to compare against them.
var (
	ErrNotFound      = keymap.ErrNotFound
	ErrAlreadyExists = keymap.ErrAlreadyExists
	ErrCorrupt       = keymap.ErrCorrupt
	ErrTooManyBlocks = keymap.ErrTooManyBlocks
	ErrShardOverflow = keymap.ErrShardOverflow
)

const headerMagic = 0x53484D50 // "SHMP"

// header is the persistent descriptor written at offset 0 of the backing
// file, letting a later Open recognise a store it already created and
// reuse its on-disk geometry rather than re-initialising it.
type header struct {
	magic     uint32
	reclen    uint32
	blockBits uint32
	varTail   uint32
}

const headerSize = 32

// Store is a single-writer, single-process handle on one shardmap file.
// All operations are safe to call from multiple goroutines: a single mutex
// serialises access, matching spec's explicit non-goal of multi-writer
// concurrency (the lock exists for intra-process goroutine safety only).
type Store struct {
	cfg     *config
	fd      int
	planner *layout.Planner
	km      *keymap.Keymap
	metrics metricsSink
	logger  *zap.Logger

	mu    sync.Mutex
	group singleflight.Group
}

// Open opens (creating if necessary) a shardmap file at path.
func Open(path string, opts ...Option) (*Store, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0o644)
	if err != nil {
		return nil, fmt.Errorf("shardmap: open %s: %w", path, err)
	}

	st, err := openStore(fd, cfg)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return st, nil
}

func openStore(fd int, cfg *config) (*Store, error) {
	var st unix.Stat_t
	existing := false
	if err := unix.Fstat(fd, &st); err == nil && st.Size >= headerSize {
		existing = true
	}

	p := &layout.Planner{}
	hdrRegion := p.Add("header", headerSize, 3)
	rbspaceRegion := p.Add("rbspace", int64(cfg.maxBlocks)<<cfg.blockBits, uint(cfg.blockBits))
	logRegion := p.Add("ulog", int64(1)<<cfg.logOrder*int64(cfg.blockCells)*8, 6)
	shards := uint32(1)
	mediaRegion := p.Add("tier0-media", int64(shards)<<cfg.strideBits, uint(cfg.strideBits))
	countMapRegion := p.Add("tier0-countmap", int64(shards)*4, 2)

	if err := p.DoMaps(fd); err != nil {
		return nil, err
	}

	if existing {
		if err := validateHeader(hdrRegion.Mem, cfg); err != nil {
			_ = p.Close()
			return nil, err
		}
	} else {
		writeHeader(hdrRegion.Mem, cfg)
	}

	var metrics metricsSink = noopMetrics{}
	if cfg.registry != nil {
		metrics = newPromMetrics(cfg.registry)
	}

	kmCfg := keymap.Config{
		BlockBits:    cfg.blockBits,
		Reclen:       cfg.reclen,
		VarTail:      cfg.varTail,
		MaxBlocks:    cfg.maxBlocks,
		TableBits:    cfg.tableBits,
		MaxTableBits: cfg.maxTableBits,
		Reshard:      cfg.reshardBits,
		Rehash:       cfg.rehashBits,
		LoadFactor:   cfg.loadFactor,
		LinkBits:     cfg.linkBits,
		LocBits:      cfg.locBits,
		SigBits:      cfg.sigBits,
		StrideBits:   cfg.strideBits,
		Logger:       cfg.logger,
		OnRehash:     metrics.incRehash,
		OnReshard:    metrics.incReshard,
	}

	km := keymap.Open(kmCfg, rbspaceRegion.Mem, logRegion.Mem, cfg.logOrder, cfg.blockCells, mediaRegion.Mem, countMapRegion.Mem)

	return &Store{
		cfg:     cfg,
		fd:      fd,
		planner: p,
		km:      km,
		metrics: metrics,
		logger:  cfg.logger,
	}, nil
}

func writeHeader(mem []byte, cfg *config) {
	h := header{magic: headerMagic, reclen: cfg.reclen, blockBits: uint32(cfg.blockBits)}
	if cfg.varTail {
		h.varTail = 1
	}
	putHeader(mem, h)
}

func validateHeader(mem []byte, cfg *config) error {
	h := getHeader(mem)
	if h.magic != headerMagic {
		return errors.New("shardmap: not a shardmap file")
	}
	if h.reclen != cfg.reclen || h.blockBits != uint32(cfg.blockBits) {
		return fmt.Errorf("shardmap: geometry mismatch with existing file (reclen=%d blockBits=%d, want reclen=%d blockBits=%d)",
			h.reclen, h.blockBits, cfg.reclen, cfg.blockBits)
	}
	return nil
}

func putHeader(mem []byte, h header) {
	le := func(off int, v uint32) {
		mem[off] = byte(v)
		mem[off+1] = byte(v >> 8)
		mem[off+2] = byte(v >> 16)
		mem[off+3] = byte(v >> 24)
	}
	le(0, h.magic)
	le(4, h.reclen)
	le(8, h.blockBits)
	le(12, h.varTail)
}

func getHeader(mem []byte) header {
	ld := func(off int) uint32 {
		return uint32(mem[off]) | uint32(mem[off+1])<<8 | uint32(mem[off+2])<<16 | uint32(mem[off+3])<<24
	}
	return header{magic: ld(0), reclen: ld(4), blockBits: ld(8), varTail: ld(12)}
}

// Insert adds key->value. If unique is true and key is already present,
// ErrAlreadyExists is returned and nothing is modified. The returned slice
// aliases the store's mapped memory and is valid until the next mutating
// call on this Store.
func (s *Store) Insert(key, value []byte, unique bool) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.incInsert()
	return s.km.Insert(key, value, unique)
}

// Lookup finds key's value. The returned slice aliases the store's mapped
// memory and is valid until the next mutating call on this Store.
func (s *Store) Lookup(key []byte) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.km.Lookup(key)
	s.metrics.incLookup(ok)
	return v, ok
}

// Remove deletes key. Returns ErrNotFound if key is absent.
func (s *Store) Remove(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.incRemove()
	return s.km.Remove(key)
}

// Unify drains the micro-log ring into tier media and countmaps. Callers
// needing a durability checkpoint outside of the automatic near-full
// trigger (e.g. before a planned shutdown) should call this explicitly.
func (s *Store) Unify() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.incUnify()
	return s.km.Unify()
}

// Check audits the record-block region and free-space map, returning the
// number of invariant violations found (0 means healthy).
func (s *Store) Check() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.km.Check()
}

// Close unifies any pending log entries, releases in-memory structures and
// unmaps/closes the backing file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.km.Unify(); err != nil {
		s.logger.Warn("shardmap: unify on close failed", zap.Error(err))
	}
	s.km.Close()
	if err := s.planner.Close(); err != nil {
		return err
	}
	return unix.Close(s.fd)
}
