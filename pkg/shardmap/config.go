package shardmap

// config.go defines the functional options accepted by Open. Keys and
// values in shardmap are plain []byte (spec: keys up to 255 bytes, values a
// fixed-size record with an optional variable-length tail borrowed from the
// key), so — unlike the teacher's generic Option[K,V] — options here close
// over a single concrete config struct.
//
// © 2026 shardmap authors. MIT License.

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	errInvalidReclen    = errors.New("shardmap: reclen must be > 0")
	errInvalidBlockBits = errors.New("shardmap: block bits out of range")
)

// config bundles every knob fixed at Open time. Fields are immutable once
// the Store is constructed.
type config struct {
	reclen       uint32
	varTail      bool
	blockBits    uint
	maxBlocks    uint32
	tableBits    uint
	maxTableBits uint
	reshardBits  uint
	rehashBits   uint
	loadFactor   uint16
	linkBits     uint
	locBits      uint
	sigBits      uint
	strideBits   uint
	logOrder     uint
	blockCells   uint32

	registry *prometheus.Registry
	logger   *zap.Logger
}

// Option is a functional option passed to Open.
type Option func(*config)

func defaultConfig() *config {
	return &config{
		reclen:       100, // spec default fixed-record size
		varTail:      false,
		blockBits:    16, // 64 KiB record blocks
		maxBlocks:    1 << 20,
		tableBits:    4,
		maxTableBits: 20,
		reshardBits:  1,
		rehashBits:   1,
		loadFactor:   0x0180, // 1.5 in 8.8 fixed point
		linkBits:     22,
		locBits:      28,
		sigBits:      20,
		strideBits:   16,
		logOrder:     4,  // 16 log blocks
		blockCells:   32, // 256 bytes/log block
		logger:       zap.NewNop(),
	}
}

func (c *config) validate() error {
	if c.reclen == 0 {
		return errInvalidReclen
	}
	if c.blockBits < 7 || c.blockBits > 24 {
		return errInvalidBlockBits
	}
	return nil
}

// WithReclen sets the fixed record size in bytes (spec default: 100).
func WithReclen(n uint32) Option { return func(c *config) { c.reclen = n } }

// WithVarTail switches to variable-tail mode, where each record's key is
// followed by a caller-supplied variable-length tail whose size is recorded
// in the record's first value byte.
func WithVarTail(enabled bool) Option { return func(c *config) { c.varTail = enabled } }

// WithBlockBits sets log2 of the record-block size.
func WithBlockBits(bits uint) Option { return func(c *config) { c.blockBits = bits } }

// WithMaxBlocks bounds the record-block address space, which in turn bounds
// the size of the sparse file region reserved for records up front.
func WithMaxBlocks(n uint32) Option { return func(c *config) { c.maxBlocks = n } }

// WithInitialTableBits sets the starting per-shard bucket-count exponent.
func WithInitialTableBits(bits uint) Option { return func(c *config) { c.tableBits = bits } }

// WithMaxTableBits bounds in-place rehash growth before a shard must instead
// be split via reshard-and-grow.
func WithMaxTableBits(bits uint) Option { return func(c *config) { c.maxTableBits = bits } }

// WithLoadFactor sets the per-shard fill ratio (8.8 fixed point) that
// triggers growth when exceeded.
func WithLoadFactor(q8_8 uint16) Option { return func(c *config) { c.loadFactor = q8_8 } }

// WithLogger plugs an external zap.Logger. shardmap never logs on the hot
// path and does not log geometry transitions; it logs only errors (record-
// block or shard exhaustion on insert, and a failed unify on Close).
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics enables Prometheus metrics collection. Passing nil disables
// metrics (the default).
func WithMetrics(reg *prometheus.Registry) Option {
	return func(c *config) { c.registry = reg }
}
