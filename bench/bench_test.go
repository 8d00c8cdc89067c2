// Package bench provides reproducible micro‑benchmarks for shardmap.
// Run via:  go test ./bench -bench=. -benchmem -cpu 1,4,16
//
// The benchmarks intentionally use a *single* key/value shape so results are
// comparable across versions:
//   • Key   – 16‑byte byte string (fixed width, cheap to hash)
//   • Value – 64‑byte record (large enough to matter, small enough for cache)
//
// We measure:
//   1. Insert       – write‑only workload
//   2. Lookup       – read‑only workload (after warm‑up)
//   3. LookupParallel – highly concurrent reads (b.RunParallel)
//   4. GetOrLoad    – 90% hits, 10% misses with loader cost
//
// Results are printed in ns/op + alloc/op so CI can diff via benchstat.
//
// NOTE: Unit tests live alongside each package; this file is *only* for
// performance.
//
// © 2026 shardmap authors. MIT License.

package bench

import (
	"context"
	"encoding/binary"
	"math/rand"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/Voskan/shardmap/pkg/shardmap"
)

/* -------------------------------------------------------------------------
   Test harness helpers
   ------------------------------------------------------------------------- */

const (
	reclen   = 64
	keyLen   = 16
	numKeys  = 1 << 16 // 65536 keys for dataset
	maxBlock = 1 << 18 // generous headroom so benches don't hit TooManyBlocks
)

func newTestStore(b *testing.B) *shardmap.Store {
	b.Helper()
	path := filepath.Join(b.TempDir(), "bench.shardmap")
	s, err := shardmap.Open(path,
		shardmap.WithReclen(reclen),
		shardmap.WithMaxBlocks(maxBlock),
	)
	if err != nil {
		b.Fatalf("shardmap open: %v", err)
	}
	return s
}

// global dataset reused across benches to avoid reallocating large slices.
var ds = func() [][]byte {
	rnd := rand.New(rand.NewSource(42))
	arr := make([][]byte, numKeys)
	for i := range arr {
		k := make([]byte, keyLen)
		binary.LittleEndian.PutUint64(k, rnd.Uint64())
		binary.LittleEndian.PutUint64(k[8:], rnd.Uint64())
		arr[i] = k
	}
	return arr
}()

var val = make([]byte, reclen)

/* -------------------------------------------------------------------------
   Benchmarks
   ------------------------------------------------------------------------- */

func BenchmarkInsert(b *testing.B) {
	s := newTestStore(b)
	defer s.Close()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := ds[i&(numKeys-1)]
		_, _ = s.Insert(key, val, false)
	}
}

func BenchmarkLookup(b *testing.B) {
	s := newTestStore(b)
	defer s.Close()
	for _, k := range ds {
		_, _ = s.Insert(k, val, false)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		k := ds[i&(numKeys-1)]
		_, _ = s.Lookup(k)
	}
}

func BenchmarkLookupParallel(b *testing.B) {
	s := newTestStore(b)
	defer s.Close()
	for _, k := range ds {
		_, _ = s.Insert(k, val, false)
	}
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		idx := rand.Intn(numKeys)
		for pb.Next() {
			idx = (idx + 1) & (numKeys - 1)
			s.Lookup(ds[idx])
		}
	})
}

func BenchmarkGetOrLoad(b *testing.B) {
	s := newTestStore(b)
	defer s.Close()
	// Preload 90% of keys to simulate mixed hit/miss.
	for i, k := range ds {
		if i%10 != 0 { // 90% fill
			_, _ = s.Insert(k, val, false)
		}
	}
	var loaderCnt atomic.Uint64
	loader := func(ctx context.Context, key []byte) ([]byte, error) {
		loaderCnt.Add(1)
		return val, nil
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		k := ds[i&(numKeys-1)]
		_, _ = s.GetOrLoad(context.Background(), k, loader)
	}
	b.ReportMetric(float64(loaderCnt.Load())/float64(b.N)*100, "miss-%")
}

/* -------------------------------------------------------------------------
   Utility – use every CPU for the parallel benchmarks
   ------------------------------------------------------------------------- */

func init() {
	runtime.GOMAXPROCS(runtime.NumCPU())
}
