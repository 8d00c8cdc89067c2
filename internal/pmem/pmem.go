// Package pmem provides the small set of persistent-memory primitives the
// micro-log and unify protocol are built on: a non-temporal store, a
// non-temporal bulk copy, and a flush+fence pair that guarantees previously
// written bytes have reached durable storage before the call returns.
//
// True clwb/clflushopt/sfence/movnti require per-architecture assembly and a
// CPU that actually has persistent memory attached. This package implements
// the documented fallback instead (spec §9: "on platforms without them, fall
// back to msync + compiler fence"): writes go through ordinary stores, and
// Flush/Sfence call msync(2) on the backing mmap, which is synchronous — by
// the time it returns, the kernel has already handed the bytes to the
// storage device, so Sfence has nothing further to do and is kept only so
// call sites read the same way the spec's protocol steps do.
//
// © 2026 shardmap authors. MIT License.
package pmem

import (
	"encoding/binary"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// NonTemporalStore64 writes v at byte offset off within mem. Stands in for
// MOVNTI: a real non-temporal store bypasses the cache hierarchy so the
// write doesn't evict hotter lines; our fallback is an ordinary store and
// relies on Flush to push it out explicitly.
func NonTemporalStore64(mem []byte, off int, v uint64) {
	binary.LittleEndian.PutUint64(mem[off:off+8], v)
}

// NonTemporalCopy copies src into dst. Stands in for a streaming copy loop
// built from movnti; callers must Flush the destination region afterwards.
func NonTemporalCopy(dst, src []byte) int {
	return copy(dst, src)
}

// Flush forces every dirty page backing mem to reach the underlying file.
// It is the fallback for a per-cache-line clwb/clflushopt loop: coarser
// (whole mapping instead of individual lines) but durable.
func Flush(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	// msync(2) requires a page-aligned start, so round mem's start down.
	addr := uintptr(unsafe.Pointer(&mem[0]))
	pad := addr & uintptr(os.Getpagesize()-1)
	_, _, errno := unix.Syscall(unix.SYS_MSYNC, addr-pad, uintptr(len(mem))+pad, unix.MS_SYNC)
	if errno != 0 {
		return errno
	}
	return nil
}

// Sfence is the fallback for the store fence that would normally order
// non-temporal stores against subsequent flushes. Because Flush already
// calls the synchronous msync(2) variant, by the time Flush returns every
// store it covered is durable; Sfence is a deliberate no-op kept so the
// unify/log_commit call sites mirror the steps in spec §4.7 one for one.
func Sfence() {}
