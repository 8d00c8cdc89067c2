package shardmap

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.shardmap")
	base := []Option{
		WithBlockBits(7),   // 128-byte record blocks
		WithMaxBlocks(512), // small, bounded sparse region for tests
		WithInitialTableBits(2),
		WithMaxTableBits(8),
	}
	s, err := Open(path, append(base, opts...)...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertLookupRoundTrip(t *testing.T) {
	s := openTestStore(t, WithReclen(8))
	keys := []string{"alpha", "bravo", "charlie", "delta"}
	for i, key := range keys {
		if _, err := s.Insert([]byte(key), val(i), false); err != nil {
			t.Fatalf("Insert(%q): %v", key, err)
		}
	}
	for i, key := range keys {
		got, ok := s.Lookup([]byte(key))
		if !ok {
			t.Fatalf("Lookup(%q) missed after insert", key)
		}
		if decode(got) != uint64(i) {
			t.Fatalf("Lookup(%q) = %d, want %d", key, decode(got), i)
		}
	}
}

func TestInsertUniqueRejectsDuplicate(t *testing.T) {
	s := openTestStore(t, WithReclen(8))
	if _, err := s.Insert([]byte("k"), val(1), true); err != nil {
		t.Fatalf("first Insert: %v", err)
	}
	if _, err := s.Insert([]byte("k"), val(2), true); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("second unique Insert err = %v, want ErrAlreadyExists", err)
	}
}

func TestRemoveThenLookupMisses(t *testing.T) {
	s := openTestStore(t, WithReclen(8))
	if _, err := s.Insert([]byte("k"), val(1), false); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Remove([]byte("k")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := s.Lookup([]byte("k")); ok {
		t.Fatalf("Lookup after Remove still hits")
	}
	if err := s.Remove([]byte("k")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Remove err = %v, want ErrNotFound", err)
	}
}

func TestUnifyAndCheckAfterChurn(t *testing.T) {
	s := openTestStore(t, WithReclen(8))
	for i := 0; i < 20; i++ {
		if _, err := s.Insert(val(i), val(i), false); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	for i := 0; i < 20; i += 2 {
		if err := s.Remove(val(i)); err != nil {
			t.Fatalf("Remove(%d): %v", i, err)
		}
	}
	if err := s.Unify(); err != nil {
		t.Fatalf("Unify: %v", err)
	}
	if errs := s.Check(); errs != 0 {
		t.Fatalf("Check() = %d violations, want 0", errs)
	}
}

func TestGetOrLoadDeduplicatesOnMiss(t *testing.T) {
	s := openTestStore(t, WithReclen(8))
	calls := 0
	loader := func(ctx context.Context, key []byte) ([]byte, error) {
		calls++
		return val(99), nil
	}
	v, err := s.GetOrLoad(context.Background(), []byte("missing"), loader)
	if err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}
	if decode(v) != 99 {
		t.Fatalf("GetOrLoad value = %d, want 99", decode(v))
	}
	if calls != 1 {
		t.Fatalf("loader called %d times, want 1", calls)
	}
	// A second call should now hit the stored value without invoking loader.
	if _, err := s.GetOrLoad(context.Background(), []byte("missing"), loader); err != nil {
		t.Fatalf("GetOrLoad (second): %v", err)
	}
	if calls != 1 {
		t.Fatalf("loader called %d times after cache hit, want 1", calls)
	}
}

func TestReopenValidatesGeometry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.shardmap")

	smallGeom := []Option{WithBlockBits(7), WithMaxBlocks(512)}

	s1, err := Open(path, append(smallGeom, WithReclen(8))...)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, err := s1.Insert([]byte("k"), val(1), false); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := Open(path, append(smallGeom, WithReclen(16))...); err == nil {
		t.Fatalf("reopen with mismatched reclen succeeded, want error")
	}
}

func val(i int) []byte {
	b := make([]byte, 8)
	putUint64(b, uint64(i))
	return b
}

func decode(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}
