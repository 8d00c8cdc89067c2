package keymap

import (
	"encoding/binary"
	"fmt"
	"testing"
)

func baseConfig() Config {
	return Config{
		BlockBits:    7,  // 128-byte record blocks
		Reclen:       8,  // one uint64 value per record
		VarTail:      false,
		MaxBlocks:    512,
		TableBits:    2, // 4 buckets/shard to start
		MaxTableBits: 8,
		Reshard:      1,
		Rehash:       1,
		LoadFactor:   0x0300, // 3.0 in 8.8 fixed point
		LinkBits:     10,
		LocBits:      20,
		SigBits:      16,
		StrideBits:   9, // 512 bytes/shard region = 64 cells
	}
}

func newTestKeymap(t *testing.T, cfg Config) *Keymap {
	t.Helper()
	rbspace := make([]byte, int64(cfg.MaxBlocks)<<cfg.BlockBits)
	logMem := make([]byte, 4*8*8) // 4 blocks, 8 cells/block
	shards := uint32(1) << 0      // MapBits starts at 0
	media := make([]byte, int64(shards)<<cfg.StrideBits)
	countMap := make([]byte, shards*4)
	return Open(cfg, rbspace, logMem, 2, 8, media, countMap)
}

func val(i int) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(i))
	return b
}

func TestInsertLookupRoundTrip(t *testing.T) {
	k := newTestKeymap(t, baseConfig())
	keys := []string{"alpha", "bravo", "charlie", "delta"}
	for i, key := range keys {
		if _, err := k.Insert([]byte(key), val(i), false); err != nil {
			t.Fatalf("Insert(%q): %v", key, err)
		}
	}
	for i, key := range keys {
		got, ok := k.Lookup([]byte(key))
		if !ok {
			t.Fatalf("Lookup(%q) missed after insert", key)
		}
		if binary.LittleEndian.Uint64(got) != uint64(i) {
			t.Fatalf("Lookup(%q) = %d, want %d", key, binary.LittleEndian.Uint64(got), i)
		}
	}
}

func TestInsertUniqueRejectsDuplicate(t *testing.T) {
	k := newTestKeymap(t, baseConfig())
	if _, err := k.Insert([]byte("dup"), val(1), true); err != nil {
		t.Fatalf("first Insert: %v", err)
	}
	if _, err := k.Insert([]byte("dup"), val(2), true); err != ErrAlreadyExists {
		t.Fatalf("second unique Insert = %v, want ErrAlreadyExists", err)
	}
}

func TestRemoveThenLookupMisses(t *testing.T) {
	k := newTestKeymap(t, baseConfig())
	if _, err := k.Insert([]byte("gone"), val(7), false); err != nil {
		t.Fatal(err)
	}
	if err := k.Remove([]byte("gone")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := k.Lookup([]byte("gone")); ok {
		t.Fatalf("Lookup found key after Remove")
	}
	if err := k.Remove([]byte("gone")); err != ErrNotFound {
		t.Fatalf("second Remove = %v, want ErrNotFound", err)
	}
}

func TestUnifyWithNoPendingIsANoop(t *testing.T) {
	k := newTestKeymap(t, baseConfig())
	if err := k.Unify(); err != nil {
		t.Fatalf("Unify on empty keymap: %v", err)
	}
}

// TestRehashGrowsSingleShardInPlace drives enough inserts into a
// single-shard keymap (no map growth allowed, since Shards()==1 the whole
// time) to cross the load-factor limit repeatedly, exercising the
// reshard_part(0,0) special case: every previously inserted key must
// still resolve after its shard's bucket table is grown in place.
func TestRehashGrowsSingleShardInPlace(t *testing.T) {
	cfg := baseConfig()
	cfg.TableBits = 1
	cfg.MaxTableBits = 6
	cfg.Reshard = 4 // MaxTableBits leaves in-place rehash room for this test's N, so reshard_and_grow is never reached
	k := newTestKeymap(t, cfg)

	const n = 40
	keys := make([]string, n)
	for i := 0; i < n; i++ {
		keys[i] = fmt.Sprintf("key-%03d", i)
		if _, err := k.Insert([]byte(keys[i]), val(i), false); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	for i, key := range keys {
		got, ok := k.Lookup([]byte(key))
		if !ok {
			t.Fatalf("Lookup(%q) missed after growth", key)
		}
		if binary.LittleEndian.Uint64(got) != uint64(i) {
			t.Fatalf("Lookup(%q) = %d, want %d", key, binary.LittleEndian.Uint64(got), i)
		}
	}
}

// TestReshardAndGrowMigratesEntries forces rehash's in-place path closed
// (MaxTableBits == TableBits) so the very first overflow must go through
// reshardAndGrow, splitting the upper tier into a lower tier plus a
// freshly doubled upper tier. Every key inserted both before and during
// the migration window must remain reachable.
func TestReshardAndGrowMigratesEntries(t *testing.T) {
	cfg := baseConfig()
	cfg.TableBits = 1
	cfg.MaxTableBits = 1 // rehash's in-place path is never eligible
	cfg.Reshard = 1
	k := newTestKeymap(t, cfg)

	const n = 24
	keys := make([]string, n)
	for i := 0; i < n; i++ {
		keys[i] = fmt.Sprintf("mig-%03d", i)
		if _, err := k.Insert([]byte(keys[i]), val(i), false); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
		for j := 0; j <= i; j++ {
			if _, ok := k.Lookup([]byte(keys[j])); !ok {
				t.Fatalf("Lookup(%q) missed right after inserting key %d", keys[j], i)
			}
		}
	}
}

func TestCheckReportsNoViolationsAfterChurn(t *testing.T) {
	k := newTestKeymap(t, baseConfig())
	for i := 0; i < 12; i++ {
		key := fmt.Sprintf("churn-%d", i)
		if _, err := k.Insert([]byte(key), val(i), false); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 12; i += 2 {
		key := fmt.Sprintf("churn-%d", i)
		if err := k.Remove([]byte(key)); err != nil {
			t.Fatal(err)
		}
	}
	if errs := k.Check(); errs != 0 {
		t.Fatalf("Check() = %d violations, want 0", errs)
	}
}
