package shardmap

// loader.go adds an ambient convenience on top of the core Lookup/Insert
// pair: GetOrLoad, which de-duplicates concurrent misses for the same key
// via singleflight so a cold key hit by many goroutines at once triggers
// exactly one Loader call.
//
// © 2026 shardmap authors. MIT License.

import "context"

// Loader is invoked by GetOrLoad when key is absent. It must be safe for
// concurrent use. It runs without the Store's mutex held, but it must not
// call GetOrLoad for the same key: that nested call waits on the in-flight
// call that made it and never returns.
type Loader func(ctx context.Context, key []byte) (value []byte, err error)

// GetOrLoad returns key's value, computing and inserting it via loader on a
// miss. Concurrent GetOrLoad calls for the same key share one loader
// invocation.
func (s *Store) GetOrLoad(ctx context.Context, key []byte, loader Loader) ([]byte, error) {
	if v, ok := s.Lookup(key); ok {
		return v, nil
	}
	v, err, _ := s.group.Do(string(key), func() (any, error) {
		if v, ok := s.Lookup(key); ok {
			return v, nil
		}
		value, err := loader(ctx, key)
		if err != nil {
			return nil, err
		}
		rec, insErr := s.Insert(key, value, false)
		if insErr != nil {
			return nil, insErr
		}
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}
