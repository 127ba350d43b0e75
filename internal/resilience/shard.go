package resilience

import (
	"hash/fnv"
	"sync"
)

const shardCount = 32

// shardedMap spreads keys over independently locked shards. Values are
// pointers to entries that carry their own mutex, so the shard lock is only
// held for lookup and insertion, never while an entry is being mutated.
type shardedMap[V any] struct {
	shards [shardCount]shard[V]
}

type shard[V any] struct {
	mu sync.RWMutex
	m  map[string]V
}

func newShardedMap[V any]() *shardedMap[V] {
	s := &shardedMap[V]{}
	for i := range s.shards {
		s.shards[i].m = make(map[string]V)
	}
	return s
}

func (s *shardedMap[V]) shard(key string) *shard[V] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}

func (s *shardedMap[V]) get(key string) (V, bool) {
	sh := s.shard(key)
	sh.mu.RLock()
	v, ok := sh.m[key]
	sh.mu.RUnlock()
	return v, ok
}

func (s *shardedMap[V]) getOrCreate(key string, create func() V) V {
	sh := s.shard(key)
	sh.mu.RLock()
	v, ok := sh.m[key]
	sh.mu.RUnlock()
	if ok {
		return v
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if v, ok = sh.m[key]; ok {
		return v
	}
	v = create()
	sh.m[key] = v
	return v
}

func (s *shardedMap[V]) delete(key string) bool {
	sh := s.shard(key)
	sh.mu.Lock()
	_, ok := sh.m[key]
	delete(sh.m, key)
	sh.mu.Unlock()
	return ok
}

// each calls fn for every entry. fn must not call back into the map.
func (s *shardedMap[V]) each(fn func(key string, v V)) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		keys := make([]string, 0, len(sh.m))
		vals := make([]V, 0, len(sh.m))
		for k, v := range sh.m {
			keys = append(keys, k)
			vals = append(vals, v)
		}
		sh.mu.RUnlock()
		for j := range keys {
			fn(keys[j], vals[j])
		}
	}
}

func (s *shardedMap[V]) clear() {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		sh.m = make(map[string]V)
		sh.mu.Unlock()
	}
}
