// Package store keeps the per-connection stream registry. Lookups on the
// frame-dispatch path take the lock briefly and release before the frame
// is processed.
package store

import "sync"

// Map — хранилище стримов на обычной map под RWMutex.
type Map[T any] struct {
	mu sync.RWMutex
	m  map[uint32]T
}

func NewMap[T any](size int) *Map[T] {
	return &Map[T]{m: make(map[uint32]T, size)}
}

func (s *Map[T]) Set(id uint32, v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[id] = v
}

func (s *Map[T]) Get(id uint32) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[id]
	return v, ok
}

func (s *Map[T]) GetAndDelete(id uint32) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[id]
	if ok {
		delete(s.m, id)
	}
	return v, ok
}

func (s *Map[T]) Delete(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, id)
}

// Each snapshots the values under the read lock, then visits them without
// it: колбек может удалять стримы из хранилища.
func (s *Map[T]) Each(fn func(uint32, T)) {
	s.mu.RLock()
	ids := make([]uint32, 0, len(s.m))
	vals := make([]T, 0, len(s.m))
	for id, v := range s.m {
		ids = append(ids, id)
		vals = append(vals, v)
	}
	s.mu.RUnlock()

	for i := range ids {
		fn(ids[i], vals[i])
	}
}

func (s *Map[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// Sharded spreads streams across maps to cut contention between the
// dispatch loop and call creation. Ids шагают по 2 (четные либо нечетные),
// поэтому шардируемся по id>>1.
type Sharded[T any] struct {
	shards []*Map[T]
	mask   uint32
}

// NewSharded creates a store with n shards; n must be a power of two.
func NewSharded[T any](n uint32) *Sharded[T] {
	if n == 0 || n&(n-1) != 0 {
		panic("assertion error: shard count must be a power of two")
	}
	shards := make([]*Map[T], n)
	for i := range shards {
		shards[i] = NewMap[T](16)
	}
	return &Sharded[T]{shards: shards, mask: n - 1}
}

func (s *Sharded[T]) shard(id uint32) *Map[T] { return s.shards[(id>>1)&s.mask] }

func (s *Sharded[T]) Set(id uint32, v T)                { s.shard(id).Set(id, v) }
func (s *Sharded[T]) Get(id uint32) (T, bool)           { return s.shard(id).Get(id) }
func (s *Sharded[T]) GetAndDelete(id uint32) (T, bool)  { return s.shard(id).GetAndDelete(id) }
func (s *Sharded[T]) Delete(id uint32)                  { s.shard(id).Delete(id) }

func (s *Sharded[T]) Each(fn func(uint32, T)) {
	for _, shard := range s.shards {
		shard.Each(fn)
	}
}

func (s *Sharded[T]) Len() int {
	var n int
	for _, shard := range s.shards {
		n += shard.Len()
	}
	return n
}
