// Package callmap provides a concurrent map keyed by call ID in which every
// entry carries its own lock.
//
// Work on one call never waits on work for another call unless both keys hash
// to the same shard, and even then the shard lock is only held for the map
// lookup itself. A callback passed to With runs under the entry lock alone.
package callmap

import (
	"hash/maphash"
	"sync"
)

// DefaultShards is the shard count used when New is given a non-positive
// value.
const DefaultShards = 32

type entry[V any] struct {
	mu      sync.Mutex
	value   V
	removed bool
}

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]*entry[V]
}

// Map is a lock-striped map with per-entry locking. The zero value is not
// usable; create one with New.
//
// Lock order: a shard lock and an entry lock are never held together.
type Map[V any] struct {
	seed   maphash.Seed
	shards []*shard[V]
}

// New creates a map with the given number of shards.
func New[V any](shards int) *Map[V] {
	if shards <= 0 {
		shards = DefaultShards
	}
	m := &Map[V]{
		seed:   maphash.MakeSeed(),
		shards: make([]*shard[V], shards),
	}
	for i := range m.shards {
		m.shards[i] = &shard[V]{items: make(map[string]*entry[V])}
	}
	return m
}

func (m *Map[V]) shardFor(key string) *shard[V] {
	return m.shards[maphash.String(m.seed, key)%uint64(len(m.shards))]
}

func (m *Map[V]) lookup(key string) *entry[V] {
	s := m.shardFor(key)
	s.mu.RLock()
	e := s.items[key]
	s.mu.RUnlock()
	return e
}

// lockLive returns the locked live entry for key, or nil. An entry found
// removed after locking means it was replaced or deleted concurrently, so the
// lookup is retried.
func (m *Map[V]) lockLive(key string) *entry[V] {
	for {
		e := m.lookup(key)
		if e == nil {
			return nil
		}
		e.mu.Lock()
		if !e.removed {
			return e
		}
		e.mu.Unlock()
	}
}

func retire[V any](e *entry[V]) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
}

// Store sets the value for key, replacing any existing entry. A callback
// running on the replaced entry completes against the old value.
func (m *Map[V]) Store(key string, value V) {
	s := m.shardFor(key)
	e := &entry[V]{value: value}

	s.mu.Lock()
	old := s.items[key]
	s.items[key] = e
	s.mu.Unlock()

	retire(old)
}

// With runs fn on the value for key while holding that entry's lock. It
// reports whether the key was present; fn is not called when it was not.
func (m *Map[V]) With(key string, fn func(V) error) (bool, error) {
	e := m.lockLive(key)
	if e == nil {
		return false, nil
	}
	defer e.mu.Unlock()
	return true, fn(e.value)
}

// View is With for callbacks that cannot fail.
func (m *Map[V]) View(key string, fn func(V)) bool {
	ok, _ := m.With(key, func(v V) error {
		fn(v)
		return nil
	})
	return ok
}

// Load returns the value for key. For pointer values the caller must not
// mutate the result outside With.
func (m *Map[V]) Load(key string) (V, bool) {
	var out V
	ok := m.View(key, func(v V) { out = v })
	return out, ok
}

// Delete removes key and returns the removed value. It waits for any
// callback running on the entry to finish.
func (m *Map[V]) Delete(key string) (V, bool) {
	s := m.shardFor(key)

	s.mu.Lock()
	e, ok := s.items[key]
	delete(s.items, key)
	s.mu.Unlock()

	var zero V
	if !ok {
		return zero, false
	}
	e.mu.Lock()
	e.removed = true
	v := e.value
	e.mu.Unlock()
	return v, true
}

// Sweep removes every entry for which pred returns true and returns the
// removed values. Entries busy in a callback are skipped and considered on
// the next sweep. pred runs under the entry lock.
func (m *Map[V]) Sweep(pred func(key string, v V) bool) []V {
	var removed []V
	for _, s := range m.shards {
		type candidate struct {
			key string
			e   *entry[V]
		}
		s.mu.RLock()
		candidates := make([]candidate, 0, len(s.items))
		for k, e := range s.items {
			candidates = append(candidates, candidate{k, e})
		}
		s.mu.RUnlock()

		for _, c := range candidates {
			if !c.e.mu.TryLock() {
				continue
			}
			if c.e.removed || !pred(c.key, c.e.value) {
				c.e.mu.Unlock()
				continue
			}
			c.e.removed = true
			v := c.e.value
			c.e.mu.Unlock()

			s.mu.Lock()
			if s.items[c.key] == c.e {
				delete(s.items, c.key)
			}
			s.mu.Unlock()
			removed = append(removed, v)
		}
	}
	return removed
}

// Len returns the number of entries.
func (m *Map[V]) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}

// Range calls fn for each live entry under its lock until fn returns false.
// Entries added during the iteration may or may not be visited.
func (m *Map[V]) Range(fn func(key string, v V) bool) {
	for _, s := range m.shards {
		s.mu.RLock()
		keys := make([]string, 0, len(s.items))
		entries := make([]*entry[V], 0, len(s.items))
		for k, e := range s.items {
			keys = append(keys, k)
			entries = append(entries, e)
		}
		s.mu.RUnlock()

		for i, e := range entries {
			e.mu.Lock()
			if e.removed {
				e.mu.Unlock()
				continue
			}
			cont := fn(keys[i], e.value)
			e.mu.Unlock()
			if !cont {
				return
			}
		}
	}
}
