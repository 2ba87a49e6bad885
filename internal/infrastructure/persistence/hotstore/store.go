// Package hotstore implements the bounded in-memory tier fronting the
// durable store. Keys whose latest mutation has not flushed yet are pinned
// and survive eviction until the write-behind batch releases them.
package hotstore

import (
	"container/list"
	"hash/fnv"
	"sync"

	"orderflow-backend/internal/config"
	"orderflow-backend/pkg/observability"
)

type entry struct {
	key     string
	value   any
	freq    uint64
	pinned  bool
	doomed  bool // evicted while pinned; release on unpin
	lruElem *list.Element
}

type partition struct {
	mu      sync.Mutex
	items   map[string]*entry
	lru     *list.List // front = most recent
	maxSize int
	policy  config.EvictionPolicy
	metrics *observability.Metrics
}

// Store is a partitioned bounded key-value cache.
type Store struct {
	parts []*partition
}

// New creates a store with the given partition count and per-partition bound.
func New(partitions, maxPerPartition int, policy config.EvictionPolicy, metrics *observability.Metrics) *Store {
	if partitions <= 0 {
		partitions = 1
	}
	s := &Store{parts: make([]*partition, partitions)}
	for i := range s.parts {
		s.parts[i] = &partition{
			items:   make(map[string]*entry),
			lru:     list.New(),
			maxSize: maxPerPartition,
			policy:  policy,
			metrics: metrics,
		}
	}
	return s
}

func (s *Store) part(key string) *partition {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.parts[int(h.Sum32())%len(s.parts)]
}

// Get returns the cached value for key.
func (s *Store) Get(key string) (any, bool) {
	p := s.part(key)
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.items[key]
	if !ok || e.doomed {
		return nil, false
	}
	p.touch(e)
	return e.value, true
}

// Put inserts or replaces a value, evicting if the partition is over bound.
func (s *Store) Put(key string, value any) {
	p := s.part(key)
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.items[key]; ok {
		e.value = value
		e.doomed = false
		p.touch(e)
		return
	}
	e := &entry{key: key, value: value, freq: 1}
	e.lruElem = p.lru.PushFront(e)
	p.items[key] = e
	p.evictIfNeeded()
}

// Delete removes a key outright.
func (s *Store) Delete(key string) {
	p := s.part(key)
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.items[key]; ok {
		p.remove(e)
	}
}

// Pin marks a key as having an in-flight durable write. Pinned entries are
// never dropped by eviction.
func (s *Store) Pin(key string) {
	p := s.part(key)
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.items[key]; ok {
		e.pinned = true
	}
}

// Unpin releases a key once its durable write flushed. Entries evicted while
// pinned are dropped here.
func (s *Store) Unpin(key string) {
	p := s.part(key)
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.items[key]
	if !ok {
		return
	}
	e.pinned = false
	if e.doomed {
		p.remove(e)
	}
}

// Scan visits every live entry whose key has the given prefix. The snapshot
// is consistent per partition, not globally.
func (s *Store) Scan(prefix string, visit func(key string, value any) bool) {
	for _, p := range s.parts {
		p.mu.Lock()
		keys := make([]*entry, 0, len(p.items))
		for _, e := range p.items {
			if !e.doomed && hasPrefix(e.key, prefix) {
				keys = append(keys, e)
			}
		}
		p.mu.Unlock()
		for _, e := range keys {
			if !visit(e.key, e.value) {
				return
			}
		}
	}
}

// ClearPrefix drops every entry whose key has the given prefix.
func (s *Store) ClearPrefix(prefix string) {
	for _, p := range s.parts {
		p.mu.Lock()
		for _, e := range p.items {
			if hasPrefix(e.key, prefix) {
				p.remove(e)
			}
		}
		p.mu.Unlock()
	}
}

// Len returns the number of live entries across partitions.
func (s *Store) Len() int {
	n := 0
	for _, p := range s.parts {
		p.mu.Lock()
		for _, e := range p.items {
			if !e.doomed {
				n++
			}
		}
		p.mu.Unlock()
	}
	return n
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// touch records an access for the eviction policy.
func (p *partition) touch(e *entry) {
	e.freq++
	p.lru.MoveToFront(e.lruElem)
}

func (p *partition) remove(e *entry) {
	p.lru.Remove(e.lruElem)
	delete(p.items, e.key)
}

// evictIfNeeded drops cold unpinned entries until the partition fits its
// bound. Pinned entries over bound are marked doomed and released on Unpin.
func (p *partition) evictIfNeeded() {
	if p.maxSize <= 0 {
		return
	}
	for len(p.items) > p.maxSize {
		var victim *entry
		switch p.policy {
		case config.EvictLFU:
			victim = p.coldestByFreq()
		default:
			victim = p.oldestByRecency()
		}
		if victim == nil {
			return // everything pinned; over-bound until flush
		}
		if victim.pinned {
			victim.doomed = true
			continue
		}
		p.remove(victim)
		if p.metrics != nil {
			p.metrics.RecordEviction()
		}
	}
}

func (p *partition) oldestByRecency() *entry {
	for el := p.lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if !e.doomed {
			return e
		}
	}
	return nil
}

func (p *partition) coldestByFreq() *entry {
	var victim *entry
	for _, e := range p.items {
		if e.doomed {
			continue
		}
		if victim == nil || e.freq < victim.freq {
			victim = e
		}
	}
	return victim
}
