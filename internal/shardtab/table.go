package shardtab

import (
	"strings"
	"sync"
)

// Table is a hash table of string-keyed records split into shards. Each
// shard owns one mutex covering a contiguous run of buckets; a bucket is an
// ordered List of entries. Insert hands back the shard mutex so the caller
// can stamp it into the record as that record's own lock: one lock then
// guards both the record and its owning bucket, and holding it prevents the
// record's removal.
type Table[V any] struct {
	shards  []shard[V]
	buckets int // buckets per shard
}

type shard[V any] struct {
	mu      sync.Mutex
	buckets []*List[entry[V]]
}

type entry[V any] struct {
	key string
	val V
}

// New returns a table of shards×buckets hash slots.
func New[V any](shards, buckets int) *Table[V] {
	if shards < 1 {
		shards = 1
	}
	if buckets < 1 {
		buckets = 1
	}
	t := &Table[V]{shards: make([]shard[V], shards), buckets: buckets}
	for i := range t.shards {
		bs := make([]*List[entry[V]], buckets)
		for j := range bs {
			bs[j] = NewList[entry[V]](0, func(a, b entry[V]) int {
				return strings.Compare(a.key, b.key)
			})
		}
		t.shards[i].buckets = bs
	}
	return t
}

// hashDJB2 is the djb2 string hash by Dan Bernstein.
func hashDJB2(s string) uint64 {
	h := uint64(5381)
	for i := 0; i < len(s); i++ {
		h = h<<5 + h + uint64(s[i])
	}
	return h
}

// slot returns the owning shard and the bucket list for key.
func (t *Table[V]) slot(key string) (*shard[V], *List[entry[V]]) {
	dim := uint64(len(t.shards) * t.buckets)
	idx := int(hashDJB2(key) % dim)
	sh := &t.shards[idx/t.buckets]
	return sh, sh.buckets[idx%t.buckets]
}

// Insert adds (key, v) and returns the shard mutex that now guards the
// record. onInsert, when non-nil, runs under the shard mutex before the
// record becomes visible to lookups — the place to stamp the mutex into
// the record itself. ok is false when the key is already present.
func (t *Table[V]) Insert(key string, v V, onInsert func(v V, mu *sync.Mutex)) (mu *sync.Mutex, ok bool) {
	sh, b := t.slot(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if onInsert != nil {
		onInsert(v, &sh.mu)
	}
	if _, _, inserted := b.Push(entry[V]{key: key, val: v}); !inserted {
		return nil, false
	}
	return &sh.mu, true
}

// Get returns the record stored under key.
func (t *Table[V]) Get(key string) (V, bool) {
	sh, b := t.slot(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, found := b.Find(func(e entry[V]) bool { return e.key == key }); found {
		return e.val, true
	}
	var zero V
	return zero, false
}

// Remove unlinks and returns the record stored under key.
func (t *Table[V]) Remove(key string) (V, bool) {
	sh, b := t.slot(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, found := b.Remove(func(e entry[V]) bool { return e.key == key }); found {
		return e.val, true
	}
	var zero V
	return zero, false
}

// Len returns the number of records, counted shard by shard.
func (t *Table[V]) Len() int {
	n := 0
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.Lock()
		for _, b := range sh.buckets {
			n += b.Len()
		}
		sh.mu.Unlock()
	}
	return n
}

// Snapshot collects every record, holding one shard mutex at a time.
// Callers iterate the copy lock-free, then take each record's own lock as
// needed — fan-out never holds two shard mutexes at once.
func (t *Table[V]) Snapshot() []V {
	var out []V
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.Lock()
		for _, b := range sh.buckets {
			b.Each(func(e entry[V]) bool {
				out = append(out, e.val)
				return true
			})
		}
		sh.mu.Unlock()
	}
	return out
}
