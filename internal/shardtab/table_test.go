package shardtab

import (
	"fmt"
	"sync"
	"testing"
)

func TestTableInsertGetRemove(t *testing.T) {
	tab := New[int](4, 10)

	mu, ok := tab.Insert("alice", 1, nil)
	if !ok || mu == nil {
		t.Fatal("first insert failed or returned nil mutex")
	}
	if _, ok := tab.Insert("alice", 2, nil); ok {
		t.Fatal("duplicate insert succeeded")
	}

	if v, ok := tab.Get("alice"); !ok || v != 1 {
		t.Fatalf("Get alice = %d %v, want 1 true", v, ok)
	}
	if _, ok := tab.Get("bob"); ok {
		t.Fatal("Get of absent key returned ok")
	}

	if v, ok := tab.Remove("alice"); !ok || v != 1 {
		t.Fatalf("Remove alice = %d %v", v, ok)
	}
	if _, ok := tab.Get("alice"); ok {
		t.Fatal("alice still present after Remove")
	}
	if _, ok := tab.Remove("alice"); ok {
		t.Fatal("second Remove returned ok")
	}
}

func TestTableStampsShardMutex(t *testing.T) {
	tab := New[int](4, 10)

	// The same key must always map to the same shard mutex.
	mu1, _ := tab.Insert("alice", 1, nil)
	tab.Remove("alice")
	mu2, _ := tab.Insert("alice", 2, nil)
	if mu1 != mu2 {
		t.Fatal("same key stamped with different shard mutexes")
	}
}

func TestTableOnInsertStampsUnderLock(t *testing.T) {
	tab := New[*int](4, 10)

	var stamped *sync.Mutex
	v := new(int)
	mu, ok := tab.Insert("alice", v, func(got *int, m *sync.Mutex) {
		if got != v {
			t.Errorf("onInsert received wrong value")
		}
		stamped = m
	})
	if !ok {
		t.Fatal("insert failed")
	}
	if stamped != mu {
		t.Fatal("onInsert mutex differs from the returned one")
	}

	// A rejected duplicate still ran onInsert before the push; callers
	// stamp a record that is then thrown away, which is harmless.
	if _, ok := tab.Insert("alice", new(int), func(*int, *sync.Mutex) {}); ok {
		t.Fatal("duplicate insert succeeded")
	}
}

func TestTableLenAndSnapshot(t *testing.T) {
	tab := New[string](3, 5)

	keys := make(map[string]bool)
	for i := 0; i < 40; i++ {
		k := fmt.Sprintf("user-%02d", i)
		keys[k] = true
		if _, ok := tab.Insert(k, k, nil); !ok {
			t.Fatalf("insert %q failed", k)
		}
	}
	if tab.Len() != 40 {
		t.Fatalf("Len = %d, want 40", tab.Len())
	}

	snap := tab.Snapshot()
	if len(snap) != 40 {
		t.Fatalf("snapshot size = %d, want 40", len(snap))
	}
	for _, v := range snap {
		if !keys[v] {
			t.Fatalf("snapshot contains unknown value %q", v)
		}
		delete(keys, v)
	}
	if len(keys) != 0 {
		t.Fatalf("snapshot missed %d keys", len(keys))
	}
}

func TestTableConcurrentAccess(t *testing.T) {
	tab := New[int](8, 10)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				k := fmt.Sprintf("w%d-i%d", w, i)
				if _, ok := tab.Insert(k, i, nil); !ok {
					t.Errorf("insert %q failed", k)
					return
				}
				if v, ok := tab.Get(k); !ok || v != i {
					t.Errorf("get %q = %d %v", k, v, ok)
					return
				}
				if i%3 == 0 {
					tab.Remove(k)
				}
			}
		}(w)
	}
	wg.Wait()

	want := 0
	for i := 0; i < 100; i++ {
		if i%3 != 0 {
			want++
		}
	}
	if got := tab.Len() / 8; got != want {
		t.Fatalf("per-worker survivors = %d, want %d", got, want)
	}
}

func TestDJB2Spread(t *testing.T) {
	// Not a statistical test — just a sanity check that djb2 does not
	// collapse realistic nicknames onto one shard.
	tab := New[int](4, 10)
	seen := make(map[*sync.Mutex]bool)
	for i := 0; i < 64; i++ {
		mu, _ := tab.Insert(fmt.Sprintf("nick%d", i), i, nil)
		seen[mu] = true
	}
	if len(seen) < 2 {
		t.Fatalf("all 64 keys landed on %d shard(s)", len(seen))
	}
}
