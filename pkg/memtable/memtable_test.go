package memtable

import (
	"fmt"
	"sync"
	"testing"
)

func TestMemtable_UpsertGet(t *testing.T) {
	mt := New(Config{FlushThresholdBytes: 1 << 20, MaxImmTables: 2})

	if err := mt.Upsert([]byte("a"), []byte("1"), 1, MetaPut); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := mt.Upsert([]byte("a"), []byte("2"), 2, MetaPut); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	it, ok := mt.Get([]byte("a"))
	if !ok || string(it.Value) != "2" || it.SeqN != 2 {
		t.Fatalf("expected newest version, got %+v (found=%v)", it, ok)
	}

	if _, ok := mt.Get([]byte("b")); ok {
		t.Fatal("unexpected key b")
	}
}

func TestMemtable_TooLarge(t *testing.T) {
	mt := New(Config{FlushThresholdBytes: 32, MaxImmTables: 1})

	if err := mt.Upsert([]byte("k"), make([]byte, 64), 1, MetaPut); err != ErrTooLargeEntry {
		t.Fatalf("expected ErrTooLargeEntry, got %v", err)
	}
}

func TestMemtable_RotationKeepsData(t *testing.T) {
	mt := New(Config{FlushThresholdBytes: 64, MaxImmTables: 2})

	const n = 50
	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("key-%03d", i))
		if err := mt.Upsert(k, []byte(fmt.Sprintf("v%d", i)), uint64(i+1), MetaPut); err != nil {
			t.Fatalf("Upsert %d failed: %v", i, err)
		}
	}

	if mt.Tables() > 3 {
		t.Fatalf("expected frozen tables to be merged, got %d tables", mt.Tables())
	}

	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("key-%03d", i))
		it, ok := mt.Get(k)
		if !ok || string(it.Value) != fmt.Sprintf("v%d", i) {
			t.Fatalf("key %s lost after rotation: %+v", k, it)
		}
	}
}

func TestMemtable_ScanHidesTombstones(t *testing.T) {
	mt := New(Config{FlushThresholdBytes: 48, MaxImmTables: 4})

	put := func(k, v string, seq uint64, meta uint64) {
		t.Helper()
		if err := mt.Upsert([]byte(k), []byte(v), seq, meta); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	put("t1/a", "1", 1, MetaPut)
	put("t1/b", "2", 2, MetaPut)
	put("t2/a", "3", 3, MetaPut)
	put("t1/c", "4", 4, MetaPut)
	put("t1/b", "", 5, MetaDelete)
	put("t1/a", "5", 6, MetaPut)

	var got []string
	mt.Scan([]byte("t1/"), func(it Item) bool {
		got = append(got, string(it.Key)+"="+string(it.Value))
		return true
	})

	want := []string{"t1/a=5", "t1/c=4"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	it, ok := mt.Get([]byte("t1/b"))
	if !ok || !it.Deleted() {
		t.Fatalf("expected tombstone for t1/b, got %+v", it)
	}
}

func TestMemtable_ConcurrentUpsertsSurviveRotation(t *testing.T) {
	// маленький порог: ротации и слияния идут параллельно с записью
	mt := New(Config{FlushThresholdBytes: 128, MaxImmTables: 2})

	const (
		writers = 8
		perW    = 200
	)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perW; i++ {
				k := []byte(fmt.Sprintf("w%d-k%03d", w, i))
				if err := mt.Upsert(k, []byte("v"), uint64(w*perW+i+1), MetaPut); err != nil {
					t.Errorf("Upsert %s: %v", k, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	for w := 0; w < writers; w++ {
		for i := 0; i < perW; i++ {
			k := fmt.Sprintf("w%d-k%03d", w, i)
			if _, ok := mt.Get([]byte(k)); !ok {
				t.Fatalf("key %s lost", k)
			}
		}
	}
}
