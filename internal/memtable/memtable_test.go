package memtable

import (
	"fmt"
	"sync"
	"testing"

	"github.com/aalhour/epochkv/internal/dbformat"
)

func TestBufferSealAndIterate(t *testing.T) {
	b := NewBuffer(5)
	if e := b.Put([]byte("b"), []byte("1")); e != 5 {
		t.Fatalf("Put epoch = %d, want 5", e)
	}
	b.Put([]byte("a"), []byte("1"))
	b.Put([]byte("b"), []byte("2"))
	b.Delete([]byte("c"))

	if got := b.Seal(); got != 5 {
		t.Fatalf("Seal = %d, want 5", got)
	}
	if got := b.CurrentEpoch(); got != 6 {
		t.Fatalf("CurrentEpoch = %d, want 6", got)
	}
	b.Put([]byte("a"), []byte("later"))

	sealed := b.Sealed()
	if len(sealed) != 1 || sealed[0].Len() != 3 {
		t.Fatalf("sealed = %d tables", len(sealed))
	}

	want := []struct {
		key   string
		kind  dbformat.Kind
		value string
	}{
		{"a", dbformat.KindPut, "1"},
		{"b", dbformat.KindPut, "2"},
		{"c", dbformat.KindDelete, ""},
	}
	it := sealed[0].NewIterator()
	i := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		pk, err := dbformat.Parse(it.Key())
		if err != nil {
			t.Fatal(err)
		}
		w := want[i]
		if string(pk.UserKey) != w.key || pk.Kind != w.kind || pk.Epoch != 5 || string(it.Value()) != w.value {
			t.Errorf("entry %d = %s %q", i, pk, it.Value())
		}
		i++
	}
	if i != len(want) {
		t.Fatalf("iterated %d entries, want %d", i, len(want))
	}

	it.Seek(dbformat.SeekKey([]byte("b"), 9))
	if !it.Valid() || string(dbformat.UserKey(it.Key())) != "b" {
		t.Fatalf("Seek(b) landed on %q", it.Key())
	}
	it.Prev()
	if !it.Valid() || string(dbformat.UserKey(it.Key())) != "a" {
		t.Fatalf("Prev landed on %q", it.Key())
	}
}

func TestBufferDeleteReplacesPutInSameEpoch(t *testing.T) {
	b := NewBuffer(1)
	b.Put([]byte("k"), []byte("v"))
	b.Delete([]byte("k"))
	b.Seal()
	it := b.Sealed()[0].NewIterator()
	it.SeekToFirst()
	if !it.Valid() || dbformat.KindOf(it.Key()) != dbformat.KindDelete {
		t.Fatal("expected a single tombstone")
	}
	it.Next()
	if it.Valid() {
		t.Fatal("expected exactly one entry")
	}
}

func TestBufferRelease(t *testing.T) {
	b := NewBuffer(1)
	for i := 0; i < 4; i++ {
		b.Put([]byte(fmt.Sprint(i)), []byte("x"))
		b.Seal()
	}
	b.Release(2)
	sealed := b.Sealed()
	if len(sealed) != 2 || sealed[0].Epoch() != 3 || sealed[1].Epoch() != 4 {
		t.Fatalf("after Release(2): %d tables", len(sealed))
	}
	b.Release(10)
	if len(b.Sealed()) != 0 {
		t.Fatal("Release(10) should drop everything")
	}
}

func TestBufferApproximateSize(t *testing.T) {
	b := NewBuffer(1)
	b.Put([]byte("key"), make([]byte, 100))
	first := b.ApproximateSize()
	b.Put([]byte("key"), make([]byte, 10))
	if got := b.ApproximateSize(); got != first-90 {
		t.Errorf("size after overwrite = %d, want %d", got, first-90)
	}
	b.Seal()
	if b.ApproximateSize() == 0 {
		t.Error("sealed data should still be counted")
	}
}

func TestBufferConcurrentWriters(t *testing.T) {
	b := NewBuffer(1)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				b.Put([]byte(fmt.Sprintf("w%d-%03d", w, i)), []byte("v"))
				if i%50 == 0 {
					b.Seal()
				}
			}
		}(w)
	}
	wg.Wait()
	b.Seal()

	total := 0
	for _, tb := range b.Sealed() {
		total += tb.Len()
	}
	if total != 8*200 {
		t.Fatalf("total entries = %d, want %d", total, 8*200)
	}
}
