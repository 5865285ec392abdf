package filter

import (
	"fmt"
	"testing"
)

func TestBloomNoFalseNegatives(t *testing.T) {
	b := NewBuilder(10)
	for i := range 2000 {
		b.AddKey(fmt.Appendf(nil, "key-%d", i))
	}
	r := NewReader(b.Finish())
	if r == nil {
		t.Fatal("NewReader returned nil")
	}
	for i := range 2000 {
		if !r.MayContain(fmt.Appendf(nil, "key-%d", i)) {
			t.Fatalf("false negative for key-%d", i)
		}
	}
}

func TestBloomFalsePositiveRate(t *testing.T) {
	b := NewBuilder(10)
	for i := range 10000 {
		b.AddKey(fmt.Appendf(nil, "present-%d", i))
	}
	r := NewReader(b.Finish())

	fp := 0
	for i := range 10000 {
		if r.MayContain(fmt.Appendf(nil, "absent-%d", i)) {
			fp++
		}
	}
	// ~1% expected; allow generous slack for cache-local layout.
	if fp > 300 {
		t.Errorf("false positive rate too high: %d/10000", fp)
	}
}

func TestBloomEmptyFilter(t *testing.T) {
	r := NewReader(NewBuilder(10).Finish())
	if r == nil {
		t.Fatal("empty filter should parse")
	}
	if r.MayContain([]byte("anything")) {
		t.Error("empty filter must not match")
	}
}

func TestBloomDeduplicatesConsecutiveKeys(t *testing.T) {
	b := NewBuilder(10)
	b.AddKey([]byte("a"))
	b.AddKey([]byte("a"))
	b.AddKey([]byte("b"))
	if b.NumKeys() != 2 {
		t.Errorf("NumKeys = %d, want 2", b.NumKeys())
	}
}

func TestBloomUnknownFormatMatchesEverything(t *testing.T) {
	r := NewReader([]byte{1, 2, 3, 0x7e})
	if r != nil {
		t.Fatal("expected nil reader for unknown format")
	}
	if !r.MayContain([]byte("x")) {
		t.Error("nil reader must answer may-contain")
	}
}
