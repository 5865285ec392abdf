package dbformat

import (
	"bytes"
	"errors"
	"sort"
	"testing"
)

func TestFullKeyEncodeDecode(t *testing.T) {
	tests := []struct {
		name  string
		user  []byte
		epoch Epoch
		kind  Kind
	}{
		{"empty_user_key", nil, 1, KindPut},
		{"tombstone", []byte("k"), 42, KindDelete},
		{"max_epoch", []byte("abc"), MaxEpoch, KindPut},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := MakeFullKey(tt.user, tt.epoch, tt.kind)
			p, err := Parse(k)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if !bytes.Equal(p.UserKey, tt.user) || p.Epoch != tt.epoch || p.Kind != tt.kind {
				t.Errorf("Parse = %v", p)
			}
			if k.Epoch() != tt.epoch || k.Kind() != tt.kind || !bytes.Equal(k.UserKey(), tt.user) {
				t.Errorf("accessors disagree with Parse")
			}
		})
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	if _, err := Parse([]byte("short")); !errors.Is(err, ErrBadFullKey) {
		t.Errorf("short key: %v", err)
	}
	bad := MakeFullKey([]byte("k"), 3, KindPut)
	bad[len(bad)-TrailerLen] = 0x9
	if _, err := Parse(bad); !errors.Is(err, ErrBadFullKey) {
		t.Errorf("unknown kind: %v", err)
	}
}

// TestCompareOrdersNewestFirst checks user key ascending then epoch
// descending.
func TestCompareOrdersNewestFirst(t *testing.T) {
	keys := [][]byte{
		MakeFullKey([]byte("b"), 1, KindPut),
		MakeFullKey([]byte("a"), 2, KindPut),
		MakeFullKey([]byte("a"), 9, KindDelete),
		MakeFullKey([]byte("a"), 5, KindPut),
		MakeFullKey([]byte("ab"), 1, KindPut),
	}
	sort.Slice(keys, func(i, j int) bool { return Compare(keys[i], keys[j]) < 0 })

	want := []string{`"a"@9:DEL`, `"a"@5:PUT`, `"a"@2:PUT`, `"ab"@1:PUT`, `"b"@1:PUT`}
	for i, k := range keys {
		p, _ := Parse(k)
		if p.String() != want[i] {
			t.Errorf("position %d: got %s, want %s", i, p, want[i])
		}
	}
}

func TestSeekKeyLandsOnVisibleVersion(t *testing.T) {
	seek := SeekKey([]byte("a"), 5)
	newer := MakeFullKey([]byte("a"), 6, KindDelete)
	same := MakeFullKey([]byte("a"), 5, KindPut)
	sameDel := MakeFullKey([]byte("a"), 5, KindDelete)

	if Compare(newer, seek) >= 0 {
		t.Error("newer epoch must sort before the seek key")
	}
	if Compare(seek, same) > 0 || Compare(seek, sameDel) > 0 {
		t.Error("seek key must not sort after entries at the same epoch")
	}
}

func TestKeyRange(t *testing.T) {
	r := KeyRange{Start: []byte("b"), End: []byte("d")}
	if !r.Contains([]byte("b")) || !r.Contains([]byte("c")) || r.Contains([]byte("d")) || r.Contains([]byte("a")) {
		t.Error("Contains is not half-open")
	}
	unbounded := KeyRange{Start: []byte("x")}
	if !unbounded.Contains([]byte("zzzz")) {
		t.Error("unbounded range should contain larger keys")
	}
	if r.Overlaps(KeyRange{Start: []byte("d"), End: []byte("e")}) {
		t.Error("adjacent ranges must not overlap")
	}
	if !r.Overlaps(KeyRange{Start: []byte("c")}) {
		t.Error("expected overlap with unbounded range")
	}
	if !r.IntersectsInclusive([]byte("a"), []byte("b")) {
		t.Error("inclusive largest equal to start should intersect")
	}
	if r.IntersectsInclusive([]byte("d"), []byte("z")) {
		t.Error("table starting at exclusive end must not intersect")
	}
}

func TestPrefixSuccessor(t *testing.T) {
	if got := PrefixSuccessor([]byte{0x00, 0x01}); !bytes.Equal(got, []byte{0x00, 0x02}) {
		t.Errorf("got %x", got)
	}
	if got := PrefixSuccessor([]byte{0x01, 0xff}); !bytes.Equal(got, []byte{0x02}) {
		t.Errorf("got %x", got)
	}
	if got := PrefixSuccessor([]byte{0xff, 0xff}); got != nil {
		t.Errorf("got %x, want nil", got)
	}
}
