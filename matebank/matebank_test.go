package matebank

import (
	"bytes"
	"testing"
)

func TestAllocReadFree(t *testing.T) {
	b := New()
	h := b.Alloc([]byte("hello, mate"), PlacementSmall)
	if h == 0 {
		t.Fatal("handle 0 should never be allocated")
	}
	got, err := b.Read(h)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("hello, mate")) {
		t.Fatalf("got %q", got)
	}
	if b.Size(h) != len("hello, mate") {
		t.Fatalf("Size() = %d, want %d", b.Size(h), len("hello, mate"))
	}
	b.Free(h)
	if _, err := b.Read(h); err == nil {
		t.Fatal("expected error reading freed handle")
	}
}

func TestHandleRecycling(t *testing.T) {
	b := New()
	h1 := b.Alloc([]byte("a"), PlacementLarge)
	b.Free(h1)
	h2 := b.Alloc([]byte("b"), PlacementLarge)
	if h2 != h1 {
		t.Fatalf("expected handle reuse, got %d then %d", h1, h2)
	}
}

func TestFragmentRoundTrip(t *testing.T) {
	b := New()
	f := Fragment{
		ReadLength:   150,
		Reverse:      true,
		MateReverse:  false,
		LowQuality:   false,
		Key:          0xdeadbeef,
		Aligned:      true,
		ReferenceID:  3,
		ReadNumber:   1,
		Sequence:     []byte("ACGTACGT"),
		Qualities:    []byte{30, 31, 32, 33, 34, 35, 36, 37},
		SpotGroup:    "group-a",
		LinkageGroup: "BX:Z:xyz",
	}
	h := b.PutFragment(f, PlacementSmall)
	got, err := b.GetFragment(h)
	if err != nil {
		t.Fatal(err)
	}
	if got.ReadLength != f.ReadLength || got.Key != f.Key || got.ReferenceID != f.ReferenceID {
		t.Fatalf("scalar mismatch: %+v vs %+v", got, f)
	}
	if !bytes.Equal(got.Sequence, f.Sequence) || !bytes.Equal(got.Qualities, f.Qualities) {
		t.Fatalf("byte field mismatch: %+v vs %+v", got, f)
	}
	if got.SpotGroup != f.SpotGroup || got.LinkageGroup != f.LinkageGroup {
		t.Fatalf("string field mismatch: %+v vs %+v", got, f)
	}
	if !got.Reverse || got.MateReverse || !got.Aligned {
		t.Fatalf("flag mismatch: %+v", got)
	}
}

func TestMemoryUsedSplitsByPlacement(t *testing.T) {
	b := New()
	b.Alloc(make([]byte, 1000), PlacementLarge)
	b.Alloc(make([]byte, 1000), PlacementSmall)
	large, small := b.MemoryUsed()
	if large == 0 || small == 0 {
		t.Fatalf("expected both pools nonzero, got large=%d small=%d", large, small)
	}
}
