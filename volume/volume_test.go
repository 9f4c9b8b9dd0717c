package volume

import (
	"fmt"
	"testing"
	"time"

	"github.com/grailbio/srabam-load/metadata"
)

func waitReady(t *testing.T, b *Batch) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !b.Ready() {
		if time.Now().After(deadline) {
			t.Fatal("batch never became ready")
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestFrame(n int) *HotFrame {
	md := metadata.NewMetadata()
	names := map[string]uint32{}
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("read-%05d", i)
		names[name] = uint32(i)
		md.SetSpotID(i, uint64(i+1))
	}
	return &HotFrame{Names: names, Metadata: md}
}

func TestFreezeFindAfterReady(t *testing.T) {
	frame := newTestFrame(5000)
	b := Freeze(0, 5000, frame, func() bool { return false })
	waitReady(t, b)

	for name, row := range frame.Names {
		got, found := b.Find(name)
		if !found {
			t.Fatalf("name %q not found after freeze", name)
		}
		if got != row {
			t.Fatalf("name %q: row %d, want %d", name, got, row)
		}
	}
	if _, found := b.Find("does-not-exist"); found {
		t.Fatal("expected miss for absent name")
	}
}

func TestFreezeFindWhileBuilding(t *testing.T) {
	frame := newTestFrame(10)
	// Construct the batch directly without starting the build goroutine,
	// to exercise the hot-map fallback path deterministically.
	b := &Batch{Offset: 0, BatchSize: 10, building: frame, Metadata: frame.Metadata}
	for name, row := range frame.Names {
		got, found := b.Find(name)
		if !found || got != row {
			t.Fatalf("hot lookup failed for %q", name)
		}
	}
}

func TestFreezeAbortsOnStop(t *testing.T) {
	frame := newTestFrame(100000)
	stopped := make(chan struct{})
	close(stopped) // already stopped
	b := Freeze(0, 100000, frame, func() bool {
		select {
		case <-stopped:
			return true
		default:
			return false
		}
	})
	time.Sleep(20 * time.Millisecond)
	if b.Ready() {
		t.Fatal("batch should not become ready when stop is set immediately")
	}
}
