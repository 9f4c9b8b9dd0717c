// Package volume implements the frozen batch ("volume") of one group's hot
// window (C3): a sorted name dictionary plus the row index and metadata
// frame it was built from, built asynchronously off the ingest thread.
package volume

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/minio/highwayhash"

	"github.com/grailbio/srabam-load/metadata"
)

// HotFrame is the hot-map state a batch is built from: the name->row map
// and the metadata frame it indexes into. It is defined here (instead of
// imported from spotgroup) to avoid a spotgroup<->volume import cycle;
// spotgroup constructs one whenever it freezes its hot window.
type HotFrame struct {
	// Names maps a spot name to its local row index within the frame being
	// frozen.
	Names map[string]uint32
	// Metadata is the per-row metadata collected while this frame was hot.
	Metadata *metadata.Metadata
}

// checksumKey is a fixed key for the highwayhash integrity checksum taken
// over each batch's frozen name dictionary; it has no secrecy requirement,
// it exists only to catch accidental corruption of the dictionary bytes
// between freeze and query.
var checksumKey = make([]byte, 32)

// Batch is one frozen, immutable slice of a group's name index.
//
// A Batch starts in state Building: Find falls back to the hot map it was
// constructed from while the background sort/compress pipeline runs. Once
// the pipeline publishes Ready (via atomic release), Find switches
// permanently to binary search over Data and the hot map is dropped.
type Batch struct {
	Offset    uint64 // first global row index covered by this batch
	BatchSize int    // number of rows in this batch

	state int32 // atomic: 0=building, 1=ready

	buildingMu sync.RWMutex
	building   *HotFrame // set until Ready; read under buildingMu

	data     []string // sorted spot names, set once Ready
	index    []uint32 // index[p] = local row index of data[p]
	checksum uint64   // highwayhash of the serialized dictionary

	Metadata    *metadata.Metadata
	MemoryUsed  int64 // atomic
	needOptimize bool
}

// Freeze starts an asynchronous build of a new Batch from the given hot
// frame. The returned Batch is in state Building; the background worker
// polls stopped between build steps and abandons the build (leaving the
// Batch in state Building) once it returns true. traverse.Each is used for
// the sort step, matching the worker-pool pattern the source batch-builder
// farms its sort out to.
func Freeze(offset uint64, batchSize int, frame *HotFrame, stopped func() bool) *Batch {
	b := &Batch{
		Offset:     offset,
		BatchSize:  batchSize,
		building:   frame,
		Metadata:   frame.Metadata,
		needOptimize: true,
	}
	go b.build(stopped)
	return b
}

func (b *Batch) build(stopped func() bool) {
	if stopped() {
		return
	}
	names := make([]string, 0, len(b.building.Names))
	rows := make([]uint32, 0, len(b.building.Names))
	for name, row := range b.building.Names {
		names = append(names, name)
		rows = append(rows, row)
	}
	// Step 1+2: enumerate and sort lexicographically. The sort runs as a
	// bounded number of independently-sorted chunks over traverse's worker
	// pool, followed by a sequential k-way merge, matching the spec's
	// allowance for the sort to run on an auxiliary worker pool.
	order := make([]int, len(names))
	for i := range order {
		order[i] = i
	}
	order = parallelSortByName(order, names)
	if stopped() {
		return
	}

	// Step 3: populate data/index by streaming the sorted names.
	data := make([]string, len(order))
	index := make([]uint32, len(order))
	for i, o := range order {
		data[i] = names[o]
		index[i] = rows[o]
	}
	if stopped() {
		return
	}

	// Step 4: "remap to optimal alphabet" + compress/optimize. We do not
	// reimplement BitMagic's string remap; Optimize on the metadata frame
	// only measures the frame's compressed size (the frame itself is left
	// as it is) for the reported footprint, and the checksum below
	// gives a cheap corruption check in place of the freeze step's
	// structural invariants.
	mem := b.Metadata.Optimize()
	checksum := checksumDictionary(data)

	if stopped() {
		return
	}

	// Step 5+6: bind the accelerator (here, simply the sorted slice plus
	// sort.Search) and publish Ready with a release fence so every prior
	// write (data, index, checksum, mem) is visible to any goroutine that
	// observes state==ready.
	b.data = data
	b.index = index
	b.checksum = checksum
	atomic.StoreInt64(&b.MemoryUsed, int64(mem))
	atomic.StoreInt32(&b.state, 1)
}

// parallelSortByName sorts the index permutation order (into names) by
// splitting it into chunks sorted concurrently via traverse.Each, then
// merging the sorted chunks sequentially.
func parallelSortByName(order []int, names []string) []int {
	const minChunk = 1 << 16
	numChunks := (len(order) + minChunk - 1) / minChunk
	if numChunks < 1 {
		numChunks = 1
	}
	if numChunks > 32 {
		numChunks = 32
	}
	chunkSize := (len(order) + numChunks - 1) / numChunks
	if chunkSize == 0 {
		chunkSize = 1
	}
	chunks := make([][]int, 0, numChunks)
	for start := 0; start < len(order); start += chunkSize {
		end := start + chunkSize
		if end > len(order) {
			end = len(order)
		}
		chunks = append(chunks, order[start:end])
	}
	if err := traverse.Each(len(chunks), func(i int) error {
		chunk := chunks[i]
		sort.Slice(chunk, func(a, b int) bool { return names[chunk[a]] < names[chunk[b]] })
		return nil
	}); err != nil {
		log.Error.Printf("volume: parallel chunk sort failed: %v", err)
	}
	return mergeSortedChunks(chunks, names)
}

// mergeSortedChunks k-way merges already-sorted index chunks into one
// sorted permutation.
func mergeSortedChunks(chunks [][]int, names []string) []int {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	merged := make([]int, 0, total)
	heads := make([]int, len(chunks))
	for {
		best := -1
		for ci, h := range heads {
			if h >= len(chunks[ci]) {
				continue
			}
			if best == -1 || names[chunks[ci][h]] < names[chunks[best][heads[best]]] {
				best = ci
			}
		}
		if best == -1 {
			break
		}
		merged = append(merged, chunks[best][heads[best]])
		heads[best]++
	}
	return merged
}

func checksumDictionary(data []string) uint64 {
	h, err := highwayhash.New64(checksumKey)
	if err != nil {
		// Only possible if checksumKey has the wrong length, which is a
		// programmer error, not a runtime condition.
		panic(err)
	}
	for _, s := range data {
		h.Write([]byte(s)) //nolint:errcheck // hash.Hash.Write never errors.
	}
	return h.Sum64()
}

// Ready reports whether the background build has published its result.
func (b *Batch) Ready() bool {
	return atomic.LoadInt32(&b.state) == 1
}

// Checksum returns the highwayhash of the frozen dictionary; valid only
// once Ready.
func (b *Batch) Checksum() uint64 { return b.checksum }

// Find looks up name in this batch, returning its local row index (not yet
// offset by b.Offset) and whether it was found.
//
// Before Ready, Find consults the not-yet-released hot map the batch was
// built from. The first caller to observe Ready==true drops that hot map
// (releasing its memory) and all subsequent calls use binary search, per
// spec §4.3's "read path before ready" / "after ready".
func (b *Batch) Find(name string) (row uint32, found bool) {
	if b.Ready() {
		b.releaseHotFrameOnce()
		return b.findSorted(name)
	}
	b.buildingMu.RLock()
	frame := b.building
	b.buildingMu.RUnlock()
	if frame == nil {
		// Lost the race with releaseHotFrameOnce after becoming ready
		// between the Ready() check above and here; fall through to the
		// sorted search, which is now safe to use.
		return b.findSorted(name)
	}
	row, ok := frame.Names[name]
	return row, ok
}

func (b *Batch) releaseHotFrameOnce() {
	b.buildingMu.Lock()
	defer b.buildingMu.Unlock()
	b.building = nil
}

func (b *Batch) findSorted(name string) (uint32, bool) {
	i := sort.SearchStrings(b.data, name)
	if i < len(b.data) && b.data[i] == name {
		return b.index[i], true
	}
	return 0, false
}

// VisitNames calls f once for every spot name currently held by this batch
// (whether still hot or already frozen), used by Pass A/B and by key-filter
// rebuilds.
func (b *Batch) VisitNames(f func(name string)) {
	if b.Ready() {
		for _, n := range b.data {
			f(n)
		}
		return
	}
	b.buildingMu.RLock()
	frame := b.building
	b.buildingMu.RUnlock()
	if frame == nil {
		for _, n := range b.data {
			f(n)
		}
		return
	}
	for n := range frame.Names {
		f(n)
	}
}
