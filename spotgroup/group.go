// Package spotgroup implements group state and spot assembly (C4): the
// ordered list of frozen batches plus the current hot map and hot metadata
// for one read-group partition, and the find-or-insert algorithm used to
// resolve every incoming alignment record to a spot row.
package spotgroup

import (
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/traverse"

	"github.com/grailbio/srabam-load/keyfilter"
	"github.com/grailbio/srabam-load/metadata"
	"github.com/grailbio/srabam-load/volume"
)

// Result is the outcome of FindOrInsert: the resolved row, the metadata
// frame it lives in, and whether this call created a new spot.
type Result struct {
	// GlobalRow is the row index within the owning group (hot offset +
	// local row, or a frozen batch's offset + local row).
	GlobalRow uint64
	// LocalRow is the row index within Metadata specifically (what callers
	// pass to Metadata's accessors).
	LocalRow int
	// Metadata is the frame (hot or frozen) owning LocalRow.
	Metadata *metadata.Metadata
	// WasInserted is true iff this call created the row.
	WasInserted bool
}

// Group is one read-group partition's spot-assembly state: an ordered list
// of immutable frozen batches plus the still-mutable hot window.
//
// Group is not internally synchronized: hot_map/hot_metadata are mutated
// only by the single processor goroutine (record.Processor.Process calls
// FindOrInsert once per record; the decoder goroutine never does), and frozen batches
// are immutable and safely shared once Ready. Callers must not call
// FindOrInsert concurrently on the same Group.
type Group struct {
	ID   uint32
	Name string // read-group name from the BAM header; "" in single-group mode

	// Platform is the group-level platform id resolved once from the BAM
	// header's RG:PL tag. In single-group mode, platform instead varies
	// per-spot and is stored in the platform metadata column (see
	// metadata.Metadata.Platform), and Platform here is left zero.
	Platform uint16

	Batches []*volume.Batch

	hotNames    map[string]uint32
	HotMetadata *metadata.Metadata

	Offset     uint64 // first row index covered by the hot window
	CurrRow    uint64 // next local row to assign inside the hot window
	TotalSpots uint64

	filterHits   uint64
	filterMisses uint64
}

// NewGroup creates an empty group with the given id and read-group name.
func NewGroup(id uint32, name string) *Group {
	return &Group{
		ID:          id,
		Name:        name,
		hotNames:    make(map[string]uint32),
		HotMetadata: metadata.NewMetadata(),
	}
}

// FilterHits and FilterMisses report the key-filter statistics accumulated
// for this group, carried over from m_key_filter_total/m_key_filter_miss
// in the source spot_assembly.
func (g *Group) FilterHits() uint64   { return g.filterHits }
func (g *Group) FilterMisses() uint64 { return g.filterMisses }

// FindOrInsert resolves name to its row within g, inserting a new row if
// name has never been seen, per spec §4.4.
func (g *Group) FindOrInsert(name string, filter *keyfilter.Filter) Result {
	if !filter.Seen([]byte(name)) {
		return g.insert(name)
	}
	g.filterHits++

	if row, ok := g.hotNames[name]; ok {
		return Result{
			GlobalRow: g.Offset + uint64(row),
			LocalRow:  int(row),
			Metadata:  g.HotMetadata,
		}
	}

	if globalRow, localRow, md, found := g.searchBatches(name); found {
		return Result{GlobalRow: globalRow, LocalRow: localRow, Metadata: md}
	}

	g.filterMisses++
	return g.insert(name)
}

func (g *Group) insert(name string) Result {
	row := g.CurrRow
	g.hotNames[name] = uint32(row)
	g.CurrRow++
	g.TotalSpots++
	return Result{
		GlobalRow:   g.Offset + row,
		LocalRow:    int(row),
		Metadata:    g.HotMetadata,
		WasInserted: true,
	}
}

// searchBatches searches every frozen batch newest-to-oldest in parallel,
// stopping as soon as one worker finds name. Mate records typically arrive
// close together in the stream, so the newest batch is the most probable
// hit among older mates.
func (g *Group) searchBatches(name string) (globalRow uint64, localRow int, md *metadata.Metadata, found bool) {
	n := len(g.Batches)
	if n == 0 {
		return 0, 0, nil, false
	}

	var done int32
	var mu sync.Mutex
	var resultGlobal uint64
	var resultLocal int
	var resultMeta *metadata.Metadata
	anyFound := false

	_ = traverse.Each(n, func(i int) error {
		if atomic.LoadInt32(&done) != 0 {
			return nil
		}
		// Newest first: Batches is ordered oldest-first.
		b := g.Batches[n-1-i]
		row, ok := b.Find(name)
		if !ok {
			return nil
		}
		if atomic.CompareAndSwapInt32(&done, 0, 1) {
			mu.Lock()
			resultGlobal = b.Offset + uint64(row)
			resultLocal = int(row)
			resultMeta = b.Metadata
			anyFound = true
			mu.Unlock()
		}
		return nil
	})

	if !anyFound {
		return 0, 0, nil, false
	}
	return resultGlobal, resultLocal, resultMeta, true
}

// freeze moves the current hot window into a new immutable Batch and
// starts its background build, installing fresh empty hot structures for
// the next window.
func (g *Group) freeze(stopped func() bool) {
	if g.CurrRow == 0 {
		return
	}
	frame := &volume.HotFrame{Names: g.hotNames, Metadata: g.HotMetadata}
	batch := volume.Freeze(g.Offset, int(g.CurrRow), frame, stopped)
	g.Batches = append(g.Batches, batch)

	g.Offset += g.CurrRow
	g.hotNames = make(map[string]uint32, g.CurrRow)
	g.HotMetadata = metadata.NewMetadata()
	g.CurrRow = 0
}

// MemoryUsed estimates the group's current memory footprint: the sum of
// every frozen batch's reported footprint plus the current hot metadata's.
func (g *Group) MemoryUsed() int64 {
	var total int64
	for _, b := range g.Batches {
		total += atomic.LoadInt64(&b.MemoryUsed)
	}
	total += int64(g.HotMetadata.MemoryUsed())
	total += int64(len(g.hotNames)) * 48 // rough per-entry map overhead estimate
	return total
}

// VisitMetadata calls f once per metadata frame this group owns (every
// frozen batch's frame, oldest first, then the hot frame), passing each
// frame's global row offset. Used by finalize's passes, which must cover
// every row exactly once in insertion order.
func (g *Group) VisitMetadata(f func(md *metadata.Metadata, offset uint64, rows int)) {
	for _, b := range g.Batches {
		f(b.Metadata, b.Offset, b.BatchSize)
	}
	f(g.HotMetadata, g.Offset, int(g.CurrRow))
}

// MetadataByRow returns the metadata frame and local row owning globalRow.
func (g *Group) MetadataByRow(globalRow uint64) (*metadata.Metadata, int) {
	if globalRow >= g.Offset {
		return g.HotMetadata, int(globalRow - g.Offset)
	}
	for i := len(g.Batches) - 1; i >= 0; i-- {
		b := g.Batches[i]
		if globalRow >= b.Offset {
			return b.Metadata, int(globalRow - b.Offset)
		}
	}
	panic("spotgroup: row not covered by any batch or hot window")
}
