package metadata

import "github.com/grailbio/srabam-load/column"

// Column indices of the per-spot metadata frame, mirroring metadata_t's
// enum in the source spot-assembly header.
const (
	ColPrimaryID1 = iota
	ColPrimaryID2
	ColSpotID
	ColFragmentID
	ColFragmentLen1
	ColFragmentLen2
	ColAlignmentCount1
	ColAlignmentCount2
	ColPlatform
	ColUnmated
	ColPCRDup
	ColUnaligned1
	ColUnaligned2
	ColHardclipped
	ColPrimaryIsSet
	numMetadataColumns
)

// MetadataSchema is the fixed column-store schema backing every hot frame
// and frozen batch's metadata.
func MetadataSchema() []column.Type {
	return []column.Type{
		ColPrimaryID1:      column.U64,
		ColPrimaryID2:      column.U64,
		ColSpotID:          column.U64,
		ColFragmentID:      column.U32,
		ColFragmentLen1:    column.U16,
		ColFragmentLen2:    column.U16,
		ColAlignmentCount1: column.U16,
		ColAlignmentCount2: column.U16,
		ColPlatform:        column.U16,
		ColUnmated:         column.Bit,
		ColPCRDup:          column.Bit,
		ColUnaligned1:      column.Bit,
		ColUnaligned2:      column.Bit,
		ColHardclipped:     column.Bit,
		ColPrimaryIsSet:    column.Bit,
	}
}

// PrimaryIDCols and AlignmentCountCols let callers iterate read-number-
// indexed column pairs without re-deriving them, mirroring
// metadata_t::E_PRIM_ID / E_ALN_COUNT.
var (
	PrimaryIDCols        = [2]int{ColPrimaryID1, ColPrimaryID2}
	FragmentLenCols      = [2]int{ColFragmentLen1, ColFragmentLen2}
	AlignmentCountCols   = [2]int{ColAlignmentCount1, ColAlignmentCount2}
	UnalignedCols        = [2]int{ColUnaligned1, ColUnaligned2}
)

// Metadata is a typed view over a column.Store holding one group's
// per-spot metadata (either the hot frame or one frozen batch's frame).
type Metadata struct {
	*column.Store
}

// NewMetadata allocates an empty metadata frame.
func NewMetadata() *Metadata {
	return &Metadata{column.NewStore(MetadataSchema())}
}

func (m *Metadata) PrimaryID(row int, read int) uint64 { return m.U64(PrimaryIDCols[read-1]).Get(row) }
func (m *Metadata) SetPrimaryID(row int, read int, v uint64) {
	m.U64(PrimaryIDCols[read-1]).Set(row, v)
}

func (m *Metadata) SpotID(row int) uint64        { return m.U64(ColSpotID).Get(row) }
func (m *Metadata) SetSpotID(row int, v uint64)  { m.U64(ColSpotID).Set(row, v) }

func (m *Metadata) FragmentID(row int) uint32       { return uint32(m.U32(ColFragmentID).Get(row)) }
func (m *Metadata) SetFragmentID(row int, v uint32) { m.U32(ColFragmentID).Set(row, uint64(v)) }

func (m *Metadata) FragmentLen(row int, read int) uint16 {
	return uint16(m.U16(FragmentLenCols[read-1]).Get(row))
}
func (m *Metadata) SetFragmentLen(row int, read int, v uint16) {
	m.U16(FragmentLenCols[read-1]).Set(row, uint64(v))
}

func (m *Metadata) AlignmentCount(row int, read int) uint16 {
	return uint16(m.U16(AlignmentCountCols[read-1]).Get(row))
}

// IncAlignmentCount bumps the alignment counter for read, capping at 254
// (255 is reserved to mean "too many"), per spec §4.6 step 5 / §8.9.
func (m *Metadata) IncAlignmentCount(row int, read int) uint16 {
	const maxCount = 254
	col := m.U16(AlignmentCountCols[read-1])
	v := col.Get(row)
	if v >= maxCount {
		return uint16(v)
	}
	return uint16(col.Inc(row))
}

func (m *Metadata) Platform(row int) uint16       { return uint16(m.U16(ColPlatform).Get(row)) }
func (m *Metadata) SetPlatform(row int, v uint16) { m.U16(ColPlatform).Set(row, uint64(v)) }

func (m *Metadata) Unmated(row int) bool       { return m.Bit(ColUnmated).Test(row) }
func (m *Metadata) SetUnmated(row int, v bool) { m.Bit(ColUnmated).SetTo(row, v) }

func (m *Metadata) PCRDup(row int) bool       { return m.Bit(ColPCRDup).Test(row) }
func (m *Metadata) SetPCRDup(row int, v bool) { m.Bit(ColPCRDup).SetTo(row, v) }

func (m *Metadata) Unaligned(row int, read int) bool {
	return m.Bit(UnalignedCols[read-1]).Test(row)
}
func (m *Metadata) SetUnaligned(row int, read int, v bool) {
	m.Bit(UnalignedCols[read-1]).SetTo(row, v)
}

func (m *Metadata) Hardclipped(row int) bool       { return m.Bit(ColHardclipped).Test(row) }
func (m *Metadata) SetHardclipped(row int, v bool) { m.Bit(ColHardclipped).SetTo(row, v) }

func (m *Metadata) PrimaryIsSet(row int) bool       { return m.Bit(ColPrimaryIsSet).Test(row) }
func (m *Metadata) SetPrimaryIsSet(row int, v bool) { m.Bit(ColPrimaryIsSet).SetTo(row, v) }

// ClearSoloFragmentColumns drops the columns that are no longer needed once
// a spot's solo fragment has been emitted (spec §3 "Lifecycle").
func (m *Metadata) ClearSoloFragmentColumns() {
	m.Clear(ColFragmentID)
	m.Clear(ColFragmentLen1)
	m.Clear(ColFragmentLen2)
	m.Clear(ColPlatform)
	m.Clear(ColPCRDup)
}

// ClearAfterBackLink drops every remaining metadata column once spot_id has
// been snapshotted into a dense array (spec §3 "Lifecycle").
func (m *Metadata) ClearAfterBackLink() {
	for i := 0; i < numMetadataColumns; i++ {
		if i == ColSpotID {
			continue
		}
		m.Clear(i)
	}
	m.Clear(ColSpotID)
}
