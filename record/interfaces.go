// Package record implements the Record Processor (C6): the per-alignment
// state machine that classifies primary/secondary alignments, drives mate
// assembly through the Mate Bank, applies quality-editing policies, and
// emits rows to the sequence and alignment writers.
package record

import (
	"github.com/grailbio/hts/sam"
)

// Alignment is one decoded alignment record, matching the inbound BAM
// decoder interface of spec §6. The decoder itself is an external
// collaborator; bamsource adapts github.com/grailbio/hts/bam readers to
// this shape.
type Alignment struct {
	Name         []byte
	GroupName    []byte // read-group name; empty if none
	Platform     uint16
	Flags        sam.Flags
	ReadNumber   uint8 // 1, 2, or 0 when unmated
	RefID        int32 // -1 = none
	Pos          int32 // -1 = none
	MapQ         uint8
	Cigar        sam.Cigar
	Seq          []byte // IUPAC DNA
	Qual         []byte
	OrigQual     []byte // optional "original quality" field; nil if absent
	MateRefID    int32
	MatePos      int32
	TemplateLen  int32
	ColorSpace   bool
	SpotGroup    string // BX or CB+UB linkage-group label source
	LinkageGroup string
	Barcode      string
}

// Paired, Unmapped, etc. are convenience predicates over Flags, named for
// the state machine's own vocabulary rather than the SAM spec's.
func (a *Alignment) Paired() bool        { return a.Flags&sam.Paired != 0 }
func (a *Alignment) Unmapped() bool      { return a.Flags&sam.Unmapped != 0 }
func (a *Alignment) MateUnmapped() bool  { return a.Flags&sam.MateUnmapped != 0 }
func (a *Alignment) Reverse() bool       { return a.Flags&sam.Reverse != 0 }
func (a *Alignment) MateReverse() bool   { return a.Flags&sam.MateReverse != 0 }
func (a *Alignment) Secondary() bool     { return a.Flags&sam.Secondary != 0 }
func (a *Alignment) Supplementary() bool { return a.Flags&sam.Supplementary != 0 }
func (a *Alignment) Duplicate() bool     { return a.Flags&sam.Duplicate != 0 }
func (a *Alignment) QCFail() bool        { return a.Flags&sam.QCFail != 0 }
func (a *Alignment) Aligned() bool       { return !a.Unmapped() && a.RefID >= 0 && a.Pos >= 0 }

// ReferenceCollaborator is the external reference-sequence verifier (spec
// §6): it resolves reference ids/names, scores a record's CIGAR against the
// reference, and tracks which output row first names a reference.
type ReferenceCollaborator interface {
	Verify(name string, length int, checksum string) error
	SetFile(name string, length int, checksum string) (shouldUnmap, wasRenamed, isNew bool, err error)
	// Known reports whether refID names a reference this collaborator has
	// registered, per spec §4.6 step 4's "verify the reference id maps to a
	// known reference".
	Known(refID int32) bool
	Read(a *Alignment, introns bool) (matches, misses int, err error)
	FirstRowOf(name string) (uint64, bool)
	AddAlignID(id uint64, isPrimary bool)
}

// SequenceWriter is the output sequence-table collaborator (spec §6). key is
// the packed spotkey.Key naming the spot row this sequence was assembled
// from, persisted alongside the row so Pass B can decode it back into
// (group, local row) and re-derive the spot's mate bookkeeping. mate is the
// other read of a completed pair, reconstructed from its banked Fragment, or
// nil for an unmated or still-solo spot (spec §4.6 step 6 / §4.8 Pass A);
// the writer is responsible for placing the two reads in read-number order.
type SequenceWriter interface {
	Write(a, mate *Alignment, key uint64, isColorSpace, pcrDup bool, platform uint16) (row uint64, err error)
	ReadKey(row uint64) (uint64, error)
	UpdateAlignData(row uint64, numReads int, primaryIDs [2]uint64, counts [2]uint16) error
	Done() error
}

// AlignmentWriter is the output alignment-table collaborator (spec §6). key
// is the packed spotkey.Key of the spot this alignment belongs to,
// persisted alongside the row so Pass C's GetSpotKey/WriteSpotID sweep can
// look up the resolved spot id for each alignment row in turn.
type AlignmentWriter interface {
	Write(a *Alignment, key uint64, id uint64, isPrimary bool) (row uint64, err error)
	StartUpdatingSpotIDs() error
	GetSpotKey() (key uint64, ok bool, err error)
	WriteSpotID(id uint64) error
}
