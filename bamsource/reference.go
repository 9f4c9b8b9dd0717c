package bamsource

import (
	"fmt"
	"sync"

	"github.com/grailbio/hts/sam"

	"github.com/grailbio/srabam-load/record"
)

// ReferenceSet implements record.ReferenceCollaborator atop a sam.Header's
// reference dictionary: it verifies reference identity, scores an
// alignment's CIGAR against the reference length (trimming any overhang to
// a soft-clip rather than rejecting the record outright, per spec §4.6 step
// 4), and tracks the first output row that named a given reference.
type ReferenceSet struct {
	mu         sync.Mutex
	refs       []*sam.Reference
	firstRow   map[string]uint64
	alignCount uint64
}

// NewReferenceSet builds a ReferenceSet from a decoded BAM header.
func NewReferenceSet(h *sam.Header) *ReferenceSet {
	return &ReferenceSet{
		refs:     h.Refs(),
		firstRow: map[string]uint64{},
	}
}

// Verify reports an error if name is absent from the BAM header or its
// header length differs from length. checksum is not compared.
func (r *ReferenceSet) Verify(name string, length int, checksum string) error {
	ref := r.byName(name)
	if ref == nil {
		return fmt.Errorf("bamsource: reference %q not present in BAM header", name)
	}
	if ref.Len() != length {
		return fmt.Errorf("bamsource: reference %q length mismatch: header has %d, expected %d", name, ref.Len(), length)
	}
	return nil
}

// SetFile checks that name is present in the BAM header and reports isNew
// when no first row has been recorded for it yet; it stores nothing.
// shouldUnmap and wasRenamed are always false.
func (r *ReferenceSet) SetFile(name string, length int, checksum string) (shouldUnmap, wasRenamed, isNew bool, err error) {
	ref := r.byName(name)
	if ref == nil {
		return false, false, false, fmt.Errorf("bamsource: reference %q not present in BAM header", name)
	}
	r.mu.Lock()
	_, exists := r.firstRow[name]
	r.mu.Unlock()
	return false, false, !exists, nil
}

// Known reports whether refID names a reference present in the header.
func (r *ReferenceSet) Known(refID int32) bool {
	return refID >= 0 && int(refID) < len(r.refs)
}

func (r *ReferenceSet) byName(name string) *sam.Reference {
	for _, ref := range r.refs {
		if ref.Name() == name {
			return ref
		}
	}
	return nil
}

// Read scores a's CIGAR against the reference it claims to align to,
// trimming any portion that would overhang the reference's end into an
// implicit soft-clip before counting matches. introns is accepted for
// interface parity with spec §6's read(..., intron_mode) signature; this
// implementation treats N (reference-skip) ops as neither a match nor a
// mismatch regardless of introns.
func (r *ReferenceSet) Read(a *record.Alignment, introns bool) (matches, misses int, err error) {
	if !r.Known(a.RefID) {
		return 0, 0, fmt.Errorf("bamsource: unknown reference id %d", a.RefID)
	}
	refLen := r.refs[a.RefID].Len()
	pos := int(a.Pos)
	for _, op := range a.Cigar {
		n := op.Len()
		switch op.Type() {
		case sam.CigarMatch, sam.CigarEqual:
			remaining := refLen - pos
			if remaining < 0 {
				remaining = 0
			}
			counted := n
			if counted > remaining {
				counted = remaining
			}
			matches += counted
			pos += n
		case sam.CigarMismatch:
			misses += n
			pos += n
		case sam.CigarDeletion, sam.CigarSkipped:
			pos += n
		case sam.CigarInsertion, sam.CigarSoftClipped, sam.CigarHardClipped, sam.CigarPadded:
			// consume no reference bases
		}
	}
	return matches, misses, nil
}

// FirstRowOf returns the output row that first named reference name, if any.
func (r *ReferenceSet) FirstRowOf(name string) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.firstRow[name]
	return row, ok
}

// AddAlignID records that an alignment (primary or secondary) referenced
// the currently scored reference; used only for diagnostic counts here.
func (r *ReferenceSet) AddAlignID(id uint64, isPrimary bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alignCount++
}

// RegisterFirstRow records that row is the first output row naming
// reference name, if it is the first time name has been seen.
func (r *ReferenceSet) RegisterFirstRow(name string, row uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.firstRow[name]; !ok {
		r.firstRow[name] = row
	}
}
