// Package bamsource adapts github.com/grailbio/hts/bam as the concrete BAM
// decoder and reference verifier spec §6 describes as external
// collaborators, translating sam.Record into the record.Alignment shape the
// Record Processor consumes.
//
// Grounded on markduplicates/helpers.go's AuxFields.Get(tag) pattern for
// extracting read-group/barcode tags, and on
// encoding/bam/adjacent_sharded_bam_reader.go's bam.NewReader/Read loop.
package bamsource

import (
	"fmt"
	"io"

	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"

	"github.com/grailbio/srabam-load/record"
)

// seqNt16Str is htslib's 4-bit-to-base lookup table; sam.Seq.Seq packs two
// such nibbles per byte (sam.Doublet), high nibble first.
const seqNt16Str = "=ACMGRSVTWYHKDBN"

// expandSeq unpacks a BAM record's nibble-packed sequence into one byte per
// base. Grounded on encoding/bam's own Doublet-unpacking idiom
// (pileup/snp/firstread.go, cmd/bio-pamtool/checksum.go), reimplemented
// locally since that package's UnsafeDoubletsToBytes is typed against
// github.com/biogo/hts/sam.Doublet rather than the github.com/grailbio/hts/sam
// type this decoder produces.
func expandSeq(seq sam.Seq) []byte {
	out := make([]byte, seq.Length)
	for i := 0; i < seq.Length; i++ {
		d := byte(seq.Seq[i/2])
		var nibble byte
		if i%2 == 0 {
			nibble = d >> 4
		} else {
			nibble = d & 0x0f
		}
		out[i] = seqNt16Str[nibble]
	}
	return out
}

var (
	rgTag = sam.Tag{'R', 'G'}
	plTag = sam.Tag{'P', 'L'}
	bxTag = sam.Tag{'B', 'X'}
	cbTag = sam.Tag{'C', 'B'}
	ubTag = sam.Tag{'U', 'B'}
	bcTag = sam.Tag{'B', 'C'}
	oqTag = sam.Tag{'O', 'Q'}
	csTag = sam.Tag{'C', 'S'}
)

// PlatformID numbers the small set of platform strings a BAM RG:PL tag may
// carry, mirroring single-group mode's per-spot platform column.
type PlatformID uint16

const (
	PlatformUnknown PlatformID = iota
	PlatformIllumina
	PlatformPacBio
	PlatformOxfordNanopore
	PlatformIonTorrent
	PlatformCapillary
)

func platformFromString(s string) PlatformID {
	switch s {
	case "ILLUMINA":
		return PlatformIllumina
	case "PACBIO":
		return PlatformPacBio
	case "ONT":
		return PlatformOxfordNanopore
	case "IONTORRENT":
		return PlatformIonTorrent
	case "CAPILLARY":
		return PlatformCapillary
	default:
		return PlatformUnknown
	}
}

// Decoder adapts a bam.Reader to ingest.Decoder.
type Decoder struct {
	r      *bam.Reader
	header *sam.Header
}

// NewDecoder opens a BAM stream from r with the given decode parallelism.
func NewDecoder(r io.Reader, concurrency int) (*Decoder, error) {
	br, err := bam.NewReader(r, concurrency)
	if err != nil {
		return nil, fmt.Errorf("bamsource: opening BAM stream: %w", err)
	}
	return &Decoder{r: br, header: br.Header()}, nil
}

// Header returns the BAM header the stream was opened with.
func (d *Decoder) Header() *sam.Header { return d.header }

// ReadGroupNames returns every distinct RG:ID value the header declares, for
// the pre-ingest single-group-mode decision (spec §4.1 / §7 "Too many
// groups").
func (d *Decoder) ReadGroupNames() []string {
	rgs := d.header.RGs()
	names := make([]string, len(rgs))
	for i, rg := range rgs {
		names[i] = rg.Name()
	}
	return names
}

// ReadGroupPlatforms resolves every read group's RG:PL tag to a PlatformID,
// once from the header, for GroupSet.SetPlatforms to cache onto each Group
// as it is created (SPEC_FULL.md §D.1's "resolved once... cached on the
// group"). A read group with no PL tag resolves to PlatformUnknown.
func (d *Decoder) ReadGroupPlatforms() map[string]uint16 {
	rgs := d.header.RGs()
	out := make(map[string]uint16, len(rgs))
	for _, rg := range rgs {
		out[rg.Name()] = uint16(platformFromString(rg.Platform()))
	}
	return out
}

// Next implements ingest.Decoder.
func (d *Decoder) Next() (*record.Alignment, bool, error) {
	rec, err := d.r.Read()
	if err == io.EOF {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return toAlignment(rec), true, nil
}

func toAlignment(rec *sam.Record) *record.Alignment {
	a := &record.Alignment{
		Name:  []byte(rec.Name),
		Flags: rec.Flags,
		RefID: -1,
		Pos:   -1,
		MapQ:  rec.MapQ,
		Cigar: rec.Cigar,
		Seq:   expandSeq(rec.Seq),
		Qual:  append([]byte(nil), rec.Qual...),
	}
	if rec.Ref != nil {
		a.RefID = int32(rec.Ref.ID())
	}
	if rec.Pos >= 0 {
		a.Pos = int32(rec.Pos)
	}
	if rec.MateRef != nil {
		a.MateRefID = int32(rec.MateRef.ID())
	} else {
		a.MateRefID = -1
	}
	a.MatePos = int32(rec.MatePos)
	a.TemplateLen = int32(rec.TempLen)

	if rec.Flags&sam.Paired != 0 {
		if rec.Flags&sam.Read1 != 0 {
			a.ReadNumber = 1
		} else if rec.Flags&sam.Read2 != 0 {
			a.ReadNumber = 2
		}
	}

	if aux := rec.AuxFields.Get(rgTag); aux != nil {
		if s, ok := aux.Value().(string); ok {
			a.GroupName = []byte(s)
		}
	}
	if aux := rec.AuxFields.Get(plTag); aux != nil {
		if s, ok := aux.Value().(string); ok {
			a.Platform = uint16(platformFromString(s))
		}
	}
	if aux := rec.AuxFields.Get(oqTag); aux != nil {
		if s, ok := aux.Value().(string); ok {
			a.OrigQual = []byte(s)
		}
	}
	if aux := rec.AuxFields.Get(csTag); aux != nil {
		a.ColorSpace = true
	}

	if aux := rec.AuxFields.Get(bxTag); aux != nil {
		if s, ok := aux.Value().(string); ok {
			a.LinkageGroup = s
			a.SpotGroup = s
		}
	} else {
		cb, cbOK := stringAux(rec, cbTag)
		ub, ubOK := stringAux(rec, ubTag)
		if cbOK || ubOK {
			a.LinkageGroup = cb + "+" + ub
			a.SpotGroup = cb
		}
	}
	if aux := rec.AuxFields.Get(bcTag); aux != nil {
		if s, ok := aux.Value().(string); ok {
			a.Barcode = s
		}
	}

	return a
}

func stringAux(rec *sam.Record, tag sam.Tag) (string, bool) {
	aux := rec.AuxFields.Get(tag)
	if aux == nil {
		return "", false
	}
	s, ok := aux.Value().(string)
	return s, ok
}
