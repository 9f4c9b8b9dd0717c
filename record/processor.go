package record

import (
	"fmt"

	"github.com/grailbio/hts/sam"

	"github.com/grailbio/srabam-load/keyfilter"
	"github.com/grailbio/srabam-load/loadctx"
	"github.com/grailbio/srabam-load/matebank"
	"github.com/grailbio/srabam-load/metadata"
	"github.com/grailbio/srabam-load/spotgroup"
	"github.com/grailbio/srabam-load/spotkey"
)

// Processor is the per-alignment state machine (C6). It owns no concurrency
// of its own: spec §5 assigns it to a single processor thread, so every
// method here is expected to run on that one goroutine, sequenced after the
// ingest coordinator (C5).
type Processor struct {
	Groups   *spotgroup.GroupSet
	Filter   *keyfilter.Filter
	MateBank *matebank.Bank
	Counters *loadctx.Counters
	Options  loadctx.Options

	Sequence  SequenceWriter
	Alignment AlignmentWriter
	Reference ReferenceCollaborator
}

// Stats tallies outcomes across Process calls, surfaced to the surrounding
// command for end-of-load reporting (spec §7's "counters for the class of
// error").
type Stats struct {
	Processed          uint64
	Discarded          uint64
	SecondaryDemotions uint64
	WarnedLowMatch     uint64
}

// Process runs the full state machine of spec §4.6 for one decoded
// alignment record, returning a *loadctx.Error for fatal conditions (the
// caller — the ingest coordinator — is responsible for setting the shared
// quitting token on any fatal error).
func (p *Processor) Process(a *Alignment, stats *Stats) error {
	group, err := p.Groups.GroupFor(string(a.GroupName))
	if err != nil {
		return loadctx.Wrap(loadctx.TooManyGroups, err, "resolving read group")
	}

	res := group.FindOrInsert(string(a.Name), p.Filter)
	md := res.Metadata
	row := res.LocalRow

	readSlot := int(a.ReadNumber)
	if readSlot == 0 {
		readSlot = 1 // unmated records occupy the read-1 metadata slot.
	}

	claimsPrimary := !a.Secondary() && !a.Supplementary()
	// primarySighting tracks the record's own primary/secondary flags,
	// independent of any later demotion applied to claimsPrimary below — the
	// pcr_dup AND-accumulation keys off every primary sighting of the spot,
	// not off whether this particular alignment ends up written as primary.
	primarySighting := claimsPrimary

	if res.WasInserted {
		md.SetUnmated(row, !a.Paired())
		if p.Groups.SingleGroupMode() {
			md.SetPlatform(row, a.Platform)
		} else {
			md.SetPlatform(row, group.Platform)
		}
	} else {
		if md.Unmated(row) == a.Paired() {
			stats.Discarded++
			p.Counters.MateInconsistencies++
			if p.Options.Strict {
				return loadctx.New(loadctx.InconsistentMate, fmt.Sprintf("read %q flipped paired/unmated state", a.Name))
			}
			return nil
		}
		if claimsPrimary && md.PrimaryID(row, readSlot) != 0 {
			claimsPrimary = false
			stats.SecondaryDemotions++
		}
		if a.Aligned() && md.Unaligned(row, readSlot) {
			claimsPrimary = false
			stats.SecondaryDemotions++
		}
	}

	// pcr_dup starts at the AND of every primary sighting's duplicate flag
	// (spec §8 "PCR duplicate agreement"), so every such sighting — not just
	// the first — must fold its Duplicate() bit in.
	if primarySighting {
		if !md.PrimaryIsSet(row) {
			md.SetPrimaryIsSet(row, true)
			md.SetPCRDup(row, a.Duplicate())
		} else {
			md.SetPCRDup(row, md.PCRDup(row) && a.Duplicate())
		}
	}

	if a.Aligned() {
		if !p.Reference.Known(a.RefID) {
			stats.Discarded++
			if p.Options.Strict {
				return loadctx.New(loadctx.BadReference, fmt.Sprintf("unknown reference id %d", a.RefID))
			}
			return nil
		}
		matches, _, err := p.Reference.Read(a, false)
		if err != nil {
			return loadctx.Wrap(loadctx.BadReference, err, "scoring alignment against reference")
		}
		if matches < p.Options.MinMatch {
			if claimsPrimary {
				stats.WarnedLowMatch++
			} else {
				stats.Discarded++
				return nil
			}
			p.Counters.LowMatchEvents++
			if p.Options.MaxLowMatchEvents > 0 && p.Counters.LowMatchEvents > uint64(p.Options.MaxLowMatchEvents) {
				return loadctx.New(loadctx.LowMatch, "exceeded configured low-match reference event limit")
			}
		}
		md.SetUnaligned(row, readSlot, false)
	} else {
		md.SetUnaligned(row, readSlot, true)
	}

	var alignID uint64
	if claimsPrimary {
		alignID = p.Counters.NextPrimaryID()
		md.SetPrimaryID(row, readSlot, alignID)
	} else {
		alignID = p.Counters.NextSecondaryID()
	}
	md.IncAlignmentCount(row, readSlot)

	key := spotkey.Pack(group.ID, res.GlobalRow)
	if err := p.assembleSpot(a, md, row, key); err != nil {
		return err
	}

	applyQualityPolicies(a, p.Options.FixedQuality, p.Options.HasFixedQuality, p.Options.MaskUnalignedQuality)

	if _, err := p.Alignment.Write(a, uint64(key), alignID, claimsPrimary); err != nil {
		return loadctx.Wrap(loadctx.WriterIO, err, "writing alignment row")
	}
	p.Reference.AddAlignID(alignID, claimsPrimary)

	stats.Processed++
	return nil
}

// assembleSpot implements spec §4.6 step 6: bank the fragment on first
// sighting of a spot, complete the spot once its mate (or, for an unmated
// spot, its sole read) surfaces again, and emit the sequence row exactly
// once.
func (p *Processor) assembleSpot(a *Alignment, md *metadata.Metadata, row int, key spotkey.Key) error {
	if md.SpotID(row) != 0 {
		return nil // already emitted; nothing further on the sequence side.
	}

	h := md.FragmentID(row)
	if h == 0 {
		frag := matebank.Fragment{
			ReadLength:   uint16(min(len(a.Seq), 1<<16-1)),
			Reverse:      a.Reverse(),
			MateReverse:  a.MateReverse(),
			LowQuality:   false,
			Key:          uint64(key),
			Aligned:      a.Aligned(),
			ReferenceID:  a.RefID,
			ReadNumber:   a.ReadNumber,
			Sequence:     append([]byte(nil), a.Seq...),
			Qualities:    append([]byte(nil), a.Qual...),
			SpotGroup:    a.SpotGroup,
			LinkageGroup: a.LinkageGroup,
		}
		handle := p.MateBank.PutFragment(frag, matebank.PlacementSmall)
		md.SetFragmentID(row, uint32(handle))
		return nil
	}

	frag, err := p.MateBank.GetFragment(matebank.Handle(h))
	if err != nil {
		return loadctx.Wrap(loadctx.WriterIO, err, "retrieving banked mate fragment")
	}
	p.MateBank.Free(matebank.Handle(h))
	md.SetFragmentID(row, 0)

	// Combine the banked mate with the arriving record in read-number order
	// (spec §4.6 step 6); the sequence writer itself sorts the pair, so
	// either argument order is fine here.
	mate := fragmentToAlignment(frag)

	spotID := p.Counters.NextSpotID()
	if _, err := p.Sequence.Write(a, mate, uint64(key), a.ColorSpace, md.PCRDup(row), md.Platform(row)); err != nil {
		return loadctx.Wrap(loadctx.WriterIO, err, "writing sequence row")
	}
	md.SetSpotID(row, spotID)
	return nil
}

// fragmentToAlignment rebuilds the minimal *Alignment the sequence writer
// needs to fold a banked mate into a spot, from its stored Fragment. Mirrors
// finalize.fragmentToAlignment's reconstruction of sam.Flags from a
// Fragment's Paired/Reverse/MateReverse/Aligned/ReadNumber fields; kept as a
// separate copy here rather than shared, since finalize already imports
// record and record importing finalize back would cycle.
func fragmentToAlignment(f matebank.Fragment) *Alignment {
	var flags sam.Flags
	if f.ReadNumber != 0 {
		flags |= sam.Paired
		if f.ReadNumber == 1 {
			flags |= sam.Read1
		} else {
			flags |= sam.Read2
		}
	}
	if f.Reverse {
		flags |= sam.Reverse
	}
	if f.MateReverse {
		flags |= sam.MateReverse
	}
	if !f.Aligned {
		flags |= sam.Unmapped
	}
	return &Alignment{
		Flags:        flags,
		ReadNumber:   f.ReadNumber,
		RefID:        f.ReferenceID,
		Pos:          -1,
		Seq:          f.Sequence,
		Qual:         f.Qualities,
		SpotGroup:    f.SpotGroup,
		LinkageGroup: f.LinkageGroup,
	}
}
