// Package finalize implements the three finalization passes (C8) that run
// once ingest has drained: solo-fragment emission, sequence-to-alignment
// back-linking, and the alignment writer's final spot-id fixup.
//
// Grounded on the channel-based pipeline in cmd/bio-bam-sort/sorter/sort.go
// (a producer feeding bounded channels drained by worker goroutines) for
// Pass B's reader/gatherer/updater stages, and on spotgroup.Group's own
// batch-ordered iteration for Pass A.
package finalize

import (
	"fmt"

	"github.com/grailbio/hts/sam"

	"github.com/grailbio/srabam-load/loadctx"
	"github.com/grailbio/srabam-load/matebank"
	"github.com/grailbio/srabam-load/metadata"
	"github.com/grailbio/srabam-load/record"
	"github.com/grailbio/srabam-load/spotgroup"
	"github.com/grailbio/srabam-load/spotkey"
)

// Stats tallies outcomes across the three passes, surfaced to the
// surrounding command alongside record.Stats.
type Stats struct {
	SoloSpotsEmitted uint64
	// TooManyFragments counts reads whose mate never arrived during ingest,
	// the diagnostic class the original loader reports as "too many
	// fragments" at the end of Pass A. Every solo spot Pass A emits falls
	// into this class, so the two counters move together.
	TooManyFragments uint64
	BackLinkWarnings uint64
}

// Run drives Pass A, Pass B, and Pass C in order, returning the first fatal
// error encountered. quit is polled between batches so a concurrently
// cancelled load stops promptly.
func Run(groups *spotgroup.GroupSet, bank *matebank.Bank, seq record.SequenceWriter, aln record.AlignmentWriter, counters *loadctx.Counters, opts loadctx.Options, quit *loadctx.QuittingToken) (Stats, error) {
	var stats Stats

	if err := passA(groups.Groups(), bank, seq, counters, quit, &stats); err != nil {
		return stats, err
	}
	lookup, err := passB(groups, seq, counters, opts, quit, &stats)
	if err != nil {
		return stats, err
	}
	if err := passC(aln, lookup, quit); err != nil {
		return stats, err
	}
	return stats, nil
}

// passA reconstructs and emits every spot whose mate never arrived, per
// spec §4.8 "Pass A — Solo fragments". It visits every group's metadata
// frames oldest-batch-first, matching insertion order.
func passA(groups []*spotgroup.Group, bank *matebank.Bank, seq record.SequenceWriter, counters *loadctx.Counters, quit *loadctx.QuittingToken, stats *Stats) error {
	for _, g := range groups {
		var failErr error
		g.VisitMetadata(func(md *metadata.Metadata, offset uint64, rows int) {
			if failErr != nil {
				return
			}
			for row := 0; row < rows; row++ {
				if quit.Quitting() {
					failErr = loadctx.New(loadctx.Cancelled, "finalize: pass A cancelled")
					return
				}
				h := md.FragmentID(row)
				if h == 0 {
					continue
				}
				frag, err := bank.GetFragment(matebank.Handle(h))
				if err != nil {
					failErr = loadctx.Wrap(loadctx.WriterIO, err, "pass A: retrieving solo fragment")
					return
				}
				bank.Free(matebank.Handle(h))

				a := fragmentToAlignment(frag)
				key := spotkey.Pack(g.ID, offset+uint64(row))
				if _, err := seq.Write(a, nil, uint64(key), false, md.PCRDup(row), md.Platform(row)); err != nil {
					failErr = loadctx.Wrap(loadctx.WriterIO, err, "pass A: writing solo sequence row")
					return
				}
				md.SetSpotID(row, counters.NextSpotID())
				md.SetFragmentID(row, 0)
				stats.SoloSpotsEmitted++
				stats.TooManyFragments++
			}
			md.ClearSoloFragmentColumns()
		})
		if failErr != nil {
			return failErr
		}
	}
	return nil
}

// fragmentToAlignment rebuilds the minimal *record.Alignment the sequence
// writer needs from a banked fragment (spec §4.8: "single-read if unmated,
// otherwise emit with read-number positioning consistent with the stored
// flags").
func fragmentToAlignment(f matebank.Fragment) *record.Alignment {
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
	return &record.Alignment{
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

func fmtInconsistency(row uint64, read int) string {
	return fmt.Sprintf("row %d: alignment_count_%d > 0 but primary_id_%d == 0", row, read, read)
}
