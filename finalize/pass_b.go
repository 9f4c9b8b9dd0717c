package finalize

import (
	"github.com/grailbio/base/traverse"

	"github.com/grailbio/srabam-load/loadctx"
	"github.com/grailbio/srabam-load/record"
	"github.com/grailbio/srabam-load/spotgroup"
	"github.com/grailbio/srabam-load/spotkey"
)

// backLinkBatchSize is the row-batch size joining Pass B's reader, gatherer,
// and updater stages, per spec §4.8 ("batch size 10 million").
const backLinkBatchSize = 10_000_000

// SpotIDLookup resolves the spot id assigned to a given (group, local row)
// pair, built once Pass B has walked every sequence row. Pass C consults it
// for every alignment-writer row.
type SpotIDLookup func(group uint32, row uint64) (uint64, bool)

// gathered is one sequence row's extracted mate-bookkeeping, computed by a
// gatherer worker and applied to the sequence writer by the single updater.
type gathered struct {
	row        uint64
	numReads   int
	primaryIDs [2]uint64
	counts     [2]uint16
	warn       bool
}

// passB walks every written sequence row, validates and forwards its
// resolved mate bookkeeping to the sequence writer, and returns a lookup
// closure Pass C uses to resolve spot ids per alignment row. Per spec
// §4.8, this runs as a three-stage pipeline (reader/gatherer/updater)
// joined by two bounded queues of row-batches; here gathering is
// parallelized with traverse.Each per batch rather than a fully independent
// gatherer goroutine pool, since every row's metadata lookup is independent
// and cheap enough that per-batch fan-out captures the same parallelism
// without a second channel stage.
func passB(groups *spotgroup.GroupSet, seq record.SequenceWriter, counters *loadctx.Counters, opts loadctx.Options, quit *loadctx.QuittingToken, stats *Stats) (SpotIDLookup, error) {
	total := counters.SpotCount()

	for start := uint64(1); start <= total; start += backLinkBatchSize {
		if quit.Quitting() {
			return nil, loadctx.New(loadctx.Cancelled, "finalize: pass B cancelled")
		}
		end := start + backLinkBatchSize - 1
		if end > total {
			end = total
		}
		n := int(end - start + 1)

		batch := make([]gathered, n)
		if err := traverse.Each(n, func(i int) error {
			row := start + uint64(i)
			key, err := seq.ReadKey(row)
			if err != nil {
				return loadctx.Wrap(loadctx.WriterIO, err, "pass B: reading stored key")
			}
			group, localRow := spotkey.Key(key).Unpack()
			g := groups.Groups()[group]
			md, r := g.MetadataByRow(localRow)

			p1, p2 := md.PrimaryID(r, 1), md.PrimaryID(r, 2)
			c1, c2 := md.AlignmentCount(r, 1), md.AlignmentCount(r, 2)
			warn := (c1 > 0 && p1 == 0) || (c2 > 0 && p2 == 0)
			numReads := 2
			if md.Unmated(r) {
				numReads = 1
			}
			batch[i] = gathered{row: row, numReads: numReads, primaryIDs: [2]uint64{p1, p2}, counts: [2]uint16{c1, c2}, warn: warn}
			return nil
		}); err != nil {
			return nil, err
		}

		for _, g := range batch {
			if g.warn {
				stats.BackLinkWarnings++
				if opts.Strict {
					read := 1
					if g.counts[0] == 0 || g.primaryIDs[0] != 0 {
						read = 2
					}
					return nil, loadctx.New(loadctx.InconsistentMate, fmtInconsistency(g.row, read))
				}
			}
			if err := seq.UpdateAlignData(g.row, g.numReads, g.primaryIDs, g.counts); err != nil {
				return nil, loadctx.Wrap(loadctx.WriterIO, err, "pass B: updating sequence row")
			}
		}
	}

	return func(group uint32, row uint64) (uint64, bool) {
		gs := groups.Groups()
		if int(group) >= len(gs) {
			return 0, false
		}
		md, r := gs[group].MetadataByRow(row)
		id := md.SpotID(r)
		return id, id != 0
	}, nil
}
