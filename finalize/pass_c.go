package finalize

import (
	"github.com/grailbio/srabam-load/loadctx"
	"github.com/grailbio/srabam-load/record"
	"github.com/grailbio/srabam-load/spotkey"
)

// passC sweeps the alignment writer's rows in key-insertion order, resolving
// each row's spot id from lookup and writing it back, per spec §4.8 "Pass C
// — Alignment→spot-id".
func passC(aln record.AlignmentWriter, lookup SpotIDLookup, quit *loadctx.QuittingToken) error {
	if err := aln.StartUpdatingSpotIDs(); err != nil {
		return loadctx.Wrap(loadctx.WriterIO, err, "pass C: starting spot-id update sweep")
	}
	for {
		if quit.Quitting() {
			return loadctx.New(loadctx.Cancelled, "finalize: pass C cancelled")
		}
		key, ok, err := aln.GetSpotKey()
		if err != nil {
			return loadctx.Wrap(loadctx.WriterIO, err, "pass C: reading alignment row key")
		}
		if !ok {
			return nil
		}
		group, row := spotkey.Key(key).Unpack()
		id, found := lookup(group, row)
		if !found {
			return loadctx.New(loadctx.WriterIO, "pass C: missing spot id for alignment row")
		}
		if err := aln.WriteSpotID(id); err != nil {
			return loadctx.Wrap(loadctx.WriterIO, err, "pass C: writing spot id")
		}
	}
}
