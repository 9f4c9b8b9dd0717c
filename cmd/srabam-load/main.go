// Command srabam-load loads a BAM file into the spot-assembly core (C1-C8):
// it decodes alignment records, resolves each to a spot via the tiered key
// filter and per-group hot/frozen row index, assembles mate pairs through
// the Mate Bank, and finalizes the output sequence and alignment tables.
//
// Usage: srabam-load [flags] input.bam
//
// Grounded on cmd/bio-bam-sort/main.go's flag-based CLI shape (flag.Bool/
// Int/String package vars, grail.Init/shutdown, a custom flag.Usage, and
// file.Open/vcontext.Background for opening the input).
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"

	"github.com/grailbio/srabam-load/bamsource"
	"github.com/grailbio/srabam-load/finalize"
	"github.com/grailbio/srabam-load/ingest"
	"github.com/grailbio/srabam-load/keyfilter"
	"github.com/grailbio/srabam-load/loadctx"
	"github.com/grailbio/srabam-load/matebank"
	"github.com/grailbio/srabam-load/membudget"
	"github.com/grailbio/srabam-load/record"
	"github.com/grailbio/srabam-load/spotgroup"
	"github.com/grailbio/srabam-load/tablewriter"
)

// memoryCheckInterval is how many processed records elapse between
// membudget samples, balancing projection freshness against the cost of a
// runtime.ReadMemStats call.
const memoryCheckInterval = 100_000

var (
	seqOutFlag   = flag.String("sequence-out", "", "Output path for the sequence table (required)")
	alignOutFlag = flag.String("alignment-out", "", "Output path for the alignment table (required)")

	workersFlag    = flag.Int("workers", runtime.NumCPU(), "Worker pool width, stored in the load options (batch search and finalization do not read it)")
	groupCapFlag   = flag.Int("group-cap", spotgroup.DefaultGroupCap, "Max distinct read groups before collapsing to single-group mode")
	batchSizeFlag  = flag.Uint64("target-batch-size", 1<<20, "Hot-window row count at which a group's rows are frozen into a batch (this command never freezes groups during the load)")
	minMatchFlag   = flag.Int("min-match", 1, "Minimum CIGAR match bases for an alignment to count as high-confidence")
	strictFlag     = flag.Bool("strict", false, "Promote warn-level inconsistencies to fatal errors")
	maxLowMatch    = flag.Int("max-low-match-events", 1000, "Fail the load after this many low-match reference events")
	maxMalformed   = flag.Int("max-malformed-records", 1000, "Fail the load after this many malformed records")
	fixedQualFlag  = flag.Int("fixed-quality", -1, "If >= 0, substitute every aligned-match base quality with this value")
	maskUnaligned  = flag.Bool("mask-unaligned-quality", false, "Mask quality scores of unaligned bases")
	memLimitFlag   = flag.Int64("memory-limit-bytes", 0, "RAM ceiling driving the out-of-memory prediction model (0 disables it)")
	estSpotsFlag   = flag.Uint64("estimated-spots", 0, "Estimated final spot count, selecting the key filter's bit-vector tier (0 = smallest tier)")
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
	flag.Usage = func() {
		os.Stderr.WriteString(`Usage: srabam-load -sequence-out out.seq -alignment-out out.aln input.bam

Loads a BAM file into the spot-assembly core, writing a sequence table and
an alignment table. Pass "-" as input to read from stdin.
`)
		flag.PrintDefaults()
	}
	shutdown := grail.Init()
	defer shutdown()

	args := flag.Args()
	if len(args) != 1 || *seqOutFlag == "" || *alignOutFlag == "" {
		flag.Usage()
		os.Exit(1)
	}

	if err := run(args[0], *seqOutFlag, *alignOutFlag); err != nil {
		log.Fatalf("srabam-load: %v", err)
	}
}

func run(inPath, seqOutPath, alignOutPath string) error {
	ctx := vcontext.Background()

	in, err := file.Open(ctx, inPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", inPath, err)
	}
	defer in.Close(ctx) //nolint:errcheck // best-effort close after a successful load.

	dec, err := bamsource.NewDecoder(in.Reader(ctx), runtime.NumCPU())
	if err != nil {
		return fmt.Errorf("opening BAM stream: %w", err)
	}

	opts := loadctx.DefaultOptions()
	opts.Strict = *strictFlag
	opts.TargetBatchSize = *batchSizeFlag
	opts.GroupCap = *groupCapFlag
	opts.MinMatch = *minMatchFlag
	opts.MaxLowMatchEvents = *maxLowMatch
	opts.MaxMalformedRecords = *maxMalformed
	opts.MaskUnalignedQuality = *maskUnaligned
	opts.Workers = *workersFlag
	opts.MemoryLimitBytes = *memLimitFlag
	if *fixedQualFlag >= 0 {
		opts.HasFixedQuality = true
		opts.FixedQuality = byte(*fixedQualFlag)
	}

	groups := spotgroup.NewGroupSet(opts.GroupCap)
	groups.SetPlatforms(dec.ReadGroupPlatforms())
	if len(dec.ReadGroupNames()) > opts.GroupCap {
		log.Printf("srabam-load: %d read groups exceeds cap %d, collapsing to single-group mode", len(dec.ReadGroupNames()), opts.GroupCap)
		groups.CollapseToSingleGroup()
	}

	filter := keyfilter.New(keyfilter.SelectVariant(*estSpotsFlag))
	bank := matebank.New()
	counters := &loadctx.Counters{}
	quit := loadctx.NewQuittingToken()
	refs := bamsource.NewReferenceSet(dec.Header())

	seqTable := tablewriter.NewSequenceTable()
	alignTable := tablewriter.NewAlignmentTable()

	proc := &record.Processor{
		Groups:    groups,
		Filter:    filter,
		MateBank:  bank,
		Counters:  counters,
		Options:   opts,
		Sequence:  seqTable,
		Alignment: alignTable,
		Reference: refs,
	}
	stats := &record.Stats{}

	var mon *membudget.Monitor
	if opts.MemoryLimitBytes > 0 {
		mon = membudget.New(opts.MemoryLimitBytes, false, 0, 0)
	}
	processed := uint64(0)

	coord := ingest.New(ingest.DefaultCapacity, quit)
	if err := coord.Run(dec, func(a *record.Alignment) error {
		if err := proc.Process(a, stats); err != nil {
			return err
		}
		processed++
		if mon != nil && processed%memoryCheckInterval == 0 {
			spots := counters.SpotCount()
			if err := mon.Check(0, membudget.ReadHeapAlloc(), spots, spots); err != nil {
				quit.Quit(err)
				return err
			}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	log.Printf("srabam-load: ingest complete: processed=%d discarded=%d secondary_demotions=%d warned_low_match=%d",
		stats.Processed, stats.Discarded, stats.SecondaryDemotions, stats.WarnedLowMatch)

	finStats, err := finalize.Run(groups, bank, seqTable, alignTable, counters, opts, quit)
	if err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	log.Printf("srabam-load: finalize complete: solo_spots_emitted=%d too_many_fragments=%d back_link_warnings=%d total_spots=%d",
		finStats.SoloSpotsEmitted, finStats.TooManyFragments, finStats.BackLinkWarnings, counters.SpotCount())

	if err := seqTable.Done(); err != nil {
		return fmt.Errorf("closing sequence writer: %w", err)
	}

	if err := writeTable(ctx, seqOutPath, seqTable); err != nil {
		return fmt.Errorf("writing sequence table: %w", err)
	}
	if err := writeTable(ctx, alignOutPath, alignTable); err != nil {
		return fmt.Errorf("writing alignment table: %w", err)
	}
	return nil
}

// tableWriter is satisfied by both tablewriter.SequenceTable and
// tablewriter.AlignmentTable.
type tableWriter interface {
	WriteTo(w io.Writer) error
}

func writeTable(ctx context.Context, path string, t tableWriter) error {
	out, err := file.Create(ctx, path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := t.WriteTo(out.Writer(ctx)); err != nil {
		_ = out.Close(ctx)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return out.Close(ctx)
}
