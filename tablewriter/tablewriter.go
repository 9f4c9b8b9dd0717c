// Package tablewriter implements the sequence and alignment table
// collaborators (spec §6's SequenceWriter/AlignmentWriter) the Record
// Processor and finalize passes write through.
//
// Rows live in memory during the load — matching the rest of this module's
// in-memory column stores (column.Store, volume.Batch, matebank.Bank) — and
// are persisted with WriteTo as a gob-encoded, zstd-compressed recordio
// stream, grounded on cmd/bio-fusion/io.go's fusionWriter (one gob-encoded
// record per recordio.Append call, recordio.KeyTrailer header, Finish on
// close).
package tablewriter

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"sync"

	"github.com/grailbio/base/recordio"
	"github.com/grailbio/base/recordio/recordiozstd"

	"github.com/grailbio/srabam-load/record"
)

func init() {
	recordiozstd.Init()
}

// sequenceRow is one row of the sequence table, including the mate
// bookkeeping Pass B resolves after the fact. Seq1/Qual1 hold read 1 (or the
// sole read of an unmated spot); Seq2/Qual2 hold read 2 of a completed pair
// and are nil until one arrives.
type sequenceRow struct {
	Key         uint64
	Seq1        []byte
	Qual1       []byte
	Seq2        []byte
	Qual2       []byte
	ColorSpace  bool
	PCRDup      bool
	Platform    uint16
	NumReads    int
	PrimaryIDs  [2]uint64
	AlignCounts [2]uint16
}

// SequenceTable implements record.SequenceWriter.
type SequenceTable struct {
	mu   sync.Mutex
	rows []sequenceRow
}

// NewSequenceTable creates an empty sequence table.
func NewSequenceTable() *SequenceTable { return &SequenceTable{} }

// Write appends a (and mate, if the pair completed) into the table, placing
// the two reads in read-number order, and returns the row's 1-based number.
func (t *SequenceTable) Write(a, mate *record.Alignment, key uint64, isColorSpace, pcrDup bool, platform uint16) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	row := sequenceRow{
		Key:        key,
		ColorSpace: isColorSpace,
		PCRDup:     pcrDup,
		Platform:   platform,
		NumReads:   1,
	}
	first, second := a, mate
	if second != nil && first.ReadNumber == 2 && second.ReadNumber != 2 {
		first, second = second, first
	}
	row.Seq1 = append([]byte(nil), first.Seq...)
	row.Qual1 = append([]byte(nil), first.Qual...)
	if second != nil {
		row.Seq2 = append([]byte(nil), second.Seq...)
		row.Qual2 = append([]byte(nil), second.Qual...)
		row.NumReads = 2
	}
	t.rows = append(t.rows, row)
	return uint64(len(t.rows)), nil
}

// ReadKey returns the packed spotkey.Key stored at row (1-based).
func (t *SequenceTable) ReadKey(row uint64) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, err := t.rowAt(row)
	if err != nil {
		return 0, err
	}
	return r.Key, nil
}

// UpdateAlignData fills in the mate bookkeeping Pass B resolves for row.
func (t *SequenceTable) UpdateAlignData(row uint64, numReads int, primaryIDs [2]uint64, counts [2]uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, err := t.rowAt(row)
	if err != nil {
		return err
	}
	r.NumReads = numReads
	r.PrimaryIDs = primaryIDs
	r.AlignCounts = counts
	return nil
}

// Done is a no-op: rows are durable in memory until WriteTo is called
// explicitly by the surrounding command once the load finishes.
func (t *SequenceTable) Done() error { return nil }

func (t *SequenceTable) rowAt(row uint64) (*sequenceRow, error) {
	if row < 1 || row > uint64(len(t.rows)) {
		return nil, fmt.Errorf("tablewriter: sequence row %d out of range (have %d rows)", row, len(t.rows))
	}
	return &t.rows[row-1], nil
}

// NumRows reports how many sequence rows have been written so far.
func (t *SequenceTable) NumRows() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rows)
}

// WriteTo persists every row to w as a gob-encoded recordio stream.
func (t *SequenceTable) WriteTo(w io.Writer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rio := recordio.NewWriter(w, recordio.WriterOpts{Transformers: []string{recordiozstd.Name}})
	rio.AddHeader(recordio.KeyTrailer, true)
	for _, r := range t.rows {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(r); err != nil {
			return fmt.Errorf("tablewriter: encoding sequence row: %w", err)
		}
		rio.Append(buf.Bytes())
	}
	return rio.Finish()
}

// alignmentRow is one row of the alignment table.
type alignmentRow struct {
	Key       uint64
	AlignID   uint64
	IsPrimary bool
	SpotID    uint64
}

// AlignmentTable implements record.AlignmentWriter.
type AlignmentTable struct {
	mu     sync.Mutex
	rows   []alignmentRow
	cursor int
}

// NewAlignmentTable creates an empty alignment table.
func NewAlignmentTable() *AlignmentTable { return &AlignmentTable{} }

// Write appends an alignment row, returning its 1-based row number.
func (t *AlignmentTable) Write(a *record.Alignment, key uint64, id uint64, isPrimary bool) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows = append(t.rows, alignmentRow{Key: key, AlignID: id, IsPrimary: isPrimary})
	return uint64(len(t.rows)), nil
}

// StartUpdatingSpotIDs resets the Pass C sweep cursor to the first row.
func (t *AlignmentTable) StartUpdatingSpotIDs() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cursor = 0
	return nil
}

// GetSpotKey returns the key of the row the sweep cursor currently points
// to, or ok=false once every row has been visited.
func (t *AlignmentTable) GetSpotKey() (uint64, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cursor >= len(t.rows) {
		return 0, false, nil
	}
	return t.rows[t.cursor].Key, true, nil
}

// WriteSpotID writes id to the row the sweep cursor currently points to and
// advances the cursor.
func (t *AlignmentTable) WriteSpotID(id uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cursor >= len(t.rows) {
		return fmt.Errorf("tablewriter: WriteSpotID called past the end of the table")
	}
	t.rows[t.cursor].SpotID = id
	t.cursor++
	return nil
}

// NumRows reports how many alignment rows have been written so far.
func (t *AlignmentTable) NumRows() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rows)
}

// WriteTo persists every row to w as a gob-encoded recordio stream.
func (t *AlignmentTable) WriteTo(w io.Writer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rio := recordio.NewWriter(w, recordio.WriterOpts{Transformers: []string{recordiozstd.Name}})
	rio.AddHeader(recordio.KeyTrailer, true)
	for _, r := range t.rows {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(r); err != nil {
			return fmt.Errorf("tablewriter: encoding alignment row: %w", err)
		}
		rio.Append(buf.Bytes())
	}
	return rio.Finish()
}
