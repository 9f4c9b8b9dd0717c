// Package ingest implements the Ingest Coordinator (C5): a bounded
// single-producer single-consumer queue connecting a decoder goroutine to
// the Record Processor, preserving strict FIFO order and reacting to
// cancellation in bounded time, per spec §4.5.
//
// Grounded on the channel-based producer/consumer pipeline in
// cmd/bio-bam-sort/sorter/sort.go (a background channel fed by one
// producer, drained by worker goroutines, closed to signal completion) —
// here specialized to exactly one producer and one consumer, which is what
// gives the ordering guarantee spec §4.5 requires.
package ingest

import (
	"github.com/grailbio/srabam-load/loadctx"
	"github.com/grailbio/srabam-load/record"
)

// DefaultCapacity is the queue's bounded capacity (spec §4.5: "Capacity ≈
// 1024").
const DefaultCapacity = 1024

// Slot is one queue entry: the decoded alignment only. The decoder goroutine
// does not resolve group or row; the processor's Process call does that
// through FindOrInsert.
type Slot struct {
	Alignment *record.Alignment
}

// Decoder yields successive alignments. It returns ok=false, nil once input
// is exhausted, or a non-nil error on decode failure. The BAM decoder itself
// is an external collaborator (spec §1); bamsource implements Decoder atop
// github.com/grailbio/hts/bam.
type Decoder interface {
	Next() (a *record.Alignment, ok bool, err error)
}

// Coordinator owns the bounded queue and the shared cancellation token.
type Coordinator struct {
	queue chan Slot
	quit  *loadctx.QuittingToken
	errCh chan error
}

// New creates a Coordinator with the given queue capacity (DefaultCapacity
// if capacity <= 0) sharing quit with the rest of the load.
func New(capacity int, quit *loadctx.QuittingToken) *Coordinator {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Coordinator{
		queue: make(chan Slot, capacity),
		quit:  quit,
		errCh: make(chan error, 1),
	}
}

// Run starts the decoder goroutine and drains the queue on the calling
// goroutine (the processor's), invoking process for every slot in the exact
// order the decoder produced them. Run returns the first error observed
// from either side, or nil on orderly EOF.
func (c *Coordinator) Run(dec Decoder, process func(*record.Alignment) error) error {
	done := make(chan struct{})
	go c.decode(dec, done)

	var firstErr error
	for slot := range c.queue {
		if firstErr != nil {
			continue // draining after an error: discard remaining slots.
		}
		if err := process(slot.Alignment); err != nil {
			firstErr = err
			c.quit.Quit(err)
		}
	}
	<-done

	if firstErr == nil {
		select {
		case err := <-c.errCh:
			firstErr = err
		default:
		}
	}
	return firstErr
}

func (c *Coordinator) decode(dec Decoder, done chan struct{}) {
	defer close(done)
	defer close(c.queue)
	for {
		select {
		case <-c.quit.Done():
			return
		default:
		}
		a, ok, err := dec.Next()
		if err != nil {
			c.errCh <- loadctx.Wrap(loadctx.DecodeError, err, "decoding alignment record")
			c.quit.Quit(err)
			return
		}
		if !ok {
			return
		}
		select {
		case c.queue <- Slot{Alignment: a}:
		case <-c.quit.Done():
			return
		}
	}
}
