// Package loadctx holds the cross-cutting state one load shares across
// every component: its typed error taxonomy, tunable options, the global
// monotonic id counters owned by the processor thread, and the process-wide
// cancellation token, per spec §5/§6/§7.
package loadctx

import (
	"fmt"
	"sync/atomic"
)

// ErrorKind classifies a fatal or recoverable condition raised by the core,
// per spec §6's "typed errors" list.
type ErrorKind int

const (
	DecodeError ErrorKind = iota
	BadReference
	TooManyGroups
	InconsistentMate
	LowMatch
	OutOfMemoryPrediction
	WriterIO
	Cancelled
)

func (k ErrorKind) String() string {
	switch k {
	case DecodeError:
		return "DecodeError"
	case BadReference:
		return "BadReference"
	case TooManyGroups:
		return "TooManyGroups"
	case InconsistentMate:
		return "InconsistentMate"
	case LowMatch:
		return "LowMatch"
	case OutOfMemoryPrediction:
		return "OutOfMemoryPrediction"
	case WriterIO:
		return "WriterIO"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Error is the core's typed error: a Kind plus a human message and an
// optional wrapped cause.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error of the given kind with no wrapped cause.
func New(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap creates an Error of the given kind wrapping err.
func Wrap(kind ErrorKind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Options controls the tunable knobs of one load, gathered from CLI flags
// by the surrounding command (out of scope here per spec §1).
type Options struct {
	// Strict promotes warn-level inconsistencies (spec §7) to fatal errors.
	Strict bool

	// TargetBatchSize is the row count spotgroup.PackHeavyGroups freezes a
	// hot window at (spec §4.4 "Packing policy").
	TargetBatchSize uint64
	// InsertProbeInterval is the number of find_or_insert calls between
	// pack_heavy_groups passes. cmd/srabam-load sets this and
	// TargetBatchSize but never calls PackHeavyGroups, so every group's rows
	// stay in its hot window for the whole load.
	InsertProbeInterval uint64
	// GroupCap bounds the number of distinct read groups before collapsing
	// to single-group mode.
	GroupCap int

	// MemoryLimitBytes is the user-specified RAM ceiling driving membudget's
	// projection model.
	MemoryLimitBytes int64

	// MaxLowMatchEvents is the configured limit on low-match reference
	// events (spec §4.6 step 4) before the load fails.
	MaxLowMatchEvents int
	// MaxMalformedRecords is the configured limit on malformed records
	// before the load fails (spec §7).
	MaxMalformedRecords int

	// MinMatch is MIN_MATCH from spec §4.6 step 4.
	MinMatch int

	// FixedQuality, when HasFixedQuality, substitutes every aligned-match
	// base quality, per spec §4.6's quality editing policies.
	FixedQuality    byte
	HasFixedQuality bool
	// MaskUnalignedQuality enables masking unaligned-base qualities.
	MaskUnalignedQuality bool

	// Workers is the configured worker-pool width. No part of the load
	// reads it: batch search and Pass B's gatherer fan out through
	// traverse.Each with that package's own concurrency.
	Workers int
}

// DefaultOptions returns the loader's defaults.
func DefaultOptions() Options {
	return Options{
		TargetBatchSize:     1 << 20,
		InsertProbeInterval: 10_000_000,
		GroupCap:            1 << 24,
		MaxLowMatchEvents:   1000,
		MaxMalformedRecords: 1000,
		MinMatch:            1,
		Workers:             8,
	}
}

// Counters holds the three independent monotonically increasing id
// generators plus diagnostic event tallies. Per spec §5, all of these are
// "owned by the processor thread; no locking required" — Counters is not
// safe for concurrent use by design.
type Counters struct {
	nextPrimaryID   uint64
	nextSecondaryID uint64
	nextSpotID      uint64

	MalformedRecords    uint64
	LowMatchEvents       uint64
	MateInconsistencies  uint64
}

// NextPrimaryID returns the next ascending primary-alignment id.
func (c *Counters) NextPrimaryID() uint64 {
	c.nextPrimaryID++
	return c.nextPrimaryID
}

// NextSecondaryID returns the next ascending secondary-alignment id.
func (c *Counters) NextSecondaryID() uint64 {
	c.nextSecondaryID++
	return c.nextSecondaryID
}

// NextSpotID returns the next ascending spot id.
func (c *Counters) NextSpotID() uint64 {
	c.nextSpotID++
	return c.nextSpotID
}

// SpotCount reports how many spot ids have been handed out so far.
func (c *Counters) SpotCount() uint64 { return c.nextSpotID }

// QuittingToken is the process-wide cancellation flag polled at every queue
// operation and at the head of every background build (spec §5). Done
// additionally exposes the flag as a channel so a queue send/receive can
// select on cancellation instead of busy-polling.
type QuittingToken struct {
	flag int32
	done chan struct{}
	err  atomic.Value // holds error
}

// NewQuittingToken creates a token ready for use.
func NewQuittingToken() *QuittingToken {
	return &QuittingToken{done: make(chan struct{})}
}

// Quit sets the token, recording the first cause if called more than once.
func (q *QuittingToken) Quit(cause error) {
	if atomic.CompareAndSwapInt32(&q.flag, 0, 1) {
		if cause != nil {
			q.err.Store(cause)
		}
		close(q.done)
	}
}

// Quitting reports whether Quit has been called.
func (q *QuittingToken) Quitting() bool {
	return atomic.LoadInt32(&q.flag) != 0
}

// Done returns a channel that closes the moment Quit is first called, for
// use in a select alongside a queue send or receive.
func (q *QuittingToken) Done() <-chan struct{} {
	return q.done
}

// Err returns the cause passed to the first Quit call, or nil.
func (q *QuittingToken) Err() error {
	v := q.err.Load()
	if v == nil {
		return nil
	}
	return v.(error)
}
