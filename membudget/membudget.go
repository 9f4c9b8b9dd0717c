// Package membudget implements the processor thread's memory-budget
// projection and out-of-memory prediction, per spec §5 "Memory budget
// enforcement".
//
// Grounded on cmd/bio-fusion/main.go's memStats sampler (runtime.MemStats
// read at a fixed cadence, tracked under a mutex) for the resident-set
// measurement; the projection math itself (live-memory extrapolation below
// 10%, a two-point linear fit between 10% and 50%) is specific to this
// spec and has no teacher analogue.
package membudget

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/grailbio/srabam-load/loadctx"
)

// Sample is one resident-set-size observation taken at a point in the load.
type Sample struct {
	// FractionDone is the estimated fraction of input consumed so far, in
	// [0,1]; unknown-size (stdin) inputs always report 0.
	FractionDone float64
	HeapAlloc    uint64
}

// Monitor tracks memory samples across a load and predicts whether the
// configured limit will be exceeded, per spec §5's three-regime model:
// direct estimate below 10% input consumed, linear projection to 50%
// between 10% and 50%, and a hard failure after 3 consecutive over-budget
// samples either way.
//
// Monitor is safe for concurrent Sample/Check calls, mirroring memStats's
// mutex-guarded update/String split in cmd/bio-fusion.
type Monitor struct {
	mu sync.Mutex

	limitBytes       int64
	knownInputSize   bool
	referenceBytes   int64
	filterBytes      int64
	overBudgetStreak int

	samples []linSample // samples taken in the 10%-50% window, oldest first
}

type linSample struct {
	fraction float64
	estimate float64
}

// New creates a Monitor against the configured byte limit. knownInputSize
// indicates whether FractionDone is meaningful (false for stdin input,
// where spec §5 says "only a direct current-usage check is applied").
// referenceBytes and filterBytes are the two fixed-size contributors to
// the total-memory estimate (spec §5's reference_memory / filter_memory
// terms).
func New(limitBytes int64, knownInputSize bool, referenceBytes, filterBytes int64) *Monitor {
	return &Monitor{
		limitBytes:     limitBytes,
		knownInputSize: knownInputSize,
		referenceBytes: referenceBytes,
		filterBytes:    filterBytes,
	}
}

// ReadHeapAlloc samples the current process's live heap size via
// runtime.ReadMemStats, standing in for the resident-set measurement spec
// §5 calls for.
func ReadHeapAlloc() uint64 {
	var s runtime.MemStats
	runtime.ReadMemStats(&s)
	return s.Alloc
}

// Check folds in one sample and reports whether the load should fail with
// an out-of-memory-prediction error. currentSpotCount and
// projectedSpotCount are the processor's live/estimated-final spot counts,
// used to scale live_spot_memory as spec §5 describes; projectedSpotCount
// is ignored once fraction >= 0.5, since the live figure is by then a
// direct measurement rather than an extrapolation.
func (m *Monitor) Check(fraction float64, liveSpotMemory, currentSpotCount, projectedSpotCount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.knownInputSize {
		estimate := float64(liveSpotMemory) + float64(m.referenceBytes) + float64(m.filterBytes)
		return m.fold(estimate)
	}

	switch {
	case fraction < 0.10:
		estimate := estimateTotal(liveSpotMemory, currentSpotCount, projectedSpotCount, m.referenceBytes, m.filterBytes)
		return m.fold(estimate)

	case fraction < 0.50:
		estimate := estimateTotal(liveSpotMemory, currentSpotCount, projectedSpotCount, m.referenceBytes, m.filterBytes)
		m.samples = append(m.samples, linSample{fraction: fraction, estimate: estimate})
		if len(m.samples) > 2 {
			m.samples = m.samples[len(m.samples)-2:]
		}
		projected := estimate
		if len(m.samples) == 2 {
			projected = projectTo(m.samples[0], m.samples[1], 0.50)
		}
		return m.fold(projected)

	default:
		estimate := float64(liveSpotMemory) + float64(m.referenceBytes) + float64(m.filterBytes)
		return m.fold(estimate)
	}
}

// fold applies the over-budget streak rule and resets it on any in-budget
// sample.
func (m *Monitor) fold(estimateBytes float64) error {
	threshold := 1.25 * float64(m.limitBytes)
	if estimateBytes <= threshold {
		m.overBudgetStreak = 0
		return nil
	}
	m.overBudgetStreak++
	if m.overBudgetStreak > 3 {
		return loadctx.New(loadctx.OutOfMemoryPrediction,
			fmt.Sprintf("projected memory usage %.0f bytes exceeds 1.25x the %d byte limit for 3+ consecutive samples", estimateBytes, m.limitBytes))
	}
	return nil
}

// estimateTotal implements spec §5's
// "live_spot_memory * projected_spot_count / current_spot_count +
// reference_memory + filter_memory".
func estimateTotal(liveSpotMemory, currentSpotCount, projectedSpotCount uint64, referenceBytes, filterBytes int64) float64 {
	if currentSpotCount == 0 {
		return float64(liveSpotMemory) + float64(referenceBytes) + float64(filterBytes)
	}
	scaled := float64(liveSpotMemory) * float64(projectedSpotCount) / float64(currentSpotCount)
	return scaled + float64(referenceBytes) + float64(filterBytes)
}

// projectTo fits the line through a and b and evaluates it at x, per spec
// §5's "fits a line y = m·x + b through the last two samples".
func projectTo(a, b linSample, x float64) float64 {
	if b.fraction == a.fraction {
		return b.estimate
	}
	m := (b.estimate - a.estimate) / (b.fraction - a.fraction)
	bIntercept := a.estimate - m*a.fraction
	return m*x + bIntercept
}
