package spotgroup

// DefaultInsertProbeInterval is how many inserts pack_heavy_groups waits
// between packing passes, matching the source's INSERT_PROBE_INTERVAL.
const DefaultInsertProbeInterval = 10_000_000

// heavyGroupThreshold is the hot-row count above which a group is considered
// a "heavy group" candidate for proactive freezing, per spec §4.5.
const heavyGroupThreshold = 1_000_000

// PackHeavyGroups implements pack_heavy_groups (spec §4.5): proactively
// freezes groups whose hot window has grown enough that leaving it hot risks
// starving smaller groups of memory. It takes no locks, so it must run on
// the same single goroutine that drives FindOrInsert. Neither the ingest
// coordinator nor cmd/srabam-load calls it.
func PackHeavyGroups(groups []*Group, targetBatchSize uint64, stopped func() bool) {
	for _, g := range groups {
		if g.CurrRow >= targetBatchSize {
			g.freeze(stopped)
		}
	}

	var candidates []*Group
	for _, g := range groups {
		if g.CurrRow >= heavyGroupThreshold {
			candidates = append(candidates, g)
		}
	}
	if len(candidates) > 0 {
		n := uint64(len(candidates))
		threshold := (n*(targetBatchSize/2) + targetBatchSize/2) / n
		for _, g := range candidates {
			if g.CurrRow >= threshold {
				g.freeze(stopped)
			}
		}
	}

	for totalHotRows(groups) >= 2*targetBatchSize {
		g := largestHotGroup(groups)
		if g == nil || g.CurrRow == 0 {
			break
		}
		g.freeze(stopped)
	}
}

func totalHotRows(groups []*Group) uint64 {
	var total uint64
	for _, g := range groups {
		total += g.CurrRow
	}
	return total
}

func largestHotGroup(groups []*Group) *Group {
	var best *Group
	for _, g := range groups {
		if best == nil || g.CurrRow > best.CurrRow {
			best = g
		}
	}
	return best
}

// FreezeAll force-freezes every group's hot window. cmd/srabam-load does not
// call it; finalization reads hot windows directly through
// Group.VisitMetadata.
func FreezeAll(groups []*Group, stopped func() bool) {
	for _, g := range groups {
		g.freeze(stopped)
	}
}
