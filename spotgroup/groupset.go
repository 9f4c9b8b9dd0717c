package spotgroup

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// DefaultGroupCap bounds the number of distinct read-group partitions a load
// will track before collapsing into single-group mode, matching the packed
// key's reserved GROUP_BITS (see spotkey.MaxGroups). Callers may pass a
// smaller cap (e.g. in tests) to exercise collapse without allocating
// millions of groups.
const DefaultGroupCap = 1 << 24

// GroupSet owns every Group for one load and resolves read-group names to
// their Group, including the single-group-mode collapse described in spec
// §4.1: when the BAM header advertises more distinct read groups than
// groupCap, every record is folded into one synthetic group instead.
type GroupSet struct {
	groupCap int

	byName map[string]*Group
	groups []*Group // index == Group.ID

	singleGroupMode bool
	platforms       map[string]uint16
}

// NewGroupSet creates an empty set with the given per-load group cap.
func NewGroupSet(groupCap int) *GroupSet {
	if groupCap <= 0 {
		groupCap = DefaultGroupCap
	}
	return &GroupSet{
		groupCap: groupCap,
		byName:   map[string]*Group{},
	}
}

// CollapseToSingleGroup switches gs into single-group mode, discarding any
// groups already created and routing every subsequent GroupFor call to one
// synthetic group named "". Per spec §4.1 this decision is made once, from
// the BAM header's read-group count, before ingest starts.
func (gs *GroupSet) CollapseToSingleGroup() {
	gs.singleGroupMode = true
	g := NewGroup(0, "")
	gs.groups = []*Group{g}
	gs.byName = map[string]*Group{"": g}
}

// SingleGroupMode reports whether gs collapsed per CollapseToSingleGroup.
func (gs *GroupSet) SingleGroupMode() bool { return gs.singleGroupMode }

// SetPlatforms installs the read-group name → platform id mapping resolved
// once from the BAM header's RG:PL tags (SPEC_FULL.md §D.1). Subsequent
// GroupFor calls that create a new group cache the matching entry on it; a
// name absent from platforms resolves to PlatformUnknown (0).
func (gs *GroupSet) SetPlatforms(platforms map[string]uint16) {
	gs.platforms = platforms
}

// GroupFor returns the Group for the given read-group name, creating one if
// this is the first time name has been seen. In single-group mode, name is
// ignored and the single synthetic group is always returned.
func (gs *GroupSet) GroupFor(name string) (*Group, error) {
	if gs.singleGroupMode {
		return gs.groups[0], nil
	}
	if g, ok := gs.byName[name]; ok {
		return g, nil
	}
	if len(gs.groups) >= gs.groupCap {
		return nil, errors.E(fmt.Sprintf("spotgroup: too many distinct read groups (cap %d), encountered %q", gs.groupCap, name))
	}
	g := NewGroup(uint32(len(gs.groups)), name)
	g.Platform = gs.platforms[name]
	gs.groups = append(gs.groups, g)
	gs.byName[name] = g
	return g, nil
}

// Groups returns every group currently tracked, indexed by Group.ID.
func (gs *GroupSet) Groups() []*Group { return gs.groups }

// TotalSpots sums TotalSpots across every group.
func (gs *GroupSet) TotalSpots() uint64 {
	var total uint64
	for _, g := range gs.groups {
		total += g.TotalSpots
	}
	return total
}

// MemoryUsed sums MemoryUsed across every group.
func (gs *GroupSet) MemoryUsed() int64 {
	var total int64
	for _, g := range gs.groups {
		total += g.MemoryUsed()
	}
	return total
}
