// Package spotkey packs and unpacks the 64-bit opaque spot key.
//
// A key names one spot: bits [GroupIDShift, 64) hold the group index, bits
// [0, GroupIDShift) hold the local row index of the spot within that group's
// name index. The key is never exposed to users; it is carried through
// sequence.write/read_key round-trips (see tablewriter) and decoded again
// during finalization (see finalize).
package spotkey

import "fmt"

const (
	// GroupBits is the width, in bits, of the group-index field. At most
	// 2^GroupBits distinct groups can be active in one load.
	GroupBits = 24

	// GroupIDShift is the bit position at which the group index begins.
	GroupIDShift = 64 - GroupBits

	// MaxGroups is the number of distinct groups representable with
	// GroupBits bits.
	MaxGroups = 1 << GroupBits

	// RowMask covers the local-row bits of a key.
	RowMask = (uint64(1) << GroupIDShift) - 1

	// MaxRowsPerGroup is the number of local rows representable within one
	// group, i.e. 2^(64-GroupBits).
	MaxRowsPerGroup = uint64(1) << GroupIDShift
)

// Key is the packed (group, local row) identifier of a spot.
type Key uint64

// Pack combines a group index and a local row index into a Key. It panics if
// group or row overflow their respective field widths; callers are expected
// to have already checked TooManyGroups / row-space exhaustion before
// reaching here.
func Pack(group uint32, row uint64) Key {
	if group >= MaxGroups {
		panic(fmt.Sprintf("spotkey: group %d exceeds %d-bit field", group, GroupBits))
	}
	if row >= MaxRowsPerGroup {
		panic(fmt.Sprintf("spotkey: row %d exceeds %d-bit field", row, GroupIDShift))
	}
	return Key(uint64(group)<<GroupIDShift | row)
}

// Group returns the group index encoded in k.
func (k Key) Group() uint32 {
	return uint32(uint64(k) >> GroupIDShift)
}

// Row returns the local row index encoded in k.
func (k Key) Row() uint64 {
	return uint64(k) & RowMask
}

// Unpack splits k back into its (group, row) components.
func (k Key) Unpack() (group uint32, row uint64) {
	return k.Group(), k.Row()
}
