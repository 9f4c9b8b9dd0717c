// Package keyfilter implements the tiered spot-name key filter (C1).
//
// Seen reports, with false positives permitted but false negatives
// forbidden, whether a read name has been observed before. The active
// variant is chosen once per load from the estimated final spot count and
// never changes incrementally: an upgrade replaces the bit-vectors wholesale
// and replays every previously-inserted name (RebuildFrom), matching the
// tagged-sum design of the source filter's fnv_murmur_filter / sha_filter
// hierarchy.
package keyfilter

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"hash/fnv"

	farm "github.com/dgryski/go-farm"
)

// Variant selects the internal bit-vector layout. The dominant cost of a
// load is proportional to N, so cheaper, smaller filters are used for
// smaller estimated spot counts and upgraded only when the estimate crosses
// a threshold.
type Variant int

const (
	// VariantFNVMurmur projects two independent 32-bit halves each of
	// FNV-1a and a fast non-cryptographic hash across four bit-vectors.
	// Used when the estimated final spot count N < 1e9.
	VariantFNVMurmur Variant = iota
	// VariantSHA1 projects five 32-bit words of a SHA-1 digest. Used for
	// 1e9 <= N < 2e9.
	VariantSHA1
	// VariantSHA224 projects seven 32-bit words of a SHA-224 digest. Used
	// for 2e9 <= N < 3e9.
	VariantSHA224
	// VariantSHA256 projects eight 32-bit words of a SHA-256 digest. Used
	// for N >= 3e9.
	VariantSHA256
)

// SelectVariant picks the filter variant for an estimated final spot count,
// per the thresholds the loader inherited from its source.
func SelectVariant(estimatedSpots uint64) Variant {
	switch {
	case estimatedSpots < 1e9:
		return VariantFNVMurmur
	case estimatedSpots < 2e9:
		return VariantSHA1
	case estimatedSpots < 3e9:
		return VariantSHA224
	default:
		return VariantSHA256
	}
}

func bucketCount(v Variant) int {
	switch v {
	case VariantFNVMurmur:
		return 4
	case VariantSHA1:
		return 5
	case VariantSHA224:
		return 7
	case VariantSHA256:
		return 8
	default:
		panic("keyfilter: unknown variant")
	}
}

// wordBitset is a sparse, word-packed bit vector addressed by a uint32
// index. Each of our bit-vectors spans the full uint32 address space, as in
// the source's std::bitset<2^32> buckets; backing it with a map rather than
// a dense array keeps memory proportional to the number of distinct bits
// actually touched instead of 512MiB per bucket.
type wordBitset struct {
	words map[uint32]uint64
}

func newWordBitset() *wordBitset {
	return &wordBitset{words: make(map[uint32]uint64)}
}

// testAndSet reports whether idx was already set, setting it if not.
func (b *wordBitset) testAndSet(idx uint32) bool {
	word := idx >> 6
	bit := uint64(1) << (idx & 63)
	cur := b.words[word]
	if cur&bit != 0 {
		return true
	}
	b.words[word] = cur | bit
	return false
}

// Filter is the tiered seen-before test over byte-string keys.
//
// Mutation (Seen, RebuildFrom) is confined to a single goroutine: the
// processor goroutine calls Seen through spotgroup's FindOrInsert while
// resolving records. Nothing in the load path calls RebuildFrom.
// Finalization passes only ever call Seen-free read paths elsewhere, never
// touching the filter concurrently with a rebuild.
type Filter struct {
	variant  Variant
	buckets  []*wordBitset
	lastHash uint64
}

// New creates a Filter using the given variant.
func New(variant Variant) *Filter {
	buckets := make([]*wordBitset, bucketCount(variant))
	for i := range buckets {
		buckets[i] = newWordBitset()
	}
	return &Filter{variant: variant, buckets: buckets}
}

// Variant returns the filter's active variant.
func (f *Filter) Variant() Variant {
	return f.variant
}

func fnv1a(name []byte) uint64 {
	h := fnv.New64a()
	h.Write(name) // fnv.New64a's Write never errors.
	return h.Sum64()
}

// LastHash returns the 64-bit FNV-1a hash computed during the most recent
// call to Seen, so callers can reuse it as a precomputed hash for a hot-map
// lookup without hashing the name twice.
func (f *Filter) LastHash() uint64 {
	return f.lastHash
}

// Seen returns true iff every bit-vector bucket indexed by name's hash
// projections was already set; otherwise it sets the unset buckets and
// returns false. False positives are possible; false negatives are not.
func (f *Filter) Seen(name []byte) bool {
	f.lastHash = fnv1a(name)
	switch f.variant {
	case VariantFNVMurmur:
		return f.seenFNVMurmur(name)
	case VariantSHA1:
		var d [sha1.Size]byte = sha1.Sum(name)
		return f.seenDigest(d[:])
	case VariantSHA224:
		var d [sha256.Size224]byte = sha256.Sum224(name)
		return f.seenDigest(d[:])
	case VariantSHA256:
		var d [sha256.Size]byte = sha256.Sum256(name)
		return f.seenDigest(d[:])
	default:
		panic("keyfilter: unknown variant")
	}
}

func (f *Filter) seenFNVMurmur(name []byte) bool {
	farmHash := farm.Hash64(name)
	projections := [4]uint32{
		uint32(f.lastHash),
		uint32(f.lastHash >> 32),
		uint32(farmHash),
		uint32(farmHash >> 32),
	}
	hit := true
	for i, p := range projections {
		if !f.buckets[i].testAndSet(p) {
			hit = false
		}
	}
	return hit
}

// seenDigest tests/sets one bucket per 4-byte word of digest, ANDing the
// per-bucket results together. len(digest) must be a multiple of 4 and
// exactly cover len(f.buckets) words.
func (f *Filter) seenDigest(digest []byte) bool {
	hit := true
	for i := range f.buckets {
		v := binary.BigEndian.Uint32(digest[i*4 : i*4+4])
		if !f.buckets[i].testAndSet(v) {
			hit = false
		}
	}
	return hit
}

// NameSource yields successive names to replay into a rebuilt filter. It
// returns ok=false once exhausted.
type NameSource func() (name []byte, ok bool)

// RebuildFrom replaces the filter's internal bit-vectors with a
// freshly-allocated instance of the given variant and replays every name
// that names yields through Seen, so previously-inserted names are
// preserved under the new, more conservative variant. Must only be called
// while no other goroutine is accessing f.
func (f *Filter) RebuildFrom(variant Variant, names NameSource) {
	f.variant = variant
	buckets := make([]*wordBitset, bucketCount(variant))
	for i := range buckets {
		buckets[i] = newWordBitset()
	}
	f.buckets = buckets
	for {
		name, ok := names()
		if !ok {
			break
		}
		f.Seen(name)
	}
}
