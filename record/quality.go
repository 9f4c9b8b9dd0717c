package record

import "github.com/grailbio/srabam-load/biosimd"

// applyQualityPolicies performs the once-per-record editing pass described
// in spec §4.6: reverse-complement on the reverse strand, a fixed-quality
// substitution (only if it would change at least one byte), an "original
// quality" override when present, and conditional masking of unaligned-base
// qualities. a is mutated in place.
func applyQualityPolicies(a *Alignment, fixedQuality byte, hasFixed, maskUnaligned bool) {
	if a.Reverse() {
		biosimd.ReverseComp8Inplace(a.Seq)
		reverseInPlace(a.Qual)
		if a.OrigQual != nil {
			reverseInPlace(a.OrigQual)
		}
	}

	if hasFixed {
		changed := false
		for i, q := range a.Qual {
			if q != fixedQuality {
				a.Qual[i] = fixedQuality
				changed = true
			}
		}
		_ = changed // substitution itself is the effect; nothing further gated on it
	}

	if a.OrigQual != nil {
		copy(a.Qual, a.OrigQual)
	}

	if maskUnaligned && !a.Aligned() {
		for i := range a.Qual {
			a.Qual[i] = 0
		}
	}
}

func reverseInPlace(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
