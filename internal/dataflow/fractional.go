package dataflow

import "strings"

// alphabet is the base-62 digit set fractional keys are built from,
// ordered so plain string comparison matches numeric digit order (spec
// §9 "fractional index generation").
const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

const fracBase = len(alphabet)

// maxFractionalLength bounds between's digit loop: after
// 2*maxFractionalLength digits it appends a middle digit and stops. Keys
// are never rebalanced or renumbered; top-K keeps a row's key for as long
// as the row stays in its window (see topk.go), so keys can keep growing.
const maxFractionalLength = 40

func digitValue(c byte) int { return strings.IndexByte(alphabet, c) }

func digitChar(v int) byte { return alphabet[v] }

// between returns a fractional key strictly greater than lo (if hasLo)
// and strictly less than hi (if hasHi). Passing hasLo=false means
// "smallest possible"; hasHi=false means "largest possible". The
// interleaving scheme keeps repeated insertion between the same two
// existing keys logarithmic in key length rather than reassigning
// neighbors.
func between(lo string, hasLo bool, hi string, hasHi bool) string {
	if !hasLo {
		lo = ""
	}
	var out []byte
	i := 0
	for {
		lv := 0
		if i < len(lo) {
			lv = digitValue(lo[i])
		}
		hv := fracBase - 1
		if hasHi && i < len(hi) {
			hv = digitValue(hi[i])
		} else if hasHi && i >= len(hi) {
			// hi exhausted at this depth: treat its continuation as all
			// zeros, i.e. hi is conceptually smaller past this point, so
			// there is no room here; fall back to extending lo instead.
			hv = 0
		}

		gap := hv - lv
		switch {
		case gap >= 2:
			out = append(out, digitChar(lv+gap/2))
			return string(out)
		case gap == 1:
			out = append(out, digitChar(lv))
			i++
			hasHi = false // remaining digits are now open-ended upward
		default:
			out = append(out, digitChar(lv))
			i++
		}
		if i > maxFractionalLength*2 {
			out = append(out, digitChar(fracBase/2))
			return string(out)
		}
	}
}

// Between is the exported form used by topk.go.
func Between(lo *string, hi *string) string {
	loVal, hasLo := "", false
	if lo != nil {
		loVal, hasLo = *lo, true
	}
	hiVal, hasHi := "", false
	if hi != nil {
		hiVal, hasHi = *hi, true
	}
	return between(loVal, hasLo, hiVal, hasHi)
}
