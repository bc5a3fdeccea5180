// Package seqnum implements wrapping 32-bit TCP sequence-number arithmetic:
// conversion between the wire's 32-bit wrapping space and a 64-bit absolute
// index relative to an Initial Sequence Number, plus wraparound-aware
// comparisons. Never compare raw 32-bit sequence numbers with < or > — use
// the helpers here, which account for wraparound around 2^32.
package seqnum

// Value is a 32-bit wrapping sequence number.
type Value uint32

// Wrap returns the 32-bit wire value for the absolute index n relative to isn:
// wrap(n) = (n + isn) mod 2^32.
func Wrap(n uint64, isn Value) Value {
	return Value(uint32(n) + uint32(isn))
}

// Unwrap returns the 64-bit absolute index whose low 32 bits equal
// (seq - isn) mod 2^32 and which lies closest to checkpoint, breaking ties
// toward the candidate at or above checkpoint. The result is never negative:
// if the nearest candidate would underflow below zero, the next candidate up
// is chosen instead.
func Unwrap(seq, isn Value, checkpoint uint64) uint64 {
	offset := uint64(uint32(seq) - uint32(isn))
	base := checkpoint &^ 0xFFFFFFFF

	current := base + offset
	next := current + (1 << 32)
	var prev uint64
	havePrev := current >= (1 << 32)
	if havePrev {
		prev = current - (1 << 32)
	}

	best := current
	bestDist := signedAbsDist(current, checkpoint)
	consider := func(candidate uint64) {
		d := signedAbsDist(candidate, checkpoint)
		if d < bestDist {
			best, bestDist = candidate, d
			return
		}
		// Tie: prefer the candidate at or above checkpoint.
		if d == bestDist && candidate >= checkpoint && best < checkpoint {
			best = candidate
		}
	}
	consider(next)
	if havePrev {
		consider(prev)
	}
	return best
}

func signedAbsDist(a, b uint64) uint64 {
	if a >= b {
		return a - b
	}
	return b - a
}

// LT returns true if a < b, treating both as points on a 32-bit wraparound
// circle relative to the most recent 2^31 span (i.e. using signed
// difference semantics, per RFC 793 §3.3).
func LT(a, b Value) bool { return int32(a-b) < 0 }

// LTE returns true if a <= b under the same wraparound semantics as LT.
func LTE(a, b Value) bool { return int32(a-b) <= 0 }

// GT returns true if a > b under the same wraparound semantics as LT.
func GT(a, b Value) bool { return int32(a-b) > 0 }

// GTE returns true if a >= b under the same wraparound semantics as LT.
func GTE(a, b Value) bool { return int32(a-b) >= 0 }
