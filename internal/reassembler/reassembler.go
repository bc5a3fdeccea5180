// Package reassembler turns a stream of out-of-order, possibly overlapping
// byte ranges (each indexed by its absolute position in a logical stream)
// into a contiguous prefix delivered to a downstream bytestream.ByteStream,
// while bounding how much unassembled memory it is willing to hold.
package reassembler

import "github.com/tinyrange/minitcp/internal/bytestream"

// block is a pending, disjoint, non-adjacent byte range: [begin, begin+len(data)).
type block struct {
	begin uint64
	data  []byte
}

func (b block) end() uint64 { return b.begin + uint64(len(b.data)) }

// touchesOrOverlaps reports whether b and o share a byte or are adjacent
// (so that merging them yields one contiguous run with no gap).
func (b block) touchesOrOverlaps(o block) bool {
	return b.begin <= o.end() && o.begin <= b.end()
}

// merge combines existing (already pending) and incoming (newly arrived),
// which must touch or overlap. Where the two disagree on overlapping bytes,
// existing's bytes win, so that re-delivering the same (or conflicting) data
// is idempotent and never corrupts already-buffered bytes.
func merge(existing, incoming block) block {
	lowBegin := min64(existing.begin, incoming.begin)
	highEnd := max64(existing.end(), incoming.end())
	merged := make([]byte, highEnd-lowBegin)
	copy(merged[incoming.begin-lowBegin:], incoming.data)
	copy(merged[existing.begin-lowBegin:], existing.data) // existing is authoritative
	return block{begin: lowBegin, data: merged}
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// Reassembler accepts substrings of a logical byte stream, indexed by
// absolute position, and writes a contiguous prefix to output as soon as it
// becomes available.
type Reassembler struct {
	capacity  int
	headIndex uint64
	eofFlag   bool
	pending   []block // kept sorted by begin, pairwise disjoint and non-touching
	output    *bytestream.ByteStream
}

// New creates a Reassembler whose downstream ByteStream has the given
// capacity; capacity also bounds the combined assembled+unassembled bytes
// held by the reassembler.
func New(capacity int) *Reassembler {
	return &Reassembler{
		capacity: capacity,
		output:   bytestream.New(capacity),
	}
}

// Output returns the downstream ByteStream.
func (r *Reassembler) Output() *bytestream.ByteStream { return r.output }

// HeadIndex returns the next absolute byte index not yet delivered
// downstream.
func (r *Reassembler) HeadIndex() uint64 { return r.headIndex }

// UnassembledBytes returns the sum of pending block lengths.
func (r *Reassembler) UnassembledBytes() int {
	n := 0
	for _, b := range r.pending {
		n += len(b.data)
	}
	return n
}

// IsEmpty reports whether there are no pending (unassembled) bytes.
func (r *Reassembler) IsEmpty() bool { return len(r.pending) == 0 }

// EOFFlag reports whether an eof=true substring has ever been pushed.
func (r *Reassembler) EOFFlag() bool { return r.eofFlag }

// PushSubstring implements the contract of spec.md §4.3: discard bytes
// outside the acceptable window, coalesce the remainder with any pending
// block it touches or overlaps, flush the contiguous prefix starting at
// headIndex to the downstream stream, and signal EOF once eofFlag is set
// and no pending bytes remain.
func (r *Reassembler) PushSubstring(data []byte, index uint64, eof bool) {
	if eof {
		r.eofFlag = true
	}

	data, index = r.clipToWindow(data, index)
	if len(data) > 0 {
		nb := block{begin: index, data: append([]byte(nil), data...)}
		r.insertCoalesced(nb)
		r.flushContiguousPrefix()
	}

	if r.eofFlag && len(r.pending) == 0 {
		r.output.EndInput()
	}
}

// clipToWindow discards bytes already delivered (< headIndex) or beyond the
// acceptable window (>= headIndex plus the downstream stream's remaining
// capacity), so assembled-but-unread and unassembled bytes together never
// exceed capacity.
func (r *Reassembler) clipToWindow(data []byte, index uint64) ([]byte, uint64) {
	end := index + uint64(len(data))
	if end <= r.headIndex {
		return nil, index
	}
	if index < r.headIndex {
		skip := r.headIndex - index
		data = data[skip:]
		index = r.headIndex
	}
	limit := r.headIndex + uint64(r.output.RemainingCapacity())
	if index >= limit {
		return nil, index
	}
	if index+uint64(len(data)) > limit {
		data = data[:limit-index]
	}
	return data, index
}

// insertCoalesced merges nb with every pending block it touches or
// overlaps (commutative/associative — order of merge doesn't matter) and
// inserts the result in sorted position.
func (r *Reassembler) insertCoalesced(nb block) {
	merged := nb // lowest priority: overwritten by every existing block it touches
	remaining := r.pending[:0:0]
	for _, b := range r.pending {
		if merged.touchesOrOverlaps(b) {
			merged = merge(b, merged)
		} else {
			remaining = append(remaining, b)
		}
	}
	// Insertion sort by begin; remaining no longer overlaps merged.
	idx := 0
	for idx < len(remaining) && remaining[idx].begin < merged.begin {
		idx++
	}
	out := make([]block, 0, len(remaining)+1)
	out = append(out, remaining[:idx]...)
	out = append(out, merged)
	out = append(out, remaining[idx:]...)
	r.pending = out
}

// flushContiguousPrefix writes as much of the earliest pending block as the
// downstream stream currently accepts, advancing headIndex and retaining any
// remainder as a smaller pending block.
func (r *Reassembler) flushContiguousPrefix() {
	if len(r.pending) == 0 {
		return
	}
	head := r.pending[0]
	if head.begin != r.headIndex {
		return
	}
	n := r.output.Write(head.data)
	r.headIndex += uint64(n)
	if n == len(head.data) {
		r.pending = r.pending[1:]
	} else {
		r.pending[0] = block{begin: r.headIndex, data: head.data[n:]}
	}
}
