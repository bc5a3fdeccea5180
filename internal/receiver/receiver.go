// Package receiver implements the TCP receiver half: it parses incoming
// segments, converts 32-bit wrapping sequence numbers to 64-bit absolute
// indices relative to a captured Initial Sequence Number, feeds payload to
// a stream reassembler, and publishes the next expected ackno and
// advertised window.
package receiver

import (
	"math"

	"github.com/tinyrange/minitcp/internal/reassembler"
	"github.com/tinyrange/minitcp/internal/segment"
	"github.com/tinyrange/minitcp/internal/seqnum"
)

// Receiver owns a reassembler, the captured ISN, and derives its lifecycle
// state (Listen, SynRcvd, FinRcvd) from that state rather than storing it.
type Receiver struct {
	reassembler *reassembler.Reassembler
	isnSet      bool
	isn         seqnum.Value
}

// New creates a Receiver whose downstream inbound stream has the given
// capacity.
func New(capacity int) *Receiver {
	return &Receiver{reassembler: reassembler.New(capacity)}
}

// Inbound returns the reassembled inbound byte stream.
func (r *Receiver) Inbound() *reassembler.Reassembler { return r.reassembler }

// headIndex is the reassembler's next-undelivered absolute index, used as
// the unwrap checkpoint (spec.md §4.4).
func (r *Receiver) headIndex() uint64 { return r.reassembler.HeadIndex() }

// fullyReceived reports whether eof_flag is set and the reassembler holds
// no pending bytes — i.e. the FIN has been fully folded into head_index.
func (r *Receiver) fullyReceived() bool {
	return r.reassembler.EOFFlag() && r.reassembler.IsEmpty()
}

// SegmentReceived implements spec.md §4.4's segment_received operation. It
// returns whether the segment was "acceptable": any of its sequence-space
// bytes lie within [ackno, ackno+window), a caller should otherwise
// consider forcing an empty ACK.
func (r *Receiver) SegmentReceived(seg segment.Segment) (acceptable bool) {
	h := seg.Header

	if h.SYN && !r.isnSet {
		// First SYN: latch the ISN and transition out of Listen. A later
		// SYN is ignored for this purpose (the ISN is never re-latched).
		r.isn = h.SeqNo
		r.isnSet = true
	}

	if !r.isnSet {
		// No SYN seen yet and this segment isn't one: silently dropped.
		return false
	}

	checkpoint := r.headIndex()
	abs := seqnum.Unwrap(h.SeqNo, r.isn, checkpoint)

	var payloadIndex uint64
	if h.SYN {
		// abs - 1 + 1 == abs: the SYN itself occupies data-stream index 0.
		payloadIndex = abs
	} else {
		if abs == 0 {
			// A non-SYN segment claiming the SYN's own sequence slot
			// precedes where data can start; drop silently.
			return r.acceptabilityFor(seg)
		}
		payloadIndex = abs - 1
	}

	acceptable = r.acceptabilityFor(seg)
	r.reassembler.PushSubstring(seg.Payload, payloadIndex, h.FIN)
	return acceptable
}

// acceptabilityFor reports whether any byte of the segment's sequence space
// (including SYN/FIN's own sequence-number slots) falls within
// [ackno, ackno+window). A segment before ISN capture is never acceptable.
func (r *Receiver) acceptabilityFor(seg segment.Segment) bool {
	ackno, ok := r.Ackno()
	if !ok {
		return false
	}
	win := uint64(r.WindowSize())
	if win == 0 {
		win = 1 // a zero window still accepts a single probing byte.
	}
	lo := seqnum.Unwrap(ackno, r.isn, r.headIndex())
	segLen := seg.LengthInSequenceSpace()
	if segLen == 0 {
		segLen = 1 // keep-alives occupy one notional sequence slot.
	}
	segStart := seqnum.Unwrap(seg.Header.SeqNo, r.isn, r.headIndex())
	segEnd := segStart + segLen
	hi := lo + win
	return segStart < hi && segEnd > lo
}

// Ackno returns the next expected sequence number, or false while still in
// Listen (no SYN captured yet).
func (r *Receiver) Ackno() (seqnum.Value, bool) {
	if !r.isnSet {
		return 0, false
	}
	n := r.headIndex() + 1
	if r.fullyReceived() {
		n++
	}
	return seqnum.Wrap(n, r.isn), true
}

// WindowSize returns the reassembler's downstream remaining capacity,
// clamped to fit in 16 bits.
func (r *Receiver) WindowSize() uint16 {
	room := r.reassembler.Output().RemainingCapacity()
	if room > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(room)
}
