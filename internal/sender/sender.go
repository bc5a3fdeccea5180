// Package sender implements the TCP sender half: it turns an outbound byte
// stream into a schedule of segments carrying SYN, data, and FIN; tracks
// outstanding bytes; retransmits on timeout with exponential back-off; and
// respects the receiver's advertised window, including zero-window
// probing.
package sender

import (
	"github.com/tinyrange/minitcp/internal/bytestream"
	"github.com/tinyrange/minitcp/internal/segment"
	"github.com/tinyrange/minitcp/internal/seqnum"
)

type outstandingSegment struct {
	absSeqno uint64
	length   uint64
	seg      segment.Segment
}

// Sender owns the outbound byte stream and the retransmission state needed
// to drive it reliably across an unreliable segment channel.
type Sender struct {
	outbound *bytestream.ByteStream
	isn      seqnum.Value

	nextSeqno     uint64
	bytesInFlight uint64
	outstanding   []outstandingSegment
	finSent       bool

	receiverWindowSize uint64 // last window advertised by the peer; 1 before any ACK.

	initialRTO      uint64
	rto             uint64
	timerRunning    bool
	elapsedMs       uint64
	consecutiveRetx int

	segmentsOut []segment.Segment
}

// New creates a Sender with the given outbound stream capacity, ISN, and
// initial retransmission timeout in milliseconds.
func New(sendCapacity int, isn seqnum.Value, initialRTOMs uint64) *Sender {
	return &Sender{
		outbound:           bytestream.New(sendCapacity),
		isn:                isn,
		receiverWindowSize: 1,
		initialRTO:         initialRTOMs,
		rto:                initialRTOMs,
	}
}

// Outbound returns the outbound byte stream the owner writes application
// data into.
func (s *Sender) Outbound() *bytestream.ByteStream { return s.outbound }

// BytesInFlight returns the sum of outstanding segments' sequence-space
// lengths.
func (s *Sender) BytesInFlight() uint64 { return s.bytesInFlight }

// ConsecutiveRetx returns the number of consecutive retransmissions since
// the last successful ack progress.
func (s *Sender) ConsecutiveRetx() int { return s.consecutiveRetx }

// RTO returns the current retransmission timeout in milliseconds.
func (s *Sender) RTO() uint64 { return s.rto }

// NextSeqno returns the absolute next sequence number to be assigned.
func (s *Sender) NextSeqno() uint64 { return s.nextSeqno }

// IsClosed reports the Closed state: no bytes have been sent yet.
func (s *Sender) IsClosed() bool { return s.nextSeqno == 0 }

// IsSynSent reports the SynSent state: the SYN has gone out but nothing,
// including it, has been acked.
func (s *Sender) IsSynSent() bool {
	return s.nextSeqno > 0 && s.bytesInFlight == s.nextSeqno
}

// IsFinSent reports the FinSent state: FIN has been sent but bytes remain
// outstanding.
func (s *Sender) IsFinSent() bool { return s.finSent && s.bytesInFlight > 0 }

// IsFinAcked reports the FinAcked state: outbound EOF reached, FIN sent,
// and nothing remains outstanding.
func (s *Sender) IsFinAcked() bool {
	return s.finSent && s.bytesInFlight == 0
}

// DrainSegmentsOut returns and clears the pending outbound segment queue.
func (s *Sender) DrainSegmentsOut() []segment.Segment {
	out := s.segmentsOut
	s.segmentsOut = nil
	return out
}

func (s *Sender) windowBudget() uint64 {
	w := s.receiverWindowSize
	if w == 0 {
		w = 1 // zero-window probing: treat as a one-byte window.
	}
	if w <= s.bytesInFlight {
		return 0
	}
	return w - s.bytesInFlight
}

// FillWindow implements spec.md §4.5's fill_window algorithm.
func (s *Sender) FillWindow() {
	if s.IsClosed() {
		s.sendSegment(segment.Segment{Header: segment.Header{SYN: true}})
		return
	}

	for {
		free := s.windowBudget()
		if free == 0 {
			return
		}

		payloadLen := free
		if payloadLen > segment.MaxPayloadSize {
			payloadLen = segment.MaxPayloadSize
		}
		if bufSize := uint64(s.outbound.BufferSize()); payloadLen > bufSize {
			payloadLen = bufSize
		}
		payload := s.outbound.Read(int(payloadLen))

		seg := segment.Segment{Payload: payload}
		if s.outbound.EOF() && !s.finSent && uint64(len(payload)) < free {
			seg.Header.FIN = true
		}

		if seg.LengthInSequenceSpace() == 0 {
			return
		}
		s.sendSegment(seg)
	}
}

func (s *Sender) sendSegment(seg segment.Segment) {
	seg.Header.SeqNo = seqnum.Wrap(s.nextSeqno, s.isn)
	length := seg.LengthInSequenceSpace()

	s.segmentsOut = append(s.segmentsOut, seg)
	s.outstanding = append(s.outstanding, outstandingSegment{
		absSeqno: s.nextSeqno,
		length:   length,
		seg:      seg,
	})

	s.nextSeqno += length
	s.bytesInFlight += length
	if seg.Header.FIN {
		s.finSent = true
	}

	if !s.timerRunning {
		s.timerRunning = true
		s.elapsedMs = 0
	}
}

// AckReceived implements spec.md §4.5's ack_received. It returns false if
// the ack is invalid (acks beyond what's been sent, or before the earliest
// outstanding segment).
func (s *Sender) AckReceived(ackno seqnum.Value, windowSize uint16) bool {
	absAckno := seqnum.Unwrap(ackno, s.isn, s.nextSeqno)
	if absAckno > s.nextSeqno {
		return false
	}
	if len(s.outstanding) > 0 && absAckno < s.outstanding[0].absSeqno {
		return false
	}

	s.receiverWindowSize = uint64(windowSize)

	dropped := false
	for len(s.outstanding) > 0 {
		o := s.outstanding[0]
		if absAckno < o.absSeqno+o.length {
			break
		}
		s.outstanding = s.outstanding[1:]
		s.bytesInFlight -= o.length
		dropped = true
	}

	if dropped {
		s.rto = s.initialRTO
		s.consecutiveRetx = 0
		if len(s.outstanding) > 0 {
			s.timerRunning = true
			s.elapsedMs = 0
		} else {
			s.timerRunning = false
		}
	}

	s.FillWindow()
	return true
}

// Tick implements spec.md §4.5's tick: advances the retransmission timer
// and retransmits the earliest outstanding segment on expiry, doubling the
// RTO unless the peer is offering a zero window (in which case a
// zero-window probe is not penalized, except a SYN retransmit always is).
func (s *Sender) Tick(msSinceLastTick uint64) {
	if !s.timerRunning {
		return
	}
	s.elapsedMs += msSinceLastTick
	if s.elapsedMs < s.rto {
		return
	}
	if len(s.outstanding) == 0 {
		s.timerRunning = false
		return
	}

	earliest := s.outstanding[0].seg
	s.segmentsOut = append(s.segmentsOut, earliest)

	if s.receiverWindowSize > 0 || earliest.Header.SYN {
		s.consecutiveRetx++
		s.rto *= 2
	}
	s.elapsedMs = 0
}

// SendEmptySegment produces a zero-length segment stamped with the current
// next_seqno and enqueues it on segments_out without tracking it as
// outstanding. Used by the connection to emit pure ACKs or RSTs.
func (s *Sender) SendEmptySegment() {
	seg := segment.Segment{Header: segment.Header{SeqNo: seqnum.Wrap(s.nextSeqno, s.isn)}}
	s.segmentsOut = append(s.segmentsOut, seg)
}
