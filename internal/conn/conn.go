// Package conn wires a sender, a receiver, and a one-shot tear-down policy
// into the TCP connection state machine (spec.md §4.6): the component
// every external event (segment_received, write, end_input, tick) passes
// through, and the sole producer of outbound segments.
package conn

import (
	"math/rand"

	"github.com/tinyrange/minitcp/internal/receiver"
	"github.com/tinyrange/minitcp/internal/segment"
	"github.com/tinyrange/minitcp/internal/sender"
	"github.com/tinyrange/minitcp/internal/seqnum"
	"github.com/tinyrange/minitcp/internal/tcpconfig"
)

// Connection owns a Sender and a Receiver and drives both from the five
// external events an owning runtime calls.
type Connection struct {
	cfg tcpconfig.TCPConfig

	sender   *sender.Sender
	receiver *receiver.Receiver

	active                 bool
	linger                 bool
	msSinceLastSegmentRecv uint64

	segmentsOut []segment.Segment
}

// New constructs a live Connection: sender and receiver exist immediately
// (Listen/Closed state) so that an incoming SYN can be processed for a
// passive open even before Connect is ever called.
func New(cfg tcpconfig.TCPConfig) *Connection {
	cfg.ApplyDefaults()
	c := &Connection{cfg: cfg, active: true, linger: true}
	c.sender = sender.New(cfg.SendCapacity, c.isn(), cfg.TimeoutDefault)
	c.receiver = receiver.New(cfg.RecvCapacity)
	return c
}

func (c *Connection) isn() seqnum.Value {
	if c.cfg.FixedISN != nil {
		return seqnum.Value(*c.cfg.FixedISN)
	}
	return seqnum.Value(rand.Uint32())
}

// Connect performs an active open, emitting the initial SYN.
func (c *Connection) Connect() {
	c.sender.FillWindow()
	c.stampAndEnqueue(c.sender.DrainSegmentsOut())
}

// Active reports whether the connection still expects to send or receive
// segments.
func (c *Connection) Active() bool { return c.active }

// InboundStream exposes the reassembled inbound stream's Read/EOF surface
// for the owner's application-facing code.
type InboundStream interface {
	Read(n int) []byte
	EOF() bool
}

// Inbound returns the reassembled inbound byte stream.
func (c *Connection) Inbound() InboundStream { return c.receiver.Inbound().Output() }

// Write submits outbound application data, returning the number of bytes
// accepted by the outbound stream, and drains any segments this produces.
func (c *Connection) Write(data []byte) int {
	n := c.sender.Outbound().Write(data)
	c.sender.FillWindow()
	c.stampAndEnqueue(c.sender.DrainSegmentsOut())
	return n
}

// EndInputStream signals that no more outbound application data will
// arrive, allowing the sender to append and send FIN once prior bytes are
// drained.
func (c *Connection) EndInputStream() {
	c.sender.Outbound().EndInput()
	c.sender.FillWindow()
	c.stampAndEnqueue(c.sender.DrainSegmentsOut())
}

// BytesInFlight returns the sender's unacknowledged sequence-space bytes.
func (c *Connection) BytesInFlight() uint64 { return c.sender.BytesInFlight() }

// UnassembledBytes returns the receiver's pending out-of-order byte count.
func (c *Connection) UnassembledBytes() int { return c.receiver.Inbound().UnassembledBytes() }

// MsSinceLastSegmentReceived returns the connection's idle timer value.
func (c *Connection) MsSinceLastSegmentReceived() uint64 { return c.msSinceLastSegmentRecv }

// ConsecutiveRetx exposes the sender's retransmission counter, for metrics.
func (c *Connection) ConsecutiveRetx() int { return c.sender.ConsecutiveRetx() }

// RTO exposes the sender's current retransmission timeout, for metrics.
func (c *Connection) RTO() uint64 { return c.sender.RTO() }

// DrainSegmentsOut returns and clears the connection's outbound segment
// queue, in FIFO order.
func (c *Connection) DrainSegmentsOut() []segment.Segment {
	out := c.segmentsOut
	c.segmentsOut = nil
	return out
}

// SegmentReceived implements spec.md §4.6's segment_received policy; the
// step numbers in comments below mirror that section exactly.
func (c *Connection) SegmentReceived(seg segment.Segment) {
	if !c.active { // step 1
		return
	}
	c.msSinceLastSegmentRecv = 0 // step 2

	h := seg.Header

	if c.sender.IsSynSent() && h.ACK && len(seg.Payload) > 0 { // step 3
		return
	}

	needsEmptyAck := false

	if h.ACK { // step 4
		if !c.sender.AckReceived(h.AckNo, h.Win) {
			needsEmptyAck = true
		}
	}

	if acceptable := c.receiver.SegmentReceived(seg); !acceptable { // step 5
		needsEmptyAck = true
	}

	if h.SYN && c.sender.IsClosed() { // step 6: passive-open response
		c.sender.FillWindow()
	}

	if h.RST { // step 7
		if c.sender.IsSynSent() && !h.ACK {
			return
		}
		c.uncleanShutdown(false)
		return
	}

	if seg.LengthInSequenceSpace() > 0 { // step 8
		needsEmptyAck = true
	}

	c.sender.FillWindow()
	c.finishSegmentReceived(needsEmptyAck) // steps 9-10
}

// finishSegmentReceived implements steps 9-10 of spec.md §4.6: emit a
// forced empty ACK if something was remembered and nothing was otherwise
// produced, then stamp every outgoing segment with ack/ackno/window.
func (c *Connection) finishSegmentReceived(needsEmptyAck bool) {
	segs := c.sender.DrainSegmentsOut()
	if needsEmptyAck && len(segs) == 0 {
		c.sender.SendEmptySegment()
		segs = c.sender.DrainSegmentsOut()
	}
	c.stampAndEnqueue(segs)
}

// stampAndEnqueue fills in ack/ack_no/win from the receiver (when it has an
// ackno to offer) on every segment before placing it on segments_out.
func (c *Connection) stampAndEnqueue(segs []segment.Segment) {
	ackno, haveAckno := c.receiver.Ackno()
	for _, seg := range segs {
		if haveAckno {
			seg.Header.ACK = true
			seg.Header.AckNo = ackno
			seg.Header.Win = c.receiver.WindowSize()
		}
		c.segmentsOut = append(c.segmentsOut, seg)
	}
}

// Tick implements spec.md §4.6's tick.
func (c *Connection) Tick(ms uint64) {
	if !c.active { // step 1
		return
	}
	c.msSinceLastSegmentRecv += ms // step 2
	c.sender.Tick(ms)

	sendRST := c.sender.ConsecutiveRetx() > c.cfg.MaxRetxAttempts // step 3

	segs := c.sender.DrainSegmentsOut() // step 4
	if sendRST {
		if len(segs) == 0 {
			c.sender.SendEmptySegment()
			segs = c.sender.DrainSegmentsOut()
		}
		for i := range segs {
			segs[i].Header.RST = true
		}
		c.stampAndEnqueue(segs)
		c.markErroredAndInactive()
		return
	}
	c.stampAndEnqueue(segs)

	c.reevaluateShutdown() // step 5
}

// reevaluateShutdown implements spec.md §4.6's clean-shutdown predicate.
func (c *Connection) reevaluateShutdown() {
	inboundEnded := c.receiver.Inbound().Output().InputEnded()
	outboundEOF := c.sender.Outbound().EOF()

	if inboundEnded && !outboundEOF {
		c.linger = false
	}

	if outboundEOF && c.sender.BytesInFlight() == 0 && inboundEnded {
		if !c.linger || c.msSinceLastSegmentRecv >= 10*c.cfg.TimeoutDefault {
			c.active = false
		}
	}
}

// uncleanShutdown implements spec.md §4.6's unclean-shutdown policy: mark
// both streams' error flag, deactivate, and optionally ensure an RST is
// enqueued.
func (c *Connection) uncleanShutdown(sendRST bool) {
	c.markErroredAndInactive()
	if sendRST {
		c.sender.SendEmptySegment()
		segs := c.sender.DrainSegmentsOut()
		for i := range segs {
			segs[i].Header.RST = true
		}
		c.stampAndEnqueue(segs)
	}
}

// markErroredAndInactive sets both streams' sticky error flag and
// deactivates the connection. It does not itself enqueue a segment.
func (c *Connection) markErroredAndInactive() {
	c.sender.Outbound().SetError()
	c.receiver.Inbound().Output().SetError()
	c.active = false
}

// Close implements spec.md §4.6's destructor policy: if still active,
// perform an unclean shutdown with RST. Owners that hold a Connection past
// its useful life should call this exactly once.
func (c *Connection) Close() {
	if c.active {
		c.uncleanShutdown(true)
	}
}
