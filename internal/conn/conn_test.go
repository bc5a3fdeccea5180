package conn

import (
	"testing"

	"github.com/tinyrange/minitcp/internal/segment"
	"github.com/tinyrange/minitcp/internal/seqnum"
	"github.com/tinyrange/minitcp/internal/tcpconfig"
)

func fixedISNConfig(isn uint32) tcpconfig.TCPConfig {
	cfg := tcpconfig.Default()
	cfg.FixedISN = &isn
	return cfg
}

// exchange drains a's outbound queue and delivers it to b, returning what
// was sent so callers can assert on it.
func exchange(a, b *Connection) []segment.Segment {
	segs := a.DrainSegmentsOut()
	for _, s := range segs {
		b.SegmentReceived(s)
	}
	return segs
}

func TestHandshakeOneByteGracefulClose(t *testing.T) {
	a := New(fixedISNConfig(0))
	b := New(fixedISNConfig(0))

	a.Connect()
	segs := a.DrainSegmentsOut()
	if len(segs) != 1 || !segs[0].Header.SYN || segs[0].Header.SeqNo != seqnum.Value(0) {
		t.Fatalf("expected A's initial SYN(seq=0), got %+v", segs)
	}
	b.SegmentReceived(segs[0])

	segs = b.DrainSegmentsOut()
	if len(segs) != 1 || !segs[0].Header.SYN || !segs[0].Header.ACK || segs[0].Header.AckNo != seqnum.Value(1) {
		t.Fatalf("expected B's SYN|ACK(ack=1), got %+v", segs)
	}
	a.SegmentReceived(segs[0])
	exchange(a, b) // A's pure ACK of B's SYN completes the handshake

	n := a.Write([]byte("x"))
	if n != 1 {
		t.Fatalf("write accepted %d, want 1", n)
	}
	segs = a.DrainSegmentsOut()
	if len(segs) != 1 || string(segs[0].Payload) != "x" || segs[0].Header.SeqNo != seqnum.Value(1) {
		t.Fatalf("expected A's data segment(seq=1, payload=x), got %+v", segs)
	}
	b.SegmentReceived(segs[0])

	a.EndInputStream()
	segs = a.DrainSegmentsOut()
	if len(segs) != 1 || !segs[0].Header.FIN || segs[0].Header.SeqNo != seqnum.Value(2) {
		t.Fatalf("expected A's FIN(seq=2), got %+v", segs)
	}
	b.SegmentReceived(segs[0])

	segs = b.DrainSegmentsOut()
	var sawAck3 bool
	for _, s := range segs {
		if s.Header.ACK && s.Header.AckNo == seqnum.Value(3) {
			sawAck3 = true
		}
	}
	if !sawAck3 {
		t.Fatalf("expected B to ack=3 after A's FIN, got %+v", segs)
	}
	for _, s := range segs {
		a.SegmentReceived(s)
	}

	b.EndInputStream()
	segs = b.DrainSegmentsOut()
	var finSeg segment.Segment
	found := false
	for _, s := range segs {
		if s.Header.FIN {
			finSeg, found = s, true
		}
	}
	if !found {
		t.Fatalf("expected B's FIN among %+v", segs)
	}
	a.SegmentReceived(finSeg)

	segs = a.DrainSegmentsOut()
	var sawAck2 bool
	for _, s := range segs {
		if s.Header.ACK && s.Header.AckNo == seqnum.Value(2) {
			sawAck2 = true
		}
	}
	if !sawAck2 {
		t.Fatalf("expected A to ack=2 after B's FIN, got %+v", segs)
	}
	for _, s := range segs {
		b.SegmentReceived(s)
	}

	for i := 0; i < 100 && a.Active(); i++ {
		a.Tick(100)
	}
	if a.Active() {
		t.Fatalf("expected A inactive after linger expires")
	}

	for i := 0; i < 100 && b.Active(); i++ {
		b.Tick(100)
	}
	if b.Active() {
		t.Fatalf("expected B inactive after its own linger expires")
	}
}

func TestZeroWindowProbingDoesNotIncrementRetxWhileWindowIsZero(t *testing.T) {
	a := New(fixedISNConfig(0))
	b := New(fixedISNConfig(0))
	a.Connect()
	exchange(a, b)
	exchange(b, a)

	a.Write([]byte("xyz"))
	a.DrainSegmentsOut()
	// Peer advertises a zero window on its next ack of the outstanding data;
	// per spec.md §4.5 step 4 this must stop consecutive_retx from growing
	// on every subsequent retransmit timeout, even though the segment keeps
	// being retransmitted.
	zeroWinAck := segment.Segment{Header: segment.Header{ACK: true, AckNo: seqnum.Wrap(1, 0), Win: 0}}
	a.SegmentReceived(zeroWinAck)

	before := a.ConsecutiveRetx()
	for i := 0; i < 5; i++ {
		a.Tick(a.RTO() + 1) // always step exactly past the current timeout
		a.DrainSegmentsOut()
	}
	after := a.ConsecutiveRetx()
	if after != before {
		t.Fatalf("consecutive_retx changed from %d to %d while window is zero", before, after)
	}
}

func TestRetransmissionLimitTriggersRST(t *testing.T) {
	cfg := fixedISNConfig(0)
	a := New(cfg)
	a.Connect()
	a.DrainSegmentsOut()

	rst := false
	for i := 0; i < 20 && a.Active(); i++ {
		a.Tick(a.RTO() + 1) // always step exactly past the current timeout
		for _, s := range a.DrainSegmentsOut() {
			if s.Header.RST {
				rst = true
			}
		}
	}
	if !rst {
		t.Fatalf("expected an RST segment after exceeding max_retx_attempts")
	}
	if a.Active() {
		t.Fatalf("expected connection inactive after abortive close")
	}
}

func TestRSTReceivedInEstablishedDeactivatesWithoutFurtherSegments(t *testing.T) {
	a := New(fixedISNConfig(0))
	b := New(fixedISNConfig(0))
	a.Connect()
	exchange(a, b)
	exchange(b, a)
	a.DrainSegmentsOut() // discard A's handshake ACK, queued before the RST

	rst := segment.Segment{Header: segment.Header{RST: true, ACK: true, SeqNo: seqnum.Wrap(1, 0), AckNo: seqnum.Wrap(1, 0)}}
	a.SegmentReceived(rst)

	if a.Active() {
		t.Fatalf("expected inactive after RST")
	}
	if len(a.DrainSegmentsOut()) != 0 {
		t.Fatalf("expected no further segments enqueued after RST")
	}
}
