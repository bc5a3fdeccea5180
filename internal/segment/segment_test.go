package segment

import (
	"net"
	"testing"

	"github.com/tinyrange/minitcp/internal/seqnum"
)

func TestSerializeParseRoundTrip(t *testing.T) {
	src := net.ParseIP("10.0.0.1")
	dst := net.ParseIP("10.0.0.2")
	s := Segment{
		Header: Header{
			SrcPort: 1234,
			DstPort: 80,
			SeqNo:   seqnum.Value(1000),
			AckNo:   seqnum.Value(2000),
			SYN:     true,
			ACK:     true,
			Win:     65535,
		},
		Payload: []byte("hello world"),
	}
	wire := s.Serialize(src, dst)

	got, err := Parse(wire)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Header != s.Header {
		t.Fatalf("header round-trip mismatch: got %+v, want %+v", got.Header, s.Header)
	}
	if string(got.Payload) != "hello world" {
		t.Fatalf("payload round-trip mismatch: got %q", got.Payload)
	}
}

func TestChecksumValidatesAndDetectsCorruption(t *testing.T) {
	src := net.ParseIP("192.168.1.1")
	dst := net.ParseIP("192.168.1.2")
	s := Segment{Header: Header{SrcPort: 1, DstPort: 2, ACK: true}, Payload: []byte("payload")}
	wire := s.Serialize(src, dst)

	if !VerifyChecksum(wire, src, dst) {
		t.Fatalf("expected valid checksum")
	}
	wire[len(wire)-1] ^= 0xFF
	if VerifyChecksum(wire, src, dst) {
		t.Fatalf("expected checksum to detect corrupted payload")
	}
}

func TestLengthInSequenceSpace(t *testing.T) {
	tests := []struct {
		name string
		seg  Segment
		want uint64
	}{
		{"syn only", Segment{Header: Header{SYN: true}}, 1},
		{"fin only", Segment{Header: Header{FIN: true}}, 1},
		{"syn and fin", Segment{Header: Header{SYN: true, FIN: true}}, 2},
		{"payload only", Segment{Payload: []byte("abcd")}, 4},
		{"syn plus payload", Segment{Header: Header{SYN: true}, Payload: []byte("ab")}, 3},
	}
	for _, tt := range tests {
		if got := tt.seg.LengthInSequenceSpace(); got != tt.want {
			t.Errorf("%s: got %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestParseRejectsTruncatedHeader(t *testing.T) {
	if _, err := Parse(make([]byte, 10)); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestParseIgnoresOptions(t *testing.T) {
	src := net.ParseIP("10.0.0.1")
	dst := net.ParseIP("10.0.0.2")
	s := Segment{Header: Header{ACK: true}, Payload: []byte("x")}
	wire := s.Serialize(src, dst)

	// Splice in 4 bytes of bogus options and bump the data offset nibble.
	withOpts := make([]byte, 0, len(wire)+4)
	withOpts = append(withOpts, wire[:HeaderLen]...)
	withOpts[12] = uint8((HeaderLen+4)/4) << 4
	withOpts = append(withOpts, []byte{0xAA, 0xBB, 0xCC, 0xDD}...)
	withOpts = append(withOpts, wire[HeaderLen:]...)

	got, err := Parse(withOpts)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if string(got.Payload) != "x" {
		t.Fatalf("payload = %q, want x (options should be skipped, not included)", got.Payload)
	}
}
