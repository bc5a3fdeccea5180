package pcap

import (
	"net"

	"github.com/tinyrange/minitcp/internal/segment"
)

// SegmentCapture wraps a Writer already initialized with WriteFileHeader
// (LinkTypeRaw) and records the wire form of segments a Connection
// produces or consumes, wrapped in a minimal IPv4 header so the capture
// opens cleanly in tools that expect raw IP datagrams.
type SegmentCapture struct {
	w        *Writer
	src, dst net.IP
}

// NewSegmentCapture returns a SegmentCapture that serializes segments
// exchanged between src and dst into w.
func NewSegmentCapture(w *Writer, src, dst net.IP) *SegmentCapture {
	return &SegmentCapture{w: w, src: src, dst: dst}
}

// WriteSegment serializes seg (TCP header + payload), wraps it in a minimal
// IPv4 header, and appends it as one pcap record.
func (c *SegmentCapture) WriteSegment(ci CaptureInfo, seg segment.Segment) error {
	tcpBytes := seg.Serialize(c.src, c.dst)
	datagram := wrapIPv4(c.src, c.dst, tcpBytes)

	if ci.Length == 0 {
		ci.Length = len(datagram)
	}
	if ci.CaptureLength == 0 {
		ci.CaptureLength = len(datagram)
	}
	return c.w.WritePacket(ci, datagram)
}

const ipv4ProtocolTCP = 6

// wrapIPv4 builds a minimal, non-fragmented IPv4 header (no options) around
// payload, computing the header checksum per RFC 791.
func wrapIPv4(src, dst net.IP, payload []byte) []byte {
	const ipHeaderLen = 20
	out := make([]byte, ipHeaderLen+len(payload))

	out[0] = 0x45 // version 4, header length 5 words
	out[1] = 0
	totalLen := uint16(len(out))
	out[2] = byte(totalLen >> 8)
	out[3] = byte(totalLen)
	// id, flags/fragment offset left zero: single, non-fragmented datagram.
	out[8] = 64 // TTL
	out[9] = ipv4ProtocolTCP
	copy(out[12:16], src.To4())
	copy(out[16:20], dst.To4())

	checksum := ipv4HeaderChecksum(out[:ipHeaderLen])
	out[10] = byte(checksum >> 8)
	out[11] = byte(checksum)

	copy(out[ipHeaderLen:], payload)
	return out
}

func ipv4HeaderChecksum(header []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(header); i += 2 {
		sum += uint32(header[i])<<8 | uint32(header[i+1])
	}
	for (sum >> 16) != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
