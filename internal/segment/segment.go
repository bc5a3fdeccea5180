// Package segment implements the TCP segment contract the core reads and
// writes (spec.md §6) and its wire-format serialization: a 20-byte RFC 793
// header (options are skipped, never acted on) plus payload, with a
// checksum computed over the IPv4 pseudo-header the standard way UDP/TCP
// checksums are.
package segment

import (
	"encoding/binary"
	"errors"
	"net"

	"github.com/tinyrange/minitcp/internal/seqnum"
)

// Flag bits within the 6-bit flags field of the TCP header.
const (
	FlagFIN uint8 = 0x01
	FlagSYN uint8 = 0x02
	FlagRST uint8 = 0x04
	FlagPSH uint8 = 0x08
	FlagACK uint8 = 0x10
	FlagURG uint8 = 0x20
)

// tcpProtocolNumber is the IPv4 protocol number for TCP, used in the
// pseudo-header checksum.
const tcpProtocolNumber = 6

// HeaderLen is the fixed 20-byte base TCP header length; options, if
// present, extend it and are skipped without interpretation.
const HeaderLen = 20

// MaxPayloadSize is the maximum segment size excluding options (MSS).
const MaxPayloadSize = 1452

// Header is the mutable part of a segment the core reads and writes.
type Header struct {
	SrcPort uint16
	DstPort uint16
	SeqNo   seqnum.Value
	AckNo   seqnum.Value
	SYN     bool
	ACK     bool
	RST     bool
	FIN     bool
	PSH     bool
	URG     bool
	Win     uint16
}

// Segment pairs a Header with its immutable payload byte view.
type Segment struct {
	Header  Header
	Payload []byte
}

// LengthInSequenceSpace returns payload length plus one for each of SYN and
// FIN, matching spec.md's length_in_sequence_space(seg).
func (s Segment) LengthInSequenceSpace() uint64 {
	n := uint64(len(s.Payload))
	if s.Header.SYN {
		n++
	}
	if s.Header.FIN {
		n++
	}
	return n
}

var ErrTruncated = errors.New("segment: truncated TCP header")

// Parse decodes a wire-format TCP segment (header plus trailing payload).
// The data-offset field governs how many bytes of header+options to skip;
// option contents are never interpreted, matching the "ignore options"
// non-goal.
func Parse(data []byte) (Segment, error) {
	if len(data) < HeaderLen {
		return Segment{}, ErrTruncated
	}
	dataOffset := int(data[12]>>4) * 4
	if dataOffset < HeaderLen || dataOffset > len(data) {
		return Segment{}, ErrTruncated
	}
	flags := data[13]
	h := Header{
		SrcPort: binary.BigEndian.Uint16(data[0:2]),
		DstPort: binary.BigEndian.Uint16(data[2:4]),
		SeqNo:   seqnum.Value(binary.BigEndian.Uint32(data[4:8])),
		AckNo:   seqnum.Value(binary.BigEndian.Uint32(data[8:12])),
		FIN:     flags&FlagFIN != 0,
		SYN:     flags&FlagSYN != 0,
		RST:     flags&FlagRST != 0,
		PSH:     flags&FlagPSH != 0,
		ACK:     flags&FlagACK != 0,
		URG:     flags&FlagURG != 0,
		Win:     binary.BigEndian.Uint16(data[14:16]),
	}
	payload := append([]byte(nil), data[dataOffset:]...)
	return Segment{Header: h, Payload: payload}, nil
}

// Serialize encodes the segment as a 20-byte header (no options emitted)
// followed by payload, with the checksum computed over the IPv4
// pseudo-header built from src/dst.
func (s Segment) Serialize(src, dst net.IP) []byte {
	out := make([]byte, HeaderLen+len(s.Payload))
	binary.BigEndian.PutUint16(out[0:2], s.Header.SrcPort)
	binary.BigEndian.PutUint16(out[2:4], s.Header.DstPort)
	binary.BigEndian.PutUint32(out[4:8], uint32(s.Header.SeqNo))
	binary.BigEndian.PutUint32(out[8:12], uint32(s.Header.AckNo))
	out[12] = uint8(HeaderLen/4) << 4

	var flags uint8
	if s.Header.FIN {
		flags |= FlagFIN
	}
	if s.Header.SYN {
		flags |= FlagSYN
	}
	if s.Header.RST {
		flags |= FlagRST
	}
	if s.Header.PSH {
		flags |= FlagPSH
	}
	if s.Header.ACK {
		flags |= FlagACK
	}
	if s.Header.URG {
		flags |= FlagURG
	}
	out[13] = flags
	binary.BigEndian.PutUint16(out[14:16], s.Header.Win)
	binary.BigEndian.PutUint16(out[16:18], 0) // checksum, filled below
	binary.BigEndian.PutUint16(out[18:20], 0) // urgent pointer, unused

	copy(out[HeaderLen:], s.Payload)

	check := tcpChecksum(src, dst, out)
	binary.BigEndian.PutUint16(out[16:18], check)
	return out
}

// pseudoHeaderChecksum computes the IPv4 pseudo-header contribution that
// gets folded into the TCP checksum: src/dst address, protocol, and
// segment length (header+payload).
//
// Callers must pass 4-byte (IPv4) addresses; no validation is done here.
func pseudoHeaderChecksum(src, dst net.IP, protocol uint8, length int) uint32 {
	sum := uint32(0)
	srcb := src.To4()
	dstb := dst.To4()
	sum += uint32(binary.BigEndian.Uint16(srcb[0:2]))
	sum += uint32(binary.BigEndian.Uint16(srcb[2:4]))
	sum += uint32(binary.BigEndian.Uint16(dstb[0:2]))
	sum += uint32(binary.BigEndian.Uint16(dstb[2:4]))
	sum += uint32(protocol)
	sum += uint32(length)
	return sum
}

func checksumWithInitial(data []byte, initial uint32) uint16 {
	sum := initial
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for (sum >> 16) != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

func tcpChecksum(src, dst net.IP, segmentBytes []byte) uint16 {
	ps := pseudoHeaderChecksum(src, dst, tcpProtocolNumber, len(segmentBytes))
	return checksumWithInitial(segmentBytes, ps)
}

// VerifyChecksum reports whether the wire-format segment's checksum field
// is consistent with its contents under the given src/dst pseudo-header.
func VerifyChecksum(data []byte, src, dst net.IP) bool {
	if len(data) < HeaderLen {
		return false
	}
	cp := append([]byte(nil), data...)
	binary.BigEndian.PutUint16(cp[16:18], 0)
	return tcpChecksum(src, dst, cp) == binary.BigEndian.Uint16(data[16:18])
}
