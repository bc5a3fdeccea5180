// Package tundevice bridges a connection's segments to a raw IPv4-framed
// TUN interface: read raw frames off a fd, hand them to the stack, and vice
// versa, carrying our own TCP segments instead of Ethernet frames.
//
// Segment wire encoding and IPv4 header parsing/emission are named in
// spec.md §1 as external collaborators; this package is that collaborator
// for the TUN case specifically.
package tundevice

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"

	"github.com/tinyrange/minitcp/internal/conn"
	"github.com/tinyrange/minitcp/internal/segment"
)

// Config describes the TUN device to allocate.
type Config struct {
	// Name requests a specific interface name (e.g. "tun0"); the kernel
	// may assign a different name if empty or already taken, reported
	// back via Device.Name.
	Name string
	// MTU is the interface's maximum transmission unit; zero leaves the
	// kernel default in place.
	MTU int
}

// Device is an open TUN interface exchanging raw IPv4 datagrams (no
// link-layer framing: opened with IFF_NO_PI/IFF_TUN).
type Device struct {
	file *os.File
	name string
}

// Name returns the kernel-assigned interface name.
func (d *Device) Name() string { return d.name }

// ReadDatagram reads one raw IPv4 datagram into buf, returning the number
// of bytes read.
func (d *Device) ReadDatagram(buf []byte) (int, error) {
	return d.file.Read(buf)
}

// WriteDatagram writes one raw IPv4 datagram.
func (d *Device) WriteDatagram(datagram []byte) error {
	_, err := d.file.Write(datagram)
	return err
}

// Close releases the underlying file descriptor.
func (d *Device) Close() error { return d.file.Close() }

// Pump demultiplexes IPv4 datagrams carrying TCP (protocol 6) to and from a
// single Connection's segment queue. It does not touch the Device directly
// so its framing logic is testable without a real kernel interface.
type Pump struct {
	Local, Remote net.IP
}

// ErrNotTCP is returned by HandleDatagram for any IPv4 datagram whose
// protocol field is not 6 (TCP); the caller should silently drop it, the
// same way a real netstack demuxes by protocol number before this module
// ever sees a packet.
var ErrNotTCP = fmt.Errorf("tundevice: not a TCP/IPv4 datagram")

const ipv4HeaderLen = 20
const ipv4ProtocolTCP = 6

// HandleDatagram parses an inbound IPv4 datagram, verifies it is addressed
// to p.Local from p.Remote, and if so delivers its embedded TCP segment to
// c.SegmentReceived. Anything else (non-IPv4, non-TCP, wrong address pair,
// bad checksum) is reported as an error for the caller to log and drop;
// the connection itself is never told about it.
func (p *Pump) HandleDatagram(c *conn.Connection, datagram []byte) error {
	if len(datagram) < ipv4HeaderLen {
		return fmt.Errorf("tundevice: datagram too short (%d bytes)", len(datagram))
	}
	version := datagram[0] >> 4
	if version != 4 {
		return fmt.Errorf("tundevice: unsupported IP version %d", version)
	}
	ihl := int(datagram[0]&0x0f) * 4
	if ihl < ipv4HeaderLen || ihl > len(datagram) {
		return fmt.Errorf("tundevice: invalid IHL %d", ihl)
	}
	if datagram[9] != ipv4ProtocolTCP {
		return ErrNotTCP
	}
	src := net.IP(datagram[12:16])
	dst := net.IP(datagram[16:20])
	if !src.Equal(p.Remote) || !dst.Equal(p.Local) {
		return fmt.Errorf("tundevice: datagram %s->%s does not match connection %s->%s", src, dst, p.Remote, p.Local)
	}
	if !segment.VerifyChecksum(datagram[ihl:], src, dst) {
		return fmt.Errorf("tundevice: bad TCP checksum")
	}
	seg, err := segment.Parse(datagram[ihl:])
	if err != nil {
		return fmt.Errorf("tundevice: parse segment: %w", err)
	}
	c.SegmentReceived(seg)
	return nil
}

// DrainDatagrams serializes every segment currently queued on c and wraps
// each in a minimal, non-fragmented IPv4 header addressed from p.Local to
// p.Remote, ready to be written to the Device.
func (p *Pump) DrainDatagrams(c *conn.Connection) [][]byte {
	segs := c.DrainSegmentsOut()
	out := make([][]byte, 0, len(segs))
	for _, seg := range segs {
		tcpBytes := seg.Serialize(p.Local, p.Remote)
		out = append(out, wrapIPv4(p.Local, p.Remote, tcpBytes))
	}
	return out
}

// wrapIPv4 builds a minimal, non-fragmented IPv4 header (no options)
// around payload, matching internal/pcap's capture framing so a tundevice
// transcript and a pcap capture of the same traffic are byte-identical.
func wrapIPv4(src, dst net.IP, payload []byte) []byte {
	out := make([]byte, ipv4HeaderLen+len(payload))
	out[0] = 0x45 // version 4, header length 5 words
	totalLen := uint16(len(out))
	binary.BigEndian.PutUint16(out[2:4], totalLen)
	out[8] = 64 // TTL
	out[9] = ipv4ProtocolTCP
	copy(out[12:16], src.To4())
	copy(out[16:20], dst.To4())

	checksum := ipv4HeaderChecksum(out[:ipv4HeaderLen])
	binary.BigEndian.PutUint16(out[10:12], checksum)

	copy(out[ipv4HeaderLen:], payload)
	return out
}

func ipv4HeaderChecksum(header []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(header); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(header[i : i+2]))
	}
	for (sum >> 16) != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
