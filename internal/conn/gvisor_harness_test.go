// gvisor_harness_test.go builds an interop test harness: a real gVisor
// tcpip.Stack joined to our own stack over a loopback channel.Endpoint. The
// endpoint carries bare IPv4 datagrams with no Ethernet or ARP framing,
// since neither this module nor its tundevice pump ever speaks link layer.
package conn

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/tinyrange/minitcp/internal/tundevice"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
)

const gvisorNICID tcpip.NICID = 1

var (
	hostIPv4  = net.IPv4(10, 42, 0, 1).To4()
	guestIPv4 = net.IPv4(10, 42, 0, 2).To4()
)

func mustAddrFrom4(ip net.IP) tcpip.Address {
	var b [4]byte
	copy(b[:], ip.To4())
	return tcpip.AddrFrom4(b)
}

// gvisorHarness pairs a Connection (the host side, listening passively) with
// a gVisor tcpip.Stack (the guest side, dialing out) across a loopback
// channel.Endpoint. Connection has no internal locking (spec.md §5 leaves
// that to the owning runtime), so every access below goes through mu, the
// same discipline cmd/mtcp's session type uses across its TUN-reader and
// stdin-reader goroutines.
type gvisorHarness struct {
	t testing.TB

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	conn *Connection
	pump *tundevice.Pump

	gs *stack.Stack
	ch *channel.Endpoint
}

func newGvisorHarness(tb testing.TB) *gvisorHarness {
	tb.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	h := &gvisorHarness{
		t:      tb,
		ctx:    ctx,
		cancel: cancel,
		conn:   New(fixedISNConfig(0)),
		pump:   &tundevice.Pump{Local: hostIPv4, Remote: guestIPv4},
	}

	h.ch = channel.New(256, header.IPv4MinimumSize+2048, "")
	h.gs = stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol},
	})
	if err := h.gs.CreateNIC(gvisorNICID, h.ch); err != nil {
		tb.Fatalf("gvisor CreateNIC: %v", err)
	}
	if err := h.gs.AddProtocolAddress(gvisorNICID, tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   mustAddrFrom4(guestIPv4),
			PrefixLen: 24,
		},
	}, stack.AddressProperties{}); err != nil {
		tb.Fatalf("gvisor AddProtocolAddress: %v", err)
	}
	h.gs.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: gvisorNICID},
	})

	go h.pumpGuestToHost()
	go h.pumpTicks()

	tb.Cleanup(func() {
		h.cancel()
		h.ch.Close()
	})
	return h
}

// pumpGuestToHost delivers every datagram gVisor emits to conn, then flushes
// whatever that produced straight back to gVisor.
func (h *gvisorHarness) pumpGuestToHost() {
	for {
		pkt := h.ch.ReadContext(h.ctx)
		if pkt == nil {
			return
		}
		datagram := append([]byte(nil), pkt.ToView().AsSlice()...)
		pkt.DecRef()

		h.mu.Lock()
		if err := h.pump.HandleDatagram(h.conn, datagram); err != nil {
			h.t.Logf("host dropped datagram: %v", err)
		}
		h.flushLocked()
		h.mu.Unlock()
	}
}

// pumpTicks drives conn's retransmission timer so segments the host owes
// gVisor (retransmits, delayed empty ACKs) go out even absent fresh inbound
// traffic to piggyback the flush on.
func (h *gvisorHarness) pumpTicks() {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.mu.Lock()
			h.conn.Tick(5)
			h.flushLocked()
			h.mu.Unlock()
		}
	}
}

// flushLocked must be called with mu held.
func (h *gvisorHarness) flushLocked() {
	for _, datagram := range h.pump.DrainDatagrams(h.conn) {
		pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
			Payload: buffer.MakeWithData(datagram),
		})
		h.ch.InjectInbound(ipv4.ProtocolNumber, pkt)
		pkt.DecRef()
	}
}

func (h *gvisorHarness) dialTCP(port uint16) (net.Conn, error) {
	return gonet.DialTCP(h.gs, tcpip.FullAddress{
		NIC:  gvisorNICID,
		Addr: mustAddrFrom4(hostIPv4),
		Port: port,
	}, ipv4.ProtocolNumber)
}

func (h *gvisorHarness) bytesInFlight() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn.BytesInFlight()
}

func (h *gvisorHarness) active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn.Active()
}

func (h *gvisorHarness) write(data []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.conn.Write(data)
	h.flushLocked()
	return n
}

func (h *gvisorHarness) endInput() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conn.EndInputStream()
	h.flushLocked()
}

func (h *gvisorHarness) readInbound(n int) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn.Inbound().Read(n)
}

// awaitCondition polls cond every 5ms until it reports true or timeout
// elapses, failing the test on timeout.
func awaitCondition(tb testing.TB, timeout time.Duration, cond func() bool) {
	tb.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	tb.Fatalf("timeout waiting for condition")
}
