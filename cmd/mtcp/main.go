// Command mtcp is a small demo CLI over this module's TCP core: it opens a
// TUN device, wires it to a conn.Connection via internal/tundevice, and
// drives the connection's write/read/tick surface from the terminal or from
// a scripted HTTP GET: stdlib flag for argument parsing, log/slog for
// diagnostics, errors.As for a typed exit code.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/minitcp/internal/conn"
	"github.com/tinyrange/minitcp/internal/pcap"
	"github.com/tinyrange/minitcp/internal/segment"
	"github.com/tinyrange/minitcp/internal/tcpconfig"
	"github.com/tinyrange/minitcp/internal/tundevice"
)

func main() {
	if err := run(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintf(os.Stderr, "mtcp: %v\n", err)
		os.Exit(1)
	}
}

// exitError carries a process exit code through an otherwise ordinary error
// return.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func run() error {
	if len(os.Args) < 2 {
		usage()
		return &exitError{code: 2, err: fmt.Errorf("missing subcommand")}
	}

	sub := os.Args[1]
	args := os.Args[2:]

	switch sub {
	case "connect":
		return runConnect(args)
	case "listen":
		return runListen(args)
	case "webget":
		return runWebget(args)
	case "-h", "-help", "--help", "help":
		usage()
		return nil
	default:
		usage()
		return &exitError{code: 2, err: fmt.Errorf("unknown subcommand %q", sub)}
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <connect|listen|webget> [flags]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  connect -tun NAME -local IP -remote IP:PORT   open an interactive session\n")
	fmt.Fprintf(os.Stderr, "  listen  -tun NAME -local IP:PORT -remote IP   accept one connection and echo it to stdout\n")
	fmt.Fprintf(os.Stderr, "  webget  -tun NAME -local IP -remote IP:PORT -path /index.html -host example.com\n")
	fmt.Fprintf(os.Stderr, "\nAll three subcommands also accept -pcap FILE to record every segment sent or received to a libpcap capture file.\n")
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// session bundles the pieces every subcommand needs: an open TUN device, the
// Connection it drives, and the Pump translating between them. Connection is
// not internally synchronized (spec.md §5 leaves that to the owning
// runtime), and interactiveShell drives it from both the TUN-reading
// goroutine and a stdin-reading goroutine, so every access here goes
// through mu.
type session struct {
	dev  *tundevice.Device
	conn *conn.Connection
	pump *tundevice.Pump
	log  *slog.Logger

	mu sync.Mutex

	capture     *pcap.SegmentCapture
	captureFile *os.File
}

func openSession(tunName string, local, remote net.IP, cfg tcpconfig.TCPConfig, log *slog.Logger, pcapPath string) (*session, error) {
	dev, err := tundevice.Open(tundevice.Config{Name: tunName})
	if err != nil {
		return nil, fmt.Errorf("open tun device: %w", err)
	}
	log.Info("opened tun device", "name", dev.Name())

	s := &session{
		dev:  dev,
		conn: conn.New(cfg),
		pump: &tundevice.Pump{Local: local, Remote: remote},
		log:  log,
	}

	if pcapPath != "" {
		f, err := os.Create(pcapPath)
		if err != nil {
			dev.Close()
			return nil, fmt.Errorf("create pcap file: %w", err)
		}
		w := pcap.NewWriter(f)
		if err := w.WriteFileHeader(65536, pcap.LinkTypeRaw); err != nil {
			f.Close()
			dev.Close()
			return nil, fmt.Errorf("write pcap header: %w", err)
		}
		s.captureFile = f
		s.capture = pcap.NewSegmentCapture(w, local, remote)
		log.Info("recording pcap capture", "path", pcapPath)
	}

	return s, nil
}

// captureDatagram records datagram's embedded segment to the pcap capture,
// if one was requested. A parse failure here just means something upstream
// already rejected the datagram; there's nothing worth capturing.
func (s *session) captureDatagram(datagram []byte) {
	if s.capture == nil || len(datagram) < 20 {
		return
	}
	ihl := int(datagram[0]&0x0f) * 4
	if ihl < 20 || ihl > len(datagram) {
		return
	}
	seg, err := segment.Parse(datagram[ihl:])
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.capture.WriteSegment(pcap.CaptureInfo{Timestamp: time.Now()}, seg); err != nil {
		s.log.Warn("pcap write failed", "error", err)
	}
}

// pumpLoop runs until the connection goes inactive, reading datagrams off
// the TUN device in one goroutine and ticking the connection on a 100ms
// timer.
func (s *session) pumpLoop(onInboundReady func()) error {
	const tickInterval = 100 * time.Millisecond

	inbound := make(chan []byte, 16)
	readErrs := make(chan error, 1)
	go func() {
		buf := make([]byte, 65536)
		for {
			n, err := s.dev.ReadDatagram(buf)
			if err != nil {
				readErrs <- err
				return
			}
			frame := append([]byte(nil), buf[:n]...)
			inbound <- frame
		}
	}()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	s.drainAndWrite()

	for s.isActive() {
		select {
		case frame := <-inbound:
			s.captureDatagram(frame)
			s.mu.Lock()
			err := s.pump.HandleDatagram(s.conn, frame)
			s.mu.Unlock()
			if err != nil {
				if !errors.Is(err, tundevice.ErrNotTCP) {
					s.log.Debug("dropped datagram", "error", err)
				}
				continue
			}
			s.drainAndWrite()
			if onInboundReady != nil {
				onInboundReady()
			}
		case <-ticker.C:
			s.mu.Lock()
			s.conn.Tick(uint64(tickInterval.Milliseconds()))
			s.mu.Unlock()
			s.drainAndWrite()
		case err := <-readErrs:
			return fmt.Errorf("read tun device: %w", err)
		}
	}
	return nil
}

func (s *session) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Active()
}

func (s *session) drainAndWrite() {
	s.mu.Lock()
	datagrams := s.pump.DrainDatagrams(s.conn)
	s.mu.Unlock()
	for _, datagram := range datagrams {
		s.captureDatagram(datagram)
		if err := s.dev.WriteDatagram(datagram); err != nil {
			s.log.Error("write tun device", "error", err)
		}
	}
}

func (s *session) close() {
	s.mu.Lock()
	s.conn.Close()
	s.mu.Unlock()
	s.drainAndWrite()
	s.dev.Close()
	if s.captureFile != nil {
		s.captureFile.Close()
	}
}

// write submits outbound data and reads the inbound stream under the lock
// interactiveShell's stdin-reading goroutine shares with pumpLoop.
func (s *session) write(data []byte) {
	s.mu.Lock()
	s.conn.Write(data)
	s.mu.Unlock()
}

func (s *session) endInputStream() {
	s.mu.Lock()
	s.conn.EndInputStream()
	s.mu.Unlock()
}

func (s *session) readInbound(n int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Inbound().Read(n)
}

func (s *session) connect() {
	s.mu.Lock()
	s.conn.Connect()
	s.mu.Unlock()
}

func parseHostPort(hostport string) (net.IP, error) {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("invalid IP address %q", host)
	}
	return ip.To4(), nil
}

func runConnect(args []string) error {
	fs := flag.NewFlagSet("connect", flag.ExitOnError)
	tunName := fs.String("tun", "", "TUN interface name (kernel-assigned if empty)")
	localFlag := fs.String("local", "", "local IPv4 address")
	remoteFlag := fs.String("remote", "", "remote IPv4 address")
	debug := fs.Bool("debug", false, "enable debug logging")
	fixedISN := fs.Uint("isn", 0, "fixed initial sequence number (0 picks a random one)")
	pcapPath := fs.String("pcap", "", "record segments to this libpcap capture file")
	fs.Parse(args)

	log := newLogger(*debug)
	local, err := parseHostPort(*localFlag)
	if err != nil {
		return fmt.Errorf("-local: %w", err)
	}
	remote, err := parseHostPort(*remoteFlag)
	if err != nil {
		return fmt.Errorf("-remote: %w", err)
	}

	cfg := tcpconfig.Default()
	if *fixedISN != 0 {
		v := uint32(*fixedISN)
		cfg.FixedISN = &v
	}

	s, err := openSession(*tunName, local, remote, cfg, log, *pcapPath)
	if err != nil {
		return err
	}
	defer s.close()

	s.connect()
	s.drainAndWrite()

	return s.interactiveShell()
}

func runListen(args []string) error {
	fs := flag.NewFlagSet("listen", flag.ExitOnError)
	tunName := fs.String("tun", "", "TUN interface name (kernel-assigned if empty)")
	localFlag := fs.String("local", "", "local IPv4 address")
	remoteFlag := fs.String("remote", "", "remote IPv4 address")
	debug := fs.Bool("debug", false, "enable debug logging")
	pcapPath := fs.String("pcap", "", "record segments to this libpcap capture file")
	fs.Parse(args)

	log := newLogger(*debug)
	local, err := parseHostPort(*localFlag)
	if err != nil {
		return fmt.Errorf("-local: %w", err)
	}
	remote, err := parseHostPort(*remoteFlag)
	if err != nil {
		return fmt.Errorf("-remote: %w", err)
	}

	cfg := tcpconfig.Default()
	s, err := openSession(*tunName, local, remote, cfg, log, *pcapPath)
	if err != nil {
		return err
	}
	defer s.close()

	log.Info("waiting for incoming connection")
	return s.pumpLoop(func() {
		for data := s.readInbound(4096); len(data) > 0; data = s.readInbound(4096) {
			os.Stdout.Write(data)
		}
	})
}

// interactiveShell puts the terminal in raw mode via golang.org/x/term and
// shuttles stdin to the connection's outbound stream while printing the
// inbound stream to stdout, until the connection becomes inactive or stdin
// reaches EOF.
func (s *session) interactiveShell() error {
	fd := int(os.Stdin.Fd())
	var restore func()
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("enable raw mode: %w", err)
		}
		restore = func() { term.Restore(fd, oldState) }
		defer restore()
	}

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				s.write(buf[:n])
				s.drainAndWrite()
			}
			if err != nil {
				s.endInputStream()
				s.drainAndWrite()
				return
			}
		}
	}()

	return s.pumpLoop(func() {
		for data := s.readInbound(4096); len(data) > 0; data = s.readInbound(4096) {
			os.Stdout.Write(bcrlf(data, restore != nil))
		}
	})
}

// bcrlf rewrites bare '\n' to "\r\n" when the terminal is in raw mode, so a
// raw-mode terminal doesn't stairstep line breaks.
func bcrlf(data []byte, raw bool) []byte {
	if !raw {
		return data
	}
	out := make([]byte, 0, len(data))
	for _, b := range data {
		if b == '\n' {
			out = append(out, '\r')
		}
		out = append(out, b)
	}
	return out
}

// runWebget performs a single HTTP/1.1 GET (with "Connection: close") over our own Connection,
// showing transfer progress with progressbar/v3.
func runWebget(args []string) error {
	fs := flag.NewFlagSet("webget", flag.ExitOnError)
	tunName := fs.String("tun", "", "TUN interface name (kernel-assigned if empty)")
	localFlag := fs.String("local", "", "local IPv4 address")
	remoteFlag := fs.String("remote", "", "remote IPv4 address:port")
	host := fs.String("host", "", "Host header / hostname to request")
	path := fs.String("path", "/", "request path")
	debug := fs.Bool("debug", false, "enable debug logging")
	pcapPath := fs.String("pcap", "", "record segments to this libpcap capture file")
	fs.Parse(args)

	log := newLogger(*debug)
	if *host == "" {
		return fmt.Errorf("-host is required")
	}
	local, err := parseHostPort(*localFlag)
	if err != nil {
		return fmt.Errorf("-local: %w", err)
	}
	remote, err := parseHostPort(*remoteFlag)
	if err != nil {
		return fmt.Errorf("-remote: %w", err)
	}

	cfg := tcpconfig.Default()
	s, err := openSession(*tunName, local, remote, cfg, log, *pcapPath)
	if err != nil {
		return err
	}
	defer s.close()

	fmt.Fprintf(os.Stderr, "Connecting to %s\n", *host)
	s.connect()
	s.drainAndWrite()

	request := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", *path, *host)

	var bar *progressbar.ProgressBar
	var written int64
	var response strings.Builder

	err = s.pumpLoop(func() {
		if request != "" {
			s.write([]byte(request))
			s.endInputStream()
			s.drainAndWrite()
			request = ""
		}
		for data := s.readInbound(4096); len(data) > 0; data = s.readInbound(4096) {
			response.Write(data)
			written += int64(len(data))
			if bar == nil {
				bar = progressbar.DefaultBytes(-1, fmt.Sprintf("fetch %s%s", *host, *path))
			}
			bar.Set64(written)
		}
	})
	if bar != nil {
		bar.Close()
	}
	if err != nil {
		return err
	}

	fmt.Println(response.String())
	return nil
}
