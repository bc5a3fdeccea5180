//go:build linux

package tundevice

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// These mirror the <linux/if_tun.h> constants: IFF_TUN selects a TUN (not
// TAP) device and IFF_NO_PI suppresses the 4-byte packet-information prefix
// so Device.ReadDatagram sees a bare IPv4 datagram.
const (
	iffTUN    = 0x0001
	iffNoPI   = 0x1000
	ifNameSize = 16
)

// ifReq mirrors struct ifreq's layout for the TUNSETIFF ioctl: a
// null-terminated interface name followed by a flags field in the same
// union slot as ifr_ifru.ifru_flags.
type ifReq struct {
	name  [ifNameSize]byte
	flags uint16
	_     [22]byte // pad to sizeof(struct ifreq)
}

// ifReqMTU mirrors struct ifreq with the union's ifr_mtu member selected
// instead of ifr_flags, for SIOCSIFMTU.
type ifReqMTU struct {
	name [ifNameSize]byte
	mtu  int32
	_    [20]byte // pad to sizeof(struct ifreq)
}

// Open allocates a TUN interface via /dev/net/tun + TUNSETIFF.
func Open(cfg Config) (*Device, error) {
	f, err := os.OpenFile("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tundevice: open /dev/net/tun: %w", err)
	}

	var req ifReq
	copy(req.name[:], cfg.Name)
	req.flags = iffTUN | iffNoPI

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&req))); errno != 0 {
		f.Close()
		return nil, fmt.Errorf("tundevice: TUNSETIFF: %w", errno)
	}

	name := string(req.name[:])
	if idx := indexByte(name, 0); idx >= 0 {
		name = name[:idx]
	}

	if cfg.MTU > 0 {
		if err := setMTU(name, cfg.MTU); err != nil {
			f.Close()
			return nil, err
		}
	}

	return &Device{file: f, name: name}, nil
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// setMTU applies the requested MTU via an AF_INET SIOCSIFMTU ioctl on a
// throwaway socket, the conventional way to configure an interface that
// isn't opened as a socket itself.
func setMTU(name string, mtu int) error {
	sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return fmt.Errorf("tundevice: socket: %w", err)
	}
	defer unix.Close(sock)

	var req ifReqMTU
	copy(req.name[:], name)
	req.mtu = int32(mtu)

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(sock), uintptr(unix.SIOCSIFMTU), uintptr(unsafe.Pointer(&req))); errno != 0 {
		return fmt.Errorf("tundevice: SIOCSIFMTU: %w", errno)
	}
	return nil
}
