//go:build !linux

package tundevice

import (
	"fmt"
	"runtime"
)

// Open always fails outside linux: TUNSETIFF is a Linux-specific ioctl.
func Open(cfg Config) (*Device, error) {
	return nil, fmt.Errorf("tundevice: TUN devices are not supported on %s", runtime.GOOS)
}
