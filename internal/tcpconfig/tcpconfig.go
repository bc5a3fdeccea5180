// Package tcpconfig loads and defaults the TCPConfig used to construct a
// connection (spec.md §6), loaded from YAML the same way the rest of this
// module's configuration is.
package tcpconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TCPConfig holds the tunables spec.md §6 names. Zero values are filled in
// by ApplyDefaults.
type TCPConfig struct {
	Capacity        int    `yaml:"capacity"`
	RecvCapacity    int    `yaml:"recv_capacity"`
	SendCapacity    int    `yaml:"send_capacity"`
	TimeoutDefault  uint64 `yaml:"timeout_default"`
	MaxRetxAttempts int    `yaml:"max_retx_attempts"`
	FixedISN        *uint32 `yaml:"fixed_isn"`
	RTTimeout       uint64 `yaml:"rt_timeout"`
}

// Default returns a TCPConfig with every spec.md §6 default already
// applied.
func Default() TCPConfig {
	var c TCPConfig
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills zero-valued fields with spec.md §6's defaults.
func (c *TCPConfig) ApplyDefaults() {
	if c.Capacity == 0 {
		c.Capacity = 64000
	}
	if c.RecvCapacity == 0 {
		c.RecvCapacity = c.Capacity
	}
	if c.SendCapacity == 0 {
		c.SendCapacity = c.Capacity
	}
	if c.TimeoutDefault == 0 {
		c.TimeoutDefault = 1000
	}
	if c.MaxRetxAttempts == 0 {
		c.MaxRetxAttempts = 8
	}
	if c.RTTimeout == 0 {
		c.RTTimeout = 1000
	}
}

// Load reads a YAML-encoded TCPConfig from path and applies defaults to any
// field left unset.
func Load(path string) (TCPConfig, error) {
	var c TCPConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("tcpconfig: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("tcpconfig: parse %s: %w", path, err)
	}
	c.ApplyDefaults()
	return c, nil
}
