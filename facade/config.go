// File: facade/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Engine configuration, its defaults, and loading from an ini file.

package facade

import (
	"fmt"
	"strings"
	"time"

	"github.com/momentics/dpoll/api"
	"github.com/momentics/dpoll/control"
)

// Runtime names accepted by Config.Runtime.
const (
	RuntimeKernel   = "kernel"
	RuntimeHost     = "host"
	RuntimeNetstack = "netstack"
	RuntimeFake     = "fake"
)

// Config holds parameters fixed for the life of a System.
// WaitQuantum and LogLevel may be changed later through the Control interface.
type Config struct {
	MaxDescriptors int           // Size of the descriptor table
	FDBase         int           // First descriptor number handed out; lower numbers pass through to the kernel
	Runtime        string        // Runtime backing the sockets: kernel, host, netstack or fake
	WaitQuantum    time.Duration // Longest single suspension inside the runtime per wait cycle
	MaxIdleBackoff time.Duration // Ceiling of the pause between empty cycles
	MaxWriteSize   int           // Largest byte count handed to one push
	ReadBufferSize int           // Received bytes buffered per socket before receives stop being armed
	NetstackAddrs  []string      // Interface addresses of the userspace network stack
	NetstackMTU    int           // MTU of the userspace network stack
	LogLevel       string        // off, error, info or trace
	EnableMetrics  bool          // Whether to maintain counters
	EnableDebug    bool          // Whether to register debug probes
}

// DefaultConfig returns default configuration values.
func DefaultConfig() *Config {
	return &Config{
		MaxDescriptors: 1024,                  // Matches the common RLIMIT_NOFILE soft limit
		FDBase:         0,                     // Own the whole descriptor space
		Runtime:        RuntimeKernel,         // Non-blocking kernel sockets
		WaitQuantum:    10 * time.Millisecond, // 10ms per suspension
		MaxIdleBackoff: time.Millisecond,      // 1ms idle ceiling
		MaxWriteSize:   1 << 20,               // 1 MiB per push
		ReadBufferSize: 64 * 1024,             // 64 KiB read-ahead
		NetstackAddrs:  []string{"10.0.0.1"},  // Single IPv4 address
		NetstackMTU:    1420,                  // WireGuard default
		LogLevel:       control.LogError.String(),
		EnableMetrics:  true,
		EnableDebug:    true,
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.MaxDescriptors <= 0:
		return api.Errorf(api.ErrCodeInvalidArgument, "max_descriptors must be positive, got %d", c.MaxDescriptors)
	case c.FDBase < 0:
		return api.Errorf(api.ErrCodeInvalidArgument, "fd_base must not be negative, got %d", c.FDBase)
	case c.WaitQuantum <= 0:
		return api.Errorf(api.ErrCodeInvalidArgument, "wait_quantum must be positive, got %v", c.WaitQuantum)
	case c.MaxWriteSize <= 0:
		return api.Errorf(api.ErrCodeInvalidArgument, "max_write_size must be positive, got %d", c.MaxWriteSize)
	}
	switch c.Runtime {
	case RuntimeKernel, RuntimeHost, RuntimeNetstack, RuntimeFake:
	default:
		return api.Errorf(api.ErrCodeInvalidArgument, "unknown runtime %q", c.Runtime)
	}
	return nil
}

// Apply overlays flat config keys, as produced by control.LoadINI, onto c.
func (c *Config) Apply(kv map[string]any) {
	cs := control.NewConfigStore()
	cs.SetConfig(kv)
	c.MaxDescriptors = cs.Int("max_descriptors", c.MaxDescriptors)
	c.FDBase = cs.Int("fd_base", c.FDBase)
	c.Runtime = strings.ToLower(cs.String("runtime", c.Runtime))
	c.WaitQuantum = cs.Duration("wait_quantum", c.WaitQuantum)
	c.MaxIdleBackoff = cs.Duration("max_idle_backoff", c.MaxIdleBackoff)
	c.MaxWriteSize = cs.Int("max_write_size", c.MaxWriteSize)
	c.ReadBufferSize = cs.Int("read_buffer_size", c.ReadBufferSize)
	c.LogLevel = cs.String("log_level", c.LogLevel)
	c.EnableMetrics = cs.Bool("enable_metrics", c.EnableMetrics)
	c.EnableDebug = cs.Bool("enable_debug", c.EnableDebug)
	if v := cs.String("netstack.addrs", ""); v != "" {
		c.NetstackAddrs = splitList(v)
	}
	c.NetstackMTU = cs.Int("netstack.mtu", c.NetstackMTU)
}

// LoadConfig reads an ini file over the defaults.
func LoadConfig(path string) (*Config, error) {
	kv, err := control.LoadINI(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	cfg.Apply(kv)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// snapshot is the Control view of the configuration.
func (c *Config) snapshot() map[string]any {
	return map[string]any{
		"max_descriptors":  c.MaxDescriptors,
		"fd_base":          c.FDBase,
		"runtime":          c.Runtime,
		"wait_quantum":     c.WaitQuantum,
		"max_idle_backoff": c.MaxIdleBackoff,
		"max_write_size":   c.MaxWriteSize,
		"read_buffer_size": c.ReadBufferSize,
		"log_level":        c.LogLevel,
		"enable_metrics":   c.EnableMetrics,
		"enable_debug":     c.EnableDebug,
		"netstack.addrs":   strings.Join(c.NetstackAddrs, ","),
		"netstack.mtu":     c.NetstackMTU,
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
