// File: facade/runtime.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Runtime selection for Config.Runtime.

package facade

import (
	"fmt"
	"net/netip"

	"github.com/momentics/dpoll/api"
	"github.com/momentics/dpoll/control"
	"github.com/momentics/dpoll/fake"
	"github.com/momentics/dpoll/internal/transport"
	"github.com/momentics/dpoll/transport/proactor"
)

// OpenRuntime builds the runtime named by cfg.Runtime.
func OpenRuntime(cfg *Config) (api.Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	control.Infof("facade", "starting %s runtime", cfg.Runtime)
	switch cfg.Runtime {
	case RuntimeKernel:
		return transport.NewKernelRuntime(cfg.ReadBufferSize)
	case RuntimeHost:
		return proactor.New(&proactor.HostNetwork{}, cfg.ReadBufferSize), nil
	case RuntimeNetstack:
		addrs := make([]netip.Addr, 0, len(cfg.NetstackAddrs))
		for _, s := range cfg.NetstackAddrs {
			a, err := netip.ParseAddr(s)
			if err != nil {
				return nil, fmt.Errorf("netstack address %q: %w", s, err)
			}
			addrs = append(addrs, a)
		}
		ns, err := proactor.NewNetstack(addrs, cfg.NetstackMTU)
		if err != nil {
			return nil, err
		}
		return proactor.New(ns, cfg.ReadBufferSize), nil
	case RuntimeFake:
		return fake.NewRuntime(), nil
	}
	return nil, api.Errorf(api.ErrCodeInvalidArgument, "unknown runtime %q", cfg.Runtime)
}
