// File: facade/system.go
// Unified facade layer for dpoll.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// System aggregates the descriptor registry, the pending-operation table,
// the epoll instances and the runtime behind one coarse lock, and exposes
// POSIX-shaped socket and epoll operations over them. The lock is released
// only while Pwait is suspended inside the runtime.

package facade

import (
	"fmt"
	"sync"
	"sync/atomic"

	uuid "github.com/satori/go.uuid"

	"github.com/momentics/dpoll/adapters"
	"github.com/momentics/dpoll/api"
	"github.com/momentics/dpoll/control"
	"github.com/momentics/dpoll/internal/epoll"
	"github.com/momentics/dpoll/internal/pending"
	"github.com/momentics/dpoll/internal/registry"
	"github.com/momentics/dpoll/internal/socket"
	"golang.org/x/sys/unix"
)

// Metric keys maintained when Config.EnableMetrics is set.
const (
	MetricPwaitCalls   = "pwait.calls"
	MetricPwaitEvents  = "pwait.events"
	MetricOpsSubmitted = "ops.submitted"
	MetricOpsCompleted = "ops.completed"
	MetricOpsCancelled = "ops.cancelled"
	MetricOpsOrphaned  = "ops.orphaned"
	MetricOpsDiscarded = "ops.discarded"
	MetricFDOpen       = "fd.open"
)

// System is the main facade type. It is safe for concurrent use.
type System struct {
	mu  sync.Mutex
	cfg *Config
	rt  api.Runtime

	fds    *registry.Registry
	ops    *pending.Table
	kernel map[int]*kernelSet // by epoll fd

	control *adapters.ControlAdapter
	id      uuid.UUID

	quantum atomic.Int64 // time.Duration, updated on reload
	tokens  []api.Token
}

// New constructs a System over rt with the given configuration.
func New(cfg *Config, rt api.Runtime) (*System, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rt == nil {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "nil runtime")
	}
	s := &System{
		cfg:     cfg,
		rt:      rt,
		fds:     registry.New(cfg.FDBase, cfg.MaxDescriptors),
		ops:     pending.New(rt),
		kernel:  make(map[int]*kernelSet),
		control: adapters.NewControlAdapter(),
		id:      uuid.NewV4(),
	}
	s.quantum.Store(int64(cfg.WaitQuantum))
	control.SetLogLevel(control.ParseLogLevel(cfg.LogLevel))

	snap := cfg.snapshot()
	snap["instance_id"] = s.id.String()
	s.control.SetConfig(snap)
	s.control.OnReload(s.reload)

	if cfg.EnableDebug {
		s.registerProbes()
	}
	control.Infof("facade", "instance %s up: runtime=%s fds=%d base=%d", s.id, cfg.Runtime, cfg.MaxDescriptors, cfg.FDBase)
	return s, nil
}

// Open builds the runtime named by cfg and a System over it.
func Open(cfg *Config) (*System, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	rt, err := OpenRuntime(cfg)
	if err != nil {
		return nil, fmt.Errorf("runtime init failure: %w", err)
	}
	return New(cfg, rt)
}

func (s *System) reload() {
	store := s.control.Store()
	if q := store.Duration("wait_quantum", 0); q > 0 {
		s.quantum.Store(int64(q))
	}
	if lv, ok := store.Get("log_level"); ok {
		control.SetLogLevel(control.ParseLogLevel(fmt.Sprint(lv)))
	}
}

func (s *System) registerProbes() {
	s.control.RegisterDebugProbe("instance.id", func() any { return s.id.String() })
	s.control.RegisterDebugProbe("registry.open", func() any {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.fds.Len()
	})
	s.control.RegisterDebugProbe("pending.inflight", func() any {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.ops.Inflight()
	})
	s.control.RegisterDebugProbe("pending.orphans", func() any {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.ops.Orphans()
	})
}

// Control returns the dynamic config, metrics and debug interface.
func (s *System) Control() api.Control { return s.control }

// Debug returns the probe interface.
func (s *System) Debug() api.Debug { return s.control }

// Runtime returns the runtime the system drives.
func (s *System) Runtime() api.Runtime { return s.rt }

// Config returns the configuration the system was built with.
func (s *System) Config() *Config { return s.cfg }

// ID returns the instance identifier.
func (s *System) ID() string { return s.id.String() }

// Owns reports whether fd lies in the range managed by the system.
func (s *System) Owns(fd int) bool {
	return fd >= s.cfg.FDBase && fd < s.cfg.FDBase+s.cfg.MaxDescriptors
}

func (s *System) count(key string, delta int64) {
	if s.cfg.EnableMetrics && delta != 0 {
		s.control.AddMetric(key, delta)
	}
}

func (s *System) gaugeFDs() {
	if s.cfg.EnableMetrics {
		s.control.SetMetric(MetricFDOpen, s.fds.Len())
	}
}

// socketLocked resolves fd to a socket.
func (s *System) socketLocked(fd int) (*socket.Socket, registry.Entry, error) {
	e, err := s.fds.Lookup(fd)
	if err != nil {
		return nil, e, err
	}
	if e.Kind != registry.KindSocket {
		return nil, e, api.Errorf(api.ErrCodeInvalidArgument, "fd %d is not a socket", fd).WithErrno(unix.ENOTSOCK)
	}
	return e.Value.(*socket.Socket), e, nil
}

// epollLocked resolves epfd to an epoll instance.
func (s *System) epollLocked(epfd int) (*epoll.Instance, error) {
	e, err := s.fds.Lookup(epfd)
	if err != nil {
		return nil, err
	}
	if e.Kind != registry.KindEpoll {
		return nil, api.Errorf(api.ErrCodeInvalidArgument, "fd %d is not an epoll instance", epfd)
	}
	return e.Value.(*epoll.Instance), nil
}

// submitLocked records a runtime submission for fd.
func (s *System) submitLocked(e registry.Entry, kind pending.Kind, buf [][]byte, issue pending.IssueFunc) (*pending.Op, error) {
	op, err := s.ops.Submit(e.FD, e.Serial, kind, buf, issue)
	if err != nil {
		return nil, err
	}
	s.count(MetricOpsSubmitted, 1)
	control.Tracef("facade", "fd %d: submitted %s token=%d", e.FD, kind, op.Token)
	return op, nil
}

// closeQueue releases a runtime queue that no descriptor owns.
func (s *System) closeQueue(qd api.QD) {
	if err := s.rt.Close(qd); err != nil {
		control.Errorf("facade", "closing queue %d: %v", qd, err)
	}
}

// Close releases fd. Socket teardown cancels outstanding operations, removes
// fd from every epoll set and closes the runtime queue exactly once.
func (s *System) Close(fd int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.fds.Lookup(fd)
	if err != nil {
		return err
	}
	var closeErr error
	if e.Kind == registry.KindSocket {
		sock := e.Value.(*socket.Socket)
		cancelled, orphaned := s.ops.Cancel(fd)
		s.count(MetricOpsCancelled, int64(cancelled))
		s.count(MetricOpsOrphaned, int64(orphaned))
		s.fds.Range(func(other registry.Entry) bool {
			if other.Kind == registry.KindEpoll {
				other.Value.(*epoll.Instance).Remove(fd)
			}
			return true
		})
		for _, a := range sock.DrainAccepts() {
			s.closeQueue(a.QD)
		}
		if sock.Close() {
			if err := s.rt.Close(sock.QD); err != nil {
				closeErr = api.Propagate("close", err)
			}
		}
		control.Tracef("facade", "fd %d closed: cancelled=%d orphaned=%d", fd, cancelled, orphaned)
	}
	if e.Kind == registry.KindEpoll {
		s.closeKernelLocked(fd)
	}
	if _, err := s.fds.Release(fd); err != nil {
		return err
	}
	s.gaugeFDs()
	if closeErr != nil {
		control.Errorf("facade", "fd %d: runtime close: %v", fd, closeErr)
	}
	return closeErr
}

// Probe returns the current readiness of fd. It does not drive the runtime.
func (s *System) Probe(fd int) (api.EventMask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sock, _, err := s.socketLocked(fd)
	if err != nil {
		return 0, err
	}
	return sock.Readiness(s.ops.Busy(fd, pending.DirWrite)), nil
}

// State returns the lifecycle state of socket fd.
func (s *System) State(fd int) (api.SocketState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sock, _, err := s.socketLocked(fd)
	if err != nil {
		return api.StateClosed, err
	}
	return sock.State(), nil
}
