//go:build linux
// +build linux

// File: abi/global_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Process-wide instance. Init runs once; every other call fails with EPERM
// until it has, and nothing tears the instance down.

package abi

import (
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/momentics/dpoll/api"
	"github.com/momentics/dpoll/control"
	"github.com/momentics/dpoll/facade"
	"golang.org/x/sys/unix"
)

// ConfigEnv names the ini file read by Init.
const ConfigEnv = "DPOLL_CONFIG"

var (
	initMu  sync.Mutex
	current atomic.Pointer[Library]
)

// Init builds the process-wide System from DPOLL_CONFIG and DPOLL_LOG.
// A second call fails with EALREADY.
func Init() (int, unix.Errno) {
	initMu.Lock()
	defer initMu.Unlock()
	if current.Load() != nil {
		return result("init", 0, api.ErrAlreadyInitialized)
	}
	cfg := facade.DefaultConfig()
	if path := os.Getenv(ConfigEnv); path != "" {
		loaded, err := facade.LoadConfig(path)
		if err != nil {
			control.Errorf("abi", "init: %v", err)
			return result("init", 0, err)
		}
		cfg = loaded
	}
	if lv, ok := os.LookupEnv(control.LogEnv); ok {
		cfg.LogLevel = lv
	}
	sys, err := facade.Open(cfg)
	if err != nil {
		control.Errorf("abi", "init: %v", err)
		return result("init", 0, err)
	}
	l := NewLibrary(sys)
	control.RegisterReloadHook(reloadFrom(l, os.Getenv(ConfigEnv)))
	current.Store(l)
	return 0, 0
}

// reloadable lists the keys a running instance picks up again from its file.
var reloadable = []string{"log_level", "wait_quantum"}

func reloadFrom(l *Library, path string) func() {
	return func() {
		if path == "" {
			return
		}
		kv, err := control.LoadINI(path)
		if err != nil {
			control.Errorf("abi", "reload %s: %v", path, err)
			return
		}
		update := make(map[string]any)
		for _, k := range reloadable {
			if v, ok := kv[k]; ok {
				update[k] = v
			}
		}
		if len(update) > 0 {
			l.sys.Control().SetConfig(update)
			control.Infof("abi", "reloaded %v from %s", update, path)
		}
	}
}

// Reload re-reads the reloadable keys of the DPOLL_CONFIG file.
func Reload() (int, unix.Errno) {
	if _, e := lib(); e != 0 {
		return -1, e
	}
	control.TriggerHotReloadSync()
	return 0, 0
}

// Current returns the installed Library, or nil before Init.
func Current() *Library { return current.Load() }

func lib() (*Library, unix.Errno) {
	l := current.Load()
	if l == nil {
		return nil, api.ErrnoOf(api.ErrNotInitialized)
	}
	return l, 0
}

func Socket(domain, typ, proto int) (int, unix.Errno) {
	l, e := lib()
	if l == nil {
		return -1, e
	}
	return l.Socket(domain, typ, proto)
}

func Bind(fd int, addr unsafe.Pointer, addrlen uint32) (int, unix.Errno) {
	l, e := lib()
	if l == nil {
		return -1, e
	}
	return l.Bind(fd, addr, addrlen)
}

func Listen(fd, backlog int) (int, unix.Errno) {
	l, e := lib()
	if l == nil {
		return -1, e
	}
	return l.Listen(fd, backlog)
}

func Accept(fd int, addr unsafe.Pointer, addrlen *uint32) (int, unix.Errno) {
	l, e := lib()
	if l == nil {
		return -1, e
	}
	return l.Accept(fd, addr, addrlen)
}

func Connect(fd int, addr unsafe.Pointer, addrlen uint32) (int, unix.Errno) {
	l, e := lib()
	if l == nil {
		return -1, e
	}
	return l.Connect(fd, addr, addrlen)
}

func Close(fd int) (int, unix.Errno) {
	l, e := lib()
	if l == nil {
		return -1, e
	}
	return l.Close(fd)
}

func Read(fd int, buf unsafe.Pointer, count int) (int, unix.Errno) {
	l, e := lib()
	if l == nil {
		return -1, e
	}
	return l.Read(fd, buf, count)
}

func Write(fd int, buf unsafe.Pointer, count int) (int, unix.Errno) {
	l, e := lib()
	if l == nil {
		return -1, e
	}
	return l.Write(fd, buf, count)
}

func Readv(fd int, iov unsafe.Pointer, iovcnt int) (int, unix.Errno) {
	l, e := lib()
	if l == nil {
		return -1, e
	}
	return l.Readv(fd, iov, iovcnt)
}

func Writev(fd int, iov unsafe.Pointer, iovcnt int) (int, unix.Errno) {
	l, e := lib()
	if l == nil {
		return -1, e
	}
	return l.Writev(fd, iov, iovcnt)
}

func Sendmsg(fd int, msg unsafe.Pointer, flags int) (int, unix.Errno) {
	l, e := lib()
	if l == nil {
		return -1, e
	}
	return l.Sendmsg(fd, msg, flags)
}

func Recvmsg(fd int, msg unsafe.Pointer, flags int) (int, unix.Errno) {
	l, e := lib()
	if l == nil {
		return -1, e
	}
	return l.Recvmsg(fd, msg, flags)
}

func Setsockopt(fd, level, name int, value unsafe.Pointer, vallen uint32) (int, unix.Errno) {
	l, e := lib()
	if l == nil {
		return -1, e
	}
	return l.Setsockopt(fd, level, name, value, vallen)
}

func Getsockname(fd int, addr unsafe.Pointer, addrlen *uint32) (int, unix.Errno) {
	l, e := lib()
	if l == nil {
		return -1, e
	}
	return l.Getsockname(fd, addr, addrlen)
}

func Create(flags int) (int, unix.Errno) {
	l, e := lib()
	if l == nil {
		return -1, e
	}
	return l.Create(flags)
}

func Ctl(epfd, op, fd int, event unsafe.Pointer) (int, unix.Errno) {
	l, e := lib()
	if l == nil {
		return -1, e
	}
	return l.Ctl(epfd, op, fd, event)
}

func Pwait(epfd int, events unsafe.Pointer, maxevents, timeout int, sigmask unsafe.Pointer) (int, unix.Errno) {
	l, e := lib()
	if l == nil {
		return -1, e
	}
	return l.Pwait(epfd, events, maxevents, timeout, sigmask)
}
