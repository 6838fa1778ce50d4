// control/log.go
// Author: momentics <momentics@gmail.com>
//
// Leveled front end over the standard logger. Messages carry a bracketed
// component prefix, e.g. "[facade] ...".

package control

import (
	"log"
	"os"
	"strings"
	"sync/atomic"
)

// LogLevel orders the verbosity of dpoll diagnostics.
type LogLevel int32

const (
	LogOff LogLevel = iota
	LogError
	LogInfo
	LogTrace
)

// LogEnv is the environment variable consulted for the initial level.
const LogEnv = "DPOLL_LOG"

var level atomic.Int32

func init() {
	level.Store(int32(LogError))
	if v, ok := os.LookupEnv(LogEnv); ok {
		SetLogLevel(ParseLogLevel(v))
	}
}

// ParseLogLevel maps a textual level; unknown input yields LogError.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "none", "0":
		return LogOff
	case "error", "err", "1":
		return LogError
	case "info", "2":
		return LogInfo
	case "trace", "debug", "3", "all":
		return LogTrace
	}
	return LogError
}

func (l LogLevel) String() string {
	switch l {
	case LogOff:
		return "off"
	case LogError:
		return "error"
	case LogInfo:
		return "info"
	case LogTrace:
		return "trace"
	}
	return "unknown"
}

// SetLogLevel replaces the active level.
func SetLogLevel(l LogLevel) { level.Store(int32(l)) }

// CurrentLogLevel returns the active level.
func CurrentLogLevel() LogLevel { return LogLevel(level.Load()) }

// Enabled reports whether messages at l are emitted.
func Enabled(l LogLevel) bool { return l != LogOff && l <= CurrentLogLevel() }

// Errorf logs a failure for component.
func Errorf(component, format string, args ...any) { logf(LogError, component, format, args...) }

// Infof logs a lifecycle message for component.
func Infof(component, format string, args ...any) { logf(LogInfo, component, format, args...) }

// Tracef logs per-operation detail for component.
func Tracef(component, format string, args ...any) { logf(LogTrace, component, format, args...) }

func logf(l LogLevel, component, format string, args ...any) {
	if !Enabled(l) {
		return
	}
	log.Printf("["+component+"] "+format, args...)
}
