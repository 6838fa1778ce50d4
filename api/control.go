// File: api/control.go
// Package api defines Control interface.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// Control manages dynamic config, runtime counters and debug probes of a dpoll instance.
type Control interface {
	GetConfig() map[string]any
	SetConfig(cfg map[string]any) error
	Stats() map[string]any
	OnReload(fn func())
	RegisterDebugProbe(name string, fn func() any)

	// SetMetric stores an absolute metric value.
	SetMetric(key string, value any)
	// AddMetric increments an integer counter.
	AddMetric(key string, delta int64)
}
