// control/hotreload.go
// Manages process-wide hot-reload hooks for config changes.
// TriggerHotReloadSync gives deterministic notification to tests and the C entry point.

package control

import "sync"

var (
	reloadMu    sync.Mutex
	reloadHooks []func()
)

// RegisterReloadHook adds a new component reload listener.
func RegisterReloadHook(fn func()) {
	reloadMu.Lock()
	reloadHooks = append(reloadHooks, fn)
	reloadMu.Unlock()
}

// ResetReloadHooks drops every registered hook. Used when an instance is torn down.
func ResetReloadHooks() {
	reloadMu.Lock()
	reloadHooks = nil
	reloadMu.Unlock()
}

func hooks() []func() {
	reloadMu.Lock()
	defer reloadMu.Unlock()
	return append([]func(){}, reloadHooks...)
}

// TriggerHotReload dispatches all reload hooks asynchronously.
func TriggerHotReload() {
	for _, fn := range hooks() {
		go fn()
	}
}

// TriggerHotReloadSync invokes all reload hooks synchronously.
func TriggerHotReloadSync() {
	for _, fn := range hooks() {
		fn()
	}
}
