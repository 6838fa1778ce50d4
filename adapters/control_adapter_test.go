package adapters_test

import (
	"testing"

	"github.com/momentics/dpoll/adapters"
)

func TestControlAdapterBasic(t *testing.T) {
	ctrl := adapters.NewControlAdapter()
	cfg := ctrl.GetConfig()
	if len(cfg) != 0 {
		t.Error("Expected empty config on init")
	}
	if err := ctrl.SetConfig(map[string]any{"k": 1}); err != nil {
		t.Fatal(err)
	}
	if ctrl.GetConfig()["k"] != 1 {
		t.Error("SetConfig did not apply")
	}
	called := false
	ctrl.OnReload(func() { called = true })
	ctrl.SetConfig(map[string]any{"x": 2})
	if !called {
		t.Error("Reload hook not called")
	}
}

func TestControlAdapterStats(t *testing.T) {
	ctrl := adapters.NewControlAdapter()
	ctrl.AddMetric("ops.submitted", 2)
	ctrl.AddMetric("ops.submitted", 3)
	ctrl.SetMetric("fd.open", 7)
	ctrl.RegisterDebugProbe("registry.open", func() any { return 4 })

	stats := ctrl.Stats()
	if got := stats["ops.submitted"]; got != int64(5) {
		t.Errorf("ops.submitted = %v, want 5", got)
	}
	if got := stats["fd.open"]; got != 7 {
		t.Errorf("fd.open = %v, want 7", got)
	}
	if got := stats["debug.registry.open"]; got != 4 {
		t.Errorf("debug.registry.open = %v, want 4", got)
	}
	if _, ok := stats["debug.platform.cpus"]; !ok {
		t.Error("platform probe missing")
	}
}
