package runtimecfg

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.SharedMemoryName != DefaultSharedMemoryName {
		t.Errorf("SharedMemoryName = %q, want default", cfg.SharedMemoryName)
	}
	if !cfg.WhetherEnabled {
		t.Error("WhetherEnabled should default to true")
	}
	if cfg.JITBackend != DefaultJITBackend {
		t.Errorf("JITBackend = %q, want default", cfg.JITBackend)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv(envSharedMemoryName, "custom_shm")
	t.Setenv(envMapsBasename, "custom_map")
	t.Setenv(envWhetherEnabled, "false")
	t.Setenv(envJITBackend, "interp")

	cfg := Load()
	if cfg.SharedMemoryName != "custom_shm" {
		t.Errorf("SharedMemoryName = %q", cfg.SharedMemoryName)
	}
	if cfg.MapsBasename != "custom_map" {
		t.Errorf("MapsBasename = %q", cfg.MapsBasename)
	}
	if cfg.WhetherEnabled {
		t.Error("WhetherEnabled should be false")
	}
	if cfg.JITBackend != "interp" {
		t.Errorf("JITBackend = %q", cfg.JITBackend)
	}
}

func TestLoadInvalidBooleanDefaultsToEnabled(t *testing.T) {
	t.Setenv(envWhetherEnabled, "not-a-bool")
	cfg := Load()
	if !cfg.WhetherEnabled {
		t.Error("an unparsable whether_enabled should fall back to enabled")
	}
}
