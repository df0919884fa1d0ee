// Package runtimecfg reads the environment-variable configuration spec
// §6 defines, once at process start, the same way the teacher's
// std/compiler/main.go resolves its globals (targetGOOS, targetBackend,
// ...) from parsed flags before any compilation work begins.
package runtimecfg

import (
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
)

const (
	envSharedMemoryName = "shared_memory_name"
	envMapsBasename     = "maps_basename"
	envWhetherEnabled   = "whether_enabled"
	envJITBackend       = "jit_backend"

	// DefaultSharedMemoryName matches internal/handlertable's own
	// default, used when the environment does not override it.
	DefaultSharedMemoryName = "bpftime_maps_shm"
	DefaultMapsBasename     = "bpftime_map"
	DefaultJITBackend       = "x64"
)

// Config is the runtime's environment-derived configuration (spec §6:
// "Environment configuration (recognized options)").
type Config struct {
	SharedMemoryName string
	MapsBasename     string
	WhetherEnabled   bool
	JITBackend       string
}

// Load reads the recognized environment variables and returns a Config,
// applying the package defaults for anything unset. It never fails:
// an unparsable whether_enabled falls back to true and is logged, since
// a misconfigured boolean should not block process start any more than
// the teacher's own flag defaults do.
func Load() *Config {
	cfg := &Config{
		SharedMemoryName: DefaultSharedMemoryName,
		MapsBasename:     DefaultMapsBasename,
		WhetherEnabled:   true,
		JITBackend:       DefaultJITBackend,
	}

	if v, ok := os.LookupEnv(envSharedMemoryName); ok && v != "" {
		cfg.SharedMemoryName = v
	}
	if v, ok := os.LookupEnv(envMapsBasename); ok && v != "" {
		cfg.MapsBasename = v
	}
	if v, ok := os.LookupEnv(envJITBackend); ok && v != "" {
		cfg.JITBackend = v
	}
	if v, ok := os.LookupEnv(envWhetherEnabled); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"component": "runtimecfg",
				"value":     v,
			}).Warn("cannot parse whether_enabled, defaulting to enabled")
		} else {
			cfg.WhetherEnabled = b
		}
	}

	logrus.WithFields(logrus.Fields{
		"component":          "runtimecfg",
		"shared_memory_name": cfg.SharedMemoryName,
		"maps_basename":      cfg.MapsBasename,
		"whether_enabled":    cfg.WhetherEnabled,
		"jit_backend":        cfg.JITBackend,
	}).Info("runtime configuration loaded")

	return cfg
}
