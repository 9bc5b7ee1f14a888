// Package bootenv implements the CLI/environment contract: an
// environment tuple read once at init, optionally overlaid by a boot
// manifest for per-CPU run-loop tunables. The core itself has no CLI;
// this package is the ambient configuration layer cmd/nanoskernel loads
// before bringing up CPUs.
//
// Grounded on runsc/config's flag/file layering, simplified to a single
// TOML overlay over an environment tuple (no flag parser, since the
// core names only an environment tuple, not CLI flags, as its
// contract).
package bootenv

import (
	"fmt"
	"os"
	"sync"

	"github.com/BurntSushi/toml"
)

// Env is the environment tuple read from the process's environment
// variables at boot.
type Env struct {
	NanosVersion   string
	OpsVersion     string
	RadarKey       string
	RadarImageName string
}

// Tunables are per-CPU run-loop sizing knobs, separate from the
// environment tuple but needed to construct a runloop.Loop; overridable
// via the optional TOML manifest.
type Tunables struct {
	BottomHalfQueueCapacity int
	Async1QueueCapacity     int
	ThreadQueueCapacity     int
	AcquireSpinLimit        int64
}

// Config is the fully resolved boot-time configuration.
type Config struct {
	Env      Env
	Tunables Tunables
}

func defaultTunables() Tunables {
	return Tunables{
		BottomHalfQueueCapacity: 256,
		Async1QueueCapacity:     256,
		ThreadQueueCapacity:     64,
		AcquireSpinLimit:        1 << 24,
	}
}

// manifest is the TOML shape of an optional boot manifest overlay.
// Zero fields are left at their defaults (a manifest need only specify
// the tunables it wants to change).
type manifest struct {
	Runloop struct {
		BottomHalfQueueCapacity int   `toml:"bottom_half_queue_capacity"`
		Async1QueueCapacity     int   `toml:"async1_queue_capacity"`
		ThreadQueueCapacity     int   `toml:"thread_queue_capacity"`
		AcquireSpinLimit        int64 `toml:"acquire_spin_limit"`
	} `toml:"runloop"`
}

var (
	once    sync.Once
	current Config
	loadErr error
)

// Load reads the NANOS_VERSION/OPS_VERSION/RADAR_KEY/RADAR_IMAGE_NAME
// environment tuple and, if manifestPath is non-empty, overlays tunables
// from a TOML boot manifest. Only the first call does any work — read
// once at init, the resolved Config is immutable for the remainder of
// the process; subsequent calls (with any arguments) return the same
// Config and error regardless of manifestPath.
func Load(manifestPath string) (Config, error) {
	once.Do(func() {
		current, loadErr = load(manifestPath)
	})
	return current, loadErr
}

// Current returns the Config resolved by the first call to Load. Calling
// it before any Load call returns the zero Config.
func Current() Config { return current }

func load(manifestPath string) (Config, error) {
	cfg := Config{
		Env: Env{
			NanosVersion:   os.Getenv("NANOS_VERSION"),
			OpsVersion:     os.Getenv("OPS_VERSION"),
			RadarKey:       os.Getenv("RADAR_KEY"),
			RadarImageName: os.Getenv("RADAR_IMAGE_NAME"),
		},
		Tunables: defaultTunables(),
	}

	if manifestPath == "" {
		return cfg, nil
	}

	var m manifest
	if _, err := toml.DecodeFile(manifestPath, &m); err != nil {
		return Config{}, fmt.Errorf("bootenv: decoding manifest %s: %w", manifestPath, err)
	}
	if m.Runloop.BottomHalfQueueCapacity > 0 {
		cfg.Tunables.BottomHalfQueueCapacity = m.Runloop.BottomHalfQueueCapacity
	}
	if m.Runloop.Async1QueueCapacity > 0 {
		cfg.Tunables.Async1QueueCapacity = m.Runloop.Async1QueueCapacity
	}
	if m.Runloop.ThreadQueueCapacity > 0 {
		cfg.Tunables.ThreadQueueCapacity = m.Runloop.ThreadQueueCapacity
	}
	if m.Runloop.AcquireSpinLimit > 0 {
		cfg.Tunables.AcquireSpinLimit = m.Runloop.AcquireSpinLimit
	}
	return cfg, nil
}
