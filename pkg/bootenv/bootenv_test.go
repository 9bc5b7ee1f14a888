package bootenv

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func resetForTest() {
	once = sync.Once{}
	current = Config{}
	loadErr = nil
}

func TestLoadReadsEnvironmentTuple(t *testing.T) {
	resetForTest()
	t.Setenv("NANOS_VERSION", "1.2.3")
	t.Setenv("OPS_VERSION", "0.9.0")
	t.Setenv("RADAR_KEY", "secret")
	t.Setenv("RADAR_IMAGE_NAME", "nanos/radar")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	want := Env{NanosVersion: "1.2.3", OpsVersion: "0.9.0", RadarKey: "secret", RadarImageName: "nanos/radar"}
	if cfg.Env != want {
		t.Fatalf("Env = %+v, want %+v", cfg.Env, want)
	}
	if cfg.Tunables.AcquireSpinLimit != 1<<24 {
		t.Fatalf("AcquireSpinLimit = %d, want default", cfg.Tunables.AcquireSpinLimit)
	}
}

func TestLoadIsReadOnceAndSubsequentCallsReturnCachedConfig(t *testing.T) {
	resetForTest()
	t.Setenv("NANOS_VERSION", "first")
	cfg1, err := Load("")
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}

	os.Setenv("NANOS_VERSION", "second")
	cfg2, err := Load("")
	if err != nil {
		t.Fatalf("second Load() = %v", err)
	}
	if cfg1 != cfg2 {
		t.Fatalf("cfg1 = %+v, cfg2 = %+v, want identical (read-once)", cfg1, cfg2)
	}
	if cfg2.Env.NanosVersion != "first" {
		t.Fatalf("NanosVersion = %q, want %q (env changes after Load must not be observed)", cfg2.Env.NanosVersion, "first")
	}
}

func TestManifestOverridesTunables(t *testing.T) {
	resetForTest()
	dir := t.TempDir()
	path := filepath.Join(dir, "boot.toml")
	content := `
[runloop]
bottom_half_queue_capacity = 512
acquire_spin_limit = 1000
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.Tunables.BottomHalfQueueCapacity != 512 {
		t.Fatalf("BottomHalfQueueCapacity = %d, want 512", cfg.Tunables.BottomHalfQueueCapacity)
	}
	if cfg.Tunables.AcquireSpinLimit != 1000 {
		t.Fatalf("AcquireSpinLimit = %d, want 1000", cfg.Tunables.AcquireSpinLimit)
	}
	// Untouched tunables keep their defaults.
	if cfg.Tunables.ThreadQueueCapacity != defaultTunables().ThreadQueueCapacity {
		t.Fatalf("ThreadQueueCapacity = %d, want default", cfg.Tunables.ThreadQueueCapacity)
	}
}

func TestLoadWithMissingManifestReturnsError(t *testing.T) {
	resetForTest()
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err == nil {
		t.Fatalf("expected error for missing manifest")
	}
}
