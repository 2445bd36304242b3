package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Lock.MaxFailedAttempts != 5 {
		t.Errorf("default max attempts = %d", cfg.Lock.MaxFailedAttempts)
	}
	if !cfg.Nuke.Settings.SecureWipe || cfg.Nuke.Settings.SecureWipePasses != 3 {
		t.Errorf("unexpected default wipe settings: %+v", cfg.Nuke.Settings)
	}
	if cfg.GracePeriod() != 2*time.Second {
		t.Errorf("default grace period = %v", cfg.GracePeriod())
	}
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
state_dir: /tmp/guardian-test
lock:
  max_failed_attempts: 3
  background_timeout_seconds: -1
watch:
  threshold: 0
nuke:
  secure_wipe: false
  grace_period_ms: 5000
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.StateDir != "/tmp/guardian-test" {
		t.Errorf("state_dir = %q", cfg.StateDir)
	}
	if cfg.Lock.MaxFailedAttempts != 3 {
		t.Errorf("max_failed_attempts = %d", cfg.Lock.MaxFailedAttempts)
	}
	if cfg.BackgroundTimeout() >= 0 {
		t.Errorf("background timeout = %v, want negative", cfg.BackgroundTimeout())
	}
	if cfg.Watch.Threshold != 0 {
		t.Errorf("threshold = %d", cfg.Watch.Threshold)
	}
	if cfg.Nuke.Settings.SecureWipe {
		t.Error("secure_wipe override ignored")
	}
	if cfg.GracePeriod() != 5*time.Second {
		t.Errorf("grace period = %v", cfg.GracePeriod())
	}

	// Untouched fields keep their defaults.
	if cfg.Lock.LockoutSeconds != 30 {
		t.Errorf("lockout_seconds = %d, want default 30", cfg.Lock.LockoutSeconds)
	}
	if !cfg.Nuke.Settings.WipeDatabase {
		t.Error("wipe_database default lost")
	}
}

func TestKeyStorePathsUnderStateDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StateDir = "/data/g"
	if got := cfg.KeyStoreDir(); got != "/data/g/keys" {
		t.Errorf("KeyStoreDir = %q", got)
	}
	if got := cfg.PrefStorePath(); got != "/data/g/prefs.db" {
		t.Errorf("PrefStorePath = %q", got)
	}
}
