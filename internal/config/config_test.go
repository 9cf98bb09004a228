package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxConcurrentGlobal != Default().MaxConcurrentGlobal {
		t.Fatalf("expected default MaxConcurrentGlobal, got %d", cfg.MaxConcurrentGlobal)
	}
}

func TestLoadOverridesOnlySetKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := "max_concurrent_global: 9\nbackoff:\n  strategy: linear\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxConcurrentGlobal != 9 {
		t.Fatalf("expected override to 9, got %d", cfg.MaxConcurrentGlobal)
	}
	if cfg.Backoff.Strategy != "linear" {
		t.Fatalf("expected strategy override, got %q", cfg.Backoff.Strategy)
	}
	// Untouched keys keep their defaults.
	if cfg.Circuit.Threshold != Default().Circuit.Threshold {
		t.Fatalf("expected untouched circuit_breaker.threshold to stay default, got %d", cfg.Circuit.Threshold)
	}
}

func TestLoadRejectsInvalidStrategy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("backoff:\n  strategy: chaotic\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid backoff.strategy")
	}
}

func TestLoadRejectsNonPositiveConcurrency(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("max_concurrent_global: 0\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for max_concurrent_global: 0")
	}
}

func TestLockTTLAddsSafetyMargin(t *testing.T) {
	cfg := Default()
	cfg.TaskTimeoutMS = 60_000
	got := cfg.LockTTL()
	want := time.Minute + 30*time.Second
	if got != want {
		t.Fatalf("LockTTL = %v, want %v", got, want)
	}
}

func TestRetryConfigSplitsDefaultAndPerKindMaxRetries(t *testing.T) {
	cfg := Default()
	cfg.MaxRetries = map[string]int{"default": 3, "network": 7}

	_, defaultPolicy, perKind := cfg.RetryConfig()
	if defaultPolicy.MaxRetries != 3 {
		t.Fatalf("expected default policy MaxRetries 3, got %d", defaultPolicy.MaxRetries)
	}
	if n, ok := perKind["network"]; !ok || n != 7 {
		t.Fatalf("expected per-kind override network=7, got %v", perKind)
	}
	if _, ok := perKind["default"]; ok {
		t.Fatal("default should not appear in the per-kind override map")
	}
}

func TestManagerReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("max_concurrent_global: 5\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	mgr, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if mgr.Current().MaxConcurrentGlobal != 5 {
		t.Fatalf("expected 5, got %d", mgr.Current().MaxConcurrentGlobal)
	}

	var reloadErr error
	mgr.OnError(func(err error) { reloadErr = err })

	if err := os.WriteFile(path, []byte("max_concurrent_global: -1\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := mgr.Reload(); err == nil {
		t.Fatal("expected Reload to fail on invalid config")
	}
	if reloadErr == nil {
		t.Fatal("expected OnError callback to fire")
	}
	if mgr.Current().MaxConcurrentGlobal != 5 {
		t.Fatalf("expected previous config retained, got %d", mgr.Current().MaxConcurrentGlobal)
	}
}

func TestManagerReloadAppliesValidChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("max_concurrent_global: 5\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	mgr, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	var reloaded *Config
	mgr.OnReload(func(c *Config) { reloaded = c })

	if err := os.WriteFile(path, []byte("max_concurrent_global: 11\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := mgr.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if mgr.Current().MaxConcurrentGlobal != 11 {
		t.Fatalf("expected 11, got %d", mgr.Current().MaxConcurrentGlobal)
	}
	if reloaded == nil || reloaded.MaxConcurrentGlobal != 11 {
		t.Fatal("expected OnReload callback to receive the new config")
	}
}
