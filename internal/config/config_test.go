package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "work"
	cfg.Transport.URL = "nats://example:4222"
	cfg.Queue.Capacity = 500
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.Transport.URL != "nats://example:4222" {
		t.Errorf("Transport.URL = %q", loaded.Transport.URL)
	}
	if loaded.Queue.Capacity != 500 {
		t.Errorf("Queue.Capacity = %d, want 500", loaded.Queue.Capacity)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")
	if err := os.WriteFile(path, []byte("[typing]\ndebounce_ms = 250\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Typing.DebounceMs != 250 {
		t.Errorf("Typing.DebounceMs = %d, want 250", cfg.Typing.DebounceMs)
	}
	// Untouched sections keep their defaults.
	if cfg.Typing.AutoStopS != 10 {
		t.Errorf("Typing.AutoStopS = %d, want default 10", cfg.Typing.AutoStopS)
	}
	if cfg.Queue.Capacity != 1000 {
		t.Errorf("Queue.Capacity = %d, want default 1000", cfg.Queue.Capacity)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Channel.MaxReconnectAttempts != 5 {
		t.Errorf("MaxReconnectAttempts = %d, want 5", cfg.Channel.MaxReconnectAttempts)
	}
	if cfg.Channel.ReconnectBaseMs != 1000 || cfg.Channel.ReconnectMaxMs != 30000 {
		t.Errorf("reconnect = %d/%d, want 1000/30000", cfg.Channel.ReconnectBaseMs, cfg.Channel.ReconnectMaxMs)
	}
	if cfg.Typing.DebounceMs != 500 || cfg.Typing.AutoStopS != 10 || cfg.Typing.MaxDurationS != 30 {
		t.Errorf("typing defaults = %+v", cfg.Typing)
	}
	if cfg.Queue.Capacity != 1000 || cfg.Queue.MaxRetries != 3 {
		t.Errorf("queue defaults = %+v", cfg.Queue)
	}
	if cfg.Adaptive.BatteryThreshold != 0.20 {
		t.Errorf("BatteryThreshold = %v, want 0.20", cfg.Adaptive.BatteryThreshold)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadOrDefaultMissing(t *testing.T) {
	cfg := LoadOrDefault("/nonexistent/config.toml")
	if cfg.Queue.Capacity != 1000 {
		t.Errorf("Queue.Capacity = %d, want default 1000", cfg.Queue.Capacity)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
