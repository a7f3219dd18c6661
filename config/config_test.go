package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Device.NumQueues != 2 {
		t.Errorf("Device.NumQueues = %d, want 2", cfg.Device.NumQueues)
	}
	if cfg.VDUSE.PollInterval != time.Millisecond {
		t.Errorf("VDUSE.PollInterval = %v, want 1ms", cfg.VDUSE.PollInterval)
	}
}

func TestLoadEmptyPathReturnsDefault(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") = %v", err)
	}
	if cfg.Device.Name != Default().Device.Name {
		t.Errorf("Load(\"\") did not return the default device name")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backend.toml")
	body := `
[device]
name = "vhost-net1"
socket_path = "/tmp/vhost-net1.sock"
num_queues = 4
enable_postcopy = true

[vduse]
enabled = true
poll_attempts = 50

[logging]
level = "debug"
`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load(%q) = %v", path, err)
	}
	if cfg.Device.Name != "vhost-net1" {
		t.Errorf("Device.Name = %q, want vhost-net1", cfg.Device.Name)
	}
	if cfg.Device.NumQueues != 4 {
		t.Errorf("Device.NumQueues = %d, want 4", cfg.Device.NumQueues)
	}
	if !cfg.Device.EnablePostcopy {
		t.Error("Device.EnablePostcopy = false, want true")
	}
	if !cfg.VDUSE.Enabled {
		t.Error("VDUSE.Enabled = false, want true")
	}
	if cfg.VDUSE.PollAttempts != 50 {
		t.Errorf("VDUSE.PollAttempts = %d, want 50", cfg.VDUSE.PollAttempts)
	}
	// PollInterval was left unset in the file; Load must fill the default.
	if cfg.VDUSE.PollInterval != time.Millisecond {
		t.Errorf("VDUSE.PollInterval = %v, want the 1ms default", cfg.VDUSE.PollInterval)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backend.toml")
	if err := os.WriteFile(path, []byte("this is not toml {{{"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load on a malformed file succeeded, want an error")
	}
}
