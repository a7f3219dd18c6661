// Package config loads the backend's on-disk TOML configuration: socket
// path, advertised feature overrides, VDUSE runtime directory, and the
// inflight/postcopy toggles (SPEC_FULL §1 "Configuration").
package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config is the top-level backend configuration file shape.
type Config struct {
	Device  DeviceConfig  `toml:"device"`
	VDUSE   VDUSEConfig   `toml:"vduse"`
	Logging LoggingConfig `toml:"logging"`
}

// DeviceConfig describes the virtio device identity and its vhost-user
// socket transport.
type DeviceConfig struct {
	Name           string   `toml:"name"`
	SocketPath     string   `toml:"socket_path"`
	NumQueues      int      `toml:"num_queues"`
	QueueSize      int      `toml:"queue_size"`
	MTU            int      `toml:"mtu"`
	DisableFeatures []string `toml:"disable_features"`
	EnablePostcopy bool     `toml:"enable_postcopy"`
	EnableInflight bool     `toml:"enable_inflight"`
}

// VDUSEConfig describes the VDUSE chardev transport, used only when the
// backend is started with `serve-vduse` instead of `serve`.
type VDUSEConfig struct {
	Enabled       bool          `toml:"enabled"`
	RuntimeDir    string        `toml:"runtime_dir"`
	PollAttempts  int           `toml:"poll_attempts"`
	PollInterval  time.Duration `toml:"poll_interval"`
}

// LoggingConfig controls the logrus backend (SPEC_FULL §1 "Logging").
type LoggingConfig struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
}

// Default returns a configuration with the defaults the CLI falls back to
// when no file is given.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Name:      "vhost-net0",
			NumQueues: 2,
			QueueSize: 256,
			MTU:       1500,
		},
		VDUSE: VDUSEConfig{
			PollAttempts: 100,
			PollInterval: time.Millisecond,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads and parses path, filling in any field left zero-valued with
// the Default() value.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if cfg.VDUSE.PollAttempts == 0 {
		cfg.VDUSE.PollAttempts = 100
	}
	if cfg.VDUSE.PollInterval == 0 {
		cfg.VDUSE.PollInterval = time.Millisecond
	}
	return cfg, nil
}
