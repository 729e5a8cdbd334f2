package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chatwire/config.toml.
// Durations are plain integers in the file (milliseconds or seconds as the
// field name says); components convert them once at wiring time.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	Identity  Identity  `toml:"identity"`
	Transport Transport `toml:"transport"`
	Channel   Channel   `toml:"channel"`
	Typing    Typing    `toml:"typing"`
	Queue     Queue     `toml:"queue"`
	Adaptive  Adaptive  `toml:"adaptive"`
}

// Identity is the local user presented on the wire. An empty user id falls
// back to the profile name.
type Identity struct {
	UserID   string `toml:"user_id"`
	UserName string `toml:"user_name"`
}

// Transport configures the realtime transport connection.
type Transport struct {
	URL           string `toml:"url"`
	SubjectPrefix string `toml:"subject_prefix"`
}

// Channel configures per-conversation channel behavior.
type Channel struct {
	MaxReconnectAttempts int `toml:"max_reconnect_attempts"`
	ReconnectBaseMs      int `toml:"reconnect_base_ms"`
	ReconnectMaxMs       int `toml:"reconnect_max_ms"`
	BatchWindowMs        int `toml:"batch_window_ms"`
	HeartbeatS           int `toml:"heartbeat_s"`
}

// Typing configures the typing indicator manager.
type Typing struct {
	DebounceMs     int `toml:"debounce_ms"`
	AutoStopS      int `toml:"auto_stop_s"`
	MaxDurationS   int `toml:"max_duration_s"`
	SweepIntervalS int `toml:"sweep_interval_s"`
}

// Queue configures the offline action queue.
type Queue struct {
	Capacity       int `toml:"capacity"`
	MaxRetries     int `toml:"max_retries"`
	RetryBackoffMs int `toml:"retry_backoff_ms"`
	DrainIntervalS int `toml:"drain_interval_s"`
	SettleDelayS   int `toml:"settle_delay_s"`
}

// Adaptive configures the adaptive connection controller.
type Adaptive struct {
	BatteryThreshold float64 `toml:"battery_threshold"`
}

// Default returns a config populated with every documented default.
func Default() *Config {
	return &Config{
		Transport: Transport{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "chat",
		},
		Channel: Channel{
			MaxReconnectAttempts: 5,
			ReconnectBaseMs:      1000,
			ReconnectMaxMs:       30000,
			BatchWindowMs:        100,
			HeartbeatS:           30,
		},
		Typing: Typing{
			DebounceMs:     500,
			AutoStopS:      10,
			MaxDurationS:   30,
			SweepIntervalS: 5,
		},
		Queue: Queue{
			Capacity:       1000,
			MaxRetries:     3,
			RetryBackoffMs: 5000,
			DrainIntervalS: 30,
			SettleDelayS:   2,
		},
		Adaptive: Adaptive{
			BatteryThreshold: 0.20,
		},
	}
}

// Load reads config from the given path, merged over Default().
// Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault reads config from path, falling back to Default() when the
// file does not exist.
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		return Default()
	}
	return cfg
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
