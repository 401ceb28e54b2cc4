// Package config loads the termherd.yaml server configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the server's tunables. Fields missing from the file keep the
// defaults below; a listen_port outside 1–65535 or a non-positive
// poll_interval in the file is an error. Command-line flags override the file.
type Config struct {
	ListenPort int    `yaml:"listen_port"`
	Shell      string `yaml:"shell"`

	// PollInterval is the default execute window length in seconds when a
	// request does not carry one.
	PollInterval float64 `yaml:"poll_interval"`

	// ReaderBuffer is the reader → aggregator channel depth per execution.
	ReaderBuffer int `yaml:"reader_buffer"`

	// SubscriberBuffer is the per-topic-subscriber queue depth.
	SubscriberBuffer int `yaml:"subscriber_buffer"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		ListenPort:       5001,
		Shell:            "/bin/bash",
		PollInterval:     2,
		ReaderBuffer:     256,
		SubscriberBuffer: 256,
		LogLevel:         "info",
	}
}

// Load reads path and overlays it onto the defaults. A missing file is not
// an error — the defaults are returned as-is.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.ListenPort <= 0 || cfg.ListenPort > 65535 {
		return cfg, fmt.Errorf("listen_port out of range: %d", cfg.ListenPort)
	}
	if cfg.PollInterval <= 0 {
		return cfg, fmt.Errorf("poll_interval must be positive")
	}
	return cfg, nil
}
