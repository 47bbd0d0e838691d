// Package config is the ConfigBridge boundary between the embedding host and
// the tracing core: the target collector address/port and the target
// image's static-TLS size.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the tracing core.
type Config struct {
	// TargetAddress is the collector's IPv4 address (e.g. "10.0.0.5").
	// Required.
	TargetAddress string `yaml:"target_address"`

	// TargetPort is the collector's TCP port. Required.
	TargetPort uint16 `yaml:"target_port"`

	// OriginalTLSSize is the size, in bytes, of the target image's static
	// thread-local storage. It determines OFF_STATE and the other TLS
	// slot offsets (see internal/tlsslots). Required.
	OriginalTLSSize uint16 `yaml:"original_tls_size"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// DialTimeoutSeconds bounds the initial collector connection attempt
	// performed by HostBridge.Start. Defaults to 5 when omitted.
	DialTimeoutSeconds int `yaml:"dial_timeout_seconds"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info": true,
	"warn": true,
	"error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DialTimeoutSeconds == 0 {
		cfg.DialTimeoutSeconds = 5
	}
}

func validate(cfg *Config) error {
	var errs []error

	if cfg.TargetAddress == "" {
		errs = append(errs, errors.New("target_address is required"))
	}
	if cfg.TargetPort == 0 {
		errs = append(errs, errors.New("target_port is required"))
	}
	if cfg.OriginalTLSSize == 0 {
		errs = append(errs, errors.New("original_tls_size is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.DialTimeoutSeconds < 0 {
		errs = append(errs, errors.New("dial_timeout_seconds must not be negative"))
	}

	return errors.Join(errs...)
}
