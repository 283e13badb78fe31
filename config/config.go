// Package config loads presence-relay's YAML configuration file and
// overlays CLI-supplied overrides. The file is unmarshalled into a typed
// struct and its non-zero fields are laid over Default().
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds every tunable of the relay. Every field has a default
// matching the literal constants spec'd for the protocol, so a missing
// config file never changes observable wire behaviour.
type Config struct {
	BindPort        uint16 `yaml:"bind_port"`
	IdentityBaseURL string `yaml:"identity_base_url"`

	PeerTimeout   time.Duration `yaml:"-"`
	RetryInterval time.Duration `yaml:"-"`
	RetryCap      int           `yaml:"-"`

	EngineTickInterval    time.Duration `yaml:"-"`
	BroadcastTickInterval time.Duration `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	LogDir   string `yaml:"log_dir"`

	raw rawConfig
}

// rawConfig mirrors the YAML file's string/number fields that need unit
// conversion (durations are authored in the file as plain seconds).
type rawConfig struct {
	BindPort             uint16 `yaml:"bind_port"`
	IdentityBaseURL      string `yaml:"identity_base_url"`
	PeerTimeoutSeconds   int    `yaml:"peer_timeout_seconds"`
	RetryIntervalSeconds int    `yaml:"retry_interval_seconds"`
	RetryCap             int    `yaml:"retry_cap"`
	EngineTickMillis     int    `yaml:"engine_tick_millis"`
	BroadcastTickMillis  int    `yaml:"broadcast_tick_millis"`
	LogLevel             string `yaml:"log_level"`
	LogDir               string `yaml:"log_dir"`
}

// Default returns the configuration that reproduces spec.md's literal
// constants with no file or flags present.
func Default() Config {
	return Config{
		BindPort:              31130,
		IdentityBaseURL:       "https://api.koneko.cat/",
		PeerTimeout:           60 * time.Second,
		RetryInterval:         1 * time.Second,
		RetryCap:              5,
		EngineTickInterval:    1 * time.Millisecond,
		BroadcastTickInterval: 1 * time.Millisecond,
		LogLevel:              "info",
		LogDir:                "log",
	}
}

// Load reads path (if present) and overlays it onto Default(). A missing
// file is not an error; any other read or parse failure is.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.raw = raw
	cfg.applyRaw(raw)

	return cfg, nil
}

func (c *Config) applyRaw(raw rawConfig) {
	if raw.BindPort != 0 {
		c.BindPort = raw.BindPort
	}
	if raw.IdentityBaseURL != "" {
		c.IdentityBaseURL = raw.IdentityBaseURL
	}
	if raw.PeerTimeoutSeconds > 0 {
		c.PeerTimeout = time.Duration(raw.PeerTimeoutSeconds) * time.Second
	}
	if raw.RetryIntervalSeconds > 0 {
		c.RetryInterval = time.Duration(raw.RetryIntervalSeconds) * time.Second
	}
	if raw.RetryCap > 0 {
		c.RetryCap = raw.RetryCap
	}
	if raw.EngineTickMillis > 0 {
		c.EngineTickInterval = time.Duration(raw.EngineTickMillis) * time.Millisecond
	}
	if raw.BroadcastTickMillis > 0 {
		c.BroadcastTickInterval = time.Duration(raw.BroadcastTickMillis) * time.Millisecond
	}
	if raw.LogLevel != "" {
		c.LogLevel = raw.LogLevel
	}
	if raw.LogDir != "" {
		c.LogDir = raw.LogDir
	}
}

// WithBindPort returns a copy of c with BindPort overridden, used to
// apply the single CLI positional argument from spec.md over the file
// default.
func (c Config) WithBindPort(port uint16) Config {
	c.BindPort = port
	return c
}
