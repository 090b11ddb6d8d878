// Copyright 2026 The Fleetsync Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hearthware/fleetsync/lib/secret"
)

// EnvVar names the environment variable that locates the config file
// when no --config flag is given.
const EnvVar = "FLEETSYNC_CONFIG"

// Config is the master configuration for the fleetsync service.
type Config struct {
	// ListenAddress is the TCP address the HTTP server binds
	// (e.g. ":8470").
	ListenAddress string `yaml:"listen_address"`

	// DatabasePath is the SQLite database file. The parent directory
	// must exist.
	DatabasePath string `yaml:"database_path"`

	// MasterKeyFile is the path to the vault master key: 64 hex
	// characters (32 bytes). Required.
	MasterKeyFile string `yaml:"master_key_file"`

	// PairingTokenFile is the path to the operator bearer token that
	// guards the pairing endpoint. Required.
	PairingTokenFile string `yaml:"pairing_token_file"`

	// Heartbeat holds the protocol tunables.
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`

	// ConnectionConfig configures forwarding of validated LAN base
	// URLs to the connection-config collaborator.
	ConnectionConfig ConnectionConfig `yaml:"connection_config"`
}

// HeartbeatConfig holds the protocol tunables.
type HeartbeatConfig struct {
	// MaxSkewSeconds is the allowed difference between a heartbeat's
	// claimed timestamp and server time. Default 300.
	MaxSkewSeconds int `yaml:"max_skew_seconds"`

	// DefaultRotateMinutes is the rotation interval assigned to newly
	// paired hubs. Default 1440 (daily).
	DefaultRotateMinutes int `yaml:"default_rotate_minutes"`

	// DefaultGraceMinutes is the grace window assigned to newly
	// paired hubs. Default 30.
	DefaultGraceMinutes int `yaml:"default_grace_minutes"`

	// HubServicePort is the well-known port a hub's LAN service
	// listens on; reported LAN base URLs must use exactly this port.
	// Default 8123.
	HubServicePort int `yaml:"hub_service_port"`
}

// ConnectionConfig configures the connection-config collaborator.
type ConnectionConfig struct {
	// Endpoint is the URL that receives validated LAN base URL
	// updates. Empty disables forwarding.
	Endpoint string `yaml:"endpoint"`

	// TimeoutSeconds bounds each forwarding request. Default 5.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// MaxSkew returns the skew tolerance as a duration.
func (h HeartbeatConfig) MaxSkew() time.Duration {
	return time.Duration(h.MaxSkewSeconds) * time.Second
}

// DefaultRotateEvery returns the default rotation interval as a
// duration.
func (h HeartbeatConfig) DefaultRotateEvery() time.Duration {
	return time.Duration(h.DefaultRotateMinutes) * time.Minute
}

// DefaultGrace returns the default grace window as a duration.
func (h HeartbeatConfig) DefaultGrace() time.Duration {
	return time.Duration(h.DefaultGraceMinutes) * time.Minute
}

// Timeout returns the forwarding timeout as a duration.
func (c ConnectionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ResolvePath determines the config file path from the --config flag
// value and the environment. The flag wins; with neither set, an
// error tells the operator exactly what to provide.
func ResolvePath(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if fromEnv := os.Getenv(EnvVar); fromEnv != "" {
		return fromEnv, nil
	}
	return "", fmt.Errorf("config: no config file specified (set %s or pass --config)", EnvVar)
}

// Load reads, parses, defaults, and validates the config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = ":8470"
	}
	if c.Heartbeat.MaxSkewSeconds == 0 {
		c.Heartbeat.MaxSkewSeconds = 300
	}
	if c.Heartbeat.DefaultRotateMinutes == 0 {
		c.Heartbeat.DefaultRotateMinutes = 24 * 60
	}
	if c.Heartbeat.DefaultGraceMinutes == 0 {
		c.Heartbeat.DefaultGraceMinutes = 30
	}
	if c.Heartbeat.HubServicePort == 0 {
		c.Heartbeat.HubServicePort = 8123
	}
	if c.ConnectionConfig.TimeoutSeconds == 0 {
		c.ConnectionConfig.TimeoutSeconds = 5
	}
}

func (c *Config) validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}
	if c.MasterKeyFile == "" {
		return fmt.Errorf("master_key_file is required")
	}
	if c.PairingTokenFile == "" {
		return fmt.Errorf("pairing_token_file is required")
	}
	if c.Heartbeat.MaxSkewSeconds < 0 {
		return fmt.Errorf("heartbeat.max_skew_seconds must not be negative")
	}
	if c.Heartbeat.HubServicePort < 1 || c.Heartbeat.HubServicePort > 65535 {
		return fmt.Errorf("heartbeat.hub_service_port %d out of range", c.Heartbeat.HubServicePort)
	}
	return nil
}

// LoadMasterKey reads the hex-encoded vault master key named by the
// config into locked memory, returning the raw 32-byte key. The hex
// intermediate is zeroed before return.
func (c *Config) LoadMasterKey() (*secret.Buffer, error) {
	hexBuffer, err := secret.ReadFromPath(c.MasterKeyFile)
	if err != nil {
		return nil, fmt.Errorf("config: master key: %w", err)
	}
	defer hexBuffer.Close()

	raw := make([]byte, hex.DecodedLen(hexBuffer.Len()))
	if _, err := hex.Decode(raw, hexBuffer.Bytes()); err != nil {
		secret.Zero(raw)
		return nil, fmt.Errorf("config: master key in %s is not valid hex: %w", c.MasterKeyFile, err)
	}

	buffer, err := secret.NewFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("config: master key: %w", err)
	}
	return buffer, nil
}

// LoadPairingToken reads the operator pairing token named by the
// config into locked memory.
func (c *Config) LoadPairingToken() (*secret.Buffer, error) {
	buffer, err := secret.ReadFromPath(c.PairingTokenFile)
	if err != nil {
		return nil, fmt.Errorf("config: pairing token: %w", err)
	}
	return buffer, nil
}
