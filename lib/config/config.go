// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable that locates the config file
// when no --config flag is given.
const EnvVar = "PALAVER_CONFIG"

// DefaultRingTimeout is how long a call may stay ringing before it is
// recorded as missed.
const DefaultRingTimeout = 45 * time.Second

// Config is the configuration for a calling client process.
type Config struct {
	// Identity identifies the local user.
	Identity IdentityConfig `yaml:"identity"`

	// Redis configures the signaling store connection.
	Redis RedisConfig `yaml:"redis"`

	// ICE configures STUN/TURN servers for media connectivity.
	ICE ICEConfig `yaml:"ice"`

	// Calling configures call behavior.
	Calling CallingConfig `yaml:"calling"`
}

// IdentityConfig identifies the local user to the signaling store.
type IdentityConfig struct {
	// UserID is the stable user identifier. Required.
	UserID string `yaml:"user_id"`
}

// RedisConfig configures the connection to the Redis signaling store.
type RedisConfig struct {
	// Addr is the host:port of the Redis server. Required.
	Addr string `yaml:"addr"`

	// Password is the AUTH password. Empty means no auth.
	Password string `yaml:"password,omitempty"`

	// DB is the logical database index.
	DB int `yaml:"db,omitempty"`
}

// ICEServer is one STUN or TURN server entry.
type ICEServer struct {
	// URLs lists the server URIs (stun:..., turn:...).
	URLs []string `yaml:"urls"`

	// Username and Credential authenticate to TURN servers. Empty for
	// plain STUN.
	Username   string `yaml:"username,omitempty"`
	Credential string `yaml:"credential,omitempty"`
}

// ICEConfig holds the ICE server list. An empty list means host
// candidates only, which is sufficient for same-LAN testing.
type ICEConfig struct {
	Servers []ICEServer `yaml:"servers,omitempty"`
}

// CallingConfig configures call behavior.
type CallingConfig struct {
	// RingTimeout is how long a call may ring before it is recorded as
	// missed. Zero means DefaultRingTimeout.
	RingTimeout time.Duration `yaml:"ring_timeout,omitempty"`

	// HistoryPath is the SQLite call-history database path. Empty
	// disables local call history.
	HistoryPath string `yaml:"history_path,omitempty"`
}

// Locate resolves the config file path from the flag value or the
// PALAVER_CONFIG environment variable. There is no search path or
// automatic discovery: configuration always comes from one explicit
// file.
func Locate(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if env := os.Getenv(EnvVar); env != "" {
		return env, nil
	}
	return "", fmt.Errorf("config: no config file: pass --config or set %s", EnvVar)
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if cfg.Calling.RingTimeout == 0 {
		cfg.Calling.RingTimeout = DefaultRingTimeout
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Identity.UserID == "" {
		return fmt.Errorf("identity.user_id is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Calling.RingTimeout < 0 {
		return fmt.Errorf("calling.ring_timeout must not be negative")
	}
	for i, server := range c.ICE.Servers {
		if len(server.URLs) == 0 {
			return fmt.Errorf("ice.servers[%d].urls is empty", i)
		}
	}
	return nil
}
