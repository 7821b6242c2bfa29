// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the daemon configuration from a single YAML
// file. The path is always explicit; there is no search path and no
// environment override. Missing optional fields get defaults, and the
// result is validated before anything starts.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/anteroom-dev/anteroom/lib/ref"
)

// RateLimit configures the creation rate limiter.
type RateLimit struct {
	// Threshold is the creation count within the window that trips a
	// block.
	Threshold int `yaml:"threshold"`

	// WindowMinutes is the sliding window length.
	WindowMinutes int `yaml:"window_minutes"`

	// CooldownMinutes is how long a tripped user stays blocked.
	CooldownMinutes int `yaml:"cooldown_minutes"`
}

// Outbound throttles calls to the homeserver.
type Outbound struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Config is the daemon configuration.
type Config struct {
	// HomeserverURL is the base URL of the Matrix homeserver.
	HomeserverURL string `yaml:"homeserver_url"`

	// UserID is the service account. Required with AccessToken; with
	// password login it is derived from the login response.
	UserID string `yaml:"user_id"`

	// AccessToken authenticates an existing session. Either this or
	// Password must be set.
	AccessToken string `yaml:"access_token"`

	// Username and Password perform a password login instead.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// HubRoom is the room whose joins trigger creation.
	HubRoom string `yaml:"hub_room"`

	// RoomNamePrefix names created rooms and identifies adoptable ones.
	RoomNamePrefix string `yaml:"room_name_prefix"`

	// DefaultCapacity is applied to newly created rooms.
	DefaultCapacity int `yaml:"default_capacity"`

	RateLimit RateLimit `yaml:"rate_limit"`

	// GracePeriodSeconds is how long a room may sit empty before
	// deletion.
	GracePeriodSeconds int `yaml:"grace_period_seconds"`

	// SweepIntervalSeconds is the cadence of the occupancy sweep.
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`

	// RetentionDays bounds creation history. Zero keeps it forever.
	RetentionDays int `yaml:"retention_days"`

	// FallbackPanel creates a separate text channel for the panel when
	// posting into the room fails.
	FallbackPanel bool `yaml:"fallback_panel"`

	// Operators may run any control command on any room.
	Operators []string `yaml:"operators"`

	// DatabasePath is the SQLite file holding all durable state.
	DatabasePath string `yaml:"database_path"`

	Outbound Outbound `yaml:"outbound"`
}

// Load reads, defaults, and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.RoomNamePrefix == "" {
		c.RoomNamePrefix = "room: "
	}
	if c.DefaultCapacity == 0 {
		c.DefaultCapacity = 3
	}
	if c.RateLimit.Threshold == 0 {
		c.RateLimit.Threshold = 3
	}
	if c.RateLimit.WindowMinutes == 0 {
		c.RateLimit.WindowMinutes = 10
	}
	if c.RateLimit.CooldownMinutes == 0 {
		c.RateLimit.CooldownMinutes = 5
	}
	if c.GracePeriodSeconds == 0 {
		c.GracePeriodSeconds = 180
	}
	if c.SweepIntervalSeconds == 0 {
		c.SweepIntervalSeconds = 120
	}
	if c.Outbound.RequestsPerSecond == 0 {
		c.Outbound.RequestsPerSecond = 5
	}
	if c.Outbound.Burst == 0 {
		c.Outbound.Burst = 10
	}
}

func (c *Config) validate() error {
	if c.HomeserverURL == "" {
		return fmt.Errorf("homeserver_url is required")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}
	if c.AccessToken == "" && c.Password == "" {
		return fmt.Errorf("either access_token or username/password is required")
	}
	if c.AccessToken != "" {
		if _, err := ref.ParseUserID(c.UserID); err != nil {
			return fmt.Errorf("user_id is required with access_token: %w", err)
		}
	}
	if c.Password != "" && c.Username == "" {
		return fmt.Errorf("username is required with password")
	}
	if _, err := ref.ParseRoomID(c.HubRoom); err != nil {
		return fmt.Errorf("hub_room: %w", err)
	}
	if c.DefaultCapacity <= 0 {
		return fmt.Errorf("default_capacity must be positive, got %d", c.DefaultCapacity)
	}
	if c.RateLimit.Threshold <= 0 {
		return fmt.Errorf("rate_limit.threshold must be positive, got %d", c.RateLimit.Threshold)
	}
	if c.RateLimit.WindowMinutes <= 0 {
		return fmt.Errorf("rate_limit.window_minutes must be positive, got %d", c.RateLimit.WindowMinutes)
	}
	if c.RateLimit.CooldownMinutes <= 0 {
		return fmt.Errorf("rate_limit.cooldown_minutes must be positive, got %d", c.RateLimit.CooldownMinutes)
	}
	if c.GracePeriodSeconds <= 0 {
		return fmt.Errorf("grace_period_seconds must be positive, got %d", c.GracePeriodSeconds)
	}
	if c.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("sweep_interval_seconds must be positive, got %d", c.SweepIntervalSeconds)
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("retention_days must not be negative, got %d", c.RetentionDays)
	}
	for _, operator := range c.Operators {
		if _, err := ref.ParseUserID(operator); err != nil {
			return fmt.Errorf("operators: %w", err)
		}
	}
	return nil
}

// HubRoomID returns the parsed hub room. Valid after Load.
func (c *Config) HubRoomID() ref.RoomID {
	return ref.MustParseRoomID(c.HubRoom)
}

// ServiceUserID returns the parsed service account, or the zero value
// when password login will determine it.
func (c *Config) ServiceUserID() ref.UserID {
	if c.UserID == "" {
		return ref.UserID{}
	}
	return ref.MustParseUserID(c.UserID)
}

// OperatorIDs returns the parsed operator list. Valid after Load.
func (c *Config) OperatorIDs() []ref.UserID {
	operators := make([]ref.UserID, len(c.Operators))
	for i, operator := range c.Operators {
		operators[i] = ref.MustParseUserID(operator)
	}
	return operators
}

// Window returns the rate-limit window as a duration.
func (c *Config) Window() time.Duration {
	return time.Duration(c.RateLimit.WindowMinutes) * time.Minute
}

// Cooldown returns the rate-limit cooldown as a duration.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.RateLimit.CooldownMinutes) * time.Minute
}

// GracePeriod returns the empty-room grace period as a duration.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodSeconds) * time.Second
}

// SweepInterval returns the sweep cadence as a duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// RetentionPeriod returns the creation history horizon, zero when
// retention is unbounded.
func (c *Config) RetentionPeriod() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}
