// Package config provides the daemon's configuration loading and the
// per-worker environment variable map exported to every spawned child.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Home returns the daemon home directory, honoring MAB_HOME, defaulting to
// ~/.mab as mab/daemon.py's MAB_HOME does.
func Home() (string, error) {
	if v := os.Getenv("MAB_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".mab"), nil
}

// HealthConfig describes the process-wide monitoring policy.
type HealthConfig struct {
	CheckIntervalSeconds   float64 `toml:"health_check_interval_seconds"`
	HeartbeatTimeoutSeconds float64 `toml:"heartbeat_timeout_seconds"`
	MaxRestartCount        int     `toml:"max_restart_count"`
	RestartBackoffBase     float64 `toml:"restart_backoff_base_seconds"`
	RestartBackoffCap      float64 `toml:"restart_backoff_cap_seconds"`
	AutoRestartEnabled     bool    `toml:"auto_restart_enabled"`
}

// CheckInterval returns the check interval as a time.Duration.
func (h HealthConfig) CheckInterval() time.Duration {
	return time.Duration(h.CheckIntervalSeconds * float64(time.Second))
}

// HeartbeatTimeout returns the heartbeat timeout as a time.Duration.
func (h HealthConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(h.HeartbeatTimeoutSeconds * float64(time.Second))
}

// BackoffBase returns the restart backoff base delay as a time.Duration.
func (h HealthConfig) BackoffBase() time.Duration {
	return time.Duration(h.RestartBackoffBase * float64(time.Second))
}

// BackoffCap returns the restart backoff maximum delay as a time.Duration.
func (h HealthConfig) BackoffCap() time.Duration {
	return time.Duration(h.RestartBackoffCap * float64(time.Second))
}

// DefaultHealthConfig matches the values used throughout the end-to-end
// scenarios: a 30s health check cadence, 90s heartbeat staleness window,
// five restart attempts, backoff base 5s capped at 300s.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		CheckIntervalSeconds:    30,
		HeartbeatTimeoutSeconds: 90,
		MaxRestartCount:         5,
		RestartBackoffBase:      5,
		RestartBackoffCap:       300,
		AutoRestartEnabled:      true,
	}
}

// Dispatch holds the [dispatch] section of config.toml. It is decoded into
// Config but not passed on to the dispatcher: dispatch.start without
// interval_seconds or roles uses dispatch.DefaultInterval and every role in
// constants.RoleToLabel.
type Dispatch struct {
	IntervalSeconds float64  `toml:"dispatch_interval_seconds"`
	Roles           []string `toml:"dispatch_default_roles"`
}

// DefaultDispatch returns the default dispatch loop cadence and role order.
func DefaultDispatch() Dispatch {
	return Dispatch{
		IntervalSeconds: 5,
		Roles:           []string{"dev", "qa", "tech_lead", "reviewer", "manager"},
	}
}

// Config is the full daemon configuration, loaded from
// <home>/config.toml, falling back to defaults for anything unset.
type Config struct {
	Home             string
	Health           HealthConfig `toml:"health"`
	Dispatch         Dispatch     `toml:"dispatch"`
	RPCRequestTimeout time.Duration
	IdleConnTimeout   time.Duration
	MaxMessageBytes   int64
	ConnectionPoolSize int
}

// Default returns the configuration used when no config file exists, with
// the timeouts and limits fixed by the wire protocol contract.
func Default() (Config, error) {
	home, err := Home()
	if err != nil {
		return Config{}, err
	}
	return Config{
		Home:               home,
		Health:             DefaultHealthConfig(),
		Dispatch:           DefaultDispatch(),
		RPCRequestTimeout:  30 * time.Second,
		IdleConnTimeout:    60 * time.Second,
		MaxMessageBytes:    10 * 1024 * 1024,
		ConnectionPoolSize: 3,
	}, nil
}

// Load reads <home>/config.toml if present, overlaying it on Default().
// A missing config file is not an error.
func Load() (Config, error) {
	cfg, err := Default()
	if err != nil {
		return Config{}, err
	}

	path := filepath.Join(cfg.Home, "config.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var onDisk struct {
		Health   HealthConfig `toml:"health"`
		Dispatch Dispatch     `toml:"dispatch"`
	}
	onDisk.Health = cfg.Health
	onDisk.Dispatch = cfg.Dispatch
	if _, err := toml.Decode(string(data), &onDisk); err != nil {
		return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	cfg.Health = onDisk.Health
	cfg.Dispatch = onDisk.Dispatch
	return cfg, nil
}
