// Quartermaster - Offline-First Inventory and Project Ledger
// Copyright 2026 Quartermaster Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quartermaster-app/quartermaster

// Package config provides layered configuration loading via Koanf v2.
//
// Sources are merged lowest to highest priority:
//
//  1. Built-in defaults (structs provider)
//  2. Config file (config.yaml, file provider)
//  3. Environment variables (QM_ prefix, env provider)
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the sync engine daemon.
type Config struct {
	Logging      LoggingConfig      `koanf:"logging"`
	Store        StoreConfig        `koanf:"store"`
	Remote       RemoteConfig       `koanf:"remote"`
	Connectivity ConnectivityConfig `koanf:"connectivity"`
	Queue        QueueConfig        `koanf:"queue"`
	Scheduler    SchedulerConfig    `koanf:"scheduler"`
	HTTP         HTTPConfig         `koanf:"http"`
	Session      SessionConfig      `koanf:"session"`
}

// LoggingConfig mirrors logging.Config for file/env configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// StoreConfig holds the BadgerDB paths and tuning for the durable stores.
// Operations, entity snapshots, and lineage edges live in separate Badger
// instances so compaction of one never stalls the others.
type StoreConfig struct {
	OperationsPath string `koanf:"operations_path"`
	SnapshotsPath  string `koanf:"snapshots_path"`
	LineagePath    string `koanf:"lineage_path"`

	// SyncWrites forces fsync on every write. Durability of the operation
	// log is the point of this system, so it defaults to true.
	SyncWrites bool `koanf:"sync_writes"`

	MemTableSize     int64         `koanf:"mem_table_size"`
	ValueLogFileSize int64         `koanf:"value_log_file_size"`
	NumCompactors    int           `koanf:"num_compactors"`
	GCInterval       time.Duration `koanf:"gc_interval"`
	GCRatio          float64       `koanf:"gc_ratio"`
}

// RemoteConfig configures the remote table API client.
type RemoteConfig struct {
	BaseURL string        `koanf:"base_url"`
	APIKey  string        `koanf:"api_key"`
	Timeout time.Duration `koanf:"timeout"`

	// Circuit breaker tuning.
	BreakerMaxRequests uint32        `koanf:"breaker_max_requests"`
	BreakerInterval    time.Duration `koanf:"breaker_interval"`
	BreakerTimeout     time.Duration `koanf:"breaker_timeout"`
}

// ConnectivityConfig configures the online/offline prober.
type ConnectivityConfig struct {
	ProbeURL      string        `koanf:"probe_url"`
	ProbeInterval time.Duration `koanf:"probe_interval"`
	ProbeTimeout  time.Duration `koanf:"probe_timeout"`
}

// QueueConfig tunes the per-account operation queue.
type QueueConfig struct {
	// RetryBaseDelay and RetryMaxDelay bound the per-operation exponential
	// backoff: min(base * 2^retryCount, max).
	RetryBaseDelay time.Duration `koanf:"retry_base_delay"`
	RetryMaxDelay  time.Duration `koanf:"retry_max_delay"`

	// MaxRetries flags near-permanent failure. Operations are never
	// auto-dropped when it is reached, only reported.
	MaxRetries int `koanf:"max_retries"`

	// DrainYield is the pause between successive operations in a drain so
	// the loop yields between head-of-queue dispatches.
	DrainYield time.Duration `koanf:"drain_yield"`
}

// SchedulerConfig tunes the process-wide retry scheduler.
type SchedulerConfig struct {
	BaseDelay    time.Duration `koanf:"base_delay"`
	MaxDelay     time.Duration `koanf:"max_delay"`
	MaxBackoff   int           `koanf:"max_backoff_steps"`
	JitterRatio  float64       `koanf:"jitter_ratio"`
	PollInterval time.Duration `koanf:"poll_interval"`
}

// HTTPConfig configures the local API surface.
type HTTPConfig struct {
	Listen          string        `koanf:"listen"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	RateLimit       int           `koanf:"rate_limit"`
	RateWindow      time.Duration `koanf:"rate_window"`
	// AllowedOrigins is forwarded to the CORS middleware so a browser-based
	// client UI can reach the daemon. The listener binds loopback by
	// default, so a permissive origin list is acceptable there.
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// SessionConfig configures identity caching and token refresh.
type SessionConfig struct {
	// RefreshMargin refreshes the access token when its expiry is closer
	// than this margin.
	RefreshMargin time.Duration `koanf:"refresh_margin"`

	// AccountID and Identity pre-sign the daemon into an account at boot.
	// Leave empty for deployments that sign in through the embedding app.
	AccountID string `koanf:"account_id"`
	Identity  string `koanf:"identity"`

	// AccessToken is a long-lived token for headless deployments.
	AccessToken string `koanf:"access_token"`
}

// defaultConfig returns a Config with all defaults applied. Defaults are
// merged first, then overridden by file and environment.
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			OperationsPath:   "/data/quartermaster/operations",
			SnapshotsPath:    "/data/quartermaster/snapshots",
			LineagePath:      "/data/quartermaster/lineage",
			SyncWrites:       true,
			MemTableSize:     32 * 1024 * 1024,
			ValueLogFileSize: 64 * 1024 * 1024,
			NumCompactors:    2,
			GCInterval:       10 * time.Minute,
			GCRatio:          0.5,
		},
		Remote: RemoteConfig{
			Timeout:            15 * time.Second,
			BreakerMaxRequests: 3,
			BreakerInterval:    time.Minute,
			BreakerTimeout:     2 * time.Minute,
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: 10 * time.Second,
			ProbeTimeout:  5 * time.Second,
		},
		Queue: QueueConfig{
			RetryBaseDelay: time.Second,
			RetryMaxDelay:  30 * time.Second,
			MaxRetries:     10,
			DrainYield:     100 * time.Millisecond,
		},
		Scheduler: SchedulerConfig{
			BaseDelay:    2 * time.Second,
			MaxDelay:     60 * time.Second,
			MaxBackoff:   10,
			JitterRatio:  0.25,
			PollInterval: 15 * time.Second,
		},
		HTTP: HTTPConfig{
			Listen:          "127.0.0.1:8642",
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       120,
			RateWindow:      time.Minute,
			AllowedOrigins:  []string{"*"},
		},
		Session: SessionConfig{
			RefreshMargin: 2 * time.Minute,
		},
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Store.OperationsPath == "" {
		return fmt.Errorf("store.operations_path is required")
	}
	if c.Store.SnapshotsPath == "" {
		return fmt.Errorf("store.snapshots_path is required")
	}
	if c.Store.OperationsPath == c.Store.SnapshotsPath {
		return fmt.Errorf("store.operations_path and store.snapshots_path must differ")
	}
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.Connectivity.ProbeURL == "" {
		return fmt.Errorf("connectivity.probe_url is required")
	}
	if c.Queue.RetryBaseDelay <= 0 {
		return fmt.Errorf("queue.retry_base_delay must be positive, got %v", c.Queue.RetryBaseDelay)
	}
	if c.Queue.RetryMaxDelay < c.Queue.RetryBaseDelay {
		return fmt.Errorf("queue.retry_max_delay must be >= retry_base_delay")
	}
	if c.Scheduler.BaseDelay <= 0 {
		return fmt.Errorf("scheduler.base_delay must be positive, got %v", c.Scheduler.BaseDelay)
	}
	if c.Scheduler.MaxDelay < c.Scheduler.BaseDelay {
		return fmt.Errorf("scheduler.max_delay must be >= base_delay")
	}
	if c.Scheduler.JitterRatio < 0 || c.Scheduler.JitterRatio > 1 {
		return fmt.Errorf("scheduler.jitter_ratio must be in [0,1], got %v", c.Scheduler.JitterRatio)
	}
	if c.Scheduler.MaxBackoff <= 0 {
		return fmt.Errorf("scheduler.max_backoff_steps must be positive")
	}
	if c.HTTP.Listen == "" {
		return fmt.Errorf("http.listen is required")
	}
	return nil
}
