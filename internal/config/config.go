// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the runtime's configuration from a YAML file, with
// environment variables taking precedence, and validates the result before
// anything is wired together.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a fluvioflowd process.
type Config struct {
	Log LogConfig `yaml:"log,omitempty"`

	Database DatabaseConfig `yaml:"database,omitempty"`
	Broker   BrokerConfig   `yaml:"broker,omitempty"`

	Runner        RunnerConfig        `yaml:"runner,omitempty"`
	ActionExecutor ActionExecutorConfig `yaml:"action_executor,omitempty"`
	DelayScheduler DelaySchedulerConfig `yaml:"delay_scheduler,omitempty"`
	Outbox        OutboxConfig        `yaml:"outbox,omitempty"`

	Distributed DistributedConfig `yaml:"distributed,omitempty"`
}

// LogConfig configures internal/log's slog setup.
type LogConfig struct {
	Level     string `yaml:"level,omitempty"`
	Format    string `yaml:"format,omitempty"`
	AddSource bool   `yaml:"add_source,omitempty"`
}

// DatabaseConfig selects and configures the eventstore backend.
type DatabaseConfig struct {
	// Backend is "memory", "sqlite", or "postgres".
	Backend string `yaml:"backend,omitempty"`

	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty"`
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
}

// SQLiteConfig configures internal/eventstore/sqlite.
type SQLiteConfig struct {
	Path string `yaml:"path,omitempty"`
	WAL  bool   `yaml:"wal,omitempty"`
}

// PostgresConfig configures internal/eventstore/postgres.
type PostgresConfig struct {
	ConnectionString       string `yaml:"connection_string,omitempty"`
	MaxOpenConns           int    `yaml:"max_open_conns,omitempty"`
	MaxIdleConns           int    `yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetimeSeconds int    `yaml:"conn_max_lifetime_seconds,omitempty"`
}

// BrokerConfig configures the NATS JetStream connection shared by
// internal/outbox and internal/stream.
type BrokerConfig struct {
	URL    string `yaml:"url,omitempty"`
	Stream string `yaml:"stream,omitempty"`
}

// RunnerConfig configures internal/runner.Runner.
type RunnerConfig struct {
	// PartitionCount is the number of hash partitions per registered
	// workflow type; Validate requires at least 1. fluvioflowd does not
	// read it and starts a single runner per workflow type.
	PartitionCount int `yaml:"partition_count,omitempty"`

	// MaxConcurrentActivities bounds in-flight activity dispatch per
	// partition (internal/inflight).
	MaxConcurrentActivities int `yaml:"max_concurrent_activities,omitempty"`
}

// ActionExecutorConfig configures internal/actions.Executor.
type ActionExecutorConfig struct {
	RatePerSecond float64       `yaml:"rate_per_second,omitempty"`
	Burst         int           `yaml:"burst,omitempty"`
	Timeout       time.Duration `yaml:"timeout,omitempty"`
}

// DelaySchedulerConfig configures internal/delay.Scheduler.
type DelaySchedulerConfig struct {
	CheckInterval time.Duration `yaml:"check_interval,omitempty"`
	BatchSize     int           `yaml:"batch_size,omitempty"`
}

// OutboxConfig configures internal/outbox.Publisher.
type OutboxConfig struct {
	BatchSize     int           `yaml:"batch_size,omitempty"`
	PollInterval  time.Duration `yaml:"poll_interval,omitempty"`
}

// DistributedConfig configures multi-node coordination.
type DistributedConfig struct {
	// Enabled requires Backend == "postgres".
	Enabled bool `yaml:"enabled,omitempty"`

	// InstanceID uniquely identifies this process among the fleet. No ID
	// is generated when it is empty; it stays empty unless set here, via
	// the environment, or with fluvioflowd's --instance-id flag.
	InstanceID string `yaml:"instance_id,omitempty"`

	// LeaderElection gates internal/delay.Scheduler's poll on an
	// internal/leader.Elector so only one node resumes due delays per
	// workflow type.
	LeaderElection bool `yaml:"leader_election,omitempty"`
}

// Default returns a configuration with sensible single-node defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			Backend: "memory",
			SQLite: SQLiteConfig{
				Path: "./fluvioflow.db",
				WAL:  true,
			},
		},
		Broker: BrokerConfig{
			URL:    "nats://127.0.0.1:4222",
			Stream: "fluvioflow",
		},
		Runner: RunnerConfig{
			PartitionCount:          1,
			MaxConcurrentActivities: 32,
		},
		ActionExecutor: ActionExecutorConfig{
			RatePerSecond: 50,
			Burst:         50,
			Timeout:       30 * time.Second,
		},
		DelayScheduler: DelaySchedulerConfig{
			CheckInterval: time.Second,
			BatchSize:     100,
		},
		Outbox: OutboxConfig{
			BatchSize:    100,
			PollInterval: time.Second,
		},
		Distributed: DistributedConfig{
			Enabled:        false,
			LeaderElection: true,
		},
	}
}

// Load reads configuration from configPath (if non-empty), applies
// defaults to any unset fields, overrides with environment variables, and
// validates the result.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", configPath, err)
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) loadFromEnv() {
	if val := os.Getenv("FLUVIOFLOW_LOG_LEVEL"); val != "" {
		c.Log.Level = val
	}
	if val := os.Getenv("FLUVIOFLOW_LOG_FORMAT"); val != "" {
		c.Log.Format = val
	}
	if val := os.Getenv("FLUVIOFLOW_DATABASE_BACKEND"); val != "" {
		c.Database.Backend = val
	}
	if val := os.Getenv("FLUVIOFLOW_SQLITE_PATH"); val != "" {
		c.Database.SQLite.Path = val
	}
	if val := os.Getenv("FLUVIOFLOW_POSTGRES_URL"); val != "" {
		c.Database.Postgres.ConnectionString = val
	}
	if val := os.Getenv("FLUVIOFLOW_BROKER_URL"); val != "" {
		c.Broker.URL = val
	}
	if val := os.Getenv("FLUVIOFLOW_BROKER_STREAM"); val != "" {
		c.Broker.Stream = val
	}
	if val := os.Getenv("FLUVIOFLOW_RUNNER_PARTITION_COUNT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Runner.PartitionCount = n
		}
	}
	if val := os.Getenv("FLUVIOFLOW_DISTRIBUTED_ENABLED"); val != "" {
		c.Distributed.Enabled = val == "true" || val == "1"
	}
	if val := os.Getenv("FLUVIOFLOW_INSTANCE_ID"); val != "" {
		c.Distributed.InstanceID = val
	}
}

// Validate checks the configuration for internal consistency, returning a
// single error joining every problem found.
func (c *Config) Validate() error {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [debug, info, warn, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	switch c.Database.Backend {
	case "memory", "sqlite":
		// no further requirements
	case "postgres":
		if c.Database.Postgres.ConnectionString == "" {
			errs = append(errs, "database.postgres.connection_string is required when database.backend is \"postgres\"")
		}
	default:
		errs = append(errs, fmt.Sprintf("database.backend must be one of [memory, sqlite, postgres], got %q", c.Database.Backend))
	}

	if c.Distributed.Enabled && c.Database.Backend != "postgres" {
		errs = append(errs, "distributed.enabled requires database.backend to be \"postgres\" (advisory locks and row-level locking need a shared database)")
	}

	if c.Runner.PartitionCount < 1 {
		errs = append(errs, fmt.Sprintf("runner.partition_count must be >= 1, got %d", c.Runner.PartitionCount))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
