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

// Package log provides structured logging shared by every runtime component.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format represents the log output format.
type Format string

const (
	// FormatJSON outputs logs in JSON format for machine parsing.
	FormatJSON Format = "json"
	// FormatText outputs logs in human-readable text format.
	FormatText Format = "text"
)

// Standard field keys for structured logging. These constants keep field
// naming consistent across the command processor, runner, action executor,
// delay scheduler, and outbox publisher.
const (
	ComponentKey   = "component"
	WorkflowIDKey  = "workflow_id"
	WorkflowTypeKey = "workflow_type"
	EventTypeKey   = "event_type"
	VersionKey     = "version"
	GlobalSeqKey   = "global_seq"
	ReaderKey      = "reader"
	PartitionKey   = "partition"
	DelayIDKey     = "delay_id"
	RetryCountKey  = "retry_count"
	DurationKey    = "duration_ms"
)

// Config holds the logging configuration.
type Config struct {
	// Level sets the minimum log level (debug, info, warn, error). Default: info.
	Level string

	// Format sets the output format (json, text). Default: json.
	Format Format

	// Output is the writer for log output. Default: os.Stderr.
	Output io.Writer

	// AddSource adds source file and line information to logs.
	AddSource bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: FormatJSON,
		Output: os.Stderr,
	}
}

// FromEnv builds a Config from environment variables:
//   - FLUVIOFLOW_LOG_LEVEL: debug, info, warn, error
//   - FLUVIOFLOW_LOG_FORMAT: json, text
//   - FLUVIOFLOW_LOG_SOURCE: 1 to enable source file/line
func FromEnv() *Config {
	cfg := DefaultConfig()

	if level := os.Getenv("FLUVIOFLOW_LOG_LEVEL"); level != "" {
		cfg.Level = strings.ToLower(level)
	}
	if format := os.Getenv("FLUVIOFLOW_LOG_FORMAT"); format != "" {
		cfg.Format = Format(strings.ToLower(format))
	}
	if os.Getenv("FLUVIOFLOW_LOG_SOURCE") == "1" {
		cfg.AddSource = true
	}

	return cfg
}

// New creates a new structured logger from the given configuration.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatText:
		handler = slog.NewTextHandler(cfg.Output, opts)
	default:
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent returns a logger tagged with a component name, matching the
// convention the leader elector already uses for its own logger.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String(ComponentKey, component))
}

// WithWorkflow returns a logger tagged with a workflow instance's identity.
func WithWorkflow(logger *slog.Logger, workflowType, workflowID string) *slog.Logger {
	return logger.With(
		slog.String(WorkflowTypeKey, workflowType),
		slog.String(WorkflowIDKey, workflowID),
	)
}
