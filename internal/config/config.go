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

// Package config loads and validates the simfleet configuration: engine
// settings plus the worker fleet. Worker records reference credentials by
// key; values are resolved through the secrets package at dispatch time and
// never appear in configuration files.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Duration is a time.Duration that unmarshals from YAML strings like "2h"
// as well as integer nanosecond values.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(v)
	case float64:
		*d = Duration(v)
	default:
		return fmt.Errorf("config: invalid duration value %v", raw)
	}
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// WorkerKind identifies the execution target type of a worker slot.
type WorkerKind string

const (
	// WorkerKindLocal runs the engine as a child process on this host.
	WorkerKindLocal WorkerKind = "local"
	// WorkerKindRemote dispatches the engine to another host through the
	// remote-execution transport.
	WorkerKindRemote WorkerKind = "remote"
)

// Config is the complete simfleet configuration.
type Config struct {
	Engine  EngineConfig   `yaml:"engine"`
	Log     LogConfig      `yaml:"log"`
	History HistoryConfig  `yaml:"history"`
	Tracing TracingConfig  `yaml:"tracing"`
	Workers []WorkerConfig `yaml:"workers"`
}

// EngineConfig holds settings for the external simulation engine and the
// scheduler driving it.
type EngineConfig struct {
	// Executable is the local engine binary path.
	Executable string `yaml:"executable"`

	// MaxWorkers bounds local concurrency. Default: 2.
	MaxWorkers int `yaml:"max_workers"`

	// DefaultCores is the per-job engine parallelism hint used when the
	// caller does not override it. Default: 1.
	DefaultCores int `yaml:"default_cores"`

	// DefaultTimeout is the per-job wall-clock budget. Zero means no limit.
	DefaultTimeout Duration `yaml:"default_timeout"`

	// ArtifactPatterns are the glob patterns consolidated after each job.
	// Default: ["*.result"].
	ArtifactPatterns []string `yaml:"artifact_patterns"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// HistoryConfig configures the batch history store.
type HistoryConfig struct {
	// Path is the SQLite database file. Empty disables history.
	Path string `yaml:"path"`

	// Retention is how long job records are kept. Default: 720h.
	Retention Duration `yaml:"retention"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	// Enabled turns on span export. Default: false.
	Enabled bool `yaml:"enabled"`
}

// WorkerConfig describes one execution target. Loaded once at startup and
// treated as read-only by the engine.
type WorkerConfig struct {
	// Name identifies the worker slot in logs and reports.
	Name string `yaml:"name"`

	// Kind is local or remote.
	Kind WorkerKind `yaml:"kind"`

	// Host is the remote host address (remote only).
	Host string `yaml:"host"`

	// Username is the remote login user (remote only).
	Username string `yaml:"username"`

	// CredentialRef is the key resolved through the credential provider to
	// obtain the remote password. Never a literal secret.
	CredentialRef string `yaml:"credential_ref"`

	// SharedPath is a network-visible mirror location for workspaces
	// (remote only).
	SharedPath string `yaml:"shared_path"`

	// EnginePath is the engine executable path on the target host.
	EnginePath string `yaml:"engine_path"`

	// SessionID identifies an interactive session capable of running
	// GUI-class processes (remote only).
	SessionID int `yaml:"session_id"`

	// Priority is the process priority hint; higher values mean lower
	// scheduling priority (nice semantics).
	Priority int `yaml:"priority"`

	// Enabled workers receive jobs; disabled workers are skipped by the
	// scheduler but remain visible in configuration and reports.
	Enabled bool `yaml:"enabled"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields with defaults.
func (c *Config) ApplyDefaults() {
	if c.Engine.MaxWorkers <= 0 {
		c.Engine.MaxWorkers = 2
	}
	if c.Engine.DefaultCores <= 0 {
		c.Engine.DefaultCores = 1
	}
	if len(c.Engine.ArtifactPatterns) == 0 {
		c.Engine.ArtifactPatterns = []string{"*.result"}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.History.Retention <= 0 {
		c.History.Retention = Duration(720 * time.Hour)
	}
}

// Validate checks the configuration for errors that must fail fast, before
// any job starts.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Workers))
	for i := range c.Workers {
		w := &c.Workers[i]
		if w.Name == "" {
			return fmt.Errorf("%w: worker %d missing name", ErrInvalidConfig, i)
		}
		if seen[w.Name] {
			return fmt.Errorf("%w: duplicate worker name %q", ErrInvalidConfig, w.Name)
		}
		seen[w.Name] = true

		switch w.Kind {
		case WorkerKindLocal:
		case WorkerKindRemote:
			if err := w.validateRemote(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: worker %q has unknown kind %q", ErrInvalidConfig, w.Name, w.Kind)
		}
	}
	return nil
}

func (w *WorkerConfig) validateRemote() error {
	if !w.Enabled {
		// Disabled workers may be half-configured; they are never
		// assigned work.
		return nil
	}
	switch {
	case w.Host == "":
		return fmt.Errorf("%w: remote worker %q missing host", ErrInvalidConfig, w.Name)
	case w.Username == "":
		return fmt.Errorf("%w: remote worker %q missing username", ErrInvalidConfig, w.Name)
	case w.CredentialRef == "":
		return fmt.Errorf("%w: remote worker %q missing credential_ref", ErrInvalidConfig, w.Name)
	case w.SharedPath == "":
		return fmt.Errorf("%w: remote worker %q missing shared_path", ErrInvalidConfig, w.Name)
	case w.EnginePath == "":
		return fmt.Errorf("%w: remote worker %q missing engine_path", ErrInvalidConfig, w.Name)
	}
	return nil
}

// EnabledWorkers returns the workers eligible for scheduling.
func (c *Config) EnabledWorkers() []WorkerConfig {
	var out []WorkerConfig
	for _, w := range c.Workers {
		if w.Enabled {
			out = append(out, w)
		}
	}
	return out
}
