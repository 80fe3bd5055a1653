// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the configuration of an arbor replica.
//
// Priority is environment > file > defaults. Files are YAML, with JSON
// accepted as a fallback. Environment variables use the ARBOR_ prefix.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/arbor/pkg/logging"
	"github.com/AleutianAI/arbor/services/arbor/exchange"
	"github.com/AleutianAI/arbor/services/arbor/oplog"
	"github.com/AleutianAI/arbor/services/arbor/storage/badger"
	"github.com/AleutianAI/arbor/services/arbor/telemetry"
)

// ErrInvalidConfig is returned by Validate and Load.
var ErrInvalidConfig = errors.New("invalid config")

var validate = validator.New()

// Config is the full replica configuration.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after creation.
type Config struct {
	// Storage configures the replica database.
	Storage badger.Config `json:"storage" yaml:"storage"`

	// Log configures operation admission.
	Log LogConfig `json:"log" yaml:"log"`

	// Exchange configures batch export and reconciliation.
	Exchange exchange.Config `json:"exchange" yaml:"exchange"`

	// Identity locates the signing key.
	Identity IdentityConfig `json:"identity" yaml:"identity"`

	// Server configures the HTTP sync endpoint.
	Server ServerConfig `json:"server" yaml:"server"`

	Logging logging.Config `json:"logging" yaml:"logging"`

	Telemetry telemetry.Config `json:"telemetry" yaml:"telemetry"`
}

// LogConfig mirrors oplog.Config in file form.
type LogConfig struct {
	PendingHorizon time.Duration `json:"pending_horizon" yaml:"pending_horizon" validate:"gt=0"`
	MaxPending     int           `json:"max_pending" yaml:"max_pending" validate:"gte=1"`
	SweepInterval  time.Duration `json:"sweep_interval" yaml:"sweep_interval" validate:"gte=0"`
	VerifyOnReplay bool          `json:"verify_on_replay" yaml:"verify_on_replay"`
}

// IdentityConfig locates the replica's signing key.
type IdentityConfig struct {
	// KeyFile holds the ed25519 seed. Created by "arbor keygen".
	KeyFile string `json:"key_file" yaml:"key_file" validate:"required"`

	// ReplicaID names this replica. Empty means a persisted random id.
	ReplicaID string `json:"replica_id" yaml:"replica_id"`

	// CarryKey attaches the public key to emitted operations so peers that
	// have never seen this author can verify them.
	CarryKey bool `json:"carry_key" yaml:"carry_key"`
}

// ServerConfig configures "arbor serve".
type ServerConfig struct {
	Addr            string        `json:"addr" yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gte=0"`

	// Peers are base URLs reconciled by "arbor sync" when none are given.
	Peers []string `json:"peers" yaml:"peers" validate:"dive,url"`

	// SyncInterval makes "arbor serve" reconcile with Peers periodically.
	// Zero disables it.
	SyncInterval time.Duration `json:"sync_interval" yaml:"sync_interval" validate:"gte=0"`
}

// DefaultConfig returns defaults for a replica under ~/.arbor.
func DefaultConfig() Config {
	olog := oplog.DefaultConfig()
	return Config{
		Storage: badger.DefaultConfig("~/.arbor/data"),
		Log: LogConfig{
			PendingHorizon: olog.PendingHorizon,
			MaxPending:     olog.MaxPending,
			SweepInterval:  olog.SweepInterval,
			VerifyOnReplay: olog.VerifyOnReplay,
		},
		Exchange: exchange.DefaultConfig(),
		Identity: IdentityConfig{
			KeyFile:  "~/.arbor/identity.json",
			CarryKey: true,
		},
		Server: ServerConfig{
			Addr:            ":7420",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: logging.Config{
			Level:   logging.LevelInfo,
			Service: "arbor",
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load builds the configuration from defaults, the file at path (if any)
// and the environment, then validates it.
//
// Inputs:
//
//	path - Config file. Empty or missing means defaults only.
//
// Outputs:
//
//	Config - The loaded configuration, with "~" expanded in paths.
//	error - Parse or validation failure. Wraps ErrInvalidConfig when invalid.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	loadEnv(&cfg)
	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(expandHome(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

func loadEnv(cfg *Config) {
	// Storage
	if v := os.Getenv("ARBOR_DATA_DIR"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("ARBOR_IN_MEMORY"); v != "" {
		cfg.Storage.InMemory = parseBool(v)
	}
	if v := os.Getenv("ARBOR_SYNC_WRITES"); v != "" {
		cfg.Storage.SyncWrites = parseBool(v)
	}
	if v := os.Getenv("ARBOR_GC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Storage.GCInterval = d
		}
	}

	// Log
	if v := os.Getenv("ARBOR_PENDING_HORIZON"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Log.PendingHorizon = d
		}
	}
	if v := os.Getenv("ARBOR_MAX_PENDING"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Log.MaxPending = i
		}
	}

	// Exchange
	if v := os.Getenv("ARBOR_BATCH_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Exchange.BatchSize = i
		}
	}
	if v := os.Getenv("ARBOR_BATCHES_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Exchange.BatchesPerSecond = f
		}
	}
	if v := os.Getenv("ARBOR_SYNC_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Exchange.Timeout = d
		}
	}

	// Identity
	if v := os.Getenv("ARBOR_KEY_FILE"); v != "" {
		cfg.Identity.KeyFile = v
	}
	if v := os.Getenv("ARBOR_REPLICA_ID"); v != "" {
		cfg.Identity.ReplicaID = v
	}

	// Server
	if v := os.Getenv("ARBOR_LISTEN_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("ARBOR_PEERS"); v != "" {
		cfg.Server.Peers = splitList(v)
	}
	if v := os.Getenv("ARBOR_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.SyncInterval = d
		}
	}

	// Logging
	if v := os.Getenv("ARBOR_LOG_LEVEL"); v != "" {
		if lvl, err := logging.ParseLevel(v); err == nil {
			cfg.Logging.Level = lvl
		}
	}
	if v := os.Getenv("ARBOR_LOG_JSON"); v != "" {
		cfg.Logging.JSON = parseBool(v)
	}
	if v := os.Getenv("ARBOR_LOG_DIR"); v != "" {
		cfg.Logging.LogDir = v
	}

	// Telemetry
	if v := os.Getenv("ARBOR_TRACE_EXPORTER"); v != "" {
		cfg.Telemetry.TraceExporter = v
	}
	if v := os.Getenv("ARBOR_METRIC_EXPORTER"); v != "" {
		cfg.Telemetry.MetricExporter = v
	}
	if v := os.Getenv("ARBOR_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
}

func parseBool(v string) bool {
	return v == "true" || v == "1"
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if !c.Storage.InMemory && c.Storage.Path == "" {
		return fmt.Errorf("%w: storage.path is required unless storage.in_memory is set", ErrInvalidConfig)
	}
	if c.Storage.GCDiscardRatio < 0 || c.Storage.GCDiscardRatio >= 1 {
		return fmt.Errorf("%w: storage.gc_discard_ratio must be in [0, 1)", ErrInvalidConfig)
	}
	if c.Exchange.BatchSize < 1 {
		return fmt.Errorf("%w: exchange.batch_size must be at least 1", ErrInvalidConfig)
	}
	if c.Exchange.BatchesPerSecond < 0 {
		return fmt.Errorf("%w: exchange.batches_per_second must not be negative", ErrInvalidConfig)
	}
	if c.Logging.Level < logging.LevelDebug || c.Logging.Level > logging.LevelError {
		return fmt.Errorf("%w: logging.level out of range", ErrInvalidConfig)
	}
	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		return fmt.Errorf("%w: server.addr: %v", ErrInvalidConfig, err)
	}
	return nil
}

// OplogConfig converts the log section for oplog.Open.
func (c Config) OplogConfig(logger *slog.Logger) oplog.Config {
	return oplog.Config{
		PendingHorizon: c.Log.PendingHorizon,
		MaxPending:     c.Log.MaxPending,
		SweepInterval:  c.Log.SweepInterval,
		VerifyOnReplay: c.Log.VerifyOnReplay,
		Logger:         logger,
	}
}

func (c *Config) expandPaths() {
	c.Storage.Path = expandHome(c.Storage.Path)
	c.Identity.KeyFile = expandHome(c.Identity.KeyFile)
	c.Logging.LogDir = expandHome(c.Logging.LogDir)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
