// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads a tally peer's YAML configuration.
//
// A missing file is not an error: Load starts from Default, overlays the
// file when present, then applies environment overrides:
//
//   - TALLY_DATA_DIR: storage.data_dir
//   - TALLY_KEY_FILE: ledger.key_file
//   - TALLY_LOG_LEVEL: logging.level
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/tally/pkg/logging"
	"github.com/AleutianAI/tally/services/ledger/lineage"
	badgerdb "github.com/AleutianAI/tally/services/ledger/storage/badger"
	"github.com/AleutianAI/tally/services/ledger/telemetry"
)

// MaxFileSize is the largest config file Load reads (1MB).
const MaxFileSize = 1024 * 1024

var (
	// ErrFileTooLarge is returned for config files over MaxFileSize.
	ErrFileTooLarge = errors.New("config file too large")

	// ErrInvalid wraps struct validation failures.
	ErrInvalid = errors.New("invalid config")
)

var configValidate = validator.New()

// Config is the root of the YAML file.
type Config struct {
	Storage   StorageConfig    `yaml:"storage"`
	Ledger    LedgerConfig     `yaml:"ledger"`
	Logging   logging.Config   `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// StorageConfig configures the badger database.
type StorageConfig struct {
	DataDir        string        `yaml:"data_dir" validate:"required_unless=InMemory true"`
	InMemory       bool          `yaml:"in_memory"`
	SyncWrites     bool          `yaml:"sync_writes"`
	GCInterval     time.Duration `yaml:"gc_interval" validate:"gte=0"`
	GCDiscardRatio float64       `yaml:"gc_discard_ratio" validate:"gte=0,lte=1"`
}

// LedgerConfig configures record handling.
type LedgerConfig struct {
	// KeyFile holds the hex ed25519 seed used to sign records.
	KeyFile string `yaml:"key_file"`

	// MaxChainLength bounds every update chain walk.
	MaxChainLength int `yaml:"max_chain_length" validate:"min=1,max=1048576"`

	// AssembleConcurrency bounds parallel candidate resolution.
	AssembleConcurrency int `yaml:"assemble_concurrency" validate:"min=1,max=256"`
}

// Default returns the configuration of a local peer under ~/.tally.
func Default() Config {
	db := badgerdb.DefaultConfig()
	return Config{
		Storage: StorageConfig{
			DataDir:        "~/.tally/data",
			SyncWrites:     db.SyncWrites,
			GCInterval:     db.GCInterval,
			GCDiscardRatio: db.GCDiscardRatio,
		},
		Ledger: LedgerConfig{
			KeyFile:             "~/.tally/key",
			MaxChainLength:      lineage.DefaultMaxChainLength,
			AssembleConcurrency: 8,
		},
		Logging: logging.Config{
			Level:   logging.LevelInfo,
			Service: "tally",
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads the file at path over Default.
//
// Inputs:
//
//	path - Config file path. "" or a missing file means defaults only.
//
// Outputs:
//
//	Config - The validated configuration with paths expanded.
//	error - ErrFileTooLarge, a YAML error, or ErrInvalid.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := readCapped(expandPath(path))
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, err
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	cfg.Storage.DataDir = expandPath(cfg.Storage.DataDir)
	cfg.Ledger.KeyFile = expandPath(cfg.Ledger.KeyFile)
	cfg.Logging.LogDir = expandPath(cfg.Logging.LogDir)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks struct tags.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Badger returns the database configuration.
func (c Config) Badger() badgerdb.Config {
	db := badgerdb.DefaultConfig()
	db.Path = c.Storage.DataDir
	db.InMemory = c.Storage.InMemory
	db.SyncWrites = c.Storage.SyncWrites
	db.GCInterval = c.Storage.GCInterval
	db.GCDiscardRatio = c.Storage.GCDiscardRatio
	return db
}

// Marshal renders c as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("TALLY_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("TALLY_KEY_FILE"); v != "" {
		c.Ledger.KeyFile = v
	}
	if v := os.Getenv("TALLY_LOG_LEVEL"); v != "" {
		level, err := logging.ParseLevel(v)
		if err != nil {
			return fmt.Errorf("TALLY_LOG_LEVEL: %w", err)
		}
		c.Logging.Level = level
	}
	return nil
}

func readCapped(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) > MaxFileSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrFileTooLarge, path, MaxFileSize)
	}
	return data, nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
