// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger opens and manages the embedded BadgerDB instance that backs
// the ledger's content store.
//
// The ledger keeps three key families in one database: sealed records keyed
// by address, link lists keyed by (kind, base, sequence) and the sequence
// leases that hand out link positions. This package knows nothing about those
// layouts; it owns lifecycle only (open, value log GC, transactions, close).
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrPathRequired is returned when a persistent database has no path.
	ErrPathRequired = errors.New("path is required for persistent database")

	// ErrInvalidGCRatio is returned when the discard ratio is outside [0, 1].
	ErrInvalidGCRatio = errors.New("gc discard ratio must be between 0 and 1")
)

// maxConflictRetries bounds WithTxn retries on badger.ErrConflict.
const maxConflictRetries = 5

// =============================================================================
// Configuration
// =============================================================================

// Config holds configuration for the ledger database.
type Config struct {
	// Path is the directory for database files. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Used by tests and dry runs.
	InMemory bool

	// SyncWrites fsyncs every commit. Records are immutable and cheap to
	// re-fetch from peers, but summaries and links are not, so production
	// defaults to true.
	SyncWrites bool

	// Logger receives BadgerDB's internal log lines. Nil silences them.
	Logger *slog.Logger

	// NumVersionsToKeep is the number of versions to keep per key.
	NumVersionsToKeep int

	// GCInterval is how often to run value log GC. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum discardable fraction that triggers GC.
	GCDiscardRatio float64
}

// DefaultConfig returns the production configuration.
//
// Description:
//
//	Durable writes, a single retained version per key and a value log GC
//	pass every ten minutes. The ledger is append-mostly so GC rarely has
//	anything to reclaim; the interval is longer than a cache would use.
//
// Outputs:
//
//	Config - Configuration without a Path. Callers set Path before Open.
func DefaultConfig() Config {
	return Config{
		SyncWrites:        true,
		NumVersionsToKeep: 1,
		GCInterval:        10 * time.Minute,
		GCDiscardRatio:    0.5,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{
		InMemory:          true,
		NumVersionsToKeep: 1,
	}
}

// Validate checks the configuration before opening.
func (c Config) Validate() error {
	if !c.InMemory && c.Path == "" {
		return ErrPathRequired
	}
	if c.GCDiscardRatio < 0 || c.GCDiscardRatio > 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidGCRatio, c.GCDiscardRatio)
	}
	return nil
}

// options translates Config into badger.Options.
func (c Config) options() badger.Options {
	var opts badger.Options
	if c.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(c.Path)
	}

	versions := c.NumVersionsToKeep
	if versions <= 0 {
		versions = 1
	}
	opts = opts.WithSyncWrites(c.SyncWrites).WithNumVersionsToKeep(versions)

	if c.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: c.Logger.With(slog.String("component", "badger"))})
	} else {
		opts = opts.WithLogger(nil)
	}
	return opts
}

// badgerLogger adapts slog.Logger to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// =============================================================================
// Open
// =============================================================================

// Open opens a raw BadgerDB handle.
//
// Description:
//
//	Validates cfg, creates the data directory when needed and opens the
//	database. Most callers want OpenDB, which also manages GC.
//
// Inputs:
//
//	cfg - Database configuration.
//
// Outputs:
//
//	*badger.DB - The opened database. Caller must Close it.
//	error - Non-nil if the configuration is invalid or open fails.
//
// Thread Safety: The returned *badger.DB is safe for concurrent use.
func Open(cfg Config) (*badger.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.InMemory {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
	}

	db, err := badger.Open(cfg.options())
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return db, nil
}

// OpenInMemory opens a managed in-memory database.
func OpenInMemory() (*DB, error) {
	return OpenDB(InMemoryConfig())
}

// OpenWithPath opens a managed persistent database with production defaults.
func OpenWithPath(path string) (*DB, error) {
	cfg := DefaultConfig()
	cfg.Path = path
	return OpenDB(cfg)
}

// =============================================================================
// Value log GC
// =============================================================================

// GCRunner runs periodic value log garbage collection.
type GCRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	logger   *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewGCRunner creates a GC runner. Call Start to begin.
//
// Thread Safety: Start and Stop are safe to call more than once.
func NewGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) (*GCRunner, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if interval <= 0 {
		return nil, errors.New("interval must be positive")
	}
	if ratio < 0 || ratio > 1 {
		return nil, ErrInvalidGCRatio
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(discard{}, nil))
	}
	return &GCRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		logger:   logger.With(slog.String("component", "badger_gc")),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start launches the GC loop.
func (r *GCRunner) Start() {
	r.startOnce.Do(func() {
		r.started.Store(true)
		go r.run()
	})
}

// Stop halts the GC loop and waits for it to exit.
func (r *GCRunner) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if r.started.Load() {
			<-r.doneCh
		}
	})
}

func (r *GCRunner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.runGC()
		}
	}
}

// runGC loops until badger reports nothing left to rewrite.
func (r *GCRunner) runGC() {
	passes := 0
	for {
		err := r.db.RunValueLogGC(r.ratio)
		if err == nil {
			passes++
			continue
		}
		if !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) {
			r.logger.Warn("value log GC failed", slog.String("error", err.Error()))
		}
		break
	}
	if passes > 0 {
		r.logger.Debug("value log GC completed", slog.Int("passes", passes))
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// =============================================================================
// Managed DB
// =============================================================================

// DB wraps a BadgerDB handle with lifecycle management.
type DB struct {
	*badger.DB
	gcRunner  *GCRunner
	path      string
	inMemory  bool
	closeOnce sync.Once
	closeErr  error
}

// OpenDB opens a managed database and starts GC when configured.
//
// Description:
//
//	GC only runs for persistent databases with a positive GCInterval.
//
// Inputs:
//
//	cfg - Database configuration.
//
// Outputs:
//
//	*DB - The managed database. Call Close when done.
//	error - Non-nil if the database cannot be opened.
//
// Thread Safety: Safe for concurrent use.
func OpenDB(cfg Config) (*DB, error) {
	db, err := Open(cfg)
	if err != nil {
		return nil, err
	}

	wrapped := &DB{DB: db, path: cfg.Path, inMemory: cfg.InMemory}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		runner, err := NewGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create GC runner: %w", err)
		}
		wrapped.gcRunner = runner
		runner.Start()
	}
	return wrapped, nil
}

// Close stops GC and closes the database. Safe to call more than once.
func (d *DB) Close() error {
	d.closeOnce.Do(func() {
		if d.gcRunner != nil {
			d.gcRunner.Stop()
		}
		d.closeErr = d.DB.Close()
	})
	return d.closeErr
}

// Path returns the database path, or "" for in-memory databases.
func (d *DB) Path() string {
	return d.path
}

// InMemory reports whether the database is in-memory.
func (d *DB) InMemory() bool {
	return d.inMemory
}

// Sync flushes pending writes. No-op for in-memory databases.
func (d *DB) Sync() error {
	if d.inMemory {
		return nil
	}
	return d.DB.Sync()
}

// WithTxn runs fn in a read-write transaction and commits on success.
//
// Description:
//
//	fn may run more than once: a commit that fails with badger.ErrConflict
//	is retried with a fresh transaction up to maxConflictRetries times.
//	fn must therefore only stage writes, never publish side effects.
//
// Inputs:
//
//	ctx - Checked before every attempt.
//	fn - Function staging writes on txn.
//
// Outputs:
//
//	error - fn's error, the commit error, or the context error.
//
// Thread Safety: Safe for concurrent use.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context cancelled: %w", err)
		}

		lastErr = d.tryTxn(fn)
		if !errors.Is(lastErr, badger.ErrConflict) {
			return lastErr
		}
	}
	return fmt.Errorf("transaction retries exhausted: %w", lastErr)
}

func (d *DB) tryTxn(fn func(txn *badger.Txn) error) error {
	txn := d.DB.NewTransaction(true)
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// WithReadTxn runs fn in a read-only transaction.
//
// Thread Safety: Safe for concurrent use.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	txn := d.DB.NewTransaction(false)
	defer txn.Discard()

	return fn(txn)
}

// CleanupDir removes a database directory. Empty path is a no-op.
func CleanupDir(path string) error {
	if path == "" {
		return nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	return os.RemoveAll(absPath)
}
