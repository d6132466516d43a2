// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/tally/pkg/logging"
	"github.com/AleutianAI/tally/pkg/ux"
	"github.com/AleutianAI/tally/services/ledger"
	"github.com/AleutianAI/tally/services/ledger/config"
	"github.com/AleutianAI/tally/services/ledger/record"
	badgerdb "github.com/AleutianAI/tally/services/ledger/storage/badger"
	"github.com/AleutianAI/tally/services/ledger/store"
	"github.com/AleutianAI/tally/services/ledger/telemetry"
)

// app holds what a command needs. The database is opened on first use so
// commands like keygen never touch it.
type app struct {
	configPath string
	keyPath    string
	output     string

	// metricExporter overrides the configured metric exporter when set.
	metricExporter string

	cfg      config.Config
	logger   *logging.Logger
	printer  *ux.Printer
	shutdown func(context.Context) error

	db    *badgerdb.DB
	store *store.BadgerStore
	svc   *ledger.Service
}

func (a *app) setup(cmd *cobra.Command) error {
	mode, err := ux.ParseMode(a.output)
	if err != nil {
		return err
	}
	a.cfg, err = config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.metricExporter != "" {
		a.cfg.Telemetry.MetricExporter = a.metricExporter
	}

	logCfg := a.cfg.Logging
	logCfg.Output = cmd.ErrOrStderr()
	a.logger, err = logging.New(logCfg)
	if err != nil {
		return err
	}
	a.printer = ux.NewPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), mode)

	a.shutdown, err = telemetry.Init(cmd.Context(), a.cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	return nil
}

// service opens the store and returns the ledger service.
func (a *app) service() (*ledger.Service, error) {
	if a.svc != nil {
		return a.svc, nil
	}
	dbCfg := a.cfg.Badger()
	dbCfg.Logger = a.logger.Slog()
	db, err := badgerdb.OpenDB(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	s, err := store.NewBadgerStore(db, store.BadgerConfig{Logger: a.logger.Slog()})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	svc, err := ledger.NewService(s, ledger.Config{
		MaxChainLength:      a.cfg.Ledger.MaxChainLength,
		AssembleConcurrency: a.cfg.Ledger.AssembleConcurrency,
		Logger:              a.logger.Slog(),
	})
	if err != nil {
		_ = s.Close()
		_ = db.Close()
		return nil, err
	}
	a.db, a.store, a.svc = db, s, svc
	return svc, nil
}

func (a *app) keyFile() string {
	if a.keyPath != "" {
		return a.keyPath
	}
	return a.cfg.Ledger.KeyFile
}

func (a *app) signer() (*record.Signer, error) {
	s, err := record.LoadSignerFile(a.keyFile())
	if err != nil {
		return nil, fmt.Errorf("%w (run `tally keygen` first)", err)
	}
	return s, nil
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if a.shutdown != nil {
		errs = append(errs, a.shutdown(ctx))
	}
	if a.logger != nil {
		errs = append(errs, a.logger.Close())
	}
	return errors.Join(errs...)
}

// parseAddresses parses command arguments as record addresses.
func parseAddresses(args []string) ([]record.Address, error) {
	out := make([]record.Address, 0, len(args))
	for _, arg := range args {
		addr, err := record.ParseAddress(arg)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

// summaryKind maps --kind values to summary kinds.
func summaryKind(s string) (record.Kind, error) {
	switch s {
	case "review", string(record.KindReviewSummary):
		return record.KindReviewSummary, nil
	case "reaction", string(record.KindReactionSummary):
		return record.KindReactionSummary, nil
	default:
		return "", fmt.Errorf("unknown summary kind %q (want review or reaction)", s)
	}
}

// authoring returns the service and signing key for a write.
func (a *app) authoring() (*ledger.Service, *record.Signer, error) {
	svc, err := a.service()
	if err != nil {
		return nil, nil, err
	}
	signer, err := a.signer()
	if err != nil {
		return nil, nil, err
	}
	return svc, signer, nil
}
