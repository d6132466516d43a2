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
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/tally/pkg/ux"
	"github.com/AleutianAI/tally/services/ledger/telemetry"
)

const defaultMetricsAddr = "127.0.0.1:9464"

func newServeMetricsCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve-metrics",
		Short: "Serve ledger metrics for Prometheus until interrupted",
		Long: `serve-metrics opens the ledger and serves /metrics in the Prometheus text
format. The prometheus metric exporter is used regardless of configuration.`,
		Args: cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.metricExporter = "prometheus"
			return a.setup(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			handler := telemetry.MetricsHandler()
			if handler == nil {
				return errors.New("prometheus metrics exporter is not active")
			}
			// Opening the store registers its collectors.
			if _, err := a.service(); err != nil {
				return err
			}

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", addr, err)
			}
			view := metricsView{URL: "http://" + ln.Addr().String() + "/metrics"}
			if err := a.printer.Emit(view, func(p *ux.Printer) {
				p.Success("serving metrics")
				p.Field("URL", view.URL)
			}); err != nil {
				_ = ln.Close()
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serveMetrics(ctx, ln, handler)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", defaultMetricsAddr, "listen address")
	return cmd
}

// serveMetrics serves handler at /metrics on ln until ctx is done, then
// shuts the server down. ln is closed on return.
func serveMetrics(ctx context.Context, ln net.Listener, handler http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		return fmt.Errorf("serve metrics: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
