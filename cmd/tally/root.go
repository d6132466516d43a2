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
	"io"
	"time"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "~/.tally/config.yaml"

// execute runs one command line and releases everything it opened.
func execute(args []string, out, errOut io.Writer) error {
	a := &app{}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(errOut)

	err := root.ExecuteContext(context.Background())
	if err != nil && a.printer != nil {
		a.printer.Error(err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if cerr := a.close(ctx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// newRootCmd builds the command tree around a.
func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "tally",
		Short: "Author and verify peer-validated review summaries",
		Long: `tally keeps a local, content-addressed ledger of subjects, reviews and
reactions, and publishes summaries that any peer can recompute and check.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", defaultConfigPath, "config file")
	flags.StringVar(&a.keyPath, "key", "", "signing key file (default from config)")
	flags.StringVarP(&a.output, "output", "o", "auto", "output format: auto, text or json")

	root.AddCommand(
		newKeygenCmd(a),
		newSubjectCmd(a),
		newReviewCmd(a),
		newReactCmd(a),
		newSummaryCmd(a),
		newTraceCmd(a),
		newServeMetricsCmd(a),
	)
	return root
}
