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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/tally/pkg/ux"
	"github.com/AleutianAI/tally/services/ledger/record"
)

func newTraceCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Walk update chains",
	}
	cmd.AddCommand(
		newTraceOriginCmd(a),
		newTraceLineageCmd(a),
		newTraceRevisionsCmd(a),
	)
	return cmd
}

func newTraceOriginCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "origin <address>",
		Short: "Show the create action a revision descends from",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ptr, err := record.ParseAddress(args[0])
			if err != nil {
				return err
			}
			svc, err := a.service()
			if err != nil {
				return err
			}
			origin, err := svc.TraceOrigin(cmd.Context(), ptr)
			if err != nil {
				return err
			}
			return a.printer.Emit(origin, func(p *ux.Printer) {
				p.Field("Origin", origin.Address)
				p.Field("Identity", origin.ContentAddress)
				p.Field("Depth", origin.Depth)
			})
		},
	}
}

func newTraceLineageCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "lineage <address>",
		Short: "List a revision's ancestors, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ptr, err := record.ParseAddress(args[0])
			if err != nil {
				return err
			}
			svc, err := a.service()
			if err != nil {
				return err
			}
			steps, err := svc.TraceLineage(cmd.Context(), ptr)
			if err != nil {
				return err
			}
			views := make([]stepView, len(steps))
			for i, s := range steps {
				views[i] = stepView{Depth: len(steps) - 1 - i, Address: s.Address, ContentAddress: s.ContentAddress}
			}
			return a.printer.Emit(views, func(p *ux.Printer) {
				for _, v := range views {
					p.Item(fmt.Sprintf("%3d  %s  content %s", v.Depth, v.Address, v.ContentAddress.Short()))
				}
			})
		},
	}
}

func newTraceRevisionsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "revisions <address>",
		Short: "List every revision of a chain, including forks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ptr, err := record.ParseAddress(args[0])
			if err != nil {
				return err
			}
			svc, err := a.service()
			if err != nil {
				return err
			}
			revs, err := svc.Revisions(cmd.Context(), ptr)
			if err != nil {
				return err
			}
			views := make([]revisionView, len(revs))
			for i, r := range revs {
				views[i] = revisionView{
					Address:    r.Address,
					Type:       r.Action.Type,
					Supersedes: r.Action.Supersedes,
					Author:     r.Author(),
					Timestamp:  r.Action.Timestamp,
				}
			}
			return a.printer.Emit(views, func(p *ux.Printer) {
				for _, v := range views {
					parent := "-"
					if v.Supersedes != nil {
						parent = v.Supersedes.Short()
					}
					p.Item(fmt.Sprintf("%s  %-6s  parent %s  by %s", v.Address, v.Type, parent, v.Author.Short()))
				}
			})
		},
	}
}
