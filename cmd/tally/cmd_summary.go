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
	"github.com/spf13/cobra"

	"github.com/AleutianAI/tally/pkg/ux"
	"github.com/AleutianAI/tally/services/ledger/record"
)

func newSummaryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Assemble, publish and verify summaries",
	}
	cmd.AddCommand(
		newSummaryAssembleCmd(a),
		newSummaryPublishCmd(a),
		newSummaryShowCmd(a),
		newSummaryValidateCmd(a),
	)
	return cmd
}

func addKindFlag(cmd *cobra.Command, kind *string) {
	cmd.Flags().StringVar(kind, "kind", "review", "summary kind: review or reaction")
}

func newSummaryAssembleCmd(a *app) *cobra.Command {
	var kindFlag string
	cmd := &cobra.Command{
		Use:   "assemble <subject>",
		Short: "Compute a subject's summary without publishing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := summaryKind(kindFlag)
			if err != nil {
				return err
			}
			ptr, err := record.ParseAddress(args[0])
			if err != nil {
				return err
			}
			svc, err := a.service()
			if err != nil {
				return err
			}
			s, err := svc.Assemble(cmd.Context(), kind, ptr)
			if err != nil {
				return err
			}
			v := summaryView{Kind: kind, Summary: s}
			return a.printer.Emit(v, func(p *ux.Printer) {
				printSummary(p, "Assembled summary", v)
			})
		},
	}
	addKindFlag(cmd, &kindFlag)
	return cmd
}

func newSummaryPublishCmd(a *app) *cobra.Command {
	var kindFlag string
	cmd := &cobra.Command{
		Use:   "publish <subject>",
		Short: "Publish a subject's summary, replacing the current one if it improves on it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := summaryKind(kindFlag)
			if err != nil {
				return err
			}
			ptr, err := record.ParseAddress(args[0])
			if err != nil {
				return err
			}
			svc, signer, err := a.authoring()
			if err != nil {
				return err
			}
			e, err := svc.Publish(cmd.Context(), signer, kind, ptr)
			if err != nil {
				return err
			}
			return a.emitEntity("published summary", e)
		},
	}
	addKindFlag(cmd, &kindFlag)
	return cmd
}

func newSummaryShowCmd(a *app) *cobra.Command {
	var kindFlag string
	cmd := &cobra.Command{
		Use:   "show <subject>",
		Short: "Show a subject's current accepted summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := summaryKind(kindFlag)
			if err != nil {
				return err
			}
			ptr, err := record.ParseAddress(args[0])
			if err != nil {
				return err
			}
			svc, err := a.service()
			if err != nil {
				return err
			}
			rec, s, err := svc.Current(cmd.Context(), kind, ptr)
			if err != nil {
				return err
			}
			v := summaryView{Record: rec.Address, Kind: kind, Summary: s}
			return a.printer.Emit(v, func(p *ux.Printer) {
				printSummary(p, "Current summary", v)
			})
		},
	}
	addKindFlag(cmd, &kindFlag)
	return cmd
}

func newSummaryValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <address>",
		Short: "Recompute and check a stored record against the local ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := record.ParseAddress(args[0])
			if err != nil {
				return err
			}
			svc, err := a.service()
			if err != nil {
				return err
			}
			res := svc.Validate(cmd.Context(), addr)
			v := struct {
				Address record.Address `json:"address"`
				Valid   bool           `json:"valid"`
				Reason  string         `json:"reason,omitempty"`
				Cause   string         `json:"cause,omitempty"`
			}{Address: addr, Valid: res.Valid, Reason: string(res.Reason)}
			if res.Cause != nil {
				v.Cause = res.Cause.Error()
			}
			if err := a.printer.Emit(v, func(p *ux.Printer) {
				if v.Valid {
					p.Success("valid " + addr.String())
				}
			}); err != nil {
				return err
			}
			return res.Err()
		},
	}
}
