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

	"github.com/AleutianAI/tally/services/ledger/record"
)

func newReactCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "react",
		Short: "React to subjects and reviews",
	}
	cmd.AddCommand(
		newReactCreateCmd(a),
		newReactEditCmd(a),
		newReactDeleteCmd(a),
	)
	return cmd
}

func newReactCreateCmd(a *app) *cobra.Command {
	var (
		subjects     []string
		reactionType int
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "React to one or more subjects or reviews",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ptrs, err := parseAddresses(subjects)
			if err != nil {
				return err
			}
			svc, signer, err := a.authoring()
			if err != nil {
				return err
			}
			e, err := svc.React(cmd.Context(), signer, ptrs, reactionType)
			if err != nil {
				return err
			}
			return a.emitEntity("created reaction", e)
		},
	}
	cmd.Flags().StringArrayVar(&subjects, "subject", nil, "subject or review address (repeatable)")
	cmd.Flags().IntVar(&reactionType, "type", 0, "reaction type")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newReactEditCmd(a *app) *cobra.Command {
	var reactionType int
	cmd := &cobra.Command{
		Use:   "edit <address>",
		Short: "Change a reaction's type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ptr, err := record.ParseAddress(args[0])
			if err != nil {
				return err
			}
			svc, signer, err := a.authoring()
			if err != nil {
				return err
			}
			e, err := svc.EditReaction(cmd.Context(), signer, ptr, reactionType)
			if err != nil {
				return err
			}
			return a.emitEntity("edited reaction", e)
		},
	}
	cmd.Flags().IntVar(&reactionType, "type", 0, "reaction type")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newReactDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <address>",
		Short: "Retract a reaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ptr, err := record.ParseAddress(args[0])
			if err != nil {
				return err
			}
			svc, signer, err := a.authoring()
			if err != nil {
				return err
			}
			e, err := svc.DeleteReaction(cmd.Context(), signer, ptr)
			if err != nil {
				return err
			}
			return a.emitEntity("retracted reaction", e)
		},
	}
}
