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

	"github.com/AleutianAI/tally/pkg/validation"
	"github.com/AleutianAI/tally/services/ledger"
	"github.com/AleutianAI/tally/services/ledger/record"
)

func newReviewCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Write, edit and retract reviews",
	}
	cmd.AddCommand(
		newReviewCreateCmd(a),
		newReviewEditCmd(a),
		newReviewDeleteCmd(a),
		newReviewAttachCmd(a),
	)
	return cmd
}

func newReviewCreateCmd(a *app) *cobra.Command {
	var (
		subjects []string
		ratings  map[string]int
		message  string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Review one or more subjects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ptrs, err := parseAddresses(subjects)
			if err != nil {
				return err
			}
			ratings, err := validation.SanitizeKeys(ratings)
			if err != nil {
				return fmt.Errorf("rating: %w", err)
			}
			svc, signer, err := a.authoring()
			if err != nil {
				return err
			}
			e, err := svc.CreateReview(cmd.Context(), signer, ptrs, ratings, message)
			if err != nil {
				return err
			}
			return a.emitEntity("created review", e)
		},
	}
	cmd.Flags().StringArrayVar(&subjects, "subject", nil, "subject address (repeatable)")
	cmd.Flags().StringToIntVar(&ratings, "rating", nil, "rating as category=0..10 (repeatable)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "review text")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newReviewEditCmd(a *app) *cobra.Command {
	var (
		ratings map[string]int
		message string
	)
	cmd := &cobra.Command{
		Use:   "edit <address>",
		Short: "Edit a review you wrote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ptr, err := record.ParseAddress(args[0])
			if err != nil {
				return err
			}
			ratings, err := validation.SanitizeKeys(ratings)
			if err != nil {
				return fmt.Errorf("rating: %w", err)
			}
			edit := ledger.ReviewEdit{Ratings: ratings}
			if cmd.Flags().Changed("message") {
				edit.Message = &message
			}
			svc, signer, err := a.authoring()
			if err != nil {
				return err
			}
			e, err := svc.EditReview(cmd.Context(), signer, ptr, edit)
			if err != nil {
				return err
			}
			return a.emitEntity("edited review", e)
		},
	}
	cmd.Flags().StringToIntVar(&ratings, "rating", nil, "rating as category=0..10 (repeatable)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "replacement review text")
	return cmd
}

func newReviewDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <address>",
		Short: "Retract a review; it stays counted as a tombstone",
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
			e, err := svc.DeleteReview(cmd.Context(), signer, ptr)
			if err != nil {
				return err
			}
			return a.emitEntity("retracted review", e)
		},
	}
}

func newReviewAttachCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "attach <review> <reaction-summary>",
		Short: "Attach the reaction summary published about a review",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ptrs, err := parseAddresses(args)
			if err != nil {
				return err
			}
			svc, signer, err := a.authoring()
			if err != nil {
				return err
			}
			e, err := svc.AttachReactionSummary(cmd.Context(), signer, ptrs[0], ptrs[1])
			if err != nil {
				return err
			}
			return a.emitEntity("attached reaction summary", e)
		},
	}
}
