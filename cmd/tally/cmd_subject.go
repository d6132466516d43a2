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
	"github.com/AleutianAI/tally/pkg/validation"
	"github.com/AleutianAI/tally/services/ledger/record"
)

func newSubjectCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subject",
		Short: "Create and revise reviewable subjects",
	}
	cmd.AddCommand(
		newSubjectCreateCmd(a),
		newSubjectUpdateCmd(a),
		newSubjectDeleteCmd(a),
		newSubjectShowCmd(a),
	)
	return cmd
}

func newSubjectCreateCmd(a *app) *cobra.Command {
	var (
		typ    string
		name   string
		fields []string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a subject",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kv, err := parsePairs(fields)
			if err != nil {
				return err
			}
			typ, err := validation.SanitizeSlug(typ)
			if err != nil {
				return fmt.Errorf("type: %w", err)
			}
			svc, signer, err := a.authoring()
			if err != nil {
				return err
			}
			e, err := svc.CreateSubject(cmd.Context(), signer, typ, name, kv)
			if err != nil {
				return err
			}
			return a.emitEntity("created subject", e)
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "subject type, e.g. package")
	cmd.Flags().StringVar(&name, "name", "", "subject name")
	cmd.Flags().StringArrayVar(&fields, "field", nil, "field as key=value (repeatable)")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newSubjectUpdateCmd(a *app) *cobra.Command {
	var fields []string
	cmd := &cobra.Command{
		Use:   "update <address>",
		Short: "Revise a subject's fields; an empty value removes the field",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ptr, err := record.ParseAddress(args[0])
			if err != nil {
				return err
			}
			kv, err := parsePairs(fields)
			if err != nil {
				return err
			}
			svc, signer, err := a.authoring()
			if err != nil {
				return err
			}
			e, err := svc.UpdateSubject(cmd.Context(), signer, ptr, kv)
			if err != nil {
				return err
			}
			return a.emitEntity("revised subject", e)
		},
	}
	cmd.Flags().StringArrayVar(&fields, "field", nil, "field as key=value (repeatable)")
	return cmd
}

func newSubjectDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <address>",
		Short: "Delete a subject you authored",
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
			rec, err := svc.DeleteSubject(cmd.Context(), signer, ptr)
			if err != nil {
				return err
			}
			v := struct {
				Delete  record.Address `json:"delete"`
				Deletes record.Address `json:"deletes"`
			}{Delete: rec.Address, Deletes: *rec.Action.Deletes}
			return a.printer.Emit(v, func(p *ux.Printer) {
				p.Success("deleted subject " + v.Deletes.String())
				p.Field("Delete action", v.Delete)
			})
		},
	}
}

func newSubjectShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <address>",
		Short: "Show the current revision of any record",
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
			e, err := svc.Get(cmd.Context(), ptr)
			if err != nil {
				return err
			}
			v := newEntityView(e)
			return a.printer.Emit(v, func(p *ux.Printer) {
				printEntity(p, string(v.Kind), v)
			})
		},
	}
}
