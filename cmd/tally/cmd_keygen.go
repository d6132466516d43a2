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
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/tally/pkg/ux"
	"github.com/AleutianAI/tally/services/ledger/record"
)

func newKeygenCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a signing key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.keyFile()
			if force {
				if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("remove old key: %w", err)
				}
			}
			signer, err := record.GenerateSigner()
			if err != nil {
				return err
			}
			if err := record.WriteSignerFile(path, signer); err != nil {
				if errors.Is(err, os.ErrExist) {
					return fmt.Errorf("key %s already exists (use --force to replace it)", path)
				}
				return err
			}

			view := keyView{Author: signer.Author(), KeyFile: path}
			return a.printer.Emit(view, func(p *ux.Printer) {
				p.Success("generated signing key")
				p.Field("Author", view.Author)
				p.Field("Key file", view.KeyFile)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing key")
	return cmd
}
