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

	"github.com/AleutianAI/ConceptKernel/pkg/ckerrors"
	"github.com/AleutianAI/ConceptKernel/pkg/urn"
)

func newURNCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "urn",
		Short: "Validate and resolve ckp:// addresses",
	}

	validate := &cobra.Command{
		Use:   "validate <urn>",
		Short: "Check an address and report its kind",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res := urn.Validate(args[0])
			if err := a.out.Result(res, func() {
				if res.Valid {
					a.out.Success("valid %s address", res.Kind)
				} else {
					a.out.Warn("invalid: %s", res.Reason)
				}
			}); err != nil {
				return err
			}
			if !res.Valid {
				return ckerrors.New(ckerrors.KindInvalidFormat, "urn.validate", args[0]).
					WithState("valid address", res.Reason)
			}
			return nil
		},
	}

	resolve := &cobra.Command{
		Use:   "resolve <urn>",
		Short: "Map an address to its path in the current project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.project()
			if err != nil {
				return err
			}
			res, err := urn.NewResolver(e.Path).ResolveString(args[0])
			if err != nil {
				return err
			}
			return a.out.Result(res, func() {
				a.out.Field("kind", res.Kind)
				a.out.Field("path", res.Path)
			})
		},
	}

	cmd.AddCommand(validate, resolve)
	return cmd
}
