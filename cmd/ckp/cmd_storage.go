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
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/ConceptKernel/pkg/drivers"
)

func newStorageCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storage",
		Short: "Read and write blobs by path, ckp:// address or remote URL",
	}

	cat := &cobra.Command{
		Use:   "cat <location>",
		Short: "Print a blob to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := a.projectStorage()
			if err != nil {
				return err
			}
			data, err := set.Read(cmd.Context(), parseLocation(args[0]))
			if err != nil {
				return err
			}
			_, err = a.stdout.Write(data)
			return err
		},
	}

	var from string
	put := &cobra.Command{
		Use:   "put <location>",
		Short: "Write stdin, or --from, to a blob",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := a.projectStorage()
			if err != nil {
				return err
			}
			var data []byte
			if from != "" {
				data, err = os.ReadFile(from)
			} else {
				data, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return err
			}
			loc := parseLocation(args[0])
			if err := set.Write(cmd.Context(), loc, data); err != nil {
				return err
			}
			return a.out.Result(map[string]any{"location": loc.String(), "bytes": len(data)}, func() {
				a.out.Success("wrote %d bytes to %s", len(data), loc)
			})
		},
	}
	put.Flags().StringVarP(&from, "from", "f", "", "read content from this file")

	cmd.AddCommand(cat, put)
	return cmd
}

// parseLocation picks the location kind from the scheme. Anything without a
// ckp, http(s) or gs scheme is a project-relative path.
func parseLocation(s string) drivers.Location {
	switch {
	case strings.HasPrefix(s, "ckp://"):
		return drivers.URN(s)
	case strings.HasPrefix(s, "http://"), strings.HasPrefix(s, "https://"), strings.HasPrefix(s, "gs://"):
		return drivers.Remote(s)
	default:
		return drivers.Local(s)
	}
}

func (a *app) projectStorage() (*drivers.Set, error) {
	e, err := a.project()
	if err != nil {
		return nil, err
	}
	return a.storage(e.Path), nil
}
