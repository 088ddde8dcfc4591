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
	"strconv"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/ConceptKernel/pkg/project"
)

func newProjectCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Register projects and their port slots",
	}

	var name string
	register := &cobra.Command{
		Use:   "register [dir]",
		Short: "Register a project directory and assign it a port slot",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			reg, err := a.registry()
			if err != nil {
				return err
			}
			e, err := reg.Register(cmd.Context(), dir, name)
			if err != nil {
				return err
			}
			return a.out.Result(e, func() {
				a.out.Success("registered %s", e.Name)
				printEntry(a.out, e)
			})
		},
	}
	register.Flags().StringVar(&name, "name", "", "project name (default: directory name)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := a.registry()
			if err != nil {
				return err
			}
			entries, err := reg.List()
			if err != nil {
				return err
			}
			return a.out.Result(entries, func() {
				rows := make([][]string, 0, len(entries))
				for _, e := range entries {
					rows = append(rows, []string{
						e.Name, strconv.Itoa(e.Slot), e.PortRange.String(),
						strconv.Itoa(int(e.DiscoveryPort)), e.Path,
					})
				}
				a.out.Table([]string{"NAME", "SLOT", "PORTS", "DISCOVERY", "PATH"}, rows)
			})
		},
	}

	resolve := &cobra.Command{
		Use:   "resolve [dir]",
		Short: "Show the project containing a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				a.projectHint = args[0]
			}
			e, err := a.project()
			if err != nil {
				return err
			}
			return a.out.Result(e, func() { printEntry(a.out, e) })
		},
	}

	unregister := &cobra.Command{
		Use:   "unregister <name>",
		Short: "Remove a project from the registry. Its slot is not reused",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := a.registry()
			if err != nil {
				return err
			}
			if err := reg.Unregister(cmd.Context(), args[0]); err != nil {
				return err
			}
			return a.out.Result(map[string]string{"unregistered": args[0]}, func() {
				a.out.Success("unregistered %s", args[0])
			})
		},
	}

	cmd.AddCommand(register, list, resolve, unregister)
	return cmd
}

func printEntry(p *printer, e project.Entry) {
	p.Field("name", e.Name)
	p.Field("path", e.Path)
	p.Field("slot", e.Slot)
	p.Field("ports", e.PortRange.String())
	p.Field("discovery", e.DiscoveryPort)
}
