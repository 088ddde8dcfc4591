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

	"github.com/AleutianAI/ConceptKernel/pkg/edge"
)

func newEdgeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edge",
		Short: "Declare and inspect routing edges between kernels",
	}

	var spec edge.Spec
	create := &cobra.Command{
		Use:   "create <PREDICATE> <source> <target>",
		Short: "Create an edge and its queue directory",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.project()
			if err != nil {
				return err
			}
			reg, err := a.edges(e)
			if err != nil {
				return err
			}
			spec.Predicate, spec.Source, spec.Target = args[0], args[1], args[2]
			created, err := reg.Create(spec)
			if err != nil {
				return err
			}
			return a.out.Result(created, func() {
				a.out.Success("created %s", created.URN)
			})
		},
	}
	create.Flags().StringVar(&spec.TargetProject, "target-project", "", "registered project holding the target kernel")
	create.Flags().StringVar(&spec.Version, "version", edge.DefaultVersion, "edge version")

	var from string
	list := &cobra.Command{
		Use:   "list",
		Short: "List edges, optionally only those leaving one kernel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.project()
			if err != nil {
				return err
			}
			reg, err := a.edges(e)
			if err != nil {
				return err
			}
			var edges []edge.Edge
			if from != "" {
				edges, err = reg.EdgesFrom(from)
			} else {
				edges, err = reg.List()
			}
			if err != nil {
				return err
			}
			return a.out.Result(edges, func() {
				rows := make([][]string, 0, len(edges))
				for _, ed := range edges {
					target := ed.Target
					if ed.TargetProject != "" {
						target = ed.TargetProject + "/" + ed.Target
					}
					rows = append(rows, []string{string(ed.Predicate), ed.Source, target, ed.URN})
				}
				a.out.Table([]string{"PREDICATE", "SOURCE", "TARGET", "URN"}, rows)
			})
		},
	}
	list.Flags().StringVar(&from, "from", "", "only edges whose source is this kernel")

	remove := &cobra.Command{
		Use:   "remove <edge-urn>",
		Short: "Remove an edge. Entries already delivered stay in the target inbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.project()
			if err != nil {
				return err
			}
			reg, err := a.edges(e)
			if err != nil {
				return err
			}
			if err := reg.Remove(args[0]); err != nil {
				return err
			}
			return a.out.Result(map[string]string{"removed": args[0]}, func() {
				a.out.Success("removed %s", args[0])
			})
		},
	}

	cmd.AddCommand(create, list, remove)
	return cmd
}
