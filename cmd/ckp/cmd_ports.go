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
	"strconv"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/ConceptKernel/pkg/ports"
)

func newPortsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "Inspect and manage per-project port ranges",
	}

	show := &cobra.Command{
		Use:   "show [slot]",
		Short: "Show the port range of a slot, or of the current project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var slot int
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("slot %q is not a number", args[0])
				}
				slot = n
			} else {
				e, err := a.project()
				if err != nil {
					return err
				}
				slot = e.Slot
			}
			rng, err := ports.RangeFor(slot)
			if err != nil {
				return err
			}
			disc, _ := ports.DiscoveryPort(slot)
			res := struct {
				Slot      int         `json:"slot"`
				Range     ports.Range `json:"range"`
				Discovery uint16      `json:"discovery"`
			}{slot, rng, disc}
			return a.out.Result(res, func() {
				a.out.Field("slot", slot)
				a.out.Field("range", rng.String())
				a.out.Field("discovery", disc)
			})
		},
	}

	allocate := &cobra.Command{
		Use:   "allocate <kernel>",
		Short: "Reserve a port for a kernel in the current project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			alloc, err := a.allocator()
			if err != nil {
				return err
			}
			port, err := alloc.Allocate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.out.Result(ports.Allocation{Kernel: args[0], Port: port}, func() {
				a.out.Success("%s -> %d", args[0], port)
			})
		},
	}

	release := &cobra.Command{
		Use:   "release <kernel>",
		Short: "Release a kernel's port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			alloc, err := a.allocator()
			if err != nil {
				return err
			}
			if err := alloc.Release(cmd.Context(), args[0]); err != nil {
				return err
			}
			return a.out.Result(map[string]string{"released": args[0]}, func() {
				a.out.Success("released %s", args[0])
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List port allocations in the current project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			alloc, err := a.allocator()
			if err != nil {
				return err
			}
			all, err := alloc.List()
			if err != nil {
				return err
			}
			return a.out.Result(all, func() {
				rows := make([][]string, 0, len(all))
				for _, al := range all {
					rows = append(rows, []string{al.Kernel, strconv.Itoa(int(al.Port))})
				}
				a.out.Table([]string{"KERNEL", "PORT"}, rows)
			})
		},
	}

	cmd.AddCommand(show, allocate, release, list)
	return cmd
}

func (a *app) allocator() (*ports.Allocator, error) {
	e, err := a.project()
	if err != nil {
		return nil, err
	}
	return ports.NewAllocator(e.Path, e.PortRange, ports.WithLogger(a.log.Slog())), nil
}
