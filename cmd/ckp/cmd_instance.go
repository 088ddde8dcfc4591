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
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/ConceptKernel/pkg/edge"
	"github.com/AleutianAI/ConceptKernel/pkg/evidence"
)

func newInstanceCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "instance",
		Aliases: []string{"inst"},
		Short:   "Write, list and route kernel instances",
	}

	var (
		action  string
		data    string
		success string
		route   bool
	)
	write := &cobra.Command{
		Use:   "write <kernel>",
		Short: "Record an instance in the kernel's storage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.project()
			if err != nil {
				return err
			}
			p := evidence.Payload{Action: action}
			if data != "" {
				var v any
				if err := json.Unmarshal([]byte(data), &v); err != nil {
					return fmt.Errorf("--data is not JSON: %w", err)
				}
				p.Data = v
			}
			if success != "" {
				ok, err := strconv.ParseBool(success)
				if err != nil {
					return fmt.Errorf("--success: %w", err)
				}
				p.Success = &ok
			}
			id, err := a.evidence(e).WriteInstance(cmd.Context(), args[0], p)
			if err != nil {
				return err
			}
			result := struct {
				Kernel   string               `json:"kernel"`
				Instance string               `json:"instance"`
				Routing  *edge.RoutingOutcome `json:"routing,omitempty"`
			}{Kernel: args[0], Instance: id}
			var routeErr error
			if route {
				r, err := a.router(e)
				if err != nil {
					return err
				}
				out, err := r.Route(cmd.Context(), id, args[0])
				result.Routing, routeErr = &out, err
			}
			if err := a.out.Result(result, func() {
				a.out.Success("wrote %s", id)
				if result.Routing != nil {
					printOutcome(a.out, *result.Routing)
				}
			}); err != nil {
				return err
			}
			return routeErr
		},
	}
	write.Flags().StringVar(&action, "action", "", "action recorded in the receipt")
	write.Flags().StringVar(&data, "data", "", "JSON payload")
	write.Flags().StringVar(&success, "success", "", "true or false")
	write.Flags().BoolVar(&route, "route", false, "route the instance along outgoing edges")

	var limit int
	list := &cobra.Command{
		Use:   "list <kernel>",
		Short: "List a kernel's instances, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.project()
			if err != nil {
				return err
			}
			items, err := a.evidence(e).ListInstances(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return a.out.Result(items, func() {
				rows := make([][]string, 0, len(items))
				for _, it := range items {
					ok := "-"
					if it.Success != nil {
						ok = strconv.FormatBool(*it.Success)
					}
					rows = append(rows, []string{it.ID, it.Timestamp.Format(time.RFC3339), it.Action, ok})
				}
				a.out.Table([]string{"INSTANCE", "TIME", "ACTION", "SUCCESS"}, rows)
			})
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "maximum instances to show; 0 for all")

	describe := &cobra.Command{
		Use:   "describe <kernel> <instance>",
		Short: "Show an instance's receipt and files",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.project()
			if err != nil {
				return err
			}
			d, err := a.evidence(e).DescribeInstance(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return a.out.Result(d, func() {
				a.out.Title("%s", d.URN)
				a.out.Field("path", d.Path)
				a.out.Field("files", d.Files)
				raw, _ := json.MarshalIndent(d.Receipt, "", "  ")
				fmt.Fprintln(a.out.w, string(raw))
			})
		},
	}

	routeCmd := &cobra.Command{
		Use:   "route <kernel> <instance>",
		Short: "Deliver an instance along the kernel's outgoing edges",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.project()
			if err != nil {
				return err
			}
			r, err := a.router(e)
			if err != nil {
				return err
			}
			out, err := r.Route(cmd.Context(), args[1], args[0])
			if perr := a.out.Result(out, func() { printOutcome(a.out, out) }); perr != nil {
				return perr
			}
			return err
		},
	}

	cmd.AddCommand(write, list, describe, routeCmd)
	return cmd
}

func printOutcome(p *printer, out edge.RoutingOutcome) {
	if len(out.Results) == 0 {
		p.Warn("no outgoing edges from %s", out.Kernel)
		return
	}
	rows := make([][]string, 0, len(out.Results))
	for _, r := range out.Results {
		rows = append(rows, []string{string(r.Predicate), r.Target, string(r.Status), r.Error})
	}
	p.Table([]string{"PREDICATE", "TARGET", "STATUS", "ERROR"}, rows)
	if out.ProcessURN != "" {
		p.Field("process", out.ProcessURN)
	}
}
