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
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/ConceptKernel/pkg/proctrack"
)

func newProcessCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "process",
		Aliases: []string{"ps"},
		Short:   "Query recorded process Occurrents",
	}

	var q proctrack.Query
	addQueryFlags := func(c *cobra.Command) {
		c.Flags().StringVar(&q.Type, "type", "", "process type, e.g. EdgeRoute")
		c.Flags().StringVar(&q.Status, "status", "", "accepted, processing, completed or failed")
		c.Flags().StringVar(&q.Participant, "participant", "", "kernel taking part")
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List Occurrents, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.occurrents()
			if err != nil {
				return err
			}
			occs, err := store.List(q)
			if err != nil {
				return err
			}
			return a.out.Result(occs, func() {
				rows := make([][]string, 0, len(occs))
				for _, o := range occs {
					rows = append(rows, []string{o.URN, o.Status, o.CreatedAt.Format(time.RFC3339), o.Error})
				}
				a.out.Table([]string{"PROCESS", "STATUS", "CREATED", "ERROR"}, rows)
			})
		},
	}
	addQueryFlags(list)
	list.Flags().IntVarP(&q.Limit, "limit", "n", 50, "maximum records; 0 for all")

	show := &cobra.Command{
		Use:   "show <process-urn>",
		Short: "Show one Occurrent with its temporal parts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.occurrents()
			if err != nil {
				return err
			}
			o, err := store.Get(args[0])
			if err != nil {
				return err
			}
			return a.out.Result(o, func() {
				a.out.Title("%s", o.URN)
				a.out.Field("status", o.Status)
				a.out.Field("participants", fmt.Sprint(o.Participants))
				rows := make([][]string, 0, len(o.TemporalParts))
				for _, p := range o.TemporalParts {
					rows = append(rows, []string{string(p.Phase), p.Timestamp.Format(time.RFC3339Nano)})
				}
				a.out.Table([]string{"PHASE", "AT"}, rows)
				if o.Error != "" {
					a.out.Warn("%s", o.Error)
				}
			})
		},
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Summarize Occurrents by status and type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.occurrents()
			if err != nil {
				return err
			}
			s, err := store.Stats(q)
			if err != nil {
				return err
			}
			return a.out.Result(s, func() {
				a.out.Field("total", s.Total)
				for k, v := range s.ByStatus {
					a.out.Field(k, v)
				}
				a.out.Field("avg duration", time.Duration(s.AvgDurationMs*float64(time.Millisecond)).String())
			})
		},
	}
	addQueryFlags(stats)

	cmd.AddCommand(list, show, stats)
	return cmd
}

func (a *app) occurrents() (*proctrack.Store, error) {
	e, err := a.project()
	if err != nil {
		return nil, err
	}
	return proctrack.NewStore(e.Path, proctrack.WithStoreLogger(a.log.Slog())), nil
}
