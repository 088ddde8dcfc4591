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

	"github.com/AleutianAI/ConceptKernel/cmd/ckp/internal/discovery"
)

func newDiscoveryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discovery",
		Short: "Serve the project's discovery endpoint",
	}

	var addr string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve kernel status, edges and metrics over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.project()
			if err != nil {
				return err
			}
			m, err := a.manager(e)
			if err != nil {
				return err
			}
			edges, err := a.edges(e)
			if err != nil {
				return err
			}
			srv := discovery.New(discovery.Config{
				Project: e,
				Kernels: m,
				Edges:   edges,
				Version: Version,
				Logger:  a.log.Slog(),
			})
			if addr == "" {
				addr = srv.Addr()
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			a.log.Info("discovery listening", "addr", addr, "project", e.Name)
			return srv.Run(ctx, addr)
		},
	}
	serve.Flags().StringVar(&addr, "addr", "", "listen address (default 127.0.0.1:<discovery port>)")

	cmd.AddCommand(serve)
	return cmd
}
