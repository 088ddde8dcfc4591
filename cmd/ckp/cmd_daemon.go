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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/ConceptKernel/pkg/edge"
)

func newDaemonCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Long-running governor and router processes",
	}

	var kernelName string
	gov := &cobra.Command{
		Use:   "governor",
		Short: "Watch one kernel's inbox and wake its tool for pending work",
		Long: `governor is normally launched by "ckp kernel start". It watches
queue/inbox, wakes the kernel's tool for each batch of pending entries and
archives them once the tool exits cleanly. It runs until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if kernelName == "" {
				return fmt.Errorf("--kernel is required")
			}
			m, err := a.projectManager()
			if err != nil {
				return err
			}
			g, err := a.governor(m, kernelName)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			a.log.Info("governor started", "kernel", kernelName, "pid", os.Getpid())
			return g.Run(ctx)
		},
	}
	gov.Flags().StringVar(&kernelName, "kernel", "", "kernel to govern")

	router := &cobra.Command{
		Use:   "router",
		Short: "Route every new instance in the project along its edges",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.project()
			if err != nil {
				return err
			}
			r, err := a.router(e)
			if err != nil {
				return err
			}
			jc := edge.DefaultJournalConfig(a.cfg.JournalPath(e.Path))
			jc.Logger = a.log.Slog()
			journal, err := edge.OpenJournal(jc)
			if err != nil {
				return err
			}
			defer journal.Close()

			d, err := edge.NewDaemon(edge.DaemonOptions{
				Router:   r,
				Journal:  journal,
				Debounce: a.cfg.Governor.Debounce,
				Logger:   a.log.Slog(),
			})
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			a.log.Info("router started", "project", e.Name, "pid", os.Getpid())
			return d.Run(ctx)
		},
	}

	cmd.AddCommand(gov, router)
	return cmd
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
