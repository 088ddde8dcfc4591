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

	"github.com/AleutianAI/ConceptKernel/pkg/kernel"
	"github.com/AleutianAI/ConceptKernel/pkg/proctrack"
)

func newKernelCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "kernel",
		Aliases: []string{"k"},
		Short:   "Create, start, stop and inspect kernels",
	}

	var kernelType, version string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a kernel subtree under concepts/",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.projectManager()
			if err != nil {
				return err
			}
			cfg, err := m.Create(args[0], kernelType, version)
			if err != nil {
				return err
			}
			return a.out.Result(cfg, func() {
				a.out.Success("created %s (%s)", cfg.Metadata.Name, cfg.Metadata.Type)
				a.out.Field("path", m.KernelDir(args[0]))
			})
		},
	}
	create.Flags().StringVarP(&kernelType, "type", "t", "python:cold", "<runtime>:<hot|cold>")
	create.Flags().StringVar(&version, "version", "v0.1", "kernel version")

	list := &cobra.Command{
		Use:   "list",
		Short: "List kernels with their status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.projectManager()
			if err != nil {
				return err
			}
			all, err := m.StatusAll(cmd.Context())
			if err != nil {
				return err
			}
			return a.out.Result(all, func() { printStatuses(a.out, all) })
		},
	}

	var all bool
	start := &cobra.Command{
		Use:   "start [name]",
		Short: "Start a kernel's governor and, for hot kernels, its tool",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.projectManager()
			if err != nil {
				return err
			}
			if all {
				results, err := m.StartAll(cmd.Context())
				_ = a.out.Result(results, func() {
					for _, r := range results {
						printStart(a.out, r)
					}
				})
				return err
			}
			if len(args) != 1 {
				return fmt.Errorf("kernel name or --all required")
			}
			res, err := m.Start(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.out.Result(res, func() { printStart(a.out, res) })
		},
	}
	start.Flags().BoolVar(&all, "all", false, "start every kernel")

	stop := &cobra.Command{
		Use:   "stop [name]",
		Short: "Stop a kernel's tool and governor",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.projectManager()
			if err != nil {
				return err
			}
			if all {
				results, err := m.StopAll(cmd.Context())
				_ = a.out.Result(results, func() {
					for _, r := range results {
						printStop(a.out, r)
					}
				})
				return err
			}
			if len(args) != 1 {
				return fmt.Errorf("kernel name or --all required")
			}
			res, err := m.Stop(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.out.Result(res, func() { printStop(a.out, res) })
		},
	}
	stop.Flags().BoolVar(&all, "all", false, "stop every kernel")

	status := &cobra.Command{
		Use:   "status [name]",
		Short: "Show kernel status, re-verified against the OS",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.projectManager()
			if err != nil {
				return err
			}
			if len(args) == 0 {
				all, err := m.StatusAll(cmd.Context())
				if err != nil {
					return err
				}
				return a.out.Result(all, func() { printStatuses(a.out, all) })
			}
			st, err := m.Status(args[0])
			if err != nil {
				return err
			}
			return a.out.Result(st, func() {
				a.out.Title("%s", st.URN)
				a.out.Field("type", st.Type)
				a.out.Field("state", st.State)
				a.out.Field("mode", st.Mode)
				a.out.Field("tool", recordString(st.Tool))
				a.out.Field("governor", recordString(st.Governor))
				if st.Port != 0 {
					a.out.Field("port", st.Port)
				}
				a.out.Field("inbox", st.Queue.Inbox)
				a.out.Field("archive", st.Queue.Archive)
				for _, s := range st.Stale {
					a.out.Warn("stale state file %s", s)
				}
			})
		},
	}

	cmd.AddCommand(create, list, start, stop, status)
	return cmd
}

func (a *app) projectManager() (*kernel.Manager, error) {
	e, err := a.project()
	if err != nil {
		return nil, err
	}
	return a.manager(e)
}

func printStatuses(p *printer, all []kernel.KernelStatus) {
	rows := make([][]string, 0, len(all))
	for _, st := range all {
		port := ""
		if st.Port != 0 {
			port = strconv.Itoa(int(st.Port))
		}
		rows = append(rows, []string{
			st.Name, st.Type, st.State.String(), string(st.Mode), port,
			strconv.Itoa(st.Queue.Inbox),
		})
	}
	p.Table([]string{"KERNEL", "TYPE", "STATE", "MODE", "PORT", "INBOX"}, rows)
}

func printStart(p *printer, r kernel.StartResult) {
	if r.AlreadyRunning {
		p.Warn("%s already running", r.Kernel)
		return
	}
	msg := fmt.Sprintf("started %s (%s)", r.Kernel, r.Mode)
	if r.Port != 0 {
		msg += fmt.Sprintf(" on port %d", r.Port)
	}
	p.Success("%s", msg)
}

func printStop(p *printer, r kernel.StopResult) {
	if len(r.Stopped) == 0 {
		p.Warn("%s was not running", r.Kernel)
		return
	}
	if r.Forced {
		p.Warn("%s stopped with SIGKILL", r.Kernel)
		return
	}
	p.Success("stopped %s", r.Kernel)
}

func recordString(r *proctrack.ProcessRecord) string {
	if r == nil {
		return "-"
	}
	return fmt.Sprintf("pid %d", r.PID)
}
