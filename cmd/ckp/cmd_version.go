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
	"github.com/AleutianAI/ConceptKernel/pkg/drivers"
)

func newVersionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Version a kernel directory with git or snapshots",
	}

	var backend string
	initCmd := &cobra.Command{
		Use:   "init <kernel>",
		Short: "Start versioning a kernel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := a.kernelDir(args[0])
			if err != nil {
				return err
			}
			if d, ok := drivers.Detect(dir); ok {
				return ckerrors.New(ckerrors.KindAlreadyExists, "version.init", args[0]).
					WithState("unversioned kernel", string(d.Backend()))
			}
			d, err := drivers.NewVersionDriver(drivers.Backend(backend), dir)
			if err != nil {
				return err
			}
			if err := d.Init(); err != nil {
				return err
			}
			return a.out.Result(map[string]string{"kernel": args[0], "backend": backend}, func() {
				a.out.Success("versioning %s with %s", args[0], backend)
			})
		},
	}
	initCmd.Flags().StringVar(&backend, "backend", string(drivers.BackendGit), "git or snapshot")

	var message string
	snapshot := &cobra.Command{
		Use:   "snapshot <kernel>",
		Short: "Record the kernel's current content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.versionDriver(args[0])
			if err != nil {
				return err
			}
			id, err := d.Commit(message)
			if err != nil {
				return err
			}
			return a.out.Result(map[string]string{"kernel": args[0], "commit": id}, func() {
				a.out.Success("recorded %s", id)
			})
		},
	}
	snapshot.Flags().StringVarP(&message, "message", "m", "snapshot", "commit message")

	var bump, tagMessage string
	tag := &cobra.Command{
		Use:   "tag <kernel>",
		Short: "Record and tag the next semver version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := drivers.ParseBump(bump)
			if err != nil {
				return err
			}
			d, err := a.versionDriver(args[0])
			if err != nil {
				return err
			}
			next, err := drivers.CommitAndTag(d, tagMessage, b)
			if err != nil {
				return err
			}
			return a.out.Result(map[string]string{"kernel": args[0], "version": next}, func() {
				a.out.Success("tagged %s %s", args[0], next)
			})
		},
	}
	tag.Flags().StringVar(&bump, "bump", "patch", "major, minor or patch")
	tag.Flags().StringVarP(&tagMessage, "message", "m", "release", "tag message")

	list := &cobra.Command{
		Use:   "list <kernel>",
		Short: "List a kernel's tagged versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.versionDriver(args[0])
			if err != nil {
				return err
			}
			versions, err := d.Versions()
			if err != nil {
				return err
			}
			return a.out.Result(versions, func() {
				rows := make([][]string, 0, len(versions))
				for _, v := range versions {
					rows = append(rows, []string{v})
				}
				a.out.Table([]string{"VERSION"}, rows)
			})
		},
	}

	current := &cobra.Command{
		Use:   "current <kernel>",
		Short: "Show the version a kernel is at",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.versionDriver(args[0])
			if err != nil {
				return err
			}
			info, err := d.Current()
			if err != nil {
				return err
			}
			return a.out.Result(info, func() {
				a.out.Field("version", info.Version)
				a.out.Field("clean", info.Clean)
				a.out.Field("backend", info.Backend)
			})
		},
	}

	cmd.AddCommand(initCmd, snapshot, tag, list, current)
	return cmd
}

// kernelDir returns the directory of an existing kernel.
func (a *app) kernelDir(name string) (string, error) {
	m, err := a.projectManager()
	if err != nil {
		return "", err
	}
	if _, err := m.Config(name); err != nil {
		return "", err
	}
	return m.KernelDir(name), nil
}

func (a *app) versionDriver(name string) (drivers.VersionDriver, error) {
	dir, err := a.kernelDir(name)
	if err != nil {
		return nil, err
	}
	d, ok := drivers.Detect(dir)
	if !ok {
		return nil, ckerrors.New(ckerrors.KindNotFound, "version", name).
			WithState("versioned kernel", "run ckp version init first")
	}
	return d, nil
}
