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
)

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "ckp",
		Short: "Manage ConceptKernel projects, kernels and edges",
		Long: `ckp drives a filesystem-native ConceptKernel project: kernels are
directories under concepts/, edges route each produced instance into the
inboxes of its consumers, and governors wake cold kernels as work arrives.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default ~/.config/conceptkernel/ckp.yaml)")
	flags.StringVarP(&a.projectHint, "project", "p", "", "project name or directory (default: current directory)")
	flags.BoolVar(&a.jsonOut, "json", false, "print results as JSON")
	flags.StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newProjectCmd(a),
		newKernelCmd(a),
		newEdgeCmd(a),
		newInstanceCmd(a),
		newURNCmd(a),
		newPortsCmd(a),
		newProcessCmd(a),
		newStorageCmd(a),
		newVersionCmd(a),
		newDaemonCmd(a),
		newDiscoveryCmd(a),
	)
	return root
}
