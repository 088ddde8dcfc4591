// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package kernel manages the lifecycle of kernels in one project.
//
// # Overview
//
// A kernel is a directory under <project>/concepts/<Name>/ with a
// conceptkernel.yaml definition, a queue (inbox, staging, ready, archive,
// edges), a storage area for published instances and a tool. Hot kernels
// keep one tool resident on a port from the project range. Cold kernels run
// their tool once per unit of work, woken by the kernel's governor.
//
// # Process state
//
// Running processes are recorded in .tool.pid and .governor.pid as
// "<pid>:<start_time>". A record is only trusted while the OS process with
// that pid has exactly that start time, so pid reuse never makes a dead
// kernel look alive.
//
// # Example
//
//	mgr, err := kernel.NewManager(kernel.Options{Root: projectDir, PortRange: entry.PortRange})
//	if err != nil {
//	    return err
//	}
//	res, err := mgr.Start(ctx, "Mixer")
package kernel
