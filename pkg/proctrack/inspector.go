// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package proctrack decides whether a recorded OS process is still the one
// that was recorded, and keeps the temporal records (Occurrents) of work the
// runtime performs.
//
// A pid alone is not an identity: the kernel recycles pids. A ProcessRecord
// pairs the pid with the process start time, and liveness requires both to
// match.
package proctrack

import (
	"errors"
	"fmt"
	"slices"

	"github.com/shirou/gopsutil/v4/process"
)

// ErrProcessGone means no live, non-zombie process has the pid.
var ErrProcessGone = errors.New("process not running")

// Inspector queries the operating system about processes.
type Inspector interface {
	// StartTime returns the process creation time in epoch milliseconds, or
	// ErrProcessGone if the pid has no live process.
	StartTime(pid int) (int64, error)
}

// SystemInspector is the Inspector backed by the host process table.
type SystemInspector struct{}

// NewSystemInspector returns the host inspector.
func NewSystemInspector() SystemInspector {
	return SystemInspector{}
}

// StartTime implements Inspector.
//
// # Description
//
// Zombies count as gone: they keep their pid and start time until reaped but
// will never do work again.
func (SystemInspector) StartTime(pid int) (int64, error) {
	if pid <= 0 {
		return 0, fmt.Errorf("pid %d: %w", pid, ErrProcessGone)
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, fmt.Errorf("pid %d: %w", pid, ErrProcessGone)
	}
	created, err := p.CreateTime()
	if err != nil {
		return 0, fmt.Errorf("pid %d: %w", pid, ErrProcessGone)
	}
	if status, err := p.Status(); err == nil && slices.Contains(status, process.Zombie) {
		return 0, fmt.Errorf("pid %d is a zombie: %w", pid, ErrProcessGone)
	}
	return created, nil
}

var _ Inspector = SystemInspector{}
