// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package proctrack

import (
	"strconv"

	"github.com/AleutianAI/ConceptKernel/pkg/ckerrors"
)

// Role is the part a process plays for its kernel.
type Role string

const (
	RoleTool     Role = "tool"
	RoleGovernor Role = "governor"
)

// ProcessRecord identifies one OS process across pid reuse.
type ProcessRecord struct {
	PID       int   `json:"pid"`
	StartTime int64 `json:"startTime"`
	Role      Role  `json:"role"`
}

// Tracker records and verifies processes.
//
// # Thread Safety
//
// Safe for concurrent use. Nothing is cached: every IsAlive call queries the
// operating system again.
type Tracker struct {
	inspector Inspector
}

// NewTracker creates a tracker. A nil inspector uses the host process table.
func NewTracker(inspector Inspector) *Tracker {
	if inspector == nil {
		inspector = NewSystemInspector()
	}
	return &Tracker{inspector: inspector}
}

// Record captures pid together with its current start time.
//
// # Outputs
//
//   - ProcessRecord: the identity to persist.
//   - error: kind NotFound if the pid has no live process.
func (t *Tracker) Record(pid int, role Role) (ProcessRecord, error) {
	start, err := t.inspector.StartTime(pid)
	if err != nil {
		return ProcessRecord{}, ckerrors.Wrap(ckerrors.KindNotFound, "proctrack.record", strconv.Itoa(pid), err)
	}
	return ProcessRecord{PID: pid, StartTime: start, Role: role}, nil
}

// IsAlive reports whether the recorded process is still running.
//
// A pid that now belongs to a different process (different start time) is
// not alive.
func (t *Tracker) IsAlive(rec ProcessRecord) bool {
	if rec.PID <= 0 {
		return false
	}
	start, err := t.inspector.StartTime(rec.PID)
	if err != nil {
		return false
	}
	return start == rec.StartTime
}
