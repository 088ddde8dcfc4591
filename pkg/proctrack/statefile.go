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
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/AleutianAI/ConceptKernel/pkg/ckerrors"
	"github.com/AleutianAI/ConceptKernel/pkg/fsutil"
)

// State file names inside a kernel directory.
const (
	ToolStateFile     = ".tool.pid"
	GovernorStateFile = ".governor.pid"
)

// StateFileName returns the state file name for role.
func StateFileName(role Role) string {
	if role == RoleGovernor {
		return GovernorStateFile
	}
	return ToolStateFile
}

// WriteStateFile persists rec as "<pid>:<start_time>" via temp file and rename.
func WriteStateFile(path string, rec ProcessRecord) error {
	data := fmt.Sprintf("%d:%d\n", rec.PID, rec.StartTime)
	if err := fsutil.WriteFileAtomic(path, []byte(data), 0o644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return nil
}

// ReadStateFile loads a record written by WriteStateFile.
//
// # Outputs
//
//   - error: kind NotFound if the file is absent, InvalidFormat if it does
//     not hold "<pid>:<start_time>".
func ReadStateFile(path string, role Role) (ProcessRecord, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ProcessRecord{}, ckerrors.Wrap(ckerrors.KindNotFound, "proctrack.state", path, err)
	}
	if err != nil {
		return ProcessRecord{}, fmt.Errorf("read state file: %w", err)
	}

	content := strings.TrimSpace(string(data))
	pidStr, startStr, ok := strings.Cut(content, ":")
	if !ok {
		return ProcessRecord{}, garbage(path, content)
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return ProcessRecord{}, garbage(path, content)
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return ProcessRecord{}, garbage(path, content)
	}
	return ProcessRecord{PID: pid, StartTime: start, Role: role}, nil
}

// RemoveStateFile deletes a state file; a missing file is not an error.
func RemoveStateFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove state file: %w", err)
	}
	return nil
}

func garbage(path, content string) error {
	return ckerrors.New(ckerrors.KindInvalidFormat, "proctrack.state", path).
		WithState("<pid>:<start_time>", content)
}
