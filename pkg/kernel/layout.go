// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package kernel

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/AleutianAI/ConceptKernel/pkg/ckerrors"
	"github.com/AleutianAI/ConceptKernel/pkg/fsutil"
	"github.com/AleutianAI/ConceptKernel/pkg/urn"
)

// Kernel subtree entries besides the queue stages.
const (
	LogsDir       = "logs"
	ToolDir       = "tool"
	LifecycleLock = ".lifecycle.lock"
)

// QueueStats counts entries per queue stage.
type QueueStats struct {
	Inbox   int `json:"inbox"`
	Staging int `json:"staging"`
	Ready   int `json:"ready"`
	Archive int `json:"archive"`
	Edges   int `json:"edges"`
}

var queueStages = []string{"inbox", "staging", "ready", "archive", "edges"}

var toolTemplates = map[string]string{
	"python": `#!/usr/bin/env python3
import os
import sys

def main():
    print(f"processing job for {os.environ.get('CK_KERNEL', '')}")
    sys.exit(0)

if __name__ == "__main__":
    main()
`,
	"node": `#!/usr/bin/env node
console.log('processing job for ' + (process.env.CK_KERNEL || ''));
process.exit(0);
`,
}

const shellToolTemplate = `#!/bin/sh
echo "processing job for $CK_KERNEL"
exit 0
`

// createLayout materializes a new kernel subtree at dir.
//
// # Description
//
// The tree is built in a temporary sibling and renamed into place, so a
// half-created kernel is never visible to List or the router.
func createLayout(dir string, cfg *Config) error {
	err := fsutil.PublishDir(dir, func(tmp string) error {
		for _, stage := range queueStages {
			rel, _ := urn.StagePath(stage)
			if err := os.MkdirAll(filepath.Join(tmp, rel), 0o755); err != nil {
				return err
			}
		}
		for _, d := range []string{"storage", LogsDir, ToolDir} {
			if err := os.MkdirAll(filepath.Join(tmp, d), 0o755); err != nil {
				return err
			}
		}
		if err := WriteConfig(tmp, cfg); err != nil {
			return err
		}

		body, ok := toolTemplates[cfg.Runtime()]
		if !ok {
			body = shellToolTemplate
		}
		entry := filepath.Join(tmp, filepath.FromSlash(cfg.EntrypointOrDefault()))
		if err := os.MkdirAll(filepath.Dir(entry), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(entry, []byte(body), 0o755); err != nil {
			return err
		}

		tx, _ := urn.StagePath("tx")
		return os.WriteFile(filepath.Join(tmp, tx), nil, 0o644)
	})
	if errors.Is(err, os.ErrExist) {
		return ckerrors.Wrap(ckerrors.KindAlreadyExists, "kernel.create", filepath.Base(dir), err)
	}
	if err != nil {
		return fmt.Errorf("create kernel %s: %w", filepath.Base(dir), err)
	}
	return nil
}

// listKernels returns the names of kernel directories under conceptsDir that
// hold a definition file, sorted.
func listKernels(conceptsDir string) ([]string, error) {
	entries, err := os.ReadDir(conceptsDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list kernels: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if _, err := os.Stat(filepath.Join(conceptsDir, e.Name(), ConfigFile)); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// queueStats counts visible entries in each queue stage of kernelDir.
func queueStats(kernelDir string) QueueStats {
	count := func(stage string) int {
		rel, _ := urn.StagePath(stage)
		entries, err := os.ReadDir(filepath.Join(kernelDir, rel))
		if err != nil {
			return 0
		}
		n := 0
		for _, e := range entries {
			if !fsutil.IsTempName(e.Name()) {
				n++
			}
		}
		return n
	}
	return QueueStats{
		Inbox:   count("inbox"),
		Staging: count("staging"),
		Ready:   count("ready"),
		Archive: count("archive"),
		Edges:   count("edges"),
	}
}
