// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package drivers

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/ConceptKernel/pkg/ckerrors"
)

const gitTimeout = 30 * time.Second

// GitDriver versions a kernel directory with the git CLI.
type GitDriver struct {
	dir string
}

// NewGitDriver returns a driver for dir. Nothing runs until a method is
// called.
func NewGitDriver(dir string) *GitDriver {
	return &GitDriver{dir: dir}
}

// Backend implements VersionDriver.
func (g *GitDriver) Backend() Backend { return BackendGit }

// IsInitialized implements VersionDriver.
func (g *GitDriver) IsInitialized() bool {
	return isDir(filepath.Join(g.dir, ".git"))
}

// Init creates the repository with a local identity. A no-op if one exists.
func (g *GitDriver) Init() error {
	if g.IsInitialized() {
		return nil
	}
	if _, err := g.git("init", "-q"); err != nil {
		return err
	}
	if _, err := g.git("config", "user.name", "ConceptKernel"); err != nil {
		return err
	}
	_, err := g.git("config", "user.email", "system@conceptkernel.local")
	return err
}

// HasChanges reports whether the work tree differs from HEAD.
func (g *GitDriver) HasChanges() (bool, error) {
	out, err := g.git("status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// Commit stages everything and commits. It returns the commit hash.
func (g *GitDriver) Commit(message string) (string, error) {
	if err := g.Init(); err != nil {
		return "", err
	}
	changed, err := g.HasChanges()
	if err != nil {
		return "", err
	}
	if !changed {
		return "", ckerrors.New(ckerrors.KindInvalidTransition, "drivers.git.commit", g.dir).
			WithState("uncommitted changes", "clean work tree")
	}
	if _, err := g.git("add", "-A"); err != nil {
		return "", err
	}
	if _, err := g.git("commit", "-q", "-m", message); err != nil {
		return "", err
	}
	hash, err := g.git("rev-parse", "HEAD")
	return strings.TrimSpace(hash), err
}

// Tag creates an annotated tag when message is set, a light one otherwise.
func (g *GitDriver) Tag(version, message string) error {
	if err := validTag("drivers.git.tag", version); err != nil {
		return err
	}
	args := []string{"tag", version}
	if message != "" {
		args = []string{"tag", "-a", version, "-m", message}
	}
	_, err := g.git(args...)
	return err
}

// Versions implements VersionDriver.
func (g *GitDriver) Versions() ([]string, error) {
	if !g.IsInitialized() {
		return nil, nil
	}
	out, err := g.git("tag", "-l")
	if err != nil {
		return nil, err
	}
	return sortedTags(strings.Fields(out)), nil
}

// Current describes HEAD relative to the nearest tag.
//
// # Description
//
// A commit exactly on tag v0.2.0 reports "v0.2.0" and Clean. Three commits
// past it reports "v0.2.3-g<hash>", not clean. With no tag, nil is
// returned.
func (g *GitDriver) Current() (*VersionInfo, error) {
	if !g.IsInitialized() {
		return nil, nil
	}
	out, err := g.git("describe", "--tags", "--always", "--long")
	if err != nil {
		return nil, nil
	}
	raw := strings.TrimSpace(out)
	if !strings.HasPrefix(raw, "v") {
		return nil, nil
	}
	version, clean := formatDescribe(raw)
	return &VersionInfo{Version: version, Clean: clean, Metadata: raw, Backend: BackendGit}, nil
}

// formatDescribe turns "v0.2.0-3-gab12cd" into ("v0.2.3-gab12cd", false)
// and "v0.2.0-0-gab12cd" into ("v0.2.0", true). Unexpected shapes are
// returned unchanged.
func formatDescribe(raw string) (string, bool) {
	i := strings.LastIndex(raw, "-g")
	if i < 0 {
		return raw, false
	}
	hash := raw[i+1:]
	rest := raw[:i]
	j := strings.LastIndex(rest, "-")
	if j < 0 {
		return raw, false
	}
	base, countStr := rest[:j], rest[j+1:]
	count, err := strconv.Atoi(countStr)
	if err != nil {
		return raw, false
	}
	parts := strings.Split(strings.TrimPrefix(base, "v"), ".")
	if len(parts) != 3 {
		return raw, false
	}
	if count == 0 {
		return base, true
	}
	return fmt.Sprintf("v%s.%s.%d-%s", parts[0], parts[1], count, hash), false
}

func (g *GitDriver) git(args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", ckerrors.Wrap(ckerrors.KindProcessError, "drivers.git."+args[0], g.dir,
			fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String())))
	}
	return stdout.String(), nil
}
