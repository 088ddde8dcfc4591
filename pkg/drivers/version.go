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
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/AleutianAI/ConceptKernel/pkg/ckerrors"
)

// Backend names a version-control backend.
type Backend string

const (
	BackendGit      Backend = "git"
	BackendSnapshot Backend = "snapshot"
	BackendNone     Backend = "none"
)

// SnapshotMarker is the directory that marks a snapshot-versioned kernel.
const SnapshotMarker = ".ckversions"

// VersionInfo describes the version a kernel directory is at.
type VersionInfo struct {
	Version  string  `json:"version"`
	Clean    bool    `json:"clean"`
	Metadata string  `json:"metadata,omitempty"`
	Backend  Backend `json:"backend"`
}

// Bump selects which semver component NextVersion increments.
type Bump int

const (
	BumpPatch Bump = iota
	BumpMinor
	BumpMajor
)

// ParseBump maps "major", "minor" and "patch" to a Bump.
func ParseBump(s string) (Bump, error) {
	switch strings.ToLower(s) {
	case "patch", "":
		return BumpPatch, nil
	case "minor":
		return BumpMinor, nil
	case "major":
		return BumpMajor, nil
	}
	return BumpPatch, ckerrors.New(ckerrors.KindInvalidFormat, "drivers.bump", s).
		WithState("major, minor or patch", s)
}

// VersionDriver versions one kernel directory.
//
// # Description
//
// Commit records the current content and returns a backend identifier for
// it. Tag names the latest commit with a semver tag ("v1.2.3"). Versions
// lists tags in ascending semver order.
type VersionDriver interface {
	Backend() Backend
	Init() error
	IsInitialized() bool
	Commit(message string) (string, error)
	Tag(version, message string) error
	Versions() ([]string, error)
	Current() (*VersionInfo, error)
}

// Detect picks the version driver for dir by its marker: a .git directory
// selects git, a .ckversions directory selects snapshots.
func Detect(dir string) (VersionDriver, bool) {
	if isDir(filepath.Join(dir, ".git")) {
		return NewGitDriver(dir), true
	}
	if isDir(filepath.Join(dir, SnapshotMarker)) {
		return NewSnapshotDriver(dir), true
	}
	return nil, false
}

// NewVersionDriver returns the driver for an explicitly chosen backend.
func NewVersionDriver(backend Backend, dir string) (VersionDriver, error) {
	switch backend {
	case BackendGit:
		return NewGitDriver(dir), nil
	case BackendSnapshot:
		return NewSnapshotDriver(dir), nil
	default:
		return nil, ckerrors.New(ckerrors.KindInvalidFormat, "drivers.version", string(backend)).
			WithState("git or snapshot", string(backend))
	}
}

// CommitAndTag records d's content and tags it with the version after the
// latest existing tag.
func CommitAndTag(d VersionDriver, message string, bump Bump) (string, error) {
	if _, err := d.Commit(message); err != nil {
		return "", err
	}
	tags, err := d.Versions()
	if err != nil {
		return "", err
	}
	next, err := NextVersion(Latest(tags), bump)
	if err != nil {
		return "", err
	}
	if err := d.Tag(next, message); err != nil {
		return "", err
	}
	return next, nil
}

// NextVersion returns the tag after latest for the given bump. An empty
// latest counts as v0.0.0.
func NextVersion(latest string, bump Bump) (string, error) {
	if latest == "" {
		latest = "v0.0.0"
	}
	if !semver.IsValid(latest) {
		return "", ckerrors.New(ckerrors.KindInvalidFormat, "drivers.version", latest).
			WithState("semver tag", latest)
	}
	core := strings.TrimPrefix(semver.Canonical(latest), "v")
	if i := strings.IndexAny(core, "-+"); i >= 0 {
		core = core[:i]
	}
	parts := strings.Split(core, ".")
	nums := make([]int, 3)
	for i := range nums {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			return "", ckerrors.Wrap(ckerrors.KindInvalidFormat, "drivers.version", latest, err)
		}
		nums[i] = n
	}
	switch bump {
	case BumpMajor:
		nums = []int{nums[0] + 1, 0, 0}
	case BumpMinor:
		nums = []int{nums[0], nums[1] + 1, 0}
	default:
		nums[2]++
	}
	return fmt.Sprintf("v%d.%d.%d", nums[0], nums[1], nums[2]), nil
}

// Latest returns the highest valid semver tag, or "" if none.
func Latest(tags []string) string {
	best := ""
	for _, t := range tags {
		if !semver.IsValid(t) {
			continue
		}
		if best == "" || semver.Compare(t, best) > 0 {
			best = t
		}
	}
	return best
}

func validTag(op, version string) error {
	if !semver.IsValid(version) {
		return ckerrors.New(ckerrors.KindInvalidFormat, op, version).
			WithState("semver tag like v1.2.3", version)
	}
	return nil
}

// sortedTags keeps valid semver tags in ascending order.
func sortedTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if semver.IsValid(t) {
			out = append(out, t)
		}
	}
	semver.Sort(out)
	return out
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
