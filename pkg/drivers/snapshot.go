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
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/AleutianAI/ConceptKernel/pkg/ckerrors"
	"github.com/AleutianAI/ConceptKernel/pkg/fsutil"
)

// snapshotSkip lists top-level entries a snapshot never captures: runtime
// queues, logs and process state change on every run.
var snapshotSkip = map[string]bool{
	SnapshotMarker:    true,
	".git":            true,
	"queue":           true,
	"logs":            true,
	".tool.pid":       true,
	".governor.pid":   true,
	".lifecycle.lock": true,
}

type snapshotIndex struct {
	Snapshots []snapshotEntry   `json:"snapshots"`
	Tags      map[string]string `json:"tags"`
}

type snapshotEntry struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Digest    string    `json:"digest"`
	CreatedAt time.Time `json:"createdAt"`
}

// SnapshotDriver versions a kernel directory by copying its tracked files
// into .ckversions/<id>/. It needs no external tooling.
type SnapshotDriver struct {
	dir string
	now func() time.Time
}

// NewSnapshotDriver returns a driver for dir.
func NewSnapshotDriver(dir string) *SnapshotDriver {
	return &SnapshotDriver{dir: dir, now: time.Now}
}

// Backend implements VersionDriver.
func (s *SnapshotDriver) Backend() Backend { return BackendSnapshot }

// IsInitialized implements VersionDriver.
func (s *SnapshotDriver) IsInitialized() bool {
	return isDir(s.root())
}

// Init creates the marker directory.
func (s *SnapshotDriver) Init() error {
	if err := os.MkdirAll(s.root(), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", s.root(), err)
	}
	return nil
}

// Commit copies the tracked files into a new snapshot and returns its id.
// An unchanged tree is an InvalidTransition.
func (s *SnapshotDriver) Commit(message string) (string, error) {
	if err := s.Init(); err != nil {
		return "", err
	}
	var id string
	err := s.mutate(func(idx *snapshotIndex) error {
		files, digest, err := s.tracked()
		if err != nil {
			return err
		}
		if n := len(idx.Snapshots); n > 0 && idx.Snapshots[n-1].Digest == digest {
			return ckerrors.New(ckerrors.KindInvalidTransition, "drivers.snapshot.commit", s.dir).
				WithState("changes since "+idx.Snapshots[n-1].ID, "none")
		}
		id = fmt.Sprintf("s%06d", len(idx.Snapshots)+1)
		err = fsutil.PublishDir(filepath.Join(s.root(), id), func(tmp string) error {
			for _, rel := range files {
				if err := copyFile(filepath.Join(s.dir, rel), filepath.Join(tmp, rel)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		idx.Snapshots = append(idx.Snapshots, snapshotEntry{
			ID: id, Message: message, Digest: digest, CreatedAt: s.now().UTC(),
		})
		return nil
	})
	return id, err
}

// Tag points version at the latest snapshot.
func (s *SnapshotDriver) Tag(version, message string) error {
	if err := validTag("drivers.snapshot.tag", version); err != nil {
		return err
	}
	return s.mutate(func(idx *snapshotIndex) error {
		if len(idx.Snapshots) == 0 {
			return ckerrors.New(ckerrors.KindNotFound, "drivers.snapshot.tag", s.dir).
				WithState("at least one snapshot", "none")
		}
		if _, ok := idx.Tags[version]; ok {
			return ckerrors.New(ckerrors.KindAlreadyExists, "drivers.snapshot.tag", version)
		}
		idx.Tags[version] = idx.Snapshots[len(idx.Snapshots)-1].ID
		return nil
	})
}

// Versions implements VersionDriver.
func (s *SnapshotDriver) Versions() ([]string, error) {
	idx, err := s.load()
	if err != nil {
		return nil, err
	}
	tags := make([]string, 0, len(idx.Tags))
	for t := range idx.Tags {
		tags = append(tags, t)
	}
	return sortedTags(tags), nil
}

// Current reports the latest tag. It is clean when the tag names the
// newest snapshot and the tree has not changed since.
func (s *SnapshotDriver) Current() (*VersionInfo, error) {
	idx, err := s.load()
	if err != nil {
		return nil, err
	}
	tags := make([]string, 0, len(idx.Tags))
	for t := range idx.Tags {
		tags = append(tags, t)
	}
	latest := Latest(tags)
	if latest == "" {
		return nil, nil
	}
	snap := idx.Tags[latest]
	clean := false
	if n := len(idx.Snapshots); n > 0 && idx.Snapshots[n-1].ID == snap {
		_, digest, err := s.tracked()
		if err != nil {
			return nil, err
		}
		clean = digest == idx.Snapshots[n-1].Digest
	}
	return &VersionInfo{Version: latest, Clean: clean, Metadata: snap, Backend: BackendSnapshot}, nil
}

func (s *SnapshotDriver) root() string {
	return filepath.Join(s.dir, SnapshotMarker)
}

func (s *SnapshotDriver) indexPath() string {
	return filepath.Join(s.root(), "index.json")
}

func (s *SnapshotDriver) mutate(fn func(*snapshotIndex) error) error {
	return fsutil.WithLock(context.Background(), s.indexPath()+".lock", func() error {
		idx, err := s.load()
		if err != nil {
			return err
		}
		if err := fn(idx); err != nil {
			return err
		}
		return fsutil.WriteJSONAtomic(s.indexPath(), idx)
	})
}

func (s *SnapshotDriver) load() (*snapshotIndex, error) {
	idx := &snapshotIndex{Tags: map[string]string{}}
	data, err := os.ReadFile(s.indexPath())
	if errors.Is(err, os.ErrNotExist) {
		return idx, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot index: %w", err)
	}
	if err := json.Unmarshal(data, idx); err != nil {
		return nil, ckerrors.Wrap(ckerrors.KindInvalidFormat, "drivers.snapshot", s.indexPath(), err)
	}
	if idx.Tags == nil {
		idx.Tags = map[string]string{}
	}
	return idx, nil
}

// tracked returns the snapshot-relevant regular files, sorted, and a digest
// over their names and contents.
func (s *SnapshotDriver) tracked() ([]string, string, error) {
	var files []string
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(s.dir, path)
		if rel == "." {
			return nil
		}
		top := rel
		if i := indexSep(rel); i >= 0 {
			top = rel[:i]
		}
		if snapshotSkip[top] || fsutil.IsTempName(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("walk %s: %w", s.dir, err)
	}
	sort.Strings(files)

	h := sha256.New()
	for _, rel := range files {
		f, err := os.Open(filepath.Join(s.dir, rel))
		if err != nil {
			return nil, "", fmt.Errorf("open %s: %w", rel, err)
		}
		fmt.Fprintf(h, "%s\x00", filepath.ToSlash(rel))
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return nil, "", fmt.Errorf("hash %s: %w", rel, err)
		}
	}
	return files, hex.EncodeToString(h.Sum(nil)), nil
}

func indexSep(p string) int {
	for i := 0; i < len(p); i++ {
		if os.IsPathSeparator(p[i]) {
			return i
		}
	}
	return -1
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(dst), err)
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}
