// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package project keeps the per-user registry of ConceptKernel projects and
// the port slot each one owns.
package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/ConceptKernel/pkg/ckerrors"
	"github.com/AleutianAI/ConceptKernel/pkg/fsutil"
	"github.com/AleutianAI/ConceptKernel/pkg/logging"
	"github.com/AleutianAI/ConceptKernel/pkg/ports"
	"github.com/AleutianAI/ConceptKernel/pkg/urn"
)

// registryVersion is the on-disk format version.
const registryVersion = 1

// Entry is one registered project.
type Entry struct {
	Name          string      `json:"name"`
	Path          string      `json:"path"`
	Slot          int         `json:"slot"`
	DiscoveryPort uint16      `json:"discoveryPort"`
	PortRange     ports.Range `json:"portRange"`
	RegisteredAt  time.Time   `json:"registeredAt"`
}

type registryFile struct {
	Version  int     `json:"version"`
	Projects []Entry `json:"projects"`
	// LastSlot is the highest slot ever handed out, including slots of
	// projects that have since been unregistered.
	LastSlot int `json:"lastSlot,omitempty"`
}

// DefaultPath returns ~/.config/conceptkernel/projects.json.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate home directory: %w", err)
	}
	return filepath.Join(home, ".config", "conceptkernel", "projects.json"), nil
}

// Registry is the project registry file.
//
// # Description
//
// The registry is loaded from disk on every call and never cached, so
// separate CLI invocations always see each other's changes. Mutations run
// load, mutate, save under an exclusive flock on "<path>.lock" and replace
// the file by atomic rename.
//
// # Thread Safety
//
// Safe for concurrent use across goroutines and processes.
type Registry struct {
	path   string
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithClock replaces the clock used for RegisteredAt.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry opens the registry at path. The file is created on first
// mutation.
func NewRegistry(path string, opts ...Option) *Registry {
	r := &Registry{path: path, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrDiscard(r.logger)
	return r
}

// Path returns the registry file path.
func (r *Registry) Path() string {
	return r.path
}

// Register adds the project at dir.
//
// # Description
//
// The project gets the slot after the highest one ever assigned; slots of
// unregistered projects are not reused, so a project's ports never move to another project. The name
// defaults to the directory's base name.
//
// # Outputs
//
//   - Entry: the new entry.
//   - error: AlreadyExists if the path or name is registered, InvalidFormat
//     for a bad name, NotFound if dir does not exist.
func (r *Registry) Register(ctx context.Context, dir, name string) (Entry, error) {
	abs, err := canonical(dir)
	if err != nil {
		return Entry{}, err
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return Entry{}, ckerrors.New(ckerrors.KindNotFound, "project.register", abs).
			WithState("existing directory", "missing")
	}
	if name == "" {
		name = filepath.Base(abs)
	}
	if !urn.ValidName(name) {
		return Entry{}, ckerrors.New(ckerrors.KindInvalidFormat, "project.register", name).
			WithState("project name", name)
	}

	var entry Entry
	err = r.mutate(ctx, func(f *registryFile) error {
		slot := f.LastSlot
		for _, p := range f.Projects {
			if p.Path == abs {
				return ckerrors.New(ckerrors.KindAlreadyExists, "project.register", abs).
					WithState("unregistered path", "registered as "+p.Name)
			}
			if p.Name == name {
				return ckerrors.New(ckerrors.KindAlreadyExists, "project.register", name).
					WithState("unused name", "registered at "+p.Path)
			}
			slot = max(slot, p.Slot)
		}
		slot++

		rng, err := ports.RangeFor(slot)
		if err != nil {
			return err
		}
		f.LastSlot = slot
		entry = Entry{
			Name:          name,
			Path:          abs,
			Slot:          slot,
			DiscoveryPort: rng.Start + ports.DiscoveryOffset,
			PortRange:     rng,
			RegisteredAt:  r.now().UTC(),
		}
		f.Projects = append(f.Projects, entry)
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	r.logger.Info("project registered", "name", entry.Name, "slot", entry.Slot, "ports", entry.PortRange.String())
	return entry, nil
}

// Resolve finds the project containing hint, walking upward from hint.
// An empty hint uses the working directory.
//
// # Outputs
//
//   - error: kind NotFound if no registered project contains hint.
func (r *Registry) Resolve(hint string) (Entry, error) {
	if hint == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Entry{}, fmt.Errorf("get working directory: %w", err)
		}
		hint = wd
	}
	abs, err := canonical(hint)
	if err != nil {
		return Entry{}, err
	}

	f, err := r.load()
	if err != nil {
		return Entry{}, err
	}
	byPath := make(map[string]Entry, len(f.Projects))
	for _, p := range f.Projects {
		byPath[p.Path] = p
	}
	for dir := abs; ; dir = filepath.Dir(dir) {
		if e, ok := byPath[dir]; ok {
			return e, nil
		}
		if filepath.Dir(dir) == dir {
			break
		}
	}
	return Entry{}, ckerrors.New(ckerrors.KindNotFound, "project.resolve", abs).
		WithState("directory inside a registered project", "not a project")
}

// List returns every entry in registration order.
func (r *Registry) List() ([]Entry, error) {
	f, err := r.load()
	if err != nil {
		return nil, err
	}
	return f.Projects, nil
}

// Lookup returns the entry named name.
func (r *Registry) Lookup(name string) (Entry, error) {
	f, err := r.load()
	if err != nil {
		return Entry{}, err
	}
	for _, p := range f.Projects {
		if p.Name == name {
			return p, nil
		}
	}
	return Entry{}, ckerrors.New(ckerrors.KindNotFound, "project.lookup", name)
}

// Unregister removes the entry named name. Its slot is not reused.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	err := r.mutate(ctx, func(f *registryFile) error {
		for i, p := range f.Projects {
			if p.Name == name {
				f.Projects = append(f.Projects[:i], f.Projects[i+1:]...)
				return nil
			}
		}
		return ckerrors.New(ckerrors.KindNotFound, "project.unregister", name)
	})
	if err == nil {
		r.logger.Info("project unregistered", "name", name)
	}
	return err
}

func (r *Registry) mutate(ctx context.Context, fn func(*registryFile) error) error {
	return fsutil.WithLock(ctx, r.path+".lock", func() error {
		f, err := r.load()
		if err != nil {
			return err
		}
		if err := fn(f); err != nil {
			return err
		}
		f.Version = registryVersion
		return fsutil.WriteJSONAtomic(r.path, f)
	})
}

func (r *Registry) load() (*registryFile, error) {
	f := &registryFile{Version: registryVersion, Projects: []Entry{}}
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return f, nil
	}
	if err := json.Unmarshal(data, f); err != nil {
		return nil, ckerrors.Wrap(ckerrors.KindInvalidFormat, "project.load", r.path, err)
	}
	if f.Projects == nil {
		f.Projects = []Entry{}
	}
	return f, nil
}

// canonical returns an absolute path with symlinks resolved where possible.
func canonical(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", p, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return abs, nil
}
