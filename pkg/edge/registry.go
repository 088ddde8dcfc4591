// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package edge maps typed producer to consumer relationships onto filesystem
// delivery.
//
// # Overview
//
// An edge lives at concepts/.edges/<PREDICATE>.<Source>/edge.json, so a
// source has at most one edge per predicate. Routing an instance over a
// delivery edge places a relative symlink in the target's inbox:
//
//	concepts/B/queue/inbox/PRODUCES.A.<id>.inst -> ../../../A/storage/<id>.inst
//
// Targets in other projects are located through the project registry.
//
// # Predicates
//
//	PRODUCES, NOTIFIES, TRIGGERS, ANNOUNCES   deliver
//	REQUIRES                                  gate delivery on target evidence
//	VALIDATES                                 check the target is reachable
//	LLM_ASSIST                                recorded, never routed
package edge

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/AleutianAI/ConceptKernel/pkg/ckerrors"
	"github.com/AleutianAI/ConceptKernel/pkg/fsutil"
	"github.com/AleutianAI/ConceptKernel/pkg/kernel"
	"github.com/AleutianAI/ConceptKernel/pkg/logging"
	"github.com/AleutianAI/ConceptKernel/pkg/project"
	"github.com/AleutianAI/ConceptKernel/pkg/urn"
)

const (
	// MetadataFile holds the edge definition inside its directory.
	MetadataFile = "edge.json"

	// DefaultVersion is the version given to edges created without one.
	DefaultVersion = "v1"
)

// Edge is a typed, directed relationship between two kernels.
type Edge struct {
	APIVersion    string        `json:"apiVersion"`
	Kind          string        `json:"kind"`
	URN           string        `json:"urn"`
	Predicate     urn.Predicate `json:"predicate"`
	Source        string        `json:"source"`
	Target        string        `json:"target"`
	TargetProject string        `json:"targetProject,omitempty"`
	Version       string        `json:"version"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// Spec is the input to Registry.Create.
type Spec struct {
	Predicate string
	Source    string
	Target    string

	// TargetProject names a registered project holding Target. Empty means
	// the current project.
	TargetProject string

	// Version defaults to DefaultVersion.
	Version string
}

// Registry stores the edges of one project.
//
// # Thread Safety
//
// Safe for concurrent use. Create publishes each edge directory with a
// single rename, so two concurrent creates of the same edge yield one
// success and one AlreadyExists.
type Registry struct {
	resolver *urn.Resolver
	projects *project.Registry
	now      func() time.Time
	logger   *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithProjects enables cross-project targets.
func WithProjects(p *project.Registry) RegistryOption {
	return func(r *Registry) { r.projects = p }
}

// WithClock sets the creation time source.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry returns the edge registry of the project at root.
func NewRegistry(root string, opts ...RegistryOption) *Registry {
	r := &Registry{resolver: urn.NewResolver(root), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrDiscard(r.logger)
	return r
}

// Root returns the project root.
func (r *Registry) Root() string {
	return r.resolver.Root()
}

// Create validates and persists a new edge.
//
// # Outputs
//
//   - Edge: The stored edge.
//   - error: InvalidFormat for a predicate outside the vocabulary or a bad
//     name, NotFound when source or target cannot be resolved,
//     AlreadyExists when the source already has an edge of that predicate.
func (r *Registry) Create(s Spec) (Edge, error) {
	pred, err := urn.ParsePredicate(s.Predicate)
	if err != nil {
		return Edge{}, err
	}
	version := s.Version
	if version == "" {
		version = DefaultVersion
	}
	u, err := urn.NewEdgeURN(pred, s.Source, s.Target, version)
	if err != nil {
		return Edge{}, err
	}
	if err := r.requireKernel(r.Root(), s.Source); err != nil {
		return Edge{}, err
	}
	e := Edge{
		APIVersion:    "conceptkernel/v1",
		Kind:          "Edge",
		URN:           u.String(),
		Predicate:     pred,
		Source:        s.Source,
		Target:        s.Target,
		TargetProject: s.TargetProject,
		Version:       version,
		CreatedAt:     r.now().UTC(),
	}
	targetRoot, err := r.TargetRoot(e)
	if err != nil {
		return Edge{}, err
	}
	if err := r.requireKernel(targetRoot, s.Target); err != nil {
		return Edge{}, err
	}

	dir := r.resolver.EdgeDir(pred, s.Source)
	err = fsutil.PublishDir(dir, func(tmp string) error {
		return fsutil.WriteJSONAtomic(filepath.Join(tmp, MetadataFile), e)
	})
	if errors.Is(err, os.ErrExist) {
		existing, _ := r.load(dir)
		actual := "exists"
		if existing != nil {
			actual = existing.URN
		}
		return Edge{}, ckerrors.Wrap(ckerrors.KindAlreadyExists, "edge.create", u.QueueName(), err).
			WithState("no "+string(pred)+" edge from "+s.Source, actual)
	}
	if err != nil {
		return Edge{}, fmt.Errorf("create edge %s: %w", e.URN, err)
	}
	r.logger.Info("edge created", "edge", e.URN, "target_project", s.TargetProject)
	return e, nil
}

// Get returns the edge addressed by edgeURN.
func (r *Registry) Get(edgeURN string) (Edge, error) {
	u, err := urn.ParseEdge(edgeURN)
	if err != nil {
		return Edge{}, err
	}
	e, err := r.load(r.resolver.EdgeDir(u.Predicate, u.Source))
	if errors.Is(err, os.ErrNotExist) || (err == nil && e.URN != u.String()) {
		return Edge{}, ckerrors.New(ckerrors.KindNotFound, "edge.get", edgeURN)
	}
	if err != nil {
		return Edge{}, err
	}
	return *e, nil
}

// List returns every edge of the project ordered by URN. Unreadable edge
// directories are skipped.
func (r *Registry) List() ([]Edge, error) {
	base := filepath.Join(r.Root(), urn.ConceptsDir, urn.EdgesDir)
	entries, err := os.ReadDir(base)
	if errors.Is(err, os.ErrNotExist) {
		return []Edge{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	out := make([]Edge, 0, len(entries))
	for _, ent := range entries {
		if !ent.IsDir() || fsutil.IsTempName(ent.Name()) {
			continue
		}
		e, err := r.load(filepath.Join(base, ent.Name()))
		if err != nil {
			r.logger.Warn("skipping unreadable edge", "dir", ent.Name(), "error", err)
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URN < out[j].URN })
	return out, nil
}

// EdgesFrom returns the edges whose source is kernel.
func (r *Registry) EdgesFrom(kernelName string) ([]Edge, error) {
	all, err := r.List()
	if err != nil {
		return nil, err
	}
	out := all[:0:0]
	for _, e := range all {
		if e.Source == kernelName {
			out = append(out, e)
		}
	}
	return out, nil
}

// Remove deletes the edge addressed by edgeURN. Deliveries already made
// stay in target inboxes.
func (r *Registry) Remove(edgeURN string) error {
	e, err := r.Get(edgeURN)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(r.resolver.EdgeDir(e.Predicate, e.Source)); err != nil {
		return fmt.Errorf("remove edge %s: %w", edgeURN, err)
	}
	r.logger.Info("edge removed", "edge", edgeURN)
	return nil
}

// TargetRoot returns the root of the project holding e's target.
func (r *Registry) TargetRoot(e Edge) (string, error) {
	if e.TargetProject == "" {
		return r.Root(), nil
	}
	if r.projects == nil {
		return "", ckerrors.New(ckerrors.KindNotFound, "edge.target", e.TargetProject).
			WithState("project registry", "not configured")
	}
	p, err := r.projects.Lookup(e.TargetProject)
	if err != nil {
		return "", err
	}
	return p.Path, nil
}

func (r *Registry) load(dir string) (*Edge, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return nil, err
	}
	var e Edge
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, ckerrors.Wrap(ckerrors.KindInvalidFormat, "edge.load", dir, err)
	}
	if _, err := urn.ParseEdge(e.URN); err != nil {
		return nil, err
	}
	return &e, nil
}

// requireKernel fails with NotFound unless root holds a kernel named name.
func (r *Registry) requireKernel(root, name string) error {
	dir := urn.NewResolver(root).KernelDir(name)
	if _, err := kernel.LoadConfig(dir); err != nil {
		if ckerrors.KindOf(err) == ckerrors.KindNotFound {
			where := root
			if root == r.Root() {
				where = "current project"
			}
			return ckerrors.Wrap(ckerrors.KindNotFound, "edge.resolve", name, err).
				WithState("kernel in "+where, "unresolvable")
		}
		return err
	}
	return nil
}
