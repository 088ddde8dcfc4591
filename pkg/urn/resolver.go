// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package urn

import (
	"path/filepath"

	"github.com/AleutianAI/ConceptKernel/pkg/ckerrors"
)

// Project layout shared by every package that touches kernel subtrees.
const (
	// ConceptsDir holds one directory per kernel.
	ConceptsDir = "concepts"

	// EdgesDir holds one directory per (predicate, source) edge, under ConceptsDir.
	EdgesDir = ".edges"

	// ProcessesDir holds Occurrent records by type, under ConceptsDir.
	ProcessesDir = ".processes"
)

// stagePaths maps URN stages to paths relative to the kernel directory.
var stagePaths = map[string]string{
	"inbox":   filepath.Join("queue", "inbox"),
	"staging": filepath.Join("queue", "staging"),
	"ready":   filepath.Join("queue", "ready"),
	"archive": filepath.Join("queue", "archive"),
	"edges":   filepath.Join("queue", "edges"),
	"storage": "storage",
	"tx":      "tx.jsonl",
}

// StagePath returns the kernel-relative path of a stage.
func StagePath(stage string) (string, bool) {
	p, ok := stagePaths[stage]
	return p, ok
}

// ResolvedPath is a concrete location for a URN in one project.
type ResolvedPath struct {
	URN    string `json:"urn"`
	Kind   Kind   `json:"kind"`
	Kernel string `json:"kernel,omitempty"`
	Path   string `json:"path"`
}

// Resolver maps URNs to filesystem locations inside a single project.
//
// # Description
//
// Resolution is purely lexical and deterministic: it does not touch the
// filesystem and never guesses at other projects. Cross-project targets go
// through the project registry instead.
type Resolver struct {
	root string
}

// NewResolver creates a resolver for the project rooted at root.
func NewResolver(root string) *Resolver {
	return &Resolver{root: filepath.Clean(root)}
}

// Root returns the project root.
func (r *Resolver) Root() string {
	return r.root
}

// KernelDir returns the directory of the named kernel.
func (r *Resolver) KernelDir(name string) string {
	return filepath.Join(r.root, ConceptsDir, name)
}

// EdgeDir returns the directory of the edge queue "<PREDICATE>.<Source>".
func (r *Resolver) EdgeDir(predicate Predicate, source string) string {
	return filepath.Join(r.root, ConceptsDir, EdgesDir, string(predicate)+"."+source)
}

// ProcessPath returns the record path of an Occurrent.
func (r *Resolver) ProcessPath(u ProcessURN) string {
	return filepath.Join(r.root, ConceptsDir, ProcessesDir, u.Type, u.TxID()+".json")
}

// Resolve maps a parsed URN to its location.
func (r *Resolver) Resolve(u URN) (ResolvedPath, error) {
	switch v := u.(type) {
	case KernelURN:
		path := r.KernelDir(v.Name)
		if v.Stage != "" {
			stage, ok := stagePaths[v.Stage]
			if !ok {
				return ResolvedPath{}, invalid(v.String(), "unknown stage "+v.Stage)
			}
			path = filepath.Join(path, stage)
			if v.Path != "" {
				path = filepath.Join(path, filepath.FromSlash(v.Path))
			}
		}
		return ResolvedPath{URN: v.String(), Kind: KindKernel, Kernel: v.Name, Path: path}, nil
	case EdgeURN:
		return ResolvedPath{
			URN:    v.String(),
			Kind:   KindEdge,
			Kernel: v.Source,
			Path:   r.EdgeDir(v.Predicate, v.Source),
		}, nil
	case ProcessURN:
		return ResolvedPath{URN: v.String(), Kind: KindProcess, Path: r.ProcessPath(v)}, nil
	default:
		return ResolvedPath{}, ckerrors.New(ckerrors.KindInvalidFormat, "urn.resolve", "").
			WithState("kernel, edge or process address", "unsupported address")
	}
}

// ResolveString parses then resolves s.
func (r *Resolver) ResolveString(s string) (ResolvedPath, error) {
	u, err := Parse(s)
	if err != nil {
		return ResolvedPath{}, err
	}
	return r.Resolve(u)
}
