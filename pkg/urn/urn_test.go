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
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/ConceptKernel/pkg/ckerrors"
)

func TestValidate_AcceptsLiveForms(t *testing.T) {
	tests := []struct {
		in   string
		kind Kind
	}{
		{"ckp://Mixer:v1", KindKernel},
		{"ckp://Mixer:v1.2.0", KindKernel},
		{"ckp://System.Consensus:1.3.16", KindKernel},
		{"ckp://bake-cake:latest", KindKernel},
		{"ckp://Mixer:v1#inbox", KindKernel},
		{"ckp://Mixer:v1#storage/tx_1_ab.inst", KindKernel},
		{"ckp://Edge.PRODUCES.Mixer-to-Oven:v1.3.16", KindEdge},
		{"ckp://Edge.LLM_ASSIST.Org.A-to-B:v1", KindEdge},
		{"ckp://Process#EdgeRoute-tx_1718000000123_a3f9c2d1", KindProcess},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			res := Validate(tt.in)
			assert.True(t, res.Valid, res.Reason)
			assert.Equal(t, tt.kind, res.Kind)
			assert.Empty(t, res.Reason)
		})
	}
}

func TestValidate_RejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"missing scheme", "Mixer:v1"},
		{"wrong scheme", "http://Mixer:v1"},
		{"empty", ""},
		{"scheme only", "ckp://"},
		{"empty name", "ckp://:v1"},
		{"empty version", "ckp://Mixer:"},
		{"no version", "ckp://Mixer"},
		{"name starts with digit", "ckp://9Mixer:v1"},
		{"double dot", "ckp://Org..Mixer:v1"},
		{"unknown stage", "ckp://Mixer:v1#attic"},
		{"stage path escapes", "ckp://Mixer:v1#storage/../../etc"},
		{"edge unknown predicate", "ckp://Edge.EATS.A-to-B:v1"},
		{"edge lowercase predicate", "ckp://Edge.produces.A-to-B:v1"},
		{"edge missing target", "ckp://Edge.PRODUCES.A:v1"},
		{"edge missing version", "ckp://Edge.PRODUCES.A-to-B"},
		{"process missing tx", "ckp://Process#EdgeRoute"},
		{"process bad hash", "ckp://Process#EdgeRoute-tx_17_XYZ"},
		{"process bad timestamp", "ckp://Process#EdgeRoute-tx_abc_a1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Validate(tt.in)
			assert.False(t, res.Valid)
			assert.Equal(t, KindInvalid, res.Kind)
			assert.NotEmpty(t, res.Reason)

			_, err := Parse(tt.in)
			assert.True(t, errors.Is(err, ckerrors.ErrInvalidFormat))
		})
	}
}

func TestValidate_ReservedFormsFailClosed(t *testing.T) {
	for _, in := range []string{
		"ckp://Agent/user:alice",
		"ckp://Agent/process:governor",
		"ckp://Role:admin",
		"ckp://Proof.sha256:abcd",
		"ckp://Consensus#vote-1",
		"ckp://Process.Build#x-tx_1_a",
		"ckp://Edge:v1",
		"ckp://Process:v1",
	} {
		t.Run(in, func(t *testing.T) {
			res := Validate(in)
			assert.False(t, res.Valid)
			assert.NotEmpty(t, res.Reason)
		})
	}

	// Names that merely start with a reserved word are ordinary kernels.
	assert.True(t, Validate("ckp://AgentSmith:v1").Valid)
	assert.True(t, Validate("ckp://Edges:v1").Valid)
}

func TestParse_KernelRoundTrip(t *testing.T) {
	k, err := ParseKernel("ckp://Mixer:v1#storage/tx_1_ab.inst")
	require.NoError(t, err)
	assert.Equal(t, KernelURN{Name: "Mixer", Version: "v1", Stage: "storage", Path: "tx_1_ab.inst"}, k)
	assert.Equal(t, "ckp://Mixer:v1#storage/tx_1_ab.inst", k.String())
	assert.Equal(t, "ckp://Mixer:v1", k.Base().String())

	_, err = ParseKernel("ckp://Edge.PRODUCES.A-to-B:v1")
	assert.True(t, errors.Is(err, ckerrors.ErrInvalidFormat))
}

func TestParse_Edge(t *testing.T) {
	e, err := ParseEdge("ckp://Edge.NOTIFIES.Mix-Ingredients-to-Bake.Cake:v2")
	require.NoError(t, err)
	assert.Equal(t, Notifies, e.Predicate)
	assert.Equal(t, "Mix-Ingredients", e.Source)
	assert.Equal(t, "Bake.Cake", e.Target)
	assert.Equal(t, "v2", e.Version)
	assert.Equal(t, "NOTIFIES.Mix-Ingredients", e.QueueName())

	built, err := NewEdgeURN(Produces, "A", "B", "v1")
	require.NoError(t, err)
	assert.Equal(t, "ckp://Edge.PRODUCES.A-to-B:v1", built.String())

	_, err = NewEdgeURN(Predicate("EATS"), "A", "B", "v1")
	assert.Error(t, err)
}

func TestNewEdgeURN_RoundTrips(t *testing.T) {
	tests := []struct {
		source, target string
		ok             bool
	}{
		{"Mix-Ingredients", "Bake.Cake", true},
		{"A", "Go-to-Market", true},
		{"Src-to-Mid", "Dst", false},
		{"Back-to-Back", "B", false},
	}
	for _, tt := range tests {
		t.Run(tt.source+"/"+tt.target, func(t *testing.T) {
			u, err := NewEdgeURN(Produces, tt.source, tt.target, "v1")
			if !tt.ok {
				assert.True(t, errors.Is(err, ckerrors.ErrInvalidFormat), "got %v", err)
				return
			}
			require.NoError(t, err)
			back, err := ParseEdge(u.String())
			require.NoError(t, err)
			assert.Equal(t, u, back)
		})
	}
}

func TestParse_Process(t *testing.T) {
	p, err := ParseProcess("ckp://Process#KernelStart-tx_1718000000123_a3f9c2d1")
	require.NoError(t, err)
	assert.Equal(t, "KernelStart", p.Type)
	assert.Equal(t, "tx_1718000000123_a3f9c2d1", p.TxID())
	assert.Equal(t, "ckp://Process#KernelStart-tx_1718000000123_a3f9c2d1", p.String())
}

func TestNewKernelURN(t *testing.T) {
	k, err := NewKernelURN("Oven", "v0.1")
	require.NoError(t, err)
	assert.Equal(t, "ckp://Oven:v0.1", k.String())

	_, err = NewKernelURN("Consensus", "v1")
	assert.Error(t, err)
	_, err = NewKernelURN("Oven", "")
	assert.Error(t, err)
}

func TestPredicate(t *testing.T) {
	for _, p := range []Predicate{Produces, Notifies, Triggers, Announces} {
		assert.True(t, p.IsDelivery(), p)
		assert.False(t, p.IsCheck(), p)
	}
	for _, p := range []Predicate{Validates, Requires} {
		assert.False(t, p.IsDelivery(), p)
		assert.True(t, p.IsCheck(), p)
	}
	assert.False(t, LLMAssist.IsDelivery())

	got, err := ParsePredicate("TRIGGERS")
	require.NoError(t, err)
	assert.Equal(t, Triggers, got)

	_, err = ParsePredicate("triggers")
	assert.True(t, errors.Is(err, ckerrors.ErrInvalidFormat))
}

func TestResolver_Deterministic(t *testing.T) {
	root := t.TempDir()
	r := NewResolver(root)

	first, err := r.ResolveString("ckp://Mixer:v1")
	require.NoError(t, err)
	second, err := r.ResolveString("ckp://Mixer:v1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, filepath.Join(root, "concepts", "Mixer"), first.Path)
	assert.Equal(t, "Mixer", first.Kernel)
}

func TestResolver_Stages(t *testing.T) {
	root := t.TempDir()
	r := NewResolver(root)
	kdir := filepath.Join(root, "concepts", "Mixer")

	tests := []struct {
		in   string
		want string
	}{
		{"ckp://Mixer:v1#inbox", filepath.Join(kdir, "queue", "inbox")},
		{"ckp://Mixer:v1#staging", filepath.Join(kdir, "queue", "staging")},
		{"ckp://Mixer:v1#ready", filepath.Join(kdir, "queue", "ready")},
		{"ckp://Mixer:v1#archive", filepath.Join(kdir, "queue", "archive")},
		{"ckp://Mixer:v1#edges", filepath.Join(kdir, "queue", "edges")},
		{"ckp://Mixer:v1#storage", filepath.Join(kdir, "storage")},
		{"ckp://Mixer:v1#storage/tx_1_ab.inst", filepath.Join(kdir, "storage", "tx_1_ab.inst")},
		{"ckp://Mixer:v1#tx", filepath.Join(kdir, "tx.jsonl")},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := r.ResolveString(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Path)
		})
	}
}

func TestResolver_EdgeAndProcess(t *testing.T) {
	root := t.TempDir()
	r := NewResolver(root)

	edge, err := r.ResolveString("ckp://Edge.PRODUCES.A-to-B:v1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "concepts", ".edges", "PRODUCES.A"), edge.Path)
	assert.Equal(t, KindEdge, edge.Kind)

	proc, err := r.ResolveString("ckp://Process#EdgeRoute-tx_17_ab")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "concepts", ".processes", "EdgeRoute", "tx_17_ab.json"), proc.Path)

	_, err = r.ResolveString("ckp://Agent/user:bob")
	assert.Error(t, err)
}
