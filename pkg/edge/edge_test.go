// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package edge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/ConceptKernel/pkg/ckerrors"
	"github.com/AleutianAI/ConceptKernel/pkg/evidence"
	"github.com/AleutianAI/ConceptKernel/pkg/kernel"
	"github.com/AleutianAI/ConceptKernel/pkg/proctrack"
	"github.com/AleutianAI/ConceptKernel/pkg/project"
	"github.com/AleutianAI/ConceptKernel/pkg/urn"
)

// newProject returns a canonical project root holding the named kernels.
func newProject(t *testing.T, kernels ...string) string {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	m, err := kernel.NewManager(kernel.Options{Root: root, GovernorCommand: []string{"true"}})
	require.NoError(t, err)
	for _, k := range kernels {
		_, err := m.Create(k, "python:cold", "v1")
		require.NoError(t, err)
	}
	return root
}

func newRouter(t *testing.T, reg *Registry) *Router {
	t.Helper()
	r, err := NewRouter(RouterOptions{Edges: reg})
	require.NoError(t, err)
	return r
}

func writeInstance(t *testing.T, root, kernelName string) string {
	t.Helper()
	id, err := evidence.NewStore(root).WriteInstance(context.Background(), kernelName, evidence.Payload{Action: "test"})
	require.NoError(t, err)
	return id
}

func inboxEntries(t *testing.T, root, kernelName string) []string {
	t.Helper()
	rel, _ := urn.StagePath("inbox")
	entries, err := os.ReadDir(filepath.Join(urn.NewResolver(root).KernelDir(kernelName), rel))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestRegistry_CreateGetList(t *testing.T) {
	root := newProject(t, "A", "B", "C")
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	reg := NewRegistry(root, WithClock(func() time.Time { return fixed }))

	e, err := reg.Create(Spec{Predicate: "PRODUCES", Source: "A", Target: "B"})
	require.NoError(t, err)
	assert.Equal(t, "ckp://Edge.PRODUCES.A-to-B:v1", e.URN)
	assert.Equal(t, urn.Produces, e.Predicate)
	assert.Equal(t, fixed, e.CreatedAt)
	assert.FileExists(t, filepath.Join(root, "concepts", ".edges", "PRODUCES.A", MetadataFile))

	_, err = reg.Create(Spec{Predicate: "NOTIFIES", Source: "A", Target: "C", Version: "v2"})
	require.NoError(t, err)

	got, err := reg.Get(e.URN)
	require.NoError(t, err)
	assert.Equal(t, e, got)

	all, err := reg.List()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "ckp://Edge.NOTIFIES.A-to-C:v2", all[0].URN)

	from, err := reg.EdgesFrom("A")
	require.NoError(t, err)
	assert.Len(t, from, 2)
	from, err = reg.EdgesFrom("B")
	require.NoError(t, err)
	assert.Empty(t, from)
}

func TestRegistry_CreateErrors(t *testing.T) {
	root := newProject(t, "A", "B")
	reg := NewRegistry(root)

	tests := []struct {
		name string
		spec Spec
		want error
	}{
		{"unknown predicate", Spec{Predicate: "EATS", Source: "A", Target: "B"}, ckerrors.ErrInvalidFormat},
		{"lowercase predicate", Spec{Predicate: "produces", Source: "A", Target: "B"}, ckerrors.ErrInvalidFormat},
		{"missing source", Spec{Predicate: "PRODUCES", Source: "Ghost", Target: "B"}, ckerrors.ErrNotFound},
		{"missing target", Spec{Predicate: "PRODUCES", Source: "A", Target: "Ghost"}, ckerrors.ErrNotFound},
		{"unregistered project", Spec{Predicate: "PRODUCES", Source: "A", Target: "B", TargetProject: "elsewhere"}, ckerrors.ErrNotFound},
		{"ambiguous slug", Spec{Predicate: "PRODUCES", Source: "Src-to-Mid", Target: "B"}, ckerrors.ErrInvalidFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Create(tt.spec)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}

	_, err := reg.Create(Spec{Predicate: "PRODUCES", Source: "A", Target: "B"})
	require.NoError(t, err)
	_, err = reg.Create(Spec{Predicate: "PRODUCES", Source: "A", Target: "B"})
	assert.True(t, errors.Is(err, ckerrors.ErrAlreadyExists))
}

func TestRegistry_Remove(t *testing.T) {
	root := newProject(t, "A", "B")
	reg := NewRegistry(root)
	e, err := reg.Create(Spec{Predicate: "TRIGGERS", Source: "A", Target: "B"})
	require.NoError(t, err)

	require.NoError(t, reg.Remove(e.URN))
	_, err = reg.Get(e.URN)
	assert.True(t, errors.Is(err, ckerrors.ErrNotFound))
	assert.True(t, errors.Is(reg.Remove(e.URN), ckerrors.ErrNotFound))
}

func TestRoute_ProducesEndToEndIsIdempotent(t *testing.T) {
	root := newProject(t, "A", "B")
	reg := NewRegistry(root)
	_, err := reg.Create(Spec{Predicate: "PRODUCES", Source: "A", Target: "B"})
	require.NoError(t, err)
	router := newRouter(t, reg)
	ctx := context.Background()

	id := writeInstance(t, root, "A")
	out, err := router.Route(ctx, id, "A")
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	assert.Equal(t, StatusDelivered, out.Results[0].Status)
	assert.NotEmpty(t, out.ProcessURN)

	entries := inboxEntries(t, root, "B")
	require.Equal(t, []string{"PRODUCES.A." + id + ".inst"}, entries)

	link := out.Results[0].Link
	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.False(t, filepath.IsAbs(target))
	assert.FileExists(t, filepath.Join(link, evidence.ReceiptFile))
	resolved, err := filepath.EvalSymlinks(link)
	require.NoError(t, err)
	assert.Equal(t, evidence.NewStore(root).InstanceDir("A", id), resolved)

	again, err := router.Route(ctx, id, "A")
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyDelivered, again.Results[0].Status)
	assert.Len(t, inboxEntries(t, root, "B"), 1)

	occ, err := proctrack.NewStore(root).Get(out.ProcessURN)
	require.NoError(t, err)
	assert.Equal(t, string(proctrack.PhaseCompleted), occ.Status)

	tx, err := evidence.NewStore(root).ReadTx("A")
	require.NoError(t, err)
	var routed int
	for _, e := range tx {
		if e.Event == "instance.routed" {
			routed++
		}
	}
	assert.Equal(t, 2, routed)
}

func TestRoute_ConcurrentRoutesConverge(t *testing.T) {
	root := newProject(t, "A", "B")
	reg := NewRegistry(root)
	_, err := reg.Create(Spec{Predicate: "NOTIFIES", Source: "A", Target: "B"})
	require.NoError(t, err)
	router := newRouter(t, reg)
	id := writeInstance(t, root, "A")

	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := router.Route(context.Background(), id, "A")
			errs <- err
		}()
	}
	for i := 0; i < 8; i++ {
		assert.NoError(t, <-errs)
	}
	assert.Len(t, inboxEntries(t, root, "B"), 1)
}

func TestRoute_UnknownInstance(t *testing.T) {
	root := newProject(t, "A")
	router := newRouter(t, NewRegistry(root))
	_, err := router.Route(context.Background(), "tx_1_deadbeef", "A")
	assert.True(t, errors.Is(err, ckerrors.ErrNotFound))
}

func TestRoute_RejectsNonCanonicalReferences(t *testing.T) {
	root := newProject(t, "A", "B")
	reg := NewRegistry(root)
	_, err := reg.Create(Spec{Predicate: "PRODUCES", Source: "A", Target: "B"})
	require.NoError(t, err)
	router := newRouter(t, reg)
	ctx := context.Background()
	id := writeInstance(t, root, "A")

	out, err := router.Route(ctx, id, "A")
	require.NoError(t, err)
	assert.Equal(t, 1, out.Count(StatusDelivered))

	for _, bad := range []string{"", ".", "..", "x/../" + id, "../../B/queue/inbox", `a\b`} {
		t.Run(bad, func(t *testing.T) {
			out, err := router.Route(ctx, bad, "A")
			assert.True(t, errors.Is(err, ckerrors.ErrInvalidFormat))
			assert.Empty(t, out.Results)
		})
	}
	for _, bad := range []string{"", "../A", "9A"} {
		_, err := router.Route(ctx, id, bad)
		assert.True(t, errors.Is(err, ckerrors.ErrInvalidFormat), bad)
	}
	assert.Len(t, inboxEntries(t, root, "B"), 1)
}

func TestRoute_NoEdges(t *testing.T) {
	root := newProject(t, "A")
	router := newRouter(t, NewRegistry(root))
	id := writeInstance(t, root, "A")

	out, err := router.Route(context.Background(), id, "A")
	require.NoError(t, err)
	assert.Empty(t, out.Results)
	assert.Empty(t, out.ProcessURN)
}

func TestRoute_FailureOnOneEdgeDoesNotBlockOthers(t *testing.T) {
	root := newProject(t, "A", "B", "C")
	reg := NewRegistry(root)
	_, err := reg.Create(Spec{Predicate: "PRODUCES", Source: "A", Target: "B"})
	require.NoError(t, err)
	_, err = reg.Create(Spec{Predicate: "NOTIFIES", Source: "A", Target: "C"})
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(urn.NewResolver(root).KernelDir("B")))

	router := newRouter(t, reg)
	id := writeInstance(t, root, "A")
	out, err := router.Route(context.Background(), id, "A")
	require.Error(t, err)

	var batch *ckerrors.BatchError
	assert.True(t, errors.As(err, &batch))
	assert.True(t, errors.Is(err, ckerrors.ErrNotFound))
	assert.Equal(t, 1, out.Count(StatusFailed))
	assert.Equal(t, 1, out.Count(StatusDelivered))
	assert.Len(t, inboxEntries(t, root, "C"), 1)

	occ, err := proctrack.NewStore(root).Get(out.ProcessURN)
	require.NoError(t, err)
	assert.Equal(t, string(proctrack.PhaseFailed), occ.Status)
}

func TestRoute_MissingInbox(t *testing.T) {
	root := newProject(t, "A", "B")
	reg := NewRegistry(root)
	_, err := reg.Create(Spec{Predicate: "PRODUCES", Source: "A", Target: "B"})
	require.NoError(t, err)
	rel, _ := urn.StagePath("inbox")
	require.NoError(t, os.RemoveAll(filepath.Join(urn.NewResolver(root).KernelDir("B"), rel)))

	out, err := newRouter(t, reg).Route(context.Background(), writeInstance(t, root, "A"), "A")
	assert.True(t, errors.Is(err, ckerrors.ErrNotFound))
	assert.Equal(t, StatusFailed, out.Results[0].Status)
	assert.NotEmpty(t, out.Results[0].Error)
}

func TestRoute_RequiresGatesDelivery(t *testing.T) {
	root := newProject(t, "A", "B", "Auth")
	reg := NewRegistry(root)
	_, err := reg.Create(Spec{Predicate: "PRODUCES", Source: "A", Target: "B"})
	require.NoError(t, err)
	_, err = reg.Create(Spec{Predicate: "REQUIRES", Source: "A", Target: "Auth"})
	require.NoError(t, err)
	router := newRouter(t, reg)
	ctx := context.Background()

	id := writeInstance(t, root, "A")
	out, err := router.Route(ctx, id, "A")
	assert.True(t, errors.Is(err, ckerrors.ErrPermissionDenied))
	assert.False(t, errors.Is(err, ckerrors.ErrNotFound))
	assert.Equal(t, 2, out.Count(StatusFailed))
	for _, r := range out.Results {
		assert.Equal(t, ckerrors.KindPermissionDenied, ckerrors.KindOf(r.Err))
	}
	assert.Empty(t, inboxEntries(t, root, "B"))

	writeInstance(t, root, "Auth")
	out, err = router.Route(ctx, id, "A")
	require.NoError(t, err)
	assert.Equal(t, 1, out.Count(StatusDelivered))
	assert.Equal(t, 1, out.Count(StatusChecked))
	assert.Len(t, inboxEntries(t, root, "B"), 1)
	assert.Empty(t, inboxEntries(t, root, "Auth"))
}

func TestRoute_SourceCommunicationRules(t *testing.T) {
	tests := []struct {
		name      string
		comm      kernel.Communication
		delivered []string
	}{
		{"no rules", kernel.Communication{}, []string{"B", "Vault"}},
		{"wildcard", kernel.Communication{Allowed: []string{"ckp://*"}}, []string{"B", "Vault"}},
		{"allowed list", kernel.Communication{Allowed: []string{"ckp://B:v1"}}, []string{"B"}},
		{"denied wins", kernel.Communication{Allowed: []string{"ckp://*"}, Denied: []string{"ckp://Vault:*"}}, []string{"B"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := newProject(t, "A", "B", "Vault")
			dir := urn.NewResolver(root).KernelDir("A")
			cfg, err := kernel.LoadConfig(dir)
			require.NoError(t, err)
			cfg.Spec.RBAC.Communication = tt.comm
			require.NoError(t, kernel.WriteConfig(dir, cfg))

			reg := NewRegistry(root)
			_, err = reg.Create(Spec{Predicate: "PRODUCES", Source: "A", Target: "B"})
			require.NoError(t, err)
			_, err = reg.Create(Spec{Predicate: "NOTIFIES", Source: "A", Target: "Vault"})
			require.NoError(t, err)

			out, err := newRouter(t, reg).Route(context.Background(), writeInstance(t, root, "A"), "A")
			var got []string
			for _, r := range out.Results {
				if r.Status == StatusDelivered {
					got = append(got, r.Target)
					continue
				}
				assert.Equal(t, ckerrors.KindPermissionDenied, ckerrors.KindOf(r.Err))
			}
			assert.ElementsMatch(t, tt.delivered, got)
			assert.Equal(t, len(tt.delivered) < 2, errors.Is(err, ckerrors.ErrPermissionDenied))
		})
	}
}

func TestRoute_UnreadableSourceConfigDenies(t *testing.T) {
	root := newProject(t, "A", "B")
	reg := NewRegistry(root)
	_, err := reg.Create(Spec{Predicate: "PRODUCES", Source: "A", Target: "B"})
	require.NoError(t, err)
	id := writeInstance(t, root, "A")
	cfgPath := filepath.Join(urn.NewResolver(root).KernelDir("A"), kernel.ConfigFile)
	require.NoError(t, os.WriteFile(cfgPath, []byte("metadata: ["), 0o644))

	out, err := newRouter(t, reg).Route(context.Background(), id, "A")
	assert.True(t, errors.Is(err, ckerrors.ErrPermissionDenied))
	assert.Equal(t, 1, out.Count(StatusFailed))
	assert.Empty(t, inboxEntries(t, root, "B"))
}

func TestRoute_ValidatesAndLLMAssistDoNotDeliver(t *testing.T) {
	root := newProject(t, "A", "V", "L")
	reg := NewRegistry(root)
	_, err := reg.Create(Spec{Predicate: "VALIDATES", Source: "A", Target: "V"})
	require.NoError(t, err)
	_, err = reg.Create(Spec{Predicate: "LLM_ASSIST", Source: "A", Target: "L"})
	require.NoError(t, err)

	out, err := newRouter(t, reg).Route(context.Background(), writeInstance(t, root, "A"), "A")
	require.NoError(t, err)
	assert.Equal(t, 1, out.Count(StatusChecked))
	assert.Equal(t, 1, out.Count(StatusSkipped))
	assert.Empty(t, inboxEntries(t, root, "V"))
	assert.Empty(t, inboxEntries(t, root, "L"))
}

func TestRoute_QueueContract(t *testing.T) {
	root := newProject(t, "A", "B", "C")
	reg := NewRegistry(root)
	allowed, err := reg.Create(Spec{Predicate: "PRODUCES", Source: "A", Target: "B"})
	require.NoError(t, err)
	_, err = reg.Create(Spec{Predicate: "NOTIFIES", Source: "A", Target: "C"})
	require.NoError(t, err)

	res := urn.NewResolver(root)
	for _, k := range []string{"B", "C"} {
		cfg, err := kernel.LoadConfig(res.KernelDir(k))
		require.NoError(t, err)
		cfg.Spec.QueueContract.Edges = []string{allowed.URN}
		require.NoError(t, kernel.WriteConfig(res.KernelDir(k), cfg))
	}

	out, err := newRouter(t, reg).Route(context.Background(), writeInstance(t, root, "A"), "A")
	assert.True(t, errors.Is(err, ckerrors.ErrPermissionDenied))
	assert.Equal(t, 1, out.Count(StatusDelivered))
	assert.Len(t, inboxEntries(t, root, "B"), 1)
	assert.Empty(t, inboxEntries(t, root, "C"))
}

func TestRoute_CrossProject(t *testing.T) {
	home := newProject(t, "A")
	other := newProject(t, "Remote")
	projects := project.NewRegistry(filepath.Join(t.TempDir(), "projects.json"))
	ctx := context.Background()
	_, err := projects.Register(ctx, home, "home")
	require.NoError(t, err)
	_, err = projects.Register(ctx, other, "other")
	require.NoError(t, err)

	reg := NewRegistry(home, WithProjects(projects))
	e, err := reg.Create(Spec{Predicate: "ANNOUNCES", Source: "A", Target: "Remote", TargetProject: "other"})
	require.NoError(t, err)
	targetRoot, err := reg.TargetRoot(e)
	require.NoError(t, err)
	assert.Equal(t, other, targetRoot)

	id := writeInstance(t, home, "A")
	out, err := newRouter(t, reg).Route(ctx, id, "A")
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, out.Results[0].Status)

	resolved, err := filepath.EvalSymlinks(out.Results[0].Link)
	require.NoError(t, err)
	assert.Equal(t, evidence.NewStore(home).InstanceDir("A", id), resolved)
}

func TestMaterialize_ConflictingEntry(t *testing.T) {
	dir := t.TempDir()
	inbox := filepath.Join(dir, "inbox")
	require.NoError(t, os.MkdirAll(inbox, 0o755))
	src := filepath.Join(dir, "storage", "x.inst")
	require.NoError(t, os.MkdirAll(src, 0o755))

	link := filepath.Join(inbox, "PRODUCES.A.x.inst")
	require.NoError(t, os.Symlink("../elsewhere", link))
	status, err := materialize(src, link)
	assert.Equal(t, StatusFailed, status)
	assert.True(t, errors.Is(err, ckerrors.ErrAlreadyExists))

	require.NoError(t, os.Remove(link))
	status, err = materialize(src, link)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, status)
	status, err = materialize(src, link)
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyDelivered, status)
}

func TestJournal_MarkAndForget(t *testing.T) {
	j, err := OpenJournal(JournalConfig{InMemory: true})
	require.NoError(t, err)
	defer j.Close()
	ctx := context.Background()

	done, err := j.Routed(ctx, "A", "tx_1_aa")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, j.Mark(ctx, JournalEntry{Kernel: "A", Instance: "tx_1_aa", Delivered: 2}))
	require.NoError(t, j.Mark(ctx, JournalEntry{Kernel: "A", Instance: "tx_2_bb", Delivered: 1}))
	require.NoError(t, j.Mark(ctx, JournalEntry{Kernel: "AB", Instance: "tx_3_cc"}))

	done, err = j.Routed(ctx, "A", "tx_1_aa")
	require.NoError(t, err)
	assert.True(t, done)

	entries, err := j.Entries(ctx, "A")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 2, entries[0].Delivered)

	require.NoError(t, j.Forget(ctx, "A", "tx_1_aa"))
	done, err = j.Routed(ctx, "A", "tx_1_aa")
	require.NoError(t, err)
	assert.False(t, done)
}

func TestDaemon_RoutesNewInstances(t *testing.T) {
	root := newProject(t, "A", "B")
	reg := NewRegistry(root)
	_, err := reg.Create(Spec{Predicate: "PRODUCES", Source: "A", Target: "B"})
	require.NoError(t, err)
	journal, err := OpenJournal(JournalConfig{InMemory: true})
	require.NoError(t, err)
	defer journal.Close()

	// Published before the daemon starts: picked up by the catch-up scan.
	early := writeInstance(t, root, "A")

	d, err := NewDaemon(DaemonOptions{Router: newRouter(t, reg), Journal: journal, Debounce: 20 * time.Millisecond})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		ok, _ := journal.Routed(context.Background(), "A", early)
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	late := writeInstance(t, root, "A")
	require.Eventually(t, func() bool {
		rel, _ := urn.StagePath("inbox")
		entries, err := os.ReadDir(filepath.Join(urn.NewResolver(root).KernelDir("B"), rel))
		return err == nil && len(entries) == 2
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	ok, err := journal.Routed(context.Background(), "A", late)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second scan finds everything journaled.
	n, err := d.Scan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInstanceID(t *testing.T) {
	id, ok := instanceID("tx_1_ab.inst")
	assert.True(t, ok)
	assert.Equal(t, "tx_1_ab", id)

	_, ok = instanceID(".tx_1_ab.inst.tmp-123")
	assert.False(t, ok)
	_, ok = instanceID("receipt.json")
	assert.False(t, ok)
	_, ok = instanceID(".inst")
	assert.False(t, ok)
}
