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
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/ConceptKernel/pkg/ckerrors"
	"github.com/AleutianAI/ConceptKernel/pkg/urn"
)

// fakeInspector is a process table under test control.
type fakeInspector struct {
	mu     sync.Mutex
	starts map[int]int64
}

func newFakeInspector() *fakeInspector {
	return &fakeInspector{starts: map[int]int64{}}
}

func (f *fakeInspector) set(pid int, start int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts[pid] = start
}

func (f *fakeInspector) kill(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.starts, pid)
}

func (f *fakeInspector) StartTime(pid int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.starts[pid]
	if !ok {
		return 0, ErrProcessGone
	}
	return s, nil
}

// =============================================================================
// Liveness
// =============================================================================

func TestTracker_RecordAndIsAlive(t *testing.T) {
	insp := newFakeInspector()
	insp.set(4821, 1_718_000_000_000)
	tr := NewTracker(insp)

	rec, err := tr.Record(4821, RoleTool)
	require.NoError(t, err)
	assert.Equal(t, ProcessRecord{PID: 4821, StartTime: 1_718_000_000_000, Role: RoleTool}, rec)
	assert.True(t, tr.IsAlive(rec))

	insp.kill(4821)
	assert.False(t, tr.IsAlive(rec))
}

func TestTracker_PIDReuseIsNotAlive(t *testing.T) {
	insp := newFakeInspector()
	insp.set(4821, 1000)
	tr := NewTracker(insp)

	rec, err := tr.Record(4821, RoleGovernor)
	require.NoError(t, err)

	// Original dies; the OS hands the pid to an unrelated process.
	insp.kill(4821)
	insp.set(4821, 2000)

	assert.False(t, tr.IsAlive(rec))
}

func TestTracker_RecordVanishedPID(t *testing.T) {
	tr := NewTracker(newFakeInspector())
	_, err := tr.Record(77, RoleTool)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ckerrors.ErrNotFound))
	assert.True(t, errors.Is(err, ErrProcessGone))
}

func TestTracker_ZeroPID(t *testing.T) {
	tr := NewTracker(newFakeInspector())
	assert.False(t, tr.IsAlive(ProcessRecord{}))
}

func TestSystemInspector_Self(t *testing.T) {
	insp := NewSystemInspector()
	start, err := insp.StartTime(os.Getpid())
	require.NoError(t, err)
	assert.Greater(t, start, int64(0))

	again, err := insp.StartTime(os.Getpid())
	require.NoError(t, err)
	assert.Equal(t, start, again, "start time is stable")

	_, err = insp.StartTime(-1)
	assert.ErrorIs(t, err, ErrProcessGone)
}

func TestSystemInspector_ChildLifecycle(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())

	tr := NewTracker(nil)
	rec, err := tr.Record(cmd.Process.Pid, RoleTool)
	require.NoError(t, err)
	assert.True(t, tr.IsAlive(rec))

	require.NoError(t, cmd.Process.Kill())
	_ = cmd.Wait()

	assert.Eventually(t, func() bool { return !tr.IsAlive(rec) }, 2*time.Second, 20*time.Millisecond)
}

// =============================================================================
// State files
// =============================================================================

func TestStateFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ToolStateFile)
	rec := ProcessRecord{PID: 4821, StartTime: 1718000000123, Role: RoleTool}

	require.NoError(t, WriteStateFile(path, rec))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "4821:1718000000123\n", string(data))

	got, err := ReadStateFile(path, RoleTool)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	require.NoError(t, RemoveStateFile(path))
	require.NoError(t, RemoveStateFile(path), "removing twice is fine")

	_, err = ReadStateFile(path, RoleTool)
	assert.True(t, errors.Is(err, ckerrors.ErrNotFound))
}

func TestStateFile_Garbage(t *testing.T) {
	dir := t.TempDir()
	for _, content := range []string{"", "4821", "abc:123", "4821:", "-1:5", "12:x"} {
		path := filepath.Join(dir, "bad")
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		_, err := ReadStateFile(path, RoleGovernor)
		assert.True(t, errors.Is(err, ckerrors.ErrInvalidFormat), "content %q", content)
	}
}

func TestStateFileName(t *testing.T) {
	assert.Equal(t, ".tool.pid", StateFileName(RoleTool))
	assert.Equal(t, ".governor.pid", StateFileName(RoleGovernor))
}

// =============================================================================
// Occurrents
// =============================================================================

// steppingClock returns successive instants spaced by step.
type steppingClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

func newStore(t *testing.T) (*Store, *steppingClock) {
	t.Helper()
	clock := &steppingClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), step: 10 * time.Millisecond}
	return NewStore(t.TempDir(), WithClock(clock.Now)), clock
}

func TestNextProcessURN(t *testing.T) {
	a := NextProcessURN("Mixer", "EdgeRoute")
	b := NextProcessURN("Mixer", "EdgeRoute")
	assert.NotEqual(t, a.String(), b.String())
	assert.Len(t, a.Hash, 8)

	res := urn.Validate(a.String())
	assert.True(t, res.Valid, res.Reason)
	assert.Equal(t, urn.KindProcess, res.Kind)
}

func TestStore_PhaseOrdering(t *testing.T) {
	s, _ := newStore(t)

	occ, err := s.Create("Mixer", "EdgeRoute", map[string]any{"source": "Mixer"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, occ.Status)

	_, err = s.AppendPhase(occ.URN, PhaseAccepted, nil)
	require.NoError(t, err)
	_, err = s.AppendPhase(occ.URN, PhaseProcessing, map[string]any{"edges": 2})
	require.NoError(t, err)
	done, err := s.AppendPhase(occ.URN, PhaseCompleted, nil)
	require.NoError(t, err)

	assert.Equal(t, string(PhaseCompleted), done.Status)
	require.Len(t, done.TemporalParts, 3)
	require.NotNil(t, done.TemporalRegion.End)
	require.NotNil(t, done.TemporalRegion.DurationMs)
	assert.Equal(t, int64(30), *done.TemporalRegion.DurationMs)

	_, err = s.AppendPhase(occ.URN, PhaseProcessing, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ckerrors.ErrInvalidTransition))

	loaded, err := s.Get(occ.URN)
	require.NoError(t, err)
	assert.Len(t, loaded.TemporalParts, 3, "rejected phase is not persisted")
}

func TestStore_RankRegression(t *testing.T) {
	s, _ := newStore(t)
	occ, err := s.Create("Oven", "KernelStart", nil, nil)
	require.NoError(t, err)

	_, err = s.AppendPhase(occ.URN, PhaseProcessing, nil)
	require.NoError(t, err)
	_, err = s.AppendPhase(occ.URN, PhaseProcessing, nil)
	require.NoError(t, err, "equal rank is allowed before a terminal phase")

	_, err = s.AppendPhase(occ.URN, PhaseAccepted, nil)
	assert.True(t, errors.Is(err, ckerrors.ErrInvalidTransition))
}

func TestStore_TimestampRegression(t *testing.T) {
	clock := &steppingClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), step: -time.Second}
	s := NewStore(t.TempDir(), WithClock(clock.Now))

	occ, err := s.Create("Oven", "KernelStart", nil, nil)
	require.NoError(t, err)
	_, err = s.AppendPhase(occ.URN, PhaseAccepted, nil)
	require.NoError(t, err)
	_, err = s.AppendPhase(occ.URN, PhaseProcessing, nil)
	assert.True(t, errors.Is(err, ckerrors.ErrInvalidTransition))
}

func TestStore_FailedRecordsError(t *testing.T) {
	s, _ := newStore(t)
	occ, err := s.Create("Oven", "EdgeRoute", nil, nil)
	require.NoError(t, err)

	failed, err := s.AppendPhase(occ.URN, PhaseFailed, map[string]any{"error": "target missing"})
	require.NoError(t, err)
	assert.Equal(t, "target missing", failed.Error)

	_, err = s.AppendPhase(occ.URN, PhaseCompleted, nil)
	assert.True(t, errors.Is(err, ckerrors.ErrInvalidTransition))
}

func TestStore_Errors(t *testing.T) {
	s, _ := newStore(t)

	_, err := s.Get("ckp://Process#EdgeRoute-tx_1_ab")
	assert.True(t, errors.Is(err, ckerrors.ErrNotFound))

	_, err = s.Get("ckp://Mixer:v1")
	assert.True(t, errors.Is(err, ckerrors.ErrInvalidFormat))

	occ, err := s.Create("Oven", "EdgeRoute", nil, nil)
	require.NoError(t, err)
	_, err = s.AppendPhase(occ.URN, Phase("sleeping"), nil)
	assert.True(t, errors.Is(err, ckerrors.ErrInvalidFormat))
}

func TestStore_ListAndStats(t *testing.T) {
	s, _ := newStore(t)

	routes := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		occ, err := s.Create("Mixer", "EdgeRoute", map[string]any{"source": "Mixer"}, nil)
		require.NoError(t, err)
		routes = append(routes, occ.URN)
	}
	start, err := s.Create("Oven", "KernelStart", map[string]any{"kernel": "Oven"}, nil)
	require.NoError(t, err)

	_, err = s.AppendPhase(routes[0], PhaseCompleted, nil)
	require.NoError(t, err)
	_, err = s.AppendPhase(routes[1], PhaseFailed, nil)
	require.NoError(t, err)

	all, err := s.List(Query{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, start.URN, all[0].URN, "newest first")

	edgeRoutes, err := s.List(Query{Type: "EdgeRoute", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, edgeRoutes, 2)

	byOven, err := s.List(Query{Participant: "Oven"})
	require.NoError(t, err)
	require.Len(t, byOven, 1)
	assert.Equal(t, "KernelStart", byOven[0].Type)

	st, err := s.Stats(Query{Type: "EdgeRoute"})
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 1, st.ByStatus["completed"])
	assert.Equal(t, 1, st.ByStatus["failed"])
	assert.Equal(t, 1, st.ByStatus[StatusCreated])
	assert.Equal(t, 3, st.ByType["EdgeRoute"])
	assert.Greater(t, st.AvgDurationMs, 0.0)
}

func TestStore_ListEmptyProject(t *testing.T) {
	s, _ := newStore(t)
	all, err := s.List(Query{})
	require.NoError(t, err)
	assert.Empty(t, all)
}
