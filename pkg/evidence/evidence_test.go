// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evidence

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/ConceptKernel/pkg/ckerrors"
	"github.com/AleutianAI/ConceptKernel/pkg/kernel"
)

func newStore(t *testing.T, kernels ...string) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	for _, k := range kernels {
		dir := filepath.Join(root, "concepts", k)
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "storage"), 0o755))
		require.NoError(t, kernel.WriteConfig(dir, kernel.NewConfig(k, "python:cold", "v0.1")))
	}
	return NewStore(root), root
}

// mkInstance creates an instance directory by hand with the given receipt body.
func mkInstance(t *testing.T, s *Store, k, id, receipt string) {
	t.Helper()
	dir := s.InstanceDir(k, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	if receipt != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, ReceiptFile), []byte(receipt), 0o644))
	}
}

func TestNewInstanceID_Format(t *testing.T) {
	now := time.UnixMilli(1718000000123)
	a := NewInstanceID("Mixer", now)
	b := NewInstanceID("Mixer", now)
	assert.Regexp(t, regexp.MustCompile(`^tx_1718000000123_[0-9a-f]{8}$`), a)
	assert.NotEqual(t, a, b, "same millisecond still discriminates")
}

func TestWriteInstance_PublishesReceiptAndTx(t *testing.T) {
	s, _ := newStore(t, "Mixer")
	ctx := context.Background()
	ok := true

	id, err := s.WriteInstance(ctx, "Mixer", Payload{Action: "mix", Success: &ok, Data: map[string]int{"eggs": 2}})
	require.NoError(t, err)

	detail, err := s.DescribeInstance(ctx, "Mixer", id)
	require.NoError(t, err)
	assert.Equal(t, id, detail.ID)
	assert.Equal(t, "Mixer", detail.Kernel)
	assert.Equal(t, "mix", detail.Action)
	require.NotNil(t, detail.Success)
	assert.True(t, *detail.Success)
	assert.JSONEq(t, `{"eggs":2}`, string(detail.Data))
	assert.Equal(t, []string{ReceiptFile}, detail.Files)
	assert.Equal(t, "ckp://Mixer:v0.1#storage/"+id+".inst", detail.URN)

	entries, err := os.ReadDir(s.StorageDir("Mixer"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temporary directories left behind")

	tx, err := s.ReadTx("Mixer")
	require.NoError(t, err)
	require.Len(t, tx, 1)
	assert.Equal(t, id, tx[0].TxID)
	assert.Equal(t, "instance.written", tx[0].Event)
}

func TestWriteInstance_UnknownKernel(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.WriteInstance(context.Background(), "Ghost", Payload{})
	assert.True(t, errors.Is(err, ckerrors.ErrNotFound))

	_, err = s.WriteInstance(context.Background(), "../etc", Payload{})
	assert.True(t, errors.Is(err, ckerrors.ErrInvalidFormat))
}

func TestWriteInstance_UnencodableData(t *testing.T) {
	s, _ := newStore(t, "Mixer")
	_, err := s.WriteInstance(context.Background(), "Mixer", Payload{Data: make(chan int)})
	assert.True(t, errors.Is(err, ckerrors.ErrInvalidFormat))
}

func TestListInstances_CaseInsensitiveOrder(t *testing.T) {
	s, _ := newStore(t, "Mixer")
	mkInstance(t, s, "Mixer", "Beta-1", `{"id":"Beta-1"}`)
	mkInstance(t, s, "Mixer", "alpha-2", `{"id":"alpha-2"}`)

	got, err := s.ListInstances(context.Background(), "Mixer", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "alpha-2", got[0].ID)
	assert.Equal(t, "Beta-1", got[1].ID)
}

func TestListInstances_LimitAndMalformed(t *testing.T) {
	s, _ := newStore(t, "Mixer")
	mkInstance(t, s, "Mixer", "a", `{"id":"a"}`)
	mkInstance(t, s, "Mixer", "b", `not json`)
	mkInstance(t, s, "Mixer", "c", "")
	mkInstance(t, s, "Mixer", "d", `{"id":"d"}`)
	mkInstance(t, s, "Mixer", "e", `{"id":"e"}`)
	require.NoError(t, os.MkdirAll(filepath.Join(s.StorageDir("Mixer"), ".f.inst.tmp-123"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(s.StorageDir("Mixer"), "notes.txt"), nil, 0o644))

	all, err := s.ListInstances(context.Background(), "Mixer", 0)
	require.NoError(t, err)
	ids := make([]string, len(all))
	for i, r := range all {
		ids[i] = r.ID
	}
	assert.Equal(t, []string{"a", "d", "e"}, ids)

	two, err := s.ListInstances(context.Background(), "Mixer", 2)
	require.NoError(t, err)
	require.Len(t, two, 2)
	assert.Equal(t, "d", two[1].ID, "malformed entries do not count against the limit")
}

func TestListInstances_Empty(t *testing.T) {
	s, _ := newStore(t, "Mixer")
	got, err := s.ListInstances(context.Background(), "Mixer", 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDescribeInstance_Errors(t *testing.T) {
	s, _ := newStore(t, "Mixer")
	ctx := context.Background()

	_, err := s.DescribeInstance(ctx, "Mixer", "tx_1_deadbeef")
	assert.True(t, errors.Is(err, ckerrors.ErrNotFound))

	_, err = s.DescribeInstance(ctx, "Mixer", "../x")
	assert.True(t, errors.Is(err, ckerrors.ErrInvalidFormat))

	mkInstance(t, s, "Mixer", "broken", "{")
	_, err = s.DescribeInstance(ctx, "Mixer", "broken")
	assert.True(t, errors.Is(err, ckerrors.ErrInvalidFormat))
}

func TestCheckInstanceRef(t *testing.T) {
	tests := []struct {
		kernel, id string
		ok         bool
	}{
		{"Mixer", "tx_1_deadbeef", true},
		{"Mixer", "", false},
		{"Mixer", ".", false},
		{"Mixer", "..", false},
		{"Mixer", "a/../tx_1_deadbeef", false},
		{"Mixer", `a\b`, false},
		{"", "tx_1_deadbeef", false},
		{"../Mixer", "tx_1_deadbeef", false},
	}
	for _, tt := range tests {
		t.Run(tt.kernel+"|"+tt.id, func(t *testing.T) {
			err := CheckInstanceRef("test", tt.kernel, tt.id)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, ckerrors.ErrInvalidFormat), "got %v", err)
		})
	}
}

func TestAppendTx_ConcurrentLinesStayWhole(t *testing.T) {
	s, _ := newStore(t, "Mixer")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.AppendTx("Mixer", TxEntry{TxID: "tx", Event: "test", Metadata: map[string]any{"i": i}}))
		}(i)
	}
	wg.Wait()

	entries, err := s.ReadTx("Mixer")
	require.NoError(t, err)
	assert.Len(t, entries, 20)
	for _, e := range entries {
		assert.Equal(t, "Mixer", e.Kernel)
		assert.False(t, e.Timestamp.IsZero())
	}
}

func TestSortIDs(t *testing.T) {
	ids := []string{"b", "A", "a", "B"}
	SortIDs(ids)
	assert.Equal(t, []string{"A", "a", "B", "b"}, ids)
}
