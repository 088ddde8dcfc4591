// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ckerrors

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind_String(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindNotFound, "NotFound"},
		{KindAlreadyExists, "AlreadyExists"},
		{KindAlreadyRunning, "AlreadyRunning"},
		{KindInvalidFormat, "InvalidFormat"},
		{KindInvalidTransition, "InvalidTransition"},
		{KindPermissionDenied, "PermissionDenied"},
		{KindProcessError, "ProcessError"},
		{KindTimeout, "Timeout"},
		{Kind(99), "Unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.kind.String())
		})
	}
}

func TestError_IsMatchesSentinelOfSameKind(t *testing.T) {
	err := New(KindNotFound, "evidence.describe", "tx_1_abc")
	wrapped := fmt.Errorf("cli: %w", err)

	assert.True(t, errors.Is(wrapped, ErrNotFound))
	assert.False(t, errors.Is(wrapped, ErrAlreadyExists))
	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestError_MessageCarriesContext(t *testing.T) {
	err := New(KindAlreadyRunning, "kernel.start", "ckp://Mixer:v1").
		WithState("stopped", "running (pid 4821)")

	msg := err.Error()
	assert.Contains(t, msg, "kernel.start")
	assert.Contains(t, msg, "AlreadyRunning")
	assert.Contains(t, msg, `"ckp://Mixer:v1"`)
	assert.Contains(t, msg, "expected stopped, got running (pid 4821)")
}

func TestError_UnwrapReachesCause(t *testing.T) {
	err := Wrap(KindProcessError, "kernel.spawn", "Mixer", fs.ErrPermission)

	assert.True(t, errors.Is(err, fs.ErrPermission))
	assert.True(t, errors.Is(err, ErrProcessError))
	assert.Contains(t, err.Error(), "permission denied")
}

func TestBatchError(t *testing.T) {
	var batch BatchError
	require.NoError(t, batch.ToError())
	assert.Equal(t, "no errors", batch.Error())

	batch.Add(nil)
	assert.False(t, batch.HasErrors())

	batch.Add(New(KindNotFound, "edge.route", "B"))
	assert.Equal(t, `edge.route: NotFound "B"`, batch.Error())

	batch.Add(New(KindPermissionDenied, "edge.route", "C"))
	err := batch.ToError()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 errors occurred")
	assert.True(t, errors.Is(err, ErrPermissionDenied))
	assert.True(t, errors.Is(err, ErrNotFound))
}
