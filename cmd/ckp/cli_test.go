// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/ConceptKernel/pkg/edge"
	"github.com/AleutianAI/ConceptKernel/pkg/project"
)

// cli runs commands against an isolated config and project registry.
type cli struct {
	t       *testing.T
	config  string
	project string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("CKP_REGISTRY", filepath.Join(home, "projects.json"))
	t.Setenv("CKP_LOG_LEVEL", "error")
	t.Setenv("NO_COLOR", "1")

	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return &cli{t: t, config: filepath.Join(home, "ckp.yaml"), project: dir}
}

func (c *cli) run(args ...string) (string, string, int) {
	c.t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"--config", c.config, "--project", c.project}, args...)
	code := run(context.Background(), full, &stdout, &stderr)
	return stdout.String(), stderr.String(), code
}

func (c *cli) mustRun(args ...string) string {
	c.t.Helper()
	out, errOut, code := c.run(args...)
	require.Equal(c.t, exitOK, code, "ckp %s: %s", strings.Join(args, " "), errOut)
	return out
}

func (c *cli) register() project.Entry {
	c.t.Helper()
	var e project.Entry
	out := c.mustRun("--json", "project", "register", c.project, "--name", "bakery")
	require.NoError(c.t, json.Unmarshal([]byte(out), &e))
	return e
}

func TestCLI_ProjectRegister(t *testing.T) {
	c := newCLI(t)
	e := c.register()
	assert.Equal(t, "bakery", e.Name)
	assert.Equal(t, c.project, e.Path)
	assert.Equal(t, 1, e.Slot)
	assert.Equal(t, uint16(56000), e.PortRange.Start)
	assert.Equal(t, uint16(56199), e.PortRange.End)

	_, errOut, code := c.run("--json", "project", "register", c.project)
	assert.Equal(t, exitConflict, code)
	assert.Contains(t, errOut, `"kind":"AlreadyExists"`)

	var entries []project.Entry
	require.NoError(t, json.Unmarshal([]byte(c.mustRun("--json", "project", "list")), &entries))
	require.Len(t, entries, 1)

	_, err := os.Stat(c.config)
	assert.NoError(t, err, "default config written on first run")
}

func TestCLI_UnregisteredProjectIsNotFound(t *testing.T) {
	c := newCLI(t)
	_, _, code := c.run("kernel", "list")
	assert.Equal(t, exitNotFound, code)
}

func TestCLI_CreateWriteAndRoute(t *testing.T) {
	c := newCLI(t)
	c.register()

	c.mustRun("kernel", "create", "Mixer", "--type", "python:cold")
	c.mustRun("kernel", "create", "Oven", "--type", "python:cold")
	c.mustRun("edge", "create", "PRODUCES", "Mixer", "Oven")

	var edges []edge.Edge
	require.NoError(t, json.Unmarshal([]byte(c.mustRun("--json", "edge", "list", "--from", "Mixer")), &edges))
	require.Len(t, edges, 1)
	assert.Equal(t, "ckp://Edge.PRODUCES.Mixer-to-Oven:v1", edges[0].URN)

	out := c.mustRun("--json", "instance", "write", "Mixer", "--action", "mix", "--data", `{"flour":2}`, "--route")
	var res struct {
		Instance string              `json:"instance"`
		Routing  edge.RoutingOutcome `json:"routing"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res.Routing.Results, 1)
	assert.Equal(t, edge.StatusDelivered, res.Routing.Results[0].Status)

	inbox, err := os.ReadDir(filepath.Join(c.project, "concepts", "Oven", "queue", "inbox"))
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, "PRODUCES.Mixer."+res.Instance, inbox[0].Name())

	// Routing the same instance again converges without a second entry.
	out = c.mustRun("--json", "instance", "route", "Mixer", res.Instance)
	var again edge.RoutingOutcome
	require.NoError(t, json.Unmarshal([]byte(out), &again))
	assert.Equal(t, edge.StatusAlreadyDelivered, again.Results[0].Status)

	out = c.mustRun("instance", "list", "Mixer")
	assert.Contains(t, out, res.Instance)
	assert.Contains(t, out, "mix")

	out = c.mustRun("--json", "process", "list", "--type", "EdgeRoute")
	assert.Contains(t, out, `"status": "completed"`)
}

func TestCLI_KernelStatus(t *testing.T) {
	c := newCLI(t)
	c.register()
	c.mustRun("kernel", "create", "Mixer")

	out := c.mustRun("--json", "kernel", "status", "Mixer")
	assert.Contains(t, out, `"state": "STOPPED"`)

	_, _, code := c.run("kernel", "status", "Ghost")
	assert.Equal(t, exitNotFound, code)

	_, _, code = c.run("kernel", "create", "Mixer")
	assert.Equal(t, exitConflict, code)

	_, _, code = c.run("kernel", "create", "Bad", "--type", "cobol:warm")
	assert.Equal(t, exitInvalidFormat, code)
}

func TestCLI_URN(t *testing.T) {
	c := newCLI(t)
	c.register()

	out := c.mustRun("--json", "urn", "validate", "ckp://Edge.NOTIFIES.A-to-B:v1")
	assert.Contains(t, out, `"kind": "edge"`)

	_, errOut, code := c.run("urn", "validate", "ckp://Agent/user:alice")
	assert.Equal(t, exitInvalidFormat, code)
	assert.Contains(t, errOut, "Error")

	out = c.mustRun("--json", "urn", "resolve", "ckp://Oven:v1#inbox")
	assert.Contains(t, out, filepath.Join(c.project, "concepts", "Oven", "queue", "inbox"))
}

func TestCLI_PortsShow(t *testing.T) {
	c := newCLI(t)
	out := c.mustRun("--json", "ports", "show", "2")
	assert.Contains(t, out, `"start": 56200`)
	assert.Contains(t, out, `"discovery": 56200`)

	_, _, code := c.run("ports", "show", "0")
	assert.Equal(t, exitInvalidFormat, code)
}

func TestCLI_StoragePutAndCat(t *testing.T) {
	c := newCLI(t)
	c.register()

	src := filepath.Join(t.TempDir(), "note.txt")
	require.NoError(t, os.WriteFile(src, []byte("proofing\n"), 0o644))
	c.mustRun("storage", "put", "notes/today.txt", "--from", src)

	assert.Equal(t, "proofing\n", c.mustRun("storage", "cat", "notes/today.txt"))

	_, _, code := c.run("storage", "cat", "notes/missing.txt")
	assert.Equal(t, exitNotFound, code)
}

func TestCLI_VersionSnapshot(t *testing.T) {
	c := newCLI(t)
	c.register()
	c.mustRun("kernel", "create", "Mixer")

	_, _, code := c.run("version", "current", "Mixer")
	assert.Equal(t, exitNotFound, code)

	c.mustRun("version", "init", "Mixer", "--backend", "snapshot")
	out := c.mustRun("--json", "version", "tag", "Mixer", "--bump", "minor")
	assert.Contains(t, out, `"version": "v0.1.0"`)

	out = c.mustRun("--json", "version", "list", "Mixer")
	assert.Contains(t, out, "v0.1.0")
}

func TestParseLocation(t *testing.T) {
	tests := []struct {
		in   string
		kind string
	}{
		{"ckp://Oven:v1#storage/x.inst", "urn"},
		{"https://example.com/a", "remote"},
		{"gs://bucket/obj", "remote"},
		{"notes/a.txt", "local"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.kind, parseLocation(tt.in).Kind.String(), tt.in)
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitFailure, exitCode(assert.AnError))
}
