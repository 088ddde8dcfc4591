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
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/ConceptKernel/pkg/ckerrors"
)

// =============================================================================
// Storage
// =============================================================================

func TestLocalDriver_ReadWriteExists(t *testing.T) {
	ctx := context.Background()
	d := NewLocalDriver(t.TempDir())
	loc := Local("concepts/Mixer/storage/tx_1_ab.inst/receipt.json")

	ok, err := d.Exists(ctx, loc)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = d.Read(ctx, loc)
	assert.True(t, errors.Is(err, ckerrors.ErrNotFound))

	require.NoError(t, d.Write(ctx, loc, []byte(`{"id":"tx_1_ab"}`)))
	ok, err = d.Exists(ctx, loc)
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := d.Read(ctx, Local(filepath.Join(d.Root(), loc.Path)))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"tx_1_ab"}`, string(data))
}

func TestLocalDriver_ConfinedToRoot(t *testing.T) {
	ctx := context.Background()
	d := NewLocalDriver(t.TempDir())

	for _, p := range []string{"../escape.json", "/etc/passwd", "a/../../b"} {
		err := d.Write(ctx, Local(p), []byte("x"))
		assert.True(t, errors.Is(err, ckerrors.ErrPermissionDenied), p)
	}

	_, err := d.Read(ctx, Remote("http://example.com/x"))
	assert.True(t, errors.Is(err, ckerrors.ErrInvalidFormat))
}

func TestURNDriver_ResolvesStorageStage(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	d := NewURNDriver(root)

	loc := URN("ckp://Mixer:v1#storage/tx_1_ab.inst/receipt.json")
	require.NoError(t, d.Write(ctx, loc, []byte("{}")))

	_, err := os.Stat(filepath.Join(root, "concepts", "Mixer", "storage", "tx_1_ab.inst", "receipt.json"))
	assert.NoError(t, err)

	data, err := d.Read(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))

	_, err = d.Read(ctx, URN("ckp://Agent/user:bob"))
	assert.Error(t, err)
}

func TestSet_DriverFor(t *testing.T) {
	set := NewSet(t.TempDir(), nil)

	d, err := set.DriverFor(Local("x"))
	require.NoError(t, err)
	assert.Equal(t, LocationLocal, d.Kind())

	d, err = set.DriverFor(URN("ckp://Mixer:v1"))
	require.NoError(t, err)
	assert.Equal(t, LocationURN, d.Kind())

	_, err = set.DriverFor(Remote("https://example.com/x"))
	assert.True(t, errors.Is(err, ckerrors.ErrPermissionDenied), "remote not configured")

	_, err = set.DriverFor(Location{Kind: LocationKind(9)})
	assert.True(t, errors.Is(err, ckerrors.ErrInvalidFormat))
}

func TestRemoteDriver_HTTP(t *testing.T) {
	var mu sync.Mutex
	blobs := map[string][]byte{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.Method {
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			blobs[r.URL.Path] = body
			w.WriteHeader(http.StatusCreated)
		case http.MethodGet, http.MethodHead:
			if r.URL.Path == "/forbidden" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			b, ok := blobs[r.URL.Path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			if r.Method == http.MethodGet {
				_, _ = w.Write(b)
			}
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	d := NewRemoteDriver(WithHTTPClient(srv.Client()))
	set := NewSet(t.TempDir(), d)
	loc := Remote(srv.URL + "/receipts/tx_1_ab.json")

	ok, err := d.Exists(ctx, loc)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = d.Read(ctx, loc)
	assert.True(t, errors.Is(err, ckerrors.ErrNotFound))

	require.NoError(t, set.Write(ctx, loc, []byte(`{"ok":true}`)))
	data, err := set.Read(ctx, loc)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))

	ok, err = d.Exists(ctx, loc)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = d.Read(ctx, Remote(srv.URL+"/forbidden"))
	assert.True(t, errors.Is(err, ckerrors.ErrPermissionDenied))
}

func TestRemoteDriver_RejectsBadURLs(t *testing.T) {
	d := NewRemoteDriver()
	ctx := context.Background()
	for _, u := range []string{"ftp://host/x", "http://", "gs://", "::nope"} {
		_, err := d.Read(ctx, Remote(u))
		assert.True(t, errors.Is(err, ckerrors.ErrInvalidFormat), u)
	}
}

// =============================================================================
// Versioning
// =============================================================================

func TestNextVersion(t *testing.T) {
	tests := []struct {
		latest string
		bump   Bump
		want   string
	}{
		{"", BumpPatch, "v0.0.1"},
		{"v0.2.0", BumpPatch, "v0.2.1"},
		{"v0.2.9", BumpMinor, "v0.3.0"},
		{"v1.4.2", BumpMajor, "v2.0.0"},
		{"v1.2", BumpPatch, "v1.2.1"},
		{"v1.2.3-rc.1", BumpPatch, "v1.2.4"},
	}
	for _, tt := range tests {
		t.Run(tt.latest+"/"+tt.want, func(t *testing.T) {
			got, err := NextVersion(tt.latest, tt.bump)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := NextVersion("1.0.0", BumpPatch)
	assert.True(t, errors.Is(err, ckerrors.ErrInvalidFormat))
}

func TestParseBump(t *testing.T) {
	b, err := ParseBump("MINOR")
	require.NoError(t, err)
	assert.Equal(t, BumpMinor, b)
	_, err = ParseBump("huge")
	assert.Error(t, err)
}

func TestLatestAndSort(t *testing.T) {
	tags := []string{"v0.10.0", "v0.2.0", "junk", "v0.9.1"}
	assert.Equal(t, "v0.10.0", Latest(tags))
	assert.Equal(t, []string{"v0.2.0", "v0.9.1", "v0.10.0"}, sortedTags(tags))
	assert.Equal(t, "", Latest(nil))
}

func TestFormatDescribe(t *testing.T) {
	v, clean := formatDescribe("v0.2.0-0-gab12cd")
	assert.Equal(t, "v0.2.0", v)
	assert.True(t, clean)

	v, clean = formatDescribe("v0.2.0-3-gab12cd")
	assert.Equal(t, "v0.2.3-gab12cd", v)
	assert.False(t, clean)

	v, _ = formatDescribe("weird")
	assert.Equal(t, "weird", v)
}

func TestDetect(t *testing.T) {
	dir := t.TempDir()
	_, ok := Detect(dir)
	assert.False(t, ok)

	require.NoError(t, os.Mkdir(filepath.Join(dir, SnapshotMarker), 0o755))
	d, ok := Detect(dir)
	require.True(t, ok)
	assert.Equal(t, BackendSnapshot, d.Backend())

	require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0o755))
	d, ok = Detect(dir)
	require.True(t, ok)
	assert.Equal(t, BackendGit, d.Backend(), "git wins over snapshots")

	_, err := NewVersionDriver(BackendNone, dir)
	assert.Error(t, err)
}

func TestSnapshotDriver_CommitTagCurrent(t *testing.T) {
	dir := t.TempDir()
	write := func(rel, content string) {
		p := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	write("conceptkernel.yaml", "name: Mixer\n")
	write("tool/main.py", "print('hi')\n")
	write("queue/inbox/job.json", "{}")
	write(".tool.pid", "1:2\n")

	d := NewSnapshotDriver(dir)
	assert.False(t, d.IsInitialized())

	cur, err := d.Current()
	require.NoError(t, err)
	assert.Nil(t, cur)

	err = d.Tag("v0.1.0", "")
	assert.True(t, errors.Is(err, ckerrors.ErrNotFound), "tag before any snapshot")

	id, err := d.Commit("first")
	require.NoError(t, err)
	assert.Equal(t, "s000001", id)
	assert.FileExists(t, filepath.Join(dir, SnapshotMarker, id, "tool", "main.py"))
	assert.NoFileExists(t, filepath.Join(dir, SnapshotMarker, id, "queue", "inbox", "job.json"))
	assert.NoFileExists(t, filepath.Join(dir, SnapshotMarker, id, ".tool.pid"))

	_, err = d.Commit("again")
	assert.True(t, errors.Is(err, ckerrors.ErrInvalidTransition), "no changes")

	write("queue/inbox/other.json", "{}")
	_, err = d.Commit("queue only")
	assert.True(t, errors.Is(err, ckerrors.ErrInvalidTransition), "queue is not tracked")

	require.NoError(t, d.Tag("v0.1.0", "first"))
	assert.True(t, errors.Is(d.Tag("v0.1.0", ""), ckerrors.ErrAlreadyExists))
	assert.True(t, errors.Is(d.Tag("0.1", ""), ckerrors.ErrInvalidFormat))

	cur, err = d.Current()
	require.NoError(t, err)
	assert.Equal(t, &VersionInfo{Version: "v0.1.0", Clean: true, Metadata: "s000001", Backend: BackendSnapshot}, cur)

	write("tool/main.py", "print('bye')\n")
	cur, err = d.Current()
	require.NoError(t, err)
	assert.False(t, cur.Clean)

	id, err = d.Commit("second")
	require.NoError(t, err)
	assert.Equal(t, "s000002", id)
	require.NoError(t, d.Tag("v0.2.0", ""))

	versions, err := d.Versions()
	require.NoError(t, err)
	assert.Equal(t, []string{"v0.1.0", "v0.2.0"}, versions)
}

func TestGitDriver(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "conceptkernel.yaml"), []byte("a\n"), 0o644))

	g := NewGitDriver(dir)
	cur, err := g.Current()
	require.NoError(t, err)
	assert.Nil(t, cur)

	version, err := CommitAndTag(g, "initial", BumpMinor)
	require.NoError(t, err)
	assert.Equal(t, "v0.1.0", version)
	assert.True(t, g.IsInitialized())

	cur, err = g.Current()
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, "v0.1.0", cur.Version)
	assert.True(t, cur.Clean)

	_, err = g.Commit("nothing")
	assert.True(t, errors.Is(err, ckerrors.ErrInvalidTransition))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "conceptkernel.yaml"), []byte("b\n"), 0o644))
	_, err = g.Commit("change")
	require.NoError(t, err)

	cur, err = g.Current()
	require.NoError(t, err)
	assert.False(t, cur.Clean)
	assert.Regexp(t, `^v0\.1\.1-g[0-9a-f]+$`, cur.Version)

	version, err = CommitAndTag(g, "noop", BumpPatch)
	assert.Error(t, err, "nothing to commit")
	assert.Empty(t, version)

	require.NoError(t, g.Tag("v0.1.1", ""))
	versions, err := g.Versions()
	require.NoError(t, err)
	assert.Equal(t, []string{"v0.1.0", "v0.1.1"}, versions)
}
