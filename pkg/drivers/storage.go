// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package drivers defines the capability contracts the runtime uses to reach
// storage and version-control backends, with the local variants it ships.
//
// # Overview
//
// The evidence layer never touches a backend directly. It hands a Location
// to a Set, which picks the driver for the location kind:
//
//	Location{Kind: Local}  -> LocalDriver  (paths confined to the project root)
//	Location{Kind: Remote} -> RemoteDriver (http, https, gs://)
//	Location{Kind: URN}    -> URNDriver    (ckp:// address, resolved locally)
//
// Version drivers are picked by marker files in a kernel directory, see
// Detect.
package drivers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/ConceptKernel/pkg/ckerrors"
	"github.com/AleutianAI/ConceptKernel/pkg/fsutil"
	"github.com/AleutianAI/ConceptKernel/pkg/urn"
)

// LocationKind discriminates Location.
type LocationKind int

const (
	LocationLocal LocationKind = iota
	LocationRemote
	LocationURN
)

// String returns the lowercase kind name.
func (k LocationKind) String() string {
	switch k {
	case LocationLocal:
		return "local"
	case LocationRemote:
		return "remote"
	case LocationURN:
		return "urn"
	default:
		return "unknown"
	}
}

// Location says where a blob lives without exposing how it is reached.
// Exactly one of Path, URL or URN is meaningful, selected by Kind.
type Location struct {
	Kind LocationKind
	Path string
	URL  string
	URN  string
}

// Local returns a filesystem location.
func Local(path string) Location { return Location{Kind: LocationLocal, Path: path} }

// Remote returns a URL location.
func Remote(url string) Location { return Location{Kind: LocationRemote, URL: url} }

// URN returns a ckp:// location.
func URN(u string) Location { return Location{Kind: LocationURN, URN: u} }

// String renders the location for logs and errors.
func (l Location) String() string {
	switch l.Kind {
	case LocationRemote:
		return l.URL
	case LocationURN:
		return l.URN
	default:
		return l.Path
	}
}

// StorageDriver reads and writes whole blobs at a Location.
//
// # Description
//
// Writes are all-or-nothing where the backend allows it: a reader sees the
// old content or the new content, never a mix. Read on a missing blob
// returns an error of kind NotFound.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type StorageDriver interface {
	Kind() LocationKind
	Read(ctx context.Context, loc Location) ([]byte, error)
	Write(ctx context.Context, loc Location, data []byte) error
	Exists(ctx context.Context, loc Location) (bool, error)
}

// LocalDriver stores blobs as files under a root directory.
type LocalDriver struct {
	root string
}

// NewLocalDriver returns a driver confined to root.
func NewLocalDriver(root string) *LocalDriver {
	return &LocalDriver{root: filepath.Clean(root)}
}

// Kind implements StorageDriver.
func (d *LocalDriver) Kind() LocationKind { return LocationLocal }

// Root returns the confinement root.
func (d *LocalDriver) Root() string { return d.root }

// Read implements StorageDriver.
func (d *LocalDriver) Read(ctx context.Context, loc Location) ([]byte, error) {
	path, err := d.confine(loc)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ckerrors.Wrap(ckerrors.KindNotFound, "drivers.local.read", path, err)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// Write implements StorageDriver with a temp file and rename.
func (d *LocalDriver) Write(ctx context.Context, loc Location, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := d.confine(loc)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, data, 0o644)
}

// Exists implements StorageDriver.
func (d *LocalDriver) Exists(ctx context.Context, loc Location) (bool, error) {
	path, err := d.confine(loc)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	return true, nil
}

// confine maps loc to an absolute path inside the root. Relative paths are
// taken relative to the root.
func (d *LocalDriver) confine(loc Location) (string, error) {
	if loc.Kind != LocationLocal {
		return "", ckerrors.New(ckerrors.KindInvalidFormat, "drivers.local", loc.String()).
			WithState("local location", loc.Kind.String())
	}
	path := loc.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(d.root, path)
	}
	path = filepath.Clean(path)
	rel, err := filepath.Rel(d.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ckerrors.New(ckerrors.KindPermissionDenied, "drivers.local", loc.Path).
			WithState("path under "+d.root, path)
	}
	return path, nil
}

// URNDriver resolves ckp:// addresses in one project and stores through a
// LocalDriver rooted at the same project.
type URNDriver struct {
	resolver *urn.Resolver
	local    *LocalDriver
}

// NewURNDriver returns a driver for the project at root.
func NewURNDriver(root string) *URNDriver {
	return &URNDriver{resolver: urn.NewResolver(root), local: NewLocalDriver(root)}
}

// Kind implements StorageDriver.
func (d *URNDriver) Kind() LocationKind { return LocationURN }

// Read implements StorageDriver.
func (d *URNDriver) Read(ctx context.Context, loc Location) ([]byte, error) {
	l, err := d.resolve(loc)
	if err != nil {
		return nil, err
	}
	return d.local.Read(ctx, l)
}

// Write implements StorageDriver.
func (d *URNDriver) Write(ctx context.Context, loc Location, data []byte) error {
	l, err := d.resolve(loc)
	if err != nil {
		return err
	}
	return d.local.Write(ctx, l, data)
}

// Exists implements StorageDriver.
func (d *URNDriver) Exists(ctx context.Context, loc Location) (bool, error) {
	l, err := d.resolve(loc)
	if err != nil {
		return false, err
	}
	return d.local.Exists(ctx, l)
}

func (d *URNDriver) resolve(loc Location) (Location, error) {
	if loc.Kind != LocationURN {
		return Location{}, ckerrors.New(ckerrors.KindInvalidFormat, "drivers.urn", loc.String()).
			WithState("urn location", loc.Kind.String())
	}
	rp, err := d.resolver.ResolveString(loc.URN)
	if err != nil {
		return Location{}, err
	}
	return Local(rp.Path), nil
}

// Set holds one driver per location kind.
//
// # Description
//
// Dispatch is closed: the three kinds are the whole vocabulary. A Set built
// without a RemoteDriver rejects remote locations with PermissionDenied.
//
// # Example
//
//	set := drivers.NewSet(projectRoot, nil)
//	d, err := set.DriverFor(drivers.Local("concepts/Mixer/storage/x.inst/receipt.json"))
type Set struct {
	Local  *LocalDriver
	Remote *RemoteDriver
	URN    *URNDriver
}

// NewSet builds the drivers for one project. remote may be nil.
func NewSet(root string, remote *RemoteDriver) *Set {
	return &Set{
		Local:  NewLocalDriver(root),
		Remote: remote,
		URN:    NewURNDriver(root),
	}
}

// DriverFor returns the driver serving loc.
func (s *Set) DriverFor(loc Location) (StorageDriver, error) {
	switch loc.Kind {
	case LocationLocal:
		return s.Local, nil
	case LocationURN:
		return s.URN, nil
	case LocationRemote:
		if s.Remote == nil {
			return nil, ckerrors.New(ckerrors.KindPermissionDenied, "drivers.dispatch", loc.URL).
				WithState("remote storage configured", "none")
		}
		return s.Remote, nil
	default:
		return nil, ckerrors.New(ckerrors.KindInvalidFormat, "drivers.dispatch", loc.String()).
			WithState("local, remote or urn", loc.Kind.String())
	}
}

// Read dispatches to the driver for loc.
func (s *Set) Read(ctx context.Context, loc Location) ([]byte, error) {
	d, err := s.DriverFor(loc)
	if err != nil {
		return nil, err
	}
	return d.Read(ctx, loc)
}

// Write dispatches to the driver for loc.
func (s *Set) Write(ctx context.Context, loc Location, data []byte) error {
	d, err := s.DriverFor(loc)
	if err != nil {
		return err
	}
	return d.Write(ctx, loc, data)
}
