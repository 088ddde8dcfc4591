// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/AleutianAI/ConceptKernel/pkg/ckerrors"
	"github.com/AleutianAI/ConceptKernel/pkg/fsutil"
	"github.com/AleutianAI/ConceptKernel/pkg/logging"
)

// PortFile is the per-project allocation file name.
const PortFile = ".ckports"

// ErrRangeExhausted means every dynamic port of the range is taken or busy.
var ErrRangeExhausted = errors.New("port range exhausted")

// portMap is the on-disk form of PortFile.
type portMap struct {
	BasePort    uint16            `json:"basePort"`
	Allocations map[string]uint16 `json:"allocations"`
}

// Allocation pairs a kernel with its port.
type Allocation struct {
	Kernel string `json:"kernel"`
	Port   uint16 `json:"port"`
}

// Prober reports whether a port can currently be bound.
type Prober func(port uint16) bool

// BindProbe tries to listen on 127.0.0.1:port and closes immediately.
func BindProbe(port uint16) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// Allocator hands out ports of one project range to kernels.
//
// # Description
//
// Offset 0 is the discovery port and never handed out. Offsets 1 through
// RangeSize-1 are assigned lowest-first to kernels whose port passes the
// bind probe. Assignments persist in <project>/.ckports and are reused on
// later calls for the same kernel.
//
// # Thread Safety
//
// Every mutation runs under an exclusive flock on <project>/.ckports.lock and
// the file is replaced by atomic rename, so concurrent processes are safe.
type Allocator struct {
	path   string
	rng    Range
	probe  Prober
	logger *slog.Logger
}

// AllocatorOption configures an Allocator.
type AllocatorOption func(*Allocator)

// WithProber replaces the bind probe.
func WithProber(p Prober) AllocatorOption {
	return func(a *Allocator) { a.probe = p }
}

// WithLogger sets the allocator logger.
func WithLogger(l *slog.Logger) AllocatorOption {
	return func(a *Allocator) { a.logger = l }
}

// NewAllocator creates an allocator for the project at projectDir owning rng.
func NewAllocator(projectDir string, rng Range, opts ...AllocatorOption) *Allocator {
	a := &Allocator{
		path:  filepath.Join(projectDir, PortFile),
		rng:   rng,
		probe: BindProbe,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = logging.OrDiscard(a.logger)
	return a
}

// Range returns the project range.
func (a *Allocator) Range() Range {
	return a.rng
}

// Allocate returns the kernel's port, assigning one if needed.
//
// # Outputs
//
//   - uint16: the assigned port, inside Range and never the discovery port.
//   - error: ErrRangeExhausted if no free port passes the probe, or the
//     context error if the lock is not acquired in time.
func (a *Allocator) Allocate(ctx context.Context, kernel string) (uint16, error) {
	var port uint16
	err := a.mutate(ctx, func(m *portMap) (bool, error) {
		if p, ok := m.Allocations[kernel]; ok && a.rng.Contains(p) {
			port = p
			return false, nil
		}
		used := make(map[uint16]bool, len(m.Allocations))
		for _, p := range m.Allocations {
			used[p] = true
		}
		for offset := 1; offset < RangeSize; offset++ {
			candidate := a.rng.Start + uint16(offset)
			if used[candidate] || !a.probe(candidate) {
				continue
			}
			m.Allocations[kernel] = candidate
			port = candidate
			return true, nil
		}
		return false, fmt.Errorf("%w: %s for %s", ErrRangeExhausted, a.rng, kernel)
	})
	if err != nil {
		return 0, err
	}
	a.logger.Debug("port allocated", "kernel", kernel, "port", port)
	return port, nil
}

// Get returns the kernel's existing allocation.
func (a *Allocator) Get(kernel string) (uint16, bool, error) {
	m, err := a.load()
	if err != nil {
		return 0, false, err
	}
	p, ok := m.Allocations[kernel]
	return p, ok, nil
}

// Release drops the kernel's allocation. Releasing an unknown kernel is a no-op.
func (a *Allocator) Release(ctx context.Context, kernel string) error {
	return a.mutate(ctx, func(m *portMap) (bool, error) {
		if _, ok := m.Allocations[kernel]; !ok {
			return false, nil
		}
		delete(m.Allocations, kernel)
		return true, nil
	})
}

// List returns all allocations ordered by port.
func (a *Allocator) List() ([]Allocation, error) {
	m, err := a.load()
	if err != nil {
		return nil, err
	}
	out := make([]Allocation, 0, len(m.Allocations))
	for k, p := range m.Allocations {
		out = append(out, Allocation{Kernel: k, Port: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out, nil
}

func (a *Allocator) mutate(ctx context.Context, fn func(*portMap) (bool, error)) error {
	return fsutil.WithLock(ctx, a.path+".lock", func() error {
		m, err := a.load()
		if err != nil {
			return err
		}
		changed, err := fn(m)
		if err != nil || !changed {
			return err
		}
		return fsutil.WriteJSONAtomic(a.path, m)
	})
}

func (a *Allocator) load() (*portMap, error) {
	m := &portMap{BasePort: a.rng.Start, Allocations: map[string]uint16{}}
	data, err := os.ReadFile(a.path)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", a.path, err)
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, ckerrors.Wrap(ckerrors.KindInvalidFormat, "ports.load", a.path, err)
	}
	if m.Allocations == nil {
		m.Allocations = map[string]uint16{}
	}
	m.BasePort = a.rng.Start
	return m, nil
}
