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
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/ConceptKernel/pkg/evidence"
	"github.com/AleutianAI/ConceptKernel/pkg/fsutil"
	"github.com/AleutianAI/ConceptKernel/pkg/logging"
	"github.com/AleutianAI/ConceptKernel/pkg/urn"
	"github.com/AleutianAI/ConceptKernel/pkg/watch"
)

// DaemonOptions configures a Daemon.
type DaemonOptions struct {
	// Router routes each new instance. Required.
	Router *Router

	// Journal skips instances already routed. Optional; without it every
	// instance found on the catch-up scan is routed again, which is safe
	// because routing is idempotent.
	Journal *Journal

	// Debounce is passed to the watcher.
	Debounce time.Duration

	Logger *slog.Logger
}

// Daemon routes instances as kernels publish them.
//
// # Description
//
// The daemon watches concepts/ for new kernels and concepts/<K>/storage for
// new "*.inst" directories. Instances are published by rename, so a create
// event always sees a complete instance. On start, and whenever the watcher
// reports an overflow, every storage directory is scanned and anything not
// in the journal is routed.
//
// # Thread Safety
//
// Run must be called once. Scan is safe to call concurrently with Run.
type Daemon struct {
	router   *Router
	journal  *Journal
	debounce time.Duration
	logger   *slog.Logger

	concepts string
	watcher  *watch.Watcher

	// mu serializes routing passes so a scan and a watch batch never route
	// the same instance at the same time.
	mu sync.Mutex
}

// NewDaemon creates a daemon for the router's project.
func NewDaemon(opts DaemonOptions) (*Daemon, error) {
	if opts.Router == nil {
		return nil, errors.New("router is required")
	}
	return &Daemon{
		router:   opts.Router,
		journal:  opts.Journal,
		debounce: opts.Debounce,
		logger:   logging.OrDiscard(opts.Logger),
		concepts: filepath.Join(opts.Router.edges.Root(), urn.ConceptsDir),
	}, nil
}

// Run watches until ctx is cancelled. It returns nil on cancellation.
func (d *Daemon) Run(ctx context.Context) error {
	if err := os.MkdirAll(d.concepts, 0o755); err != nil {
		return err
	}
	wopts := watch.DefaultOptions()
	wopts.Debounce, wopts.Logger = d.debounce, d.logger
	w, err := watch.New(d.handle, wopts, d.concepts)
	if err != nil {
		return err
	}
	defer w.Stop()

	kernels, err := d.kernels()
	if err != nil {
		return err
	}
	for _, k := range kernels {
		d.watchStorage(w, k)
	}

	d.watcher = w
	if err := w.Start(ctx); err != nil {
		return err
	}
	d.logger.Info("router daemon started", "concepts", d.concepts, "kernels", len(kernels))

	if _, err := d.Scan(ctx); err != nil {
		d.logger.Warn("catch-up scan failed", "error", err)
	}

	<-ctx.Done()
	d.logger.Info("router daemon stopping")
	return nil
}

// Scan routes every unjournaled instance of every kernel and returns how
// many routing passes ran.
func (d *Daemon) Scan(ctx context.Context) (int, error) {
	kernels, err := d.kernels()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, k := range kernels {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		n += d.scanKernel(ctx, k)
	}
	return n, nil
}

func (d *Daemon) scanKernel(ctx context.Context, kernelName string) int {
	entries, err := os.ReadDir(d.router.evidence.StorageDir(kernelName))
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		id, ok := instanceID(e.Name())
		if !ok || !e.IsDir() {
			continue
		}
		if d.route(ctx, kernelName, id) {
			n++
		}
	}
	return n
}

func (d *Daemon) handle(ctx context.Context, changes []watch.Change) {
	w := d.watcher
	for _, c := range changes {
		if c.Op == watch.OpOverflow {
			d.logger.Warn("watch overflow, rescanning")
			if kernels, err := d.kernels(); err == nil {
				for _, k := range kernels {
					d.watchStorage(w, k)
				}
			}
			if _, err := d.Scan(ctx); err != nil {
				d.logger.Warn("rescan failed", "error", err)
			}
			return
		}
	}

	for _, c := range changes {
		if c.Op != watch.OpCreate && c.Op != watch.OpRename {
			continue
		}
		parent := filepath.Dir(c.Path)
		name := filepath.Base(c.Path)

		if parent == d.concepts {
			if !isKernelName(name) {
				continue
			}
			// A kernel directory can be populated before its storage watch
			// exists, so scan it once after watching.
			d.watchStorage(w, name)
			d.scanKernel(ctx, name)
			continue
		}

		id, ok := instanceID(name)
		if !ok {
			continue
		}
		kernelName := filepath.Base(filepath.Dir(parent))
		if filepath.Dir(filepath.Dir(parent)) != d.concepts {
			continue
		}
		d.route(ctx, kernelName, id)
	}
}

// route routes one instance unless the journal already has it. It reports
// whether a routing pass ran.
func (d *Daemon) route(ctx context.Context, kernelName, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.journal != nil {
		done, err := d.journal.Routed(ctx, kernelName, id)
		if err != nil {
			d.logger.Warn("journal lookup failed", "kernel", kernelName, "instance", id, "error", err)
		}
		if done {
			return false
		}
	}

	out, err := d.router.Route(ctx, id, kernelName)
	if err != nil {
		d.logger.Warn("routing incomplete", "kernel", kernelName, "instance", id, "error", err)
	}
	if d.journal != nil && err == nil {
		entry := JournalEntry{
			Kernel:     kernelName,
			Instance:   id,
			ProcessURN: out.ProcessURN,
			Delivered:  out.Count(StatusDelivered) + out.Count(StatusAlreadyDelivered),
			RoutedAt:   time.Now().UTC(),
		}
		if err := d.journal.Mark(ctx, entry); err != nil {
			d.logger.Warn("journal not updated", "kernel", kernelName, "instance", id, "error", err)
		}
	}
	return true
}

func (d *Daemon) watchStorage(w *watch.Watcher, kernelName string) {
	dir := d.router.evidence.StorageDir(kernelName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		d.logger.Warn("storage directory unavailable", "kernel", kernelName, "error", err)
		return
	}
	if err := w.Add(dir); err != nil {
		d.logger.Warn("storage not watched", "kernel", kernelName, "error", err)
	}
}

func (d *Daemon) kernels() ([]string, error) {
	entries, err := os.ReadDir(d.concepts)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && isKernelName(e.Name()) {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

func isKernelName(name string) bool {
	return !strings.HasPrefix(name, ".") && urn.ValidName(name)
}

func instanceID(name string) (string, bool) {
	if fsutil.IsTempName(name) || !strings.HasSuffix(name, evidence.InstanceSuffix) {
		return "", false
	}
	id := strings.TrimSuffix(name, evidence.InstanceSuffix)
	return id, id != ""
}
