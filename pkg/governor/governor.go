// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package governor runs the supervising loop of one kernel.
//
// A governor watches its kernel's queue/inbox and queue/edges. For cold
// kernels every batch of new inbox entries wakes the tool once through the
// kernel manager; when the tool exits cleanly the entries it was woken for
// are moved to queue/archive. Hot kernels consume their inbox themselves, so
// their governor only keeps the inbox gauge current.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/ConceptKernel/pkg/ckerrors"
	"github.com/AleutianAI/ConceptKernel/pkg/fsutil"
	"github.com/AleutianAI/ConceptKernel/pkg/kernel"
	"github.com/AleutianAI/ConceptKernel/pkg/logging"
	"github.com/AleutianAI/ConceptKernel/pkg/urn"
	"github.com/AleutianAI/ConceptKernel/pkg/watch"
)

var (
	// wakes counts governor wake attempts.
	// Labels: kernel, result (completed, failed, busy, error)
	wakes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ckp",
		Subsystem: "governor",
		Name:      "wakes_total",
		Help:      "Tool wake-ups requested by governors",
	}, []string{"kernel", "result"})

	archived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ckp",
		Subsystem: "governor",
		Name:      "archived_total",
		Help:      "Inbox entries moved to the archive",
	}, []string{"kernel"})

	inboxDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ckp",
		Subsystem: "governor",
		Name:      "inbox_entries",
		Help:      "Entries waiting in the inbox",
	}, []string{"kernel"})
)

// Waker is the part of kernel.Manager a governor needs.
type Waker interface {
	Config(name string) (*kernel.Config, error)
	KernelDir(name string) string
	Wake(ctx context.Context, name, source string) (*kernel.Process, error)
}

// Options configures a Governor.
type Options struct {
	// Kernel is the supervised kernel's name. Required.
	Kernel string

	// Debounce is the watch debounce window.
	// Default: 100ms
	Debounce time.Duration

	// SpawnRate bounds tool wakes per second.
	// Default: 2
	SpawnRate rate.Limit

	// SpawnBurst is the limiter burst.
	// Default: 1
	SpawnBurst int

	// BusyRetry is how long to wait before retrying when a tool is
	// already running.
	// Default: 250ms
	BusyRetry time.Duration

	Logger *slog.Logger
}

// Governor supervises one kernel.
//
// # Thread Safety
//
// Run must be called once. Drain is not safe to call concurrently with Run.
type Governor struct {
	waker   Waker
	name    string
	opts    Options
	limiter *rate.Limiter
	logger  *slog.Logger

	inbox   string
	archive string
	edges   string
}

// New creates a governor for opts.Kernel.
//
// # Outputs
//
//   - error: NotFound if the kernel has no definition.
func New(w Waker, opts Options) (*Governor, error) {
	if w == nil {
		return nil, errors.New("governor: waker is required")
	}
	if _, err := w.Config(opts.Kernel); err != nil {
		return nil, err
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 100 * time.Millisecond
	}
	if opts.SpawnRate <= 0 {
		opts.SpawnRate = 2
	}
	if opts.SpawnBurst <= 0 {
		opts.SpawnBurst = 1
	}
	if opts.BusyRetry <= 0 {
		opts.BusyRetry = 250 * time.Millisecond
	}

	dir := w.KernelDir(opts.Kernel)
	stage := func(s string) string {
		rel, _ := urn.StagePath(s)
		return filepath.Join(dir, rel)
	}
	return &Governor{
		waker:   w,
		name:    opts.Kernel,
		opts:    opts,
		limiter: rate.NewLimiter(opts.SpawnRate, opts.SpawnBurst),
		logger:  logging.OrDiscard(opts.Logger).With("component", "governor", "kernel", opts.Kernel),
		inbox:   stage("inbox"),
		archive: stage("archive"),
		edges:   stage("edges"),
	}, nil
}

// Run watches the queues until ctx is cancelled. It returns nil on
// cancellation.
func (g *Governor) Run(ctx context.Context) error {
	for _, d := range []string{g.inbox, g.archive, g.edges} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("prepare queue %s: %w", d, err)
		}
	}

	kick := make(chan struct{}, 1)
	signal := func() {
		select {
		case kick <- struct{}{}:
		default:
		}
	}
	notify := func(context.Context, []watch.Change) { signal() }
	wopts := watch.DefaultOptions()
	wopts.Debounce, wopts.Logger = g.opts.Debounce, g.logger
	w, err := watch.New(notify, wopts, g.inbox, g.edges)
	if err != nil {
		return err
	}
	defer w.Stop()
	if err := w.Start(ctx); err != nil {
		return err
	}
	g.logger.Info("governor started", "inbox", g.inbox)

	// Entries that arrived while no governor was running.
	signal()
	for {
		select {
		case <-ctx.Done():
			g.logger.Info("governor stopping")
			return nil
		case <-kick:
			if err := g.Drain(ctx); err != nil && ctx.Err() == nil {
				g.logger.Warn("inbox not drained", "error", err)
			}
		}
	}
}

// Drain wakes the tool until the inbox is empty or a wake fails.
//
// # Description
//
// Each wake passes the oldest pending entry as the wake source. Entries
// are archived only after the tool exits cleanly; after a failed run they
// stay in the inbox and are retried on the next change.
func (g *Governor) Drain(ctx context.Context) error {
	cfg, err := g.waker.Config(g.name)
	if err != nil {
		return err
	}
	for {
		pending, err := g.Pending()
		if err != nil {
			return err
		}
		inboxDepth.WithLabelValues(g.name).Set(float64(len(pending)))
		if len(pending) == 0 || cfg.Mode() == kernel.ModeHot {
			return nil
		}

		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		proc, err := g.waker.Wake(ctx, g.name, pending[0])
		if errors.Is(err, ckerrors.ErrAlreadyRunning) {
			wakes.WithLabelValues(g.name, "busy").Inc()
			if err := sleep(ctx, g.opts.BusyRetry); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			wakes.WithLabelValues(g.name, "error").Inc()
			return err
		}

		g.logger.Debug("tool woken", "pid", proc.PID, "pending", len(pending))
		if err := proc.Wait(ctx); err != nil {
			wakes.WithLabelValues(g.name, "failed").Inc()
			return ckerrors.Wrap(ckerrors.KindProcessError, "governor.wake", g.name, err)
		}
		wakes.WithLabelValues(g.name, "completed").Inc()

		n, err := g.archiveEntries(pending)
		archived.WithLabelValues(g.name).Add(float64(n))
		if err != nil {
			return err
		}
		g.logger.Info("inbox entries processed", "archived", n)
	}
}

// Pending returns the inbox entry names, oldest first.
func (g *Governor) Pending() ([]string, error) {
	entries, err := os.ReadDir(g.inbox)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read inbox: %w", err)
	}

	type entry struct {
		name string
		mod  time.Time
	}
	var list []entry
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || fsutil.IsTempName(name) {
			continue
		}
		var mod time.Time
		if info, err := os.Lstat(filepath.Join(g.inbox, name)); err == nil {
			mod = info.ModTime()
		}
		list = append(list, entry{name, mod})
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].mod.Equal(list[j].mod) {
			return list[i].mod.Before(list[j].mod)
		}
		return list[i].name < list[j].name
	})

	names := make([]string, len(list))
	for i, e := range list {
		names[i] = e.name
	}
	return names, nil
}

// archiveEntries moves names from the inbox to the archive. Entries the
// tool already removed are skipped.
func (g *Governor) archiveEntries(names []string) (int, error) {
	var batch ckerrors.BatchError
	n := 0
	for _, name := range names {
		err := os.Rename(filepath.Join(g.inbox, name), filepath.Join(g.archive, name))
		switch {
		case err == nil:
			n++
		case errors.Is(err, os.ErrNotExist):
		default:
			batch.Add(fmt.Errorf("archive %s: %w", name, err))
		}
	}
	return n, batch.ToError()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
