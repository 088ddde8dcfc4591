// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch delivers debounced batches of filesystem changes under a set
// of directories. The governor watches a kernel's queues with it and the
// router daemon watches kernel storage directories.
package watch

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/ConceptKernel/pkg/fsutil"
	"github.com/AleutianAI/ConceptKernel/pkg/logging"
)

// Change is one filesystem event.
type Change struct {
	// Path is the absolute path of the changed entry.
	Path string

	// Op is the kind of change.
	Op Op

	// Time is when the change was observed.
	Time time.Time
}

// Op is the kind of a Change.
type Op int

const (
	OpCreate Op = iota
	OpWrite
	OpRemove
	OpRename

	// OpOverflow means events were dropped. Consumers should rescan the
	// watched directories instead of trusting the batch.
	OpOverflow
)

// String returns the lowercase op name.
func (op Op) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	case OpRename:
		return "rename"
	case OpOverflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// Handler receives each debounced batch. It runs on a single goroutine, so
// batches never overlap.
type Handler func(ctx context.Context, changes []Change)

// Options configures a Watcher.
type Options struct {
	// Debounce is how long the watcher waits for quiet before flushing.
	// Default: 100ms
	Debounce time.Duration

	// Ignore holds base-name glob patterns to skip. Temporary names from
	// fsutil are always skipped.
	Ignore []string

	// BufferSize bounds the pending change channel.
	// Default: 1024
	BufferSize int

	Logger *slog.Logger
}

// DefaultOptions returns the defaults.
func DefaultOptions() Options {
	return Options{
		Debounce:   100 * time.Millisecond,
		Ignore:     []string{"*.swp", "*.lock", ".gitkeep"},
		BufferSize: 1024,
	}
}

// Watcher batches fsnotify events with a debounce window.
//
// # Description
//
// Raw events go into a buffered channel. A second goroutine collects them
// until the debounce window passes without a new event, deduplicates by
// path (the newest op wins) and calls the handler. If the buffer fills,
// events are dropped and the next batch carries an OpOverflow change.
//
// # Thread Safety
//
// Add, Remove and Stop are safe for concurrent use.
type Watcher struct {
	fsw     *fsnotify.Watcher
	handler Handler
	opts    Options
	logger  *slog.Logger

	changes  chan Change
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.Mutex
	watching bool
	overflow bool
}

// New creates a Watcher over dirs. Nothing is delivered until Start.
//
// # Example
//
//	w, err := watch.New(func(ctx context.Context, cs []watch.Change) {
//	    wakeKernel(ctx)
//	}, watch.DefaultOptions(), inboxDir, edgesDir)
//	if err != nil {
//	    return err
//	}
//	defer w.Stop()
//	return w.Start(ctx)
func New(handler Handler, opts Options, dirs ...string) (*Watcher, error) {
	defaults := DefaultOptions()
	if opts.Debounce <= 0 {
		opts.Debounce = defaults.Debounce
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaults.BufferSize
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fsw:     fsw,
		handler: handler,
		opts:    opts,
		logger:  logging.OrDiscard(opts.Logger),
		changes: make(chan Change, opts.BufferSize),
		done:    make(chan struct{}),
	}
	for _, d := range dirs {
		if err := w.Add(d); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	return w, nil
}

// Start launches the event and debounce goroutines. Calling Start twice is
// a no-op.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watching {
		return nil
	}
	select {
	case <-w.done:
		return errors.New("watcher stopped")
	default:
	}
	w.watching = true

	w.wg.Add(2)
	go w.processEvents(ctx)
	go w.debounceLoop(ctx)
	return nil
}

// Stop ends watching and waits for the goroutines to exit. A pending batch
// is flushed first.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.fsw.Close()
		w.wg.Wait()

		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

// Add watches dir. Subdirectories are not followed.
func (w *Watcher) Add(dir string) error {
	return w.fsw.Add(dir)
}

func (w *Watcher) ignored(path string) bool {
	base := filepath.Base(path)
	if fsutil.IsTempName(base) {
		return true
	}
	for _, pattern := range w.opts.Ignore {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if w.ignored(event.Name) {
				continue
			}
			change := Change{Path: event.Name, Op: convertOp(event.Op), Time: time.Now()}
			select {
			case w.changes <- change:
			default:
				w.mu.Lock()
				w.overflow = true
				w.mu.Unlock()
				w.logger.Warn("watch buffer full, dropping event", "path", event.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.mu.Lock()
				w.overflow = true
				w.mu.Unlock()
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func convertOp(op fsnotify.Op) Op {
	switch {
	case op.Has(fsnotify.Create):
		return OpCreate
	case op.Has(fsnotify.Write):
		return OpWrite
	case op.Has(fsnotify.Remove):
		return OpRemove
	case op.Has(fsnotify.Rename):
		return OpRename
	default:
		return OpWrite
	}
}

func (w *Watcher) debounceLoop(ctx context.Context) {
	defer w.wg.Done()
	var batch []Change
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		w.mu.Lock()
		overflow := w.overflow
		w.overflow = false
		w.mu.Unlock()
		if overflow {
			batch = append(batch, Change{Op: OpOverflow, Time: time.Now()})
		}
		if len(batch) > 0 && w.handler != nil {
			w.handler(ctx, dedupe(batch))
		}
		batch = batch[:0]
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			flush()
			return
		case change := <-w.changes:
			batch = append(batch, change)
			if timer == nil {
				timer = time.NewTimer(w.opts.Debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.opts.Debounce)
			}
		case <-timerC:
			flush()
		}
	}
}

// dedupe keeps the newest change per path, in first-seen order.
func dedupe(changes []Change) []Change {
	seen := make(map[string]int, len(changes))
	out := make([]Change, 0, len(changes))
	for _, c := range changes {
		if i, ok := seen[c.Path]; ok {
			out[i] = c
			continue
		}
		seen[c.Path] = len(out)
		out = append(out, c)
	}
	return out
}
