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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/ConceptKernel/pkg/logging"
)

// JournalConfig configures the router journal.
type JournalConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps the journal in RAM. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// GCInterval is how often value log GC runs. 0 disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage ratio that triggers a rewrite.
	GCDiscardRatio float64

	Logger *slog.Logger
}

// DefaultJournalConfig returns durable settings for path.
func DefaultJournalConfig(path string) JournalConfig {
	return JournalConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// JournalEntry records one routed instance.
type JournalEntry struct {
	Kernel     string    `json:"kernel"`
	Instance   string    `json:"instance"`
	ProcessURN string    `json:"processUrn,omitempty"`
	Delivered  int       `json:"delivered"`
	Failed     int       `json:"failed"`
	RoutedAt   time.Time `json:"routedAt"`
}

// Journal remembers which instances the router daemon has routed, so a
// restart does not re-route or re-log finished work.
//
// # Description
//
// Keys are "routed/<kernel>/<instance>". Only instances whose routing pass
// had no failures are marked, so failed deliveries are retried on the next
// scan.
//
// # Thread Safety
//
// Safe for concurrent use.
type Journal struct {
	db     *badger.DB
	logger *slog.Logger

	stopGC   chan struct{}
	gcDone   chan struct{}
	stopOnce sync.Once
}

// badgerLogger adapts slog to badger's logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// OpenJournal opens or creates the journal.
func OpenJournal(cfg JournalConfig) (*Journal, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("journal path is required")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create journal directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	j := &Journal{db: db, logger: logging.OrDiscard(cfg.Logger)}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		j.stopGC = make(chan struct{})
		j.gcDone = make(chan struct{})
		go j.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return j, nil
}

// Close stops GC and closes the database.
func (j *Journal) Close() error {
	j.stopOnce.Do(func() {
		if j.stopGC != nil {
			close(j.stopGC)
			<-j.gcDone
		}
	})
	return j.db.Close()
}

// Routed reports whether instance of kernel is marked as routed.
func (j *Journal) Routed(ctx context.Context, kernelName, instance string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err := j.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(journalKey(kernelName, instance))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("journal lookup: %w", err)
	}
	return true, nil
}

// Mark records e as routed.
func (j *Journal) Mark(ctx context.Context, e JournalEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode journal entry: %w", err)
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(journalKey(e.Kernel, e.Instance), data)
	})
}

// Entries returns the journal entries of kernel, or of every kernel when
// kernel is empty, in key order.
func (j *Journal) Entries(ctx context.Context, kernelName string) ([]JournalEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := []byte("routed/")
	if kernelName != "" {
		prefix = []byte("routed/" + kernelName + "/")
	}
	var out []JournalEntry
	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 64})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(v []byte) error {
				var e JournalEntry
				if err := json.Unmarshal(v, &e); err != nil {
					return err
				}
				out = append(out, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("journal scan: %w", err)
	}
	return out, nil
}

// Forget removes the mark for one instance so the next scan routes it
// again.
func (j *Journal) Forget(ctx context.Context, kernelName, instance string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(journalKey(kernelName, instance))
	})
}

func (j *Journal) runGC(interval time.Duration, ratio float64) {
	defer close(j.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-j.stopGC:
			return
		case <-ticker.C:
			err := j.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				j.logger.Warn("journal value log GC", "error", err)
			}
		}
	}
}

func journalKey(kernelName, instance string) []byte {
	return []byte("routed/" + kernelName + "/" + instance)
}
