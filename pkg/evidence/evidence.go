// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package evidence is the per-kernel, append-only record of produced
// instances.
//
// # Overview
//
// Every unit of output a kernel produces is an instance directory
//
//	concepts/<Kernel>/storage/<id>.inst/receipt.json
//
// with id "tx_<unixms>_<hash8>". Instance directories are published whole:
// they are filled under a temporary name and renamed into storage/, so the
// edge router never observes a half-written instance. Each write also
// appends a line to the kernel's tx.jsonl log.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sys/unix"

	"github.com/AleutianAI/ConceptKernel/pkg/ckerrors"
	"github.com/AleutianAI/ConceptKernel/pkg/drivers"
	"github.com/AleutianAI/ConceptKernel/pkg/fsutil"
	"github.com/AleutianAI/ConceptKernel/pkg/kernel"
	"github.com/AleutianAI/ConceptKernel/pkg/logging"
	"github.com/AleutianAI/ConceptKernel/pkg/urn"
)

const (
	// InstanceSuffix marks instance directories in storage/.
	InstanceSuffix = ".inst"

	// ReceiptFile is the receipt inside an instance directory.
	ReceiptFile = "receipt.json"
)

var instancesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ckp",
	Subsystem: "evidence",
	Name:      "instances_written_total",
	Help:      "Instances written per kernel",
}, []string{"kernel"})

// Receipt is the persisted record of one instance.
type Receipt struct {
	ID        string          `json:"id"`
	Kernel    string          `json:"kernel"`
	Timestamp time.Time       `json:"timestamp"`
	Action    string          `json:"action,omitempty"`
	Success   *bool           `json:"success,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Payload is what a producer hands to WriteInstance.
type Payload struct {
	Action  string
	Success *bool
	Data    any
}

// InstanceSummary is one row of ListInstances.
type InstanceSummary struct {
	ID        string    `json:"id"`
	Kernel    string    `json:"kernel"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action,omitempty"`
	Success   *bool     `json:"success,omitempty"`
}

// InstanceDetail is the full view returned by DescribeInstance.
type InstanceDetail struct {
	Receipt
	URN   string   `json:"urn"`
	Path  string   `json:"path"`
	Files []string `json:"files"`
}

// TxEntry is one line of a kernel's tx.jsonl.
type TxEntry struct {
	TxID      string         `json:"txId"`
	Timestamp time.Time      `json:"timestamp"`
	Kernel    string         `json:"kernel"`
	Event     string         `json:"event"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Store reads and writes instances of every kernel in one project.
//
// # Thread Safety
//
// Safe for concurrent use. Instance ids are unique per write, and tx.jsonl
// appends are serialized with an exclusive flock.
type Store struct {
	resolver *urn.Resolver
	drivers  *drivers.Set
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithDrivers replaces the default local driver set.
func WithDrivers(s *drivers.Set) Option {
	return func(st *Store) { st.drivers = s }
}

// WithClock sets the time source used for ids and timestamps.
func WithClock(now func() time.Time) Option {
	return func(st *Store) { st.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(st *Store) { st.logger = l }
}

// NewStore returns a Store for the project at root.
func NewStore(root string, opts ...Option) *Store {
	s := &Store{resolver: urn.NewResolver(root), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.drivers == nil {
		s.drivers = drivers.NewSet(s.resolver.Root(), nil)
	}
	s.logger = logging.OrDiscard(s.logger)
	return s
}

// NewInstanceID mints "tx_<unixms>_<hash8>" for kernel at now.
func NewInstanceID(kernel string, now time.Time) string {
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	sum := sha256.Sum256([]byte(kernel + "|" + ts + "|" + uuid.NewString()))
	return "tx_" + ts + "_" + hex.EncodeToString(sum[:4])
}

// StorageDir returns the storage directory of kernel.
func (s *Store) StorageDir(kernel string) string {
	rel, _ := urn.StagePath("storage")
	return filepath.Join(s.resolver.KernelDir(kernel), rel)
}

// InstanceDir returns the directory of instance id of kernel.
func (s *Store) InstanceDir(kernel, id string) string {
	return filepath.Join(s.StorageDir(kernel), id+InstanceSuffix)
}

// WriteInstance records a new instance for kernel and returns its id.
//
// # Description
//
// The receipt is written through the storage driver into a temporary
// directory that is then renamed into storage/. A tx.jsonl line with event
// "instance.written" follows. If the log append fails the instance stays
// published and the error is returned.
//
// # Outputs
//
//   - string: The new instance id.
//   - error: NotFound if the kernel does not exist, InvalidFormat if the
//     payload data cannot be encoded.
func (s *Store) WriteInstance(ctx context.Context, kernel string, p Payload) (string, error) {
	if err := s.requireKernel("evidence.write", kernel); err != nil {
		return "", err
	}
	now := s.now()
	id := NewInstanceID(kernel, now)

	rec := Receipt{ID: id, Kernel: kernel, Timestamp: now.UTC(), Action: p.Action, Success: p.Success}
	if p.Data != nil {
		data, err := json.Marshal(p.Data)
		if err != nil {
			return "", ckerrors.Wrap(ckerrors.KindInvalidFormat, "evidence.write", kernel, err)
		}
		rec.Data = data
	}
	body, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", ckerrors.Wrap(ckerrors.KindInvalidFormat, "evidence.write", kernel, err)
	}

	dir := s.InstanceDir(kernel, id)
	err = fsutil.PublishDir(dir, func(tmp string) error {
		return s.drivers.Write(ctx, drivers.Local(filepath.Join(tmp, ReceiptFile)), append(body, '\n'))
	})
	if errors.Is(err, os.ErrExist) {
		return "", ckerrors.Wrap(ckerrors.KindAlreadyExists, "evidence.write", id, err)
	}
	if err != nil {
		return "", fmt.Errorf("publish instance %s: %w", id, err)
	}
	instancesWritten.WithLabelValues(kernel).Inc()
	s.logger.Debug("instance written", "kernel", kernel, "id", id)

	err = s.AppendTx(kernel, TxEntry{TxID: id, Event: "instance.written", Metadata: map[string]any{"action": p.Action}})
	return id, err
}

// ListInstances returns kernel's instances in case-insensitive lexical
// order by id.
//
// # Inputs
//
//   - limit: Maximum rows. 0 means unbounded.
//
// # Limitations
//
// Instance directories whose receipt is missing or not valid JSON are
// skipped with a debug log, never reported as errors.
func (s *Store) ListInstances(ctx context.Context, kernel string, limit int) ([]InstanceSummary, error) {
	if err := s.requireKernel("evidence.list", kernel); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.StorageDir(kernel))
	if errors.Is(err, os.ErrNotExist) {
		return []InstanceSummary{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list storage of %s: %w", kernel, err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if fsutil.IsTempName(name) || !strings.HasSuffix(name, InstanceSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, InstanceSuffix))
	}
	SortIDs(ids)

	out := make([]InstanceSummary, 0, len(ids))
	for _, id := range ids {
		if limit > 0 && len(out) >= limit {
			break
		}
		rec, err := s.readReceipt(ctx, kernel, id)
		if err != nil {
			s.logger.Debug("skipping unreadable instance", "kernel", kernel, "id", id, "error", err)
			continue
		}
		out = append(out, InstanceSummary{
			ID:        id,
			Kernel:    kernel,
			Timestamp: rec.Timestamp,
			Action:    rec.Action,
			Success:   rec.Success,
		})
	}
	return out, nil
}

// CheckInstanceRef rejects kernel names and instance ids that could not
// have been produced by WriteInstance. An id is a single path element, so
// "a/../id" or ".." never reach the filesystem.
func CheckInstanceRef(op, kernelName, id string) error {
	if !urn.ValidName(kernelName) {
		return ckerrors.New(ckerrors.KindInvalidFormat, op, kernelName).
			WithState("kernel name", kernelName)
	}
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return ckerrors.New(ckerrors.KindInvalidFormat, op, id).
			WithState("instance id", id)
	}
	return nil
}

// DescribeInstance returns the receipt and file listing of one instance.
//
// # Outputs
//
//   - error: NotFound if the instance does not exist, InvalidFormat if its
//     receipt cannot be parsed.
func (s *Store) DescribeInstance(ctx context.Context, kernelName, id string) (InstanceDetail, error) {
	if err := CheckInstanceRef("evidence.describe", kernelName, id); err != nil {
		return InstanceDetail{}, err
	}
	dir := s.InstanceDir(kernelName, id)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return InstanceDetail{}, ckerrors.New(ckerrors.KindNotFound, "evidence.describe", kernelName+"/"+id).
			WithState("instance", "absent")
	}
	rec, err := s.readReceipt(ctx, kernelName, id)
	if err != nil {
		return InstanceDetail{}, err
	}

	var files []string
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			rel, _ := filepath.Rel(dir, path)
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return InstanceDetail{}, fmt.Errorf("walk instance %s: %w", id, err)
	}
	sort.Strings(files)

	rec.ID = id
	detail := InstanceDetail{Receipt: *rec, Path: dir, Files: files}
	if cfg, err := kernel.LoadConfig(s.resolver.KernelDir(kernelName)); err == nil {
		if k, err := urn.ParseKernel(cfg.Metadata.Name); err == nil {
			k.Stage, k.Path = "storage", id+InstanceSuffix
			detail.URN = k.String()
		}
	}
	return detail, nil
}

// AppendTx appends entry as one JSON line to kernel's tx.jsonl under an
// exclusive flock. Empty Kernel and zero Timestamp are filled in.
func (s *Store) AppendTx(kernel string, entry TxEntry) error {
	if entry.Kernel == "" {
		entry.Kernel = kernel
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now().UTC()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return ckerrors.Wrap(ckerrors.KindInvalidFormat, "evidence.tx", kernel, err)
	}

	rel, _ := urn.StagePath("tx")
	path := filepath.Join(s.resolver.KernelDir(kernel), rel)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open tx log of %s: %w", kernel, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("lock tx log of %s: %w", kernel, err)
	}
	defer func() { _ = unix.Flock(int(f.Fd()), unix.LOCK_UN) }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append tx log of %s: %w", kernel, err)
	}
	return nil
}

// ReadTx returns the entries of kernel's tx.jsonl in append order.
// Malformed lines are skipped.
func (s *Store) ReadTx(kernel string) ([]TxEntry, error) {
	rel, _ := urn.StagePath("tx")
	data, err := os.ReadFile(filepath.Join(s.resolver.KernelDir(kernel), rel))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tx log of %s: %w", kernel, err)
	}
	var out []TxEntry
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var e TxEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// SortIDs orders instance ids case-insensitively, breaking ties by the
// exact bytes so the order is total.
func SortIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := strings.ToLower(ids[i]), strings.ToLower(ids[j])
		if a != b {
			return a < b
		}
		return ids[i] < ids[j]
	})
}

func (s *Store) readReceipt(ctx context.Context, kernel, id string) (*Receipt, error) {
	path := filepath.Join(s.InstanceDir(kernel, id), ReceiptFile)
	data, err := s.drivers.Read(ctx, drivers.Local(path))
	if err != nil {
		return nil, err
	}
	var rec Receipt
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, ckerrors.Wrap(ckerrors.KindInvalidFormat, "evidence.receipt", path, err)
	}
	return &rec, nil
}

func (s *Store) requireKernel(op, kernel string) error {
	if !urn.ValidName(kernel) {
		return ckerrors.New(ckerrors.KindInvalidFormat, op, kernel).WithState("kernel name", kernel)
	}
	if info, err := os.Stat(s.resolver.KernelDir(kernel)); err != nil || !info.IsDir() {
		return ckerrors.New(ckerrors.KindNotFound, op, kernel).WithState("kernel directory", "missing")
	}
	return nil
}
