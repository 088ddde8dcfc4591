// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fsutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultLockPoll is how often AcquireContext retries a held lock.
const DefaultLockPoll = 25 * time.Millisecond

// ErrLockHeld is returned when the lock is held by another process.
type ErrLockHeld struct {
	HolderPID int
	LockPath  string
}

// Error implements the error interface.
func (e *ErrLockHeld) Error() string {
	if e.HolderPID > 0 {
		return fmt.Sprintf("lock %s is held by PID %d", e.LockPath, e.HolderPID)
	}
	return fmt.Sprintf("lock %s is held by another process (check: lsof %s)", e.LockPath, e.LockPath)
}

// Locker is an inter-process exclusive lock.
//
// # Thread Safety
//
// Implementations synchronize processes, not goroutines. Use one Locker
// per goroutine.
type Locker interface {
	// Acquire takes the lock without blocking.
	// Returns *ErrLockHeld if another process holds it.
	Acquire() error

	// AcquireContext retries Acquire until it succeeds or ctx is done.
	AcquireContext(ctx context.Context) error

	// Release releases the lock. Safe to call multiple times.
	Release() error

	// IsHeld returns true if this instance currently holds the lock.
	IsHeld() bool
}

// FileLock implements Locker with flock(2) on a lock file.
//
// # Description
//
// The lock file carries the holder's PID for diagnostics. It is never
// removed on release: another process may already have the same inode open
// and be waiting on it, and unlinking would let a third process lock a new
// inode concurrently.
//
// # Limitations
//
//   - Advisory lock only.
//   - NFS and some network filesystems do not honour flock.
//   - The OS drops the lock if the holder crashes.
type FileLock struct {
	path string
	file *os.File
}

// NewFileLock creates a lock at path. The lock is not acquired.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// Path returns the lock file path.
func (l *FileLock) Path() string {
	return l.path
}

// Acquire attempts a non-blocking exclusive lock.
//
// # Outputs
//
//   - error: *ErrLockHeld if another process holds the lock, a wrapped
//     error if the file cannot be created or locked, nil on success.
func (l *FileLock) Acquire() error {
	if l.file != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file %s: %w", l.path, err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return &ErrLockHeld{HolderPID: l.HolderPID(), LockPath: l.path}
		}
		return fmt.Errorf("flock %s: %w", l.path, err)
	}

	// Holder PID is diagnostic only; failures here leave the lock valid.
	if err := file.Truncate(0); err == nil {
		_, _ = file.WriteAt([]byte(fmt.Sprintf("pid=%d\n", os.Getpid())), 0)
	}

	l.file = file
	return nil
}

// AcquireContext blocks until the lock is acquired or ctx is done.
//
// # Description
//
// Polls Acquire every DefaultLockPoll. Returns the last *ErrLockHeld
// wrapped with the context error when ctx expires, so callers can report
// who held the lock.
func (l *FileLock) AcquireContext(ctx context.Context) error {
	ticker := time.NewTicker(DefaultLockPoll)
	defer ticker.Stop()

	for {
		err := l.Acquire()
		var held *ErrLockHeld
		if err == nil || !errors.As(err, &held) {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ctx.Err(), held)
		case <-ticker.C:
		}
	}
}

// Release releases the flock and closes the file.
func (l *FileLock) Release() error {
	if l.file == nil {
		return nil
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}

// IsHeld returns true if this instance holds the lock.
func (l *FileLock) IsHeld() bool {
	return l.file != nil
}

// HolderPID reads the PID recorded in the lock file, or 0 if unknown.
func (l *FileLock) HolderPID() int {
	content, err := os.ReadFile(l.path)
	if err != nil {
		return 0
	}
	var pid int
	if _, err := fmt.Sscanf(string(content), "pid=%d", &pid); err != nil {
		return 0
	}
	return pid
}

// WithLock runs fn while holding an exclusive lock on path.
//
// # Description
//
// Blocks until the lock is acquired or ctx is done. The lock is released
// when fn returns, including on panic.
func WithLock(ctx context.Context, path string, fn func() error) error {
	lock := NewFileLock(path)
	if err := lock.AcquireContext(ctx); err != nil {
		return err
	}
	defer lock.Release()
	return fn()
}

var _ Locker = (*FileLock)(nil)
