// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package kernel

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// SpawnSpec describes a process to launch.
type SpawnSpec struct {
	// Path is the executable, resolved through PATH when not absolute.
	Path string

	// Args are the arguments after the executable.
	Args []string

	// Dir is the working directory.
	Dir string

	// Env is appended to the current environment.
	Env []string

	// LogFile receives stdout and stderr in append mode. Empty discards output.
	LogFile string
}

// Process is a handle on a spawned child.
type Process struct {
	PID int

	done chan struct{}
	err  error
}

// NewProcess returns a handle whose completion is signalled by calling the
// returned finish function. Used by Spawner implementations.
func NewProcess(pid int) (*Process, func(error)) {
	p := &Process{PID: pid, done: make(chan struct{})}
	var once sync.Once
	return p, func(err error) {
		once.Do(func() {
			p.err = err
			close(p.done)
		})
	}
}

// Done is closed when the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits or ctx is done.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Spawner launches kernel processes.
//
// All process creation in the Kernel Manager goes through this interface so
// lifecycle logic can be tested without real tools.
type Spawner interface {
	Spawn(ctx context.Context, spec SpawnSpec) (*Process, error)
}

// Signaller delivers signals to processes by pid.
type Signaller interface {
	Signal(pid int, sig syscall.Signal) error
}

// =============================================================================
// Default implementations
// =============================================================================

// DefaultSpawner starts detached children in their own session.
//
// # Description
//
// Children survive the exit of the spawning CLI. While the spawner's process
// lives, a goroutine reaps each child so a dead tool never lingers as a
// zombie that still answers to its pid.
type DefaultSpawner struct{}

// NewDefaultSpawner returns the OS spawner.
func NewDefaultSpawner() *DefaultSpawner {
	return &DefaultSpawner{}
}

// Spawn implements Spawner.
func (s *DefaultSpawner) Spawn(ctx context.Context, spec SpawnSpec) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Not CommandContext: the child must outlive ctx.
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	var logFile *os.File
	if spec.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(spec.LogFile), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(spec.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, fmt.Errorf("failed to start %s: %w", spec.Path, err)
	}

	proc, finish := NewProcess(cmd.Process.Pid)
	go func() {
		err := cmd.Wait()
		if logFile != nil {
			logFile.Close()
		}
		finish(err)
	}()
	return proc, nil
}

// UnixSignaller sends signals with kill(2).
type UnixSignaller struct{}

// Signal implements Signaller.
func (UnixSignaller) Signal(pid int, sig syscall.Signal) error {
	return unix.Kill(pid, sig)
}

// =============================================================================
// Mock implementation
// =============================================================================

// MockSpawner records spawn calls and delegates to SpawnFunc.
type MockSpawner struct {
	SpawnFunc func(ctx context.Context, spec SpawnSpec) (*Process, error)

	Calls []SpawnSpec

	mu sync.Mutex
}

// Spawn implements Spawner.
func (m *MockSpawner) Spawn(ctx context.Context, spec SpawnSpec) (*Process, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, spec)
	fn := m.SpawnFunc
	m.mu.Unlock()
	if fn == nil {
		panic("MockSpawner.SpawnFunc not set")
	}
	return fn(ctx, spec)
}

// GetCalls returns a copy of recorded calls.
func (m *MockSpawner) GetCalls() []SpawnSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SpawnSpec, len(m.Calls))
	copy(out, m.Calls)
	return out
}

// Reset clears recorded calls.
func (m *MockSpawner) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}

var (
	_ Spawner   = (*DefaultSpawner)(nil)
	_ Spawner   = (*MockSpawner)(nil)
	_ Signaller = UnixSignaller{}
)
