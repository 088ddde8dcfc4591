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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/AleutianAI/ConceptKernel/pkg/ckerrors"
	"github.com/AleutianAI/ConceptKernel/pkg/fsutil"
	"github.com/AleutianAI/ConceptKernel/pkg/logging"
	"github.com/AleutianAI/ConceptKernel/pkg/ports"
	"github.com/AleutianAI/ConceptKernel/pkg/proctrack"
	"github.com/AleutianAI/ConceptKernel/pkg/urn"
)

var tracer = otel.Tracer("ckp.kernel")

// livenessPoll is the interval between liveness checks while waiting for a
// process to exit.
const livenessPoll = 20 * time.Millisecond

// RunMode is the observed activity of a kernel.
type RunMode string

const (
	RunModeOnline     RunMode = "ONLINE"
	RunModeDown       RunMode = "DOWN"
	RunModeProcessing RunMode = "PROCESSING"
	RunModeIdle       RunMode = "IDLE"
)

// LifecycleConfig bounds every wait in Start and Stop.
type LifecycleConfig struct {
	// StopGrace is how long a process gets to exit after SIGTERM.
	StopGrace time.Duration

	// KillWait is how long to wait for death after SIGKILL.
	KillWait time.Duration

	// SpawnConfirm is how long a new resident process must survive before
	// Start reports it running.
	SpawnConfirm time.Duration
}

// DefaultLifecycleConfig returns production timeouts.
func DefaultLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{
		StopGrace:    5 * time.Second,
		KillWait:     2 * time.Second,
		SpawnConfirm: 150 * time.Millisecond,
	}
}

// Options configures a Manager. Only Root is required.
type Options struct {
	// Root is the project directory holding concepts/.
	Root string

	// PortRange is the project's range from the registry. Hot kernels cannot
	// start without one.
	PortRange ports.Range

	Lifecycle LifecycleConfig

	Spawner    Spawner
	Signaller  Signaller
	Inspector  proctrack.Inspector
	Occurrents *proctrack.Store

	// GovernorCommand launches a governor; "--kernel <name> --project <root>"
	// is appended. Defaults to this executable's "daemon governor".
	GovernorCommand []string

	Logger *slog.Logger
}

// StartResult describes a Start call.
type StartResult struct {
	Kernel         string                   `json:"kernel"`
	Mode           Mode                     `json:"mode"`
	Port           uint16                   `json:"port,omitempty"`
	Tool           *proctrack.ProcessRecord `json:"tool,omitempty"`
	Governor       *proctrack.ProcessRecord `json:"governor,omitempty"`
	AlreadyRunning bool                     `json:"alreadyRunning,omitempty"`
	Process        string                   `json:"process,omitempty"`
}

// StopResult describes a Stop call.
type StopResult struct {
	Kernel       string                    `json:"kernel"`
	Stopped      []proctrack.ProcessRecord `json:"stopped,omitempty"`
	Forced       bool                      `json:"forced"`
	StaleRemoved []string                  `json:"staleRemoved,omitempty"`
}

// KernelStatus is a point-in-time view of one kernel, re-verified against
// the operating system on every call.
type KernelStatus struct {
	Name     string                   `json:"name"`
	URN      string                   `json:"urn"`
	Type     string                   `json:"type"`
	State    State                    `json:"state"`
	Mode     RunMode                  `json:"mode"`
	Tool     *proctrack.ProcessRecord `json:"tool,omitempty"`
	Governor *proctrack.ProcessRecord `json:"governor,omitempty"`
	Port     uint16                   `json:"port,omitempty"`
	Queue    QueueStats               `json:"queue"`
	Stale    []string                 `json:"stale,omitempty"`
}

// Manager owns kernel lifecycles in one project.
//
// # Description
//
// Every kernel has at most one live tool and one live governor. Liveness is
// never taken from a pid alone: state files carry the process start time
// and are re-verified on every call. Start and Stop on the same kernel are
// serialized across processes by a flock on the kernel's lifecycle lock.
//
// # Thread Safety
//
// Safe for concurrent use.
type Manager struct {
	root       string
	resolver   *urn.Resolver
	rng        ports.Range
	allocator  *ports.Allocator
	cfg        LifecycleConfig
	spawner    Spawner
	signaller  Signaller
	tracker    *proctrack.Tracker
	occurrents *proctrack.Store
	governor   []string
	machine    *StateMachine
	logger     *slog.Logger
}

// NewManager creates a Manager for opts.Root.
func NewManager(opts Options) (*Manager, error) {
	if opts.Root == "" {
		return nil, errors.New("kernel manager: root is required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}

	logger := logging.OrDiscard(opts.Logger).With("component", "kernel")
	m := &Manager{
		root:       root,
		resolver:   urn.NewResolver(root),
		rng:        opts.PortRange,
		cfg:        opts.Lifecycle,
		spawner:    opts.Spawner,
		signaller:  opts.Signaller,
		tracker:    proctrack.NewTracker(opts.Inspector),
		occurrents: opts.Occurrents,
		governor:   opts.GovernorCommand,
		machine:    NewStateMachine(),
		logger:     logger,
	}
	if m.cfg == (LifecycleConfig{}) {
		m.cfg = DefaultLifecycleConfig()
	}
	if m.spawner == nil {
		m.spawner = NewDefaultSpawner()
	}
	if m.signaller == nil {
		m.signaller = UnixSignaller{}
	}
	if m.occurrents == nil {
		m.occurrents = proctrack.NewStore(root, proctrack.WithStoreLogger(logger))
	}
	if len(m.governor) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate governor executable: %w", err)
		}
		m.governor = []string{exe, "daemon", "governor"}
	}
	if m.rng != (ports.Range{}) {
		m.allocator = ports.NewAllocator(root, m.rng, ports.WithLogger(logger))
	}
	return m, nil
}

// Root returns the project root.
func (m *Manager) Root() string {
	return m.root
}

// KernelDir returns the kernel's directory.
func (m *Manager) KernelDir(name string) string {
	return m.resolver.KernelDir(name)
}

// Config loads the kernel's definition.
func (m *Manager) Config(name string) (*Config, error) {
	if !urn.ValidName(name) {
		return nil, ckerrors.New(ckerrors.KindInvalidFormat, "kernel.config", name).
			WithState("kernel name", name)
	}
	return LoadConfig(m.KernelDir(name))
}

// Create materializes a new kernel subtree.
//
// # Inputs
//
//   - name: kernel name, e.g. "Mix.Ingredients".
//   - kernelType: "<runtime>:<hot|cold>", e.g. "python:cold".
//   - version: version token, e.g. "v0.1".
//
// # Outputs
//
//   - *Config: the written definition.
//   - error: InvalidFormat for a bad name, type or version; AlreadyExists if
//     the kernel directory exists.
func (m *Manager) Create(name, kernelType, version string) (*Config, error) {
	if _, err := urn.NewKernelURN(name, version); err != nil {
		return nil, err
	}
	if _, _, err := ParseType(kernelType); err != nil {
		return nil, err
	}
	cfg := NewConfig(name, kernelType, version)
	if err := createLayout(m.KernelDir(name), cfg); err != nil {
		return nil, err
	}
	m.logger.Info("kernel created", "kernel", name, "type", kernelType, "version", version)
	return cfg, nil
}

// List returns kernel names in the project, sorted.
func (m *Manager) List() ([]string, error) {
	return listKernels(filepath.Join(m.root, urn.ConceptsDir))
}

// Start launches the kernel's resident processes.
//
// # Description
//
// Hot kernels get a port from the project's range and a resident tool
// started with CK_PORT, CK_KERNEL and CK_PROJECT in its environment. Every
// kernel gets a governor. Cold kernels have no resident tool; their
// governor wakes the tool per unit of work. If any spawn fails, processes
// started by this call are killed and their state files removed.
//
// # Outputs
//
//   - StartResult: pids, start times and port.
//   - error: AlreadyRunning if a live record exists (the result then
//     describes the running processes), NotFound for an unknown kernel,
//     ProcessError if a process could not be started or died during
//     startup, Timeout if the lifecycle lock was not acquired in time.
func (m *Manager) Start(ctx context.Context, name string) (res StartResult, err error) {
	ctx, span := tracer.Start(ctx, "kernel.Start", trace.WithAttributes(attribute.String("kernel", name)))
	defer func() { endSpan(span, err) }()

	cfg, err := m.Config(name)
	if err != nil {
		return StartResult{}, err
	}
	mode := cfg.Mode()
	res = StartResult{Kernel: name, Mode: mode}

	unlock, err := m.lock(ctx, name, "kernel.start")
	if err != nil {
		return res, err
	}
	defer unlock()

	tool, govr, _ := m.observe(name, true)
	if govr != nil || (mode == ModeHot && tool != nil) {
		kernelStarts.WithLabelValues(string(mode), "already_running").Inc()
		res.Tool, res.Governor, res.AlreadyRunning = tool, govr, true
		return res, ckerrors.New(ckerrors.KindAlreadyRunning, "kernel.start", cfg.Metadata.Name).
			WithState(StateStopped.String(), StateRunning.String())
	}

	m.machine.Settle(name, StateStopped)
	if err := m.machine.Transition(name, StateStarting); err != nil {
		return res, err
	}

	occ := m.beginOccurrent(name, "KernelStart", map[string]any{"kernel": cfg.Metadata.Name})
	if occ != "" {
		res.Process = occ
	}

	var started []proctrack.ProcessRecord
	fail := func(cause error) (StartResult, error) {
		m.rollback(started, name)
		_ = m.machine.Transition(name, StateStopped)
		m.endOccurrent(occ, proctrack.PhaseFailed, map[string]any{"error": cause.Error()})
		kernelStarts.WithLabelValues(string(mode), "error").Inc()
		m.logger.Error("kernel start failed", "kernel", name, "error", cause)
		res.Tool, res.Governor = nil, nil
		return res, cause
	}

	if mode == ModeHot {
		if m.allocator == nil {
			return fail(ckerrors.New(ckerrors.KindProcessError, "kernel.start", name).
				WithState("project port range", "none; register the project first"))
		}
		port, err := m.allocator.Allocate(ctx, name)
		if err != nil {
			return fail(ckerrors.Wrap(ckerrors.KindProcessError, "kernel.start", name, err))
		}
		res.Port = port

		rec, err := m.launch(ctx, m.toolSpec(name, cfg, port, ""), proctrack.RoleTool, name)
		if err != nil {
			return fail(err)
		}
		started = append(started, rec)
		res.Tool = &rec
	}

	rec, err := m.launch(ctx, m.governorSpec(name), proctrack.RoleGovernor, name)
	if err != nil {
		return fail(err)
	}
	res.Governor = &rec

	if err := m.machine.Transition(name, StateRunning); err != nil {
		return res, err
	}
	m.endOccurrent(occ, proctrack.PhaseCompleted, map[string]any{"governorPid": rec.PID})
	kernelStarts.WithLabelValues(string(mode), "started").Inc()
	m.logger.Info("kernel started", "kernel", name, "mode", mode, "port", res.Port, "governor_pid", rec.PID)
	return res, nil
}

// Stop terminates the kernel's recorded processes.
//
// # Description
//
// The governor is stopped first so it cannot wake a new tool, then the
// tool. Each gets SIGTERM and StopGrace to exit, then SIGKILL (reported as
// Forced). A state file is removed only once its process is verified dead.
// State files whose process is already gone are removed and reported in
// StaleRemoved. Stopping a stopped kernel succeeds.
//
// # Outputs
//
//   - StopResult: what was stopped.
//   - error: Timeout if a process survived SIGKILL for KillWait (its state
//     file is kept), NotFound for an unknown kernel.
func (m *Manager) Stop(ctx context.Context, name string) (res StopResult, err error) {
	ctx, span := tracer.Start(ctx, "kernel.Stop", trace.WithAttributes(attribute.String("kernel", name)))
	defer func() { endSpan(span, err) }()

	if _, err := m.Config(name); err != nil {
		return StopResult{}, err
	}
	res = StopResult{Kernel: name}

	unlock, err := m.lock(ctx, name, "kernel.stop")
	if err != nil {
		return res, err
	}
	defer unlock()

	began := time.Now()
	defer func() { stopDuration.Observe(time.Since(began).Seconds()) }()

	tool, govr, stale := m.observe(name, true)
	res.StaleRemoved = stale
	if tool == nil && govr == nil {
		m.machine.Settle(name, StateStopped)
		return res, nil
	}

	m.machine.Settle(name, StateRunning)
	if err := m.machine.Transition(name, StateStopping); err != nil {
		return res, err
	}

	var batch ckerrors.BatchError
	for _, rec := range []*proctrack.ProcessRecord{govr, tool} {
		if rec == nil {
			continue
		}
		forced, err := m.terminate(ctx, *rec)
		res.Forced = res.Forced || forced
		if err != nil {
			batch.Add(err)
			continue
		}
		if err := proctrack.RemoveStateFile(m.stateFile(name, rec.Role)); err != nil {
			batch.Add(err)
		}
		res.Stopped = append(res.Stopped, *rec)
	}

	_ = m.machine.Transition(name, StateStopped)
	kernelStops.WithLabelValues(strconv.FormatBool(res.Forced)).Inc()
	m.logger.Info("kernel stopped", "kernel", name, "processes", len(res.Stopped), "forced", res.Forced)
	return res, batch.ToError()
}

// Status reports the kernel's state without changing anything.
func (m *Manager) Status(name string) (KernelStatus, error) {
	cfg, err := m.Config(name)
	if err != nil {
		return KernelStatus{}, err
	}
	tool, govr, stale := m.observe(name, false)
	mode := cfg.Mode()

	st := KernelStatus{
		Name:     name,
		URN:      cfg.Metadata.Name,
		Type:     cfg.Metadata.Type,
		Tool:     tool,
		Governor: govr,
		Queue:    queueStats(m.KernelDir(name)),
		Stale:    stale,
	}

	switch {
	case mode == ModeHot && tool != nil:
		st.Mode = RunModeOnline
	case mode == ModeHot:
		st.Mode = RunModeDown
	case govr == nil:
		st.Mode = RunModeDown
	case tool != nil:
		st.Mode = RunModeProcessing
	default:
		st.Mode = RunModeIdle
	}

	if s, ok := m.machine.InFlight(name); ok {
		st.State = s
	} else if (mode == ModeHot && tool != nil) || (mode == ModeCold && govr != nil) {
		st.State = StateRunning
	} else {
		st.State = StateStopped
	}

	if mode == ModeHot && m.allocator != nil {
		if port, ok, err := m.allocator.Get(name); err == nil && ok {
			st.Port = port
		}
	}
	return st, nil
}

// StatusAll reports every kernel in List order. Kernels are inspected
// concurrently.
func (m *Manager) StatusAll(ctx context.Context) ([]KernelStatus, error) {
	names, err := m.List()
	if err != nil {
		return nil, err
	}
	out := make([]KernelStatus, len(names))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, name := range names {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			st, err := m.Status(name)
			if err != nil {
				return err
			}
			out[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// StartAll starts every kernel. Kernels already running are reported with
// AlreadyRunning set and are not errors.
func (m *Manager) StartAll(ctx context.Context) ([]StartResult, error) {
	names, err := m.List()
	if err != nil {
		return nil, err
	}
	var batch ckerrors.BatchError
	results := make([]StartResult, 0, len(names))
	for _, name := range names {
		res, err := m.Start(ctx, name)
		if err != nil && !errors.Is(err, ckerrors.ErrAlreadyRunning) {
			batch.Add(err)
			continue
		}
		results = append(results, res)
	}
	return results, batch.ToError()
}

// StopAll stops every kernel.
func (m *Manager) StopAll(ctx context.Context) ([]StopResult, error) {
	names, err := m.List()
	if err != nil {
		return nil, err
	}
	var batch ckerrors.BatchError
	results := make([]StopResult, 0, len(names))
	for _, name := range names {
		res, err := m.Stop(ctx, name)
		if err != nil {
			batch.Add(err)
		}
		results = append(results, res)
	}
	return results, batch.ToError()
}

// Wake spawns a cold kernel's tool for one unit of work.
//
// # Description
//
// This is the capability an inbox watcher uses. The tool runs with
// CK_KERNEL, CK_PROJECT and CK_SOURCE (what triggered the wake) and its
// record is written to .tool.pid until it exits.
//
// # Outputs
//
//   - *Process: handle to wait on.
//   - error: AlreadyRunning if a tool is live, InvalidTransition for a hot
//     kernel, ProcessError if the tool cannot be spawned.
func (m *Manager) Wake(ctx context.Context, name, source string) (*Process, error) {
	cfg, err := m.Config(name)
	if err != nil {
		return nil, err
	}
	if cfg.Mode() != ModeCold {
		return nil, ckerrors.New(ckerrors.KindInvalidTransition, "kernel.wake", name).
			WithState("cold kernel", string(cfg.Mode()))
	}

	unlock, err := m.lock(ctx, name, "kernel.wake")
	if err != nil {
		return nil, err
	}
	defer unlock()

	if tool, _, _ := m.observe(name, true); tool != nil {
		toolWakes.WithLabelValues("busy").Inc()
		return nil, ckerrors.New(ckerrors.KindAlreadyRunning, "kernel.wake", name).
			WithState("idle tool", "pid "+strconv.Itoa(tool.PID))
	}

	proc, err := m.spawner.Spawn(ctx, m.toolSpec(name, cfg, 0, source))
	if err != nil {
		toolWakes.WithLabelValues("error").Inc()
		return nil, ckerrors.Wrap(ckerrors.KindProcessError, "kernel.wake", name, err)
	}
	toolWakes.WithLabelValues("spawned").Inc()

	// A tool that already finished has nothing left to record.
	rec, err := m.tracker.Record(proc.PID, proctrack.RoleTool)
	if err != nil {
		return proc, nil
	}
	path := m.stateFile(name, proctrack.RoleTool)
	if err := proctrack.WriteStateFile(path, rec); err != nil {
		m.logger.Warn("tool state file not written", "kernel", name, "error", err)
		return proc, nil
	}
	go m.clearWhenDone(name, proc, rec)

	m.logger.Debug("tool woken", "kernel", name, "pid", proc.PID, "source", source)
	return proc, nil
}

// =============================================================================
// Internals
// =============================================================================

func (m *Manager) stateFile(name string, role proctrack.Role) string {
	return filepath.Join(m.KernelDir(name), proctrack.StateFileName(role))
}

func (m *Manager) lock(ctx context.Context, name, op string) (func(), error) {
	lock := fsutil.NewFileLock(filepath.Join(m.KernelDir(name), LifecycleLock))
	if err := lock.AcquireContext(ctx); err != nil {
		return nil, ckerrors.Wrap(ckerrors.KindTimeout, op, name, err)
	}
	return func() { _ = lock.Release() }, nil
}

// observe returns the live tool and governor records. Records whose process
// is gone are reported as stale and, when heal is set, their files removed.
func (m *Manager) observe(name string, heal bool) (tool, govr *proctrack.ProcessRecord, stale []string) {
	check := func(role proctrack.Role) *proctrack.ProcessRecord {
		path := m.stateFile(name, role)
		rec, err := proctrack.ReadStateFile(path, role)
		if errors.Is(err, ckerrors.ErrNotFound) {
			return nil
		}
		if err == nil && m.tracker.IsAlive(rec) {
			return &rec
		}
		stale = append(stale, filepath.Base(path))
		if heal {
			if err := proctrack.RemoveStateFile(path); err == nil {
				staleStateFiles.Inc()
				m.logger.Info("removed stale state file", "kernel", name, "file", filepath.Base(path))
			}
		}
		return nil
	}
	tool = check(proctrack.RoleTool)
	govr = check(proctrack.RoleGovernor)
	return tool, govr, stale
}

func (m *Manager) toolSpec(name string, cfg *Config, port uint16, source string) SpawnSpec {
	dir := m.KernelDir(name)
	entry := filepath.Join(dir, filepath.FromSlash(cfg.EntrypointOrDefault()))

	spec := SpawnSpec{
		Dir:     dir,
		LogFile: filepath.Join(dir, LogsDir, "tool.log"),
		Env: []string{
			"CK_KERNEL=" + name,
			"CK_PROJECT=" + m.root,
		},
	}
	switch cfg.Runtime() {
	case "python":
		spec.Path, spec.Args = "python3", []string{entry}
		spec.Dir = filepath.Join(dir, ToolDir)
	case "node":
		spec.Path, spec.Args = "node", []string{entry}
	default:
		spec.Path = entry
	}
	if port != 0 {
		spec.Env = append(spec.Env, "CK_PORT="+strconv.Itoa(int(port)))
	}
	if source != "" {
		spec.Env = append(spec.Env, "CK_SOURCE="+source)
	}
	return spec
}

func (m *Manager) governorSpec(name string) SpawnSpec {
	dir := m.KernelDir(name)
	args := append([]string{}, m.governor[1:]...)
	args = append(args, "--kernel", name, "--project", m.root)
	return SpawnSpec{
		Path:    m.governor[0],
		Args:    args,
		Dir:     dir,
		LogFile: filepath.Join(dir, LogsDir, "governor.log"),
		Env:     []string{"CK_KERNEL=" + name, "CK_PROJECT=" + m.root},
	}
}

// launch spawns a resident process, waits SpawnConfirm for it to prove it
// stays up, and records it.
func (m *Manager) launch(ctx context.Context, spec SpawnSpec, role proctrack.Role, name string) (proctrack.ProcessRecord, error) {
	op := "kernel.spawn." + string(role)
	proc, err := m.spawner.Spawn(ctx, spec)
	if err != nil {
		return proctrack.ProcessRecord{}, ckerrors.Wrap(ckerrors.KindProcessError, op, name, err)
	}
	rec, err := m.tracker.Record(proc.PID, role)
	if err != nil {
		return proctrack.ProcessRecord{}, ckerrors.Wrap(ckerrors.KindProcessError, op, name, err)
	}

	if m.cfg.SpawnConfirm > 0 {
		timer := time.NewTimer(m.cfg.SpawnConfirm)
		defer timer.Stop()
		select {
		case <-proc.Done():
			return proctrack.ProcessRecord{}, ckerrors.New(ckerrors.KindProcessError, op, name).
				WithState("running process", "exited during startup")
		case <-ctx.Done():
			_ = m.signaller.Signal(rec.PID, syscall.SIGKILL)
			return proctrack.ProcessRecord{}, ckerrors.Wrap(ckerrors.KindTimeout, op, name, ctx.Err())
		case <-timer.C:
		}
	}
	if !m.tracker.IsAlive(rec) {
		return proctrack.ProcessRecord{}, ckerrors.New(ckerrors.KindProcessError, op, name).
			WithState("running process", "exited during startup")
	}

	if err := proctrack.WriteStateFile(m.stateFile(name, role), rec); err != nil {
		_ = m.signaller.Signal(rec.PID, syscall.SIGKILL)
		return proctrack.ProcessRecord{}, ckerrors.Wrap(ckerrors.KindProcessError, op, name, err)
	}
	return rec, nil
}

// rollback kills processes started by a failed Start.
func (m *Manager) rollback(started []proctrack.ProcessRecord, name string) {
	for _, rec := range started {
		if m.tracker.IsAlive(rec) {
			_ = m.signaller.Signal(rec.PID, syscall.SIGKILL)
		}
		if m.waitDead(context.Background(), rec, m.cfg.KillWait) {
			_ = proctrack.RemoveStateFile(m.stateFile(name, rec.Role))
		}
	}
}

// terminate stops one process. forced reports whether SIGKILL was sent.
func (m *Manager) terminate(ctx context.Context, rec proctrack.ProcessRecord) (forced bool, err error) {
	subject := strconv.Itoa(rec.PID)
	if err := m.signaller.Signal(rec.PID, syscall.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return false, ckerrors.Wrap(ckerrors.KindProcessError, "kernel.stop", subject, err)
	}
	if m.waitDead(ctx, rec, m.cfg.StopGrace) {
		return false, nil
	}

	m.logger.Warn("process ignored SIGTERM, killing", "pid", rec.PID, "role", rec.Role)
	if err := m.signaller.Signal(rec.PID, syscall.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return true, ckerrors.Wrap(ckerrors.KindProcessError, "kernel.stop", subject, err)
	}
	if m.waitDead(ctx, rec, m.cfg.KillWait) {
		return true, nil
	}
	return true, ckerrors.New(ckerrors.KindTimeout, "kernel.stop", subject).
		WithState("process exited", "alive after SIGKILL")
}

// waitDead polls until rec is no longer alive, d elapses or ctx ends.
func (m *Manager) waitDead(ctx context.Context, rec proctrack.ProcessRecord, d time.Duration) bool {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	tick := time.NewTicker(livenessPoll)
	defer tick.Stop()
	for {
		if !m.tracker.IsAlive(rec) {
			return true
		}
		select {
		case <-ctx.Done():
			return !m.tracker.IsAlive(rec)
		case <-deadline.C:
			return !m.tracker.IsAlive(rec)
		case <-tick.C:
		}
	}
}

// clearWhenDone removes the woken tool's state file after it exits, unless
// the file has since been replaced.
func (m *Manager) clearWhenDone(name string, proc *Process, rec proctrack.ProcessRecord) {
	<-proc.Done()
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StopGrace+m.cfg.KillWait)
	defer cancel()
	unlock, err := m.lock(ctx, name, "kernel.wake")
	if err != nil {
		return
	}
	defer unlock()

	path := m.stateFile(name, proctrack.RoleTool)
	current, err := proctrack.ReadStateFile(path, proctrack.RoleTool)
	if err == nil && current.PID == rec.PID && current.StartTime == rec.StartTime {
		_ = proctrack.RemoveStateFile(path)
	}
}

func (m *Manager) beginOccurrent(kernel, typ string, participants map[string]any) string {
	occ, err := m.occurrents.Create(kernel, typ, participants, nil)
	if err != nil {
		m.logger.Warn("occurrent not recorded", "kernel", kernel, "type", typ, "error", err)
		return ""
	}
	if _, err := m.occurrents.AppendPhase(occ.URN, proctrack.PhaseAccepted, nil); err != nil {
		m.logger.Warn("occurrent phase not recorded", "urn", occ.URN, "error", err)
	}
	return occ.URN
}

func (m *Manager) endOccurrent(processURN string, phase proctrack.Phase, data map[string]any) {
	if processURN == "" {
		return
	}
	if _, err := m.occurrents.AppendPhase(processURN, phase, data); err != nil {
		m.logger.Warn("occurrent phase not recorded", "urn", processURN, "error", err)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
