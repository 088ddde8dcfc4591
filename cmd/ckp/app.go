// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/ConceptKernel/cmd/ckp/config"
	"github.com/AleutianAI/ConceptKernel/pkg/drivers"
	"github.com/AleutianAI/ConceptKernel/pkg/edge"
	"github.com/AleutianAI/ConceptKernel/pkg/evidence"
	"github.com/AleutianAI/ConceptKernel/pkg/governor"
	"github.com/AleutianAI/ConceptKernel/pkg/kernel"
	"github.com/AleutianAI/ConceptKernel/pkg/logging"
	"github.com/AleutianAI/ConceptKernel/pkg/project"
)

// app carries per-invocation state shared by every command. Nothing in it
// outlives one execution.
type app struct {
	// flags
	configPath  string
	projectHint string
	jsonOut     bool
	logLevel    string
	verbose     bool

	stdout io.Writer
	stderr io.Writer

	cfg       config.Config
	log       *logging.Logger
	out       *printer
	telemetry func(context.Context) error
	started   time.Time
	duration  metric.Float64Histogram
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{stdout: stdout, stderr: stderr}
}

// setup loads the configuration and builds the logger, printer and
// telemetry. It runs before every command.
func (a *app) setup(cmd *cobra.Command) error {
	a.started = time.Now()
	path := a.configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}
	cfg, created, err := config.Load(path)
	if err != nil {
		return err
	}
	a.cfg = cfg

	level, ok := logging.ParseLevel(cfg.Log.Level)
	if a.logLevel != "" {
		if level, ok = logging.ParseLevel(a.logLevel); !ok {
			return fmt.Errorf("unknown log level %q", a.logLevel)
		}
	}
	if !ok {
		level = logging.LevelInfo
	}
	if a.verbose {
		level = logging.LevelDebug
	}
	a.log = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Log.Dir,
		Service: "ckp",
		JSON:    cfg.Log.JSON,
		Writer:  a.stderr,
	})
	a.out = newPrinter(a.stdout, a.jsonOut)
	if created {
		a.log.Info("created default configuration", "path", path)
	}

	shutdown, err := initTelemetry(cmd.Context(), cfg.Telemetry, Version)
	if err != nil {
		return err
	}
	a.telemetry = shutdown
	a.duration, _ = otel.Meter("ckp.cli").Float64Histogram("ckp.cli.command.duration",
		metric.WithUnit("s"), metric.WithDescription("Command wall time"))
	return nil
}

// teardown flushes telemetry and closes log files. It runs after every
// command, failed or not, and is a no-op if setup never ran.
func (a *app) teardown(cmd *cobra.Command) {
	if a.duration != nil && cmd != nil {
		a.duration.Record(context.Background(), time.Since(a.started).Seconds(),
			metric.WithAttributes(attribute.String("command", cmd.CommandPath())))
	}
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.telemetry(ctx); err != nil {
			a.log.Warn("telemetry shutdown", "error", err)
		}
	}
	if a.log != nil {
		_ = a.log.Close()
	}
}

func (a *app) registry() (*project.Registry, error) {
	path := a.cfg.RegistryPath
	if path == "" {
		p, err := project.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return project.NewRegistry(path, project.WithLogger(a.log.Slog())), nil
}

// project resolves --project (a registered name or a directory) or the
// working directory.
func (a *app) project() (project.Entry, error) {
	reg, err := a.registry()
	if err != nil {
		return project.Entry{}, err
	}
	if a.projectHint != "" {
		if e, err := reg.Lookup(a.projectHint); err == nil {
			return e, nil
		}
	}
	return reg.Resolve(a.projectHint)
}

func (a *app) manager(e project.Entry) (*kernel.Manager, error) {
	lc := a.cfg.Lifecycle
	return kernel.NewManager(kernel.Options{
		Root:      e.Path,
		PortRange: e.PortRange,
		Lifecycle: kernel.LifecycleConfig{
			StopGrace:    lc.StopGrace,
			KillWait:     lc.KillWait,
			SpawnConfirm: lc.SpawnConfirm,
		},
		Logger: a.log.Slog(),
	})
}

func (a *app) edges(e project.Entry) (*edge.Registry, error) {
	reg, err := a.registry()
	if err != nil {
		return nil, err
	}
	return edge.NewRegistry(e.Path, edge.WithProjects(reg), edge.WithLogger(a.log.Slog())), nil
}

func (a *app) storage(root string) *drivers.Set {
	opts := []drivers.RemoteOption{drivers.WithRemoteLogger(a.log.Slog())}
	if a.cfg.Remote.GCSCredentialsFile != "" {
		opts = append(opts, drivers.WithGCSCredentialsFile(a.cfg.Remote.GCSCredentialsFile))
	}
	return drivers.NewSet(root, drivers.NewRemoteDriver(opts...))
}

func (a *app) evidence(e project.Entry) *evidence.Store {
	return evidence.NewStore(e.Path, evidence.WithDrivers(a.storage(e.Path)), evidence.WithLogger(a.log.Slog()))
}

func (a *app) router(e project.Entry) (*edge.Router, error) {
	edges, err := a.edges(e)
	if err != nil {
		return nil, err
	}
	return edge.NewRouter(edge.RouterOptions{
		Edges:    edges,
		Evidence: a.evidence(e),
		Workers:  a.cfg.Router.Workers,
		Logger:   a.log.Slog(),
	})
}

func (a *app) governor(m *kernel.Manager, name string) (*governor.Governor, error) {
	gc := a.cfg.Governor
	return governor.New(m, governor.Options{
		Kernel:     name,
		Debounce:   gc.Debounce,
		SpawnRate:  rate.Limit(gc.SpawnRate),
		SpawnBurst: gc.SpawnBurst,
		Logger:     a.log.Slog(),
	})
}

// execute runs the command tree with args and returns the exit code.
func execute(args []string) int {
	return run(context.Background(), args, os.Stdout, os.Stderr)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := newApp(stdout, stderr)
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	cmd, err := root.ExecuteContextC(ctx)
	a.teardown(cmd)
	if err != nil {
		newPrinter(stderr, a.jsonOut).Error(err)
	}
	return exitCode(err)
}
