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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for Kernel Lifecycle
// =============================================================================

var (
	// kernelStarts counts start attempts.
	// Labels: mode (hot, cold), result (started, already_running, error)
	kernelStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ckp",
		Subsystem: "kernel",
		Name:      "starts_total",
		Help:      "Total kernel start attempts",
	}, []string{"mode", "result"})

	// kernelStops counts stops that found a live process.
	// Labels: forced (true when SIGKILL was needed)
	kernelStops = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ckp",
		Subsystem: "kernel",
		Name:      "stops_total",
		Help:      "Total kernel stops",
	}, []string{"forced"})

	// staleStateFiles counts state files removed because their process was gone.
	staleStateFiles = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ckp",
		Subsystem: "kernel",
		Name:      "stale_state_files_total",
		Help:      "State files removed after their process died",
	})

	// toolWakes counts per-unit-of-work tool spawns.
	// Labels: result (spawned, busy, error)
	toolWakes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ckp",
		Subsystem: "kernel",
		Name:      "wakes_total",
		Help:      "Total tool wake-ups for cold kernels",
	}, []string{"result"})

	// stopDuration measures how long Stop took per kernel.
	stopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ckp",
		Subsystem: "kernel",
		Name:      "stop_duration_seconds",
		Help:      "Kernel stop latency in seconds",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
)
