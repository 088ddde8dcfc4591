// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the ckp command-line configuration.
package config

import (
	"time"
)

// Config is the content of ckp.yaml.
type Config struct {
	// RegistryPath is the project registry file. Empty means
	// ~/.config/conceptkernel/projects.json.
	RegistryPath string `yaml:"registry_path"`

	Log       LogConfig       `yaml:"log"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Governor  GovernorConfig  `yaml:"governor"`
	Router    RouterConfig    `yaml:"router"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Remote    RemoteConfig    `yaml:"remote"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json"`
}

// LifecycleConfig bounds kernel start and stop waits.
type LifecycleConfig struct {
	StopGrace    time.Duration `yaml:"stop_grace" validate:"gt=0"`
	KillWait     time.Duration `yaml:"kill_wait" validate:"gt=0"`
	SpawnConfirm time.Duration `yaml:"spawn_confirm" validate:"gte=0"`
}

type GovernorConfig struct {
	Debounce   time.Duration `yaml:"debounce" validate:"gt=0"`
	SpawnRate  float64       `yaml:"spawn_rate" validate:"gt=0"`
	SpawnBurst int           `yaml:"spawn_burst" validate:"gte=1"`
}

// RouterConfig configures instance routing and the router daemon.
type RouterConfig struct {
	Workers int `yaml:"workers" validate:"gte=1,lte=256"`

	// Journal is the daemon journal directory, relative to the project
	// root unless absolute.
	Journal string `yaml:"journal" validate:"required"`
}

type TelemetryConfig struct {
	// TraceExporter is "none", "stdout" or "otlp".
	TraceExporter string `yaml:"trace_exporter" validate:"oneof=none stdout otlp"`

	// MetricExporter is "none", "stdout" or "prometheus".
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=none stdout prometheus"`

	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty" validate:"required_if=TraceExporter otlp"`
}

// RemoteConfig configures the remote storage driver.
type RemoteConfig struct {
	// GCSCredentialsFile is a service account key for gs:// locations.
	// Empty uses application default credentials.
	GCSCredentialsFile string `yaml:"gcs_credentials_file,omitempty"`

	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

// Default returns the configuration written on first run.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info"},
		Lifecycle: LifecycleConfig{
			StopGrace:    5 * time.Second,
			KillWait:     2 * time.Second,
			SpawnConfirm: 200 * time.Millisecond,
		},
		Governor: GovernorConfig{
			Debounce:   100 * time.Millisecond,
			SpawnRate:  2,
			SpawnBurst: 1,
		},
		Router: RouterConfig{
			Workers: 8,
			Journal: ".ckp/router",
		},
		Telemetry: TelemetryConfig{
			TraceExporter:  "none",
			MetricExporter: "none",
			OTLPEndpoint:   "localhost:4317",
		},
		Remote: RemoteConfig{Timeout: 30 * time.Second},
	}
}
