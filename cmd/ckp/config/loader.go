// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/ConceptKernel/pkg/ckerrors"
	"github.com/AleutianAI/ConceptKernel/pkg/fsutil"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CKP_"

var validate = validator.New()

// DefaultPath returns ~/.config/conceptkernel/ckp.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".config", "conceptkernel", "ckp.yaml"), nil
}

// Load reads the config at path, creating it with defaults on first run,
// then applies CKP_* environment overrides and validates the result.
//
// # Outputs
//
//   - Config: The effective configuration.
//   - bool: True if the file was created by this call.
//   - error: InvalidFormat if the file or an override does not parse or
//     the result fails validation.
func Load(path string) (Config, bool, error) {
	created := false
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := createDefault(path); err != nil {
			return Config{}, false, err
		}
		created = true
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, created, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, created, ckerrors.Wrap(ckerrors.KindInvalidFormat, "config.load", path, err)
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, created, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, created, err
	}
	return cfg, created, nil
}

// Validate checks field constraints.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return ckerrors.Wrap(ckerrors.KindInvalidFormat, "config.validate", "ckp.yaml", err)
	}
	return nil
}

// ApplyEnv overrides cfg from the environment.
//
// # Description
//
// Recognized variables: CKP_REGISTRY, CKP_LOG_LEVEL, CKP_LOG_DIR,
// CKP_LOG_JSON, CKP_STOP_GRACE, CKP_KILL_WAIT, CKP_ROUTER_WORKERS,
// CKP_TRACE_EXPORTER, CKP_METRIC_EXPORTER, CKP_OTLP_ENDPOINT and
// CKP_GCS_CREDENTIALS.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("REGISTRY", &cfg.RegistryPath)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_DIR", &cfg.Log.Dir)
	str("TRACE_EXPORTER", &cfg.Telemetry.TraceExporter)
	str("METRIC_EXPORTER", &cfg.Telemetry.MetricExporter)
	str("OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	str("GCS_CREDENTIALS", &cfg.Remote.GCSCredentialsFile)
	dur("STOP_GRACE", &cfg.Lifecycle.StopGrace)
	dur("KILL_WAIT", &cfg.Lifecycle.KillWait)

	if v, ok := lookup(EnvPrefix + "LOG_JSON"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sLOG_JSON: %w", EnvPrefix, err))
		} else {
			cfg.Log.JSON = b
		}
	}
	if v, ok := lookup(EnvPrefix + "ROUTER_WORKERS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sROUTER_WORKERS: %w", EnvPrefix, err))
		} else {
			cfg.Router.Workers = n
		}
	}

	if len(errs) > 0 {
		return ckerrors.Wrap(ckerrors.KindInvalidFormat, "config.env", EnvPrefix+"*", errors.Join(errs...))
	}
	return nil
}

// JournalPath returns the router journal directory for projectRoot.
func (c Config) JournalPath(projectRoot string) string {
	if filepath.IsAbs(c.Router.Journal) {
		return c.Router.Journal
	}
	return filepath.Join(projectRoot, c.Router.Journal)
}

func createDefault(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to create the config file: %w", err)
	}
	return nil
}
