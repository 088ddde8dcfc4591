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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/ConceptKernel/pkg/ckerrors"
	"github.com/AleutianAI/ConceptKernel/pkg/fsutil"
	"github.com/AleutianAI/ConceptKernel/pkg/urn"
)

// ConfigFile is the kernel definition file inside each kernel directory.
const ConfigFile = "conceptkernel.yaml"

// Mode says whether a kernel keeps a resident tool.
type Mode string

const (
	// ModeHot kernels run one long-lived tool listening on an allocated port.
	ModeHot Mode = "hot"

	// ModeCold kernels run their tool once per unit of work.
	ModeCold Mode = "cold"
)

// Runtimes a kernel tool may be written for.
var Runtimes = []string{"python", "node", "rust", "go", "exec"}

// =============================================================================
// Shared Validator Instance
// =============================================================================

var kernelValidate *validator.Validate

func init() {
	kernelValidate = validator.New()
	_ = kernelValidate.RegisterValidation("kerneltype", validateKernelType)
	_ = kernelValidate.RegisterValidation("kernelurn", validateKernelURN)
}

// validateKernelType accepts "<runtime>:<hot|cold>".
func validateKernelType(fl validator.FieldLevel) bool {
	_, _, err := ParseType(fl.Field().String())
	return err == nil
}

func validateKernelURN(fl validator.FieldLevel) bool {
	_, err := urn.ParseKernel(fl.Field().String())
	return err == nil
}

// ParseType splits a kernel type such as "python:cold".
func ParseType(t string) (runtime string, mode Mode, err error) {
	rt, m, ok := strings.Cut(t, ":")
	if !ok || !slices.Contains(Runtimes, rt) || (Mode(m) != ModeHot && Mode(m) != ModeCold) {
		return "", "", ckerrors.New(ckerrors.KindInvalidFormat, "kernel.type", t).
			WithState("<"+strings.Join(Runtimes, "|")+">:<hot|cold>", t)
	}
	return rt, Mode(m), nil
}

// Config is the parsed conceptkernel.yaml.
type Config struct {
	APIVersion string   `yaml:"apiVersion" validate:"required"`
	Kind       string   `yaml:"kind" validate:"required"`
	Metadata   Metadata `yaml:"metadata"`
	Spec       Spec     `yaml:"spec"`
}

// Metadata identifies the kernel and how to run it.
type Metadata struct {
	Name       string `yaml:"name" validate:"required,kernelurn"`
	Type       string `yaml:"type" validate:"required,kerneltype"`
	Version    string `yaml:"version" validate:"required"`
	Entrypoint string `yaml:"entrypoint,omitempty"`
}

// Spec holds the kernel contracts.
type Spec struct {
	QueueContract   QueueContract   `yaml:"queue_contract"`
	StorageContract StorageContract `yaml:"storage_contract"`
	RBAC            RBAC            `yaml:"rbac,omitempty"`
}

// RBAC restricts what the kernel may do.
type RBAC struct {
	Communication Communication `yaml:"communication,omitempty"`
}

// Communication lists kernel URN patterns the kernel may emit to. "*" in a
// pattern matches any run of characters. Denied wins over Allowed; an empty
// Allowed list admits every target not denied.
type Communication struct {
	Allowed []string `yaml:"allowed,omitempty"`
	Denied  []string `yaml:"denied,omitempty"`
}

// QueueContract lists the edge URNs allowed to deliver into the inbox. An
// empty list accepts every edge.
type QueueContract struct {
	Edges []string `yaml:"edges"`
}

// StorageContract names how instances are persisted.
type StorageContract struct {
	Strategy string `yaml:"strategy"`
}

// Runtime returns the tool runtime, e.g. "python".
func (c *Config) Runtime() string {
	rt, _, _ := ParseType(c.Metadata.Type)
	return rt
}

// Mode returns hot or cold.
func (c *Config) Mode() Mode {
	_, m, _ := ParseType(c.Metadata.Type)
	return m
}

// AcceptsEdge reports whether the queue contract admits deliveries over edgeURN.
func (c *Config) AcceptsEdge(edgeURN string) bool {
	return len(c.Spec.QueueContract.Edges) == 0 || slices.Contains(c.Spec.QueueContract.Edges, edgeURN)
}

// CanEmitTo reports whether the communication rules let this kernel emit to
// target, a kernel URN or bare name. The second result is the pattern that
// decided a denial, empty when no allowed pattern matched.
func (c *Config) CanEmitTo(target string) (bool, string) {
	if !strings.HasPrefix(target, urn.Scheme) {
		target = urn.Scheme + target
	}
	comm := c.Spec.RBAC.Communication
	for _, p := range comm.Denied {
		if matchPattern(p, target) {
			return false, p
		}
	}
	if len(comm.Allowed) == 0 {
		return true, ""
	}
	for _, p := range comm.Allowed {
		if matchPattern(p, target) {
			return true, ""
		}
	}
	return false, ""
}

func matchPattern(pattern, s string) bool {
	if pattern == s {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	expr := strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*")
	re, err := regexp.Compile("^" + expr + "$")
	return err == nil && re.MatchString(s)
}

// EntrypointOrDefault returns the tool path relative to the kernel directory.
func (c *Config) EntrypointOrDefault() string {
	if c.Metadata.Entrypoint != "" {
		return c.Metadata.Entrypoint
	}
	return defaultEntrypoint(c.Runtime())
}

// NewConfig builds the definition written by Create.
func NewConfig(name, kernelType, version string) *Config {
	return &Config{
		APIVersion: "conceptkernel/v1",
		Kind:       "Ontology",
		Metadata: Metadata{
			Name:    urn.KernelURN{Name: name, Version: version}.String(),
			Type:    kernelType,
			Version: version,
		},
		Spec: Spec{
			QueueContract:   QueueContract{Edges: []string{}},
			StorageContract: StorageContract{Strategy: "file"},
		},
	}
}

// Validate checks required fields and formats.
func (c *Config) Validate() error {
	if err := kernelValidate.Struct(c); err != nil {
		return ckerrors.Wrap(ckerrors.KindInvalidFormat, "kernel.config", c.Metadata.Name, err)
	}
	return nil
}

// LoadConfig reads and validates <kernelDir>/conceptkernel.yaml.
//
// # Outputs
//
//   - *Config: the parsed definition.
//   - error: kind NotFound if the file is absent, InvalidFormat if it does
//     not parse or validate.
func LoadConfig(kernelDir string) (*Config, error) {
	path := filepath.Join(kernelDir, ConfigFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ckerrors.Wrap(ckerrors.KindNotFound, "kernel.config", filepath.Base(kernelDir), err)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ckerrors.Wrap(ckerrors.KindInvalidFormat, "kernel.config", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WriteConfig validates cfg and writes it atomically into kernelDir.
func WriteConfig(kernelDir string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal kernel config: %w", err)
	}
	return fsutil.WriteFileAtomic(filepath.Join(kernelDir, ConfigFile), data, 0o644)
}

func defaultEntrypoint(runtime string) string {
	switch runtime {
	case "python":
		return "tool/main.py"
	case "node":
		return "tool/tool.js"
	default:
		return "tool/tool"
	}
}
