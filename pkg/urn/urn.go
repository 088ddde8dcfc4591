// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package urn

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/AleutianAI/ConceptKernel/pkg/ckerrors"
)

// Scheme is the protocol prefix of every address.
const Scheme = "ckp://"

// Kind identifies one of the live address forms.
type Kind int

const (
	KindInvalid Kind = iota
	KindKernel
	KindEdge
	KindProcess
)

// String returns the form name.
func (k Kind) String() string {
	switch k {
	case KindKernel:
		return "kernel"
	case KindEdge:
		return "edge"
	case KindProcess:
		return "process"
	default:
		return "invalid"
	}
}

// MarshalText renders the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// reservedForms are address families that are named by the protocol but not
// implemented. They must fail closed rather than parse as kernels.
var reservedForms = []string{"Agent", "Role", "Proof", "Consensus"}

var (
	nameRe    = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*([.-][A-Za-z0-9]+)*$`)
	versionRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._+-]*$`)
	stageRe   = regexp.MustCompile(`^[a-z]+$`)
	typeRe    = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*$`)
	digitsRe  = regexp.MustCompile(`^[0-9]+$`)
	hashRe    = regexp.MustCompile(`^[0-9a-f]+$`)
)

// URN is a parsed address.
type URN interface {
	Kind() Kind
	String() string
}

// KernelURN addresses a kernel, optionally a stage and path inside it.
//
//	ckp://Name:version[#stage[/path]]
type KernelURN struct {
	Name    string
	Version string
	Stage   string
	Path    string
}

// Kind implements URN.
func (KernelURN) Kind() Kind { return KindKernel }

// String renders the canonical form.
func (u KernelURN) String() string {
	s := Scheme + u.Name + ":" + u.Version
	if u.Stage != "" {
		s += "#" + u.Stage
		if u.Path != "" {
			s += "/" + u.Path
		}
	}
	return s
}

// Base returns the URN without stage or path.
func (u KernelURN) Base() KernelURN {
	return KernelURN{Name: u.Name, Version: u.Version}
}

// EdgeURN addresses a typed relationship between two kernels.
//
//	ckp://Edge.PREDICATE.Source-to-Target:version
type EdgeURN struct {
	Predicate Predicate
	Source    string
	Target    string
	Version   string
}

// Kind implements URN.
func (EdgeURN) Kind() Kind { return KindEdge }

// String renders the canonical form.
func (u EdgeURN) String() string {
	return fmt.Sprintf("%sEdge.%s.%s-to-%s:%s", Scheme, u.Predicate, u.Source, u.Target, u.Version)
}

// QueueName is the per-edge directory name, "<PREDICATE>.<Source>".
func (u EdgeURN) QueueName() string {
	return string(u.Predicate) + "." + u.Source
}

// ProcessURN addresses one Occurrent.
//
//	ckp://Process#Type-tx_<timestamp>_<hash>
type ProcessURN struct {
	Type      string
	Timestamp string
	Hash      string
}

// Kind implements URN.
func (ProcessURN) Kind() Kind { return KindProcess }

// TxID returns "tx_<timestamp>_<hash>".
func (u ProcessURN) TxID() string {
	return "tx_" + u.Timestamp + "_" + u.Hash
}

// String renders the canonical form.
func (u ProcessURN) String() string {
	return Scheme + "Process#" + u.Type + "-" + u.TxID()
}

// ValidationResult is the outcome of Validate. It never carries an error;
// Reason explains a failure.
type ValidationResult struct {
	Valid  bool   `json:"valid"`
	Kind   Kind   `json:"kind"`
	Reason string `json:"reason,omitempty"`
}

// Validate checks candidate against the implemented address forms.
//
// # Description
//
// Accepts exactly the Kernel, Edge and Process forms. Reserved forms
// (Agent, Role, Proof, Consensus, Process subtypes) and anything else are
// rejected with a reason. Never panics.
func Validate(candidate string) ValidationResult {
	u, err := Parse(candidate)
	if err != nil {
		reason := err.Error()
		var e *ckerrors.Error
		if errors.As(err, &e) && e.Actual != "" {
			reason = e.Actual
		}
		return ValidationResult{Valid: false, Kind: KindInvalid, Reason: reason}
	}
	return ValidationResult{Valid: true, Kind: u.Kind()}
}

// Parse parses any implemented address form.
//
// # Outputs
//
//   - URN: KernelURN, EdgeURN or ProcessURN.
//   - error: kind InvalidFormat with the reason in Actual.
func Parse(s string) (URN, error) {
	if !strings.HasPrefix(s, Scheme) {
		return nil, invalid(s, "missing ckp:// scheme")
	}
	body := strings.TrimPrefix(s, Scheme)
	if body == "" {
		return nil, invalid(s, "empty address")
	}

	for _, form := range reservedForms {
		if hasFormPrefix(body, form) {
			return nil, invalid(s, fmt.Sprintf("reserved %s form is not supported", form))
		}
	}

	switch {
	case strings.HasPrefix(body, "Process."):
		return nil, invalid(s, "reserved Process subtype form is not supported")
	case strings.HasPrefix(body, "Process#"):
		return parseProcess(s, strings.TrimPrefix(body, "Process#"))
	case strings.HasPrefix(body, "Edge."):
		return parseEdge(s, strings.TrimPrefix(body, "Edge."))
	case hasFormPrefix(body, "Process") || hasFormPrefix(body, "Edge"):
		return nil, invalid(s, "malformed Process or Edge address")
	default:
		return parseKernel(s, body)
	}
}

// ParseKernel parses a Kernel URN.
func ParseKernel(s string) (KernelURN, error) {
	u, err := Parse(s)
	if err != nil {
		return KernelURN{}, err
	}
	k, ok := u.(KernelURN)
	if !ok {
		return KernelURN{}, invalid(s, "not a kernel address")
	}
	return k, nil
}

// ParseEdge parses an Edge URN.
func ParseEdge(s string) (EdgeURN, error) {
	u, err := Parse(s)
	if err != nil {
		return EdgeURN{}, err
	}
	e, ok := u.(EdgeURN)
	if !ok {
		return EdgeURN{}, invalid(s, "not an edge address")
	}
	return e, nil
}

// ParseProcess parses a Process URN.
func ParseProcess(s string) (ProcessURN, error) {
	u, err := Parse(s)
	if err != nil {
		return ProcessURN{}, err
	}
	p, ok := u.(ProcessURN)
	if !ok {
		return ProcessURN{}, invalid(s, "not a process address")
	}
	return p, nil
}

// ValidName reports whether name is a legal kernel name.
func ValidName(name string) bool {
	return nameRe.MatchString(name) && !isReservedName(name)
}

// ValidVersion reports whether version is a legal version token.
func ValidVersion(version string) bool {
	return versionRe.MatchString(version)
}

// NewKernelURN builds a KernelURN after validating its parts.
func NewKernelURN(name, version string) (KernelURN, error) {
	u := KernelURN{Name: name, Version: version}
	if !ValidName(name) {
		return KernelURN{}, invalid(u.String(), fmt.Sprintf("invalid kernel name %q", name))
	}
	if !ValidVersion(version) {
		return KernelURN{}, invalid(u.String(), fmt.Sprintf("invalid version %q", version))
	}
	return u, nil
}

// NewEdgeURN builds an EdgeURN after validating its parts. The result must
// parse back to the same source and target, so a source name containing
// "-to-" is rejected.
func NewEdgeURN(predicate Predicate, source, target, version string) (EdgeURN, error) {
	u := EdgeURN{Predicate: predicate, Source: source, Target: target, Version: version}
	raw := u.String()
	parsed, err := ParseEdge(raw)
	if err != nil {
		return EdgeURN{}, err
	}
	if parsed.Source != source || parsed.Target != target {
		return EdgeURN{}, invalid(raw, fmt.Sprintf("edge slug %s-to-%s is ambiguous", source, target))
	}
	return u, nil
}

func parseKernel(raw, body string) (KernelURN, error) {
	head, fragment, hasFragment := strings.Cut(body, "#")
	name, version, ok := strings.Cut(head, ":")
	if !ok {
		return KernelURN{}, invalid(raw, "missing :version")
	}
	if name == "" {
		return KernelURN{}, invalid(raw, "empty kernel name")
	}
	if version == "" {
		return KernelURN{}, invalid(raw, "empty version")
	}
	if !nameRe.MatchString(name) {
		return KernelURN{}, invalid(raw, fmt.Sprintf("invalid kernel name %q", name))
	}
	if isReservedName(name) {
		return KernelURN{}, invalid(raw, fmt.Sprintf("kernel name %q is reserved", name))
	}
	if !versionRe.MatchString(version) {
		return KernelURN{}, invalid(raw, fmt.Sprintf("invalid version %q", version))
	}

	u := KernelURN{Name: name, Version: version}
	if !hasFragment {
		return u, nil
	}

	stage, path, _ := strings.Cut(fragment, "/")
	if !stageRe.MatchString(stage) {
		return KernelURN{}, invalid(raw, fmt.Sprintf("invalid stage %q", stage))
	}
	if _, known := stagePaths[stage]; !known {
		return KernelURN{}, invalid(raw, fmt.Sprintf("unknown stage %q", stage))
	}
	if strings.Contains(fragment, "/") && path == "" {
		return KernelURN{}, invalid(raw, "empty stage path")
	}
	if !cleanRelative(path) {
		return KernelURN{}, invalid(raw, fmt.Sprintf("stage path %q escapes the kernel", path))
	}
	u.Stage = stage
	u.Path = path
	return u, nil
}

func parseEdge(raw, body string) (EdgeURN, error) {
	head, version, ok := strings.Cut(body, ":")
	if !ok || version == "" {
		return EdgeURN{}, invalid(raw, "missing edge version")
	}
	if !versionRe.MatchString(version) {
		return EdgeURN{}, invalid(raw, fmt.Sprintf("invalid version %q", version))
	}
	pred, slug, ok := strings.Cut(head, ".")
	if !ok {
		return EdgeURN{}, invalid(raw, "missing edge slug")
	}
	p, err := ParsePredicate(pred)
	if err != nil {
		return EdgeURN{}, invalid(raw, fmt.Sprintf("unknown predicate %q", pred))
	}
	source, target, ok := strings.Cut(slug, "-to-")
	if !ok {
		return EdgeURN{}, invalid(raw, "edge slug must be Source-to-Target")
	}
	if !ValidName(source) {
		return EdgeURN{}, invalid(raw, fmt.Sprintf("invalid source kernel %q", source))
	}
	if !ValidName(target) {
		return EdgeURN{}, invalid(raw, fmt.Sprintf("invalid target kernel %q", target))
	}
	return EdgeURN{Predicate: p, Source: source, Target: target, Version: version}, nil
}

func parseProcess(raw, body string) (ProcessURN, error) {
	typ, tx, ok := strings.Cut(body, "-tx_")
	if !ok {
		return ProcessURN{}, invalid(raw, "process address must be Type-tx_<timestamp>_<hash>")
	}
	if !typeRe.MatchString(typ) {
		return ProcessURN{}, invalid(raw, fmt.Sprintf("invalid process type %q", typ))
	}
	ts, hash, ok := strings.Cut(tx, "_")
	if !ok || !digitsRe.MatchString(ts) {
		return ProcessURN{}, invalid(raw, "invalid transaction timestamp")
	}
	if !hashRe.MatchString(hash) {
		return ProcessURN{}, invalid(raw, "invalid transaction hash")
	}
	return ProcessURN{Type: typ, Timestamp: ts, Hash: hash}, nil
}

// hasFormPrefix matches "Form" followed by a separator or end of string.
func hasFormPrefix(body, form string) bool {
	if !strings.HasPrefix(body, form) {
		return false
	}
	rest := body[len(form):]
	return rest == "" || strings.ContainsAny(rest[:1], "/.:#")
}

func isReservedName(name string) bool {
	for _, form := range reservedForms {
		if name == form {
			return true
		}
	}
	return name == "Edge" || name == "Process"
}

func cleanRelative(path string) bool {
	if path == "" {
		return true
	}
	if strings.HasPrefix(path, "/") {
		return false
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return false
		}
	}
	return true
}

func invalid(raw, reason string) *ckerrors.Error {
	return ckerrors.New(ckerrors.KindInvalidFormat, "urn.parse", raw).WithState("valid ckp:// address", reason)
}
