// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ckerrors defines the error taxonomy shared by every runtime package.
//
// All failures returned by the library are recoverable values. Callers
// classify them with errors.Is against the Err* sentinels, or errors.As
// against *Error to read the affected subject and the expected versus
// actual state.
package ckerrors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a runtime failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindAlreadyExists
	KindAlreadyRunning
	KindInvalidFormat
	KindInvalidTransition
	KindPermissionDenied
	KindProcessError
	KindTimeout
)

// String returns the taxonomy name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindAlreadyExists:
		return "AlreadyExists"
	case KindAlreadyRunning:
		return "AlreadyRunning"
	case KindInvalidFormat:
		return "InvalidFormat"
	case KindInvalidTransition:
		return "InvalidTransition"
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindProcessError:
		return "ProcessError"
	case KindTimeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// Sentinel errors, one per kind. An *Error matches the sentinel of its kind.
var (
	ErrNotFound          = &sentinel{KindNotFound}
	ErrAlreadyExists     = &sentinel{KindAlreadyExists}
	ErrAlreadyRunning    = &sentinel{KindAlreadyRunning}
	ErrInvalidFormat     = &sentinel{KindInvalidFormat}
	ErrInvalidTransition = &sentinel{KindInvalidTransition}
	ErrPermissionDenied  = &sentinel{KindPermissionDenied}
	ErrProcessError      = &sentinel{KindProcessError}
	ErrTimeout           = &sentinel{KindTimeout}
)

type sentinel struct {
	kind Kind
}

func (s *sentinel) Error() string {
	return s.kind.String()
}

// Error is a structured runtime failure.
//
// # Description
//
// Carries enough context to be actionable without inspecting internals:
// the operation, the affected subject (URN, instance id, path), and where
// relevant the expected and actual state.
//
// # Example
//
//	return ckerrors.New(ckerrors.KindAlreadyRunning, "kernel.start", "ckp://Mixer:v1").
//	    WithState("stopped", "running (pid 4821)")
type Error struct {
	Kind     Kind
	Op       string
	Subject  string
	Expected string
	Actual   string
	Err      error
}

// New creates an Error of the given kind.
func New(kind Kind, op, subject string) *Error {
	return &Error{Kind: kind, Op: op, Subject: subject}
}

// Wrap creates an Error of the given kind around an underlying cause.
func Wrap(kind Kind, op, subject string, err error) *Error {
	return &Error{Kind: kind, Op: op, Subject: subject, Err: err}
}

// WithState records the expected and actual state and returns the receiver.
func (e *Error) WithState(expected, actual string) *Error {
	e.Expected = expected
	e.Actual = actual
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Subject != "" {
		fmt.Fprintf(&b, " %q", e.Subject)
	}
	if e.Expected != "" || e.Actual != "" {
		fmt.Fprintf(&b, " (expected %s, got %s)", orNone(e.Expected), orNone(e.Actual))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	s, ok := target.(*sentinel)
	return ok && s.kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

// BatchError holds independent failures from a multi-part operation.
type BatchError struct {
	Errors []error
}

// Error implements the error interface.
func (e *BatchError) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred; first: %v", len(e.Errors), e.Errors[0])
}

// Add appends an error to the batch. Nil errors are ignored.
func (e *BatchError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if there are any errors.
func (e *BatchError) HasErrors() bool {
	return len(e.Errors) > 0
}

// ToError returns nil if no errors, or the BatchError if there are errors.
func (e *BatchError) ToError() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e *BatchError) Unwrap() []error {
	return e.Errors
}

var (
	_ error = (*Error)(nil)
	_ error = (*BatchError)(nil)
)
