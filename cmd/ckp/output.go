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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/ConceptKernel/pkg/ckerrors"
)

// Palette shared by every command.
var (
	colorOK    = lipgloss.Color("#2CD7C7")
	colorTitle = lipgloss.Color("#20B9B4")
	colorWarn  = lipgloss.Color("#F4D03F")
	colorErr   = lipgloss.Color("#E74C3C")
	colorMuted = lipgloss.Color("#2C4A54")
)

type styles struct {
	title    lipgloss.Style
	ok       lipgloss.Style
	warn     lipgloss.Style
	err      lipgloss.Style
	muted    lipgloss.Style
	header   lipgloss.Style
	cell     lipgloss.Style
	border   lipgloss.Style
	bordered bool
}

func colored() styles {
	return styles{
		title:    lipgloss.NewStyle().Bold(true).Foreground(colorTitle),
		ok:       lipgloss.NewStyle().Foreground(colorOK),
		warn:     lipgloss.NewStyle().Foreground(colorWarn),
		err:      lipgloss.NewStyle().Foreground(colorErr).Bold(true),
		muted:    lipgloss.NewStyle().Foreground(colorMuted),
		header:   lipgloss.NewStyle().Bold(true).Foreground(colorTitle).Padding(0, 1),
		cell:     lipgloss.NewStyle().Padding(0, 1),
		border:   lipgloss.NewStyle().Foreground(colorMuted),
		bordered: true,
	}
}

func plain() styles {
	p := lipgloss.NewStyle()
	return styles{title: p, ok: p, warn: p, err: p, muted: p, header: p.PaddingRight(2), cell: p.PaddingRight(2), border: p}
}

// printer writes command results as styled text or JSON.
type printer struct {
	w    io.Writer
	json bool
	s    styles
}

// newPrinter styles output only when w is a terminal and NO_COLOR is unset.
func newPrinter(w io.Writer, jsonOut bool) *printer {
	p := &printer{w: w, json: jsonOut, s: plain()}
	if f, ok := w.(*os.File); ok && os.Getenv("NO_COLOR") == "" {
		if isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()) {
			p.s = colored()
		}
	}
	return p
}

// Result prints v as JSON in JSON mode, else calls text.
func (p *printer) Result(v any, text func()) error {
	if p.json {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text()
	return nil
}

func (p *printer) Title(format string, args ...any) {
	fmt.Fprintln(p.w, p.s.title.Render(fmt.Sprintf(format, args...)))
}

func (p *printer) Success(format string, args ...any) {
	fmt.Fprintln(p.w, p.s.ok.Render("✓ ")+fmt.Sprintf(format, args...))
}

func (p *printer) Warn(format string, args ...any) {
	fmt.Fprintln(p.w, p.s.warn.Render("⚠ ")+fmt.Sprintf(format, args...))
}

// Field prints an aligned "key: value" line.
func (p *printer) Field(key string, value any) {
	fmt.Fprintf(p.w, "%s %v\n", p.s.muted.Render(fmt.Sprintf("%-12s", key+":")), value)
}

// Table prints rows under headers. Empty tables print a muted "(none)".
func (p *printer) Table(headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Fprintln(p.w, p.s.muted.Render("(none)"))
		return
	}
	t := table.New().
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return p.s.header
			}
			return p.s.cell
		})
	if p.s.bordered {
		t = t.Border(lipgloss.RoundedBorder()).BorderStyle(p.s.border)
	} else {
		t = t.Border(lipgloss.HiddenBorder()).
			BorderTop(false).BorderBottom(false).BorderLeft(false).BorderRight(false).
			BorderColumn(false).BorderHeader(false)
	}
	fmt.Fprintln(p.w, t.Render())
}

// Error prints err with its kind and, when known, expected vs actual state.
func (p *printer) Error(err error) {
	if p.json {
		body := map[string]any{"error": err.Error(), "kind": ckerrors.KindOf(err).String()}
		var ce *ckerrors.Error
		if errors.As(err, &ce) {
			body["op"] = ce.Op
			body["subject"] = ce.Subject
			if ce.Expected != "" {
				body["expected"], body["actual"] = ce.Expected, ce.Actual
			}
		}
		_ = json.NewEncoder(p.w).Encode(body)
		return
	}
	fmt.Fprintln(p.w, p.s.err.Render("✗ Error: ")+err.Error())
}

// Exit codes by error kind. Scripts rely on these values.
const (
	exitOK                = 0
	exitFailure           = 1
	exitInvalidFormat     = 2
	exitNotFound          = 3
	exitConflict          = 4
	exitInvalidTransition = 5
	exitPermissionDenied  = 6
	exitProcessError      = 7
	exitTimeout           = 8
)

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	switch ckerrors.KindOf(err) {
	case ckerrors.KindInvalidFormat:
		return exitInvalidFormat
	case ckerrors.KindNotFound:
		return exitNotFound
	case ckerrors.KindAlreadyExists, ckerrors.KindAlreadyRunning:
		return exitConflict
	case ckerrors.KindInvalidTransition:
		return exitInvalidTransition
	case ckerrors.KindPermissionDenied:
		return exitPermissionDenied
	case ckerrors.KindProcessError:
		return exitProcessError
	case ckerrors.KindTimeout:
		return exitTimeout
	default:
		return exitFailure
	}
}
