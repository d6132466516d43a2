// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders tally CLI output: styled text on a terminal, plain
// text when piped, and JSON on request.
package ux

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// =============================================================================
// Palette
// =============================================================================

var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")
	ColorWarning     = lipgloss.Color("#F4D03F")
	ColorError       = lipgloss.Color("#E74C3C")
)

// Styles are the lipgloss styles used on a terminal.
var Styles = struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Value   lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Box     lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Label:   lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Value:   lipgloss.NewStyle().Bold(true),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorTealBright),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
}

// Icon is a status marker.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconBullet  Icon = "•"
)

// =============================================================================
// Output modes
// =============================================================================

// Mode selects the output format.
type Mode string

const (
	// ModeAuto is styled text on a terminal and plain text otherwise.
	ModeAuto Mode = "auto"
	// ModeText is plain text.
	ModeText Mode = "text"
	// ModeJSON is one indented JSON document per result.
	ModeJSON Mode = "json"
)

// ParseMode parses an --output flag value.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(s)); m {
	case ModeAuto, ModeText, ModeJSON:
		return m, nil
	case "":
		return ModeAuto, nil
	default:
		return "", fmt.Errorf("unknown output mode %q (want auto, text or json)", s)
	}
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// =============================================================================
// Printer
// =============================================================================

// Printer writes results and status lines.
//
// Thread Safety: Not safe for concurrent use.
type Printer struct {
	out    io.Writer
	errOut io.Writer
	json   bool
	styled bool
}

// NewPrinter creates a Printer writing results to out and diagnostics to
// errOut.
func NewPrinter(out, errOut io.Writer, mode Mode) *Printer {
	return &Printer{
		out:    out,
		errOut: errOut,
		json:   mode == ModeJSON,
		styled: mode == ModeAuto && IsTerminal(out),
	}
}

// JSONMode reports whether results are written as JSON.
func (p *Printer) JSONMode() bool {
	return p.json
}

// Emit writes v as JSON in JSON mode and calls text otherwise.
func (p *Printer) Emit(v any, text func(*Printer)) error {
	if p.json {
		enc := json.NewEncoder(p.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(p)
	return nil
}

func (p *Printer) render(style lipgloss.Style, s string) string {
	if !p.styled {
		return s
	}
	return style.Render(s)
}

// Title writes a heading. Suppressed in JSON mode.
func (p *Printer) Title(text string) {
	if p.json {
		return
	}
	fmt.Fprintln(p.out, p.render(Styles.Title, text))
}

// Field writes one aligned label/value line.
func (p *Printer) Field(label string, value any) {
	fmt.Fprintf(p.out, "  %s %s\n",
		p.render(Styles.Label, fmt.Sprintf("%-22s", label+":")),
		p.render(Styles.Value, fmt.Sprint(value)))
}

// Item writes a bulleted line.
func (p *Printer) Item(text string) {
	fmt.Fprintf(p.out, "  %s %s\n", p.render(Styles.Muted, string(IconBullet)), text)
}

// Box writes content in a bordered box on a terminal.
func (p *Printer) Box(title, content string) {
	if !p.styled {
		fmt.Fprintf(p.out, "%s\n%s\n", title, content)
		return
	}
	fmt.Fprintln(p.out, Styles.Box.Render(Styles.Title.Render(title)+"\n"+content))
}

// Success writes a success line to the diagnostics stream.
func (p *Printer) Success(text string) {
	p.status(IconSuccess, Styles.Success, "OK", text)
}

// Warning writes a warning line to the diagnostics stream.
func (p *Printer) Warning(text string) {
	p.status(IconWarning, Styles.Warning, "WARN", text)
}

// Error writes an error line to the diagnostics stream.
func (p *Printer) Error(text string) {
	p.status(IconError, Styles.Error, "ERROR", text)
}

func (p *Printer) status(icon Icon, style lipgloss.Style, plain, text string) {
	if !p.styled {
		fmt.Fprintf(p.errOut, "%s: %s\n", plain, text)
		return
	}
	fmt.Fprintf(p.errOut, "%s %s\n", style.Render(string(icon)), style.Render(text))
}
