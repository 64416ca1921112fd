// Package ui prints human-facing CLI output. Styling is applied only when
// the destination is a terminal.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// ANSI color/style codes
const (
	reset  = "\033[0m"
	bold   = "\033[1m"
	dim    = "\033[2m"
	cyan   = "\033[36m"
	green  = "\033[32m"
	yellow = "\033[33m"
	red    = "\033[31m"
	white  = "\033[97m"
)

// Printer writes styled lines to w.
type Printer struct {
	w     io.Writer
	color bool
}

// New returns a Printer that styles output only if w is a terminal.
func New(w io.Writer) *Printer {
	return &Printer{w: w, color: isTTY(w)}
}

// Stderr is the printer used for diagnostics.
var Stderr = New(os.Stderr)

func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func (p *Printer) s(codes, text string) string {
	if !p.color {
		return text
	}
	return codes + text + reset
}

// Banner prints the daemon startup banner.
//
//	doppio daemon v0.1.0
func (p *Printer) Banner(version string) {
	fmt.Fprintf(p.w, "\n  %s %s\n", p.s(bold+cyan, "doppio daemon"), p.s(dim, "v"+version))
}

// KeyValue prints a labeled line:  ▸ label  value
func (p *Printer) KeyValue(label, value string) {
	fmt.Fprintf(p.w, "  %s %-11s %s\n", p.s(cyan, "▸"), p.s(dim, label), p.s(white, value))
}

// Success prints a success line:  ✔ message
func (p *Printer) Success(format string, a ...any) {
	fmt.Fprintf(p.w, "  %s %s\n", p.s(green, "✔"), fmt.Sprintf(format, a...))
}

// Warn prints a warning line:  ▲ message
func (p *Printer) Warn(format string, a ...any) {
	fmt.Fprintf(p.w, "  %s %s\n", p.s(yellow, "▲"), fmt.Sprintf(format, a...))
}

// Error prints an error line. Errors are plain "doppio: message" so they
// stay readable in scripts; the marker is colored on a terminal.
func (p *Printer) Error(err error) {
	fmt.Fprintf(p.w, "%s %s\n", p.s(bold+red, "doppio:"), err)
}

// Separator prints a dim horizontal line.
func (p *Printer) Separator() {
	fmt.Fprintf(p.w, "  %s\n", p.s(dim, strings.Repeat("─", 48)))
}
