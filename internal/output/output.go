// Package output renders command results either as styled terminal text or
// as indented JSON.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// ANSI styles
const (
	colorReset = "\033[0m"
	colorBold  = "\033[1m"

	brandPrimary = "\033[38;5;45m"
	brandAccent  = "\033[38;5;220m"
	brandSuccess = "\033[38;5;78m"
	brandError   = "\033[38;5;203m"
	brandMuted   = "\033[38;5;240m"
)

// Icons
const (
	iconCheck   = "✓"
	iconCross   = "✗"
	iconArrow   = "→"
	iconBolt    = "⚡"
	iconDiamond = "◆"
	boxH        = "─"
)

// CommandResult is the JSON envelope for one command.
type CommandResult struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Printer writes command output to w.
type Printer struct {
	w     io.Writer
	json  bool
	color bool
}

// New returns a printer. In JSON mode the styled helpers are silent and
// callers emit results with Result or JSON.
func New(w io.Writer, jsonMode, color bool) *Printer {
	return &Printer{w: w, json: jsonMode, color: color}
}

// JSONMode reports whether output is JSON.
func (p *Printer) JSONMode() bool { return p.json }

// Writer returns the underlying writer.
func (p *Printer) Writer() io.Writer { return p.w }

func (p *Printer) style(codes string, s string) string {
	if !p.color {
		return s
	}
	return codes + s + colorReset
}

// JSON writes v as indented JSON.
func (p *Printer) JSON(v interface{}) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON: %w", err)
	}
	return nil
}

// Result writes a CommandResult envelope.
func (p *Printer) Result(message string, data interface{}, err error) error {
	res := CommandResult{Success: err == nil, Message: message, Data: data}
	if err != nil {
		res.Error = err.Error()
	}
	return p.JSON(res)
}

// Section prints a heading with an underline.
func (p *Printer) Section(title string) {
	if p.json {
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", p.style(brandPrimary, iconDiamond), p.style(colorBold, title))
	fmt.Fprintln(p.w, p.style(brandMuted, strings.Repeat(boxH, 50)))
}

// Item prints an aligned label/value pair.
func (p *Printer) Item(label, value string) {
	if p.json {
		return
	}
	fmt.Fprintf(p.w, "  %s %s\n", p.style(brandMuted, fmt.Sprintf("%-18s", label+":")), p.style(colorBold, value))
}

func (p *Printer) Success(message string) {
	if p.json {
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", p.style(brandSuccess, iconCheck), message)
}

func (p *Printer) Error(message string) {
	if p.json {
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", p.style(brandError, iconCross), message)
}

func (p *Printer) Info(message string) {
	if p.json {
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", p.style(brandPrimary, iconArrow), message)
}

func (p *Printer) Warning(message string) {
	if p.json {
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", p.style(brandAccent, iconBolt), message)
}

// Text writes s unstyled, in both modes.
func (p *Printer) Text(s string) {
	fmt.Fprint(p.w, s)
}
