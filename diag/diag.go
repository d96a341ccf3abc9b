package diag

import (
	"fmt"
	"strconv"
	"strings"
)

type Severity int

const (
	Note Severity = iota
	Remark
	Warning
	Error
	Fatal
)

var severities = [...]string{
	Note:    "note",
	Remark:  "remark",
	Warning: "warning",
	Error:   "error",
	Fatal:   "fatal error",
}

func (s Severity) String() string {
	if int(s) < len(severities) {
		return severities[s]
	}
	return "severity(" + strconv.Itoa(int(s)) + ")"
}

// Pos is a location in a source file. Line and Column are 1-based; zero means
// the frontend reported no location.
type Pos struct {
	File   string
	Line   int
	Column int
}

func (p Pos) IsValid() bool {
	return p.Line > 0
}

func (p Pos) String() string {
	if !p.IsValid() {
		return p.File
	}
	if p.Column > 0 {
		return fmt.Sprintf("%s:%d:%d", p.File, p.Line, p.Column)
	}
	return fmt.Sprintf("%s:%d", p.File, p.Line)
}

type Diagnostic struct {
	Pos      Pos
	Severity Severity
	Msg      string
}

func (d *Diagnostic) String() string {
	if d.Pos.File == "" {
		return fmt.Sprintf("%s: %s", d.Severity, d.Msg)
	}
	return fmt.Sprintf("%s: %s: %s", d.Pos, d.Severity, d.Msg)
}

func (d *Diagnostic) IsError() bool {
	return d.Severity >= Error
}

// Errors returns only the diagnostics of error or fatal severity.
func Errors(diags []*Diagnostic) []*Diagnostic {
	var errs []*Diagnostic
	for _, d := range diags {
		if d.IsError() {
			errs = append(errs, d)
		}
	}
	return errs
}

// Format renders diagnostics one per line, the way the frontend printed them.
func Format(diags []*Diagnostic) string {
	var b strings.Builder
	for _, d := range diags {
		b.WriteString(d.String())
		b.WriteByte('\n')
	}
	return b.String()
}
