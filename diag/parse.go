package diag

import (
	"bufio"
	"strconv"
	"strings"
)

// markers are checked in order; "fatal error" must precede "error".
var markers = []struct {
	text string
	sev  Severity
}{
	{"fatal error", Fatal},
	{"error", Error},
	{"warning", Warning},
	{"note", Note},
	{"remark", Remark},
}

// Parse extracts diagnostics from text in the frontend's default format:
//
//	file:line:col: error: message
//	error: message
//
// Source excerpts, caret lines and summary lines ("1 error generated.") are skipped.
func Parse(text string) []*Diagnostic {
	var diags []*Diagnostic
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if d, ok := ParseLine(sc.Text()); ok {
			diags = append(diags, d)
		}
	}
	return diags
}

// ParseLine parses a single diagnostic line.
func ParseLine(line string) (*Diagnostic, bool) {
	line = strings.TrimRight(line, "\r")
	for _, m := range markers {
		if rest, ok := strings.CutPrefix(line, m.text+": "); ok {
			return &Diagnostic{Severity: m.sev, Msg: rest}, true
		}
		sep := ": " + m.text + ": "
		idx := strings.Index(line, sep)
		if idx < 0 {
			continue
		}
		pos, ok := parsePos(line[:idx])
		if !ok {
			continue
		}
		return &Diagnostic{Pos: pos, Severity: m.sev, Msg: line[idx+len(sep):]}, true
	}
	return nil, false
}

// parsePos splits "file:line:col" or "file:line" from the right so that
// drive letters in Windows paths survive.
func parsePos(loc string) (Pos, bool) {
	if loc == "" {
		return Pos{}, false
	}
	file, last, ok := cutLastNumber(loc)
	if !ok {
		// "<command line>" and friends carry no numbers
		return Pos{File: loc}, !strings.ContainsAny(loc, " \t")
	}
	if f, line, ok := cutLastNumber(file); ok {
		return Pos{File: f, Line: line, Column: last}, true
	}
	return Pos{File: file, Line: last}, true
}

func cutLastNumber(s string) (string, int, bool) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return s, 0, false
	}
	n, err := strconv.Atoi(s[i+1:])
	if err != nil || n <= 0 {
		return s, 0, false
	}
	return s[:i], n, true
}
