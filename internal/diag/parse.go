package diag

import (
	"regexp"
	"strconv"
	"strings"
)

// LaTeX log structure is shared across pdflatex/xelatex/lualatex; the
// backends differ in which messages they emit, not in their shape, so one
// parser with severity classification rules covers all of them.

var (
	// "! Undefined control sequence." style hard errors.
	errorLine = regexp.MustCompile(`(?m)^!\s*(.+)$`)
	// "./main.tex:12: Something" file-line-error form.
	fileLineError = regexp.MustCompile(`(?m)^(\S+\.tex):(\d+):\s*(.+)$`)
	// "l.42 \badmacro" context line following an error.
	contextLine = regexp.MustCompile(`(?m)^l\.(\d+)\s+(.*)$`)
	// "LaTeX Warning: ..." and package warnings.
	warningLine = regexp.MustCompile(`(?m)^(?:LaTeX|Package \S+|Class \S+)? ?Warning:\s*(.+)$`)
	// Box quality complaints are warnings by convention.
	boxLine = regexp.MustCompile(`(?m)^(Overfull|Underfull) \\[hv]box .+$`)
)

// criticalMarkers upgrade an error to critical severity: the run is
// structurally dead, retrying cannot help.
var criticalMarkers = []string{
	"emergency stop",
	"fatal error occurred",
	"==> fatal error",
	"job aborted",
}

// warningMarkers downgrade a bang-line to warning severity.
var warningMarkers = []string{
	"citation",
	"reference",
	"font shape",
}

// ParseLog parses raw typesetting output into ordered diagnostics. The
// ordering follows the output stream so callers can reconstruct the failure
// narrative.
func ParseLog(output string) []Diagnostic {
	var diags []Diagnostic
	seen := make(map[string]bool)

	add := func(d Diagnostic) {
		key := string(d.Severity) + "|" + d.Message + "|" + strconv.Itoa(d.Line)
		if seen[key] {
			return
		}
		seen[key] = true
		diags = append(diags, d)
	}

	for _, m := range fileLineError.FindAllStringSubmatch(output, -1) {
		line, _ := strconv.Atoi(m[2])
		add(Diagnostic{
			Severity: classify(m[3]),
			Message:  strings.TrimSpace(m[3]),
			File:     m[1],
			Line:     line,
		})
	}

	for _, loc := range errorLine.FindAllStringSubmatchIndex(output, -1) {
		msg := strings.TrimSpace(output[loc[2]:loc[3]])
		d := Diagnostic{Severity: classify(msg), Message: msg}

		// Look a short distance ahead for the l.<n> context line.
		tail := output[loc[1]:]
		if len(tail) > 300 {
			tail = tail[:300]
		}
		if cm := contextLine.FindStringSubmatch(tail); cm != nil {
			d.Line, _ = strconv.Atoi(cm[1])
			d.Context = strings.TrimSpace(cm[2])
		}
		add(d)
	}

	for _, m := range warningLine.FindAllStringSubmatch(output, -1) {
		add(Diagnostic{Severity: SeverityWarning, Message: strings.TrimSpace(m[1])})
	}
	for _, m := range boxLine.FindAllString(output, -1) {
		add(Diagnostic{Severity: SeverityWarning, Message: strings.TrimSpace(m)})
	}

	return diags
}

// classify decides the severity of a bang-line message.
func classify(msg string) Severity {
	lower := strings.ToLower(msg)
	for _, marker := range criticalMarkers {
		if strings.Contains(lower, marker) {
			return SeverityCritical
		}
	}
	for _, marker := range warningMarkers {
		if strings.Contains(lower, marker) {
			return SeverityWarning
		}
	}
	return SeverityError
}
