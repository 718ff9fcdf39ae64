// Package diag models parsed toolchain diagnostics. A Diagnostic is the only
// channel through which expected compilation failures travel; Go errors are
// reserved for infrastructure faults.
package diag

// Severity classifies a diagnostic for retry and termination decisions.
type Severity string

const (
	// SeverityWarning is recorded but never blocks the pipeline.
	SeverityWarning Severity = "warning"
	// SeverityError blocks the current stage and is eligible for recovery.
	SeverityError Severity = "error"
	// SeverityCritical fails the whole pipeline with no retry.
	SeverityCritical Severity = "critical"
)

// rank orders severities for Worst comparisons.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityError:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Diagnostic is one parsed error or warning from toolchain output.
type Diagnostic struct {
	Severity   Severity `json:"severity"`
	Message    string   `json:"message"`
	File       string   `json:"file,omitempty"`
	Line       int      `json:"line,omitempty"`
	Context    string   `json:"context,omitempty"`
	Suggestion string   `json:"suggestion,omitempty"`
	FixApplied string   `json:"fix_applied,omitempty"`
}

// Worst returns the highest severity present in diags, or empty when diags is
// empty.
func Worst(diags []Diagnostic) Severity {
	var worst Severity
	for _, d := range diags {
		if d.Severity.rank() > worst.rank() {
			worst = d.Severity
		}
	}
	return worst
}

// Errors filters diags down to error and critical severity entries.
func Errors(diags []Diagnostic) []Diagnostic {
	var out []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError || d.Severity == SeverityCritical {
			out = append(out, d)
		}
	}
	return out
}

// HasBlocking reports whether diags contains anything above warning severity.
func HasBlocking(diags []Diagnostic) bool {
	return Worst(diags).rank() >= SeverityError.rank()
}
