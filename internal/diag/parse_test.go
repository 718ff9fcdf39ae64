package diag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLog = `This is pdfTeX, Version 3.141592653
! Undefined control sequence.
l.42 \badmacro
           {oops}
LaTeX Warning: Citation 'knuth84' on page 1 undefined on input line 10.
Overfull \hbox (12.3pt too wide) in paragraph at lines 5--7
`

func TestParseLogErrorWithContext(t *testing.T) {
	diags := ParseLog(sampleLog)
	errs := Errors(diags)
	require.Len(t, errs, 1)
	assert.Equal(t, SeverityError, errs[0].Severity)
	assert.Equal(t, "Undefined control sequence.", errs[0].Message)
	assert.Equal(t, 42, errs[0].Line)
	assert.Contains(t, errs[0].Context, "\\badmacro")
}

func TestParseLogWarnings(t *testing.T) {
	diags := ParseLog(sampleLog)

	var warnings []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityWarning {
			warnings = append(warnings, d)
		}
	}
	require.Len(t, warnings, 2)
	assert.Contains(t, warnings[0].Message, "Citation 'knuth84'")
	assert.Contains(t, warnings[1].Message, "Overfull \\hbox")
}

func TestParseLogCritical(t *testing.T) {
	diags := ParseLog("! Emergency stop.\n<*> main.tex\n")
	require.Len(t, diags, 1)
	assert.Equal(t, SeverityCritical, diags[0].Severity)
}

func TestParseLogFileLineErrors(t *testing.T) {
	log := "./chapter1.tex:17: LaTeX Error: Environment theorem undefined.\n"
	diags := ParseLog(log)
	require.Len(t, diags, 1)
	assert.Equal(t, "./chapter1.tex", diags[0].File)
	assert.Equal(t, 17, diags[0].Line)
	assert.Equal(t, SeverityError, diags[0].Severity)
}

func TestWorstAndHasBlocking(t *testing.T) {
	assert.Equal(t, Severity(""), Worst(nil))
	assert.Equal(t, SeverityWarning, Worst([]Diagnostic{{Severity: SeverityWarning}}))
	assert.Equal(t, SeverityCritical, Worst([]Diagnostic{
		{Severity: SeverityError},
		{Severity: SeverityCritical},
		{Severity: SeverityWarning},
	}))

	assert.False(t, HasBlocking([]Diagnostic{{Severity: SeverityWarning}}))
	assert.True(t, HasBlocking([]Diagnostic{{Severity: SeverityError}}))
}

func TestParseLogDeduplicates(t *testing.T) {
	log := "! Undefined control sequence.\n! Undefined control sequence.\n"
	diags := ParseLog(log)
	assert.Len(t, diags, 1)
}
