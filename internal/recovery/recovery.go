// Package recovery diagnoses compile diagnostics against an ordered rule
// list and proposes fixes. Rules are pure: a proposed Fix describes what
// should change (install a package, patch the source, switch backend), and
// the caller performs the actual mutation before re-running the stage.
package recovery

import (
	"fmt"
	"regexp"
	"strings"

	"git.home.luguber.info/inful/texbuild/internal/diag"
	"git.home.luguber.info/inful/texbuild/internal/document"
)

// FixKind discriminates the action a Fix requests.
type FixKind string

const (
	// FixInstallPackages requests installation of missing packages.
	FixInstallPackages FixKind = "install_packages"
	// FixPatchSource requests a textual patch to the root source file.
	FixPatchSource FixKind = "patch_source"
	// FixSwitchBackend requests switching to a different backend and
	// re-running the compile stage.
	FixSwitchBackend FixKind = "switch_backend"
)

// TextPatch is a literal find/replace against the root source file. An empty
// Find means InsertBefore is used instead: ReplaceWith is inserted
// immediately before the first occurrence of InsertBefore.
type TextPatch struct {
	Find         string
	ReplaceWith  string
	InsertBefore string
}

// Fix is a proposed recovery action.
type Fix struct {
	Rule        string
	Kind        FixKind
	Description string
	// Matched is the diagnostic message that triggered the rule, so the
	// caller can annotate that diagnostic with the applied fix.
	Matched  string
	Packages []string
	Patch    *TextPatch
	Backend  document.Backend
}

// Context carries the state a rule may inspect when proposing a fix.
type Context struct {
	Backend  document.Backend
	RootPath string
}

// Rule matches diagnostic messages and proposes a fix from the captures.
// Propose must be pure; returning nil declines the match.
type Rule struct {
	Name    string
	Matcher *regexp.Regexp
	Propose func(match []string, ctx Context) *Fix
}

// Engine holds the ordered rule list. It is immutable after construction and
// safe to share across builds; per-build state lives in a Session.
type Engine struct {
	rules []Rule
	log   *FixLog
}

// NewEngine builds an engine over the given rules, tried in order. A nil
// log disables learned-fix recording.
func NewEngine(rules []Rule, log *FixLog) *Engine {
	return &Engine{rules: rules, log: log}
}

// NewDefaultEngine builds an engine with the built-in rule set.
func NewDefaultEngine(log *FixLog) *Engine {
	return NewEngine(DefaultRules(), log)
}

// Session tracks which (rule, message) pairs have already been tried during
// one document's build, so a fix that did not resolve its diagnostic is
// never proposed again for the same message.
type Session struct {
	engine *Engine
	tried  map[string]bool
}

// NewSession starts a fresh per-document session.
func (e *Engine) NewSession() *Session {
	return &Session{engine: e, tried: make(map[string]bool)}
}

// Diagnose scans diagnostics of error severity against the rule list, in
// rule priority order, and returns the first applicable fix. Warnings are
// ignored; critical diagnostics are never recoverable. Returns nil when no
// rule applies.
func (s *Session) Diagnose(diagnostics []diag.Diagnostic, ctx Context) *Fix {
	for _, rule := range s.engine.rules {
		for _, d := range diagnostics {
			if d.Severity != diag.SeverityError {
				continue
			}
			match := rule.Matcher.FindStringSubmatch(d.Message)
			if match == nil {
				continue
			}
			key := triedKey(rule.Name, d.Message)
			if s.tried[key] {
				continue
			}
			fix := rule.Propose(match, ctx)
			if fix == nil {
				continue
			}
			fix.Rule = rule.Name
			fix.Matched = d.Message
			s.tried[key] = true
			return fix
		}
	}
	return nil
}

// Suggest annotates diagnostics with rule suggestions without consuming
// any session state. Used to enrich reported diagnostics for the caller.
func (e *Engine) Suggest(diagnostics []diag.Diagnostic, ctx Context) []diag.Diagnostic {
	out := make([]diag.Diagnostic, len(diagnostics))
	copy(out, diagnostics)
	for i := range out {
		if out[i].Severity == diag.SeverityWarning || out[i].Suggestion != "" {
			continue
		}
		for _, rule := range e.rules {
			match := rule.Matcher.FindStringSubmatch(out[i].Message)
			if match == nil {
				continue
			}
			if fix := rule.Propose(match, ctx); fix != nil {
				out[i].Suggestion = fix.Description
				break
			}
		}
	}
	return out
}

// RecordOutcome appends the result of an applied fix to the learned-fix
// log, when a log is configured.
func (e *Engine) RecordOutcome(buildID string, fix *Fix, resolved bool) {
	if e == nil || e.log == nil || fix == nil {
		return
	}
	e.log.Record(buildID, fix, resolved)
}

func triedKey(rule, message string) string {
	return fmt.Sprintf("%s\x00%s", rule, strings.TrimSpace(message))
}
