// Package executil wraps external tool invocation: argv-list construction,
// working-directory control, bounded timeouts, and output capture. A timed
// out or failed tool is a normal Result, not a Go error; errors are reserved
// for not being able to start the process at all.
package executil

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// Cmd describes one external tool invocation.
type Cmd struct {
	// Argv is the full argument vector, program name first. Never a shell
	// string.
	Argv []string
	// Dir is the working directory, typically the document's source tree.
	Dir string
	// Timeout bounds the run. Zero means no bound beyond ctx.
	Timeout time.Duration
}

// Result captures what the tool did.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Success reports a clean exit.
func (r Result) Success() bool {
	return !r.TimedOut && r.ExitCode == 0
}

// CombinedOutput joins stdout and stderr for diagnostic parsing.
func (r Result) CombinedOutput() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	return r.Stdout + "\n" + r.Stderr
}

// Runner executes external tools. The pipeline depends on this interface so
// tests can substitute a scripted fake.
type Runner interface {
	// Run executes the command. The returned error is non-nil only for
	// infrastructure faults (program missing, cannot start); tool failures
	// and timeouts are reported in the Result.
	Run(ctx context.Context, cmd Cmd) (Result, error)
	// LookPath reports whether an executable is available.
	LookPath(name string) bool
}

// SystemRunner runs commands on the host.
type SystemRunner struct{}

// NewSystemRunner returns the host-backed Runner.
func NewSystemRunner() *SystemRunner {
	return &SystemRunner{}
}

// Run implements Runner. Cancelling ctx kills the process.
func (SystemRunner) Run(ctx context.Context, cmd Cmd) (Result, error) {
	if len(cmd.Argv) == 0 {
		return Result{}, errors.New("empty argv")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if cmd.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(runCtx, cmd.Argv[0], cmd.Argv[1:]...) // #nosec G204 - argv is list-built, never shell interpreted
	c.Dir = cmd.Dir

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runCtx.Err() != nil && ctx.Err() == nil {
		// The per-command deadline fired, not the caller's context.
		res.TimedOut = true
		res.ExitCode = -1
		return res, nil
	}
	if ctx.Err() != nil {
		// Caller cancellation propagates as an error so the pipeline stops.
		return res, ctx.Err()
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		// Could not start the tool at all.
		return res, err
	}
	return res, nil
}

// LookPath implements Runner.
func (SystemRunner) LookPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
