package executil

import (
	"context"
	"fmt"
	"sync"
)

// FakeRunner is a scripted Runner used by stage and pipeline tests. Scripts
// are keyed by program name; each call pops the next scripted result for that
// program. When a program's script is exhausted, the last entry repeats.
type FakeRunner struct {
	mu        sync.Mutex
	scripts   map[string][]Result
	callIdx   map[string]int
	missing   map[string]bool
	Calls     []Cmd
	OnCommand func(cmd Cmd)
}

// NewFakeRunner returns an empty fake; every program succeeds with empty
// output until scripted.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		scripts: make(map[string][]Result),
		callIdx: make(map[string]int),
		missing: make(map[string]bool),
	}
}

// Script appends results to the script for a program name.
func (f *FakeRunner) Script(program string, results ...Result) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[program] = append(f.scripts[program], results...)
	return f
}

// MarkMissing makes LookPath report the program as unavailable.
func (f *FakeRunner) MarkMissing(program string) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.missing[program] = true
	return f
}

// Run implements Runner.
func (f *FakeRunner) Run(ctx context.Context, cmd Cmd) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if len(cmd.Argv) == 0 {
		return Result{}, fmt.Errorf("empty argv")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.Calls = append(f.Calls, cmd)
	if f.OnCommand != nil {
		f.OnCommand(cmd)
	}

	program := cmd.Argv[0]
	script := f.scripts[program]
	if len(script) == 0 {
		return Result{ExitCode: 0}, nil
	}
	idx := f.callIdx[program]
	if idx >= len(script) {
		idx = len(script) - 1
	} else {
		f.callIdx[program]++
	}
	return script[idx], nil
}

// LookPath implements Runner.
func (f *FakeRunner) LookPath(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.missing[name]
}

// CallsFor returns the recorded invocations of one program.
func (f *FakeRunner) CallsFor(program string) []Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Cmd
	for _, c := range f.Calls {
		if len(c.Argv) > 0 && c.Argv[0] == program {
			out = append(out, c)
		}
	}
	return out
}
