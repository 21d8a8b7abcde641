package testutil

import (
	"context"
	"strings"
	"sync"

	"grimm.is/netplane/internal/host"
)

// FakeExecutor records every command and answers from canned results.
type FakeExecutor struct {
	mu sync.Mutex

	Calls  [][]string
	Inputs []string

	// Outputs maps a space-joined argv to its result.
	Outputs map[string]host.Result
	// Handler, when set, answers commands missing from Outputs.
	Handler func(argv []string, input string) (host.Result, error)
}

// NewFakeExecutor creates an executor whose commands all succeed with no output.
func NewFakeExecutor() *FakeExecutor {
	return &FakeExecutor{Outputs: make(map[string]host.Result)}
}

// On sets the stdout returned for an exact command line.
func (f *FakeExecutor) On(cmdline, stdout string) *FakeExecutor {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Outputs[cmdline] = host.Result{Stdout: stdout}
	return f
}

// Fail makes an exact command line exit with code and stderr.
func (f *FakeExecutor) Fail(cmdline string, code int, stderr string) *FakeExecutor {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Outputs[cmdline] = host.Result{ExitCode: code, Stderr: stderr}
	return f
}

func (f *FakeExecutor) Execute(_ context.Context, cmd host.Command) (host.Result, error) {
	f.mu.Lock()
	f.Calls = append(f.Calls, append([]string(nil), cmd.Argv...))
	f.Inputs = append(f.Inputs, cmd.Input)
	res, ok := f.Outputs[strings.Join(cmd.Argv, " ")]
	handler := f.Handler
	f.mu.Unlock()

	if !ok && handler != nil {
		var err error
		res, err = handler(cmd.Argv, cmd.Input)
		if err != nil {
			return res, err
		}
	}
	return res, host.CheckExit(cmd, res, nil)
}

// Commands returns the recorded command lines.
func (f *FakeExecutor) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Calls))
	for i, c := range f.Calls {
		out[i] = strings.Join(c, " ")
	}
	return out
}

// Reset forgets recorded calls but keeps canned outputs.
func (f *FakeExecutor) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = nil
	f.Inputs = nil
}
