// Package host adapts the operating system: running external commands and
// touching files. Everything above this package talks to the host only
// through the Executor and FileSystem interfaces.
package host

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"grimm.is/netplane/internal/errors"
	"grimm.is/netplane/internal/logging"
	"grimm.is/netplane/internal/metrics"
)

// Command describes one external process invocation.
type Command struct {
	Argv  []string
	Input string
	// ExitCodes lists the exit codes treated as success. Empty means only 0.
	ExitCodes      []int
	IgnoreExitCode bool
}

// Cmd is shorthand for a Command with only argv set.
func Cmd(argv ...string) Command {
	return Command{Argv: argv}
}

// String renders the command line for logs.
func (c Command) String() string {
	return strings.Join(c.Argv, " ")
}

// Result is the captured outcome of a command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Executor runs external commands.
type Executor interface {
	Execute(ctx context.Context, cmd Command) (Result, error)
}

// CommandError describes a command that exited with an unaccepted code
// or could not be started. ExitCode is -1 when the process never ran.
type CommandError struct {
	Argv     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q exited %d", strings.Join(e.Argv, " "), e.ExitCode)
	if e.Err != nil && e.ExitCode < 0 {
		msg = fmt.Sprintf("command %q failed: %v", strings.Join(e.Argv, " "), e.Err)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// accepted reports whether code counts as success for cmd.
func (c Command) accepted(code int) bool {
	if c.IgnoreExitCode {
		return true
	}
	if len(c.ExitCodes) == 0 {
		return code == 0
	}
	return slices.Contains(c.ExitCodes, code)
}

// CheckExit turns a finished command into a *CommandError wrapped as
// KindExternalCommand when its exit code is not accepted.
func CheckExit(cmd Command, res Result, runErr error) error {
	if runErr == nil && cmd.accepted(res.ExitCode) {
		return nil
	}
	ce := &CommandError{
		Argv:     cmd.Argv,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		Err:      runErr,
	}
	return errors.Wrap(ce, errors.KindExternalCommand, "external command failed")
}

// RealExecutor runs commands with os/exec, optionally prefixed by a root
// helper such as "sudo".
type RealExecutor struct {
	RootHelper []string
	Logger     *logging.Logger
	Metrics    *metrics.Registry
}

// NewRealExecutor creates an executor. rootHelper may be empty.
func NewRealExecutor(rootHelper string, logger *logging.Logger, m *metrics.Registry) *RealExecutor {
	if logger == nil {
		logger = logging.Discard()
	}
	return &RealExecutor{
		RootHelper: strings.Fields(rootHelper),
		Logger:     logger.WithComponent("exec"),
		Metrics:    m,
	}
}

// Execute runs the command to completion.
func (e *RealExecutor) Execute(ctx context.Context, c Command) (Result, error) {
	if len(c.Argv) == 0 {
		return Result{ExitCode: -1}, errors.New(errors.KindValidation, "empty command")
	}

	argv := append(slices.Clone(e.RootHelper), c.Argv...)
	e.Logger.Debug("running command", "cmd", strings.Join(argv, " "))

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if c.Input != "" {
		cmd.Stdin = strings.NewReader(c.Input)
	}

	res := Result{}
	runErr := cmd.Run()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			runErr = nil
		} else {
			res.ExitCode = -1
		}
	}

	err := CheckExit(c, res, runErr)
	if e.Metrics != nil {
		e.Metrics.RecordCommand(filepath.Base(c.Argv[0]), res.ExitCode, err)
	}
	if err != nil {
		e.Logger.Debug("command failed", "cmd", c.String(), "exit", res.ExitCode, "stderr", strings.TrimSpace(res.Stderr))
		return res, err
	}
	return res, nil
}
