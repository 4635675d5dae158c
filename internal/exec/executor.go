// Package exec spawns a task's subprocess invocation, merging its
// stdout and stderr into a single append-only log file streamed
// incrementally, and reports how it exited.
package exec

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ConfigButler/dispatcher/internal/procexec"
)

// ErrIO wraps a log-file failure. A failure to open the log file is
// returned as an error from Run and the process is not started. A
// failure to sync the log after the process exits is reported in
// Result.IOWarn and does not change the reported exit status.
var ErrIO = errors.New("log io error")

// CommandRunner is the seam tests substitute for the real subprocess.
// Production code uses ProcessRunner, which shells out via procexec.
type CommandRunner interface {
	Run(ctx context.Context, inv procexec.Invocation, out *os.File) (procexec.ExitStatus, error)
}

// ProcessRunner runs inv as a real child process, redirecting its
// stdout and stderr to the same file descriptor so their interleave
// order is preserved without the parent shuffling bytes itself.
type ProcessRunner struct{}

func (ProcessRunner) Run(ctx context.Context, inv procexec.Invocation, out *os.File) (procexec.ExitStatus, error) {
	return procexec.Run(ctx, inv, out, out)
}

// Executor runs task invocations on behalf of scheduler workers. It
// keeps no per-call state, so workers for different keys may call Run
// concurrently.
type Executor struct {
	runner CommandRunner
}

// New builds an Executor backed by runner.
func New(runner CommandRunner) *Executor {
	return &Executor{runner: runner}
}

// Result is the outcome of one Run.
type Result struct {
	Status  procexec.ExitStatus
	IOWarn  error // non-nil if the log file could not be fully written
	Spawned bool  // false if the process never started
}

// Run spawns inv, directing its merged output to logPath (created if
// absent and opened append-only, so existing content is kept), and
// returns once it exits.
func (e *Executor) Run(ctx context.Context, inv procexec.Invocation, logPath string) (Result, error) {
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return Result{}, fmt.Errorf("%w: opening log file %s: %v", ErrIO, logPath, err)
	}
	defer f.Close()

	status, runErr := e.runner.Run(ctx, inv, f)

	var ioWarn error
	if syncErr := f.Sync(); syncErr != nil {
		ioWarn = fmt.Errorf("%w: %v", ErrIO, syncErr)
	}

	if runErr != nil {
		return Result{Spawned: false, IOWarn: ioWarn}, runErr
	}
	return Result{Status: status, Spawned: true, IOWarn: ioWarn}, nil
}
