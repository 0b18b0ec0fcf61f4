// Package execx executes configured external tools as subprocesses with a
// timeout, captured stdout/stderr, and a structured outcome.
//
// Every pipeline stage that shells out (hash extraction, the cracking
// engine's show mode, keytool metadata lookups) goes through Run. Retry
// policy is the caller's responsibility; execx only guarantees that a
// timed-out process is killed rather than orphaned.
package execx

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os/exec"
	"syscall"
	"time"
)

// State classifies how an invocation ended.
type State int

const (
	// Success means the process exited zero.
	Success State = iota
	// NonZeroExit means the process ran but exited non-zero.
	NonZeroExit
	// TimedOut means the timeout elapsed and the process was killed.
	TimedOut
	// LaunchFailure means the binary was missing or not executable.
	LaunchFailure
)

func (s State) String() string {
	switch s {
	case Success:
		return "success"
	case NonZeroExit:
		return "non-zero exit"
	case TimedOut:
		return "timed out"
	case LaunchFailure:
		return "launch failure"
	default:
		return "unknown"
	}
}

// Spec describes one external command invocation.
type Spec struct {
	// Path is the binary to execute (absolute, relative, or resolved
	// through PATH).
	Path string
	// Args are the command arguments, excluding the binary name.
	Args []string
	// Dir is the working directory; empty means inherit.
	Dir string
	// Timeout bounds the invocation. Zero means no additional bound
	// beyond the caller's context.
	Timeout time.Duration
	// Stdin is optional input piped to the process.
	Stdin []byte
}

// Result carries the outcome of one invocation.
type Result struct {
	State    State
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Elapsed  time.Duration
	// Err is the underlying error for TimedOut and LaunchFailure results,
	// and the exec error for NonZeroExit. Nil on Success.
	Err error
}

// Ok reports whether the invocation completed with exit code zero.
func (r Result) Ok() bool { return r.State == Success }

// Run executes spec and blocks until the process exits or the timeout
// fires. On timeout the process is forcibly terminated before Run returns.
func Run(ctx context.Context, spec Spec) Result {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	// Tools like the java extractor wrapper fork workers; killing only
	// the direct child on timeout would orphan them. Each invocation
	// gets its own process group and cancellation kills the group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	if len(spec.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(spec.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	res := Result{
		Stdout:  stdout.Bytes(),
		Stderr:  stderr.Bytes(),
		Elapsed: elapsed,
	}

	switch {
	case err == nil:
		res.State = Success
	case ctx.Err() != nil:
		// CommandContext killed the process; classify by cause.
		res.State = TimedOut
		res.ExitCode = -1
		res.Err = ctx.Err()
	case isLaunchFailure(err):
		res.State = LaunchFailure
		res.ExitCode = -1
		res.Err = err
	default:
		res.State = NonZeroExit
		res.Err = err
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
	}

	return res
}

// isLaunchFailure reports whether err means the process never started.
func isLaunchFailure(err error) bool {
	if errors.Is(err, exec.ErrNotFound) {
		return true
	}
	var pathErr *fs.PathError
	return errors.As(err, &pathErr)
}

// Available reports whether a binary can be resolved for execution.
// Used by preflight checks before a batch run commits to a pipeline.
func Available(path string) bool {
	_, err := exec.LookPath(path)
	return err == nil
}
