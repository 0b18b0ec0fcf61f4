// Package crack drives the external GPU cracking engine over a
// consolidated hash corpus: one engine process per batch run, a polled
// live status stream for progress, and a post-hoc show query as the
// authoritative source of recovered secrets.
package crack

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MaskCharset is custom charset 1 for mask attacks: lowercase, uppercase,
// digits (62 characters).
const MaskCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// DefaultMask is the six-position mask over MaskCharset (62^6 candidates).
const DefaultMask = "?1?1?1?1?1?1"

// Attack is the search-space specification for one engine run. A non-empty
// Wordlist selects a dictionary attack; otherwise a mask attack with Mask
// (DefaultMask when empty).
type Attack struct {
	Mask     string   `json:"mask,omitempty"`
	Wordlist string   `json:"wordlist,omitempty"`
	Rules    []string `json:"rules,omitempty"`
}

// Job describes one full engine invocation over a corpus.
type Job struct {
	CorpusPath  string
	PotfilePath string
	SessionName string
	// HashMode is the engine hash-type identifier (e.g. "15500").
	HashMode string
	Attack   Attack
	// Timeout bounds the whole engine run; zero means unbounded.
	Timeout time.Duration
}

// RunState classifies how an engine run ended.
type RunState int

const (
	// RunRecovered: the engine exited having recovered every hash.
	RunRecovered RunState = iota
	// RunExhausted: the engine ran the search space to completion without
	// recovering everything. A valid, non-error terminal outcome.
	RunExhausted
	// RunStopped: the run was cancelled or timed out before completion.
	RunStopped
	// RunFailed: the engine crashed or reported an internal error.
	RunFailed
)

func (s RunState) String() string {
	switch s {
	case RunRecovered:
		return "recovered"
	case RunExhausted:
		return "exhausted"
	case RunStopped:
		return "stopped"
	case RunFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RunResult is the terminal outcome of one engine process.
type RunResult struct {
	State    RunState
	ExitCode int
	Elapsed  time.Duration
	Err      error
}

// Engine wraps the external cracking binary.
type Engine struct {
	// Bin is the engine binary path.
	Bin string
	// StatusTimer is the engine-side status report interval in seconds
	// (default 5).
	StatusTimer int
	// PollInterval is how often snapshots are published (default 1s).
	PollInterval time.Duration
	// GPUTuning appends the aggressive device options the original batch
	// runs used (-O, -w 3, markov disable for mask attacks).
	GPUTuning bool
	Logger    *slog.Logger
}

func (e *Engine) statusTimer() int {
	if e.StatusTimer > 0 {
		return e.StatusTimer
	}
	return 5
}

func (e *Engine) pollInterval() time.Duration {
	if e.PollInterval > 0 {
		return e.PollInterval
	}
	return time.Second
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// BuildArgs assembles the engine command line for a job. The corpus file
// and potfile paths are passed absolute so the working directory (the
// engine's own directory, required for its kernel lookup) does not affect
// them.
func (e *Engine) BuildArgs(job Job) []string {
	args := []string{
		"-m", job.HashMode,
		"--status",
		"--status-timer", strconv.Itoa(e.statusTimer()),
		"--machine-readable",
		"--quiet",
		"--potfile-path", job.PotfilePath,
		"--session", job.SessionName,
	}

	mask := job.Attack.Wordlist == ""
	if mask {
		args = append(args, "-a", "3", "-1", MaskCharset)
	} else {
		args = append(args, "-a", "0")
	}

	if e.GPUTuning {
		args = append(args, "-O", "-w", "3")
		if mask {
			args = append(args, "--markov-disable")
		}
	}

	args = append(args, job.CorpusPath)
	if mask {
		m := job.Attack.Mask
		if m == "" {
			m = DefaultMask
		}
		args = append(args, m)
	} else {
		args = append(args, job.Attack.Wordlist)
		for _, r := range job.Attack.Rules {
			args = append(args, "-r", r)
		}
	}
	return args
}

// workDir returns the engine's own directory when Bin carries one, so
// relative kernel/OpenCL lookups resolve; empty otherwise.
func (e *Engine) workDir() string {
	if strings.ContainsRune(e.Bin, filepath.Separator) {
		return filepath.Dir(e.Bin)
	}
	return ""
}

// ErrLaunch wraps a failure to start the engine process at all.
var ErrLaunch = errors.New("engine launch failure")

// Run is a live engine process. The monitor goroutine owns the process
// handle; the controller consumes Snapshots and calls Wait. Stopping a
// run is context cancellation on the ctx passed to Start, same as every
// other blocking operation here.
type Run struct {
	snapshots chan Snapshot
	done      chan struct{}

	mu     sync.Mutex
	result RunResult
}

// Snapshots returns the progress channel. It is closed when the process
// exits; slow consumers never block the monitor (stale snapshots are
// dropped).
func (r *Run) Snapshots() <-chan Snapshot { return r.snapshots }

// Wait blocks until the engine process has exited and returns the terminal
// result.
func (r *Run) Wait() RunResult {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Start launches the engine over job and begins monitoring. It returns
// ErrLaunch (wrapped) when the process cannot be started; from then on all
// failures are reported through Wait.
func (e *Engine) Start(ctx context.Context, job Job) (*Run, error) {
	var runCtx context.Context
	var cancel context.CancelFunc
	if job.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, job.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	cmd := exec.CommandContext(runCtx, e.Bin, e.BuildArgs(job)...)
	cmd.Dir = e.workDir()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}
	cmd.Stderr = cmd.Stdout // engines interleave status and errors

	start := time.Now()
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	e.logger().Info("engine started",
		"session", job.SessionName, "mode", job.HashMode, "corpus", job.CorpusPath)

	run := &Run{
		snapshots: make(chan Snapshot, 1),
		done:      make(chan struct{}),
	}

	// Reader goroutine: drains stdout and keeps the latest status report.
	var stMu sync.Mutex
	var latest *EngineStatus
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			if st, ok := ParseEngineStatus(sc.Text()); ok {
				stMu.Lock()
				latest = st
				stMu.Unlock()
			}
		}
	}()

	// Monitor goroutine: publishes snapshots at the poll interval and
	// reaps the process.
	go func() {
		defer close(run.done)
		defer close(run.snapshots)
		defer cancel()

		waitErr := make(chan error, 1)
		go func() { waitErr <- cmd.Wait() }()

		ticker := time.NewTicker(e.pollInterval())
		defer ticker.Stop()

		publish := func() {
			stMu.Lock()
			st := latest
			stMu.Unlock()
			if st == nil {
				return
			}
			snap := st.snapshot(time.Now(), start)
			select {
			case run.snapshots <- snap:
			default:
				// Drop rather than block: the stream is display-only.
			}
		}

		for {
			select {
			case <-ticker.C:
				publish()
			case err := <-waitErr:
				<-readerDone
				publish()
				run.mu.Lock()
				run.result = e.classifyExit(runCtx, err, time.Since(start))
				run.mu.Unlock()
				return
			}
		}
	}()

	return run, nil
}

// classifyExit maps the process exit to a RunResult. Engine convention:
// exit 0 means every hash was recovered, exit 1 means the search space was
// exhausted (a valid outcome), anything else is a failure.
func (e *Engine) classifyExit(ctx context.Context, waitErr error, elapsed time.Duration) RunResult {
	res := RunResult{Elapsed: elapsed}

	if ctx.Err() != nil {
		res.State = RunStopped
		res.ExitCode = -1
		res.Err = ctx.Err()
		return res
	}

	if waitErr == nil {
		res.State = RunRecovered
		return res
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode == 1 {
			res.State = RunExhausted
			return res
		}
	} else {
		res.ExitCode = -1
	}

	res.State = RunFailed
	res.Err = waitErr
	return res
}
