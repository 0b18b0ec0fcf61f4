package pipeline

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/keyreap/keyreap/internal/crack"
	"github.com/keyreap/keyreap/internal/extract"
	"github.com/keyreap/keyreap/internal/session"
)

// Code classifies a stage failure for exit-code mapping and operator
// triage.
type Code string

const (
	// CodeInputNotFound: the root path does not exist. Invalid input.
	CodeInputNotFound Code = "input_not_found"
	// CodeNoItemsDiscovered: the scan found nothing. Not a failure; the
	// run completes with an empty report.
	CodeNoItemsDiscovered Code = "no_items_discovered"
	// CodeToolLaunchFailure: an external tool could not be started.
	CodeToolLaunchFailure Code = "tool_launch_failure"
	// CodeToolTimeout: an external tool exceeded its time budget.
	CodeToolTimeout Code = "tool_timeout"
	// CodeToolNonZeroExit: an external tool ran and reported failure.
	CodeToolNonZeroExit Code = "tool_non_zero_exit"
	// CodeHashFormatMismatch: extractor output carried no recognized hash.
	CodeHashFormatMismatch Code = "hash_format_mismatch"
	// CodeEngineCorrelationFailure: an engine-reported recovery matched no
	// corpus record. Always fatal; the report would be wrong.
	CodeEngineCorrelationFailure Code = "engine_correlation_failure"
	// CodePersistenceWriteFailure: a session, corpus, or report artifact
	// could not be written.
	CodePersistenceWriteFailure Code = "persistence_write_failure"
)

// StageError is a classified pipeline failure, tagged with the phase it
// occurred in.
type StageError struct {
	Code  Code
	Stage session.Phase
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Code, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// InvalidInput reports whether the failure means the operator's input was
// unusable, as opposed to the batch going wrong partway.
func (e *StageError) InvalidInput() bool {
	return e.Code == CodeInputNotFound || e.Code == CodeToolLaunchFailure
}

func stageErr(stage session.Phase, code Code, err error) *StageError {
	return &StageError{Code: code, Stage: stage, Err: err}
}

// classifyToolErr maps a per-item extraction error to a taxonomy code.
// Used when every item failed and the aggregate failure inherits the
// first item's class.
func classifyToolErr(err error) Code {
	var parseErr *extract.ParseError
	switch {
	case errors.As(err, &parseErr):
		return CodeHashFormatMismatch
	case errors.Is(err, exec.ErrNotFound):
		return CodeToolLaunchFailure
	case strings.Contains(err.Error(), "timed out"):
		return CodeToolTimeout
	case strings.Contains(err.Error(), "launch failed"):
		return CodeToolLaunchFailure
	default:
		return CodeToolNonZeroExit
	}
}

// classifyRunFailure maps a terminal engine state to a taxonomy code.
func classifyRunFailure(res crack.RunResult) Code {
	if errors.Is(res.Err, crack.ErrLaunch) {
		return CodeToolLaunchFailure
	}
	return CodeToolNonZeroExit
}
