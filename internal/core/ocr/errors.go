package ocr

import (
	"errors"
	"fmt"
	"os/exec"
)

var (
	// ErrEngineFailure matches every *EngineError.
	ErrEngineFailure = errors.New("ocr engine failure")
	// ErrNoOutput means the engine exited cleanly without writing its text file.
	ErrNoOutput = errors.New("ocr engine produced no output")
)

// EngineError describes a failed extraction attempt.
type EngineError struct {
	Op       string // "input", "run", "read", "write"
	Path     string
	ExitCode int // -1 when the process did not exit normally
	Stderr   string
	Err      error
}

func (e *EngineError) Error() string {
	msg := fmt.Sprintf("ocr %s %s: %v", e.Op, e.Path, e.Err)
	if e.ExitCode > 0 {
		msg += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *EngineError) Unwrap() error { return e.Err }

func (e *EngineError) Is(target error) bool { return target == ErrEngineFailure }

func exitCode(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
