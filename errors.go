package workerdev

import (
	"errors"
	"fmt"
	"time"
)

// Severity says how far an error reaches.
type Severity int

const (
	// Recoverable errors are logged where they happen and the session keeps
	// serving whatever it served before.
	Recoverable Severity = iota
	// AttemptFatal errors abort one runtime-host startup attempt. The next
	// bundle change retries.
	AttemptFatal
	// SessionFatal errors end the dev session.
	SessionFatal
)

func (s Severity) String() string {
	switch s {
	case Recoverable:
		return "recoverable"
	case AttemptFatal:
		return "attempt-fatal"
	case SessionFatal:
		return "session-fatal"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

type severityError interface {
	error
	Severity() Severity
}

// SeverityOf classifies err. Errors outside this package's taxonomy are
// treated as session-fatal.
func SeverityOf(err error) Severity {
	if err == nil {
		return Recoverable
	}
	var se severityError
	if errors.As(err, &se) {
		return se.Severity()
	}
	return SessionFatal
}

// ValidationError reports a binding capability the local runtime host cannot
// emulate.
type ValidationError struct {
	Capability string
	Names      []string
}

func (e *ValidationError) Error() string {
	if len(e.Names) == 0 {
		return fmt.Sprintf("%s are not supported in local mode", e.Capability)
	}
	return fmt.Sprintf("%s are not supported in local mode (configured: %v)", e.Capability, e.Names)
}

func (e *ValidationError) Severity() Severity { return AttemptFatal }

// InitialBuildError means the first build failed and there is nothing to serve.
type InitialBuildError struct {
	Err error
}

func (e *InitialBuildError) Error() string { return "initial build failed: " + e.Err.Error() }
func (e *InitialBuildError) Unwrap() error { return e.Err }
func (e *InitialBuildError) Severity() Severity {
	return SessionFatal
}

// RebuildError is a failed rebuild after a good bundle already exists.
type RebuildError struct {
	Err error
}

func (e *RebuildError) Error() string      { return "rebuild failed: " + e.Err.Error() }
func (e *RebuildError) Unwrap() error      { return e.Err }
func (e *RebuildError) Severity() Severity { return Recoverable }

// PortUnavailableError is returned when the target port stays busy past the
// wait timeout.
type PortUnavailableError struct {
	Addr    string
	Timeout time.Duration
}

func (e *PortUnavailableError) Error() string {
	return fmt.Sprintf("port %s still in use after %s", e.Addr, e.Timeout)
}

func (e *PortUnavailableError) Severity() Severity { return AttemptFatal }

// ScratchDirError means the session could not create its staging directory.
type ScratchDirError struct {
	Err error
}

func (e *ScratchDirError) Error() string      { return "creating scratch directory: " + e.Err.Error() }
func (e *ScratchDirError) Unwrap() error      { return e.Err }
func (e *ScratchDirError) Severity() Severity { return SessionFatal }

// ChildSpawnError wraps a failure to start the runtime host process.
type ChildSpawnError struct {
	Command string
	Err     error
}

func (e *ChildSpawnError) Error() string {
	return fmt.Sprintf("starting runtime host %q: %v", e.Command, e.Err)
}
func (e *ChildSpawnError) Unwrap() error      { return e.Err }
func (e *ChildSpawnError) Severity() Severity { return Recoverable }

// ChildExitError records a runtime host that exited with a non-zero code.
type ChildExitError struct {
	PID  int
	Code int
}

func (e *ChildExitError) Error() string {
	return fmt.Sprintf("runtime host (pid %d) exited with code %d", e.PID, e.Code)
}

func (e *ChildExitError) Severity() Severity { return Recoverable }
