package job

import (
	"errors"
	"fmt"
)

// ErrorKind classifies job execution errors for reporting.
type ErrorKind string

const (
	// ErrorKindWorkspaceCreation indicates the isolated working copy could
	// not be created (disk full, permission denied, name in use).
	ErrorKindWorkspaceCreation ErrorKind = "workspace_creation"

	// ErrorKindProcessLaunch indicates the engine process could not be
	// started or exited non-zero (missing executable, misconfigured path).
	ErrorKindProcessLaunch ErrorKind = "process_launch"

	// ErrorKindTimeout indicates the process exceeded its wall-clock budget.
	ErrorKindTimeout ErrorKind = "timeout"

	// ErrorKindRemoteDispatch indicates a remote-only failure:
	// authentication, network share, or session not found.
	ErrorKindRemoteDispatch ErrorKind = "remote_dispatch"

	// ErrorKindConsolidationConflict indicates the destination already held
	// a conflicting artifact and overwrite was disabled.
	ErrorKindConsolidationConflict ErrorKind = "consolidation_conflict"

	// ErrorKindIncompleteArtifact indicates the process exited zero but the
	// expected artifact is missing. Exit code alone is not trusted.
	ErrorKindIncompleteArtifact ErrorKind = "incomplete_artifact"
)

// Error is a classified job execution error.
type Error struct {
	// Kind classifies the error for reporting and metrics.
	Kind ErrorKind

	// JobID is the job the error belongs to.
	JobID string

	// Message is the human-readable error description.
	Message string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("job %s: %s", e.JobID, e.Message)
	if e.Kind != "" {
		msg = fmt.Sprintf("%s (kind: %s)", msg, e.Kind)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a classified job error.
func NewError(kind ErrorKind, jobID, message string, cause error) *Error {
	return &Error{Kind: kind, JobID: jobID, Message: message, Cause: cause}
}

// KindOf extracts the ErrorKind from an error, or "" if the error is not a
// classified job error.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var je *Error
	if errors.As(err, &je) {
		return je.Kind
	}
	return ""
}
