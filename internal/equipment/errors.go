package equipment

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes operation failures across the allocation core.
type ErrorCode string

const (
	// CodeNotFound indicates the referenced equipment unit does not exist.
	CodeNotFound ErrorCode = "EQUIPMENT_NOT_FOUND"

	// CodeInvalidTransition indicates the requested status change is not
	// in the transition table.
	CodeInvalidTransition ErrorCode = "INVALID_TRANSITION"

	// CodeAlreadyAllocated indicates the unit is deployed to a different job.
	CodeAlreadyAllocated ErrorCode = "ALREADY_ALLOCATED"

	// CodeNotAllocatedToJob indicates a deallocation named a job the unit
	// is not bound to.
	CodeNotAllocatedToJob ErrorCode = "NOT_ALLOCATED_TO_JOB"

	// CodePersistenceUnavailable indicates a transient write failure; the
	// mutation was queued for retry and the caller saw optimistic success.
	CodePersistenceUnavailable ErrorCode = "PERSISTENCE_UNAVAILABLE"

	// CodeValidationFailed indicates bad input, e.g. a red tag without a
	// reason. Never retried.
	CodeValidationFailed ErrorCode = "VALIDATION_FAILED"

	// CodeConflicted indicates an unresolved local/remote divergence
	// blocks all mutation of this unit until explicitly resolved.
	CodeConflicted ErrorCode = "CONFLICTED"

	// CodeAbandoned indicates a queued mutation exhausted its retries and
	// was surfaced to the operator.
	CodeAbandoned ErrorCode = "ABANDONED"
)

// Error is the structured error returned by allocation-core operations.
type Error struct {
	Code    ErrorCode
	Message string

	// UnitID identifies the affected equipment unit, when known.
	UnitID string

	// From/To are set for invalid-transition errors.
	From Status
	To   Status

	// JobID is set for allocation mismatches.
	JobID string
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Code == CodeInvalidTransition:
		return fmt.Sprintf("%s: %s -> %s is not a legal transition (unit=%s)", e.Code, e.From, e.To, e.UnitID)
	case e.UnitID != "" && e.JobID != "":
		return fmt.Sprintf("%s: %s (unit=%s, job=%s)", e.Code, e.Message, e.UnitID, e.JobID)
	case e.UnitID != "":
		return fmt.Sprintf("%s: %s (unit=%s)", e.Code, e.Message, e.UnitID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeOf extracts the ErrorCode from err, or "" if err is not an *Error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsNotFound reports whether err carries CodeNotFound.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }

// IsInvalidTransition reports whether err carries CodeInvalidTransition.
func IsInvalidTransition(err error) bool { return CodeOf(err) == CodeInvalidTransition }

// IsAlreadyAllocated reports whether err carries CodeAlreadyAllocated.
func IsAlreadyAllocated(err error) bool { return CodeOf(err) == CodeAlreadyAllocated }

// IsNotAllocatedToJob reports whether err carries CodeNotAllocatedToJob.
func IsNotAllocatedToJob(err error) bool { return CodeOf(err) == CodeNotAllocatedToJob }

// IsPersistenceUnavailable reports whether err carries CodePersistenceUnavailable.
func IsPersistenceUnavailable(err error) bool { return CodeOf(err) == CodePersistenceUnavailable }

// IsValidationFailed reports whether err carries CodeValidationFailed.
func IsValidationFailed(err error) bool { return CodeOf(err) == CodeValidationFailed }

// IsConflicted reports whether err carries CodeConflicted.
func IsConflicted(err error) bool { return CodeOf(err) == CodeConflicted }

// IsAbandoned reports whether err carries CodeAbandoned.
func IsAbandoned(err error) bool { return CodeOf(err) == CodeAbandoned }

// NewNotFound creates an *Error for a missing unit.
func NewNotFound(unitID string) *Error {
	return &Error{Code: CodeNotFound, Message: "equipment unit not found", UnitID: unitID}
}

// NewAlreadyAllocated creates an *Error for a unit deployed to another job.
func NewAlreadyAllocated(unitID, jobID string) *Error {
	return &Error{
		Code:    CodeAlreadyAllocated,
		Message: "equipment already deployed to another job",
		UnitID:  unitID,
		JobID:   jobID,
	}
}

// NewNotAllocatedToJob creates an *Error for a deallocation job mismatch.
func NewNotAllocatedToJob(unitID, jobID string) *Error {
	return &Error{
		Code:    CodeNotAllocatedToJob,
		Message: "equipment is not allocated to this job",
		UnitID:  unitID,
		JobID:   jobID,
	}
}

// NewConflicted creates an *Error for a unit blocked by an unresolved
// conflict.
func NewConflicted(unitID string) *Error {
	return &Error{
		Code:    CodeConflicted,
		Message: "unresolved conflict blocks mutation of this unit",
		UnitID:  unitID,
	}
}

// NewPersistenceUnavailable creates an *Error for a transient write failure.
func NewPersistenceUnavailable(unitID string, cause error) *Error {
	return &Error{
		Code:    CodePersistenceUnavailable,
		Message: fmt.Sprintf("store unreachable: %v", cause),
		UnitID:  unitID,
	}
}

func newInvalidTransition(unitID string, from, to Status) *Error {
	return &Error{
		Code:   CodeInvalidTransition,
		UnitID: unitID,
		From:   from,
		To:     to,
	}
}

func newValidationError(unitID, format string, args ...any) *Error {
	return &Error{
		Code:    CodeValidationFailed,
		Message: fmt.Sprintf(format, args...),
		UnitID:  unitID,
	}
}
